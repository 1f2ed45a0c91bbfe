package domain

import "testing"

func TestStageOrdering(t *testing.T) {
	for i := 1; i < len(Stages); i++ {
		if !Stages[i-1].Before(Stages[i]) {
			t.Fatalf("expected %s before %s", Stages[i-1], Stages[i])
		}
	}
	if Stage("nope").Valid() {
		t.Fatalf("unknown stage reported valid")
	}
	if _, err := ParseStage(" PRD "); err != nil {
		t.Fatalf("parse stage: %v", err)
	}
}

func TestSeverityAtLeast(t *testing.T) {
	cases := []struct {
		s, min Severity
		want   bool
	}{
		{SeverityHigh, SeverityMedium, true},
		{SeverityMedium, SeverityHigh, false},
		{SeverityCritical, SeverityCritical, true},
		{SeverityLow, "", true},
	}
	for _, c := range cases {
		if got := c.s.AtLeast(c.min); got != c.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", c.s, c.min, got, c.want)
		}
	}
	if got := MaxSeverity(SeverityLow, SeverityCritical, SeverityMedium); got != SeverityCritical {
		t.Fatalf("max severity = %s", got)
	}
}

func TestDepthLadder(t *testing.T) {
	if DepthSuggest.Allows(DepthAutoCreate) {
		t.Fatalf("suggest must not allow auto_create")
	}
	if !DepthFullAuto.Allows(DepthAutoCreate) {
		t.Fatalf("full_auto must allow auto_create")
	}
	if _, err := ParseDepth("sometimes"); err == nil {
		t.Fatalf("expected error for unknown depth")
	}
}
