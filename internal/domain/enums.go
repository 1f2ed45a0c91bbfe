package domain

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownStage = errors.New("unknown stage")

// Stage is a pipeline position. Stages are totally ordered by their index in Stages.
type Stage string

const (
	StageInbox     Stage = "inbox"
	StageDiscovery Stage = "discovery"
	StagePRD       Stage = "prd"
	StageDesign    Stage = "design"
	StagePrototype Stage = "prototype"
	StageValidate  Stage = "validate"
	StageTickets   Stage = "tickets"
	StageBuild     Stage = "build"
	StageAlpha     Stage = "alpha"
	StageBeta      Stage = "beta"
	StageGA        Stage = "ga"
)

// Stages is the pipeline order.
var Stages = []Stage{
	StageInbox,
	StageDiscovery,
	StagePRD,
	StageDesign,
	StagePrototype,
	StageValidate,
	StageTickets,
	StageBuild,
	StageAlpha,
	StageBeta,
	StageGA,
}

const InitialStage = StageInbox

// Index returns the stage position, or -1 for unknown stages.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool { return s.Index() >= 0 }

// Before reports whether s comes earlier in the pipeline than other.
func (s Stage) Before(other Stage) bool { return s.Index() < other.Index() }

func ParseStage(v string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStage, v)
	}
	return s, nil
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities low=1 .. critical=4; unknown or empty is 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is at least as severe as min. An empty min admits everything.
func (s Severity) AtLeast(min Severity) bool {
	if min == "" {
		return true
	}
	return s.Rank() >= min.Rank()
}

func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("invalid severity %q", v)
	}
	return s, nil
}

// MaxSeverity returns the most severe of the given values.
func MaxSeverity(values ...Severity) Severity {
	var out Severity
	for _, v := range values {
		if v.Rank() > out.Rank() {
			out = v
		}
	}
	return out
}

// Depth is the automation capability ladder.
type Depth string

const (
	DepthManual     Depth = "manual"
	DepthSuggest    Depth = "suggest"
	DepthAutoCreate Depth = "auto_create"
	DepthFullAuto   Depth = "full_auto"
)

func (d Depth) Level() int {
	switch d {
	case DepthManual:
		return 0
	case DepthSuggest:
		return 1
	case DepthAutoCreate:
		return 2
	case DepthFullAuto:
		return 3
	}
	return -1
}

// Allows reports whether d reaches at least the given rung.
func (d Depth) Allows(rung Depth) bool {
	return d.Level() >= 0 && d.Level() >= rung.Level()
}

func ParseDepth(v string) (Depth, error) {
	d := Depth(strings.ToLower(strings.TrimSpace(v)))
	if d.Level() < 0 {
		return "", fmt.Errorf("invalid automation depth %q", v)
	}
	return d, nil
}

type SignalStatus string

const (
	SignalNew      SignalStatus = "new"
	SignalReviewed SignalStatus = "reviewed"
	SignalLinked   SignalStatus = "linked"
	SignalArchived SignalStatus = "archived"
)

func ParseSignalStatus(v string) (SignalStatus, error) {
	switch s := SignalStatus(strings.ToLower(strings.TrimSpace(v))); s {
	case SignalNew, SignalReviewed, SignalLinked, SignalArchived:
		return s, nil
	}
	return "", fmt.Errorf("invalid signal status %q", v)
}

type ActorKind string

const (
	ActorUser       ActorKind = "user"
	ActorAutomation ActorKind = "automation"
)

type ActionType string

const (
	ActionInitiativeCreated ActionType = "initiative_created"
	ActionPRDTriggered      ActionType = "prd_triggered"
	// ActionSuggested is reported in evaluation results but never recorded.
	ActionSuggested ActionType = "suggested"
)

const (
	WorkItemActive   = "active"
	WorkItemOnHold   = "on_hold"
	WorkItemArchived = "archived"
)

const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// JobGeneratePRD is the document generation job enqueued by full automation.
const JobGeneratePRD = "generate_prd"

const AutomationActorID = "automation"
