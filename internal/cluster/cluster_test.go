package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/testutil"
)

func sig(id string, sev domain.Severity, text string, vec ...float32) domain.EvidenceSignal {
	return domain.EvidenceSignal{ID: id, WorkspaceID: "ws-1", Text: text, Embedding: vec, Status: domain.SignalNew, Severity: sev}
}

func TestIDIgnoresOrderAndTracksMembership(t *testing.T) {
	assert.Equal(t, ID([]string{"b", "a", "c"}), ID([]string{"c", "b", "a"}))
	assert.NotEqual(t, ID([]string{"a", "b"}), ID([]string{"a", "b", "c"}))
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)
	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)
	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
}

func TestGroupBuildsClustersFromNeighbours(t *testing.T) {
	signals := []domain.EvidenceSignal{
		sig("s1", domain.SeverityLow, "checkout payment fails on mobile", 1, 0, 0),
		sig("s2", domain.SeverityHigh, "payment page crashes at checkout", 0.95, 0.05, 0),
		sig("s3", domain.SeverityMedium, "checkout payment spinner never ends", 0.9, 0.1, 0),
		sig("s4", domain.SeverityCritical, "dark mode please", 0, 0, 1),
		sig("s5", domain.SeverityLow, "no embedding yet"),
	}
	var got []domain.SignalCluster
	for c := range Group("ws-1", signals, 0.1, 2) {
		got = append(got, c)
	}
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, []string{"s1", "s2", "s3"}, c.MemberIDs)
	assert.Equal(t, 3, c.MemberCount())
	assert.Equal(t, domain.SeverityHigh, c.Severity)
	assert.Equal(t, ID(c.MemberIDs), c.ID)
	assert.Greater(t, c.Confidence, 0.9)
	assert.LessOrEqual(t, c.Confidence, 1.0)
	assert.Contains(t, c.Theme, "checkout")
	assert.Contains(t, c.Theme, "payment")
	assert.Equal(t, SuggestNewInitiative, c.SuggestedAction)
}

func TestGroupHonoursMinMembers(t *testing.T) {
	signals := []domain.EvidenceSignal{
		sig("s1", domain.SeverityLow, "a", 1, 0),
		sig("s2", domain.SeverityLow, "b", 1, 0.01),
	}
	n := 0
	for range Group("ws-1", signals, 0.1, 3) {
		n++
	}
	assert.Zero(t, n)
}

func TestGreedyIsSingleUseAndSkipsLinkedSignals(t *testing.T) {
	conn := testutil.OpenDB(t)
	testutil.SeedWorkspace(t, conn, "ws-1")
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	ts := repo.Timestamp(testutil.Epoch)
	for i, s := range []domain.EvidenceSignal{
		sig("s1", domain.SeverityLow, "export to csv", 1, 0),
		sig("s2", domain.SeverityLow, "csv export broken", 1, 0.02),
		sig("s3", domain.SeverityLow, "csv export slow", 1, 0.03),
	} {
		s.CreatedAt, s.UpdatedAt = ts, ts
		if i == 2 {
			s.Status = domain.SignalLinked
		}
		require.NoError(t, r.InsertSignal(ctx, nil, s))
	}

	seq := Greedy{Repo: r, MaxDistance: 0.1}.Clusters(ctx, "ws-1", 2)
	var clusters []domain.SignalCluster
	for c, err := range seq {
		require.NoError(t, err)
		clusters = append(clusters, c)
	}
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"s1", "s2"}, clusters[0].MemberIDs)

	for _, err := range seq {
		assert.ErrorIs(t, err, ErrConsumed)
	}
}

func TestThemeFallsBackToText(t *testing.T) {
	assert.Equal(t, "ok", Theme([]string{"ok"}))
	assert.Equal(t, "untitled", Theme(nil))
}
