package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/testutil"
)

func newLimiter(t *testing.T, now *time.Time) Limiter {
	t.Helper()
	conn := testutil.OpenDB(t)
	testutil.SeedWorkspace(t, conn, "ws-1")
	return Limiter{Repo: repo.Repo{DB: conn}, Now: func() time.Time { return *now }, Location: time.UTC}
}

func TestCooldownBlocksSameClusterOnly(t *testing.T) {
	now := testutil.Epoch
	l := newLimiter(t, &now)
	ctx := context.Background()
	s := domain.AutomationSettings{CooldownMinutes: 30, MaxActionsPerDay: 10}

	require.NoError(t, l.Record(ctx, nil, l.Entry("ws-1", "c1", domain.ActionInitiativeCreated, "", nil)))

	d, err := l.CanAct(ctx, "ws-1", "c1", s)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCooldown, d.Reason)

	d, err = l.CanAct(ctx, "ws-1", "c2", s)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	now = now.Add(31 * time.Minute)
	d, err = l.CanAct(ctx, "ws-1", "c1", s)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDailyCapResetsAtMidnight(t *testing.T) {
	now := time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC)
	l := newLimiter(t, &now)
	ctx := context.Background()
	s := domain.AutomationSettings{MaxActionsPerDay: 2}

	for _, c := range []string{"c1", "c2"} {
		d, err := l.CanAct(ctx, "ws-1", c, s)
		require.NoError(t, err)
		require.True(t, d.Allowed)
		require.NoError(t, l.Record(ctx, nil, l.Entry("ws-1", c, domain.ActionInitiativeCreated, "", nil)))
	}
	d, err := l.CanAct(ctx, "ws-1", "c3", s)
	require.NoError(t, err)
	assert.Equal(t, ReasonDailyLimit, d.Reason)

	now = time.Date(2024, 3, 5, 0, 0, 1, 0, time.UTC)
	d, err = l.CanAct(ctx, "ws-1", "c3", s)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRecordRejectsDuplicateClusterAction(t *testing.T) {
	now := testutil.Epoch
	l := newLimiter(t, &now)
	ctx := context.Background()
	require.NoError(t, l.Record(ctx, nil, l.Entry("ws-1", "c1", domain.ActionInitiativeCreated, "", nil)))
	err := l.Record(ctx, nil, l.Entry("ws-1", "c1", domain.ActionInitiativeCreated, "", nil))
	assert.ErrorIs(t, err, repo.ErrDuplicate)
	assert.NoError(t, l.Record(ctx, nil, l.Entry("ws-1", "c1", domain.ActionPRDTriggered, "", nil)))
}
