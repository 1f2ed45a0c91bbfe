package transition

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/criteria"
	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/testutil"
)

type testEnv struct {
	T    Transitioner
	Conn *sql.DB
	Ctx  context.Context
	now  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn := testutil.OpenDB(t)
	testutil.SeedWorkspace(t, conn, "ws-1")
	now := testutil.Epoch
	tr := New(conn, func() time.Time { return now }, nil)
	ctx := context.Background()
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, tr.Repo.UpsertWorkspaceConfigTx(ctx, tx, "ws-1", config.Default("ws-1"), repo.Timestamp(now)))
	require.NoError(t, tx.Commit())
	return testEnv{T: tr, Conn: conn, Ctx: ctx, now: &now}
}

func TestDecidePolicy(t *testing.T) {
	failing := criteria.Result{CanGraduate: false, Checks: []criteria.Check{
		{Name: "a", Message: "missing documents: prd"},
		{Name: "b", Passed: true, Message: "ok"},
		{Name: "c", Message: "prototype required"},
	}}
	for _, enforced := range []bool{true, false} {
		for _, overrideAllowed := range []bool{true, false} {
			for _, force := range []bool{true, false} {
				passing := criteria.Result{CanGraduate: true, Enforced: enforced, OverrideAllowed: overrideAllowed}
				assert.True(t, Decide(passing, Options{ForceOverride: force}).Allowed)

				res := failing
				res.Enforced = enforced
				res.OverrideAllowed = overrideAllowed
				d := Decide(res, Options{ForceOverride: force})
				wantBlocked := enforced && (!force || !overrideAllowed)
				assert.Equal(t, !wantBlocked, d.Allowed, "enforced=%v override=%v force=%v", enforced, overrideAllowed, force)
				if wantBlocked {
					assert.Equal(t, "missing documents: prd; prototype required", d.Reason)
				}
			}
		}
	}
}

func TestTransitionBlockedThenAllowed(t *testing.T) {
	env := newTestEnv(t)
	item := testutil.SeedWorkItem(t, env.Conn, "ws-1", "wi-1", domain.StagePRD)

	_, err := env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: domain.StageDesign, ActorID: "alice"})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, CodeCriteriaUnmet, blocked.Code)
	assert.Contains(t, blocked.Error(), "missing documents: prd")

	got, err := env.T.Repo.GetWorkItem(env.Ctx, nil, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePRD, got.Stage)

	res, err := env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: domain.StageDesign, ActorID: "alice", ForceOverride: true, Reason: "exec sign-off"})
	require.NoError(t, err)
	assert.True(t, res.Event.Forced)
	assert.Equal(t, domain.StageDesign, res.WorkItem.Stage)

	hist, err := env.T.Repo.ListStageTransitions(env.Ctx, item.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.StagePRD, hist[0].FromStage)
	assert.Equal(t, domain.ActorUser, hist[0].ActorKind)
}

func TestOverrideDisallowedStaysBlocked(t *testing.T) {
	env := newTestEnv(t)
	item := testutil.SeedWorkItem(t, env.Conn, "ws-1", "wi-1", domain.StageAlpha)
	_, err := env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: domain.StageBeta, ActorID: "alice", ForceOverride: true})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.False(t, blocked.Decision.CheckResult.OverrideAllowed)
}

func TestTransitionEnqueuesTargetTriggers(t *testing.T) {
	env := newTestEnv(t)
	// design has no enforced criteria in the default config
	item := testutil.SeedWorkItem(t, env.Conn, "ws-1", "wi-1", domain.StageDesign)
	res, err := env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: domain.StagePrototype, ActorID: "alice"})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, "build_prototype", res.Jobs[0].Type)
	assert.True(t, res.Jobs[0].AutoTriggered)
	assert.Equal(t, []string{res.Jobs[0].ID}, res.Event.JobIDs)
}

func TestTransitionRejectsSameAndUnknownStage(t *testing.T) {
	env := newTestEnv(t)
	item := testutil.SeedWorkItem(t, env.Conn, "ws-1", "wi-1", domain.StageInbox)
	_, err := env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: domain.StageInbox})
	assert.ErrorIs(t, err, ErrSameStage)
	_, err = env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: "shipping"})
	assert.ErrorIs(t, err, domain.ErrUnknownStage)
	_, err = env.T.Transition(env.Ctx, Request{WorkItemID: "nope", ToStage: domain.StageDiscovery})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestLoopGuardBlocksFourthAutomationTransition(t *testing.T) {
	env := newTestEnv(t)
	// inbox has no criteria, so only the loop guard can block
	item := testutil.SeedWorkItem(t, env.Conn, "ws-1", "wi-1", domain.StageInbox)
	auto := func(to domain.Stage) error {
		_, err := env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: to, ActorID: domain.AutomationActorID, ActorKind: domain.ActorAutomation})
		return err
	}
	user := func(to domain.Stage) {
		_, err := env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: to, ActorID: "alice", ForceOverride: true})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, auto(domain.StageDiscovery), "transition %d", i+1)
		user(domain.StageInbox)
	}
	err := auto(domain.StageDiscovery)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, CodeLoopDetected, blocked.Code)

	// users are never loop guarded
	user(domain.StageDiscovery)
	user(domain.StageInbox)

	*env.now = env.now.Add(2 * time.Minute)
	assert.NoError(t, auto(domain.StageDiscovery))
}

func TestLoopGuardCountsOnlyAutomationForPair(t *testing.T) {
	env := newTestEnv(t)
	item := testutil.SeedWorkItem(t, env.Conn, "ws-1", "wi-1", domain.StageInbox)
	loop, n, window, err := env.T.Guard.IsLoop(env.Ctx, item.ID, domain.StageDiscovery)
	require.NoError(t, err)
	assert.False(t, loop)
	assert.Zero(t, n)
	assert.Equal(t, DefaultLoopWindow, window)

	_, err = env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: domain.StageDiscovery, ActorID: "alice"})
	require.NoError(t, err)
	_, n, _, err = env.T.Guard.IsLoop(env.Ctx, item.ID, domain.StageDiscovery)
	require.NoError(t, err)
	assert.Zero(t, n, "user transitions are not counted")
}

func TestLoopMessageUsesConfiguredWindow(t *testing.T) {
	env := newTestEnv(t)
	env.T.Guard.Window = 10 * time.Minute
	env.T.Guard.Cap = 1
	item := testutil.SeedWorkItem(t, env.Conn, "ws-1", "wi-1", domain.StageInbox)
	auto := func(to domain.Stage) error {
		_, err := env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: to, ActorID: domain.AutomationActorID, ActorKind: domain.ActorAutomation})
		return err
	}
	require.NoError(t, auto(domain.StageDiscovery))
	_, err := env.T.Transition(env.Ctx, Request{WorkItemID: item.ID, ToStage: domain.StageInbox, ActorID: "alice", ForceOverride: true})
	require.NoError(t, err)

	err = auto(domain.StageDiscovery)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Contains(t, blocked.Decision.Reason, "within 10m0s")
}

func TestValidateTransitionWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	item := testutil.SeedWorkItem(t, env.Conn, "ws-1", "wi-1", domain.StagePRD)

	d, err := env.T.Validator.ValidateTransition(env.Ctx, item.ID, domain.StageDesign, Options{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "missing documents: prd")
	assert.False(t, d.CheckResult.CanGraduate)

	d, err = env.T.Validator.ValidateTransition(env.Ctx, item.ID, domain.StageDesign, Options{ForceOverride: true})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.Overridden)

	_, err = env.T.Validator.ValidateTransition(env.Ctx, item.ID, domain.StagePRD, Options{})
	assert.ErrorIs(t, err, ErrSameStage)
	_, err = env.T.Validator.ValidateTransition(env.Ctx, item.ID, "shipping", Options{})
	assert.ErrorIs(t, err, domain.ErrUnknownStage)

	got, err := env.T.Repo.GetWorkItem(env.Ctx, nil, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StagePRD, got.Stage)
	hist, err := env.T.Repo.ListStageTransitions(env.Ctx, item.ID)
	require.NoError(t, err)
	assert.Empty(t, hist)
}
