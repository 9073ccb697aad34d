package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/approver"
	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/observability"
	"github.com/songzhibin97/approval-engine/storage"
	"github.com/songzhibin97/approval-engine/types"
)

// MockGenerator is a simple ID generator for testing.
type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

// hookStore runs beforeCommit once, just before the first commit it sees.
// Commits made by the hook itself go straight through.
type hookStore struct {
	storage.Storage
	fired        int32
	beforeCommit func()
}

func (s *hookStore) Commit(ctx context.Context, inst types.Instance, expectedVersion int64, record types.ApprovalRecord) error {
	if s.beforeCommit != nil && atomic.CompareAndSwapInt32(&s.fired, 0, 1) {
		s.beforeCommit()
	}
	return s.Storage.Commit(ctx, inst, expectedVersion, record)
}

func testDirectory() *approver.StaticDirectory {
	return approver.NewStaticDirectory(map[string]approver.DirectoryUser{
		"ivan":  {Manager: "mona"},
		"mona":  {Roles: []string{"lead"}},
		"alice": {Roles: []string{"lead"}},
		"bob":   {Roles: []string{"lead"}},
		"carol": {Roles: []string{"finance"}},
		"dave":  {Roles: []string{"finance"}},
		"erin":  {},
		"eve":   {Roles: []string{"finance"}, Disabled: true},
	})
}

func usersRule(ids ...string) types.ApproverRule {
	return types.ApproverRule{Kind: types.RuleUsers, Users: ids}
}

// expenseDefinition: review by alice and bob (all), then finance (any) for
// amounts over 1000.
func expenseDefinition() types.Definition {
	return types.Definition{
		ID:   "expense",
		Name: "Expense claim",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Transitions: []types.Transition{{Target: "review"}}},
			{ID: "review", Type: types.NodeParallel, Policy: types.PolicyAll, Approvers: usersRule("alice", "bob"),
				Transitions: []types.Transition{{Target: "amount"}}},
			{ID: "amount", Type: types.NodeCondition,
				Transitions: []types.Transition{{Condition: "amount > 1000", Target: "finance"}, {Target: "end"}}},
			{ID: "finance", Type: types.NodeApproval, Policy: types.PolicyAny,
				Approvers:   types.ApproverRule{Kind: types.RuleRole, Role: "finance"},
				Transitions: []types.Transition{{Target: "end"}}},
			{ID: "end", Type: types.NodeEnd},
		},
	}
}

// chainDefinition: n1 -> n2 -> n3 -> end, n3 returns to n1.
func chainDefinition() types.Definition {
	return types.Definition{
		ID: "chain",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Transitions: []types.Transition{{Target: "n1"}}},
			{ID: "n1", Type: types.NodeApproval, Approvers: usersRule("alice"),
				Transitions: []types.Transition{{Target: "n2"}}},
			{ID: "n2", Type: types.NodeParallel, Policy: types.PolicyAll, Approvers: usersRule("bob", "carol"),
				Transitions: []types.Transition{{Target: "n3"}}},
			{ID: "n3", Type: types.NodeParallel, Policy: types.PolicyAll, Approvers: usersRule("dave", "erin"),
				ReturnTo: "n1", Transitions: []types.Transition{{Target: "end"}}},
			{ID: "end", Type: types.NodeEnd},
		},
	}
}

func newTestEngine(t *testing.T, store storage.Storage, opts ...Option) *WorkflowEngine {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	opts = append([]Option{WithDirectory(testDirectory())}, opts...)
	engine, err := NewWorkflowEngine(&MockGenerator{}, store, nil, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Stop(context.Background()) })
	return engine
}

func publish(t *testing.T, engine *WorkflowEngine, def types.Definition) types.Definition {
	t.Helper()
	published, err := engine.RegisterDefinition(context.Background(), def)
	require.NoError(t, err)
	return published
}

func start(t *testing.T, engine *WorkflowEngine, defID string, vars map[string]interface{}) *types.Instance {
	t.Helper()
	inst, err := engine.CreateInstance(context.Background(), defID, "claim-7", "ivan", vars)
	require.NoError(t, err)
	return inst
}

func act(engine *WorkflowEngine, inst *types.Instance, node string, action types.Action, actor string) (types.Outcome, error) {
	return engine.ProcessApproval(context.Background(), types.ApprovalRequest{
		InstanceID: inst.ID,
		NodeID:     node,
		Action:     action,
		ActorID:    actor,
	})
}

func mustAct(t *testing.T, engine *WorkflowEngine, inst *types.Instance, node string, action types.Action, actor string) types.Outcome {
	t.Helper()
	out, err := act(engine, inst, node, action, actor)
	require.NoError(t, err)
	return out
}

func reload(t *testing.T, engine *WorkflowEngine, id uint64) *types.Instance {
	t.Helper()
	inst, err := engine.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestNewWorkflowEngine(t *testing.T) {
	_, err := NewWorkflowEngine(nil, nil, nil, nil)
	assert.ErrorIs(t, err, ErrGeneratorRequired)

	engine, err := NewWorkflowEngine(&MockGenerator{}, nil, nil, nil)
	require.NoError(t, err)
	defer engine.Stop(context.Background())
	assert.NotNil(t, engine.storage)
	assert.NotNil(t, engine.evaluator)
	assert.NotNil(t, engine.resolver)

	id, err := engine.GenerateID()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestRegisterDefinition(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	engine := newTestEngine(t, nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	v1 := publish(t, engine, expenseDefinition())
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, now, v1.CreatedAt)

	v2 := publish(t, engine, expenseDefinition())
	assert.Equal(t, 2, v2.Version)

	latest, err := engine.GetDefinition(ctx, "expense", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	first, err := engine.GetDefinition(ctx, "expense", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	_, err = engine.GetDefinition(ctx, "expense", 9)
	assert.ErrorIs(t, err, types.ErrNotFound)

	broken := expenseDefinition()
	broken.Nodes = broken.Nodes[:len(broken.Nodes)-1]
	_, err = engine.RegisterDefinition(ctx, broken)
	assert.ErrorIs(t, err, types.ErrValidation)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = engine.RegisterDefinition(cancelled, expenseDefinition())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublishedDefinitionsAreImmutable(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx := context.Background()

	def := expenseDefinition()
	publish(t, engine, def)
	inst := start(t, engine, "expense", map[string]interface{}{"amount": 10})

	def.Nodes[1].Policy = types.PolicyAny
	def.Nodes[1].Approvers.Users[1] = "mona"
	def.Nodes[2].Transitions[0].Condition = "amount > 5"
	v2 := publish(t, engine, def)
	assert.Equal(t, 2, v2.Version)

	v1, err := engine.GetDefinition(ctx, "expense", 1)
	require.NoError(t, err)
	review, _ := v1.Node("review")
	assert.Equal(t, types.PolicyAll, review.Policy)
	assert.Equal(t, []string{"alice", "bob"}, review.Approvers.Users)

	v1.Nodes[1].Approvers.Users[0] = "zed"
	again, err := engine.GetDefinition(ctx, "expense", 1)
	require.NoError(t, err)
	review, _ = again.Node("review")
	assert.Equal(t, []string{"alice", "bob"}, review.Approvers.Users)

	out := mustAct(t, engine, inst, "review", types.ActionApprove, "alice")
	assert.Equal(t, "review", out.NodeID)
	assert.Equal(t, []string{"bob"}, reload(t, engine, inst.ID).Pending)
}

func TestRecordTimestampsNeverDecrease(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	engine := newTestEngine(t, nil, WithClock(clock))
	publish(t, engine, chainDefinition())
	inst := start(t, engine, "chain", nil)
	created := inst.UpdatedAt

	mu.Lock()
	now = now.Add(-time.Hour)
	mu.Unlock()

	mustAct(t, engine, inst, "n1", types.ActionApprove, "alice")
	mustAct(t, engine, inst, "n2", types.ActionApprove, "bob")

	records, err := engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, created, records[0].Timestamp)
	assert.False(t, records[1].Timestamp.Before(records[0].Timestamp))
	assert.Equal(t, created, reload(t, engine, inst.ID).UpdatedAt)
}

func TestInstancePinsDefinitionVersion(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", nil)

	edited := expenseDefinition()
	edited.Nodes[1].Approvers = usersRule("mona")
	publish(t, engine, edited)

	mustAct(t, engine, inst, "review", types.ActionApprove, "alice")
	got := reload(t, engine, inst.ID)
	assert.Equal(t, 1, got.DefinitionVersion)
	assert.Equal(t, []string{"bob"}, got.Pending)

	fresh := start(t, engine, "expense", nil)
	assert.Equal(t, 2, fresh.DefinitionVersion)
	assert.Equal(t, []string{"mona"}, fresh.Pending)
}

func TestCreateInstance(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())

	inst := start(t, engine, "expense", map[string]interface{}{"amount": 250})
	assert.Equal(t, types.StatusRunning, inst.Status)
	assert.Equal(t, "review", inst.CurrentNodeID)
	assert.Equal(t, []string{"alice", "bob"}, inst.Pending)
	assert.Equal(t, []types.Step{{NodeID: "review", EnteredBy: "ivan"}}, inst.Path)
	assert.Equal(t, int64(1), inst.Version)
	assert.Equal(t, 1, inst.DefinitionVersion)

	stored := reload(t, engine, inst.ID)
	assert.Equal(t, inst.Pending, stored.Pending)

	history, err := engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = engine.CreateInstance(context.Background(), "expense", "claim-8", "", nil)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = engine.CreateInstance(context.Background(), "expense", "", "ivan", nil)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = engine.CreateInstance(context.Background(), "missing", "claim-8", "ivan", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCreateInstance_RoutesThroughConditions(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, types.Definition{
		ID: "triage",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Transitions: []types.Transition{{Target: "size"}}},
			{ID: "size", Type: types.NodeCondition,
				Transitions: []types.Transition{{Condition: "amount > 100", Target: "lead"}, {Target: "end"}}},
			{ID: "lead", Type: types.NodeApproval, Approvers: types.ApproverRule{Kind: types.RuleInitiatorManager},
				Transitions: []types.Transition{{Target: "end"}}},
			{ID: "end", Type: types.NodeEnd},
		},
	})

	big := start(t, engine, "triage", map[string]interface{}{"amount": 500})
	assert.Equal(t, "lead", big.CurrentNodeID)
	assert.Equal(t, []string{"mona"}, big.Pending)

	small := start(t, engine, "triage", map[string]interface{}{"amount": 5})
	assert.Equal(t, types.StatusCompleted, small.Status)
	assert.Equal(t, "end", small.CurrentNodeID)
	assert.Empty(t, small.Pending)
	assert.NotNil(t, small.CompletedAt)
	assert.NoError(t, engine.VerifyHistory(context.Background(), small.ID))

	_, err := engine.CreateInstance(context.Background(), "triage", "claim-9", "ivan", map[string]interface{}{"amount": "lots"})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestCreateInstance_UnresolvableApprovers(t *testing.T) {
	engine := newTestEngine(t, nil)
	def := expenseDefinition()
	def.Nodes[1].Approvers = types.ApproverRule{Kind: types.RuleRole, Role: "auditor"}
	publish(t, engine, def)

	_, err := engine.CreateInstance(context.Background(), "expense", "claim-7", "ivan", nil)
	assert.ErrorIs(t, err, types.ErrUnresolvableApprovers)
}

func TestAllPolicyGating(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", map[string]interface{}{"amount": 5000})

	out := mustAct(t, engine, inst, "review", types.ActionApprove, "alice")
	assert.Equal(t, types.Outcome{Status: types.StatusRunning, NodeID: "review", Version: 2}, out)
	assert.Equal(t, []string{"bob"}, reload(t, engine, inst.ID).Pending)

	_, err := act(engine, inst, "review", types.ActionApprove, "alice")
	assert.ErrorIs(t, err, types.ErrAuthorization, "an approver acts once per node")

	out = mustAct(t, engine, inst, "review", types.ActionApprove, "bob")
	assert.Equal(t, "finance", out.NodeID)
	got := reload(t, engine, inst.ID)
	assert.Equal(t, []string{"carol", "dave"}, got.Pending, "disabled eve is not resolved")
}

func TestAnyPolicyShortCircuit(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, types.Definition{
		ID: "any",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Transitions: []types.Transition{{Target: "first"}}},
			{ID: "first", Type: types.NodeApproval, Policy: types.PolicyAny, Approvers: usersRule("alice", "bob"),
				Transitions: []types.Transition{{Target: "second"}}},
			{ID: "second", Type: types.NodeApproval, Approvers: usersRule("carol"),
				Transitions: []types.Transition{{Target: "end"}}},
			{ID: "end", Type: types.NodeEnd},
		},
	})

	for _, first := range []string{"alice", "bob"} {
		inst := start(t, engine, "any", nil)
		out := mustAct(t, engine, inst, "first", types.ActionApprove, first)
		assert.Equal(t, types.Outcome{Status: types.StatusRunning, NodeID: "second", Version: 2}, out)
		assert.Equal(t, []string{"carol"}, reload(t, engine, inst.ID).Pending)

		other := "alice"
		if first == "alice" {
			other = "bob"
		}
		_, err := act(engine, inst, "first", types.ActionApprove, other)
		assert.ErrorIs(t, err, types.ErrStaleAction)
	}
}

func TestAnyPolicyCompletes(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", map[string]interface{}{"amount": 5000})
	mustAct(t, engine, inst, "review", types.ActionApprove, "alice")
	mustAct(t, engine, inst, "review", types.ActionApprove, "bob")

	out := mustAct(t, engine, inst, "finance", types.ActionApprove, "dave")
	assert.Equal(t, types.StatusCompleted, out.Status)
	assert.Equal(t, "end", out.NodeID)

	_, err := act(engine, inst, "finance", types.ActionApprove, "carol")
	assert.ErrorIs(t, err, types.ErrInvalidState)
	assert.NoError(t, engine.VerifyHistory(context.Background(), inst.ID))
}

func TestReturnResetsDownstreamState(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, chainDefinition())
	inst := start(t, engine, "chain", nil)

	mustAct(t, engine, inst, "n1", types.ActionApprove, "alice")
	mustAct(t, engine, inst, "n2", types.ActionApprove, "bob")
	mustAct(t, engine, inst, "n2", types.ActionApprove, "carol")
	mustAct(t, engine, inst, "n3", types.ActionApprove, "dave")

	out := mustAct(t, engine, inst, "n3", types.ActionReturn, "erin")
	assert.Equal(t, types.Outcome{Status: types.StatusRunning, NodeID: "n1", Version: 6}, out)

	got := reload(t, engine, inst.ID)
	assert.Equal(t, []string{"alice"}, got.Pending)
	assert.Equal(t, []types.Step{{NodeID: "n1", EnteredBy: "ivan"}}, got.Path)

	mustAct(t, engine, inst, "n1", types.ActionApprove, "alice")
	got = reload(t, engine, inst.ID)
	assert.Equal(t, "n2", got.CurrentNodeID)
	assert.Equal(t, []string{"bob", "carol"}, got.Pending, "earlier approvals on n2 are discarded")

	assert.NoError(t, engine.VerifyHistory(context.Background(), inst.ID))
}

func TestReturnToPredecessor(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, chainDefinition())
	inst := start(t, engine, "chain", nil)

	_, err := act(engine, inst, "n1", types.ActionReturn, "alice")
	assert.ErrorIs(t, err, types.ErrValidation, "nothing to return to from the first node")

	mustAct(t, engine, inst, "n1", types.ActionApprove, "alice")
	mustAct(t, engine, inst, "n2", types.ActionApprove, "bob")

	out := mustAct(t, engine, inst, "n2", types.ActionReturn, "carol")
	assert.Equal(t, "n1", out.NodeID)
	assert.Equal(t, []string{"alice"}, reload(t, engine, inst.ID).Pending)
}

func TestRejectIsAbsorbing(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", nil)
	mustAct(t, engine, inst, "review", types.ActionApprove, "alice")

	out := mustAct(t, engine, inst, "review", types.ActionReject, "bob")
	assert.Equal(t, types.StatusRejected, out.Status)
	assert.Equal(t, "review", out.NodeID)

	got := reload(t, engine, inst.ID)
	assert.Empty(t, got.Pending)
	assert.NotNil(t, got.CompletedAt)
}

func TestTerminalImmutability(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", nil)
	mustAct(t, engine, inst, "review", types.ActionReject, "alice")
	before := reload(t, engine, inst.ID)

	for _, action := range []types.Action{types.ActionApprove, types.ActionReject, types.ActionReturn, types.ActionDelegate} {
		_, err := engine.ProcessApproval(context.Background(), types.ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: action, ActorID: "bob", DelegateTargetID: "mona",
		})
		assert.ErrorIs(t, err, types.ErrInvalidState, action)
	}
	_, err := engine.Cancel(context.Background(), inst.ID, "ivan", "too late")
	assert.ErrorIs(t, err, types.ErrInvalidState)

	assert.Equal(t, before, reload(t, engine, inst.ID))
	history, err := engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestConcurrencyRace(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", map[string]interface{}{"amount": 5000})
	mustAct(t, engine, inst, "review", types.ActionApprove, "bob")

	const racers = 2
	var (
		wg      sync.WaitGroup
		ready   = make(chan struct{})
		results = make([]error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			_, results[i] = act(engine, inst, "review", types.ActionApprove, "alice")
		}(i)
	}
	close(ready)
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, errors.Is(err, types.ErrStaleAction) || errors.Is(err, types.ErrConcurrentModification), err)
	}
	assert.Equal(t, 1, wins)

	history, err := engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.NoError(t, engine.VerifyHistory(context.Background(), inst.ID))
}

func TestConcurrentModificationAndRetry(t *testing.T) {
	store := &hookStore{Storage: storage.NewMemoryStorage()}
	engine := newTestEngine(t, store)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", map[string]interface{}{"amount": 10})

	// bob commits between alice's read and alice's commit.
	store.beforeCommit = func() {
		mustAct(t, engine, inst, "review", types.ActionApprove, "bob")
	}
	_, err := act(engine, inst, "review", types.ActionApprove, "alice")
	assert.ErrorIs(t, err, types.ErrConcurrentModification)

	got := reload(t, engine, inst.ID)
	assert.Equal(t, []string{"alice"}, got.Pending, "the losing action left no trace")

	var attempts int
	err = RetryOnConflict(context.Background(), 3, time.Millisecond, func(ctx context.Context) error {
		attempts++
		_, err := act(engine, inst, "review", types.ActionApprove, "alice")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, types.StatusCompleted, reload(t, engine, inst.ID).Status)
}

func TestDelegationScope(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", map[string]interface{}{"amount": 10})

	out, err := engine.ProcessApproval(context.Background(), types.ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: types.ActionDelegate,
		ActorID: "alice", DelegateTargetID: "carol", Comment: "on leave",
	})
	require.NoError(t, err)
	assert.Equal(t, "review", out.NodeID)

	got := reload(t, engine, inst.ID)
	assert.Equal(t, []string{"bob", "carol"}, got.Pending)

	history, err := engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "carol", history[0].DelegateTargetID)
	assert.Equal(t, "on leave", history[0].Comment)

	_, err = act(engine, inst, "review", types.ActionApprove, "alice")
	assert.ErrorIs(t, err, types.ErrAuthorization, "the delegator lost their slot")

	mustAct(t, engine, inst, "review", types.ActionApprove, "carol")
	mustAct(t, engine, inst, "review", types.ActionApprove, "bob")
	assert.Equal(t, types.StatusCompleted, reload(t, engine, inst.ID).Status)
}

func TestDelegateValidation(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", nil)

	for _, target := range []string{"", "alice", "bob", "eve", "nobody"} {
		_, err := engine.ProcessApproval(context.Background(), types.ApprovalRequest{
			InstanceID: inst.ID, NodeID: "review", Action: types.ActionDelegate,
			ActorID: "alice", DelegateTargetID: target,
		})
		assert.ErrorIs(t, err, types.ErrValidation, "target %q", target)
	}
	assert.Equal(t, int64(1), reload(t, engine, inst.ID).Version)

	bare, err := NewWorkflowEngine(&MockGenerator{}, nil, nil, nil)
	require.NoError(t, err)
	defer bare.Stop(context.Background())
	publish(t, bare, chainDefinition())
	chained := start(t, bare, "chain", nil)
	for _, target := range []string{"no-such-user", "bob"} {
		_, err := bare.ProcessApproval(context.Background(), types.ApprovalRequest{
			InstanceID: chained.ID, NodeID: "n1", Action: types.ActionDelegate,
			ActorID: "alice", DelegateTargetID: target,
		})
		assert.ErrorIs(t, err, types.ErrValidation, "target %q", target)
	}
	assert.Equal(t, []string{"alice"}, reload(t, bare, chained.ID).Pending)
}

func TestCancel(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", nil)

	_, err := engine.Cancel(context.Background(), inst.ID, "alice", "not mine")
	assert.ErrorIs(t, err, types.ErrAuthorization)

	out, err := engine.Cancel(context.Background(), inst.ID, "ivan", "bought it myself")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, out.Status)

	history, err := engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.ActionCancel, history[0].Action)
	assert.Equal(t, types.StatusCancelled, history[0].ResultingStatus)

	_, err = act(engine, inst, "review", types.ActionApprove, "alice")
	assert.ErrorIs(t, err, types.ErrInvalidState)
	assert.NoError(t, engine.VerifyHistory(context.Background(), inst.ID))
}

func TestProcessApproval_ValidationOrder(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", nil)

	tests := []struct {
		name string
		req  types.ApprovalRequest
		want error
	}{
		{"unknown action", types.ApprovalRequest{InstanceID: inst.ID, NodeID: "review", Action: "escalate", ActorID: "alice"}, types.ErrValidation},
		{"unknown instance", types.ApprovalRequest{InstanceID: 999, NodeID: "review", Action: types.ActionApprove, ActorID: "alice"}, types.ErrNotFound},
		{"stale node", types.ApprovalRequest{InstanceID: inst.ID, NodeID: "finance", Action: types.ActionApprove, ActorID: "alice"}, types.ErrStaleAction},
		{"stale wins over authorization", types.ApprovalRequest{InstanceID: inst.ID, NodeID: "finance", Action: types.ActionApprove, ActorID: "mallory"}, types.ErrStaleAction},
		{"not pending", types.ApprovalRequest{InstanceID: inst.ID, NodeID: "review", Action: types.ActionApprove, ActorID: "mallory"}, types.ErrAuthorization},
		{"authorization wins over delegate checks", types.ApprovalRequest{InstanceID: inst.ID, NodeID: "review", Action: types.ActionDelegate, ActorID: "mallory"}, types.ErrAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.ProcessApproval(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(1), reload(t, engine, inst.ID).Version)
}

func TestFailsClosed(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, types.Definition{
		ID: "vendor",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Transitions: []types.Transition{{Target: "buyer"}}},
			{ID: "buyer", Type: types.NodeApproval, Approvers: types.ApproverRule{Kind: types.RuleInitiatorManager},
				Transitions: []types.Transition{{Condition: "score >= 50", Target: "owner"}, {Target: "end"}}},
			{ID: "owner", Type: types.NodeApproval, Approvers: types.ApproverRule{Kind: types.RuleContextField, ContextKey: "owners"},
				Transitions: []types.Transition{{Target: "end"}}},
			{ID: "end", Type: types.NodeEnd},
		},
	})

	unresolvable := start(t, engine, "vendor", map[string]interface{}{"score": 80})
	_, err := act(engine, unresolvable, "buyer", types.ActionApprove, "mona")
	assert.ErrorIs(t, err, types.ErrUnresolvableApprovers)
	got := reload(t, engine, unresolvable.ID)
	assert.Equal(t, "buyer", got.CurrentNodeID)
	assert.Equal(t, []string{"mona"}, got.Pending)
	assert.Equal(t, int64(1), got.Version)

	badCondition := start(t, engine, "vendor", map[string]interface{}{"score": "high"})
	_, err = act(engine, badCondition, "buyer", types.ActionApprove, "mona")
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, int64(1), reload(t, engine, badCondition.ID).Version)

	history, err := engine.GetHistory(context.Background(), unresolvable.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	withOwners := start(t, engine, "vendor", map[string]interface{}{"score": 80, "owners": []interface{}{"dave", "carol"}})
	out := mustAct(t, engine, withOwners, "buyer", types.ActionApprove, "mona")
	assert.Equal(t, "owner", out.NodeID)
	assert.Equal(t, []string{"carol", "dave"}, reload(t, engine, withOwners.ID).Pending)
}

func TestPreviousActorRule(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, types.Definition{
		ID: "confirm",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Transitions: []types.Transition{{Target: "lead"}}},
			{ID: "lead", Type: types.NodeApproval, Policy: types.PolicyAny,
				Approvers:   types.ApproverRule{Kind: types.RuleRole, Role: "lead"},
				Transitions: []types.Transition{{Target: "confirm"}}},
			{ID: "confirm", Type: types.NodeApproval, Approvers: types.ApproverRule{Kind: types.RulePreviousActor},
				Transitions: []types.Transition{{Target: "end"}}},
			{ID: "end", Type: types.NodeEnd},
		},
	})
	inst := start(t, engine, "confirm", nil)
	assert.Equal(t, []string{"alice", "bob", "mona"}, inst.Pending)

	mustAct(t, engine, inst, "lead", types.ActionApprove, "bob")
	assert.Equal(t, []string{"bob"}, reload(t, engine, inst.ID).Pending)

	approvers, err := engine.GetNodeApprovers(context.Background(), inst.ID, "confirm")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, approvers)
}

func TestGetNodeApprovers(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", nil)

	approvers, err := engine.GetNodeApprovers(context.Background(), inst.ID, "finance")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "dave"}, approvers)

	_, err = engine.GetNodeApprovers(context.Background(), inst.ID, "amount")
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = engine.GetNodeApprovers(context.Background(), inst.ID, "nowhere")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = engine.GetNodeApprovers(context.Background(), 999, "finance")
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.Equal(t, int64(1), reload(t, engine, inst.ID).Version)
}

func TestPendingFor(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())
	first := start(t, engine, "expense", map[string]interface{}{"amount": 5000})
	second := start(t, engine, "expense", map[string]interface{}{"amount": 20})

	mustAct(t, engine, first, "review", types.ActionApprove, "alice")
	mustAct(t, engine, first, "review", types.ActionApprove, "bob")

	ctx := context.Background()
	inbox, err := engine.PendingFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, second.ID, inbox[0].ID)

	inbox, err = engine.PendingFor(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, first.ID, inbox[0].ID)

	mustAct(t, engine, second, "review", types.ActionReject, "bob")
	inbox, err = engine.PendingFor(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, inbox)

	_, err = engine.PendingFor(ctx, "")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestHistoryReconstruction(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, chainDefinition())
	inst := start(t, engine, "chain", nil)

	mustAct(t, engine, inst, "n1", types.ActionApprove, "alice")
	_, err := engine.ProcessApproval(context.Background(), types.ApprovalRequest{
		InstanceID: inst.ID, NodeID: "n2", Action: types.ActionDelegate, ActorID: "bob", DelegateTargetID: "mona",
	})
	require.NoError(t, err)
	mustAct(t, engine, inst, "n2", types.ActionApprove, "mona")
	mustAct(t, engine, inst, "n2", types.ActionApprove, "carol")
	mustAct(t, engine, inst, "n3", types.ActionReturn, "dave")
	mustAct(t, engine, inst, "n1", types.ActionApprove, "alice")
	mustAct(t, engine, inst, "n2", types.ActionReject, "carol")

	history, err := engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 7)
	for i, r := range history {
		assert.Equal(t, i+1, r.Sequence)
		assert.Equal(t, inst.ID, r.InstanceID)
	}

	node, status, err := Replay("n1", history)
	require.NoError(t, err)
	got := reload(t, engine, inst.ID)
	assert.Equal(t, got.CurrentNodeID, node)
	assert.Equal(t, got.Status, status)
	assert.Equal(t, types.StatusRejected, status)
	assert.NoError(t, engine.VerifyHistory(context.Background(), inst.ID))
}

func TestReplay_DetectsInconsistentHistory(t *testing.T) {
	records := []types.ApprovalRecord{
		{Sequence: 1, NodeID: "n1", ResultingNodeID: "n2", ResultingStatus: types.StatusRunning},
		{Sequence: 2, NodeID: "n2", ResultingNodeID: "n2", ResultingStatus: types.StatusRejected},
	}

	_, _, err := Replay("n1", records)
	require.NoError(t, err)

	_, _, err = Replay("n2", records)
	assert.ErrorIs(t, err, ErrHistoryMismatch)

	gap := append([]types.ApprovalRecord(nil), records...)
	gap[1].Sequence = 3
	_, _, err = Replay("n1", gap)
	assert.ErrorIs(t, err, ErrHistoryMismatch)

	afterTerminal := append(append([]types.ApprovalRecord(nil), records...),
		types.ApprovalRecord{Sequence: 3, NodeID: "n2", ResultingNodeID: "n3", ResultingStatus: types.StatusRunning})
	_, _, err = Replay("n1", afterTerminal)
	assert.ErrorIs(t, err, ErrHistoryMismatch)
}

func TestEvents(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, expenseDefinition())

	var (
		mu       sync.Mutex
		received []events.Event
	)
	collect := events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, event)
		return nil
	})
	for _, eventType := range []string{
		events.EventInstanceStarted,
		events.EventApprovalRequired,
		events.EventDelegated,
		events.EventInstanceCompleted,
	} {
		engine.SubscribeEvent(eventType, collect)
	}

	inst := start(t, engine, "expense", map[string]interface{}{"amount": 10})
	_, err := engine.ProcessApproval(context.Background(), types.ApprovalRequest{
		InstanceID: inst.ID, NodeID: "review", Action: types.ActionDelegate, ActorID: "alice", DelegateTargetID: "mona",
	})
	require.NoError(t, err)
	mustAct(t, engine, inst, "review", types.ActionApprove, "bob")
	mustAct(t, engine, inst, "review", types.ActionApprove, "mona")

	require.NoError(t, engine.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	byType := make(map[string]events.Event)
	for _, ev := range received {
		assert.Equal(t, inst.ID, ev.InstanceID)
		assert.NotEmpty(t, ev.ID)
		byType[ev.Type] = ev
	}
	require.Len(t, byType, 4)
	assert.Equal(t, []string{"ivan"}, byType[events.EventInstanceStarted].Recipients)
	assert.Equal(t, []string{"alice", "bob"}, byType[events.EventApprovalRequired].Recipients)
	assert.Equal(t, []string{"mona"}, byType[events.EventDelegated].Recipients)
	assert.Equal(t, []string{"ivan"}, byType[events.EventInstanceCompleted].Recipients)
	assert.Equal(t, "expense", byType[events.EventInstanceCompleted].Data["definition_id"])
}

type countingHandler struct {
	calls int32
}

func (h *countingHandler) Handle(ctx context.Context, event events.Event) error {
	atomic.AddInt32(&h.calls, 1)
	return nil
}

func TestUnsubscribeEvent(t *testing.T) {
	engine := newTestEngine(t, nil)
	publish(t, engine, chainDefinition())

	kept, dropped := &countingHandler{}, &countingHandler{}
	engine.SubscribeEvent(events.EventInstanceStarted, kept)
	engine.SubscribeEvent(events.EventInstanceStarted, dropped)
	assert.True(t, engine.UnsubscribeEvent(events.EventInstanceStarted, dropped))
	assert.False(t, engine.UnsubscribeEvent(events.EventInstanceStarted, dropped))

	start(t, engine, "chain", nil)
	require.NoError(t, engine.Stop(context.Background()))

	assert.Equal(t, int32(1), atomic.LoadInt32(&kept.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&dropped.calls))
}

func TestMetricsWiring(t *testing.T) {
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	engine := newTestEngine(t, nil, WithMetrics(metrics))
	publish(t, engine, expenseDefinition())
	inst := start(t, engine, "expense", nil)

	mustAct(t, engine, inst, "review", types.ActionApprove, "alice")
	_, err := act(engine, inst, "review", types.ActionApprove, "mallory")
	require.Error(t, err)
	mustAct(t, engine, inst, "review", types.ActionReject, "bob")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DefinitionsPublished.WithLabelValues("expense")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.InstanceStartsTotal.WithLabelValues("expense")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActionsTotal.WithLabelValues("expense", "approve", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActionsTotal.WithLabelValues("expense", "approve", "authorization")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TerminalTotal.WithLabelValues("expense", "rejected")))
}

func TestRetryOnConflict(t *testing.T) {
	conflict := types.NewError(types.KindConcurrentModification, "lost race")

	var calls int
	err := RetryOnConflict(context.Background(), 3, 0, func(ctx context.Context) error {
		calls++
		return conflict
	})
	assert.ErrorIs(t, err, types.ErrConcurrentModification)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryOnConflict(context.Background(), 3, 0, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return conflict
		}
		return types.NewError(types.KindStaleAction, "moved on")
	})
	assert.ErrorIs(t, err, types.ErrStaleAction)
	assert.Equal(t, 2, calls)

	ctx, cancel := context.WithCancel(context.Background())
	err = RetryOnConflict(ctx, 5, time.Hour, func(ctx context.Context) error {
		cancel()
		return conflict
	})
	assert.ErrorIs(t, err, context.Canceled)

	calls = 0
	assert.NoError(t, RetryOnConflict(context.Background(), 0, 0, func(ctx context.Context) error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
}

func TestStop(t *testing.T) {
	engine := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, engine.Stop(ctx), context.Canceled)
	assert.NoError(t, engine.Stop(context.Background()))
}
