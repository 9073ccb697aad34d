package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/approval-engine/types"
)

var baseTime = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// Helper function to create a sample definition
func newDefinition(id string, version int) types.Definition {
	return types.Definition{
		ID:      id,
		Version: version,
		Name:    "Leave request",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Transitions: []types.Transition{{Target: "lead"}}},
			{ID: "lead", Type: types.NodeApproval, Policy: types.PolicyAny,
				Approvers:   types.ApproverRule{Kind: types.RuleUsers, Users: []string{"alice", "bob"}},
				Transitions: []types.Transition{{Condition: "days > 3", Target: "hr"}, {Target: "end"}}},
			{ID: "hr", Type: types.NodeApproval,
				Approvers:   types.ApproverRule{Kind: types.RuleRole, Role: "hr"},
				Transitions: []types.Transition{{Target: "end"}}},
			{ID: "end", Type: types.NodeEnd},
		},
		CreatedAt: baseTime,
	}
}

// Helper function to create a sample instance
func newInstance(id uint64) types.Instance {
	return types.Instance{
		ID:                id,
		DefinitionID:      "leave",
		DefinitionVersion: 1,
		BusinessObjectID:  "leave-42",
		InitiatorID:       "carol",
		CurrentNodeID:     "lead",
		Status:            types.StatusRunning,
		Pending:           []string{"alice", "bob"},
		Path:              []types.Step{{NodeID: "lead", EnteredBy: "carol"}},
		Context:           map[string]interface{}{"days": 5.0, "reason": "holiday"},
		Version:           1,
		CreatedAt:         baseTime,
		UpdatedAt:         baseTime,
	}
}

func advance(inst types.Instance, actor string, seq int) (types.Instance, types.ApprovalRecord) {
	next := inst.Clone()
	next.CurrentNodeID = "hr"
	next.Pending = []string{"henry"}
	next.Path = append(next.Path, types.Step{NodeID: "hr", EnteredBy: actor})
	next.Version = inst.Version + 1
	next.UpdatedAt = baseTime.Add(time.Duration(seq) * time.Minute)

	rec := types.ApprovalRecord{
		ID:              inst.ID*100 + uint64(seq),
		InstanceID:      inst.ID,
		Sequence:        seq,
		NodeID:          inst.CurrentNodeID,
		ActorID:         actor,
		Action:          types.ActionApprove,
		Comment:         "ok",
		Timestamp:       next.UpdatedAt,
		ResultingStatus: next.Status,
		ResultingNodeID: next.CurrentNodeID,
	}
	return next, rec
}

func utcInstance(inst types.Instance) types.Instance {
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	if inst.CompletedAt != nil {
		c := inst.CompletedAt.UTC()
		inst.CompletedAt = &c
	}
	return inst
}

func utcDefinition(def types.Definition) types.Definition {
	def.CreatedAt = def.CreatedAt.UTC()
	return def
}

// runStorageSuite exercises the Storage contract against any adapter.
// newStore must return an empty store.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("DefinitionVersions", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.LatestDefinition(ctx, "leave")
		assert.ErrorIs(t, err, types.ErrNotFound)

		v1, v2 := newDefinition("leave", 1), newDefinition("leave", 2)
		v2.Name = "Leave request v2"
		require.NoError(t, store.SaveDefinition(ctx, v1))
		require.NoError(t, store.SaveDefinition(ctx, v2))

		err = store.SaveDefinition(ctx, newDefinition("leave", 1))
		assert.ErrorIs(t, err, types.ErrConcurrentModification)

		got, err := store.GetDefinition(ctx, "leave", 1)
		require.NoError(t, err)
		assert.Equal(t, v1, utcDefinition(got))

		latest, err := store.LatestDefinition(ctx, "leave")
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)
		assert.Equal(t, "Leave request v2", latest.Name)

		_, err = store.GetDefinition(ctx, "leave", 9)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("CreateAndGetInstance", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.SaveDefinition(ctx, newDefinition("leave", 1)))

		inst := newInstance(1)
		require.NoError(t, store.CreateInstance(ctx, inst))
		assert.ErrorIs(t, store.CreateInstance(ctx, inst), types.ErrConcurrentModification)

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, inst, utcInstance(got))

		_, err = store.GetInstance(ctx, 999)
		assert.ErrorIs(t, err, types.ErrNotFound)

		history, err := store.GetHistory(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, history)

		_, err = store.GetHistory(ctx, 999)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("CommitAppendsHistory", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.SaveDefinition(ctx, newDefinition("leave", 1)))
		inst := newInstance(2)
		require.NoError(t, store.CreateInstance(ctx, inst))

		next, rec := advance(inst, "alice", 1)
		require.NoError(t, store.Commit(ctx, next, inst.Version, rec))

		got, err := store.GetInstance(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, next, utcInstance(got))

		done := next.Clone()
		done.Status = types.StatusCompleted
		done.CurrentNodeID = "end"
		done.Pending = nil
		done.Version = next.Version + 1
		completed := baseTime.Add(time.Hour)
		done.CompletedAt = &completed
		doneRec := rec
		doneRec.ID, doneRec.Sequence, doneRec.ActorID = rec.ID+1, 2, "henry"
		doneRec.NodeID, doneRec.ResultingNodeID, doneRec.ResultingStatus = "hr", "end", types.StatusCompleted
		require.NoError(t, store.Commit(ctx, done, next.Version, doneRec))

		history, err := store.GetHistory(ctx, 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 1, history[0].Sequence)
		assert.Equal(t, 2, history[1].Sequence)
		assert.Equal(t, "henry", history[1].ActorID)
		assert.True(t, history[1].Timestamp.Equal(doneRec.Timestamp))

		got, err = store.GetInstance(ctx, 2)
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(completed))
	})

	t.Run("CommitRejectsStaleVersion", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.SaveDefinition(ctx, newDefinition("leave", 1)))
		inst := newInstance(3)
		require.NoError(t, store.CreateInstance(ctx, inst))

		next, rec := advance(inst, "alice", 1)
		require.NoError(t, store.Commit(ctx, next, inst.Version, rec))

		stale, staleRec := advance(inst, "bob", 1)
		staleRec.ID++
		err := store.Commit(ctx, stale, inst.Version, staleRec)
		assert.ErrorIs(t, err, types.ErrConcurrentModification)

		got, err := store.GetInstance(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Path[len(got.Path)-1].EnteredBy)

		history, err := store.GetHistory(ctx, 3)
		require.NoError(t, err)
		assert.Len(t, history, 1)

		missing, missingRec := advance(newInstance(404), "alice", 1)
		assert.ErrorIs(t, store.Commit(ctx, missing, 1, missingRec), types.ErrNotFound)
	})

	t.Run("ConcurrentCommitsHaveOneWinner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.SaveDefinition(ctx, newDefinition("leave", 1)))
		inst := newInstance(4)
		require.NoError(t, store.CreateInstance(ctx, inst))

		const writers = 8
		var wins, conflicts int32
		var wg sync.WaitGroup
		wg.Add(writers)
		for i := 0; i < writers; i++ {
			go func(i int) {
				defer wg.Done()
				next, rec := advance(inst, "alice", 1)
				rec.ID += uint64(i) * 1000
				err := store.Commit(ctx, next, inst.Version, rec)
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case types.KindOf(err) == types.KindConcurrentModification:
					atomic.AddInt32(&conflicts, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins)
		assert.Equal(t, int32(writers-1), conflicts)

		history, err := store.GetHistory(ctx, 4)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("PendingFor", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		require.NoError(t, store.SaveDefinition(ctx, newDefinition("leave", 1)))

		for _, id := range []uint64{12, 5, 9} {
			require.NoError(t, store.CreateInstance(ctx, newInstance(id)))
		}
		moved, rec := advance(newInstance(9), "alice", 1)
		require.NoError(t, store.Commit(ctx, moved, 1, rec))

		done, rec := advance(newInstance(12), "bob", 1)
		done.Status = types.StatusRejected
		done.Pending = nil
		require.NoError(t, store.Commit(ctx, done, 1, rec))

		pending, err := store.PendingFor(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, uint64(5), pending[0].ID)

		pending, err = store.PendingFor(ctx, "henry")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, uint64(9), pending[0].ID)

		pending, err = store.PendingFor(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := store.GetInstance(ctx, 1)
		assert.Error(t, err)
	})
}
