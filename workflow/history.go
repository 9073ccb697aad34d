package workflow

import (
	"context"
	"fmt"

	"github.com/songzhibin97/approval-engine/types"
)

// Replay folds records over a running instance sitting on initialNodeID and
// returns the node and status the records lead to. Records must be in
// sequence order, each one acting on the node the previous one left the
// instance at, and nothing may follow a terminal status.
func Replay(initialNodeID string, records []types.ApprovalRecord) (string, types.Status, error) {
	node, status := initialNodeID, types.StatusRunning
	for i, r := range records {
		if r.Sequence != i+1 {
			return "", "", fmt.Errorf("%w: record %d has sequence %d", ErrHistoryMismatch, i+1, r.Sequence)
		}
		if status.Terminal() {
			return "", "", fmt.Errorf("%w: record %d follows terminal status %s", ErrHistoryMismatch, r.Sequence, status)
		}
		if r.NodeID != node {
			return "", "", fmt.Errorf("%w: record %d acts on node %q but the instance was at %q", ErrHistoryMismatch, r.Sequence, r.NodeID, node)
		}
		node, status = r.ResultingNodeID, r.ResultingStatus
	}
	return node, status, nil
}

// initialNode is the first approval node an instance entered. Instances that
// completed on creation never entered one and have no history.
func initialNode(inst types.Instance) (string, bool) {
	if len(inst.Path) == 0 {
		return "", false
	}
	return inst.Path[0].NodeID, true
}

// VerifyHistory replays the stored history of an instance and checks that
// it reproduces the stored node and status.
func (e *WorkflowEngine) VerifyHistory(ctx context.Context, instanceID uint64) error {
	inst, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	records, err := e.storage.GetHistory(ctx, instanceID)
	if err != nil {
		return err
	}

	start, ok := initialNode(inst)
	if !ok {
		if len(records) > 0 {
			return fmt.Errorf("%w: instance %d never waited for approval but has %d records", ErrHistoryMismatch, inst.ID, len(records))
		}
		return nil
	}

	node, status, err := Replay(start, records)
	if err != nil {
		return err
	}
	if node != inst.CurrentNodeID || status != inst.Status {
		return fmt.Errorf("%w: replay gives (%s, %s), stored (%s, %s)", ErrHistoryMismatch, node, status, inst.CurrentNodeID, inst.Status)
	}
	return nil
}
