package storage

import (
	"context"
	"sort"

	"github.com/songzhibin97/approval-engine/types"
)

// Storage persists definitions, instances and their approval history.
//
// Client-correctable failures are reported with the kinds of types.Error:
// missing items are not_found and lost compare-and-swap races are
// concurrent_modification. Anything else is an infrastructure error.
type Storage interface {
	// SaveDefinition stores a published definition. Saving an (id, version)
	// pair that already exists is a conflict; published versions are immutable.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves one version of a definition.
	GetDefinition(ctx context.Context, id string, version int) (types.Definition, error)

	// LatestDefinition retrieves the highest published version of a definition.
	LatestDefinition(ctx context.Context, id string) (types.Definition, error)

	// CreateInstance stores a new instance. The ID must be unused.
	CreateInstance(ctx context.Context, inst types.Instance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// Commit replaces the stored instance with inst and appends record, as one
	// atomic unit, provided the stored version still equals expectedVersion.
	Commit(ctx context.Context, inst types.Instance, expectedVersion int64, record types.ApprovalRecord) error

	// GetHistory returns the records of an instance ordered by sequence.
	GetHistory(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error)

	// PendingFor lists the running instances userID may act on, ordered by ID.
	PendingFor(ctx context.Context, userID string) ([]types.Instance, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func definitionNotFound(id string, version int) error {
	if version == 0 {
		return types.NewError(types.KindNotFound, "definition %q not found", id)
	}
	return types.NewError(types.KindNotFound, "definition %q version %d not found", id, version)
}

func instanceNotFound(id uint64) error {
	return types.NewError(types.KindNotFound, "instance %d not found", id)
}

func definitionExists(id string, version int) error {
	return types.NewError(types.KindConcurrentModification, "definition %q version %d already exists", id, version)
}

func instanceExists(id uint64) error {
	return types.NewError(types.KindConcurrentModification, "instance %d already exists", id)
}

func versionConflict(id uint64, expected int64) error {
	return types.NewError(types.KindConcurrentModification, "instance %d version conflict (expected %d)", id, expected)
}

func sortByID(insts []types.Instance) {
	sort.Slice(insts, func(i, j int) bool { return insts[i].ID < insts[j].ID })
}
