package storage

import (
	"context"
	"sync"

	"github.com/songzhibin97/approval-engine/types"
)

type definitionKey struct {
	id      string
	version int
}

// MemoryStorage is an in-memory implementation of the Storage interface.
// Values are deep-copied on the way in and out so callers never share state
// with the store.
type MemoryStorage struct {
	definitions map[definitionKey]types.Definition
	latest      map[string]int
	instances   map[uint64]types.Instance
	history     map[uint64][]types.ApprovalRecord
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[definitionKey]types.Definition),
		latest:      make(map[string]int),
		instances:   make(map[uint64]types.Instance),
		history:     make(map[uint64][]types.ApprovalRecord),
	}
}

// SaveDefinition saves a definition version to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		key := definitionKey{def.ID, def.Version}
		if _, ok := s.definitions[key]; ok {
			return definitionExists(def.ID, def.Version)
		}
		s.definitions[key] = def.Clone()
		if def.Version > s.latest[def.ID] {
			s.latest[def.ID] = def.Version
		}
		return nil
	})
}

// GetDefinition retrieves a definition version from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id string, version int) (types.Definition, error) {
	return withContext(ctx, func() (types.Definition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		def, ok := s.definitions[definitionKey{id, version}]
		if !ok {
			return types.Definition{}, definitionNotFound(id, version)
		}
		return def.Clone(), nil
	})
}

// LatestDefinition retrieves the newest version of a definition from memory.
func (s *MemoryStorage) LatestDefinition(ctx context.Context, id string) (types.Definition, error) {
	return withContext(ctx, func() (types.Definition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		version, ok := s.latest[id]
		if !ok {
			return types.Definition{}, definitionNotFound(id, 0)
		}
		return s.definitions[definitionKey{id, version}].Clone(), nil
	})
}

// CreateInstance saves a new instance to memory.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; ok {
			return instanceExists(inst.ID)
		}
		s.instances[inst.ID] = inst.Clone()
		return nil
	})
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return withContext(ctx, func() (types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		inst, ok := s.instances[id]
		if !ok {
			return types.Instance{}, instanceNotFound(id)
		}
		return inst.Clone(), nil
	})
}

// Commit swaps the instance and appends the record under a single lock.
func (s *MemoryStorage) Commit(ctx context.Context, inst types.Instance, expectedVersion int64, record types.ApprovalRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.instances[inst.ID]
		if !ok {
			return instanceNotFound(inst.ID)
		}
		if current.Version != expectedVersion {
			return versionConflict(inst.ID, expectedVersion)
		}
		s.instances[inst.ID] = inst.Clone()
		s.history[inst.ID] = append(s.history[inst.ID], record)
		return nil
	})
}

// GetHistory returns a copy of an instance's records.
func (s *MemoryStorage) GetHistory(ctx context.Context, instanceID uint64) ([]types.ApprovalRecord, error) {
	return withContext(ctx, func() ([]types.ApprovalRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if _, ok := s.instances[instanceID]; !ok {
			return nil, instanceNotFound(instanceID)
		}
		return append([]types.ApprovalRecord(nil), s.history[instanceID]...), nil
	})
}

// PendingFor scans all instances for ones waiting on userID.
func (s *MemoryStorage) PendingFor(ctx context.Context, userID string) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Instance
		for _, inst := range s.instances {
			if inst.Status == types.StatusRunning && inst.IsPending(userID) {
				out = append(out, inst.Clone())
			}
		}
		sortByID(out)
		return out, nil
	})
}
