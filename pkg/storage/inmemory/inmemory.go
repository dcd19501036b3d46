// Package inmemory provides a mutex-guarded Storage implementation used
// by engine tests and as a reference for the claim/release semantics the
// relational store must provide.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/procflow/procflow/pkg/storage"
)

type definitionKey struct {
	id      uuid.UUID
	version int32
}

type Storage struct {
	mu          sync.Mutex
	definitions map[definitionKey]storage.ProcessDefinition
	instances   map[uuid.UUID]storage.ProcessInstance
}

var _ storage.Storage = &Storage{}

func NewStorage() *Storage {
	return &Storage{
		definitions: make(map[definitionKey]storage.ProcessDefinition),
		instances:   make(map[uuid.UUID]storage.ProcessInstance),
	}
}

func (s *Storage) CreateProcessDefinition(ctx context.Context, definition storage.ProcessDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := definitionKey{id: definition.Id, version: definition.Version}
	if _, ok := s.definitions[key]; ok {
		return fmt.Errorf("definition %s version %d: %w", definition.Id, definition.Version, storage.ErrDefinitionExists)
	}
	s.definitions[key] = definition
	return nil
}

func (s *Storage) FindProcessDefinition(ctx context.Context, id uuid.UUID, version int32) (storage.ProcessDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[definitionKey{id: id, version: version}]
	if !ok {
		return storage.ProcessDefinition{}, fmt.Errorf("definition %s version %d: %w", id, version, storage.ErrNotFound)
	}
	return def, nil
}

func (s *Storage) FindLatestProcessDefinition(ctx context.Context, id uuid.UUID) (storage.ProcessDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest storage.ProcessDefinition
	found := false
	for key, def := range s.definitions {
		if key.id == id && (!found || def.Version > latest.Version) {
			latest = def
			found = true
		}
	}
	if !found {
		return storage.ProcessDefinition{}, fmt.Errorf("definition %s: %w", id, storage.ErrNotFound)
	}
	return latest, nil
}

func (s *Storage) FindProcessDefinitions(ctx context.Context, id uuid.UUID) ([]storage.ProcessDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var defs []storage.ProcessDefinition
	for key, def := range s.definitions {
		if key.id == id {
			defs = append(defs, def)
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Version < defs[j].Version })
	return defs, nil
}

func (s *Storage) DeleteProcessDefinitions(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.definitions {
		if key.id == id {
			delete(s.definitions, key)
		}
	}
	return nil
}

func (s *Storage) CreateProcessInstance(ctx context.Context, instance storage.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instance.Id]; ok {
		return fmt.Errorf("instance %s already exists", instance.Id)
	}
	s.instances[instance.Id] = instance
	return nil
}

func (s *Storage) FindProcessInstance(ctx context.Context, id uuid.UUID) (storage.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return storage.ProcessInstance{}, fmt.Errorf("instance %s: %w", id, storage.ErrNotFound)
	}
	return inst, nil
}

func (s *Storage) ListProcessInstances(ctx context.Context, status storage.InstanceStatus) ([]storage.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var instances []storage.ProcessInstance
	for _, inst := range s.instances {
		if status == storage.InstanceStatusAny || inst.Status == status {
			instances = append(instances, inst)
		}
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Id.String() < instances[j].Id.String()
	})
	return instances, nil
}

func (s *Storage) DeleteProcessInstance(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return fmt.Errorf("instance %s: %w", id, storage.ErrNotFound)
	}
	delete(s.instances, id)
	return nil
}

func (s *Storage) ClaimNextDue(ctx context.Context, lockName string, now time.Time) (*storage.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// deterministic order so tests can reason about claim sequence
	ids := make([]uuid.UUID, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		inst := s.instances[id]
		if inst.Status != storage.InstanceStatusScheduled {
			continue
		}
		if inst.NextExecution == nil || inst.NextExecution.After(now) {
			continue
		}
		inst.Status = storage.InstanceStatusExecuting
		name := lockName
		inst.LockName = &name
		inst.NextExecution = nil
		s.instances[id] = inst
		claimed := inst
		return &claimed, nil
	}
	return nil, nil
}

func (s *Storage) PersistInstanceData(ctx context.Context, id uuid.UUID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, storage.ErrNotFound)
	}
	if inst.Status != storage.InstanceStatusExecuting {
		return fmt.Errorf("instance %s: %w", id, storage.ErrNotLocked)
	}
	inst.Data = data
	s.instances[id] = inst
	return nil
}

func (s *Storage) UpdateScheduledInstance(ctx context.Context, id uuid.UUID, data []byte, nextExecution *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, storage.ErrNotFound)
	}
	if inst.Status != storage.InstanceStatusScheduled {
		return fmt.Errorf("instance %s in status %s: %w", id, inst.Status, storage.ErrLocked)
	}
	inst.Data = data
	inst.NextExecution = nextExecution
	s.instances[id] = inst
	return nil
}

func (s *Storage) Release(ctx context.Context, id uuid.UUID, newStatus storage.InstanceStatus, nextExecution *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s: %w", id, storage.ErrNotFound)
	}
	if inst.Status != storage.InstanceStatusExecuting {
		return fmt.Errorf("instance %s: %w", id, storage.ErrNotLocked)
	}
	inst.Status = newStatus
	inst.LockName = nil
	inst.NextExecution = nextExecution
	s.instances[id] = inst
	return nil
}

func (s *Storage) ResetInstanceLocks(ctx context.Context, lockName string, fromStatus storage.InstanceStatus, toStatus storage.InstanceStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	now := time.Now()
	for id, inst := range s.instances {
		if inst.Status != fromStatus {
			continue
		}
		if inst.LockName == nil || *inst.LockName != lockName {
			continue
		}
		inst.Status = toStatus
		inst.LockName = nil
		if toStatus == storage.InstanceStatusScheduled {
			next := now
			inst.NextExecution = &next
		}
		s.instances[id] = inst
		count++
	}
	return count, nil
}
