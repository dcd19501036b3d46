// Package storage defines the repository contract between the process
// engine and its relational backing store. Implementations live in
// internal/sql (sqlx) and pkg/storage/inmemory (tests).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDefinitionExists is returned when saving a definition whose
	// (id, version) pair is already stored. The existing row is untouched.
	ErrDefinitionExists = errors.New("process definition with this id and version already exists")

	// ErrNotFound is returned when a definition or instance does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotLocked is returned by Release and PersistInstanceData when the
	// targeted instance is not in the EXECUTING state.
	ErrNotLocked = errors.New("process instance is not locked")

	// ErrLocked is returned by UpdateScheduledInstance when the targeted
	// instance is currently claimed by a worker.
	ErrLocked = errors.New("process instance is locked")
)

// Storage is the narrow repository interface the engine and dispatcher
// are constructed with. All coordination between workers goes through
// it; there is no other shared state.
type Storage interface {
	// CreateProcessDefinition stores a new immutable definition version.
	// Returns ErrDefinitionExists when (Id, Version) is already present.
	CreateProcessDefinition(ctx context.Context, definition ProcessDefinition) error

	// FindProcessDefinition returns the definition with the exact (id, version).
	FindProcessDefinition(ctx context.Context, id uuid.UUID, version int32) (ProcessDefinition, error)

	// FindLatestProcessDefinition returns the definition with the largest
	// version for the given id.
	FindLatestProcessDefinition(ctx context.Context, id uuid.UUID) (ProcessDefinition, error)

	// FindProcessDefinitions returns all versions for the given id,
	// ordered by version ascending.
	FindProcessDefinitions(ctx context.Context, id uuid.UUID) ([]ProcessDefinition, error)

	// DeleteProcessDefinitions removes all versions for the given id.
	// Deleting a definition with no versions is not an error.
	DeleteProcessDefinitions(ctx context.Context, id uuid.UUID) error

	// CreateProcessInstance stores a new instance row.
	CreateProcessInstance(ctx context.Context, instance ProcessInstance) error

	// FindProcessInstance returns the instance with the given id.
	FindProcessInstance(ctx context.Context, id uuid.UUID) (ProcessInstance, error)

	// ListProcessInstances returns instances filtered by status;
	// InstanceStatusAny returns all.
	ListProcessInstances(ctx context.Context, status InstanceStatus) ([]ProcessInstance, error)

	// DeleteProcessInstance removes an instance row. Administrative
	// operation; the engine never deletes instances.
	DeleteProcessInstance(ctx context.Context, id uuid.UUID) error

	// ClaimNextDue atomically selects one SCHEDULED instance with
	// NextExecution <= now, marks it EXECUTING with the given lockName and
	// returns it. Two concurrent callers never receive the same instance.
	// Returns (nil, nil) when no instance is due.
	ClaimNextDue(ctx context.Context, lockName string, now time.Time) (*ProcessInstance, error)

	// PersistInstanceData overwrites the serialized execution state of a
	// claimed instance. Must be called before Release so that a crash
	// between the two leaves the lock in place rather than stale data
	// behind a cleared lock.
	PersistInstanceData(ctx context.Context, id uuid.UUID, data []byte) error

	// UpdateScheduledInstance overwrites the data blob and due time of an
	// instance only while it is SCHEDULED and unclaimed. Used to deliver
	// external events such as messages. Returns ErrLocked when a worker
	// holds the instance; callers retry after the worker releases it.
	UpdateScheduledInstance(ctx context.Context, id uuid.UUID, data []byte, nextExecution *time.Time) error

	// Release clears the lock of a claimed instance and moves it to
	// newStatus. nextExecution is stored as given; pass nil for terminal
	// statuses.
	Release(ctx context.Context, id uuid.UUID, newStatus InstanceStatus, nextExecution *time.Time) error

	// ResetInstanceLocks reverts all instances locked under lockName from
	// fromStatus to toStatus, clearing the lock, and returns the number of
	// affected rows. Used at worker startup to recover orphaned claims.
	ResetInstanceLocks(ctx context.Context, lockName string, fromStatus InstanceStatus, toStatus InstanceStatus) (int64, error)
}
