package storage

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the persisted status code of a process instance.
// The numeric values are part of the storage schema and must not be reordered.
type InstanceStatus int

const (
	InstanceStatusUnknown   InstanceStatus = 0
	InstanceStatusScheduled InstanceStatus = 1
	InstanceStatusExecuting InstanceStatus = 2
	InstanceStatusCompleted InstanceStatus = 3
	InstanceStatusFailed    InstanceStatus = 4

	// InstanceStatusAny is a query wildcard. It is never stored.
	InstanceStatusAny InstanceStatus = -1
)

func (s InstanceStatus) String() string {
	switch s {
	case InstanceStatusScheduled:
		return "SCHEDULED"
	case InstanceStatusExecuting:
		return "EXECUTING"
	case InstanceStatusCompleted:
		return "COMPLETED"
	case InstanceStatusFailed:
		return "FAILED"
	case InstanceStatusAny:
		return "ANY"
	}
	return "UNKNOWN"
}

// ProcessDefinition is one immutable version of a deployed process.
// (Id, Version) uniquely identifies a definition; the current version
// for an Id is the one with the largest Version.
type ProcessDefinition struct {
	Id      uuid.UUID `db:"id"`
	Version int32     `db:"version"`
	Name    string    `db:"name"`
	// Data holds the raw BPMN XML the flow graph is built from.
	Data []byte `db:"data"`
}

// ProcessInstance is the durable record of one running process.
// The definition reference is fixed at creation and never migrated to a
// newer version. Data is an opaque blob owned by the execution engine.
type ProcessInstance struct {
	Id                uuid.UUID      `db:"id"`
	DefinitionId      uuid.UUID      `db:"definition_id"`
	DefinitionVersion int32          `db:"definition_version"`
	Data              []byte         `db:"data"`
	Status            InstanceStatus `db:"status"`
	// NextExecution is the time the instance becomes due; nil means not scheduled.
	NextExecution *time.Time `db:"next_execution"`
	// LockName identifies the worker currently executing the instance.
	// Invariant: LockName != nil iff Status == InstanceStatusExecuting.
	LockName *string `db:"lock_name"`
}
