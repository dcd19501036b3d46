package bpmn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/storage"
)

func TestDispatcherRunsDueInstancesToCompletion(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/simple_task.bpmn")
	engine.RegisterTaskHandler("id", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		return nil
	})

	created, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)

	dispatcher := NewDispatcher(engine, DispatcherWithInterval(10*time.Millisecond))
	require.NoError(t, dispatcher.Start(t.Context()))
	defer dispatcher.Stop()
	dispatcher.Wake()

	assert.Eventually(t, func() bool {
		instance, err := store.FindProcessInstance(context.Background(), created.Id)
		return err == nil && instance.Status == storage.InstanceStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherRecoversItsOwnOrphanedClaims(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/simple_task.bpmn")
	engine.RegisterTaskHandler("id", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		return nil
	})

	created, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)

	// simulate a crashed predecessor that claimed but never released
	claimed, err := store.ClaimNextDue(t.Context(), "worker-1", engine.clock())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// a worker with a different identity must leave the claim alone
	other := NewDispatcher(engine, DispatcherWithLockName("worker-2"),
		DispatcherWithInterval(10*time.Millisecond))
	require.NoError(t, other.Start(t.Context()))
	other.Stop()
	instance, err := store.FindProcessInstance(t.Context(), created.Id)
	require.NoError(t, err)
	assert.Equal(t, storage.InstanceStatusExecuting, instance.Status)

	// the restarted owner recovers the claim and finishes the instance
	owner := NewDispatcher(engine, DispatcherWithLockName("worker-1"),
		DispatcherWithInterval(10*time.Millisecond))
	require.NoError(t, owner.Start(t.Context()))
	defer owner.Stop()
	owner.Wake()

	assert.Eventually(t, func() bool {
		instance, err := store.FindProcessInstance(context.Background(), created.Id)
		return err == nil && instance.Status == storage.InstanceStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcherIsolatesPanickingHandlers(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/simple_task.bpmn")
	engine.RegisterTaskHandler("id", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		panic("handler exploded")
	})

	created, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)

	dispatcher := NewDispatcher(engine, DispatcherWithInterval(10*time.Millisecond))
	require.NoError(t, dispatcher.Start(t.Context()))
	defer dispatcher.Stop()
	dispatcher.Wake()

	assert.Eventually(t, func() bool {
		instance, err := store.FindProcessInstance(context.Background(), created.Id)
		return err == nil && instance.Status == storage.InstanceStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	instance, err := store.FindProcessInstance(t.Context(), created.Id)
	require.NoError(t, err)
	assert.Contains(t, stateOf(t, instance).Failure, "handler exploded")
	assert.Nil(t, instance.LockName)
}

func TestDispatcherStopWaitsForLoopExit(t *testing.T) {
	engine, _, _ := setupEngine(t)
	dispatcher := NewDispatcher(engine, DispatcherWithInterval(10*time.Millisecond))
	require.NoError(t, dispatcher.Start(t.Context()))

	done := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop in time")
	}
}

func TestDispatcherDefaultLockNameIsUnique(t *testing.T) {
	engine, _, _ := setupEngine(t)
	first := NewDispatcher(engine)
	second := NewDispatcher(engine)
	assert.NotEmpty(t, first.LockName())
	assert.NotEqual(t, first.LockName(), second.LockName())
}
