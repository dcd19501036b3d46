package bpmn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/script/js"
	"github.com/procflow/procflow/pkg/storage"
	"github.com/procflow/procflow/pkg/storage/inmemory"
)

const testLockName = "test-worker"

// CallPath records the order in which task handlers ran.
type CallPath struct {
	CallPath string
}

func (callPath *CallPath) TaskHandler(ctx context.Context, node *FlowNode, variables map[string]any) error {
	if len(callPath.CallPath) > 0 {
		callPath.CallPath += ","
	}
	callPath.CallPath += node.Id
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupEngine(t *testing.T, options ...EngineOption) (*Engine, *inmemory.Storage, *testClock) {
	t.Helper()
	store := inmemory.NewStorage()
	clock := newTestClock()
	options = append([]EngineOption{EngineWithClock(clock.Now)}, options...)
	engine, err := NewEngine(store, options...)
	require.NoError(t, err)
	return engine, store, clock
}

func deployFile(t *testing.T, engine *Engine, file string) storage.ProcessDefinition {
	t.Helper()
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	definition, err := engine.SaveDefinition(t.Context(), uuid.New(), "", data)
	require.NoError(t, err)
	return definition
}

// runOnePass claims the next due instance and executes one pass over it.
func runOnePass(t *testing.T, engine *Engine, store *inmemory.Storage) storage.ProcessInstance {
	t.Helper()
	claimed, err := store.ClaimNextDue(t.Context(), testLockName, engine.clock())
	require.NoError(t, err)
	require.NotNil(t, claimed, "expected a due instance to claim")
	_ = engine.RunInstance(t.Context(), claimed)
	refreshed, err := store.FindProcessInstance(t.Context(), claimed.Id)
	require.NoError(t, err)
	return refreshed
}

func stateOf(t *testing.T, instance storage.ProcessInstance) *instanceState {
	t.Helper()
	state, err := unmarshalInstanceState(instance.Data)
	require.NoError(t, err)
	return state
}

func TestTaskHandlerGetsCalledById(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/simple_task.bpmn")

	wasCalled := false
	engine.RegisterTaskHandler("id", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		wasCalled = true
		return nil
	})

	_, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.True(t, wasCalled)
	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Nil(t, instance.LockName)
}

func TestTaskHandlerGetsCalledByImplementation(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/simple_task.bpmn")

	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationWebService), callPath.TaskHandler)

	_, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, "id", callPath.CallPath)
	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
}

func TestTaskHandlerCanMutateVariables(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/simple_task.bpmn")

	engine.RegisterTaskHandler("id", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		variables["answer"] = 42
		return nil
	})

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"question": "life"})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	state := stateOf(t, instance)
	assert.Equal(t, "life", state.Variables["question"])
	assert.EqualValues(t, 42, state.Variables["answer"])
}

func TestFailingTaskHandlerFailsInstance(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/simple_task.bpmn")

	engine.RegisterTaskHandler("id", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		return errors.New("downstream unavailable")
	})

	_, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusFailed, instance.Status)
	assert.Nil(t, instance.LockName)
	assert.Nil(t, instance.NextExecution)
	state := stateOf(t, instance)
	assert.Contains(t, state.Failure, "downstream unavailable")
	assert.Contains(t, state.Failure, "id")
}

func TestScriptTaskMergesResultIntoVariables(t *testing.T) {
	engine, store, _ := setupEngine(t,
		EngineWithScriptRuntime("javascript", js.NewJsRuntime(t.Context(), 2, 1)))
	definition := deployFile(t, engine, "./test-cases/script_task.bpmn")

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"input": 21})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	require.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	state := stateOf(t, instance)
	assert.EqualValues(t, 42, state.Variables["doubled"])
}

func TestScriptTaskWithoutRuntimeFailsInstance(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/script_task.bpmn")

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"input": 1})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusFailed, instance.Status)
	state := stateOf(t, instance)
	assert.Contains(t, state.Failure, "no script runtime")
}

func TestExclusiveGatewayTakesFirstMatchingFlow(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/exclusive_gateway.bpmn")
	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationUnspecified), callPath.TaskHandler)

	// amount matches both conditions; document order wins
	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"amount": 500})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, "task-high", callPath.CallPath)
}

func TestExclusiveGatewayFallsBackToDefault(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/exclusive_gateway.bpmn")
	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationUnspecified), callPath.TaskHandler)

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"amount": 5})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, "task-other", callPath.CallPath)
}

func TestExclusiveGatewayWithoutMatchFailsInstance(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition, err := engine.SaveDefinition(t.Context(), uuid.New(), "", []byte(`
		<definitions><process id="no-default">
			<startEvent id="start"><outgoing>f1</outgoing></startEvent>
			<exclusiveGateway id="decide"/>
			<endEvent id="end"/>
			<sequenceFlow id="f1" sourceRef="start" targetRef="decide"/>
			<sequenceFlow id="f2" sourceRef="decide" targetRef="end">
				<conditionExpression>=ok</conditionExpression>
			</sequenceFlow>
		</process></definitions>`))
	require.NoError(t, err)

	_, err = engine.CreateInstance(t.Context(), definition.Id, map[string]any{"ok": false})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusFailed, instance.Status)
	assert.Contains(t, stateOf(t, instance).Failure, "decide")
}

func TestExclusiveGatewayIsDeterministicAcrossRuns(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/exclusive_gateway.bpmn")
	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationUnspecified), callPath.TaskHandler)

	for i := 0; i < 5; i++ {
		_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"amount": 50})
		require.NoError(t, err)
		instance := runOnePass(t, engine, store)
		require.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	}
	assert.Equal(t, "task-low,task-low,task-low,task-low,task-low", callPath.CallPath)
}

func TestParallelGatewayForkAndJoin(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/parallel_gateway.bpmn")
	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationUnspecified), callPath.TaskHandler)

	_, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, "task-a,task-b", callPath.CallPath)
	assert.Empty(t, stateOf(t, instance).Tokens)
}

func TestJoinConsumesOneTokenPerIncomingFlowPerFiring(t *testing.T) {
	engine, _, _ := setupEngine(t)
	graph := loadGraphFile(t, "./test-cases/parallel_gateway.bpmn")
	join, ok := graph.NodeById("join")
	require.True(t, ok)

	// two generations arrived via flow-a-join; only one may fuel a firing
	state := newInstanceState(nil)
	state.Tokens = []Token{
		{Key: 1, NodeId: "join", State: TokenStateWaiting, ArrivedVia: "flow-a-join"},
		{Key: 2, NodeId: "join", State: TokenStateWaiting, ArrivedVia: "flow-a-join"},
	}
	ec := &ExecutionContext{
		graph:    graph,
		state:    state,
		registry: engine.registry,
		engine:   engine,
		now:      engine.clock(),
	}
	arriving := Token{Key: 3, NodeId: "join", State: TokenStateRunning, ArrivedVia: "flow-b-join"}

	complete, parked := joinArrival(ec, join, arriving)

	require.True(t, complete)
	assert.Empty(t, parked)
	// the second-generation token on flow-a-join stays parked
	require.Len(t, state.Tokens, 1)
	assert.EqualValues(t, 2, state.Tokens[0].Key)
	assert.Equal(t, TokenStateWaiting, state.Tokens[0].State)
}

func TestParallelJoinWaitsForTimerBranch(t *testing.T) {
	engine, store, clock := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/parallel_timer_branch.bpmn")
	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationUnspecified), callPath.TaskHandler)

	_, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)

	instance := runOnePass(t, engine, store)
	require.Equal(t, storage.InstanceStatusScheduled, instance.Status)
	require.NotNil(t, instance.NextExecution)
	assert.Equal(t, clock.Now().Add(time.Hour), *instance.NextExecution)
	// the fast branch already arrived at the join and parked there
	state := stateOf(t, instance)
	assert.Len(t, state.Tokens, 2)

	clock.Advance(time.Hour)
	instance = runOnePass(t, engine, store)
	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, "task-fast", callPath.CallPath)
}

func TestInclusiveGatewayTraversesAllMatchingFlows(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/inclusive_gateway.bpmn")
	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationUnspecified), callPath.TaskHandler)

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"mail": true, "sms": true})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, "send-mail,send-sms", callPath.CallPath)
}

func TestInclusiveGatewayFallsBackToDefault(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/inclusive_gateway.bpmn")
	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationUnspecified), callPath.TaskHandler)

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"mail": false, "sms": false})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, "no-notify", callPath.CallPath)
}

func TestTimerEventReschedulesAndFires(t *testing.T) {
	engine, store, clock := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/timer_event.bpmn")

	_, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)

	instance := runOnePass(t, engine, store)
	require.Equal(t, storage.InstanceStatusScheduled, instance.Status)
	require.NotNil(t, instance.NextExecution)
	assert.Equal(t, clock.Now().Add(time.Hour), *instance.NextExecution)

	// not due yet: the store must not hand the instance out again
	notDue, err := store.ClaimNextDue(t.Context(), testLockName, clock.Now())
	require.NoError(t, err)
	assert.Nil(t, notDue)

	clock.Advance(time.Hour)
	instance = runOnePass(t, engine, store)
	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
}

func TestMessageCatchEventConsumesPublishedMessage(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/message_event.bpmn")
	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationUnspecified), callPath.TaskHandler)

	created, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)

	instance := runOnePass(t, engine, store)
	require.Equal(t, storage.InstanceStatusScheduled, instance.Status)
	assert.Empty(t, callPath.CallPath)

	require.NoError(t, engine.PublishMessage(t.Context(), created.Id, "order-paid"))
	instance = runOnePass(t, engine, store)
	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, "ship", callPath.CallPath)
}

func TestMessageForDifferentNameStaysPending(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/message_event.bpmn")

	created, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)
	require.Equal(t, storage.InstanceStatusScheduled, instance.Status)

	require.NoError(t, engine.PublishMessage(t.Context(), created.Id, "order-cancelled"))
	instance = runOnePass(t, engine, store)
	assert.Equal(t, storage.InstanceStatusScheduled, instance.Status)
	// the unconsumed message stays buffered for a catch that may want it
	assert.Contains(t, stateOf(t, instance).Messages, "order-cancelled")
}

func TestPublishMessageToClaimedInstanceIsContention(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/message_event.bpmn")

	created, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)
	claimed, err := store.ClaimNextDue(t.Context(), testLockName, engine.clock())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	err = engine.PublishMessage(t.Context(), created.Id, "order-paid")
	assert.True(t, IsContention(err))
}

func TestReceiveTaskWaitsForMessage(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/receive_task.bpmn")

	created, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)
	require.Equal(t, storage.InstanceStatusScheduled, instance.Status)

	require.NoError(t, engine.PublishMessage(t.Context(), created.Id, "approved"))
	instance = runOnePass(t, engine, store)
	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
}

func TestStandardLoopWhileRunsWhileConditionHolds(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/standard_loop.bpmn")

	calls := 0
	engine.RegisterTaskHandler("retry", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		calls++
		remaining, _ := variables["remaining"].(float64)
		variables["remaining"] = remaining - 1
		return nil
	})

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"remaining": 3})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, 3, calls)
}

func TestStandardLoopWhileSkipsWhenConditionFalse(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/standard_loop.bpmn")

	calls := 0
	engine.RegisterTaskHandler("retry", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		calls++
		return nil
	})

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"remaining": 0})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, 0, calls)
}

func TestStandardLoopUntilRunsAtLeastOnce(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/standard_loop_until.bpmn")

	calls := 0
	engine.RegisterTaskHandler("attempt", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		calls++
		return nil
	})

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"remaining": 0})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, 1, calls)
}

func TestMultiInstanceRunsOncePerItem(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/multi_instance.bpmn")

	var notified []string
	engine.RegisterTaskHandler("notify", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		recipient, _ := variables["recipient"].(string)
		notified = append(notified, recipient)
		return nil
	})

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{
		"recipients": []any{"ada", "grace", "edsger"},
	})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, []string{"ada", "grace", "edsger"}, notified)
}

func TestMultiInstanceEmptyCollectionPassesThrough(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/multi_instance.bpmn")

	calls := 0
	engine.RegisterTaskHandler("notify", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		calls++
		return nil
	})

	_, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{"recipients": []any{}})
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, 0, calls)
}

func TestMultiInstanceFinishesBlockedItemBeforeAdvancing(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/multi_instance_receive.bpmn")

	var recorded []string
	engine.RegisterTaskHandler("record", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		item, _ := variables["item"].(string)
		recorded = append(recorded, item)
		return nil
	})

	created, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{
		"items": []any{"a", "b"},
		// a variable sharing a name with loop bookkeeping must survive
		"loopItems": "untouched",
	})
	require.NoError(t, err)

	instance := runOnePass(t, engine, store)
	require.Equal(t, storage.InstanceStatusScheduled, instance.Status)
	assert.Empty(t, recorded)

	require.NoError(t, engine.PublishMessage(t.Context(), created.Id, "item-ready"))
	instance = runOnePass(t, engine, store)
	// the first item completes on its own message; the second still waits
	require.Equal(t, storage.InstanceStatusScheduled, instance.Status)
	assert.Equal(t, []string{"a"}, recorded)
	assert.Empty(t, stateOf(t, instance).Messages)

	require.NoError(t, engine.PublishMessage(t.Context(), created.Id, "item-ready"))
	instance = runOnePass(t, engine, store)
	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, []string{"a", "b"}, recorded)
	state := stateOf(t, instance)
	assert.Empty(t, state.Messages)
	assert.Equal(t, "untouched", state.Variables["loopItems"])
}

func TestMultiInstanceCompletesAllItemsInOnePassWhenUnblocked(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/multi_instance_receive.bpmn")

	var recorded []string
	engine.RegisterTaskHandler("record", func(ctx context.Context, node *FlowNode, variables map[string]any) error {
		item, _ := variables["item"].(string)
		recorded = append(recorded, item)
		return nil
	})

	created, err := engine.CreateInstance(t.Context(), definition.Id, map[string]any{
		"items": []any{"a", "b"},
	})
	require.NoError(t, err)

	instance := runOnePass(t, engine, store)
	require.Equal(t, storage.InstanceStatusScheduled, instance.Status)

	require.NoError(t, engine.PublishMessage(t.Context(), created.Id, "item-ready"))
	require.NoError(t, engine.PublishMessage(t.Context(), created.Id, "item-ready"))
	instance = runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, []string{"a", "b"}, recorded)
	assert.Empty(t, stateOf(t, instance).Messages)
}

func TestSubProcessSharesVariableScope(t *testing.T) {
	engine, store, _ := setupEngine(t,
		EngineWithScriptRuntime("javascript", js.NewJsRuntime(t.Context(), 2, 1)))
	definition := deployFile(t, engine, "./test-cases/sub_process.bpmn")

	_, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	require.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, true, stateOf(t, instance).Variables["visited"])
}

func TestSubProcessTimerParksAndResumes(t *testing.T) {
	engine, store, clock := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/sub_process_timer.bpmn")

	_, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)

	instance := runOnePass(t, engine, store)
	require.Equal(t, storage.InstanceStatusScheduled, instance.Status)
	require.NotNil(t, instance.NextExecution)
	assert.Equal(t, clock.Now().Add(30*time.Minute), *instance.NextExecution)

	clock.Advance(30 * time.Minute)
	instance = runOnePass(t, engine, store)
	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
}

func TestLinkThrowJumpsToMatchingCatch(t *testing.T) {
	engine, store, _ := setupEngine(t)
	definition := deployFile(t, engine, "./test-cases/link_event.bpmn")
	callPath := CallPath{}
	engine.RegisterTaskHandler(string(ImplementationUnspecified), callPath.TaskHandler)

	_, err := engine.CreateInstance(t.Context(), definition.Id, nil)
	require.NoError(t, err)
	instance := runOnePass(t, engine, store)

	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
	assert.Equal(t, "before,after", callPath.CallPath)
}

func TestSaveDefinitionIncrementsVersion(t *testing.T) {
	engine, store, _ := setupEngine(t)
	data, err := os.ReadFile("./test-cases/simple_task.bpmn")
	require.NoError(t, err)

	id := uuid.New()
	first, err := engine.SaveDefinition(t.Context(), id, "", data)
	require.NoError(t, err)
	second, err := engine.SaveDefinition(t.Context(), id, "", data)
	require.NoError(t, err)

	assert.Equal(t, int32(1), first.Version)
	assert.Equal(t, int32(2), second.Version)
	assert.Equal(t, "Simple Task", first.Name)

	versions, err := store.FindProcessDefinitions(t.Context(), id)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestSaveDefinitionRejectsMalformedXmlWithoutStoring(t *testing.T) {
	engine, store, _ := setupEngine(t)

	id := uuid.New()
	_, err := engine.SaveDefinition(t.Context(), id, "", []byte("<definitions><process></definitions>"))
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)

	versions, err := store.FindProcessDefinitions(t.Context(), id)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestInstanceStaysPinnedToItsDefinitionVersion(t *testing.T) {
	engine, store, _ := setupEngine(t)
	data, err := os.ReadFile("./test-cases/simple_task.bpmn")
	require.NoError(t, err)

	id := uuid.New()
	_, err = engine.SaveDefinition(t.Context(), id, "", data)
	require.NoError(t, err)
	created, err := engine.CreateInstance(t.Context(), id, nil)
	require.NoError(t, err)

	_, err = engine.SaveDefinition(t.Context(), id, "", data)
	require.NoError(t, err)

	instance := runOnePass(t, engine, store)
	assert.Equal(t, created.Id, instance.Id)
	assert.Equal(t, int32(1), instance.DefinitionVersion)
	assert.Equal(t, storage.InstanceStatusCompleted, instance.Status)
}

func TestEvaluateExpressionTreatsUnmarkedTextAsConstant(t *testing.T) {
	engine, _, _ := setupEngine(t)

	constant, err := engine.evaluateExpression("plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", constant)

	evaluated, err := engine.evaluateExpression("=1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, "3", fmt.Sprintf("%v", evaluated))
}
