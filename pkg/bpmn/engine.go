package bpmn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/procflow/procflow/pkg/script"
	"github.com/procflow/procflow/pkg/storage"
)

// graphCacheSize bounds the number of parsed definition versions held in
// memory per engine.
const graphCacheSize = 128

type graphKey struct {
	id      uuid.UUID
	version int32
}

// Engine executes process instances against a Storage. It holds no
// instance state of its own; every claim, pass and release goes through
// the store, so any number of engines can run against the same database.
type Engine struct {
	store        storage.Storage
	logger       hclog.Logger
	registry     *BehaviorRegistry
	scripts      map[string]script.Runtime
	taskHandlers map[string]TaskHandler
	snowflake    *snowflake.Node
	graphs       *lru.Cache[graphKey, *FlowGraph]
	clock        func() time.Time

	// requeueDelay is how far in the future a released instance with
	// waiting tokens but no due timer is rescheduled. It bounds the
	// latency of join and sub-process progress without busy polling.
	requeueDelay time.Duration
}

type EngineOption = func(*Engine)

// NewEngine creates an engine bound to the given store.
func NewEngine(store storage.Storage, options ...EngineOption) (*Engine, error) {
	graphs, err := lru.New[graphKey, *FlowGraph](graphCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph cache: %w", err)
	}
	engine := Engine{
		store:        store,
		logger:       hclog.Default().Named("engine"),
		registry:     NewBehaviorRegistry(),
		scripts:      map[string]script.Runtime{},
		taskHandlers: map[string]TaskHandler{},
		snowflake:    createSnowflakeIdGenerator(),
		graphs:       graphs,
		clock:        time.Now,
		requeueDelay: 10 * time.Second,
	}
	for _, option := range options {
		option(&engine)
	}
	return &engine, nil
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) { engine.logger = logger }
}

func EngineWithClock(clock func() time.Time) EngineOption {
	return func(engine *Engine) { engine.clock = clock }
}

func EngineWithRequeueDelay(delay time.Duration) EngineOption {
	return func(engine *Engine) { engine.requeueDelay = delay }
}

// EngineWithScriptRuntime registers a script runtime for a script
// format, e.g. "javascript" for goja.
func EngineWithScriptRuntime(format string, runtime script.Runtime) EngineOption {
	return func(engine *Engine) { engine.scripts[normalizeScriptFormat(format)] = runtime }
}

// RegisterBehavior replaces the behavior dispatched for a node kind.
func (engine *Engine) RegisterBehavior(kind NodeKind, behavior Behavior) {
	engine.registry.Register(kind, behavior)
}

// RegisterTaskHandler binds a handler to service and send tasks. The key
// is matched against the node id first, then against the node's
// implementation attribute, so a single handler can serve every
// "##WebService" task while specific nodes get specific handlers.
func (engine *Engine) RegisterTaskHandler(key string, handler TaskHandler) {
	engine.taskHandlers[key] = handler
}

func (engine *Engine) taskHandlerFor(node *FlowNode) TaskHandler {
	if handler, ok := engine.taskHandlers[node.Id]; ok {
		return handler
	}
	if handler, ok := engine.taskHandlers[string(node.Implementation)]; ok {
		return handler
	}
	return nil
}

func (engine *Engine) runScript(node *FlowNode, variables map[string]any) (any, error) {
	format := normalizeScriptFormat(node.ScriptFormat)
	runtime, ok := engine.scripts[format]
	if !ok {
		return nil, fmt.Errorf("no script runtime registered for format %q", format)
	}
	return runtime.RunScript(node.Script, variables)
}

// normalizeScriptFormat maps the scriptFormat attribute, commonly a
// mime-type like "text/javascript", onto a runtime registry key.
func normalizeScriptFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	format = strings.TrimPrefix(format, "text/")
	format = strings.TrimPrefix(format, "application/")
	if format == "" || format == "ecmascript" || format == "js" {
		return "javascript"
	}
	return format
}

// SaveDefinition validates the BPMN XML and stores it as the next
// version of the definition with the given id. A definition that fails
// to parse is never stored.
func (engine *Engine) SaveDefinition(ctx context.Context, id uuid.UUID, name string, data []byte) (storage.ProcessDefinition, error) {
	graph, err := LoadGraph(data)
	if err != nil {
		return storage.ProcessDefinition{}, err
	}
	if name == "" {
		name = graph.Name
	}

	version := int32(1)
	latest, err := engine.store.FindLatestProcessDefinition(ctx, id)
	switch {
	case err == nil:
		version = latest.Version + 1
	case errors.Is(err, storage.ErrNotFound):
	default:
		return storage.ProcessDefinition{}, err
	}

	definition := storage.ProcessDefinition{
		Id:      id,
		Version: version,
		Name:    name,
		Data:    data,
	}
	if err := engine.store.CreateProcessDefinition(ctx, definition); err != nil {
		return storage.ProcessDefinition{}, err
	}
	engine.graphs.Add(graphKey{id: id, version: version}, graph)
	engine.logger.Info("saved process definition",
		"id", id, "version", version, "name", name, "nodes", graph.NodeCount())
	return definition, nil
}

// CreateInstance creates a SCHEDULED instance of the latest version of
// the given definition, due immediately. The instance stays pinned to
// that version for its whole life, even when newer versions are saved.
func (engine *Engine) CreateInstance(ctx context.Context, definitionId uuid.UUID, variables map[string]any) (storage.ProcessInstance, error) {
	definition, err := engine.store.FindLatestProcessDefinition(ctx, definitionId)
	if err != nil {
		return storage.ProcessInstance{}, fmt.Errorf("no process definition with id=%s was found: %w", definitionId, err)
	}

	data, err := newInstanceState(variables).marshal()
	if err != nil {
		return storage.ProcessInstance{}, err
	}
	now := engine.clock()
	instance := storage.ProcessInstance{
		Id:                uuid.New(),
		DefinitionId:      definition.Id,
		DefinitionVersion: definition.Version,
		Data:              data,
		Status:            storage.InstanceStatusScheduled,
		NextExecution:     &now,
	}
	if err := engine.store.CreateProcessInstance(ctx, instance); err != nil {
		return storage.ProcessInstance{}, err
	}
	engine.logger.Info("created process instance",
		"instance", instance.Id, "definition", definition.Id, "version", definition.Version)
	return instance, nil
}

// RunInstance executes one pass over a claimed instance and releases it
// with the outcome: COMPLETED when no token survived, SCHEDULED when
// tokens wait, FAILED on a behavior error. State is persisted before the
// lock is released, so a crash between the two leaves the instance
// claimed for lock recovery rather than unlocked with stale state.
func (engine *Engine) RunInstance(ctx context.Context, instance *storage.ProcessInstance) error {
	graph, err := engine.graphFor(ctx, instance.DefinitionId, instance.DefinitionVersion)
	if err != nil {
		return engine.failInstance(ctx, instance, nil, err)
	}
	state, err := unmarshalInstanceState(instance.Data)
	if err != nil {
		return engine.failInstance(ctx, instance, nil, err)
	}
	if len(state.Tokens) == 0 {
		for _, start := range graph.StartNodes() {
			state.Tokens = append(state.Tokens, Token{
				Key:    engine.generateKey(),
				NodeId: start.Id,
				State:  TokenStateRunning,
			})
		}
	}

	ec := &ExecutionContext{
		graph:    graph,
		state:    state,
		registry: engine.registry,
		engine:   engine,
		now:      engine.clock(),
	}
	if err := ec.advance(ctx); err != nil {
		return engine.failInstance(ctx, instance, state, err)
	}

	data, err := state.marshal()
	if err != nil {
		return engine.failInstance(ctx, instance, nil, err)
	}
	if err := engine.store.PersistInstanceData(ctx, instance.Id, data); err != nil {
		return &ContentionError{Err: err}
	}

	if len(state.Tokens) == 0 {
		if err := engine.store.Release(ctx, instance.Id, storage.InstanceStatusCompleted, nil); err != nil {
			return &ContentionError{Err: err}
		}
		engine.logger.Info("process instance completed", "instance", instance.Id)
		return nil
	}

	// timers dictate the wake-up; anything else re-polls after the
	// requeue delay so joins and published messages keep moving
	next := ec.now.Add(engine.requeueDelay)
	if wake, ok := ec.earliestWake(); ok {
		next = wake
	}
	if err := engine.store.Release(ctx, instance.Id, storage.InstanceStatusScheduled, &next); err != nil {
		return &ContentionError{Err: err}
	}
	engine.logger.Debug("process instance rescheduled",
		"instance", instance.Id, "tokens", len(state.Tokens), "nextExecution", next)
	return nil
}

// failInstance records the failure in the instance data and releases the
// claim with status FAILED. The returned error is the original cause.
func (engine *Engine) failInstance(ctx context.Context, instance *storage.ProcessInstance, state *instanceState, cause error) error {
	if state == nil {
		// keep whatever state the instance carried so the failure is
		// diagnosable; fall back to a bare failure record
		if restored, err := unmarshalInstanceState(instance.Data); err == nil {
			state = restored
		} else {
			state = newInstanceState(nil)
		}
	}
	state.Failure = cause.Error()
	if data, err := state.marshal(); err == nil {
		if err := engine.store.PersistInstanceData(ctx, instance.Id, data); err != nil {
			engine.logger.Error("failed to persist failure state", "instance", instance.Id, "error", err)
		}
	}
	if err := engine.store.Release(ctx, instance.Id, storage.InstanceStatusFailed, nil); err != nil {
		engine.logger.Error("failed to release failed instance", "instance", instance.Id, "error", err)
	}
	engine.logger.Error("process instance failed", "instance", instance.Id, "error", cause)
	return cause
}

// PublishMessage delivers a named message to an instance and makes it
// due immediately so that waiting catch events and receive tasks can
// consume it on the next pass. Publishing to an instance currently
// claimed by a worker returns a ContentionError; the caller retries
// after the worker releases the instance.
func (engine *Engine) PublishMessage(ctx context.Context, instanceId uuid.UUID, messageName string) error {
	instance, err := engine.store.FindProcessInstance(ctx, instanceId)
	if err != nil {
		return err
	}
	switch instance.Status {
	case storage.InstanceStatusCompleted, storage.InstanceStatusFailed:
		return fmt.Errorf("cannot publish message %q to instance %s in status %s", messageName, instanceId, instance.Status)
	case storage.InstanceStatusExecuting:
		lockName := "unknown"
		if instance.LockName != nil {
			lockName = *instance.LockName
		}
		return &ContentionError{Err: fmt.Errorf("instance %s is claimed by %s", instanceId, lockName)}
	}

	state, err := unmarshalInstanceState(instance.Data)
	if err != nil {
		return err
	}
	state.Messages = append(state.Messages, messageName)
	data, err := state.marshal()
	if err != nil {
		return err
	}
	now := engine.clock()
	if err := engine.store.UpdateScheduledInstance(ctx, instanceId, data, &now); err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return &ContentionError{Err: err}
		}
		return err
	}
	engine.logger.Debug("published message", "instance", instanceId, "message", messageName)
	return nil
}

// graphFor returns the parsed flow graph for a definition version,
// loading and caching it on first use.
func (engine *Engine) graphFor(ctx context.Context, definitionId uuid.UUID, version int32) (*FlowGraph, error) {
	key := graphKey{id: definitionId, version: version}
	if graph, ok := engine.graphs.Get(key); ok {
		return graph, nil
	}
	definition, err := engine.store.FindProcessDefinition(ctx, definitionId, version)
	if err != nil {
		return nil, err
	}
	graph, err := LoadGraph(definition.Data)
	if err != nil {
		return nil, err
	}
	engine.graphs.Add(key, graph)
	return graph, nil
}
