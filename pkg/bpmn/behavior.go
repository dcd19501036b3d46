package bpmn

import (
	"context"
	"time"
)

// Behavior executes one node kind. It consumes the token currently
// positioned on the node and returns the tokens that replace it: moved
// along outgoing flows, parked waiting on the same node, or none when
// the strand of execution ends.
type Behavior interface {
	Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error)
}

// TaskHandler is the call boundary to external task implementations: a
// script sandbox, a web-service client, a human task list. The handler
// may read and mutate the instance variables. A returned error fails
// the instance.
type TaskHandler func(ctx context.Context, node *FlowNode, variables map[string]any) error

// BehaviorRegistry is a flat dispatch table from node kind to behavior.
// Registering a kind never touches existing behaviors.
type BehaviorRegistry struct {
	behaviors map[NodeKind]Behavior
}

// NewBehaviorRegistry returns a registry pre-populated with the default
// behaviors for every supported node kind.
func NewBehaviorRegistry() *BehaviorRegistry {
	r := &BehaviorRegistry{behaviors: map[NodeKind]Behavior{}}
	r.Register(NodeKindStartEvent, passThroughBehavior{})
	r.Register(NodeKindEndEvent, endEventBehavior{})
	r.Register(NodeKindIntermediateCatchEvent, intermediateCatchBehavior{})
	r.Register(NodeKindIntermediateThrowEvent, intermediateThrowBehavior{})
	// manual, user and business-rule tasks have no engine-side work yet;
	// they pass the token straight through, like the source system's
	// unimplemented node kinds.
	r.Register(NodeKindTask, passThroughBehavior{})
	r.Register(NodeKindManualTask, passThroughBehavior{})
	r.Register(NodeKindBusinessRuleTask, passThroughBehavior{})
	r.Register(NodeKindUserTask, passThroughBehavior{})
	r.Register(NodeKindScriptTask, scriptTaskBehavior{})
	r.Register(NodeKindServiceTask, externalTaskBehavior{})
	r.Register(NodeKindSendTask, externalTaskBehavior{})
	r.Register(NodeKindReceiveTask, receiveTaskBehavior{})
	r.Register(NodeKindSubProcess, subProcessBehavior{})
	r.Register(NodeKindExclusiveGateway, exclusiveGatewayBehavior{})
	r.Register(NodeKindParallelGateway, parallelGatewayBehavior{})
	r.Register(NodeKindInclusiveGateway, inclusiveGatewayBehavior{})
	return r
}

// Register binds a behavior to a node kind, replacing any previous one.
func (r *BehaviorRegistry) Register(kind NodeKind, behavior Behavior) {
	r.behaviors[kind] = behavior
}

// behaviorFor resolves the behavior for a node, wrapping it in loop
// semantics when the node declares loop characteristics.
func (r *BehaviorRegistry) behaviorFor(node *FlowNode) (Behavior, error) {
	b, ok := r.behaviors[node.Kind]
	if !ok {
		return nil, newExecutionError(node.Id, "no behavior registered for node kind %s", node.Kind)
	}
	if node.Loop != nil {
		return loopBehavior{inner: b}, nil
	}
	return b, nil
}

// ExecutionContext is what behaviors see of one execution pass: the
// immutable graph, the mutable instance state and the engine services.
// It is confined to a single goroutine for the duration of the pass.
type ExecutionContext struct {
	graph    *FlowGraph
	state    *instanceState
	registry *BehaviorRegistry
	engine   *Engine
	now      time.Time
}

// Graph returns the flow graph of the executing definition version.
func (ec *ExecutionContext) Graph() *FlowGraph {
	return ec.graph
}

// Variables returns the instance-scoped variable bindings. Mutations are
// persisted with the instance at the end of the pass.
func (ec *ExecutionContext) Variables() map[string]any {
	return ec.state.Variables
}

// Now returns the wall-clock time fixed at the start of the pass.
func (ec *ExecutionContext) Now() time.Time {
	return ec.now
}

// tokenAlong creates a running token on the far end of a sequence flow.
func (ec *ExecutionContext) tokenAlong(flow *SequenceFlow) Token {
	return Token{
		Key:        ec.engine.generateKey(),
		NodeId:     flow.Target.Id,
		State:      TokenStateRunning,
		ArrivedVia: flow.Id,
	}
}

// tokensAlongOutgoing is the default completion of a node: one token per
// outgoing flow, unconditionally.
func (ec *ExecutionContext) tokensAlongOutgoing(node *FlowNode) []Token {
	out := make([]Token, 0, len(node.Outgoing))
	for _, flow := range node.Outgoing {
		out = append(out, ec.tokenAlong(flow))
	}
	return out
}

// scopedVariables layers token locals over the instance variables for
// expression evaluation. The returned map is a copy.
func (ec *ExecutionContext) scopedVariables(token Token) map[string]any {
	scope := make(map[string]any, len(ec.state.Variables)+len(token.Locals))
	for k, v := range ec.state.Variables {
		scope[k] = v
	}
	for k, v := range token.Locals {
		scope[k] = v
	}
	return scope
}

// advance drives the token set until no running token remains: either
// every strand ended or every remaining token is parked on a wait
// state. Behavior errors abort the pass immediately.
func (ec *ExecutionContext) advance(ctx context.Context) error {
	ec.wakeDueTokens()
	for {
		token, ok := ec.nextRunning()
		if !ok {
			return nil
		}
		node, found := ec.graph.NodeById(token.NodeId)
		if !found {
			return newExecutionError(token.NodeId, "token positioned on unknown node")
		}
		behavior, err := ec.registry.behaviorFor(node)
		if err != nil {
			return err
		}
		out, err := behavior.Execute(ctx, ec, token)
		if err != nil {
			return err
		}
		ec.state.removeTokens(map[int64]bool{token.Key: true})
		ec.state.Tokens = append(ec.state.Tokens, out...)
	}
}

func (ec *ExecutionContext) nextRunning() (Token, bool) {
	for _, t := range ec.state.Tokens {
		if t.State == TokenStateRunning {
			return t, true
		}
	}
	return Token{}, false
}

// wakeDueTokens promotes waiting tokens whose wait condition can be
// re-examined this pass: due timers, published messages and parked
// sub-processes. Join waits stay parked; they complete only when a
// sibling token arrives at the gateway.
func (ec *ExecutionContext) wakeDueTokens() {
	for i, t := range ec.state.Tokens {
		if t.State != TokenStateWaiting {
			continue
		}
		node, ok := ec.graph.NodeById(t.NodeId)
		if !ok {
			continue
		}
		switch {
		case node.Kind == NodeKindSubProcess:
			// the embedded graph may hold a due timer or message wait;
			// re-enter it once per pass
			ec.state.Tokens[i].State = TokenStateRunning
		case t.WaitUntil != nil:
			if !ec.now.Before(*t.WaitUntil) {
				ec.state.Tokens[i].State = TokenStateRunning
			}
		case node.Kind == NodeKindIntermediateCatchEvent && node.MessageName != "":
			if ec.state.hasMessage(node.MessageName) {
				ec.state.Tokens[i].State = TokenStateRunning
			}
		case node.Kind == NodeKindReceiveTask && node.MessageName != "":
			if ec.state.hasMessage(node.MessageName) {
				ec.state.Tokens[i].State = TokenStateRunning
			}
		}
	}
}

// earliestWake returns the soonest WaitUntil among waiting tokens, or
// false when no token carries one.
func (ec *ExecutionContext) earliestWake() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, t := range ec.state.Tokens {
		if t.State == TokenStateWaiting && t.WaitUntil != nil {
			if !found || t.WaitUntil.Before(earliest) {
				earliest = *t.WaitUntil
				found = true
			}
		}
	}
	return earliest, found
}

// passThroughBehavior completes a node with no engine-side work: one
// outgoing token per outgoing flow.
type passThroughBehavior struct{}

func (passThroughBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	return ec.tokensAlongOutgoing(node), nil
}

// endEventBehavior consumes the token; a strand of execution ends here.
type endEventBehavior struct{}

func (endEventBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	return nil, nil
}

// externalTaskBehavior routes service and send tasks through the task
// handlers registered on the engine; with no handler the node is a
// straight pass-through, mirroring the source system's not-yet-wired
// external node kinds.
type externalTaskBehavior struct{}

func (externalTaskBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	if handler := ec.engine.taskHandlerFor(node); handler != nil {
		scope := ec.scopedVariables(token)
		if err := handler(ctx, node, scope); err != nil {
			return nil, &ExecutionError{NodeId: node.Id, Err: err}
		}
		// handler writes flow back to the instance scope; token locals
		// stay token-scoped and shadow nothing permanently
		for k, v := range scope {
			if _, isLocal := token.local(k); !isLocal {
				ec.state.Variables[k] = v
			}
		}
	}
	return ec.tokensAlongOutgoing(node), nil
}

// receiveTaskBehavior waits for the named message to be published to the
// instance, then consumes it and completes.
type receiveTaskBehavior struct{}

func (receiveTaskBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	if node.MessageName == "" {
		return nil, newExecutionError(node.Id, "receive task has no message reference")
	}
	if !ec.state.hasMessage(node.MessageName) {
		token.State = TokenStateWaiting
		return []Token{token}, nil
	}
	ec.state.consumeMessage(node.MessageName)
	return ec.tokensAlongOutgoing(node), nil
}

// scriptTaskBehavior executes the node's script body through the script
// runtime matching the declared script format. A map result is merged
// into the instance variables; any other result is bound to a variable
// named after the node.
type scriptTaskBehavior struct{}

func (scriptTaskBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	result, err := ec.engine.runScript(node, ec.scopedVariables(token))
	if err != nil {
		return nil, &ExecutionError{NodeId: node.Id, Err: err}
	}
	if m, ok := result.(map[string]any); ok {
		for k, v := range m {
			ec.state.Variables[k] = v
		}
	} else if result != nil {
		ec.state.Variables[node.Id] = result
	}
	return ec.tokensAlongOutgoing(node), nil
}
