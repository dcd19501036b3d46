package bpmn

import (
	"context"
	"fmt"

	"github.com/senseyeio/duration"
)

// intermediateCatchBehavior handles timer, message and link catch
// events. Timers arm on first arrival and park the token until due;
// messages park until published; link catches are the continuation
// target of a link throw and pass straight through.
type intermediateCatchBehavior struct{}

func (intermediateCatchBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	switch {
	case node.TimerDuration != "":
		return executeTimerCatch(ec, node, token)
	case node.MessageName != "":
		if !ec.state.hasMessage(node.MessageName) {
			token.State = TokenStateWaiting
			return []Token{token}, nil
		}
		ec.state.consumeMessage(node.MessageName)
		return ec.tokensAlongOutgoing(node), nil
	case node.LinkName != "":
		return ec.tokensAlongOutgoing(node), nil
	}
	return nil, newExecutionError(node.Id, "intermediate catch event has no supported event definition")
}

func executeTimerCatch(ec *ExecutionContext, node *FlowNode, token Token) ([]Token, error) {
	if token.WaitUntil == nil {
		d, err := duration.ParseISO8601(node.TimerDuration)
		if err != nil {
			return nil, newExecutionError(node.Id, "invalid ISO-8601 timer duration %q: %v", node.TimerDuration, err)
		}
		dueAt := d.Shift(ec.now)
		token.WaitUntil = &dueAt
		token.State = TokenStateWaiting
		return []Token{token}, nil
	}
	if ec.now.Before(*token.WaitUntil) {
		token.State = TokenStateWaiting
		return []Token{token}, nil
	}
	return ec.tokensAlongOutgoing(node), nil
}

// intermediateThrowBehavior. Link throws jump the token directly to the
// catch event with the matching link name; other throw events complete
// as pass-throughs.
type intermediateThrowBehavior struct{}

func (intermediateThrowBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	if node.LinkName == "" {
		return ec.tokensAlongOutgoing(node), nil
	}
	for _, candidate := range ec.graph.nodes {
		if candidate.Kind == NodeKindIntermediateCatchEvent && candidate.LinkName == node.LinkName {
			return []Token{{
				Key:    ec.engine.generateKey(),
				NodeId: candidate.Id,
				State:  TokenStateRunning,
			}}, nil
		}
	}
	return nil, newExecutionError(node.Id, "no catch event for link %q", node.LinkName)
}

// subProcessBehavior executes the embedded graph inline. The child
// token set lives in the outer token's locals, so a sub-process that
// blocks on a timer or message parks the outer token and resumes on a
// later pass.
type subProcessBehavior struct{}

// Reserved token local, "@"-prefixed like the loop locals so process
// variables cannot collide with it.
const subProcessStateLocal = "@subProcess"

func (subProcessBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	if node.SubGraph == nil {
		return nil, newExecutionError(node.Id, "sub-process has no embedded graph")
	}

	subState := newInstanceState(ec.state.Variables)
	if raw, ok := token.local(subProcessStateLocal); ok {
		serialized, isString := raw.(string)
		if !isString {
			return nil, newExecutionError(node.Id, "corrupt sub-process state")
		}
		restored, err := unmarshalInstanceState([]byte(serialized))
		if err != nil {
			return nil, &ExecutionError{NodeId: node.Id, Err: err}
		}
		// the embedded graph shares the instance variable scope
		restored.Variables = ec.state.Variables
		restored.Messages = ec.state.Messages
		subState = restored
	} else {
		for _, start := range node.SubGraph.StartNodes() {
			subState.Tokens = append(subState.Tokens, Token{
				Key:    ec.engine.generateKey(),
				NodeId: start.Id,
				State:  TokenStateRunning,
			})
		}
	}

	subContext := &ExecutionContext{
		graph:    node.SubGraph,
		state:    subState,
		registry: ec.registry,
		engine:   ec.engine,
		now:      ec.now,
	}
	if err := subContext.advance(ctx); err != nil {
		return nil, fmt.Errorf("sub-process %s: %w", node.Id, err)
	}
	ec.state.Messages = subState.Messages

	if len(subState.Tokens) == 0 {
		token.clearLocal(subProcessStateLocal)
		return ec.tokensAlongOutgoing(node), nil
	}

	// the embedded graph blocked; park the outer token with the child
	// state serialized into its locals
	subState.Variables = nil // shared with the instance, not duplicated
	serialized, err := subState.marshal()
	if err != nil {
		return nil, &ExecutionError{NodeId: node.Id, Err: err}
	}
	token.setLocal(subProcessStateLocal, string(serialized))
	token.State = TokenStateWaiting
	token.WaitUntil = nil
	if wake, ok := subContext.earliestWake(); ok {
		token.WaitUntil = &wake
	}
	return []Token{token}, nil
}
