package bpmn

import (
	"context"
)

// exclusiveGatewayBehavior routes the token along exactly one outgoing
// flow.
//
// [From BPMN 2.0 Specification, chapter 10.5.2 Exclusive Gateway]
// For a given instance of the Process, only one of the paths can be
// taken. A default path can optionally be identified, to be taken in
// the event that none of the conditional Expressions evaluate to true.
// If a default path is not specified and none of the conditions
// evaluates to true, a runtime exception occurs. A converging Exclusive
// Gateway routes each incoming token to the outgoing Sequence Flow
// without synchronization.
type exclusiveGatewayBehavior struct{}

func (exclusiveGatewayBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	scope := ec.scopedVariables(token)
	for _, flow := range node.Outgoing {
		if flow.Id == node.DefaultFlow {
			continue
		}
		if flow.Condition == "" {
			// an unconditional non-default flow always matches
			return []Token{ec.tokenAlong(flow)}, nil
		}
		matched, err := ec.engine.evaluateCondition(flow.Condition, scope)
		if err != nil {
			return nil, &ExecutionError{NodeId: node.Id, Err: err}
		}
		if matched {
			return []Token{ec.tokenAlong(flow)}, nil
		}
	}
	if node.DefaultFlow != "" {
		for _, flow := range node.Outgoing {
			if flow.Id == node.DefaultFlow {
				return []Token{ec.tokenAlong(flow)}, nil
			}
		}
	}
	return nil, &NoApplicableFlowError{NodeId: node.Id}
}

// parallelGatewayBehavior forks unconditionally on split and
// synchronizes on join: arriving tokens park at the gateway until every
// incoming flow has delivered one, then exactly one merged token
// continues per outgoing flow. Partial arrivals survive engine passes
// as waiting tokens in the persisted state.
type parallelGatewayBehavior struct{}

func (parallelGatewayBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	if len(node.Incoming) > 1 {
		complete, parked := joinArrival(ec, node, token)
		if !complete {
			return parked, nil
		}
	}
	return ec.tokensAlongOutgoing(node), nil
}

// inclusiveGatewayBehavior traverses every outgoing flow whose condition
// holds; with no match the default flow is taken. Joins synchronize
// like parallel joins.
//
// [From BPMN 2.0 Specification, chapter 10.5.3 Inclusive Gateway]
// Unlike the Exclusive Gateway, all condition Expressions are
// evaluated; all Sequence Flows with a true evaluation will be
// traversed by a token.
type inclusiveGatewayBehavior struct{}

func (inclusiveGatewayBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	if len(node.Incoming) > 1 {
		complete, parked := joinArrival(ec, node, token)
		if !complete {
			return parked, nil
		}
	}
	scope := ec.scopedVariables(token)
	var out []Token
	for _, flow := range node.Outgoing {
		if flow.Id == node.DefaultFlow {
			continue
		}
		if flow.Condition == "" {
			out = append(out, ec.tokenAlong(flow))
			continue
		}
		matched, err := ec.engine.evaluateCondition(flow.Condition, scope)
		if err != nil {
			return nil, &ExecutionError{NodeId: node.Id, Err: err}
		}
		if matched {
			out = append(out, ec.tokenAlong(flow))
		}
	}
	if len(out) == 0 && node.DefaultFlow != "" {
		for _, flow := range node.Outgoing {
			if flow.Id == node.DefaultFlow {
				out = append(out, ec.tokenAlong(flow))
			}
		}
	}
	if len(out) == 0 {
		return nil, &NoApplicableFlowError{NodeId: node.Id}
	}
	return out, nil
}

// joinArrival records one token's arrival at a converging gateway.
// When tokens for every incoming flow of the current generation have
// arrived, the parked siblings are consumed and the join is complete:
// the caller emits the single downstream continuation. Otherwise the
// arriving token parks at the gateway.
//
// At most one parked token per incoming flow counts toward a firing; a
// second arrival via the same flow belongs to the next generation and
// stays parked until the join fires again.
func joinArrival(ec *ExecutionContext, node *FlowNode, token Token) (complete bool, parked []Token) {
	siblings := ec.state.waitingAt(node.Id, token.Key)
	arrived := map[string]int64{token.ArrivedVia: token.Key}
	for _, s := range siblings {
		if _, claimed := arrived[s.ArrivedVia]; !claimed {
			arrived[s.ArrivedVia] = s.Key
		}
	}
	for _, in := range node.Incoming {
		if _, ok := arrived[in.Id]; !ok {
			token.State = TokenStateWaiting
			return false, []Token{token}
		}
	}
	consumed := make(map[int64]bool, len(arrived))
	for _, key := range arrived {
		if key != token.Key {
			consumed[key] = true
		}
	}
	ec.state.removeTokens(consumed)
	return true, nil
}
