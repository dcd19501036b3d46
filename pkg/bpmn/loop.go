package bpmn

import (
	"context"
	"fmt"
)

// loopBehavior wraps a node's behavior in its declared loop
// characteristics.
//
// Standard loops re-invoke the inner behavior while the loop condition
// holds: testBefore=true checks before each iteration (zero or more
// executions), testBefore=false checks after (one or more). Multi-
// instance loops run the inner behavior once per item of the input
// collection: sequentially in collection order, or all at once for the
// parallel variant, which emits every item's continuation together like
// a parallel gateway split.
type loopBehavior struct {
	inner Behavior
}

// Reserved token locals. The "@" prefix keeps them from colliding with
// process variables and multi-instance input elements.
const (
	loopCounterLocal = "@loopCount"
	loopItemsLocal   = "@loopItems"
)

func (b loopBehavior) Execute(ctx context.Context, ec *ExecutionContext, token Token) ([]Token, error) {
	node, _ := ec.graph.NodeById(token.NodeId)
	switch node.Loop.Kind {
	case LoopKindStandard:
		return b.executeStandard(ctx, ec, node, token)
	case LoopKindMultiInstanceSequential, LoopKindMultiInstanceParallel:
		return b.executeMultiInstance(ctx, ec, node, token)
	}
	return nil, newExecutionError(node.Id, "unknown loop kind %s", node.Loop.Kind)
}

func (b loopBehavior) executeStandard(ctx context.Context, ec *ExecutionContext, node *FlowNode, token Token) ([]Token, error) {
	loop := node.Loop
	count := intLocal(token, loopCounterLocal)
	for {
		if loop.TestBefore {
			proceed, err := b.conditionHolds(ec, node, token)
			if err != nil {
				return nil, err
			}
			if !proceed {
				break
			}
		}
		out, err := b.iterate(ctx, ec, node, &token)
		if err != nil {
			return nil, err
		}
		if out != nil {
			// the inner behavior blocked; resume the loop on a later pass
			return out, nil
		}
		count++
		token.setLocal(loopCounterLocal, count)
		if loop.Maximum > 0 && count >= loop.Maximum {
			break
		}
		if !loop.TestBefore {
			proceed, err := b.conditionHolds(ec, node, token)
			if err != nil {
				return nil, err
			}
			if !proceed {
				break
			}
		}
	}
	token.clearLocal(loopCounterLocal)
	return ec.tokensAlongOutgoing(node), nil
}

func (b loopBehavior) executeMultiInstance(ctx context.Context, ec *ExecutionContext, node *FlowNode, token Token) ([]Token, error) {
	loop := node.Loop
	items, err := b.pendingItems(ec, node, token)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		token.clearLocal(loopItemsLocal)
		return ec.tokensAlongOutgoing(node), nil
	}

	var out []Token
	for len(items) > 0 {
		item := items[0]
		if loop.InputElement != "" {
			token.setLocal(loop.InputElement, item)
		}
		iterated, err := b.iterate(ctx, ec, node, &token)
		if err != nil {
			return nil, err
		}
		if iterated != nil {
			// blocked mid-collection: the in-flight item stays at the
			// head of the saved list, so the resumed pass finishes it
			// before moving on and its continuation is never lost
			for i := range iterated {
				iterated[i].setLocal(loopItemsLocal, items)
			}
			return append(out, iterated...), nil
		}
		items = items[1:]
		// one continuation per item, mirroring a parallel split; the
		// sequential variant differs only in executing in order, which
		// the single-threaded pass gives us for free
		for _, flow := range node.Outgoing {
			next := ec.tokenAlong(flow)
			if loop.InputElement != "" {
				next.setLocal(loop.InputElement, item)
			}
			out = append(out, next)
		}
	}
	return out, nil
}

// iterate runs the inner behavior once. A nil, nil return means the
// iteration completed synchronously; a non-nil token slice means the
// inner behavior parked and the loop must be resumed later.
func (b loopBehavior) iterate(ctx context.Context, ec *ExecutionContext, node *FlowNode, token *Token) ([]Token, error) {
	out, err := b.inner.Execute(ctx, ec, *token)
	if err != nil {
		return nil, err
	}
	for _, t := range out {
		if t.State == TokenStateWaiting {
			return out, nil
		}
	}
	// discard the inner continuation; the wrapper decides when the node
	// completes and what leaves it. A spent timer wait must not bleed
	// into the next iteration.
	token.WaitUntil = nil
	return nil, nil
}

func (b loopBehavior) conditionHolds(ec *ExecutionContext, node *FlowNode, token Token) (bool, error) {
	if node.Loop.Condition == "" {
		// bounded purely by loopMaximum
		return true, nil
	}
	holds, err := ec.engine.evaluateCondition(node.Loop.Condition, ec.scopedVariables(token))
	if err != nil {
		return false, &ExecutionError{NodeId: node.Id, Err: err}
	}
	return holds, nil
}

// pendingItems resolves the remaining multi-instance work: either the
// remainder saved when a prior pass blocked, or the freshly evaluated
// input collection.
func (b loopBehavior) pendingItems(ec *ExecutionContext, node *FlowNode, token Token) ([]any, error) {
	if saved, ok := token.local(loopItemsLocal); ok {
		items, isSlice := saved.([]any)
		if !isSlice {
			return nil, newExecutionError(node.Id, "corrupt multi-instance state")
		}
		return items, nil
	}
	value, err := ec.engine.evaluateExpression(node.Loop.InputCollection, ec.scopedVariables(token))
	if err != nil {
		return nil, &ExecutionError{NodeId: node.Id, Err: fmt.Errorf("failed to evaluate inputCollection: %w", err)}
	}
	items, ok := value.([]any)
	if !ok {
		return nil, newExecutionError(node.Id, "inputCollection %q is not a collection", node.Loop.InputCollection)
	}
	return items, nil
}

func intLocal(token Token, name string) int {
	v, ok := token.local(name)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case float64: // JSON round trip
		return int(n)
	}
	return 0
}
