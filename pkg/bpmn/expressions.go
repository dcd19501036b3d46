package bpmn

import (
	"fmt"
	"strings"

	"github.com/pbinitiative/feel"
)

// evaluateExpression resolves a FEEL expression against the given
// variable scope. Expressions are marked by a leading "="; anything
// without the marker is treated as a string constant.
func (engine *Engine) evaluateExpression(expression string, variableContext map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if !strings.HasPrefix(expression, "=") {
		return expression, nil
	}

	expression = strings.TrimPrefix(expression, "=")
	res, err := feel.EvalStringWithScope(expression, variableContext)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %s: %w", expression, err)
	}
	return res, nil
}

// evaluateCondition evaluates a FEEL boolean expression, as found on
// conditional sequence flows and loop conditions. The "=" marker is
// optional here since condition expressions are never constants.
func (engine *Engine) evaluateCondition(expression string, variableContext map[string]any) (bool, error) {
	expression = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(expression), "="))
	res, err := feel.EvalStringWithScope(expression, variableContext)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %s: %w", expression, err)
	}
	holds, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("condition %s evaluated to non-boolean %T", expression, res)
	}
	return holds, nil
}
