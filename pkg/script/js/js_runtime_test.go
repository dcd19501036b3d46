package js

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunScriptExportsObjectResult(t *testing.T) {
	runtime := NewJsRuntime(t.Context(), 2, 1)

	result, err := runtime.RunScript("({sum: a + b})", map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	asMap, ok := result.(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 3, asMap["sum"])
}

func TestRunScriptReturnsNilForUndefined(t *testing.T) {
	runtime := NewJsRuntime(t.Context(), 2, 1)

	result, err := runtime.RunScript("var x = 1;", nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestRunScriptDoesNotLeakVariablesBetweenRuns(t *testing.T) {
	runtime := NewJsRuntime(t.Context(), 1, 1)

	_, err := runtime.RunScript("secret", map[string]any{"secret": 42})
	require.NoError(t, err)

	// same single pooled VM; the previous binding must be gone
	_, err = runtime.RunScript("secret", nil)
	assert.Error(t, err)
}

func TestRunScriptReportsSyntaxErrors(t *testing.T) {
	runtime := NewJsRuntime(t.Context(), 2, 1)

	_, err := runtime.RunScript("this is not javascript", nil)
	assert.Error(t, err)
}
