package script

// Runtime executes task script bodies in a sandboxed interpreter. The
// variables are bound into the interpreter scope before the script runs;
// the returned value is the script's final expression.
type Runtime interface {
	RunScript(script string, variables map[string]any) (any, error)
}
