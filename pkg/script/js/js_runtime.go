package js

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/procflow/procflow/pkg/script"
)

type JsRunnerFactory struct {
}

func (JsRunnerFactory) NewRunner() script.Runner {
	return newJsRunner()
}

// JsRuntime runs JavaScript script task bodies on pooled goja VMs.
type JsRuntime struct {
	pool *script.RunnerPool
}

func NewJsRuntime(ctx context.Context, maxVmPoolSize int, minVmPoolSize int) *JsRuntime {
	return &JsRuntime{
		pool: script.NewRunnerPool(ctx, JsRunnerFactory{}, maxVmPoolSize, minVmPoolSize),
	}
}

func (r *JsRuntime) RunScript(body string, variables map[string]any) (any, error) {
	var runner = r.pool.GetRunnerFromPool()
	defer r.pool.ReturnRunnerToPool(runner)

	return runner.(*JsRunner).runScript(body, variables)
}

type JsRunner struct {
	vm *goja.Runtime
}

func (r *JsRunner) Runner() {}

func newJsRunner() *JsRunner {
	r := JsRunner{vm: goja.New()}
	return &r
}

func (r *JsRunner) runScript(body string, variables map[string]any) (any, error) {
	for name, value := range variables {
		if err := r.vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("error binding variable %s: %w", name, err)
		}
	}
	defer func() {
		// the VM is reused; do not leak one script's scope into the next
		for name := range variables {
			_ = r.vm.GlobalObject().Delete(name)
		}
	}()
	resp, err := r.vm.RunString(body)
	if err != nil {
		return nil, fmt.Errorf("error running script \"%s\" : %v", body, err)
	}
	if resp == nil || goja.IsUndefined(resp) || goja.IsNull(resp) {
		return nil, nil
	}
	return resp.Export(), nil
}
