// Package loader instantiates a verified module in an isolated evaluation
// context and exposes exactly its required exports as callable handles.
//
// Isolation comes from the embedded ECMAScript runtime: a fresh goja.Runtime
// shares no mutable state with the host process and reaches no host facility
// unless one is explicitly injected — and this package injects none. The
// runtime probe (probe.go) then confirms on a known-answer input that a
// statically accepted module behaves as declared.
package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// ErrMissingExport is returned when the evaluated module does not publish a
// required export as a function.
var ErrMissingExport = errors.New("loader: required export missing or not callable")

// Module is a loaded module. Only the exports requested at load time are
// reachable; anything else the module defined stays inside the runtime with
// no handle pointing at it.
//
// The underlying runtime is single-threaded; Call serializes access, and
// independent loads of the same source are fully parallel.
type Module struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	handles map[string]goja.Callable
}

// Load evaluates verified module source in a fresh isolated runtime and
// extracts the named exports as callable handles.
//
// Load assumes the source already passed verification; it does not re-run
// the verifier. Callers on the load path re-verify before calling Load.
func Load(source string, requiredExports []string) (*Module, error) {
	if len(requiredExports) == 0 {
		return nil, errors.New("loader: no required exports specified")
	}

	prog, err := goja.Compile("module.js", source, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	vm := goja.New()

	// CommonJS-style export surface, the only host object the module sees.
	moduleObj := vm.NewObject()
	exportsObj := vm.NewObject()
	if err := moduleObj.Set("exports", exportsObj); err != nil {
		return nil, fmt.Errorf("failed to prepare module object: %w", err)
	}
	if err := vm.Set("module", moduleObj); err != nil {
		return nil, fmt.Errorf("failed to install module object: %w", err)
	}
	if err := vm.Set("exports", exportsObj); err != nil {
		return nil, fmt.Errorf("failed to install exports object: %w", err)
	}

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("module evaluation failed: %w", err)
	}

	exported := moduleObj.Get("exports")
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return nil, fmt.Errorf("%w: module.exports is not set", ErrMissingExport)
	}
	exportedObj := exported.ToObject(vm)

	handles := make(map[string]goja.Callable, len(requiredExports))
	for _, name := range requiredExports {
		fn, ok := goja.AssertFunction(exportedObj.Get(name))
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
		}
		handles[name] = fn
	}

	return &Module{vm: vm, handles: handles}, nil
}

// Exports returns the names callable on this module.
func (m *Module) Exports() []string {
	names := make([]string, 0, len(m.handles))
	for name := range m.handles {
		names = append(names, name)
	}
	return names
}

// Call invokes an exported function with the given arguments, converted into
// the runtime, and returns the exported (host-side) result. The call is
// interrupted when ctx is cancelled or times out.
func (m *Module) Call(ctx context.Context, name string, args ...any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn, ok := m.handles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
	}

	gojaArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		gojaArgs[i] = m.vm.ToValue(arg)
	}

	done := make(chan struct{})
	interrupted := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.vm.Interrupt(ctx.Err())
			close(interrupted)
		case <-done:
		}
	}()

	result, err := fn(goja.Undefined(), gojaArgs...)
	close(done)
	// Clear any interrupt that raced the call's completion so the runtime
	// stays usable for the next call.
	m.vm.ClearInterrupt()

	select {
	case <-interrupted:
		return nil, fmt.Errorf("module call %s interrupted: %w", name, ctx.Err())
	default:
	}
	if err != nil {
		return nil, fmt.Errorf("module call %s failed: %w", name, err)
	}
	return result.Export(), nil
}
