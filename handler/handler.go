// Package handler defines the contract between the dispatcher and the
// handler modules it invokes (spec §4.J). A handler module declares its
// name, a map of exported function name to callable, and implicitly —
// via that same map — the set of functions safe to invoke (the
// validator's per-module allow-list is built directly from this map via
// AllowList).
//
// This generalizes the teacher's server/service.go, which scanned a
// struct's exported methods via reflection and required the fixed
// signature `func(args *Args, reply *Reply) error`. Spec's params are a
// free-form map[string]any keyed by parameter name, not two positional
// struct pointers, so this package trades reflection-based method
// scanning for an explicit, validated function map — the same
// "register and filter by signature" discipline the teacher applied,
// adapted to the shape this domain actually needs.
package handler

import (
	"context"
	"fmt"

	"github.com/CodeAmalgamation/bridged/registry"
)

// Facade is the narrow slice of the registry a handler function may
// use. Handlers never see the full Registry — only the operations
// spec §4.J calls out ("allocate/resolve/persist/release").
type Facade interface {
	Allocate(kind registry.Kind, parentHandle string) (string, error)
	Bind(id string, native any) error
	Resolve(id string) (any, error)
	Describe(id string) (registry.Meta, error)
	Persist(id string, patch func(registry.Meta) registry.Meta) error
	Release(id string) error
}

// Func is the signature every handler function must satisfy. It
// receives the request's params map as-is; a function that wants a
// typed argument struct decodes params itself with handler.Bind (via
// mapstructure). Module.Call does no decoding. The returned value must be JSON
// serializable; it is placed under the envelope's Result verbatim,
// except that a returned map/struct containing its own "success" key
// is passed through as-is so the double-layering contract (spec §9)
// is visible to the caller.
type Func func(ctx context.Context, params map[string]any, facade Facade) (any, error)

// Module is one handler's declaration: a name, its callable functions,
// and (via AllowList) the set of function names safe to invoke.
// Handlers must not catch their own exceptions silently — Call
// recovers from a panicking handler and converts it into an error so
// the dispatcher can still classify it as error_kind=handler, but a
// handler that wants to report its own failure should return
// (nil, err) or a {success:false,...} map, not panic as its normal
// control flow.
type Module struct {
	Name      string
	Functions map[string]Func
	// HandleParam optionally maps a function name to the params key
	// holding the handle ID it operates on (e.g. "statement" ->
	// "handle"). When present, the dispatcher takes the registry's
	// per-handle lock for the duration of the call, giving spec's
	// per-handle serialization invariant (§4.E, §8 property 6).
	HandleParam map[string]string
}

// AllowList returns the set of function names this module exposes —
// fed directly into validate.ModuleAllowList.Functions.
func (m *Module) AllowList() map[string]bool {
	out := make(map[string]bool, len(m.Functions))
	for name := range m.Functions {
		out[name] = true
	}
	return out
}

// Call invokes the named function, recovering from a panic and
// converting it into an error (spec §4.E: "If the handler raises, the
// dispatcher catches, converts to {success:false, error_kind:handler,
// error:<message>}").
func (m *Module) Call(ctx context.Context, function string, params map[string]any, facade Facade) (result any, err error) {
	fn, ok := m.Functions[function]
	if !ok {
		return nil, fmt.Errorf("handler: %s has no function %q", m.Name, function)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler: %s.%s panicked: %v", m.Name, function, r)
		}
	}()

	return fn(ctx, params, facade)
}

// Registry is the set of handler modules the dispatcher knows about,
// keyed by module name.
type Registry struct {
	modules map[string]*Module
}

// NewRegistry builds a handler Registry from a list of modules.
func NewRegistry(modules ...*Module) *Registry {
	r := &Registry{modules: make(map[string]*Module, len(modules))}
	for _, m := range modules {
		r.modules[m.Name] = m
	}
	return r
}

// Lookup returns the named module, or ok=false if unregistered.
func (r *Registry) Lookup(name string) (*Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}

// Modules returns every registered module.
func (r *Registry) Modules() []*Module {
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	return out
}
