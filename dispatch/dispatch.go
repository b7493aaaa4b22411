// Package dispatch implements the bridge daemon's dispatcher (spec
// §4.E): resolving a handler module, taking the per-handle lock when a
// request targets one, invoking the handler, and wrapping the result in
// the response envelope.
//
// Generalizes the teacher's server.businessHandler (parse
// "Service.Method" -> look up service/method -> reflect.Call ->
// marshal reply) to the spec's module/function/params shape, and adds
// the spec's double-layered envelope contract (§9) the teacher never
// had: a handler's own {success:false,...} result still travels back
// with the outer envelope's Success=true.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/message"
	"github.com/CodeAmalgamation/bridged/registry"
)

// Dispatcher resolves and invokes handler functions.
type Dispatcher struct {
	handlers *handler.Registry
	reg      *registry.Registry
	facade   handler.Facade
}

// New builds a Dispatcher. facade is the registry.Registry itself,
// already satisfying handler.Facade; it's accepted as an interface here
// so tests can substitute a fake.
func New(handlers *handler.Registry, reg *registry.Registry, facade handler.Facade) *Dispatcher {
	return &Dispatcher{handlers: handlers, reg: reg, facade: facade}
}

// Dispatch runs one validated request through to a response envelope.
// It never returns a Go error — every failure mode becomes a
// message.Response so the connection loop has exactly one thing to
// write back (spec §8 property 1, the envelope invariant).
func (d *Dispatcher) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	start := time.Now()

	mod, ok := d.handlers.Lookup(req.Module)
	if !ok {
		return envelopeError(req.RequestID, start, message.ErrorKindHandler,
			&moduleNotFoundError{module: req.Module})
	}

	unlock := d.lockHandleIfAny(mod, req)
	defer unlock()

	result, err := mod.Call(ctx, req.Function, req.Params, d.facade)
	if err != nil {
		return envelopeError(req.RequestID, start, classifyError(err), err)
	}

	return message.OK(req.RequestID, result, elapsedMs(start))
}

// lockHandleIfAny takes the registry's per-handle lock when the called
// function declares one via Module.HandleParam, and returns the
// unlock func to defer. If no handle param is declared, it returns a
// no-op so the defer at the call site is always safe to run.
func (d *Dispatcher) lockHandleIfAny(mod *handler.Module, req *message.Request) func() {
	if mod.HandleParam == nil || d.reg == nil {
		return func() {}
	}
	key, ok := mod.HandleParam[req.Function]
	if !ok {
		return func() {}
	}
	id, ok := req.Params[key].(string)
	if !ok || id == "" {
		return func() {}
	}
	mu := d.reg.Lock(id)
	mu.Lock()
	return mu.Unlock
}

// classifyError maps an error returned from a handler call to the
// error_kind the spec's §7 taxonomy requires: a registry miss is
// unknown_handle, a failed restoration attempt is restoration, and
// everything else is the general handler bucket.
func classifyError(err error) message.ErrorKind {
	var restoreErr *registry.RestorationError
	switch {
	case errors.Is(err, registry.ErrMissing):
		return message.ErrorKindUnknownHdl
	case errors.As(err, &restoreErr):
		return message.ErrorKindRestoration
	default:
		return message.ErrorKindHandler
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func envelopeError(requestID string, start time.Time, kind message.ErrorKind, err error) *message.Response {
	resp := message.Fail(kind, requestID, err)
	resp.DurationMs = elapsedMs(start)
	return resp
}

type moduleNotFoundError struct{ module string }

func (e *moduleNotFoundError) Error() string {
	return "dispatch: module " + e.module + " is not registered"
}
