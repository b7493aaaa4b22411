// Package fallback implements the bridge daemon's fallback executor
// (spec §4.H): when bridgeclient cannot reach the daemon socket, a
// caller may run the same (module, function, params) call through an
// identical validator/dispatcher pipeline in-process, with handles
// resolved by restoring from on-disk metadata (registry.Registry's
// restoration path, §4.B) instead of an in-memory table that no
// daemon process is alive to hold.
//
// There is no teacher equivalent — mini-rpc has no notion of a
// socket-optional execution path. Grounded on the pack's
// steveyegge-beads repo (cmd/bd/daemon_unix.go, cmd/dialog-client),
// which implements exactly this "daemon unreachable, so do the work
// locally or spawn a helper process" shape for a local developer tool.
package fallback

import (
	"context"

	"github.com/CodeAmalgamation/bridged/dispatch"
	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/message"
	"github.com/CodeAmalgamation/bridged/registry"
	"github.com/CodeAmalgamation/bridged/validate"
)

// Executor runs one-shot calls without a live daemon connection. Its
// validator and dispatcher are built the same way the daemon builds
// its own — same allow-lists, same handler modules — so a call
// executed here is observably identical to one routed through the
// socket (spec §4.H: "identical validator, identical dispatcher,
// identical envelope").
type Executor struct {
	validator  *validate.Validator
	dispatcher *dispatch.Dispatcher
}

// New builds an Executor around a registry rooted at the daemon's
// state directory, so Resolve() calls fall through to restoration
// instead of finding nothing (spec §4.B's restoration algorithm).
// handlers and its restorers must be registered identically to how the
// daemon wires them at startup — this is what makes a handle created
// in fallback mode bindable by a later daemon-mode call, and vice
// versa.
func New(v *validate.Validator, handlers *handler.Registry, reg *registry.Registry) *Executor {
	return &Executor{
		validator:  v,
		dispatcher: dispatch.New(handlers, reg, reg),
	}
}

// Execute validates and dispatches one request, returning the same
// envelope shape the daemon's connection loop would have written to
// the wire.
func (e *Executor) Execute(ctx context.Context, req *message.Request) *message.Response {
	if err := e.validator.Validate(req); err != nil {
		return message.Fail(message.ErrorKindSecurity, req.RequestID, err)
	}
	return e.dispatcher.Dispatch(ctx, req)
}
