package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/message"
	"github.com/CodeAmalgamation/bridged/registry"
)

func TestDispatchSuccessEnvelope(t *testing.T) {
	mod := &handler.Module{
		Name: "system",
		Functions: map[string]handler.Func{
			"ping": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				return map[string]any{"ok": true}, nil
			},
		},
	}
	d := New(handler.NewRegistry(mod), nil, nil)

	resp := d.Dispatch(context.Background(), &message.Request{Module: "system", Function: "ping", RequestID: "r1"})
	require.True(t, resp.Success)
	require.Equal(t, "r1", resp.RequestID)
	require.Equal(t, map[string]any{"ok": true}, resp.Result)
}

func TestDispatchHandlerErrorEnvelope(t *testing.T) {
	mod := &handler.Module{
		Name: "database",
		Functions: map[string]handler.Func{
			"execute_immediate": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				return nil, fmt.Errorf("ORA-00001: boom")
			},
		},
	}
	d := New(handler.NewRegistry(mod), nil, nil)

	resp := d.Dispatch(context.Background(), &message.Request{Module: "database", Function: "execute_immediate"})
	require.False(t, resp.Success)
	require.Equal(t, message.ErrorKindHandler, resp.ErrorKind)
	require.Contains(t, resp.Error, "ORA-00001")
}

func TestDispatchUnknownHandleIsUnknownHandleError(t *testing.T) {
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	mod := &handler.Module{
		Name: "database",
		Functions: map[string]handler.Func{
			"execute": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				_, err := f.Resolve(params["handle"].(string))
				return nil, err
			},
		},
		HandleParam: map[string]string{"execute": "handle"},
	}
	d := New(handler.NewRegistry(mod), reg, reg)

	resp := d.Dispatch(context.Background(), &message.Request{
		Module: "database", Function: "execute",
		Params: map[string]any{"handle": "no-such-handle"},
	})
	require.False(t, resp.Success)
	require.Equal(t, message.ErrorKindUnknownHdl, resp.ErrorKind)
}

func TestDispatchFailedRestorationIsRestorationError(t *testing.T) {
	dir := t.TempDir()
	reg1, err := registry.New(dir)
	require.NoError(t, err)
	id, err := reg1.Allocate(registry.KindConnection, "")
	require.NoError(t, err)
	require.NoError(t, reg1.Bind(id, "native-1"))

	// A fresh registry over the same state dir has no in-memory entry
	// for id, the same situation a restarted daemon would be in.
	reg2, err := registry.New(dir)
	require.NoError(t, err)
	reg2.RegisterRestorer(registry.KindConnection, func(meta registry.Meta) (any, error) {
		return nil, fmt.Errorf("connection refused")
	})

	mod := &handler.Module{
		Name: "database",
		Functions: map[string]handler.Func{
			"execute": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				_, err := f.Resolve(params["handle"].(string))
				return nil, err
			},
		},
		HandleParam: map[string]string{"execute": "handle"},
	}
	d := New(handler.NewRegistry(mod), reg2, reg2)

	resp := d.Dispatch(context.Background(), &message.Request{
		Module: "database", Function: "execute",
		Params: map[string]any{"handle": id},
	})
	require.False(t, resp.Success)
	require.Equal(t, message.ErrorKindRestoration, resp.ErrorKind)
}

func TestDispatchUnknownModuleIsHandlerError(t *testing.T) {
	d := New(handler.NewRegistry(), nil, nil)
	resp := d.Dispatch(context.Background(), &message.Request{Module: "nope", Function: "ping"})
	require.False(t, resp.Success)
	require.Equal(t, message.ErrorKindHandler, resp.ErrorKind)
}

// TestDispatchDoubleLayeredEnvelope verifies spec's canonical contract:
// the envelope's own Success reflects transport success, even when the
// handler returns its own success:false payload.
func TestDispatchDoubleLayeredEnvelope(t *testing.T) {
	mod := &handler.Module{
		Name: "database",
		Functions: map[string]handler.Func{
			"execute_immediate": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				return map[string]any{"success": false, "message": "no such table"}, nil
			},
		},
	}
	d := New(handler.NewRegistry(mod), nil, nil)

	resp := d.Dispatch(context.Background(), &message.Request{Module: "database", Function: "execute_immediate"})
	require.True(t, resp.Success) // transport-level success
	inner := resp.Result.(map[string]any)
	require.False(t, inner["success"].(bool)) // handler's own verdict, nested
}

func TestDispatchSerializesPerHandle(t *testing.T) {
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)
	id, err := reg.Allocate(registry.KindStatement, "")
	require.NoError(t, err)

	var order []int
	var mu sync.Mutex

	mod := &handler.Module{
		Name: "database",
		Functions: map[string]handler.Func{
			"fetch": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				mu.Lock()
				order = append(order, 1)
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				order = append(order, 2)
				mu.Unlock()
				return nil, nil
			},
		},
		HandleParam: map[string]string{"fetch": "handle"},
	}
	d := New(handler.NewRegistry(mod), reg, reg)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), &message.Request{
				Module: "database", Function: "fetch",
				Params: map[string]any{"handle": id},
			})
		}()
	}
	wg.Wait()

	// With serialization, each call's [1,2] pair must not interleave:
	// order is exactly [1,2,1,2], never [1,1,2,2].
	require.Equal(t, []int{1, 2, 1, 2}, order)
}
