package fallback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/message"
	"github.com/CodeAmalgamation/bridged/registry"
	"github.com/CodeAmalgamation/bridged/validate"
)

func TestExecuteRunsAllowedCall(t *testing.T) {
	mod := &handler.Module{
		Name: "system",
		Functions: map[string]handler.Func{
			"ping": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				return map[string]any{"ok": true}, nil
			},
		},
	}
	v := validate.New(1<<20, []validate.ModuleAllowList{{Module: "system", Exempt: true}})
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	e := New(v, handler.NewRegistry(mod), reg)
	resp := e.Execute(context.Background(), &message.Request{Module: "system", Function: "ping"})
	require.True(t, resp.Success)
}

func TestExecuteRejectsDisallowedCall(t *testing.T) {
	v := validate.New(1<<20, []validate.ModuleAllowList{{Module: "system", Exempt: true}})
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)

	e := New(v, handler.NewRegistry(), reg)
	resp := e.Execute(context.Background(), &message.Request{Module: "nope", Function: "x"})
	require.False(t, resp.Success)
	require.Equal(t, message.ErrorKindSecurity, resp.ErrorKind)
}

func TestExecuteRestoresHandleFromMetadata(t *testing.T) {
	dir := t.TempDir()
	reg, err := registry.New(dir)
	require.NoError(t, err)

	id, err := reg.Allocate(registry.KindConnection, "")
	require.NoError(t, err)
	require.NoError(t, reg.Persist(id, func(m registry.Meta) registry.Meta {
		m.Parameters = map[string]any{"dsn": "file::memory:"}
		return m
	}))

	restored := false
	reg.RegisterRestorer(registry.KindConnection, func(meta registry.Meta) (any, error) {
		restored = true
		return "native-handle", nil
	})

	// Simulate a second process (the fallback executor) with no live
	// in-memory entry but the same metadata on disk.
	reg2, err := registry.New(dir)
	require.NoError(t, err)
	reg2.RegisterRestorer(registry.KindConnection, func(meta registry.Meta) (any, error) {
		restored = true
		return "native-handle", nil
	})

	mod := &handler.Module{
		Name: "database",
		Functions: map[string]handler.Func{
			"ping_connection": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				_, err := f.Resolve(id)
				return map[string]any{"resolved": err == nil}, err
			},
		},
	}
	v := validate.New(1<<20, []validate.ModuleAllowList{{Module: "database", Exempt: true}})
	e := New(v, handler.NewRegistry(mod), reg2)

	resp := e.Execute(context.Background(), &message.Request{
		Module: "database", Function: "ping_connection", Params: map[string]any{"handle": id},
	})
	require.True(t, resp.Success)
	require.True(t, restored)
}
