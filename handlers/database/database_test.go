package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CodeAmalgamation/bridged/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	require.NoError(t, err)
	return reg
}

func TestIsReadDetectsSelectAndWith(t *testing.T) {
	require.True(t, isRead("select 1 from dual"))
	require.True(t, isRead("  SELECT 1"))
	require.True(t, isRead("with cte as (select 1) select * from cte"))
	require.False(t, isRead("insert into t values (1)"))
	require.False(t, isRead("update t set x = 1"))
}

func TestConnectAndExecuteImmediateSelect(t *testing.T) {
	reg := newTestRegistry(t)
	mod := New(reg)
	ctx := context.Background()

	connResult, err := mod.Call(ctx, "connect", map[string]any{
		"driver": "sqlite3",
		"dsn":    "file::memory:?cache=shared",
	}, reg)
	require.NoError(t, err)
	handle := connResult.(map[string]any)["handle"].(string)
	require.NotEmpty(t, handle)

	result, err := mod.Call(ctx, "execute_immediate", map[string]any{
		"handle": handle,
		"sql":    "SELECT 1",
	}, reg)
	require.NoError(t, err)
	m := result.(map[string]any)
	require.True(t, m["success"].(bool))
	require.Equal(t, [][]any{{int64(1)}}, m["rows"])
	require.EqualValues(t, 1, m["rows_affected"])
}

func TestConnectAndExecuteImmediateWrite(t *testing.T) {
	reg := newTestRegistry(t)
	mod := New(reg)
	ctx := context.Background()

	connResult, err := mod.Call(ctx, "connect", map[string]any{
		"driver": "sqlite3",
		"dsn":    "file:write_test?mode=memory&cache=shared",
	}, reg)
	require.NoError(t, err)
	handle := connResult.(map[string]any)["handle"].(string)

	_, err = mod.Call(ctx, "execute_immediate", map[string]any{
		"handle": handle,
		"sql":    "CREATE TABLE widgets (id INTEGER PRIMARY KEY)",
	}, reg)
	require.NoError(t, err)

	result, err := mod.Call(ctx, "execute_immediate", map[string]any{
		"handle": handle,
		"sql":    "INSERT INTO widgets (id) VALUES (1)",
	}, reg)
	require.NoError(t, err)
	m := result.(map[string]any)
	require.True(t, m["success"].(bool))
	require.EqualValues(t, 1, m["rows_affected"])
}

func TestPrepareExecuteFinish(t *testing.T) {
	reg := newTestRegistry(t)
	mod := New(reg)
	ctx := context.Background()

	connResult, err := mod.Call(ctx, "connect", map[string]any{
		"driver": "sqlite3",
		"dsn":    "file:prepare_test?mode=memory&cache=shared",
	}, reg)
	require.NoError(t, err)
	connHandle := connResult.(map[string]any)["handle"].(string)

	_, err = mod.Call(ctx, "execute_immediate", map[string]any{
		"handle": connHandle,
		"sql":    "CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)",
	}, reg)
	require.NoError(t, err)

	prepResult, err := mod.Call(ctx, "prepare", map[string]any{
		"handle": connHandle,
		"sql":    "INSERT INTO widgets (id, name) VALUES (?, ?)",
	}, reg)
	require.NoError(t, err)
	stmtHandle := prepResult.(map[string]any)["handle"].(string)

	result, err := mod.Call(ctx, "execute", map[string]any{
		"handle": stmtHandle,
		"binds":  []any{1, "gear"},
	}, reg)
	require.NoError(t, err)
	require.EqualValues(t, 1, result.(map[string]any)["rows_affected"])

	_, err = mod.Call(ctx, "finish", map[string]any{"handle": stmtHandle}, reg)
	require.NoError(t, err)

	_, err = reg.Resolve(stmtHandle)
	require.ErrorIs(t, err, registry.ErrMissing)
}

func TestPreparePersistsStatementRestorationMetadata(t *testing.T) {
	reg := newTestRegistry(t)
	mod := New(reg)
	ctx := context.Background()

	connResult, err := mod.Call(ctx, "connect", map[string]any{
		"driver": "sqlite3",
		"dsn":    "file:restore_test?mode=memory&cache=shared",
	}, reg)
	require.NoError(t, err)
	connHandle := connResult.(map[string]any)["handle"].(string)

	_, err = mod.Call(ctx, "execute_immediate", map[string]any{
		"handle": connHandle,
		"sql":    "CREATE TABLE widgets (id INTEGER PRIMARY KEY)",
	}, reg)
	require.NoError(t, err)

	prepResult, err := mod.Call(ctx, "prepare", map[string]any{
		"handle": connHandle,
		"sql":    "SELECT id FROM widgets",
	}, reg)
	require.NoError(t, err)
	stmtHandle := prepResult.(map[string]any)["handle"].(string)

	native, err := reg.Resolve(stmtHandle)
	require.NoError(t, err)
	require.NotNil(t, native)

	meta, err := reg.Describe(stmtHandle)
	require.NoError(t, err)
	require.Equal(t, connHandle, meta.ParentHandle)
	require.Equal(t, "SELECT id FROM widgets", meta.SQLTemplate)
}
