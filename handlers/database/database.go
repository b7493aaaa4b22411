// Package database is the database handler module (spec's "database
// internals" external collaborator, §1): connect/disconnect a
// database/sql connection, prepare/finish a statement, and execute SQL
// either immediately or against a prepared statement, all addressed by
// opaque handles from the registry.
//
// Grounded on the teacher's reflect-based service methods in shape
// only (exported Go functions taking typed args, returning a typed
// reply) — mini-rpc has no database layer of its own, so the read/
// write detection, handle kinds, and restoration plumbing here follow
// spec §4.B/§9 directly. Driver selection follows the retrieval pack:
// mattn/go-sqlite3, go-sql-driver/mysql, jackc/pgx/v5/stdlib are each a
// direct dependency of at least one example repo in the pack.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/registry"
)

// readStatement matches the leading keyword of a SQL statement to
// decide whether execute_immediate must fetch before releasing the
// cursor (spec §9: "an earlier version closed the cursor before
// fetching... must detect read-returning statements, leading keyword
// SELECT or WITH, case-insensitive").
var readStatement = regexp.MustCompile(`(?i)^\s*(select|with)\b`)

func isRead(sqlText string) bool {
	return readStatement.MatchString(sqlText)
}

// conn is the native resource bound to a KindConnection handle.
type conn struct {
	db     *sql.DB
	driver string
	dsn    string
}

// stmt is the native resource bound to a KindStatement handle.
type stmt struct {
	prepared *sql.Stmt
	sqlText  string
	parent   string
}

// New builds the database module and registers its restorers against
// reg, so a handle opened in one process (daemon or fallback) can be
// resolved in another (spec §4.B restoration algorithm).
func New(reg *registry.Registry) *handler.Module {
	reg.RegisterRestorer(registry.KindConnection, func(meta registry.Meta) (any, error) {
		return restoreConnection(meta)
	})
	reg.RegisterRestorer(registry.KindStatement, func(meta registry.Meta) (any, error) {
		return restoreStatement(reg, meta)
	})

	return &handler.Module{
		Name: "database",
		Functions: map[string]handler.Func{
			"connect":           connectFn,
			"disconnect":        disconnectFn,
			"execute_immediate": executeImmediateFn,
			"prepare":           prepareFn,
			"execute":           executeFn,
			"finish":            finishFn,
		},
		HandleParam: map[string]string{
			"disconnect":        "handle",
			"execute_immediate": "handle",
			"prepare":           "handle",
			"execute":           "handle",
			"finish":            "handle",
		},
	}
}

type connectArgs struct {
	Driver string `param:"driver"`
	DSN    string `param:"dsn"`
}

func connectFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args connectArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}

	db, err := sql.Open(args.Driver, args.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", args.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: connect %s: %w", args.Driver, err)
	}

	id, err := f.Allocate(registry.KindConnection, "")
	if err != nil {
		return nil, err
	}
	if err := f.Bind(id, &conn{db: db, driver: args.Driver, dsn: args.DSN}); err != nil {
		return nil, err
	}
	autocommit := true
	if err := f.Persist(id, func(m registry.Meta) registry.Meta {
		m.Parameters = map[string]any{"driver": args.Driver, "dsn": args.DSN}
		m.Autocommit = &autocommit
		return m
	}); err != nil {
		return nil, err
	}

	return map[string]any{"success": true, "handle": id}, nil
}

type handleArgs struct {
	Handle string `param:"handle"`
}

func disconnectFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args handleArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}
	native, err := f.Resolve(args.Handle)
	if err != nil {
		return nil, err
	}
	c := native.(*conn)
	if err := c.db.Close(); err != nil {
		return nil, err
	}
	if err := f.Release(args.Handle); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

type executeImmediateArgs struct {
	Handle string `param:"handle"`
	SQL    string `param:"sql"`
	Binds  []any  `param:"binds"`
}

func executeImmediateFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args executeImmediateArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}
	native, err := f.Resolve(args.Handle)
	if err != nil {
		return nil, err
	}
	c := native.(*conn)

	if isRead(args.SQL) {
		return runQuery(ctx, c.db, args.SQL, args.Binds)
	}
	return runExec(ctx, c.db, args.SQL, args.Binds)
}

type prepareArgs struct {
	Handle string `param:"handle"`
	SQL    string `param:"sql"`
}

func prepareFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args prepareArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}
	native, err := f.Resolve(args.Handle)
	if err != nil {
		return nil, err
	}
	c := native.(*conn)

	prepared, err := c.db.PrepareContext(ctx, args.SQL)
	if err != nil {
		return nil, fmt.Errorf("database: prepare: %w", err)
	}

	id, err := f.Allocate(registry.KindStatement, args.Handle)
	if err != nil {
		return nil, err
	}
	if err := f.Bind(id, &stmt{prepared: prepared, sqlText: args.SQL, parent: args.Handle}); err != nil {
		return nil, err
	}
	if err := f.Persist(id, func(m registry.Meta) registry.Meta {
		m.SQLTemplate = args.SQL
		return m
	}); err != nil {
		return nil, err
	}

	return map[string]any{"success": true, "handle": id}, nil
}

type executeArgs struct {
	Handle string `param:"handle"`
	Binds  []any  `param:"binds"`
}

func executeFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args executeArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}
	native, err := f.Resolve(args.Handle)
	if err != nil {
		return nil, err
	}
	s := native.(*stmt)

	if err := f.Persist(args.Handle, func(m registry.Meta) registry.Meta {
		m.BindPlan = args.Binds
		return m
	}); err != nil {
		return nil, err
	}

	if isRead(s.sqlText) {
		rows, err := s.prepared.QueryContext(ctx, args.Binds...)
		if err != nil {
			return nil, fmt.Errorf("database: execute: %w", err)
		}
		return scanRows(rows)
	}

	res, err := s.prepared.ExecContext(ctx, args.Binds...)
	if err != nil {
		return nil, fmt.Errorf("database: execute: %w", err)
	}
	return execResult(res)
}

func finishFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args handleArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}
	native, err := f.Resolve(args.Handle)
	if err != nil {
		return nil, err
	}
	s := native.(*stmt)
	if err := s.prepared.Close(); err != nil {
		return nil, err
	}
	if err := f.Release(args.Handle); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func runQuery(ctx context.Context, db *sql.DB, sqlText string, binds []any) (any, error) {
	rows, err := db.QueryContext(ctx, sqlText, binds...)
	if err != nil {
		return nil, fmt.Errorf("database: query: %w", err)
	}
	return scanRows(rows)
}

func runExec(ctx context.Context, db *sql.DB, sqlText string, binds []any) (any, error) {
	res, err := db.ExecContext(ctx, sqlText, binds...)
	if err != nil {
		return nil, fmt.Errorf("database: exec: %w", err)
	}
	return execResult(res)
}

// scanRows drains a *sql.Rows into a JSON-serializable shape before
// returning, fetching while the cursor is still open rather than
// handing the cursor itself back across the handler boundary (spec
// §9's fixed "SELECT via immediate-execute" bug).
func scanRows(rows *sql.Rows) (any, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out [][]any
	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out = append(out, normalizeRow(raw))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return map[string]any{
		"success":       true,
		"columns":       columns,
		"rows":          out,
		"rows_affected": int64(len(out)),
	}, nil
}

// normalizeRow converts driver-returned []byte column values (common
// for sqlite3/mysql text columns) into strings so the JSON encoding
// doesn't base64 them.
func normalizeRow(raw []any) []any {
	out := make([]any, len(raw))
	for i, v := range raw {
		if b, ok := v.([]byte); ok {
			out[i] = string(b)
		} else {
			out[i] = v
		}
	}
	return out
}

func execResult(res sql.Result) (any, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return map[string]any{"success": true, "rows_affected": affected}, nil
}

func restoreConnection(meta registry.Meta) (any, error) {
	driver, _ := meta.Parameters["driver"].(string)
	dsn, _ := meta.Parameters["dsn"].(string)
	if driver == "" || dsn == "" {
		return nil, fmt.Errorf("database: cannot restore connection %s: missing driver/dsn", meta.HandleID)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("database: restore connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: restore connection: %w", err)
	}
	return &conn{db: db, driver: driver, dsn: dsn}, nil
}

// restoreStatement re-prepares a statement from its persisted template
// against its (possibly also just-restored) parent connection. The
// persisted BindPlan is not re-applied to the restored statement. reg
// is the same registry the
// daemon or fallback process wires at startup — this closure is why
// registry.Restorer's signature doesn't need a facade parameter of its
// own.
func restoreStatement(reg *registry.Registry, meta registry.Meta) (any, error) {
	if meta.ParentHandle == "" || meta.SQLTemplate == "" {
		return nil, fmt.Errorf("database: cannot restore statement %s: missing parent or template", meta.HandleID)
	}
	parentNative, err := reg.Resolve(meta.ParentHandle)
	if err != nil {
		return nil, fmt.Errorf("database: restore statement: resolve parent: %w", err)
	}
	c, ok := parentNative.(*conn)
	if !ok {
		return nil, fmt.Errorf("database: restore statement: parent %s is not a connection", meta.ParentHandle)
	}

	prepared, err := c.db.Prepare(meta.SQLTemplate)
	if err != nil {
		return nil, fmt.Errorf("database: restore statement: prepare: %w", err)
	}
	return &stmt{prepared: prepared, sqlText: meta.SQLTemplate, parent: meta.ParentHandle}, nil
}
