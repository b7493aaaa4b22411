// Package registry implements the bridge daemon's handle registry
// (spec §3, §4.B): it hands out opaque UUID-shaped IDs to stateful
// resources (database connections, prepared statements, SSH sessions,
// HTTP user agents), keeps their live native value in memory for as
// long as this process runs, and mirrors a serializable metadata record
// to a per-handle file under a state directory so the fallback executor
// (or a freshly restarted daemon) can rebuild the resource later.
//
// Native resources never cross process boundaries — only the metadata
// file does. That file is therefore the entire portable contract
// between daemon-mode and fallback-mode execution (spec §9, "handle
// graphs across processes").
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the category of resource a handle denotes.
type Kind string

const (
	KindConnection Kind = "connection"
	KindStatement  Kind = "statement"
	KindSSH        Kind = "ssh"
	KindHTTPAgent  Kind = "http_agent"
)

// ErrMissing is returned by Resolve/Describe when a handle ID is
// entirely unknown — no live resource and no metadata file — and by
// Resolve when the metadata is older than the restoration TTL. Callers must surface this as
// error_kind=unknown_handle, never as a silent success.
var ErrMissing = fmt.Errorf("registry: handle not found")

// defaultRestorationTTL is used when a Registry is built via New
// without an explicit WithRestorationTTL call, matching spec's
// BRIDGE_STALE_TIMEOUT_S default of 300s.
const defaultRestorationTTL = 300 * time.Second

// RestorationError wraps a failure encountered while rebuilding a
// handle's native resource from persisted metadata — the kind had a
// registered Restorer and the metadata was found and fresh enough, but
// re-opening the underlying resource itself failed (spec §7:
// "restoration — handle referenced, metadata present but re-opening
// failed").
type RestorationError struct {
	HandleID string
	Err      error
}

func (e *RestorationError) Error() string {
	return fmt.Sprintf("registry: restore handle %s: %v", e.HandleID, e.Err)
}

func (e *RestorationError) Unwrap() error { return e.Err }

// Meta is the persisted metadata record for one handle (spec §3).
// Parameters carries the reconstruction arguments with secrets already
// redacted by the handler before Persist is called — the registry
// itself applies no redaction, since it has no notion of which
// parameter keys are secret for a given handler.
type Meta struct {
	HandleID     string         `json:"handle_id"`
	Kind         Kind           `json:"kind"`
	ParentHandle string         `json:"parent_handle,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUsedAt   time.Time      `json:"last_used_at"`
	Autocommit   *bool          `json:"autocommit,omitempty"`
	BindPlan     []any          `json:"bind_plan,omitempty"`
	SQLTemplate  string         `json:"sql_template,omitempty"`
}

// Restorer rebuilds a native resource from a persisted metadata record.
// Implementations live in handler modules (handlers/database,
// handlers/sshsession, ...) and are registered per Kind via
// Registry.RegisterRestorer. Restoration must be idempotent: calling it
// twice for the same handle must not create two underlying resources
// that both think they own the handle.
type Restorer func(meta Meta) (native any, err error)

// entry is the in-memory record for a live handle: its native resource
// plus a per-handle lock enforcing spec's "no two concurrent requests
// hold the same statement cursor" invariant. mu guards native and meta;
// reqMu is the request-level lock handed out by Lock, kept separate so
// a handler holding it can still call Resolve/Bind/Persist.
type entry struct {
	mu     sync.Mutex
	reqMu  sync.Mutex
	native any
	meta   Meta
}

// Registry is the process-local handle table plus its filesystem
// mirror. The zero value is not usable — construct with New.
type Registry struct {
	stateDir string

	indexMu sync.Mutex // protects the handles map itself (short critical section)
	handles map[string]*entry

	restorersMu sync.RWMutex
	restorers   map[Kind]Restorer

	restorationTTL time.Duration
}

// New constructs a Registry rooted at stateDir. stateDir itself is
// created (mode 0700) here; its per-Kind subdirectories are created
// lazily as metadata for that Kind is written.
func New(stateDir string) (*Registry, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("registry: create state dir: %w", err)
	}
	return &Registry{
		stateDir:       stateDir,
		handles:        make(map[string]*entry),
		restorers:      make(map[Kind]Restorer),
		restorationTTL: defaultRestorationTTL,
	}, nil
}

// WithRestorationTTL overrides the restoration TTL gate (spec §4.B
// restoration algorithm step 1: "read metadata, if older than TTL ->
// return MISSING"). cmd/bridged binds this to BRIDGE_STALE_TIMEOUT_S so
// the one TTL an operator configures governs both the live-handle sweep
// and cross-restart restoration. A zero or negative duration disables
// the gate.
func (r *Registry) WithRestorationTTL(ttl time.Duration) *Registry {
	r.restorationTTL = ttl
	return r
}

// RegisterRestorer wires a handler module's reconstruction logic for a
// given Kind. Must be called during startup, before any Resolve that
// could need restoration.
func (r *Registry) RegisterRestorer(kind Kind, fn Restorer) {
	r.restorersMu.Lock()
	defer r.restorersMu.Unlock()
	r.restorers[kind] = fn
}

// Allocate mints a new opaque handle ID and creates its metadata
// record. The caller must Bind the native resource (and Persist any
// reconstruction parameters) once it has actually opened one.
func (r *Registry) Allocate(kind Kind, parentHandle string) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	meta := Meta{
		HandleID:     id,
		Kind:         kind,
		ParentHandle: parentHandle,
		CreatedAt:    now,
		LastUsedAt:   now,
	}

	r.indexMu.Lock()
	r.handles[id] = &entry{meta: meta}
	r.indexMu.Unlock()

	if err := r.writeMeta(meta); err != nil {
		return "", err
	}
	return id, nil
}

// Bind attaches a live native resource to an already-allocated handle.
func (r *Registry) Bind(id string, native any) error {
	r.indexMu.Lock()
	e, ok := r.handles[id]
	if !ok {
		e = &entry{}
		r.handles[id] = e
	}
	r.indexMu.Unlock()

	e.mu.Lock()
	e.native = native
	e.mu.Unlock()
	return nil
}

// Lock returns the per-handle mutex for id, creating the bookkeeping
// entry if necessary. Callers (the dispatcher) hold this for the
// duration of one request against the handle, giving the "per-handle
// serialization" invariant (spec §4.E, §8 property 6).
func (r *Registry) Lock(id string) *sync.Mutex {
	r.indexMu.Lock()
	e, ok := r.handles[id]
	if !ok {
		e = &entry{}
		r.handles[id] = e
	}
	r.indexMu.Unlock()
	return &e.reqMu
}

// Resolve returns the live native resource for id. If none is held
// in-memory (process restart, or a handle created by a previous
// fallback-mode invocation) it attempts restoration from the metadata
// file using the Kind's registered Restorer. Resolve never silently
// reports success without a live resource: on any failure it returns
// ErrMissing or a restoration error, never a nil-but-ok resource.
func (r *Registry) Resolve(id string) (any, error) {
	r.indexMu.Lock()
	e, ok := r.handles[id]
	r.indexMu.Unlock()

	if ok {
		e.mu.Lock()
		native := e.native
		e.mu.Unlock()
		if native != nil {
			r.touch(id)
			return native, nil
		}
	}

	meta, err := r.readMeta(id)
	if err != nil {
		return nil, ErrMissing
	}

	if r.restorationTTL > 0 && !meta.LastUsedAt.IsZero() && time.Since(meta.LastUsedAt) > r.restorationTTL {
		return nil, ErrMissing
	}

	r.restorersMu.RLock()
	restore, ok := r.restorers[meta.Kind]
	r.restorersMu.RUnlock()
	if !ok {
		return nil, &RestorationError{HandleID: id, Err: fmt.Errorf("no restorer registered for kind %q", meta.Kind)}
	}

	native, err := restore(meta)
	if err != nil {
		return nil, &RestorationError{HandleID: id, Err: err}
	}

	if err := r.Bind(id, native); err != nil {
		return nil, &RestorationError{HandleID: id, Err: err}
	}
	r.touch(id)
	return native, nil
}

// Describe returns the current metadata record for id, reading through
// to disk if the handle isn't (yet) held in memory.
func (r *Registry) Describe(id string) (Meta, error) {
	r.indexMu.Lock()
	e, ok := r.handles[id]
	r.indexMu.Unlock()
	if ok {
		e.mu.Lock()
		m := e.meta
		e.mu.Unlock()
		if !m.CreatedAt.IsZero() {
			return m, nil
		}
	}
	return r.readMeta(id)
}

// Persist merges patch fields into id's metadata record (both the
// in-memory copy and the on-disk mirror) and advances LastUsedAt, unless
// the patch itself set LastUsedAt to a different value, in which case
// that value is kept. The patch function receives the current record by
// value and returns the updated record — this keeps the
// read-modify-write atomic under the per-handle lock.
func (r *Registry) Persist(id string, patch func(Meta) Meta) error {
	r.indexMu.Lock()
	e, ok := r.handles[id]
	if !ok {
		e = &entry{}
		r.handles[id] = e
	}
	r.indexMu.Unlock()

	e.mu.Lock()
	if e.meta.HandleID == "" {
		if m, err := r.readMeta(id); err == nil {
			e.meta = m
		} else {
			e.meta = Meta{HandleID: id, CreatedAt: time.Now()}
		}
	}
	prevLastUsed := e.meta.LastUsedAt
	e.meta = patch(e.meta)
	if e.meta.LastUsedAt.Equal(prevLastUsed) {
		e.meta.LastUsedAt = time.Now()
	}
	m := e.meta
	e.mu.Unlock()

	return r.writeMeta(m)
}

// touch advances LastUsedAt without changing any other field.
func (r *Registry) touch(id string) {
	_ = r.Persist(id, func(m Meta) Meta { return m })
}

// Release destroys a handle: drops the in-memory entry and removes the
// metadata file. Called on explicit close/disconnect/finish calls and
// by the stale-timeout sweep.
func (r *Registry) Release(id string) error {
	r.indexMu.Lock()
	delete(r.handles, id)
	r.indexMu.Unlock()

	m, err := r.readMeta(id)
	if err != nil {
		return nil // unknown — nothing on disk to remove
	}
	path := filepath.Join(r.stateDir, string(m.Kind), id+".meta")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Sweep releases every handle whose LastUsedAt is older than olderThan.
// Each candidate is taken under its own per-handle lock and re-checked
// for recent activity before release, so a sweep never races a
// just-started in-flight request on the same handle (spec §4.G).
func (r *Registry) Sweep(olderThan time.Duration) []string {
	cutoff := time.Now().Add(-olderThan)

	r.indexMu.Lock()
	candidates := make([]string, 0, len(r.handles))
	for id := range r.handles {
		candidates = append(candidates, id)
	}
	r.indexMu.Unlock()

	var released []string
	for _, id := range candidates {
		r.indexMu.Lock()
		e, ok := r.handles[id]
		r.indexMu.Unlock()
		if !ok {
			continue
		}

		e.reqMu.Lock()
		e.mu.Lock()
		stale := !e.meta.LastUsedAt.IsZero() && e.meta.LastUsedAt.Before(cutoff)
		e.mu.Unlock()

		if stale {
			_ = r.Release(id)
			released = append(released, id)
		}
		e.reqMu.Unlock()
	}
	return released
}

// Handles returns the IDs currently tracked in memory (used by tests
// and the background monitor; not part of the spec's registry contract).
func (r *Registry) Handles() []string {
	r.indexMu.Lock()
	defer r.indexMu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) writeMeta(m Meta) error {
	dir := filepath.Join(r.stateDir, string(m.Kind))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("registry: mkdir %s: %w", dir, err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("registry: marshal meta: %w", err)
	}
	path := filepath.Join(dir, m.HandleID+".meta")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("registry: write meta: %w", err)
	}
	return os.Rename(tmp, path)
}

// readMeta scans the known kind subdirectories for id.meta, since the
// caller may not yet know which kind an unfamiliar ID belongs to.
func (r *Registry) readMeta(id string) (Meta, error) {
	for _, kind := range []Kind{KindConnection, KindStatement, KindSSH, KindHTTPAgent} {
		path := filepath.Join(r.stateDir, string(kind), id+".meta")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var m Meta
		if err := json.Unmarshal(data, &m); err != nil {
			return Meta{}, fmt.Errorf("registry: corrupt meta for %s: %w", id, err)
		}
		return m, nil
	}
	return Meta{}, ErrMissing
}

// GC removes orphaned metadata files (no in-memory entry, older than
// ttl) across all kind subdirectories. Distinct from Sweep: Sweep acts
// on handles this process still remembers; GC cleans up files left
// behind by processes that have since exited without a clean close.
func (r *Registry) GC(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, kind := range []Kind{KindConnection, KindStatement, KindSSH, KindHTTPAgent} {
		dir := filepath.Join(r.stateDir, string(kind))
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, de := range entries {
			if de.IsDir() {
				continue
			}
			info, err := de.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			id := strings.TrimSuffix(de.Name(), ".meta")
			r.indexMu.Lock()
			_, live := r.handles[id]
			r.indexMu.Unlock()
			if live {
				continue
			}
			if err := os.Remove(filepath.Join(dir, de.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
