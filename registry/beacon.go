package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Beacon is an optional, purely passive liveness marker: while the
// daemon runs, a single etcd key carrying {pid, socket_path,
// started_at} is kept alive under a TTL lease. It performs no
// discovery, routing, or load balancing — nothing in this codebase
// ever reads a Beacon's key back — so it does not reintroduce the
// multi-host clustering the spec explicitly rules out as a Non-goal;
// it exists only so an operator (or a separate fleet-inventory tool)
// can tell "is a bridge daemon alive on this host" from etcd the same
// way they'd check any other service in an etcd-backed environment.
//
// Grounded on the teacher's EtcdRegistry.Register (registry/
// etcd_registry.go): Grant a TTL lease, Put a key under it, start
// KeepAlive, drain the channel forever. This keeps exactly that
// mechanism and drops Watch/Discover, which are the service-discovery
// half this daemon has no use for.
type Beacon struct {
	client *clientv3.Client
	key    string
}

// BeaconInfo is the value stored at the beacon's key.
type BeaconInfo struct {
	PID        int       `json:"pid"`
	SocketPath string    `json:"socket_path"`
	StartedAt  time.Time `json:"started_at"`
}

// NewBeacon connects to the given etcd endpoints. Callers should treat
// a connection failure here as non-fatal to the daemon — the beacon is
// an optional convenience, not a dependency of any spec'd operation.
func NewBeacon(endpoints []string) (*Beacon, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd beacon: %w", err)
	}
	return &Beacon{client: c}, nil
}

// Start registers key with a ttlSeconds lease and keeps it alive until
// ctx is cancelled. Returns once the initial Put succeeds; renewal
// continues in a background goroutine, mirroring the teacher's
// fire-and-forget KeepAlive drain.
func (b *Beacon) Start(ctx context.Context, key string, info BeaconInfo, ttlSeconds int64) error {
	b.key = key

	lease, err := b.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("registry: grant beacon lease: %w", err)
	}

	val, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("registry: marshal beacon info: %w", err)
	}

	if _, err := b.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put beacon key: %w", err)
	}

	ch, err := b.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("registry: start beacon keepalive: %w", err)
	}

	go func() {
		for range ch {
		}
	}()
	return nil
}

// Stop deletes the beacon key immediately rather than waiting for
// lease expiry, so a clean shutdown doesn't leave a stale "alive" entry
// for up to ttlSeconds.
func (b *Beacon) Stop(ctx context.Context) error {
	if b.client == nil || b.key == "" {
		return nil
	}
	_, err := b.client.Delete(ctx, b.key)
	return err
}

// Close releases the underlying etcd client connection.
func (b *Beacon) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}
