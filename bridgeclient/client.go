package bridgeclient

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/CodeAmalgamation/bridged/codec"
	"github.com/CodeAmalgamation/bridged/message"
	"github.com/CodeAmalgamation/bridged/protocol"
)

// wireCodec is the client's wire encoding, matching the daemon's own
// (server.Server's wireCodec) so both ends agree byte-for-byte.
var wireCodec codec.Codec = &codec.JSONCodec{}

// ErrUnreachable wraps any error encountered dialing or round-tripping
// the daemon socket, so callers can tell it apart with errors.Is.
// cmd/bridgectl does not test for it: it falls back to in-process or
// subprocess execution on any error from Call (spec §4.H: "connect
// error, framing timeout, or explicit opt-out").
var ErrUnreachable = errors.New("bridgeclient: daemon unreachable")

// Client is the daemon-mode call path.
type Client struct {
	pool           *pool
	maxFrameSize   int
	roundTripDelay time.Duration // applied as a per-call deadline, spec's "framing timeout"
}

// Option configures a Client.
type Option func(*Client)

// WithMaxConns bounds how many exclusive connections this client will
// open to the daemon socket concurrently.
func WithMaxConns(n int) Option {
	return func(c *Client) { c.pool.maxConns = n }
}

// WithTimeout sets the per-call read/write deadline. A call that
// exceeds it surfaces as ErrUnreachable so the caller can fall back.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.roundTripDelay = d }
}

// New builds a Client that dials network/address (typically "unix" and
// the value of BRIDGE_SOCKET_PATH) on demand.
func New(network, address string, opts ...Option) *Client {
	c := &Client{
		pool:           newPool(network, address, 8),
		maxFrameSize:   protocol.DefaultMaxFrameSize,
		roundTripDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends one (module, function, params) request and returns the
// decoded response envelope. On any transport-level failure it returns
// ErrUnreachable wrapping the underlying cause; it never returns a
// partially-decoded Response.
func (c *Client) Call(req message.Request) (*message.Response, error) {
	conn, err := c.pool.get()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	resp, err := c.roundTrip(conn, req)
	if err != nil {
		conn.unusable = true
		c.pool.put(conn)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	c.pool.put(conn)
	return resp, nil
}

func (c *Client) roundTrip(conn *pooledConn, req message.Request) (*message.Response, error) {
	if c.roundTripDelay > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.roundTripDelay)); err != nil {
			return nil, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	payload, err := wireCodec.Encode(req)
	if err != nil {
		return nil, err
	}
	if err := protocol.Encode(conn, payload); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(conn)
	body, err := protocol.Decode(reader, c.maxFrameSize)
	if err != nil {
		return nil, err
	}

	var resp message.Response
	if err := wireCodec.Decode(body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close shuts down every pooled connection.
func (c *Client) Close() {
	c.pool.close()
}

// Reachable is a quick liveness probe a caller can use before
// committing to the full Call path. It only dials the socket and closes
// the connection; no request (not even system.ping) is sent.
func (c *Client) Reachable() bool {
	conn, err := net.DialTimeout(c.pool.network, c.pool.address, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
