package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CodeAmalgamation/bridged/dispatch"
	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/message"
	"github.com/CodeAmalgamation/bridged/metrics"
	"github.com/CodeAmalgamation/bridged/protocol"
	"github.com/CodeAmalgamation/bridged/resource"
	"github.com/CodeAmalgamation/bridged/validate"
)

func testLimits() resource.Limits {
	return resource.Limits{
		MaxConcurrentRequests: 100,
		MaxRequestsPerMinute:  2000,
		MaxMemoryBytes:        1 << 30,
		MaxCPUPercent:         200,
		MaxConcurrentConns:    10,
	}
}

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	mod := &handler.Module{
		Name: "system",
		Functions: map[string]handler.Func{
			"ping": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				return map[string]any{"ok": true}, nil
			},
		},
	}
	v := validate.New(1<<20, []validate.ModuleAllowList{
		{Module: "system", Exempt: true},
	})
	d := dispatch.New(handler.NewRegistry(mod), nil, nil)
	rm := resource.New(testLimits())
	s := New(v, d, rm, zap.NewNop(), 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = ln

	go func() {
		for {
			if err := s.throttleAccept(); err != nil {
				return
			}
			conn, err := ln.Accept()
			if err != nil {
				rm.ReleaseConn()
				return
			}
			s.wg.Add(1)
			go s.handleConn(conn)
		}
	}()

	return s, func() { _ = s.Shutdown(time.Second) }
}

func dialAndRoundtrip(t *testing.T, addr net.Addr, req message.Request) message.Response {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	payload, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, payload))

	reader := bufio.NewReader(conn)
	body, err := protocol.Decode(reader, protocol.DefaultMaxFrameSize)
	require.NoError(t, err)

	var resp message.Response
	require.NoError(t, json.Unmarshal(body, &resp))
	return resp
}

func TestWithMetricsRecordsCompletedRequest(t *testing.T) {
	mod := &handler.Module{
		Name: "system",
		Functions: map[string]handler.Func{
			"ping": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				return map[string]any{"ok": true}, nil
			},
		},
	}
	v := validate.New(1<<20, []validate.ModuleAllowList{{Module: "system", Exempt: true}})
	d := dispatch.New(handler.NewRegistry(mod), nil, nil)
	rm := resource.New(testLimits())
	m := metrics.New()
	s := New(v, d, rm, zap.NewNop(), 0).WithMetrics(m)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = ln
	go func() {
		for {
			if err := s.throttleAccept(); err != nil {
				return
			}
			conn, err := ln.Accept()
			if err != nil {
				rm.ReleaseConn()
				return
			}
			s.wg.Add(1)
			go s.handleConn(conn)
		}
	}()
	defer func() { _ = s.Shutdown(time.Second) }()

	resp := dialAndRoundtrip(t, ln.Addr(), message.Request{Module: "system", Function: "ping"})
	require.True(t, resp.Success)

	snapshot := m.Snapshot(rm)
	require.Equal(t, 1.0, snapshot.TotalRequests)
	require.Equal(t, 1.0, snapshot.Successes)
}

func TestServeHandlesOneRequest(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	resp := dialAndRoundtrip(t, s.listener.Addr(), message.Request{
		Module: "system", Function: "ping", RequestID: "r1",
	})
	require.True(t, resp.Success)
	require.Equal(t, "r1", resp.RequestID)
}

func TestServeRejectsUnknownModule(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	resp := dialAndRoundtrip(t, s.listener.Addr(), message.Request{
		Module: "nope", Function: "ping",
	})
	require.False(t, resp.Success)
	require.Equal(t, message.ErrorKindSecurity, resp.ErrorKind)
}

func TestServeHandlesSequentialRequestsOnSameConnection(t *testing.T) {
	s, cleanup := newTestServer(t)
	defer cleanup()

	conn, err := net.Dial("tcp", s.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		payload, err := json.Marshal(message.Request{Module: "system", Function: "ping"})
		require.NoError(t, err)
		require.NoError(t, protocol.Encode(conn, payload))

		body, err := protocol.Decode(reader, protocol.DefaultMaxFrameSize)
		require.NoError(t, err)
		var resp message.Response
		require.NoError(t, json.Unmarshal(body, &resp))
		require.True(t, resp.Success)
	}
}

func TestShutdownWaitsForInFlightRequest(t *testing.T) {
	mod := &handler.Module{
		Name: "system",
		Functions: map[string]handler.Func{
			"slow": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
				time.Sleep(50 * time.Millisecond)
				return nil, nil
			},
		},
	}
	v := validate.New(1<<20, []validate.ModuleAllowList{{Module: "system", Exempt: true}})
	d := dispatch.New(handler.NewRegistry(mod), nil, nil)
	rm := resource.New(testLimits())
	s := New(v, d, rm, zap.NewNop(), 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listener = ln
	go func() {
		for {
			if err := s.throttleAccept(); err != nil {
				return
			}
			conn, err := ln.Accept()
			if err != nil {
				rm.ReleaseConn()
				return
			}
			s.wg.Add(1)
			go s.handleConn(conn)
		}
	}()

	go dialAndRoundtrip(t, ln.Addr(), message.Request{Module: "system", Function: "slow"})
	time.Sleep(10 * time.Millisecond) // let the request start before shutdown

	require.NoError(t, s.Shutdown(time.Second))
}
