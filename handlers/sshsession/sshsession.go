// Package sshsession is the SSH handler module (spec's "SSH internals"
// external collaborator, §1): opens a remote shell session, runs
// commands against it, and tears it down, addressed by the same opaque
// handle contract as the database module.
//
// Grounded on golang.org/x/crypto/ssh, already a direct dependency of
// the teacher's go.mod (vendored transitively through
// go.etcd.io/etcd's transport stack) and the one SSH client library
// that appears anywhere in the retrieval pack.
package sshsession

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/registry"
)

// session is the native resource bound to a KindSSH handle.
type session struct {
	client *ssh.Client
	host   string
	port   int
	user   string
}

// New builds the ssh module. Its restorer cannot fully reconstruct a
// session on its own: spec's persisted metadata keeps secrets
// redacted, so a session lost across a daemon restart can only be
// reported as needing reauth, never silently reconnected with a
// remembered password or key (spec §3: "in fallback mode, the client
// is responsible for re-supplying [secrets] through a secure side
// channel").
func New(reg *registry.Registry) *handler.Module {
	reg.RegisterRestorer(registry.KindSSH, func(meta registry.Meta) (any, error) {
		return nil, fmt.Errorf("sshsession: handle %s lost its live connection and cannot be restored without credentials; call reauth", meta.HandleID)
	})

	return &handler.Module{
		Name: "ssh",
		Functions: map[string]handler.Func{
			"connect":    connectFn,
			"reauth":     reauthFn,
			"run":        runFn,
			"disconnect": disconnectFn,
		},
		HandleParam: map[string]string{
			"reauth":     "handle",
			"run":        "handle",
			"disconnect": "handle",
		},
	}
}

type connectArgs struct {
	Host           string `param:"host"`
	Port           int    `param:"port"`
	User           string `param:"user"`
	Password       string `param:"password"`
	PrivateKey     string `param:"private_key"`
	TimeoutSeconds int    `param:"timeout_s"`
}

func connectFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args connectArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}

	client, err := dial(args)
	if err != nil {
		return nil, err
	}

	id, err := f.Allocate(registry.KindSSH, "")
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := f.Bind(id, &session{client: client, host: args.Host, port: args.Port, user: args.User}); err != nil {
		client.Close()
		return nil, err
	}
	if err := f.Persist(id, func(m registry.Meta) registry.Meta {
		m.Parameters = map[string]any{"host": args.Host, "port": args.Port, "user": args.User}
		return m
	}); err != nil {
		return nil, err
	}

	return map[string]any{"success": true, "handle": id}, nil
}

type reauthArgs struct {
	Handle     string `param:"handle"`
	Password   string `param:"password"`
	PrivateKey string `param:"private_key"`
}

// reauthFn redials a session whose live connection was lost (process
// restart, dropped TCP connection) using the same handle ID and the
// caller-resupplied secret, rather than minting a new handle — callers
// holding the old ID should keep working after a reauth.
func reauthFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args reauthArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}
	meta, err := f.Describe(args.Handle)
	if err != nil {
		return nil, err
	}
	host, _ := meta.Parameters["host"].(string)
	user, _ := meta.Parameters["user"].(string)
	port, _ := toInt(meta.Parameters["port"])
	if host == "" || user == "" {
		return nil, fmt.Errorf("sshsession: handle %s has no reconnection parameters", args.Handle)
	}

	client, err := dial(connectArgs{Host: host, Port: port, User: user, Password: args.Password, PrivateKey: args.PrivateKey})
	if err != nil {
		return nil, err
	}
	if err := f.Bind(args.Handle, &session{client: client, host: host, port: port, user: user}); err != nil {
		client.Close()
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

type runArgs struct {
	Handle         string `param:"handle"`
	Command        string `param:"command"`
	TimeoutSeconds int    `param:"timeout_s"`
}

func runFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args runArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}
	native, err := f.Resolve(args.Handle)
	if err != nil {
		return nil, err
	}
	s := native.(*session)

	sshSession, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshsession: open channel: %w", err)
	}
	defer sshSession.Close()

	var stdout, stderr bytes.Buffer
	sshSession.Stdout = &stdout
	sshSession.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sshSession.Run(args.Command) }()

	select {
	case <-ctx.Done():
		sshSession.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case runErr := <-done:
		exitCode := 0
		if runErr != nil {
			if exitErr, ok := runErr.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return nil, fmt.Errorf("sshsession: run: %w", runErr)
			}
		}
		return map[string]any{
			"success":   true,
			"stdout":    stdout.String(),
			"stderr":    stderr.String(),
			"exit_code": exitCode,
		}, nil
	}
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
	s := native.(*session)
	if err := s.client.Close(); err != nil {
		return nil, err
	}
	if err := f.Release(args.Handle); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func dial(args connectArgs) (*ssh.Client, error) {
	auths := make([]ssh.AuthMethod, 0, 2)
	if args.PrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(args.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("sshsession: parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if args.Password != "" {
		auths = append(auths, ssh.Password(args.Password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("sshsession: connect: no credential supplied")
	}

	timeout := time.Duration(args.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	config := &ssh.ClientConfig{
		User:            args.User,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	port := args.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(args.Host, fmt.Sprintf("%d", port))

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("sshsession: dial %s: %w", addr, err)
	}
	return client, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
