// Package httpagent is the HTTP plumbing handler module (spec's "HTTP
// plumbing" external collaborator, §1): a cookie-jar-backed user agent
// that can issue repeated requests against a host while carrying
// session cookies across calls, addressed by the same handle contract
// as the database and ssh modules.
//
// Grounded on github.com/hashicorp/go-retryablehttp, a direct
// dependency the retrieval pack uses for exactly this "resilient HTTP
// client" role; wrapped around the standard library's cookiejar so
// the handle's native resource carries session state the way a real
// browser-style agent would.
package httpagent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/registry"
)

// agent is the native resource bound to a KindHTTPAgent handle.
type agent struct {
	client  *retryablehttp.Client
	jar     *cookiejar.Jar
	baseURL string
}

// New builds the httpagent module. Its restorer rebuilds a fresh
// client and empty jar from the persisted base URL — any cookies
// accumulated mid-session are lost across a restart, matching spec's
// "secrets redacted, session state is daemon-mode-only" posture for
// every handle kind, not just ones carrying credentials.
func New(reg *registry.Registry) *handler.Module {
	reg.RegisterRestorer(registry.KindHTTPAgent, func(meta registry.Meta) (any, error) {
		baseURL, _ := meta.Parameters["base_url"].(string)
		return newAgent(baseURL)
	})

	return &handler.Module{
		Name: "http_agent",
		Functions: map[string]handler.Func{
			"create":  createFn,
			"request": requestFn,
			"close":   closeFn,
		},
		HandleParam: map[string]string{
			"request": "handle",
			"close":   "handle",
		},
	}
}

type createArgs struct {
	BaseURL        string `param:"base_url"`
	TimeoutSeconds int    `param:"timeout_s"`
}

func createFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args createArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}

	a, err := newAgent(args.BaseURL)
	if err != nil {
		return nil, err
	}
	if args.TimeoutSeconds > 0 {
		a.client.HTTPClient.Timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}

	id, err := f.Allocate(registry.KindHTTPAgent, "")
	if err != nil {
		return nil, err
	}
	if err := f.Bind(id, a); err != nil {
		return nil, err
	}
	if err := f.Persist(id, func(m registry.Meta) registry.Meta {
		m.Parameters = map[string]any{"base_url": args.BaseURL}
		return m
	}); err != nil {
		return nil, err
	}

	return map[string]any{"success": true, "handle": id}, nil
}

type requestArgs struct {
	Handle  string            `param:"handle"`
	Method  string            `param:"method"`
	Path    string            `param:"path"`
	Headers map[string]string `param:"headers"`
	Body    string            `param:"body"`
}

func requestFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args requestArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}
	native, err := f.Resolve(args.Handle)
	if err != nil {
		return nil, err
	}
	a := native.(*agent)

	target, err := resolveURL(a.baseURL, args.Path)
	if err != nil {
		return nil, err
	}

	method := args.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if args.Body != "" {
		body = bytes.NewBufferString(args.Body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("httpagent: build request: %w", err)
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpagent: request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpagent: read response: %w", err)
	}

	return map[string]any{
		"success":     true,
		"status_code": resp.StatusCode,
		"headers":     flattenHeader(resp.Header),
		"body":        string(respBody),
	}, nil
}

type handleArgs struct {
	Handle string `param:"handle"`
}

func closeFn(ctx context.Context, params map[string]any, f handler.Facade) (any, error) {
	var args handleArgs
	if err := handler.Bind(params, &args); err != nil {
		return nil, err
	}
	if _, err := f.Resolve(args.Handle); err != nil {
		return nil, err
	}
	if err := f.Release(args.Handle); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func newAgent(baseURL string) (*agent, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("httpagent: build cookie jar: %w", err)
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 3
	client.HTTPClient.Jar = jar
	client.HTTPClient.Timeout = 30 * time.Second

	return &agent{client: client, jar: jar, baseURL: baseURL}, nil
}

func resolveURL(baseURL, path string) (string, error) {
	if path == "" {
		return baseURL, nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("httpagent: parse base_url: %w", err)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("httpagent: parse path: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
