// Package validate implements the bridge daemon's request validator
// (spec §4.D): message-size checks, identifier shape checks, and a
// whole-identifier (never substring) allow-list of (module, function)
// pairs.
//
// Spec §9 calls out a real historical bug this package is designed to
// make structurally impossible: a function named execute_immediate must
// never be rejected because it contains the token "exec". Validate
// never does substring matching against forbidden tokens — only exact
// map lookups against an explicit allow-list.
package validate

import (
	"fmt"
	"regexp"

	"golang.org/x/time/rate"

	"github.com/CodeAmalgamation/bridged/message"
)

// identifierPattern matches spec §3's module/function identifier shape:
// lowercase, starting with a letter or underscore.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// SecurityError marks a rejection as error_kind=security (spec §4.D).
type SecurityError struct{ msg string }

func (e *SecurityError) Error() string { return e.msg }

func security(format string, args ...any) error {
	return &SecurityError{msg: fmt.Sprintf(format, args...)}
}

// ModuleAllowList is what one handler module publishes: its own name
// plus the function names it considers safe to invoke (spec §4.D,
// handler.Module.AllowList).
type ModuleAllowList struct {
	Module    string
	Functions map[string]bool
	// Exempt marks a module trusted as a whole — every function name is
	// allowed without appearing in Functions individually. Reserved for
	// the built-in "system" module (spec §4.I).
	Exempt bool
}

// Validator is the allow-list plus an optional per-module rate limiter
// layered in front of the resource manager's global sliding window
// (spec §4.C is the global signal; this is a finer-grained, per-module
// defense-in-depth guard grounded on the teacher's
// middleware.RateLimitMiddleware token-bucket pattern).
type Validator struct {
	maxMessageSize int
	modules        map[string]*ModuleAllowList
	limiters       map[string]*rate.Limiter // keyed by module, nil entry = unlimited
}

// Option configures a Validator at construction time.
type Option func(*Validator)

// WithModuleRateLimit adds a token-bucket limiter for one module. r is
// the refill rate in requests/second, burst the bucket size. Per the
// teacher's CRITICAL comment in rate_limit_middleware.go, the limiter
// must be constructed once here (at Validator build time) and shared
// across every request — never recreated per call.
func WithModuleRateLimit(module string, r float64, burst int) Option {
	return func(v *Validator) {
		v.limiters[module] = rate.NewLimiter(rate.Limit(r), burst)
	}
}

// New builds a Validator with the given max message size and allow-list.
func New(maxMessageSize int, modules []ModuleAllowList, opts ...Option) *Validator {
	v := &Validator{
		maxMessageSize: maxMessageSize,
		modules:        make(map[string]*ModuleAllowList, len(modules)),
		limiters:       make(map[string]*rate.Limiter),
	}
	for i := range modules {
		m := modules[i]
		v.modules[m.Module] = &m
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// CheckSize enforces the configured maximum message size (spec §4.D
// point 1, scenario S6).
func (v *Validator) CheckSize(n int) error {
	if v.maxMessageSize > 0 && n > v.maxMessageSize {
		return security("message size %d exceeds maximum %d", n, v.maxMessageSize)
	}
	return nil
}

// Validate checks a decoded request's shape and allow-list membership.
// It never performs substring matching: module/function lookups are
// exact map keys only (spec §4.D, §8 property 5).
func (v *Validator) Validate(req *message.Request) error {
	if !identifierPattern.MatchString(req.Module) {
		return security("malformed module name %q", req.Module)
	}
	if !identifierPattern.MatchString(req.Function) {
		return security("malformed function name %q", req.Function)
	}

	mod, ok := v.modules[req.Module]
	if !ok {
		return security("module %q is not registered", req.Module)
	}

	if !mod.Exempt {
		if !mod.Functions[req.Function] {
			return security("function %q is not in the %q allow-list", req.Function, req.Module)
		}
	}

	if limiter, ok := v.limiters[req.Module]; ok && limiter != nil {
		if !limiter.Allow() {
			return security("module %q rate limit exceeded", req.Module)
		}
	}

	return nil
}
