// Package health runs the readiness checks of the assistant client and
// provides checks for its duplex connection, credential and local transcript.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/assistant-client/internal/auth"
	"github.com/p-blackswan/assistant-client/internal/conn"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	cache   map[string]Status
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		cache:   make(map[string]Status),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and caches results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)
			if s != StatusOK {
				c.logger.Debug().Str("check", n).Str("status", string(s)).Msg("check not ok")
			}
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	c.cache = results
	c.mu.Unlock()

	return results
}

// Last returns the results of the most recent run.
func (c *Checker) Last() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.cache))
	for k, v := range c.cache {
		out[k] = v
	}
	return out
}

func ready(results map[string]Status) bool {
	for _, s := range results {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// Report runs every check and returns the readiness body.
func (c *Checker) Report(ctx context.Context) (ok bool, body map[string]interface{}) {
	results := c.RunAll(ctx)
	ok = ready(results)
	body = map[string]interface{}{"checks": results, "status": "ready"}
	if !ok {
		body["status"] = "not_ready"
	}
	return ok, body
}

// StateReader reports the duplex connection state. *conn.Manager satisfies it.
type StateReader interface {
	State() conn.State
}

// ConnectionCheck is ok while the socket is connected. Any other state is
// degraded, since the HTTP stream still carries chat.
func ConnectionCheck(sr StateReader) CheckFunc {
	return func(ctx context.Context) Status {
		if sr.State() == conn.StateConnected {
			return StatusOK
		}
		return StatusDegraded
	}
}

// CredentialCheck is down when no fresh credential is available, since no
// message can be sent without one.
func CredentialCheck(src auth.Source, gate auth.Gate) CheckFunc {
	return func(ctx context.Context) Status {
		if gate.IsFresh(src.Current()) {
			return StatusOK
		}
		return StatusDown
	}
}

// Pinger is implemented by stores that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck reports degraded when p cannot be reached; the client keeps
// working without it.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return StatusDegraded
		}
		return StatusOK
	}
}
