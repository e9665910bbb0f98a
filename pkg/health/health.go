// Package health provides a small health-check registry and its HTTP
// handler.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusUp       Status = "UP"
	StatusDown     Status = "DOWN"
	StatusDegraded Status = "DEGRADED"
)

// Check is a single named health check.
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// Checker manages health checks.
type Checker struct {
	mu     sync.RWMutex
	checks []Check
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Register adds a check.
func (c *Checker) Register(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Check runs all registered checks and returns per-check errors.
func (c *Checker) Check(ctx context.Context) map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]error, len(c.checks))
	for _, check := range c.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// Handler serves the aggregate health as JSON. Any failing check yields 503.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		results := c.Check(ctx)
		status := StatusUp
		detail := make(map[string]string, len(results))
		for name, err := range results {
			if err != nil {
				status = StatusDown
				detail[name] = err.Error()
				continue
			}
			detail[name] = string(StatusUp)
		}

		w.Header().Set("Content-Type", "application/json")
		if status != StatusUp {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		//nolint:errcheck // best-effort write to the probe client
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": detail,
		})
	})
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheckFunc creates a named functional check.
func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Name() string                    { return c.name }
func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }
