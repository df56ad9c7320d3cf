// Package health reports whether a running tuning session is keeping up:
// the audio input is delivering frames, progress writes are draining and
// the database answers.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check performs one health check.
type Check func(ctx context.Context) CheckResult

type component struct {
	critical bool
	check    Check
}

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Checker runs registered checks and aggregates them.
type Checker struct {
	mu         sync.RWMutex
	components map[string]component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
	timeout    time.Duration
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
		timeout:    DefaultTimeout,
	}
}

// Register adds a check. A critical check that fails makes the whole
// session unhealthy; others only degrade it.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{critical: critical, check: check}
	c.results[name] = CheckResult{Status: StatusUnknown}
}

// SetReady marks the session as started or stopped.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every registered check concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(names))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for _, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := c.CheckComponent(ctx, name)
			rmu.Lock()
			results[name] = res
			rmu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// CheckComponent runs one check with the checker's timeout. A check that
// panics or overruns is unhealthy.
func (c *Checker) CheckComponent(ctx context.Context, name string) (CheckResult, bool) {
	c.mu.RLock()
	comp, ok := c.components[name]
	c.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.check(ctx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)

	c.mu.Lock()
	c.results[name] = result
	c.mu.Unlock()
	return result, true
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := StatusHealthy
	for name, result := range c.results {
		critical := c.components[name].critical
		switch result.Status {
		case StatusUnhealthy:
			if critical {
				return StatusUnhealthy
			}
			status = StatusDegraded
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		case StatusUnknown:
			if critical && status == StatusHealthy {
				status = StatusUnknown
			}
		}
	}
	return status
}

// Response is the body served by the health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Failing    []string               `json:"failing,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and summarises them.
func (c *Checker) Report(ctx context.Context) Response {
	components := c.Check(ctx)

	var failing []string
	for name, res := range components {
		if res.Status == StatusUnhealthy || res.Status == StatusDegraded {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)

	c.mu.RLock()
	ready, uptime := c.ready, time.Since(c.startTime)
	c.mu.RUnlock()

	return Response{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: components,
		Failing:    failing,
		Timestamp:  time.Now(),
	}
}

// HTTPHandler serves Report as JSON. Unhealthy sessions and sessions that
// are not running answer 503.
func (c *Checker) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Report(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !resp.Ready || resp.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})
}

// PingCheck wraps a connectivity check such as sql.DB.PingContext.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "ping failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// FreshnessCheck fails when last reports a time older than maxAge. A zero
// time means nothing has arrived yet and is reported as unknown.
func FreshnessCheck(last func() time.Time, maxAge time.Duration) Check {
	return func(ctx context.Context) CheckResult {
		t := last()
		if t.IsZero() {
			return CheckResult{Status: StatusUnknown, Message: "no data yet"}
		}
		age := time.Since(t)
		details := map[string]any{"age_ms": age.Milliseconds()}
		if age > maxAge {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("stale for %s", age.Round(time.Millisecond)), Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// BacklogCheck degrades when pending exceeds limit.
func BacklogCheck(pending func() int, limit int) Check {
	return func(ctx context.Context) CheckResult {
		n := pending()
		details := map[string]any{"pending": n, "limit": limit}
		if n > limit {
			return CheckResult{Status: StatusDegraded, Message: "backlog growing", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}

// DropCheck degrades when the counter moved since the previous run.
func DropCheck(count func() uint64) Check {
	var (
		mu   sync.Mutex
		seen uint64
	)
	return func(ctx context.Context) CheckResult {
		n := count()
		mu.Lock()
		delta := n - seen
		seen = n
		mu.Unlock()

		details := map[string]any{"total": n, "since_last_check": delta}
		if delta > 0 {
			return CheckResult{Status: StatusDegraded, Message: "input overflowed", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Details: details}
	}
}
