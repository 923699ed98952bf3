// Package health implements the ambient health-check registry served
// by the httpapi's /healthz endpoint: named checks run on an interval,
// rolled up into an overall status (spec §10 ambient stack).
package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is a health check's result.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one registered health check.
type Check struct {
	Name      string                                  `json:"name"`
	Status    Status                                   `json:"status"`
	Message   string                                   `json:"message"`
	LastCheck time.Time                                `json:"last_check"`
	CheckFunc func(context.Context) (Status, string)   `json:"-"`
	Interval  time.Duration                            `json:"-"`
}

// Checker holds and runs the registered checks.
type Checker struct {
	checks map[string]*Check
	mu     sync.RWMutex
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{checks: make(map[string]*Check)}
}

// Register adds a named check run on the given interval.
func (h *Checker) Register(name string, checkFunc func(context.Context) (Status, string), interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[name] = &Check{
		Name:      name,
		Status:    StatusHealthy,
		Message:   "not checked yet",
		CheckFunc: checkFunc,
		Interval:  interval,
	}
}

// RunAll runs every registered check synchronously and returns a copy
// of the results.
func (h *Checker) RunAll(ctx context.Context) map[string]*Check {
	h.mu.Lock()
	defer h.mu.Unlock()

	results := make(map[string]*Check, len(h.checks))
	for name, check := range h.checks {
		status, message := check.CheckFunc(ctx)
		check.Status = status
		check.Message = message
		check.LastCheck = time.Now()

		results[name] = &Check{Name: check.Name, Status: check.Status, Message: check.Message, LastCheck: check.LastCheck}
	}
	return results
}

// OverallStatus rolls every check's status up to a single value.
func (h *Checker) OverallStatus() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	hasUnhealthy, hasDegraded := false, false
	for _, check := range h.checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// Snapshot renders the current state as a /healthz-ready map.
func (h *Checker) Snapshot() map[string]interface{} {
	h.mu.RLock()
	checks := make([]map[string]interface{}, 0, len(h.checks))
	for _, check := range h.checks {
		checks = append(checks, map[string]interface{}{
			"name":       check.Name,
			"status":     check.Status,
			"message":    check.Message,
			"last_check": check.LastCheck,
		})
	}
	h.mu.RUnlock()

	return map[string]interface{}{
		"status":    h.OverallStatus(),
		"checks":    checks,
		"timestamp": time.Now(),
	}
}

// StartPeriodic runs each check on its own ticker until ctx is done.
func (h *Checker) StartPeriodic(ctx context.Context) {
	h.mu.RLock()
	checks := make([]*Check, 0, len(h.checks))
	for _, check := range h.checks {
		checks = append(checks, check)
	}
	h.mu.RUnlock()

	for _, check := range checks {
		check := check
		go func() {
			ticker := time.NewTicker(check.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					status, message := check.CheckFunc(ctx)
					h.mu.Lock()
					check.Status = status
					check.Message = message
					check.LastCheck = time.Now()
					h.mu.Unlock()
				}
			}
		}()
	}
}

// DatabaseCheck pings the Storage Writer's connection pool.
func DatabaseCheck(pingFunc func(context.Context) error) func(context.Context) (Status, string) {
	return func(ctx context.Context) (Status, string) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := pingFunc(ctx); err != nil {
			return StatusUnhealthy, "database ping failed: " + err.Error()
		}
		return StatusHealthy, "database reachable"
	}
}

// MQTTBrokerCheck reports the Ingress or Command Service broker
// connection state.
func MQTTBrokerCheck(isConnected func() bool) func(context.Context) (Status, string) {
	return func(ctx context.Context) (Status, string) {
		if !isConnected() {
			return StatusUnhealthy, "broker disconnected"
		}
		return StatusHealthy, "broker connected"
	}
}

// StorageBacklogCheck flags a growing unflushed buffer — a sign the DB
// flush path is stuck or falling behind.
func StorageBacklogCheck(pendingRows func() int, warnAt, criticalAt int) func(context.Context) (Status, string) {
	return func(ctx context.Context) (Status, string) {
		pending := pendingRows()
		switch {
		case pending >= criticalAt:
			return StatusUnhealthy, fmt.Sprintf("storage backlog critical: %d rows pending", pending)
		case pending >= warnAt:
			return StatusDegraded, fmt.Sprintf("storage backlog high: %d rows pending", pending)
		default:
			return StatusHealthy, fmt.Sprintf("storage backlog normal: %d rows pending", pending)
		}
	}
}

// CacheSizeCheck flags unbounded State Cache growth — devices that
// never go offline and never get evicted.
func CacheSizeCheck(sizeFunc func() (telemetry, metadata int), warnAt int) func(context.Context) (Status, string) {
	return func(ctx context.Context) (Status, string) {
		telemetry, metadata := sizeFunc()
		total := telemetry + metadata
		if total >= warnAt {
			return StatusDegraded, fmt.Sprintf("state cache large: %d telemetry, %d metadata entries", telemetry, metadata)
		}
		return StatusHealthy, fmt.Sprintf("state cache normal: %d telemetry, %d metadata entries", telemetry, metadata)
	}
}
