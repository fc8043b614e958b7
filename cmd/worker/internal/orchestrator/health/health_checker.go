// Package health runs periodic probes against the worker's collaborators
// (store, external tools) and tracks consecutive failures.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe is one dependency to check.
type Probe interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc struct {
	ProbeName string
	Check     func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                          { return p.ProbeName }
func (p ProbeFunc) HealthCheck(ctx context.Context) error { return p.Check(ctx) }

// ServiceStatus represents the current health state of one probe.
type ServiceStatus struct {
	IsHealthy        bool      `json:"is_healthy"`
	LastCheckTime    time.Time `json:"last_check_time"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// HealthChecker performs periodic health checks. A probe is marked unhealthy
// only after failThreshold consecutive failures.
type HealthChecker struct {
	probes        []Probe
	status        map[string]*ServiceStatus
	mu            sync.RWMutex
	checkInterval time.Duration
	checkTimeout  time.Duration
	failThreshold int
	stopChan      chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

// NewHealthChecker creates a checker. Probes start healthy.
func NewHealthChecker(probes []Probe, checkInterval time.Duration, failThreshold int, logger *slog.Logger) *HealthChecker {
	if failThreshold < 1 {
		failThreshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	status := make(map[string]*ServiceStatus, len(probes))
	for _, p := range probes {
		status[p.Name()] = &ServiceStatus{IsHealthy: true, LastCheckTime: time.Now()}
	}
	return &HealthChecker{
		probes:        probes,
		status:        status,
		checkInterval: checkInterval,
		checkTimeout:  10 * time.Second,
		failThreshold: failThreshold,
		stopChan:      make(chan struct{}),
		logger:        logger.With("component", "health"),
	}
}

// Start checks immediately, then every checkInterval until Stop or ctx is done.
// It blocks; run it in a goroutine.
func (hc *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	hc.CheckNow(ctx)
	for {
		select {
		case <-ticker.C:
			hc.CheckNow(ctx)
		case <-hc.stopChan:
			hc.logger.Info("health checker stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckNow runs every probe once.
func (hc *HealthChecker) CheckNow(ctx context.Context) {
	for _, p := range hc.probes {
		hc.performCheck(ctx, p)
	}
}

func (hc *HealthChecker) performCheck(ctx context.Context, p Probe) {
	checkCtx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
	defer cancel()

	err := p.HealthCheck(checkCtx)

	hc.mu.Lock()
	defer hc.mu.Unlock()

	st := hc.status[p.Name()]
	st.LastCheckTime = time.Now()
	if err == nil {
		if !st.IsHealthy {
			hc.logger.Info("probe recovered", "probe", p.Name())
		}
		st.IsHealthy = true
		st.ConsecutiveFails = 0
		st.ErrorMessage = ""
		return
	}

	st.ConsecutiveFails++
	st.ErrorMessage = fmt.Sprintf("health check failed: %v", err)
	if st.ConsecutiveFails >= hc.failThreshold {
		if st.IsHealthy {
			hc.logger.Error("probe marked unhealthy", "probe", p.Name(), "consecutive_fails", st.ConsecutiveFails, "error", err)
		}
		st.IsHealthy = false
	} else {
		hc.logger.Warn("probe failed", "probe", p.Name(), "attempt", st.ConsecutiveFails, "threshold", hc.failThreshold, "error", err)
	}
}

// GetStatus returns a copy of every probe's status keyed by probe name.
func (hc *HealthChecker) GetStatus() map[string]ServiceStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(hc.status))
	for name, st := range hc.status {
		out[name] = *st
	}
	return out
}

// Ready reports whether every probe is healthy, and the names of those that are not.
func (hc *HealthChecker) Ready() (bool, []string) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	var failing []string
	for name, st := range hc.status {
		if !st.IsHealthy {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return len(failing) == 0, failing
}

// Stop terminates Start. Safe to call more than once.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}
