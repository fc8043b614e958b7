package main

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/houzhh15/scribeq/cmd/worker/internal/config"
	"github.com/houzhh15/scribeq/cmd/worker/internal/middleware"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/health"
)

// livenessSource is the part of worker.Loop the liveness probe reads.
type livenessSource interface {
	Alive(maxAge time.Duration) bool
	LastTick() time.Time
	Inflight() int
}

// readinessSource is the part of health.HealthChecker the readiness probe reads.
type readinessSource interface {
	GetStatus() map[string]health.ServiceStatus
}

// HealthCheckResponse represents the response from the health check endpoint
type HealthCheckResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	WorkerID  string    `json:"worker_id"`
	Uptime    string    `json:"uptime"`
	LastTick  time.Time `json:"last_tick"`
	Inflight  int       `json:"inflight"`
	Timestamp time.Time `json:"timestamp"`
	Env       string    `json:"env"`
}

// ReadinessCheckResponse represents the response from the readiness check endpoint
type ReadinessCheckResponse struct {
	Ready     bool             `json:"ready"`
	Checks    []ReadinessCheck `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// ReadinessCheck represents a single readiness check
type ReadinessCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok" or "fail"
	Error  string `json:"error,omitempty"`
}

// livenessWindow is how stale the loop tick may be before /health fails.
// The loop sleeps at most PollBackoffMax between ticks.
func livenessWindow(cfg *config.Config) time.Duration {
	return 2*cfg.Worker.PollBackoffMax + 30*time.Second
}

func newOpsRouter(cfg *config.Config, loop livenessSource, checker readinessSource, log *slog.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log.With("component", "ops-http")))

	startTime := time.Now()
	r.GET("/health", healthCheckHandler(cfg, loop, startTime))
	r.GET("/readiness", readinessCheckHandler(checker))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// healthCheckHandler returns the liveness probe handler
func healthCheckHandler(cfg *config.Config, loop livenessSource, startTime time.Time) gin.HandlerFunc {
	window := livenessWindow(cfg)
	return func(c *gin.Context) {
		response := HealthCheckResponse{
			Status:    "healthy",
			Service:   "scribeq-worker",
			Version:   version,
			WorkerID:  cfg.Worker.ID,
			Uptime:    time.Since(startTime).String(),
			LastTick:  loop.LastTick(),
			Inflight:  loop.Inflight(),
			Timestamp: time.Now(),
			Env:       cfg.Server.Env,
		}
		status := http.StatusOK
		if !loop.Alive(window) {
			response.Status = "stalled"
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, response)
	}
}

// readinessCheckHandler returns the readiness probe handler
func readinessCheckHandler(checker readinessSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		statuses := checker.GetStatus()
		names := make([]string, 0, len(statuses))
		for name := range statuses {
			names = append(names, name)
		}
		sort.Strings(names)

		checks := make([]ReadinessCheck, 0, len(names))
		// 首次探测完成前不接流量
		allReady := len(names) > 0
		for _, name := range names {
			st := statuses[name]
			check := ReadinessCheck{Name: name, Status: "ok"}
			if !st.IsHealthy {
				check.Status = "fail"
				check.Error = st.ErrorMessage
				allReady = false
			}
			checks = append(checks, check)
		}

		httpStatus := http.StatusOK
		if !allReady {
			httpStatus = http.StatusServiceUnavailable
		}
		c.JSON(httpStatus, ReadinessCheckResponse{
			Ready:     allReady,
			Checks:    checks,
			Timestamp: time.Now(),
		})
	}
}
