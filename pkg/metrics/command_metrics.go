// Package metrics provides Prometheus metrics for external tool invocations
// (yt-dlp, ffmpeg, ffprobe, python helpers) made by the worker.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// commandExecutionTotal counts tool executions.
	// Labels:
	//   - command: tool name (e.g., "ffmpeg", "yt-dlp")
	//   - status: "success", "failed" or "timeout"
	commandExecutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeq_command_executions_total",
			Help: "Total number of external command executions",
		},
		[]string{"command", "status"},
	)

	// commandExecutionDuration observes tool wall time.
	// Buckets: 0.1s .. 30m, downloads and diarization of long media sit in the tail.
	commandExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribeq_command_duration_seconds",
			Help:    "Duration of external command executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
		},
		[]string{"command"},
	)

	// commandRejectedTotal counts requests refused by argument validation before execution.
	commandRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeq_command_rejected_total",
			Help: "Total number of external commands rejected by validation",
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(commandExecutionTotal)
	prometheus.MustRegister(commandExecutionDuration)
	prometheus.MustRegister(commandRejectedTotal)
}

// RecordCommandExecution records one finished command.
func RecordCommandExecution(command, status string) {
	commandExecutionTotal.WithLabelValues(command, status).Inc()
}

// RecordCommandDuration records the wall time of one command.
func RecordCommandDuration(command string, durationSeconds float64) {
	commandExecutionDuration.WithLabelValues(command).Observe(durationSeconds)
}

// RecordCommandRejected records a command refused before execution.
func RecordCommandRejected(command string) {
	commandRejectedTotal.WithLabelValues(command).Inc()
}
