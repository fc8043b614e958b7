package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth 可领取视频数量（pending + 租约过期）
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribeq_queue_depth",
			Help: "Number of videos currently eligible for claiming",
		},
	)

	// ClaimsTotal 领取尝试计数
	// Labels: result (claimed/empty/error)
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeq_claims_total",
			Help: "Total number of claim attempts by result",
		},
		[]string{"result"},
	)

	// InflightRuns 正在执行的流水线数量
	InflightRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribeq_inflight_runs",
			Help: "Number of pipeline runs currently executing in this worker",
		},
	)

	// WorkerLiveness 最近一次调度循环的 unix 时间戳
	WorkerLiveness = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribeq_worker_liveness_timestamp_seconds",
			Help: "Unix time of the last worker loop iteration",
		},
	)

	// StageDuration 阶段耗时直方图（秒）
	// Labels: stage (downloading/transcoding/chunking/transcribing/diarizing)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribeq_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"stage"},
	)

	// PipelineOutcomes 流水线结束结果
	// Labels: outcome (completed/failed/retry/released/lost)
	PipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeq_pipeline_outcomes_total",
			Help: "Total number of finished pipeline runs by outcome",
		},
		[]string{"outcome"},
	)

	// ModelLoadAttempts 模型加载尝试
	// Labels: model, device, precision, status (success/error)
	ModelLoadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeq_model_load_attempts_total",
			Help: "Total number of transcription model load attempts",
		},
		[]string{"model", "device", "precision", "status"},
	)

	// ModelFallbacks 降级到更小模型的次数
	ModelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribeq_model_fallbacks_total",
			Help: "Total number of engine loads that settled on a smaller model than requested",
		},
		[]string{"from_model", "to_model"},
	)
)

// RecordClaim 记录一次领取结果
func RecordClaim(result string) {
	ClaimsTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth 设置队列深度
func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// MarkAlive 更新存活时间戳
func MarkAlive(now time.Time) {
	WorkerLiveness.Set(float64(now.Unix()))
}

// RecordStageDuration 记录阶段耗时（秒）
func RecordStageDuration(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordOutcome 记录流水线结果
func RecordOutcome(outcome string) {
	PipelineOutcomes.WithLabelValues(outcome).Inc()
}

// RecordModelLoad 记录一次模型加载
func RecordModelLoad(model, device, precision string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ModelLoadAttempts.WithLabelValues(model, device, precision, status).Inc()
}

// RecordModelFallback 记录模型降级
func RecordModelFallback(fromModel, toModel string) {
	ModelFallbacks.WithLabelValues(fromModel, toModel).Inc()
}
