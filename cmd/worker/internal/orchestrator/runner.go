// Package orchestrator drives one claimed video through the pipeline:
// download, transcode, chunk, transcribe, merge, diarize, persist.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/houzhh15/scribeq/cmd/worker/internal/metrics"
	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/diarize"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/whisper"
	"github.com/houzhh15/scribeq/cmd/worker/internal/queue"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
	"github.com/houzhh15/scribeq/pkg/logger"
)

// releaseTimeout bounds the final Release when the run context is already gone.
const releaseTimeout = 15 * time.Second

// Queue is the part of queue.Queue the runner writes through.
type Queue interface {
	SetStage(ctx context.Context, c *queue.Claim, stage models.VideoState) error
	SaveTranscript(ctx context.Context, c *queue.Claim, t *models.Transcript) error
	LoadTranscript(ctx context.Context, videoID string) (*models.Transcript, error)
	Release(ctx context.Context, c *queue.Claim, o queue.Outcome) error
}

// MediaTools runs the external media tools. dependency.Client satisfies it.
type MediaTools interface {
	Download(ctx context.Context, videoID, sourceRef string, timeout time.Duration) (string, error)
	ConvertAudio(ctx context.Context, inputPath, outputPath string, sampleRate int) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
	ExtractChunk(ctx context.Context, inputPath, outputPath string, start, duration float64, sampleRate int) error
	Paths() *dependency.PathManager
}

// EnginePool hands out transcription engines. whisper.Pool satisfies it.
type EnginePool interface {
	Acquire(ctx context.Context) (*whisper.Handle, error)
	Release(ctx context.Context, h *whisper.Handle)
}

// Diarizer produces speaker spans for a whole recording. diarize.Pyannote satisfies it.
type Diarizer interface {
	Diarize(ctx context.Context, audioPath, outputPath string) ([]diarize.Span, error)
}

// RunnerConfig holds the pipeline settings.
type RunnerConfig struct {
	ChunkSeconds    float64
	ChunkOverlap    float64
	SampleRate      int
	DownloadTimeout time.Duration
	MaxAttempts     int
	KeepArtifacts   bool
	Language        string

	DiarizationEnabled  bool
	DiarizationRequired bool
}

// Runner executes pipeline runs. One Runner serves every concurrent run of a
// worker; per-run state lives in runState.
type Runner struct {
	cfg      RunnerConfig
	queue    Queue
	tools    MediaTools
	engines  EnginePool
	diarizer Diarizer
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a runner. diarizer may be nil when diarization is disabled.
func NewRunner(cfg RunnerConfig, q Queue, tools MediaTools, engines EnginePool, diarizer Diarizer, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if diarizer == nil {
		cfg.DiarizationEnabled = false
	}
	return &Runner{
		cfg:      cfg,
		queue:    q,
		tools:    tools,
		engines:  engines,
		diarizer: diarizer,
		logger:   log.With("component", "runner"),
		now:      time.Now,
	}
}

// Run processes one claim until a terminal or retry state is written, and
// returns what was written. drain is closed when the worker stops claiming;
// the run then stops before the next stage and releases the video to pending.
// Release is called exactly once unless the claim was lost.
func (r *Runner) Run(ctx context.Context, claim *queue.Claim, drain <-chan struct{}) queue.Outcome {
	rs := &runState{claim: claim, videoID: claim.VideoID(), paths: r.tools.Paths()}
	log := r.logger.With("video_id", rs.videoID, "attempt", claim.Video.AttemptCount)

	metrics.InflightRuns.Inc()
	defer metrics.InflightRuns.Dec()

	// A worker that died mid-run never released, so a transient failure never
	// got to check the cap. The reclaim counted as one more attempt.
	if claim.Video.AttemptCount > r.cfg.MaxAttempts {
		stage, ok := claim.Video.FurthestStage()
		if !ok {
			stage = models.VideoClaimed
		}
		log.Warn("attempt cap exceeded on reclaim", "max_attempts", r.cfg.MaxAttempts, "stage", stage)
		return r.finish(ctx, rs, stage, NewAttemptsExhaustedError(stage))
	}

	start := r.resumeStage(ctx, rs, log)
	log.Info("pipeline run started", "resume_stage", start)

	for _, st := range r.stages() {
		if models.StageIndex(st.state) < models.StageIndex(start) || st.skip(rs) {
			continue
		}

		select {
		case <-drain:
			return r.finish(ctx, rs, st.state, NewShutdownError(st.state, errors.New("worker draining")))
		default:
		}
		if ctx.Err() != nil {
			return r.finish(ctx, rs, st.state, NewShutdownError(st.state, ctx.Err()))
		}

		if !rs.entered(st.state) {
			if err := r.queue.SetStage(ctx, claim, st.state); err != nil {
				return r.finish(ctx, rs, st.state, r.persistError(st.state, err))
			}
		}

		began := r.now()
		logger.LogStage(log, rs.videoID, string(st.state), "start", 0, "")
		err := st.run(ctx, rs)
		elapsed := r.now().Sub(began)
		metrics.RecordStageDuration(string(st.state), elapsed)

		if err != nil {
			if ctx.Err() != nil && ClassOf(err) == ClassTransient {
				err = NewShutdownError(st.state, err)
			}
			logger.LogStage(log, rs.videoID, string(st.state), "error", elapsed.Milliseconds(), string(CodeOf(err)))
			return r.finish(ctx, rs, st.state, err)
		}
		logger.LogStage(log, rs.videoID, string(st.state), "success", elapsed.Milliseconds(), "")
	}

	return r.finish(ctx, rs, models.VideoCompleted, nil)
}

func (r *Runner) persistError(stage models.VideoState, err error) error {
	if errors.Is(err, store.ErrClaimLost) {
		return err
	}
	return NewPersistError(stage, err)
}

// outcomeFor maps a stage error onto the state Release writes.
func (r *Runner) outcomeFor(rs *runState, stage models.VideoState, err error) queue.Outcome {
	if err == nil {
		return queue.Outcome{State: models.VideoCompleted, Stage: stage, Transcript: rs.pendingTranscript()}
	}

	o := queue.Outcome{Stage: stage, Err: err, LastError: err.Error()}
	switch {
	case CodeOf(err) == SHUTDOWN:
		o.State = models.VideoPending
		o.RefundAttempt = true
	case CodeOf(err) == ATTEMPTS_EXHAUSTED:
		o.State = models.VideoFailed
		if prev := rs.claim.Video.LastError; prev.Valid && prev.String != "" {
			o.LastError = prev.String + "; " + o.LastError
		}
	case ClassOf(err) != ClassTransient:
		o.State = models.VideoFailed
	case rs.claim.Video.AttemptCount >= r.cfg.MaxAttempts:
		o.State = models.VideoFailed
	default:
		o.State = models.VideoPending
	}
	return o
}

// finish releases the claim. It runs on a detached context so a cancelled run
// still records its outcome.
func (r *Runner) finish(ctx context.Context, rs *runState, stage models.VideoState, err error) queue.Outcome {
	log := r.logger.With("video_id", rs.videoID)

	if errors.Is(err, store.ErrClaimLost) {
		log.Warn("claim lost, abandoning run", "stage", stage)
		metrics.RecordOutcome("lost")
		return queue.Outcome{Stage: stage, Err: err, ClaimLost: true}
	}

	o := r.outcomeFor(rs, stage, err)

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if relErr := r.queue.Release(releaseCtx, rs.claim, o); relErr != nil {
		if errors.Is(relErr, store.ErrClaimLost) {
			log.Warn("claim lost before release", "stage", stage, "state", o.State)
			metrics.RecordOutcome("lost")
			o.ClaimLost = true
			return o
		}
		// The lease will expire and another claim retries the video.
		log.Error("release failed", "stage", stage, "state", o.State, "error", relErr)
		metrics.RecordOutcome("release_error")
		if o.Err == nil {
			o.Err = relErr
		}
		return o
	}

	switch o.State {
	case models.VideoCompleted:
		metrics.RecordOutcome("completed")
		log.Info("pipeline run completed", "segments", rs.segmentCount())
	case models.VideoFailed:
		metrics.RecordOutcome("failed")
		log.Error("pipeline run failed", "stage", stage, "error_code", CodeOf(err), "class", ClassOf(err), "error", err)
	default:
		if CodeOf(err) == SHUTDOWN {
			metrics.RecordOutcome("released")
		} else {
			metrics.RecordOutcome("retry")
		}
		log.Warn("pipeline run will be retried", "stage", stage, "error_code", CodeOf(err), "error", err)
	}

	if o.State.Terminal() && !r.cfg.KeepArtifacts {
		if rmErr := rs.paths.RemoveVideoDir(rs.videoID); rmErr != nil {
			log.Warn("failed to remove artifacts", "error", rmErr)
		}
	}
	return o
}
