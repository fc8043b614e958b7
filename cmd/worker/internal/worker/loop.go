// Package worker runs the claim loop: it keeps up to MaxParallelJobs pipeline
// runs in flight, heartbeats their claims and drains them on shutdown.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/houzhh15/scribeq/cmd/worker/internal/metrics"
	"github.com/houzhh15/scribeq/cmd/worker/internal/queue"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
)

// Claimer is the queue side of the loop. queue.Queue satisfies it.
type Claimer interface {
	Claim(ctx context.Context) (*queue.Claim, bool, error)
	Heartbeat(ctx context.Context, c *queue.Claim) error
	Depth(ctx context.Context) (int, error)
}

// Runner processes one claim. orchestrator.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, claim *queue.Claim, drain <-chan struct{}) queue.Outcome
}

// Config holds the loop timings.
type Config struct {
	MaxParallelJobs     int
	PollInterval        time.Duration
	PollBackoffMax      time.Duration
	HeartbeatInterval   time.Duration
	ShutdownGrace       time.Duration
	DepthSampleInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallelJobs < 1 {
		c.MaxParallelJobs = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollBackoffMax < c.PollInterval {
		c.PollBackoffMax = c.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.DepthSampleInterval <= 0 {
		c.DepthSampleInterval = 15 * time.Second
	}
	return c
}

// Loop is the worker main loop. A Loop runs once.
type Loop struct {
	cfg     Config
	claimer Claimer
	runner  Runner
	logger  *slog.Logger

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inflight atomic.Int64
	lastTick atomic.Int64 // unix nanos
	now      func() time.Time
}

// New creates a loop.
func New(cfg Config, claimer Claimer, runner Runner, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Loop{
		cfg:     cfg,
		claimer: claimer,
		runner:  runner,
		logger:  log.With("component", "worker_loop"),
		sem:     semaphore.NewWeighted(int64(cfg.MaxParallelJobs)),
		now:     time.Now,
	}
}

// Run claims and processes videos until ctx is cancelled. It then stops
// claiming, closes the drain channel so runs stop after their current stage,
// and waits for them. Runs still going after ShutdownGrace get their context
// cancelled; their leases expire if they cannot release.
func (l *Loop) Run(ctx context.Context) error {
	drain := make(chan struct{})
	// Run contexts outlive ctx until the grace period is over.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		l.sampleDepth(ctx)
	}()

	l.logger.Info("worker loop started",
		"max_parallel_jobs", l.cfg.MaxParallelJobs,
		"poll_interval", l.cfg.PollInterval,
		"poll_backoff_max", l.cfg.PollBackoffMax,
	)

	backoff := l.cfg.PollInterval
	for {
		l.tick()
		if !l.acquireSlot(ctx) {
			break
		}

		claim, ok, err := l.claimer.Claim(ctx)
		if err != nil || !ok {
			l.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			if err != nil {
				l.logger.Warn("claim failed", "error", err, "retry_in", backoff)
			}
			if !sleepCtx(ctx, backoff) {
				break
			}
			backoff = nextBackoff(backoff, l.cfg.PollBackoffMax)
			continue
		}

		backoff = l.cfg.PollInterval
		l.wg.Add(1)
		l.inflight.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.sem.Release(1)
			defer l.inflight.Add(-1)
			l.process(runCtx, claim, drain)
		}()
	}

	close(drain)
	l.logger.Info("worker loop draining", "inflight", l.inflight.Load(), "grace", l.cfg.ShutdownGrace)
	l.shutdown(cancelRuns)
	<-samplerDone
	l.logger.Info("worker loop stopped")
	return nil
}

// acquireSlot waits for a free run slot. It wakes every PollInterval to
// refresh liveness while the worker is saturated. false means ctx is done.
func (l *Loop) acquireSlot(ctx context.Context) bool {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.cfg.PollInterval)
		err := l.sem.Acquire(waitCtx, 1)
		cancel()
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		l.tick()
	}
}

func (l *Loop) shutdown(cancelRuns context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(l.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	l.logger.Warn("shutdown grace elapsed, cancelling runs", "inflight", l.inflight.Load())
	cancelRuns()
	<-done
}

// process runs one claim with a heartbeat alongside. A lost claim cancels the run.
func (l *Loop) process(parent context.Context, claim *queue.Claim, drain <-chan struct{}) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log := l.logger.With("video_id", claim.VideoID(), "attempt", claim.Video.AttemptCount)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		l.heartbeat(ctx, cancel, claim, log)
	}()

	out := l.runner.Run(ctx, claim, drain)
	cancel()
	<-hbDone

	switch {
	case out.ClaimLost:
		log.Warn("run ended without owning the claim", "stage", out.Stage)
	case out.Err != nil:
		log.Info("run released", "state", out.State, "stage", out.Stage, "error", out.Err)
	default:
		log.Info("run released", "state", out.State)
	}
}

func (l *Loop) heartbeat(ctx context.Context, cancel context.CancelFunc, claim *queue.Claim, log *slog.Logger) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.claimer.Heartbeat(ctx, claim)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrClaimLost):
				log.Warn("heartbeat found claim lost, cancelling run")
				cancel()
				return
			case ctx.Err() != nil:
				return
			default:
				// Keep going; the lease covers a few missed beats.
				log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (l *Loop) sampleDepth(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.DepthSampleInterval)
	defer ticker.Stop()

	for {
		if _, err := l.claimer.Depth(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("queue depth sample failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *Loop) tick() {
	now := l.now()
	l.lastTick.Store(now.UnixNano())
	metrics.MarkAlive(now)
}

// LastTick returns when the loop last made progress. Zero before Run.
func (l *Loop) LastTick() time.Time {
	n := l.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Alive reports whether the loop ticked within maxAge.
func (l *Loop) Alive(maxAge time.Duration) bool {
	last := l.LastTick()
	return !last.IsZero() && l.now().Sub(last) <= maxAge
}

// Inflight returns the number of runs in progress.
func (l *Loop) Inflight() int { return int(l.inflight.Load()) }

func nextBackoff(current, limit time.Duration) time.Duration {
	next := current * 2
	if next > limit || next <= 0 {
		return limit
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
