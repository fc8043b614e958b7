package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/queue"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
)

type fakeClaimer struct {
	mu           sync.Mutex
	pending      []*queue.Claim
	claimCalls   int
	claimErrs    int
	heartbeatErr error
	heartbeats   int
	depthCalls   atomic.Int64
}

func newFakeClaimer(n int) *fakeClaimer {
	c := &fakeClaimer{}
	c.add(n)
	return c
}

func (c *fakeClaimer) add(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("vid-%d", len(c.pending)+c.claimCalls+i)
		c.pending = append(c.pending, &queue.Claim{
			Token: "w/" + id,
			Video: &models.Video{ID: id, State: models.VideoClaimed, AttemptCount: 1},
		})
	}
}

func (c *fakeClaimer) Claim(ctx context.Context) (*queue.Claim, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimCalls++
	if c.claimErrs > 0 {
		c.claimErrs--
		return nil, false, errors.New("connection refused")
	}
	if len(c.pending) == 0 {
		return nil, false, nil
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	return next, true, nil
}

func (c *fakeClaimer) Heartbeat(ctx context.Context, claim *queue.Claim) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats++
	return c.heartbeatErr
}

func (c *fakeClaimer) Depth(ctx context.Context) (int, error) {
	c.depthCalls.Add(1)
	return 0, nil
}

func (c *fakeClaimer) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimCalls
}

func (c *fakeClaimer) beats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeats
}

// fakeRunner tracks concurrency around a scripted run body.
type fakeRunner struct {
	body func(ctx context.Context, drain <-chan struct{}) queue.Outcome

	active    atomic.Int64
	maxActive atomic.Int64
	finished  atomic.Int64
}

func (r *fakeRunner) Run(ctx context.Context, claim *queue.Claim, drain <-chan struct{}) queue.Outcome {
	n := r.active.Add(1)
	for {
		m := r.maxActive.Load()
		if n <= m || r.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	defer func() {
		r.active.Add(-1)
		r.finished.Add(1)
	}()
	return r.body(ctx, drain)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	return Config{
		MaxParallelJobs:     2,
		PollInterval:        2 * time.Millisecond,
		PollBackoffMax:      10 * time.Millisecond,
		HeartbeatInterval:   time.Hour,
		ShutdownGrace:       5 * time.Second,
		DepthSampleInterval: time.Hour,
	}
}

func startLoop(t *testing.T, l *Loop) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoop_NeverClaimsWhileSaturated(t *testing.T) {
	claimer := newFakeClaimer(5)
	release := make(chan struct{})
	runner := &fakeRunner{body: func(ctx context.Context, drain <-chan struct{}) queue.Outcome {
		<-release
		return queue.Outcome{State: models.VideoCompleted}
	}}
	loop := New(fastConfig(), claimer, runner, discardLogger())
	cancel, done := startLoop(t, loop)

	require.Eventually(t, func() bool { return runner.active.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, claimer.calls(), "no claim while every slot is busy")
	assert.Equal(t, 2, loop.Inflight())
	assert.True(t, loop.Alive(time.Second), "saturated loop still ticks")

	close(release)
	require.Eventually(t, func() bool { return runner.finished.Load() == 5 }, time.Second, time.Millisecond)
	assert.LessOrEqual(t, runner.maxActive.Load(), int64(2))

	cancel()
	waitStopped(t, done)
}

func TestLoop_PicksUpWorkAfterIdleBackoff(t *testing.T) {
	claimer := newFakeClaimer(0)
	runner := &fakeRunner{body: func(ctx context.Context, drain <-chan struct{}) queue.Outcome {
		return queue.Outcome{State: models.VideoCompleted}
	}}
	loop := New(fastConfig(), claimer, runner, discardLogger())
	cancel, done := startLoop(t, loop)

	require.Eventually(t, func() bool { return claimer.calls() >= 3 }, time.Second, time.Millisecond)
	assert.Zero(t, runner.finished.Load())

	claimer.add(2)
	require.Eventually(t, func() bool { return runner.finished.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	waitStopped(t, done)
}

func TestLoop_ClaimErrorsDoNotStopLoop(t *testing.T) {
	claimer := newFakeClaimer(1)
	claimer.claimErrs = 2
	runner := &fakeRunner{body: func(ctx context.Context, drain <-chan struct{}) queue.Outcome {
		return queue.Outcome{State: models.VideoCompleted}
	}}
	loop := New(fastConfig(), claimer, runner, discardLogger())
	cancel, done := startLoop(t, loop)

	require.Eventually(t, func() bool { return runner.finished.Load() == 1 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, claimer.calls(), 3)

	cancel()
	waitStopped(t, done)
}

func TestLoop_ShutdownDrainsRuns(t *testing.T) {
	claimer := newFakeClaimer(1)
	var ctxErrAtDrain atomic.Value
	runner := &fakeRunner{body: func(ctx context.Context, drain <-chan struct{}) queue.Outcome {
		<-drain
		ctxErrAtDrain.Store(fmt.Sprint(ctx.Err()))
		return queue.Outcome{State: models.VideoPending}
	}}
	cfg := fastConfig()
	cfg.MaxParallelJobs = 1
	loop := New(cfg, claimer, runner, discardLogger())
	cancel, done := startLoop(t, loop)

	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, time.Millisecond)
	callsBefore := claimer.calls()
	cancel()
	waitStopped(t, done)

	assert.Equal(t, int64(1), runner.finished.Load())
	assert.Equal(t, "<nil>", ctxErrAtDrain.Load(), "run context stays live during grace")
	assert.Equal(t, callsBefore, claimer.calls(), "no claims after shutdown starts")
}

func TestLoop_GraceExpiryCancelsRuns(t *testing.T) {
	claimer := newFakeClaimer(1)
	runner := &fakeRunner{body: func(ctx context.Context, drain <-chan struct{}) queue.Outcome {
		<-ctx.Done()
		return queue.Outcome{State: models.VideoPending}
	}}
	cfg := fastConfig()
	cfg.ShutdownGrace = 20 * time.Millisecond
	loop := New(cfg, claimer, runner, discardLogger())
	cancel, done := startLoop(t, loop)

	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, time.Second, time.Millisecond)
	stopAt := time.Now()
	cancel()
	waitStopped(t, done)

	assert.GreaterOrEqual(t, time.Since(stopAt), 20*time.Millisecond)
	assert.Equal(t, int64(1), runner.finished.Load())
}

func TestLoop_HeartbeatClaimLostCancelsRun(t *testing.T) {
	claimer := newFakeClaimer(1)
	claimer.heartbeatErr = fmt.Errorf("heartbeat: %w", store.ErrClaimLost)
	runner := &fakeRunner{body: func(ctx context.Context, drain <-chan struct{}) queue.Outcome {
		<-ctx.Done()
		return queue.Outcome{ClaimLost: true}
	}}
	cfg := fastConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	loop := New(cfg, claimer, runner, discardLogger())
	cancel, done := startLoop(t, loop)

	require.Eventually(t, func() bool { return runner.finished.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, claimer.beats(), "heartbeats stop once the claim is lost")

	cancel()
	waitStopped(t, done)
}

func TestLoop_TransientHeartbeatErrorKeepsRun(t *testing.T) {
	claimer := newFakeClaimer(1)
	claimer.heartbeatErr = errors.New("database is locked")
	release := make(chan struct{})
	var cancelled atomic.Bool
	runner := &fakeRunner{body: func(ctx context.Context, drain <-chan struct{}) queue.Outcome {
		<-release
		cancelled.Store(ctx.Err() != nil)
		return queue.Outcome{State: models.VideoCompleted}
	}}
	cfg := fastConfig()
	cfg.HeartbeatInterval = 2 * time.Millisecond
	loop := New(cfg, claimer, runner, discardLogger())
	cancel, done := startLoop(t, loop)

	require.Eventually(t, func() bool { return claimer.beats() >= 3 }, time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return runner.finished.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, cancelled.Load())

	cancel()
	waitStopped(t, done)
}

func TestLoop_SamplesDepthAndLiveness(t *testing.T) {
	claimer := newFakeClaimer(0)
	runner := &fakeRunner{body: func(ctx context.Context, drain <-chan struct{}) queue.Outcome {
		return queue.Outcome{}
	}}
	cfg := fastConfig()
	cfg.DepthSampleInterval = 5 * time.Millisecond
	loop := New(cfg, claimer, runner, discardLogger())
	assert.False(t, loop.Alive(time.Hour), "not alive before Run")
	assert.True(t, loop.LastTick().IsZero())

	cancel, done := startLoop(t, loop)
	require.Eventually(t, func() bool { return claimer.depthCalls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.True(t, loop.Alive(time.Second))

	cancel()
	waitStopped(t, done)
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		current, limit, want time.Duration
	}{
		{time.Second, 30 * time.Second, 2 * time.Second},
		{16 * time.Second, 30 * time.Second, 30 * time.Second},
		{30 * time.Second, 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextBackoff(tt.current, tt.limit), "from %s", tt.current)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{PollInterval: 5 * time.Second, PollBackoffMax: time.Second}.withDefaults()
	assert.Equal(t, 1, cfg.MaxParallelJobs)
	assert.Equal(t, 5*time.Second, cfg.PollBackoffMax, "backoff cap never below the poll interval")
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
}
