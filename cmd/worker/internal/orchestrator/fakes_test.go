package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/diarize"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/whisper"
	"github.com/houzhh15/scribeq/cmd/worker/internal/queue"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeQueue records every write the runner makes.
type fakeQueue struct {
	mu       sync.Mutex
	stages   []models.VideoState
	saved    []*models.Transcript
	stored   *models.Transcript
	releases []queue.Outcome

	lostAt     models.VideoState
	releaseErr error
}

func (q *fakeQueue) SetStage(ctx context.Context, c *queue.Claim, stage models.VideoState) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if stage == q.lostAt {
		return store.ErrClaimLost
	}
	q.stages = append(q.stages, stage)
	c.Video.State = stage
	return nil
}

func (q *fakeQueue) SaveTranscript(ctx context.Context, c *queue.Claim, t *models.Transcript) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lostAt == models.VideoDiarizing {
		return store.ErrClaimLost
	}
	t.ID = "transcript-1"
	q.saved = append(q.saved, t)
	stored := *t
	stored.Segments = append([]models.Segment(nil), t.Segments...)
	q.stored = &stored
	q.stages = append(q.stages, models.VideoDiarizing)
	return nil
}

func (q *fakeQueue) LoadTranscript(ctx context.Context, videoID string) (*models.Transcript, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stored == nil {
		return nil, store.ErrTranscriptNotFound
	}
	t := *q.stored
	t.Segments = append([]models.Segment(nil), q.stored.Segments...)
	return &t, nil
}

func (q *fakeQueue) Release(ctx context.Context, c *queue.Claim, o queue.Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.releaseErr != nil {
		return q.releaseErr
	}
	q.releases = append(q.releases, o)
	return nil
}

// fakeTools writes placeholder files where the real tools would.
type fakeTools struct {
	mu    sync.Mutex
	paths *dependency.PathManager

	duration    float64
	downloadErr error
	convertErr  error
	probeErr    error

	calls   []string
	windows [][2]float64
}

func newFakeTools(t *testing.T, duration float64) *fakeTools {
	return &fakeTools{paths: dependency.NewPathManager(t.TempDir()), duration: duration}
}

func (f *fakeTools) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTools) Paths() *dependency.PathManager { return f.paths }

func (f *fakeTools) Download(ctx context.Context, videoID, sourceRef string, timeout time.Duration) (string, error) {
	f.record("download")
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	dir, err := f.paths.EnsureVideoDir(videoID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "source.webm")
	return path, os.WriteFile(path, []byte("media"), 0o644)
}

func (f *fakeTools) ConvertAudio(ctx context.Context, inputPath, outputPath string, sampleRate int) error {
	f.record("convert")
	if f.convertErr != nil {
		return f.convertErr
	}
	return os.WriteFile(outputPath, []byte("RIFF"), 0o644)
}

func (f *fakeTools) ProbeDuration(ctx context.Context, path string) (float64, error) {
	f.record("probe")
	return f.duration, f.probeErr
}

func (f *fakeTools) ExtractChunk(ctx context.Context, inputPath, outputPath string, start, duration float64, sampleRate int) error {
	f.mu.Lock()
	f.calls = append(f.calls, "extract")
	f.windows = append(f.windows, [2]float64{start, duration})
	f.mu.Unlock()
	return os.WriteFile(outputPath, []byte("RIFF"), 0o644)
}

// seedArtifacts creates the files a previous attempt would have left behind.
func (f *fakeTools) seedArtifacts(t *testing.T, videoID string, source, audio bool) {
	t.Helper()
	dir, err := f.paths.EnsureVideoDir(videoID)
	require.NoError(t, err)
	if source {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "source.m4a"), []byte("media"), 0o644))
	}
	if audio {
		require.NoError(t, os.WriteFile(f.paths.AudioPath(videoID), []byte("RIFF"), 0o644))
	}
}

// scriptedEngine answers per chunk index.
type scriptedEngine struct {
	byChunk map[int][]whisper.TranscriptionSegment
	failErr error
	closed  bool
}

func (e *scriptedEngine) Transcribe(ctx context.Context, audioPath string, options *whisper.TranscribeOptions) (*whisper.TranscriptionResult, error) {
	if e.failErr != nil {
		return nil, e.failErr
	}
	var idx int
	if _, err := fmt.Sscanf(filepath.Base(audioPath), "chunk_%04d.wav", &idx); err != nil {
		return nil, err
	}
	return &whisper.TranscriptionResult{Segments: e.byChunk[idx], Language: "en"}, nil
}

func (e *scriptedEngine) HealthCheck(ctx context.Context) (bool, error) { return true, nil }
func (e *scriptedEngine) Name() string                                  { return "scripted" }
func (e *scriptedEngine) Close(ctx context.Context) error              { e.closed = true; return nil }
func (e *scriptedEngine) Candidate() whisper.Candidate {
	return whisper.Candidate{Model: "small", Device: "cuda", Precision: "float16"}
}

type scriptedFactory struct {
	mu      sync.Mutex
	engines []*scriptedEngine
	next    func() *scriptedEngine
	err     error
}

func (f *scriptedFactory) Name() string { return "scripted" }

func (f *scriptedFactory) Load(ctx context.Context, c whisper.Candidate) (whisper.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e := f.next()
	f.engines = append(f.engines, e)
	return e, nil
}

func newPool(factory *scriptedFactory) *whisper.Pool {
	loader := whisper.NewLoader(factory, []string{"base"}, []whisper.Backend{{Device: "cuda", Precision: "float16"}}, testLogger())
	return whisper.NewPool(loader, "small", 1, testLogger())
}

type fakeDiarizer struct {
	spans []diarize.Span
	err   error
	calls int
}

func (d *fakeDiarizer) Diarize(ctx context.Context, audioPath, outputPath string) ([]diarize.Span, error) {
	d.calls++
	return d.spans, d.err
}

func newClaim(attempt int) *queue.Claim {
	return &queue.Claim{
		Token: "worker-1/tok",
		Video: &models.Video{
			ID:           "vid-1",
			SourceRef:    "https://example.com/watch?v=1",
			State:        models.VideoClaimed,
			AttemptCount: attempt,
		},
		ClaimedAt: time.Now(),
	}
}

func checkpoint() sql.NullTime {
	return sql.NullTime{Time: time.Now(), Valid: true}
}
