package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/diarize"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/whisper"
	"github.com/houzhh15/scribeq/cmd/worker/internal/queue"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
)

func baseConfig() RunnerConfig {
	return RunnerConfig{
		ChunkSeconds:    900,
		ChunkOverlap:    2,
		SampleRate:      16000,
		DownloadTimeout: time.Minute,
		MaxAttempts:     3,
	}
}

// fortyMinuteScript is engine output for a 2400s recording cut into 900s
// chunks read with a 2s margin on both sides. Times are relative to each
// chunk's read start (0, 898, 1798).
func fortyMinuteScript() map[int][]whisper.TranscriptionSegment {
	logprob := -0.1
	return map[int][]whisper.TranscriptionSegment{
		0: {
			{Start: 0, End: 5, Text: "intro", AvgLogprob: &logprob},
			{Start: 890, End: 901, Text: "Boundary words here."},
			{Start: 900.5, End: 902, Text: "read ahead only"},
		},
		1: {
			{Start: 0.5, End: 1.8, Text: "read behind only"},
			{Start: 2, End: 3, Text: "boundary words here"},
			{Start: 3, End: 12, Text: "middle"},
		},
		2: {
			{Start: 2, End: 7, Text: "last part"},
			{Start: 592, End: 607, Text: "tail"},
		},
	}
}

func scriptedPool(script map[int][]whisper.TranscriptionSegment) (*whisper.Pool, *scriptedFactory) {
	factory := &scriptedFactory{next: func() *scriptedEngine { return &scriptedEngine{byChunk: script} }}
	return newPool(factory), factory
}

func noDrain() <-chan struct{} { return make(chan struct{}) }

func TestRunner_FortyMinuteRunWithoutDiarization(t *testing.T) {
	q := &fakeQueue{}
	tools := newFakeTools(t, 2400)
	pool, _ := scriptedPool(fortyMinuteScript())
	runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

	out := runner.Run(context.Background(), newClaim(1), noDrain())

	require.NoError(t, out.Err)
	assert.Equal(t, models.VideoCompleted, out.State)
	assert.Equal(t, []models.VideoState{
		models.VideoDownloading, models.VideoTranscoding, models.VideoChunking, models.VideoTranscribing,
	}, q.stages)
	assert.Equal(t, [][2]float64{{0, 902}, {898, 904}, {1798, 602}}, tools.windows)

	require.Len(t, q.releases, 1)
	rel := q.releases[0]
	require.NotNil(t, rel.Transcript, "transcript is written by the completing release")
	assert.Empty(t, rel.Transcript.ID)
	assert.Equal(t, "en", rel.Transcript.Language)
	assert.Equal(t, 2400.0, rel.Transcript.DurationSeconds)

	segs := rel.Transcript.Segments
	texts := make([]string, len(segs))
	for i, s := range segs {
		texts[i] = s.Text
	}
	assert.Equal(t, []string{"intro", "Boundary words here.", "middle", "last part", "tail"}, texts)
	for i := 1; i < len(segs); i++ {
		assert.LessOrEqual(t, segs[i-1].Start, segs[i].Start)
		assert.LessOrEqual(t, segs[i-1].End, segs[i].Start)
	}
	assert.InDelta(t, 901, segs[2].Start, 1e-9)
	assert.LessOrEqual(t, segs[len(segs)-1].End, 2400.0)
	require.NotNil(t, segs[0].Confidence)
	assert.InDelta(t, 0.9048, *segs[0].Confidence, 1e-3)

	_, err := os.Stat(tools.paths.VideoDir("vid-1"))
	assert.True(t, os.IsNotExist(err), "artifacts removed after completion")
}

func TestRunner_DiarizationLabelsStoredTranscript(t *testing.T) {
	q := &fakeQueue{}
	tools := newFakeTools(t, 2400)
	pool, _ := scriptedPool(fortyMinuteScript())
	d := &fakeDiarizer{spans: []diarize.Span{
		{Start: 0, End: 1000, Speaker: "SPEAKER_00"},
		{Start: 1000, End: 2400, Speaker: "SPEAKER_01"},
	}}
	cfg := baseConfig()
	cfg.DiarizationEnabled = true
	cfg.KeepArtifacts = true
	runner := NewRunner(cfg, q, tools, pool, d, testLogger())

	out := runner.Run(context.Background(), newClaim(1), noDrain())

	assert.Equal(t, models.VideoCompleted, out.State)
	assert.Equal(t, 1, d.calls)
	require.Len(t, q.saved, 1, "transcript saved before diarizing")
	assert.Equal(t, []models.VideoState{
		models.VideoDownloading, models.VideoTranscoding, models.VideoChunking, models.VideoTranscribing, models.VideoDiarizing,
	}, q.stages)

	require.Len(t, q.releases, 1)
	tr := q.releases[0].Transcript
	require.NotNil(t, tr)
	assert.Equal(t, "transcript-1", tr.ID)
	assert.Equal(t, "SPEAKER_00", tr.Segments[0].Speaker)
	assert.Equal(t, "SPEAKER_01", tr.Segments[len(tr.Segments)-1].Speaker)

	_, err := os.Stat(tools.paths.AudioPath("vid-1"))
	assert.NoError(t, err, "artifacts kept when configured")
}

func TestRunner_DiarizationFailure(t *testing.T) {
	tests := []struct {
		name      string
		required  bool
		wantState models.VideoState
		wantCode  ErrorCode
	}{
		{"best effort completes unlabeled", false, models.VideoCompleted, ""},
		{"required retries", true, models.VideoPending, DIARIZE_FAILED},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			pool, _ := scriptedPool(fortyMinuteScript())
			cfg := baseConfig()
			cfg.DiarizationEnabled = true
			cfg.DiarizationRequired = tt.required
			runner := NewRunner(cfg, q, newFakeTools(t, 2400), pool, &fakeDiarizer{err: diarize.ErrDiarizationFailed}, testLogger())

			out := runner.Run(context.Background(), newClaim(1), noDrain())

			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, tt.wantCode, CodeOf(out.Err))
			require.Len(t, q.releases, 1)
			assert.Nil(t, q.releases[0].Transcript, "stored transcript is left as is")
		})
	}
}

func TestRunner_ErrorClassification(t *testing.T) {
	invalidSource := &dependency.CommandError{Command: "yt-dlp", ExitCode: 1, Stderr: "ERROR: Unsupported URL: https://example.com"}
	networkDown := &dependency.CommandError{Command: "yt-dlp", ExitCode: 1, Stderr: "ERROR: Unable to download webpage: HTTP Error 503"}
	corrupt := &dependency.CommandError{Command: "ffmpeg", ExitCode: 1, Stderr: "source.webm: Invalid data found when processing input"}

	tests := []struct {
		name      string
		attempt   int
		setup     func(tools *fakeTools, factory *scriptedFactory)
		wantState models.VideoState
		wantCode  ErrorCode
		wantStage models.VideoState
	}{
		{
			name:      "transient download error retries",
			attempt:   1,
			setup:     func(tools *fakeTools, _ *scriptedFactory) { tools.downloadErr = networkDown },
			wantState: models.VideoPending,
			wantCode:  DOWNLOAD_FAILED,
			wantStage: models.VideoDownloading,
		},
		{
			name:      "transient error on last attempt fails",
			attempt:   3,
			setup:     func(tools *fakeTools, _ *scriptedFactory) { tools.downloadErr = networkDown },
			wantState: models.VideoFailed,
			wantCode:  DOWNLOAD_FAILED,
			wantStage: models.VideoDownloading,
		},
		{
			name:      "unsupported source fails at once",
			attempt:   1,
			setup:     func(tools *fakeTools, _ *scriptedFactory) { tools.downloadErr = invalidSource },
			wantState: models.VideoFailed,
			wantCode:  SOURCE_INVALID,
			wantStage: models.VideoDownloading,
		},
		{
			name:      "undecodable media fails at once",
			attempt:   1,
			setup:     func(tools *fakeTools, _ *scriptedFactory) { tools.convertErr = corrupt },
			wantState: models.VideoFailed,
			wantCode:  TRANSCODE_FAILED,
			wantStage: models.VideoTranscoding,
		},
		{
			name:      "zero duration audio fails at once",
			attempt:   1,
			setup:     func(tools *fakeTools, _ *scriptedFactory) { tools.duration = 0 },
			wantState: models.VideoFailed,
			wantCode:  AUDIO_EMPTY,
			wantStage: models.VideoTranscoding,
		},
		{
			name:    "unprobeable audio fails at once",
			attempt: 1,
			setup: func(tools *fakeTools, _ *scriptedFactory) {
				tools.probeErr = dependency.ErrNoDuration
			},
			wantState: models.VideoFailed,
			wantCode:  AUDIO_EMPTY,
			wantStage: models.VideoTranscoding,
		},
		{
			name:      "cascade exhaustion fails at once",
			attempt:   1,
			setup:     func(_ *fakeTools, factory *scriptedFactory) { factory.err = errors.New("CUDA out of memory") },
			wantState: models.VideoFailed,
			wantCode:  MODEL_UNAVAILABLE,
			wantStage: models.VideoTranscribing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			tools := newFakeTools(t, 2400)
			pool, factory := scriptedPool(fortyMinuteScript())
			tt.setup(tools, factory)
			runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

			out := runner.Run(context.Background(), newClaim(tt.attempt), noDrain())

			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, tt.wantCode, CodeOf(out.Err))
			assert.Equal(t, tt.wantStage, out.Stage)
			require.Len(t, q.releases, 1, "release exactly once")
			assert.Equal(t, out.LastError, q.releases[0].LastError)
			assert.NotEmpty(t, q.releases[0].LastError)
		})
	}
}

func TestRunner_CascadeExhaustionReturnsNoEngine(t *testing.T) {
	q := &fakeQueue{}
	pool, factory := scriptedPool(nil)
	factory.err = errors.New("CUDA out of memory")
	runner := NewRunner(baseConfig(), q, newFakeTools(t, 60), pool, nil, testLogger())

	out := runner.Run(context.Background(), newClaim(1), noDrain())

	assert.ErrorIs(t, out.Err, whisper.ErrCascadeExhausted)
	assert.Equal(t, ClassResource, ClassOf(out.Err))
	assert.Empty(t, factory.engines)
}

func TestRunner_EngineResourceErrorInvalidatesEngine(t *testing.T) {
	q := &fakeQueue{}
	first := true
	factory := &scriptedFactory{next: func() *scriptedEngine {
		if first {
			first = false
			return &scriptedEngine{failErr: whisper.ErrResourceUnavailable}
		}
		return &scriptedEngine{byChunk: fortyMinuteScript()}
	}}
	pool := newPool(factory)
	tools := newFakeTools(t, 2400)
	runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

	out := runner.Run(context.Background(), newClaim(1), noDrain())
	assert.Equal(t, models.VideoPending, out.State)
	assert.Equal(t, TRANSCRIBE_FAILED, CodeOf(out.Err))
	require.Len(t, factory.engines, 1)
	assert.True(t, factory.engines[0].closed, "engine dropped after resource error")

	// The retry reloads through the cascade and succeeds.
	retry := newClaim(2)
	retry.Video.DownloadingAt = checkpoint()
	retry.Video.TranscodingAt = checkpoint()
	retry.Video.ChunkingAt = checkpoint()
	retry.Video.TranscribingAt = checkpoint()
	out = runner.Run(context.Background(), retry, noDrain())
	assert.Equal(t, models.VideoCompleted, out.State)
	assert.Len(t, factory.engines, 2)
}

func TestRunner_DrainStopsBeforeNextStage(t *testing.T) {
	q := &fakeQueue{}
	tools := newFakeTools(t, 2400)
	pool, _ := scriptedPool(fortyMinuteScript())
	runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

	drain := make(chan struct{})
	close(drain)
	out := runner.Run(context.Background(), newClaim(3), drain)

	assert.Equal(t, models.VideoPending, out.State, "shutdown never burns the last attempt")
	assert.Equal(t, SHUTDOWN, CodeOf(out.Err))
	assert.Empty(t, q.stages)
	assert.Empty(t, tools.calls)
	require.Len(t, q.releases, 1)
	assert.True(t, q.releases[0].RefundAttempt)
}

func TestRunner_TransientRetryKeepsAttempt(t *testing.T) {
	q := &fakeQueue{}
	tools := newFakeTools(t, 2400)
	tools.downloadErr = &dependency.CommandError{Command: "yt-dlp", ExitCode: 1, Stderr: "ERROR: Unable to download webpage: HTTP Error 503"}
	pool, _ := scriptedPool(nil)
	runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

	out := runner.Run(context.Background(), newClaim(1), noDrain())

	assert.Equal(t, models.VideoPending, out.State)
	require.Len(t, q.releases, 1)
	assert.False(t, q.releases[0].RefundAttempt)
}

func TestRunner_AttemptCapOnReclaim(t *testing.T) {
	tests := []struct {
		name       string
		attempt    int
		checkpoint bool
		wantState  models.VideoState
		wantStage  models.VideoState
	}{
		{name: "past the cap after a transcribing checkpoint", attempt: 4, checkpoint: true, wantState: models.VideoFailed, wantStage: models.VideoTranscribing},
		{name: "past the cap before any stage", attempt: 5, wantState: models.VideoFailed, wantStage: models.VideoClaimed},
		{name: "at the cap still runs", attempt: 3, wantState: models.VideoCompleted, wantStage: models.VideoCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			tools := newFakeTools(t, 2400)
			pool, factory := scriptedPool(fortyMinuteScript())
			runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

			claim := newClaim(tt.attempt)
			claim.Video.LastError = sql.NullString{String: "[DOWNLOAD_FAILED] downloading: download failed: HTTP 503", Valid: true}
			if tt.checkpoint {
				claim.Video.DownloadingAt = checkpoint()
				claim.Video.TranscodingAt = checkpoint()
				claim.Video.ChunkingAt = checkpoint()
				claim.Video.TranscribingAt = checkpoint()
			}

			out := runner.Run(context.Background(), claim, noDrain())

			assert.Equal(t, tt.wantState, out.State)
			assert.Equal(t, tt.wantStage, out.Stage)
			require.Len(t, q.releases, 1)
			if tt.wantState != models.VideoFailed {
				return
			}
			assert.Equal(t, ATTEMPTS_EXHAUSTED, CodeOf(out.Err))
			assert.Empty(t, q.stages)
			assert.Empty(t, tools.calls)
			assert.Empty(t, factory.engines)
			assert.Equal(t,
				"[DOWNLOAD_FAILED] downloading: download failed: HTTP 503; [ATTEMPTS_EXHAUSTED] "+string(tt.wantStage)+": attempts exhausted after lease expiry",
				q.releases[0].LastError)
		})
	}
}

func TestRunner_ReclaimPastCapFailsInSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reclaim.db")
	cfg := store.Config{Driver: store.DriverSQLite, DSN: "file:" + path + "?_busy_timeout=5000&_foreign_keys=on"}
	require.NoError(t, store.RunMigrations(cfg, testLogger()))
	db, err := store.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	res, err := store.NewJobRepository(db).Enqueue(ctx, "https://example.com/watch?v=crash", "")
	require.NoError(t, err)

	now := time.Now()
	clock := func() time.Time { return now }
	videos := store.NewVideoRepository(db).WithClock(clock)
	lease := time.Minute
	q := queue.New(videos, store.NewTranscriptRepository(db), "w1", lease, testLogger())

	// First attempt fails transiently and is released normally.
	claim, ok, err := q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, q.Release(ctx, claim, queue.Outcome{State: models.VideoPending, LastError: "download timeout"}))

	// The next two owners die mid-download without releasing.
	for i := 0; i < 2; i++ {
		claim, ok, err = q.Claim(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, q.SetStage(ctx, claim, models.VideoDownloading))
		now = now.Add(2 * lease)
	}

	claim, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, claim.Video.AttemptCount)

	tools := newFakeTools(t, 2400)
	pool, _ := scriptedPool(fortyMinuteScript())
	runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())
	out := runner.Run(ctx, claim, noDrain())

	assert.Equal(t, models.VideoFailed, out.State)
	assert.Empty(t, tools.calls)

	v, err := videos.Get(ctx, res.VideoID)
	require.NoError(t, err)
	assert.Equal(t, models.VideoFailed, v.State)
	assert.True(t, v.FailedAt.Valid)
	assert.False(t, v.LockedBy.Valid)
	assert.Equal(t, "download timeout; [ATTEMPTS_EXHAUSTED] downloading: attempts exhausted after lease expiry", v.LastError.String)

	now = now.Add(24 * time.Hour)
	_, ok, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "failed video is never reclaimed")
}

func TestRunner_CancelledContextStillReleases(t *testing.T) {
	q := &fakeQueue{}
	pool, _ := scriptedPool(fortyMinuteScript())
	runner := NewRunner(baseConfig(), q, newFakeTools(t, 2400), pool, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := runner.Run(ctx, newClaim(1), noDrain())

	assert.Equal(t, models.VideoPending, out.State)
	assert.Equal(t, SHUTDOWN, CodeOf(out.Err))
	require.Len(t, q.releases, 1)
	assert.True(t, q.releases[0].RefundAttempt)
}

func TestRunner_ClaimLost(t *testing.T) {
	t.Run("on stage entry", func(t *testing.T) {
		q := &fakeQueue{lostAt: models.VideoTranscoding}
		pool, _ := scriptedPool(fortyMinuteScript())
		runner := NewRunner(baseConfig(), q, newFakeTools(t, 2400), pool, nil, testLogger())

		out := runner.Run(context.Background(), newClaim(1), noDrain())

		assert.True(t, out.ClaimLost)
		assert.ErrorIs(t, out.Err, store.ErrClaimLost)
		assert.Empty(t, q.releases, "a lost claim is never released")
	})

	t.Run("on release", func(t *testing.T) {
		q := &fakeQueue{releaseErr: store.ErrClaimLost}
		pool, _ := scriptedPool(fortyMinuteScript())
		runner := NewRunner(baseConfig(), q, newFakeTools(t, 2400), pool, nil, testLogger())

		out := runner.Run(context.Background(), newClaim(1), noDrain())

		assert.True(t, out.ClaimLost)
		assert.Equal(t, models.VideoCompleted, out.State)
	})
}

func TestRunner_ResumeStage(t *testing.T) {
	t.Run("transcribing checkpoint redoes chunking only", func(t *testing.T) {
		q := &fakeQueue{}
		tools := newFakeTools(t, 2400)
		tools.seedArtifacts(t, "vid-1", true, true)
		pool, _ := scriptedPool(fortyMinuteScript())
		runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

		claim := newClaim(2)
		claim.Video.DownloadingAt = checkpoint()
		claim.Video.TranscodingAt = checkpoint()
		claim.Video.ChunkingAt = checkpoint()
		claim.Video.TranscribingAt = checkpoint()

		out := runner.Run(context.Background(), claim, noDrain())

		assert.Equal(t, models.VideoCompleted, out.State)
		assert.Equal(t, []models.VideoState{models.VideoChunking, models.VideoTranscribing}, q.stages)
		assert.NotContains(t, tools.calls, "download")
		assert.NotContains(t, tools.calls, "convert")
	})

	t.Run("missing audio lowers to transcoding", func(t *testing.T) {
		q := &fakeQueue{}
		tools := newFakeTools(t, 2400)
		tools.seedArtifacts(t, "vid-1", true, false)
		pool, _ := scriptedPool(fortyMinuteScript())
		runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

		claim := newClaim(2)
		claim.Video.DownloadingAt = checkpoint()
		claim.Video.TranscodingAt = checkpoint()
		claim.Video.ChunkingAt = checkpoint()

		out := runner.Run(context.Background(), claim, noDrain())

		assert.Equal(t, models.VideoCompleted, out.State)
		assert.Equal(t, models.VideoTranscoding, q.stages[0])
		assert.NotContains(t, tools.calls, "download")
	})

	t.Run("missing source lowers to downloading", func(t *testing.T) {
		q := &fakeQueue{}
		tools := newFakeTools(t, 2400)
		pool, _ := scriptedPool(fortyMinuteScript())
		runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

		claim := newClaim(2)
		claim.Video.DownloadingAt = checkpoint()
		claim.Video.TranscodingAt = checkpoint()

		out := runner.Run(context.Background(), claim, noDrain())

		assert.Equal(t, models.VideoCompleted, out.State)
		assert.Equal(t, models.VideoDownloading, q.stages[0])
	})

	t.Run("diarizing checkpoint reuses stored transcript", func(t *testing.T) {
		q := &fakeQueue{stored: &models.Transcript{
			ID: "transcript-9",
			Segments: []models.Segment{
				{Start: 0, End: 4, Text: "hello"},
				{Start: 4, End: 9, Text: "world"},
			},
		}}
		tools := newFakeTools(t, 9)
		tools.seedArtifacts(t, "vid-1", true, true)
		pool, factory := scriptedPool(nil)
		d := &fakeDiarizer{spans: []diarize.Span{{Start: 0, End: 9, Speaker: "SPEAKER_03"}}}
		cfg := baseConfig()
		cfg.DiarizationEnabled = true
		runner := NewRunner(cfg, q, tools, pool, d, testLogger())

		claim := newClaim(2)
		claim.Video.DownloadingAt = checkpoint()
		claim.Video.TranscodingAt = checkpoint()
		claim.Video.ChunkingAt = checkpoint()
		claim.Video.TranscribingAt = checkpoint()
		claim.Video.DiarizingAt = checkpoint()

		out := runner.Run(context.Background(), claim, noDrain())

		assert.Equal(t, models.VideoCompleted, out.State)
		assert.Equal(t, []models.VideoState{models.VideoDiarizing}, q.stages)
		assert.Empty(t, factory.engines, "no transcription on a diarization retry")
		assert.Empty(t, tools.calls)
		require.Len(t, q.releases, 1)
		tr := q.releases[0].Transcript
		require.NotNil(t, tr)
		assert.Equal(t, "transcript-9", tr.ID)
		assert.Equal(t, "SPEAKER_03", tr.Segments[1].Speaker)
	})

	t.Run("diarizing checkpoint with diarization now disabled completes", func(t *testing.T) {
		q := &fakeQueue{stored: &models.Transcript{ID: "transcript-9"}}
		tools := newFakeTools(t, 9)
		pool, _ := scriptedPool(nil)
		runner := NewRunner(baseConfig(), q, tools, pool, nil, testLogger())

		claim := newClaim(2)
		claim.Video.TranscribingAt = checkpoint()
		claim.Video.DiarizingAt = checkpoint()

		out := runner.Run(context.Background(), claim, noDrain())

		assert.Equal(t, models.VideoCompleted, out.State)
		assert.Empty(t, q.stages)
		require.Len(t, q.releases, 1)
		assert.Nil(t, q.releases[0].Transcript)
	})
}
