package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/houzhh15/scribeq/cmd/worker/internal/models"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/chunker"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/dependency"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/diarize"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/merger"
	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/whisper"
	"github.com/houzhh15/scribeq/cmd/worker/internal/queue"
	"github.com/houzhh15/scribeq/cmd/worker/internal/store"
)

// runState carries artifacts between the stages of one run.
type runState struct {
	claim   *queue.Claim
	videoID string
	paths   *dependency.PathManager

	sourcePath string
	duration   float64
	manifest   chunker.Manifest
	transcript *models.Transcript

	// transcriptStored is set once the transcript row exists (saved before
	// diarization or reloaded on resume).
	transcriptStored bool
	// reuseTranscript skips chunking and transcription when a retry only
	// needs the audio back for diarization.
	reuseTranscript bool
	// diarized is set when speaker labels were assigned in this run.
	diarized bool
	// enteredDiarizing is set when SaveTranscript already moved the video to diarizing.
	enteredDiarizing bool
}

func (rs *runState) entered(stage models.VideoState) bool {
	return stage == models.VideoDiarizing && rs.enteredDiarizing
}

// pendingTranscript is what the final Release must write: a transcript not
// stored yet, or a stored one whose speaker labels changed.
func (rs *runState) pendingTranscript() *models.Transcript {
	if rs.transcript == nil {
		return nil
	}
	if !rs.transcriptStored || rs.diarized {
		return rs.transcript
	}
	return nil
}

func (rs *runState) segmentCount() int {
	if rs.transcript == nil {
		return 0
	}
	return len(rs.transcript.Segments)
}

type stage struct {
	state models.VideoState
	run   func(ctx context.Context, rs *runState) error
	skip  func(rs *runState) bool
}

func never(*runState) bool { return false }

func (r *Runner) stages() []stage {
	return []stage{
		{state: models.VideoDownloading, run: r.download, skip: never},
		{state: models.VideoTranscoding, run: r.transcode, skip: never},
		{state: models.VideoChunking, run: r.chunk, skip: func(rs *runState) bool { return rs.reuseTranscript }},
		{state: models.VideoTranscribing, run: r.transcribe, skip: func(rs *runState) bool { return rs.reuseTranscript }},
		{state: models.VideoDiarizing, run: r.diarize, skip: func(*runState) bool { return !r.cfg.DiarizationEnabled }},
	}
}

// resumeStage picks where a run starts: the furthest checkpointed stage,
// lowered to the earliest stage whose input artifact is missing. A run that
// had reached transcribing starts again at chunking.
func (r *Runner) resumeStage(ctx context.Context, rs *runState, log *slog.Logger) models.VideoState {
	furthest, ok := rs.claim.Video.FurthestStage()
	if !ok {
		return models.VideoDownloading
	}

	resume := furthest
	if resume == models.VideoTranscribing {
		resume = models.VideoChunking
	}

	if resume == models.VideoDiarizing {
		t, err := r.queue.LoadTranscript(ctx, rs.videoID)
		switch {
		case err == nil:
			rs.transcript = t
			rs.transcriptStored = true
			rs.reuseTranscript = true
		case errors.Is(err, store.ErrTranscriptNotFound):
			log.Warn("diarizing checkpoint without transcript, transcribing again")
			resume = models.VideoChunking
		default:
			log.Warn("failed to load transcript, transcribing again", "error", err)
			resume = models.VideoChunking
		}
		if !r.cfg.DiarizationEnabled && rs.transcriptStored {
			// Nothing left to do but complete.
			return models.VideoDiarizing
		}
	}

	audio := rs.paths.AudioPath(rs.videoID)
	if models.StageIndex(resume) >= models.StageIndex(models.VideoChunking) && !dependency.FileReady(audio) {
		log.Info("normalized audio missing, resuming earlier", "checkpoint", furthest)
		resume = models.VideoTranscoding
	}
	if resume == models.VideoTranscoding {
		if _, err := rs.paths.FindSource(rs.videoID); err != nil {
			log.Info("downloaded source missing, resuming earlier", "checkpoint", furthest)
			resume = models.VideoDownloading
		}
	}
	return resume
}

// invalidSourceMarkers are yt-dlp messages for sources that will never download.
var invalidSourceMarkers = []string{
	"unsupported url",
	"is not a valid url",
	"video unavailable",
	"private video",
	"this video has been removed",
	"no video formats found",
}

func (r *Runner) download(ctx context.Context, rs *runState) error {
	if path, err := rs.paths.FindSource(rs.videoID); err == nil {
		rs.sourcePath = path
		r.logger.Info("reusing downloaded source", "video_id", rs.videoID, "path", path)
		return nil
	}

	path, err := r.tools.Download(ctx, rs.videoID, rs.claim.Video.SourceRef, r.cfg.DownloadTimeout)
	if err != nil {
		if errors.Is(err, dependency.ErrSourceMissing) {
			return NewSourceInvalidError(err)
		}
		var cmdErr *dependency.CommandError
		if errors.As(err, &cmdErr) && hasMarker(cmdErr.Stderr, invalidSourceMarkers) {
			return NewSourceInvalidError(err)
		}
		return NewDownloadError(err)
	}
	rs.sourcePath = path
	return nil
}

// corruptMediaMarkers are ffmpeg messages for input that cannot be decoded.
var corruptMediaMarkers = []string{
	"invalid data found when processing input",
	"does not contain any stream",
	"output file #0 does not contain any stream",
	"moov atom not found",
}

func (r *Runner) transcode(ctx context.Context, rs *runState) error {
	if rs.sourcePath == "" {
		path, err := rs.paths.FindSource(rs.videoID)
		if err != nil {
			return NewStageError(models.VideoTranscoding, TRANSCODE_FAILED, ClassTransient, "downloaded source disappeared", err)
		}
		rs.sourcePath = path
	}

	audio := rs.paths.AudioPath(rs.videoID)
	if err := r.tools.ConvertAudio(ctx, rs.sourcePath, audio, r.cfg.SampleRate); err != nil {
		var cmdErr *dependency.CommandError
		if errors.As(err, &cmdErr) && hasMarker(cmdErr.Stderr, corruptMediaMarkers) {
			return NewStageError(models.VideoTranscoding, TRANSCODE_FAILED, ClassData, "source media is not decodable", err)
		}
		return NewTranscodeError(err)
	}

	duration, err := r.probe(ctx, audio)
	if err != nil {
		return err
	}
	rs.duration = duration
	return nil
}

func (r *Runner) probe(ctx context.Context, audio string) (float64, error) {
	duration, err := r.tools.ProbeDuration(ctx, audio)
	if err != nil {
		if errors.Is(err, dependency.ErrNoDuration) {
			return 0, NewAudioEmptyError(err)
		}
		return 0, NewTranscodeError(err)
	}
	if duration <= 0 || math.IsNaN(duration) || math.IsInf(duration, 0) {
		return 0, NewAudioEmptyError(chunker.ErrEmptyAudio)
	}
	return duration, nil
}

// chunk rebuilds the manifest and cuts every chunk with its read margin on both sides.
func (r *Runner) chunk(ctx context.Context, rs *runState) error {
	audio := rs.paths.AudioPath(rs.videoID)
	if rs.duration <= 0 {
		duration, err := r.probe(ctx, audio)
		if err != nil {
			return err
		}
		rs.duration = duration
	}

	manifest, err := chunker.Split(rs.duration, r.cfg.ChunkSeconds)
	if err != nil {
		if errors.Is(err, chunker.ErrEmptyAudio) {
			return NewAudioEmptyError(err)
		}
		return NewStageError(models.VideoChunking, CHUNK_FAILED, ClassData, "invalid chunk configuration", err)
	}

	if err := rs.paths.RemoveChunks(rs.videoID); err != nil {
		return NewChunkError(err)
	}
	for _, entry := range manifest {
		start, length := entry.ReadWindow(r.cfg.ChunkOverlap, rs.duration)
		out := rs.paths.ChunkAudioPath(rs.videoID, entry.Index)
		if err := r.tools.ExtractChunk(ctx, audio, out, start, length, r.cfg.SampleRate); err != nil {
			return NewChunkError(fmt.Errorf("%s: %w", entry, err))
		}
	}

	rs.manifest = manifest
	r.logger.Info("audio chunked", "video_id", rs.videoID, "duration_s", rs.duration, "chunks", len(manifest))
	return nil
}

// transcribe runs every chunk through one checked-out engine, merges the
// results and persists the transcript.
func (r *Runner) transcribe(ctx context.Context, rs *runState) error {
	if len(rs.manifest) == 0 {
		return NewStageError(models.VideoTranscribing, TRANSCRIBE_FAILED, ClassTransient, "no chunk manifest", nil)
	}

	handle, err := r.engines.Acquire(ctx)
	if err != nil {
		if errors.Is(err, whisper.ErrCascadeExhausted) {
			return NewModelUnavailableError(err)
		}
		return NewTranscribeError(err)
	}
	defer r.engines.Release(context.WithoutCancel(ctx), handle)

	engine := handle.Engine()
	opts := &whisper.TranscribeOptions{Language: r.cfg.Language}

	results := make([]merger.ChunkResult, 0, len(rs.manifest))
	language := r.cfg.Language
	for _, entry := range rs.manifest {
		res, err := engine.Transcribe(ctx, rs.paths.ChunkAudioPath(rs.videoID, entry.Index), opts)
		if err != nil {
			if errors.Is(err, whisper.ErrResourceUnavailable) {
				handle.Invalidate()
			}
			return NewTranscribeError(fmt.Errorf("%s: %w", entry, err))
		}
		if language == "" && res.Language != "" {
			language = res.Language
		}
		results = append(results, merger.ChunkResult{Index: entry.Index, Segments: chunkLocal(res, entry, r.cfg.ChunkOverlap)})
	}

	segments, err := merger.Merge(rs.manifest, results)
	if err != nil {
		return NewStageError(models.VideoTranscribing, TRANSCRIBE_FAILED, ClassData, "merge failed", err)
	}

	rs.transcript = &models.Transcript{
		VideoID:         rs.videoID,
		Language:        language,
		DurationSeconds: rs.duration,
		Segments:        segments,
	}
	r.logger.Info("transcription merged",
		"video_id", rs.videoID,
		"engine", engine.Name(),
		"candidate", engine.Candidate().String(),
		"segments", len(segments),
	)

	if err := rs.paths.RemoveChunks(rs.videoID); err != nil {
		r.logger.Warn("failed to remove chunk audio", "video_id", rs.videoID, "error", err)
	}

	if !r.cfg.DiarizationEnabled {
		// Stored together with the completed state by the final Release.
		return nil
	}
	if err := r.queue.SaveTranscript(ctx, rs.claim, rs.transcript); err != nil {
		return r.persistError(models.VideoTranscribing, err)
	}
	rs.transcriptStored = true
	rs.enteredDiarizing = true
	return nil
}

// chunkLocal converts engine output to the chunk's nominal window. Segments
// starting in the read-behind margin belong to the previous chunk and those
// starting in the read-ahead margin to the next one; both are dropped here.
func chunkLocal(res *whisper.TranscriptionResult, entry chunker.Entry, margin float64) []models.Segment {
	leadIn := entry.LeadIn(margin)
	out := make([]models.Segment, 0, len(res.Segments))
	for _, s := range res.Segments {
		start := s.Start - leadIn
		if start < 0 || start >= entry.Duration {
			continue
		}
		out = append(out, models.Segment{
			Start:      start,
			End:        s.End - leadIn,
			Text:       s.Text,
			Confidence: s.Score(),
		})
	}
	return out
}

// diarize labels the stored transcript. Failures only fail the run when
// diarization is required.
func (r *Runner) diarize(ctx context.Context, rs *runState) error {
	if rs.transcript == nil {
		return NewDiarizeError(errors.New("no transcript to label"))
	}

	spans, err := r.diarizer.Diarize(ctx, rs.paths.AudioPath(rs.videoID), rs.paths.DiarizationPath(rs.videoID))
	if err != nil {
		if r.cfg.DiarizationRequired || ctx.Err() != nil {
			return NewDiarizeError(err)
		}
		r.logger.Warn("diarization failed, completing without speaker labels", "video_id", rs.videoID, "error", err)
		return nil
	}

	rs.transcript.Segments = diarize.Align(rs.transcript.Segments, spans)
	rs.diarized = true
	r.logger.Info("speakers aligned",
		"video_id", rs.videoID,
		"spans", len(spans),
		"labelled", diarize.Labelled(rs.transcript.Segments),
	)
	return nil
}

func hasMarker(stderr string, markers []string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
