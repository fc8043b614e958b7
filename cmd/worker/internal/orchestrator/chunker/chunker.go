// Package chunker computes the chunk manifest for a normalized audio file.
// Split is a pure function of duration and chunk size; the pipeline regenerates
// the manifest on every attempt instead of persisting it.
package chunker

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyAudio is returned for zero, negative or non-finite durations.
	ErrEmptyAudio = errors.New("audio has no duration")

	// ErrInvalidChunkSize is returned when the chunk size is not a positive number.
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
)

// Entry is one nominal chunk window: [Start, Start+Duration) in seconds of the source audio.
type Entry struct {
	Index    int     `json:"index"`
	Start    float64 `json:"start_offset_seconds"`
	Duration float64 `json:"duration_seconds"`
}

// End returns the exclusive end of the nominal window.
func (e Entry) End() float64 {
	return e.Start + e.Duration
}

// ReadWindow returns the span that should actually be read from the source for
// this chunk: the nominal window widened by margin on both sides, clamped to
// [0, total]. Engine timestamps for the chunk are relative to the returned start;
// LeadIn converts them back to the nominal window.
func (e Entry) ReadWindow(margin, total float64) (start, duration float64) {
	margin = math.Max(margin, 0)
	start = math.Max(e.Start-margin, 0)
	end := math.Min(e.End()+margin, total)
	if end < e.End() {
		end = e.End()
	}
	return start, end - start
}

// LeadIn returns how far before the nominal start ReadWindow begins reading.
func (e Entry) LeadIn(margin float64) float64 {
	return e.Start - math.Max(e.Start-math.Max(margin, 0), 0)
}

func (e Entry) String() string {
	return fmt.Sprintf("chunk %d: %.3fs+%.3fs", e.Index, e.Start, e.Duration)
}

// Manifest is the ordered chunk list of one audio file.
type Manifest []Entry

// Total returns the covered duration, i.e. the end of the last entry.
func (m Manifest) Total() float64 {
	if len(m) == 0 {
		return 0
	}
	return m[len(m)-1].End()
}

// Split divides durationSeconds into consecutive windows of chunkSeconds.
// The final window holds the remainder; a duration not longer than one chunk
// yields a single entry covering the whole file.
func Split(durationSeconds, chunkSeconds float64) (Manifest, error) {
	if math.IsNaN(durationSeconds) || math.IsInf(durationSeconds, 0) || durationSeconds <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrEmptyAudio, durationSeconds)
	}
	if math.IsNaN(chunkSeconds) || math.IsInf(chunkSeconds, 0) || chunkSeconds <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChunkSize, chunkSeconds)
	}

	if durationSeconds <= chunkSeconds {
		return Manifest{{Index: 0, Start: 0, Duration: durationSeconds}}, nil
	}

	n := int(math.Ceil(durationSeconds / chunkSeconds))
	manifest := make(Manifest, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * chunkSeconds
		if start >= durationSeconds {
			break
		}
		manifest = append(manifest, Entry{
			Index:    i,
			Start:    start,
			Duration: math.Min(chunkSeconds, durationSeconds-start),
		})
	}
	return manifest, nil
}
