// Package whisper loads transcription engines through a model/backend/precision
// cascade and runs them over audio chunks.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrResourceUnavailable marks failures caused by the engine host running out
// of memory or capacity. Wrapped by engines and factories.
var ErrResourceUnavailable = errors.New("transcription resources unavailable")

// Backend is one (device, precision) pair, e.g. cuda/float16.
type Backend struct {
	Device    string `json:"device" yaml:"device"`
	Precision string `json:"precision" yaml:"precision"`
}

func (b Backend) String() string { return b.Device + ":" + b.Precision }

// Candidate is one row of the cascade table.
type Candidate struct {
	Model     string `json:"model" yaml:"model"`
	Device    string `json:"device" yaml:"device"`
	Precision string `json:"precision" yaml:"precision"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s/%s/%s", c.Model, c.Device, c.Precision)
}

// TranscriptionSegment is one chunk-local segment. Start and End are seconds
// from the beginning of the chunk file.
type TranscriptionSegment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`

	// Engines report either a direct confidence or whisper's mean token log-probability.
	Confidence *float64 `json:"confidence,omitempty"`
	AvgLogprob *float64 `json:"avg_logprob,omitempty"`
}

// Score returns the segment confidence in [0,1], or nil when the engine gave none.
func (s TranscriptionSegment) Score() *float64 {
	var v float64
	switch {
	case s.Confidence != nil:
		v = *s.Confidence
	case s.AvgLogprob != nil:
		v = math.Exp(*s.AvgLogprob)
	default:
		return nil
	}
	if math.IsNaN(v) {
		return nil
	}
	v = math.Max(0, math.Min(1, v))
	return &v
}

// TranscriptionResult is the complete result for one audio file.
type TranscriptionResult struct {
	Segments []TranscriptionSegment `json:"segments"`
	Text     string                 `json:"text"`
	Language string                 `json:"language"`
	Duration float64                `json:"duration"`
}

// TranscribeOptions defines optional parameters for the Transcribe operation.
type TranscribeOptions struct {
	// Language forces transcription in a specific language (ISO 639-1). Empty means auto-detect.
	Language string

	// Prompt provides context to improve transcription accuracy (optional).
	Prompt string

	// Temperature defaults to 0 to reduce hallucinated repetitions.
	Temperature float64

	// Timeout overrides the engine's default per-call timeout.
	Timeout time.Duration
}

// Engine is a loaded model ready to transcribe. An Engine is not safe for
// concurrent use; the Pool hands each one to a single run at a time.
type Engine interface {
	// Transcribe returns chunk-local segments for the WAV file at audioPath.
	// Empty speech yields an empty Segments slice, not an error.
	Transcribe(ctx context.Context, audioPath string, options *TranscribeOptions) (*TranscriptionResult, error)

	// HealthCheck verifies that the engine can still serve requests.
	HealthCheck(ctx context.Context) (bool, error)

	// Name identifies the implementation for logs ("http", "cli").
	Name() string

	// Candidate reports the model/device/precision actually loaded.
	Candidate() Candidate

	// Close releases the model. The engine must not be used afterwards.
	Close(ctx context.Context) error
}

// EngineFactory loads one cascade candidate. It must return either a usable
// engine or an error, never both.
type EngineFactory interface {
	Load(ctx context.Context, c Candidate) (Engine, error)
	Name() string
}
