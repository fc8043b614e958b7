package diarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/dependency"
)

// ErrDiarizationFailed wraps errors reported by the diarization script itself.
var ErrDiarizationFailed = errors.New("diarization failed")

// Runner executes the diarization script. dependency.Client satisfies it.
type Runner interface {
	RunDiarization(ctx context.Context, scriptPath, audioPath, outputPath string, opts *dependency.DiarizationOptions) error
}

// Pyannote diarizes full recordings with a pyannote helper script.
type Pyannote struct {
	runner     Runner
	scriptPath string
	opts       dependency.DiarizationOptions
}

// NewPyannote creates a diarizer around scriptPath.
func NewPyannote(runner Runner, scriptPath string, opts dependency.DiarizationOptions) *Pyannote {
	return &Pyannote{runner: runner, scriptPath: scriptPath, opts: opts}
}

// Diarize runs one pass over audioPath, keeps the raw output at outputPath
// and returns the parsed speaker spans.
func (p *Pyannote) Diarize(ctx context.Context, audioPath, outputPath string) ([]Span, error) {
	opts := p.opts
	if err := p.runner.RunDiarization(ctx, p.scriptPath, audioPath, outputPath, &opts); err != nil {
		return nil, err
	}
	return LoadSpans(outputPath)
}

// LoadSpans reads a diarization output file.
func LoadSpans(path string) ([]Span, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSpans(data)
}

type payload struct {
	Segments []Span `json:"segments"`
	Error    string `json:"error"`
}

// ParseSpans decodes {"segments": [...], "error": ""}, tolerating log noise
// around the JSON. Spans without a speaker or with no duration are dropped.
func ParseSpans(data []byte) ([]Span, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		jb, jerr := dependency.ExtractJSONObject(data, "segments")
		if jerr != nil {
			return nil, fmt.Errorf("parse diarization output: %w", err)
		}
		if err := json.Unmarshal(jb, &p); err != nil {
			return nil, fmt.Errorf("parse diarization output: %w", err)
		}
	}
	if p.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrDiarizationFailed, p.Error)
	}

	spans := make([]Span, 0, len(p.Segments))
	for _, s := range p.Segments {
		s.Speaker = strings.TrimSpace(s.Speaker)
		if s.Speaker == "" || s.End <= s.Start {
			continue
		}
		spans = append(spans, s)
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans, nil
}
