package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/houzhh15/scribeq/cmd/worker/internal/orchestrator/dependency"
)

// ScriptRunner runs a python helper and returns its stdout.
// dependency.Client satisfies it.
type ScriptRunner interface {
	RunPython(ctx context.Context, scriptPath string, args []string, env map[string]string, timeout time.Duration) (string, error)
}

// resourceMarkers are stderr fragments printed by faster-whisper/ctranslate2
// when a device cannot host the model.
var resourceMarkers = []string{
	"out of memory",
	"cuda error",
	"cudnn",
	"not supported on this device",
	"requested int8 compute type",
	"requested float16 compute type",
	"no cuda-capable device",
}

// CLIFactory runs a faster-whisper helper script per call.
//
//	python <script> --check --model M --device D --compute-type P
//	python <script> --model M --device D --compute-type P --audio FILE [--language L]
//
// The helper prints {"language", "duration", "segments": [{start, end, text, avg_logprob}]}.
type CLIFactory struct {
	runner      ScriptRunner
	scriptPath  string
	loadTimeout time.Duration
	callTimeout time.Duration
}

// NewCLIFactory creates a factory for the helper at scriptPath.
func NewCLIFactory(runner ScriptRunner, scriptPath string, callTimeout time.Duration) *CLIFactory {
	return &CLIFactory{
		runner:      runner,
		scriptPath:  scriptPath,
		loadTimeout: 10 * time.Minute,
		callTimeout: callTimeout,
	}
}

func (f *CLIFactory) Name() string { return "cli" }

// Load runs the helper in check mode so an unusable candidate fails here
// rather than on the first chunk.
func (f *CLIFactory) Load(ctx context.Context, c Candidate) (Engine, error) {
	args := append([]string{"--check"}, candidateArgs(c)...)
	if _, err := f.runner.RunPython(ctx, f.scriptPath, args, nil, f.loadTimeout); err != nil {
		return nil, classifyCLIError("load "+c.String(), err)
	}
	return &CLIEngine{factory: f, candidate: c}, nil
}

// CLIEngine transcribes by invoking the helper script.
type CLIEngine struct {
	factory   *CLIFactory
	candidate Candidate
}

func (e *CLIEngine) Name() string                    { return "cli" }
func (e *CLIEngine) Candidate() Candidate            { return e.candidate }
func (e *CLIEngine) Close(ctx context.Context) error { return nil }

// HealthCheck reruns the load probe.
func (e *CLIEngine) HealthCheck(ctx context.Context) (bool, error) {
	if _, err := e.factory.Load(ctx, e.candidate); err != nil {
		return false, err
	}
	return true, nil
}

// Transcribe runs the helper on one chunk.
func (e *CLIEngine) Transcribe(ctx context.Context, audioPath string, options *TranscribeOptions) (*TranscriptionResult, error) {
	if options == nil {
		options = &TranscribeOptions{}
	}
	args := append(candidateArgs(e.candidate), "--audio", audioPath)
	if options.Language != "" {
		args = append(args, "--language", options.Language)
	}
	if options.Prompt != "" {
		args = append(args, "--initial-prompt", options.Prompt)
	}
	timeout := options.Timeout
	if timeout == 0 {
		timeout = e.factory.callTimeout
	}

	out, err := e.factory.runner.RunPython(ctx, e.factory.scriptPath, args, nil, timeout)
	if err != nil {
		return nil, classifyCLIError("transcribe", err)
	}
	return ParseResult([]byte(out))
}

func candidateArgs(c Candidate) []string {
	return []string{"--model", c.Model, "--device", c.Device, "--compute-type", c.Precision}
}

func classifyCLIError(op string, err error) error {
	lower := strings.ToLower(err.Error())
	for _, m := range resourceMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("%s: %w: %v", op, ErrResourceUnavailable, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ParseResult decodes helper output, tolerating log lines printed around the JSON.
func ParseResult(out []byte) (*TranscriptionResult, error) {
	var result TranscriptionResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &result); err != nil {
		jb, jerr := dependency.ExtractJSONObject(out, "segments")
		if jerr != nil {
			return nil, fmt.Errorf("failed to parse helper output: %w", err)
		}
		if err := json.Unmarshal(jb, &result); err != nil {
			return nil, fmt.Errorf("failed to parse helper output: %w", err)
		}
	}
	if result.Segments == nil {
		result.Segments = []TranscriptionSegment{}
	}
	for i := range result.Segments {
		result.Segments[i].Text = strings.TrimSpace(result.Segments[i].Text)
	}
	return &result, nil
}
