package whisper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/houzhh15/scribeq/cmd/worker/internal/metrics"
)

// ErrCascadeExhausted is matched by errors.Is when every candidate failed to load.
var ErrCascadeExhausted = errors.New("model cascade exhausted")

// Attempt records one failed candidate.
type Attempt struct {
	Candidate Candidate
	Err       error
}

// CascadeError is returned by LoadEngine when no candidate could be loaded.
type CascadeError struct {
	Primary  string
	Attempts []Attempt
}

func (e *CascadeError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("%v for %s: no candidates configured", ErrCascadeExhausted, e.Primary)
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("%v for %s after %d attempts, last %s: %v",
		ErrCascadeExhausted, e.Primary, len(e.Attempts), last.Candidate, last.Err)
}

// Unwrap exposes ErrCascadeExhausted and every attempt error.
func (e *CascadeError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	errs = append(errs, ErrCascadeExhausted)
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// ParseBackends parses "cuda:float16,cuda:int8,cpu:int8".
func ParseBackends(list string) ([]Backend, error) {
	var out []Backend
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		device, precision, ok := strings.Cut(item, ":")
		device, precision = strings.TrimSpace(device), strings.TrimSpace(precision)
		if !ok || device == "" || precision == "" {
			return nil, fmt.Errorf("invalid backend %q (want device:precision)", item)
		}
		out = append(out, Backend{Device: device, Precision: precision})
	}
	if len(out) == 0 {
		return nil, errors.New("no backends configured")
	}
	return out, nil
}

// BuildCascade expands the cascade table. Model sizes are the primary followed
// by the fallback sizes listed after it (all of them when the primary is not in
// the list); each size is tried on every backend in order.
func BuildCascade(primary string, fallbackModels []string, backends []Backend) []Candidate {
	sizes := []string{primary}
	start := 0
	for i, m := range fallbackModels {
		if m == primary {
			start = i + 1
			break
		}
	}
	seen := map[string]bool{primary: true}
	for _, m := range fallbackModels[start:] {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		sizes = append(sizes, m)
	}

	out := make([]Candidate, 0, len(sizes)*len(backends))
	for _, size := range sizes {
		for _, b := range backends {
			out = append(out, Candidate{Model: size, Device: b.Device, Precision: b.Precision})
		}
	}
	return out
}

// Loader is the model loader. It walks the cascade for a requested size and
// returns the first engine that loads.
type Loader struct {
	factory        EngineFactory
	fallbackModels []string
	backends       []Backend
	logger         *slog.Logger
}

// NewLoader creates a Loader. CPU is only tried when backends list it.
func NewLoader(factory EngineFactory, fallbackModels []string, backends []Backend, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		factory:        factory,
		fallbackModels: fallbackModels,
		backends:       backends,
		logger:         logger.With("component", "model_loader", "factory", factory.Name()),
	}
}

// Cascade returns the candidates LoadEngine would try for primary.
func (l *Loader) Cascade(primary string) []Candidate {
	return BuildCascade(primary, l.fallbackModels, l.backends)
}

// LoadEngine returns the first candidate that loads, or a *CascadeError.
// Context cancellation aborts the walk and is returned as is.
func (l *Loader) LoadEngine(ctx context.Context, primary string) (Engine, error) {
	cascadeErr := &CascadeError{Primary: primary}

	for _, c := range l.Cascade(primary) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		engine, err := l.factory.Load(ctx, c)
		if err == nil && engine == nil {
			err = errors.New("factory returned no engine")
		}
		if err != nil {
			if engine != nil {
				_ = engine.Close(ctx)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			metrics.RecordModelLoad(c.Model, c.Device, c.Precision, false)
			l.logger.Warn("engine load failed, trying next candidate", "candidate", c.String(), "error", err)
			cascadeErr.Attempts = append(cascadeErr.Attempts, Attempt{Candidate: c, Err: err})
			continue
		}

		metrics.RecordModelLoad(c.Model, c.Device, c.Precision, true)
		if c.Model != primary {
			metrics.RecordModelFallback(primary, c.Model)
		}
		l.logger.Info("engine loaded", "candidate", c.String(), "failed_attempts", len(cascadeErr.Attempts))
		return engine, nil
	}

	l.logger.Error("model cascade exhausted", "primary", primary, "attempts", len(cascadeErr.Attempts))
	return nil, cascadeErr
}
