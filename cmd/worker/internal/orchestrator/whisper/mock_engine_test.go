package whisper

import (
	"context"
	"errors"
	"sync"
)

// fakeEngine is a scripted Engine used by cascade and pool tests.
type fakeEngine struct {
	candidate Candidate
	result    *TranscriptionResult
	err       error

	mu     sync.Mutex
	closed bool
	calls  int
}

func (e *fakeEngine) Transcribe(ctx context.Context, audioPath string, options *TranscribeOptions) (*TranscriptionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if e.result == nil {
		return &TranscriptionResult{Segments: []TranscriptionSegment{}}, nil
	}
	return e.result, nil
}

func (e *fakeEngine) HealthCheck(ctx context.Context) (bool, error) { return !e.closed, nil }
func (e *fakeEngine) Name() string                                  { return "fake" }
func (e *fakeEngine) Candidate() Candidate                          { return e.candidate }

func (e *fakeEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// fakeFactory fails every candidate listed in failures and records attempts.
type fakeFactory struct {
	mu       sync.Mutex
	failures map[Candidate]error
	failAll  error
	attempts []Candidate
	loaded   []*fakeEngine
}

func (f *fakeFactory) Name() string { return "fake" }

func (f *fakeFactory) Load(ctx context.Context, c Candidate) (Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, c)
	if f.failAll != nil {
		return nil, f.failAll
	}
	if err, ok := f.failures[c]; ok {
		return nil, err
	}
	e := &fakeEngine{candidate: c}
	f.loaded = append(f.loaded, e)
	return e, nil
}

var errOOM = errors.New("CUDA out of memory")
