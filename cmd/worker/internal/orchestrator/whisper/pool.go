package whisper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("engine pool closed")

type slot struct {
	id     int
	engine Engine
}

// Pool owns one lazily loaded engine per slot. A run checks a slot out with
// Acquire and returns it with Release, so an engine is never shared.
type Pool struct {
	loader  *Loader
	primary string
	slots   chan *slot
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Handle is a checked-out engine.
type Handle struct {
	slot    *slot
	invalid bool
}

// Engine returns the engine owned by this handle.
func (h *Handle) Engine() Engine { return h.slot.engine }

// Invalidate drops the engine on Release so the next checkout reloads through the cascade.
func (h *Handle) Invalidate() { h.invalid = true }

// NewPool creates size slots for the primary model.
func NewPool(loader *Loader, primary string, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		loader:  loader,
		primary: primary,
		slots:   make(chan *slot, size),
		logger:  logger.With("component", "engine_pool"),
		done:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.slots <- &slot{id: i}
	}
	return p
}

// Acquire checks out a slot, loading its engine through the cascade if needed.
// A load failure returns the slot and the loader error.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	var s *slot
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	case s = <-p.slots:
	}
	select {
	case <-p.done:
		p.slots <- s
		return nil, ErrPoolClosed
	default:
	}

	if s.engine == nil {
		engine, err := p.loader.LoadEngine(ctx, p.primary)
		if err != nil {
			p.slots <- s
			return nil, err
		}
		s.engine = engine
		p.logger.Info("slot engine ready", "slot", s.id, "candidate", engine.Candidate().String())
	}
	return &Handle{slot: s}, nil
}

// Release returns a handle. Invalidated engines are closed first.
func (p *Pool) Release(ctx context.Context, h *Handle) {
	if h == nil || h.slot == nil {
		return
	}
	s := h.slot
	h.slot = nil
	if h.invalid && s.engine != nil {
		p.logger.Warn("dropping invalidated engine", "slot", s.id, "candidate", s.engine.Candidate().String())
		if err := s.engine.Close(ctx); err != nil {
			p.logger.Warn("engine close failed", "slot", s.id, "error", err)
		}
		s.engine = nil
	}
	p.slots <- s
}

// Close waits for every slot to come back and closes the loaded engines.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	var errs []error
	for i := 0; i < cap(p.slots); i++ {
		select {
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		case s := <-p.slots:
			if s.engine != nil {
				if err := s.engine.Close(ctx); err != nil {
					errs = append(errs, err)
				}
				s.engine = nil
			}
		}
	}
	return errors.Join(errs...)
}
