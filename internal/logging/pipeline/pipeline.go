package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/Chichichkin/logshipper/internal/logging"
)

// ErrInvalidEntry is returned when a middleware produces an entry without a valid level.
var ErrInvalidEntry = errors.New("middleware produced an entry without a level")

// Handle identifies one registration of a middleware. Function values cannot be
// compared in Go, so removal goes through the handle returned by Use.
type Handle struct {
	reg *registration
}

type registration struct {
	fn logging.Middleware
}

// Pipeline applies registered middleware in registration order: the first
// registered function sees the entry first.
type Pipeline struct {
	mu   sync.RWMutex
	regs []*registration
}

func New() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) Use(fn logging.Middleware) Handle {
	reg := &registration{fn: fn}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs = append(p.regs, reg)

	return Handle{reg: reg}
}

// Remove unregisters the middleware behind h. It reports whether h was registered.
func (p *Pipeline) Remove(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, reg := range p.regs {
		if reg == h.reg {
			regs := make([]*registration, 0, len(p.regs)-1)
			regs = append(regs, p.regs[:i]...)
			p.regs = append(regs, p.regs[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.regs)
}

// Apply runs entry through a snapshot of the registered middleware. The first error
// stops the pipeline and is returned as is.
func (p *Pipeline) Apply(ctx context.Context, entry logging.LogEntry) (logging.LogEntry, error) {
	p.mu.RLock()
	regs := p.regs
	p.mu.RUnlock()

	var err error
	for _, reg := range regs {
		if err = ctx.Err(); err != nil {
			return entry, err
		}

		entry, err = reg.fn(ctx, entry)
		if err != nil {
			return entry, err
		}
		if !entry.Level.Valid() {
			return entry, ErrInvalidEntry
		}
	}
	return entry, nil
}
