// Package credential holds the circular pool of API credentials used by the invoker.
package credential

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/harvest"
	"github.com/JakeFAU/postharvest/internal/metrics"
)

// Pool is an ordered, circular list of credentials with one active entry.
// Rotation never touches quota state.
type Pool struct {
	mu     sync.Mutex
	creds  []harvest.Credential
	active int
	logger *zap.Logger
}

// NewPool builds a pool; the first credential starts active.
func NewPool(creds []harvest.Credential, logger *zap.Logger) (*Pool, error) {
	if len(creds) == 0 {
		return nil, fmt.Errorf("at least one credential is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]harvest.Credential, len(creds))
	for i, c := range creds {
		c.Index = i
		out[i] = c
	}
	return &Pool{creds: out, logger: logger}, nil
}

// Current returns the active credential.
func (p *Pool) Current() harvest.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds[p.active]
}

// Rotate advances to the next credential (modulo size) and returns it.
// With a single credential it returns the same entry.
func (p *Pool) Rotate() harvest.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	from := p.active
	p.active = (p.active + 1) % len(p.creds)
	metrics.ObserveRotation()
	next := p.creds[p.active]
	if from == p.active {
		p.logger.Debug("single credential, rotation is a no-op", zap.String("credential", next.Label()))
	} else {
		p.logger.Info("rotated credential",
			zap.String("from", p.creds[from].Label()),
			zap.String("to", next.Label()),
		)
	}
	return next
}

// Size returns the number of credentials.
func (p *Pool) Size() int {
	return len(p.creds)
}

// ActiveIndex returns the index of the active credential.
func (p *Pool) ActiveIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
