package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// checkpointer writes the capital ledger in the background. Only the newest
// pending state is kept: a burst of mutations costs one write.
type checkpointer struct {
	store  domain.CapitalCheckpointer
	logger *slog.Logger
	kick   chan struct{}

	mu      sync.Mutex
	pending *domain.CapitalLedger
	// writeMu serializes Save calls so an older state never lands last.
	writeMu sync.Mutex
}

func newCheckpointer(store domain.CapitalCheckpointer, logger *slog.Logger) *checkpointer {
	return &checkpointer{
		store:  store,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// submit replaces the pending state. It never blocks.
func (c *checkpointer) submit(l domain.CapitalLedger) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	c.pending = &l
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// run writes pending states until ctx is done.
func (c *checkpointer) run(ctx context.Context) {
	if c.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.kick:
			if err := c.flush(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("capital checkpoint failed", slog.String("error", err.Error()))
			}
		}
	}
}

// flush writes the pending state, if any. A failed write is put back unless a
// newer state arrived meanwhile.
func (c *checkpointer) flush(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	l := c.pending
	c.pending = nil
	c.mu.Unlock()
	if l == nil {
		return nil
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.Save(saveCtx, *l); err != nil {
		c.mu.Lock()
		if c.pending == nil {
			c.pending = l
		}
		c.mu.Unlock()
		return fmt.Errorf("risk: checkpoint: %w", err)
	}
	return nil
}

func (c *checkpointer) load(ctx context.Context) (domain.CapitalLedger, error) {
	if c.store == nil {
		return domain.CapitalLedger{}, fmt.Errorf("risk: load checkpoint: %w", domain.ErrNotFound)
	}
	l, err := c.store.Load(ctx)
	if err != nil {
		return domain.CapitalLedger{}, fmt.Errorf("risk: load checkpoint: %w", err)
	}
	return l, nil
}
