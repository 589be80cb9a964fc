// Package ledger is the append-only order journal. Every order state change is
// made durable here before the executor commits it in memory.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// DefaultStream is the signal bus stream order records are mirrored to.
const DefaultStream = "orders"

// Archiver uploads one part of a session's records.
type Archiver interface {
	Archive(ctx context.Context, session string, part int, day time.Time, records []domain.OrderStateRecord) (string, error)
}

// Options configures the optional outputs of a Journal.
type Options struct {
	// Mirror receives every appended record on Stream. Mirroring is
	// best-effort and never delays Append.
	Mirror       domain.SignalBus
	Stream       string
	MirrorBuffer int
	// Archive receives the records appended since the previous upload every
	// ArchiveInterval and on Flush. Uploaded records leave memory.
	Archive         Archiver
	ArchiveInterval time.Duration
	// MaxPending bounds the records held for the next upload; the oldest are
	// dropped from the archive past it. The store keeps them regardless.
	MaxPending int
	Session    string
}

// Journal implements domain.Ledger over a durable store.
type Journal struct {
	store    domain.LedgerStore
	mirror   domain.SignalBus
	stream   string
	archive  Archiver
	interval time.Duration
	session  string
	logger   *slog.Logger
	now      func() time.Time

	queue   chan domain.OrderStateRecord
	dropped int

	// archiveMu serializes uploads so parts are numbered in order.
	archiveMu  sync.Mutex
	mu         sync.Mutex
	pending    []domain.OrderStateRecord
	maxPending int
	part       int
	unarchived int
}

// NewJournal creates a Journal. Call Run to start the mirror and the
// periodic archive.
func NewJournal(store domain.LedgerStore, opts Options, logger *slog.Logger) *Journal {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.MirrorBuffer <= 0 {
		opts.MirrorBuffer = 1024
	}
	if opts.ArchiveInterval <= 0 {
		opts.ArchiveInterval = 5 * time.Minute
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 100_000
	}
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}
	return &Journal{
		store:      store,
		mirror:     opts.Mirror,
		stream:     opts.Stream,
		archive:    opts.Archive,
		interval:   opts.ArchiveInterval,
		session:    opts.Session,
		logger:     logger.With(slog.String("component", "ledger")),
		now:        time.Now,
		queue:      make(chan domain.OrderStateRecord, opts.MirrorBuffer),
		maxPending: opts.MaxPending,
	}
}

// Session returns the id under which this process archives its records.
func (j *Journal) Session() string { return j.session }

// Append persists rec and returns it with its sequence number.
func (j *Journal) Append(ctx context.Context, rec domain.OrderStateRecord) (domain.OrderStateRecord, error) {
	if rec.OrderID == "" {
		return domain.OrderStateRecord{}, fmt.Errorf("ledger: append: %w: missing order id", domain.ErrDataIntegrity)
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = j.now()
	}
	seq, err := j.store.Insert(ctx, rec)
	if err != nil {
		return domain.OrderStateRecord{}, fmt.Errorf("ledger: append %s: %w", rec.OrderID, err)
	}
	rec.Seq = seq

	if j.archive != nil {
		j.mu.Lock()
		j.pending = append(j.pending, rec)
		if over := len(j.pending) - j.maxPending; over > 0 {
			j.pending = append(j.pending[:0:0], j.pending[over:]...)
			j.unarchived += over
		}
		j.mu.Unlock()
	}

	if j.mirror != nil {
		select {
		case j.queue <- rec:
		default:
			j.mu.Lock()
			j.dropped++
			j.mu.Unlock()
		}
	}
	return rec, nil
}

func (j *Journal) ReadAll(ctx context.Context) ([]domain.OrderStateRecord, error) {
	recs, err := j.store.List(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("ledger: read all: %w", err)
	}
	return recs, nil
}

func (j *Journal) ReadOrder(ctx context.Context, orderID string) ([]domain.OrderStateRecord, error) {
	recs, err := j.store.ListOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", orderID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("ledger: read %s: %w", orderID, domain.ErrNotFound)
	}
	return recs, nil
}

func (j *Journal) ReadSettlements(ctx context.Context, afterSeq int64) ([]domain.OrderStateRecord, error) {
	recs, err := j.store.ListSettlements(ctx, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("ledger: read settlements: %w", err)
	}
	return recs, nil
}

func (j *Journal) ReadOpen(ctx context.Context) ([]domain.OrderStateRecord, error) {
	recs, err := j.store.ListLatestOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: read open: %w", err)
	}
	return recs, nil
}

// Run mirrors appended records to the signal bus and uploads archive parts
// until ctx is done.
func (j *Journal) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if j.archive != nil {
		t := time.NewTicker(j.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-j.queue:
			j.publish(ctx, rec)
		case <-tick:
			if err := j.archivePending(ctx); err != nil {
				j.logger.Warn("ledger archive failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (j *Journal) publish(ctx context.Context, rec domain.OrderStateRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		j.logger.Warn("mirror encode failed", slog.String("order", rec.OrderID), slog.String("error", err.Error()))
		return
	}
	if err := j.mirror.StreamAppend(ctx, j.stream, payload); err != nil {
		j.logger.Warn("mirror append failed",
			slog.String("order", rec.OrderID),
			slog.Int64("seq", rec.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// Flush drains the mirror queue and uploads the records appended since the
// last archive part. The store itself is already durable.
func (j *Journal) Flush(ctx context.Context) error {
	if j.mirror != nil {
	drain:
		for {
			select {
			case rec := <-j.queue:
				j.publish(ctx, rec)
			default:
				break drain
			}
		}
	}

	j.mu.Lock()
	dropped := j.dropped
	j.dropped = 0
	j.mu.Unlock()
	if dropped > 0 {
		j.logger.Warn("mirror queue overflowed", slog.Int("dropped", dropped))
	}
	if err := j.archivePending(ctx); err != nil {
		return fmt.Errorf("ledger: flush: %w", err)
	}
	return nil
}

// archivePending uploads the pending records as the next part and drops them
// from memory once the upload succeeded.
func (j *Journal) archivePending(ctx context.Context) error {
	if j.archive == nil {
		return nil
	}
	j.archiveMu.Lock()
	defer j.archiveMu.Unlock()

	j.mu.Lock()
	batch := make([]domain.OrderStateRecord, len(j.pending))
	copy(batch, j.pending)
	part := j.part + 1
	lost := j.unarchived
	j.unarchived = 0
	j.mu.Unlock()

	if lost > 0 {
		j.logger.Warn("archive backlog overflowed, records left to the store only", slog.Int("records", lost))
	}
	if len(batch) == 0 {
		return nil
	}
	key, err := j.archive.Archive(ctx, j.session, part, batch[0].RecordedAt, batch)
	if err != nil {
		return err
	}

	j.mu.Lock()
	j.part = part
	// Appends may have landed meanwhile, and an overflow may have trimmed
	// some of the uploaded head already.
	done := 0
	if len(j.pending) > 0 {
		first := j.pending[0].Seq
		for i, r := range batch {
			if r.Seq == first {
				done = len(batch) - i
				break
			}
		}
	}
	j.pending = append(j.pending[:0:0], j.pending[done:]...)
	j.mu.Unlock()

	j.logger.InfoContext(ctx, "ledger archived",
		slog.String("key", key),
		slog.Int("part", part),
		slog.Int("records", len(batch)),
	)
	return nil
}

var _ domain.Ledger = (*Journal)(nil)
