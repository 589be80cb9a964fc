package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// SnapshotSource supplies the books the simulated venue fills against.
type SnapshotSource interface {
	Snapshot(marketID string) (domain.MarketSnapshot, bool)
}

// Fault is an injected venue failure.
type Fault struct {
	Err error
	// Accepted applies the call before failing, as when the response is lost.
	Accepted bool
	// Delay holds the call until it elapses or the context ends.
	Delay time.Duration
}

// Venue operations faults can target.
const (
	OpSubmit = "submit"
	OpQuery  = "query"
	OpCancel = "cancel"
)

type simOrder struct {
	req    domain.OrderRequest
	status domain.VenueOrderStatus
	// seq is the book sequence the order last filled against.
	seq uint64
}

// SimulatedVenue implements domain.VenueOrderAPI against live snapshots for dry
// runs. Orders fill at their limit when it crosses the top of book, up to the
// top-of-book depth; the rest rests and fills again only once the book moves.
// Submission is idempotent by key.
type SimulatedVenue struct {
	books SnapshotSource

	mu      sync.Mutex
	orders  map[string]*simOrder
	byVenue map[string]*simOrder
	faults  map[string][]Fault
	calls   map[string]int
	nextID  int
}

// NewSimulatedVenue creates a SimulatedVenue.
func NewSimulatedVenue(books SnapshotSource) *SimulatedVenue {
	return &SimulatedVenue{
		books:   books,
		orders:  make(map[string]*simOrder),
		byVenue: make(map[string]*simOrder),
		faults:  make(map[string][]Fault),
		calls:   make(map[string]int),
	}
}

// Inject queues faults for an operation; each call consumes one.
func (v *SimulatedVenue) Inject(op string, faults ...Fault) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.faults[op] = append(v.faults[op], faults...)
}

// Calls returns how often an operation was invoked.
func (v *SimulatedVenue) Calls(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

// OrderCount returns the number of distinct orders the venue holds.
func (v *SimulatedVenue) OrderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

// fault pops the next fault queued for op.
func (v *SimulatedVenue) fault(op string) Fault {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls[op]++
	var f Fault
	if q := v.faults[op]; len(q) > 0 {
		f, v.faults[op] = q[0], q[1:]
	}
	return f
}

// wait holds a faulted call for its delay, then returns the fault's error.
func (f Fault) wait(ctx context.Context) error {
	if f.Delay > 0 {
		t := time.NewTimer(f.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.Err
}

func (v *SimulatedVenue) Submit(ctx context.Context, req domain.OrderRequest) (domain.VenueOrderStatus, error) {
	f := v.fault(OpSubmit)
	if !f.Accepted {
		if err := f.wait(ctx); err != nil {
			return domain.VenueOrderStatus{}, err
		}
	}

	v.mu.Lock()
	st, err := v.submitLocked(req)
	v.mu.Unlock()

	if f.Accepted {
		if werr := f.wait(ctx); werr != nil {
			return domain.VenueOrderStatus{}, werr
		}
	}
	return st, err
}

func (v *SimulatedVenue) submitLocked(req domain.OrderRequest) (domain.VenueOrderStatus, error) {
	if o, ok := v.orders[req.IdempotencyKey]; ok {
		return o.status, nil
	}
	if req.Quantity <= 0 || req.LimitPrice <= 0 {
		return domain.VenueOrderStatus{}, fmt.Errorf("sim: %w: invalid quantity or price", domain.ErrVenueRejection)
	}
	if _, ok := v.books.Snapshot(req.VenueMarketID); !ok {
		return domain.VenueOrderStatus{}, fmt.Errorf("sim: %w: unknown market %s", domain.ErrVenueRejection, req.VenueMarketID)
	}

	v.nextID++
	o := &simOrder{
		req: req,
		status: domain.VenueOrderStatus{
			VenueOrderID: fmt.Sprintf("sim-%d", v.nextID),
			ClientKey:    req.IdempotencyKey,
			State:        domain.OrderAcknowledged,
			Remaining:    req.Quantity,
		},
	}
	v.orders[req.IdempotencyKey] = o
	v.byVenue[o.status.VenueOrderID] = o
	v.match(o)
	return o.status, nil
}

func (v *SimulatedVenue) Query(ctx context.Context, key string) (domain.VenueOrderStatus, error) {
	if err := v.fault(OpQuery).wait(ctx); err != nil {
		return domain.VenueOrderStatus{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[key]
	if !ok {
		return domain.VenueOrderStatus{}, fmt.Errorf("sim: query %s: %w", key, domain.ErrNotFound)
	}
	if !o.status.State.IsTerminal() {
		v.match(o)
	}
	return o.status, nil
}

func (v *SimulatedVenue) Cancel(ctx context.Context, venueOrderID string) (domain.VenueOrderStatus, error) {
	if err := v.fault(OpCancel).wait(ctx); err != nil {
		return domain.VenueOrderStatus{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.byVenue[venueOrderID]
	if !ok {
		return domain.VenueOrderStatus{}, fmt.Errorf("sim: cancel %s: %w", venueOrderID, domain.ErrNotFound)
	}
	if !o.status.State.IsTerminal() {
		o.status.State = domain.OrderCancelled
		o.status.Reason = "cancelled by client"
	}
	return o.status, nil
}

// Halt closes a market: open orders on it match the current book one last
// time and the venue rejects what remains. Fills already made stand.
func (v *SimulatedVenue) Halt(marketID, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, o := range v.orders {
		if o.req.VenueMarketID != marketID || o.status.State.IsTerminal() {
			continue
		}
		v.match(o)
		if o.status.State.IsTerminal() {
			continue
		}
		o.status.State = domain.OrderRejected
		o.status.Remaining = 0
		o.status.Reason = reason
	}
}

// match fills what the current book allows. The caller must hold v.mu.
func (v *SimulatedVenue) match(o *simOrder) {
	snap, ok := v.books.Snapshot(o.req.VenueMarketID)
	if !ok || (o.seq != 0 && snap.Sequence <= o.seq) {
		return
	}
	legs := o.req.Outcomes
	if len(legs) == 0 {
		for _, q := range snap.Outcomes {
			legs = append(legs, q.Label)
		}
	}

	buying := true
	switch o.req.Side {
	case domain.SideSell, domain.SideSellBoth:
		buying = false
	}

	depth := math.Inf(1)
	var price float64
	var crosses bool
	if buying {
		sum, ok := snap.CombinedAsk(legs...)
		crosses = ok && sum <= o.req.LimitPrice+1e-9
		price = sum
	} else {
		sum, ok := snap.CombinedBid(legs...)
		crosses = ok && sum >= o.req.LimitPrice-1e-9
		price = sum
	}
	if !crosses || price <= 0 {
		return
	}
	for _, l := range legs {
		q, _ := snap.Outcome(l)
		d := q.AskDepth
		if !buying {
			d = q.BidDepth
		}
		depth = math.Min(depth, d)
	}
	qty := math.Min(o.status.Remaining, depth)
	if qty <= 0 {
		return
	}

	o.seq = snap.Sequence
	filled := o.status.FilledSize + qty
	o.status.AvgFillPrice = o.req.LimitPrice
	o.status.FilledSize = filled
	o.status.Remaining = math.Max(o.req.Quantity-filled, 0)
	if o.status.Remaining <= 1e-9 {
		o.status.Remaining = 0
		o.status.State = domain.OrderFilled
	} else {
		o.status.State = domain.OrderPartiallyFilled
	}
}

var _ domain.VenueOrderAPI = (*SimulatedVenue)(nil)
