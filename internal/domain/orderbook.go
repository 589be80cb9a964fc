package domain

import "time"

// BookSide is the side of a price ladder.
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// PriceLevel is a single price+size entry in a ladder.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookUpdateKind distinguishes full snapshots from incremental diffs.
type BookUpdateKind string

const (
	BookUpdateSnapshot BookUpdateKind = "snapshot"
	BookUpdateDiff     BookUpdateKind = "diff"
)

// LevelChange sets the size at one price of one outcome ladder. On a diff a
// zero size removes the level.
type LevelChange struct {
	Outcome string   `json:"outcome"`
	Side    BookSide `json:"side"`
	Price   float64  `json:"price"`
	Size    float64  `json:"size"`
}

// BookUpdate is a venue market-data message. Diffs carry a per-market sequence
// number that must be the immediate successor of the last applied one.
type BookUpdate struct {
	VenueMarketID string         `json:"market"`
	Kind          BookUpdateKind `json:"kind"`
	Sequence      uint64         `json:"seq"`
	Levels        []LevelChange  `json:"levels"`
	Timestamp     time.Time      `json:"ts"`
}

// ResyncRequest asks the market-data connector for a fresh full snapshot.
type ResyncRequest struct {
	VenueMarketID string
	LastSequence  uint64
	GotSequence   uint64
	RequestedAt   time.Time
}
