package domain

import "time"

// PriceTick is a normalized price observation from an exchange feed.
type PriceTick struct {
	Source     string    `json:"source"`
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// ImpulseDirection is the sign of an impulse move.
type ImpulseDirection string

const (
	ImpulseUp   ImpulseDirection = "up"
	ImpulseDown ImpulseDirection = "down"
)

// Impulse is a sudden move of an external instrument over a short window.
type Impulse struct {
	ID         string           `json:"id"`
	Instrument string           `json:"instrument"`
	Source     string           `json:"source"`
	Direction  ImpulseDirection `json:"direction"`
	FromPrice  float64          `json:"from_price"`
	ToPrice    float64          `json:"to_price"`
	ChangePct  float64          `json:"change_pct"`
	// Confidence is the share of sources whose own window change agrees with
	// Direction.
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Active reports whether the flag is still raised at now.
func (i Impulse) Active(now time.Time) bool {
	return !now.Before(i.DetectedAt) && now.Before(i.ExpiresAt)
}
