package models

import "time"

// Duel lifecycle. Transitions are one-directional; expiry is applied lazily
// on read when ExpiresAt has passed.
const (
	DuelStatusWaiting  = "waiting"
	DuelStatusActive   = "active"
	DuelStatusComplete = "complete"
	DuelStatusExpired  = "expired"
)

// Duel is a real-time two-player match. StartAt is a shared future timestamp
// set exactly once with the waiting→active transition; both clients count
// down to it locally, so no live connection has to drive the countdown.
type Duel struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	DurationMS int64      `json:"duration_ms" gorm:"column:duration_ms;not null"`
	Status     string     `json:"status" gorm:"default:'waiting';index"`
	StartAt    *time.Time `json:"start_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at" gorm:"autoCreateTime"`
	ExpiresAt  time.Time  `json:"expires_at"`

	Players []DuelPlayer `json:"players,omitempty" gorm:"foreignKey:DuelID"`
}

// DuelPlayer binds a player_key capability to one side of a duel. PlayerKey
// is an opaque per-match credential, not a login identity. Score is written
// at most once (first submission wins). Seat is 1 for the creator and 2 for
// the joiner; the unique (duel_id, seat) index is what caps a duel at two
// players when joins race — a count check alone cannot.
type DuelPlayer struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	DuelID      string     `json:"duel_id" gorm:"not null;uniqueIndex:idx_duel_player;uniqueIndex:idx_duel_seat"`
	PlayerKey   string     `json:"player_key" gorm:"not null;uniqueIndex:idx_duel_player"`
	Seat        int        `json:"seat" gorm:"not null;uniqueIndex:idx_duel_seat"`
	Username    string     `json:"username"`
	Score       *int64     `json:"score,omitempty"`
	Ready       bool       `json:"ready" gorm:"default:false"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
}
