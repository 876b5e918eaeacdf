package models

import "time"

const (
	ChallengeStatusPending  = "pending"
	ChallengeStatusComplete = "complete"
	ChallengeStatusExpired  = "expired"
)

// Challenge is the asynchronous match variant: the creator plays immediately,
// the opponent can join any time before the days-scale expiry. No entry row
// exists until a score is actually submitted.
type Challenge struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	DurationMS int64     `json:"duration_ms" gorm:"column:duration_ms;not null"`
	Status     string    `json:"status" gorm:"default:'pending';index"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
	ExpiresAt  time.Time `json:"expires_at"`

	Entries []ChallengeEntry `json:"entries,omitempty" gorm:"foreignKey:ChallengeID"`
}

// ChallengeEntry is one submitted score in a challenge. The composite unique
// index on (challenge_id, player_key) is the authoritative double-submission
// defense — a second insert for the same key fails at the store layer. The
// unique (challenge_id, seat) index likewise makes the two-entry cap hold
// when submissions race: seats are assigned 1 and 2, never higher.
type ChallengeEntry struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	ChallengeID string    `json:"challenge_id" gorm:"not null;uniqueIndex:idx_challenge_entry;uniqueIndex:idx_challenge_seat"`
	PlayerKey   string    `json:"player_key" gorm:"not null;uniqueIndex:idx_challenge_entry"`
	Seat        int       `json:"seat" gorm:"not null;uniqueIndex:idx_challenge_seat"`
	Username    string    `json:"username"`
	Score       int64     `json:"score"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}
