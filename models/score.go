package models

import "time"

// ScoreRecord is one public leaderboard row. Score semantics depend on the
// round: rep count for the timed rounds, elapsed milliseconds for the 67-rep
// speedrun (where lower is better). DurationMS is the partition key — only
// the canonical round configurations ever land in this table.
type ScoreRecord struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	Username   string    `json:"username" gorm:"not null"`
	Score      int64     `json:"score" gorm:"not null"`
	DurationMS int64     `json:"duration_ms" gorm:"column:duration_ms;index;not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}
