package services

import (
	"math"
	"time"

	"gorm.io/gorm"

	"sixseven-ranked/models"
)

// RankStats places one score within its leaderboard partition. Rank is
// count-of-strictly-better + 1, so tied scores share the same rank.
type RankStats struct {
	DailyRank   int64 `json:"dailyRank"`
	AllTimeRank int64 `json:"allTimeRank"`
	Percentile  int   `json:"percentile"`
	TotalCount  int64 `json:"totalCount"`
}

// RankService recomputes ranks on demand from the score table. No caching or
// materialized ranks — partitions are small at this game's scale.
type RankService struct {
	DB *gorm.DB
}

func NewRankService(db *gorm.DB) *RankService {
	return &RankService{DB: db}
}

// ComputeRank ranks a score against its duration partition. For the speedrun
// (inverted) a lower score is better; for rep-count rounds higher is better.
func (s *RankService) ComputeRank(durationMS, score int64, inverted bool) (RankStats, error) {
	better := "score > ?"
	if inverted {
		better = "score < ?"
	}

	var total int64
	if err := s.DB.Model(&models.ScoreRecord{}).
		Where("duration_ms = ?", durationMS).
		Count(&total).Error; err != nil {
		return RankStats{}, err
	}

	var betterAllTime int64
	if err := s.DB.Model(&models.ScoreRecord{}).
		Where("duration_ms = ? AND "+better, durationMS, score).
		Count(&betterAllTime).Error; err != nil {
		return RankStats{}, err
	}

	since := time.Now().Add(-24 * time.Hour)
	var betterDaily int64
	if err := s.DB.Model(&models.ScoreRecord{}).
		Where("duration_ms = ? AND created_at >= ? AND "+better, durationMS, since, score).
		Count(&betterDaily).Error; err != nil {
		return RankStats{}, err
	}

	allTimeRank := betterAllTime + 1
	percentile := 1
	if total > 0 {
		percentile = int(math.Round(float64(allTimeRank) / float64(total) * 100))
	}

	return RankStats{
		DailyRank:   betterDaily + 1,
		AllTimeRank: allTimeRank,
		Percentile:  percentile,
		TotalCount:  total,
	}, nil
}

// CompareOutcome resolves win/lose/tie for mine vs theirs with the round's
// comparison direction.
func CompareOutcome(mine, theirs int64, inverted bool) string {
	if mine == theirs {
		return "tie"
	}
	if (mine > theirs) != inverted {
		return "win"
	}
	return "lose"
}
