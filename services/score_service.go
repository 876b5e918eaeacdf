package services

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"sixseven-ranked/models"
	"sixseven-ranked/ratelimit"
)

// Submission throttle shared by all three game modes.
const (
	submitWindow      = time.Minute
	submitMaxRequests = 5
)

type ScoreService struct {
	DB      *gorm.DB
	Tokens  *TokenService
	Ranks   *RankService
	Limiter ratelimit.Store
}

func NewScoreService(db *gorm.DB, tokens *TokenService, ranks *RankService, limiter ratelimit.Store) *ScoreService {
	return &ScoreService{DB: db, Tokens: tokens, Ranks: ranks, Limiter: limiter}
}

// CreateSession issues a solo session token. duration_ms must be the
// speedrun sentinel or fall within the allowed custom range.
func (s *ScoreService) CreateSession(c *fiber.Ctx) error {
	var req struct {
		DurationMS int64 `json:"duration_ms"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	if req.DurationMS != SpeedrunDurationMS &&
		(req.DurationMS < MinCustomDurationMS || req.DurationMS > MaxCustomDurationMS) {
		return c.Status(400).JSON(fiber.Map{"error": "duration_ms out of range"})
	}

	token, err := s.Tokens.Issue(ModeSolo, req.DurationMS, "", "", time.Now())
	if err != nil {
		log.Printf("❌ [SESSION] failed to sign solo token: %v", err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create session"})
	}

	return c.JSON(fiber.Map{"token": token})
}

// SubmitScore validates a solo submission (token → timing → rate limit, in
// that order, all before any store write) and appends it to the leaderboard.
func (s *ScoreService) SubmitScore(c *fiber.Ctx) error {
	var req struct {
		Token    string `json:"token"`
		Username string `json:"username"`
		Score    int64  `json:"score"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Username == "" {
		return c.Status(400).JSON(fiber.Map{"error": "username is required"})
	}
	if req.Score < 0 {
		return c.Status(400).JSON(fiber.Map{"error": "score must be non-negative"})
	}

	now := time.Now()
	claims := s.Tokens.Verify(req.Token, now)
	if claims == nil {
		return c.Status(401).JSON(fiber.Map{"error": "invalid or expired session token"})
	}
	if claims.Mode != ModeSolo {
		return c.Status(401).JSON(fiber.Map{"error": "token is not valid for solo submission"})
	}

	if timing := ValidateTiming(claims, now.UnixMilli()); !timing.Valid {
		return c.Status(400).JSON(fiber.Map{"error": timing.Reason})
	}

	if res := s.Limiter.Check("submit:"+c.IP(), submitWindow, submitMaxRequests); !res.Allowed {
		return c.Status(429).JSON(fiber.Map{
			"error": fmt.Sprintf("too many submissions, retry in %d seconds", res.RetryAfter),
		})
	}

	// Custom-duration rounds are casual: nothing to rank, nothing to store.
	if !IsRankedDuration(claims.DurationMS) {
		return c.Status(400).JSON(fiber.Map{"error": "duration is not eligible for the leaderboard"})
	}

	record := models.ScoreRecord{
		ID:         uuid.NewString(),
		Username:   req.Username,
		Score:      req.Score,
		DurationMS: claims.DurationMS,
	}
	if err := s.DB.Create(&record).Error; err != nil {
		log.Printf("❌ [SUBMIT] failed to save score for %s (duration %d): %v", req.Username, claims.DurationMS, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to save score"})
	}

	stats, err := s.Ranks.ComputeRank(claims.DurationMS, req.Score, IsInvertedMode(claims.DurationMS))
	if err != nil {
		// Score is saved; rank display is best-effort.
		log.Printf("⚠️  [SUBMIT] rank computation failed for score %s: %v", record.ID, err)
		return c.JSON(fiber.Map{"scoreId": record.ID})
	}

	return c.JSON(fiber.Map{"scoreId": record.ID, "rank": stats})
}

// GetLeaderboard returns the top 100 of one duration partition, ordered by
// score in the round's direction, earliest submission first on ties.
func (s *ScoreService) GetLeaderboard(c *fiber.Ctx) error {
	durationMS, err := strconv.ParseInt(c.Query("duration_ms"), 10, 64)
	if err != nil || !IsRankedDuration(durationMS) {
		return c.Status(400).JSON(fiber.Map{"error": "duration_ms must be a ranked round configuration"})
	}

	order := "score DESC, created_at ASC"
	if IsInvertedMode(durationMS) {
		order = "score ASC, created_at ASC"
	}

	var records []models.ScoreRecord
	if err := s.DB.Where("duration_ms = ?", durationMS).
		Order(order).
		Limit(100).
		Find(&records).Error; err != nil {
		log.Printf("❌ [LEADERBOARD] query failed for duration %d: %v", durationMS, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load leaderboard"})
	}

	entries := make([]fiber.Map, 0, len(records))
	rank := 0
	var prevScore int64
	for i, r := range records {
		if i == 0 || r.Score != prevScore {
			rank = i + 1
			prevScore = r.Score
		}
		entries = append(entries, fiber.Map{
			"id":         r.ID,
			"username":   r.Username,
			"score":      r.Score,
			"rank":       rank,
			"created_at": r.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{"entries": entries})
}
