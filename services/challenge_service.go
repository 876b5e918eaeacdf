package services

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"sixseven-ranked/models"
	"sixseven-ranked/ratelimit"
	"sixseven-ranked/utils"
)

const challengeExpiry = 7 * 24 * time.Hour

type ChallengeService struct {
	DB      *gorm.DB
	Tokens  *TokenService
	Limiter ratelimit.Store
	BaseURL string
}

func NewChallengeService(db *gorm.DB, tokens *TokenService, limiter ratelimit.Store, baseURL string) *ChallengeService {
	return &ChallengeService{DB: db, Tokens: tokens, Limiter: limiter, BaseURL: baseURL}
}

// loadChallenge fetches a challenge and applies lazy expiry on read.
func (s *ChallengeService) loadChallenge(id string) (*models.Challenge, error) {
	var challenge models.Challenge
	if err := s.DB.First(&challenge, "id = ?", id).Error; err != nil {
		return nil, err
	}

	if challenge.Status == models.ChallengeStatusPending && time.Now().After(challenge.ExpiresAt) {
		res := s.DB.Model(&models.Challenge{}).
			Where("id = ? AND status = ?", challenge.ID, models.ChallengeStatusPending).
			Update("status", models.ChallengeStatusExpired)
		if res.Error != nil {
			return nil, res.Error
		}
		challenge.Status = models.ChallengeStatusExpired
	}

	return &challenge, nil
}

// CreateChallenge opens an asynchronous match. Unlike a duel, no entry row is
// created here — the creator plays right away under a match-scoped token and
// their entry appears at submission time.
func (s *ChallengeService) CreateChallenge(c *fiber.Ctx) error {
	var req struct {
		Username   string `json:"username"`
		DurationMS int64  `json:"duration_ms"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Username == "" {
		return c.Status(400).JSON(fiber.Map{"error": "username is required"})
	}
	if req.DurationMS != SpeedrunDurationMS &&
		(req.DurationMS < MinCustomDurationMS || req.DurationMS > MaxCustomDurationMS) {
		return c.Status(400).JSON(fiber.Map{"error": "duration_ms out of range"})
	}

	challenge := models.Challenge{
		ID:         uuid.NewString(),
		DurationMS: req.DurationMS,
		Status:     models.ChallengeStatusPending,
		ExpiresAt:  time.Now().Add(challengeExpiry),
	}
	if err := s.DB.Create(&challenge).Error; err != nil {
		log.Printf("❌ [CHALLENGE] failed to create challenge for %s: %v", req.Username, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create challenge"})
	}

	return c.JSON(fiber.Map{
		"matchId":    challenge.ID,
		"player_key": uuid.NewString(),
		"shareUrl":   utils.ShareURL(s.BaseURL, "challenge", challenge.ID),
	})
}

// ChallengeSession issues a challenge-scoped token for any player_key that
// has not yet submitted. The two-entry cap is enforced here as well as at
// submission time.
func (s *ChallengeService) ChallengeSession(c *fiber.Ctx) error {
	var req struct {
		MatchID   string `json:"matchId"`
		PlayerKey string `json:"player_key"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.PlayerKey == "" {
		return c.Status(400).JSON(fiber.Map{"error": "player_key is required"})
	}

	challenge, err := s.loadChallenge(req.MatchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "challenge not found"})
	}
	if err != nil {
		log.Printf("❌ [CHALLENGE] failed to load challenge %s: %v", req.MatchID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load challenge"})
	}
	if challenge.Status == models.ChallengeStatusExpired {
		return c.Status(400).JSON(fiber.Map{"error": "challenge has expired"})
	}

	var count int64
	if err := s.DB.Model(&models.ChallengeEntry{}).
		Where("challenge_id = ?", challenge.ID).
		Count(&count).Error; err != nil {
		log.Printf("❌ [CHALLENGE] failed to count entries for %s: %v", challenge.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load challenge"})
	}
	if count >= 2 {
		return c.Status(400).JSON(fiber.Map{"error": "challenge is full"})
	}

	// A key that already submitted cannot replay against its own entry.
	var existing int64
	if err := s.DB.Model(&models.ChallengeEntry{}).
		Where("challenge_id = ? AND player_key = ?", challenge.ID, req.PlayerKey).
		Count(&existing).Error; err != nil {
		log.Printf("❌ [CHALLENGE] failed to check entry for %s: %v", challenge.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load challenge"})
	}
	if existing > 0 {
		return c.Status(400).JSON(fiber.Map{"error": "already submitted for this challenge"})
	}

	token, err := s.Tokens.Issue(ModeChallenge, challenge.DurationMS, challenge.ID, req.PlayerKey, time.Now())
	if err != nil {
		log.Printf("❌ [CHALLENGE] failed to sign token for %s: %v", challenge.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create session"})
	}

	return c.JSON(fiber.Map{
		"token":       token,
		"duration_ms": challenge.DurationMS,
	})
}

// SubmitChallenge inserts the caller's entry. The unique index on
// (challenge_id, player_key) is the authoritative double-submission defense;
// a constraint failure is reported as "already submitted", not a generic 500.
func (s *ChallengeService) SubmitChallenge(c *fiber.Ctx) error {
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
	if claims.Mode != ModeChallenge || claims.MatchID == "" || claims.PlayerKey == "" {
		return c.Status(401).JSON(fiber.Map{"error": "token is not valid for challenge submission"})
	}

	if timing := ValidateTiming(claims, now.UnixMilli()); !timing.Valid {
		return c.Status(400).JSON(fiber.Map{"error": timing.Reason})
	}

	if res := s.Limiter.Check("challenge:"+c.IP()+":"+claims.PlayerKey, submitWindow, submitMaxRequests); !res.Allowed {
		return c.Status(429).JSON(fiber.Map{
			"error": fmt.Sprintf("too many submissions, retry in %d seconds", res.RetryAfter),
		})
	}

	challenge, err := s.loadChallenge(claims.MatchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "challenge not found"})
	}
	if err != nil {
		log.Printf("❌ [CHALLENGE] failed to load challenge %s: %v", claims.MatchID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load challenge"})
	}
	if challenge.Status == models.ChallengeStatusExpired {
		return c.Status(400).JSON(fiber.Map{"error": "challenge has expired"})
	}

	// Cap at two entries here too: a token issued before the challenge filled
	// must not let a third entrant in. Seats are claimed through the unique
	// (challenge_id, seat) index, so racing submissions cannot both take the
	// same slot; losing a seat to a concurrent entrant retries once on the
	// next one.
	entry := models.ChallengeEntry{
		ID:          uuid.NewString(),
		ChallengeID: challenge.ID,
		PlayerKey:   claims.PlayerKey,
		Username:    req.Username,
		Score:       req.Score,
	}
	inserted := false
	for attempt := 0; attempt < 2; attempt++ {
		var count int64
		if err := s.DB.Model(&models.ChallengeEntry{}).
			Where("challenge_id = ?", challenge.ID).
			Count(&count).Error; err != nil {
			log.Printf("❌ [CHALLENGE] failed to count entries for %s: %v", challenge.ID, err)
			return c.Status(500).JSON(fiber.Map{"error": "failed to load challenge"})
		}
		if count >= 2 {
			return c.Status(400).JSON(fiber.Map{"error": "challenge is full"})
		}
		entry.Seat = int(count) + 1

		err := s.DB.Create(&entry).Error
		if err == nil {
			inserted = true
			break
		}
		if !isDuplicateErr(err) {
			log.Printf("❌ [CHALLENGE] failed to save entry for %s: %v", challenge.ID, err)
			return c.Status(500).JSON(fiber.Map{"error": "failed to save entry"})
		}
		var existing int64
		if err := s.DB.Model(&models.ChallengeEntry{}).
			Where("challenge_id = ? AND player_key = ?", challenge.ID, claims.PlayerKey).
			Count(&existing).Error; err != nil {
			log.Printf("❌ [CHALLENGE] failed to check entry for %s: %v", challenge.ID, err)
			return c.Status(500).JSON(fiber.Map{"error": "failed to save entry"})
		}
		if existing > 0 {
			return c.Status(400).JSON(fiber.Map{"error": "already submitted for this challenge"})
		}
	}
	if !inserted {
		return c.Status(400).JSON(fiber.Map{"error": "challenge is full"})
	}

	var entries []models.ChallengeEntry
	if err := s.DB.Where("challenge_id = ?", challenge.ID).Find(&entries).Error; err != nil {
		log.Printf("❌ [CHALLENGE] failed to reload entries for %s: %v", challenge.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load challenge"})
	}
	if len(entries) < 2 {
		return c.JSON(fiber.Map{"status": "waiting"})
	}

	res := s.DB.Model(&models.Challenge{}).
		Where("id = ? AND status = ?", challenge.ID, models.ChallengeStatusPending).
		Update("status", models.ChallengeStatusComplete)
	if res.Error != nil {
		log.Printf("❌ [CHALLENGE] failed to complete challenge %s: %v", challenge.ID, res.Error)
		return c.Status(500).JSON(fiber.Map{"error": "failed to complete challenge"})
	}

	var opponent *models.ChallengeEntry
	for i := range entries {
		if entries[i].PlayerKey != claims.PlayerKey {
			opponent = &entries[i]
			break
		}
	}
	if opponent == nil {
		log.Printf("❌ [CHALLENGE] no opposing entry found in challenge %s", challenge.ID)
		return c.Status(500).JSON(fiber.Map{"error": "failed to resolve challenge"})
	}

	return c.JSON(fiber.Map{
		"status": "complete",
		"result": fiber.Map{
			"myScore":          req.Score,
			"myUsername":       req.Username,
			"opponentScore":    opponent.Score,
			"opponentUsername": opponent.Username,
			"outcome":          CompareOutcome(req.Score, opponent.Score, IsInvertedMode(challenge.DurationMS)),
		},
	})
}

// GetChallenge is the share-link poll. Scores are withheld until completion
// so the second player cannot see the target before playing.
func (s *ChallengeService) GetChallenge(c *fiber.Ctx) error {
	challenge, err := s.loadChallenge(c.Params("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "challenge not found"})
	}
	if err != nil {
		log.Printf("❌ [CHALLENGE] failed to load challenge %s: %v", c.Params("id"), err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load challenge"})
	}

	var entries []models.ChallengeEntry
	if err := s.DB.Where("challenge_id = ?", challenge.ID).Order("created_at ASC").Find(&entries).Error; err != nil {
		log.Printf("❌ [CHALLENGE] failed to load entries for %s: %v", challenge.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load challenge"})
	}

	summaries := make([]fiber.Map, 0, len(entries))
	for _, e := range entries {
		summary := fiber.Map{"username": e.Username, "submitted_at": e.CreatedAt}
		if challenge.Status == models.ChallengeStatusComplete {
			summary["score"] = e.Score
		}
		summaries = append(summaries, summary)
	}

	return c.JSON(fiber.Map{
		"matchId":     challenge.ID,
		"status":      challenge.Status,
		"duration_ms": challenge.DurationMS,
		"entries":     summaries,
	})
}

// isDuplicateErr detects a unique-constraint violation across the drivers in
// use (postgres in production, sqlite in tests).
func isDuplicateErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
