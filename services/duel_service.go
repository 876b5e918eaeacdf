package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"sixseven-ranked/models"
	"sixseven-ranked/ratelimit"
	"sixseven-ranked/utils"
)

const (
	// duelSyncDelay is how far in the future start_at is placed, giving both
	// clients time to receive it and begin their local countdown in sync.
	duelSyncDelay = 5 * time.Second
	duelExpiry    = 15 * time.Minute
)

type DuelService struct {
	DB      *gorm.DB
	Tokens  *TokenService
	Ranks   *RankService
	Limiter ratelimit.Store
	BaseURL string
}

func NewDuelService(db *gorm.DB, tokens *TokenService, ranks *RankService, limiter ratelimit.Store, baseURL string) *DuelService {
	return &DuelService{DB: db, Tokens: tokens, Ranks: ranks, Limiter: limiter, BaseURL: baseURL}
}

// loadDuel fetches a duel and applies lazy expiry: a waiting or active duel
// past its expires_at is flipped to expired on read, never by a background job.
func (s *DuelService) loadDuel(id string) (*models.Duel, error) {
	var duel models.Duel
	if err := s.DB.First(&duel, "id = ?", id).Error; err != nil {
		return nil, err
	}

	if (duel.Status == models.DuelStatusWaiting || duel.Status == models.DuelStatusActive) &&
		time.Now().After(duel.ExpiresAt) {
		res := s.DB.Model(&models.Duel{}).
			Where("id = ? AND status = ?", duel.ID, duel.Status).
			Update("status", models.DuelStatusExpired)
		if res.Error != nil {
			return nil, res.Error
		}
		duel.Status = models.DuelStatusExpired
	}

	return &duel, nil
}

// CreateDuel creates a waiting duel with the creator as its first player.
func (s *DuelService) CreateDuel(c *fiber.Ctx) error {
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

	duel := models.Duel{
		ID:         uuid.NewString(),
		DurationMS: req.DurationMS,
		Status:     models.DuelStatusWaiting,
		ExpiresAt:  time.Now().Add(duelExpiry),
	}
	player := models.DuelPlayer{
		ID:        uuid.NewString(),
		DuelID:    duel.ID,
		PlayerKey: uuid.NewString(),
		Seat:      1,
		Username:  req.Username,
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&duel).Error; err != nil {
			return err
		}
		return tx.Create(&player).Error
	})
	if err != nil {
		log.Printf("❌ [DUEL] failed to create duel for %s: %v", req.Username, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create duel"})
	}

	return c.JSON(fiber.Map{
		"matchId":    duel.ID,
		"player_key": player.PlayerKey,
		"shareUrl":   utils.ShareURL(s.BaseURL, "duel", duel.ID),
	})
}

// JoinDuel adds the second player to a waiting duel.
func (s *DuelService) JoinDuel(c *fiber.Ctx) error {
	var req struct {
		MatchID  string `json:"matchId"`
		Username string `json:"username"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Username == "" {
		return c.Status(400).JSON(fiber.Map{"error": "username is required"})
	}

	duel, err := s.loadDuel(req.MatchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "duel not found"})
	}
	if err != nil {
		log.Printf("❌ [DUEL] failed to load duel %s: %v", req.MatchID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}
	if duel.Status == models.DuelStatusExpired {
		return c.Status(400).JSON(fiber.Map{"error": "duel has expired"})
	}
	if duel.Status != models.DuelStatusWaiting {
		return c.Status(400).JSON(fiber.Map{"error": "duel is not joinable"})
	}

	// The joiner always takes seat 2; the unique (duel_id, seat) index makes
	// that claim atomic, so two racing joins cannot both land. The count check
	// is only a fast path for the common already-full case.
	var count int64
	if err := s.DB.Model(&models.DuelPlayer{}).
		Where("duel_id = ?", duel.ID).
		Count(&count).Error; err != nil {
		log.Printf("❌ [DUEL] failed to count players for duel %s: %v", duel.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to join duel"})
	}
	if count >= 2 {
		return c.Status(400).JSON(fiber.Map{"error": "duel already has two players"})
	}

	player := models.DuelPlayer{
		ID:        uuid.NewString(),
		DuelID:    duel.ID,
		PlayerKey: uuid.NewString(),
		Seat:      2,
		Username:  req.Username,
	}
	if err := s.DB.Create(&player).Error; err != nil {
		if isDuplicateErr(err) {
			// A concurrent join claimed seat 2 first.
			return c.Status(400).JSON(fiber.Map{"error": "duel already has two players"})
		}
		log.Printf("❌ [DUEL] failed to join duel %s: %v", duel.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to join duel"})
	}

	return c.JSON(fiber.Map{"player_key": player.PlayerKey})
}

// SetReady toggles a player's readiness flag. Never transitions the duel
// itself, so it is safe to retry.
func (s *DuelService) SetReady(c *fiber.Ctx) error {
	var req struct {
		MatchID   string `json:"matchId"`
		PlayerKey string `json:"player_key"`
		Ready     bool   `json:"ready"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	duel, err := s.loadDuel(req.MatchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "duel not found"})
	}
	if err != nil {
		log.Printf("❌ [DUEL] failed to load duel %s: %v", req.MatchID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}
	if duel.Status == models.DuelStatusExpired {
		return c.Status(400).JSON(fiber.Map{"error": "duel has expired"})
	}
	if duel.Status != models.DuelStatusWaiting {
		return c.Status(400).JSON(fiber.Map{"error": "duel has already started"})
	}

	res := s.DB.Model(&models.DuelPlayer{}).
		Where("duel_id = ? AND player_key = ?", duel.ID, req.PlayerKey).
		Update("ready", req.Ready)
	if res.Error != nil {
		log.Printf("❌ [DUEL] failed to update readiness in duel %s: %v", duel.ID, res.Error)
		return c.Status(500).JSON(fiber.Map{"error": "failed to update readiness"})
	}
	if res.RowsAffected == 0 {
		return c.Status(403).JSON(fiber.Map{"error": "unknown participant"})
	}

	return c.JSON(fiber.Map{"ok": true})
}

// StartDuel moves a waiting duel to active once both players are ready,
// booking start_at a few seconds in the future atomically with the status
// transition. A concurrent second start attempt is a no-op that returns the
// already-booked start_at.
func (s *DuelService) StartDuel(c *fiber.Ctx) error {
	var req struct {
		MatchID string `json:"matchId"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	duel, err := s.loadDuel(req.MatchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "duel not found"})
	}
	if err != nil {
		log.Printf("❌ [DUEL] failed to load duel %s: %v", req.MatchID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}
	if duel.Status == models.DuelStatusExpired {
		return c.Status(400).JSON(fiber.Map{"error": "duel has expired"})
	}
	if duel.Status == models.DuelStatusActive && duel.StartAt != nil {
		return c.JSON(fiber.Map{"start_at": duel.StartAt.UnixMilli()})
	}
	if duel.Status != models.DuelStatusWaiting {
		return c.Status(400).JSON(fiber.Map{"error": "duel cannot be started"})
	}

	var players []models.DuelPlayer
	if err := s.DB.Where("duel_id = ?", duel.ID).Find(&players).Error; err != nil {
		log.Printf("❌ [DUEL] failed to load players for duel %s: %v", duel.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}
	if len(players) != 2 {
		return c.Status(400).JSON(fiber.Map{"error": "duel needs two players to start"})
	}
	for _, p := range players {
		if !p.Ready {
			return c.Status(400).JSON(fiber.Map{"error": "both players must be ready"})
		}
	}

	startAt := time.Now().Add(duelSyncDelay)
	res := s.DB.Model(&models.Duel{}).
		Where("id = ? AND status = ?", duel.ID, models.DuelStatusWaiting).
		Updates(map[string]interface{}{
			"status":   models.DuelStatusActive,
			"start_at": startAt,
		})
	if res.Error != nil {
		log.Printf("❌ [DUEL] failed to start duel %s: %v", duel.ID, res.Error)
		return c.Status(500).JSON(fiber.Map{"error": "failed to start duel"})
	}
	if res.RowsAffected == 0 {
		// Lost the start race; the winner booked start_at.
		fresh, err := s.loadDuel(duel.ID)
		if err != nil || fresh.StartAt == nil {
			return c.Status(400).JSON(fiber.Map{"error": "duel cannot be started"})
		}
		return c.JSON(fiber.Map{"start_at": fresh.StartAt.UnixMilli()})
	}

	return c.JSON(fiber.Map{"start_at": startAt.UnixMilli()})
}

// DuelSession issues a duel-scoped session token to one participant of an
// active duel, along with start_at so the client can compute its countdown.
func (s *DuelService) DuelSession(c *fiber.Ctx) error {
	var req struct {
		MatchID   string `json:"matchId"`
		PlayerKey string `json:"player_key"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}

	duel, err := s.loadDuel(req.MatchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "duel not found"})
	}
	if err != nil {
		log.Printf("❌ [DUEL] failed to load duel %s: %v", req.MatchID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}
	if duel.Status == models.DuelStatusExpired {
		return c.Status(400).JSON(fiber.Map{"error": "duel has expired"})
	}
	if duel.Status != models.DuelStatusActive || duel.StartAt == nil {
		return c.Status(400).JSON(fiber.Map{"error": "duel has not started"})
	}

	var player models.DuelPlayer
	if err := s.DB.First(&player, "duel_id = ? AND player_key = ?", duel.ID, req.PlayerKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(403).JSON(fiber.Map{"error": "unknown participant"})
		}
		log.Printf("❌ [DUEL] failed to load player for duel %s: %v", duel.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}
	if player.Score != nil {
		return c.Status(400).JSON(fiber.Map{"error": "score already submitted"})
	}

	token, err := s.Tokens.Issue(ModeDuel, duel.DurationMS, duel.ID, player.PlayerKey, time.Now())
	if err != nil {
		log.Printf("❌ [DUEL] failed to sign token for duel %s: %v", duel.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to create session"})
	}

	return c.JSON(fiber.Map{
		"token":       token,
		"start_at":    duel.StartAt.UnixMilli(),
		"duration_ms": duel.DurationMS,
	})
}

// SubmitDuel records one player's score. The first submitter sees
// {status: waiting}; whichever request observes both scores present performs
// the completion side effects — guarded by the active→complete transition so
// they run at most once even if both requests observe both scores.
func (s *DuelService) SubmitDuel(c *fiber.Ctx) error {
	var req struct {
		Token string `json:"token"`
		Score int64  `json:"score"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Score < 0 {
		return c.Status(400).JSON(fiber.Map{"error": "score must be non-negative"})
	}

	now := time.Now()
	claims := s.Tokens.Verify(req.Token, now)
	if claims == nil {
		return c.Status(401).JSON(fiber.Map{"error": "invalid or expired session token"})
	}
	if claims.Mode != ModeDuel || claims.MatchID == "" || claims.PlayerKey == "" {
		return c.Status(401).JSON(fiber.Map{"error": "token is not valid for duel submission"})
	}

	if timing := ValidateTiming(claims, now.UnixMilli()); !timing.Valid {
		return c.Status(400).JSON(fiber.Map{"error": timing.Reason})
	}

	if res := s.Limiter.Check("duel:"+c.IP()+":"+claims.PlayerKey, submitWindow, submitMaxRequests); !res.Allowed {
		return c.Status(429).JSON(fiber.Map{
			"error": fmt.Sprintf("too many submissions, retry in %d seconds", res.RetryAfter),
		})
	}

	duel, err := s.loadDuel(claims.MatchID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "duel not found"})
	}
	if err != nil {
		log.Printf("❌ [DUEL] failed to load duel %s: %v", claims.MatchID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}
	if duel.Status == models.DuelStatusExpired {
		return c.Status(400).JSON(fiber.Map{"error": "duel has expired"})
	}
	if duel.Status != models.DuelStatusActive {
		return c.Status(400).JSON(fiber.Map{"error": "duel is not accepting submissions"})
	}

	var player models.DuelPlayer
	if err := s.DB.First(&player, "duel_id = ? AND player_key = ?", duel.ID, claims.PlayerKey).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(403).JSON(fiber.Map{"error": "unknown participant"})
		}
		log.Printf("❌ [DUEL] failed to load player for duel %s: %v", duel.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}

	// First write wins: the conditional update only lands while score is
	// still NULL, so a concurrent duplicate loses at the store layer.
	res := s.DB.Model(&models.DuelPlayer{}).
		Where("id = ? AND score IS NULL", player.ID).
		Updates(map[string]interface{}{
			"score":        req.Score,
			"submitted_at": now,
		})
	if res.Error != nil {
		log.Printf("❌ [DUEL] failed to record score for duel %s: %v", duel.ID, res.Error)
		return c.Status(500).JSON(fiber.Map{"error": "failed to record score"})
	}
	if res.RowsAffected == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "score already submitted"})
	}

	var players []models.DuelPlayer
	if err := s.DB.Where("duel_id = ?", duel.ID).Find(&players).Error; err != nil {
		log.Printf("❌ [DUEL] failed to reload players for duel %s: %v", duel.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}

	var me, opponent *models.DuelPlayer
	for i := range players {
		if players[i].PlayerKey == claims.PlayerKey {
			me = &players[i]
		} else {
			opponent = &players[i]
		}
	}
	if me == nil || me.Score == nil {
		log.Printf("❌ [DUEL] submitted player missing after write in duel %s", duel.ID)
		return c.Status(500).JSON(fiber.Map{"error": "failed to record score"})
	}
	if opponent == nil || opponent.Score == nil {
		return c.JSON(fiber.Map{"status": "waiting"})
	}

	// Both scores are in. The active→complete transition succeeds for exactly
	// one request; that request also writes the leaderboard rows.
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Duel{}).
			Where("id = ? AND status = ?", duel.ID, models.DuelStatusActive).
			Update("status", models.DuelStatusComplete)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the completion race; the other request wrote the rows.
			return nil
		}

		if !IsRankedDuration(duel.DurationMS) {
			return nil
		}
		for _, p := range players {
			record := models.ScoreRecord{
				ID:         uuid.NewString(),
				Username:   p.Username,
				Score:      *p.Score,
				DurationMS: duel.DurationMS,
			}
			if err := tx.Create(&record).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("❌ [DUEL] failed to complete duel %s: %v", duel.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to complete duel"})
	}

	inverted := IsInvertedMode(duel.DurationMS)
	result := fiber.Map{
		"myScore":          *me.Score,
		"myUsername":       me.Username,
		"opponentScore":    *opponent.Score,
		"opponentUsername": opponent.Username,
		"outcome":          CompareOutcome(*me.Score, *opponent.Score, inverted),
	}

	if IsRankedDuration(duel.DurationMS) {
		if myStats, err := s.Ranks.ComputeRank(duel.DurationMS, *me.Score, inverted); err == nil {
			result["myRankStats"] = myStats
		} else {
			log.Printf("⚠️  [DUEL] rank computation failed for duel %s: %v", duel.ID, err)
		}
		if oppStats, err := s.Ranks.ComputeRank(duel.DurationMS, *opponent.Score, inverted); err == nil {
			result["opponentRankStats"] = oppStats
		}
	}

	return c.JSON(fiber.Map{"status": "complete", "result": result})
}

// GetDuel is the lobby poll: opponents watch join/ready/start progress here.
// Scores are not exposed until the duel completes.
func (s *DuelService) GetDuel(c *fiber.Ctx) error {
	duel, err := s.loadDuel(c.Params("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "duel not found"})
	}
	if err != nil {
		log.Printf("❌ [DUEL] failed to load duel %s: %v", c.Params("id"), err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}

	var players []models.DuelPlayer
	if err := s.DB.Where("duel_id = ?", duel.ID).Order("created_at ASC").Find(&players).Error; err != nil {
		log.Printf("❌ [DUEL] failed to load players for duel %s: %v", duel.ID, err)
		return c.Status(500).JSON(fiber.Map{"error": "failed to load duel"})
	}

	summaries := make([]fiber.Map, 0, len(players))
	for _, p := range players {
		summary := fiber.Map{
			"username":  p.Username,
			"ready":     p.Ready,
			"submitted": p.Score != nil,
		}
		if duel.Status == models.DuelStatusComplete && p.Score != nil {
			summary["score"] = *p.Score
		}
		summaries = append(summaries, summary)
	}

	resp := fiber.Map{
		"matchId":     duel.ID,
		"status":      duel.Status,
		"duration_ms": duel.DurationMS,
		"players":     summaries,
	}
	if duel.StartAt != nil {
		resp["start_at"] = duel.StartAt.UnixMilli()
	}
	return c.JSON(resp)
}
