package services_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sixseven-ranked/models"
	"sixseven-ranked/services"
)

func TestDuelEndToEnd(t *testing.T) {
	app, db := newTestApp(t)

	// Create → join
	status, body := postJSON(t, app, "/duel/create", map[string]interface{}{
		"username":    "alice",
		"duration_ms": services.ShortRoundMS,
	})
	require.Equal(t, 200, status)
	matchID := body["matchId"].(string)
	aliceKey := body["player_key"].(string)
	assert.Contains(t, body["shareUrl"].(string), matchID)

	status, body = postJSON(t, app, "/duel/join", map[string]interface{}{
		"matchId":  matchID,
		"username": "bob",
	})
	require.Equal(t, 200, status)
	bobKey := body["player_key"].(string)
	require.NotEqual(t, aliceKey, bobKey)

	// Start is refused until both players are ready.
	status, body = postJSON(t, app, "/duel/start", map[string]interface{}{"matchId": matchID})
	assert.Equal(t, 400, status)
	assert.Equal(t, "both players must be ready", body["error"])

	// Session tokens are only issued once the duel is active.
	status, _ = postJSON(t, app, "/duel/session", map[string]interface{}{
		"matchId": matchID, "player_key": aliceKey,
	})
	assert.Equal(t, 400, status)

	for _, key := range []string{aliceKey, bobKey} {
		status, body = postJSON(t, app, "/duel/ready", map[string]interface{}{
			"matchId": matchID, "player_key": key, "ready": true,
		})
		require.Equal(t, 200, status)
		assert.Equal(t, true, body["ok"])
	}

	// Start books start_at in the near future, exactly once.
	status, body = postJSON(t, app, "/duel/start", map[string]interface{}{"matchId": matchID})
	require.Equal(t, 200, status)
	startAt := body["start_at"].(float64)
	assert.Greater(t, startAt, float64(time.Now().UnixMilli()))

	status, body = postJSON(t, app, "/duel/start", map[string]interface{}{"matchId": matchID})
	require.Equal(t, 200, status)
	assert.Equal(t, startAt, body["start_at"].(float64), "second start must return the booked start_at")

	// Both players obtain duel-scoped tokens.
	status, body = postJSON(t, app, "/duel/session", map[string]interface{}{
		"matchId": matchID, "player_key": aliceKey,
	})
	require.Equal(t, 200, status)
	aliceToken := body["token"].(string)
	assert.Equal(t, startAt, body["start_at"].(float64))
	assert.Equal(t, float64(services.ShortRoundMS), body["duration_ms"].(float64))

	status, body = postJSON(t, app, "/duel/session", map[string]interface{}{
		"matchId": matchID, "player_key": bobKey,
	})
	require.Equal(t, 200, status)
	bobToken := body["token"].(string)

	status, _ = postJSON(t, app, "/duel/session", map[string]interface{}{
		"matchId": matchID, "player_key": "bogus-key",
	})
	assert.Equal(t, 403, status)

	// Submissions are floored at one second past token issuance.
	time.Sleep(1100 * time.Millisecond)

	status, body = postJSON(t, app, "/duel/submit", map[string]interface{}{
		"token": aliceToken, "score": 42,
	})
	require.Equal(t, 200, status)
	assert.Equal(t, "waiting", body["status"])

	// Replaying a consumed token is rejected as a duplicate and must not
	// overwrite the stored score.
	status, body = postJSON(t, app, "/duel/submit", map[string]interface{}{
		"token": aliceToken, "score": 99,
	})
	assert.Equal(t, 400, status)
	assert.Equal(t, "score already submitted", body["error"])

	status, body = postJSON(t, app, "/duel/submit", map[string]interface{}{
		"token": bobToken, "score": 37,
	})
	require.Equal(t, 200, status)
	require.Equal(t, "complete", body["status"])

	result := body["result"].(map[string]interface{})
	assert.Equal(t, float64(37), result["myScore"])
	assert.Equal(t, "bob", result["myUsername"])
	assert.Equal(t, float64(42), result["opponentScore"])
	assert.Equal(t, "alice", result["opponentUsername"])
	assert.Equal(t, "lose", result["outcome"])
	require.Contains(t, result, "myRankStats")
	require.Contains(t, result, "opponentRankStats")

	// A completed duel accepts no further submissions.
	status, body = postJSON(t, app, "/duel/submit", map[string]interface{}{
		"token": bobToken, "score": 50,
	})
	assert.Equal(t, 400, status)
	assert.Equal(t, "duel is not accepting submissions", body["error"])

	// The duel completed exactly once: one pair of leaderboard rows.
	var duel models.Duel
	require.NoError(t, db.First(&duel, "id = ?", matchID).Error)
	assert.Equal(t, models.DuelStatusComplete, duel.Status)
	require.NotNil(t, duel.StartAt)

	var count int64
	require.NoError(t, db.Model(&models.ScoreRecord{}).
		Where("duration_ms = ?", services.ShortRoundMS).
		Count(&count).Error)
	assert.Equal(t, int64(2), count)

	var alice models.DuelPlayer
	require.NoError(t, db.First(&alice, "duel_id = ? AND player_key = ?", matchID, aliceKey).Error)
	require.NotNil(t, alice.Score)
	assert.Equal(t, int64(42), *alice.Score, "first submission wins; the replay must not overwrite")

	// Lobby poll exposes scores only after completion.
	status, body = getJSON(t, app, "/duel/"+matchID)
	require.Equal(t, 200, status)
	assert.Equal(t, models.DuelStatusComplete, body["status"])
	players := body["players"].([]interface{})
	require.Len(t, players, 2)
	assert.Contains(t, players[0].(map[string]interface{}), "score")
}

func TestDuelJoinRules(t *testing.T) {
	app, _ := newTestApp(t)

	status, _ := postJSON(t, app, "/duel/join", map[string]interface{}{
		"matchId": "missing", "username": "bob",
	})
	assert.Equal(t, 404, status)

	_, body := postJSON(t, app, "/duel/create", map[string]interface{}{
		"username": "alice", "duration_ms": services.LongRoundMS,
	})
	matchID := body["matchId"].(string)

	status, _ = postJSON(t, app, "/duel/join", map[string]interface{}{
		"matchId": matchID, "username": "bob",
	})
	require.Equal(t, 200, status)

	status, body = postJSON(t, app, "/duel/join", map[string]interface{}{
		"matchId": matchID, "username": "carol",
	})
	assert.Equal(t, 400, status)
	assert.Equal(t, "duel already has two players", body["error"])
}

func TestDuelRejectsWrongModeToken(t *testing.T) {
	app, _ := newTestApp(t)

	// A solo token must never be accepted by the duel submission endpoint.
	status, body := postJSON(t, app, "/session", map[string]interface{}{
		"duration_ms": services.ShortRoundMS,
	})
	require.Equal(t, 200, status)
	soloToken := body["token"].(string)

	status, body = postJSON(t, app, "/duel/submit", map[string]interface{}{
		"token": soloToken, "score": 10,
	})
	assert.Equal(t, 401, status)
	assert.Equal(t, "token is not valid for duel submission", body["error"])
}

func TestDuelCreateValidation(t *testing.T) {
	app, _ := newTestApp(t)

	status, _ := postJSON(t, app, "/duel/create", map[string]interface{}{
		"username": "", "duration_ms": services.ShortRoundMS,
	})
	assert.Equal(t, 400, status)

	status, _ = postJSON(t, app, "/duel/create", map[string]interface{}{
		"username": "alice", "duration_ms": 100,
	})
	assert.Equal(t, 400, status)

	// The speedrun sentinel is a valid duel configuration.
	status, _ = postJSON(t, app, "/duel/create", map[string]interface{}{
		"username": "alice", "duration_ms": services.SpeedrunDurationMS,
	})
	assert.Equal(t, 200, status)
}

func TestDuelSeatClaimIsAtomic(t *testing.T) {
	app, db := newTestApp(t)

	_, body := postJSON(t, app, "/duel/create", map[string]interface{}{
		"username": "alice", "duration_ms": services.ShortRoundMS,
	})
	matchID := body["matchId"].(string)

	status, _ := postJSON(t, app, "/duel/join", map[string]interface{}{
		"matchId": matchID, "username": "bob",
	})
	require.Equal(t, 200, status)

	var players []models.DuelPlayer
	require.NoError(t, db.Where("duel_id = ?", matchID).Order("seat ASC").Find(&players).Error)
	require.Len(t, players, 2)
	assert.Equal(t, 1, players[0].Seat)
	assert.Equal(t, 2, players[1].Seat)

	// A join that raced past the count check still cannot land: seat 2 is
	// already claimed and the unique (duel_id, seat) index rejects the row.
	intruder := models.DuelPlayer{
		ID:        uuid.NewString(),
		DuelID:    matchID,
		PlayerKey: uuid.NewString(),
		Seat:      2,
		Username:  "mallory",
	}
	require.Error(t, db.Create(&intruder).Error)

	var count int64
	require.NoError(t, db.Model(&models.DuelPlayer{}).Where("duel_id = ?", matchID).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	// With the cap intact, both seats ready up and the duel starts normally.
	for _, p := range players {
		status, _ = postJSON(t, app, "/duel/ready", map[string]interface{}{
			"matchId": matchID, "player_key": p.PlayerKey, "ready": true,
		})
		require.Equal(t, 200, status)
	}
	status, body = postJSON(t, app, "/duel/start", map[string]interface{}{
		"matchId": matchID,
	})
	require.Equal(t, 200, status)
	assert.NotNil(t, body["start_at"])
}
