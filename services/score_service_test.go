package services_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sixseven-ranked/services"
)

func TestSoloSessionValidation(t *testing.T) {
	app, _ := newTestApp(t)

	status, body := postJSON(t, app, "/session", map[string]interface{}{
		"duration_ms": services.ShortRoundMS,
	})
	require.Equal(t, 200, status)
	assert.NotEmpty(t, body["token"])

	// The speedrun sentinel is always allowed.
	status, _ = postJSON(t, app, "/session", map[string]interface{}{
		"duration_ms": services.SpeedrunDurationMS,
	})
	assert.Equal(t, 200, status)

	for _, durationMS := range []int64{0, 100, 999999} {
		status, body = postJSON(t, app, "/session", map[string]interface{}{
			"duration_ms": durationMS,
		})
		assert.Equal(t, 400, status, "duration %d", durationMS)
		assert.Equal(t, "duration_ms out of range", body["error"])
	}
}

func TestSoloSubmitFlow(t *testing.T) {
	app, _ := newTestApp(t)

	status, body := postJSON(t, app, "/session", map[string]interface{}{
		"duration_ms": services.ShortRoundMS,
	})
	require.Equal(t, 200, status)
	token := body["token"].(string)

	// A submission within a second of issuance cannot be real gameplay.
	status, body = postJSON(t, app, "/submit", map[string]interface{}{
		"token": token, "username": "alice", "score": 41,
	})
	assert.Equal(t, 400, status)
	assert.Equal(t, "submitted too early", body["error"])

	time.Sleep(1100 * time.Millisecond)

	status, body = postJSON(t, app, "/submit", map[string]interface{}{
		"token": token, "username": "alice", "score": 41,
	})
	require.Equal(t, 200, status)
	assert.NotEmpty(t, body["scoreId"])

	rank := body["rank"].(map[string]interface{})
	assert.Equal(t, float64(1), rank["allTimeRank"])
	assert.Equal(t, float64(1), rank["dailyRank"])
	assert.Equal(t, float64(1), rank["totalCount"])

	status, body = getJSON(t, app, fmt.Sprintf("/leaderboard?duration_ms=%d", services.ShortRoundMS))
	require.Equal(t, 200, status)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, float64(41), entry["score"])
	assert.Equal(t, float64(1), entry["rank"])
}

func TestSoloSubmitRejectsGarbage(t *testing.T) {
	app, _ := newTestApp(t)

	status, body := postJSON(t, app, "/submit", map[string]interface{}{
		"token": "not-a-token", "username": "alice", "score": 41,
	})
	assert.Equal(t, 401, status)
	assert.Equal(t, "invalid or expired session token", body["error"])

	_, body = postJSON(t, app, "/session", map[string]interface{}{
		"duration_ms": services.ShortRoundMS,
	})
	token := body["token"].(string)

	status, _ = postJSON(t, app, "/submit", map[string]interface{}{
		"token": token, "username": "", "score": 41,
	})
	assert.Equal(t, 400, status)

	status, _ = postJSON(t, app, "/submit", map[string]interface{}{
		"token": token, "username": "alice", "score": -1,
	})
	assert.Equal(t, 400, status)
}

func TestSoloSubmitRateLimited(t *testing.T) {
	app, _ := newTestApp(t)

	status, body := postJSON(t, app, "/session", map[string]interface{}{
		"duration_ms": services.ShortRoundMS,
	})
	require.Equal(t, 200, status)
	token := body["token"].(string)

	time.Sleep(1100 * time.Millisecond)

	// Five submissions per minute per client; the sixth is throttled with a
	// retry hint. (Solo tokens carry no participant record, so the limiter
	// is the replay bound here.)
	for i := 0; i < 5; i++ {
		status, _ = postJSON(t, app, "/submit", map[string]interface{}{
			"token": token, "username": "alice", "score": int64(10 + i),
		})
		require.Equal(t, 200, status, "submission %d", i+1)
	}

	status, body = postJSON(t, app, "/submit", map[string]interface{}{
		"token": token, "username": "alice", "score": 99,
	})
	assert.Equal(t, 429, status)
	assert.Contains(t, body["error"], "retry in")
}

func TestLeaderboardValidation(t *testing.T) {
	app, _ := newTestApp(t)

	status, _ := getJSON(t, app, "/leaderboard?duration_ms=12345")
	assert.Equal(t, 400, status)

	status, _ = getJSON(t, app, "/leaderboard")
	assert.Equal(t, 400, status)

	status, body := getJSON(t, app, fmt.Sprintf("/leaderboard?duration_ms=%d", services.LongRoundMS))
	require.Equal(t, 200, status)
	assert.Empty(t, body["entries"])
}
