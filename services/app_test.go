package services_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sixseven-ranked/handlers"
	"sixseven-ranked/models"
	"sixseven-ranked/ratelimit"
	"sixseven-ranked/services"
)

// newTestApp wires the full route surface against a throwaway sqlite file,
// mirroring the production setup in main.go.
func newTestApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("app_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	require.NoError(t, db.AutoMigrate(
		&models.ScoreRecord{},
		&models.Duel{},
		&models.DuelPlayer{},
		&models.Challenge{},
		&models.ChallengeEntry{},
	))

	tokens := services.NewTokenService("test-secret")
	ranks := services.NewRankService(db)
	limiter := ratelimit.NewMemoryStore()

	scores := services.NewScoreService(db, tokens, ranks, limiter)
	duels := services.NewDuelService(db, tokens, ranks, limiter, "http://localhost:3000")
	challenges := services.NewChallengeService(db, tokens, limiter, "http://localhost:3000")

	app := fiber.New()
	handlers.SetupGameRoutes(app, scores, duels, challenges)
	return app, db
}

func postJSON(t *testing.T, app *fiber.App, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	return resp.StatusCode, decodeBody(t, resp.Body)
}

func getJSON(t *testing.T, app *fiber.App, path string) (int, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	return resp.StatusCode, decodeBody(t, resp.Body)
}

func decodeBody(t *testing.T, r io.Reader) map[string]interface{} {
	t.Helper()

	raw, err := io.ReadAll(r)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}
