package handlers

import (
	"sixseven-ranked/services"

	"github.com/gofiber/fiber/v2"
)

func SetupGameRoutes(app *fiber.App, scores *services.ScoreService, duels *services.DuelService, challenges *services.ChallengeService) {
	// Solo play + public leaderboard
	app.Post("/session", scores.CreateSession)
	app.Post("/submit", scores.SubmitScore)
	app.Get("/leaderboard", scores.GetLeaderboard)

	// Real-time duels
	duel := app.Group("/duel")
	duel.Post("/create", duels.CreateDuel)
	duel.Post("/join", duels.JoinDuel)
	duel.Post("/ready", duels.SetReady)
	duel.Post("/start", duels.StartDuel)
	duel.Post("/session", duels.DuelSession)
	duel.Post("/submit", duels.SubmitDuel)
	duel.Get("/:id", duels.GetDuel)

	// Asynchronous challenges
	challenge := app.Group("/challenge")
	challenge.Post("/create", challenges.CreateChallenge)
	challenge.Post("/session", challenges.ChallengeSession)
	challenge.Post("/submit", challenges.SubmitChallenge)
	challenge.Get("/:id", challenges.GetChallenge)
}
