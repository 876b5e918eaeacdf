package services

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Game modes a session token can authorize. A token is only valid for the
// submission endpoint matching its mode.
const (
	ModeSolo      = "solo"
	ModeDuel      = "duel"
	ModeChallenge = "challenge"
)

// Round configurations. The two ranked timed rounds are 6.7s and 67s; the
// speedrun round (first to 67 reps, score = elapsed ms, lower is better) is
// encoded by SpeedrunDurationMS because its real length is unknown until the
// target is hit.
const (
	ShortRoundMS       int64 = 6700
	LongRoundMS        int64 = 67000
	SpeedrunDurationMS int64 = -1
	SpeedrunTargetReps       = 67

	// SpeedrunCeilingMS caps the speedrun window since no clock bounds it.
	SpeedrunCeilingMS   int64 = 10 * 60 * 1000
	GraceWindowMS       int64 = 30000
	MinPostIssueDelayMS int64 = 1000
	SigningBufferMS     int64 = 5000

	MinCustomDurationMS int64 = 3000
	MaxCustomDurationMS int64 = 300000
)

// IsRankedDuration reports whether a round configuration is eligible for the
// public leaderboard. Arbitrary custom durations never are.
func IsRankedDuration(durationMS int64) bool {
	return durationMS == ShortRoundMS || durationMS == LongRoundMS || durationMS == SpeedrunDurationMS
}

// IsInvertedMode reports whether lower scores are better for this round
// (true only for the speedrun, where the score is elapsed time).
func IsInvertedMode(durationMS int64) bool {
	return durationMS == SpeedrunDurationMS
}

// EffectiveWindowMS is the nominal play window used to compute token expiry.
func EffectiveWindowMS(durationMS int64) int64 {
	if durationMS == SpeedrunDurationMS {
		return SpeedrunCeilingMS
	}
	return durationMS
}

// SessionClaims is the signed payload of a session token. MatchID and
// PlayerKey scope the token to one participant of one duel or challenge;
// they are empty for solo sessions. The embedded RegisteredClaims carry the
// token's own expiry, so an expired token is refused by signature
// verification even if timing validation were bypassed.
type SessionClaims struct {
	Mode       string `json:"mode"`
	DurationMS int64  `json:"duration_ms"`
	IssuedAtMS int64  `json:"issued_at_ms"`
	MatchID    string `json:"match_id,omitempty"`
	PlayerKey  string `json:"player_key,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies signed session tokens. Stateless: a token
// is a pure function of the secret, the payload and the clock.
type TokenService struct {
	secret []byte
}

func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// Issue signs a session token authorizing exactly one scored play session.
func (t *TokenService) Issue(mode string, durationMS int64, matchID, playerKey string, now time.Time) (string, error) {
	issuedMS := now.UnixMilli()
	expiresMS := issuedMS + EffectiveWindowMS(durationMS) + GraceWindowMS + SigningBufferMS

	claims := SessionClaims{
		Mode:       mode,
		DurationMS: durationMS,
		IssuedAtMS: issuedMS,
		MatchID:    matchID,
		PlayerKey:  playerKey,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(time.UnixMilli(expiresMS)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify validates the signature and expiry of a token string. Malformed,
// tampered and expired input all collapse to nil — callers map that to 401.
func (t *TokenService) Verify(tokenString string, now time.Time) *SessionClaims {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&SessionClaims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return t.secret, nil
		},
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || !token.Valid {
		return nil
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return nil
	}
	return claims
}
