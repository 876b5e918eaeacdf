package services

// TimingResult reports whether a submission is plausibly timed, with a
// human-readable reason when it is not. Reasons are surfaced to players.
type TimingResult struct {
	Valid  bool
	Reason string
}

// ValidateTiming decides whether a submission arriving at submissionMS is
// validly timed for the round the claims authorize. It is a pure function of
// its arguments — the caller supplies the clock — so it can be tested
// against literal timestamps.
func ValidateTiming(claims *SessionClaims, submissionMS int64) TimingResult {
	if submissionMS < claims.IssuedAtMS+MinPostIssueDelayMS {
		return TimingResult{Reason: "submitted too early"}
	}

	// The speedrun has no predetermined length; it is bounded only by the
	// token's own expiry below.
	if claims.DurationMS != SpeedrunDurationMS &&
		submissionMS > claims.IssuedAtMS+claims.DurationMS+GraceWindowMS {
		return TimingResult{Reason: "submitted too late"}
	}

	if claims.ExpiresAt != nil && submissionMS > claims.ExpiresAt.Time.UnixMilli() {
		return TimingResult{Reason: "session token expired"}
	}

	return TimingResult{Valid: true}
}
