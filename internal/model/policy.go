package model

import (
	"errors"
	"fmt"
)

const (
	MinReputationScore = 0
	MaxReputationScore = 100
)

// ReputationPolicy holds the tunable constants of the reputation loop.
type ReputationPolicy struct {
	InitialScore      int `env:"INITIAL_SCORE" envDefault:"10"`
	BaseJoinLimit     int `env:"BASE_LIMIT" envDefault:"3"`
	MaxJoinLimit      int `env:"MAX_LIMIT" envDefault:"10"`
	ScorePerLimitStep int `env:"PER_LIMIT_STEP" envDefault:"10"`
	IncreaseStep      int `env:"INCREASE_STEP" envDefault:"1"`
	DecreaseStep      int `env:"DECREASE_STEP" envDefault:"1"`
}

// DefaultReputationPolicy returns the reference constants.
func DefaultReputationPolicy() ReputationPolicy {
	return ReputationPolicy{
		InitialScore:      10,
		BaseJoinLimit:     3,
		MaxJoinLimit:      10,
		ScorePerLimitStep: 10,
		IncreaseStep:      1,
		DecreaseStep:      1,
	}
}

// Validate rejects policies that would break the score or limit invariants.
func (p ReputationPolicy) Validate() error {
	var errs []error
	if p.InitialScore < MinReputationScore || p.InitialScore > MaxReputationScore {
		errs = append(errs, fmt.Errorf("initial score %d outside [%d,%d]", p.InitialScore, MinReputationScore, MaxReputationScore))
	}
	if p.BaseJoinLimit < 0 {
		errs = append(errs, fmt.Errorf("base join limit must not be negative"))
	}
	if p.MaxJoinLimit < p.BaseJoinLimit {
		errs = append(errs, fmt.Errorf("max join limit %d below base join limit %d", p.MaxJoinLimit, p.BaseJoinLimit))
	}
	if p.ScorePerLimitStep <= 0 {
		errs = append(errs, fmt.Errorf("score per limit step must be positive"))
	}
	if p.IncreaseStep < 0 || p.DecreaseStep < 0 {
		errs = append(errs, fmt.Errorf("reputation steps must not be negative"))
	}
	return errors.Join(errs...)
}

// JoinLimit is the number of concurrently active non-host memberships a
// profile with the given score may hold.
func (p ReputationPolicy) JoinLimit(score int) int {
	return min(p.MaxJoinLimit, p.BaseJoinLimit+ClampScore(score)/p.ScorePerLimitStep)
}

// AbleToJoinMore reports whether activeCount is still below the join limit.
func (p ReputationPolicy) AbleToJoinMore(score, activeCount int) bool {
	return activeCount < p.JoinLimit(score)
}

// Increased returns score raised by one step, capped at the maximum.
func (p ReputationPolicy) Increased(score int) int {
	return ClampScore(score + p.IncreaseStep)
}

// Decreased returns score lowered by one step, floored at the minimum.
func (p ReputationPolicy) Decreased(score int) int {
	return ClampScore(score - p.DecreaseStep)
}

// Summarize derives the join allowance of a profile.
func (p ReputationPolicy) Summarize(profile Profile, activeCount int) ProfileSummary {
	return ProfileSummary{
		Profile:             profile,
		ActiveActivityCount: activeCount,
		JoinLimit:           p.JoinLimit(profile.ReputationScore),
		AbleToJoinMore:      p.AbleToJoinMore(profile.ReputationScore, activeCount),
	}
}

// ClampScore forces score into [MinReputationScore, MaxReputationScore].
func ClampScore(score int) int {
	return max(MinReputationScore, min(MaxReputationScore, score))
}
