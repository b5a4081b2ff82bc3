package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

// ReputationLedger owns profiles and every change to a reputation score.
type ReputationLedger struct {
	*core
}

// CreateProfile creates the profile of userID with the initial score.
func (l *ReputationLedger) CreateProfile(ctx context.Context, userID string, req model.CreateProfileRequest) (profile model.Profile, err error) {
	ctx, op := l.start(ctx, "ReputationLedger", "CreateProfile", attribute.String("user_id", userID))
	defer func() { op.end(err, "profile created") }()

	userID = strings.TrimSpace(userID)
	req.Faculty = strings.TrimSpace(req.Faculty)
	req.Major = strings.TrimSpace(req.Major)
	switch {
	case userID == "":
		return model.Profile{}, invalid("user id is required")
	case req.Faculty == "":
		return model.Profile{}, invalid("faculty is required")
	case req.Major == "":
		return model.Profile{}, invalid("major is required")
	case req.Generation != nil && *req.Generation <= 0:
		return model.Profile{}, invalid("generation must be positive")
	}

	profile = model.Profile{
		UserID:          userID,
		NickName:        req.NickName,
		Pronoun:         req.Pronoun,
		Faculty:         req.Faculty,
		Major:           req.Major,
		AboutMe:         req.AboutMe,
		Generation:      req.Generation,
		ReputationScore: model.ClampScore(l.policy.InitialScore),
		CreatedAt:       l.now(),
	}
	err = l.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.InsertProfile(ctx, profile); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrProfileExists
			}
			return fmt.Errorf("insert profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Profile{}, err
	}
	return profile, nil
}

// EditProfile applies a partial update to the caller's own profile. The
// reputation score is not part of the request and never changes here.
func (l *ReputationLedger) EditProfile(ctx context.Context, userID string, req model.EditProfileRequest) (profile model.Profile, err error) {
	ctx, op := l.start(ctx, "ReputationLedger", "EditProfile", attribute.String("user_id", userID))
	defer func() { op.end(err, "profile edited") }()

	if req.Faculty != nil {
		trimmed := strings.TrimSpace(*req.Faculty)
		if trimmed == "" {
			return model.Profile{}, invalid("faculty must not be empty")
		}
		req.Faculty = &trimmed
	}
	if req.Major != nil {
		trimmed := strings.TrimSpace(*req.Major)
		if trimmed == "" {
			return model.Profile{}, invalid("major must not be empty")
		}
		req.Major = &trimmed
	}
	if req.Generation != nil && *req.Generation <= 0 {
		return model.Profile{}, invalid("generation must be positive")
	}

	err = l.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.LockProfile(ctx, userID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrProfileNotFound
		}
		if err != nil {
			return fmt.Errorf("lock profile: %w", err)
		}
		if req.NickName != nil {
			p.NickName = req.NickName
		}
		if req.Pronoun != nil {
			p.Pronoun = req.Pronoun
		}
		if req.Faculty != nil {
			p.Faculty = *req.Faculty
		}
		if req.Major != nil {
			p.Major = *req.Major
		}
		if req.AboutMe != nil {
			p.AboutMe = req.AboutMe
		}
		if req.Generation != nil {
			p.Generation = req.Generation
		}
		if err := tx.UpdateProfile(ctx, p); err != nil {
			return fmt.Errorf("update profile: %w", err)
		}
		profile = p
		return nil
	})
	if err != nil {
		return model.Profile{}, err
	}
	return profile, nil
}

// Profile returns the profile of userID with its derived join allowance.
func (l *ReputationLedger) Profile(ctx context.Context, userID string) (summary model.ProfileSummary, err error) {
	ctx, op := l.start(ctx, "ReputationLedger", "Profile", attribute.String("user_id", userID))
	defer func() { op.end(err, "profile loaded") }()

	now := l.now()
	err = l.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetProfile(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrProfileNotFound
			}
			return fmt.Errorf("get profile: %w", err)
		}
		active, err := tx.CountActiveJoins(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("count active joins: %w", err)
		}
		summary = l.policy.Summarize(p, active)
		return nil
	})
	return summary, err
}

// Increase raises the score of userID by one step, capped at the maximum.
func (l *ReputationLedger) Increase(ctx context.Context, userID string) (err error) {
	ctx, op := l.start(ctx, "ReputationLedger", "Increase", attribute.String("user_id", userID))
	defer func() { op.end(err, "reputation increased") }()

	return l.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return l.increaseTx(ctx, tx, userID)
	})
}

func (l *ReputationLedger) increaseTx(ctx context.Context, tx repository.Tx, userID string) error {
	p, err := tx.LockProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("lock profile %s: %w", userID, err)
	}
	if err := tx.SetReputation(ctx, userID, l.policy.Increased(p.ReputationScore)); err != nil {
		return fmt.Errorf("set reputation: %w", err)
	}
	return nil
}

// DecreaseOnce applies the reputation penalty for one membership. It is a
// no-op returning false when the membership was already penalized; the score
// change and the penalty flag commit together.
func (l *ReputationLedger) DecreaseOnce(ctx context.Context, activityID, userID string) (applied bool, err error) {
	ctx, op := l.start(ctx, "ReputationLedger", "DecreaseOnce",
		attribute.String("activity_id", activityID),
		attribute.String("user_id", userID),
	)
	defer func() { op.end(err, "reputation penalty evaluated", "applied", applied) }()

	err = l.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		applied, err = l.decreaseTx(ctx, tx, activityID, userID)
		return err
	})
	if err != nil {
		applied = false
	}
	return applied, err
}

// decreaseTx penalizes the membership of userID unless it already was. It
// locks the membership before the profile.
func (l *ReputationLedger) decreaseTx(ctx context.Context, tx repository.Tx, activityID, userID string) (bool, error) {
	m, err := tx.LockMembership(ctx, activityID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrUserNotInActivity
		}
		return false, fmt.Errorf("lock membership: %w", err)
	}
	if m.Penalized() {
		return false, nil
	}
	p, err := tx.LockProfile(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("lock profile %s: %w", userID, err)
	}
	if err := tx.SetReputation(ctx, userID, l.policy.Decreased(p.ReputationScore)); err != nil {
		return false, fmt.Errorf("set reputation: %w", err)
	}
	m.Penalty = model.Penalized
	if err := tx.UpdateMembership(ctx, m); err != nil {
		return false, fmt.Errorf("mark membership penalized: %w", err)
	}
	return true, nil
}
