package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

// AdmissionController decides who may join or leave an activity.
type AdmissionController struct {
	*core
}

// Join admits userID to an activity. The rules are evaluated in a fixed
// order and the first failing rule is reported.
//
// The activity row and the profile row are both locked for the duration of
// the unit of work, so concurrent joins for the last seat, or concurrent
// joins by one user against the join limit, are serialised. The unique
// (user, activity) constraint backs the duplicate check.
func (a *AdmissionController) Join(ctx context.Context, userID, activityID string) (membership model.Membership, err error) {
	ctx, op := a.start(ctx, "AdmissionController", "Join",
		attribute.String("user_id", userID),
		attribute.String("activity_id", activityID),
	)
	defer func() { op.end(err, "activity joined") }()

	now := a.now()
	err = a.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		activity, activityErr := tx.LockActivity(ctx, activityID)
		if activityErr != nil && !errors.Is(activityErr, repository.ErrNotFound) {
			return fmt.Errorf("lock activity: %w", activityErr)
		}

		profile, err := tx.LockProfile(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrProfileRequired
			}
			return fmt.Errorf("lock profile: %w", err)
		}
		active, err := tx.CountActiveJoins(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("count active joins: %w", err)
		}
		if !a.policy.AbleToJoinMore(profile.ReputationScore, active) {
			return ErrJoinLimitReached
		}

		if activityErr != nil {
			return ErrActivityNotFound
		}
		if !activity.IsActive(now) {
			return ErrActivityNotActive
		}
		people, err := tx.CountMemberships(ctx, activityID)
		if err != nil {
			return fmt.Errorf("count memberships: %w", err)
		}
		if activity.IsFull(people) {
			return ErrActivityFull
		}
		if profile.ReputationScore < activity.MinimumReputationScore {
			return ErrReputationTooLow
		}

		_, err = tx.GetMembership(ctx, activityID, userID)
		switch {
		case err == nil:
			return ErrAlreadyJoined
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("get membership: %w", err)
		}

		membership = model.Membership{
			ID:         a.newID(),
			ActivityID: activityID,
			UserID:     userID,
			JoinedAt:   now,
		}
		if err := tx.InsertMembership(ctx, membership); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrAlreadyJoined
			}
			return fmt.Errorf("insert membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Membership{}, err
	}
	return membership, nil
}

// Leave removes the membership of userID. Checked-in members cannot leave.
func (a *AdmissionController) Leave(ctx context.Context, userID, activityID string) (err error) {
	ctx, op := a.start(ctx, "AdmissionController", "Leave",
		attribute.String("user_id", userID),
		attribute.String("activity_id", activityID),
	)
	defer func() { op.end(err, "activity left") }()

	return a.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		m, err := tx.LockMembership(ctx, activityID, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNeverJoined
			}
			return fmt.Errorf("lock membership: %w", err)
		}
		if m.CheckedIn {
			return ErrCannotLeaveAfterCheckIn
		}
		if err := tx.DeleteMembership(ctx, activityID, userID); err != nil {
			return fmt.Errorf("delete membership: %w", err)
		}
		return nil
	})
}
