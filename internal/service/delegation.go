package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

// HostDelegationController lets an owner grant or revoke host access.
//
// Targets are processed one unit of work each, in order. The batch stops at
// the first failing target and returns its error; targets before it stay
// applied.
type HostDelegationController struct {
	*core
}

// Grant makes every target a host. Hosts count as checked in.
func (h *HostDelegationController) Grant(ctx context.Context, ownerID, activityID string, targets ...string) error {
	return h.apply(ctx, "Grant", ownerID, activityID, targets, func(_ model.Activity, m *model.Membership) {
		m.IsHost = true
		m.CheckedIn = true
	})
}

// Remove revokes host access. While check-in is closed the target also
// loses the checked-in flag granted with host access.
func (h *HostDelegationController) Remove(ctx context.Context, ownerID, activityID string, targets ...string) error {
	return h.apply(ctx, "Remove", ownerID, activityID, targets, func(a model.Activity, m *model.Membership) {
		m.IsHost = false
		if !a.CheckInAllowed {
			m.CheckedIn = false
		}
	})
}

func (h *HostDelegationController) apply(ctx context.Context, name, ownerID, activityID string, targets []string, mutate func(model.Activity, *model.Membership)) (err error) {
	ctx, op := h.start(ctx, "HostDelegationController", name,
		attribute.String("user_id", ownerID),
		attribute.String("activity_id", activityID),
		attribute.Int("targets", len(targets)),
	)
	applied := 0
	defer func() { op.end(err, "host access changed", "applied", applied) }()

	if len(targets) == 0 {
		return invalid("at least one target user is required")
	}
	for _, target := range targets {
		err = h.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			a, err := tx.LockActivity(ctx, activityID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return ErrActivityNotFound
				}
				return fmt.Errorf("lock activity: %w", err)
			}
			if ownerID != a.OwnerID {
				return ErrMustBeOwner
			}
			if target == a.OwnerID {
				return ErrCannotModifyOwnAccess
			}
			m, err := tx.LockMembership(ctx, activityID, target)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return ErrUserNotInActivity
				}
				return fmt.Errorf("lock membership: %w", err)
			}
			mutate(a, &m)
			if err := tx.UpdateMembership(ctx, m); err != nil {
				return fmt.Errorf("update membership: %w", err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("target %s: %w", target, err)
		}
		applied++
	}
	return nil
}
