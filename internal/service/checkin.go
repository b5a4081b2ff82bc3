package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// CheckInController drives the per-activity check-in state machine:
// CLOSED -> OPEN on Open, OPEN -> OPEN with a fresh code on reopen,
// OPEN -> CLOSED on Close.
type CheckInController struct {
	*core
	ledger  *ReputationLedger
	newCode func() (string, error)
}

// Open opens check-in and returns the new code. Only hosts may open, and
// only inside [date, endDate].
func (c *CheckInController) Open(ctx context.Context, hostID, activityID string) (code string, err error) {
	ctx, op := c.start(ctx, "CheckInController", "Open",
		attribute.String("user_id", hostID),
		attribute.String("activity_id", activityID),
	)
	defer func() { op.end(err, "check-in opened") }()

	now := c.now()
	err = c.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		a, err := c.lockForHost(ctx, tx, hostID, activityID)
		if err != nil {
			return err
		}
		if !a.IsCheckinPeriod(now) {
			return ErrOutsideCheckInPeriod
		}
		fresh, err := c.newCode()
		if err != nil {
			return fmt.Errorf("generate check-in code: %w", err)
		}
		a.CheckInAllowed = true
		a.CheckInCode = &fresh
		if err := tx.UpdateActivity(ctx, a); err != nil {
			return fmt.Errorf("update activity: %w", err)
		}
		code = fresh
		return nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// Close closes check-in and clears the code. Closing a closed activity is a
// no-op.
func (c *CheckInController) Close(ctx context.Context, hostID, activityID string) (err error) {
	ctx, op := c.start(ctx, "CheckInController", "Close",
		attribute.String("user_id", hostID),
		attribute.String("activity_id", activityID),
	)
	defer func() { op.end(err, "check-in closed") }()

	return c.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		a, err := c.lockForHost(ctx, tx, hostID, activityID)
		if err != nil {
			return err
		}
		if !a.CheckInAllowed && a.CheckInCode == nil {
			return nil
		}
		a.CheckInAllowed = false
		a.CheckInCode = nil
		if err := tx.UpdateActivity(ctx, a); err != nil {
			return fmt.Errorf("update activity: %w", err)
		}
		return nil
	})
}

// CheckIn marks userID as attended when code matches the open check-in
// code, and raises the user's reputation in the same unit of work.
func (c *CheckInController) CheckIn(ctx context.Context, userID, activityID, code string) (err error) {
	ctx, op := c.start(ctx, "CheckInController", "CheckIn",
		attribute.String("user_id", userID),
		attribute.String("activity_id", activityID),
	)
	defer func() { op.end(err, "checked in") }()

	now := c.now()
	return c.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		a, activityErr := tx.LockActivity(ctx, activityID)
		if activityErr != nil && !errors.Is(activityErr, repository.ErrNotFound) {
			return fmt.Errorf("lock activity: %w", activityErr)
		}
		m, err := tx.LockMembership(ctx, activityID, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotMember
			}
			return fmt.Errorf("lock membership: %w", err)
		}
		if activityErr != nil {
			return ErrActivityNotFound
		}
		// Attendance is final once the sweep has settled reputation.
		if !a.CheckInAllowed || a.HasEnded(now) || a.ReconciledAt != nil {
			return ErrCheckInNotAllowedNow
		}
		if !a.VerifyCode(code) {
			return ErrInvalidCode
		}
		if m.CheckedIn {
			return ErrAlreadyCheckedIn
		}
		m.CheckedIn = true
		if err := tx.UpdateMembership(ctx, m); err != nil {
			return fmt.Errorf("update membership: %w", err)
		}
		return c.ledger.increaseTx(ctx, tx, userID)
	})
}

// Code returns the current check-in code to a host.
func (c *CheckInController) Code(ctx context.Context, hostID, activityID string) (code string, err error) {
	ctx, op := c.start(ctx, "CheckInController", "Code",
		attribute.String("user_id", hostID),
		attribute.String("activity_id", activityID),
	)
	defer func() { op.end(err, "check-in code read") }()

	err = c.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		a, err := tx.GetActivity(ctx, activityID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrActivityNotFound
			}
			return fmt.Errorf("get activity: %w", err)
		}
		if err := requireHost(ctx, tx, activityID, hostID); err != nil {
			return err
		}
		if !a.CheckInAllowed || a.CheckInCode == nil {
			return ErrCheckInNotAllowed
		}
		code = *a.CheckInCode
		return nil
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

func (c *CheckInController) lockForHost(ctx context.Context, tx repository.Tx, hostID, activityID string) (model.Activity, error) {
	a, err := tx.LockActivity(ctx, activityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Activity{}, ErrActivityNotFound
		}
		return model.Activity{}, fmt.Errorf("lock activity: %w", err)
	}
	if err := requireHost(ctx, tx, activityID, hostID); err != nil {
		return model.Activity{}, err
	}
	return a, nil
}

// randomCode returns CheckInCodeLength uppercase letters from crypto/rand.
func randomCode() (string, error) {
	limit := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, model.CheckInCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
