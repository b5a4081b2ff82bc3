package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxNameLength   = 255
	maxDetailLength = 1024

	defaultRegistrationWindow = 5 * 24 * time.Hour
	defaultActivityWindow     = 7 * 24 * time.Hour
)

// ActivityRegistry creates, edits and reads activities.
type ActivityRegistry struct {
	*core
	notifier      Notifier
	notifyTimeout time.Duration
}

// CreateActivity creates an activity owned by ownerID together with the
// owner's host membership, then announces it.
func (r *ActivityRegistry) CreateActivity(ctx context.Context, ownerID string, req model.CreateActivityRequest) (activity model.Activity, err error) {
	ctx, op := r.start(ctx, "ActivityRegistry", "CreateActivity", attribute.String("user_id", ownerID))
	defer func() { op.end(err, "activity created", "activity_id", activity.ID) }()

	now := r.now()
	activity = model.Activity{
		ID:                     r.newID(),
		OwnerID:                ownerID,
		Name:                   strings.TrimSpace(req.Name),
		Detail:                 strings.TrimSpace(req.Detail),
		OnSite:                 req.OnSite,
		Date:                   valueOr(req.Date, now),
		EndRegistrationDate:    valueOr(req.EndRegistrationDate, now.Add(defaultRegistrationWindow)),
		EndDate:                valueOr(req.EndDate, now.Add(defaultActivityWindow)),
		MaxPeople:              req.MaxPeople,
		MinimumReputationScore: req.MinimumReputationScore,
		CreatedAt:              now,
	}
	if err := validateActivity(activity); err != nil {
		return model.Activity{}, err
	}

	host := model.Membership{
		ID:         r.newID(),
		ActivityID: activity.ID,
		UserID:     ownerID,
		IsHost:     true,
		CheckedIn:  true,
		JoinedAt:   now,
	}
	err = r.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		owner, err := tx.GetProfile(ctx, ownerID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrProfileRequired
			}
			return fmt.Errorf("get owner profile: %w", err)
		}
		if owner.ReputationScore < activity.MinimumReputationScore {
			return ErrOwnerReputationTooLow
		}
		if err := tx.InsertActivity(ctx, activity); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
		if err := tx.InsertMembership(ctx, host); err != nil {
			return fmt.Errorf("insert owner membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Activity{}, err
	}

	r.notifyCreated(ctx, activity.ID, op)
	return activity, nil
}

// notifyCreated runs the notifier outside the request lifetime. Failures are
// logged only.
func (r *ActivityRegistry) notifyCreated(ctx context.Context, activityID string, op *operation) {
	logger := op.logger
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.notifyTimeout)
	go func() {
		defer cancel()
		if err := r.notifier.NotifyActivityCreated(nctx, activityID); err != nil {
			logger.WarnContext(nctx, "activity notification failed", "activity_id", activityID, "error", err)
		}
	}()
}

// EditActivity applies a partial update. Any host may edit; only the owner
// may change the cancellation flag. The edit is all-or-nothing.
func (r *ActivityRegistry) EditActivity(ctx context.Context, editorID, activityID string, req model.EditActivityRequest) (activity model.Activity, err error) {
	ctx, op := r.start(ctx, "ActivityRegistry", "EditActivity",
		attribute.String("user_id", editorID),
		attribute.String("activity_id", activityID),
	)
	defer func() { op.end(err, "activity edited") }()

	err = r.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.LockActivity(ctx, activityID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrActivityNotFound
			}
			return fmt.Errorf("lock activity: %w", err)
		}
		if err := requireHost(ctx, tx, activityID, editorID); err != nil {
			return err
		}
		if req.IsCancelled != nil && *req.IsCancelled != current.IsCancelled && editorID != current.OwnerID {
			return ErrOnlyOwnerCanCancel
		}

		next := applyEdit(current, req)
		if err := validateActivity(next); err != nil {
			return err
		}
		if next.MaxPeople != nil {
			count, err := tx.CountMemberships(ctx, activityID)
			if err != nil {
				return fmt.Errorf("count memberships: %w", err)
			}
			if *next.MaxPeople < count {
				return ErrCapacityExceeded
			}
		}
		if next.IsCancelled != current.IsCancelled || !next.EndDate.Equal(current.EndDate) {
			next.ReconciledAt = nil
		}
		if err := tx.UpdateActivity(ctx, next); err != nil {
			return fmt.Errorf("update activity: %w", err)
		}
		activity = next
		return nil
	})
	if err != nil {
		return model.Activity{}, err
	}
	return activity, nil
}

func applyEdit(a model.Activity, req model.EditActivityRequest) model.Activity {
	if req.Name != nil {
		a.Name = strings.TrimSpace(*req.Name)
	}
	if req.Detail != nil {
		a.Detail = strings.TrimSpace(*req.Detail)
	}
	if req.OnSite != nil {
		a.OnSite = *req.OnSite
	}
	if req.Date != nil {
		a.Date = *req.Date
	}
	if req.EndDate != nil {
		a.EndDate = *req.EndDate
	}
	if req.EndRegistrationDate != nil {
		a.EndRegistrationDate = *req.EndRegistrationDate
	}
	switch {
	case req.ClearMaxPeople:
		a.MaxPeople = nil
	case req.MaxPeople != nil:
		n := *req.MaxPeople
		a.MaxPeople = &n
	}
	if req.MinimumReputationScore != nil {
		a.MinimumReputationScore = *req.MinimumReputationScore
	}
	if req.IsCancelled != nil {
		a.IsCancelled = *req.IsCancelled
	}
	return a
}

func validateActivity(a model.Activity) error {
	switch {
	case a.Name == "":
		return invalid("name is required")
	case utf8.RuneCountInString(a.Name) > maxNameLength:
		return invalid("name must be at most %d characters", maxNameLength)
	case utf8.RuneCountInString(a.Detail) > maxDetailLength:
		return invalid("detail must be at most %d characters", maxDetailLength)
	case a.MaxPeople != nil && *a.MaxPeople <= 0:
		return invalid("max_people must be positive")
	case a.MinimumReputationScore < model.MinReputationScore || a.MinimumReputationScore > model.MaxReputationScore:
		return invalid("minimum_reputation_score must be between %d and %d", model.MinReputationScore, model.MaxReputationScore)
	case a.Date.After(a.EndDate):
		return invalid("date must not be after end_date")
	case a.EndRegistrationDate.After(a.EndDate):
		return invalid("end_registration_date must not be after end_date")
	}
	return nil
}

// GetActivity returns the activity with its roster-derived fields.
func (r *ActivityRegistry) GetActivity(ctx context.Context, activityID string) (detail model.ActivityDetail, err error) {
	ctx, op := r.start(ctx, "ActivityRegistry", "GetActivity", attribute.String("activity_id", activityID))
	defer func() { op.end(err, "activity loaded") }()

	now := r.now()
	err = r.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		a, err := tx.GetActivity(ctx, activityID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrActivityNotFound
			}
			return fmt.Errorf("get activity: %w", err)
		}
		members, err := tx.ListMemberships(ctx, activityID)
		if err != nil {
			return fmt.Errorf("list memberships: %w", err)
		}
		detail = model.ActivityDetail{Activity: a, PeopleCount: len(members), HostIDs: []string{}}
		for _, m := range members {
			if m.IsHost {
				detail.HostIDs = append(detail.HostIDs, m.UserID)
			}
		}
		detail.CanJoin = a.IsActive(now) && !a.IsFull(detail.PeopleCount)
		return nil
	})
	return detail, err
}

// ListActivities returns activities still open for registration, optionally
// filtered by a keyword matched against name and detail.
func (r *ActivityRegistry) ListActivities(ctx context.Context, keyword string) (activities []model.Activity, err error) {
	ctx, op := r.start(ctx, "ActivityRegistry", "ListActivities", attribute.String("keyword", keyword))
	defer func() { op.end(err, "activities listed", "count", len(activities)) }()

	filter := repository.ActivityFilter{ActiveAt: r.now(), Keyword: strings.TrimSpace(keyword)}
	err = r.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		activities, err = tx.ListActivities(ctx, filter)
		return err
	})
	return activities, err
}

// Participants returns the roster of an activity in join order.
func (r *ActivityRegistry) Participants(ctx context.Context, activityID string) (members []model.Membership, err error) {
	ctx, op := r.start(ctx, "ActivityRegistry", "Participants", attribute.String("activity_id", activityID))
	defer func() { op.end(err, "participants listed", "count", len(members)) }()

	err = r.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.GetActivity(ctx, activityID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrActivityNotFound
			}
			return fmt.Errorf("get activity: %w", err)
		}
		var err error
		members, err = tx.ListMemberships(ctx, activityID)
		return err
	})
	return members, err
}

// Status describes the standing of userID in an activity.
func (r *ActivityRegistry) Status(ctx context.Context, userID, activityID string) (status model.MemberStatus, err error) {
	ctx, op := r.start(ctx, "ActivityRegistry", "Status",
		attribute.String("user_id", userID),
		attribute.String("activity_id", activityID),
	)
	defer func() { op.end(err, "status loaded") }()

	err = r.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		status = model.MemberStatus{}
		if _, err := tx.GetActivity(ctx, activityID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrActivityNotFound
			}
			return fmt.Errorf("get activity: %w", err)
		}
		m, err := tx.GetMembership(ctx, activityID, userID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get membership: %w", err)
		}
		status = model.MemberStatus{IsJoined: true, IsCheckedIn: m.CheckedIn, IsHost: m.IsHost}
		return nil
	})
	return status, err
}

// requireHost fails with ErrNotHost unless userID holds a host membership.
func requireHost(ctx context.Context, tx repository.Tx, activityID, userID string) error {
	m, err := tx.GetMembership(ctx, activityID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotHost
		}
		return fmt.Errorf("get membership: %w", err)
	}
	if !m.IsHost {
		return ErrNotHost
	}
	return nil
}

func valueOr[T any](v *T, fallback T) T {
	if v == nil {
		return fallback
	}
	return *v
}
