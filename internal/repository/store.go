package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate row")

// ErrTransient marks store failures worth retrying: serialization
// failures, deadlocks and lost connections.
var ErrTransient = errors.New("transient store failure")

// ActivityFilter narrows activity listings.
type ActivityFilter struct {
	// ActiveAt keeps only activities still open for registration at this
	// instant and not cancelled. Zero means no restriction.
	ActiveAt time.Time
	Keyword  string
	Limit    int
}

// Store runs units of work against the transactional store.
type Store interface {
	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise. fn must not call InTx again.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of queries available inside a transaction. Lock* variants
// hold a row lock on the returned row until the transaction ends.
type Tx interface {
	GetProfile(ctx context.Context, userID string) (model.Profile, error)
	LockProfile(ctx context.Context, userID string) (model.Profile, error)
	InsertProfile(ctx context.Context, p model.Profile) error
	// UpdateProfile overwrites the descriptive fields of p. The reputation
	// score and creation time are left untouched.
	UpdateProfile(ctx context.Context, p model.Profile) error
	SetReputation(ctx context.Context, userID string, score int) error
	// CountActiveJoins counts non-host memberships of userID in activities
	// whose start date is not before now.
	CountActiveJoins(ctx context.Context, userID string, now time.Time) (int, error)

	GetActivity(ctx context.Context, id string) (model.Activity, error)
	LockActivity(ctx context.Context, id string) (model.Activity, error)
	InsertActivity(ctx context.Context, a model.Activity) error
	UpdateActivity(ctx context.Context, a model.Activity) error
	ListActivities(ctx context.Context, filter ActivityFilter) ([]model.Activity, error)
	// ListReconcilable returns ended or cancelled activities not yet marked
	// reconciled, oldest end date first.
	ListReconcilable(ctx context.Context, now time.Time, limit int) ([]model.Activity, error)
	MarkReconciled(ctx context.Context, id string, at time.Time) error

	GetMembership(ctx context.Context, activityID, userID string) (model.Membership, error)
	LockMembership(ctx context.Context, activityID, userID string) (model.Membership, error)
	InsertMembership(ctx context.Context, m model.Membership) error
	UpdateMembership(ctx context.Context, m model.Membership) error
	DeleteMembership(ctx context.Context, activityID, userID string) error
	CountMemberships(ctx context.Context, activityID string) (int, error)
	ListMemberships(ctx context.Context, activityID string) ([]model.Membership, error)
}
