// Package memory provides an in-process implementation of repository.Store.
//
// Transactions are fully serialised behind one mutex, which trivially gives
// the row-lock guarantees the engine needs. A failed transaction restores
// the snapshot taken when it began.
package memory

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
)

type membershipKey struct {
	activityID string
	userID     string
}

// Store keeps profiles, activities and memberships in maps.
type Store struct {
	mu          sync.Mutex
	profiles    map[string]model.Profile
	activities  map[string]model.Activity
	memberships map[membershipKey]model.Membership
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		profiles:    make(map[string]model.Profile),
		activities:  make(map[string]model.Activity),
		memberships: make(map[membershipKey]model.Membership),
	}
}

type snapshot struct {
	profiles    map[string]model.Profile
	activities  map[string]model.Activity
	memberships map[membershipKey]model.Membership
}

// InTx runs fn while holding the store lock.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{
		profiles:    maps.Clone(s.profiles),
		activities:  maps.Clone(s.activities),
		memberships: maps.Clone(s.memberships),
	}
	committed := false
	defer func() {
		if !committed {
			s.profiles, s.activities, s.memberships = snap.profiles, snap.activities, snap.memberships
		}
	}()

	if err = fn(ctx, &memTx{s: s}); err != nil {
		return err
	}
	committed = true
	return nil
}

// memTx is only used while the store lock is held.
type memTx struct {
	s *Store
}

func (t *memTx) GetProfile(_ context.Context, userID string) (model.Profile, error) {
	p, ok := t.s.profiles[userID]
	if !ok {
		return model.Profile{}, repository.ErrNotFound
	}
	return cloneProfile(p), nil
}

func (t *memTx) LockProfile(ctx context.Context, userID string) (model.Profile, error) {
	return t.GetProfile(ctx, userID)
}

func (t *memTx) InsertProfile(_ context.Context, p model.Profile) error {
	if _, ok := t.s.profiles[p.UserID]; ok {
		return repository.ErrDuplicate
	}
	t.s.profiles[p.UserID] = cloneProfile(p)
	return nil
}

func (t *memTx) UpdateProfile(_ context.Context, p model.Profile) error {
	existing, ok := t.s.profiles[p.UserID]
	if !ok {
		return repository.ErrNotFound
	}
	p.ReputationScore = existing.ReputationScore
	p.CreatedAt = existing.CreatedAt
	t.s.profiles[p.UserID] = cloneProfile(p)
	return nil
}

func (t *memTx) SetReputation(_ context.Context, userID string, score int) error {
	p, ok := t.s.profiles[userID]
	if !ok {
		return repository.ErrNotFound
	}
	p.ReputationScore = score
	t.s.profiles[userID] = p
	return nil
}

func (t *memTx) CountActiveJoins(_ context.Context, userID string, now time.Time) (int, error) {
	n := 0
	for k, m := range t.s.memberships {
		if k.userID != userID || m.IsHost {
			continue
		}
		a, ok := t.s.activities[k.activityID]
		if ok && !a.Date.Before(now) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetActivity(_ context.Context, id string) (model.Activity, error) {
	a, ok := t.s.activities[id]
	if !ok {
		return model.Activity{}, repository.ErrNotFound
	}
	return cloneActivity(a), nil
}

func (t *memTx) LockActivity(ctx context.Context, id string) (model.Activity, error) {
	return t.GetActivity(ctx, id)
}

func (t *memTx) InsertActivity(_ context.Context, a model.Activity) error {
	if _, ok := t.s.activities[a.ID]; ok {
		return repository.ErrDuplicate
	}
	t.s.activities[a.ID] = cloneActivity(a)
	return nil
}

func (t *memTx) UpdateActivity(_ context.Context, a model.Activity) error {
	existing, ok := t.s.activities[a.ID]
	if !ok {
		return repository.ErrNotFound
	}
	a.OwnerID = existing.OwnerID
	a.CreatedAt = existing.CreatedAt
	t.s.activities[a.ID] = cloneActivity(a)
	return nil
}

func (t *memTx) ListActivities(_ context.Context, filter repository.ActivityFilter) ([]model.Activity, error) {
	keyword := strings.ToLower(strings.TrimSpace(filter.Keyword))
	var out []model.Activity
	for _, a := range t.s.activities {
		if !filter.ActiveAt.IsZero() && !a.IsActive(filter.ActiveAt) {
			continue
		}
		if keyword != "" &&
			!strings.Contains(strings.ToLower(a.Name), keyword) &&
			!strings.Contains(strings.ToLower(a.Detail), keyword) {
			continue
		}
		out = append(out, cloneActivity(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (t *memTx) ListReconcilable(_ context.Context, now time.Time, limit int) ([]model.Activity, error) {
	var out []model.Activity
	for _, a := range t.s.activities {
		if a.NeedsReconciliation(now) {
			out = append(out, cloneActivity(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EndDate.Equal(out[j].EndDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].EndDate.Before(out[j].EndDate)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkReconciled(_ context.Context, id string, at time.Time) error {
	a, ok := t.s.activities[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.ReconciledAt = &at
	t.s.activities[id] = a
	return nil
}

func (t *memTx) GetMembership(_ context.Context, activityID, userID string) (model.Membership, error) {
	m, ok := t.s.memberships[membershipKey{activityID, userID}]
	if !ok {
		return model.Membership{}, repository.ErrNotFound
	}
	return m, nil
}

func (t *memTx) LockMembership(ctx context.Context, activityID, userID string) (model.Membership, error) {
	return t.GetMembership(ctx, activityID, userID)
}

func (t *memTx) InsertMembership(_ context.Context, m model.Membership) error {
	k := membershipKey{m.ActivityID, m.UserID}
	if _, ok := t.s.memberships[k]; ok {
		return repository.ErrDuplicate
	}
	if _, ok := t.s.activities[m.ActivityID]; !ok {
		return repository.ErrNotFound
	}
	t.s.memberships[k] = m
	return nil
}

func (t *memTx) UpdateMembership(_ context.Context, m model.Membership) error {
	k := membershipKey{m.ActivityID, m.UserID}
	existing, ok := t.s.memberships[k]
	if !ok {
		return repository.ErrNotFound
	}
	existing.IsHost = m.IsHost
	existing.CheckedIn = m.CheckedIn
	if m.Penalized() {
		existing.Penalty = model.Penalized
	}
	t.s.memberships[k] = existing
	return nil
}

func (t *memTx) DeleteMembership(_ context.Context, activityID, userID string) error {
	k := membershipKey{activityID, userID}
	if _, ok := t.s.memberships[k]; !ok {
		return repository.ErrNotFound
	}
	delete(t.s.memberships, k)
	return nil
}

func (t *memTx) CountMemberships(_ context.Context, activityID string) (int, error) {
	n := 0
	for k := range t.s.memberships {
		if k.activityID == activityID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListMemberships(_ context.Context, activityID string) ([]model.Membership, error) {
	var out []model.Membership
	for k, m := range t.s.memberships {
		if k.activityID == activityID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func cloneProfile(p model.Profile) model.Profile {
	p.NickName = clonePtr(p.NickName)
	p.Pronoun = clonePtr(p.Pronoun)
	p.AboutMe = clonePtr(p.AboutMe)
	p.Generation = clonePtr(p.Generation)
	return p
}

func cloneActivity(a model.Activity) model.Activity {
	a.MaxPeople = clonePtr(a.MaxPeople)
	a.CheckInCode = clonePtr(a.CheckInCode)
	a.ReconciledAt = clonePtr(a.ReconciledAt)
	return a
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
