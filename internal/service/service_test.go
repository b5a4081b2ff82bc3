package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/activity-signup/internal/logging"
	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository/memory"
	"github.com/Shivanand-hulikatti/activity-signup/internal/testfixtures"
)

type harness struct {
	t        *testing.T
	store    *memory.Store
	clock    *testfixtures.Clock
	ids      *testfixtures.IDGenerator
	notifier *recordingNotifier
	opts     Options
	engine   *Engine
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		store:    memory.New(),
		clock:    testfixtures.NewClock(time.Time{}),
		ids:      testfixtures.NewIDGenerator("id"),
		notifier: &recordingNotifier{created: make(chan string, 64)},
	}
	opts := Options{
		Now:              h.clock.NowFunc(),
		NewID:            h.ids.NextFunc(),
		NewCode:          sequentialCodes(),
		Logger:           logging.Discard(),
		Notifier:         h.notifier,
		TxInitialBackoff: time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.opts = opts
	h.engine = NewEngine(h.store, opts)
	return h
}

// sequentialCodes yields AAAAAA, BBBBBB, ... so reopened codes differ.
func sequentialCodes() func() (string, error) {
	var mu sync.Mutex
	next := byte('A')
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := string([]byte{next, next, next, next, next, next})
		next++
		if next > 'Z' {
			next = 'A'
		}
		return code, nil
	}
}

// profile creates a profile for userID and forces its score.
func (h *harness) profile(userID string, score int) {
	h.t.Helper()
	_, err := h.engine.Ledger.CreateProfile(context.Background(), userID, model.CreateProfileRequest{
		Faculty: "Engineering",
		Major:   "Software",
	})
	if err != nil {
		h.t.Fatalf("create profile %s: %v", userID, err)
	}
	h.setScore(userID, score)
}

func (h *harness) setScore(userID string, score int) {
	h.t.Helper()
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.SetReputation(ctx, userID, score)
	})
	if err != nil {
		h.t.Fatalf("set score: %v", err)
	}
}

func (h *harness) score(userID string) int {
	h.t.Helper()
	var score int
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetProfile(ctx, userID)
		score = p.ReputationScore
		return err
	})
	if err != nil {
		h.t.Fatalf("get profile: %v", err)
	}
	return score
}

// upcoming returns an activity starting in an hour, open for registration
// for thirty minutes and ending three hours from now.
func (h *harness) upcoming(id string, maxPeople *int) model.Activity {
	now := h.clock.Now()
	return model.Activity{
		ID:                  id,
		OwnerID:             "owner",
		Name:                "Activity " + id,
		Date:                now.Add(time.Hour),
		EndRegistrationDate: now.Add(30 * time.Minute),
		EndDate:             now.Add(3 * time.Hour),
		MaxPeople:           maxPeople,
		CreatedAt:           now,
	}
}

// seed inserts an activity directly, without an owner membership.
func (h *harness) seed(a model.Activity, members ...model.Membership) {
	h.t.Helper()
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		if err := tx.InsertActivity(ctx, a); err != nil {
			return err
		}
		for _, m := range members {
			if m.ID == "" {
				m.ID = h.ids.Next()
			}
			m.ActivityID = a.ID
			if err := tx.InsertMembership(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.t.Fatalf("seed activity: %v", err)
	}
}

// create runs CreateActivity as ownerID with sensible dates.
func (h *harness) create(ownerID string, req model.CreateActivityRequest) model.Activity {
	h.t.Helper()
	if req.Name == "" {
		req.Name = "Board games night"
	}
	a, err := h.engine.Activities.CreateActivity(context.Background(), ownerID, req)
	if err != nil {
		h.t.Fatalf("create activity: %v", err)
	}
	return a
}

func (h *harness) activity(id string) model.Activity {
	h.t.Helper()
	var a model.Activity
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		a, err = tx.GetActivity(ctx, id)
		return err
	})
	if err != nil {
		h.t.Fatalf("get activity: %v", err)
	}
	return a
}

func (h *harness) membership(activityID, userID string) (model.Membership, bool) {
	h.t.Helper()
	var (
		m     model.Membership
		found bool
	)
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		m, err = tx.GetMembership(ctx, activityID, userID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		h.t.Fatalf("get membership: %v", err)
	}
	return m, found
}

func (h *harness) people(activityID string) int {
	h.t.Helper()
	var n int
	err := h.store.InTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		n, err = tx.CountMemberships(ctx, activityID)
		return err
	})
	if err != nil {
		h.t.Fatalf("count memberships: %v", err)
	}
	return n
}

func intPtr(v int) *int { return &v }

func assertIs(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

type recordingNotifier struct {
	created chan string
}

func (n *recordingNotifier) NotifyActivityCreated(_ context.Context, activityID string) error {
	n.created <- activityID
	return nil
}

// flakyStore fails the first failures calls to InTx with a transient error.
type flakyStore struct {
	repository.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: could not serialize access", repository.ErrTransient)
	}
	return f.Store.InTx(ctx, fn)
}

func TestErrorMatching(t *testing.T) {
	wrapped := fmt.Errorf("target u1: %w", ErrMustBeOwner)
	if !errors.Is(wrapped, ErrMustBeOwner) {
		t.Fatal("expected wrapped sentinel to match")
	}
	withCause := &Error{Kind: KindConflict, Reason: ErrConflict.Reason, Err: repository.ErrTransient}
	if !errors.Is(withCause, ErrConflict) || !errors.Is(withCause, repository.ErrTransient) {
		t.Fatal("expected error with cause to match both sentinel and cause")
	}
	if errors.Is(ErrActivityFull, ErrReputationTooLow) {
		t.Fatal("distinct reasons must not match")
	}
	if KindOf(wrapped) != KindPermission || ErrorKind(ErrNeverJoined) != "not_found" {
		t.Fatal("unexpected kind mapping")
	}
	if KindOf(errors.New("boom")) != KindUnknown || ErrorKind(nil) != "" {
		t.Fatal("unexpected kind for plain errors")
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	store.failures.Store(2)
	engine := NewEngine(store, Options{Logger: logging.Discard(), TxInitialBackoff: time.Millisecond})

	_, err := engine.Ledger.CreateProfile(context.Background(), "u1", model.CreateProfileRequest{Faculty: "Science", Major: "Physics"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := store.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestExhaustedRetriesSurfaceAsConflict(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	store.failures.Store(100)
	engine := NewEngine(store, Options{Logger: logging.Discard(), TxMaxRetries: 3, TxInitialBackoff: time.Millisecond})

	_, err := engine.Ledger.CreateProfile(context.Background(), "u1", model.CreateProfileRequest{Faculty: "Science", Major: "Physics"})
	assertIs(t, err, ErrConflict)
	if KindOf(err) != KindConflict {
		t.Fatalf("expected conflict kind, got %v", KindOf(err))
	}
	if got := store.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestBusinessErrorsAreNotRetried(t *testing.T) {
	store := &flakyStore{Store: memory.New()}
	engine := NewEngine(store, Options{Logger: logging.Discard(), TxInitialBackoff: time.Millisecond})

	_, err := engine.Admission.Join(context.Background(), "nobody", "missing")
	assertIs(t, err, ErrProfileRequired)
	if got := store.calls.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestRandomCodeShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := randomCode()
		if err != nil {
			t.Fatalf("random code: %v", err)
		}
		if len(code) != model.CheckInCodeLength {
			t.Fatalf("unexpected code length %q", code)
		}
		for _, r := range code {
			if r < 'A' || r > 'Z' {
				t.Fatalf("code %q contains %q", code, r)
			}
		}
	}
}
