package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
)

func TestSweepPenalizesNoShowOnce(t *testing.T) {
	h := newHarness(t)
	h.profile("owner", 10)
	h.profile("u1", 10)
	h.seed(h.upcoming("a1", nil),
		model.Membership{UserID: "owner", IsHost: true, CheckedIn: true},
		model.Membership{UserID: "u1"},
	)
	h.clock.Advance(4 * time.Hour)
	ctx := context.Background()

	result, err := h.engine.Sweep.Run(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result != (model.SweepResult{Activities: 1, PenalizedAttendees: 1, PenalizedHosts: 1}) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := h.score("u1"); got != 9 {
		t.Fatalf("attendee score = %d, want 9", got)
	}
	if m, _ := h.membership("a1", "u1"); !m.Penalized() {
		t.Fatal("attendee membership should be penalized")
	}
	// Nobody the host admitted showed up.
	if got := h.score("owner"); got != 9 {
		t.Fatalf("host score = %d, want 9", got)
	}

	result, err = h.engine.Sweep.Run(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if result != (model.SweepResult{}) {
		t.Fatalf("second sweep should be a no-op, got %+v", result)
	}
	if h.score("u1") != 9 || h.score("owner") != 9 {
		t.Fatal("second sweep changed scores")
	}
}

func TestSweepSparesHostWhenSomeoneCheckedIn(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"owner", "u1", "u2"} {
		h.profile(u, 10)
	}
	h.seed(h.upcoming("a1", nil),
		model.Membership{UserID: "owner", IsHost: true, CheckedIn: true},
		model.Membership{UserID: "u1", CheckedIn: true},
		model.Membership{UserID: "u2"},
	)
	h.clock.Advance(4 * time.Hour)

	result, err := h.engine.Sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.PenalizedAttendees != 1 || result.PenalizedHosts != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if h.score("owner") != 10 || h.score("u1") != 10 || h.score("u2") != 9 {
		t.Fatal("unexpected scores")
	}
}

func TestSweepWithoutAttendeesSparesHost(t *testing.T) {
	h := newHarness(t)
	h.profile("owner", 10)
	h.seed(h.upcoming("a1", nil), model.Membership{UserID: "owner", IsHost: true, CheckedIn: true})
	h.clock.Advance(4 * time.Hour)

	result, err := h.engine.Sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result != (model.SweepResult{Activities: 1}) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if h.score("owner") != 10 {
		t.Fatal("host of an empty activity must not be penalized")
	}
	if h.activity("a1").ReconciledAt == nil {
		t.Fatal("activity should be marked reconciled")
	}
}

func TestSweepCancelledPenalizesHostsOnly(t *testing.T) {
	h := newHarness(t)
	for _, u := range []string{"owner", "cohost", "u1"} {
		h.profile(u, 10)
	}
	a := h.upcoming("a1", nil)
	a.IsCancelled = true
	h.seed(a,
		model.Membership{UserID: "owner", IsHost: true, CheckedIn: true},
		model.Membership{UserID: "cohost", IsHost: true, CheckedIn: true},
		model.Membership{UserID: "u1"},
	)

	// Cancelled activities are reconciled without waiting for the end date.
	result, err := h.engine.Sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.PenalizedAttendees != 0 || result.PenalizedHosts != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if h.score("u1") != 10 || h.score("owner") != 9 || h.score("cohost") != 9 {
		t.Fatal("unexpected scores")
	}
}

func TestSweepIgnoresRunningActivities(t *testing.T) {
	h := newHarness(t)
	h.profile("u1", 10)
	h.seed(h.upcoming("a1", nil), model.Membership{UserID: "u1"})
	h.clock.Advance(2 * time.Hour)

	result, err := h.engine.Sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Activities != 0 || h.score("u1") != 10 {
		t.Fatalf("activity that has not ended was reconciled: %+v", result)
	}
}

func TestConcurrentSweepsPenalizeOnce(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.SweepWorkers = 3
		o.SweepBatch = 4
	})
	const activities = 10
	for i := 0; i < activities; i++ {
		user := fmt.Sprintf("u%d", i)
		h.profile(user, 50)
		h.seed(h.upcoming(fmt.Sprintf("a%d", i), nil), model.Membership{UserID: user})
	}
	h.clock.Advance(4 * time.Hour)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.engine.Sweep.Run(context.Background())
			if err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
			mu.Lock()
			total += result.PenalizedAttendees
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != activities {
		t.Fatalf("penalties applied = %d, want %d", total, activities)
	}
	for i := 0; i < activities; i++ {
		if got := h.score(fmt.Sprintf("u%d", i)); got != 49 {
			t.Fatalf("u%d score = %d, want 49", i, got)
		}
	}
}

func TestSweepRecheckedAfterCancellationChanges(t *testing.T) {
	h := newHarness(t)
	h.profile("owner", 10)
	h.profile("u1", 10)
	a := h.create("owner", model.CreateActivityRequest{})
	if _, err := h.engine.Admission.Join(context.Background(), "u1", a.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	cancel := true
	if _, err := h.engine.Activities.EditActivity(context.Background(), "owner", a.ID, model.EditActivityRequest{IsCancelled: &cancel}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.engine.Sweep.Run(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if h.score("owner") != 9 || h.activity(a.ID).ReconciledAt == nil {
		t.Fatal("cancelled activity should be reconciled with the host penalized")
	}

	cancel = false
	if _, err := h.engine.Activities.EditActivity(context.Background(), "owner", a.ID, model.EditActivityRequest{IsCancelled: &cancel}); err != nil {
		t.Fatalf("uncancel: %v", err)
	}
	if h.activity(a.ID).ReconciledAt != nil {
		t.Fatal("uncancelling must reset the reconciliation marker")
	}

	h.clock.Advance(8 * 24 * time.Hour)
	result, err := h.engine.Sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.PenalizedAttendees != 1 || result.PenalizedHosts != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if h.score("owner") != 9 || h.score("u1") != 9 {
		t.Fatal("host penalty must not be applied twice")
	}
}

type fakeLocker struct {
	held     bool
	released int
}

func (l *fakeLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	if l.held {
		return nil, false, nil
	}
	return func(context.Context) error { l.released++; return nil }, true, nil
}

func TestSweepLease(t *testing.T) {
	locker := &fakeLocker{held: true}
	h := newHarness(t, func(o *Options) { o.Locker = locker })

	_, err := h.engine.Sweep.Run(context.Background())
	assertIs(t, err, ErrSweepRunning)

	locker.held = false
	if _, err := h.engine.Sweep.Run(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if locker.released != 1 {
		t.Fatalf("lease released %d times, want 1", locker.released)
	}
}

func TestSweepStartStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Sweep.Start(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

// rosterHookStore lets a test rewrite roster reads and run afterRoster once
// the first transaction that read a roster has finished.
type rosterHookStore struct {
	repository.Store
	roster      func([]model.Membership) []model.Membership
	afterRoster func()
	once        sync.Once
}

func (s *rosterHookStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	read := false
	err := s.Store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, rosterHookTx{Tx: tx, store: s, read: &read})
	})
	if read && s.afterRoster != nil {
		s.once.Do(s.afterRoster)
	}
	return err
}

type rosterHookTx struct {
	repository.Tx
	store *rosterHookStore
	read  *bool
}

func (t rosterHookTx) ListMemberships(ctx context.Context, activityID string) ([]model.Membership, error) {
	members, err := t.Tx.ListMemberships(ctx, activityID)
	if err != nil {
		return nil, err
	}
	*t.read = true
	if t.store.roster != nil {
		members = t.store.roster(members)
	}
	return members, nil
}

func TestSweepAndCheckInDoNotInterleave(t *testing.T) {
	h := checkInFixture(t)
	ctx := context.Background()
	h.clock.Advance(time.Hour)
	code, err := h.engine.CheckIn.Open(ctx, "host", "a1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	end := h.activity("a1").EndDate
	h.clock.Set(end.Add(time.Minute))

	// A late check-in lands as soon as the sweep's roster read commits.
	var checkInErr error
	store := &rosterHookStore{Store: h.store}
	store.afterRoster = func() {
		h.clock.Set(end)
		checkInErr = h.engine.CheckIn.CheckIn(ctx, "u1", "a1", code)
	}
	sweep := NewEngine(store, h.opts).Sweep

	result, err := sweep.Run(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	assertIs(t, checkInErr, ErrCheckInNotAllowedNow)
	if result != (model.SweepResult{Activities: 1, PenalizedAttendees: 2, PenalizedHosts: 1}) {
		t.Fatalf("unexpected result: %+v", result)
	}
	for _, u := range []string{"u1", "u2"} {
		m, _ := h.membership("a1", u)
		if m.CheckedIn && m.Penalized() {
			t.Fatalf("%s is both checked in and penalized as absent", u)
		}
	}
	if got := h.score("u1"); got != 9 {
		t.Fatalf("u1 score = %d, want 9", got)
	}
}

func TestSweepToleratesMemberLeavingMidway(t *testing.T) {
	h := newHarness(t)
	h.profile("owner", 10)
	h.profile("u1", 10)
	h.seed(h.upcoming("a1", nil),
		model.Membership{UserID: "owner", IsHost: true, CheckedIn: true},
		model.Membership{UserID: "u1"},
	)
	h.clock.Advance(4 * time.Hour)

	// The roster still lists a member whose row is already gone.
	store := &rosterHookStore{Store: h.store, roster: func(members []model.Membership) []model.Membership {
		return append(members, model.Membership{ActivityID: "a1", UserID: "gone"})
	}}
	result, err := NewEngine(store, h.opts).Sweep.Run(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result != (model.SweepResult{Activities: 1, PenalizedAttendees: 1, PenalizedHosts: 1}) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if h.activity("a1").ReconciledAt == nil {
		t.Fatal("activity should be marked reconciled")
	}
}
