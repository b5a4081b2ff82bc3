package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository"
	"golang.org/x/sync/errgroup"
)

const sweepLockKey = "activity-signup:reconciliation-sweep"

// ReconciliationSweep settles reputation for ended or cancelled activities:
// absent attendees lose reputation, and hosts lose reputation when the
// activity was cancelled or nobody they admitted showed up.
//
// Every penalty goes through the ledger's penalize-once path, so re-running the
// sweep, or running two sweeps at once, never penalizes a membership twice.
type ReconciliationSweep struct {
	*core
	ledger  *ReputationLedger
	workers int
	batch   int
	locker  Locker
	lease   time.Duration
}

// Run performs one sweep. Activities are reconciled in parallel by a bounded
// pool of workers. A failure on one activity does not stop the others; the
// failed activity stays unreconciled and is picked up by the next run.
func (s *ReconciliationSweep) Run(ctx context.Context) (result model.SweepResult, err error) {
	ctx, op := s.start(ctx, "ReconciliationSweep", "Run")
	defer func() {
		op.end(err, "reconciliation sweep finished",
			"activities", result.Activities,
			"penalized_attendees", result.PenalizedAttendees,
			"penalized_hosts", result.PenalizedHosts,
		)
	}()

	if s.locker != nil {
		release, ok, lockErr := s.locker.TryLock(ctx, sweepLockKey, s.lease)
		if lockErr != nil {
			return result, fmt.Errorf("acquire sweep lease: %w", lockErr)
		}
		if !ok {
			return result, ErrSweepRunning
		}
		defer func() {
			if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
				op.logger.WarnContext(ctx, "release sweep lease failed", "error", relErr)
			}
		}()
	}

	now := s.now()
	var (
		activities, attendees, hosts atomic.Int64
		mu                           sync.Mutex
		failures                     []error
		skip                         = make(map[string]struct{})
	)

	for {
		var candidates []model.Activity
		err = s.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			candidates, err = tx.ListReconcilable(ctx, now, s.batch+len(skip))
			return err
		})
		if err != nil {
			return result, fmt.Errorf("list reconcilable activities: %w", err)
		}

		pending := candidates[:0]
		for _, a := range candidates {
			if _, failed := skip[a.ID]; !failed {
				pending = append(pending, a)
			}
		}
		if len(pending) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(s.workers)
		for _, a := range pending {
			g.Go(func() error {
				out, rErr := s.reconcile(ctx, a.ID, now)
				if rErr != nil {
					mu.Lock()
					failures = append(failures, fmt.Errorf("activity %s: %w", a.ID, rErr))
					skip[a.ID] = struct{}{}
					mu.Unlock()
					return nil
				}
				if out.skipped {
					return nil
				}
				activities.Add(1)
				attendees.Add(int64(out.attendees))
				hosts.Add(int64(out.hosts))
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		if len(candidates) < s.batch+len(skip) {
			break
		}
	}

	result = model.SweepResult{
		Activities:         int(activities.Load()),
		PenalizedAttendees: int(attendees.Load()),
		PenalizedHosts:     int(hosts.Load()),
	}
	return result, errors.Join(failures...)
}

// reconcileOutcome reports what one reconcile call did. skipped is set when
// the activity no longer needed reconciliation once locked.
type reconcileOutcome struct {
	skipped   bool
	attendees int
	hosts     int
}

// reconcile settles one activity in a single unit of work. The activity row
// is locked before the roster is read, and check-in takes the same lock, so
// no check-in can commit between reading the roster and applying penalties.
func (s *ReconciliationSweep) reconcile(ctx context.Context, activityID string, now time.Time) (out reconcileOutcome, err error) {
	err = s.inTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		out = reconcileOutcome{}
		a, err := tx.LockActivity(ctx, activityID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				out.skipped = true
				return nil
			}
			return fmt.Errorf("lock activity: %w", err)
		}
		if !a.NeedsReconciliation(now) {
			out.skipped = true
			return nil
		}

		members, err := tx.ListMemberships(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("list memberships: %w", err)
		}
		var attendees, hosts []model.Membership
		anyCheckedIn := false
		for _, m := range members {
			if m.IsHost {
				hosts = append(hosts, m)
				continue
			}
			attendees = append(attendees, m)
			if m.CheckedIn {
				anyCheckedIn = true
			}
		}

		// A member who left after the roster was read has nothing left to
		// penalize.
		penalize := func(m model.Membership) (bool, error) {
			applied, err := s.ledger.decreaseTx(ctx, tx, a.ID, m.UserID)
			if errors.Is(err, ErrUserNotInActivity) {
				return false, nil
			}
			return applied, err
		}

		if !a.IsCancelled {
			for _, m := range attendees {
				if m.CheckedIn || m.Penalized() {
					continue
				}
				applied, err := penalize(m)
				if err != nil {
					return err
				}
				if applied {
					out.attendees++
				}
			}
		}
		if a.IsCancelled || (len(attendees) > 0 && !anyCheckedIn) {
			for _, m := range hosts {
				if m.Penalized() {
					continue
				}
				applied, err := penalize(m)
				if err != nil {
					return err
				}
				if applied {
					out.hosts++
				}
			}
		}

		if err := tx.MarkReconciled(ctx, a.ID, now); err != nil {
			return fmt.Errorf("mark reconciled: %w", err)
		}
		return nil
	})
	if err != nil {
		return reconcileOutcome{}, err
	}
	return out, nil
}

// Start runs the sweep every interval until ctx is cancelled. It blocks.
func (s *ReconciliationSweep) Start(ctx context.Context, interval time.Duration) {
	logger := serviceLogger(ctx, s.logger, "ReconciliationSweep", "Start", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.InfoContext(ctx, "reconciliation sweep started")
	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "reconciliation sweep stopped")
			return
		case <-ticker.C:
			// Outcomes are logged by Run.
			_, _ = s.Run(ctx)
		}
	}
}
