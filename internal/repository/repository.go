// Package repository implements all database queries for the activity engine.
// It uses pgx directly (no ORM) so every lock the engine relies on is visible
// in the SQL.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL error codes the store translates.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// PgStore is the PostgreSQL implementation of Store.
type PgStore struct {
	db *pgxpool.Pool
}

// NewPgStore constructs a PgStore.
func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

// InTx runs fn inside a READ COMMITTED transaction.
//
// Race-sensitive sequences do not rely on the isolation level: they take
// explicit row locks with SELECT … FOR UPDATE (the Lock* methods), which
// block any other transaction locking the same row until COMMIT or
// ROLLBACK. Two joins racing for the last seat therefore run one after the
// other, and the second one sees the first one's membership row.
func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	// Rollback after a successful commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// classify tags driver errors with ErrDuplicate or ErrTransient.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrTransient) || errors.Is(err, ErrDuplicate) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

// ─── Profiles ────────────────────────────────────────────────────────────────

const profileColumns = `user_id, nick_name, pronoun, faculty, major, about_me, generation, reputation_score, created_at`

func scanProfile(row pgx.Row) (model.Profile, error) {
	var p model.Profile
	err := row.Scan(&p.UserID, &p.NickName, &p.Pronoun, &p.Faculty, &p.Major,
		&p.AboutMe, &p.Generation, &p.ReputationScore, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Profile{}, ErrNotFound
		}
		return model.Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	return p, nil
}

func (t *pgTx) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	return scanProfile(t.tx.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`, userID))
}

func (t *pgTx) LockProfile(ctx context.Context, userID string) (model.Profile, error) {
	return scanProfile(t.tx.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *pgTx) InsertProfile(ctx context.Context, p model.Profile) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO profiles (`+profileColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.UserID, p.NickName, p.Pronoun, p.Faculty, p.Major, p.AboutMe, p.Generation,
		p.ReputationScore, p.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert profile: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateProfile(ctx context.Context, p model.Profile) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE profiles
		 SET nick_name = $2, pronoun = $3, faculty = $4, major = $5, about_me = $6, generation = $7
		 WHERE user_id = $1`,
		p.UserID, p.NickName, p.Pronoun, p.Faculty, p.Major, p.AboutMe, p.Generation,
	)
	if err != nil {
		return classify(fmt.Errorf("update profile: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) SetReputation(ctx context.Context, userID string, score int) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE profiles SET reputation_score = $2 WHERE user_id = $1`,
		userID, score,
	)
	if err != nil {
		return classify(fmt.Errorf("update reputation: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CountActiveJoins(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM attends a
		 JOIN activities act ON act.id = a.activity_id
		 WHERE a.user_id = $1 AND NOT a.is_host AND act.date >= $2`,
		userID, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active joins: %w", err)
	}
	return n, nil
}

// ─── Activities ──────────────────────────────────────────────────────────────

const activityColumns = `id, owner_id, name, detail, on_site, date, end_date, end_registration_date,
	max_people, minimum_reputation_score, is_cancelled, check_in_allowed, check_in_code,
	reconciled_at, created_at`

func scanActivity(row pgx.Row) (model.Activity, error) {
	var a model.Activity
	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Detail, &a.OnSite, &a.Date, &a.EndDate,
		&a.EndRegistrationDate, &a.MaxPeople, &a.MinimumReputationScore, &a.IsCancelled,
		&a.CheckInAllowed, &a.CheckInCode, &a.ReconciledAt, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Activity{}, ErrNotFound
		}
		return model.Activity{}, fmt.Errorf("scan activity: %w", err)
	}
	return a, nil
}

func collectActivities(rows pgx.Rows) ([]model.Activity, error) {
	defer rows.Close()
	var out []model.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) GetActivity(ctx context.Context, id string) (model.Activity, error) {
	return scanActivity(t.tx.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = $1`, id))
}

// LockActivity acquires an exclusive row lock on the activity. Admission,
// check-in state changes and edits all go through this lock, so capacity
// reads and membership inserts for one activity are serialised.
func (t *pgTx) LockActivity(ctx context.Context, id string) (model.Activity, error) {
	return scanActivity(t.tx.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) InsertActivity(ctx context.Context, a model.Activity) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO activities (`+activityColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		a.ID, a.OwnerID, a.Name, a.Detail, a.OnSite, a.Date, a.EndDate, a.EndRegistrationDate,
		a.MaxPeople, a.MinimumReputationScore, a.IsCancelled, a.CheckInAllowed, a.CheckInCode,
		a.ReconciledAt, a.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert activity: %w", err))
	}
	return nil
}

func (t *pgTx) UpdateActivity(ctx context.Context, a model.Activity) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE activities SET
			name = $2, detail = $3, on_site = $4, date = $5, end_date = $6,
			end_registration_date = $7, max_people = $8, minimum_reputation_score = $9,
			is_cancelled = $10, check_in_allowed = $11, check_in_code = $12, reconciled_at = $13
		 WHERE id = $1`,
		a.ID, a.Name, a.Detail, a.OnSite, a.Date, a.EndDate, a.EndRegistrationDate,
		a.MaxPeople, a.MinimumReputationScore, a.IsCancelled, a.CheckInAllowed, a.CheckInCode,
		a.ReconciledAt,
	)
	if err != nil {
		return classify(fmt.Errorf("update activity: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// keywordPattern turns a keyword into an ILIKE substring pattern that matches
// it literally. It returns nil for an empty keyword.
func keywordPattern(keyword string) *string {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil
	}
	pattern := "%" + likeEscaper.Replace(keyword) + "%"
	return &pattern
}

func (t *pgTx) ListActivities(ctx context.Context, filter ActivityFilter) ([]model.Activity, error) {
	var activeAt *time.Time
	if !filter.ActiveAt.IsZero() {
		activeAt = &filter.ActiveAt
	}
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+activityColumns+`
		 FROM activities
		 WHERE ($1::timestamptz IS NULL OR (end_registration_date >= $1 AND NOT is_cancelled))
		   AND ($2::text IS NULL OR name ILIKE $2 ESCAPE '\' OR detail ILIKE $2 ESCAPE '\')
		 ORDER BY date ASC, id ASC
		 LIMIT $3`,
		activeAt, keywordPattern(filter.Keyword), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	return collectActivities(rows)
}

func (t *pgTx) ListReconcilable(ctx context.Context, now time.Time, limit int) ([]model.Activity, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+activityColumns+`
		 FROM activities
		 WHERE reconciled_at IS NULL AND (end_date < $1 OR is_cancelled)
		 ORDER BY end_date ASC, id ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable activities: %w", err)
	}
	return collectActivities(rows)
}

func (t *pgTx) MarkReconciled(ctx context.Context, id string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE activities SET reconciled_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return classify(fmt.Errorf("mark reconciled: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Memberships ─────────────────────────────────────────────────────────────

const membershipColumns = `id, activity_id, user_id, is_host, checked_in, rep_decrease, joined_at`

func scanMembership(row pgx.Row) (model.Membership, error) {
	var (
		m           model.Membership
		repDecrease bool
	)
	err := row.Scan(&m.ID, &m.ActivityID, &m.UserID, &m.IsHost, &m.CheckedIn, &repDecrease, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Membership{}, ErrNotFound
		}
		return model.Membership{}, fmt.Errorf("scan membership: %w", err)
	}
	if repDecrease {
		m.Penalty = model.Penalized
	}
	return m, nil
}

func (t *pgTx) GetMembership(ctx context.Context, activityID, userID string) (model.Membership, error) {
	return scanMembership(t.tx.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM attends WHERE activity_id = $1 AND user_id = $2`,
		activityID, userID))
}

func (t *pgTx) LockMembership(ctx context.Context, activityID, userID string) (model.Membership, error) {
	return scanMembership(t.tx.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM attends WHERE activity_id = $1 AND user_id = $2 FOR UPDATE`,
		activityID, userID))
}

func (t *pgTx) InsertMembership(ctx context.Context, m model.Membership) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO attends (`+membershipColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ActivityID, m.UserID, m.IsHost, m.CheckedIn, m.Penalized(), m.JoinedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("insert membership: %w", err))
	}
	return nil
}

// UpdateMembership writes the mutable flags. rep_decrease can only move from
// false to true; the OR keeps a stale caller from clearing it.
func (t *pgTx) UpdateMembership(ctx context.Context, m model.Membership) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE attends
		 SET is_host = $3, checked_in = $4, rep_decrease = rep_decrease OR $5
		 WHERE activity_id = $1 AND user_id = $2`,
		m.ActivityID, m.UserID, m.IsHost, m.CheckedIn, m.Penalized(),
	)
	if err != nil {
		return classify(fmt.Errorf("update membership: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteMembership(ctx context.Context, activityID, userID string) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM attends WHERE activity_id = $1 AND user_id = $2`, activityID, userID)
	if err != nil {
		return classify(fmt.Errorf("delete membership: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) CountMemberships(ctx context.Context, activityID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM attends WHERE activity_id = $1`, activityID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memberships: %w", err)
	}
	return n, nil
}

func (t *pgTx) ListMemberships(ctx context.Context, activityID string) ([]model.Membership, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+membershipColumns+`
		 FROM attends
		 WHERE activity_id = $1
		 ORDER BY joined_at ASC, id ASC`,
		activityID,
	)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []model.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
