// Package model defines the core domain types for the activity sign-up engine.
package model

import "time"

// Profile is the per-identity record carrying the reputation score.
type Profile struct {
	UserID          string    `json:"user_id"`
	NickName        *string   `json:"nick_name,omitempty"`
	Pronoun         *string   `json:"pronoun,omitempty"`
	Faculty         string    `json:"faculty"`
	Major           string    `json:"major"`
	AboutMe         *string   `json:"about_me,omitempty"`
	Generation      *int      `json:"generation,omitempty"`
	ReputationScore int       `json:"reputation_score"`
	CreatedAt       time.Time `json:"created_at"`
}

// ProfileSummary is a profile together with its derived join allowance.
type ProfileSummary struct {
	Profile
	ActiveActivityCount int  `json:"active_activity_count"`
	JoinLimit           int  `json:"join_limit"`
	AbleToJoinMore      bool `json:"able_to_join_more"`
}

// Activity represents an event created by an owner that others can join.
type Activity struct {
	ID                     string     `json:"id"`
	OwnerID                string     `json:"owner_id"`
	Name                   string     `json:"name"`
	Detail                 string     `json:"detail"`
	OnSite                 bool       `json:"on_site"`
	Date                   time.Time  `json:"date"`
	EndDate                time.Time  `json:"end_date"`
	EndRegistrationDate    time.Time  `json:"end_registration_date"`
	MaxPeople              *int       `json:"max_people"`
	MinimumReputationScore int        `json:"minimum_reputation_score"`
	IsCancelled            bool       `json:"is_cancelled"`
	CheckInAllowed         bool       `json:"check_in_allowed"`
	CheckInCode            *string    `json:"-"`
	ReconciledAt           *time.Time `json:"-"`
	CreatedAt              time.Time  `json:"created_at"`
}

// IsActive reports whether new joins are still accepted at now.
func (a Activity) IsActive(now time.Time) bool {
	return !a.EndRegistrationDate.Before(now) && !a.IsCancelled
}

// IsFull reports whether peopleCount has reached the capacity.
// An activity without MaxPeople is never full.
func (a Activity) IsFull(peopleCount int) bool {
	return a.MaxPeople != nil && peopleCount >= *a.MaxPeople
}

// IsCheckinPeriod reports whether now lies within [Date, EndDate].
func (a Activity) IsCheckinPeriod(now time.Time) bool {
	return !now.Before(a.Date) && !now.After(a.EndDate)
}

// HasEnded reports whether the activity end date is in the past.
func (a Activity) HasEnded(now time.Time) bool {
	return a.EndDate.Before(now)
}

// NeedsReconciliation reports whether the sweep still has to settle
// reputation for this activity.
func (a Activity) NeedsReconciliation(now time.Time) bool {
	return a.ReconciledAt == nil && (a.HasEnded(now) || a.IsCancelled)
}

// CheckInState returns the state of the check-in state machine.
func (a Activity) CheckInState() CheckInState {
	if a.CheckInAllowed {
		return CheckInOpen
	}
	return CheckInClosed
}

// VerifyCode reports whether attempt matches the current check-in code.
// It is always false while no code is set.
func (a Activity) VerifyCode(attempt string) bool {
	if a.CheckInCode == nil || *a.CheckInCode == "" {
		return false
	}
	return *a.CheckInCode == attempt
}

// CheckInState is the per-activity check-in state.
type CheckInState string

const (
	CheckInClosed CheckInState = "closed"
	CheckInOpen   CheckInState = "open"
)

// CheckInCodeLength is the number of uppercase letters in a check-in code.
const CheckInCodeLength = 6

// PenaltyState records whether a membership's reputation penalty has been
// applied. Once Penalized it never goes back.
type PenaltyState uint8

const (
	NotPenalized PenaltyState = iota
	Penalized
)

func (s PenaltyState) String() string {
	if s == Penalized {
		return "penalized"
	}
	return "not_penalized"
}

// Membership links one identity to one activity.
type Membership struct {
	ID         string       `json:"id"`
	ActivityID string       `json:"activity_id"`
	UserID     string       `json:"user_id"`
	IsHost     bool         `json:"is_host"`
	CheckedIn  bool         `json:"checked_in"`
	Penalty    PenaltyState `json:"-"`
	JoinedAt   time.Time    `json:"joined_at"`
}

// Penalized reports whether the reputation penalty was already applied.
func (m Membership) Penalized() bool {
	return m.Penalty == Penalized
}

// ActivityDetail is an activity with its roster-derived fields.
type ActivityDetail struct {
	Activity
	PeopleCount int      `json:"people"`
	CanJoin     bool     `json:"can_join"`
	HostIDs     []string `json:"host"`
}

// MemberStatus describes one user's standing in an activity.
type MemberStatus struct {
	IsJoined    bool `json:"is_joined"`
	IsCheckedIn bool `json:"is_checked_in"`
	IsHost      bool `json:"is_host"`
}

// CreateProfileRequest is the payload for creating a profile.
type CreateProfileRequest struct {
	NickName   *string `json:"nick_name"`
	Pronoun    *string `json:"pronoun"`
	Faculty    string  `json:"faculty"`
	Major      string  `json:"major"`
	AboutMe    *string `json:"about_me"`
	Generation *int    `json:"generation"`
}

// EditProfileRequest is a partial profile update. Nil fields are left as
// they are. The reputation score is never editable.
type EditProfileRequest struct {
	NickName   *string `json:"nick_name"`
	Pronoun    *string `json:"pronoun"`
	Faculty    *string `json:"faculty"`
	Major      *string `json:"major"`
	AboutMe    *string `json:"about_me"`
	Generation *int    `json:"generation"`
}

// CreateActivityRequest is the payload for creating an activity. Omitted
// dates fall back to defaults relative to the creation time.
type CreateActivityRequest struct {
	Name                   string     `json:"name"`
	Detail                 string     `json:"detail"`
	OnSite                 bool       `json:"on_site"`
	Date                   *time.Time `json:"date"`
	EndDate                *time.Time `json:"end_date"`
	EndRegistrationDate    *time.Time `json:"end_registration_date"`
	MaxPeople              *int       `json:"max_people"`
	MinimumReputationScore int        `json:"minimum_reputation_score"`
}

// EditActivityRequest is a partial update. Nil fields are left unchanged.
type EditActivityRequest struct {
	Name                   *string    `json:"name"`
	Detail                 *string    `json:"detail"`
	OnSite                 *bool      `json:"on_site"`
	Date                   *time.Time `json:"date"`
	EndDate                *time.Time `json:"end_date"`
	EndRegistrationDate    *time.Time `json:"end_registration_date"`
	MaxPeople              *int       `json:"max_people"`
	ClearMaxPeople         bool       `json:"clear_max_people"`
	MinimumReputationScore *int       `json:"minimum_reputation_score"`
	IsCancelled            *bool      `json:"is_cancelled"`
}

// CheckInRequest is the payload submitted by an attendee checking in.
type CheckInRequest struct {
	CheckInCode string `json:"check_in_code"`
}

// HostEditRequest lists the users whose host access is being changed.
type HostEditRequest struct {
	UserIDs []string `json:"user_ids"`
}

// SweepResult summarises one reconciliation sweep run.
type SweepResult struct {
	Activities         int `json:"activities"`
	PenalizedAttendees int `json:"penalized_attendee_count"`
	PenalizedHosts     int `json:"penalized_host_count"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
