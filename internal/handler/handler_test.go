package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/activity-signup/internal/logging"
	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/Shivanand-hulikatti/activity-signup/internal/repository/memory"
	"github.com/Shivanand-hulikatti/activity-signup/internal/service"
	"github.com/Shivanand-hulikatti/activity-signup/internal/testfixtures"
)

type apiClient struct {
	t      *testing.T
	router http.Handler
	clock  *testfixtures.Clock
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	clock := testfixtures.NewClock(time.Time{})
	engine := service.NewEngine(memory.New(), service.Options{
		Now:     clock.NowFunc(),
		NewID:   testfixtures.NewIDGenerator("id").NextFunc(),
		NewCode: func() (string, error) { return "QWERTY", nil },
		Logger:  logging.Discard(),
	})
	return &apiClient{t: t, router: Router(engine, nil, logging.Discard()), clock: clock}
}

// do sends body as JSON and decodes the response into out when out is not nil.
func (c *apiClient) do(method, path, user string, body, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			c.t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func (c *apiClient) expect(want int, method, path, user string, body, out any) {
	c.t.Helper()
	if got := c.do(method, path, user, body, out); got != want {
		c.t.Fatalf("%s %s as %q: status %d, want %d", method, path, user, got, want)
	}
}

func (c *apiClient) createProfile(user string) {
	c.t.Helper()
	c.expect(http.StatusCreated, http.MethodPost, "/profiles", user,
		model.CreateProfileRequest{Faculty: "Engineering", Major: "Software"}, nil)
}

func TestHealthCheck(t *testing.T) {
	api := newAPI(t)
	var body map[string]string
	api.expect(http.StatusOK, http.MethodGet, "/health", "", nil, &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRequestsRequireIdentity(t *testing.T) {
	api := newAPI(t)
	var resp model.ErrorResponse
	api.expect(http.StatusUnauthorized, http.MethodGet, "/activities", "", nil, &resp)
	if resp.Error == "" {
		t.Fatal("expected an error message")
	}
}

func TestActivityLifecycle(t *testing.T) {
	api := newAPI(t)
	api.createProfile("owner")
	api.createProfile("u1")

	var created model.Activity
	api.expect(http.StatusCreated, http.MethodPost, "/activities", "owner",
		model.CreateActivityRequest{Name: "Chess", MaxPeople: intPtr(2)}, &created)

	var listed []model.Activity
	api.expect(http.StatusOK, http.MethodGet, "/activities?keyword=chess", "u1", nil, &listed)
	if len(listed) != 1 || listed[0].ID != created.ID {
		t.Fatalf("unexpected listing: %+v", listed)
	}

	var membership model.Membership
	api.expect(http.StatusCreated, http.MethodPost, "/activities/"+created.ID+"/join", "u1", nil, &membership)
	if membership.UserID != "u1" || membership.IsHost {
		t.Fatalf("unexpected membership: %+v", membership)
	}

	var detail model.ActivityDetail
	api.expect(http.StatusOK, http.MethodGet, "/activities/"+created.ID, "u1", nil, &detail)
	if detail.PeopleCount != 2 || detail.CanJoin {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	var status model.MemberStatus
	api.expect(http.StatusOK, http.MethodGet, "/activities/"+created.ID+"/status", "u1", nil, &status)
	if !status.IsJoined || status.IsCheckedIn || status.IsHost {
		t.Fatalf("unexpected status: %+v", status)
	}

	var code struct {
		CheckInCode string `json:"check_in_code"`
	}
	api.expect(http.StatusForbidden, http.MethodPut, "/activities/"+created.ID+"/checkin?status=open", "u1", nil, nil)
	api.expect(http.StatusOK, http.MethodPut, "/activities/"+created.ID+"/checkin?status=open", "owner", nil, &code)
	if code.CheckInCode != "QWERTY" {
		t.Fatalf("unexpected code %q", code.CheckInCode)
	}
	api.expect(http.StatusBadRequest, http.MethodPost, "/activities/"+created.ID+"/checkin", "u1",
		model.CheckInRequest{CheckInCode: "WRONG1"}, nil)
	api.expect(http.StatusNoContent, http.MethodPost, "/activities/"+created.ID+"/checkin", "u1",
		model.CheckInRequest{CheckInCode: code.CheckInCode}, nil)

	var profile model.ProfileSummary
	api.expect(http.StatusOK, http.MethodGet, "/profiles/u1", "u1", nil, &profile)
	if profile.ReputationScore != 11 {
		t.Fatalf("score after check-in = %d, want 11", profile.ReputationScore)
	}

	// Checked-in members cannot leave.
	api.expect(http.StatusBadRequest, http.MethodDelete, "/activities/"+created.ID+"/join", "u1", nil, nil)

	var roster []model.Membership
	api.expect(http.StatusOK, http.MethodGet, "/activities/"+created.ID+"/participants", "u1", nil, &roster)
	if len(roster) != 2 {
		t.Fatalf("unexpected roster: %+v", roster)
	}
}

func TestErrorMapping(t *testing.T) {
	api := newAPI(t)
	api.createProfile("owner")
	api.createProfile("u1")

	var created model.Activity
	api.expect(http.StatusCreated, http.MethodPost, "/activities", "owner", model.CreateActivityRequest{Name: "Run"}, &created)

	var resp model.ErrorResponse
	api.expect(http.StatusNotFound, http.MethodPost, "/activities/missing/join", "u1", nil, &resp)
	if resp.Kind != "not_found" || resp.Error != service.ErrActivityNotFound.Error() {
		t.Fatalf("unexpected error response: %+v", resp)
	}

	api.expect(http.StatusBadRequest, http.MethodPost, "/profiles", "owner",
		model.CreateProfileRequest{Faculty: "Arts", Major: "History"}, &resp)
	if resp.Kind != "validation" {
		t.Fatalf("unexpected kind %q", resp.Kind)
	}

	name := "Renamed"
	api.expect(http.StatusForbidden, http.MethodPut, "/activities/"+created.ID, "u1",
		model.EditActivityRequest{Name: &name}, nil)
	api.expect(http.StatusOK, http.MethodPut, "/activities/"+created.ID, "owner",
		model.EditActivityRequest{Name: &name}, nil)

	api.expect(http.StatusBadRequest, http.MethodPost, "/activities", "owner", map[string]any{"unknown": 1}, nil)
	api.expect(http.StatusBadRequest, http.MethodPut, "/activities/"+created.ID+"/checkin?status=maybe", "owner", nil, nil)
}

func TestEditHosts(t *testing.T) {
	api := newAPI(t)
	api.createProfile("owner")
	api.createProfile("u1")

	var created model.Activity
	api.expect(http.StatusCreated, http.MethodPost, "/activities", "owner", model.CreateActivityRequest{Name: "Quiz"}, &created)
	api.expect(http.StatusCreated, http.MethodPost, "/activities/"+created.ID+"/join", "u1", nil, nil)

	path := "/activities/" + created.ID + "/hosts/"
	api.expect(http.StatusForbidden, http.MethodPut, path+"grant", "owner", model.HostEditRequest{UserIDs: []string{"owner"}}, nil)
	api.expect(http.StatusNotFound, http.MethodPut, path+"promote", "owner", model.HostEditRequest{UserIDs: []string{"u1"}}, nil)
	api.expect(http.StatusBadRequest, http.MethodPut, path+"grant", "owner", model.HostEditRequest{}, nil)
	api.expect(http.StatusNoContent, http.MethodPut, path+"grant", "owner", model.HostEditRequest{UserIDs: []string{"u1"}}, nil)

	var detail model.ActivityDetail
	api.expect(http.StatusOK, http.MethodGet, "/activities/"+created.ID, "u1", nil, &detail)
	if len(detail.HostIDs) != 2 {
		t.Fatalf("expected two hosts, got %v", detail.HostIDs)
	}

	api.expect(http.StatusNoContent, http.MethodPut, path+"remove", "owner", model.HostEditRequest{UserIDs: []string{"u1"}}, nil)
}

func TestRunSweep(t *testing.T) {
	api := newAPI(t)
	api.createProfile("owner")
	api.createProfile("u1")

	var created model.Activity
	api.expect(http.StatusCreated, http.MethodPost, "/activities", "owner", model.CreateActivityRequest{Name: "Walk"}, &created)
	api.expect(http.StatusCreated, http.MethodPost, "/activities/"+created.ID+"/join", "u1", nil, nil)
	api.clock.Advance(8 * 24 * time.Hour)

	var result model.SweepResult
	api.expect(http.StatusOK, http.MethodPost, "/admin/sweep", "admin", nil, &result)
	if result != (model.SweepResult{Activities: 1, PenalizedAttendees: 1, PenalizedHosts: 1}) {
		t.Fatalf("unexpected sweep result: %+v", result)
	}
}

func TestCORSPreflight(t *testing.T) {
	api := newAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/activities", nil)
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func intPtr(v int) *int { return &v }

func TestEditOwnProfile(t *testing.T) {
	api := newAPI(t)
	api.createProfile("u1")

	about := "Likes chess"
	var edited model.Profile
	// The score is not part of the editable fields.
	api.expect(http.StatusBadRequest, http.MethodPut, "/profiles", "u1",
		map[string]any{"about_me": about, "reputation_score": 100}, nil)
	api.expect(http.StatusOK, http.MethodPut, "/profiles", "u1",
		map[string]any{"major": "Data Science"}, nil)
	api.expect(http.StatusOK, http.MethodPut, "/profiles", "u1", model.EditProfileRequest{AboutMe: &about}, &edited)
	if edited.Major != "Data Science" || edited.AboutMe == nil || *edited.AboutMe != about {
		t.Fatalf("unexpected profile: %+v", edited)
	}
	if edited.ReputationScore != model.DefaultReputationPolicy().InitialScore {
		t.Fatalf("reputation changed through profile edit: %d", edited.ReputationScore)
	}

	api.expect(http.StatusNotFound, http.MethodPut, "/profiles", "stranger", model.EditProfileRequest{AboutMe: &about}, nil)
	api.expect(http.StatusUnauthorized, http.MethodPut, "/profiles", "", model.EditProfileRequest{AboutMe: &about}, nil)
}
