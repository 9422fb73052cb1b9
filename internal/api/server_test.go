package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"schoolhub/internal/auth"
	"schoolhub/internal/chat"
	"schoolhub/internal/database"
	"schoolhub/internal/guard"
	"schoolhub/internal/leave"
	"schoolhub/internal/media"
	"schoolhub/internal/notification"
	"schoolhub/internal/queue"
	"schoolhub/internal/scheduler"
	"schoolhub/internal/session"
	"schoolhub/internal/testutil"
	"schoolhub/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticStats map[string]int

func (s staticStats) Stats() map[string]int { return s }

type failingHealth struct{}

func (failingHealth) HealthCheck(ctx context.Context) error { return errors.New("disk full") }

type fixture struct {
	server  *Server
	db      *database.Manager
	auth    *auth.Authenticator
	emitter *testutil.RecordingEmitter
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDatabase(t)
	testutil.SeedUsers(t, db, testutil.Admin, testutil.Teacher, testutil.StudentA, testutil.StudentB)

	authn, err := auth.NewAuthenticator("rest-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	mediaSvc, err := media.NewService(media.Config{Secret: "media-secret"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("media.NewService() error = %v", err)
	}

	emitter := testutil.NewRecordingEmitter()
	g := guard.New(db)
	engine := notification.NewEngine(db, emitter, g, notification.DefaultConfig())
	sessions := session.NewManager(session.Dependencies{
		Sessions:  db,
		Durations: db,
		Directory: db,
		Media:     mediaSvc,
		Scheduler: scheduler.New(queue.NewSQLiteQueue(db, queue.DefaultConfig())),
		Emitter:   emitter,
		Guard:     g,
	}, session.DefaultConfig())

	server := NewServer(Dependencies{
		Chat:          chat.NewService(db, emitter, g),
		Notifications: engine,
		Leaves:        leave.NewWorkflow(db, engine, g),
		Sessions:      sessions,
		Directory:     db,
		Verifier:      authn,
		Health:        db,
		Stats:         staticStats{"connections": 3},
	}, zerolog.Nop())

	return &fixture{server: server, db: db, auth: authn, emitter: emitter}
}

func (f *fixture) token(t *testing.T, u *types.User) string {
	t.Helper()
	tok, _, err := f.auth.Issue(testutil.IdentityOf(u), time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestServer_Health(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decodeBody[HealthResponse](t, w)
	if resp.Status != "healthy" || resp.Connections["connections"] != 3 {
		t.Errorf("health = %+v", resp)
	}

	f.server.deps.Health = failingHealth{}
	if w := f.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", w.Code)
	}
}

func TestServer_Authentication(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized},
		{"valid token", f.token(t, testutil.StudentA), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/api/users/me", tt.token, nil)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}

	w := f.do(t, http.MethodGet, "/api/users/me", "", nil)
	if body := decodeBody[ErrorResponse](t, w); body.Code != types.CodeUnauthorized {
		t.Errorf("error body = %+v", body)
	}
}

func TestServer_AdminEndpoints(t *testing.T) {
	f := setup(t)
	newUser := types.CreateUserRequest{ID: "studentZ", Name: "Zed", Email: "zed@school.test", Role: types.RoleStudent}

	if w := f.do(t, http.MethodPost, "/api/users", f.token(t, testutil.Teacher), newUser); w.Code != http.StatusForbidden {
		t.Errorf("teacher create user status = %d, want 403", w.Code)
	}
	w := f.do(t, http.MethodPost, "/api/users", f.token(t, testutil.Admin), newUser)
	if w.Code != http.StatusCreated {
		t.Fatalf("admin create user status = %d: %s", w.Code, w.Body.String())
	}
	if u, err := f.db.GetUser(context.Background(), "studentZ"); err != nil || u.Email != newUser.Email {
		t.Errorf("stored user = %+v, %v", u, err)
	}

	bad := newUser
	bad.Email = "not-an-email"
	if w := f.do(t, http.MethodPost, "/api/users", f.token(t, testutil.Admin), bad); w.Code != http.StatusBadRequest {
		t.Errorf("invalid user status = %d, want 400", w.Code)
	}

	if w := f.do(t, http.MethodGet, "/api/stats", f.token(t, testutil.StudentA), nil); w.Code != http.StatusForbidden {
		t.Errorf("student stats status = %d, want 403", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/stats", f.token(t, testutil.Admin), nil); w.Code != http.StatusOK {
		t.Errorf("admin stats status = %d", w.Code)
	}
}

func TestServer_LeaveFlow(t *testing.T) {
	f := setup(t)
	student := f.token(t, testutil.StudentA)
	teacher := f.token(t, testutil.Teacher)

	w := f.do(t, http.MethodPost, "/api/leaves", student, types.ApplyLeaveRequest{
		StudentID: "studentA", Date: "2026-06-01", Reason: "Family event",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("apply status = %d: %s", w.Code, w.Body.String())
	}
	l := decodeBody[types.Leave](t, w)

	path := "/api/leaves/" + l.ID + "/decision"
	if w := f.do(t, http.MethodPost, path, student, decisionBody{Status: types.LeaveApproved}); w.Code != http.StatusForbidden {
		t.Errorf("student decision status = %d, want 403", w.Code)
	}
	w = f.do(t, http.MethodPost, path, teacher, decisionBody{Status: types.LeaveApproved})
	if w.Code != http.StatusOK {
		t.Fatalf("decision status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[types.Leave](t, w); got.Status != types.LeaveApproved {
		t.Errorf("leave = %+v", got)
	}
	if w := f.do(t, http.MethodPost, path, teacher, decisionBody{Status: types.LeaveRejected}); w.Code != http.StatusConflict {
		t.Errorf("second decision status = %d, want 409", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/leaves/missing/decision", teacher, decisionBody{Status: types.LeaveRejected}); w.Code != http.StatusNotFound {
		t.Errorf("unknown leave status = %d, want 404", w.Code)
	}
}

func TestServer_Notifications(t *testing.T) {
	f := setup(t)
	teacher := f.token(t, testutil.Teacher)
	student := f.token(t, testutil.StudentA)

	w := f.do(t, http.MethodPost, "/api/notifications", teacher, types.SendNotificationRequest{
		Title: "Trip", Message: "Bring lunch", RecipientType: types.RecipientStudent,
		RecipientIDs: []string{"studentA"}, SenderID: "teacher1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("send status = %d: %s", w.Code, w.Body.String())
	}
	n := decodeBody[types.Notification](t, w)

	w = f.do(t, http.MethodGet, "/api/notifications", student, nil)
	list := decodeBody[[]types.Notification](t, w)
	if len(list) != 1 || list[0].ID != n.ID || list[0].IsRead {
		t.Fatalf("list = %+v", list)
	}

	if w := f.do(t, http.MethodPost, "/api/notifications/"+n.ID+"/read", student, nil); w.Code != http.StatusNoContent {
		t.Errorf("mark read status = %d: %s", w.Code, w.Body.String())
	}
	list = decodeBody[[]types.Notification](t, f.do(t, http.MethodGet, "/api/notifications", student, nil))
	if len(list) != 1 || !list[0].IsRead {
		t.Errorf("list after read = %+v", list)
	}

	if w := f.do(t, http.MethodPost, "/api/notifications", student, map[string]string{"title": "x"}); w.Code == http.StatusCreated {
		t.Error("students must not send notifications")
	}
	if w := f.do(t, http.MethodPost, "/api/notifications", teacher, "not an object"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}

func TestServer_SessionLifecycle(t *testing.T) {
	f := setup(t)
	teacher := f.token(t, testutil.Teacher)
	studentB := f.token(t, testutil.StudentB)

	w := f.do(t, http.MethodPost, "/api/sessions", teacher, types.ScheduleSessionRequest{
		Title: "Chemistry", ClassID: "c10", TeacherID: "teacher1",
		StudentIDs: []string{"studentA"}, ScheduledAt: time.Now().Add(time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("schedule status = %d: %s", w.Code, w.Body.String())
	}
	s := decodeBody[types.LiveSession](t, w)

	if w := f.do(t, http.MethodGet, "/api/sessions/"+s.ID, studentB, nil); w.Code != http.StatusForbidden {
		t.Errorf("outsider get status = %d, want 403", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/end", teacher, nil); w.Code != http.StatusConflict {
		t.Errorf("end scheduled status = %d, want 409", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/token", teacher, nil); w.Code != http.StatusConflict {
		t.Errorf("token for scheduled status = %d, want 409", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/cancel", teacher, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", w.Code, w.Body.String())
	}
	if got := decodeBody[types.LiveSession](t, w); got.Status != types.SessionCancelled {
		t.Errorf("session = %+v", got)
	}
	if w := f.do(t, http.MethodGet, "/api/sessions/missing", teacher, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", w.Code)
	}
}

func TestServer_ChatRooms(t *testing.T) {
	f := setup(t)
	teacher := f.token(t, testutil.Teacher)

	w := f.do(t, http.MethodPost, "/api/chat-rooms", teacher, types.CreateChatRoomRequest{
		Name: "Physics", MemberIDs: []string{"studentA"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create room status = %d: %s", w.Code, w.Body.String())
	}
	room := decodeBody[types.ChatRoom](t, w)

	if w := f.do(t, http.MethodGet, "/api/chat-rooms/"+room.ID+"/messages", f.token(t, testutil.StudentA), nil); w.Code != http.StatusOK {
		t.Errorf("member history status = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/chat-rooms/"+room.ID+"/messages", f.token(t, testutil.StudentB), nil); w.Code != http.StatusForbidden {
		t.Errorf("non-member history status = %d, want 403", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.Validationf("x"), http.StatusBadRequest},
		{types.Unauthorizedf("x"), http.StatusUnauthorized},
		{types.Forbiddenf("x"), http.StatusForbidden},
		{types.NotFoundf("x"), http.StatusNotFound},
		{types.Conflictf("x"), http.StatusConflict},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("sql: database is locked"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodOptions, "/api/sessions", "", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
