package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accreditation-portal/messaging/internal/middleware"
	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/internal/service"
)

type stubService struct {
	sent     *model.SendMessageRequest
	caller   service.Caller
	sendErr  error
	history  []model.PersistedMessage
	histErr  error
	gotLimit int
}

func (s *stubService) Send(_ context.Context, caller service.Caller, req *model.SendMessageRequest) (*model.PersistedMessage, error) {
	s.sent, s.caller = req, caller
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &model.PersistedMessage{ID: "m1", SenderID: caller.UserID, Message: req.Message, ClientID: req.ClientID}, nil
}

func (s *stubService) History(_ context.Context, caller service.Caller, _ string, limit int) ([]model.PersistedMessage, error) {
	s.caller, s.gotLimit = caller, limit
	return s.history, s.histErr
}

func routes(svc MessageService) http.Handler {
	h := NewMessageHandler(svc, nil)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.WithIdentity(r.Context(), middleware.Identity{UserID: "admin-1", Name: "Registrar", Role: middleware.RoleAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	r.Post("/api/v1/messages", h.Send)
	r.Get("/api/v1/conversations/{id}/messages", h.List)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSend_Created(t *testing.T) {
	svc := &stubService{}
	rec := do(routes(svc), http.MethodPost, "/api/v1/messages",
		`{"recipient_id":"school-1","message":"hello","client_id":"c-1"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp model.SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Message.Message)
	assert.Equal(t, "c-1", resp.Message.ClientID)

	assert.Equal(t, model.RecipientUser, svc.sent.Type, "type defaults to user")
	assert.Equal(t, "admin-1", svc.caller.UserID)
	assert.Equal(t, middleware.RoleAdmin, svc.caller.Role)
}

func TestSend_BadRequests(t *testing.T) {
	svc := &stubService{}
	h := routes(svc)

	for name, body := range map[string]string{
		"malformed":     `{`,
		"empty message": `{"recipient_id":"x","message":""}`,
		"bad type":      `{"recipient_id":"x","message":"hi","type":"room"}`,
		"bad recipient": `{"recipient_id":"a:b","message":"hi"}`,
	} {
		rec := do(h, http.MethodPost, "/api/v1/messages", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Nil(t, svc.sent)
}

func TestSend_ServiceErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{model.ErrForbidden, http.StatusForbidden},
		{service.ErrInvalidRequest, http.StatusBadRequest},
		{errors.New("jetstream down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := do(routes(&stubService{sendErr: tc.err}), http.MethodPost, "/api/v1/messages",
			`{"recipient_id":"x","message":"hi"}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
}

func TestList(t *testing.T) {
	svc := &stubService{history: []model.PersistedMessage{{ID: "m1", Message: "one"}}}
	h := routes(svc)

	rec := do(h, http.MethodGet, "/api/v1/conversations/dm:admin-1:school-1/messages?limit=20", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "one", resp.Messages[0].Message)
	assert.Equal(t, 20, svc.gotLimit)

	rec = do(h, http.MethodGet, "/api/v1/conversations/nonsense/messages", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/conversations/group:schools/messages?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestList_Forbidden(t *testing.T) {
	rec := do(routes(&stubService{histErr: model.ErrForbidden}), http.MethodGet,
		"/api/v1/conversations/group:schools/messages", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestList_EmptyIsArray(t *testing.T) {
	rec := do(routes(&stubService{history: []model.PersistedMessage{}}), http.MethodGet,
		"/api/v1/conversations/group:schools/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}

type staticPresence []model.Connection

func (p staticPresence) Snapshot() []model.Connection { return p }

func TestPresence(t *testing.T) {
	h := NewPresenceHandler(staticPresence{{UserID: "a", ConnectionID: "s1"}, {UserID: "b", ConnectionID: "s2"}})
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/presence", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"users":["a","b"]}`, rec.Body.String())
}

type fakeBus bool

func (b fakeBus) IsConnected() bool { return bool(b) }

func TestReady(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(fakeBus(false), nil).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler(fakeBus(true), func() int { return 3 }).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","live_connections":3}`, rec.Body.String())
}
