// internal/server/server_test.go
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adhesion-flow/internal/common/logger"
	"adhesion-flow/internal/flow"
	"adhesion-flow/internal/flow/remote"
	"adhesion-flow/internal/flow/session"
)

// ==========================
// Stub backend
// ==========================

type stubOperations struct {
	createLead     func(ctx context.Context, req remote.CreateLeadRequest) (*remote.CreateLeadResult, error)
	verifyCode     func(ctx context.Context, leadID, code string) error
	resendCode     func(ctx context.Context, leadID, phone string) error
	lookupLead     func(ctx context.Context, email string) (*remote.LeadSnapshot, error)
	submitDocument func(ctx context.Context, req remote.DocumentRequest) error
	uploadFile     func(ctx context.Context, dealID string, file flow.FileUpload) error
	acceptContract func(ctx context.Context, req remote.ContractRequest) (*remote.LeadSnapshot, error)
}

func (s *stubOperations) CreateLead(ctx context.Context, req remote.CreateLeadRequest) (*remote.CreateLeadResult, error) {
	return s.createLead(ctx, req)
}
func (s *stubOperations) VerifyCode(ctx context.Context, leadID, code string) error {
	return s.verifyCode(ctx, leadID, code)
}
func (s *stubOperations) ResendCode(ctx context.Context, leadID, phone string) error {
	return s.resendCode(ctx, leadID, phone)
}
func (s *stubOperations) LookupLeadByEmail(ctx context.Context, email string) (*remote.LeadSnapshot, error) {
	return s.lookupLead(ctx, email)
}
func (s *stubOperations) SubmitDocument(ctx context.Context, req remote.DocumentRequest) error {
	return s.submitDocument(ctx, req)
}
func (s *stubOperations) UploadDocumentFile(ctx context.Context, dealID string, file flow.FileUpload) error {
	return s.uploadFile(ctx, dealID, file)
}
func (s *stubOperations) AcceptContract(ctx context.Context, req remote.ContractRequest) (*remote.LeadSnapshot, error) {
	return s.acceptContract(ctx, req)
}

// ==========================
// Test Helper Functions
// ==========================

func happyOperations() *stubOperations {
	return &stubOperations{
		createLead: func(ctx context.Context, req remote.CreateLeadRequest) (*remote.CreateLeadResult, error) {
			return &remote.CreateLeadResult{LeadID: "42", DealID: "77"}, nil
		},
		verifyCode: func(ctx context.Context, leadID, code string) error { return nil },
		resendCode: func(ctx context.Context, leadID, phone string) error { return nil },
	}
}

func newTestServer(t *testing.T, ops remote.Operations) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(Options{
		Config:     flow.DefaultConfig(),
		Operations: ops,
		Sessions:   session.NewRedisStore(client, time.Hour, logger.NewTestLogger(t)),
		Audit:      nil, // nil-safe; no database in these tests
		Logger:     logger.NewTestLogger(t),
	})
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func createSession(t *testing.T, handler http.Handler, body any) string {
	t.Helper()
	rr := doJSON(t, handler, http.MethodPost, "/sessions", body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decode[sessionResponse](t, rr)
	require.NotEmpty(t, resp.SessionID)
	return resp.SessionID
}

// ==========================
// Session Lifecycle
// ==========================

func TestCreateSession(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	handler := srv.Router()

	rr := doJSON(t, handler, http.MethodPost, "/sessions", map[string]any{
		"attribution": map[string]string{"utm_source": "ads"},
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	resp := decode[sessionResponse](t, rr)
	assert.Equal(t, flow.StepPersonalData, resp.State.CurrentStep)
	assert.True(t, resp.Navigation.IsFirstStep)
	assert.Equal(t, 5, resp.Navigation.TotalSteps)
}

func TestCreateSession_WithPreset(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	handler := srv.Router()

	rr := doJSON(t, handler, http.MethodPost, "/sessions", map[string]any{"preset": "quick_capture"})
	require.Equal(t, http.StatusCreated, rr.Code)
	resp := decode[sessionResponse](t, rr)
	assert.Equal(t, 2, resp.Navigation.TotalSteps)

	rr = doJSON(t, handler, http.MethodPost, "/sessions", map[string]any{"preset": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetSession_UnknownID(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	rr := doJSON(t, srv.Router(), http.MethodGet, "/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDeleteSession(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	handler := srv.Router()
	id := createSession(t, handler, nil)

	rr := doJSON(t, handler, http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, handler, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// ==========================
// Submissions
// ==========================

func TestSubmit_AdvancesAndPersists(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	handler := srv.Router()
	id := createSession(t, handler, nil)

	rr := doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/submit", map[string]any{
		"values": map[string]any{
			"name":          "Ana Souza",
			"email":         "ana@example.com",
			"phone":         "(11) 98888-7777",
			"termsAccepted": true,
		},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decode[submitResponse](t, rr)
	assert.Equal(t, "advanced", string(resp.Result.Outcome))
	assert.Equal(t, flow.StepSmsValidation, resp.State.CurrentStep)
	assert.Equal(t, "42", resp.State.Fields["contactId"])

	// The stored session reflects the advance.
	rr = doJSON(t, handler, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[sessionResponse](t, rr)
	assert.Equal(t, flow.StepSmsValidation, got.State.CurrentStep)
}

func TestSubmit_ValidationErrorsAreReturned(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	handler := srv.Router()
	id := createSession(t, handler, nil)

	rr := doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/submit", map[string]any{
		"values": map[string]any{"name": "Ana"},
	})
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decode[submitResponse](t, rr)
	assert.Equal(t, "validation_failed", string(resp.Result.Outcome))
	assert.NotEmpty(t, resp.Result.FieldErrors)
	assert.Equal(t, flow.StepPersonalData, resp.State.CurrentStep)
}

func TestBack_RetreatsOneStep(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	handler := srv.Router()
	id := createSession(t, handler, nil)

	doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/submit", map[string]any{
		"values": map[string]any{
			"name": "Ana Souza", "email": "ana@example.com",
			"phone": "(11) 98888-7777", "termsAccepted": true,
		},
	})

	rr := doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/back", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[sessionResponse](t, rr)
	assert.Equal(t, flow.StepPersonalData, resp.State.CurrentStep)
}

func TestResendSMS_Endpoint(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	handler := srv.Router()
	id := createSession(t, handler, nil)

	doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/submit", map[string]any{
		"values": map[string]any{
			"name": "Ana Souza", "email": "ana@example.com",
			"phone": "(11) 98888-7777", "termsAccepted": true,
		},
	})

	rr := doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/resend-sms", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var res struct {
		Sent            bool `json:"sent"`
		CooldownSeconds int  `json:"cooldownSeconds"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.True(t, res.Sent)
	assert.Equal(t, 60, res.CooldownSeconds)

	// Second call inside the cooldown is a no-op.
	rr = doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/resend-sms", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.False(t, res.Sent)
}

func TestReset_Endpoint(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	handler := srv.Router()
	id := createSession(t, handler, nil)

	doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/submit", map[string]any{
		"values": map[string]any{
			"name": "Ana Souza", "email": "ana@example.com",
			"phone": "(11) 98888-7777", "termsAccepted": true,
		},
	})

	rr := doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/reset", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[sessionResponse](t, rr)
	assert.Equal(t, flow.StepPersonalData, resp.State.CurrentStep)
	assert.NotContains(t, resp.State.Fields, "contactId")
}

// ==========================
// Rehydration
// ==========================

func TestSession_RehydratesAfterRestart(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	handler := srv.Router()
	id := createSession(t, handler, nil)

	doJSON(t, handler, http.MethodPost, "/sessions/"+id+"/submit", map[string]any{
		"values": map[string]any{
			"name": "Ana Souza", "email": "ana@example.com",
			"phone": "(11) 98888-7777", "termsAccepted": true,
		},
	})

	// Simulate a restart: drop the in-memory engine, keep the Redis record.
	srv.mu.Lock()
	delete(srv.engines, id)
	srv.mu.Unlock()

	rr := doJSON(t, handler, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[sessionResponse](t, rr)
	assert.Equal(t, flow.StepSmsValidation, resp.State.CurrentStep)
	assert.Equal(t, "42", resp.State.Fields["contactId"])
}

func TestSession_StoreUnavailableReturns503(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	srv := New(Options{
		Config:     flow.DefaultConfig(),
		Operations: happyOperations(),
		Sessions:   session.NewRedisStore(client, time.Hour, logger.NewTestLogger(t)),
		Logger:     logger.NewTestLogger(t),
	})
	handler := srv.Router()
	mr.Close()

	rr := doJSON(t, handler, http.MethodGet, "/sessions/some-id", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code,
		"an unreachable store is retryable, not a dead session")

	rr = doJSON(t, handler, http.MethodPost, "/sessions", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, happyOperations())
	rr := doJSON(t, srv.Router(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
