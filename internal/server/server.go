// Package server exposes the flow engine over HTTP. Each signup session owns
// one engine; live engines are cached in memory and rehydrated from the
// session store after a restart, so any instance can serve any session.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	stderrors "adhesion-flow/internal/common/errors"
	"adhesion-flow/internal/common/logger"
	"adhesion-flow/internal/common/observability"
	"adhesion-flow/internal/flow"
	"adhesion-flow/internal/flow/audit"
	"adhesion-flow/internal/flow/engine"
	"adhesion-flow/internal/flow/navigation"
	"adhesion-flow/internal/flow/remote"
	"adhesion-flow/internal/flow/session"
	"adhesion-flow/internal/flow/store"
	"adhesion-flow/internal/flow/validator"
)

// Options wires the server's collaborators.
type Options struct {
	Config     flow.Config
	Operations remote.Operations
	Sessions   *session.RedisStore
	Audit      *audit.Trail
	Obs        *observability.Observability
	Logger     logger.Logger

	ResendCooldownSeconds int
}

type Server struct {
	opts Options

	mu      sync.Mutex
	engines map[string]*engine.Engine
}

func New(opts Options) *Server {
	return &Server{
		opts:    opts,
		engines: map[string]*engine.Engine{},
	}
}

// Router builds the chi router for the signup API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", s.handleHealth)
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Post("/submit", s.handleSubmit)
			r.Post("/back", s.handleBack)
			r.Post("/resend-sms", s.handleResendSMS)
			r.Post("/reset", s.handleReset)
			r.Delete("/", s.handleDeleteSession)
		})
	})
	return r
}

type createSessionRequest struct {
	Preset      string            `json:"preset"`
	Attribution map[string]string `json:"attribution"`
}

type sessionResponse struct {
	SessionID  string           `json:"sessionId"`
	State      store.Snapshot   `json:"state"`
	Navigation navigation.State `json:"navigation"`
	Cooldown   int              `json:"resendCooldownSeconds"`
}

type submitRequest struct {
	Values map[string]any `json:"values"`
}

type submitResponse struct {
	Result engine.Result `json:"result"`
	sessionResponse
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	// An empty body is fine; anything unparseable is not.
	var req createSessionRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		s.renderError(w, r, http.StatusBadRequest, "invalid request body", "")
		return
	}

	cfg := s.opts.Config
	if req.Preset != "" {
		preset, err := flow.Preset(req.Preset)
		if err != nil {
			s.renderError(w, r, http.StatusBadRequest, err.Error(), "")
			return
		}
		cfg = preset
	}

	eng, err := s.newEngine(cfg, req.Attribution)
	if err != nil {
		s.renderError(w, r, http.StatusInternalServerError, err.Error(), "")
		return
	}

	rec, err := s.opts.Sessions.Create(r.Context(), eng.Store().Snapshot())
	if err != nil {
		s.renderError(w, r, storeStatus(err), "could not create session", string(stderrors.CodeOf(err)))
		return
	}

	s.mu.Lock()
	s.engines[rec.ID] = eng
	s.mu.Unlock()

	s.opts.Audit.Record(r.Context(), audit.Event{
		SessionID: rec.ID,
		Step:      eng.Store().Snapshot().CurrentStep,
		Kind:      "session_created",
		Outcome:   "ok",
	})

	render.Status(r, http.StatusCreated)
	s.renderSession(w, r, rec.ID, eng, nil)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	eng, id, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	s.renderSession(w, r, id, eng, nil)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	eng, id, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.renderError(w, r, http.StatusBadRequest, "invalid request body", "")
		return
	}

	// One submission at a time per session. The engine sets the flag itself;
	// this guard only rejects concurrent HTTP calls racing the same session.
	if eng.Store().Snapshot().Submitting {
		s.renderError(w, r, http.StatusConflict, "a submission is already in progress", "")
		return
	}

	started := time.Now()
	result := eng.Submit(r.Context(), req.Values)
	if s.opts.Obs != nil {
		s.opts.Obs.RecordSubmission(r.Context(), result.Step.String(), string(result.Outcome))
		s.opts.Obs.RecordSubmissionDuration(r.Context(), time.Since(started), result.Step.String())
	}

	s.opts.Audit.Record(r.Context(), audit.Event{
		SessionID: id,
		Step:      result.Step,
		Kind:      "submission",
		Outcome:   string(result.Outcome),
	})
	s.persist(r.Context(), id, eng)
	s.renderSession(w, r, id, eng, &result)
}

func (s *Server) handleBack(w http.ResponseWriter, r *http.Request) {
	eng, id, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	eng.PreviousStep()
	s.opts.Audit.Record(r.Context(), audit.Event{
		SessionID: id,
		Step:      eng.Store().Snapshot().CurrentStep,
		Kind:      "step_change",
		Outcome:   "back",
	})
	s.persist(r.Context(), id, eng)
	s.renderSession(w, r, id, eng, nil)
}

func (s *Server) handleResendSMS(w http.ResponseWriter, r *http.Request) {
	eng, id, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	res := eng.ResendSMS(r.Context())
	outcome := "skipped"
	if res.Sent {
		outcome = "sent"
	}
	s.opts.Audit.Record(r.Context(), audit.Event{
		SessionID: id,
		Step:      eng.Store().Snapshot().CurrentStep,
		Kind:      "resend",
		Outcome:   outcome,
	})
	s.persist(r.Context(), id, eng)
	render.JSON(w, r, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	eng, id, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	eng.Reset()
	s.opts.Audit.Record(r.Context(), audit.Event{
		SessionID: id,
		Step:      eng.Store().Snapshot().CurrentStep,
		Kind:      "reset",
		Outcome:   "ok",
	})
	s.persist(r.Context(), id, eng)
	s.renderSession(w, r, id, eng, nil)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.opts.Sessions.Delete(r.Context(), id); err != nil {
		s.renderError(w, r, storeStatus(err), "could not delete session", string(stderrors.CodeOf(err)))
		return
	}
	s.mu.Lock()
	delete(s.engines, id)
	s.mu.Unlock()
	render.Status(r, http.StatusNoContent)
	render.NoContent(w, r)
}

func (s *Server) newEngine(cfg flow.Config, attribution map[string]string) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Config:                cfg,
		Operations:            s.opts.Operations,
		Validator:             validator.New(),
		Logger:                s.opts.Logger,
		Attribution:           flow.Attribution(attribution),
		ResendCooldownSeconds: s.opts.ResendCooldownSeconds,
	})
}

// engineFor resolves the session's engine, rehydrating from the session
// store when this instance has no live engine for it.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*engine.Engine, string, bool) {
	id := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	eng, ok := s.engines[id]
	s.mu.Unlock()
	if ok {
		return eng, id, true
	}

	rec, err := s.opts.Sessions.Load(r.Context(), id)
	if err != nil {
		s.renderError(w, r, storeStatus(err), "session not available", string(stderrors.CodeOf(err)))
		return nil, id, false
	}

	eng, err = s.newEngine(s.opts.Config, nil)
	if err != nil {
		s.renderError(w, r, http.StatusInternalServerError, err.Error(), "")
		return nil, id, false
	}
	if err := eng.Store().Restore(rec.Snapshot); err != nil {
		s.renderError(w, r, http.StatusInternalServerError, "corrupt session state", "")
		return nil, id, false
	}

	s.mu.Lock()
	s.engines[id] = eng
	s.mu.Unlock()
	return eng, id, true
}

func (s *Server) persist(ctx context.Context, id string, eng *engine.Engine) {
	if err := s.opts.Sessions.Save(ctx, id, eng.Store().Snapshot()); err != nil {
		s.opts.Logger.Warn("Session save failed", map[string]interface{}{
			"sessionId": id,
			"error":     err.Error(),
		})
	}
}

func (s *Server) renderSession(w http.ResponseWriter, r *http.Request, id string, eng *engine.Engine, result *engine.Result) {
	nav, err := eng.Navigation()
	if err != nil {
		s.renderError(w, r, http.StatusInternalServerError, err.Error(), string(stderrors.ErrCodeStepNotInSequence))
		return
	}
	resp := sessionResponse{
		SessionID:  id,
		State:      eng.Store().Snapshot(),
		Navigation: nav,
		Cooldown:   eng.ResendCooldown(),
	}
	if result != nil {
		render.JSON(w, r, submitResponse{Result: *result, sessionResponse: resp})
		return
	}
	render.JSON(w, r, resp)
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, status int, msg, code string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg, Code: code})
}

// storeStatus maps session-store failures to an HTTP status. Retryable
// failures (Redis unreachable) get 503 so clients back off and retry instead
// of abandoning the signup.
func storeStatus(err error) int {
	switch {
	case stderrors.CodeOf(err) == stderrors.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case stderrors.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
