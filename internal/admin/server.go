// Package admin exposes the operator control surface over HTTP: freeze and
// override management, manual ticks, queue drains, config reloads, and
// session inspection, plus a small status dashboard. Handlers stay thin; the
// domain rules live in tickctl, simconfig, and the generation processor.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/trexxak/ghostship-master-sub001/internal/activity"
	"github.com/trexxak/ghostship-master-sub001/internal/circuitbreaker"
	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/engine"
	"github.com/trexxak/ghostship-master-sub001/internal/generation"
	"github.com/trexxak/ghostship-master-sub001/internal/metrics"
	"github.com/trexxak/ghostship-master-sub001/internal/simconfig"
	"github.com/trexxak/ghostship-master-sub001/internal/store"
	"github.com/trexxak/ghostship-master-sub001/internal/tickctl"
)

const (
	maxRequestBodyBytes = 1 << 20

	// defaultActor attributes control mutations whose body names nobody.
	defaultActor = "admin-api"

	// defaultProcessLimit caps a manual queue drain when the request does
	// not set one.
	defaultProcessLimit = 10
)

// TickRunner executes one simulation tick on demand.
type TickRunner interface {
	RunTick(ctx context.Context, directive model.TickDirective) (*model.TickRun, error)
}

// QueueProcessor drains pending generation tasks.
type QueueProcessor interface {
	Process(ctx context.Context, limit int) (generation.Result, error)
}

// HealthProvider reports component heartbeat snapshots.
type HealthProvider interface {
	HealthSnapshots() any
}

// Server is the admin API. The control-plane collaborators are required;
// the tick runner, queue processor, breaker, and health monitor are optional
// and their endpoints answer 503 until wired.
type Server struct {
	control   *tickctl.Manager
	config    *simconfig.Cache
	tracker   *activity.Tracker
	tasks     store.TaskRepository
	runner    TickRunner
	processor QueueProcessor
	breaker   *circuitbreaker.Breaker
	health    HealthProvider
	logger    *slog.Logger
}

func NewServer(
	control *tickctl.Manager,
	config *simconfig.Cache,
	tracker *activity.Tracker,
	tasks store.TaskRepository,
	logger *slog.Logger,
	opts ...ServerOption,
) *Server {
	s := &Server{
		control: control,
		config:  config,
		tracker: tracker,
		tasks:   tasks,
		logger:  logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithTickRunner enables POST /api/tick.
func WithTickRunner(r TickRunner) ServerOption {
	return func(s *Server) { s.runner = r }
}

// WithQueueProcessor enables POST /api/queue/process.
func WithQueueProcessor(p QueueProcessor) ServerOption {
	return func(s *Server) { s.processor = p }
}

// WithBreaker includes provider breaker state in status payloads.
func WithBreaker(b *circuitbreaker.Breaker) ServerOption {
	return func(s *Server) { s.breaker = b }
}

// WithHealthProvider enables GET /api/health.
func WithHealthProvider(hp HealthProvider) ServerOption {
	return func(s *Server) { s.health = hp }
}

// Handler returns the HTTP handler for the admin API. Audit logging and rate
// limiting are composed around it by the caller.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/freeze", s.handleFreeze)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/toggle", s.handleToggle)
	mux.HandleFunc("GET /api/override", s.handleGetOverride)
	mux.HandleFunc("POST /api/override", s.handleQueueOverride)
	mux.HandleFunc("DELETE /api/override", s.handleClearOverride)
	mux.HandleFunc("POST /api/tick", s.handleTick)
	mux.HandleFunc("GET /api/queue", s.handleQueueDepths)
	mux.HandleFunc("POST /api/queue/process", s.handleQueueProcess)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("POST /api/config/reload", s.handleConfigReload)
	mux.HandleFunc("GET /api/config/fingerprint", s.handleConfigFingerprint)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/sessions/touch", s.handleSessionsTouch)
	mux.HandleFunc("POST /api/sessions/prune", s.handleSessionsPrune)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /dashboard", s.handleDashboardIndex)

	return mux
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Writes a 400 error response and returns false if decoding fails. An absent
// body is accepted and leaves v at its zero value, so the control verbs work
// as bare POSTs.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
}

// --- Status endpoint ---

type breakerStatus struct {
	State            string     `json:"state"`
	OfflineUntil     *time.Time `json:"offline_until,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds"`
	Reason           string     `json:"reason,omitempty"`
}

type queueStatus struct {
	Depths map[string]int `json:"depths"`
	Total  int            `json:"total"`
}

type statusResponse struct {
	State           string                `json:"state"`
	Freeze          model.FreezeState     `json:"freeze"`
	LastTick        *model.TickRun        `json:"last_tick,omitempty"`
	PendingOverride *model.ManualOverride `json:"pending_override,omitempty"`
	Queue           queueStatus           `json:"queue"`
	Sessions        model.SessionSnapshot `json:"sessions"`
	Config          simconfig.Fingerprint `json:"config"`
	Breaker         *breakerStatus        `json:"breaker,omitempty"`
	ServerTime      string                `json:"server_time"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state, err := s.control.State(ctx)
	if err != nil {
		s.internalError(w, "read freeze state", err)
		return
	}
	lastRun, err := s.control.LastTickRun(ctx)
	if err != nil {
		s.internalError(w, "read last tick run", err)
		return
	}
	pending, err := s.control.PendingManualOverride(ctx)
	if err != nil {
		s.internalError(w, "read pending override", err)
		return
	}
	queue, err := s.queueStatus(ctx)
	if err != nil {
		s.internalError(w, "count queue tasks", err)
		return
	}
	sessions, err := s.tracker.Snapshot(ctx)
	if err != nil {
		s.internalError(w, "snapshot sessions", err)
		return
	}
	fp, err := s.config.Fingerprint()
	if err != nil {
		s.internalError(w, "fingerprint sim config", err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		State:           state.Label(),
		Freeze:          state,
		LastTick:        lastRun,
		PendingOverride: pending,
		Queue:           queue,
		Sessions:        sessions,
		Config:          fp,
		Breaker:         s.breakerStatus(),
		ServerTime:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) queueStatus(ctx context.Context) (queueStatus, error) {
	counts, err := s.tasks.CountByStatus(ctx)
	if err != nil {
		return queueStatus{}, err
	}
	depths := make(map[string]int, len(counts))
	total := 0
	for _, status := range []model.TaskStatus{
		model.TaskStatusPending, model.TaskStatusInProgress,
		model.TaskStatusDone, model.TaskStatusFailed,
	} {
		depths[status.String()] = counts[status]
		total += counts[status]
	}
	return queueStatus{Depths: depths, Total: total}, nil
}

func (s *Server) breakerStatus() *breakerStatus {
	if s.breaker == nil {
		return nil
	}
	st := &breakerStatus{
		State:  s.breaker.State(),
		Reason: s.breaker.LastReason(),
	}
	if until := s.breaker.OfflineUntil(); until != nil {
		st.OfflineUntil = until
		st.RemainingSeconds = int(s.breaker.Remaining().Round(time.Second).Seconds())
	}
	return st
}

// --- Freeze control endpoints ---

type freezeRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = defaultActor
	}
	if err := s.control.Freeze(r.Context(), req.Actor, req.Reason); err != nil {
		s.internalError(w, "freeze ticks", err)
		return
	}
	state, err := s.control.State(r.Context())
	if err != nil {
		s.internalError(w, "read freeze state", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type resumeRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = defaultActor
	}
	state, err := s.control.Unfreeze(r.Context(), req.Actor, req.Note)
	if err != nil {
		s.internalError(w, "resume ticks", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req freezeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = defaultActor
	}
	state, err := s.control.Toggle(r.Context(), req.Actor, req.Reason)
	if err != nil {
		s.internalError(w, "toggle freeze", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// --- Manual override endpoints ---

type overrideRequest struct {
	Seed             *int64   `json:"seed"`
	OracleCard       *string  `json:"oracle_card"`
	EnergyMultiplier *float64 `json:"energy_multiplier"`
	Force            bool     `json:"force"`
	Note             string   `json:"note"`
	Origin           string   `json:"origin"`
}

func (s *Server) handleGetOverride(w http.ResponseWriter, r *http.Request) {
	pending, err := s.control.PendingManualOverride(r.Context())
	if err != nil {
		s.internalError(w, "read pending override", err)
		return
	}
	if pending == nil {
		http.Error(w, `{"error":"no manual override pending"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleQueueOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.EnergyMultiplier != nil && *req.EnergyMultiplier <= 0 {
		http.Error(w, `{"error":"energy_multiplier must be positive"}`, http.StatusBadRequest)
		return
	}
	stored, err := s.control.QueueManualOverride(r.Context(), model.ManualOverride{
		Seed:             req.Seed,
		OracleCard:       req.OracleCard,
		EnergyMultiplier: req.EnergyMultiplier,
		Force:            req.Force,
		Note:             req.Note,
		Origin:           req.Origin,
	})
	if err != nil {
		s.internalError(w, "queue manual override", err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleClearOverride(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.control.ClearManualOverride(r.Context())
	if err != nil {
		s.internalError(w, "clear manual override", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

// --- Manual tick endpoint ---

type tickRequest struct {
	Seed             *int64   `json:"seed"`
	OracleCard       *string  `json:"oracle_card"`
	EnergyMultiplier *float64 `json:"energy_multiplier"`
	Force            bool     `json:"force"`
	Origin           string   `json:"origin"`
	Note             string   `json:"note"`
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		http.Error(w, `{"error":"tick runner not available"}`, http.StatusServiceUnavailable)
		return
	}
	var req tickRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.EnergyMultiplier != nil && *req.EnergyMultiplier <= 0 {
		http.Error(w, `{"error":"energy_multiplier must be positive"}`, http.StatusBadRequest)
		return
	}
	origin := req.Origin
	if origin == "" {
		origin = model.OriginManual
		if req.Force {
			origin = model.OriginManualOverride
		}
	}

	run, err := s.runner.RunTick(r.Context(), model.TickDirective{
		Origin:           origin,
		Seed:             req.Seed,
		OracleCard:       req.OracleCard,
		EnergyMultiplier: req.EnergyMultiplier,
		Force:            req.Force,
		Note:             req.Note,
	})
	if errors.Is(err, engine.ErrFrozen) {
		http.Error(w, `{"error":"ticks are frozen; resume or retry with force"}`, http.StatusConflict)
		return
	}
	if err != nil {
		s.internalError(w, "run manual tick", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Queue endpoints ---

func (s *Server) handleQueueDepths(w http.ResponseWriter, r *http.Request) {
	queue, err := s.queueStatus(r.Context())
	if err != nil {
		s.internalError(w, "count queue tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

type processRequest struct {
	Limit *int `json:"limit"`
}

type processResponse struct {
	Processed int `json:"processed"`
	Deferred  int `json:"deferred"`
}

func (s *Server) handleQueueProcess(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		http.Error(w, `{"error":"queue processor not available"}`, http.StatusServiceUnavailable)
		return
	}
	var req processRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	limit := defaultProcessLimit
	if req.Limit != nil {
		if *req.Limit <= 0 {
			http.Error(w, `{"error":"limit must be positive"}`, http.StatusBadRequest)
			return
		}
		limit = *req.Limit
	}

	start := time.Now()
	res, err := s.processor.Process(r.Context(), limit)
	metrics.QueuePassLatency.WithLabelValues("manual").Observe(time.Since(start).Seconds())
	if err != nil {
		s.internalError(w, "drain generation queue", err)
		return
	}
	writeJSON(w, http.StatusOK, processResponse{Processed: res.Processed, Deferred: res.Deferred})
}

// --- Config endpoints ---

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.config.Load(false)
	if err != nil {
		s.internalError(w, "load sim config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if _, err := s.config.Load(true); err != nil {
		s.internalError(w, "reload sim config", err)
		return
	}
	metrics.ConfigReloads.WithLabelValues("admin").Inc()

	fp, err := s.config.Fingerprint()
	if err != nil {
		s.internalError(w, "fingerprint sim config", err)
		return
	}
	s.logger.Info("sim config reloaded", "version", fp.Version, "sha1", fp.SHA1)
	writeJSON(w, http.StatusOK, fp)
}

func (s *Server) handleConfigFingerprint(w http.ResponseWriter, r *http.Request) {
	fp, err := s.config.Fingerprint()
	if err != nil {
		s.internalError(w, "fingerprint sim config", err)
		return
	}
	writeJSON(w, http.StatusOK, fp)
}

// --- Session endpoints ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	snap, err := s.tracker.Snapshot(r.Context())
	if err != nil {
		s.internalError(w, "snapshot sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type touchRequest struct {
	SessionKey string `json:"session_key"`
	Organic    bool   `json:"organic"`
}

func (s *Server) handleSessionsTouch(w http.ResponseWriter, r *http.Request) {
	var req touchRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.SessionKey == "" {
		http.Error(w, `{"error":"session_key is required"}`, http.StatusBadRequest)
		return
	}
	if err := s.tracker.Touch(r.Context(), req.SessionKey, req.Organic); err != nil {
		s.internalError(w, "touch session", err)
		return
	}
	snap, err := s.tracker.Snapshot(r.Context())
	if err != nil {
		s.internalError(w, "snapshot sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSessionsPrune(w http.ResponseWriter, r *http.Request) {
	pruned, err := s.tracker.Prune(r.Context(), time.Now().UTC(), s.tracker.Window())
	if err != nil {
		s.internalError(w, "prune sessions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pruned": pruned})
}

// --- Health endpoint ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		http.Error(w, `{"error":"health provider not available"}`, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.health.HealthSnapshots())
}
