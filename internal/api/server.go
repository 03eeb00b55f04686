package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"agency-core/internal/apperr"
	"agency-core/internal/config"
	"agency-core/internal/drafts"
	"agency-core/internal/events"
	"agency-core/internal/media"
	"agency-core/internal/models"
	"agency-core/internal/orchestrator"
	"agency-core/internal/queue"
	"agency-core/internal/store"
	"agency-core/internal/telemetry"
)

// Orchestrator runs content pipelines.
type Orchestrator interface {
	Orchestrate(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	EvaluateFocusGroup(ctx context.Context, req orchestrator.EvaluateRequest) (orchestrator.FocusGroupResult, error)
}

// DraftWorkflow is the action draft state machine.
type DraftWorkflow interface {
	Propose(ctx context.Context, p drafts.ProposeParams) (models.ActionDraft, error)
	Confirm(ctx context.Context, id, actorID string) (drafts.ConfirmResult, error)
	Cancel(ctx context.Context, id, actorID, reason string) (time.Time, error)
	GetStatus(ctx context.Context, id string) (drafts.Status, error)
	List(ctx context.Context, f store.DraftFilter) ([]models.ActionDraft, error)
}

// DecisionWorkflow is the decision state machine.
type DecisionWorkflow interface {
	Propose(ctx context.Context, executiveID, title, rationale string) (models.Decision, error)
	Approve(ctx context.Context, id, actorID, lessons string) (time.Time, error)
	Reject(ctx context.Context, id, actorID, reason string) (time.Time, error)
}

// EventProcessor drains the event bus.
type EventProcessor interface {
	Process(ctx context.Context, batchSize int) (events.BatchResult, error)
	Reprocess(ctx context.Context, id string) (models.Event, error)
}

// JobQueue is the operator view of the queue.
type JobQueue interface {
	Get(ctx context.Context, jobID string) (models.Job, error)
	Stats(ctx context.Context) (queue.Stats, error)
	DLQPeek(ctx context.Context, count int64) ([]models.DeadLetter, error)
	Replay(ctx context.Context, jobID string) (models.JobHandle, error)
}

// Dispatcher submits jobs, running them inline when the queue is down.
type Dispatcher interface {
	Dispatch(ctx context.Context, params queue.SubmitParams) (queue.Result, error)
}

// Limiter consumes one token for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deps are the collaborators behind the routes. A nil dependency answers 503 on its routes.
type Deps struct {
	Orchestrator Orchestrator
	Drafts       DraftWorkflow
	Decisions    DecisionWorkflow
	Events       EventProcessor
	Queue        JobQueue
	Jobs         Dispatcher
	Limiter      Limiter
}

// Server wires HTTP handlers for the portal's internal API.
type Server struct {
	cfg  config.Config
	deps Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Logger)
	r.Use(Recovery)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, envelope{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.cfg.JWTSecret))

		r.Post("/api/agency/orchestrate", s.handleOrchestrate)
		r.Post("/api/agency/focus-group", s.handleEvaluate)
		r.Post("/api/agency/jobs", s.handleSubmitJob)
		r.Get("/api/agency/jobs/{id}", s.handleGetJob)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Get("/action-drafts", s.handleListDrafts)
			r.Post("/action-drafts", s.handleProposeDraft)
			r.Get("/action-drafts/{id}", s.handleDraftStatus)
			r.Post("/action-drafts/confirm", s.handleConfirmDraft)
			r.Post("/action-drafts/cancel", s.handleCancelDraft)

			r.Post("/decisions", s.handleProposeDecision)
			r.Post("/decisions/approve", s.handleApproveDecision)
			r.Post("/decisions/reject", s.handleRejectDecision)

			r.Post("/events/process", s.handleProcessEvents)
			r.Post("/events/reprocess", s.handleReprocessEvent)

			r.Get("/queue/stats", s.handleQueueStats)
			r.Get("/queue/dlq", s.handleDLQ)
			r.Post("/queue/dlq/{id}/replay", s.handleReplay)
		})
	})
	return r
}

func unavailable(what string) error {
	return apperr.New(apperr.KindUnavailable, "%s is not configured", what)
}

func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeError(w, unavailable("orchestrator"))
		return
	}
	var req orchestrator.Request
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, _ := PrincipalFrom(r.Context())
	req.RequestedBy = p.UserID
	if req.ClientID == "" {
		req.ClientID = p.TenantID
	}
	if !s.allow(r.Context(), req.ClientID) {
		telemetry.RateLimitRejects.Inc()
		writeJSON(w, http.StatusTooManyRequests, envelope{"success": false, "error": "rate limited"})
		return
	}
	res, err := s.deps.Orchestrator.Orchestrate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"result": res})
}

// allow applies the per-tenant limit. A limiter backend failure lets the request through.
func (s *Server) allow(ctx context.Context, tenant string) bool {
	if s.deps.Limiter == nil {
		return true
	}
	if tenant == "" {
		tenant = "default"
	}
	ok, _, err := s.deps.Limiter.Allow(ctx, "rl:orchestrate:"+tenant)
	if err != nil {
		slog.Warn("rate limiter unavailable", "tenant_id", tenant, "error", err)
		return true
	}
	return ok
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Orchestrator == nil {
		writeError(w, unavailable("orchestrator"))
		return
	}
	var req orchestrator.EvaluateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Orchestrator.EvaluateFocusGroup(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"result": res})
}

type submitJobRequest struct {
	Type        string          `json:"type"`
	Priority    string          `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
	RunAt       *time.Time      `json:"run_at"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, unavailable("job dispatcher"))
		return
	}
	var req submitJobRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Type == "" {
		req.Type = orchestrator.JobType
	}
	p, _ := PrincipalFrom(r.Context())
	tenant := p.TenantID
	switch req.Type {
	case orchestrator.JobType:
		var or orchestrator.Request
		if err := decodeRaw(req.Payload, &or); err != nil {
			writeError(w, err)
			return
		}
		if _, err := orchestrator.ParseDemandType(or.DemandType); err != nil {
			writeError(w, err)
			return
		}
		if or.ClientID != "" {
			tenant = or.ClientID
		}
	case media.JobType:
	default:
		writeError(w, apperr.Validation("unsupported job type %q", req.Type))
		return
	}
	prio, err := models.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, err, "priority"))
		return
	}
	params := queue.SubmitParams{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    prio,
		OwnerID:     p.UserID,
		Tenant:      tenant,
		MaxAttempts: req.MaxAttempts,
	}
	if req.RunAt != nil {
		params.RunAt = *req.RunAt
	}
	res, err := s.deps.Jobs.Dispatch(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusAccepted, envelope{"job": res.Handle, "mode": res.Mode})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, unavailable("queue"))
		return
	}
	job, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if p, _ := PrincipalFrom(r.Context()); !p.IsAdmin && job.OwnerID != p.UserID {
		writeError(w, apperr.Wrap(apperr.KindNotFound, queue.ErrJobNotFound, ""))
		return
	}
	writeOK(w, http.StatusOK, envelope{"job": job})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, unavailable("queue"))
		return
	}
	st, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"stats": st})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, unavailable("queue"))
		return
	}
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = limitParam(v, 100, 1000)
	}
	items, err := s.deps.Queue.DLQPeek(r.Context(), int64(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"items": items})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, unavailable("queue"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := requireUUID("id", id); err != nil {
		writeError(w, err)
		return
	}
	h, err := s.deps.Queue.Replay(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"job": h})
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.DraftFilter{Role: strings.TrimSpace(q.Get("role")), Status: q.Get("status")}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		f.Limit = limitParam(v, 50, 200)
	}
	if s.deps.Drafts == nil {
		writeOK(w, http.StatusOK, envelope{"drafts": []models.ActionDraft{}, "warning": "action drafts are not configured"})
		return
	}
	list, err := s.deps.Drafts.List(r.Context(), f)
	if err != nil {
		slog.Warn("list action drafts failed", "role", f.Role, "error", err)
		writeOK(w, http.StatusOK, envelope{"drafts": []models.ActionDraft{}, "warning": "action drafts unavailable: " + err.Error()})
		return
	}
	if list == nil {
		list = []models.ActionDraft{}
	}
	writeOK(w, http.StatusOK, envelope{"drafts": list})
}

func (s *Server) handleProposeDraft(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drafts == nil {
		writeError(w, unavailable("action drafts"))
		return
	}
	var req drafts.ProposeParams
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUUID("executive_id", req.ExecutiveID); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.deps.Drafts.Propose(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, envelope{"draft": d})
}

func (s *Server) handleDraftStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drafts == nil {
		writeError(w, unavailable("action drafts"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := requireUUID("id", id); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.deps.Drafts.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"draft": st})
}

type draftRequest struct {
	DraftID string `json:"draft_id"`
	Reason  string `json:"reason"`
}

func (s *Server) handleConfirmDraft(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drafts == nil {
		writeError(w, unavailable("action drafts"))
		return
	}
	var req draftRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUUID("draft_id", req.DraftID); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Drafts.Confirm(r.Context(), req.DraftID, actorID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	body := envelope{"draft_id": res.DraftID, "executed_at": res.ExecutedAt, "execution_result": res.ExecutionResult}
	if res.Task != nil {
		body["kanban_task_id"] = res.Task.KanbanTaskID
		body["kanban_board_id"] = res.Task.KanbanBoardID
		body["kanban_url"] = res.Task.KanbanURL
	}
	writeOK(w, http.StatusOK, body)
}

func (s *Server) handleCancelDraft(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drafts == nil {
		writeError(w, unavailable("action drafts"))
		return
	}
	var req draftRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUUID("draft_id", req.DraftID); err != nil {
		writeError(w, err)
		return
	}
	at, err := s.deps.Drafts.Cancel(r.Context(), req.DraftID, actorID(r), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"cancelled_at": at})
}

type proposeDecisionRequest struct {
	ExecutiveID string `json:"executive_id"`
	Title       string `json:"title"`
	Rationale   string `json:"rationale"`
}

func (s *Server) handleProposeDecision(w http.ResponseWriter, r *http.Request) {
	if s.deps.Decisions == nil {
		writeError(w, unavailable("decisions"))
		return
	}
	var req proposeDecisionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUUID("executive_id", req.ExecutiveID); err != nil {
		writeError(w, err)
		return
	}
	d, err := s.deps.Decisions.Propose(r.Context(), req.ExecutiveID, req.Title, req.Rationale)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, envelope{"decision": d})
}

type decisionRequest struct {
	DecisionID string `json:"decision_id"`
	Reason     string `json:"reason"`
	Lessons    string `json:"lessons_learned"`
}

func (s *Server) handleApproveDecision(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, "approved_at", func(ctx context.Context, req decisionRequest) (time.Time, error) {
		return s.deps.Decisions.Approve(ctx, req.DecisionID, actorID(r), req.Lessons)
	})
}

func (s *Server) handleRejectDecision(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, "rejected_at", func(ctx context.Context, req decisionRequest) (time.Time, error) {
		return s.deps.Decisions.Reject(ctx, req.DecisionID, actorID(r), req.Reason)
	})
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, field string, apply func(context.Context, decisionRequest) (time.Time, error)) {
	if s.deps.Decisions == nil {
		writeError(w, unavailable("decisions"))
		return
	}
	var req decisionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUUID("decision_id", req.DecisionID); err != nil {
		writeError(w, err)
		return
	}
	at, err := apply(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{field: at})
}

func (s *Server) handleProcessEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, unavailable("event bus"))
		return
	}
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.deps.Events.Process(r.Context(), limitParam(req.Limit, 25, 200))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, envelope{"fetched": res.Fetched, "processed": res.Processed, "failed": res.Failed})
}

func (s *Server) handleReprocessEvent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, unavailable("event bus"))
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := requireUUID("id", req.ID); err != nil {
		writeError(w, err)
		return
	}
	e, err := s.deps.Events.Reprocess(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if e.Status != models.EventStatusProcessed {
		msg := "event handler failed"
		if e.ErrorMessage != nil {
			msg = *e.ErrorMessage
		}
		writeJSON(w, http.StatusInternalServerError, envelope{"success": false, "status": e.Status, "error": msg})
		return
	}
	writeOK(w, http.StatusOK, envelope{"status": e.Status})
}
