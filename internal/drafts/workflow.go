// Package drafts gates side-effecting actions behind explicit human confirmation.
package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"agency-core/internal/audit"
	"agency-core/internal/detached"
	"agency-core/internal/models"
	"agency-core/internal/store"
	"agency-core/internal/telemetry"
)

var (
	ErrDraftNotFound = errors.New("draft not found")
	ErrInvalidState  = errors.New("invalid draft state")
)

// Store is the persistence the workflow needs. ClaimDraft, CompleteDraft, CancelDraft and
// ResolveStaleDraft are conditional updates that report whether a row matched.
type Store interface {
	CreateDraft(ctx context.Context, d models.ActionDraft) error
	GetDraft(ctx context.Context, id string) (models.ActionDraft, error)
	ListDrafts(ctx context.Context, f store.DraftFilter) ([]models.ActionDraft, error)
	ClaimDraft(ctx context.Context, id, actorID string, at time.Time) (bool, error)
	CompleteDraft(ctx context.Context, id string, result models.ExecutionResult, at time.Time) (bool, error)
	CancelDraft(ctx context.Context, id, actorID, reason string, at time.Time) (bool, error)
	ResolveStaleDraft(ctx context.Context, id string, claimedBefore time.Time, result models.ExecutionResult, at time.Time) (bool, error)
}

// Executor performs the real side effect for one action type.
type Executor interface {
	Execute(ctx context.Context, draft models.ActionDraft, action Action, actorID string) (models.ExecutionResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, draft models.ActionDraft, action Action, actorID string) (models.ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, d models.ActionDraft, a Action, actorID string) (models.ExecutionResult, error) {
	return f(ctx, d, a, actorID)
}

// Emitter records events for deferred processing.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

// ProposeParams describes a new draft.
type ProposeParams struct {
	ExecutiveID      string          `json:"executive_id"`
	ExecutiveRole    string          `json:"executive_role,omitempty"`
	ActionType       string          `json:"action_type"`
	Title            string          `json:"title,omitempty"`
	Payload          json.RawMessage `json:"action_payload"`
	RequiresExternal bool            `json:"requires_external,omitempty"`
}

// TaskLink points at a kanban task created by a confirmed draft.
type TaskLink struct {
	KanbanTaskID  string `json:"kanban_task_id"`
	KanbanBoardID string `json:"kanban_board_id"`
	KanbanURL     string `json:"kanban_url"`
}

// ConfirmResult is returned by Confirm.
type ConfirmResult struct {
	DraftID         string                 `json:"draft_id"`
	ExecutedAt      time.Time              `json:"executed_at"`
	ExecutionResult models.ExecutionResult `json:"execution_result"`
	Task            *TaskLink              `json:"task,omitempty"`
}

// Status is the polling view of a draft.
type Status struct {
	ID              string                  `json:"id"`
	Status          string                  `json:"status"`
	ExecutedAt      *time.Time              `json:"executed_at,omitempty"`
	ExecutionResult *models.ExecutionResult `json:"execution_result,omitempty"`
	CancelledAt     *time.Time              `json:"cancelled_at,omitempty"`
	ClaimedAt       *time.Time              `json:"claimed_at,omitempty"`
	ClaimedBy       *string                 `json:"claimed_by,omitempty"`
	Task            *TaskLink               `json:"task,omitempty"`
}

// Workflow implements propose, confirm, cancel and status polling for action drafts.
type Workflow struct {
	store     Store
	executors map[string]Executor
	audit     *audit.Recorder
	events    Emitter
	detached  *detached.Runner
	portalURL string
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

func WithAudit(r *audit.Recorder) Option { return func(w *Workflow) { w.audit = r } }
func WithEvents(e Emitter) Option { return func(w *Workflow) { w.events = e } }
func WithDetached(r *detached.Runner) Option { return func(w *Workflow) { w.detached = r } }
func WithPortalURL(u string) Option { return func(w *Workflow) { w.portalURL = strings.TrimRight(u, "/") } }
func WithExecTimeout(d time.Duration) Option { return func(w *Workflow) { w.timeout = d } }
func WithClock(now func() time.Time) Option { return func(w *Workflow) { w.now = now } }
func WithExecutor(t string, e Executor) Option { return func(w *Workflow) { w.executors[t] = e } }

func NewWorkflow(st Store, opts ...Option) *Workflow {
	w := &Workflow{
		store:     st,
		executors: make(map[string]Executor),
		timeout:   30 * time.Second,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Propose validates the payload for its action type and persists a new draft.
func (w *Workflow) Propose(ctx context.Context, p ProposeParams) (models.ActionDraft, error) {
	if uuid.Validate(p.ExecutiveID) != nil {
		return models.ActionDraft{}, fmt.Errorf("%w: executive_id must be a UUID", ErrInvalidPayload)
	}
	action, err := DecodeAction(p.ActionType, p.Payload)
	if err != nil {
		return models.ActionDraft{}, err
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return models.ActionDraft{}, fmt.Errorf("encode payload: %w", err)
	}
	_, executable := w.executors[p.ActionType]
	d := models.ActionDraft{
		ID:               uuid.NewString(),
		ExecutiveID:      p.ExecutiveID,
		ExecutiveRole:    strings.ToLower(p.ExecutiveRole),
		ActionType:       p.ActionType,
		Title:            p.Title,
		Payload:          payload,
		Status:           models.DraftStatusDraft,
		RequiresExternal: p.RequiresExternal,
		IsExecutable:     executable && !p.RequiresExternal,
		CreatedAt:        w.now(),
	}
	if err := w.store.CreateDraft(ctx, d); err != nil {
		return models.ActionDraft{}, fmt.Errorf("create draft: %w", err)
	}
	telemetry.DraftOutcomes.WithLabelValues(d.ActionType, "proposed").Inc()
	w.audit.Record(ctx, "draft:"+d.ID, "proposed", d.ActionType, d.ExecutiveID)
	return d, nil
}

func (w *Workflow) load(ctx context.Context, id string) (models.ActionDraft, error) {
	d, err := w.store.GetDraft(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.ActionDraft{}, fmt.Errorf("%w: %s", ErrDraftNotFound, id)
	}
	if err != nil {
		return models.ActionDraft{}, fmt.Errorf("get draft: %w", err)
	}
	return d, nil
}

func checkDraftState(d models.ActionDraft) error {
	if d.Status != models.DraftStatusDraft {
		return fmt.Errorf("%w: draft %s is not in draft state (status=%s)", ErrInvalidState, d.ID, d.Status)
	}
	if d.ClaimedAt != nil {
		return fmt.Errorf("%w: draft %s is already being executed (status=%s)", ErrInvalidState, d.ID, d.Status)
	}
	return nil
}

// Confirm executes a draft at most once. The draft is claimed with a conditional update before
// the executor runs, so concurrent confirms produce exactly one execution. The outcome is
// recorded as executed whether the executor succeeded or not, and is never retried.
func (w *Workflow) Confirm(ctx context.Context, id, actorID string) (ConfirmResult, error) {
	d, err := w.load(ctx, id)
	if err != nil {
		return ConfirmResult{}, err
	}
	if err := checkDraftState(d); err != nil {
		return ConfirmResult{}, err
	}
	if d.RequiresExternal || !d.IsExecutable {
		return ConfirmResult{}, fmt.Errorf("%w: draft %s cannot be executed automatically (external or blocked)", ErrInvalidState, d.ID)
	}
	action, err := DecodeAction(d.ActionType, d.Payload)
	if err != nil {
		return ConfirmResult{}, err
	}
	exec, ok := w.executors[d.ActionType]
	if !ok {
		return ConfirmResult{}, fmt.Errorf("%w: no executor for %q", ErrUnknownActionType, d.ActionType)
	}

	claimed, err := w.store.ClaimDraft(ctx, d.ID, actorID, w.now())
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("claim draft: %w", err)
	}
	if !claimed {
		current, err := w.load(ctx, id)
		if err != nil {
			return ConfirmResult{}, err
		}
		return ConfirmResult{}, fmt.Errorf("%w: draft %s was claimed concurrently (status=%s)", ErrInvalidState, d.ID, current.Status)
	}

	result := w.execute(ctx, exec, d, action, actorID)
	executedAt := w.now()
	// The side effect already happened; record it even if the caller has gone away.
	recordCtx := context.WithoutCancel(ctx)
	ok, err = w.store.CompleteDraft(recordCtx, d.ID, result, executedAt)
	if err != nil || !ok {
		w.logger.Error("draft executed but outcome not recorded", "draft_id", d.ID, "ok", ok, "error", err)
		if err == nil {
			err = fmt.Errorf("%w: draft %s changed during execution", ErrInvalidState, d.ID)
		}
		return ConfirmResult{}, fmt.Errorf("record execution: %w", err)
	}

	outcome := "executed"
	if !result.OK {
		outcome = "execution_failed"
	}
	telemetry.DraftOutcomes.WithLabelValues(d.ActionType, outcome).Inc()
	w.audit.Record(recordCtx, "draft:"+d.ID, outcome, executionDetail(result), actorID)
	w.logger.Info("draft confirmed", "draft_id", d.ID, "action_type", d.ActionType, "ok", result.OK)

	res := ConfirmResult{DraftID: d.ID, ExecutedAt: executedAt, ExecutionResult: result, Task: w.taskLink(result)}
	w.afterExecute(recordCtx, d, action, res)
	return res, nil
}

func (w *Workflow) execute(ctx context.Context, exec Executor, d models.ActionDraft, action Action, actorID string) (result models.ExecutionResult) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			result = models.ExecutionResult{OK: false, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()
	res, err := exec.Execute(ctx, d, action, actorID)
	if err != nil {
		return models.ExecutionResult{OK: false, Error: err.Error()}
	}
	if !res.OK && res.Error == "" {
		res.Error = "executor reported failure"
	}
	return res
}

func (w *Workflow) afterExecute(ctx context.Context, d models.ActionDraft, action Action, res ConfirmResult) {
	if w.events != nil {
		payload := map[string]any{
			"draft_id":         d.ID,
			"action_type":      d.ActionType,
			"executive_id":     d.ExecutiveID,
			"execution_result": res.ExecutionResult,
		}
		if res.Task != nil {
			payload["kanban_task_id"] = res.Task.KanbanTaskID
			payload["kanban_board_id"] = res.Task.KanbanBoardID
		}
		if err := w.events.Emit(ctx, "action_draft.executed", payload); err != nil {
			w.logger.Warn("emit action_draft.executed failed", "draft_id", d.ID, "error", err)
		}
	}

	msg, isMsg := action.(SendMessagePayload)
	if !isMsg || !res.ExecutionResult.OK || !msg.WantsSentiment() || w.detached == nil || w.events == nil {
		return
	}
	payload := map[string]any{
		"draft_id":        d.ID,
		"message_id":      res.ExecutionResult.EntityID,
		"conversation_id": res.ExecutionResult.ConversationID,
		"text":            msg.Text,
	}
	w.detached.Go("sentiment:"+d.ID, func(ctx context.Context) error {
		return w.events.Emit(ctx, "message.sentiment_requested", payload)
	})
}

func executionDetail(r models.ExecutionResult) string {
	if !r.OK {
		return "error: " + r.Error
	}
	return r.EntityType + ":" + r.EntityID
}

// taskLink derives the kanban linkage for a successful create_task execution.
func (w *Workflow) taskLink(r models.ExecutionResult) *TaskLink {
	if !r.OK || r.EntityType != "kanban_tasks" || r.EntityID == "" {
		return nil
	}
	q := url.Values{}
	q.Set("board", r.BoardID)
	q.Set("task", r.EntityID)
	return &TaskLink{
		KanbanTaskID:  r.EntityID,
		KanbanBoardID: r.BoardID,
		KanbanURL:     w.portalURL + "/admin/kanban?" + q.Encode(),
	}
}

// Cancel moves a draft to cancelled. Only unclaimed drafts can be cancelled.
func (w *Workflow) Cancel(ctx context.Context, id, actorID, reason string) (time.Time, error) {
	d, err := w.load(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if err := checkDraftState(d); err != nil {
		return time.Time{}, err
	}
	at := w.now()
	ok, err := w.store.CancelDraft(ctx, d.ID, actorID, strings.TrimSpace(reason), at)
	if err != nil {
		return time.Time{}, fmt.Errorf("cancel draft: %w", err)
	}
	if !ok {
		current, err := w.load(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("%w: draft %s changed concurrently (status=%s)", ErrInvalidState, d.ID, current.Status)
	}
	telemetry.DraftOutcomes.WithLabelValues(d.ActionType, "cancelled").Inc()
	w.audit.Record(ctx, "draft:"+d.ID, "cancelled", reason, actorID)
	return at, nil
}

// ErrOutcomeUnknown is the execution error recorded for a claim whose confirm never reported back.
const ErrOutcomeUnknown = "outcome unknown: claim abandoned before the result was recorded"

// ResolveStale closes a draft that was claimed at least minAge ago but never completed, typically
// because the confirming process died mid-execution. The action is not run again: the draft is
// recorded as executed with a failed result whose error says the outcome is unknown.
func (w *Workflow) ResolveStale(ctx context.Context, id, actorID string, minAge time.Duration) (Status, error) {
	d, err := w.load(ctx, id)
	if err != nil {
		return Status{}, err
	}
	if d.Status != models.DraftStatusDraft || d.ClaimedAt == nil {
		return Status{}, fmt.Errorf("%w: draft %s has no pending claim (status=%s)", ErrInvalidState, d.ID, d.Status)
	}
	now := w.now()
	cutoff := now.Add(-minAge)
	if d.ClaimedAt.After(cutoff) {
		return Status{}, fmt.Errorf("%w: draft %s was claimed %s ago, younger than %s", ErrInvalidState, d.ID,
			now.Sub(*d.ClaimedAt).Round(time.Second), minAge)
	}

	result := models.ExecutionResult{OK: false, Error: ErrOutcomeUnknown}
	ok, err := w.store.ResolveStaleDraft(ctx, d.ID, cutoff, result, now)
	if err != nil {
		return Status{}, fmt.Errorf("resolve draft: %w", err)
	}
	if !ok {
		return Status{}, fmt.Errorf("%w: draft %s changed concurrently", ErrInvalidState, d.ID)
	}
	telemetry.DraftOutcomes.WithLabelValues(d.ActionType, "resolved_stale").Inc()
	w.audit.Record(ctx, "draft:"+d.ID, "resolved_stale", "claimed by "+deref(d.ClaimedBy)+" at "+d.ClaimedAt.Format(time.RFC3339), actorID)
	w.logger.Warn("stale draft claim resolved", "draft_id", d.ID, "claimed_at", d.ClaimedAt, "actor", actorID)
	return w.GetStatus(ctx, d.ID)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GetStatus returns the polling view of a draft.
func (w *Workflow) GetStatus(ctx context.Context, id string) (Status, error) {
	d, err := w.load(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ID:              d.ID,
		Status:          d.Status,
		ExecutedAt:      d.ExecutedAt,
		ExecutionResult: d.ExecutionResult,
		CancelledAt:     d.CancelledAt,
		ClaimedAt:       d.ClaimedAt,
		ClaimedBy:       d.ClaimedBy,
	}
	if d.ExecutionResult != nil {
		st.Task = w.taskLink(*d.ExecutionResult)
	}
	return st, nil
}

// List returns drafts, optionally filtered by executive role.
func (w *Workflow) List(ctx context.Context, f store.DraftFilter) ([]models.ActionDraft, error) {
	f.Role = strings.ToLower(strings.TrimSpace(f.Role))
	return w.store.ListDrafts(ctx, f)
}
