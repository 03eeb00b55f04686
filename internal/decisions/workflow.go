// Package decisions records strategic proposals that need human sign-off.
package decisions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agency-core/internal/audit"
	"agency-core/internal/models"
	"agency-core/internal/store"
	"agency-core/internal/telemetry"
)

var (
	ErrDecisionNotFound = errors.New("decision not found")
	ErrInvalidState     = errors.New("invalid decision state")
	ErrInvalidDecision  = errors.New("invalid decision")
)

// Store is the persistence the workflow needs. Approve and Reject are conditional on proposed.
type Store interface {
	CreateDecision(ctx context.Context, d models.Decision) error
	GetDecision(ctx context.Context, id string) (models.Decision, error)
	ApproveDecision(ctx context.Context, id, actorID, lessons string, at time.Time) (bool, error)
	RejectDecision(ctx context.Context, id, actorID, reason string, at time.Time) (bool, error)
}

// Emitter records events for deferred processing.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

type Workflow struct {
	store  Store
	events Emitter
	audit  *audit.Recorder
	now    func() time.Time
}

func NewWorkflow(st Store, events Emitter, rec *audit.Recorder) *Workflow {
	return &Workflow{store: st, events: events, audit: rec, now: func() time.Time { return time.Now().UTC() }}
}

// Propose persists a new decision in the proposed state.
func (w *Workflow) Propose(ctx context.Context, executiveID, title, rationale string) (models.Decision, error) {
	if uuid.Validate(executiveID) != nil {
		return models.Decision{}, fmt.Errorf("%w: executive_id must be a UUID", ErrInvalidDecision)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return models.Decision{}, fmt.Errorf("%w: title is required", ErrInvalidDecision)
	}
	d := models.Decision{
		ID:          uuid.NewString(),
		ExecutiveID: executiveID,
		Title:       title,
		Rationale:   strings.TrimSpace(rationale),
		Status:      models.DecisionStatusProposed,
		CreatedAt:   w.now(),
	}
	if err := w.store.CreateDecision(ctx, d); err != nil {
		return models.Decision{}, fmt.Errorf("create decision: %w", err)
	}
	telemetry.DecisionOutcomes.WithLabelValues("proposed").Inc()
	w.audit.Record(ctx, "decision:"+d.ID, "proposed", d.Title, executiveID)
	return d, nil
}

func (w *Workflow) Get(ctx context.Context, id string) (models.Decision, error) {
	d, err := w.store.GetDecision(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Decision{}, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if err != nil {
		return models.Decision{}, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

// Approve moves a proposed decision to approved. lessons is optional free text kept with the decision.
func (w *Workflow) Approve(ctx context.Context, id, actorID, lessons string) (time.Time, error) {
	return w.transition(ctx, id, actorID, models.DecisionStatusApproved, strings.TrimSpace(lessons), w.store.ApproveDecision)
}

// Reject moves a proposed decision to rejected with an optional reason.
func (w *Workflow) Reject(ctx context.Context, id, actorID, reason string) (time.Time, error) {
	return w.transition(ctx, id, actorID, models.DecisionStatusRejected, strings.TrimSpace(reason), w.store.RejectDecision)
}

type writeFunc func(ctx context.Context, id, actorID, note string, at time.Time) (bool, error)

func (w *Workflow) transition(ctx context.Context, id, actorID, target, note string, write writeFunc) (time.Time, error) {
	d, err := w.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if d.Status != models.DecisionStatusProposed {
		return time.Time{}, fmt.Errorf("%w: decision %s is not proposed (status=%s)", ErrInvalidState, d.ID, d.Status)
	}
	at := w.now()
	ok, err := write(ctx, d.ID, actorID, note, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s decision: %w", target, err)
	}
	if !ok {
		current, err := w.Get(ctx, id)
		if err != nil {
			return time.Time{}, err
		}
		return time.Time{}, fmt.Errorf("%w: decision %s changed concurrently (status=%s)", ErrInvalidState, d.ID, current.Status)
	}

	telemetry.DecisionOutcomes.WithLabelValues(target).Inc()
	w.audit.Record(ctx, "decision:"+d.ID, target, note, actorID)
	if w.events != nil {
		payload := map[string]any{
			"decision_id":  d.ID,
			"executive_id": d.ExecutiveID,
			"title":        d.Title,
			"actor_id":     actorID,
			"note":         note,
		}
		if err := w.events.Emit(ctx, "decision."+target, payload); err != nil {
			slog.Warn("emit decision event failed", "decision_id", d.ID, "error", err)
		}
	}
	return at, nil
}
