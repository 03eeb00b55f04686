// Package events implements the pending-event table and its processor.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agency-core/internal/models"
	"agency-core/internal/store"
	"agency-core/internal/telemetry"
)

var (
	ErrEventNotFound    = errors.New("event not found")
	ErrUnknownEventType = errors.New("unknown event type")
)

// Store is the event persistence. Only the Processor calls the Mark and Reset methods.
type Store interface {
	InsertEvent(ctx context.Context, e models.Event) error
	GetEvent(ctx context.Context, id string) (models.Event, error)
	PendingEvents(ctx context.Context, limit int) ([]models.Event, error)
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
	MarkEventError(ctx context.Context, id, message string, at time.Time) error
	ResetEvent(ctx context.Context, id string) error
}

// Bus records events for deferred processing.
type Bus struct {
	store Store
	now   func() time.Time
}

func NewBus(st Store) *Bus {
	return &Bus{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Emit inserts a pending event. payload may be a json.RawMessage or any value that marshals to JSON.
func (b *Bus) Emit(ctx context.Context, eventType string, payload any) error {
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case nil:
		raw = json.RawMessage(`{}`)
	default:
		var err error
		if raw, err = json.Marshal(p); err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
	}
	e := models.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   raw,
		Status:    models.EventStatusPending,
		CreatedAt: b.now(),
	}
	if err := b.store.InsertEvent(ctx, e); err != nil {
		return fmt.Errorf("emit %s: %w", eventType, err)
	}
	return nil
}

// Handler processes one event. A returned error marks the event as error.
type Handler func(ctx context.Context, e models.Event) error

// BatchResult summarizes one Process call.
type BatchResult struct {
	Fetched   int `json:"fetched"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Processor drains pending events through a fixed handler registry.
type Processor struct {
	store    Store
	handlers map[string]Handler
	now      func() time.Time
	logger   *slog.Logger
}

// NewProcessor copies handlers; the registry cannot change afterwards.
func NewProcessor(st Store, handlers map[string]Handler) *Processor {
	reg := make(map[string]Handler, len(handlers))
	for t, h := range handlers {
		if h != nil {
			reg[t] = h
		}
	}
	return &Processor{store: st, handlers: reg, now: func() time.Time { return time.Now().UTC() }, logger: slog.Default()}
}

// Process handles up to batchSize pending events in creation order. Each event is settled on its own; a failing
// or panicking handler marks that event as error and the batch continues.
func (p *Processor) Process(ctx context.Context, batchSize int) (BatchResult, error) {
	pending, err := p.store.PendingEvents(ctx, batchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("fetch pending events: %w", err)
	}
	res := BatchResult{Fetched: len(pending)}
	for _, e := range pending {
		if err := p.handle(ctx, e); err != nil {
			res.Failed++
			continue
		}
		res.Processed++
	}
	if res.Fetched > 0 {
		p.logger.Info("events processed", "fetched", res.Fetched, "processed", res.Processed, "failed", res.Failed)
	}
	return res, nil
}

// Reprocess resets one event to pending and handles it immediately. It returns the event as settled.
func (p *Processor) Reprocess(ctx context.Context, id string) (models.Event, error) {
	if err := p.store.ResetEvent(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		return models.Event{}, err
	}
	e, err := p.store.GetEvent(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("get event: %w", err)
	}
	_ = p.handle(ctx, e)
	settled, err := p.store.GetEvent(ctx, id)
	if err != nil {
		return models.Event{}, fmt.Errorf("get event: %w", err)
	}
	return settled, nil
}

// handle runs the handler for e and records the outcome. It returns the handler error, if any.
func (p *Processor) handle(ctx context.Context, e models.Event) error {
	log := p.logger.With("event_id", e.ID, "event_type", e.Type)
	herr := p.dispatch(ctx, e)
	now := p.now()
	if herr != nil {
		telemetry.EventsHandled.WithLabelValues(e.Type, "error").Inc()
		log.Warn("event handler failed", "error", herr)
		if err := p.store.MarkEventError(ctx, e.ID, herr.Error(), now); err != nil {
			log.Error("mark event error failed", "error", err)
		}
		return herr
	}
	telemetry.EventsHandled.WithLabelValues(e.Type, "processed").Inc()
	if err := p.store.MarkEventProcessed(ctx, e.ID, now); err != nil {
		log.Error("mark event processed failed", "error", err)
		return err
	}
	return nil
}

func (p *Processor) dispatch(ctx context.Context, e models.Event) (err error) {
	h, ok := p.handlers[e.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, e.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}
