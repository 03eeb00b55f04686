// Package audit records best-effort audit trail entries.
package audit

import (
	"context"
	"log/slog"
	"time"

	"agency-core/internal/models"
)

// Sink persists audit entries.
type Sink interface {
	AppendAudit(ctx context.Context, entry models.AuditLog) error
}

// Recorder is the only place where a failed audit write is tolerated: the error is logged once
// and the caller's operation continues. A nil Recorder records nothing.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record writes one entry.
func (r *Recorder) Record(ctx context.Context, subject, event, detail, actorID string) {
	if r == nil || r.sink == nil {
		return
	}
	entry := models.AuditLog{
		Subject:  subject,
		Event:    event,
		Detail:   detail,
		ActorID:  actorID,
		Recorded: time.Now().UTC(),
	}
	if err := r.sink.AppendAudit(ctx, entry); err != nil {
		r.logger.Warn("audit write failed", "subject", subject, "event", event, "error", err)
	}
}
