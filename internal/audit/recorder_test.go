package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agency-core/internal/models"
)

type sinkFunc func(ctx context.Context, entry models.AuditLog) error

func (f sinkFunc) AppendAudit(ctx context.Context, entry models.AuditLog) error { return f(ctx, entry) }

func TestRecorder_WritesEntry(t *testing.T) {
	var got []models.AuditLog
	r := NewRecorder(sinkFunc(func(_ context.Context, e models.AuditLog) error {
		got = append(got, e)
		return nil
	}), nil)

	r.Record(context.Background(), "draft:1", "executed", "ok", "user-1")
	require.Len(t, got, 1)
	assert.Equal(t, "draft:1", got[0].Subject)
	assert.Equal(t, "user-1", got[0].ActorID)
	assert.False(t, got[0].Recorded.IsZero())
}

func TestRecorder_SwallowsSinkFailureWithOneWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := NewRecorder(sinkFunc(func(context.Context, models.AuditLog) error {
		return errors.New("relation audit_logs does not exist")
	}), logger)

	assert.NotPanics(t, func() {
		r.Record(context.Background(), "job:1", "dead_letter", "boom", "")
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"level":"WARN"`)
	assert.Contains(t, lines[0], "audit_logs does not exist")
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() { r.Record(context.Background(), "s", "e", "", "") })
}
