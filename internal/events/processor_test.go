package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agency-core/internal/audit"
	"agency-core/internal/crew"
	"agency-core/internal/crew/mock"
	"agency-core/internal/models"
	"agency-core/internal/store"
)

type memStore struct {
	mu     sync.Mutex
	events map[string]models.Event
}

func newMemStore() *memStore { return &memStore{events: make(map[string]models.Event)} }

func (m *memStore) InsertEvent(_ context.Context, e models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
	return nil
}

func (m *memStore) GetEvent(_ context.Context, id string) (models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return models.Event{}, store.ErrNotFound
	}
	return e, nil
}

func (m *memStore) PendingEvents(_ context.Context, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.events {
		if e.Status == models.EventStatusPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkEventProcessed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.events[id]
	e.Status, e.ProcessedAt, e.ErrorMessage = models.EventStatusProcessed, &at, nil
	e.Attempts++
	m.events[id] = e
	return nil
}

func (m *memStore) MarkEventError(_ context.Context, id, msg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.events[id]
	e.Status, e.ProcessedAt, e.ErrorMessage = models.EventStatusError, &at, &msg
	e.Attempts++
	m.events[id] = e
	return nil
}

func (m *memStore) ResetEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status, e.ProcessedAt, e.ErrorMessage = models.EventStatusPending, nil, nil
	m.events[id] = e
	return nil
}

func (m *memStore) byStatus(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Status == status {
			n++
		}
	}
	return n
}

// emitAt inserts an event with an explicit creation time so ordering is deterministic.
func emitAt(t *testing.T, st *memStore, n int, eventType string, payload string) string {
	t.Helper()
	b := NewBus(st)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return base.Add(time.Duration(n) * time.Second) }
	require.NoError(t, b.Emit(context.Background(), eventType, json.RawMessage(payload)))
	pending, err := st.PendingEvents(context.Background(), 1000)
	require.NoError(t, err)
	return pending[len(pending)-1].ID
}

func TestProcess_IsolatesFailures(t *testing.T) {
	st := newMemStore()
	for i := 1; i <= 5; i++ {
		emitAt(t, st, i, "test.step", fmt.Sprintf(`{"n":%d}`, i))
	}

	var visited []int
	p := NewProcessor(st, map[string]Handler{
		"test.step": func(_ context.Context, e models.Event) error {
			var body struct{ N int }
			require.NoError(t, json.Unmarshal(e.Payload, &body))
			visited = append(visited, body.N)
			if body.N == 3 {
				return errors.New("downstream rejected event 3")
			}
			return nil
		},
	})

	res, err := p.Process(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Fetched: 5, Processed: 4, Failed: 1}, res)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, visited)
	assert.Equal(t, 4, st.byStatus(models.EventStatusProcessed))
	assert.Equal(t, 1, st.byStatus(models.EventStatusError))
}

func TestProcess_PanicAndUnknownTypeAreErrors(t *testing.T) {
	st := newMemStore()
	panicky := emitAt(t, st, 1, "test.panic", `{}`)
	unknown := emitAt(t, st, 2, "test.unregistered", `{}`)
	ok := emitAt(t, st, 3, "test.ok", `{}`)

	p := NewProcessor(st, map[string]Handler{
		"test.panic": func(context.Context, models.Event) error { panic("nil map") },
		"test.ok":    func(context.Context, models.Event) error { return nil },
	})
	res, err := p.Process(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Fetched: 3, Processed: 1, Failed: 2}, res)

	e, _ := st.GetEvent(context.Background(), panicky)
	require.NotNil(t, e.ErrorMessage)
	assert.Contains(t, *e.ErrorMessage, "nil map")
	e, _ = st.GetEvent(context.Background(), unknown)
	assert.Equal(t, models.EventStatusError, e.Status)
	assert.Contains(t, *e.ErrorMessage, ErrUnknownEventType.Error())
	e, _ = st.GetEvent(context.Background(), ok)
	assert.Equal(t, models.EventStatusProcessed, e.Status)
}

func TestProcess_RespectsBatchSize(t *testing.T) {
	st := newMemStore()
	for i := 0; i < 4; i++ {
		emitAt(t, st, i, "test.ok", `{}`)
	}
	p := NewProcessor(st, map[string]Handler{"test.ok": func(context.Context, models.Event) error { return nil }})
	res, err := p.Process(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fetched)
	assert.Equal(t, 1, st.byStatus(models.EventStatusPending))
}

func TestReprocess_RecoversAfterFix(t *testing.T) {
	st := newMemStore()
	id := emitAt(t, st, 1, "test.flaky", `{}`)

	fixed := false
	p := NewProcessor(st, map[string]Handler{
		"test.flaky": func(context.Context, models.Event) error {
			if !fixed {
				return errors.New("bug")
			}
			return nil
		},
	})
	_, err := p.Process(context.Background(), 10)
	require.NoError(t, err)

	e, err := p.Reprocess(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusError, e.Status)

	fixed = true
	e, err = p.Reprocess(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusProcessed, e.Status)
	assert.Nil(t, e.ErrorMessage)
	assert.Equal(t, 3, e.Attempts)

	_, err = p.Reprocess(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

type memSink struct {
	mu      sync.Mutex
	entries []models.AuditLog
}

func (s *memSink) AppendAudit(_ context.Context, a models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, a)
	return nil
}

func TestDefaultHandlers(t *testing.T) {
	st := newMemStore()
	sink := &memSink{}
	runner := &mock.Runner{RunFunc: func(_ context.Context, step crew.StepType, sc crew.StepContext) (crew.StepResult, error) {
		score := 8.0
		return crew.StepResult{Step: step, Artifact: "positive", Score: &score}, nil
	}}
	bus := NewBus(st)
	ctx := context.Background()
	require.NoError(t, bus.Emit(ctx, TypeSentimentRequested, map[string]string{"message_id": "M1", "text": "Thanks, love it"}))
	require.NoError(t, bus.Emit(ctx, TypeDraftExecuted, map[string]any{
		"draft_id": "D1", "execution_result": map[string]any{"ok": true}, "kanban_task_id": "T1", "kanban_board_id": "B1",
	}))
	require.NoError(t, bus.Emit(ctx, TypeDecisionApproved, map[string]string{"decision_id": "X1", "title": "Go", "note": "ship weekly"}))
	require.NoError(t, bus.Emit(ctx, TypeOrchestrationCompleted, map[string]any{"request_id": "R1", "iterations": 2}))

	p := NewProcessor(st, DefaultHandlers(audit.NewRecorder(sink, nil), runner))
	res, err := p.Process(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Processed)

	subjects := map[string]string{}
	for _, e := range sink.entries {
		subjects[e.Subject] = e.Event
	}
	assert.Equal(t, "sentiment", subjects["message:M1"])
	assert.Equal(t, "created_from_draft", subjects["kanban_task:T1"])
	assert.Equal(t, "lessons_learned", subjects["decision:X1"])
	assert.Equal(t, "content_ready", subjects["orchestration:R1"])
	assert.Equal(t, 1, runner.CallsFor(crew.StepSentiment))
}
