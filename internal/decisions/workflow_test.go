package decisions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agency-core/internal/models"
	"agency-core/internal/store"
)

type memStore struct {
	mu        sync.Mutex
	decisions map[string]models.Decision
}

func (m *memStore) CreateDecision(_ context.Context, d models.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.ID] = d
	return nil
}

func (m *memStore) GetDecision(_ context.Context, id string) (models.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return models.Decision{}, store.ErrNotFound
	}
	return d, nil
}

func (m *memStore) ApproveDecision(_ context.Context, id, actorID, lessons string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.decisions[id]
	if d.Status != models.DecisionStatusProposed {
		return false, nil
	}
	d.Status, d.ApprovedBy, d.ApprovedAt, d.LessonsLearned = models.DecisionStatusApproved, &actorID, &at, &lessons
	m.decisions[id] = d
	return true, nil
}

func (m *memStore) RejectDecision(_ context.Context, id, actorID, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.decisions[id]
	if d.Status != models.DecisionStatusProposed {
		return false, nil
	}
	d.Status, d.RejectedBy, d.RejectedAt, d.RejectionReason = models.DecisionStatusRejected, &actorID, &at, &reason
	m.decisions[id] = d
	return true, nil
}

type memEmitter struct {
	mu    sync.Mutex
	types []string
}

func (e *memEmitter) Emit(_ context.Context, t string, _ any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, t)
	return nil
}

func newWorkflow() (*Workflow, *memStore, *memEmitter) {
	st := &memStore{decisions: make(map[string]models.Decision)}
	ev := &memEmitter{}
	return NewWorkflow(st, ev, nil), st, ev
}

func TestApproveRejectAreExclusive(t *testing.T) {
	ctx := context.Background()
	w, st, ev := newWorkflow()
	d, err := w.Propose(ctx, uuid.NewString(), "Shift budget to reels", "Reels outperform static posts 3:1")
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	var wins, conflicts int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = w.Approve(ctx, d.ID, "admin", "")
			} else {
				_, err = w.Reject(ctx, d.ID, "admin", "not now")
			}
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrInvalidState):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
	assert.EqualValues(t, n-1, conflicts)
	final, err := st.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Contains(t, []string{models.DecisionStatusApproved, models.DecisionStatusRejected}, final.Status)
	assert.Len(t, ev.types, 1)
}

func TestApprove_RecordsApprover(t *testing.T) {
	ctx := context.Background()
	w, _, ev := newWorkflow()
	d, err := w.Propose(ctx, uuid.NewString(), "Hire a video editor", "")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusProposed, d.Status)

	at, err := w.Approve(ctx, d.ID, "u-admin", "start with a freelancer")
	require.NoError(t, err)
	assert.False(t, at.IsZero())

	got, err := w.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusApproved, got.Status)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, "u-admin", *got.ApprovedBy)
	assert.Equal(t, []string{"decision.approved"}, ev.types)

	_, err = w.Reject(ctx, d.ID, "u-admin", "")
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Contains(t, err.Error(), "status=approved")
}

func TestDecision_Validation(t *testing.T) {
	ctx := context.Background()
	w, _, _ := newWorkflow()

	_, err := w.Propose(ctx, "nope", "x", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = w.Propose(ctx, uuid.NewString(), "  ", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = w.Approve(ctx, uuid.NewString(), "a", "")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}
