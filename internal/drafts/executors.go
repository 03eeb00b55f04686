package drafts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agency-core/internal/models"
	"agency-core/internal/store"
)

// KanbanStore is the persistence the create_task executor needs.
type KanbanStore interface {
	ResolveKanbanTarget(ctx context.Context, h store.KanbanHints) (store.KanbanTarget, error)
	CreateKanbanTask(ctx context.Context, t store.NewKanbanTask) (string, error)
}

// MessageStore is the persistence the send_message executor needs.
type MessageStore interface {
	SendDirectMessage(ctx context.Context, fromUserID, toUserID, body string) (messageID, conversationID string, err error)
}

// MeetingStore is the persistence the schedule_meeting executor needs.
type MeetingStore interface {
	ScheduleMeeting(ctx context.Context, m store.NewMeeting) (string, error)
}

// TaskExecutor creates kanban tasks.
type TaskExecutor struct {
	Store KanbanStore
}

func (e TaskExecutor) Execute(ctx context.Context, _ models.ActionDraft, action Action, actorID string) (models.ExecutionResult, error) {
	p, ok := action.(CreateTaskPayload)
	if !ok {
		return models.ExecutionResult{}, fmt.Errorf("%w: expected create_task, got %s", ErrInvalidPayload, action.ActionType())
	}
	target, err := e.Store.ResolveKanbanTarget(ctx, store.KanbanHints{
		BoardID:  p.BoardID,
		ColumnID: p.ColumnID,
		StageKey: normalizeStageKey(p.StageKey),
		AreaKey:  strings.ToLower(strings.TrimSpace(p.AreaKey)),
	})
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("resolve kanban column: %w", err)
	}
	var due *time.Time
	if p.DueDate != "" {
		if t, err := time.Parse("2006-01-02", p.DueDate); err == nil {
			due = &t
		} else if t, err := time.Parse(time.RFC3339, p.DueDate); err == nil {
			due = &t
		}
	}
	id, err := e.Store.CreateKanbanTask(ctx, store.NewKanbanTask{
		Target:          target,
		Title:           strings.TrimSpace(p.Title),
		Description:     p.Description,
		Priority:        p.NormalizedPriority(),
		Status:          store.TaskStatusForColumn(target.ColumnName, target.StageKey),
		DueDate:         due,
		AssignedTo:      p.Assignee(),
		AssignedUserIDs: p.AssignedUserIDs,
		EstimatedHours:  p.EstimatedHours,
		CreatedBy:       actorID,
	})
	if err != nil {
		return models.ExecutionResult{}, err
	}
	return models.ExecutionResult{OK: true, EntityType: "kanban_tasks", EntityID: id, BoardID: target.BoardID}, nil
}

func normalizeStageKey(v string) string {
	s := strings.ToLower(strings.TrimSpace(v))
	switch s {
	case "a_fazer", "todo", "backlog":
		return "demanda"
	}
	return s
}

// MessageExecutor sends a direct message from the confirming user.
type MessageExecutor struct {
	Store MessageStore
}

func (e MessageExecutor) Execute(ctx context.Context, _ models.ActionDraft, action Action, actorID string) (models.ExecutionResult, error) {
	p, ok := action.(SendMessagePayload)
	if !ok {
		return models.ExecutionResult{}, fmt.Errorf("%w: expected send_message, got %s", ErrInvalidPayload, action.ActionType())
	}
	msgID, convID, err := e.Store.SendDirectMessage(ctx, actorID, p.ToUserID, strings.TrimSpace(p.Text))
	if err != nil {
		return models.ExecutionResult{}, err
	}
	return models.ExecutionResult{OK: true, EntityType: "direct_messages", EntityID: msgID, ConversationID: convID}, nil
}

// MeetingExecutor schedules executive meetings.
type MeetingExecutor struct {
	Store MeetingStore
	Now   func() time.Time
}

// defaultParticipants is used when the draft names no roles.
var defaultParticipants = []string{"ceo", "cfo", "cmo", "cto", "coo", "cco", "chro"}

func (e MeetingExecutor) Execute(ctx context.Context, d models.ActionDraft, action Action, actorID string) (models.ExecutionResult, error) {
	p, ok := action.(ScheduleMeetingPayload)
	if !ok {
		return models.ExecutionResult{}, fmt.Errorf("%w: expected schedule_meeting, got %s", ErrInvalidPayload, action.ActionType())
	}
	p = p.WithDefaults()
	participants := p.Participants
	if len(participants) == 0 {
		participants = defaultParticipants
	}
	at := time.Now().UTC()
	if e.Now != nil {
		at = e.Now()
	}
	if p.ScheduledAt != nil {
		at = p.ScheduledAt.UTC()
	}
	id, err := e.Store.ScheduleMeeting(ctx, store.NewMeeting{
		Title:        p.Title,
		MeetingType:  p.MeetingType,
		InitiatedBy:  d.ExecutiveID,
		DraftID:      d.ID,
		Participants: participants,
		Agenda:       p.Agenda,
		ScheduledAt:  at,
		CreatedBy:    actorID,
	})
	if err != nil {
		return models.ExecutionResult{}, err
	}
	return models.ExecutionResult{OK: true, EntityType: "executive_meetings", EntityID: id}, nil
}
