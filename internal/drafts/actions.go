package drafts

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"agency-core/internal/models"
)

var (
	ErrInvalidPayload    = errors.New("invalid action payload")
	ErrUnknownActionType = errors.New("unknown action type")
)

// Action is a decoded, validated draft payload. The concrete type is selected by the draft's
// action type.
type Action interface {
	ActionType() string
	Validate() error
}

// CreateTaskPayload asks for a kanban task.
type CreateTaskPayload struct {
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	DueDate         string   `json:"due_date,omitempty"`
	BoardID         string   `json:"board_id,omitempty"`
	ColumnID        string   `json:"column_id,omitempty"`
	StageKey        string   `json:"stage_key,omitempty"`
	AreaKey         string   `json:"area_key,omitempty"`
	AssignedTo      string   `json:"assigned_to,omitempty"`
	AssignedUserIDs []string `json:"assigned_user_ids,omitempty"`
	EstimatedHours  float64  `json:"estimated_hours,omitempty"`
}

func (CreateTaskPayload) ActionType() string { return models.ActionCreateTask }

func (p CreateTaskPayload) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required for create_task", ErrInvalidPayload)
	}
	for name, v := range map[string]string{"board_id": p.BoardID, "column_id": p.ColumnID, "assigned_to": p.AssignedTo} {
		if v != "" && uuid.Validate(v) != nil {
			return fmt.Errorf("%w: %s must be a UUID", ErrInvalidPayload, name)
		}
	}
	if p.DueDate != "" {
		if _, err := time.Parse("2006-01-02", p.DueDate); err != nil {
			if _, err := time.Parse(time.RFC3339, p.DueDate); err != nil {
				return fmt.Errorf("%w: due_date must be YYYY-MM-DD or RFC3339", ErrInvalidPayload)
			}
		}
	}
	return nil
}

// Assignee returns the explicit assignee or the first valid id from AssignedUserIDs.
func (p CreateTaskPayload) Assignee() string {
	if p.AssignedTo != "" {
		return p.AssignedTo
	}
	for _, id := range p.AssignedUserIDs {
		if uuid.Validate(id) == nil {
			return id
		}
	}
	return ""
}

// NormalizedPriority maps free-form priorities, English or Portuguese, onto low|medium|high|urgent.
func (p CreateTaskPayload) NormalizedPriority() string {
	switch strings.ToLower(strings.TrimSpace(p.Priority)) {
	case "low", "baixa":
		return "low"
	case "high", "alta":
		return "high"
	case "urgent", "urgente":
		return "urgent"
	default:
		return "medium"
	}
}

// SendMessagePayload asks for a direct message from the confirming user.
type SendMessagePayload struct {
	ToUserID         string `json:"to_user_id"`
	Text             string `json:"text"`
	AnalyzeSentiment *bool  `json:"analyze_sentiment,omitempty"`
}

func (SendMessagePayload) ActionType() string { return models.ActionSendMessage }

func (p SendMessagePayload) Validate() error {
	if uuid.Validate(p.ToUserID) != nil {
		return fmt.Errorf("%w: to_user_id must be a UUID", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: text is required for send_message", ErrInvalidPayload)
	}
	return nil
}

// WantsSentiment defaults to true.
func (p SendMessagePayload) WantsSentiment() bool {
	return p.AnalyzeSentiment == nil || *p.AnalyzeSentiment
}

// ScheduleMeetingPayload asks for an executive meeting.
type ScheduleMeetingPayload struct {
	Title        string          `json:"title,omitempty"`
	MeetingType  string          `json:"meeting_type,omitempty"`
	Participants []string        `json:"participants,omitempty"`
	Agenda       json.RawMessage `json:"agenda,omitempty"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
}

func (ScheduleMeetingPayload) ActionType() string { return models.ActionScheduleMeeting }

func (p ScheduleMeetingPayload) Validate() error {
	if len(p.Agenda) > 0 && !json.Valid(p.Agenda) {
		return fmt.Errorf("%w: agenda is not valid JSON", ErrInvalidPayload)
	}
	return nil
}

// WithDefaults fills the title and meeting type the executor expects.
func (p ScheduleMeetingPayload) WithDefaults() ScheduleMeetingPayload {
	if strings.TrimSpace(p.Title) == "" {
		p.Title = "Executive meeting"
	}
	if p.MeetingType == "" {
		p.MeetingType = "review"
	}
	for i, r := range p.Participants {
		p.Participants[i] = strings.ToLower(strings.TrimSpace(r))
	}
	return p
}

// DecodeAction decodes raw into the payload variant for actionType and validates it.
func DecodeAction(actionType string, raw json.RawMessage) (Action, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var a Action
	switch actionType {
	case models.ActionCreateTask:
		var p CreateTaskPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		a = p
	case models.ActionSendMessage:
		var p SendMessagePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		a = p
	case models.ActionScheduleMeeting:
		var p ScheduleMeetingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		a = p.WithDefaults()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, actionType)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}
