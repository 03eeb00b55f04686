package models

import (
	"encoding/json"
	"time"
)

// Action draft statuses. Transitions are draft->executed or draft->cancelled only.
const (
	DraftStatusDraft     = "draft"
	DraftStatusExecuted  = "executed"
	DraftStatusCancelled = "cancelled"
)

// Action types understood by the draft executor registry.
const (
	ActionCreateTask      = "create_task"
	ActionSendMessage     = "send_message"
	ActionScheduleMeeting = "schedule_meeting"
)

// ActionDraft is a persisted, human-confirmable proposal for a side-effecting action.
type ActionDraft struct {
	ID               string           `json:"id"`
	ExecutiveID      string           `json:"executive_id"`
	ExecutiveRole    string           `json:"executive_role,omitempty"`
	ActionType       string           `json:"action_type"`
	Title            string           `json:"title,omitempty"`
	Payload          json.RawMessage  `json:"action_payload"`
	Status           string           `json:"status"`
	RequiresExternal bool             `json:"requires_external"`
	IsExecutable     bool             `json:"is_executable"`
	CreatedAt        time.Time        `json:"created_at"`
	ClaimedBy        *string          `json:"claimed_by,omitempty"`
	ClaimedAt        *time.Time       `json:"claimed_at,omitempty"`
	ExecutedAt       *time.Time       `json:"executed_at,omitempty"`
	ExecutionResult  *ExecutionResult `json:"execution_result,omitempty"`
	CancelledBy      *string          `json:"cancelled_by,omitempty"`
	CancelledAt      *time.Time       `json:"cancelled_at,omitempty"`
	CancelReason     *string          `json:"cancel_reason,omitempty"`
}

// ExecutionResult is the structured outcome recorded once per draft, whether or not the executor succeeded.
type ExecutionResult struct {
	OK             bool   `json:"ok"`
	EntityType     string `json:"entity_type,omitempty"`
	EntityID       string `json:"entity_id,omitempty"`
	BoardID        string `json:"board_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Decision statuses, rooted at proposed.
const (
	DecisionStatusProposed = "proposed"
	DecisionStatusApproved = "approved"
	DecisionStatusRejected = "rejected"
)

// Decision is a strategic proposal that requires human sign-off but has no automatic side effect.
type Decision struct {
	ID              string     `json:"id"`
	ExecutiveID     string     `json:"executive_id"`
	Title           string     `json:"title"`
	Rationale       string     `json:"rationale"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ApprovedBy      *string    `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectedBy      *string    `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time `json:"rejected_at,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	LessonsLearned  *string    `json:"lessons_learned,omitempty"`
}

// Event statuses. Only the event processor moves an event out of pending.
const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusError     = "error"
)

// Event is a fact recorded for deferred processing.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// ContentRecord is the persisted outcome of one orchestration run.
type ContentRecord struct {
	ID                string    `json:"id"`
	RequestID         string    `json:"request_id"`
	ClientID          string    `json:"client_id"`
	DemandType        string    `json:"demand_type"`
	Topic             string    `json:"topic"`
	Artifact          string    `json:"artifact"`
	Score             *float64  `json:"score,omitempty"`
	Passed            bool      `json:"passed"`
	QualityGateNotMet bool      `json:"quality_gate_not_met"`
	Iterations        int       `json:"iterations"`
	ArtifactURL       string    `json:"artifact_url,omitempty"`
	RequestedBy       string    `json:"requested_by,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}
