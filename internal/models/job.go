package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPayload is returned when a job payload cannot be decoded into its handler's type.
var ErrInvalidPayload = errors.New("invalid job payload")

// Priority orders queued work. Lower values run first.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// Priorities lists every tier in dequeue order.
var Priorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four known tiers.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

// ParsePriority accepts a tier name; an empty string means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal", "default":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// JobStatus enumerates lifecycle states kept on the job record.
const (
	JobStatusQueued     = "queued"
	JobStatusActive     = "active"
	JobStatusRetrying   = "retrying"
	JobStatusSucceeded  = "succeeded"
	JobStatusCancelled  = "cancelled"
	JobStatusDeadLetter = "dead_lettered"
)

// Job is a unit of queued work. Everything except the execution-state fields
// (Status, Attempts, LastError, NextRunAt) is fixed at submission.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	Tenant      string          `json:"tenant,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submitted_at"`
	MaxAttempts int             `json:"max_attempts"`

	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	NextRunAt time.Time `json:"next_run_at"`
}

// DecodePayload unmarshals the raw payload into v.
func (j Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s: %w: empty", j.ID, ErrInvalidPayload)
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s: %w: %v", j.ID, ErrInvalidPayload, err)
	}
	return nil
}

// DeadLetter is a job that exhausted its retry budget, kept for inspection and replay.
type DeadLetter struct {
	Job      Job       `json:"job"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// JobHandle is returned to submitters.
type JobHandle struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Priority Priority `json:"priority"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	Subject  string    `json:"subject"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	ActorID  string    `json:"actor_id,omitempty"`
	Recorded time.Time `json:"recorded_at"`
}
