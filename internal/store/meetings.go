package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMeeting is an executive meeting scheduled from a confirmed draft.
type NewMeeting struct {
	Title        string
	MeetingType  string
	InitiatedBy  string
	DraftID      string
	Participants []string
	Agenda       json.RawMessage
	ScheduledAt  time.Time
	CreatedBy    string
}

func (s *Store) ScheduleMeeting(ctx context.Context, m NewMeeting) (string, error) {
	agenda := m.Agenda
	if len(agenda) == 0 {
		agenda = json.RawMessage(`[]`)
	}
	participants := m.Participants
	if participants == nil {
		participants = []string{}
	}
	id := uuid.NewString()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executive_meetings (id, title, meeting_type, initiated_by, draft_id, participants, agenda,
			scheduled_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, m.Title, m.MeetingType, emptyToNil(m.InitiatedBy), emptyToNil(m.DraftID), participants, []byte(agenda),
		m.ScheduledAt, emptyToNil(m.CreatedBy))
	if err != nil {
		return "", fmt.Errorf("insert meeting: %w", err)
	}
	return id, nil
}
