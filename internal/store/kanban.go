package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// KanbanTarget is the board and column a new task lands in.
type KanbanTarget struct {
	BoardID  string
	ColumnID string
	// Column name and stage key, used to derive the task status.
	ColumnName string
	StageKey   string
}

// KanbanHints steer target resolution. Empty fields are ignored.
type KanbanHints struct {
	BoardID  string
	ColumnID string
	StageKey string
	AreaKey  string
}

// NewKanbanTask is the row written for a confirmed create_task draft.
type NewKanbanTask struct {
	Target          KanbanTarget
	Title           string
	Description     string
	Priority        string
	Status          string
	DueDate         *time.Time
	AssignedTo      string
	AssignedUserIDs []string
	EstimatedHours  float64
	CreatedBy       string
}

// ResolveKanbanTarget picks a board and column for a new task: an explicit column wins, then an explicit board
// with a stage, then the board for the area (or the default board) and its best matching column.
func (s *Store) ResolveKanbanTarget(ctx context.Context, h KanbanHints) (KanbanTarget, error) {
	if h.ColumnID != "" {
		t, err := s.kanbanColumn(ctx, `WHERE c.id = $1`, h.ColumnID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return KanbanTarget{}, err
		}
	}
	if h.BoardID != "" && h.StageKey != "" {
		t, err := s.kanbanColumn(ctx, `WHERE c.board_id = $1 AND c.stage_key = $2`, h.BoardID, h.StageKey)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return KanbanTarget{}, err
		}
	}
	if h.AreaKey == "" && h.BoardID == "" && h.StageKey != "" {
		t, err := s.kanbanColumn(ctx, `WHERE c.stage_key = $1 ORDER BY c.position`, h.StageKey)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return KanbanTarget{}, err
		}
	}

	boardID := h.BoardID
	if boardID == "" {
		err := s.pool.QueryRow(ctx, `
			SELECT id::text FROM kanban_boards
			ORDER BY COALESCE(area_key = NULLIF($1, ''), FALSE) DESC, is_default DESC, created_at ASC
			LIMIT 1
		`, h.AreaKey).Scan(&boardID)
		if errors.Is(err, pgx.ErrNoRows) {
			return KanbanTarget{}, fmt.Errorf("no kanban board available: %w", ErrNotFound)
		}
		if err != nil {
			return KanbanTarget{}, fmt.Errorf("pick kanban board: %w", err)
		}
	}
	t, err := s.kanbanColumn(ctx, `
		WHERE c.board_id = $1
		ORDER BY COALESCE(c.stage_key = NULLIF($2, ''), FALSE) DESC,
			COALESCE(c.stage_key = 'demanda', FALSE) DESC,
			(lower(c.name) LIKE '%backlog%' OR lower(c.name) LIKE '%a fazer%') DESC,
			c.position ASC`, boardID, h.StageKey)
	if errors.Is(err, ErrNotFound) {
		return KanbanTarget{}, fmt.Errorf("board %s has no columns: %w", boardID, ErrNotFound)
	}
	return t, err
}

func (s *Store) kanbanColumn(ctx context.Context, where string, args ...any) (KanbanTarget, error) {
	var t KanbanTarget
	err := s.pool.QueryRow(ctx, `
		SELECT c.board_id::text, c.id::text, c.name, COALESCE(c.stage_key, '')
		FROM kanban_columns c `+where+` LIMIT 1`, args...).Scan(&t.BoardID, &t.ColumnID, &t.ColumnName, &t.StageKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return KanbanTarget{}, ErrNotFound
	}
	if err != nil {
		return KanbanTarget{}, fmt.Errorf("query kanban column: %w", err)
	}
	return t, nil
}

// CreateKanbanTask appends a task to the bottom of its column and returns the new task id.
func (s *Store) CreateKanbanTask(ctx context.Context, t NewKanbanTask) (string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var position int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(position) + 1, 0) FROM kanban_tasks WHERE board_id = $1 AND column_id = $2
	`, t.Target.BoardID, t.Target.ColumnID).Scan(&position); err != nil {
		return "", fmt.Errorf("next task position: %w", err)
	}

	assigned := t.AssignedUserIDs
	if assigned == nil {
		assigned = []string{}
	}
	var estimate *float64
	if t.EstimatedHours > 0 {
		estimate = &t.EstimatedHours
	}
	id := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO kanban_tasks (id, board_id, column_id, title, description, priority, status, due_date,
			assigned_to, assigned_user_ids, estimated_hours, position, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::uuid[], $11, $12, $13)
	`, id, t.Target.BoardID, t.Target.ColumnID, t.Title, t.Description, t.Priority, t.Status, t.DueDate,
		emptyToNil(t.AssignedTo), assigned, estimate, position, emptyToNil(t.CreatedBy))
	if err != nil {
		return "", fmt.Errorf("insert kanban task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// TaskStatusForColumn maps a column name or stage key to the task status shown on the board.
func TaskStatusForColumn(name, stage string) string {
	name = strings.ToLower(name)
	stage = strings.ToLower(stage)
	s := stage
	if s == "" {
		s = name
	}
	switch {
	case strings.Contains(name, "backlog"):
		return "backlog"
	case strings.Contains(name, "a fazer"):
		return "todo"
	case strings.Contains(name, "revis"):
		return "in_review"
	case strings.Contains(name, "conclu") || strings.Contains(s, "final"):
		return "done"
	case strings.Contains(name, "bloque") || strings.Contains(s, "bloque"):
		return "blocked"
	case strings.Contains(name, "cancel"):
		return "cancelled"
	case s == "demanda" || strings.Contains(s, "lead"):
		return "todo"
	}
	return "in_progress"
}
