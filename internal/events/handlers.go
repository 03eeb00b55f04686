package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agency-core/internal/audit"
	"agency-core/internal/crew"
	"agency-core/internal/models"
)

// Event types emitted inside the core.
const (
	TypeOrchestrationCompleted = "orchestration.completed"
	TypeDraftExecuted          = "action_draft.executed"
	TypeDecisionApproved       = "decision.approved"
	TypeDecisionRejected       = "decision.rejected"
	TypeSentimentRequested     = "message.sentiment_requested"
)

// StepRunner runs a crew step.
type StepRunner interface {
	Run(ctx context.Context, step crew.StepType, sc crew.StepContext) (crew.StepResult, error)
}

// DefaultHandlers builds the registry for the built-in event types. runner may be nil, in which case sentiment
// requests fail and stay visible for reprocessing.
func DefaultHandlers(rec *audit.Recorder, runner StepRunner) map[string]Handler {
	return map[string]Handler{
		TypeOrchestrationCompleted: orchestrationCompleted(rec),
		TypeDraftExecuted:          draftExecuted(rec),
		TypeDecisionApproved:       decisionSettled(rec, "approved"),
		TypeDecisionRejected:       decisionSettled(rec, "rejected"),
		TypeSentimentRequested:     sentimentRequested(rec, runner),
	}
}

func decode(e models.Event, v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func orchestrationCompleted(rec *audit.Recorder) Handler {
	return func(ctx context.Context, e models.Event) error {
		var p struct {
			RequestID         string   `json:"request_id"`
			ClientID          string   `json:"client_id"`
			DemandType        string   `json:"demand_type"`
			RequestedBy       string   `json:"requested_by"`
			Iterations        int      `json:"iterations"`
			Score             *float64 `json:"score"`
			QualityGateNotMet bool     `json:"quality_gate_not_met"`
			ArtifactURL       string   `json:"artifact_url"`
		}
		if err := decode(e, &p); err != nil {
			return err
		}
		if p.RequestID == "" {
			return fmt.Errorf("%s: request_id missing", e.Type)
		}
		detail := fmt.Sprintf("client=%s demand=%s iterations=%d", p.ClientID, p.DemandType, p.Iterations)
		if p.Score != nil {
			detail += fmt.Sprintf(" score=%.1f", *p.Score)
		}
		if p.QualityGateNotMet {
			detail += " quality_gate_not_met"
		}
		if p.ArtifactURL != "" {
			detail += " artifact=" + p.ArtifactURL
		}
		rec.Record(ctx, "orchestration:"+p.RequestID, "content_ready", detail, p.RequestedBy)
		return nil
	}
}

func draftExecuted(rec *audit.Recorder) Handler {
	return func(ctx context.Context, e models.Event) error {
		var p struct {
			DraftID       string                 `json:"draft_id"`
			ActionType    string                 `json:"action_type"`
			Result        models.ExecutionResult `json:"execution_result"`
			KanbanTaskID  string                 `json:"kanban_task_id"`
			KanbanBoardID string                 `json:"kanban_board_id"`
		}
		if err := decode(e, &p); err != nil {
			return err
		}
		if p.DraftID == "" {
			return fmt.Errorf("%s: draft_id missing", e.Type)
		}
		switch {
		case !p.Result.OK:
			rec.Record(ctx, "draft:"+p.DraftID, "follow_up_failed_execution", p.Result.Error, "")
		case p.KanbanTaskID != "":
			rec.Record(ctx, "kanban_task:"+p.KanbanTaskID, "created_from_draft", "draft="+p.DraftID+" board="+p.KanbanBoardID, "")
		default:
			rec.Record(ctx, "draft:"+p.DraftID, "follow_up_done", p.ActionType, "")
		}
		return nil
	}
}

func decisionSettled(rec *audit.Recorder, outcome string) Handler {
	return func(ctx context.Context, e models.Event) error {
		var p struct {
			DecisionID string `json:"decision_id"`
			Title      string `json:"title"`
			ActorID    string `json:"actor_id"`
			Note       string `json:"note"`
		}
		if err := decode(e, &p); err != nil {
			return err
		}
		if p.DecisionID == "" {
			return fmt.Errorf("%s: decision_id missing", e.Type)
		}
		event := "decision_" + outcome
		if outcome == "approved" && strings.TrimSpace(p.Note) != "" {
			event = "lessons_learned"
		}
		rec.Record(ctx, "decision:"+p.DecisionID, event, strings.TrimSpace(p.Title+" "+p.Note), p.ActorID)
		return nil
	}
}

func sentimentRequested(rec *audit.Recorder, runner StepRunner) Handler {
	return func(ctx context.Context, e models.Event) error {
		var p struct {
			DraftID   string `json:"draft_id"`
			MessageID string `json:"message_id"`
			Text      string `json:"text"`
		}
		if err := decode(e, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Text) == "" {
			return fmt.Errorf("%s: text missing", e.Type)
		}
		if runner == nil {
			return fmt.Errorf("%s: no crew runner configured", e.Type)
		}
		res, err := runner.Run(ctx, crew.StepSentiment, crew.StepContext{Content: p.Text, ContentType: "direct_message"})
		if err != nil {
			return err
		}
		detail := res.Artifact
		if res.Score != nil {
			detail += fmt.Sprintf(" score=%.1f", *res.Score)
		}
		rec.Record(ctx, "message:"+p.MessageID, "sentiment", detail, "")
		return nil
	}
}
