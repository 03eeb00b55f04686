// Package orchestrator runs crew pipelines for content demands, looping through the focus-group quality gate.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agency-core/internal/artifacts"
	"agency-core/internal/audit"
	"agency-core/internal/crew"
	"agency-core/internal/drafts"
	"agency-core/internal/models"
	"agency-core/internal/queue"
	"agency-core/internal/telemetry"
)

var (
	ErrOrchestrationFailed = errors.New("orchestration failed")
	ErrInvalidRequest      = errors.New("invalid orchestration request")
)

const (
	defaultMinScore      = 7.0
	defaultMaxIterations = 3
	maxIterationsCap     = 10
)

// StepRunner runs one crew step.
type StepRunner interface {
	Run(ctx context.Context, step crew.StepType, sc crew.StepContext) (crew.StepResult, error)
}

// ContentStore persists the outcome of a run.
type ContentStore interface {
	SaveContentRecord(ctx context.Context, r models.ContentRecord) error
}

// DraftProposer turns suggested follow-up tasks into action drafts.
type DraftProposer interface {
	Propose(ctx context.Context, p drafts.ProposeParams) (models.ActionDraft, error)
}

// DecisionProposer records the executive review of a run.
type DecisionProposer interface {
	Propose(ctx context.Context, executiveID, title, rationale string) (models.Decision, error)
}

// Dispatcher submits follow-up jobs, running them inline when the queue is down.
type Dispatcher interface {
	Dispatch(ctx context.Context, params queue.SubmitParams) (queue.Result, error)
}

// Emitter records events for deferred processing.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

// Deps are the optional collaborators used after a run completes. Nil fields are skipped.
type Deps struct {
	Content   ContentStore
	Artifacts artifacts.Store
	Drafts    DraftProposer
	Decisions DecisionProposer
	Jobs      Dispatcher
	Events    Emitter
	Audit     *audit.Recorder
}

// Settings are the process-wide quality gate defaults.
type Settings struct {
	MinScore      float64
	MaxIterations int
}

// Request describes one end-to-end generation.
type Request struct {
	RequestID          string   `json:"requestId,omitempty"`
	ClientID           string   `json:"clientId"`
	ClientName         string   `json:"clientName,omitempty"`
	DemandType         string   `json:"demandType"`
	Topic              string   `json:"topic"`
	Objective          string   `json:"objective,omitempty"`
	AdditionalContext  string   `json:"additionalContext,omitempty"`
	BrandContext       string   `json:"brandContext,omitempty"`
	UseFocusGroup      bool     `json:"useFocusGroup,omitempty"`
	MinFocusGroupScore *float64 `json:"minFocusGroupScore,omitempty"`
	MaxIterations      int      `json:"maxIterations,omitempty"`
	MediaURL           string   `json:"mediaUrl,omitempty"`
	ExecutiveID        string   `json:"executiveId,omitempty"`
	RequestedBy        string   `json:"requestedBy,omitempty"`
}

// FocusGroupResult is the outcome of the quality gate.
type FocusGroupResult struct {
	Passed       bool                     `json:"passed"`
	AverageScore *float64                 `json:"averageScore"`
	MinScore     float64                  `json:"minScore"`
	Evaluations  []crew.PersonaEvaluation `json:"evaluations"`
	Iterations   int                      `json:"iterations"`
	Skipped      bool                     `json:"skipped,omitempty"`
	SkipReason   string                   `json:"skipReason,omitempty"`
}

// Iteration is a generated artifact the focus group rejected.
type Iteration struct {
	Iteration int          `json:"iteration"`
	Artifact  string       `json:"artifact"`
	Outputs   crew.Outputs `json:"outputs"`
	Score     *float64     `json:"score,omitempty"`
	Feedback  string       `json:"feedback,omitempty"`
}

// Result is the consolidated outcome of a run.
type Result struct {
	RequestID         string            `json:"requestId"`
	ClientID          string            `json:"clientId"`
	DemandType        DemandType        `json:"demandType"`
	Artifact          string            `json:"artifact"`
	Outputs           crew.Outputs      `json:"outputs"`
	Iterations        int               `json:"iterations"`
	ExecutionTimeMS   int64             `json:"executionTimeMs"`
	Usage             crew.Usage        `json:"tokenUsage"`
	FocusGroup        *FocusGroupResult `json:"focusGroupResult,omitempty"`
	QualityGateNotMet bool              `json:"qualityGateNotMet"`
	History           []Iteration       `json:"history,omitempty"`
	ArtifactURL       string            `json:"artifactUrl,omitempty"`
	DraftIDs          []string          `json:"draftIds,omitempty"`
	DecisionID        string            `json:"decisionId,omitempty"`
	MediaJob          *queue.Result     `json:"mediaJob,omitempty"`
}

// Orchestrator selects a pipeline per demand type and runs it.
type Orchestrator struct {
	runner    StepRunner
	pipelines Pipelines
	settings  Settings
	deps      Deps
	logger    *slog.Logger
}

func New(runner StepRunner, pipelines Pipelines, settings Settings, deps Deps) *Orchestrator {
	if settings.MinScore <= 0 {
		settings.MinScore = defaultMinScore
	}
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = defaultMaxIterations
	}
	if pipelines == nil {
		pipelines = Pipelines{}
	}
	return &Orchestrator{runner: runner, pipelines: pipelines, settings: settings, deps: deps, logger: slog.Default()}
}

type plan struct {
	demand        DemandType
	pipeline      Pipeline
	useFocusGroup bool
	minScore      float64
	maxIterations int
}

func (o *Orchestrator) plan(req Request) (plan, error) {
	demand, err := ParseDemandType(req.DemandType)
	if err != nil {
		return plan{}, err
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return plan{}, fmt.Errorf("%w: clientId is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Topic) == "" {
		return plan{}, fmt.Errorf("%w: topic is required", ErrInvalidRequest)
	}
	pl := o.pipelines[demand]
	p := plan{
		demand:        demand,
		pipeline:      pl,
		useFocusGroup: req.UseFocusGroup || pl.FocusGroup,
		minScore:      o.settings.MinScore,
		maxIterations: o.settings.MaxIterations,
	}
	if pl.MinScore != nil {
		p.minScore = *pl.MinScore
	}
	if req.MinFocusGroupScore != nil {
		if *req.MinFocusGroupScore < 0 || *req.MinFocusGroupScore > 10 {
			return plan{}, fmt.Errorf("%w: minFocusGroupScore must be within 0-10", ErrInvalidRequest)
		}
		p.minScore = *req.MinFocusGroupScore
	}
	if pl.MaxIterations > 0 {
		p.maxIterations = pl.MaxIterations
	}
	if req.MaxIterations > 0 {
		p.maxIterations = req.MaxIterations
	}
	if p.maxIterations > maxIterationsCap {
		p.maxIterations = maxIterationsCap
	}
	return p, nil
}

// Orchestrate runs the pipeline for req. The demand type is validated before any step runs. A failed generation
// fails the run with ErrOrchestrationFailed; a failed evaluation only skips the quality gate. Exhausting the
// iteration budget without passing returns the last artifact with QualityGateNotMet set.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (Result, error) {
	p, err := o.plan(req)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	log := o.logger.With("request_id", req.RequestID, "tenant_id", req.ClientID, "demand_type", p.demand)

	res := Result{RequestID: req.RequestID, ClientID: req.ClientID, DemandType: p.demand}
	sc := crew.StepContext{
		ClientID:          req.ClientID,
		DemandType:        string(p.demand),
		Topic:             req.Topic,
		Objective:         req.Objective,
		AdditionalContext: req.AdditionalContext,
		BrandContext:      req.BrandContext,
		ContentType:       p.pipeline.ContentType,
	}

	for {
		res.Iterations++
		sc.Iteration = res.Iterations

		gen, err := o.runner.Run(ctx, crew.StepGenerateContent, sc)
		if err != nil {
			telemetry.OrchestrationRuns.WithLabelValues(string(p.demand), "failed").Inc()
			log.Error("generation failed", "iteration", res.Iterations, "error", err)
			return Result{}, fmt.Errorf("%w: %w", ErrOrchestrationFailed, err)
		}
		res.Usage = res.Usage.Add(gen.Usage)
		res.Artifact = gen.Artifact
		res.Outputs = crew.ParseOutputs(gen.Artifact)
		if gen.Outputs != nil {
			res.Outputs = *gen.Outputs
		}
		if !p.useFocusGroup {
			break
		}

		review := sc
		review.Content = crew.FormatForReview(res.Outputs)
		eval, err := o.runner.Run(ctx, crew.StepFocusGroup, review)
		if err != nil {
			log.Warn("focus group failed, quality gate skipped", "iteration", res.Iterations, "error", err)
			res.FocusGroup = &FocusGroupResult{MinScore: p.minScore, Iterations: res.Iterations, Skipped: true, SkipReason: err.Error()}
			break
		}
		res.Usage = res.Usage.Add(eval.Usage)
		fg := &FocusGroupResult{
			AverageScore: eval.Score,
			MinScore:     p.minScore,
			Evaluations:  eval.Evaluations,
			Iterations:   res.Iterations,
		}
		fg.Passed = eval.Score != nil && *eval.Score >= p.minScore
		res.FocusGroup = fg
		if fg.Passed {
			break
		}
		if res.Iterations >= p.maxIterations {
			res.QualityGateNotMet = true
			log.Info("quality gate not met", "iterations", res.Iterations, "min_score", p.minScore)
			break
		}

		feedback := crew.Feedback(eval.Evaluations)
		res.History = append(res.History, Iteration{
			Iteration: res.Iterations,
			Artifact:  res.Artifact,
			Outputs:   res.Outputs,
			Score:     eval.Score,
			Feedback:  feedback,
		})
		if feedback == "" && eval.Score != nil {
			feedback = fmt.Sprintf("Reviewers scored the previous version %.1f/10; raise it to at least %.1f.", *eval.Score, p.minScore)
		}
		sc.Feedback = append(sc.Feedback, feedback)
	}

	res.ExecutionTimeMS = time.Since(start).Milliseconds()
	outcome := "done"
	if res.QualityGateNotMet {
		outcome = "quality_gate_not_met"
	}
	telemetry.OrchestrationRuns.WithLabelValues(string(p.demand), outcome).Inc()
	telemetry.FocusGroupIterations.Observe(float64(res.Iterations))

	o.finish(ctx, req, p, &res, log)
	return res, nil
}

// finish runs the post-completion follow-ups. None of them can fail the run.
func (o *Orchestrator) finish(ctx context.Context, req Request, p plan, res *Result, log *slog.Logger) {
	if o.deps.Artifacts != nil {
		if url, err := o.archive(ctx, res); err != nil {
			log.Warn("archive artifact failed", "error", err)
		} else {
			res.ArtifactURL = url
		}
	}

	if o.deps.Jobs != nil && req.MediaURL != "" {
		payload, _ := json.Marshal(mediaPayload(req, p.demand))
		mj, err := o.deps.Jobs.Dispatch(ctx, queue.SubmitParams{
			Type:     mediaJobType,
			Payload:  payload,
			Priority: models.PriorityLow,
			OwnerID:  req.RequestedBy,
			Tenant:   req.ClientID,
		})
		if err != nil {
			log.Warn("media job dispatch failed", "error", err)
		} else {
			res.MediaJob = &mj
		}
	}

	if req.ExecutiveID != "" {
		if p.pipeline.SuggestTasks && o.deps.Drafts != nil {
			res.DraftIDs = o.proposeTasks(ctx, req, p.demand, res.Outputs, log)
		}
		if p.pipeline.ExecutiveReview && o.deps.Decisions != nil {
			res.DecisionID = o.executiveReview(ctx, req, p, res, log)
		}
	}

	if o.deps.Content != nil {
		var score *float64
		passed := !res.QualityGateNotMet
		if res.FocusGroup != nil {
			score = res.FocusGroup.AverageScore
			passed = res.FocusGroup.Passed
		}
		rec := models.ContentRecord{
			ID:                uuid.NewString(),
			RequestID:         res.RequestID,
			ClientID:          res.ClientID,
			DemandType:        string(res.DemandType),
			Topic:             req.Topic,
			Artifact:          res.Artifact,
			Score:             score,
			Passed:            passed,
			QualityGateNotMet: res.QualityGateNotMet,
			Iterations:        res.Iterations,
			ArtifactURL:       res.ArtifactURL,
			RequestedBy:       req.RequestedBy,
			CreatedAt:         time.Now().UTC(),
		}
		if err := o.deps.Content.SaveContentRecord(ctx, rec); err != nil {
			log.Warn("save content record failed", "error", err)
		}
	}

	if o.deps.Events != nil {
		payload := map[string]any{
			"request_id":           res.RequestID,
			"client_id":            res.ClientID,
			"demand_type":          res.DemandType,
			"requested_by":         req.RequestedBy,
			"iterations":           res.Iterations,
			"quality_gate_not_met": res.QualityGateNotMet,
			"artifact_url":         res.ArtifactURL,
		}
		if res.FocusGroup != nil {
			payload["score"] = res.FocusGroup.AverageScore
		}
		if err := o.deps.Events.Emit(ctx, "orchestration.completed", payload); err != nil {
			log.Warn("emit orchestration.completed failed", "error", err)
		}
	}

	o.deps.Audit.Record(ctx, "orchestration:"+res.RequestID, "completed",
		fmt.Sprintf("demand=%s iterations=%d quality_gate_not_met=%t", res.DemandType, res.Iterations, res.QualityGateNotMet), req.RequestedBy)
	log.Info("orchestration completed", "iterations", res.Iterations, "elapsed_ms", res.ExecutionTimeMS)
}

func (o *Orchestrator) archive(ctx context.Context, res *Result) (string, error) {
	body, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	key := fmt.Sprintf("orchestrations/%s/%s.json", res.ClientID, res.RequestID)
	return o.deps.Artifacts.Put(ctx, key, body, "application/json")
}

func (o *Orchestrator) executiveReview(ctx context.Context, req Request, p plan, res *Result, log *slog.Logger) string {
	sc := crew.StepContext{
		ClientID:    req.ClientID,
		DemandType:  string(p.demand),
		Topic:       req.Topic,
		Objective:   req.Objective,
		Content:     crew.FormatForReview(res.Outputs),
		ContentType: p.pipeline.ContentType,
	}
	review, err := o.runner.Run(ctx, crew.StepExecutiveDraft, sc)
	if err != nil {
		log.Warn("executive review failed", "error", err)
		return ""
	}
	res.Usage = res.Usage.Add(review.Usage)
	title := fmt.Sprintf("Approve %s for %s: %s", p.demand, req.ClientID, req.Topic)
	d, err := o.deps.Decisions.Propose(ctx, req.ExecutiveID, title, review.Artifact)
	if err != nil {
		log.Warn("propose decision failed", "error", err)
		return ""
	}
	return d.ID
}

// EvaluateRequest asks for a standalone focus-group evaluation.
type EvaluateRequest struct {
	ClientID    string   `json:"clientId"`
	Content     string   `json:"content"`
	ContentType string   `json:"contentType,omitempty"`
	MinScore    *float64 `json:"minScore,omitempty"`
}

// EvaluateFocusGroup runs one focus-group pass over content supplied by the caller.
func (o *Orchestrator) EvaluateFocusGroup(ctx context.Context, req EvaluateRequest) (FocusGroupResult, error) {
	if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.Content) == "" {
		return FocusGroupResult{}, fmt.Errorf("%w: clientId and content are required", ErrInvalidRequest)
	}
	minScore := o.settings.MinScore
	if req.MinScore != nil {
		if *req.MinScore < 0 || *req.MinScore > 10 {
			return FocusGroupResult{}, fmt.Errorf("%w: minScore must be within 0-10", ErrInvalidRequest)
		}
		minScore = *req.MinScore
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "post"
	}
	eval, err := o.runner.Run(ctx, crew.StepFocusGroup, crew.StepContext{
		ClientID:    req.ClientID,
		Content:     req.Content,
		ContentType: contentType,
		Iteration:   1,
	})
	if err != nil {
		return FocusGroupResult{}, err
	}
	return FocusGroupResult{
		Passed:       eval.Score != nil && *eval.Score >= minScore,
		AverageScore: eval.Score,
		MinScore:     minScore,
		Evaluations:  eval.Evaluations,
		Iterations:   1,
	}, nil
}
