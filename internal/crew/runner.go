package crew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agency-core/internal/telemetry"
)

var (
	ErrGenerationFailure = errors.New("generation failure")
	ErrStepTimeout       = errors.New("step timeout")
	ErrUnknownStep       = errors.New("unknown crew step")
)

// StepType names one bounded unit of AI work.
type StepType string

const (
	StepGenerateContent StepType = "generate_content"
	StepFocusGroup      StepType = "focus_group"
	StepExecutiveDraft  StepType = "executive_draft"
	StepSentiment       StepType = "sentiment_analysis"
)

// StepContext is everything a step needs. Steps read it and never mutate shared state, so a
// step can be re-run with the same context.
type StepContext struct {
	ClientID          string
	DemandType        string
	Topic             string
	Objective         string
	AdditionalContext string
	BrandContext      string
	// Content is the text under review for focus_group, sentiment_analysis and executive_draft.
	Content     string
	ContentType string
	// Feedback holds reviewer notes from earlier rejected iterations, oldest first.
	Feedback  []string
	Iteration int
}

// StepResult is the typed outcome of a step.
type StepResult struct {
	Step        StepType            `json:"step"`
	Artifact    string              `json:"artifact"`
	Outputs     *Outputs            `json:"outputs,omitempty"`
	Score       *float64            `json:"score,omitempty"`
	Evaluations []PersonaEvaluation `json:"evaluations,omitempty"`
	Elapsed     time.Duration       `json:"elapsed"`
	Usage       Usage               `json:"usage"`
}

// Timeouts bounds each step's wall-clock time.
type Timeouts struct {
	Generate time.Duration
	Evaluate time.Duration
	Draft    time.Duration
}

// Runner executes crew steps against a Generator.
type Runner struct {
	gen      Generator
	timeouts Timeouts
	logger   *slog.Logger
}

func NewRunner(gen Generator, t Timeouts) *Runner {
	if t.Generate <= 0 {
		t.Generate = 120 * time.Second
	}
	if t.Evaluate <= 0 {
		t.Evaluate = 60 * time.Second
	}
	if t.Draft <= 0 {
		t.Draft = 90 * time.Second
	}
	return &Runner{gen: gen, timeouts: t, logger: slog.Default()}
}

func (r *Runner) timeout(step StepType) time.Duration {
	switch step {
	case StepGenerateContent:
		return r.timeouts.Generate
	case StepExecutiveDraft:
		return r.timeouts.Draft
	default:
		return r.timeouts.Evaluate
	}
}

// Run executes one step. Exceeding the step budget fails with ErrStepTimeout; every other failure
// is wrapped in ErrGenerationFailure.
func (r *Runner) Run(ctx context.Context, step StepType, sc StepContext) (StepResult, error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, r.timeout(step))
	defer cancel()

	res, err := r.run(stepCtx, step, sc)
	res.Step = step
	res.Elapsed = time.Since(start)

	outcome := "ok"
	defer func() {
		telemetry.CrewStepDuration.WithLabelValues(string(step), outcome).Observe(res.Elapsed.Seconds())
	}()
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ErrUnknownStep) {
		outcome = "invalid"
		return StepResult{}, err
	}
	if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		outcome = "timeout"
		r.logger.Warn("crew step timed out", "step", step, "client_id", sc.ClientID, "elapsed", res.Elapsed)
		return StepResult{}, fmt.Errorf("%w: %s after %s", ErrStepTimeout, step, r.timeout(step))
	}
	outcome = "error"
	return StepResult{}, fmt.Errorf("%w: %s: %w", ErrGenerationFailure, step, err)
}

func (r *Runner) run(ctx context.Context, step StepType, sc StepContext) (StepResult, error) {
	switch step {
	case StepGenerateContent:
		gen, err := r.gen.Generate(ctx, GenerateRequest{System: systemPrompt(step), Prompt: generatePrompt(sc), Temperature: 0.8, JSON: true})
		if err != nil {
			return StepResult{}, err
		}
		outputs := ParseOutputs(gen.Text)
		return StepResult{Artifact: gen.Text, Outputs: &outputs, Usage: gen.Usage}, nil

	case StepFocusGroup:
		if strings.TrimSpace(sc.Content) == "" {
			return StepResult{}, errors.New("nothing to evaluate")
		}
		gen, err := r.gen.Generate(ctx, GenerateRequest{System: systemPrompt(step), Prompt: focusGroupPrompt(sc), Temperature: 0.3, JSON: true})
		if err != nil {
			return StepResult{}, err
		}
		evals := ParseEvaluations(gen.Text)
		if len(evals) == 0 {
			return StepResult{Usage: gen.Usage}, fmt.Errorf("%w: no persona evaluations in output", ErrInvalidResponse)
		}
		avg := AverageScore(evals)
		return StepResult{Artifact: gen.Text, Score: &avg, Evaluations: evals, Usage: gen.Usage}, nil

	case StepExecutiveDraft:
		gen, err := r.gen.Generate(ctx, GenerateRequest{System: systemPrompt(step), Prompt: executivePrompt(sc), Temperature: 0.4, JSON: true})
		if err != nil {
			return StepResult{}, err
		}
		obj := extractJSONObject(gen.Text)
		if obj == "" || !json.Valid([]byte(obj)) {
			return StepResult{Usage: gen.Usage}, fmt.Errorf("%w: executive draft is not JSON", ErrInvalidResponse)
		}
		return StepResult{Artifact: obj, Usage: gen.Usage}, nil

	case StepSentiment:
		gen, err := r.gen.Generate(ctx, GenerateRequest{System: systemPrompt(step), Prompt: sentimentPrompt(sc), Temperature: 0, JSON: true})
		if err != nil {
			return StepResult{}, err
		}
		var s struct {
			Sentiment string          `json:"sentiment"`
			Score     json.RawMessage `json:"score"`
		}
		if err := json.Unmarshal([]byte(extractJSONObject(gen.Text)), &s); err != nil || s.Sentiment == "" {
			return StepResult{Usage: gen.Usage}, fmt.Errorf("%w: sentiment output", ErrInvalidResponse)
		}
		res := StepResult{Artifact: strings.ToLower(s.Sentiment), Usage: gen.Usage}
		if f, ok := parseScore(s.Score); ok {
			f = clamp(f)
			res.Score = &f
		}
		return res, nil
	}
	return StepResult{}, fmt.Errorf("%w: %q", ErrUnknownStep, step)
}
