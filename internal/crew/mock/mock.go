// Package mock provides test doubles for the crew capabilities.
package mock

import (
	"context"
	"sync"

	"agency-core/internal/crew"
)

// Generator satisfies crew.Generator for testing.
type Generator struct {
	GenerateFunc func(ctx context.Context, req crew.GenerateRequest) (crew.Generation, error)
}

func (g *Generator) Generate(ctx context.Context, req crew.GenerateRequest) (crew.Generation, error) {
	if g.GenerateFunc != nil {
		return g.GenerateFunc(ctx, req)
	}
	return crew.Generation{Text: `{"copy":"mock copy"}`, Model: "mock-v1"}, nil
}

// NewTimeoutGenerator returns a Generator that blocks until the context is done.
func NewTimeoutGenerator() *Generator {
	return &Generator{GenerateFunc: func(ctx context.Context, _ crew.GenerateRequest) (crew.Generation, error) {
		<-ctx.Done()
		return crew.Generation{}, ctx.Err()
	}}
}

// Call records one Runner invocation.
type Call struct {
	Step    crew.StepType
	Context crew.StepContext
}

// Runner records every step invocation and delegates to RunFunc.
type Runner struct {
	RunFunc func(ctx context.Context, step crew.StepType, sc crew.StepContext) (crew.StepResult, error)

	mu    sync.Mutex
	calls []Call
}

func (r *Runner) Run(ctx context.Context, step crew.StepType, sc crew.StepContext) (crew.StepResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, Call{Step: step, Context: sc})
	r.mu.Unlock()
	if r.RunFunc != nil {
		return r.RunFunc(ctx, step, sc)
	}
	return crew.StepResult{Step: step, Artifact: "mock artifact"}, nil
}

// Calls returns a copy of the recorded invocations.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// CallsFor counts invocations of one step type.
func (r *Runner) CallsFor(step crew.StepType) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Step == step {
			n++
		}
	}
	return n
}

// NewScoringRunner generates a fixed artifact and has the focus group always return score.
func NewScoringRunner(score float64) *Runner {
	return &Runner{RunFunc: func(_ context.Context, step crew.StepType, sc crew.StepContext) (crew.StepResult, error) {
		switch step {
		case crew.StepFocusGroup:
			s := score
			return crew.StepResult{
				Step:  step,
				Score: &s,
				Evaluations: []crew.PersonaEvaluation{
					{PersonaID: "p1", PersonaName: "Busy Parent", Score: score, Negatives: []string{"too long"}, Suggestions: []string{"shorter hook"}},
				},
				Usage: crew.Usage{PromptTokens: 10, CompletionTokens: 5},
			}, nil
		default:
			out := crew.Outputs{Copy: "copy for " + sc.Topic, Hashtags: []string{"#promo"}}
			return crew.StepResult{Step: step, Artifact: "copy for " + sc.Topic, Outputs: &out, Usage: crew.Usage{PromptTokens: 100, CompletionTokens: 50}}, nil
		}
	}}
}

var (
	_ crew.Generator = (*Generator)(nil)
)
