package crew_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agency-core/internal/crew"
	"agency-core/internal/crew/mock"
)

func TestRun_GenerateContent(t *testing.T) {
	var seen crew.GenerateRequest
	gen := &mock.Generator{GenerateFunc: func(_ context.Context, req crew.GenerateRequest) (crew.Generation, error) {
		seen = req
		return crew.Generation{
			Text:  `{"strategy":"hook first","copy":"Big sale","hashtags":["#sale","#promo"],"cta":"Shop now"}`,
			Usage: crew.Usage{PromptTokens: 120, CompletionTokens: 80},
		}, nil
	}}
	r := crew.NewRunner(gen, crew.Timeouts{})

	res, err := r.Run(context.Background(), crew.StepGenerateContent, crew.StepContext{
		DemandType: "instagram_post",
		Topic:      "summer sale",
		Feedback:   []string{"- Busy Parent disliked: too long"},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Outputs)
	assert.Equal(t, "Big sale", res.Outputs.Copy)
	assert.Equal(t, []string{"#sale", "#promo"}, res.Outputs.Hashtags)
	assert.Equal(t, 200, res.Usage.Total())
	assert.Equal(t, crew.StepGenerateContent, res.Step)
	assert.Contains(t, seen.Prompt, "summer sale")
	assert.Contains(t, seen.Prompt, "too long")
	assert.True(t, seen.JSON)
}

func TestRun_FocusGroupAveragesScores(t *testing.T) {
	gen := &mock.Generator{GenerateFunc: func(context.Context, crew.GenerateRequest) (crew.Generation, error) {
		return crew.Generation{Text: `{"evaluations":[
			{"persona_id":"p1","persona_name":"Ana","score":8,"verdict":"approved"},
			{"persona_id":"p2","persona_name":"Rui","score":"6"}]}`}, nil
	}}
	r := crew.NewRunner(gen, crew.Timeouts{})

	res, err := r.Run(context.Background(), crew.StepFocusGroup, crew.StepContext{Content: "COPY:\nBig sale"})
	require.NoError(t, err)
	require.NotNil(t, res.Score)
	assert.InDelta(t, 7.0, *res.Score, 0.001)
	require.Len(t, res.Evaluations, 2)
	assert.Equal(t, "needs_changes", res.Evaluations[1].Verdict)
}

func TestRun_FocusGroupWithoutEvaluationsFails(t *testing.T) {
	gen := &mock.Generator{GenerateFunc: func(context.Context, crew.GenerateRequest) (crew.Generation, error) {
		return crew.Generation{Text: "I liked it."}, nil
	}}
	r := crew.NewRunner(gen, crew.Timeouts{})
	_, err := r.Run(context.Background(), crew.StepFocusGroup, crew.StepContext{Content: "x"})
	assert.ErrorIs(t, err, crew.ErrGenerationFailure)
	assert.ErrorIs(t, err, crew.ErrInvalidResponse)
}

func TestRun_TimeoutMapsToStepTimeout(t *testing.T) {
	r := crew.NewRunner(mock.NewTimeoutGenerator(), crew.Timeouts{Generate: 20 * time.Millisecond})
	_, err := r.Run(context.Background(), crew.StepGenerateContent, crew.StepContext{Topic: "x"})
	assert.ErrorIs(t, err, crew.ErrStepTimeout)
	assert.NotErrorIs(t, err, crew.ErrGenerationFailure)
}

func TestRun_BackendErrorMapsToGenerationFailure(t *testing.T) {
	boom := errors.New("status 500")
	gen := &mock.Generator{GenerateFunc: func(context.Context, crew.GenerateRequest) (crew.Generation, error) {
		return crew.Generation{}, boom
	}}
	r := crew.NewRunner(gen, crew.Timeouts{})
	_, err := r.Run(context.Background(), crew.StepGenerateContent, crew.StepContext{})
	assert.ErrorIs(t, err, crew.ErrGenerationFailure)
	assert.ErrorIs(t, err, boom)
}

func TestRun_UnknownStep(t *testing.T) {
	r := crew.NewRunner(&mock.Generator{}, crew.Timeouts{})
	_, err := r.Run(context.Background(), crew.StepType("dance"), crew.StepContext{})
	assert.ErrorIs(t, err, crew.ErrUnknownStep)
}

func TestRun_SentimentAndExecutiveDraft(t *testing.T) {
	gen := &mock.Generator{GenerateFunc: func(_ context.Context, req crew.GenerateRequest) (crew.Generation, error) {
		if req.Temperature == 0 {
			return crew.Generation{Text: `{"sentiment":"Negative","score":2}`}, nil
		}
		return crew.Generation{Text: "Here you go:\n{\"title\":\"Shift budget to reels\",\"rationale\":\"reels outperform\"}"}, nil
	}}
	r := crew.NewRunner(gen, crew.Timeouts{})

	s, err := r.Run(context.Background(), crew.StepSentiment, crew.StepContext{Content: "this is late again"})
	require.NoError(t, err)
	assert.Equal(t, "negative", s.Artifact)
	require.NotNil(t, s.Score)
	assert.Equal(t, 2.0, *s.Score)

	d, err := r.Run(context.Background(), crew.StepExecutiveDraft, crew.StepContext{Content: "copy"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Shift budget to reels","rationale":"reels outperform"}`, d.Artifact)
}
