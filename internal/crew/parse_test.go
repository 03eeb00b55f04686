package crew

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputs_Headings(t *testing.T) {
	raw := "STRATEGY:\nLead with the discount\n\n---\n\nCOPY:\nSummer is here. 30% off.\n\n---\n\nCTA:\nShop today\n\n#summer #sale"
	out := ParseOutputs(raw)
	assert.Equal(t, "Lead with the discount", out.Strategy)
	assert.Equal(t, "Summer is here. 30% off.", out.Copy)
	assert.Contains(t, out.CTA, "Shop today")
	assert.Equal(t, []string{"#summer", "#sale"}, out.Hashtags)
}

func TestParseOutputs_FallsBackToCopy(t *testing.T) {
	out := ParseOutputs("Just a caption without structure")
	assert.Equal(t, "Just a caption without structure", out.Copy)
}

func TestParseOutputs_CapsHashtags(t *testing.T) {
	out := ParseOutputs(`{"copy":"x","hashtags":["#1","#2","#3","#4","#5","#6","#7","#8","#9","#10","#11","#12","#13","#14","#15","#16"]}`)
	assert.Len(t, out.Hashtags, 15)
}

func TestParseEvaluations_LooseObjectsAndPortugueseKeys(t *testing.T) {
	raw := `Persona 1: {"persona_id":"mae","persona_name":"Mãe","nota":9,"pontos_positivos":["claro"],"veredicto":"aprovado"}
Persona 2: {"persona_name":"Jovem","score":14}
Persona 3: {"nota": 4, broken json}`
	evals := ParseEvaluations(raw)
	require.Len(t, evals, 3)
	assert.Equal(t, 9.0, evals[0].Score)
	assert.Equal(t, []string{"claro"}, evals[0].Positives)
	assert.Equal(t, "aprovado", evals[0].Verdict)
	assert.Equal(t, 10.0, evals[1].Score, "scores are clamped to 10")
	assert.Equal(t, 4.0, evals[2].Score)
	assert.Equal(t, "unknown", evals[2].PersonaID)
}

func TestParseEvaluations_ScoreRegexFallback(t *testing.T) {
	evals := ParseEvaluations(`{"nota": 4, "comment": "ok" "x"}`)
	require.Len(t, evals, 1)
	assert.Equal(t, 4.0, evals[0].Score)
}

func TestAverageScore(t *testing.T) {
	assert.Equal(t, 0.0, AverageScore(nil))
	assert.Equal(t, 5.0, AverageScore([]PersonaEvaluation{{Score: 4}, {Score: 6}}))
}

func TestFeedback(t *testing.T) {
	fb := Feedback([]PersonaEvaluation{{PersonaName: "Ana", Negatives: []string{"too long"}, Suggestions: []string{"cut intro"}}})
	assert.Equal(t, "- Ana disliked: too long\n- Ana suggests: cut intro", fb)
}

func TestFormatForReview(t *testing.T) {
	got := FormatForReview(Outputs{Copy: "c", Hashtags: []string{"#a", "#b"}})
	assert.Equal(t, "COPY:\nc\n\n---\n\nHASHTAGS:\n#a #b", got)
}
