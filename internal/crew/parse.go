package crew

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Outputs is generated content split into the parts reviewers and downstream tasks use.
type Outputs struct {
	Strategy     string   `json:"strategy,omitempty"`
	Copy         string   `json:"copy,omitempty"`
	Hashtags     []string `json:"hashtags,omitempty"`
	VisualPrompt string   `json:"visual_prompt,omitempty"`
	CTA          string   `json:"cta,omitempty"`
	VideoScript  string   `json:"video_script,omitempty"`
	Slides       []string `json:"carousel_slides,omitempty"`
}

// Empty reports whether no part was extracted.
func (o Outputs) Empty() bool {
	return o.Strategy == "" && o.Copy == "" && len(o.Hashtags) == 0 && o.VisualPrompt == "" &&
		o.CTA == "" && o.VideoScript == "" && len(o.Slides) == 0
}

// PersonaEvaluation is one synthetic reviewer's verdict.
type PersonaEvaluation struct {
	PersonaID   string   `json:"persona_id"`
	PersonaName string   `json:"persona_name"`
	Score       float64  `json:"score"`
	Positives   []string `json:"positives"`
	Negatives   []string `json:"negatives"`
	Suggestions []string `json:"suggestions"`
	Verdict     string   `json:"verdict"`
}

const maxHashtags = 15

var (
	hashtagRe = regexp.MustCompile(`#[^\s#]+`)
	headingRe = regexp.MustCompile(`(?im)^\s*(strategy|estrat[ée]gia|copy|legenda|hashtags|visual|visual prompt|cta|video script|roteiro)\s*:\s*$`)
	evalObjRe = regexp.MustCompile(`\{[^{}]*"(?:score|nota)"[^{}]*\}`)
	scoreRe   = regexp.MustCompile(`"(?:score|nota)"\s*:\s*"?(\d+(?:\.\d+)?)`)
)

// ParseOutputs extracts structured parts from model output. JSON output is preferred; otherwise
// sections are read from "HEADING:" lines. When nothing can be identified the whole text is the copy.
func ParseOutputs(raw string) Outputs {
	var out Outputs
	if obj := extractJSONObject(raw); obj != "" {
		if err := json.Unmarshal([]byte(obj), &out); err == nil && !out.Empty() {
			if len(out.Hashtags) > maxHashtags {
				out.Hashtags = out.Hashtags[:maxHashtags]
			}
			return out
		}
		out = Outputs{}
	}

	locs := headingRe.FindAllStringSubmatchIndex(raw, -1)
	for i, loc := range locs {
		end := len(raw)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw[loc[1]:end]), "-"))
		switch heading := strings.ToLower(raw[loc[2]:loc[3]]); {
		case strings.HasPrefix(heading, "estrat"), heading == "strategy":
			out.Strategy = body
		case heading == "copy", heading == "legenda":
			out.Copy = body
		case heading == "visual", heading == "visual prompt":
			out.VisualPrompt = body
		case heading == "cta":
			out.CTA = body
		case heading == "video script", heading == "roteiro":
			out.VideoScript = body
		}
	}
	if tags := hashtagRe.FindAllString(raw, -1); len(tags) > 0 {
		if len(tags) > maxHashtags {
			tags = tags[:maxHashtags]
		}
		out.Hashtags = tags
	}
	if out.Strategy == "" && out.Copy == "" && out.VisualPrompt == "" && out.CTA == "" && out.VideoScript == "" {
		out.Copy = strings.TrimSpace(raw)
	}
	return out
}

// FormatForReview renders outputs as the text shown to the focus group.
func FormatForReview(o Outputs) string {
	var parts []string
	add := func(h, v string) {
		if v != "" {
			parts = append(parts, h+":\n"+v)
		}
	}
	add("STRATEGY", o.Strategy)
	add("COPY", o.Copy)
	add("HASHTAGS", strings.Join(o.Hashtags, " "))
	add("VISUAL", o.VisualPrompt)
	add("CTA", o.CTA)
	add("VIDEO SCRIPT", o.VideoScript)
	if len(o.Slides) > 0 {
		add("SLIDES", strings.Join(o.Slides, "\n"))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

type rawEvaluation struct {
	PersonaID   string          `json:"persona_id"`
	PersonaName string          `json:"persona_name"`
	Score       json.RawMessage `json:"score"`
	Nota        json.RawMessage `json:"nota"`
	Positives   []string        `json:"positives"`
	Negatives   []string        `json:"negatives"`
	Suggestions []string        `json:"suggestions"`
	Verdict     string          `json:"verdict"`
	PontosPos   []string        `json:"pontos_positivos"`
	PontosNeg   []string        `json:"pontos_negativos"`
	Sugestoes   []string        `json:"sugestoes"`
	Veredicto   string          `json:"veredicto"`
}

func (r rawEvaluation) toEvaluation() (PersonaEvaluation, bool) {
	score, ok := parseScore(r.Score)
	if !ok {
		score, ok = parseScore(r.Nota)
	}
	if !ok {
		return PersonaEvaluation{}, false
	}
	ev := PersonaEvaluation{
		PersonaID:   firstNonEmpty(r.PersonaID, "unknown"),
		PersonaName: firstNonEmpty(r.PersonaName, "Unknown"),
		Score:       clamp(score),
		Positives:   firstNonNil(r.Positives, r.PontosPos),
		Negatives:   firstNonNil(r.Negatives, r.PontosNeg),
		Suggestions: firstNonNil(r.Suggestions, r.Sugestoes),
		Verdict:     firstNonEmpty(r.Verdict, r.Veredicto, "needs_changes"),
	}
	return ev, true
}

// ParseEvaluations reads persona evaluations from model output. It accepts a JSON array, an
// object with an "evaluations" array, or loose JSON objects embedded in prose.
func ParseEvaluations(raw string) []PersonaEvaluation {
	var list []rawEvaluation
	trimmed := strings.TrimSpace(stripFence(raw))
	if err := json.Unmarshal([]byte(trimmed), &list); err != nil || len(list) == 0 {
		var wrapped struct {
			Evaluations []rawEvaluation `json:"evaluations"`
		}
		if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil {
			list = wrapped.Evaluations
		}
	}

	var out []PersonaEvaluation
	for _, r := range list {
		if ev, ok := r.toEvaluation(); ok {
			out = append(out, ev)
		}
	}
	if len(out) > 0 {
		return out
	}

	for _, m := range evalObjRe.FindAllString(raw, -1) {
		var r rawEvaluation
		if err := json.Unmarshal([]byte(m), &r); err == nil {
			if ev, ok := r.toEvaluation(); ok {
				out = append(out, ev)
				continue
			}
		}
		if sm := scoreRe.FindStringSubmatch(m); sm != nil {
			if f, err := strconv.ParseFloat(sm[1], 64); err == nil {
				out = append(out, PersonaEvaluation{PersonaID: "unknown", PersonaName: "Unknown", Score: clamp(f), Verdict: "needs_changes"})
			}
		}
	}
	return out
}

// AverageScore is the mean persona score clamped to [0,10]; zero when there are no evaluations.
func AverageScore(evals []PersonaEvaluation) float64 {
	if len(evals) == 0 {
		return 0
	}
	var sum float64
	for _, e := range evals {
		sum += e.Score
	}
	return clamp(sum / float64(len(evals)))
}

// Feedback condenses evaluations into notes appended to the next generation attempt.
func Feedback(evals []PersonaEvaluation) string {
	var b strings.Builder
	for _, e := range evals {
		for _, n := range e.Negatives {
			b.WriteString("- " + e.PersonaName + " disliked: " + n + "\n")
		}
		for _, s := range e.Suggestions {
			b.WriteString("- " + e.PersonaName + " suggests: " + s + "\n")
		}
	}
	return strings.TrimSpace(b.String())
}

func parseScore(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 10:
		return 10
	}
	return f
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

// extractJSONObject returns the outermost {...} span of s, or "".
func extractJSONObject(s string) string {
	s = stripFence(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonNil(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	if len(b) > 0 {
		return b
	}
	return []string{}
}
