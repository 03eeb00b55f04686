package crew

import (
	"fmt"
	"strings"
)

func systemPrompt(step StepType) string {
	switch step {
	case StepGenerateContent:
		return "You are a social media content crew: strategist, copywriter and art director working together. " +
			`Answer with a JSON object with keys "strategy", "copy", "hashtags", "visual_prompt", "cta", ` +
			`and, when relevant, "video_script" and "carousel_slides".`
	case StepFocusGroup:
		return "You simulate a focus group of distinct audience personas. Each persona scores the content from 0 to 10. " +
			`Answer with {"evaluations":[{"persona_id","persona_name","score","positives","negatives","suggestions","verdict"}]}.`
	case StepExecutiveDraft:
		return "You are an agency executive reviewing finished work. Propose one strategic decision as JSON " +
			`{"title": string, "rationale": string}.`
	case StepSentiment:
		return `Classify the sentiment of the message. Answer with {"sentiment":"positive|neutral|negative","score":0-10}.`
	}
	return ""
}

func generatePrompt(sc StepContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Demand type: %s\nTopic: %s\n", sc.DemandType, sc.Topic)
	if sc.Objective != "" {
		fmt.Fprintf(&b, "Objective: %s\n", sc.Objective)
	}
	if sc.BrandContext != "" {
		fmt.Fprintf(&b, "Brand context:\n%s\n", sc.BrandContext)
	}
	if sc.AdditionalContext != "" {
		fmt.Fprintf(&b, "Additional context:\n%s\n", sc.AdditionalContext)
	}
	if len(sc.Feedback) > 0 {
		b.WriteString("\nA previous version was rejected by the focus group. Address this feedback:\n")
		for i, f := range sc.Feedback {
			fmt.Fprintf(&b, "Round %d:\n%s\n", i+1, f)
		}
	}
	return b.String()
}

func focusGroupPrompt(sc StepContext) string {
	ct := sc.ContentType
	if ct == "" {
		ct = "post"
	}
	return fmt.Sprintf("Content type: %s\nClient: %s\n\nContent to evaluate:\n%s", ct, sc.ClientID, sc.Content)
}

func executivePrompt(sc StepContext) string {
	return fmt.Sprintf("Demand type: %s\nTopic: %s\nObjective: %s\n\nApproved content:\n%s", sc.DemandType, sc.Topic, sc.Objective, sc.Content)
}

func sentimentPrompt(sc StepContext) string {
	return "Message:\n" + sc.Content
}
