package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"agency-core/internal/crew"
	"agency-core/internal/drafts"
	"agency-core/internal/models"
)

var (
	videoKeywords  = []string{"vídeo", "video", "reels", "reel", "gravação", "filmagem", "roteiro", "script", "youtube", "tiktok"}
	designKeywords = []string{"arte", "design", "visual", "imagem", "banner", "carrossel", "carousel", "feed", "stories", "story"}
)

// SuggestTasks derives the production tasks generated content needs: video, design and publishing.
func SuggestTasks(demand DemandType, out crew.Outputs, clientName string) []drafts.CreateTaskPayload {
	if clientName == "" {
		clientName = "client"
	}
	raw, _ := json.Marshal(out)
	text := strings.ToLower(string(raw))

	var tasks []drafts.CreateTaskPayload
	if demand == DemandReels || demand == DemandVideoScript || out.VideoScript != "" || containsAny(text, videoKeywords) {
		desc := out.VideoScript
		if desc == "" {
			desc = "Produce a video from the brief:\n\n" + truncate(out.Copy, 500)
		}
		tasks = append(tasks, drafts.CreateTaskPayload{
			Title:          "Video - " + clientName,
			Description:    desc,
			Priority:       "high",
			AreaKey:        "videomaker",
			StageKey:       "briefing",
			EstimatedHours: 4,
		})
	}

	carousel := demand == DemandCarousel || len(out.Slides) > 0
	if demand == DemandInstagramPost || carousel || out.VisualPrompt != "" || containsAny(text, designKeywords) {
		kind, hours := "Artwork", 2.0
		if carousel {
			kind, hours = "Carousel", 3.0
		}
		desc := out.VisualPrompt
		if desc == "" {
			desc = fmt.Sprintf("Create the %s for:\n\n%s", strings.ToLower(kind), truncate(out.Copy, 300))
		}
		tasks = append(tasks, drafts.CreateTaskPayload{
			Title:          kind + " - " + clientName,
			Description:    desc,
			Priority:       "medium",
			AreaKey:        "designer",
			StageKey:       "briefing",
			EstimatedHours: hours,
		})
	}

	if out.Copy != "" {
		tasks = append(tasks, drafts.CreateTaskPayload{
			Title:          "Publish - " + clientName,
			Description:    strings.TrimSpace("Schedule and publish:\n\n" + truncate(out.Copy, 400) + "\n\n" + strings.Join(out.Hashtags, " ")),
			Priority:       "medium",
			AreaKey:        "social_media",
			StageKey:       "aprovacao_interna",
			EstimatedHours: 0.5,
		})
	}
	return tasks
}

func (o *Orchestrator) proposeTasks(ctx context.Context, req Request, demand DemandType, out crew.Outputs, log *slog.Logger) []string {
	var ids []string
	for _, t := range SuggestTasks(demand, out, req.ClientName) {
		payload, err := json.Marshal(t)
		if err != nil {
			continue
		}
		d, err := o.deps.Drafts.Propose(ctx, drafts.ProposeParams{
			ExecutiveID: req.ExecutiveID,
			ActionType:  models.ActionCreateTask,
			Title:       t.Title,
			Payload:     payload,
		})
		if err != nil {
			log.Warn("propose task draft failed", "title", t.Title, "error", err)
			continue
		}
		ids = append(ids, d.ID)
	}
	return ids
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
