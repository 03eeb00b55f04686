package orchestrator

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DemandType is one of the fixed content demands the orchestrator accepts.
type DemandType string

const (
	DemandInstagramPost DemandType = "instagram_post"
	DemandLinkedInPost  DemandType = "linkedin_post"
	DemandVideoScript   DemandType = "video_script"
	DemandAdCampaign    DemandType = "ad_campaign"
	DemandCarousel      DemandType = "carousel"
	DemandReels         DemandType = "reels"
	DemandFullCampaign  DemandType = "full_campaign"
)

// DemandTypes lists every accepted demand type.
var DemandTypes = []DemandType{
	DemandInstagramPost, DemandLinkedInPost, DemandVideoScript, DemandAdCampaign,
	DemandCarousel, DemandReels, DemandFullCampaign,
}

var ErrInvalidDemandType = errors.New("invalid demand type")

// ParseDemandType validates s against the fixed set.
func ParseDemandType(s string) (DemandType, error) {
	for _, d := range DemandTypes {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDemandType, s)
}

// Pipeline configures the crew steps run for one demand type.
type Pipeline struct {
	ContentType     string   `yaml:"content_type"`
	FocusGroup      bool     `yaml:"focus_group"`
	ExecutiveReview bool     `yaml:"executive_review"`
	SuggestTasks    bool     `yaml:"suggest_tasks"`
	MinScore        *float64 `yaml:"min_score"`
	MaxIterations   int      `yaml:"max_iterations"`
}

// Pipelines maps each demand type to its pipeline.
type Pipelines map[DemandType]Pipeline

type pipelinesFile struct {
	Pipelines map[string]Pipeline `yaml:"pipelines"`
}

//go:embed pipelines.yaml
var defaultPipelines []byte

// LoadPipelines returns the embedded pipelines, with entries from path (if non-empty) replacing the defaults.
func LoadPipelines(path string) (Pipelines, error) {
	p, err := parsePipelines(defaultPipelines)
	if err != nil {
		return nil, fmt.Errorf("embedded pipelines: %w", err)
	}
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines file: %w", err)
	}
	override, err := parsePipelines(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for d, pl := range override {
		p[d] = pl
	}
	return p, nil
}

func parsePipelines(raw []byte) (Pipelines, error) {
	var f pipelinesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse pipelines: %w", err)
	}
	out := make(Pipelines, len(f.Pipelines))
	for name, pl := range f.Pipelines {
		d, err := ParseDemandType(name)
		if err != nil {
			return nil, err
		}
		if pl.MinScore != nil && (*pl.MinScore < 0 || *pl.MinScore > 10) {
			return nil, fmt.Errorf("%s: min_score must be within 0-10", name)
		}
		if pl.MaxIterations < 0 {
			return nil, fmt.Errorf("%s: max_iterations must not be negative", name)
		}
		out[d] = pl
	}
	return out, nil
}
