package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agency-core/internal/crew"
)

func TestLoadPipelines_Defaults(t *testing.T) {
	pl, err := LoadPipelines("")
	require.NoError(t, err)
	for _, d := range DemandTypes {
		_, ok := pl[d]
		assert.True(t, ok, "missing pipeline for %s", d)
	}
	assert.False(t, pl[DemandCarousel].FocusGroup)
	assert.True(t, pl[DemandFullCampaign].ExecutiveReview)
}

func TestLoadPipelines_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipelines:\n  carousel:\n    focus_group: true\n    min_score: 8.5\n"), 0o600))

	pl, err := LoadPipelines(path)
	require.NoError(t, err)
	assert.True(t, pl[DemandCarousel].FocusGroup)
	require.NotNil(t, pl[DemandCarousel].MinScore)
	assert.Equal(t, 8.5, *pl[DemandCarousel].MinScore)
	assert.False(t, pl[DemandReels].FocusGroup)

	require.NoError(t, os.WriteFile(path, []byte("pipelines:\n  holographic_ad:\n    focus_group: true\n"), 0o600))
	_, err = LoadPipelines(path)
	assert.ErrorIs(t, err, ErrInvalidDemandType)
}

func TestSuggestTasks(t *testing.T) {
	tasks := SuggestTasks(DemandCarousel, crew.Outputs{Copy: "Five tips", Slides: []string{"1", "2"}, Hashtags: []string{"#tips"}}, "Acme")
	require.Len(t, tasks, 2)
	assert.Equal(t, "Carousel - Acme", tasks[0].Title)
	assert.Equal(t, 3.0, tasks[0].EstimatedHours)
	assert.Equal(t, "Publish - Acme", tasks[1].Title)
	assert.Contains(t, tasks[1].Description, "#tips")

	tasks = SuggestTasks(DemandReels, crew.Outputs{VideoScript: "Scene 1"}, "")
	require.NotEmpty(t, tasks)
	assert.Equal(t, "Video - client", tasks[0].Title)
	assert.Equal(t, "Scene 1", tasks[0].Description)
}
