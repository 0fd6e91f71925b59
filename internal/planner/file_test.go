package planner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/cohort/pkg/models"
)

func TestPlanFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans", "landing.yaml")
	plan := &models.Plan{
		Roster: []models.RoleName{"designer", "developer"},
		Steps: []models.Step{
			{Agent: "designer", Instruction: "Design the layout", ExpectedOutput: "spec"},
			{Agent: "developer", Instruction: "Build it"},
		},
	}

	require.NoError(t, WritePlanFile(path, plan))
	loaded, err := LoadPlanFile(path)
	require.NoError(t, err)
	assert.Equal(t, plan, loaded)
}

func TestLoadPlanFileHandWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	content := `team:
  - designer
  - designer
  - developer
plan:
  - agent: designer
    task: Sketch the hero section
  - agent: developer
    task: Implement the hero section
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	plan, err := LoadPlanFile(path)
	require.NoError(t, err)
	assert.Equal(t, []models.RoleName{"designer", "developer"}, plan.Roster)
	assert.Len(t, plan.Steps, 2)
}

func TestLoadPlanFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("team: []\nplan: []\n"), 0644))

	_, err := LoadPlanFile(path)
	assert.ErrorIs(t, err, ErrMalformedPlan)

	_, err = LoadPlanFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
