package prompts

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/runtime/agent/stage"
)

func TestDefaultLibraryCoversEveryStage(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)
	for _, s := range stage.All() {
		if s.Terminal() {
			continue
		}
		out, err := lib.Render(s, Vars{CurrentTime: "now", TeamMembers: []string{"researcher", "coder"}})
		require.NoError(t, err, s)
		require.Contains(t, out, "CURRENT_TIME: now")
	}
	require.NotEmpty(t, lib.Description(stage.Researcher))
}

func TestRenderSupervisorListsTeam(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)
	out, err := lib.Render(stage.Supervisor, Vars{TeamMembers: []string{"researcher", "coder", "browser", "reporter"}})
	require.NoError(t, err)
	require.Contains(t, out, "[researcher, coder, browser, reporter]")
	require.Contains(t, out, "**`coder`**: Executes Python or Bash commands")
}

func TestRenderCoordinatorUsesProduct(t *testing.T) {
	lib, err := Default()
	require.NoError(t, err)
	out, err := lib.WithProduct("Atlas").Render(stage.Coordinator, Vars{})
	require.NoError(t, err)
	require.Contains(t, out, "You are Atlas")
	require.Contains(t, out, "handoff_to_planner()")
}

func TestLoadRejectsUnknownStage(t *testing.T) {
	fsys := fstest.MapFS{
		"prompts.yaml":         {Data: []byte("stages:\n  janitor:\n    template: janitor.md\n")},
		"templates/janitor.md": {Data: []byte("hi")},
	}
	_, err := Load(fsys)
	require.ErrorIs(t, err, stage.ErrUnknownStage)
}

func TestRenderUnknownTemplate(t *testing.T) {
	fsys := fstest.MapFS{
		"prompts.yaml":          {Data: []byte("stages:\n  reporter:\n    template: reporter.md\n")},
		"templates/reporter.md": {Data: []byte("report at {{ .CurrentTime }}")},
	}
	lib, err := Load(fsys)
	require.NoError(t, err)
	out, err := lib.Render(stage.Reporter, Vars{CurrentTime: "t0"})
	require.NoError(t, err)
	require.Equal(t, "report at t0", out)
	_, err = lib.Render(stage.Coder, Vars{})
	require.Error(t, err)
}
