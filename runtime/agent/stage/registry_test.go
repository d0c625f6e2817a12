package stage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryTransitions(t *testing.T) {
	r := DefaultRegistry()

	require.Equal(t, Coordinator, r.Initial())
	require.ElementsMatch(t, []Stage{Planner, End}, r.Targets(Coordinator))
	require.ElementsMatch(t, []Stage{Supervisor, End}, r.Targets(Planner))
	require.ElementsMatch(t, []Stage{Researcher, Coder, Browser, Reporter, End}, r.Targets(Supervisor))
	require.Equal(t, []Stage{Supervisor}, r.Targets(Reporter))
	for _, w := range Workers() {
		require.Equal(t, []Stage{Supervisor}, r.Targets(w), "worker %s", w)
	}
	require.Equal(t, []Stage{Researcher, Coder, Browser}, r.TeamMembers())
	require.True(t, r.Allowed(Supervisor, Coder))
	require.False(t, r.Allowed(Coder, Reporter))
	require.False(t, r.Allowed(Coordinator, Supervisor))
	require.Empty(t, r.Targets(End))
}

func TestNewRegistryRejectsUndeclaredTarget(t *testing.T) {
	_, err := NewRegistry(map[Stage][]Stage{
		Coordinator: {Planner, End},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrConfiguration))
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, Coordinator, cfgErr.Stage)
	require.Contains(t, cfgErr.Reason, "planner")
}

func TestNewRegistryRejectsUnknownStage(t *testing.T) {
	_, err := NewRegistry(map[Stage][]Stage{
		Coordinator: {End},
		"janitor":   {End},
	})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNewRegistryRequiresInitialStage(t *testing.T) {
	_, err := NewRegistry(map[Stage][]Stage{
		Planner: {End},
	})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNewRegistryRejectsTerminalKey(t *testing.T) {
	_, err := NewRegistry(map[Stage][]Stage{
		Coordinator: {End},
		End:         {Coordinator},
	})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestParse(t *testing.T) {
	s, err := Parse("coder")
	require.NoError(t, err)
	require.Equal(t, Coder, s)

	_, err = Parse("FINISH")
	require.ErrorIs(t, err, ErrUnknownStage)
}

func TestMermaidListsEveryEdge(t *testing.T) {
	out := DefaultRegistry().Mermaid()
	require.Contains(t, out, "graph TD;")
	require.Contains(t, out, "__start__([__start__]) --> coordinator;")
	require.Contains(t, out, "coordinator -.-> planner;")
	require.Contains(t, out, "supervisor -.-> reporter;")
	require.Contains(t, out, "researcher -.-> supervisor;")
	require.Contains(t, out, "planner -.-> __end__([__end__]);")
}
