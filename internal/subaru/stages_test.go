package subaru

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageNames(g *StageGraph) []string {
	var names []string
	for _, st := range g.OrderedStages() {
		names = append(names, st.Def.Name)
	}
	return names
}

// TestLoadStages_DependencyOrder verifies dependencies always run before
// their dependents regardless of declared order.
func TestLoadStages_DependencyOrder(t *testing.T) {
	defs := []StageDef{
		{Name: "kernel", Order: 1, Command: "true", Dependencies: []string{"toolchain"}},
		{Name: "toolchain", Order: 2, Command: "true", Dependencies: []string{"sources"}},
		{Name: "sources", Order: 3, Command: "true"},
	}

	g, err := LoadStages(defs)
	require.NoError(t, err)
	assert.Equal(t, []string{"sources", "toolchain", "kernel"}, stageNames(g))
}

// TestLoadStages_OrderBreaksTies verifies the declared order decides among
// stages that are ready at the same time.
func TestLoadStages_OrderBreaksTies(t *testing.T) {
	defs := []StageDef{
		{Name: "c", Order: 3, Command: "true"},
		{Name: "a", Order: 1, Command: "true"},
		{Name: "b", Order: 2, Command: "true"},
	}

	g, err := LoadStages(defs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, stageNames(g))
}

func TestLoadStages_Diamond(t *testing.T) {
	defs := []StageDef{
		{Name: "top", Order: 1, Command: "true"},
		{Name: "left", Order: 2, Command: "true", Dependencies: []string{"top"}},
		{Name: "right", Order: 3, Command: "true", Dependencies: []string{"top"}},
		{Name: "bottom", Order: 4, Command: "true", Dependencies: []string{"left", "right"}},
	}

	g, err := LoadStages(defs)
	require.NoError(t, err)
	assert.Equal(t, []string{"top", "left", "right", "bottom"}, stageNames(g))
}

func TestLoadStages_Cycle(t *testing.T) {
	defs := []StageDef{
		{Name: "a", Order: 1, Command: "true", Dependencies: []string{"b"}},
		{Name: "b", Order: 2, Command: "true", Dependencies: []string{"a"}},
	}

	_, err := LoadStages(defs)
	var defErr *DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Contains(t, defErr.Reason, "cycle")
	assert.Contains(t, defErr.Reason, "a")
	assert.Contains(t, defErr.Reason, "b")
}

func TestLoadStages_Validation(t *testing.T) {
	cases := []struct {
		name string
		defs []StageDef
	}{
		{"empty set", nil},
		{"empty name", []StageDef{{Name: "", Command: "true"}}},
		{"no command", []StageDef{{Name: "a", Command: ""}}},
		{"duplicate name", []StageDef{
			{Name: "a", Command: "true"},
			{Name: "a", Command: "true"},
		}},
		{"unknown dependency", []StageDef{
			{Name: "a", Command: "true", Dependencies: []string{"ghost"}},
		}},
		{"self dependency", []StageDef{
			{Name: "a", Command: "true", Dependencies: []string{"a"}},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadStages(tc.defs)
			var defErr *DefinitionError
			assert.ErrorAs(t, err, &defErr)
		})
	}
}

// TestUnsatisfiedDependencies verifies the live re-check against current
// stage statuses.
func TestUnsatisfiedDependencies(t *testing.T) {
	defs := []StageDef{
		{Name: "a", Order: 1, Command: "true"},
		{Name: "b", Order: 2, Command: "true", Dependencies: []string{"a"}},
	}
	g, err := LoadStages(defs)
	require.NoError(t, err)

	b := g.Stage("b")
	assert.Equal(t, []string{"a"}, g.UnsatisfiedDependencies(b))
	assert.False(t, g.DependenciesSatisfied(b))

	g.Stage("a").Status = StageFailed
	assert.Equal(t, []string{"a"}, g.UnsatisfiedDependencies(b))

	g.Stage("a").Status = StageSuccess
	assert.Empty(t, g.UnsatisfiedDependencies(b))
	assert.True(t, g.DependenciesSatisfied(b))
}

func TestLoadStageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stages.yaml")
	content := `name: lfs-bootstrap
version: "12.2"
stages:
  - name: sources
    order: 1
    command: bash download.sh
  - name: toolchain
    order: 2
    command: bash toolchain.sh
    dependencies: [sources]
    rollback_command: rm -rf /mnt/lfs/tools
    elevated: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	bc, err := LoadStageFile(path)
	require.NoError(t, err)
	assert.Equal(t, "lfs-bootstrap", bc.Name)
	require.Len(t, bc.Stages, 2)
	assert.Equal(t, "toolchain", bc.Stages[1].Name)
	assert.Equal(t, []string{"sources"}, bc.Stages[1].Dependencies)
	assert.True(t, bc.Stages[1].Elevated)
	assert.Equal(t, "rm -rf /mnt/lfs/tools", bc.Stages[1].RollbackCommand)

	_, err = LoadStages(bc.Stages)
	require.NoError(t, err)
}

func TestLoadStageFile_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages: [not-a-stage"), 0o644))

	_, err := LoadStageFile(path)
	var defErr *DefinitionError
	assert.ErrorAs(t, err, &defErr)
}

func TestDefaultStageDefs(t *testing.T) {
	defs := DefaultStageDefs()
	g, err := LoadStages(defs)
	require.NoError(t, err)
	assert.Equal(t, len(defs), g.Len())
	// The stock pipeline is a straight chain; computed order matches
	// declared order.
	var declared []string
	for _, d := range defs {
		declared = append(declared, d.Name)
	}
	assert.Equal(t, declared, stageNames(g))
}

// TestConfigHash verifies the hash is stable for identical definitions and
// sensitive to every field that affects execution.
func TestConfigHash(t *testing.T) {
	defs := []StageDef{
		{Name: "a", Order: 1, Command: "true"},
		{Name: "b", Order: 2, Command: "false", Dependencies: []string{"a"}},
	}

	h1 := ConfigHash(defs)
	h2 := ConfigHash(defs)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 16)

	changed := []StageDef{
		{Name: "a", Order: 1, Command: "true"},
		{Name: "b", Order: 2, Command: "false", Dependencies: []string{"a"}, Elevated: true},
	}
	assert.NotEqual(t, h1, ConfigHash(changed))
}
