package subaru

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BuildStatus is the lifecycle status of one orchestration run.
type BuildStatus string

const (
	BuildRunning   BuildStatus = "running"
	BuildSuccess   BuildStatus = "success"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

// Terminal reports whether s is a terminal build status.
func (s BuildStatus) Terminal() bool {
	return s == BuildSuccess || s == BuildFailed || s == BuildCancelled
}

// StageStatus is the lifecycle status of one stage within a build.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// StageDef is one stage definition as supplied by the external loader.
// Order is a tie-break and display order only; actual execution order is
// computed from the dependency edges.
type StageDef struct {
	Name            string   `yaml:"name" json:"name"`
	Order           int      `yaml:"order" json:"order"`
	Command         string   `yaml:"command" json:"command"`
	Dependencies    []string `yaml:"dependencies" json:"dependencies,omitempty"`
	RollbackCommand string   `yaml:"rollback_command" json:"rollback_command,omitempty"`
	Elevated        bool     `yaml:"elevated" json:"elevated,omitempty"`
}

// BuildStage is one node in the dependency graph, scoped to a single build.
// Status and captured output are mutated only by the orchestrator during the
// stage's own execution window.
type BuildStage struct {
	Def      StageDef
	Status   StageStatus
	Output   string
	Error    string
	Warnings string
}

// StageGraph holds the stage set of one build together with the computed
// execution order.
type StageGraph struct {
	stages map[string]*BuildStage
	order  []*BuildStage
}

// LoadStages validates defs and computes the execution order.
//
// Execution order is a topological sort of the dependency edges; the
// declared integer order breaks ties among stages that are ready at the
// same time. A dependency on a missing stage, a duplicate stage name, or a
// dependency cycle yields a DefinitionError.
func LoadStages(defs []StageDef) (*StageGraph, error) {
	if len(defs) == 0 {
		return nil, &DefinitionError{Reason: "no stages defined"}
	}

	g := &StageGraph{stages: make(map[string]*BuildStage, len(defs))}

	// 1. Register stages, rejecting duplicates and incomplete definitions.
	for _, def := range defs {
		if def.Name == "" {
			return nil, &DefinitionError{Reason: "stage with empty name"}
		}
		if def.Command == "" {
			return nil, &DefinitionError{Reason: fmt.Sprintf("stage %s has no command", def.Name)}
		}
		if _, dup := g.stages[def.Name]; dup {
			return nil, &DefinitionError{Reason: fmt.Sprintf("duplicate stage name %s", def.Name)}
		}
		g.stages[def.Name] = &BuildStage{Def: def, Status: StagePending}
	}

	// 2. Verify every declared dependency exists.
	for _, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := g.stages[dep]; !ok {
				return nil, &DefinitionError{Reason: fmt.Sprintf("stage %s depends on unknown stage %s", def.Name, dep)}
			}
			if dep == def.Name {
				return nil, &DefinitionError{Reason: fmt.Sprintf("stage %s depends on itself", def.Name)}
			}
		}
	}

	// 3. Kahn's algorithm over the dependency edges. Among stages whose
	// dependencies are all scheduled, the declared order (then name) decides
	// who goes first.
	indegree := make(map[string]int, len(defs))
	dependents := make(map[string][]string, len(defs))
	for _, def := range defs {
		indegree[def.Name] = len(def.Dependencies)
		for _, dep := range def.Dependencies {
			dependents[dep] = append(dependents[dep], def.Name)
		}
	}

	var ready []*BuildStage
	for _, def := range defs {
		if indegree[def.Name] == 0 {
			ready = append(ready, g.stages[def.Name])
		}
	}

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Def.Order != ready[j].Def.Order {
				return ready[i].Def.Order < ready[j].Def.Order
			}
			return ready[i].Def.Name < ready[j].Def.Name
		})
		next := ready[0]
		ready = ready[1:]
		g.order = append(g.order, next)

		for _, depName := range dependents[next.Def.Name] {
			indegree[depName]--
			if indegree[depName] == 0 {
				ready = append(ready, g.stages[depName])
			}
		}
	}

	if len(g.order) != len(defs) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, &DefinitionError{Reason: "dependency cycle involving: " + strings.Join(cyclic, ", ")}
	}

	return g, nil
}

// Stage returns the stage with the given name, or nil.
func (g *StageGraph) Stage(name string) *BuildStage {
	return g.stages[name]
}

// OrderedStages returns the stages in computed execution order.
func (g *StageGraph) OrderedStages() []*BuildStage {
	return g.order
}

// Len returns the number of stages in the graph.
func (g *StageGraph) Len() int {
	return len(g.stages)
}

// UnsatisfiedDependencies returns the dependency names of stage that are not
// currently in status success. The check is re-evaluated from live stage
// statuses immediately before each stage starts; upstream status can change
// mid-run due to cancellation.
func (g *StageGraph) UnsatisfiedDependencies(stage *BuildStage) []string {
	var missing []string
	for _, dep := range stage.Def.Dependencies {
		d, ok := g.stages[dep]
		if !ok || d.Status != StageSuccess {
			missing = append(missing, dep)
		}
	}
	return missing
}

// DependenciesSatisfied reports whether every named dependency of stage is
// in status success.
func (g *StageGraph) DependenciesSatisfied(stage *BuildStage) bool {
	return len(g.UnsatisfiedDependencies(stage)) == 0
}

// BuildConfig is the on-disk build definition consumed by the CLI.
type BuildConfig struct {
	Name    string     `yaml:"name"`
	Version string     `yaml:"version"`
	Stages  []StageDef `yaml:"stages"`
}

// LoadStageFile reads a YAML build definition from disk.
func LoadStageFile(path string) (*BuildConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stage file: %w", err)
	}
	var cfg BuildConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &DefinitionError{Reason: fmt.Sprintf("cannot parse %s: %v", path, err)}
	}
	return &cfg, nil
}

// DefaultStageDefs returns the stock LFS bootstrap pipeline.
func DefaultStageDefs() []StageDef {
	return []StageDef{
		{Name: "prepare_host", Order: 1, Command: "bash scripts/prepare_host.sh",
			RollbackCommand: "bash scripts/cleanup_host.sh"},
		{Name: "create_partition", Order: 2, Command: "bash scripts/create_partition.sh",
			Dependencies: []string{"prepare_host"}, RollbackCommand: "bash scripts/remove_partition.sh", Elevated: true},
		{Name: "download_sources", Order: 3, Command: "bash scripts/download_sources.sh",
			Dependencies: []string{"create_partition"}, RollbackCommand: "rm -rf /mnt/lfs/sources/*"},
		{Name: "build_toolchain", Order: 4, Command: "bash scripts/build_toolchain.sh",
			Dependencies: []string{"download_sources"}, RollbackCommand: "rm -rf /mnt/lfs/tools/*"},
		{Name: "build_system", Order: 5, Command: "bash scripts/build_system.sh",
			Dependencies: []string{"build_toolchain"}, RollbackCommand: "bash scripts/cleanup_system.sh", Elevated: true},
		{Name: "configure_system", Order: 6, Command: "bash scripts/configure_system.sh",
			Dependencies: []string{"build_system"}, RollbackCommand: "bash scripts/reset_config.sh", Elevated: true},
		{Name: "build_kernel", Order: 7, Command: "bash scripts/build_kernel.sh",
			Dependencies: []string{"configure_system"}, RollbackCommand: "rm -rf /mnt/lfs/boot/*"},
		{Name: "finalize_system", Order: 8, Command: "bash scripts/finalize_system.sh",
			Dependencies: []string{"build_kernel"}, RollbackCommand: "bash scripts/cleanup_final.sh", Elevated: true},
	}
}

// MarshalStageDefs renders defs as YAML for the build's configuration
// document.
func MarshalStageDefs(defs []StageDef) string {
	data, err := yaml.Marshal(BuildConfig{Stages: defs})
	if err != nil {
		return ""
	}
	return string(data)
}
