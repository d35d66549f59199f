package subaru

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventKind names the lifecycle events the orchestrator raises.
type EventKind string

const (
	EventStageStarted      EventKind = "stageStarted"
	EventStageCompleted    EventKind = "stageCompleted"
	EventBuildCompleted    EventKind = "buildCompleted"
	EventBuildFailed       EventKind = "buildFailed"
	EventPrivilegeRequired EventKind = "privilegeRequired"
)

// Event is the payload delivered to subscribers.
type Event struct {
	BuildID     string
	Stage       string
	StageStatus StageStatus
	BuildStatus BuildStatus
	Reason      string
	Matches     []PatternMatch
	Guidance    *GuidanceResult
}

// EventHandler consumes one event. Handlers run synchronously on the build
// goroutine; a panicking handler is contained and logged.
type EventHandler func(Event)

// Build is one orchestration run. Mutated only by the orchestrator's build
// goroutine; read through Snapshot.
type Build struct {
	ID              string
	Name            string
	ConfigHash      string
	Graph           *StageGraph
	Status          BuildStatus
	StartedAt       time.Time
	EndedAt         time.Time
	CompletedStages int
}

// BuildSnapshot is a consistent point-in-time view of a build.
type BuildSnapshot struct {
	ID              string
	Status          BuildStatus
	TotalStages     int
	CompletedStages int
	Stages          map[string]StageStatus
}

// Options configures an Orchestrator.
type Options struct {
	Store   Store           // nil means an in-memory store
	Library *PatternLibrary // nil means the stock catalog

	// SudoSecret feeds the privilege relay for elevated stages. Never
	// persisted. Empty means elevated stages run without the relay and
	// the skip is recorded.
	SudoSecret string

	TmpDir string // relay location; empty means the configured default

	// Archive, when set, receives compressed stage logs after a build
	// reaches a terminal status. Best effort; never affects the result.
	Archive       *ArchiveClient
	ArchiveFormat string

	OnProgress  func(stage string, snap ProgressSnapshot)
	OnHardError func(stage string, line string)
}

// Orchestrator walks a stage graph on a dedicated background goroutine,
// runs each stage as an external command, classifies failures and raises
// lifecycle events. Exactly one build may be active per instance.
type Orchestrator struct {
	store         Store
	matcher       *PatternMatcher
	guidance      *GuidanceEngine
	broker        *PrivilegeBroker
	archive       *ArchiveClient
	archiveFormat string
	sudoSecret    string
	onProgress    func(stage string, snap ProgressSnapshot)
	onHardError   func(stage string, line string)

	mu              sync.Mutex
	current         *Build
	done            chan struct{}
	cancelRequested atomic.Bool

	hmu      sync.Mutex
	handlers map[EventKind][]EventHandler

	// beforeStage runs before the cancellation check of each stage, and
	// runnerShell overrides the shell stage commands run through. Dep
	// injection for testing.
	beforeStage func(b *Build, st *BuildStage)
	runnerShell string
}

// NewOrchestrator wires an orchestrator from opts.
func NewOrchestrator(opts Options) *Orchestrator {
	store := opts.Store
	if store == nil {
		store = NewMemStore()
	}
	matcher := NewPatternMatcher(opts.Library)
	return &Orchestrator{
		store:         store,
		matcher:       matcher,
		guidance:      NewGuidanceEngine(store, matcher),
		broker:        &PrivilegeBroker{TmpDir: opts.TmpDir},
		archive:       opts.Archive,
		archiveFormat: opts.ArchiveFormat,
		sudoSecret:    opts.SudoSecret,
		onProgress:    opts.OnProgress,
		onHardError:   opts.OnHardError,
		handlers:      make(map[EventKind][]EventHandler),
	}
}

// Subscribe registers a handler for one event kind.
func (o *Orchestrator) Subscribe(kind EventKind, h EventHandler) {
	o.hmu.Lock()
	defer o.hmu.Unlock()
	o.handlers[kind] = append(o.handlers[kind], h)
}

func (o *Orchestrator) emit(kind EventKind, ev Event) {
	o.hmu.Lock()
	handlers := append([]EventHandler(nil), o.handlers[kind]...)
	o.hmu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					colWarn.Printf("event handler for %s panicked: %v\n", kind, r)
				}
			}()
			h(ev)
		}()
	}
}

// StartBuild validates defs, persists the new build and starts the walk on
// a background goroutine. Returns ErrBuildAlreadyRunning while a build is
// active, or a DefinitionError for inconsistent stage configuration.
func (o *Orchestrator) StartBuild(ctx context.Context, defs []StageDef, buildName string) (string, error) {
	graph, err := LoadStages(defs)
	if err != nil {
		return "", err
	}

	id := buildName
	if id == "" {
		id = fmt.Sprintf("build-%s-%s", time.Now().Format("20060102-150405"), uuid.NewString()[:8])
	}

	o.mu.Lock()
	if o.current != nil && !o.current.Status.Terminal() {
		o.mu.Unlock()
		return "", ErrBuildAlreadyRunning
	}

	build := &Build{
		ID:         id,
		Name:       buildName,
		ConfigHash: ConfigHash(defs),
		Graph:      graph,
		Status:     BuildRunning,
		StartedAt:  time.Now(),
	}
	// The done channel belongs to this build. o.done is re-read by Wait and
	// may already point at a successor by the time this build's goroutine
	// exits, so the walk closes its own channel, never o.done.
	done := make(chan struct{})
	o.current = build
	o.done = done
	o.cancelRequested.Store(false)
	o.mu.Unlock()

	if err := o.store.CreateBuild(ctx, id, build.ConfigHash, graph.Len()); err != nil {
		o.mu.Lock()
		o.current = nil
		close(done)
		o.mu.Unlock()
		return "", fmt.Errorf("failed to create build record: %w", err)
	}

	o.addDocument(ctx, Document{
		BuildID: id,
		Type:    "config",
		Title:   "Build Configuration",
		Content: MarshalStageDefs(defs),
		Metadata: map[string]string{
			"config_hash":  build.ConfigHash,
			"total_stages": fmt.Sprintf("%d", graph.Len()),
		},
	})

	if env, err := CaptureEnvironment(""); err != nil {
		debugf("environment capture failed: %v\n", err)
	} else if err := o.store.SaveEnvironment(ctx, id, *env); err != nil {
		debugf("environment save failed: %v\n", err)
	}

	go o.executeBuild(build, done)

	return id, nil
}

// CancelBuild requests cooperative cancellation. The flag is honored at
// stage boundaries; an in-flight external command runs to completion.
func (o *Orchestrator) CancelBuild(buildID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.ID != buildID {
		return ErrBuildNotFound
	}
	o.cancelRequested.Store(true)
	return nil
}

// Wait blocks until the current build's walk finishes. Returns immediately
// when no build was ever started.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Snapshot returns a point-in-time view of the build.
func (o *Orchestrator) Snapshot(buildID string) (BuildSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil || o.current.ID != buildID {
		return BuildSnapshot{}, ErrBuildNotFound
	}
	snap := BuildSnapshot{
		ID:              o.current.ID,
		Status:          o.current.Status,
		TotalStages:     o.current.Graph.Len(),
		CompletedStages: o.current.CompletedStages,
		Stages:          make(map[string]StageStatus, o.current.Graph.Len()),
	}
	for _, st := range o.current.Graph.OrderedStages() {
		snap.Stages[st.Def.Name] = st.Status
	}
	return snap, nil
}

// Guidance computes recommendations for a failed stage on demand.
func (o *Orchestrator) Guidance(ctx context.Context, buildID, stageName, errorText string) (*GuidanceResult, error) {
	return o.guidance.Recommend(ctx, buildID, stageName, errorText)
}

// RecordRemedyOutcome persists the result of an attempted fix so future
// guidance can rank it.
func (o *Orchestrator) RecordRemedyOutcome(ctx context.Context, outcome RemedyOutcome) error {
	return o.store.RecordRemedyOutcome(ctx, outcome)
}

// RollbackStage runs the stage's rollback command. An explicit, separate
// operation: it is never triggered by failure and reports its own outcome
// independently of the main state machine.
func (o *Orchestrator) RollbackStage(ctx context.Context, buildID, stageName string) error {
	o.mu.Lock()
	if o.current == nil || o.current.ID != buildID {
		o.mu.Unlock()
		return ErrBuildNotFound
	}
	stage := o.current.Graph.Stage(stageName)
	o.mu.Unlock()

	if stage == nil {
		return ErrStageNotFound
	}
	if stage.Def.RollbackCommand == "" {
		return ErrNoRollbackCommand
	}

	runner := o.newRunner(stageName)
	res, err := runner.Run(ctx, stage.Def.RollbackCommand, nil)
	if err != nil {
		o.addDocument(ctx, Document{
			BuildID:  buildID,
			Type:     "error",
			Title:    "Rollback Failed: " + stageName,
			Content:  err.Error(),
			Metadata: map[string]string{"rollback": "true"},
		})
		return err
	}

	o.addDocument(ctx, Document{
		BuildID: buildID,
		Type:    "log",
		Title:   "Rollback: " + stageName,
		Content: fmt.Sprintf("Command: %s\n\nOutput:\n%s\nErrors:\n%s", stage.Def.RollbackCommand, res.Stdout, res.Stderr),
		Metadata: map[string]string{
			"rollback":  "true",
			"exit_code": fmt.Sprintf("%d", res.ExitCode),
		},
	})

	if res.ExitCode != 0 {
		return fmt.Errorf("rollback command for %s exited with code %d", stageName, res.ExitCode)
	}
	return nil
}

func (o *Orchestrator) newRunner(stageName string) *ProcessRunner {
	r := &ProcessRunner{Shell: o.runnerShell}
	if o.onProgress != nil {
		cb := o.onProgress
		r.OnProgress = func(snap ProgressSnapshot) { cb(stageName, snap) }
	}
	if o.onHardError != nil {
		cb := o.onHardError
		r.OnHardError = func(line string) { cb(stageName, line) }
	}
	return r
}

// executeBuild is the dedicated background walk. All persistence from here
// uses a fresh context: the caller's context must not cancel writes that
// explain a terminal state. done is this build's own channel; a completion
// handler may start a successor build before this goroutine exits.
func (o *Orchestrator) executeBuild(b *Build, done chan struct{}) {
	ctx := context.Background()

	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("unexpected internal error: %v", r)
			o.finishBuild(ctx, b, BuildFailed, "Build Exception", reason)
			o.emit(EventBuildFailed, Event{BuildID: b.ID, BuildStatus: BuildFailed, Reason: reason})
		}
	}()

	for _, stage := range b.Graph.OrderedStages() {
		if o.beforeStage != nil {
			o.beforeStage(b, stage)
		}

		// Cancellation is cooperative and checked only at stage
		// boundaries; remaining stages stay pending.
		if o.cancelRequested.Load() {
			o.finishBuild(ctx, b, BuildCancelled, "Build Cancelled",
				fmt.Sprintf("cancellation requested; %d of %d stages completed", b.CompletedStages, b.Graph.Len()))
			o.emit(EventBuildCompleted, Event{BuildID: b.ID, BuildStatus: BuildCancelled})
			return
		}

		// Dependency satisfaction is re-evaluated immediately before each
		// stage; upstream status can change mid-run.
		if missing := b.Graph.UnsatisfiedDependencies(stage); len(missing) > 0 {
			depErr := &DependencyUnmetError{Stage: stage.Def.Name, Missing: missing}
			o.setStageStatus(b, stage, StageFailed)
			stage.Error = depErr.Error()
			o.appendStageLog(ctx, b, stage, "", depErr.Error())
			o.addDocument(ctx, Document{
				BuildID:  b.ID,
				Type:     "error",
				Title:    "Dependency Unmet: " + stage.Def.Name,
				Content:  depErr.Error(),
				Metadata: map[string]string{"stage": stage.Def.Name},
			})
			o.emit(EventStageCompleted, Event{
				BuildID: b.ID, Stage: stage.Def.Name, StageStatus: StageFailed, Reason: depErr.Error(),
			})
			o.finishBuild(ctx, b, BuildFailed, "Build Failed", depErr.Error())
			o.emit(EventBuildFailed, Event{BuildID: b.ID, Stage: stage.Def.Name, BuildStatus: BuildFailed, Reason: depErr.Error()})
			return
		}

		o.runStage(ctx, b, stage)

		// A stage that succeeded counts even when a cancel arrived while it
		// was running.
		if stage.Status == StageSuccess {
			o.mu.Lock()
			b.CompletedStages++
			completed := b.CompletedStages
			o.mu.Unlock()
			if err := o.store.UpdateBuildStatus(ctx, b.ID, BuildRunning, completed); err != nil {
				debugf("build status update failed: %v\n", err)
			}
		}

		// A cancel requested while the stage was running wins over the
		// stage's own outcome: the build ends cancelled, not failed.
		if o.cancelRequested.Load() {
			o.finishBuild(ctx, b, BuildCancelled, "Build Cancelled",
				fmt.Sprintf("cancellation requested during stage %s", stage.Def.Name))
			o.emit(EventBuildCompleted, Event{BuildID: b.ID, BuildStatus: BuildCancelled})
			return
		}

		if stage.Status == StageFailed {
			reason := fmt.Sprintf("stage %s failed", stage.Def.Name)
			o.finishBuild(ctx, b, BuildFailed, "Build Failed", reason)
			o.emit(EventBuildFailed, Event{BuildID: b.ID, Stage: stage.Def.Name, BuildStatus: BuildFailed, Reason: reason})
			return
		}
	}

	o.finishBuild(ctx, b, BuildSuccess, "Build Completed",
		fmt.Sprintf("all %d stages completed successfully", b.Graph.Len()))
	o.emit(EventBuildCompleted, Event{BuildID: b.ID, BuildStatus: BuildSuccess})
}

// runStage executes one stage through the ProcessRunner, classifies a
// failure and emits the stage events. Analysis errors are contained here:
// they must never mask the stage outcome they try to explain.
func (o *Orchestrator) runStage(ctx context.Context, b *Build, stage *BuildStage) {
	o.setStageStatus(b, stage, StageRunning)
	o.appendStageLog(ctx, b, stage, "", "")
	o.emit(EventStageStarted, Event{BuildID: b.ID, Stage: stage.Def.Name, StageStatus: StageRunning})

	runner := o.newRunner(stage.Def.Name)

	var res *RunResult
	var runErr error
	body := func(env []string) error {
		r, err := runner.Run(ctx, stage.Def.Command, env)
		res = r
		return err
	}

	if stage.Def.Elevated {
		o.emit(EventPrivilegeRequired, Event{BuildID: b.ID, Stage: stage.Def.Name})
		var elev Elevation
		elev, runErr = o.broker.WithElevatedEnvironment(o.sudoSecret, body)
		if elev.Skipped {
			o.addDocument(ctx, Document{
				BuildID:  b.ID,
				Type:     "log",
				Title:    "Privilege Setup Skipped: " + stage.Def.Name,
				Content:  "no elevation secret configured; stage ran without the credential relay",
				Metadata: map[string]string{"stage": stage.Def.Name},
			})
		}
		if elev.SetupErr != nil {
			o.addDocument(ctx, Document{
				BuildID:  b.ID,
				Type:     "error",
				Title:    "Privilege Setup Error: " + stage.Def.Name,
				Content:  elev.SetupErr.Error(),
				Metadata: map[string]string{"stage": stage.Def.Name},
			})
		}
	} else {
		runErr = body(nil)
	}

	var matches []PatternMatch
	var guidance *GuidanceResult

	switch {
	case runErr != nil:
		// The command never ran (or died outside its own control). Same
		// state transition as a failure, different paper trail.
		o.setStageStatus(b, stage, StageFailed)
		stage.Error = runErr.Error()
		o.appendStageLog(ctx, b, stage, "", runErr.Error())
		title := "Stage Error: " + stage.Def.Name
		if isLaunchError(runErr) {
			title = "Stage Launch Failed: " + stage.Def.Name
		}
		o.addDocument(ctx, Document{
			BuildID: b.ID,
			Type:    "error",
			Title:   title,
			Content: fmt.Sprintf("Command: %s\n\nError:\n%s", stage.Def.Command, runErr.Error()),
			Metadata: map[string]string{
				"stage":        stage.Def.Name,
				"launch_error": fmt.Sprintf("%t", isLaunchError(runErr)),
			},
		})
		matches, guidance = o.analyzeFailure(ctx, b, stage, runErr.Error())

	case res.ExitCode == 0:
		stage.Output = res.Stdout
		stage.Error = res.Stderr
		stage.Warnings = res.Warnings
		o.setStageStatus(b, stage, StageSuccess)
		o.appendStageLog(ctx, b, stage, res.Stdout, res.Stderr)
		o.addDocument(ctx, Document{
			BuildID: b.ID,
			Type:    "log",
			Title:   "Stage: " + stage.Def.Name,
			Content: stageDocumentBody(stage.Def.Command, res),
			Metadata: map[string]string{
				"stage":     stage.Def.Name,
				"exit_code": "0",
			},
		})

	default:
		stage.Output = res.Stdout
		stage.Error = res.Stderr
		stage.Warnings = res.Warnings
		o.setStageStatus(b, stage, StageFailed)
		o.appendStageLog(ctx, b, stage, res.Stdout, res.Stderr)
		o.addDocument(ctx, Document{
			BuildID: b.ID,
			Type:    "error",
			Title:   "Stage Failed: " + stage.Def.Name,
			Content: stageDocumentBody(stage.Def.Command, res),
			Metadata: map[string]string{
				"stage":     stage.Def.Name,
				"exit_code": fmt.Sprintf("%d", res.ExitCode),
			},
		})
		matches, guidance = o.analyzeFailure(ctx, b, stage, res.Stdout+"\n"+res.Stderr)
	}

	o.emit(EventStageCompleted, Event{
		BuildID:     b.ID,
		Stage:       stage.Def.Name,
		StageStatus: stage.Status,
		Matches:     matches,
		Guidance:    guidance,
	})
}

// analyzeFailure runs the matcher and guidance engine over the failed
// stage's output. Best effort: a panicking or failing analyzer yields
// partial results, never a crashed build.
func (o *Orchestrator) analyzeFailure(ctx context.Context, b *Build, stage *BuildStage, errorText string) (matches []PatternMatch, guidance *GuidanceResult) {
	defer func() {
		if r := recover(); r != nil {
			colWarn.Printf("failure analysis panicked for stage %s: %v\n", stage.Def.Name, r)
			o.addDocument(ctx, Document{
				BuildID:  b.ID,
				Type:     "error",
				Title:    "Analysis Error: " + stage.Def.Name,
				Content:  fmt.Sprintf("failure analysis panicked: %v", r),
				Metadata: map[string]string{"stage": stage.Def.Name},
			})
		}
	}()

	matches = o.matcher.DetectByStage(errorText, []string{stage.Def.Name})
	for i := range matches {
		matches[i].BuildID = b.ID
	}

	g, err := o.guidance.Recommend(ctx, b.ID, stage.Def.Name, errorText)
	if err != nil {
		debugf("guidance failed for stage %s: %v\n", stage.Def.Name, err)
		return matches, nil
	}
	return matches, g
}

func (o *Orchestrator) setStageStatus(b *Build, stage *BuildStage, status StageStatus) {
	o.mu.Lock()
	stage.Status = status
	o.mu.Unlock()
}

// finishBuild records the terminal status exactly once and pairs it with a
// document explaining why. A build is never mutated after its terminal
// status is set.
func (o *Orchestrator) finishBuild(ctx context.Context, b *Build, status BuildStatus, docTitle, reason string) {
	o.mu.Lock()
	if b.Status.Terminal() {
		o.mu.Unlock()
		return
	}
	b.Status = status
	b.EndedAt = time.Now()
	completed := b.CompletedStages
	o.mu.Unlock()

	if err := o.store.UpdateBuildStatus(ctx, b.ID, status, completed); err != nil {
		colWarn.Printf("failed to persist terminal status for %s: %v\n", b.ID, err)
	}

	docType := "summary"
	if status == BuildFailed {
		docType = "error"
	}
	o.addDocument(ctx, Document{
		BuildID:  b.ID,
		Type:     docType,
		Title:    docTitle,
		Content:  reason,
		Metadata: map[string]string{"status": string(status)},
	})

	if o.archive != nil {
		if err := ArchiveBuildLogs(ctx, o.archive, b, o.archiveFormat); err != nil {
			colWarn.Printf("log archive failed for %s: %v\n", b.ID, err)
		}
	}
}

func (o *Orchestrator) appendStageLog(ctx context.Context, b *Build, stage *BuildStage, output, errOutput string) {
	if err := o.store.AppendStageLog(ctx, b.ID, stage.Def.Name, stage.Status, output, errOutput); err != nil {
		debugf("stage log append failed for %s: %v\n", stage.Def.Name, err)
	}
}

func (o *Orchestrator) addDocument(ctx context.Context, doc Document) {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if err := o.store.AddDocument(ctx, doc); err != nil {
		debugf("document write failed (%s): %v\n", doc.Title, err)
	}
}

func isLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

func stageDocumentBody(command string, res *RunResult) string {
	body := fmt.Sprintf("Command: %s\n\nOutput:\n%s\nErrors:\n%s", command, res.Stdout, res.Stderr)
	if res.Warnings != "" {
		body += "\nWarnings:\n" + res.Warnings
	}
	return body
}
