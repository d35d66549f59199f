package subaru

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *MemStore) {
	t.Helper()
	store := NewMemStore()
	return NewOrchestrator(Options{Store: store}), store
}

// eventLog collects events; safe to read after Wait().
type eventLog struct {
	events []Event
}

func (l *eventLog) record(ev Event) { l.events = append(l.events, ev) }

func (l *eventLog) kinds(orch *Orchestrator) *eventLog {
	orch.Subscribe(EventStageStarted, l.record)
	orch.Subscribe(EventStageCompleted, l.record)
	orch.Subscribe(EventBuildCompleted, l.record)
	orch.Subscribe(EventBuildFailed, l.record)
	orch.Subscribe(EventPrivilegeRequired, l.record)
	return l
}

func docTitles(store *MemStore, buildID string) []string {
	var titles []string
	for _, d := range store.Documents(buildID) {
		titles = append(titles, d.Title)
	}
	return titles
}

func TestStartBuild_Success(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	log := (&eventLog{}).kinds(orch)

	defs := []StageDef{
		{Name: "a", Order: 1, Command: "echo first"},
		{Name: "b", Order: 2, Command: "echo second", Dependencies: []string{"a"}},
	}

	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	assert.Contains(t, id, "build-")
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildSuccess, snap.Status)
	assert.Equal(t, 2, snap.CompletedStages)
	assert.Equal(t, StageSuccess, snap.Stages["a"])
	assert.Equal(t, StageSuccess, snap.Stages["b"])

	status, completed, total, ok := store.BuildRecord(id)
	require.True(t, ok)
	assert.Equal(t, BuildSuccess, status)
	assert.Equal(t, 2, completed)
	assert.Equal(t, 2, total)

	titles := docTitles(store, id)
	assert.Contains(t, titles, "Build Configuration")
	assert.Contains(t, titles, "Stage: a")
	assert.Contains(t, titles, "Stage: b")
	assert.Contains(t, titles, "Build Completed")

	last := log.events[len(log.events)-1]
	assert.Equal(t, BuildSuccess, last.BuildStatus)
}

// TestStartBuild_StageFailureStopsWalk verifies a failed stage halts the
// build and downstream stages stay pending.
func TestStartBuild_StageFailureStopsWalk(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	log := (&eventLog{}).kinds(orch)

	defs := []StageDef{
		{Name: "a", Order: 1, Command: "echo 'no space left on device' >&2; exit 1"},
		{Name: "b", Order: 2, Command: "echo never", Dependencies: []string{"a"}},
	}

	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildFailed, snap.Status)
	assert.Equal(t, 0, snap.CompletedStages)
	assert.Equal(t, StageFailed, snap.Stages["a"])
	assert.Equal(t, StagePending, snap.Stages["b"])

	titles := docTitles(store, id)
	assert.Contains(t, titles, "Stage Failed: a")
	assert.Contains(t, titles, "Build Failed")

	// The stage-completed event carries classification and guidance.
	var stageEv *Event
	for i := range log.events {
		if log.events[i].Stage == "a" && log.events[i].StageStatus == StageFailed {
			stageEv = &log.events[i]
		}
	}
	require.NotNil(t, stageEv)
	require.NotEmpty(t, stageEv.Matches)
	assert.Equal(t, "Disk Space Full", stageEv.Matches[0].PatternName)
	assert.Equal(t, id, stageEv.Matches[0].BuildID)
	require.NotNil(t, stageEv.Guidance)
	assert.NotEmpty(t, stageEv.Guidance.Recommendations)

	last := log.events[len(log.events)-1]
	assert.Equal(t, BuildFailed, last.BuildStatus)
}

func TestStartBuild_InvalidDefinitions(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	_, err := orch.StartBuild(context.Background(), nil, "")
	var defErr *DefinitionError
	assert.ErrorAs(t, err, &defErr)
}

func TestStartBuild_AlreadyRunning(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	defs := []StageDef{{Name: "slow", Order: 1, Command: "sleep 0.5"}}
	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)

	_, err = orch.StartBuild(context.Background(), defs, "")
	assert.ErrorIs(t, err, ErrBuildAlreadyRunning)

	require.NoError(t, orch.CancelBuild(id))
	orch.Wait()

	// A terminal build releases the slot.
	_, err = orch.StartBuild(context.Background(), []StageDef{{Name: "ok", Order: 1, Command: "true"}}, "")
	require.NoError(t, err)
	orch.Wait()
}

// TestCancelBuild_BeforeFirstStage verifies cancellation at the first stage
// boundary leaves every stage pending.
func TestCancelBuild_BeforeFirstStage(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	log := (&eventLog{}).kinds(orch)

	defs := []StageDef{
		{Name: "a", Order: 1, Command: "echo a"},
		{Name: "b", Order: 2, Command: "echo b", Dependencies: []string{"a"}},
	}

	orch.beforeStage = func(b *Build, st *BuildStage) {
		if st.Def.Name == "a" {
			_ = orch.CancelBuild(b.ID)
		}
	}

	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildCancelled, snap.Status)
	assert.Equal(t, 0, snap.CompletedStages)
	assert.Equal(t, StagePending, snap.Stages["a"])
	assert.Equal(t, StagePending, snap.Stages["b"])

	status, _, _, ok := store.BuildRecord(id)
	require.True(t, ok)
	assert.Equal(t, BuildCancelled, status)

	last := log.events[len(log.events)-1]
	assert.Equal(t, BuildCancelled, last.BuildStatus)
}

// TestCancelBuild_DuringStage verifies a cancel requested mid-stage lets the
// stage finish and wins over the stage's own failure.
func TestCancelBuild_DuringStage(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	marker := filepath.Join(t.TempDir(), "ran")
	defs := []StageDef{
		{Name: "a", Order: 1, Command: "echo a"},
		{Name: "b", Order: 2, Command: "touch " + marker + "; exit 1", Dependencies: []string{"a"}},
	}

	var id string
	orch.Subscribe(EventStageStarted, func(ev Event) {
		if ev.Stage == "b" {
			_ = orch.CancelBuild(id)
		}
	})

	var err error
	id, err = orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildCancelled, snap.Status, "cancellation outranks the in-flight stage's failure")
	assert.Equal(t, StageFailed, snap.Stages["b"], "the stage itself still ran to completion")
	assert.Equal(t, 1, snap.CompletedStages)

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "in-flight command must not be killed")
}

// TestCancelDuringSuccessfulStage_CountsStage verifies a stage that succeeds
// while a cancel is pending is still counted as completed.
func TestCancelDuringSuccessfulStage_CountsStage(t *testing.T) {
	orch, store := newTestOrchestrator(t)

	defs := []StageDef{
		{Name: "a", Order: 1, Command: "echo a"},
		{Name: "b", Order: 2, Command: "echo b", Dependencies: []string{"a"}},
	}

	orch.Subscribe(EventStageStarted, func(ev Event) {
		if ev.Stage == "a" {
			_ = orch.CancelBuild(ev.BuildID)
		}
	})

	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildCancelled, snap.Status)
	assert.Equal(t, StageSuccess, snap.Stages["a"])
	assert.Equal(t, 1, snap.CompletedStages, "the successful stage counts despite the pending cancel")
	assert.Equal(t, StagePending, snap.Stages["b"])

	_, completed, _, ok := store.BuildRecord(id)
	require.True(t, ok)
	assert.Equal(t, 1, completed)
}

func TestCancelBuild_UnknownBuild(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	assert.ErrorIs(t, orch.CancelBuild("nope"), ErrBuildNotFound)
}

// TestDependencyUnmet verifies the pre-stage dependency re-check fails the
// build when an upstream stage is no longer successful.
func TestDependencyUnmet(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	log := (&eventLog{}).kinds(orch)

	defs := []StageDef{
		{Name: "a", Order: 1, Command: "echo a"},
		{Name: "b", Order: 2, Command: "echo b", Dependencies: []string{"a"}},
	}

	orch.beforeStage = func(b *Build, st *BuildStage) {
		// Simulate upstream state changing between stages.
		if st.Def.Name == "b" {
			b.Graph.Stage("a").Status = StageFailed
		}
	}

	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildFailed, snap.Status)
	assert.Equal(t, StageFailed, snap.Stages["b"])

	assert.Contains(t, docTitles(store, id), "Dependency Unmet: b")

	var ev *Event
	for i := range log.events {
		if log.events[i].Stage == "b" && log.events[i].StageStatus == StageFailed {
			ev = &log.events[i]
		}
	}
	require.NotNil(t, ev)
	assert.Contains(t, ev.Reason, "dependency unmet")
	assert.Contains(t, ev.Reason, "a")
}

// TestElevatedStage_NoSecret verifies the skip is recorded and the stage
// still runs unprivileged.
func TestElevatedStage_NoSecret(t *testing.T) {
	orch, store := newTestOrchestrator(t)

	var privilegeStage string
	orch.Subscribe(EventPrivilegeRequired, func(ev Event) { privilegeStage = ev.Stage })

	defs := []StageDef{{Name: "priv", Order: 1, Command: "echo ran", Elevated: true}}

	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildSuccess, snap.Status)

	assert.Contains(t, docTitles(store, id), "Privilege Setup Skipped: priv")
	assert.Equal(t, "priv", privilegeStage)
}

func TestNamedBuild(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	defs := []StageDef{{Name: "a", Order: 1, Command: "true"}}

	id, err := orch.StartBuild(context.Background(), defs, "nightly-42")
	require.NoError(t, err)
	assert.Equal(t, "nightly-42", id)
	orch.Wait()
}

// TestLaunchFailure_Document verifies "never ran" gets its own paper trail,
// distinct from "ran and failed".
func TestLaunchFailure_Document(t *testing.T) {
	store := NewMemStore()
	orch := NewOrchestrator(Options{Store: store})
	orch.runnerShell = "/nonexistent/shell"

	defs := []StageDef{{Name: "a", Order: 1, Command: "echo hi"}}
	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildFailed, snap.Status)
	assert.Contains(t, docTitles(store, id), "Stage Launch Failed: a")
}

func TestSnapshot_UnknownBuild(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	_, err := orch.Snapshot("missing")
	assert.ErrorIs(t, err, ErrBuildNotFound)
}

func TestRollbackStage(t *testing.T) {
	orch, store := newTestOrchestrator(t)

	marker := filepath.Join(t.TempDir(), "rolled-back")
	defs := []StageDef{
		{Name: "a", Order: 1, Command: "exit 1", RollbackCommand: "touch " + marker},
		{Name: "plain", Order: 2, Command: "true", Dependencies: []string{"a"}},
	}

	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	require.Equal(t, BuildFailed, snap.Status)

	// Rollback is explicit, never automatic: the marker must not exist yet.
	_, statErr := os.Stat(marker)
	require.True(t, os.IsNotExist(statErr))

	require.NoError(t, orch.RollbackStage(context.Background(), id, "a"))
	_, statErr = os.Stat(marker)
	assert.NoError(t, statErr)

	assert.Contains(t, docTitles(store, id), "Rollback: a")

	// State machine untouched by the rollback.
	snap, err = orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildFailed, snap.Status)
	assert.Equal(t, StageFailed, snap.Stages["a"])

	assert.ErrorIs(t, orch.RollbackStage(context.Background(), id, "plain"), ErrNoRollbackCommand)
	assert.ErrorIs(t, orch.RollbackStage(context.Background(), id, "ghost"), ErrStageNotFound)
	assert.ErrorIs(t, orch.RollbackStage(context.Background(), "other", "a"), ErrBuildNotFound)
}

func TestRollbackStage_CommandFails(t *testing.T) {
	orch, store := newTestOrchestrator(t)

	defs := []StageDef{{Name: "a", Order: 1, Command: "exit 1", RollbackCommand: "exit 7"}}
	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	err = orch.RollbackStage(context.Background(), id, "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 7")
	assert.Contains(t, docTitles(store, id), "Rollback: a")
}

// TestEnvironmentSnapshotSaved verifies the host snapshot lands in the store
// at build start.
func TestEnvironmentSnapshotSaved(t *testing.T) {
	orch, store := newTestOrchestrator(t)

	defs := []StageDef{{Name: "a", Order: 1, Command: "true"}}
	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	env, err := store.Environment(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Greater(t, env.CPUCores, 0)
	assert.Greater(t, env.TotalMemoryGB, 0.0)
}

// TestWarningsDoNotFailStage verifies warning-only stderr leaves the stage
// successful.
func TestWarningsDoNotFailStage(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	defs := []StageDef{{Name: "a", Order: 1, Command: `echo "warning: old api" >&2`}}
	id, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)
	orch.Wait()

	snap, err := orch.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, BuildSuccess, snap.Status)
}

// TestBuildCompletionHandlerStartsNextBuild verifies a completion handler can
// chain a follow-up build: each build goroutine closes its own done channel,
// so neither run hangs or double-closes when o.done is already the
// successor's.
func TestBuildCompletionHandlerStartsNextBuild(t *testing.T) {
	orch, store := newTestOrchestrator(t)

	defs := []StageDef{{Name: "a", Order: 1, Command: "true"}}

	var secondID string
	secondDone := make(chan struct{})
	first := true
	orch.Subscribe(EventBuildCompleted, func(ev Event) {
		if first {
			first = false
			id, err := orch.StartBuild(context.Background(), defs, "follow-up")
			if err == nil {
				secondID = id
			}
			return
		}
		close(secondDone)
	})

	firstID, err := orch.StartBuild(context.Background(), defs, "")
	require.NoError(t, err)

	select {
	case <-secondDone:
	case <-time.After(10 * time.Second):
		t.Fatal("chained build did not complete")
	}
	orch.Wait()

	require.Equal(t, "follow-up", secondID)
	for _, id := range []string{firstID, secondID} {
		status, _, _, ok := store.BuildRecord(id)
		require.True(t, ok, id)
		assert.Equal(t, BuildSuccess, status, id)
	}
}

func TestRecordRemedyOutcome_RoundTrip(t *testing.T) {
	orch, store := newTestOrchestrator(t)
	ctx := context.Background()

	outcome := RemedyOutcome{
		BuildID:     "b1",
		PatternName: "Disk Space Full",
		Commands:    []string{"df -h"},
		Success:     true,
	}
	require.NoError(t, orch.RecordRemedyOutcome(ctx, outcome))

	stats, err := store.RemedyOutcomes(ctx, []string{"Disk Space Full"}, outcome.RecordedAt)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].UsageCount)
}
