package subaru

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store. It backs storeless CLI runs and tests;
// production deployments use PostgresStore.
type MemStore struct {
	mu sync.Mutex

	builds    map[string]*memBuild
	stageLogs []memStageLog
	documents []Document
	outcomes  []RemedyOutcome
	envs      map[string]EnvironmentInfo
}

type memBuild struct {
	ID              string
	ConfigHash      string
	Status          BuildStatus
	TotalStages     int
	CompletedStages int
	StartedAt       time.Time
	EndedAt         time.Time
}

type memStageLog struct {
	BuildID   string
	StageName string
	Status    StageStatus
	Output    string
	Error     string
	LoggedAt  time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		builds: make(map[string]*memBuild),
		envs:   make(map[string]EnvironmentInfo),
	}
}

func (s *MemStore) CreateBuild(_ context.Context, id, configHash string, totalStages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.builds[id]; exists {
		return fmt.Errorf("build %s already exists", id)
	}
	s.builds[id] = &memBuild{
		ID:          id,
		ConfigHash:  configHash,
		Status:      BuildRunning,
		TotalStages: totalStages,
		StartedAt:   time.Now(),
	}
	return nil
}

func (s *MemStore) UpdateBuildStatus(_ context.Context, id string, status BuildStatus, completedStages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.builds[id]
	if !ok {
		return ErrBuildNotFound
	}
	b.Status = status
	b.CompletedStages = completedStages
	if status.Terminal() && b.EndedAt.IsZero() {
		b.EndedAt = time.Now()
	}
	return nil
}

func (s *MemStore) AppendStageLog(_ context.Context, buildID, stageName string, status StageStatus, output, errOutput string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageLogs = append(s.stageLogs, memStageLog{
		BuildID:   buildID,
		StageName: stageName,
		Status:    status,
		Output:    output,
		Error:     errOutput,
		LoggedAt:  time.Now(),
	})
	return nil
}

func (s *MemStore) AddDocument(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	s.documents = append(s.documents, doc)
	return nil
}

func (s *MemStore) StageHistory(_ context.Context, stageName string, since time.Time) (StageHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hist StageHistory
	started := make(map[string]time.Time) // buildID -> running timestamp
	var totalDur time.Duration
	var durSamples int

	for _, l := range s.stageLogs {
		if l.StageName != stageName || l.LoggedAt.Before(since) {
			continue
		}
		switch l.Status {
		case StageRunning:
			started[l.BuildID] = l.LoggedAt
		case StageSuccess:
			hist.Attempts++
			hist.Successes++
			if t, ok := started[l.BuildID]; ok {
				totalDur += l.LoggedAt.Sub(t)
				durSamples++
			}
		case StageFailed:
			hist.Attempts++
			hist.Failures++
			if t, ok := started[l.BuildID]; ok {
				totalDur += l.LoggedAt.Sub(t)
				durSamples++
			}
		}
	}
	if durSamples > 0 {
		hist.AvgDuration = totalDur / time.Duration(durSamples)
	}
	return hist, nil
}

func (s *MemStore) RemedyOutcomes(_ context.Context, patternNames []string, since time.Time) ([]RemedyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(patternNames))
	for _, n := range patternNames {
		wanted[n] = true
	}

	type agg struct {
		stats RemedyStats
		total time.Duration
	}
	groups := make(map[string]*agg)

	for _, o := range s.outcomes {
		if !o.Success || o.RecordedAt.Before(since) || !wanted[o.PatternName] {
			continue
		}
		key := o.PatternName + "\x00" + strings.Join(o.Commands, "\x00")
		a, ok := groups[key]
		if !ok {
			a = &agg{stats: RemedyStats{
				PatternName: o.PatternName,
				Commands:    append([]string(nil), o.Commands...),
			}}
			groups[key] = a
		}
		a.stats.UsageCount++
		a.total += o.RecoveryTime
	}

	var stats []RemedyStats
	for _, a := range groups {
		a.stats.AvgRecoveryTime = a.total / time.Duration(a.stats.UsageCount)
		stats = append(stats, a.stats)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].UsageCount != stats[j].UsageCount {
			return stats[i].UsageCount > stats[j].UsageCount
		}
		return stats[i].AvgRecoveryTime < stats[j].AvgRecoveryTime
	})
	return stats, nil
}

func (s *MemStore) RecordRemedyOutcome(_ context.Context, outcome RemedyOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now()
	}
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *MemStore) SaveEnvironment(_ context.Context, buildID string, env EnvironmentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs[buildID] = env
	return nil
}

func (s *MemStore) Environment(_ context.Context, buildID string) (*EnvironmentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[buildID]
	if !ok {
		return nil, nil
	}
	return &env, nil
}

// Documents returns the documents recorded for a build, in append order.
func (s *MemStore) Documents(buildID string) []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs []Document
	for _, d := range s.documents {
		if d.BuildID == buildID {
			docs = append(docs, d)
		}
	}
	return docs
}

// BuildRecord returns the persisted build row, or nil.
func (s *MemStore) BuildRecord(buildID string) (status BuildStatus, completed, total int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, found := s.builds[buildID]
	if !found {
		return "", 0, 0, false
	}
	return b.Status, b.CompletedStages, b.TotalStages, true
}

var _ Store = (*MemStore)(nil)
