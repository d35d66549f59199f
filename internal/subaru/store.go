package subaru

import (
	"context"
	"time"
)

// Document is one human-readable record attached to a build: progress
// notes, captured error output, terminal-state explanations.
type Document struct {
	BuildID   string
	Type      string // config, log, error, summary
	Title     string
	Content   string
	Metadata  map[string]string
	CreatedAt time.Time
}

// StageHistory aggregates the persisted history of one stage name across
// past builds.
type StageHistory struct {
	Attempts    int
	Successes   int
	Failures    int
	AvgDuration time.Duration
}

// SuccessRate returns the stage's historical success rate in percent.
func (h StageHistory) SuccessRate() float64 {
	if h.Attempts == 0 {
		return 0
	}
	return float64(h.Successes) / float64(h.Attempts) * 100
}

// RemedyOutcome is one persisted record of "pattern X was remediated by
// command sequence Y with result success/failure in Z seconds".
type RemedyOutcome struct {
	BuildID      string
	PatternName  string
	Commands     []string
	Success      bool
	RecoveryTime time.Duration
	RecordedAt   time.Time
}

// RemedyStats aggregates successful outcomes per distinct command sequence.
type RemedyStats struct {
	PatternName     string
	Commands        []string
	UsageCount      int
	AvgRecoveryTime time.Duration
}

// Store is the persistence collaborator. The core only reads and appends;
// it never restructures the underlying history. Each individual write is
// expected to be atomic from the store's perspective.
type Store interface {
	CreateBuild(ctx context.Context, id, configHash string, totalStages int) error
	UpdateBuildStatus(ctx context.Context, id string, status BuildStatus, completedStages int) error
	AppendStageLog(ctx context.Context, buildID, stageName string, status StageStatus, output, errOutput string) error
	AddDocument(ctx context.Context, doc Document) error

	StageHistory(ctx context.Context, stageName string, since time.Time) (StageHistory, error)
	RemedyOutcomes(ctx context.Context, patternNames []string, since time.Time) ([]RemedyStats, error)
	RecordRemedyOutcome(ctx context.Context, outcome RemedyOutcome) error

	SaveEnvironment(ctx context.Context, buildID string, env EnvironmentInfo) error
	// Environment returns nil without error when no snapshot exists.
	Environment(ctx context.Context, buildID string) (*EnvironmentInfo, error)
}
