package subaru

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL. It keeps the full history
// across builds so guidance can learn from past runs on the same host.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS builds (
	id               TEXT PRIMARY KEY,
	config_hash      TEXT NOT NULL,
	status           TEXT NOT NULL,
	total_stages     INT NOT NULL,
	completed_stages INT NOT NULL DEFAULT 0,
	started_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	ended_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS build_stage_logs (
	id         BIGSERIAL PRIMARY KEY,
	build_id   TEXT NOT NULL,
	stage_name TEXT NOT NULL,
	status     TEXT NOT NULL,
	output     TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	logged_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_stage_logs_stage ON build_stage_logs (stage_name, logged_at);

CREATE TABLE IF NOT EXISTS build_documents (
	id         BIGSERIAL PRIMARY KEY,
	build_id   TEXT NOT NULL,
	doc_type   TEXT NOT NULL,
	title      TEXT NOT NULL,
	content    TEXT NOT NULL,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_documents_build ON build_documents (build_id, created_at);

CREATE TABLE IF NOT EXISTS remedy_outcomes (
	id           BIGSERIAL PRIMARY KEY,
	build_id     TEXT NOT NULL,
	pattern_name TEXT NOT NULL,
	commands     JSONB NOT NULL,
	success      BOOLEAN NOT NULL,
	recovery_ms  BIGINT NOT NULL DEFAULT 0,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_remedy_pattern ON remedy_outcomes (pattern_name, recorded_at);

CREATE TABLE IF NOT EXISTS build_environments (
	build_id        TEXT PRIMARY KEY,
	hostname        TEXT NOT NULL DEFAULT '',
	total_memory_gb DOUBLE PRECISION NOT NULL DEFAULT 0,
	free_disk_gb    DOUBLE PRECISION NOT NULL DEFAULT 0,
	cpu_cores       INT NOT NULL DEFAULT 0,
	captured_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateBuild(ctx context.Context, id, configHash string, totalStages int) error {
	const query = `INSERT INTO builds (id, config_hash, status, total_stages)
		VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, query, id, configHash, string(BuildRunning), totalStages)
	return err
}

func (s *PostgresStore) UpdateBuildStatus(ctx context.Context, id string, status BuildStatus, completedStages int) error {
	const query = `UPDATE builds
		SET status = $2,
			completed_stages = $3,
			ended_at = CASE WHEN $4 AND ended_at IS NULL THEN NOW() ELSE ended_at END
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status), completedStages, status.Terminal())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBuildNotFound
	}
	return nil
}

func (s *PostgresStore) AppendStageLog(ctx context.Context, buildID, stageName string, status StageStatus, output, errOutput string) error {
	const query = `INSERT INTO build_stage_logs (build_id, stage_name, status, output, error)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, query, buildID, stageName, string(status), output, errOutput)
	return err
}

func (s *PostgresStore) AddDocument(ctx context.Context, doc Document) error {
	var metadata any
	if len(doc.Metadata) > 0 {
		data, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode document metadata: %w", err)
		}
		metadata = data
	}
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	const query = `INSERT INTO build_documents (build_id, doc_type, title, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query, doc.BuildID, doc.Type, doc.Title, doc.Content, metadata, createdAt)
	return err
}

// StageHistory replays the stage's log rows since the cutoff and aggregates
// attempts, outcomes and durations. Durations pair each terminal row with
// the running row of the same build.
func (s *PostgresStore) StageHistory(ctx context.Context, stageName string, since time.Time) (StageHistory, error) {
	const query = `SELECT build_id, status, logged_at
		FROM build_stage_logs
		WHERE stage_name = $1 AND logged_at >= $2
		ORDER BY logged_at ASC`
	rows, err := s.pool.Query(ctx, query, stageName, since)
	if err != nil {
		return StageHistory{}, err
	}
	defer rows.Close()

	var hist StageHistory
	started := make(map[string]time.Time)
	var totalDur time.Duration
	var durSamples int

	for rows.Next() {
		var buildID, status string
		var loggedAt time.Time
		if err := rows.Scan(&buildID, &status, &loggedAt); err != nil {
			return StageHistory{}, err
		}
		switch StageStatus(status) {
		case StageRunning:
			started[buildID] = loggedAt
		case StageSuccess:
			hist.Attempts++
			hist.Successes++
			if t, ok := started[buildID]; ok {
				totalDur += loggedAt.Sub(t)
				durSamples++
			}
		case StageFailed:
			hist.Attempts++
			hist.Failures++
			if t, ok := started[buildID]; ok {
				totalDur += loggedAt.Sub(t)
				durSamples++
			}
		}
	}
	if durSamples > 0 {
		hist.AvgDuration = totalDur / time.Duration(durSamples)
	}
	return hist, rows.Err()
}

// RemedyOutcomes aggregates successful outcomes per distinct command
// sequence, most used first.
func (s *PostgresStore) RemedyOutcomes(ctx context.Context, patternNames []string, since time.Time) ([]RemedyStats, error) {
	if len(patternNames) == 0 {
		return nil, nil
	}
	const query = `SELECT pattern_name, commands::text, COUNT(*), AVG(recovery_ms)
		FROM remedy_outcomes
		WHERE success AND pattern_name = ANY($1) AND recorded_at >= $2
		GROUP BY pattern_name, commands::text
		ORDER BY COUNT(*) DESC, AVG(recovery_ms) ASC`
	rows, err := s.pool.Query(ctx, query, patternNames, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []RemedyStats
	for rows.Next() {
		var (
			st          RemedyStats
			commandsRaw string
			avgMS       float64
		)
		if err := rows.Scan(&st.PatternName, &commandsRaw, &st.UsageCount, &avgMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(commandsRaw), &st.Commands); err != nil {
			return nil, fmt.Errorf("failed to decode remedy commands: %w", err)
		}
		st.AvgRecoveryTime = time.Duration(avgMS) * time.Millisecond
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) RecordRemedyOutcome(ctx context.Context, outcome RemedyOutcome) error {
	commands, err := json.Marshal(outcome.Commands)
	if err != nil {
		return fmt.Errorf("failed to encode remedy commands: %w", err)
	}
	recordedAt := outcome.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	const query = `INSERT INTO remedy_outcomes (build_id, pattern_name, commands, success, recovery_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = s.pool.Exec(ctx, query,
		outcome.BuildID,
		outcome.PatternName,
		commands,
		outcome.Success,
		outcome.RecoveryTime.Milliseconds(),
		recordedAt,
	)
	return err
}

func (s *PostgresStore) SaveEnvironment(ctx context.Context, buildID string, env EnvironmentInfo) error {
	const query = `INSERT INTO build_environments (build_id, hostname, total_memory_gb, free_disk_gb, cpu_cores, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (build_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			total_memory_gb = EXCLUDED.total_memory_gb,
			free_disk_gb = EXCLUDED.free_disk_gb,
			cpu_cores = EXCLUDED.cpu_cores,
			captured_at = EXCLUDED.captured_at`
	_, err := s.pool.Exec(ctx, query,
		buildID, env.Hostname, env.TotalMemoryGB, env.FreeDiskGB, env.CPUCores, env.CapturedAt)
	return err
}

func (s *PostgresStore) Environment(ctx context.Context, buildID string) (*EnvironmentInfo, error) {
	const query = `SELECT hostname, total_memory_gb, free_disk_gb, cpu_cores, captured_at
		FROM build_environments WHERE build_id = $1`
	row := s.pool.QueryRow(ctx, query, buildID)
	var env EnvironmentInfo
	if err := row.Scan(&env.Hostname, &env.TotalMemoryGB, &env.FreeDiskGB, &env.CPUCores, &env.CapturedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &env, nil
}

var _ Store = (*PostgresStore)(nil)
