package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/rules"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Config selects the database behind a SQLStore.
type Config struct {
	Driver string
	DSN    string
}

// SQLStore is a Store on top of SQLite or PostgreSQL.
type SQLStore struct {
	db *sqlx.DB
}

// Open connects to the database and brings its schema up to date.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("store DSN is required")
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var current int
	err = tx.GetContext(ctx, &current, `SELECT version FROM schema_version LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case current > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type runRow struct {
	ID                string                     `db:"id"`
	SuiteID           string                     `db:"suite_id"`
	SuiteVersion      int                        `db:"suite_version"`
	Status            string                     `db:"status"`
	ThresholdSnapshot JSON[map[string]float64]   `db:"threshold_snapshot"`
	PipelineConfig    JSON[map[string]any]       `db:"pipeline_config"`
	Summary           JSON[*eval.SummaryMetrics] `db:"summary"`
	OverallPassed     sql.NullBool               `db:"overall_passed"`
	GateFailures      JSON[[]eval.GateFailure]   `db:"gate_failures"`
	Error             string                     `db:"error"`
	PipelineVersion   string                     `db:"pipeline_version"`
	GitCommitSHA      string                     `db:"git_commit_sha"`
	GitBranch         string                     `db:"git_branch"`
	TriggeredBy       string                     `db:"triggered_by"`
	Notes             string                     `db:"notes"`
	CreatedAt         int64                      `db:"created_at"`
	StartedAt         sql.NullInt64              `db:"started_at"`
	CompletedAt       sql.NullInt64              `db:"completed_at"`
}

const runColumns = `id, suite_id, suite_version, status, threshold_snapshot, pipeline_config,
	summary, overall_passed, gate_failures, error, pipeline_version, git_commit_sha,
	git_branch, triggered_by, notes, created_at, started_at, completed_at`

func newRunRow(r *eval.Run) runRow {
	row := runRow{
		ID:                r.ID,
		SuiteID:           r.Suite.ID,
		SuiteVersion:      r.Suite.Version,
		Status:            string(r.Status),
		ThresholdSnapshot: NewJSON(r.ThresholdSnapshot),
		OverallPassed:     nullBool(r.OverallPassed),
		Error:             r.Error,
		PipelineVersion:   r.PipelineVersion,
		GitCommitSHA:      r.GitCommitSHA,
		GitBranch:         r.GitBranch,
		TriggeredBy:       r.TriggeredBy,
		Notes:             r.Notes,
		CreatedAt:         toNanos(r.CreatedAt),
		StartedAt:         nullNanos(r.StartedAt),
		CompletedAt:       nullNanos(r.CompletedAt),
	}
	if r.ThresholdSnapshot == nil {
		row.ThresholdSnapshot = NewJSON(map[string]float64{})
	}
	if r.PipelineConfig != nil {
		row.PipelineConfig = NewJSON(r.PipelineConfig)
	}
	if r.Summary != nil {
		row.Summary = NewJSON(r.Summary)
	}
	if r.GateFailures != nil {
		row.GateFailures = NewJSON(r.GateFailures)
	}
	return row
}

func (row runRow) toRun() *eval.Run {
	return &eval.Run{
		ID:                row.ID,
		Suite:             testsuite.SuiteRef{ID: row.SuiteID, Version: row.SuiteVersion},
		Status:            eval.RunStatus(row.Status),
		ThresholdSnapshot: row.ThresholdSnapshot.V,
		PipelineConfig:    row.PipelineConfig.V,
		Summary:           row.Summary.V,
		OverallPassed:     boolPtr(row.OverallPassed),
		GateFailures:      row.GateFailures.V,
		Error:             row.Error,
		PipelineVersion:   row.PipelineVersion,
		GitCommitSHA:      row.GitCommitSHA,
		GitBranch:         row.GitBranch,
		TriggeredBy:       row.TriggeredBy,
		Notes:             row.Notes,
		CreatedAt:         fromNanos(row.CreatedAt),
		StartedAt:         timePtr(row.StartedAt),
		CompletedAt:       timePtr(row.CompletedAt),
	}
}

// CreateRun inserts a new run.
func (s *SQLStore) CreateRun(ctx context.Context, run *eval.Run) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO runs (`+runColumns+`) VALUES (
		:id, :suite_id, :suite_version, :status, :threshold_snapshot, :pipeline_config,
		:summary, :overall_passed, :gate_failures, :error, :pipeline_version, :git_commit_sha,
		:git_branch, :triggered_by, :notes, :created_at, :started_at, :completed_at)`, newRunRow(run))
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with the given id.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*eval.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return row.toRun(), nil
}

// ListRuns returns runs newest first.
func (s *SQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*eval.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1 = 1`
	var args []any
	if filter.SuiteID != "" {
		query += ` AND suite_id = ?`
		args = append(args, filter.SuiteID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*eval.Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, row.toRun())
	}
	return runs, nil
}

// TransitionRun applies t if the run is in a status that may move to
// t.To. The check and the write are a single statement.
func (s *SQLStore) TransitionRun(ctx context.Context, id string, t Transition) error {
	if err := checkTransition(t); err != nil {
		return err
	}

	set := `status = ?`
	args := []any{string(t.To)}
	if t.StartedAt != nil {
		set += `, started_at = ?`
		args = append(args, toNanos(*t.StartedAt))
	}
	if t.CompletedAt != nil {
		set += `, completed_at = ?`
		args = append(args, toNanos(*t.CompletedAt))
	}
	if t.Summary != nil {
		set += `, summary = ?`
		args = append(args, NewJSON(t.Summary))
	}
	if t.OverallPassed != nil {
		set += `, overall_passed = ?`
		args = append(args, *t.OverallPassed)
	}
	if t.GateFailures != nil {
		set += `, gate_failures = ?`
		args = append(args, NewJSON(t.GateFailures))
	}
	if t.Error != "" {
		set += `, error = ?`
		args = append(args, t.Error)
	}

	sources := make([]string, 0, 2)
	for _, from := range eval.SourcesFor(t.To) {
		sources = append(sources, string(from))
	}
	query, inArgs, err := sqlx.In(`UPDATE runs SET `+set+` WHERE id = ? AND status IN (?)`, append(args, id, sources)...)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), inArgs...)
	if err != nil {
		return fmt.Errorf("transition run %s to %s: %w", id, t.To, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s is %s, cannot move to %s: %w", id, current.Status, t.To, ErrConflict)
}

// LatestCompletedRun returns the newest COMPLETED run of the suite.
func (s *SQLStore) LatestCompletedRun(ctx context.Context, suiteID, excludeRunID string) (*eval.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+runColumns+` FROM runs
		WHERE suite_id = ? AND status = ? AND id <> ?
		ORDER BY started_at DESC, created_at DESC
		LIMIT 1`), suiteID, string(eval.StatusCompleted), excludeRunID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed run of %s: %w", suiteID, err)
	}
	return row.toRun(), nil
}

type resultRow struct {
	ID                string                    `db:"id"`
	RunID             string                    `db:"run_id"`
	TestCaseID        string                    `db:"test_case_id"`
	Query             string                    `db:"query"`
	Scores            JSON[map[string]*float64] `db:"scores"`
	RulesPassed       sql.NullBool              `db:"rules_passed"`
	RulesDetail       JSON[[]rules.Outcome]     `db:"rules_detail"`
	Passed            bool                      `db:"passed"`
	FailureReason     sql.NullString            `db:"failure_reason"`
	RawOutput         string                    `db:"raw_output"`
	RetrievedContexts JSON[[]string]            `db:"retrieved_contexts"`
	ToolCalls         JSON[[]adapter.ToolCall]  `db:"tool_calls"`
	DurationMs        int64                     `db:"duration_ms"`
	EvaluatedAt       int64                     `db:"evaluated_at"`
}

const resultColumns = `id, run_id, test_case_id, query, scores, rules_passed, rules_detail,
	passed, failure_reason, raw_output, retrieved_contexts, tool_calls, duration_ms, evaluated_at`

func newResultRow(r *eval.CaseResult) resultRow {
	row := resultRow{
		ID:            r.ID,
		RunID:         r.RunID,
		TestCaseID:    r.TestCaseID,
		Query:         r.Query,
		Scores:        NewJSON(r.Scores),
		RulesPassed:   nullBool(r.RulesPassed),
		Passed:        r.Passed,
		FailureReason: nullString(r.FailureReason),
		RawOutput:     r.RawOutput,
		DurationMs:    r.DurationMs,
		EvaluatedAt:   toNanos(r.EvaluatedAt),
	}
	if r.Scores == nil {
		row.Scores = NewJSON(map[string]*float64{})
	}
	if r.RulesDetail != nil {
		row.RulesDetail = NewJSON(r.RulesDetail)
	}
	if r.RetrievedContexts != nil {
		row.RetrievedContexts = NewJSON(r.RetrievedContexts)
	}
	if r.ToolCalls != nil {
		row.ToolCalls = NewJSON(r.ToolCalls)
	}
	return row
}

func (row resultRow) toResult() *eval.CaseResult {
	return &eval.CaseResult{
		ID:                row.ID,
		RunID:             row.RunID,
		TestCaseID:        row.TestCaseID,
		Query:             row.Query,
		Scores:            row.Scores.V,
		RulesPassed:       boolPtr(row.RulesPassed),
		RulesDetail:       row.RulesDetail.V,
		Passed:            row.Passed,
		FailureReason:     stringPtr(row.FailureReason),
		RawOutput:         row.RawOutput,
		RetrievedContexts: row.RetrievedContexts.V,
		ToolCalls:         row.ToolCalls.V,
		DurationMs:        row.DurationMs,
		EvaluatedAt:       fromNanos(row.EvaluatedAt),
	}
}

// InsertCaseResult stores r. A second result for the same case is ignored.
func (s *SQLStore) InsertCaseResult(ctx context.Context, r *eval.CaseResult) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO case_results (`+resultColumns+`) VALUES (
		:id, :run_id, :test_case_id, :query, :scores, :rules_passed, :rules_detail,
		:passed, :failure_reason, :raw_output, :retrieved_contexts, :tool_calls, :duration_ms, :evaluated_at)
		ON CONFLICT (run_id, test_case_id) DO NOTHING`, newResultRow(r))
	if err != nil {
		return fmt.Errorf("insert result %s/%s: %w", r.RunID, r.TestCaseID, err)
	}
	return nil
}

// ListResults returns a run's results ordered by test case id.
func (s *SQLStore) ListResults(ctx context.Context, runID string) ([]*eval.CaseResult, error) {
	var rows []resultRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+resultColumns+` FROM case_results
		WHERE run_id = ? ORDER BY test_case_id`), runID)
	if err != nil {
		return nil, fmt.Errorf("list results of %s: %w", runID, err)
	}
	out := make([]*eval.CaseResult, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toResult())
	}
	return out, nil
}

type historyRow struct {
	ID              string  `db:"id"`
	SuiteID         string  `db:"suite_id"`
	MetricName      string  `db:"metric_name"`
	Value           float64 `db:"value"`
	RecordedAt      int64   `db:"recorded_at"`
	RunID           string  `db:"run_id"`
	PipelineVersion string  `db:"pipeline_version"`
	GitCommitSHA    string  `db:"git_commit_sha"`
}

// AppendMetricHistory inserts entries in one transaction.
func (s *SQLStore) AppendMetricHistory(ctx context.Context, entries []eval.MetricHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range entries {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO metric_history
			(id, suite_id, metric_name, value, recorded_at, run_id, pipeline_version, git_commit_sha)
			VALUES (:id, :suite_id, :metric_name, :value, :recorded_at, :run_id, :pipeline_version, :git_commit_sha)`,
			historyRow{
				ID:              e.ID,
				SuiteID:         e.SuiteID,
				MetricName:      e.MetricName,
				Value:           e.Value,
				RecordedAt:      toNanos(e.RecordedAt),
				RunID:           e.RunID,
				PipelineVersion: e.PipelineVersion,
				GitCommitSHA:    e.GitCommitSHA,
			})
		if err != nil {
			return fmt.Errorf("append metric history: %w", err)
		}
	}
	return tx.Commit()
}

// MetricHistory returns a metric's entries for a suite, oldest first.
func (s *SQLStore) MetricHistory(ctx context.Context, suiteID, metric string, since, until time.Time) ([]eval.MetricHistoryEntry, error) {
	query := `SELECT id, suite_id, metric_name, value, recorded_at, run_id, pipeline_version, git_commit_sha
		FROM metric_history WHERE suite_id = ? AND metric_name = ?`
	args := []any{suiteID, metric}
	if !since.IsZero() {
		query += ` AND recorded_at >= ?`
		args = append(args, toNanos(since))
	}
	if !until.IsZero() {
		query += ` AND recorded_at <= ?`
		args = append(args, toNanos(until))
	}
	query += ` ORDER BY recorded_at, id`

	var rows []historyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("metric history %s/%s: %w", suiteID, metric, err)
	}
	out := make([]eval.MetricHistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, eval.MetricHistoryEntry{
			ID:              r.ID,
			SuiteID:         r.SuiteID,
			MetricName:      r.MetricName,
			Value:           r.Value,
			RecordedAt:      fromNanos(r.RecordedAt),
			RunID:           r.RunID,
			PipelineVersion: r.PipelineVersion,
			GitCommitSHA:    r.GitCommitSHA,
		})
	}
	return out, nil
}
