package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"llm-router/internal/domain"
)

// ModeAverage summarises stored decisions for one optimization mode.
type ModeAverage struct {
	Mode     domain.OptimizationMode `json:"mode"`
	Requests int                     `json:"requests"`
	AvgCost  float64                 `json:"avg_cost"`
}

// ModeAverager provides per-mode cost averages of recorded traffic.
type ModeAverager interface {
	ModeAverages(ctx context.Context) ([]ModeAverage, error)
}

// SQLiteStore persists decision records in an append-only SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create decision db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open decision db: %w", err)
	}
	// The sink worker is the only writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate decision db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS decisions (
			id           TEXT PRIMARY KEY,
			ts           INTEGER NOT NULL,
			request      TEXT NOT NULL DEFAULT '',
			backend_id   TEXT NOT NULL,
			backend_name TEXT NOT NULL,
			category     TEXT NOT NULL,
			mode         TEXT NOT NULL,
			reason       TEXT NOT NULL,
			failed_over  INTEGER NOT NULL DEFAULT 0,
			cost         REAL NOT NULL,
			latency_ms   INTEGER NOT NULL,
			quality      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts);
		CREATE INDEX IF NOT EXISTS idx_decisions_mode ON decisions(mode);

		CREATE TABLE IF NOT EXISTS failures (
			id       TEXT PRIMARY KEY,
			ts       INTEGER NOT NULL,
			request  TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL,
			mode     TEXT NOT NULL,
			tried    TEXT NOT NULL DEFAULT '[]',
			error    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_failures_ts ON failures(ts);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record implements domain.DecisionSink. Records without an id get a ULID.
func (s *SQLiteStore) Record(ctx context.Context, rec domain.DecisionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.ID == "" {
		rec.ID = newID(rec.Timestamp)
	}
	d := rec.Decision
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, ts, request, backend_id, backend_name, category, mode, reason, failed_over, cost, latency_ms, quality)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixNano(), rec.Request,
		d.BackendID, d.BackendName, d.TaskCategory.String(), d.OptimizationMode.String(),
		d.Reason, boolToInt(d.FailedOver), d.EstimatedCost, d.EstimatedLatencyMs, d.QualityScore,
	)
	if err != nil {
		return domain.WrapOp("sink.Record", err)
	}
	return nil
}

// RecordFailure implements FailureSink.
func (s *SQLiteStore) RecordFailure(ctx context.Context, f domain.RoutingFailure) error {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	tried, err := json.Marshal(f.Tried)
	if err != nil {
		return fmt.Errorf("marshal tried: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO failures (id, ts, request, category, mode, tried, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(f.Timestamp), f.Timestamp.UnixNano(), f.Request,
		f.TaskCategory.String(), f.OptimizationMode.String(), string(tried), f.Error,
	)
	if err != nil {
		return domain.WrapOp("sink.RecordFailure", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]domain.DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, request, backend_id, backend_name, category, mode, reason, failed_over, cost, latency_ms, quality
		 FROM decisions ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.WrapOp("sink.Recent", err)
	}
	defer rows.Close()

	var out []domain.DecisionRecord
	for rows.Next() {
		var (
			rec       domain.DecisionRecord
			ts        int64
			cat, mode string
			failed    int
		)
		d := &rec.Decision
		if err := rows.Scan(&rec.ID, &ts, &rec.Request, &d.BackendID, &d.BackendName, &cat, &mode,
			&d.Reason, &failed, &d.EstimatedCost, &d.EstimatedLatencyMs, &d.QualityScore); err != nil {
			return nil, domain.WrapOp("sink.Recent", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		d.FailedOver = failed != 0
		if d.TaskCategory, err = domain.ParseTaskCategory(cat); err != nil {
			return nil, domain.WrapOp("sink.Recent", err)
		}
		if d.OptimizationMode, err = domain.ParseOptimizationMode(mode); err != nil {
			return nil, domain.WrapOp("sink.Recent", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ModeAverages returns per-mode request counts and average estimated cost
// in mode declaration order. Modes without data are omitted.
func (s *SQLiteStore) ModeAverages(ctx context.Context) ([]ModeAverage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mode, COUNT(*), AVG(cost) FROM decisions GROUP BY mode`)
	if err != nil {
		return nil, domain.WrapOp("sink.ModeAverages", err)
	}
	defer rows.Close()

	byMode := make(map[domain.OptimizationMode]ModeAverage)
	for rows.Next() {
		var (
			mode string
			avg  ModeAverage
		)
		if err := rows.Scan(&mode, &avg.Requests, &avg.AvgCost); err != nil {
			return nil, domain.WrapOp("sink.ModeAverages", err)
		}
		m, err := domain.ParseOptimizationMode(mode)
		if err != nil {
			continue
		}
		avg.Mode = m
		byMode[m] = avg
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapOp("sink.ModeAverages", err)
	}

	var out []ModeAverage
	for _, m := range domain.Modes() {
		if avg, ok := byMode[m]; ok {
			out = append(out, avg)
		}
	}
	return out, nil
}

// Count returns the number of stored decisions and failures.
func (s *SQLiteStore) Count(ctx context.Context) (decisions, failures int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&decisions); err != nil {
		return 0, 0, domain.WrapOp("sink.Count", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failures`).Scan(&failures); err != nil {
		return 0, 0, domain.WrapOp("sink.Count", err)
	}
	return decisions, failures, nil
}

// Prune deletes decisions and failures older than before and reports how
// many rows went.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()
	var total int64
	for _, q := range []string{
		`DELETE FROM decisions WHERE ts < ?`,
		`DELETE FROM failures WHERE ts < ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, domain.WrapOp("sink.Prune", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

var (
	_ domain.DecisionSink = (*SQLiteStore)(nil)
	_ FailureSink         = (*SQLiteStore)(nil)
	_ ModeAverager        = (*SQLiteStore)(nil)
)
