// Package sqlstore implements [store.Store] on SQLite or PostgreSQL.
//
// Feature records are stored as JSON documents next to their CAS version;
// a story_index table maps story keys to their owning feature.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"

	"sdlcflow/internal/pipeline"
	"sdlcflow/internal/store"
)

// Dialect selects SQL placeholder and driver conventions.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const timeLayout = time.RFC3339Nano

var schema = []string{
	`CREATE TABLE IF NOT EXISTS features (
		id         TEXT PRIMARY KEY,
		version    BIGINT NOT NULL,
		state      TEXT NOT NULL,
		data       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS story_index (
		story_key  TEXT PRIMARY KEY,
		feature_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		feature_id  TEXT NOT NULL,
		stage       TEXT NOT NULL,
		subject     TEXT NOT NULL,
		version     INTEGER NOT NULL,
		data        TEXT NOT NULL,
		produced_at TEXT NOT NULL,
		PRIMARY KEY (feature_id, stage, subject, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_feature ON artifacts (feature_id)`,
}

// Store is a SQL-backed [store.Store].
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to the database named by dsn and creates the schema.
//
// A DSN starting with postgres:// or postgresql:// selects PostgreSQL via
// pgx; anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(ctx, dsn)
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return newStore(ctx, db, DialectSQLite)
}

// OpenPostgres connects to PostgreSQL through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newStore(ctx, db, DialectPostgres)
}

func newStore(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateFeature implements [store.Store].
func (s *Store) CreateFeature(ctx context.Context, rec *store.FeatureRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("feature id is required")
	}
	now := s.now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.State == "" {
		rec.State = pipeline.StateCreated
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal feature: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO features (id, version, state, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			rec.ID, rec.Version, string(rec.State), string(data),
			now.Format(timeLayout), now.Format(timeLayout))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", store.ErrAlreadyExists, rec.ID)
			}
			return fmt.Errorf("insert feature: %w", err)
		}
		return s.indexStories(ctx, tx, rec)
	})
}

// GetFeature implements [store.Store].
func (s *Store) GetFeature(ctx context.Context, id string) (*store.FeatureRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM features WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: feature %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get feature: %w", err)
	}
	return decodeFeature(data)
}

// PutFeature implements [store.Store].
func (s *Store) PutFeature(ctx context.Context, rec *store.FeatureRecord) error {
	next := rec.Clone()
	next.Version = rec.Version + 1
	next.UpdatedAt = s.now().UTC()

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal feature: %w", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE features SET version = ?, state = ?, data = ?, updated_at = ?
			WHERE id = ? AND version = ?`),
			next.Version, string(next.State), string(data), next.UpdatedAt.Format(timeLayout),
			rec.ID, rec.Version)
		if err != nil {
			return fmt.Errorf("update feature: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update feature: %w", err)
		}
		if n == 0 {
			var current int64
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT version FROM features WHERE id = ?`), rec.ID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: feature %s", store.ErrNotFound, rec.ID)
			}
			if err != nil {
				return fmt.Errorf("update feature: %w", err)
			}
			return fmt.Errorf("%w: feature %s is at version %d, write was based on %d",
				store.ErrConflict, rec.ID, current, rec.Version)
		}
		return s.indexStories(ctx, tx, next)
	})
	if err != nil {
		return err
	}
	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *Store) indexStories(ctx context.Context, tx *sql.Tx, rec *store.FeatureRecord) error {
	for _, key := range rec.StoryKeys {
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO story_index (story_key, feature_id) VALUES (?, ?)
			ON CONFLICT (story_key) DO NOTHING`), key, rec.ID)
		if err != nil {
			return fmt.Errorf("index story %s: %w", key, err)
		}
	}
	return nil
}

// ListFeatures implements [store.Store].
func (s *Store) ListFeatures(ctx context.Context) ([]*store.FeatureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM features ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}
	defer rows.Close()

	var out []*store.FeatureRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan feature: %w", err)
		}
		rec, err := decodeFeature(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindByStory implements [store.Store].
func (s *Store) FindByStory(ctx context.Context, storyKey string) (*store.FeatureRecord, error) {
	var id string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT feature_id FROM story_index WHERE story_key = ?`), storyKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no feature owns story %s", store.ErrNotFound, storyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("find story: %w", err)
	}
	return s.GetFeature(ctx, id)
}

// GetArtifact implements [store.Store].
func (s *Store) GetArtifact(ctx context.Context, featureID string, stage pipeline.Stage, subject string) (*store.StageArtifact, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT data FROM artifacts
		WHERE feature_id = ? AND stage = ? AND subject = ?
		ORDER BY version DESC LIMIT 1`),
		featureID, string(stage), subject).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact %s for feature %s", store.ErrNotFound, store.Key(stage, subject), featureID)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return decodeArtifact(data)
}

// ListArtifacts implements [store.Store].
func (s *Store) ListArtifacts(ctx context.Context, featureID string) ([]*store.StageArtifact, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT data FROM artifacts WHERE feature_id = ?
		ORDER BY produced_at, version`), featureID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*store.StageArtifact
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a, err := decodeArtifact(data)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutArtifact implements [store.Store].
func (s *Store) PutArtifact(ctx context.Context, a *store.StageArtifact) error {
	if a.Version < 1 {
		return fmt.Errorf("artifact version must be >= 1, got %d", a.Version)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO artifacts (feature_id, stage, subject, version, data, produced_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			a.FeatureID, string(a.Stage), a.Subject, a.Version, string(data), a.ProducedAt.UTC().Format(timeLayout))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s v%d for feature %s",
					store.ErrDuplicateArtifact, store.Key(a.Stage, a.Subject), a.Version, a.FeatureID)
			}
			return fmt.Errorf("insert artifact: %w", err)
		}
		return nil
	})
}

// Close implements [store.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func decodeFeature(data string) (*store.FeatureRecord, error) {
	var rec store.FeatureRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode feature: %w", err)
	}
	return &rec, nil
}

func decodeArtifact(data string) (*store.StageArtifact, error) {
	var a store.StageArtifact
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &a, nil
}

// isUniqueViolation reports a primary key or unique constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.Intn(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
