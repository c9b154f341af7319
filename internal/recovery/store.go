package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"restune/internal/config"
	"restune/internal/tuning"
)

// Status is the persistence state of a tuning record.
type Status string

const (
	// StatusIntent marks a mutation that was started but not confirmed.
	StatusIntent Status = "intent"
	// StatusCommitted marks a tuning that is applied.
	StatusCommitted Status = "committed"
)

// Record is one row of the tunings table.
type Record struct {
	Client        tuning.ClientID
	Opcode        tuning.Opcode
	Op            tuning.OpKind
	RequestID     tuning.RequestID
	TargetValue   int64
	PreviousValue int64
	Status        Status
	TargetPath    string
	Priority      tuning.Priority
	Payload       Payload
	InstanceID    string
	UpdatedAt     time.Time
}

// Key returns the dedup key the record belongs to.
func (r Record) Key() tuning.Key {
	return tuning.Key{Client: r.Client, Opcode: r.Opcode}
}

// Store persists active tunings in SQLite.
type Store struct {
	db         *sql.DB
	path       string
	instanceID string
	now        func() time.Time
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Open creates or connects to the recovery database under the state dir.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(cfg.RecoveryDBPath())
}

// OpenPath creates or connects to the recovery database at dbPath.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{
		db:         db,
		path:       dbPath,
		instanceID: uuid.NewString(),
		now:        time.Now,
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// InstanceID identifies the daemon process that opened the store.
func (s *Store) InstanceID() string { return s.instanceID }

// PutIntent records that a mutation of rec's key is about to start.
func (s *Store) PutIntent(ctx context.Context, rec Record) error {
	rec.Status = StatusIntent
	return s.upsert(ctx, rec)
}

// Commit records that rec's tuning is applied. It replaces any intent row.
func (s *Store) Commit(ctx context.Context, rec Record) error {
	rec.Status = StatusCommitted
	return s.upsert(ctx, rec)
}

func (s *Store) upsert(ctx context.Context, rec Record) error {
	payload, err := encodePayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", rec.Key(), err)
	}
	_, err = s.execWithRetry(ctx, `
INSERT INTO tunings (client_id, opcode, op, request_id, target_value, previous_value, status, target_path, priority, payload, instance_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(client_id, opcode) DO UPDATE SET
    op = excluded.op,
    request_id = excluded.request_id,
    target_value = excluded.target_value,
    previous_value = excluded.previous_value,
    status = excluded.status,
    target_path = excluded.target_path,
    priority = excluded.priority,
    payload = excluded.payload,
    instance_id = excluded.instance_id,
    updated_at = excluded.updated_at`,
		string(rec.Client),
		int64(rec.Opcode),
		rec.Op.String(),
		string(rec.RequestID),
		rec.TargetValue,
		rec.PreviousValue,
		string(rec.Status),
		rec.TargetPath,
		int(rec.Priority),
		payload,
		s.instanceID,
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("write %s record for %s: %w", rec.Status, rec.Key(), err)
	}
	return nil
}

// Delete removes the record for key. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, key tuning.Key) error {
	if _, err := s.execWithRetry(ctx,
		"DELETE FROM tunings WHERE client_id = ? AND opcode = ?",
		string(key.Client), int64(key.Opcode),
	); err != nil {
		return fmt.Errorf("delete record for %s: %w", key, err)
	}
	return nil
}

// Get returns the record for key, or nil when none exists.
func (s *Store) Get(ctx context.Context, key tuning.Key) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM tunings WHERE client_id = ? AND opcode = ?",
		string(key.Client), int64(key.Opcode),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record for %s: %w", key, err)
	}
	return rec, nil
}

// List returns every record ordered by last update, oldest first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM tunings ORDER BY updated_at ASC, client_id ASC, opcode ASC")
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Count returns the number of records with status, or all records when status
// is empty.
func (s *Store) Count(ctx context.Context, status Status) (int, error) {
	query := "SELECT COUNT(1) FROM tunings"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}
