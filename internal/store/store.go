// Package store persists automation records and the activity log in sqlite.
// Writes are serialized across processes with a file lock.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/defi-keeper/internal/delegation"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const ActivityRebalance = "Rebalance"

// AutomationRecord is the per-account automation state.
type AutomationRecord struct {
	AccountID         string                 `json:"account_id"`
	Delegation        *delegation.Delegation `json:"delegation,omitempty"`
	AutomationEnabled bool                   `json:"automation_enabled"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Activity is an append-only log entry.
type Activity struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	TxHash      string    `json:"tx_id,omitempty"`
	Automated   bool      `json:"automated"`
	Timestamp   time.Time `json:"timestamp"`
}

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	// mu covers goroutines of this process; the flock is held per handle.
	mu sync.Mutex
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS automation_records (
			account_id TEXT PRIMARY KEY,
			automation_enabled INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			automated INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_activities_account_created ON activities(account_id, created_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init store schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func (s *Store) Save(ctx context.Context, record AutomationRecord) error {
	if strings.TrimSpace(record.AccountID) == "" {
		return clierr.New(clierr.CodeUsage, "save record: missing account id")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	return s.withLock(ctx, func() error {
		return s.upsert(ctx, record)
	})
}

// upsert writes record; callers hold the store lock.
func (s *Store) upsert(ctx context.Context, record AutomationRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO automation_records (account_id, automation_enabled, updated_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			automation_enabled=excluded.automation_enabled,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, record.AccountID, boolInt(record.AutomationEnabled), record.UpdatedAt.Unix(), payload)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Load returns the record for accountID; ok is false when none exists.
func (s *Store) Load(ctx context.Context, accountID string) (AutomationRecord, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM automation_records WHERE account_id = ?", accountID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AutomationRecord{}, false, nil
		}
		return AutomationRecord{}, false, fmt.Errorf("read record: %w", err)
	}
	var record AutomationRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return AutomationRecord{}, false, fmt.Errorf("decode record payload: %w", err)
	}
	return record, true, nil
}

// List returns records ordered by account id. enabledOnly limits the result
// to accounts with automation switched on.
func (s *Store) List(ctx context.Context, enabledOnly bool) ([]AutomationRecord, error) {
	query := "SELECT payload FROM automation_records ORDER BY account_id"
	if enabledOnly {
		query = "SELECT payload FROM automation_records WHERE automation_enabled = 1 ORDER BY account_id"
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]AutomationRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		var record AutomationRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("decode record row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return records, nil
}

// SetAutomation flips the automation flag of an existing record. The read
// and the write happen under one lock so a concurrent Save is never lost.
func (s *Store) SetAutomation(ctx context.Context, accountID string, enabled bool) (AutomationRecord, error) {
	var record AutomationRecord
	err := s.withLock(ctx, func() error {
		current, ok, err := s.Load(ctx, accountID)
		if err != nil {
			return err
		}
		if !ok {
			return clierr.New(clierr.CodeNotFound, fmt.Sprintf("no automation record for account %s", accountID))
		}
		current.AutomationEnabled = enabled
		current.UpdatedAt = time.Now().UTC()
		if err := s.upsert(ctx, current); err != nil {
			return err
		}
		record = current
		return nil
	})
	if err != nil {
		return AutomationRecord{}, err
	}
	return record, nil
}

func (s *Store) AppendActivity(ctx context.Context, activity Activity) error {
	if strings.TrimSpace(activity.ID) == "" || strings.TrimSpace(activity.AccountID) == "" {
		return clierr.New(clierr.CodeUsage, "append activity: missing id or account id")
	}
	if activity.Timestamp.IsZero() {
		activity.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO activities (id, account_id, kind, automated, created_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
		`, activity.ID, activity.AccountID, activity.Kind, boolInt(activity.Automated), activity.Timestamp.UnixNano(), payload)
		if err != nil {
			return fmt.Errorf("append activity: %w", err)
		}
		return nil
	})
}

// ListActivity returns the newest entries first.
func (s *Store) ListActivity(ctx context.Context, accountID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM activities WHERE account_id = ? ORDER BY created_at DESC LIMIT ?", accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	activities := make([]Activity, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		var activity Activity
		if err := json.Unmarshal(payload, &activity); err != nil {
			return nil, fmt.Errorf("decode activity row: %w", err)
		}
		activities = append(activities, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity rows: %w", err)
	}
	return activities, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
