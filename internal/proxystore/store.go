// Package proxystore persists Proxy snapshots: the authoritative record
// of every proxy's lifecycle, backed by SQLite for durability across
// restarts and mirrored in memory for fast reads.
package proxystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/seatshare/internal/model"
)

// Store is the ProxyStore: an in-memory map of the latest Proxy
// snapshot per id, mirrored to SQLite so state survives a restart.
// Proxy values are immutable (internal/model.Proxy); Put always
// replaces the prior snapshot wholesale rather than mutating in place.
type Store struct {
	db *sql.DB

	mu      sync.RWMutex
	proxies map[string]model.Proxy
}

// DefaultDBPath returns the per-user state directory's db file path.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".seatshare", "seatshare.db")
}

// Open opens (creating if necessary) the SQLite-backed proxy store at
// path, loading any persisted snapshots into memory.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, proxies: make(map[string]model.Proxy)}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragma: %w", err)
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.loadAll(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenInMemory opens a Store with no SQLite backing, for tests and for
// dispatcher scenarios where durability is not required.
func OpenInMemory() *Store {
	return &Store{proxies: make(map[string]model.Proxy)}
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS proxies (
			id         TEXT PRIMARY KEY,
			spec_id    TEXT NOT NULL,
			status     TEXT NOT NULL,
			snapshot   TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("init proxies schema: %w", err)
	}
	return nil
}

func (s *Store) loadAll(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM proxies`)
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}
	defer rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return fmt.Errorf("scan proxy snapshot: %w", err)
		}
		p, err := decodeSnapshot([]byte(snapshot))
		if err != nil {
			return fmt.Errorf("decode proxy snapshot: %w", err)
		}
		s.proxies[p.ID] = p
	}
	return rows.Err()
}

// snapshotWire is the full-fidelity persistence shape of a Proxy: every
// runtime value, not just the subset model.Proxy.MarshalJSON surfaces
// over the public API (SeatId has IncludeInAPI=false and would
// otherwise vanish across a restart, leaving a claimed seat
// unreleasable).
type snapshotWire struct {
	ID string `json:"id"`
	SpecID string `json:"specId"`
	UserID string `json:"userId"`
	DisplayName string `json:"displayName"`
	Status model.ProxyStatus `json:"status"`
	CreatedTS time.Time `json:"createdTimestamp"`
	StartupTS time.Time `json:"startupTimestamp"`
	Containers [1]model.Container `json:"containers"`
	Targets []string `json:"targets,omitempty"`
	RuntimeValues map[string]any `json:"runtimeValues,omitempty"`
}

func encodeSnapshot(p model.Proxy) ([]byte, error) {
	w := snapshotWire{
		ID: p.ID,
		SpecID: p.SpecID,
		UserID: p.UserID,
		DisplayName: p.DisplayName,
		Status: p.Status,
		CreatedTS: p.CreatedTS,
		StartupTS: p.StartupTS,
		Containers: p.Containers,
		Targets: p.Targets,
		RuntimeValues: p.RuntimeValues(),
	}
	return json.Marshal(w)
}

func decodeSnapshot(data []byte) (model.Proxy, error) {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Proxy{}, err
	}
	p := model.NewProxy(w.ID, w.SpecID, w.UserID, w.Containers[0].ID, w.Containers[0].Image, w.CreatedTS)
	p.DisplayName = w.DisplayName
	p.Status = w.Status
	p.StartupTS = w.StartupTS
	p.Targets = w.Targets
	p = p.WithRuntimeValues(w.RuntimeValues)
	return p, nil
}

// Put stores a new snapshot for p.ID, replacing any prior one.
func (s *Store) Put(ctx context.Context, p model.Proxy) error {
	s.mu.Lock()
	s.proxies[p.ID] = p
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	snapshot, err := encodeSnapshot(p)
	if err != nil {
		return fmt.Errorf("encode proxy snapshot: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO proxies (id, spec_id, status, snapshot, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				spec_id=excluded.spec_id,
				status=excluded.status,
				snapshot=excluded.snapshot,
				updated_at=excluded.updated_at
		`, p.ID, p.SpecID, string(p.Status), string(snapshot), time.Now().UTC())
		return err
	})
}

// Get returns the latest snapshot for id.
func (s *Store) Get(id string) (model.Proxy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proxies[id]
	return p, ok
}

// Delete removes a proxy's record entirely, e.g. once it is reaped
// after reaching a terminal status.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.proxies, id)
	s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE id = ?`, id)
		return err
	})
}

// ListBySpec returns all proxies currently on record for a spec id, in
// no particular order.
func (s *Store) ListBySpec(specID string) []model.Proxy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Proxy
	for _, p := range s.proxies {
		if p.SpecID == specID {
			out = append(out, p)
		}
	}
	return out
}

// Close releases the underlying database handle, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
