// Package audit keeps an append-only trail of dispatch decisions: every
// seat claimed, released, or denied, with who asked and why. A JSONL
// file plus an optional database sink, behind a process-wide
// Init/Record/Close lifecycle.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/seatshare/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"` // claimed, released, denied, timed_out
	SpecID    string `json:"spec_id"`
	ProxyID   string `json:"proxy_id"`
	SeatID    string `json:"seat_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	denyCount  atomic.Int64
)

// Init opens the audit log file under homeDir/logs/audit.jsonl. Safe to
// call more than once; subsequent calls are a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures a secondary database sink for audit entries, mirrored
// alongside the JSONL file.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

// Close closes the audit log file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DeniedCount returns the total number of denied/timed-out claims since startup.
func DeniedCount() int64 {
	return denyCount.Load()
}

// Record appends one audit entry. decision is one of "claimed",
// "released", "denied", "timed_out". reason is redacted before
// persistence since it may echo caller-supplied text.
func Record(decision, specID, proxyID, seatID, reason string) {
	if decision == "denied" || decision == "timed_out" {
		denyCount.Add(1)
	}

	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			SpecID:    specID,
			ProxyID:   proxyID,
			SeatID:    seatID,
			Reason:    reason,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (spec_id, proxy_id, seat_id, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, specID, proxyID, seatID, decision, reason)
	}
}
