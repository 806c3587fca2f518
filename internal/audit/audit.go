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

	"github.com/basket/autopilot/internal/shared"
)

// Log is the append-only audit trail: one JSONL file plus an audit_log table
// when a database is attached. Every refusal and every autonomous action is
// recorded through it; nothing in the control plane fails silently.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Open creates the audit log under homeDir/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetDB attaches a database so entries are mirrored into the audit_log table.
func (l *Log) SetDB(db *sql.DB) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.db = db
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record writes one audit entry. decision is "allow" or "deny"; action names
// the operation (e.g. "autonomy.auto_apply"); subject carries the decision
// hash, task id, or job id involved. Reason and subject are redacted before
// persistence.
func (l *Log) Record(ctx context.Context, decision, action, reason, subject string) {
	if decision == "deny" {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
			TraceID:   traceID,
		}
		if b, err := json.Marshal(ev); err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.db != nil {
		_, _ = l.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, subject, action, decision, reason)
	}
}
