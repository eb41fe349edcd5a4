package veil

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"dhi/internal/logging"
	"dhi/internal/types"
)

// Event persistence classes. Telemetry is always written; behavioral only
// when the determinism gate reports reproducible.
const (
	EventTelemetry  = "telemetry"
	EventBehavioral = "behavioral"
)

// Signal types carried by ledger events.
const (
	SignalSuccess   = "success"
	SignalFailure   = "failure"
	SignalCancelled = "cancelled"
)

// ErrLedgerClosed is returned for writes after Close. Callers downgrade the
// run to "verified locally, ledger not updated" and alert the operator.
var ErrLedgerClosed = errors.New("ledger closed")

// Event is one persisted ledger record.
type Event struct {
	EventID         string             `json:"event_id"`
	RequestID       string             `json:"request_id"`
	FingerprintHash string             `json:"fingerprint_hash"`
	EventType       string             `json:"event_type"`
	SignalType      string             `json:"signal_type"`
	FailureClass    types.FailureClass `json:"failure_class,omitempty"`
	Reproducible    bool               `json:"reproducible"`
	AttemptCount    int                `json:"attempt_count"`
	DurationMS      int64              `json:"duration_ms"`
	Summary         string             `json:"summary"`
	CreatedAt       time.Time          `json:"created_at"`
}

// Ledger is the SQLite-backed event store. Writes go through a single
// serialized writer goroutine (write-ahead-log discipline; concurrent
// readers, one writer); reads use snapshot queries against the same WAL
// database. Ledger writes for a single request are totally ordered because
// the per-request pipeline writes synchronously in attempt order.
type Ledger struct {
	db      *sql.DB
	writeCh chan writeRequest
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

type writeRequest struct {
	events []Event
	reply  chan error
}

// Open initializes the ledger database at path and starts the writer task.
func Open(path string) (*Ledger, error) {
	timer := logging.StartTimer(logging.CategoryVeil, "ledger open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.Get(logging.CategoryVeil).Warn("failed pragma %q: %v", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	l := &Ledger{
		db:      db,
		writeCh: make(chan writeRequest, 16),
		done:    make(chan struct{}),
	}
	go l.writer()

	logging.Veil("ledger ready at %s", path)
	return l, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	fingerprint_hash TEXT NOT NULL,
	event_type TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	failure_class TEXT,
	reproducible INTEGER NOT NULL,
	attempt_count INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	summary TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_request ON events(request_id);
CREATE INDEX IF NOT EXISTS idx_events_fingerprint ON events(fingerprint_hash);
`

// writer is the single serialized writer task. All mutations funnel through
// it, preserving write order and hiding the WAL detail from callers.
func (l *Ledger) writer() {
	for req := range l.writeCh {
		req.reply <- l.insert(req.events)
	}
	close(l.done)
}

func (l *Ledger) insert(events []Event) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("ledger begin failed: %w", err)
	}
	for _, e := range events {
		_, err := tx.Exec(
			`INSERT INTO events (event_id, request_id, fingerprint_hash, event_type, signal_type,
			 failure_class, reproducible, attempt_count, duration_ms, summary, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EventID, e.RequestID, e.FingerprintHash, e.EventType, e.SignalType,
			nullable(string(e.FailureClass)), e.Reproducible, e.AttemptCount,
			e.DurationMS, e.Summary, e.CreatedAt.UTC(),
		)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("ledger insert failed: %w", err)
		}
	}
	return tx.Commit()
}

// write submits events to the writer and waits for durability.
func (l *Ledger) write(events []Event) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLedgerClosed
	}
	reply := make(chan error, 1)
	l.writeCh <- writeRequest{events: events, reply: reply}
	l.mu.Unlock()
	return <-reply
}

// RecordOutcome writes the terminal outcome of an orchestration run: a
// telemetry event always, plus a behavioral event iff the gate reported
// reproducible. Noise-class runs are permanently telemetry-only.
func (l *Ledger) RecordOutcome(decision GateDecision, result *types.OrchestrationResult, fp EnvironmentFingerprint) error {
	signal := SignalFailure
	if result.FinalStatus == types.StatusPass {
		signal = SignalSuccess
	}

	failureClass := types.FailureNone
	if last := result.LastResult(); last != nil {
		failureClass = last.FailureClass
	}

	now := time.Now().UTC()
	events := []Event{{
		EventID:         uuid.NewString(),
		RequestID:       result.RequestID,
		FingerprintHash: fp.Hash(),
		EventType:       EventTelemetry,
		SignalType:      signal,
		FailureClass:    failureClass,
		Reproducible:    decision.Reproducible,
		AttemptCount:    result.AttemptCount,
		DurationMS:      result.TotalDurationMS(),
		Summary:         decision.Reason,
		CreatedAt:       now,
	}}

	if decision.Reproducible {
		events = append(events, Event{
			EventID:         uuid.NewString(),
			RequestID:       result.RequestID,
			FingerprintHash: fp.Hash(),
			EventType:       EventBehavioral,
			SignalType:      signal,
			FailureClass:    failureClass,
			Reproducible:    true,
			AttemptCount:    result.AttemptCount,
			DurationMS:      result.TotalDurationMS(),
			Summary:         decision.Reason,
			CreatedAt:       now,
		})
	}

	return l.write(events)
}

// RecordCancelled writes the telemetry-only record for a cancelled request.
func (l *Ledger) RecordCancelled(requestID string, fp EnvironmentFingerprint, attemptCount int) error {
	return l.write([]Event{{
		EventID:         uuid.NewString(),
		RequestID:       requestID,
		FingerprintHash: fp.Hash(),
		EventType:       EventTelemetry,
		SignalType:      SignalCancelled,
		FailureClass:    types.FailureNone,
		AttemptCount:    attemptCount,
		Summary:         "request cancelled",
		CreatedAt:       time.Now().UTC(),
	}})
}

// Telemetry returns all telemetry events for a request, ordered by insert.
func (l *Ledger) Telemetry(requestID string) ([]Event, error) {
	return l.query(`SELECT event_id, request_id, fingerprint_hash, event_type, signal_type,
		failure_class, reproducible, attempt_count, duration_ms, summary, created_at
		FROM events WHERE request_id = ? AND event_type = ? ORDER BY rowid`, requestID, EventTelemetry)
}

// Behavioral returns all behavioral events for a request, ordered by insert.
func (l *Ledger) Behavioral(requestID string) ([]Event, error) {
	return l.query(`SELECT event_id, request_id, fingerprint_hash, event_type, signal_type,
		failure_class, reproducible, attempt_count, duration_ms, summary, created_at
		FROM events WHERE request_id = ? AND event_type = ? ORDER BY rowid`, requestID, EventBehavioral)
}

func (l *Ledger) query(q string, args ...any) ([]Event, error) {
	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var failureClass sql.NullString
		if err := rows.Scan(&e.EventID, &e.RequestID, &e.FingerprintHash, &e.EventType,
			&e.SignalType, &failureClass, &e.Reproducible, &e.AttemptCount,
			&e.DurationMS, &e.Summary, &e.CreatedAt); err != nil {
			return nil, err
		}
		if failureClass.Valid {
			e.FailureClass = types.FailureClass(failureClass.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close drains the writer and closes the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.writeCh)
	}
	l.mu.Unlock()
	<-l.done
	return l.db.Close()
}

func nullable(s string) any {
	if s == "" || s == string(types.FailureNone) {
		return nil
	}
	return s
}
