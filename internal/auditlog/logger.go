// Package auditlog records the outcome of every CIB write attempt to a
// durable, tamper-evident trail: an HMAC chain over buffered SQLite
// inserts, adapted from this daemon's general-purpose audit logger and
// narrowed to the one event shape the writer pipeline produces.
package auditlog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event is one CIB write outcome.
type Event struct {
	Timestamp     int64
	AttrID        string
	CorrelationID int64
	User          string
	Outcome       string // "success", "timeout", "transient-error", "error"
}

// criticalOutcomes bypass the buffer and write straight through, mirroring
// the teacher's SecurityActions bypass list — write failures must survive
// a crash immediately after, not wait for the next flush tick.
var criticalOutcomes = map[string]bool{
	"error":   true,
	"timeout": true,
}

// Logger batches write-outcome events into SQLite, flushing on a timer or
// when the buffer fills, with critical outcomes written synchronously.
type Logger struct {
	db            *sql.DB
	log           *logrus.Entry
	buffer        []Event
	bufferMutex   sync.Mutex
	flushTicker   *time.Ticker
	stopChan      chan struct{}
	maxBuffer     int
	flushInterval time.Duration
	hmacKey       []byte
}

// NewLogger constructs a Logger against db, which must already contain the
// attr_write_audit table (see EnsureSchema). hmacKey may be nil to disable
// row chaining.
func NewLogger(db *sql.DB, maxBuffer int, flushInterval time.Duration, hmacKey []byte, log *logrus.Entry) *Logger {
	if maxBuffer <= 0 {
		maxBuffer = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Logger{
		db: db, log: log, buffer: make([]Event, 0, maxBuffer),
		maxBuffer: maxBuffer, flushInterval: flushInterval,
		stopChan: make(chan struct{}), hmacKey: hmacKey,
	}
}

// EnsureSchema creates the audit table if it does not already exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS attr_write_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		attr_id TEXT NOT NULL,
		correlation_id INTEGER NOT NULL,
		user TEXT NOT NULL,
		outcome TEXT NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT '',
		row_hash TEXT NOT NULL DEFAULT ''
	)`)
	return err
}

// Start begins the background flush goroutine.
func (l *Logger) Start() {
	l.flushTicker = time.NewTicker(l.flushInterval)
	go func() {
		for {
			select {
			case <-l.flushTicker.C:
				if err := l.Flush(); err != nil && l.log != nil {
					l.log.WithError(err).Warn("audit flush failed")
				}
			case <-l.stopChan:
				l.flushTicker.Stop()
				if err := l.Flush(); err != nil && l.log != nil {
					l.log.WithError(err).Warn("final audit flush failed")
				}
				return
			}
		}
	}()
}

// Stop flushes and ends the background goroutine.
func (l *Logger) Stop() {
	close(l.stopChan)
}

// RecordWrite implements writer.Auditor.
func (l *Logger) RecordWrite(attrID string, correlationID int64, user string, outcome string) {
	e := Event{Timestamp: time.Now().Unix(), AttrID: attrID, CorrelationID: correlationID, User: user, Outcome: outcome}

	if criticalOutcomes[outcome] {
		if err := l.writeDirect([]Event{e}); err != nil && l.log != nil {
			l.log.WithError(err).Error("direct audit write failed")
		}
		return
	}

	l.bufferMutex.Lock()
	l.buffer = append(l.buffer, e)
	needFlush := len(l.buffer) >= l.maxBuffer
	l.bufferMutex.Unlock()

	if needFlush {
		if err := l.Flush(); err != nil && l.log != nil {
			l.log.WithError(err).Warn("audit flush failed")
		}
	}
}

func (l *Logger) writeDirect(events []Event) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("audit direct write: begin: %w", err)
	}
	defer tx.Rollback()
	return l.insertChained(tx, events)
}

// Flush writes every buffered event in one transaction.
func (l *Logger) Flush() error {
	l.bufferMutex.Lock()
	if len(l.buffer) == 0 {
		l.bufferMutex.Unlock()
		return nil
	}
	events := make([]Event, len(l.buffer))
	copy(events, l.buffer)
	l.buffer = l.buffer[:0]
	l.bufferMutex.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("audit flush: begin: %w", err)
	}
	defer tx.Rollback()
	return l.insertChained(tx, events)
}

func (l *Logger) insertChained(tx *sql.Tx, events []Event) error {
	var prevHash string
	if l.hmacKey != nil {
		_ = tx.QueryRow(`SELECT COALESCE(row_hash,'') FROM attr_write_audit ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	}

	stmt, err := tx.Prepare(`INSERT INTO attr_write_audit
		(timestamp, attr_id, correlation_id, user, outcome, prev_hash, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit insert: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		rowHash := computeRowHash(l.hmacKey, prevHash, e)
		if _, err := stmt.Exec(e.Timestamp, e.AttrID, e.CorrelationID, e.User, e.Outcome, prevHash, rowHash); err != nil {
			if l.log != nil {
				l.log.WithError(err).Warn("audit row insert failed")
			}
			continue
		}
		prevHash = rowHash
	}
	return tx.Commit()
}
