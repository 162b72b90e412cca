// Package journal keeps a SQLite record of protocol events and finished
// transfers.
package journal

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"binaric/package/event"
)

// Journal is an event.Observer backed by SQLite.
type Journal struct {
	db     *sql.DB
	failed atomic.Uint64
}

// Open opens (or creates) the journal at path in WAL mode and migrates it.
func Open(path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	// one writer; observers are called from many goroutines
	db.SetMaxOpenConns(1)
	j := &Journal{db: db}
	if err := j.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// Migrate applies the schema. It is idempotent.
func (j *Journal) Migrate() error {
	for _, stmt := range []string{ddlEvents, ddlTransfers} {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return nil
}

const ddlEvents = `
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    at          INTEGER NOT NULL,          -- Unix nanoseconds
    kind        TEXT    NOT NULL,
    component   TEXT    NOT NULL DEFAULT '',
    session_id  INTEGER NOT NULL DEFAULT 0,
    seq         INTEGER NOT NULL DEFAULT 0,
    from_state  TEXT    NOT NULL DEFAULT '',
    to_state    TEXT    NOT NULL DEFAULT '',
    detail      TEXT    NOT NULL DEFAULT '',
    value       REAL    NOT NULL DEFAULT 0,
    error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id, at);
`

const ddlTransfers = `
CREATE TABLE IF NOT EXISTS transfers (
    id          TEXT    PRIMARY KEY,       -- UUID
    session_id  INTEGER NOT NULL,
    direction   TEXT    NOT NULL,          -- 'sent' | 'received'
    size_bytes  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL           -- Unix nanoseconds
);
CREATE INDEX IF NOT EXISTS idx_transfers_session ON transfers (session_id);
`

// Observe stores e. A finished transfer also gets a transfers row. Write
// failures are counted, see Failed.
func (j *Journal) Observe(e event.Event) {
	if err := j.insertEvent(e); err != nil {
		j.failed.Add(1)
		return
	}
	if e.Kind == event.TransferComplete {
		t := Transfer{SessionID: e.SessionID, Direction: e.Detail, Size: int(e.Value), FinishedAt: e.Time}
		if _, err := j.RecordTransfer(t); err != nil {
			j.failed.Add(1)
		}
	}
}

// Follow subscribes to bus and writes its events from a separate goroutine,
// so publishers never wait on the database. Events that arrive while the
// buffer is full are dropped by the bus. stop unsubscribes and returns once
// everything queued has been written.
func (j *Journal) Follow(bus *event.Bus, buffer int) (stop func()) {
	events, cancel := bus.Subscribe(buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			j.Observe(e)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Failed is the number of events that could not be written.
func (j *Journal) Failed() uint64 { return j.failed.Load() }

func (j *Journal) insertEvent(e event.Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var msg string
	if e.Err != nil {
		msg = e.Err.Error()
	}
	_, err := j.db.Exec(`INSERT INTO events (at, kind, component, session_id, seq, from_state, to_state, detail, value, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Time.UnixNano(), string(e.Kind), e.Component, int64(e.SessionID), int64(e.Seq), e.From, e.To, e.Detail, e.Value, msg)
	if err != nil {
		return fmt.Errorf("journal: insert event: %w", err)
	}
	return nil
}

// Record is an event read back from the journal. The error is kept as text.
type Record struct {
	ID    int64
	Event event.Event
	Error string
}

// Events returns the events of one session in order; sessionID 0 returns
// everything. limit <= 0 means no limit.
func (j *Journal) Events(sessionID uint32, limit int) ([]Record, error) {
	q := `SELECT id, at, kind, component, session_id, seq, from_state, to_state, detail, value, error FROM events`
	var args []any
	if sessionID != 0 {
		q += ` WHERE session_id = ?`
		args = append(args, int64(sessionID))
	}
	q += ` ORDER BY at, id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: events: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var at, sid, seq int64
		var kind string
		if err := rows.Scan(&r.ID, &at, &kind, &r.Event.Component, &sid, &seq, &r.Event.From, &r.Event.To, &r.Event.Detail, &r.Event.Value, &r.Error); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		r.Event.Time = time.Unix(0, at)
		r.Event.Kind = event.Kind(kind)
		r.Event.SessionID = uint32(sid)
		r.Event.Seq = uint32(seq)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns how many events of kind k are stored.
func (j *Journal) Count(k event.Kind) (int, error) {
	var n int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM events WHERE kind = ?`, string(k)).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

// Transfer is one completed payload transfer.
type Transfer struct {
	ID         uuid.UUID
	SessionID  uint32
	Direction  string
	Size       int
	FinishedAt time.Time
}

// RecordTransfer stores t, assigning an ID when it has none.
func (j *Journal) RecordTransfer(t Transfer) (uuid.UUID, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.FinishedAt.IsZero() {
		t.FinishedAt = time.Now()
	}
	_, err := j.db.Exec(`INSERT INTO transfers (id, session_id, direction, size_bytes, finished_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID.String(), int64(t.SessionID), t.Direction, t.Size, t.FinishedAt.UnixNano())
	if err != nil {
		return uuid.Nil, fmt.Errorf("journal: insert transfer: %w", err)
	}
	return t.ID, nil
}

// Transfers lists recorded transfers, oldest first.
func (j *Journal) Transfers() ([]Transfer, error) {
	rows, err := j.db.Query(`SELECT id, session_id, direction, size_bytes, finished_at FROM transfers ORDER BY finished_at, id`)
	if err != nil {
		return nil, fmt.Errorf("journal: transfers: %w", err)
	}
	defer rows.Close()
	var out []Transfer
	for rows.Next() {
		var t Transfer
		var id string
		var sid, at int64
		if err := rows.Scan(&id, &sid, &t.Direction, &t.Size, &at); err != nil {
			return nil, fmt.Errorf("journal: scan transfer: %w", err)
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("journal: transfer id %q: %w", id, err)
		}
		t.SessionID = uint32(sid)
		t.FinishedAt = time.Unix(0, at)
		out = append(out, t)
	}
	return out, rows.Err()
}
