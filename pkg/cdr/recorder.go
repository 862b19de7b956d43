// Package cdr records call detail records for terminated transactions into
// SQLite and prunes them on a retention schedule.
package cdr

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mercator-hq/saturn/pkg/config"
)

// Record is one call detail record.
type Record struct {
	// ID is assigned by the recorder.
	ID string

	// ConnectionID identifies the downstream connection.
	ConnectionID string

	// TransactionID is the branch token.
	TransactionID string

	// Method is the request method.
	Method string

	// Cluster is the upstream cluster the transaction routed to, empty
	// when routing never completed.
	Cluster string

	// Status is the final response status; zero records a reset.
	Status int

	// StartedAt is the transaction's creation time.
	StartedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	id             TEXT PRIMARY KEY,
	connection_id  TEXT NOT NULL,
	transaction_id TEXT NOT NULL,
	method         TEXT NOT NULL,
	cluster        TEXT NOT NULL,
	status         INTEGER NOT NULL,
	started_at     TIMESTAMP NOT NULL,
	recorded_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_records_recorded_at ON call_records(recorded_at);
CREATE INDEX IF NOT EXISTS idx_call_records_transaction ON call_records(transaction_id);
`

// Recorder writes call records asynchronously so the hot path never waits
// on the database.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger

	records chan Record
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder opens (or creates) the record store.
func NewRecorder(cfg *config.CDRConfig) (*Recorder, error) {
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store %q: %w", cfg.SQLitePath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize record store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	r := &Recorder{
		db:      db,
		logger:  slog.Default().With("component", "cdr.recorder"),
		records: make(chan Record, 1024),
		stopCh:  make(chan struct{}),
	}
	r.wg.Add(1)
	go r.runWriter()
	return r, nil
}

// Record enqueues one record. Drops (with a log) when the queue is full
// rather than blocking a worker.
func (r *Recorder) Record(rec Record) {
	rec.ID = uuid.NewString()
	select {
	case r.records <- rec:
	default:
		r.logger.Warn("record queue full, dropping call record",
			"transaction_id", rec.TransactionID)
	}
}

func (r *Recorder) runWriter() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.records:
			r.insert(rec)
		case <-r.stopCh:
			for {
				select {
				case rec := <-r.records:
					r.insert(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) insert(rec Record) {
	_, err := r.db.Exec(
		`INSERT INTO call_records
		 (id, connection_id, transaction_id, method, cluster, status, started_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConnectionID, rec.TransactionID, rec.Method, rec.Cluster,
		rec.Status, rec.StartedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		r.logger.Error("failed to insert call record", "error", err)
	}
}

// Count returns the number of stored records.
func (r *Recorder) Count() (int, error) {
	var n int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM call_records").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count call records: %w", err)
	}
	return n, nil
}

// Prune deletes records recorded before the cutoff and returns how many
// were removed.
func (r *Recorder) Prune(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM call_records WHERE recorded_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune call records: %w", err)
	}
	return res.RowsAffected()
}

// Close drains pending writes and closes the store.
func (r *Recorder) Close() error {
	close(r.stopCh)
	r.wg.Wait()
	return r.db.Close()
}
