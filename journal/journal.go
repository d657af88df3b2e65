// Package journal keeps the decision attempts in a sqlite database so an
// attempt anchored on the ledger but never confirmed by the backend is still
// known after the process exits.
package journal

import (
	"context"
	"database/sql"
	"time"

	"github.com/medisafe/accessgrant/grant"
	"github.com/medisafe/accessgrant/requestlog"

	// sqlite3 driver
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const schema = `CREATE TABLE IF NOT EXISTS Attempt(
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	decision INTEGER NOT NULL,
	state TEXT NOT NULL,
	reason TEXT NOT NULL,
	message TEXT NOT NULL,
	hash TEXT NOT NULL,
	tx_hash BLOB,
	started_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS attempt_request ON Attempt(request_id);`

const columns = "id, request_id, decision, state, reason, message, hash, tx_hash, started_at, updated_at"

// Journal records attempts.
type Journal struct {
	db *sql.DB
}

var _ grant.Recorder = (*Journal)(nil)

// Open opens, and creates if needed, the journal at path.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, xerrors.Errorf("opening the journal: %w", err)
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)
	_, err = db.Exec(schema)
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("creating the journal tables: %w", err)
	}
	logrus.WithField("path", path).Debug("journal opened")
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores the current state of a. A later record of the same attempt
// replaces the previous one.
func (j *Journal) Record(ctx context.Context, a grant.Attempt) error {
	if a.ID == "" {
		return xerrors.New("attempt without id")
	}
	var txHash interface{}
	if len(a.TxHash) > 0 {
		txHash = a.TxHash
	}
	_, err := j.db.ExecContext(ctx, "INSERT OR REPLACE INTO Attempt("+columns+") VALUES(?,?,?,?,?,?,?,?,?,?);",
		a.ID, a.RequestID, int(a.Decision), a.State.String(), a.Reason.String(),
		a.Message, a.Hash, txHash, a.StartedAt.UnixNano(), a.UpdatedAt.UnixNano())
	if err != nil {
		return xerrors.Errorf("recording attempt %s: %w", a.ID, err)
	}
	return nil
}

// ListByRequest returns the attempts on requestID, oldest first.
func (j *Journal) ListByRequest(ctx context.Context, requestID string) ([]grant.Attempt, error) {
	return j.query(ctx, "SELECT "+columns+" FROM Attempt WHERE request_id = ? ORDER BY started_at, id;", requestID)
}

// List returns every attempt, oldest first.
func (j *Journal) List(ctx context.Context) ([]grant.Attempt, error) {
	return j.query(ctx, "SELECT "+columns+" FROM Attempt ORDER BY started_at, id;")
}

// Unconfirmed returns the attempts whose hash reached the ledger but which
// never settled.
func (j *Journal) Unconfirmed(ctx context.Context) ([]grant.Attempt, error) {
	return j.query(ctx, "SELECT "+columns+" FROM Attempt WHERE length(tx_hash) > 0 AND state != ? ORDER BY started_at, id;",
		grant.Settled.String())
}

func (j *Journal) query(ctx context.Context, q string, args ...interface{}) ([]grant.Attempt, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, xerrors.Errorf("querying the journal: %w", err)
	}
	defer rows.Close()

	var attempts []grant.Attempt
	for rows.Next() {
		var a grant.Attempt
		var decision int
		var state, reason string
		var started, updated int64
		err = rows.Scan(&a.ID, &a.RequestID, &decision, &state, &reason,
			&a.Message, &a.Hash, &a.TxHash, &started, &updated)
		if err != nil {
			return nil, xerrors.Errorf("reading an attempt: %w", err)
		}
		a.Decision = requestlog.Decision(decision)
		a.State, err = grant.ParseState(state)
		if err != nil {
			return nil, xerrors.Errorf("attempt %s: %w", a.ID, err)
		}
		a.Reason, err = grant.ParseReason(reason)
		if err != nil {
			return nil, xerrors.Errorf("attempt %s: %w", a.ID, err)
		}
		a.StartedAt = time.Unix(0, started).UTC()
		a.UpdatedAt = time.Unix(0, updated).UTC()
		attempts = append(attempts, a)
	}
	if err = rows.Err(); err != nil {
		return nil, xerrors.Errorf("reading the journal: %w", err)
	}
	return attempts, nil
}
