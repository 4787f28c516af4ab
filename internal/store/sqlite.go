package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/outreach-cli/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database. Call history
// is a JSON text column; the conditional mutations run as read-modify-write
// inside a transaction, which SQLite's writer lock makes atomic.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite database at path.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}

	// Single writer at a time keeps the transaction-based history updates
	// serialized.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: %s", pragma)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS clients (
	id           TEXT PRIMARY KEY,
	external_id  TEXT UNIQUE,
	source       TEXT NOT NULL,
	full_name    TEXT NOT NULL DEFAULT '',
	phone_number TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL DEFAULT '',
	call_count   INTEGER NOT NULL DEFAULT 0,
	call_history TEXT NOT NULL DEFAULT '[]',
	extra        TEXT,
	ingested_at  TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_clients_source ON clients(source);
CREATE INDEX IF NOT EXISTS idx_clients_call_count ON clients(call_count);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertClient(ctx context.Context, rec model.ClientRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	var externalID any
	if rec.ExternalID != "" {
		externalID = rec.ExternalID
	}

	var extra any
	if len(rec.Extra) > 0 {
		raw, err := json.Marshal(rec.Extra)
		if err != nil {
			return false, eris.Wrap(err, "sqlite: marshal extra")
		}
		extra = string(raw)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, external_id, source, full_name, phone_number, language, created_at, call_count, call_history, extra)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, '[]', ?)
		 ON CONFLICT (external_id) DO NOTHING`,
		rec.ID, externalID, string(rec.Source), rec.FullName, rec.PhoneNumber, rec.Language, rec.CreatedAt, extra,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert client %s", rec.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

const sqliteSelectColumns = `id, external_id, source, full_name, phone_number, language, created_at, call_count, call_history, extra`

func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*model.ClientRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSelectColumns+` FROM clients WHERE id = ?`, id)
	rec, err := scanClientSQL(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get client %s", id)
	}
	return rec, nil
}

func (s *SQLiteStore) ListBySource(ctx context.Context, source model.Source) ([]model.ClientRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSelectColumns+` FROM clients WHERE source = ?`, string(source))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list clients for source %s", source)
	}
	defer rows.Close()

	return collectClientsSQL(rows)
}

func (s *SQLiteStore) ListClients(ctx context.Context, filter ClientFilter) ([]model.ClientRecord, error) {
	query := `SELECT ` + sqliteSelectColumns + ` FROM clients`
	var args []any
	if filter.Source != "" {
		query += ` WHERE source = ?`
		args = append(args, string(filter.Source))
	}
	query += ` ORDER BY ingested_at`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list clients")
	}
	defer rows.Close()

	recs, err := collectClientsSQL(rows)
	if err != nil {
		return nil, err
	}
	if filter.PendingOnly {
		recs = filterPending(recs)
	}
	return recs, nil
}

func (s *SQLiteStore) AppendAttempt(ctx context.Context, id string, attempt model.CallAttempt) error {
	err := s.withHistory(ctx, id, func(history []model.CallAttempt) ([]model.CallAttempt, bool, error) {
		for _, a := range history {
			if a.CallID == attempt.CallID {
				return nil, false, eris.Errorf("duplicate call id %s", attempt.CallID)
			}
		}
		return append(history, attempt), true, nil
	})
	return eris.Wrapf(err, "sqlite: append attempt for client %s", id)
}

func (s *SQLiteStore) SetOutcomeIfAbsent(ctx context.Context, id, callID string, outcome model.CallOutcome) error {
	err := s.withHistory(ctx, id, func(history []model.CallAttempt) ([]model.CallAttempt, bool, error) {
		for i := range history {
			if history[i].CallID == callID && history[i].Outcome == nil {
				history[i].Outcome = &outcome
				return history, false, nil
			}
		}
		// Already finalized or unknown call id: the stored state stands.
		return nil, false, nil
	})
	return eris.Wrapf(err, "sqlite: set outcome for client %s call %s", id, callID)
}

// withHistory runs fn over the client's decoded call history inside a
// transaction and writes back the returned history. A nil returned history
// with nil error commits nothing. bumpCount also increments call_count.
func (s *SQLiteStore) withHistory(ctx context.Context, id string, fn func([]model.CallAttempt) ([]model.CallAttempt, bool, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT call_history FROM clients WHERE id = ?`, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return eris.Errorf("unknown client %s", id)
		}
		return eris.Wrap(err, "read history")
	}

	var history []model.CallAttempt
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return eris.Wrap(err, "unmarshal history")
	}

	updated, bumpCount, err := fn(history)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	out, err := json.Marshal(updated)
	if err != nil {
		return eris.Wrap(err, "marshal history")
	}

	query := `UPDATE clients SET call_history = ?, updated_at = datetime('now') WHERE id = ?`
	if bumpCount {
		query = `UPDATE clients SET call_history = ?, call_count = call_count + 1, updated_at = datetime('now') WHERE id = ?`
	}
	if _, err := tx.ExecContext(ctx, query, string(out), id); err != nil {
		return eris.Wrap(err, "write history")
	}
	return eris.Wrap(tx.Commit(), "commit")
}

func scanClientSQL(row *sql.Row) (*model.ClientRecord, error) {
	var (
		rec        model.ClientRecord
		externalID sql.NullString
		history    string
		extra      sql.NullString
	)
	if err := row.Scan(&rec.ID, &externalID, &rec.Source, &rec.FullName, &rec.PhoneNumber, &rec.Language, &rec.CreatedAt, &rec.CallCount, &history, &extra); err != nil {
		return nil, err
	}
	return decodeClientSQL(rec, externalID, history, extra)
}

func collectClientsSQL(rows *sql.Rows) ([]model.ClientRecord, error) {
	var recs []model.ClientRecord
	for rows.Next() {
		var (
			rec        model.ClientRecord
			externalID sql.NullString
			history    string
			extra      sql.NullString
		)
		if err := rows.Scan(&rec.ID, &externalID, &rec.Source, &rec.FullName, &rec.PhoneNumber, &rec.Language, &rec.CreatedAt, &rec.CallCount, &history, &extra); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan client")
		}
		decoded, err := decodeClientSQL(rec, externalID, history, extra)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *decoded)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate clients")
	}
	return recs, nil
}

func decodeClientSQL(rec model.ClientRecord, externalID sql.NullString, history string, extra sql.NullString) (*model.ClientRecord, error) {
	if externalID.Valid {
		rec.ExternalID = externalID.String
	}
	if history != "" {
		if err := json.Unmarshal([]byte(history), &rec.CallHistory); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal call history for client %s", rec.ID)
		}
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &rec.Extra); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal extra for client %s", rec.ID)
		}
	}
	return &rec, nil
}
