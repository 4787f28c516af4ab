package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/db"
	"github.com/sells-group/outreach-cli/internal/model"
)

// PostgresStore implements Store using pgxpool. Call history lives in a
// JSONB column so the append and conditional-outcome updates are single
// statements, which is what makes them safe under re-runs.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

const (
	sqlInsertClient = `INSERT INTO clients (id, external_id, source, full_name, phone_number, language, created_at, call_count, call_history, extra, ingested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '[]'::jsonb, $8, now(), now())
		ON CONFLICT (external_id) DO NOTHING`

	sqlSelectClient = `SELECT id, external_id, source, full_name, phone_number, language, created_at, call_count, call_history, extra
		FROM clients WHERE id = $1`

	sqlListBySource = `SELECT id, external_id, source, full_name, phone_number, language, created_at, call_count, call_history, extra
		FROM clients WHERE source = $1`

	// Appends the attempt and bumps call_count in one statement. The guard
	// on call_id keeps a re-run from double-recording the same placement.
	sqlAppendAttempt = `UPDATE clients
		SET call_history = call_history || jsonb_build_array($2::jsonb),
		    call_count   = call_count + 1,
		    updated_at   = now()
		WHERE id = $1
		  AND NOT EXISTS (
		    SELECT 1 FROM jsonb_array_elements(call_history) AS e
		    WHERE e->>'call_id' = $3
		  )`

	// Sets outcome on exactly the matching pending entry. The WHERE guard
	// makes the statement a no-op when the entry was already finalized, so
	// an outcome can never be overwritten.
	sqlSetOutcome = `UPDATE clients
		SET call_history = (
		      SELECT COALESCE(jsonb_agg(
		        CASE WHEN t.e->>'call_id' = $2 AND NOT (t.e ? 'outcome')
		             THEN t.e || jsonb_build_object('outcome', $3::jsonb)
		             ELSE t.e
		        END ORDER BY t.idx), '[]'::jsonb)
		      FROM jsonb_array_elements(call_history) WITH ORDINALITY AS t(e, idx)
		    ),
		    updated_at = now()
		WHERE id = $1
		  AND EXISTS (
		    SELECT 1 FROM jsonb_array_elements(call_history) AS e
		    WHERE e->>'call_id' = $2 AND NOT (e ? 'outcome')
		  )`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot engine paths.
var preparedStatements = map[string]string{
	"append_attempt": sqlAppendAttempt,
	"set_outcome":    sqlSetOutcome,
	"list_by_source": sqlListBySource,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS clients (
	id           TEXT PRIMARY KEY,
	external_id  TEXT UNIQUE,
	source       TEXT NOT NULL,
	full_name    TEXT NOT NULL DEFAULT '',
	phone_number TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL DEFAULT '',
	call_count   INTEGER NOT NULL DEFAULT 0,
	call_history JSONB NOT NULL DEFAULT '[]',
	extra        JSONB,
	ingested_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_clients_source ON clients(source);
CREATE INDEX IF NOT EXISTS idx_clients_call_count ON clients(call_count);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) InsertClient(ctx context.Context, rec model.ClientRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	var externalID *string
	if rec.ExternalID != "" {
		externalID = &rec.ExternalID
	}

	var extra []byte
	if len(rec.Extra) > 0 {
		var err error
		extra, err = json.Marshal(rec.Extra)
		if err != nil {
			return false, eris.Wrap(err, "postgres: marshal extra")
		}
	}

	tag, err := s.pool.Exec(ctx, sqlInsertClient,
		rec.ID, externalID, string(rec.Source), rec.FullName, rec.PhoneNumber, rec.Language, rec.CreatedAt, extra,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert client %s", rec.ID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) GetClient(ctx context.Context, id string) (*model.ClientRecord, error) {
	row := s.pool.QueryRow(ctx, sqlSelectClient, id)
	rec, err := scanClient(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get client %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListBySource(ctx context.Context, source model.Source) ([]model.ClientRecord, error) {
	rows, err := s.pool.Query(ctx, sqlListBySource, string(source))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list clients for source %s", source)
	}
	defer rows.Close()

	return collectClients(rows)
}

func (s *PostgresStore) ListClients(ctx context.Context, filter ClientFilter) ([]model.ClientRecord, error) {
	sql := `SELECT id, external_id, source, full_name, phone_number, language, created_at, call_count, call_history, extra FROM clients`
	var args []any
	if filter.Source != "" {
		sql += ` WHERE source = $1`
		args = append(args, string(filter.Source))
	}
	sql += ` ORDER BY ingested_at`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sql += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clients")
	}
	defer rows.Close()

	recs, err := collectClients(rows)
	if err != nil {
		return nil, err
	}
	if filter.PendingOnly {
		recs = filterPending(recs)
	}
	return recs, nil
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, id string, attempt model.CallAttempt) error {
	raw, err := json.Marshal(attempt)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attempt")
	}

	tag, err := s.pool.Exec(ctx, sqlAppendAttempt, id, raw, attempt.CallID)
	if err != nil {
		return eris.Wrapf(err, "postgres: append attempt for client %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: append attempt for client %s: no row updated (unknown client or duplicate call id %s)", id, attempt.CallID)
	}
	return nil
}

func (s *PostgresStore) SetOutcomeIfAbsent(ctx context.Context, id, callID string, outcome model.CallOutcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outcome")
	}

	// RowsAffected == 0 means the entry is already finalized (or unknown):
	// the stored outcome stands and this write is a no-op.
	_, err = s.pool.Exec(ctx, sqlSetOutcome, id, callID, raw)
	if err != nil {
		return eris.Wrapf(err, "postgres: set outcome for client %s call %s", id, callID)
	}
	return nil
}

// scanClient reads one client row (shared between QueryRow and Query paths).
func scanClient(row pgx.Row) (*model.ClientRecord, error) {
	var (
		rec        model.ClientRecord
		externalID *string
		history    []byte
		extra      []byte
	)
	if err := row.Scan(&rec.ID, &externalID, &rec.Source, &rec.FullName, &rec.PhoneNumber, &rec.Language, &rec.CreatedAt, &rec.CallCount, &history, &extra); err != nil {
		return nil, err
	}
	if externalID != nil {
		rec.ExternalID = *externalID
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &rec.CallHistory); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal call history for client %s", rec.ID)
		}
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &rec.Extra); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal extra for client %s", rec.ID)
		}
	}
	return &rec, nil
}

func collectClients(rows pgx.Rows) ([]model.ClientRecord, error) {
	var recs []model.ClientRecord
	for rows.Next() {
		rec, err := scanClient(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan client")
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate clients")
	}
	return recs, nil
}

func filterPending(recs []model.ClientRecord) []model.ClientRecord {
	var out []model.ClientRecord
	for _, rec := range recs {
		if len(rec.PendingAttempts()) > 0 {
			out = append(out, rec)
		}
	}
	return out
}
