package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

// Dialect selects placeholder syntax and locking.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS vault_records (
	ledger TEXT NOT NULL,
	event_index BIGINT NOT NULL,
	chain_hash TEXT NOT NULL,
	record TEXT NOT NULL,
	PRIMARY KEY (ledger, event_index)
);
`

// SQLBackend stores one ledger in a shared vault_records table. The primary
// key on (ledger, event_index) rejects a second writer racing for the same
// index; on Postgres appends also take a transaction-scoped advisory lock.
type SQLBackend struct {
	db      *sql.DB
	dialect Dialect
	ledger  string
	owned   bool
}

// NewSQLBackend uses an existing connection pool.
func NewSQLBackend(db *sql.DB, dialect Dialect, ledger string) *SQLBackend {
	return &SQLBackend{db: db, dialect: dialect, ledger: ledger}
}

// OpenSQL opens a pool for dialect and dsn.
func OpenSQL(dialect Dialect, dsn string) (*sql.DB, error) {
	driver := string(dialect)
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("vault: unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Init creates the table.
func (s *SQLBackend) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

// q rewrites $n placeholders for sqlite.
func (s *SQLBackend) q(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	for i := 9; i >= 1; i-- {
		query = strings.ReplaceAll(query, fmt.Sprintf("$%d", i), "?")
	}
	return query
}

func (s *SQLBackend) Append(ctx context.Context, next func(head *Line) (Line, error)) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.dialect == DialectPostgres {
		if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "eve_vault:"+s.ledger); err != nil {
			return fmt.Errorf("vault lock: %w", err)
		}
	}

	var head *Line
	var l Line
	var rec string
	row := tx.QueryRowContext(ctx, s.q(`SELECT event_index, chain_hash, record FROM vault_records WHERE ledger = $1 ORDER BY event_index DESC LIMIT 1`), s.ledger)
	switch scanErr := row.Scan(&l.Index, &l.ChainHash, &rec); {
	case scanErr == nil:
		l.Data = []byte(rec)
		head = &l
	case errors.Is(scanErr, sql.ErrNoRows):
	default:
		return scanErr
	}

	line, err := next(head)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, s.q(`INSERT INTO vault_records (ledger, event_index, chain_hash, record) VALUES ($1, $2, $3, $4)`),
		s.ledger, line.Index, line.ChainHash, string(line.Data)); err != nil {
		return fmt.Errorf("vault insert: %w", err)
	}
	return tx.Commit()
}

func (s *SQLBackend) Lines(ctx context.Context) ([]Line, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT event_index, chain_hash, record FROM vault_records WHERE ledger = $1 ORDER BY event_index ASC`), s.ledger)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Line
	for rows.Next() {
		var l Line
		var rec string
		if err := rows.Scan(&l.Index, &l.ChainHash, &rec); err != nil {
			return nil, err
		}
		l.Data = []byte(rec)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Close closes the pool if the backend opened it.
func (s *SQLBackend) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
