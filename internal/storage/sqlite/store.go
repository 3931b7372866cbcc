package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	_ "modernc.org/sqlite"

	"songetl/internal/storage"
)

// Store implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite rolls back only the failing statement inside a transaction, so no
//     savepoint is needed to keep the file transaction usable after a row error.
//   - The handle is limited to one connection. A second connection would see a
//     locked database while the per-file transaction is open.
type Store struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storage.ConnLost(fmt.Errorf("sqlite: ping: %w", err))
	}
	return &Store{db: db}, nil
}

func (s *Store) Flavor() sqlbuilder.Flavor { return sqlbuilder.SQLite }

func (s *Store) Close() { _ = s.db.Close() }

// EnsureTables creates every table that does not exist yet.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) DropTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+sqlIdent(t.Name)); err != nil {
			return fmt.Errorf("drop table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.ConnLost(fmt.Errorf("sqlite: begin: %w", err))
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Upsert(ctx context.Context, spec storage.TableSpec, row []any) error {
	if len(row) != len(spec.Columns) {
		return fmt.Errorf("sqlite: %s: row has %d values, want %d", spec.Name, len(row), len(spec.Columns))
	}
	_, err := t.tx.ExecContext(ctx, buildUpsertSQL(spec), row...)
	return classify(ctx, err)
}

func (t *sqliteTx) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNoRows
	}
	return classify(ctx, err)
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return storage.ConnLost(fmt.Errorf("sqlite: commit: %w", err))
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || storage.IsBadConn(err) {
		return storage.ConnLost(err)
	}
	return err
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildCreateSQL generates the CREATE TABLE IF NOT EXISTS statement for t.
//
// A serial surrogate key becomes INTEGER PRIMARY KEY AUTOINCREMENT, which makes
// it the rowid. The natural key becomes a table-level PRIMARY KEY.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	var parts []string
	if t.PrimaryKey != nil {
		parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
	}

	for _, c := range t.Columns {
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), sqliteType(c.Type))
		if c.NotNull || t.IsKey(c.Name) {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}

	if len(t.Key) > 0 {
		parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(t.Key)))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

// buildUpsertSQL uses the SQLite UPSERT clause, which mirrors Postgres.
func buildUpsertSQL(spec storage.TableSpec) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(spec.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(spec.ColumnNames()))
	b.WriteString(") VALUES (")
	b.WriteString(strings.TrimRight(strings.Repeat("?, ", len(spec.Columns)), ", "))
	b.WriteString(")")

	switch spec.Conflict.Policy {
	case storage.ConflictSkip:
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(spec.Key))
		b.WriteString(") DO NOTHING")
	case storage.ConflictMerge:
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(spec.Key))
		b.WriteString(") DO UPDATE SET ")
		sets := make([]string, len(spec.Conflict.MergeColumns))
		for i, c := range spec.Conflict.MergeColumns {
			sets[i] = sqlIdent(c) + " = excluded." + sqlIdent(c)
		}
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String()
}

func sqliteType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInt, storage.TypeBigInt:
		return "INTEGER"
	case storage.TypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func joinIdentList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = sqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

var _ storage.Store = (*Store)(nil)
