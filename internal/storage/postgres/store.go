package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"songetl/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

/*
Store implements storage.Store for Postgres using a pgx pool.

Every Upsert and QueryRow runs inside a savepoint (a nested pgx transaction).
Postgres aborts the whole transaction on the first failed statement; the
savepoint confines the failure to that statement so the rest of the file can
still load and commit.
*/
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.ConnLost(fmt.Errorf("postgres: ping: %w", err))
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Flavor() sqlbuilder.Flavor { return sqlbuilder.PostgreSQL }

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureTables creates each table (and its schema, when qualified) if missing.
//
// This method is idempotent.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := s.pool.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// DropTables drops each table if it exists.
func (s *Store) DropTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if _, err := s.pool.Exec(ctx, buildDropSQL(t)); err != nil {
			return fmt.Errorf("drop table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Begin opens the transaction for one file.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storage.ConnLost(fmt.Errorf("postgres: begin: %w", err))
	}
	return &pgTx{tx: pgxConn{tx: tx}}, nil
}

// txConn is the part of a pgx transaction a file transaction uses. Begin
// opens a savepoint.
type txConn interface {
	Begin(ctx context.Context) (txConn, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	ConnClosed() bool
}

type pgxConn struct {
	tx pgx.Tx
}

func (c pgxConn) Begin(ctx context.Context) (txConn, error) {
	tx, err := c.tx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxConn{tx: tx}, nil
}

func (c pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.tx.Exec(ctx, sql, args...)
}

func (c pgxConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.tx.QueryRow(ctx, sql, args...)
}

func (c pgxConn) Commit(ctx context.Context) error   { return c.tx.Commit(ctx) }
func (c pgxConn) Rollback(ctx context.Context) error { return c.tx.Rollback(ctx) }

func (c pgxConn) ConnClosed() bool {
	conn := c.tx.Conn()
	return conn != nil && conn.IsClosed()
}

type pgTx struct {
	tx txConn
}

// Upsert writes one row inside a savepoint.
func (t *pgTx) Upsert(ctx context.Context, spec storage.TableSpec, row []any) error {
	if len(row) != len(spec.Columns) {
		return fmt.Errorf("postgres: %s: row has %d values, want %d", spec.Name, len(row), len(spec.Columns))
	}
	sql := buildUpsertSQL(spec)

	return t.savepoint(ctx, func(sp txConn) error {
		_, err := sp.Exec(ctx, sql, row...)
		return err
	})
}

// QueryRow runs a single-row query inside a savepoint.
func (t *pgTx) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	err := t.savepoint(ctx, func(sp txConn) error {
		return sp.QueryRow(ctx, query, args...).Scan(dest...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNoRows
	}
	return err
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return storage.ConnLost(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// savepoint runs fn in a nested transaction. A failure inside fn rolls back to
// the savepoint and leaves the outer transaction usable.
func (t *pgTx) savepoint(ctx context.Context, fn func(sp txConn) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return storage.ConnLost(fmt.Errorf("postgres: savepoint: %w", err))
	}

	if err := fn(sp); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return storage.ConnLost(fmt.Errorf("postgres: rollback to savepoint: %w (after %v)", rbErr, err))
		}
		return t.classify(ctx, err)
	}

	if err := sp.Commit(ctx); err != nil {
		return storage.ConnLost(fmt.Errorf("postgres: release savepoint: %w", err))
	}
	return nil
}

// classify separates statement errors from a dead connection.
//
// Server-side errors (*pgconn.PgError) and client-side encode errors concern
// only the statement. A closed connection, a timeout or a cancelled context
// concern the whole run.
func (t *pgTx) classify(ctx context.Context, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		pgconn.Timeout(err) ||
		t.tx.ConnClosed() {
		return storage.ConnLost(err)
	}
	return err
}

// buildUpsertSQL constructs the parameterized INSERT for one row of spec.
//
// Conflict handling:
//   - skip:  ON CONFLICT (<key>) DO NOTHING
//   - merge: ON CONFLICT (<key>) DO UPDATE SET col = EXCLUDED.col, ...
//   - none:  plain INSERT
//
// It is pure and deterministic so placeholder numbering and the conflict
// clause can be unit tested without a database.
func buildUpsertSQL(spec storage.TableSpec) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(spec.Name))
	b.WriteString(" (")
	for i, c := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c.Name))
	}
	b.WriteString(") VALUES (")
	for i := range spec.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("$%d", i+1))
	}
	b.WriteString(")")

	switch spec.Conflict.Policy {
	case storage.ConflictSkip:
		b.WriteString(" ON CONFLICT (")
		writeIdentList(&b, spec.Key)
		b.WriteString(") DO NOTHING")
	case storage.ConflictMerge:
		b.WriteString(" ON CONFLICT (")
		writeIdentList(&b, spec.Key)
		b.WriteString(") DO UPDATE SET ")
		for i, c := range spec.Conflict.MergeColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
			b.WriteString(" = EXCLUDED.")
			b.WriteString(pgIdent(c))
		}
	}

	return b.String()
}

func writeIdentList(b *strings.Builder, cols []string) {
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
}

// buildCreateSQL generates DDL for one table.
//
// Outputs:
//   - schemaSQL: optional CREATE SCHEMA statement when t.Name is schema-qualified.
//   - baseSQL:   CREATE TABLE IF NOT EXISTS for the table.
//
// The surrogate key (if any) comes first, then the declared columns, then the
// natural key as a table-level PRIMARY KEY.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if err := t.Validate(); err != nil {
		return "", "", err
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols := make([]string, 0, len(t.Columns)+2)
	if t.PrimaryKey != nil {
		pkType := strings.ToLower(strings.TrimSpace(t.PrimaryKey.Type))
		if pkType == "" {
			pkType = "serial"
		}
		cols = append(cols, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(t.PrimaryKey.Name), pkType))
	}

	for _, c := range t.Columns {
		def := pgIdent(c.Name) + " " + pgType(c.Type)
		if c.NotNull || t.IsKey(c.Name) {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}

	if len(t.Key) > 0 {
		var b strings.Builder
		b.WriteString("PRIMARY KEY (")
		writeIdentList(&b, t.Key)
		b.WriteString(")")
		cols = append(cols, b.String())
	}

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(cols, ", "))
	return schemaSQL, baseSQL, nil
}

func buildDropSQL(t storage.TableSpec) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s;`, pgTableIdent(t.Name))
}

func pgType(t storage.ColumnType) string {
	switch t {
	case storage.TypeInt:
		return "int"
	case storage.TypeBigInt:
		return "bigint"
	case storage.TypeFloat:
		return "float8"
	default:
		return "varchar"
	}
}

// pgIdent quotes a single identifier.
func pgIdent(name string) string {
	return pgx.Identifier{strings.TrimSpace(name)}.Sanitize()
}

// pgTableIdent quotes a possibly schema-qualified table name.
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.songs" => ("public", "songs")
//   - "songs"        => ("", "songs")
//
// Only a single dot is handled; anything else is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

var _ storage.Store = (*Store)(nil)
