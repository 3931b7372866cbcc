package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	_ "github.com/microsoft/go-mssqldb"

	"songetl/internal/storage"
)

// Store implements storage.Store for Microsoft SQL Server.
//
// SQL Server has no ON CONFLICT clause. Skip and merge policies are expressed
// as a single-row MERGE keyed on the table's natural key:
//   - skip:  WHEN NOT MATCHED THEN INSERT
//   - merge: WHEN MATCHED THEN UPDATE SET <merge columns>, WHEN NOT MATCHED THEN INSERT
//
// Each write runs after SAVE TRANSACTION so a failed row is rolled back to the
// savepoint and the file transaction keeps going.
type Store struct {
	db dbConn
}

// savepointName is reused for every row. ROLLBACK TRANSACTION <name> targets
// the most recent savepoint with that name.
const savepointName = "songetl_row"

func init() {
	storage.Register("mssql", New)
}

// New opens a database/sql handle with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Small pool: the driver runs a single transaction at a time.
	raw.SetMaxOpenConns(4)
	raw.SetMaxIdleConns(4)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, storage.ConnLost(fmt.Errorf("mssql: ping: %w", err))
	}
	return &Store{db: &sqlDB{db: raw}}, nil
}

func (s *Store) Flavor() sqlbuilder.Flavor { return sqlbuilder.SQLServer }

// Close releases database resources held by this store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// EnsureTables creates every missing table behind an OBJECT_ID guard.
//
// This method is idempotent and safe to run on every ETL invocation.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		ddl, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) DropTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, buildDropSQL(t)); err != nil {
			return fmt.Errorf("mssql: drop table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.ConnLost(fmt.Errorf("mssql: begin: %w", err))
	}
	return &mssqlTx{tx: tx}, nil
}

type mssqlTx struct {
	tx txConn
}

// Upsert writes one row inside a savepoint.
func (t *mssqlTx) Upsert(ctx context.Context, spec storage.TableSpec, row []any) error {
	if len(row) != len(spec.Columns) {
		return fmt.Errorf("mssql: %s: row has %d values, want %d", spec.Name, len(row), len(spec.Columns))
	}
	query := buildUpsertSQL(spec)

	if _, err := t.tx.ExecContext(ctx, "SAVE TRANSACTION "+savepointName); err != nil {
		return storage.ConnLost(fmt.Errorf("mssql: savepoint: %w", err))
	}

	_, err := t.tx.ExecContext(ctx, query, row...)
	if err == nil {
		return nil
	}
	if err := classify(ctx, err); storage.IsConnLost(err) {
		return err
	}
	if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TRANSACTION "+savepointName); rbErr != nil {
		return storage.ConnLost(fmt.Errorf("mssql: rollback to savepoint: %w (after %v)", rbErr, err))
	}
	return err
}

func (t *mssqlTx) QueryRow(ctx context.Context, query string, args []any, dest ...any) error {
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNoRows
	}
	return classify(ctx, err)
}

func (t *mssqlTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return storage.ConnLost(fmt.Errorf("mssql: commit: %w", err))
	}
	return nil
}

func (t *mssqlTx) Rollback(ctx context.Context) error {
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

// buildCreateSQL builds the guarded CREATE TABLE for t.
//
// Text columns that belong to the key use NVARCHAR(256) since SQL Server cannot
// index NVARCHAR(MAX). Other text columns use NVARCHAR(MAX).
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	var parts []string
	if t.PrimaryKey != nil {
		parts = append(parts, mssqlPrimaryKeyDef(*t.PrimaryKey))
	}
	for _, c := range t.Columns {
		parts = append(parts, mssqlColumnDef(c, t.IsKey(c.Name)))
	}
	if len(t.Key) > 0 {
		parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(t.Key)))
	}

	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

func buildDropSQL(t storage.TableSpec) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s;",
		strings.ReplaceAll(t.Name, "'", "''"),
		mssqlTableIdent(t.Name),
	)
}

// mssqlPrimaryKeyDef returns a column definition for an identity primary key.
//
//   - "bigserial" -> BIGINT IDENTITY(1,1) PRIMARY KEY
//   - anything else -> INT IDENTITY(1,1) PRIMARY KEY
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) string {
	if strings.EqualFold(strings.TrimSpace(pk.Type), "bigserial") {
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name))
	}
	return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name))
}

func mssqlColumnDef(c storage.ColumnSpec, key bool) string {
	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")

	switch c.Type {
	case storage.TypeInt:
		b.WriteString("INT")
	case storage.TypeBigInt:
		b.WriteString("BIGINT")
	case storage.TypeFloat:
		b.WriteString("FLOAT")
	default:
		if key {
			b.WriteString("NVARCHAR(256)")
		} else {
			b.WriteString("NVARCHAR(MAX)")
		}
	}

	if c.NotNull || key {
		b.WriteString(" NOT NULL")
	} else {
		b.WriteString(" NULL")
	}
	return b.String()
}

// buildUpsertSQL returns the single-row write statement for spec with @pN
// placeholders in column order.
//
// Example (merge on users):
//
//	MERGE INTO [users] WITH (HOLDLOCK) AS t
//	USING (VALUES (@p1, @p2)) AS s ([user_id], [level])
//	ON t.[user_id] = s.[user_id]
//	WHEN MATCHED THEN UPDATE SET t.[level] = s.[level]
//	WHEN NOT MATCHED THEN INSERT ([user_id], [level]) VALUES (s.[user_id], s.[level]);
func buildUpsertSQL(spec storage.TableSpec) string {
	cols := spec.ColumnNames()
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = fmt.Sprintf("@p%d", i+1)
	}

	if spec.Conflict.Policy == storage.ConflictNone {
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
			mssqlTableIdent(spec.Name), joinIdentList(cols), strings.Join(ph, ", "))
	}

	on := make([]string, len(spec.Key))
	for i, k := range spec.Key {
		on[i] = fmt.Sprintf("t.%s = s.%s", mssqlIdent(k), mssqlIdent(k))
	}
	srcCols := make([]string, len(cols))
	for i, c := range cols {
		srcCols[i] = "s." + mssqlIdent(c)
	}

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(spec.Name))
	b.WriteString(" WITH (HOLDLOCK) AS t USING (VALUES (")
	b.WriteString(strings.Join(ph, ", "))
	b.WriteString(")) AS s (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") ON ")
	b.WriteString(strings.Join(on, " AND "))

	if spec.Conflict.Policy == storage.ConflictMerge {
		sets := make([]string, len(spec.Conflict.MergeColumns))
		for i, c := range spec.Conflict.MergeColumns {
			sets[i] = fmt.Sprintf("t.%s = s.%s", mssqlIdent(c), mssqlIdent(c))
		}
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(srcCols, ", "))
	b.WriteString(");")
	return b.String()
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.songs" -> [dbo].[songs]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdentList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

var (
	_ dbConn        = (*sqlDB)(nil)
	_ txConn        = (*sqlTx)(nil)
	_ storage.Store = (*Store)(nil)
)
