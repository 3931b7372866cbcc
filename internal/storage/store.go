package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/huandu/go-sqlbuilder"
)

// Config is the minimal configuration needed to open a Store.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Store is the relational store capability the loader runs against.
//
// A Store is owned by exactly one driver for its lifetime. All writes go through
// a Tx so each source file is one unit of work.
type Store interface {
	// Flavor reports the SQL dialect, so callers can build read queries with
	// the right placeholder style.
	Flavor() sqlbuilder.Flavor

	// EnsureTables creates the given tables if they do not exist.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// DropTables drops the given tables if they exist.
	DropTables(ctx context.Context, tables []TableSpec) error

	// Begin opens the unit of work for one file.
	Begin(ctx context.Context) (Tx, error)

	// Close releases backend resources. Call once.
	Close()
}

// Tx is a file-scoped transaction.
//
// Upsert and QueryRow are isolated per statement: a failed statement leaves the
// transaction usable for the statements that follow. Backends that would
// otherwise abort the whole transaction (Postgres) wrap each statement in a
// savepoint.
//
// Errors wrapping ErrConnLost mean the store is unusable and the run must stop.
// Any other error concerns only the statement that produced it.
type Tx interface {
	// Upsert writes one row using the table's conflict policy. row must be
	// aligned with spec.ColumnNames().
	Upsert(ctx context.Context, spec TableSpec, row []any) error

	// QueryRow runs a single-row query and scans it into dest. It returns
	// ErrNoRows when the query yields nothing.
	QueryRow(ctx context.Context, query string, args []any, dest ...any) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered. Registering
//     twice is a wiring bug and should fail fast.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Kinds returns the registered backend kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}

// New opens a Store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns, wrapped with
//     ErrConnLost when the backend could not reach the database.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
