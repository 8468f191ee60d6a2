package warehouse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Config selects and configures a storage backend.
type Config struct {
	Kind string `json:"kind"` // "postgres" | "sqlite" | "mssql"
	DSN  string `json:"dsn"`
}

// Repository is the backend-agnostic surface of one warehouse. Each backend
// implements these semantics in its own idiomatic way (Postgres ON CONFLICT,
// SQLite OR IGNORE, SQL Server MERGE-free upserts).
type Repository interface {
	// Close releases backend resources. Call once at shutdown.
	Close()

	// EnsureSchema creates all warehouse and star-schema tables if needed.
	// Idempotent; safe to call at every startup.
	EnsureSchema(ctx context.Context, m Model) error

	// Begin opens the single transaction scope a batch runs in. Every write
	// of one run happens inside it; Rollback must leave no partial state.
	Begin(ctx context.Context) (Tx, error)
}

// Version is one warehouse row as read back for merging or projection.
type Version struct {
	Key         string // normalized natural key
	RawKey      any
	Attrs       []any // aligned with EntitySpec.Attributes
	SourceAudit int
	StartDate   time.Time
}

// SnapshotRow is one natural-keyed row, either as fetched from a source
// feed or as a new version to open.
type SnapshotRow struct {
	Key   any
	Attrs []any // aligned with EntitySpec.Attributes
}

// DimensionRow is one upsert target for a dimension table.
type DimensionRow struct {
	Key    any
	Values []any // aligned with DimensionSpec.Columns
}

// Tx is the per-batch transaction. Implementations must guarantee that
// Rollback after a partial run restores the pre-batch state.
type Tx interface {
	// AcquireBatchLock takes the warehouse-wide advisory lock guarding
	// against concurrent batch runs. Held until commit or rollback.
	AcquireBatchLock(ctx context.Context) error

	// TruncateAll empties every warehouse and star-schema table (full mode).
	TruncateAll(ctx context.Context, m Model) error

	// MaxBatchID returns the highest insert_id stamped across the given
	// entity tables, or 0 when the warehouse is empty.
	MaxBatchID(ctx context.Context, entities []EntitySpec) (int64, error)

	// CurrentVersions returns the current (end_date IS NULL) versions of one
	// entity for one source tag, keyed by normalized natural key.
	CurrentVersions(ctx context.Context, e EntitySpec, sourceAudit int) (map[string]Version, error)

	// AllCurrentVersions returns the current versions of one entity across
	// all source tags, in no particular order.
	AllCurrentVersions(ctx context.Context, e EntitySpec) ([]Version, error)

	// InsertVersions opens new versions: start_date = startDate,
	// end_date = NULL, insert_id = batchID.
	InsertVersions(ctx context.Context, e EntitySpec, rows []SnapshotRow, sourceAudit int, batchID int64, startDate time.Time) error

	// CloseVersions closes the current versions of the given natural keys:
	// end_date = endDate, update_id = batchID. Attribute columns are never
	// touched; history is append-only.
	CloseVersions(ctx context.Context, e EntitySpec, sourceAudit int, keys []any, batchID int64, endDate time.Time) error

	// TransactionDates returns the non-NULL values of one date attribute
	// across the current versions of an entity. Used by the date spine scan.
	TransactionDates(ctx context.Context, e EntitySpec, attr string) ([]time.Time, error)

	// UpsertDimensionRows writes dimension rows by natural key: existing
	// surrogate rows are overwritten in place, new keys get a fresh
	// backend-assigned surrogate. Surrogates of existing rows never change.
	UpsertDimensionRows(ctx context.Context, d DimensionSpec, rows []DimensionRow) error

	// SeedDimensionRow idempotently writes a dimension row under an explicit
	// surrogate key (e.g. the -1 "unattributed" traffic source).
	SeedDimensionRow(ctx context.Context, d DimensionSpec, row SeedRow) error

	// DimensionKeys returns the full natural-key -> surrogate-key mapping of
	// one dimension table.
	DimensionKeys(ctx context.Context, d DimensionSpec) (map[string]int64, error)

	// UpsertDateRows writes calendar rows idempotently by date key.
	UpsertDateRows(ctx context.Context, d DateSpec, rows []DateRow) error

	// TruncateFact empties the fact table.
	TruncateFact(ctx context.Context, f FactSpec) error

	// InsertFactRows bulk-inserts fact rows. columns is the target column
	// list; every row must align with it.
	InsertFactRows(ctx context.Context, f FactSpec, columns []string, rows [][]any) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
// Call from an init() in the backend package. Registering the same kind
// twice panics, to fail fast on ambiguous backend selection.
func Register(kind string, f factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if kind == "" {
		panic("warehouse: Register called with empty kind")
	}
	if f == nil {
		panic("warehouse: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("warehouse: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("warehouse: missing storage kind")
	}

	factoryMu.RLock()
	f := factories[cfg.Kind]
	factoryMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
