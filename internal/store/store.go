package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medbot/pkg/logx"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, useful for tests and dry runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "="
	OpLte Op = "<="
	OpGte Op = ">="
)

// Filter matches one column against a value.
type Filter struct {
	Col string
	Op  Op
	Val any
}

// Filters is an AND-combined set of column predicates.
type Filters []Filter

func Eq(col string, v any) Filter  { return Filter{Col: col, Op: OpEq, Val: v} }
func Lte(col string, v any) Filter { return Filter{Col: col, Op: OpLte, Val: v} }
func Gte(col string, v any) Filter { return Filter{Col: col, Op: OpGte, Val: v} }

// Patch is a partial column update.
type Patch map[string]any

// Store is the persistence API consumed by the scheduling core.
//
// Selects and updates are filtered by column equality/range. The store is
// the sole arbiter of concurrent writes: exactly-once generation rests on
// the unique index over ScheduleEntry.UniqueID, and guarded transitions on
// conditional update predicates, never on in-process locking.
type Store interface {
	SelectMedications(ctx context.Context, f Filters) ([]Medication, error)
	SelectPatients(ctx context.Context, f Filters) ([]Patient, error)
	SelectEntries(ctx context.Context, f Filters) ([]ScheduleEntry, error)

	// InsertEntries inserts rows in one batch, silently skipping rows whose
	// UniqueID already exists. Returns the number actually inserted.
	InsertEntries(ctx context.Context, rows []ScheduleEntry) (int, error)

	// UpdateEntries applies patch to every entry matching f.
	// Returns the number of rows changed.
	UpdateEntries(ctx context.Context, f Filters, p Patch) (int64, error)

	// DeleteEntries removes entries matching f. Only the reconciler calls
	// this, and only for strict duplicates.
	DeleteEntries(ctx context.Context, f Filters) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
