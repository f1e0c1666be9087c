/*
store.go - Persistence interfaces for schedules, lines and matches

PURPOSE:
  Defines the boundary between the engine and the database. Schedules and
  deposit lines are owned by external collaborators; the engine reads them
  and updates only the fields it is responsible for. Match rows are owned
  by the engine and are append-only.

KEY INTERFACES:
  Store:   reads plus the narrow set of writes the executor needs
  TxStore: Store plus WithTx for atomic multi-entity writes
  Locker:  optional per-entity serialization across processes

APPEND-ONLY CONTRACT FOR MATCHES:
  - AppendMatches(): the only insert
  - MarkMatchesReversed(): the only update, Applied -> Reversed
  - NO Delete. Ever.

UPSERTS:
  SaveSchedule and SaveLine never overwrite what the executor owns on an
  existing record: schedule actuals and status, line allocations and the
  primary schedule. Those change only through the Update* methods.

OPTIMISTIC CONCURRENCY:
  UpdateScheduleActuals and UpdateLineAllocation compare the record's
  Version with the stored one. A mismatch returns ErrConcurrentModification
  and the enclosing transaction rolls back.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - recon/store/memory.go: in-memory for tests and demos
*/
package recon

import (
	"context"
	"time"
)

// ScheduleFilter narrows ListSchedules. Zero value lists every live schedule.
type ScheduleFilter struct {
	TenantID       string
	IncludeDeleted bool
}

// Store handles persistence for the engine.
type Store interface {
	// Schedules
	GetSchedule(ctx context.Context, id ScheduleID) (RevenueSchedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]RevenueSchedule, error)
	SaveSchedule(ctx context.Context, s RevenueSchedule) error
	UpdateScheduleActuals(ctx context.Context, s RevenueSchedule) error

	// Deposit lines
	GetLine(ctx context.Context, id LineID) (DepositLineItem, error)
	ListLinesByDeposit(ctx context.Context, depositID DepositID) ([]DepositLineItem, error)
	SaveLine(ctx context.Context, l DepositLineItem) error
	UpdateLineAllocation(ctx context.Context, l DepositLineItem) error

	// Matches
	AppendMatches(ctx context.Context, matches []DepositLineMatch) error
	MarkMatchesReversed(ctx context.Context, ids []MatchID, at time.Time) error
	ListMatchesByGroup(ctx context.Context, id MatchGroupID) ([]DepositLineMatch, error)
	ListMatchesByLine(ctx context.Context, id LineID) ([]DepositLineMatch, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store it was handed
	// is rolled back. If fn returns nil, the writes are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Locker serializes apply/reverse calls touching the same entities. Keys are
// acquired in the given order; callers pass them sorted.
type Locker interface {
	Lock(ctx context.Context, keys []string) (release func(), err error)
}
