/*
Package sqlite provides a SQLite-backed implementation of recon.TxStore.

PURPOSE:
  Persists revenue schedules, deposit line items and the engine's match
  rows. In production, the same patterns apply to PostgreSQL - only minor
  SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  deposit_line_matches is append-only:
  - The only UPDATE flips status applied -> reversed and stamps reversed_at
  - DELETE is rejected by a trigger
  - Money columns are never rewritten

KEY TABLES:
  revenue_schedules:    Forecast lines; the engine updates actuals/status only
  deposit_line_items:   Deposit rows; the engine updates allocation bookkeeping
  deposit_line_matches: Immutable line -> schedule edges, grouped by match_group_id

OPTIMISTIC CONCURRENCY:
  Both mutable tables carry a version column. Updates run as
    UPDATE ... SET ..., version = version + 1 WHERE id = ? AND version = ?
  and zero affected rows means someone else wrote first.

MONEY:
  Decimals are stored as TEXT, never REAL, so values round-trip exactly.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection, so
  ":memory:" databases are shared by every query. In production with
  PostgreSQL, database-level concurrency control handles this instead.

USAGE:
  store, err := sqlite.New("./data/reconciler.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := recon.NewEngine(store, recon.DefaultConfig(), log)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - recon/store.go: Interface definitions
  - recon/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/revenue-reconciler/recon"
)

// Store implements recon.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Revenue schedules (owned by forecast generation)
	CREATE TABLE IF NOT EXISTS revenue_schedules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		account_id TEXT,
		distributor_id TEXT,
		vendor_id TEXT,
		product_id TEXT,
		opportunity_id TEXT,
		order_id TEXT,
		schedule_date TEXT NOT NULL,
		expected_usage_gross TEXT NOT NULL DEFAULT '0',
		usage_adjustment TEXT NOT NULL DEFAULT '0',
		actual_usage TEXT NOT NULL DEFAULT '0',
		expected_commission_gross TEXT NOT NULL DEFAULT '0',
		commission_adjustment TEXT NOT NULL DEFAULT '0',
		actual_commission TEXT NOT NULL DEFAULT '0',
		expected_rate_override TEXT,
		status TEXT NOT NULL DEFAULT 'unreconciled',
		deleted_at TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_schedules_tenant
		ON revenue_schedules(tenant_id) WHERE deleted_at IS NULL;

	-- Deposit line items (owned by deposit import)
	CREATE TABLE IF NOT EXISTS deposit_line_items (
		id TEXT PRIMARY KEY,
		deposit_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		line_number INTEGER NOT NULL DEFAULT 0,
		usage TEXT NOT NULL,
		commission TEXT NOT NULL,
		raw_account_name TEXT,
		raw_vendor_name TEXT,
		account_id TEXT,
		vendor_id TEXT,
		distributor_id TEXT,
		product_id TEXT,
		order_id TEXT,
		payment_date TEXT,
		primary_revenue_schedule_id TEXT,
		usage_allocated TEXT NOT NULL DEFAULT '0',
		commission_allocated TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lines_deposit
		ON deposit_line_items(deposit_id, line_number);

	-- Matches (append-only)
	CREATE TABLE IF NOT EXISTS deposit_line_matches (
		id TEXT PRIMARY KEY,
		match_group_id TEXT NOT NULL,
		deposit_line_item_id TEXT NOT NULL REFERENCES deposit_line_items(id),
		revenue_schedule_id TEXT NOT NULL REFERENCES revenue_schedules(id),
		cardinality_type TEXT NOT NULL,
		allocated_usage TEXT NOT NULL,
		allocated_commission TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'applied',
		source TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		reasons_json TEXT,
		created_at TEXT NOT NULL,
		reversed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_matches_group
		ON deposit_line_matches(match_group_id);
	CREATE INDEX IF NOT EXISTS idx_matches_line
		ON deposit_line_matches(deposit_line_item_id);
	CREATE INDEX IF NOT EXISTS idx_matches_schedule
		ON deposit_line_matches(revenue_schedule_id);

	CREATE TRIGGER IF NOT EXISTS trg_matches_no_delete
		BEFORE DELETE ON deposit_line_matches
	BEGIN
		SELECT RAISE(ABORT, 'deposit_line_matches is append-only');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// REVENUE SCHEDULES
// =============================================================================

const scheduleColumns = `id, tenant_id, account_id, distributor_id, vendor_id, product_id,
	opportunity_id, order_id, schedule_date, expected_usage_gross, usage_adjustment,
	actual_usage, expected_commission_gross, commission_adjustment, actual_commission,
	expected_rate_override, status, deleted_at, version, updated_at`

func (s *Store) GetSchedule(ctx context.Context, id recon.ScheduleID) (recon.RevenueSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSchedule(ctx, s.db, id)
}

func (s *Store) ListSchedules(ctx context.Context, f recon.ScheduleFilter) ([]recon.RevenueSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listSchedules(ctx, s.db, f)
}

// SaveSchedule creates or replaces a schedule record. A replace keeps the
// stored actuals and status.
func (s *Store) SaveSchedule(ctx context.Context, rs recon.RevenueSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSchedule(ctx, s.db, rs)
}

func (s *Store) UpdateScheduleActuals(ctx context.Context, rs recon.RevenueSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateScheduleActuals(ctx, s.db, rs)
}

func getSchedule(ctx context.Context, q querier, id recon.ScheduleID) (recon.RevenueSchedule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM revenue_schedules WHERE id = ?`, id)
	rs, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recon.RevenueSchedule{}, fmt.Errorf("%w: %s", recon.ErrScheduleNotFound, id)
	}
	return rs, err
}

func listSchedules(ctx context.Context, q querier, f recon.ScheduleFilter) ([]recon.RevenueSchedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM revenue_schedules WHERE 1 = 1`
	var args []any
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if !f.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []recon.RevenueSchedule
	for rows.Next() {
		rs, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}

func saveSchedule(ctx context.Context, q querier, rs recon.RevenueSchedule) error {
	if rs.Status == "" {
		rs.Status = recon.StatusUnreconciled
	}
	if rs.UpdatedAt.IsZero() {
		rs.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO revenue_schedules (` + scheduleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			account_id = excluded.account_id,
			distributor_id = excluded.distributor_id,
			vendor_id = excluded.vendor_id,
			product_id = excluded.product_id,
			opportunity_id = excluded.opportunity_id,
			order_id = excluded.order_id,
			schedule_date = excluded.schedule_date,
			expected_usage_gross = excluded.expected_usage_gross,
			usage_adjustment = excluded.usage_adjustment,
			expected_commission_gross = excluded.expected_commission_gross,
			commission_adjustment = excluded.commission_adjustment,
			expected_rate_override = excluded.expected_rate_override,
			deleted_at = excluded.deleted_at,
			version = revenue_schedules.version + 1,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		rs.ID,
		rs.TenantID,
		nullString(rs.AccountID),
		nullString(rs.DistributorID),
		nullString(rs.VendorID),
		nullString(rs.ProductID),
		nullString(rs.OpportunityID),
		nullString(rs.OrderID),
		formatTime(rs.ScheduleDate),
		rs.ExpectedUsageGross.String(),
		rs.UsageAdjustment.String(),
		rs.ActualUsage.String(),
		rs.ExpectedCommissionGross.String(),
		rs.CommissionAdjustment.String(),
		rs.ActualCommission.String(),
		nullDecimal(rs.ExpectedRateOverride),
		rs.Status,
		nullTime(rs.DeletedAt),
		rs.Version,
		formatTime(rs.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

func updateScheduleActuals(ctx context.Context, q querier, rs recon.RevenueSchedule) error {
	res, err := q.ExecContext(ctx, `
		UPDATE revenue_schedules
		SET actual_usage = ?, actual_commission = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		rs.ActualUsage.String(),
		rs.ActualCommission.String(),
		rs.Status,
		formatTime(rs.UpdatedAt),
		rs.ID,
		rs.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return checkVersioned(ctx, q, res, "revenue_schedules", string(rs.ID), recon.ErrScheduleNotFound)
}

func scanSchedule(row scanner) (recon.RevenueSchedule, error) {
	var (
		rs                                                 recon.RevenueSchedule
		account, distributor, vendor, product, opportunity sql.NullString
		order, rateOverride, deletedAt                     sql.NullString
		scheduleDate, updatedAt                            string
		usageGross, usageAdj, actualUsage                  string
		commissionGross, commissionAdj, actualCommission   string
	)
	err := row.Scan(
		&rs.ID, &rs.TenantID, &account, &distributor, &vendor, &product,
		&opportunity, &order, &scheduleDate, &usageGross, &usageAdj,
		&actualUsage, &commissionGross, &commissionAdj, &actualCommission,
		&rateOverride, &rs.Status, &deletedAt, &rs.Version, &updatedAt,
	)
	if err != nil {
		return recon.RevenueSchedule{}, err
	}

	d := decoder{}
	rs.AccountID = account.String
	rs.DistributorID = distributor.String
	rs.VendorID = vendor.String
	rs.ProductID = product.String
	rs.OpportunityID = opportunity.String
	rs.OrderID = order.String
	rs.ScheduleDate = d.time(scheduleDate)
	rs.ExpectedUsageGross = d.decimal(usageGross)
	rs.UsageAdjustment = d.decimal(usageAdj)
	rs.ActualUsage = d.decimal(actualUsage)
	rs.ExpectedCommissionGross = d.decimal(commissionGross)
	rs.CommissionAdjustment = d.decimal(commissionAdj)
	rs.ActualCommission = d.decimal(actualCommission)
	rs.ExpectedRateOverride = d.nullDecimal(rateOverride)
	rs.DeletedAt = d.nullTime(deletedAt)
	rs.UpdatedAt = d.time(updatedAt)
	if d.err != nil {
		return recon.RevenueSchedule{}, fmt.Errorf("schedule %s: %w", rs.ID, d.err)
	}
	return rs, nil
}

// =============================================================================
// DEPOSIT LINE ITEMS
// =============================================================================

const lineColumns = `id, deposit_id, tenant_id, line_number, usage, commission,
	raw_account_name, raw_vendor_name, account_id, vendor_id, distributor_id,
	product_id, order_id, payment_date, primary_revenue_schedule_id,
	usage_allocated, commission_allocated, version, updated_at`

func (s *Store) GetLine(ctx context.Context, id recon.LineID) (recon.DepositLineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLine(ctx, s.db, id)
}

func (s *Store) ListLinesByDeposit(ctx context.Context, id recon.DepositID) ([]recon.DepositLineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listLinesByDeposit(ctx, s.db, id)
}

// SaveLine creates or replaces a deposit line record. A replace keeps the
// stored allocation and primary schedule.
func (s *Store) SaveLine(ctx context.Context, l recon.DepositLineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveLine(ctx, s.db, l)
}

func (s *Store) UpdateLineAllocation(ctx context.Context, l recon.DepositLineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateLineAllocation(ctx, s.db, l)
}

func getLine(ctx context.Context, q querier, id recon.LineID) (recon.DepositLineItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM deposit_line_items WHERE id = ?`, id)
	l, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recon.DepositLineItem{}, fmt.Errorf("%w: %s", recon.ErrLineNotFound, id)
	}
	return l, err
}

func listLinesByDeposit(ctx context.Context, q querier, id recon.DepositID) ([]recon.DepositLineItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+lineColumns+` FROM deposit_line_items WHERE deposit_id = ? ORDER BY line_number, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposit lines: %w", err)
	}
	defer rows.Close()

	var out []recon.DepositLineItem
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func saveLine(ctx context.Context, q querier, l recon.DepositLineItem) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO deposit_line_items (` + lineColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			deposit_id = excluded.deposit_id,
			tenant_id = excluded.tenant_id,
			line_number = excluded.line_number,
			usage = excluded.usage,
			commission = excluded.commission,
			raw_account_name = excluded.raw_account_name,
			raw_vendor_name = excluded.raw_vendor_name,
			account_id = excluded.account_id,
			vendor_id = excluded.vendor_id,
			distributor_id = excluded.distributor_id,
			product_id = excluded.product_id,
			order_id = excluded.order_id,
			payment_date = excluded.payment_date,
			version = deposit_line_items.version + 1,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(ctx, query,
		l.ID,
		l.DepositID,
		l.TenantID,
		l.LineNumber,
		l.Usage.String(),
		l.Commission.String(),
		nullString(l.RawAccountName),
		nullString(l.RawVendorName),
		nullString(l.AccountID),
		nullString(l.VendorID),
		nullString(l.DistributorID),
		nullString(l.ProductID),
		nullString(l.OrderID),
		nullTime(timePtr(l.PaymentDate)),
		nullString(string(l.PrimaryRevenueScheduleID)),
		l.UsageAllocated.String(),
		l.CommissionAllocated.String(),
		l.Version,
		formatTime(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save deposit line: %w", err)
	}
	return nil
}

func updateLineAllocation(ctx context.Context, q querier, l recon.DepositLineItem) error {
	res, err := q.ExecContext(ctx, `
		UPDATE deposit_line_items
		SET usage_allocated = ?, commission_allocated = ?, primary_revenue_schedule_id = ?,
		    updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		l.UsageAllocated.String(),
		l.CommissionAllocated.String(),
		nullString(string(l.PrimaryRevenueScheduleID)),
		formatTime(l.UpdatedAt),
		l.ID,
		l.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update deposit line: %w", err)
	}
	return checkVersioned(ctx, q, res, "deposit_line_items", string(l.ID), recon.ErrLineNotFound)
}

func scanLine(row scanner) (recon.DepositLineItem, error) {
	var (
		l                                        recon.DepositLineItem
		rawAccount, rawVendor, account, vendor   sql.NullString
		distributor, product, order, paymentDate sql.NullString
		primary                                  sql.NullString
		usage, commission, usageAlloc, commAlloc string
		updatedAt                                string
	)
	err := row.Scan(
		&l.ID, &l.DepositID, &l.TenantID, &l.LineNumber, &usage, &commission,
		&rawAccount, &rawVendor, &account, &vendor, &distributor,
		&product, &order, &paymentDate, &primary,
		&usageAlloc, &commAlloc, &l.Version, &updatedAt,
	)
	if err != nil {
		return recon.DepositLineItem{}, err
	}

	d := decoder{}
	l.Usage = d.decimal(usage)
	l.Commission = d.decimal(commission)
	l.RawAccountName = rawAccount.String
	l.RawVendorName = rawVendor.String
	l.AccountID = account.String
	l.VendorID = vendor.String
	l.DistributorID = distributor.String
	l.ProductID = product.String
	l.OrderID = order.String
	if t := d.nullTime(paymentDate); t != nil {
		l.PaymentDate = *t
	}
	l.PrimaryRevenueScheduleID = recon.ScheduleID(primary.String)
	l.UsageAllocated = d.decimal(usageAlloc)
	l.CommissionAllocated = d.decimal(commAlloc)
	l.UpdatedAt = d.time(updatedAt)
	if d.err != nil {
		return recon.DepositLineItem{}, fmt.Errorf("deposit line %s: %w", l.ID, d.err)
	}
	return l, nil
}

// =============================================================================
// MATCHES (append-only)
// =============================================================================

const matchColumns = `id, match_group_id, deposit_line_item_id, revenue_schedule_id,
	cardinality_type, allocated_usage, allocated_commission, status, source,
	confidence, reasons_json, created_at, reversed_at`

// AppendMatches inserts match rows atomically.
func (s *Store) AppendMatches(ctx context.Context, matches []recon.DepositLineMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := appendMatches(ctx, sqlTx, matches); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) MarkMatchesReversed(ctx context.Context, ids []recon.MatchID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := markMatchesReversed(ctx, sqlTx, ids, at); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) ListMatchesByGroup(ctx context.Context, id recon.MatchGroupID) ([]recon.DepositLineMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryMatches(ctx, s.db, `WHERE match_group_id = ?`, id)
}

func (s *Store) ListMatchesByLine(ctx context.Context, id recon.LineID) ([]recon.DepositLineMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryMatches(ctx, s.db, `WHERE deposit_line_item_id = ?`, id)
}

func appendMatches(ctx context.Context, q querier, matches []recon.DepositLineMatch) error {
	query := `INSERT INTO deposit_line_matches (` + matchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, m := range matches {
		reasonsJSON, err := json.Marshal(m.Reasons)
		if err != nil {
			return fmt.Errorf("failed to encode reasons: %w", err)
		}
		_, err = q.ExecContext(ctx, query,
			m.ID,
			m.MatchGroupID,
			m.DepositLineItemID,
			m.RevenueScheduleID,
			m.CardinalityType,
			m.AllocatedUsage.String(),
			m.AllocatedCommission.String(),
			m.Status,
			m.Source,
			m.Confidence,
			string(reasonsJSON),
			formatTime(m.CreatedAt),
			nullTime(m.ReversedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("match %s already exists: %w", m.ID, err)
			}
			return fmt.Errorf("failed to append match: %w", err)
		}
	}
	return nil
}

func markMatchesReversed(ctx context.Context, q querier, ids []recon.MatchID, at time.Time) error {
	for _, id := range ids {
		res, err := q.ExecContext(ctx, `
			UPDATE deposit_line_matches SET status = ?, reversed_at = ?
			WHERE id = ? AND status = ?
		`, recon.MatchReversed, formatTime(at), id, recon.MatchApplied)
		if err != nil {
			return fmt.Errorf("failed to reverse match: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: match %s is not applied", recon.ErrConcurrentModification, id)
		}
	}
	return nil
}

func queryMatches(ctx context.Context, q querier, where string, args ...any) ([]recon.DepositLineMatch, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM deposit_line_matches `+where+` ORDER BY created_at, rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var out []recon.DepositLineMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMatch(row scanner) (recon.DepositLineMatch, error) {
	var (
		m                 recon.DepositLineMatch
		usage, commission string
		reasonsJSON       sql.NullString
		createdAt         string
		reversedAt        sql.NullString
	)
	err := row.Scan(
		&m.ID, &m.MatchGroupID, &m.DepositLineItemID, &m.RevenueScheduleID,
		&m.CardinalityType, &usage, &commission, &m.Status, &m.Source,
		&m.Confidence, &reasonsJSON, &createdAt, &reversedAt,
	)
	if err != nil {
		return recon.DepositLineMatch{}, err
	}

	d := decoder{}
	m.AllocatedUsage = d.decimal(usage)
	m.AllocatedCommission = d.decimal(commission)
	m.CreatedAt = d.time(createdAt)
	m.ReversedAt = d.nullTime(reversedAt)
	if reasonsJSON.Valid && reasonsJSON.String != "" {
		if err := json.Unmarshal([]byte(reasonsJSON.String), &m.Reasons); err != nil {
			d.fail(err)
		}
	}
	if d.err != nil {
		return recon.DepositLineMatch{}, fmt.Errorf("match %s: %w", m.ID, d.err)
	}
	return m, nil
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store recon.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every query through the open transaction. The parent
// mutex is already held by WithTx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetSchedule(ctx context.Context, id recon.ScheduleID) (recon.RevenueSchedule, error) {
	return getSchedule(ctx, ts.tx, id)
}

func (ts *txStore) ListSchedules(ctx context.Context, f recon.ScheduleFilter) ([]recon.RevenueSchedule, error) {
	return listSchedules(ctx, ts.tx, f)
}

func (ts *txStore) SaveSchedule(ctx context.Context, rs recon.RevenueSchedule) error {
	return saveSchedule(ctx, ts.tx, rs)
}

func (ts *txStore) UpdateScheduleActuals(ctx context.Context, rs recon.RevenueSchedule) error {
	return updateScheduleActuals(ctx, ts.tx, rs)
}

func (ts *txStore) GetLine(ctx context.Context, id recon.LineID) (recon.DepositLineItem, error) {
	return getLine(ctx, ts.tx, id)
}

func (ts *txStore) ListLinesByDeposit(ctx context.Context, id recon.DepositID) ([]recon.DepositLineItem, error) {
	return listLinesByDeposit(ctx, ts.tx, id)
}

func (ts *txStore) SaveLine(ctx context.Context, l recon.DepositLineItem) error {
	return saveLine(ctx, ts.tx, l)
}

func (ts *txStore) UpdateLineAllocation(ctx context.Context, l recon.DepositLineItem) error {
	return updateLineAllocation(ctx, ts.tx, l)
}

func (ts *txStore) AppendMatches(ctx context.Context, matches []recon.DepositLineMatch) error {
	return appendMatches(ctx, ts.tx, matches)
}

func (ts *txStore) MarkMatchesReversed(ctx context.Context, ids []recon.MatchID, at time.Time) error {
	return markMatchesReversed(ctx, ts.tx, ids, at)
}

func (ts *txStore) ListMatchesByGroup(ctx context.Context, id recon.MatchGroupID) ([]recon.DepositLineMatch, error) {
	return queryMatches(ctx, ts.tx, `WHERE match_group_id = ?`, id)
}

func (ts *txStore) ListMatchesByLine(ctx context.Context, id recon.LineID) ([]recon.DepositLineMatch, error) {
	return queryMatches(ctx, ts.tx, `WHERE deposit_line_item_id = ?`, id)
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

// checkVersioned turns a zero-row versioned update into the right error.
func checkVersioned(ctx context.Context, q querier, res sql.Result, table, id string, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return fmt.Errorf("%w: %s %s", recon.ErrConcurrentModification, table, id)
}

// decoder collects the first parse error while scanning a row.
type decoder struct {
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) decimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		d.fail(err)
		return decimal.Zero
	}
	return v
}

func (d *decoder) nullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	v := d.decimal(s.String)
	return &v
}

func (d *decoder) time(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		d.fail(err)
	}
	return t
}

func (d *decoder) nullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := d.time(s.String)
	return &t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
