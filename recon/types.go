/*
Package recon provides the deposit matching and allocation engine.

PURPOSE:
  Vendors and distributors report payment deposits as line items carrying a
  usage amount and a commission amount. This package decides which deposit
  line belongs to which forecast revenue schedule, applies the money to it,
  and keeps each schedule's reconciliation status in step with what has
  actually been received.

KEY CONCEPTS IN THIS FILE (types.go):
  - RevenueSchedule: one forecast line of expected recurring revenue
  - DepositLineItem: one reported row of a deposit file
  - DepositLineMatch: one edge between a line and a schedule
  - MatchGroup: every match created by one apply call (the unit of undo)

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never float64
  2. Append-only: matches are never edited, only marked Reversed
  3. Conservation: money is never double-counted or dropped
  4. Derived state: balances are computed on read, status is re-derived
     after every allocation change

PIPELINE:
  Candidate Ranker (ranker.go) -> Selection Validator (selection.go)
    -> Allocation Planner (allocation.go) -> Match Executor (executor.go)
    -> Metrics Calculator (metrics.go)

  The Auto-Match Orchestrator (automatch.go) drives the same pipeline in
  batch for a whole deposit.

SEE ALSO:
  - errors.go: error taxonomy
  - store.go: persistence interfaces
  - engine.go: facade used by the HTTP API and the CLI
*/
package recon

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ScheduleID string
type LineID string
type DepositID string
type MatchID string
type MatchGroupID string

// =============================================================================
// REVENUE SCHEDULE - Expected recurring revenue
// =============================================================================

type ScheduleStatus string

const (
	StatusUnreconciled ScheduleStatus = "unreconciled"
	StatusUnderpaid    ScheduleStatus = "underpaid"
	StatusOverpaid     ScheduleStatus = "overpaid"
	StatusReconciled   ScheduleStatus = "reconciled"
)

// RevenueSchedule is created by forecast generation outside this package.
// Only the Match Executor changes ActualUsage, ActualCommission and Status.
type RevenueSchedule struct {
	ID            ScheduleID `json:"id"`
	TenantID      string     `json:"tenant_id"`
	AccountID     string     `json:"account_id,omitempty"`
	DistributorID string     `json:"distributor_id,omitempty"`
	VendorID      string     `json:"vendor_id,omitempty"`
	ProductID     string     `json:"product_id,omitempty"`
	OpportunityID string     `json:"opportunity_id,omitempty"`
	OrderID       string     `json:"order_id,omitempty"`
	ScheduleDate  time.Time  `json:"schedule_date"`

	ExpectedUsageGross      decimal.Decimal `json:"expected_usage_gross"`
	UsageAdjustment         decimal.Decimal `json:"usage_adjustment"`
	ActualUsage             decimal.Decimal `json:"actual_usage"`
	ExpectedCommissionGross decimal.Decimal `json:"expected_commission_gross"`
	CommissionAdjustment    decimal.Decimal `json:"commission_adjustment"`
	ActualCommission        decimal.Decimal `json:"actual_commission"`

	// ExpectedRateOverride replaces the derived commission/usage rate when set.
	ExpectedRateOverride *decimal.Decimal `json:"expected_rate_override,omitempty"`

	Status    ScheduleStatus `json:"status"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`

	// Version is bumped on every write; used for optimistic concurrency.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s RevenueSchedule) ExpectedUsageNet() decimal.Decimal {
	return s.ExpectedUsageGross.Add(s.UsageAdjustment)
}

func (s RevenueSchedule) ExpectedCommissionNet() decimal.Decimal {
	return s.ExpectedCommissionGross.Add(s.CommissionAdjustment)
}

func (s RevenueSchedule) UsageBalance() decimal.Decimal {
	return s.ExpectedUsageNet().Sub(s.ActualUsage)
}

func (s RevenueSchedule) CommissionBalance() decimal.Decimal {
	return s.ExpectedCommissionNet().Sub(s.ActualCommission)
}

func (s RevenueSchedule) IsDeleted() bool { return s.DeletedAt != nil }

// MetricsInput projects the stored figures into the calculator's input.
func (s RevenueSchedule) MetricsInput() MetricsInput {
	in := MetricsInput{
		ExpectedUsageGross:      ptr(s.ExpectedUsageGross),
		UsageAdjustment:         ptr(s.UsageAdjustment),
		ActualUsage:             ptr(s.ActualUsage),
		ExpectedCommissionGross: ptr(s.ExpectedCommissionGross),
		CommissionAdjustment:    ptr(s.CommissionAdjustment),
		ActualCommission:        ptr(s.ActualCommission),
	}
	if s.ExpectedRateOverride != nil {
		in.ExpectedRateOverride = ptr(*s.ExpectedRateOverride)
	}
	return in
}

// =============================================================================
// DEPOSIT LINE ITEM - One reported row of a deposit
// =============================================================================

// DepositLineItem is created by deposit import outside this package. Usage and
// Commission are immutable; the executor only touches the allocation
// bookkeeping and PrimaryRevenueScheduleID.
type DepositLineItem struct {
	ID         LineID    `json:"id"`
	DepositID  DepositID `json:"deposit_id"`
	TenantID   string    `json:"tenant_id"`
	LineNumber int       `json:"line_number"`

	Usage      decimal.Decimal `json:"usage"`
	Commission decimal.Decimal `json:"commission"`

	// Identifiers as reported in the file.
	RawAccountName string `json:"raw_account_name,omitempty"`
	RawVendorName  string `json:"raw_vendor_name,omitempty"`

	// Identifiers resolved during import.
	AccountID     string `json:"account_id,omitempty"`
	VendorID      string `json:"vendor_id,omitempty"`
	DistributorID string `json:"distributor_id,omitempty"`
	ProductID     string `json:"product_id,omitempty"`
	OrderID       string `json:"order_id,omitempty"`

	PaymentDate time.Time `json:"payment_date"`

	PrimaryRevenueScheduleID ScheduleID `json:"primary_revenue_schedule_id,omitempty"`

	UsageAllocated      decimal.Decimal `json:"usage_allocated"`
	CommissionAllocated decimal.Decimal `json:"commission_allocated"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (l DepositLineItem) UsageRemaining() decimal.Decimal {
	return l.Usage.Sub(l.UsageAllocated)
}

func (l DepositLineItem) CommissionRemaining() decimal.Decimal {
	return l.Commission.Sub(l.CommissionAllocated)
}

// IsMatched reports whether any money from the line is currently applied.
func (l DepositLineItem) IsMatched() bool {
	return l.PrimaryRevenueScheduleID != "" ||
		!l.UsageAllocated.IsZero() ||
		!l.CommissionAllocated.IsZero()
}

// =============================================================================
// DEPOSIT LINE MATCH - Append-only edge between a line and a schedule
// =============================================================================

type CardinalityType string

const (
	OneToOne   CardinalityType = "one_to_one"
	OneToMany  CardinalityType = "one_to_many"
	ManyToOne  CardinalityType = "many_to_one"
	ManyToMany CardinalityType = "many_to_many"
)

func (c CardinalityType) Valid() bool {
	switch c {
	case OneToOne, OneToMany, ManyToOne, ManyToMany:
		return true
	}
	return false
}

type MatchStatus string

const (
	MatchApplied  MatchStatus = "applied"
	MatchReversed MatchStatus = "reversed"
)

type MatchSource string

const (
	SourceManual MatchSource = "manual"
	SourceAuto   MatchSource = "auto"
)

// DepositLineMatch is never edited after insert. The only permitted change is
// the terminal Applied -> Reversed transition; money fields stay as written.
type DepositLineMatch struct {
	ID                  MatchID         `json:"id"`
	MatchGroupID        MatchGroupID    `json:"match_group_id"`
	DepositLineItemID   LineID          `json:"deposit_line_item_id"`
	RevenueScheduleID   ScheduleID      `json:"revenue_schedule_id"`
	CardinalityType     CardinalityType `json:"cardinality_type"`
	AllocatedUsage      decimal.Decimal `json:"allocated_usage"`
	AllocatedCommission decimal.Decimal `json:"allocated_commission"`
	Status              MatchStatus     `json:"status"`
	Source              MatchSource     `json:"source"`
	Confidence          float64         `json:"confidence"`
	Reasons             []string        `json:"reasons,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	ReversedAt          *time.Time      `json:"reversed_at,omitempty"`
}

// =============================================================================
// MATCH GROUP - Unit of atomicity and undo
// =============================================================================

type GroupStatus string

const (
	GroupActive        GroupStatus = "active"
	GroupFullyReversed GroupStatus = "fully_reversed"
)

// MatchGroup is implicit in storage: it is the set of matches sharing an id.
type MatchGroup struct {
	ID      MatchGroupID       `json:"id"`
	Status  GroupStatus        `json:"status"`
	Matches []DepositLineMatch `json:"matches"`
}

// NewMatchGroup derives the group status from its members.
func NewMatchGroup(id MatchGroupID, matches []DepositLineMatch) MatchGroup {
	status := GroupFullyReversed
	for _, m := range matches {
		if m.Status == MatchApplied {
			status = GroupActive
			break
		}
	}
	return MatchGroup{ID: id, Status: status, Matches: matches}
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }
