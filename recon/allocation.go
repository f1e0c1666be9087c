/*
allocation.go - Allocation Planner

PURPOSE:
  Turns a validated selection into per-pair usage/commission amounts. The
  planner never writes; the executor applies the plan.

STRATEGIES:
  OneToOne    the line's remaining balance (or a caller-specified partial
              amount, never above the remaining balance) goes to the schedule.
  OneToMany   the line's remaining balance is split across the schedules in
              proportion to their outstanding balances. Without
              AcceptOverpayment no schedule may receive more than it still
              expects. Rounding uses the largest-remainder method; ties go to
              the schedule with the larger outstanding balance.
  ManyToOne   every line's remaining balance goes to the one schedule. If that
              pushes the schedule past its expected net by more than the
              tolerance, AcceptOverpayment must be set.
  ManyToMany  not planned automatically. Without an explicit matrix the
              planner returns a *PolicyError. A caller-supplied matrix is
              validated and used as-is.

INVARIANT (checked before any plan is returned):
  sum(allocation.usage) == sum(amount drawn from each line)   (± tolerance)
  sum(allocation.commission) == sum(commission drawn)         (± tolerance)
  and no line is drawn beyond its remaining balance.
*/
package recon

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Selection is what the wizard or the auto-matcher hands to the planner.
type Selection struct {
	Cardinality CardinalityType
	Lines       []DepositLineItem
	Schedules   []RevenueSchedule

	// Partial amounts for OneToOne. Nil means the line's remaining balance.
	Usage      *decimal.Decimal
	Commission *decimal.Decimal

	// AcceptOverpayment allows a plan that leaves a schedule Overpaid.
	AcceptOverpayment bool

	// Matrix is the explicit allocation for ManyToMany.
	Matrix []Allocation

	Source     MatchSource
	Confidence float64
	Reasons    []string
}

// Allocation is one line -> schedule pair of a plan.
type Allocation struct {
	LineID     LineID          `json:"line_id"`
	ScheduleID ScheduleID      `json:"schedule_id"`
	Usage      decimal.Decimal `json:"usage"`
	Commission decimal.Decimal `json:"commission"`
}

// Plan is the planner's output and the executor's input.
type Plan struct {
	Cardinality      CardinalityType `json:"cardinality"`
	Allocations      []Allocation    `json:"allocations"`
	SourceUsage      decimal.Decimal `json:"source_usage"`
	SourceCommission decimal.Decimal `json:"source_commission"`

	// Overpayment is true when applying the plan leaves a schedule above its
	// expected net by more than the tolerance.
	Overpayment bool `json:"overpayment"`

	Source     MatchSource `json:"source"`
	Confidence float64     `json:"confidence,omitempty"`
	Reasons    []string    `json:"reasons,omitempty"`
}

func (p Plan) TotalUsage() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Allocations {
		total = total.Add(a.Usage)
	}
	return total
}

func (p Plan) TotalCommission() decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Allocations {
		total = total.Add(a.Commission)
	}
	return total
}

// LineIDs returns the distinct lines in allocation order.
func (p Plan) LineIDs() []LineID {
	seen := make(map[LineID]bool)
	var ids []LineID
	for _, a := range p.Allocations {
		if !seen[a.LineID] {
			seen[a.LineID] = true
			ids = append(ids, a.LineID)
		}
	}
	return ids
}

// ScheduleIDs returns the distinct schedules in allocation order.
func (p Plan) ScheduleIDs() []ScheduleID {
	seen := make(map[ScheduleID]bool)
	var ids []ScheduleID
	for _, a := range p.Allocations {
		if !seen[a.ScheduleID] {
			seen[a.ScheduleID] = true
			ids = append(ids, a.ScheduleID)
		}
	}
	return ids
}

// CheckConservation verifies the plan adds up to what it draws.
func (p Plan) CheckConservation(tolerance decimal.Decimal) error {
	if got := p.TotalUsage(); got.Sub(p.SourceUsage).Abs().GreaterThan(tolerance) {
		return &ConservationError{Axis: "usage", Expected: p.SourceUsage, Actual: got}
	}
	if got := p.TotalCommission(); got.Sub(p.SourceCommission).Abs().GreaterThan(tolerance) {
		return &ConservationError{Axis: "commission", Expected: p.SourceCommission, Actual: got}
	}
	return nil
}

// =============================================================================
// PLANNER
// =============================================================================

// PlanAllocation computes a plan for a selection.
func PlanAllocation(sel Selection, cfg Config) (Plan, error) {
	if err := ValidateSelection(sel.Cardinality, len(sel.Lines), len(sel.Schedules)); err != nil {
		return Plan{}, err
	}
	if err := checkSelectionInputs(sel); err != nil {
		return Plan{}, err
	}

	var (
		plan Plan
		err  error
	)
	switch sel.Cardinality {
	case OneToOne:
		plan, err = planOneToOne(sel, cfg)
	case OneToMany:
		plan, err = planOneToMany(sel, cfg)
	case ManyToOne:
		plan, err = planManyToOne(sel, cfg)
	case ManyToMany:
		plan, err = planManyToMany(sel, cfg)
	}
	if err != nil {
		return Plan{}, err
	}

	plan.Cardinality = sel.Cardinality
	plan.Source = sel.Source
	if plan.Source == "" {
		plan.Source = SourceManual
	}
	plan.Confidence = sel.Confidence
	plan.Reasons = sel.Reasons
	plan.Overpayment = leavesOverpaid(plan, sel.Schedules, cfg.Tolerance)

	if err := plan.CheckConservation(cfg.Tolerance); err != nil {
		return Plan{}, err
	}
	if err := checkLineDraws(plan, sel.Lines, cfg.Tolerance); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func planOneToOne(sel Selection, cfg Config) (Plan, error) {
	line, s := sel.Lines[0], sel.Schedules[0]

	usage, err := partialAmount("usage", line.ID, sel.Usage, line.UsageRemaining())
	if err != nil {
		return Plan{}, err
	}
	commission, err := partialAmount("commission", line.ID, sel.Commission, line.CommissionRemaining())
	if err != nil {
		return Plan{}, err
	}

	// A partial amount on one axis takes the same share of the other.
	switch {
	case sel.Usage != nil && sel.Commission == nil:
		commission = prorate(line.CommissionRemaining(), usage, line.UsageRemaining(), cfg.AmountScale)
	case sel.Commission != nil && sel.Usage == nil:
		usage = prorate(line.UsageRemaining(), commission, line.CommissionRemaining(), cfg.AmountScale)
	}

	if usage.IsZero() && commission.IsZero() {
		if line.UsageRemaining().IsZero() && line.CommissionRemaining().IsZero() {
			return Plan{}, fullyAllocated(line)
		}
		return Plan{}, &AllocationError{Code: CodeInvalidAmount, Message: "partial amounts allocate nothing", LineID: line.ID}
	}

	return Plan{
		Allocations: []Allocation{{
			LineID: line.ID, ScheduleID: s.ID, Usage: usage, Commission: commission,
		}},
		SourceUsage:      usage,
		SourceCommission: commission,
	}, nil
}

func planOneToMany(sel Selection, cfg Config) (Plan, error) {
	line := sel.Lines[0]
	usageTotal, commissionTotal := line.UsageRemaining(), line.CommissionRemaining()
	if usageTotal.IsZero() && commissionTotal.IsZero() {
		return Plan{}, fullyAllocated(line)
	}

	n := len(sel.Schedules)
	usageOutstanding := make([]decimal.Decimal, n)
	commissionOutstanding := make([]decimal.Decimal, n)
	ids := make([]ScheduleID, n)
	for i, s := range sel.Schedules {
		usageOutstanding[i] = s.UsageBalance()
		commissionOutstanding[i] = s.CommissionBalance()
		ids[i] = s.ID
	}

	usage, err := splitProportional(splitInput{
		axis: "usage", line: line.ID, total: usageTotal, outstanding: usageOutstanding,
		ids: ids, accept: sel.AcceptOverpayment, scale: cfg.AmountScale, tolerance: cfg.Tolerance,
	})
	if err != nil {
		return Plan{}, err
	}
	commission, err := splitProportional(splitInput{
		axis: "commission", line: line.ID, total: commissionTotal, outstanding: commissionOutstanding,
		fallback: usageOutstanding, ids: ids, accept: sel.AcceptOverpayment,
		scale: cfg.AmountScale, tolerance: cfg.Tolerance,
	})
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{SourceUsage: usageTotal, SourceCommission: commissionTotal}
	for i, s := range sel.Schedules {
		if usage[i].IsZero() && commission[i].IsZero() {
			continue
		}
		plan.Allocations = append(plan.Allocations, Allocation{
			LineID: line.ID, ScheduleID: s.ID, Usage: usage[i], Commission: commission[i],
		})
	}
	return plan, nil
}

func planManyToOne(sel Selection, cfg Config) (Plan, error) {
	s := sel.Schedules[0]
	plan := Plan{SourceUsage: decimal.Zero, SourceCommission: decimal.Zero}

	for _, line := range sel.Lines {
		usage, commission := line.UsageRemaining(), line.CommissionRemaining()
		if usage.IsZero() && commission.IsZero() {
			return Plan{}, fullyAllocated(line)
		}
		plan.Allocations = append(plan.Allocations, Allocation{
			LineID: line.ID, ScheduleID: s.ID, Usage: usage, Commission: commission,
		})
		plan.SourceUsage = plan.SourceUsage.Add(usage)
		plan.SourceCommission = plan.SourceCommission.Add(commission)
	}

	if !sel.AcceptOverpayment {
		if err := rejectOverpayment(s, plan.SourceUsage, plan.SourceCommission, cfg.Tolerance); err != nil {
			return Plan{}, err
		}
	}
	return plan, nil
}

func planManyToMany(sel Selection, cfg Config) (Plan, error) {
	if len(sel.Matrix) == 0 {
		return Plan{}, &PolicyError{
			Cardinality: ManyToMany,
			Guidance:    "many-to-many requires an explicit allocation matrix supplied by the caller; split the selection or provide per-pair amounts",
		}
	}

	lines := make(map[LineID]bool, len(sel.Lines))
	for _, l := range sel.Lines {
		lines[l.ID] = true
	}
	schedules := make(map[ScheduleID]RevenueSchedule, len(sel.Schedules))
	for _, s := range sel.Schedules {
		schedules[s.ID] = s
	}

	type pair struct {
		line     LineID
		schedule ScheduleID
	}
	seen := make(map[pair]bool)
	plan := Plan{SourceUsage: decimal.Zero, SourceCommission: decimal.Zero}
	received := make(map[ScheduleID][2]decimal.Decimal)

	for _, a := range sel.Matrix {
		p := pair{a.LineID, a.ScheduleID}
		if _, ok := schedules[a.ScheduleID]; !ok || !lines[a.LineID] {
			return Plan{}, &AllocationError{
				Code:    CodeUnknownPair,
				Message: fmt.Sprintf("pair %s -> %s is not part of the selection", a.LineID, a.ScheduleID),
				LineID:  a.LineID, ScheduleID: a.ScheduleID,
			}
		}
		if seen[p] {
			return Plan{}, &AllocationError{
				Code:    CodeUnknownPair,
				Message: fmt.Sprintf("pair %s -> %s appears more than once", a.LineID, a.ScheduleID),
				LineID:  a.LineID, ScheduleID: a.ScheduleID,
			}
		}
		seen[p] = true
		if a.Usage.IsNegative() || a.Commission.IsNegative() {
			return Plan{}, &AllocationError{
				Code:    CodeInvalidAmount,
				Message: "matrix amounts must not be negative",
				LineID:  a.LineID, ScheduleID: a.ScheduleID,
			}
		}
		if a.Usage.IsZero() && a.Commission.IsZero() {
			continue
		}
		plan.Allocations = append(plan.Allocations, a)
		plan.SourceUsage = plan.SourceUsage.Add(a.Usage)
		plan.SourceCommission = plan.SourceCommission.Add(a.Commission)
		r := received[a.ScheduleID]
		received[a.ScheduleID] = [2]decimal.Decimal{r[0].Add(a.Usage), r[1].Add(a.Commission)}
	}

	if len(plan.Allocations) == 0 {
		return Plan{}, &AllocationError{Code: CodeInvalidAmount, Message: "matrix allocates nothing"}
	}
	if !sel.AcceptOverpayment {
		for id, r := range received {
			if err := rejectOverpayment(schedules[id], r[0], r[1], cfg.Tolerance); err != nil {
				return Plan{}, err
			}
		}
	}
	return plan, nil
}

// =============================================================================
// PROPORTIONAL SPLIT - Largest-remainder rounding
// =============================================================================

type splitInput struct {
	axis        string
	line        LineID
	total       decimal.Decimal
	outstanding []decimal.Decimal
	fallback    []decimal.Decimal // weights used when outstanding has no positive entry
	ids         []ScheduleID
	accept      bool
	scale       int32
	tolerance   decimal.Decimal
}

func splitProportional(in splitInput) ([]decimal.Decimal, error) {
	n := len(in.outstanding)
	shares := make([]decimal.Decimal, n)
	for i := range shares {
		shares[i] = decimal.Zero
	}
	if in.total.IsZero() {
		return shares, nil
	}

	capacity := sumPositive(in.outstanding)
	if !in.accept && in.total.Sub(capacity).GreaterThan(in.tolerance) {
		if capacity.IsZero() {
			return nil, &AllocationError{
				Code:    CodeNoOutstanding,
				Message: fmt.Sprintf("no schedule has outstanding %s; accept overpayment to allocate %s", in.axis, in.total),
				LineID:  in.line,
			}
		}
		return nil, &AllocationError{
			Code: CodeOverpayment,
			Message: fmt.Sprintf("line %s %s exceeds combined outstanding balance by %s; accept overpayment to proceed",
				in.axis, in.total, in.total.Sub(capacity)),
			LineID: in.line,
		}
	}

	weights := positiveParts(in.outstanding)
	if sumOf(weights).IsZero() && in.fallback != nil {
		weights = positiveParts(in.fallback)
	}
	if sumOf(weights).IsZero() {
		for i := range weights {
			weights[i] = decimal.NewFromInt(1)
		}
	}
	weightTotal := sumOf(weights)

	scale := in.scale
	if exp := -in.total.Exponent(); exp > scale {
		scale = exp
	}
	unit := decimal.New(1, -scale)

	fractions := make([]decimal.Decimal, n)
	allocated := decimal.Zero
	for i, w := range weights {
		exact := in.total.Mul(w).Div(weightTotal)
		shares[i] = exact.RoundDown(scale)
		fractions[i] = exact.Sub(shares[i])
		allocated = allocated.Add(shares[i])
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if c := fractions[ia].Cmp(fractions[ib]); c != 0 {
			return c > 0
		}
		if c := in.outstanding[ia].Cmp(in.outstanding[ib]); c != 0 {
			return c > 0
		}
		return in.ids[ia] < in.ids[ib]
	})

	remainder := in.total.Sub(allocated)
	for k := 0; remainder.GreaterThanOrEqual(unit); k = (k + 1) % n {
		shares[order[k]] = shares[order[k]].Add(unit)
		remainder = remainder.Sub(unit)
	}
	if !remainder.IsZero() {
		// Sub-unit residue only occurs with exotic divisions; give it to the
		// top-ranked share so nothing is dropped.
		shares[order[0]] = shares[order[0]].Add(remainder)
	}
	return shares, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func checkSelectionInputs(sel Selection) error {
	seenLines := make(map[LineID]bool, len(sel.Lines))
	for _, l := range sel.Lines {
		if seenLines[l.ID] {
			return &AllocationError{Code: CodeInvalidAmount, Message: "line selected twice", LineID: l.ID}
		}
		seenLines[l.ID] = true
		if l.Usage.IsNegative() || l.Commission.IsNegative() {
			return &AllocationError{Code: CodeInvalidAmount, Message: "line amounts must not be negative", LineID: l.ID}
		}
		if l.UsageRemaining().IsNegative() || l.CommissionRemaining().IsNegative() {
			return &AllocationError{Code: CodeInvalidAmount, Message: "line is allocated beyond its amount", LineID: l.ID}
		}
	}

	seenSchedules := make(map[ScheduleID]bool, len(sel.Schedules))
	for _, s := range sel.Schedules {
		if seenSchedules[s.ID] {
			return &AllocationError{Code: CodeScheduleIneligible, Message: "schedule selected twice", ScheduleID: s.ID}
		}
		seenSchedules[s.ID] = true
		if s.IsDeleted() {
			return &AllocationError{Code: CodeScheduleIneligible, Message: "schedule is deleted", ScheduleID: s.ID}
		}
		for _, l := range sel.Lines {
			if l.TenantID != s.TenantID {
				return &AllocationError{
					Code: CodeScheduleIneligible, Message: "schedule belongs to another tenant",
					LineID: l.ID, ScheduleID: s.ID,
				}
			}
		}
	}
	return nil
}

func partialAmount(axis string, line LineID, requested *decimal.Decimal, remaining decimal.Decimal) (decimal.Decimal, error) {
	if requested == nil {
		return remaining, nil
	}
	if requested.IsNegative() {
		return decimal.Zero, &AllocationError{
			Code: CodeInvalidAmount, Message: fmt.Sprintf("%s amount must not be negative", axis), LineID: line,
		}
	}
	if requested.GreaterThan(remaining) {
		return decimal.Zero, &AllocationError{
			Code:    CodeExceedsRemaining,
			Message: fmt.Sprintf("%s amount %s exceeds remaining unallocated %s", axis, requested, remaining),
			LineID:  line,
		}
	}
	return *requested, nil
}

// prorate returns other * part / whole at scale, never more than other.
// With nothing to measure against, the whole of other is returned.
func prorate(other, part, whole decimal.Decimal, scale int32) decimal.Decimal {
	if whole.IsZero() {
		return other
	}
	return decimal.Min(other.Mul(part).Div(whole).Round(scale), other)
}

func rejectOverpayment(s RevenueSchedule, usage, commission, tolerance decimal.Decimal) error {
	usageOver := s.ActualUsage.Add(usage).Sub(s.ExpectedUsageNet())
	commissionOver := s.ActualCommission.Add(commission).Sub(s.ExpectedCommissionNet())
	if usageOver.GreaterThan(tolerance) || commissionOver.GreaterThan(tolerance) {
		return &AllocationError{
			Code: CodeOverpayment,
			Message: fmt.Sprintf("schedule would be overpaid (usage +%s, commission +%s); accept overpayment to proceed",
				decimal.Max(usageOver, decimal.Zero), decimal.Max(commissionOver, decimal.Zero)),
			ScheduleID: s.ID,
		}
	}
	return nil
}

func leavesOverpaid(plan Plan, schedules []RevenueSchedule, tolerance decimal.Decimal) bool {
	for _, s := range schedules {
		for _, a := range plan.Allocations {
			if a.ScheduleID == s.ID {
				s.ActualUsage = s.ActualUsage.Add(a.Usage)
				s.ActualCommission = s.ActualCommission.Add(a.Commission)
			}
		}
		if DeriveStatus(s, tolerance) == StatusOverpaid {
			return true
		}
	}
	return false
}

func checkLineDraws(plan Plan, lines []DepositLineItem, tolerance decimal.Decimal) error {
	for _, l := range lines {
		usage, commission := decimal.Zero, decimal.Zero
		for _, a := range plan.Allocations {
			if a.LineID == l.ID {
				usage = usage.Add(a.Usage)
				commission = commission.Add(a.Commission)
			}
		}
		if usage.Sub(l.UsageRemaining()).GreaterThan(tolerance) {
			return &AllocationError{
				Code:    CodeExceedsRemaining,
				Message: fmt.Sprintf("usage %s exceeds remaining unallocated %s", usage, l.UsageRemaining()),
				LineID:  l.ID,
			}
		}
		if commission.Sub(l.CommissionRemaining()).GreaterThan(tolerance) {
			return &AllocationError{
				Code:    CodeExceedsRemaining,
				Message: fmt.Sprintf("commission %s exceeds remaining unallocated %s", commission, l.CommissionRemaining()),
				LineID:  l.ID,
			}
		}
	}
	return nil
}

func fullyAllocated(l DepositLineItem) error {
	return &AllocationError{
		Code: CodeFullyAllocated, Message: "line has no remaining unallocated balance", LineID: l.ID,
	}
}

func positiveParts(values []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.Max(v, decimal.Zero)
	}
	return out
}

func sumPositive(values []decimal.Decimal) decimal.Decimal { return sumOf(positiveParts(values)) }

func sumOf(values []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
