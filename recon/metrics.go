/*
metrics.go - Metrics Calculator

PURPOSE:
  Pure computation of a revenue schedule's net expectations, differences
  and commission rates. Used both to project read models and to re-derive
  status after every allocation change.

NET DERIVATION:
  expectedNet = net                if net is given directly
              = gross + adjustment otherwise (missing adjustment = 0)
              = nil                if neither gross nor net is known

DIFFERENCE:
  difference = expectedNet - actual. Positive means money is still owed,
  negative means more arrived than expected. A missing side counts as zero
  unless both sides are missing, in which case the difference is nil.

RATES:
  rate = commission / usage, only when both are known and non-zero.
  Division by zero never happens; the rate is nil instead.

STATUS:
  Unreconciled  nothing received on either axis
  Reconciled    |usageDiff| <= tol AND |commissionDiff| <= tol
  Overpaid      either difference < -tol
  Underpaid     either difference >  tol (and neither is overpaid)
*/
package recon

import "github.com/shopspring/decimal"

// rateScale is the number of decimal places kept on derived rates.
const rateScale = 8

// MetricsInput uses pointers so "unknown" is distinguishable from zero.
type MetricsInput struct {
	ExpectedUsageGross *decimal.Decimal
	UsageAdjustment    *decimal.Decimal
	ExpectedUsageNet   *decimal.Decimal
	ActualUsage        *decimal.Decimal

	ExpectedCommissionGross *decimal.Decimal
	CommissionAdjustment    *decimal.Decimal
	ExpectedCommissionNet   *decimal.Decimal
	ActualCommission        *decimal.Decimal

	ExpectedRateOverride *decimal.Decimal
	ActualRateOverride   *decimal.Decimal
}

// Metrics is the calculator output. Nil means "not computable".
type Metrics struct {
	ExpectedUsageNet      *decimal.Decimal `json:"expected_usage_net"`
	ActualUsage           *decimal.Decimal `json:"actual_usage"`
	UsageDifference       *decimal.Decimal `json:"usage_difference"`
	ExpectedCommissionNet *decimal.Decimal `json:"expected_commission_net"`
	ActualCommission      *decimal.Decimal `json:"actual_commission"`
	CommissionDifference  *decimal.Decimal `json:"commission_difference"`

	ExpectedRateFraction             *decimal.Decimal `json:"expected_rate_fraction"`
	ActualRateFraction               *decimal.Decimal `json:"actual_rate_fraction"`
	CommissionRateDifferenceFraction *decimal.Decimal `json:"commission_rate_difference_fraction"`
}

// ComputeMetrics is deterministic and has no side effects.
func ComputeMetrics(in MetricsInput) Metrics {
	usageNet := netOf(in.ExpectedUsageGross, in.UsageAdjustment, in.ExpectedUsageNet)
	commissionNet := netOf(in.ExpectedCommissionGross, in.CommissionAdjustment, in.ExpectedCommissionNet)

	m := Metrics{
		ExpectedUsageNet:      usageNet,
		ActualUsage:           in.ActualUsage,
		UsageDifference:       differenceOf(usageNet, in.ActualUsage),
		ExpectedCommissionNet: commissionNet,
		ActualCommission:      in.ActualCommission,
		CommissionDifference:  differenceOf(commissionNet, in.ActualCommission),
	}

	m.ExpectedRateFraction = in.ExpectedRateOverride
	if m.ExpectedRateFraction == nil {
		m.ExpectedRateFraction = rateOf(commissionNet, usageNet)
	}
	m.ActualRateFraction = in.ActualRateOverride
	if m.ActualRateFraction == nil {
		m.ActualRateFraction = rateOf(in.ActualCommission, in.ActualUsage)
	}
	if m.ExpectedRateFraction != nil && m.ActualRateFraction != nil {
		m.CommissionRateDifferenceFraction = ptr(m.ExpectedRateFraction.Sub(*m.ActualRateFraction))
	}
	return m
}

// Status maps the metrics onto a reconciliation status. A schedule whose
// balances are both within tolerance is Reconciled even when nothing was
// expected or received.
func (m Metrics) Status(tolerance decimal.Decimal) ScheduleStatus {
	usage := valueOr(m.UsageDifference)
	commission := valueOr(m.CommissionDifference)
	neg := tolerance.Neg()

	switch {
	case usage.Abs().LessThanOrEqual(tolerance) && commission.Abs().LessThanOrEqual(tolerance):
		return StatusReconciled
	case isZeroOrNil(m.ActualUsage) && isZeroOrNil(m.ActualCommission):
		return StatusUnreconciled
	case usage.LessThan(neg) || commission.LessThan(neg):
		return StatusOverpaid
	case usage.GreaterThan(tolerance) || commission.GreaterThan(tolerance):
		return StatusUnderpaid
	default:
		return StatusUnreconciled
	}
}

// DeriveStatus recomputes a schedule's status from its stored figures.
func DeriveStatus(s RevenueSchedule, tolerance decimal.Decimal) ScheduleStatus {
	return ComputeMetrics(s.MetricsInput()).Status(tolerance)
}

func netOf(gross, adjustment, net *decimal.Decimal) *decimal.Decimal {
	if net != nil {
		return ptr(*net)
	}
	if gross == nil {
		return nil
	}
	return ptr(gross.Add(valueOr(adjustment)))
}

func differenceOf(expected, actual *decimal.Decimal) *decimal.Decimal {
	if expected == nil && actual == nil {
		return nil
	}
	return ptr(valueOr(expected).Sub(valueOr(actual)))
}

func rateOf(numerator, denominator *decimal.Decimal) *decimal.Decimal {
	if numerator == nil || denominator == nil || numerator.IsZero() || denominator.IsZero() {
		return nil
	}
	return ptr(numerator.DivRound(*denominator, rateScale))
}

func valueOr(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func isZeroOrNil(d *decimal.Decimal) bool { return d == nil || d.IsZero() }
