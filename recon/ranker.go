/*
ranker.go - Candidate Ranker

PURPOSE:
  Given an unmatched deposit line, score every eligible revenue schedule
  and return the candidates best-first. Read-only and pure.

ELIGIBILITY (all must hold):
  - schedule not soft-deleted
  - same tenant
  - account / vendor / distributor do not contradict the line's resolved ids
    (an id missing on either side is not a contradiction)
  - schedule not already Reconciled

SIGNALS:
  Each signal scores in [0,1] and is weighted by Config.Weights:
    usage       line remaining usage vs schedule usage balance
    commission  line remaining commission vs schedule commission balance
    account     resolved account id equal
    vendor      resolved vendor and/or distributor id equal
    product     product id or order id equal
    date        payment date vs schedule date, linear decay to zero at
                Config.DateWindowDays

  confidence = sum(weight * score) / sum(weights)

  Amounts within Config.Tolerance score 1. Amounts within
  Config.AmountPartialWindow (relative) earn up to half credit.

ORDERING:
  Confidence descending, then schedule id ascending. Repeated runs over the
  same input return the same order.
*/
package recon

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SIGNALS - Typed explanation of a suggestion
// =============================================================================

type SignalKind string

const (
	SignalUsageAmount      SignalKind = "usage_amount"
	SignalCommissionAmount SignalKind = "commission_amount"
	SignalAccount          SignalKind = "account"
	SignalVendor           SignalKind = "vendor"
	SignalProduct          SignalKind = "product"
	SignalDateProximity    SignalKind = "date_proximity"
)

// Reason is one contributing signal. Contribution is its share of the final
// confidence, so the contributions of a candidate sum to its confidence.
type Reason struct {
	Signal       SignalKind `json:"signal"`
	Contribution float64    `json:"contribution"`
	Message      string     `json:"message"`
}

type Candidate struct {
	Schedule   RevenueSchedule `json:"schedule"`
	Confidence float64         `json:"confidence"`
	Reasons    []Reason        `json:"reasons"`
}

// reasonMessages renders reasons for storage on a match row.
func reasonMessages(reasons []Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = r.Message
	}
	return out
}

// =============================================================================
// RANKING
// =============================================================================

// RankCandidates scores schedules for a line. An empty result means no
// schedule qualified; it is not an error.
func RankCandidates(line DepositLineItem, schedules []RevenueSchedule, cfg Config) []Candidate {
	total := cfg.Weights.total()
	if total <= 0 {
		return nil
	}

	var candidates []Candidate
	for _, s := range schedules {
		if !IsEligible(line, s) {
			continue
		}
		c := scoreCandidate(line, s, cfg, total)
		if c.Confidence <= 0 {
			continue
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].Schedule.ID < candidates[j].Schedule.ID
	})
	return candidates
}

// IsEligible applies the pre-filter.
func IsEligible(line DepositLineItem, s RevenueSchedule) bool {
	if s.IsDeleted() || s.Status == StatusReconciled {
		return false
	}
	if line.TenantID != s.TenantID {
		return false
	}
	return compatible(line.AccountID, s.AccountID) &&
		compatible(line.VendorID, s.VendorID) &&
		compatible(line.DistributorID, s.DistributorID)
}

func compatible(a, b string) bool {
	return a == "" || b == "" || a == b
}

func scoreCandidate(line DepositLineItem, s RevenueSchedule, cfg Config, total float64) Candidate {
	c := Candidate{Schedule: s}
	add := func(kind SignalKind, weight, score float64, msg string) {
		if weight <= 0 || score <= 0 {
			return
		}
		contribution := round4(weight * score / total)
		c.Confidence += contribution
		c.Reasons = append(c.Reasons, Reason{Signal: kind, Contribution: contribution, Message: msg})
	}

	if score, msg := amountSignal("usage", line.UsageRemaining(), s.UsageBalance(), cfg); score > 0 {
		add(SignalUsageAmount, cfg.Weights.Usage, score, msg)
	}
	if score, msg := amountSignal("commission", line.CommissionRemaining(), s.CommissionBalance(), cfg); score > 0 {
		add(SignalCommissionAmount, cfg.Weights.Commission, score, msg)
	}
	if line.AccountID != "" && line.AccountID == s.AccountID {
		add(SignalAccount, cfg.Weights.Account, 1, "account matches")
	}
	if score, msg := vendorSignal(line, s); score > 0 {
		add(SignalVendor, cfg.Weights.Vendor, score, msg)
	}
	switch {
	case line.ProductID != "" && line.ProductID == s.ProductID:
		add(SignalProduct, cfg.Weights.Product, 1, "product matches")
	case line.OrderID != "" && line.OrderID == s.OrderID:
		add(SignalProduct, cfg.Weights.Product, 1, "order id matches")
	}
	if score, msg := dateSignal(line.PaymentDate, s.ScheduleDate, cfg.DateWindowDays); score > 0 {
		add(SignalDateProximity, cfg.Weights.Date, score, msg)
	}

	c.Confidence = math.Min(1, round4(c.Confidence))
	return c
}

// amountSignal compares what the line still has against what the schedule
// still expects.
func amountSignal(axis string, amount, outstanding decimal.Decimal, cfg Config) (float64, string) {
	if amount.IsZero() || !outstanding.IsPositive() {
		return 0, ""
	}
	diff := amount.Sub(outstanding).Abs()
	if diff.LessThanOrEqual(cfg.Tolerance) {
		return 1, fmt.Sprintf("%s matches within $%s", axis, displayTolerance(cfg.Tolerance))
	}
	if cfg.AmountPartialWindow <= 0 {
		return 0, ""
	}
	rel, _ := diff.Div(outstanding).Float64()
	if rel >= cfg.AmountPartialWindow {
		return 0, ""
	}
	score := 0.5 * (1 - rel/cfg.AmountPartialWindow)
	return score, fmt.Sprintf("%s within %.1f%% of outstanding balance", axis, rel*100)
}

func vendorSignal(line DepositLineItem, s RevenueSchedule) (float64, string) {
	vendor := line.VendorID != "" && line.VendorID == s.VendorID
	distributor := line.DistributorID != "" && line.DistributorID == s.DistributorID

	considered := 0
	if line.VendorID != "" {
		considered++
	}
	if line.DistributorID != "" {
		considered++
	}
	if considered == 0 {
		return 0, ""
	}

	switch {
	case vendor && distributor:
		return 1, "vendor and distributor match"
	case vendor:
		return 1 / float64(considered), "vendor matches"
	case distributor:
		return 1 / float64(considered), "distributor matches"
	}
	return 0, ""
}

func dateSignal(payment, scheduled time.Time, windowDays int) (float64, string) {
	if payment.IsZero() || scheduled.IsZero() {
		return 0, ""
	}
	days := math.Abs(payment.Sub(scheduled).Hours()) / 24
	if windowDays <= 0 {
		if days < 1 {
			return 1, "payment date equals schedule date"
		}
		return 0, ""
	}
	if days >= float64(windowDays) {
		return 0, ""
	}
	return 1 - days/float64(windowDays),
		fmt.Sprintf("payment date %d day(s) from schedule date", int(math.Round(days)))
}

// displayTolerance rounds the tolerance up to whole cents for messages.
func displayTolerance(tol decimal.Decimal) string {
	return tol.RoundUp(2).StringFixed(2)
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
