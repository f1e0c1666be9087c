package recon_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-reconciler/recon"
)

func matchingPair() (recon.DepositLineItem, recon.RevenueSchedule) {
	l := line("l-1", 1, "100.00", "10.00")
	l.AccountID = "acct-1"
	l.VendorID = "vend-1"

	s := schedule("s-1", "100.00", "10.00")
	s.AccountID = "acct-1"
	s.VendorID = "vend-1"
	return l, s
}

func reasonFor(c recon.Candidate, kind recon.SignalKind) (recon.Reason, bool) {
	for _, r := range c.Reasons {
		if r.Signal == kind {
			return r, true
		}
	}
	return recon.Reason{}, false
}

// =============================================================================
// SCORING
// =============================================================================

func TestRankCandidates_ExactMatch_HighConfidence(t *testing.T) {
	// GIVEN: Amounts, account, vendor and date all agree
	// WHEN: Ranking
	// THEN: Confidence is the sum of those weights (everything but product)

	l, s := matchingPair()

	got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())

	require.Len(t, got, 1)
	assert.InDelta(t, 0.95, got[0].Confidence, 0.0001)
	assert.Equal(t, s.ID, got[0].Schedule.ID)

	_, hasProduct := reasonFor(got[0], recon.SignalProduct)
	assert.False(t, hasProduct, "no product ids were given")
}

func TestRankCandidates_ReasonsSumToConfidence(t *testing.T) {
	l, s := matchingPair()
	s.ExpectedUsageGross = dec("104")
	l.PaymentDate = march15.AddDate(0, 0, 9)

	got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())
	require.Len(t, got, 1)

	sum := 0.0
	for _, r := range got[0].Reasons {
		assert.NotEmpty(t, r.Message)
		assert.Greater(t, r.Contribution, 0.0)
		sum += r.Contribution
	}
	assert.InDelta(t, got[0].Confidence, sum, 0.0005)
}

func TestRankCandidates_AmountWithinPartialWindow(t *testing.T) {
	// GIVEN: Line usage 95 against an outstanding balance of 100
	// THEN: 5% off inside a 10% window earns a quarter of the usage weight

	l, s := matchingPair()
	l.Usage = dec("95")

	got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())
	require.Len(t, got, 1)

	r, ok := reasonFor(got[0], recon.SignalUsageAmount)
	require.True(t, ok)
	assert.InDelta(t, 0.075, r.Contribution, 0.0001)
	assert.Contains(t, r.Message, "5.0%")
}

func TestRankCandidates_AmountOutsideWindow_NoCredit(t *testing.T) {
	l, s := matchingPair()
	l.Usage = dec("80")

	got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())
	require.Len(t, got, 1)

	_, ok := reasonFor(got[0], recon.SignalUsageAmount)
	assert.False(t, ok)
}

func TestRankCandidates_UsesOutstandingBalance(t *testing.T) {
	// GIVEN: A schedule of 150 that already received 50
	// THEN: A line of 100 matches the remaining balance exactly

	l, s := matchingPair()
	s.ExpectedUsageGross = dec("150")
	s.ActualUsage = dec("50")
	s.ExpectedCommissionGross = dec("15")
	s.ActualCommission = dec("5")

	got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())
	require.Len(t, got, 1)

	r, ok := reasonFor(got[0], recon.SignalUsageAmount)
	require.True(t, ok)
	assert.InDelta(t, 0.3, r.Contribution, 0.0001)
}

func TestRankCandidates_DateDecay(t *testing.T) {
	// GIVEN: Payment 9 days after the schedule date, 45-day window
	// THEN: The date signal scores 0.8

	l, s := matchingPair()
	l.PaymentDate = march15.Add(9 * 24 * time.Hour)

	got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())
	require.Len(t, got, 1)

	r, ok := reasonFor(got[0], recon.SignalDateProximity)
	require.True(t, ok)
	assert.InDelta(t, 0.08, r.Contribution, 0.0001)
}

func TestRankCandidates_VendorAndDistributor(t *testing.T) {
	// GIVEN: The line carries both ids but only the vendor agrees
	// THEN: The vendor signal earns half credit

	l, s := matchingPair()
	l.DistributorID = "dist-1"

	got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())
	require.Len(t, got, 1)

	r, ok := reasonFor(got[0], recon.SignalVendor)
	require.True(t, ok)
	assert.InDelta(t, 0.075, r.Contribution, 0.0001)
}

func TestRankCandidates_ProductOrOrder(t *testing.T) {
	l, s := matchingPair()
	l.OrderID = "ord-9"
	s.OrderID = "ord-9"

	got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())
	require.Len(t, got, 1)

	r, ok := reasonFor(got[0], recon.SignalProduct)
	require.True(t, ok)
	assert.Equal(t, "order id matches", r.Message)
	assert.InDelta(t, 1.0, got[0].Confidence, 0.0001)
}

// =============================================================================
// ELIGIBILITY
// =============================================================================

func TestRankCandidates_Eligibility(t *testing.T) {
	deleted := march15

	tests := []struct {
		name   string
		mutate func(l *recon.DepositLineItem, s *recon.RevenueSchedule)
		want   bool
	}{
		{"eligible", func(*recon.DepositLineItem, *recon.RevenueSchedule) {}, true},
		{"deleted", func(_ *recon.DepositLineItem, s *recon.RevenueSchedule) { s.DeletedAt = &deleted }, false},
		{"reconciled", func(_ *recon.DepositLineItem, s *recon.RevenueSchedule) { s.Status = recon.StatusReconciled }, false},
		{"other tenant", func(_ *recon.DepositLineItem, s *recon.RevenueSchedule) { s.TenantID = "tenant-2" }, false},
		{"account contradicts", func(_ *recon.DepositLineItem, s *recon.RevenueSchedule) { s.AccountID = "acct-2" }, false},
		{"vendor contradicts", func(_ *recon.DepositLineItem, s *recon.RevenueSchedule) { s.VendorID = "vend-2" }, false},
		{"distributor contradicts", func(l *recon.DepositLineItem, s *recon.RevenueSchedule) {
			l.DistributorID = "dist-1"
			s.DistributorID = "dist-2"
		}, false},
		{"missing account is not a contradiction", func(_ *recon.DepositLineItem, s *recon.RevenueSchedule) { s.AccountID = "" }, true},
		{"underpaid stays eligible", func(_ *recon.DepositLineItem, s *recon.RevenueSchedule) { s.Status = recon.StatusUnderpaid }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, s := matchingPair()
			tt.mutate(&l, &s)

			assert.Equal(t, tt.want, recon.IsEligible(l, s))
			got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())
			assert.Equal(t, tt.want, len(got) == 1)
		})
	}
}

func TestRankCandidates_NothingInCommon_Empty(t *testing.T) {
	// GIVEN: A schedule sharing no signal with the line
	// THEN: It is not a candidate; an empty result is not an error

	l := line("l-1", 1, "100", "10")
	s := schedule("s-1", "500", "50")
	s.ScheduleDate = march15.AddDate(0, 6, 0)

	got := recon.RankCandidates(l, []recon.RevenueSchedule{s}, testConfig())
	assert.Empty(t, got)
}

// =============================================================================
// ORDERING
// =============================================================================

func TestRankCandidates_BestFirst_TiesByID(t *testing.T) {
	l, best := matchingPair()

	weaker := schedule("s-0", "100.00", "10.00")
	weaker.AccountID = "acct-1"

	twinB := best
	twinB.ID = "s-b"
	twinA := best
	twinA.ID = "s-a"

	schedules := []recon.RevenueSchedule{weaker, twinB, twinA}

	got := recon.RankCandidates(l, schedules, testConfig())
	require.Len(t, got, 3)
	assert.Equal(t, recon.ScheduleID("s-a"), got[0].Schedule.ID)
	assert.Equal(t, recon.ScheduleID("s-b"), got[1].Schedule.ID)
	assert.Equal(t, recon.ScheduleID("s-0"), got[2].Schedule.ID)

	// Same input, same order.
	for i := 0; i < 10; i++ {
		again := recon.RankCandidates(l, schedules, testConfig())
		require.Len(t, again, 3)
		for j := range got {
			assert.Equal(t, got[j].Schedule.ID, again[j].Schedule.ID)
		}
	}
}
