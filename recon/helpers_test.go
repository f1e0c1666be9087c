package recon_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-reconciler/recon"
	"github.com/warp/revenue-reconciler/recon/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const tenant = "tenant-1"

var march15 = time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func schedule(id, usage, commission string) recon.RevenueSchedule {
	return recon.RevenueSchedule{
		ID:                      recon.ScheduleID(id),
		TenantID:                tenant,
		ScheduleDate:            march15,
		ExpectedUsageGross:      dec(usage),
		ExpectedCommissionGross: dec(commission),
		Status:                  recon.StatusUnreconciled,
	}
}

func line(id string, number int, usage, commission string) recon.DepositLineItem {
	return recon.DepositLineItem{
		ID:          recon.LineID(id),
		DepositID:   "dep-1",
		TenantID:    tenant,
		LineNumber:  number,
		Usage:       dec(usage),
		Commission:  dec(commission),
		PaymentDate: march15,
	}
}

func testConfig() recon.Config {
	cfg := recon.DefaultConfig()
	cfg.PreviewConcurrency = 4
	return cfg
}

// seed stores a set of schedules and lines in a fresh memory store.
func seed(t *testing.T, schedules []recon.RevenueSchedule, lines []recon.DepositLineItem) *store.TxMemory {
	t.Helper()
	ctx := context.Background()
	s := store.NewTxMemory()
	for _, x := range schedules {
		require.NoError(t, s.SaveSchedule(ctx, x))
	}
	for _, x := range lines {
		require.NoError(t, s.SaveLine(ctx, x))
	}
	return s
}

func allocationError(t *testing.T, err error, code string) *recon.AllocationError {
	t.Helper()
	require.Error(t, err)
	var allocErr *recon.AllocationError
	require.ErrorAs(t, err, &allocErr)
	assert.Equal(t, code, allocErr.Code, allocErr.Message)
	return allocErr
}
