package recon_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-reconciler/recon"
)

func newTestEngine(t *testing.T, st recon.TxStore) (*recon.Engine, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return recon.NewEngine(st, testConfig(), log), hook
}

func TestEngine_Candidates(t *testing.T) {
	l, s := matchingPair()
	other := schedule("s-2", "100.00", "10.00")
	other.TenantID = "tenant-2"
	st := seed(t, []recon.RevenueSchedule{s, other}, lines(l))
	engine, _ := newTestEngine(t, st)

	got, err := engine.Candidates(context.Background(), "l-1")

	require.NoError(t, err)
	require.Len(t, got, 1, "other tenants are never offered")
	assert.Equal(t, recon.ScheduleID("s-1"), got[0].Schedule.ID)
}

func TestEngine_Candidates_UnknownLine(t *testing.T) {
	engine, _ := newTestEngine(t, seed(t, nil, nil))

	_, err := engine.Candidates(context.Background(), "nope")

	assert.ErrorIs(t, err, recon.ErrLineNotFound)
}

func TestEngine_PreviewThenApply(t *testing.T) {
	// GIVEN: A wizard selection by id
	// WHEN: Previewing and then applying it
	// THEN: Preview writes nothing and apply commits the same amounts

	l, s := line("l-1", 1, "90.00", "9.00"), []recon.RevenueSchedule{
		schedule("s-1", "60.00", "6.00"), schedule("s-2", "30.00", "3.00"),
	}
	st := seed(t, s, lines(l))
	engine, hook := newTestEngine(t, st)
	ctx := context.Background()

	req := recon.SelectionRequest{
		Cardinality: recon.OneToMany,
		LineIDs:     []recon.LineID{"l-1"},
		ScheduleIDs: []recon.ScheduleID{"s-1", "s-2"},
	}

	plan, err := engine.PreviewAllocation(ctx, req)
	require.NoError(t, err)
	assert.Len(t, plan.Allocations, 2)
	assert.False(t, getLine(t, st, "l-1").IsMatched())

	res, err := engine.ApplySelection(ctx, req)
	require.NoError(t, err)

	group, err := engine.MatchGroup(ctx, res.MatchGroupID)
	require.NoError(t, err)
	assert.Equal(t, recon.GroupActive, group.Status)
	assert.Len(t, group.Matches, 2)

	view, err := engine.ScheduleView(ctx, "s-1")
	require.NoError(t, err)
	require.NotNil(t, view.Metrics.UsageDifference)
	assertDecimal(t, "0", *view.Metrics.UsageDifference)
	assert.Equal(t, recon.StatusReconciled, view.Schedule.Status)

	var applied bool
	for _, e := range hook.AllEntries() {
		if e.Message == "match group applied" {
			applied = true
			assert.Equal(t, res.MatchGroupID, e.Data["match_group_id"])
		}
	}
	assert.True(t, applied, "apply is logged with its group id")
}

func TestEngine_SelectionMismatch(t *testing.T) {
	engine, _ := newTestEngine(t, seed(t, nil, nil))

	_, err := engine.PreviewAllocation(context.Background(), recon.SelectionRequest{
		Cardinality: recon.OneToOne,
		LineIDs:     []recon.LineID{"l-1", "l-2"},
		ScheduleIDs: []recon.ScheduleID{"s-1"},
	})

	var selErr *recon.SelectionError
	require.ErrorAs(t, err, &selErr, "counts are checked before anything is loaded")
	assert.Equal(t, recon.ManyToOne, selErr.Detected)
}

func TestEngine_UnknownCardinality(t *testing.T) {
	engine, _ := newTestEngine(t, seed(t, nil, nil))

	_, err := engine.PreviewAllocation(context.Background(), recon.SelectionRequest{
		Cardinality: "sideways",
		LineIDs:     []recon.LineID{"l-1"},
		ScheduleIDs: []recon.ScheduleID{"s-1"},
	})

	allocationError(t, err, recon.CodeInvalidCardinality)
}

func TestEngine_MatchGroup_NotFound(t *testing.T) {
	engine, _ := newTestEngine(t, seed(t, nil, nil))

	_, err := engine.MatchGroup(context.Background(), "missing")

	assert.ErrorIs(t, err, recon.ErrMatchGroupNotFound)
}

func TestEngine_AutoMatch_DefaultThreshold(t *testing.T) {
	engine, hook := newTestEngine(t, depositFixture(t))
	ctx := context.Background()

	summary, err := engine.AutoMatchPreview(ctx, "dep-1", nil)
	require.NoError(t, err)
	assert.Equal(t, engine.Config().AutoMatchThreshold, summary.Threshold)
	assert.Len(t, summary.Candidates, 6)

	low := 0.1
	summary, err = engine.AutoMatchPreview(ctx, "dep-1", &low)
	require.NoError(t, err)
	assert.Len(t, summary.Candidates, 7)

	// A candidate pointing at an already matched line fails; the rest apply.
	summary.Candidates[0].LineID = "l-7"
	result := engine.AutoMatchConfirm(ctx, summary.Candidates, nil)
	assert.Equal(t, 6, result.AppliedCount)
	require.Len(t, result.Failures, 1)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "auto-match candidate failed" {
			warned = true
			assert.Equal(t, recon.LineID("l-7"), e.Data["line_id"])
		}
	}
	assert.True(t, warned)
}
