package recon

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// SelectionRequest identifies a selection by id. The engine loads the
// records itself so callers never hand it stale balances.
type SelectionRequest struct {
	Cardinality       CardinalityType
	LineIDs           []LineID
	ScheduleIDs       []ScheduleID
	Usage             *decimal.Decimal
	Commission        *decimal.Decimal
	AcceptOverpayment bool
	Matrix            []Allocation
}

// ScheduleView is the read model shown next to a schedule.
type ScheduleView struct {
	Schedule RevenueSchedule `json:"schedule"`
	Metrics  Metrics         `json:"metrics"`
}

// Engine wires the components together for the HTTP API and the CLI.
type Engine struct {
	store    TxStore
	cfg      Config
	executor *Executor
	matcher  *AutoMatcher
	log      logrus.FieldLogger
}

func NewEngine(store TxStore, cfg Config, log logrus.FieldLogger, opts ...ExecutorOption) *Engine {
	if log == nil {
		log = discardLogger()
	}
	opts = append([]ExecutorOption{WithLogger(log)}, opts...)
	executor := NewExecutor(store, cfg, opts...)
	return &Engine{
		store:    store,
		cfg:      cfg,
		executor: executor,
		matcher:  NewAutoMatcher(store, executor, cfg, log),
		log:      log,
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Candidates ranks every live schedule of the line's tenant.
func (e *Engine) Candidates(ctx context.Context, id LineID) ([]Candidate, error) {
	line, err := e.store.GetLine(ctx, id)
	if err != nil {
		return nil, err
	}
	schedules, err := e.store.ListSchedules(ctx, ScheduleFilter{TenantID: line.TenantID})
	if err != nil {
		return nil, err
	}
	return RankCandidates(line, schedules, e.cfg), nil
}

// PreviewAllocation plans without writing.
func (e *Engine) PreviewAllocation(ctx context.Context, req SelectionRequest) (Plan, error) {
	sel, err := e.load(ctx, req)
	if err != nil {
		return Plan{}, err
	}
	return PlanAllocation(sel, e.cfg)
}

// ApplySelection plans and commits in one call.
func (e *Engine) ApplySelection(ctx context.Context, req SelectionRequest) (ApplyResult, error) {
	plan, err := e.PreviewAllocation(ctx, req)
	if err != nil {
		return ApplyResult{}, err
	}
	return e.executor.Apply(ctx, plan)
}

func (e *Engine) Reverse(ctx context.Context, id MatchGroupID) (ReverseResult, error) {
	return e.executor.Reverse(ctx, id)
}

func (e *Engine) MatchGroup(ctx context.Context, id MatchGroupID) (MatchGroup, error) {
	matches, err := e.store.ListMatchesByGroup(ctx, id)
	if err != nil {
		return MatchGroup{}, err
	}
	if len(matches) == 0 {
		return MatchGroup{}, fmt.Errorf("%w: %s", ErrMatchGroupNotFound, id)
	}
	return NewMatchGroup(id, matches), nil
}

func (e *Engine) ScheduleView(ctx context.Context, id ScheduleID) (ScheduleView, error) {
	s, err := e.store.GetSchedule(ctx, id)
	if err != nil {
		return ScheduleView{}, err
	}
	return ScheduleView{Schedule: s, Metrics: ComputeMetrics(s.MetricsInput())}, nil
}

// AutoMatchPreview uses the configured threshold when threshold is nil.
func (e *Engine) AutoMatchPreview(ctx context.Context, id DepositID, threshold *float64) (PreviewSummary, error) {
	t := e.cfg.AutoMatchThreshold
	if threshold != nil {
		t = *threshold
	}
	return e.matcher.Preview(ctx, id, t)
}

func (e *Engine) AutoMatchConfirm(ctx context.Context, candidates []AutoMatchCandidate, progress ProgressFunc) ConfirmResult {
	return e.matcher.Confirm(ctx, candidates, progress)
}

func (e *Engine) load(ctx context.Context, req SelectionRequest) (Selection, error) {
	if !req.Cardinality.Valid() {
		return Selection{}, &AllocationError{
			Code: CodeInvalidCardinality, Message: fmt.Sprintf("unknown cardinality %q", req.Cardinality),
		}
	}
	if err := ValidateSelection(req.Cardinality, len(req.LineIDs), len(req.ScheduleIDs)); err != nil {
		return Selection{}, err
	}

	sel := Selection{
		Cardinality:       req.Cardinality,
		Usage:             req.Usage,
		Commission:        req.Commission,
		AcceptOverpayment: req.AcceptOverpayment,
		Matrix:            req.Matrix,
		Source:            SourceManual,
	}
	for _, id := range req.LineIDs {
		l, err := e.store.GetLine(ctx, id)
		if err != nil {
			return Selection{}, err
		}
		sel.Lines = append(sel.Lines, l)
	}
	for _, id := range req.ScheduleIDs {
		s, err := e.store.GetSchedule(ctx, id)
		if err != nil {
			return Selection{}, err
		}
		sel.Schedules = append(sel.Schedules, s)
	}
	return sel, nil
}
