/*
automatch.go - Auto-Match Orchestrator

PURPOSE:
  Batch matching for a whole deposit, in two steps:
    Preview  read-only; ranks every line and sorts it into one bucket
    Confirm  applies a (possibly trimmed) candidate list, one OneToOne
             match group per candidate

BUCKETS (each line lands in exactly one):
  alreadyMatched  line already has money applied
  candidate       a schedule with confidence >= threshold was assigned
  belowThreshold  candidates exist, none at threshold is still free
  noCandidates    no eligible schedule scored above zero
  errors          line could not be evaluated (malformed amounts)

  processed == alreadyMatched + len(candidates) + belowThreshold
               + noCandidates + len(errors)

CONCURRENCY:
  Preview evaluates lines in parallel, bounded by Config.PreviewConcurrency,
  then assigns schedules in one sequential pass so no schedule is proposed
  for two lines.
  Confirm runs candidates one after another; a failure is recorded and the
  batch continues.
*/
package recon

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// AutoMatchCandidate is a line paired with its best-scoring schedule.
type AutoMatchCandidate struct {
	LineID     LineID          `json:"line_id"`
	LineNumber int             `json:"line_number"`
	ScheduleID ScheduleID      `json:"schedule_id"`
	Usage      decimal.Decimal `json:"usage"`
	Commission decimal.Decimal `json:"commission"`
	Confidence float64         `json:"confidence"`
	Reasons    []Reason        `json:"reasons"`
}

type LineError struct {
	LineID     LineID `json:"line_id"`
	LineNumber int    `json:"line_number"`
	Message    string `json:"message"`
}

type PreviewSummary struct {
	DepositID      DepositID            `json:"deposit_id"`
	Threshold      float64              `json:"threshold"`
	Processed      int                  `json:"processed"`
	AlreadyMatched int                  `json:"already_matched"`
	BelowThreshold int                  `json:"below_threshold"`
	NoCandidates   int                  `json:"no_candidates"`
	Candidates     []AutoMatchCandidate `json:"auto_match_candidates"`
	Errors         []LineError          `json:"errors"`
}

type CandidateFailure struct {
	LineID     LineID     `json:"line_id"`
	ScheduleID ScheduleID `json:"schedule_id"`
	Message    string     `json:"message"`
	Err        error      `json:"-"`
}

type ConfirmResult struct {
	AppliedCount int                `json:"applied_count"`
	Groups       []MatchGroupID     `json:"match_group_ids"`
	Failures     []CandidateFailure `json:"failures"`
}

// ProgressFunc is called after each candidate in Confirm.
type ProgressFunc func(done, total int)

type AutoMatcher struct {
	store    Store
	executor *Executor
	cfg      Config
	log      logrus.FieldLogger
}

func NewAutoMatcher(store Store, executor *Executor, cfg Config, log logrus.FieldLogger) *AutoMatcher {
	if log == nil {
		log = discardLogger()
	}
	return &AutoMatcher{store: store, executor: executor, cfg: cfg, log: log}
}

// =============================================================================
// PREVIEW
// =============================================================================

type bucket int

const (
	bucketAlreadyMatched bucket = iota
	bucketCandidate
	bucketBelowThreshold
	bucketNoCandidates
	bucketError
)

type lineOutcome struct {
	bucket    bucket
	line      DepositLineItem
	eligible  []Candidate // ranked, at or above threshold
	candidate AutoMatchCandidate
	err       LineError
}

// Preview classifies every line of the deposit. It writes nothing.
func (m *AutoMatcher) Preview(ctx context.Context, depositID DepositID, threshold float64) (PreviewSummary, error) {
	lines, err := m.store.ListLinesByDeposit(ctx, depositID)
	if err != nil {
		return PreviewSummary{}, err
	}
	schedules, err := m.schedulesFor(ctx, lines)
	if err != nil {
		return PreviewSummary{}, err
	}

	outcomes := make([]lineOutcome, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.PreviewConcurrency > 0 {
		g.SetLimit(m.cfg.PreviewConcurrency)
	}
	for i, line := range lines {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = m.classify(line, schedules[line.TenantID], threshold)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PreviewSummary{}, err
	}
	assignSchedules(outcomes)

	summary := PreviewSummary{
		DepositID:  depositID,
		Threshold:  threshold,
		Processed:  len(lines),
		Candidates: []AutoMatchCandidate{},
		Errors:     []LineError{},
	}
	for _, o := range outcomes {
		switch o.bucket {
		case bucketAlreadyMatched:
			summary.AlreadyMatched++
		case bucketCandidate:
			summary.Candidates = append(summary.Candidates, o.candidate)
		case bucketBelowThreshold:
			summary.BelowThreshold++
		case bucketNoCandidates:
			summary.NoCandidates++
		case bucketError:
			summary.Errors = append(summary.Errors, o.err)
		}
	}
	sort.SliceStable(summary.Candidates, func(i, j int) bool {
		return summary.Candidates[i].LineNumber < summary.Candidates[j].LineNumber
	})

	m.log.WithFields(logrus.Fields{
		"deposit_id":      depositID,
		"processed":       summary.Processed,
		"candidates":      len(summary.Candidates),
		"already_matched": summary.AlreadyMatched,
		"below_threshold": summary.BelowThreshold,
		"no_candidates":   summary.NoCandidates,
		"errors":          len(summary.Errors),
	}).Info("auto-match preview")
	return summary, nil
}

// schedulesFor loads the live schedules of every tenant present in lines.
func (m *AutoMatcher) schedulesFor(ctx context.Context, lines []DepositLineItem) (map[string][]RevenueSchedule, error) {
	out := make(map[string][]RevenueSchedule)
	for _, l := range lines {
		if _, ok := out[l.TenantID]; ok {
			continue
		}
		s, err := m.store.ListSchedules(ctx, ScheduleFilter{TenantID: l.TenantID})
		if err != nil {
			return nil, err
		}
		out[l.TenantID] = s
	}
	return out, nil
}

func (m *AutoMatcher) classify(line DepositLineItem, schedules []RevenueSchedule, threshold float64) lineOutcome {
	if msg := malformed(line); msg != "" {
		return lineOutcome{bucket: bucketError, err: LineError{LineID: line.ID, LineNumber: line.LineNumber, Message: msg}}
	}
	if line.IsMatched() {
		return lineOutcome{bucket: bucketAlreadyMatched}
	}

	ranked := RankCandidates(line, schedules, m.cfg)
	if len(ranked) == 0 {
		return lineOutcome{bucket: bucketNoCandidates}
	}
	n := 0
	for n < len(ranked) && ranked[n].Confidence >= threshold {
		n++
	}
	if n == 0 {
		return lineOutcome{bucket: bucketBelowThreshold}
	}
	return lineOutcome{bucket: bucketCandidate, line: line, eligible: ranked[:n]}
}

// assignSchedules gives each schedule to at most one line. Lines are served
// by best confidence, then line number; a line whose schedules are all taken
// falls back to below threshold.
func assignSchedules(outcomes []lineOutcome) {
	var order []int
	for i, o := range outcomes {
		if o.bucket == bucketCandidate {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		x, y := outcomes[order[a]], outcomes[order[b]]
		if x.eligible[0].Confidence != y.eligible[0].Confidence {
			return x.eligible[0].Confidence > y.eligible[0].Confidence
		}
		if x.line.LineNumber != y.line.LineNumber {
			return x.line.LineNumber < y.line.LineNumber
		}
		return x.line.ID < y.line.ID
	})

	taken := make(map[ScheduleID]bool)
	for _, i := range order {
		o := &outcomes[i]
		o.bucket = bucketBelowThreshold
		for _, c := range o.eligible {
			if taken[c.Schedule.ID] {
				continue
			}
			taken[c.Schedule.ID] = true
			o.bucket = bucketCandidate
			o.candidate = AutoMatchCandidate{
				LineID:     o.line.ID,
				LineNumber: o.line.LineNumber,
				ScheduleID: c.Schedule.ID,
				Usage:      o.line.UsageRemaining(),
				Commission: o.line.CommissionRemaining(),
				Confidence: c.Confidence,
				Reasons:    c.Reasons,
			}
			break
		}
	}
}

func malformed(l DepositLineItem) string {
	switch {
	case l.Usage.IsNegative():
		return "usage is negative"
	case l.Commission.IsNegative():
		return "commission is negative"
	case l.UsageRemaining().IsNegative():
		return "usage allocated beyond line amount"
	case l.CommissionRemaining().IsNegative():
		return "commission allocated beyond line amount"
	}
	return ""
}

// =============================================================================
// CONFIRM
// =============================================================================

// Confirm applies each candidate as its own OneToOne match group. Failures
// are collected; whatever was applied before a failure stays applied.
func (m *AutoMatcher) Confirm(ctx context.Context, candidates []AutoMatchCandidate, progress ProgressFunc) ConfirmResult {
	result := ConfirmResult{Groups: []MatchGroupID{}, Failures: []CandidateFailure{}}

	for i, c := range candidates {
		groupID, err := m.confirmOne(ctx, c)
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"line_id":     c.LineID,
				"schedule_id": c.ScheduleID,
			}).WithError(err).Warn("auto-match candidate failed")
			result.Failures = append(result.Failures, CandidateFailure{
				LineID: c.LineID, ScheduleID: c.ScheduleID, Message: err.Error(), Err: err,
			})
		} else {
			result.AppliedCount++
			result.Groups = append(result.Groups, groupID)
		}
		if progress != nil {
			progress(i+1, len(candidates))
		}
	}

	m.log.WithFields(logrus.Fields{
		"applied":  result.AppliedCount,
		"failures": len(result.Failures),
	}).Info("auto-match confirm")
	return result
}

func (m *AutoMatcher) confirmOne(ctx context.Context, c AutoMatchCandidate) (MatchGroupID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	line, err := m.store.GetLine(ctx, c.LineID)
	if err != nil {
		return "", err
	}
	schedule, err := m.store.GetSchedule(ctx, c.ScheduleID)
	if err != nil {
		return "", err
	}
	if line.IsMatched() {
		return "", &AllocationError{Code: CodeFullyAllocated, Message: "line was matched since preview", LineID: line.ID}
	}
	if !IsEligible(line, schedule) {
		return "", &AllocationError{
			Code:    CodeScheduleIneligible,
			Message: fmt.Sprintf("schedule is no longer eligible (status %s)", schedule.Status),
			LineID:  line.ID, ScheduleID: schedule.ID,
		}
	}

	plan, err := PlanAllocation(Selection{
		Cardinality: OneToOne,
		Lines:       []DepositLineItem{line},
		Schedules:   []RevenueSchedule{schedule},
		Source:      SourceAuto,
		Confidence:  c.Confidence,
		Reasons:     reasonMessages(c.Reasons),
	}, m.cfg)
	if err != nil {
		return "", err
	}
	applied, err := m.executor.Apply(ctx, plan)
	if err != nil {
		return "", err
	}
	return applied.MatchGroupID, nil
}
