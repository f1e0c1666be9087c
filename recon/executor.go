/*
executor.go - Match Executor

PURPOSE:
  The only component that writes. Apply persists a plan as one match group;
  Reverse undoes a whole group. Both run inside a single transaction so a
  reader never observes a half-applied group.

APPLY (one transaction):
  1. Re-read every affected line and schedule
  2. Check no line is drawn beyond its remaining balance (+ tolerance)
  3. Insert one Applied match per allocation, sharing a new group id
  4. Add the amounts to schedule actuals and line allocation bookkeeping
  5. Re-derive each schedule's status
  6. Set the line's primary schedule for OneToOne / ManyToOne when unset

REVERSE (one transaction):
  1. Mark every Applied member Reversed (rows are never deleted)
  2. Subtract the amounts back out of schedules and lines
  3. Re-derive status, clear primary links the group created

CONCURRENCY:
  Entities are locked through the optional Locker, then writes are guarded
  by optimistic version checks. A version conflict rolls the transaction
  back and is retried up to Config.MaxRetries times; after that the caller
  gets ErrConcurrentModification ("please retry").
*/
package recon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ApplyResult is returned after a plan is committed.
type ApplyResult struct {
	MatchGroupID MatchGroupID      `json:"match_group_id"`
	Group        MatchGroup        `json:"group"`
	Schedules    []RevenueSchedule `json:"schedules"`
	Lines        []DepositLineItem `json:"lines"`
}

// ReverseResult is returned after a reverse. AlreadyReversed is set, with a
// Notice, when the group had no Applied members; that case is not an error.
type ReverseResult struct {
	Group           MatchGroup        `json:"group"`
	Schedules       []RevenueSchedule `json:"schedules,omitempty"`
	Lines           []DepositLineItem `json:"lines,omitempty"`
	AlreadyReversed bool              `json:"already_reversed"`
	Notice          string            `json:"notice,omitempty"`
}

// Executor applies and reverses match groups.
type Executor struct {
	store  TxStore
	cfg    Config
	locker Locker
	log    logrus.FieldLogger
	now    func() time.Time
	newID  func() string
}

type ExecutorOption func(*Executor)

// WithLocker serializes operations on shared entities across processes.
func WithLocker(l Locker) ExecutorOption { return func(e *Executor) { e.locker = l } }

func WithLogger(l logrus.FieldLogger) ExecutorOption { return func(e *Executor) { e.log = l } }

func WithClock(now func() time.Time) ExecutorOption { return func(e *Executor) { e.now = now } }

func WithIDGenerator(fn func() string) ExecutorOption { return func(e *Executor) { e.newID = fn } }

func NewExecutor(store TxStore, cfg Config, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store: store,
		cfg:   cfg,
		log:   discardLogger(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// APPLY
// =============================================================================

// Apply commits a plan. Nothing is written if any check fails.
func (e *Executor) Apply(ctx context.Context, plan Plan) (ApplyResult, error) {
	if len(plan.Allocations) == 0 {
		return ApplyResult{}, &AllocationError{Code: CodeInvalidAmount, Message: "plan has no allocations"}
	}
	if err := plan.CheckConservation(e.cfg.Tolerance); err != nil {
		e.logConservation(plan, err)
		return ApplyResult{}, err
	}

	release, err := e.lock(ctx, lockKeys(plan.LineIDs(), plan.ScheduleIDs()))
	if err != nil {
		return ApplyResult{}, err
	}
	defer release()

	groupID := MatchGroupID(e.newID())
	log := e.log.WithFields(logrus.Fields{
		"match_group_id": groupID,
		"cardinality":    plan.Cardinality,
		"source":         plan.Source,
	})

	var result ApplyResult
	err = e.retry(ctx, log, func() error {
		var err error
		result, err = e.applyOnce(ctx, plan, groupID)
		return err
	})
	if err != nil {
		log.WithError(err).Warn("apply failed")
		return ApplyResult{}, err
	}

	log.WithField("allocations", len(plan.Allocations)).Info("match group applied")
	return result, nil
}

func (e *Executor) applyOnce(ctx context.Context, plan Plan, groupID MatchGroupID) (ApplyResult, error) {
	var result ApplyResult
	err := e.store.WithTx(ctx, func(tx Store) error {
		now := e.now()

		lines := make(map[LineID]*DepositLineItem)
		for _, id := range plan.LineIDs() {
			l, err := tx.GetLine(ctx, id)
			if err != nil {
				return err
			}
			lines[id] = &l
		}
		schedules := make(map[ScheduleID]*RevenueSchedule)
		for _, id := range plan.ScheduleIDs() {
			s, err := tx.GetSchedule(ctx, id)
			if err != nil {
				return err
			}
			if s.IsDeleted() {
				return &AllocationError{Code: CodeScheduleIneligible, Message: "schedule is deleted", ScheduleID: id}
			}
			schedules[id] = &s
		}

		if err := e.checkDraws(plan, lines); err != nil {
			return err
		}

		matches := make([]DepositLineMatch, 0, len(plan.Allocations))
		for _, a := range plan.Allocations {
			matches = append(matches, DepositLineMatch{
				ID:                  MatchID(e.newID()),
				MatchGroupID:        groupID,
				DepositLineItemID:   a.LineID,
				RevenueScheduleID:   a.ScheduleID,
				CardinalityType:     plan.Cardinality,
				AllocatedUsage:      a.Usage,
				AllocatedCommission: a.Commission,
				Status:              MatchApplied,
				Source:              plan.Source,
				Confidence:          plan.Confidence,
				Reasons:             plan.Reasons,
				CreatedAt:           now,
			})

			s := schedules[a.ScheduleID]
			s.ActualUsage = s.ActualUsage.Add(a.Usage)
			s.ActualCommission = s.ActualCommission.Add(a.Commission)

			l := lines[a.LineID]
			l.UsageAllocated = l.UsageAllocated.Add(a.Usage)
			l.CommissionAllocated = l.CommissionAllocated.Add(a.Commission)
			if l.PrimaryRevenueScheduleID == "" && setsPrimary(plan.Cardinality) {
				l.PrimaryRevenueScheduleID = a.ScheduleID
			}
		}

		if err := tx.AppendMatches(ctx, matches); err != nil {
			return err
		}
		for _, id := range plan.ScheduleIDs() {
			s := schedules[id]
			s.Status = DeriveStatus(*s, e.cfg.Tolerance)
			s.UpdatedAt = now
			if err := tx.UpdateScheduleActuals(ctx, *s); err != nil {
				return err
			}
			s.Version++
			result.Schedules = append(result.Schedules, *s)
		}
		for _, id := range plan.LineIDs() {
			l := lines[id]
			l.UpdatedAt = now
			if err := tx.UpdateLineAllocation(ctx, *l); err != nil {
				return err
			}
			l.Version++
			result.Lines = append(result.Lines, *l)
		}

		result.MatchGroupID = groupID
		result.Group = NewMatchGroup(groupID, matches)
		return nil
	})
	return result, err
}

// checkDraws re-verifies line balances against freshly read state.
func (e *Executor) checkDraws(plan Plan, lines map[LineID]*DepositLineItem) error {
	usage := make(map[LineID]decimal.Decimal)
	commission := make(map[LineID]decimal.Decimal)
	for _, a := range plan.Allocations {
		usage[a.LineID] = usage[a.LineID].Add(a.Usage)
		commission[a.LineID] = commission[a.LineID].Add(a.Commission)
	}
	for _, id := range plan.LineIDs() {
		l := lines[id]
		if usage[id].Sub(l.UsageRemaining()).GreaterThan(e.cfg.Tolerance) {
			return &BalanceConsumedError{LineID: id, Axis: "usage", Remaining: l.UsageRemaining(), Requested: usage[id]}
		}
		if commission[id].Sub(l.CommissionRemaining()).GreaterThan(e.cfg.Tolerance) {
			return &BalanceConsumedError{LineID: id, Axis: "commission", Remaining: l.CommissionRemaining(), Requested: commission[id]}
		}
	}
	return nil
}

func setsPrimary(c CardinalityType) bool {
	return c == OneToOne || c == ManyToOne
}

// =============================================================================
// REVERSE
// =============================================================================

// Reverse undoes every Applied member of a group. Calling it again on the
// same group is a no-op reported through ReverseResult.AlreadyReversed.
func (e *Executor) Reverse(ctx context.Context, id MatchGroupID) (ReverseResult, error) {
	matches, err := e.store.ListMatchesByGroup(ctx, id)
	if err != nil {
		return ReverseResult{}, err
	}
	if len(matches) == 0 {
		return ReverseResult{}, fmt.Errorf("%w: %s", ErrMatchGroupNotFound, id)
	}
	if !anyApplied(matches) {
		return alreadyReversed(id, matches), nil
	}

	var lineIDs []LineID
	var scheduleIDs []ScheduleID
	for _, m := range matches {
		lineIDs = append(lineIDs, m.DepositLineItemID)
		scheduleIDs = append(scheduleIDs, m.RevenueScheduleID)
	}
	release, err := e.lock(ctx, lockKeys(lineIDs, scheduleIDs))
	if err != nil {
		return ReverseResult{}, err
	}
	defer release()

	log := e.log.WithField("match_group_id", id)

	var result ReverseResult
	err = e.retry(ctx, log, func() error {
		var err error
		result, err = e.reverseOnce(ctx, id)
		return err
	})
	if err != nil {
		log.WithError(err).Warn("reverse failed")
		return ReverseResult{}, err
	}
	if !result.AlreadyReversed {
		log.Info("match group reversed")
	}
	return result, nil
}

func (e *Executor) reverseOnce(ctx context.Context, id MatchGroupID) (ReverseResult, error) {
	var result ReverseResult
	err := e.store.WithTx(ctx, func(tx Store) error {
		now := e.now()

		matches, err := tx.ListMatchesByGroup(ctx, id)
		if err != nil {
			return err
		}
		if !anyApplied(matches) {
			result = alreadyReversed(id, matches)
			return nil
		}

		var (
			ids         []MatchID
			lineOrder   []LineID
			schedOrder  []ScheduleID
			lines       = make(map[LineID]*DepositLineItem)
			schedules   = make(map[ScheduleID]*RevenueSchedule)
			linkedPairs = make(map[LineID]map[ScheduleID]bool)
		)
		for _, m := range matches {
			if m.Status != MatchApplied {
				continue
			}
			ids = append(ids, m.ID)

			l, ok := lines[m.DepositLineItemID]
			if !ok {
				got, err := tx.GetLine(ctx, m.DepositLineItemID)
				if err != nil {
					return err
				}
				l = &got
				lines[got.ID] = l
				lineOrder = append(lineOrder, got.ID)
				linkedPairs[got.ID] = make(map[ScheduleID]bool)
			}
			s, ok := schedules[m.RevenueScheduleID]
			if !ok {
				got, err := tx.GetSchedule(ctx, m.RevenueScheduleID)
				if err != nil {
					return err
				}
				s = &got
				schedules[got.ID] = s
				schedOrder = append(schedOrder, got.ID)
			}

			s.ActualUsage = s.ActualUsage.Sub(m.AllocatedUsage)
			s.ActualCommission = s.ActualCommission.Sub(m.AllocatedCommission)
			l.UsageAllocated = l.UsageAllocated.Sub(m.AllocatedUsage)
			l.CommissionAllocated = l.CommissionAllocated.Sub(m.AllocatedCommission)
			linkedPairs[l.ID][s.ID] = true
		}

		if err := tx.MarkMatchesReversed(ctx, ids, now); err != nil {
			return err
		}

		for _, sid := range schedOrder {
			s := schedules[sid]
			s.Status = DeriveStatus(*s, e.cfg.Tolerance)
			s.UpdatedAt = now
			if err := tx.UpdateScheduleActuals(ctx, *s); err != nil {
				return err
			}
			s.Version++
			result.Schedules = append(result.Schedules, *s)
		}
		for _, lid := range lineOrder {
			l := lines[lid]
			if linkedPairs[lid][l.PrimaryRevenueScheduleID] {
				still, err := stillLinked(ctx, tx, lid, l.PrimaryRevenueScheduleID)
				if err != nil {
					return err
				}
				if !still {
					l.PrimaryRevenueScheduleID = ""
				}
			}
			l.UpdatedAt = now
			if err := tx.UpdateLineAllocation(ctx, *l); err != nil {
				return err
			}
			l.Version++
			result.Lines = append(result.Lines, *l)
		}

		reversed, err := tx.ListMatchesByGroup(ctx, id)
		if err != nil {
			return err
		}
		result.Group = NewMatchGroup(id, reversed)
		return nil
	})
	return result, err
}

// stillLinked reports whether another Applied match ties the line to the
// schedule. Called after the group's own matches are marked Reversed.
func stillLinked(ctx context.Context, tx Store, line LineID, schedule ScheduleID) (bool, error) {
	matches, err := tx.ListMatchesByLine(ctx, line)
	if err != nil {
		return false, err
	}
	for _, m := range matches {
		if m.Status == MatchApplied && m.RevenueScheduleID == schedule {
			return true, nil
		}
	}
	return false, nil
}

func anyApplied(matches []DepositLineMatch) bool {
	for _, m := range matches {
		if m.Status == MatchApplied {
			return true
		}
	}
	return false
}

func alreadyReversed(id MatchGroupID, matches []DepositLineMatch) ReverseResult {
	return ReverseResult{
		Group:           NewMatchGroup(id, matches),
		AlreadyReversed: true,
		Notice:          fmt.Sprintf("match group %s has no applied matches; nothing to reverse", id),
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Executor) retry(ctx context.Context, log logrus.FieldLogger, fn func() error) error {
	attempts := e.cfg.MaxRetries
	if attempts < 0 {
		attempts = 0
	}
	var err error
	for attempt := 0; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		log.WithField("attempt", attempt+1).Debug("version conflict, retrying")
	}
	return err
}

func (e *Executor) lock(ctx context.Context, keys []string) (func(), error) {
	if e.locker == nil {
		return func() {}, nil
	}
	release, err := e.locker.Lock(ctx, keys)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			return nil, err
		}
		return nil, fmt.Errorf("acquire entity locks: %w", err)
	}
	return release, nil
}

func (e *Executor) logConservation(plan Plan, err error) {
	e.log.WithFields(logrus.Fields{
		"cardinality":       plan.Cardinality,
		"allocations":       plan.Allocations,
		"plan_usage":        plan.TotalUsage().String(),
		"source_usage":      plan.SourceUsage.String(),
		"plan_commission":   plan.TotalCommission().String(),
		"source_commission": plan.SourceCommission.String(),
	}).WithError(err).Error("conservation check failed, nothing written")
}

// lockKeys returns sorted, de-duplicated keys so every caller acquires locks
// in the same order.
func lockKeys(lines []LineID, schedules []ScheduleID) []string {
	seen := make(map[string]bool)
	var keys []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, id := range lines {
		add("line:" + string(id))
	}
	for _, id := range schedules {
		add("schedule:" + string(id))
	}
	sort.Strings(keys)
	return keys
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
