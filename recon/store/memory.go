// Package store provides an in-memory recon.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/revenue-reconciler/recon"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	*data
}

// data holds the records. Its methods assume the caller holds the lock.
type data struct {
	schedules map[recon.ScheduleID]recon.RevenueSchedule
	lines     map[recon.LineID]recon.DepositLineItem
	matches   []recon.DepositLineMatch // insertion order
	matchIdx  map[recon.MatchID]int
}

func newData() *data {
	return &data{
		schedules: make(map[recon.ScheduleID]recon.RevenueSchedule),
		lines:     make(map[recon.LineID]recon.DepositLineItem),
		matchIdx:  make(map[recon.MatchID]int),
	}
}

func NewMemory() *Memory {
	return &Memory{data: newData()}
}

func (m *Memory) GetSchedule(ctx context.Context, id recon.ScheduleID) (recon.RevenueSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSchedule(id)
}

func (m *Memory) ListSchedules(ctx context.Context, f recon.ScheduleFilter) ([]recon.RevenueSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSchedules(f), nil
}

func (m *Memory) SaveSchedule(ctx context.Context, s recon.RevenueSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveSchedule(s)
	return nil
}

func (m *Memory) UpdateScheduleActuals(ctx context.Context, s recon.RevenueSchedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateScheduleActuals(s)
}

func (m *Memory) GetLine(ctx context.Context, id recon.LineID) (recon.DepositLineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLine(id)
}

func (m *Memory) ListLinesByDeposit(ctx context.Context, id recon.DepositID) ([]recon.DepositLineItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLinesByDeposit(id), nil
}

func (m *Memory) SaveLine(ctx context.Context, l recon.DepositLineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLine(l)
	return nil
}

func (m *Memory) UpdateLineAllocation(ctx context.Context, l recon.DepositLineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLineAllocation(l)
}

// AppendMatches adds match rows atomically. Append-only.
func (m *Memory) AppendMatches(ctx context.Context, matches []recon.DepositLineMatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendMatches(matches)
}

func (m *Memory) MarkMatchesReversed(ctx context.Context, ids []recon.MatchID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markReversed(ids, at)
}

func (m *Memory) ListMatchesByGroup(ctx context.Context, id recon.MatchGroupID) ([]recon.DepositLineMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterMatches(func(x recon.DepositLineMatch) bool { return x.MatchGroupID == id }), nil
}

func (m *Memory) ListMatchesByLine(ctx context.Context, id recon.LineID) ([]recon.DepositLineMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterMatches(func(x recon.DepositLineMatch) bool { return x.DepositLineItemID == id }), nil
}

// =============================================================================
// LOCKED OPERATIONS
// =============================================================================

func (d *data) getSchedule(id recon.ScheduleID) (recon.RevenueSchedule, error) {
	s, ok := d.schedules[id]
	if !ok {
		return recon.RevenueSchedule{}, fmt.Errorf("%w: %s", recon.ErrScheduleNotFound, id)
	}
	return s, nil
}

func (d *data) listSchedules(f recon.ScheduleFilter) []recon.RevenueSchedule {
	var out []recon.RevenueSchedule
	for _, s := range d.schedules {
		if f.TenantID != "" && s.TenantID != f.TenantID {
			continue
		}
		if s.IsDeleted() && !f.IncludeDeleted {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// saveSchedule upserts; replacing an existing record bumps its version and
// keeps the actuals and status the executor wrote.
func (d *data) saveSchedule(s recon.RevenueSchedule) {
	if cur, ok := d.schedules[s.ID]; ok {
		s.Version = cur.Version + 1
		s.ActualUsage = cur.ActualUsage
		s.ActualCommission = cur.ActualCommission
		s.Status = cur.Status
	}
	if s.Status == "" {
		s.Status = recon.StatusUnreconciled
	}
	d.schedules[s.ID] = s
}

func (d *data) updateScheduleActuals(s recon.RevenueSchedule) error {
	cur, err := d.getSchedule(s.ID)
	if err != nil {
		return err
	}
	if cur.Version != s.Version {
		return fmt.Errorf("%w: schedule %s version %d, have %d",
			recon.ErrConcurrentModification, s.ID, cur.Version, s.Version)
	}
	cur.ActualUsage = s.ActualUsage
	cur.ActualCommission = s.ActualCommission
	cur.Status = s.Status
	cur.UpdatedAt = s.UpdatedAt
	cur.Version++
	d.schedules[s.ID] = cur
	return nil
}

func (d *data) getLine(id recon.LineID) (recon.DepositLineItem, error) {
	l, ok := d.lines[id]
	if !ok {
		return recon.DepositLineItem{}, fmt.Errorf("%w: %s", recon.ErrLineNotFound, id)
	}
	return l, nil
}

func (d *data) listLinesByDeposit(id recon.DepositID) []recon.DepositLineItem {
	var out []recon.DepositLineItem
	for _, l := range d.lines {
		if l.DepositID == id {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LineNumber != out[j].LineNumber {
			return out[i].LineNumber < out[j].LineNumber
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *data) saveLine(l recon.DepositLineItem) {
	if cur, ok := d.lines[l.ID]; ok {
		l.Version = cur.Version + 1
		l.UsageAllocated = cur.UsageAllocated
		l.CommissionAllocated = cur.CommissionAllocated
		l.PrimaryRevenueScheduleID = cur.PrimaryRevenueScheduleID
	}
	d.lines[l.ID] = l
}

func (d *data) updateLineAllocation(l recon.DepositLineItem) error {
	cur, err := d.getLine(l.ID)
	if err != nil {
		return err
	}
	if cur.Version != l.Version {
		return fmt.Errorf("%w: line %s version %d, have %d",
			recon.ErrConcurrentModification, l.ID, cur.Version, l.Version)
	}
	cur.UsageAllocated = l.UsageAllocated
	cur.CommissionAllocated = l.CommissionAllocated
	cur.PrimaryRevenueScheduleID = l.PrimaryRevenueScheduleID
	cur.UpdatedAt = l.UpdatedAt
	cur.Version++
	d.lines[l.ID] = cur
	return nil
}

func (d *data) appendMatches(matches []recon.DepositLineMatch) error {
	// Check all ids first (atomic check)
	seen := make(map[recon.MatchID]bool, len(matches))
	for _, x := range matches {
		if _, dup := d.matchIdx[x.ID]; dup || seen[x.ID] {
			return fmt.Errorf("match %s already exists", x.ID)
		}
		seen[x.ID] = true
	}
	for _, x := range matches {
		x.Reasons = append([]string(nil), x.Reasons...)
		d.matchIdx[x.ID] = len(d.matches)
		d.matches = append(d.matches, x)
	}
	return nil
}

func (d *data) markReversed(ids []recon.MatchID, at time.Time) error {
	for _, id := range ids {
		i, ok := d.matchIdx[id]
		if !ok {
			return fmt.Errorf("match %s not found", id)
		}
		if d.matches[i].Status != recon.MatchApplied {
			return fmt.Errorf("%w: match %s is already reversed", recon.ErrConcurrentModification, id)
		}
	}
	for _, id := range ids {
		i := d.matchIdx[id]
		t := at
		d.matches[i].Status = recon.MatchReversed
		d.matches[i].ReversedAt = &t
	}
	return nil
}

func (d *data) filterMatches(keep func(recon.DepositLineMatch) bool) []recon.DepositLineMatch {
	var out []recon.DepositLineMatch
	for _, x := range d.matches {
		if keep(x) {
			x.Reasons = append([]string(nil), x.Reasons...)
			out = append(out, x)
		}
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Transactions are serialized by the store mutex.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(recon.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	if err := fn(&txMemoryView{d: tm.data}); err != nil {
		tm.data = snapshot
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() *data {
	cp := newData()
	for k, v := range tm.schedules {
		cp.schedules[k] = v
	}
	for k, v := range tm.lines {
		cp.lines[k] = v
	}
	cp.matches = make([]recon.DepositLineMatch, len(tm.matches))
	copy(cp.matches, tm.matches)
	for k, v := range tm.matchIdx {
		cp.matchIdx[k] = v
	}
	return cp
}

// txMemoryView is handed to the WithTx callback; the lock is already held.
type txMemoryView struct {
	d *data
}

func (tv *txMemoryView) GetSchedule(_ context.Context, id recon.ScheduleID) (recon.RevenueSchedule, error) {
	return tv.d.getSchedule(id)
}

func (tv *txMemoryView) ListSchedules(_ context.Context, f recon.ScheduleFilter) ([]recon.RevenueSchedule, error) {
	return tv.d.listSchedules(f), nil
}

func (tv *txMemoryView) SaveSchedule(_ context.Context, s recon.RevenueSchedule) error {
	tv.d.saveSchedule(s)
	return nil
}

func (tv *txMemoryView) UpdateScheduleActuals(_ context.Context, s recon.RevenueSchedule) error {
	return tv.d.updateScheduleActuals(s)
}

func (tv *txMemoryView) GetLine(_ context.Context, id recon.LineID) (recon.DepositLineItem, error) {
	return tv.d.getLine(id)
}

func (tv *txMemoryView) ListLinesByDeposit(_ context.Context, id recon.DepositID) ([]recon.DepositLineItem, error) {
	return tv.d.listLinesByDeposit(id), nil
}

func (tv *txMemoryView) SaveLine(_ context.Context, l recon.DepositLineItem) error {
	tv.d.saveLine(l)
	return nil
}

func (tv *txMemoryView) UpdateLineAllocation(_ context.Context, l recon.DepositLineItem) error {
	return tv.d.updateLineAllocation(l)
}

func (tv *txMemoryView) AppendMatches(_ context.Context, matches []recon.DepositLineMatch) error {
	return tv.d.appendMatches(matches)
}

func (tv *txMemoryView) MarkMatchesReversed(_ context.Context, ids []recon.MatchID, at time.Time) error {
	return tv.d.markReversed(ids, at)
}

func (tv *txMemoryView) ListMatchesByGroup(_ context.Context, id recon.MatchGroupID) ([]recon.DepositLineMatch, error) {
	return tv.d.filterMatches(func(x recon.DepositLineMatch) bool { return x.MatchGroupID == id }), nil
}

func (tv *txMemoryView) ListMatchesByLine(_ context.Context, id recon.LineID) ([]recon.DepositLineMatch, error) {
	return tv.d.filterMatches(func(x recon.DepositLineMatch) bool { return x.DepositLineItemID == id }), nil
}
