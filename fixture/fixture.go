// Package fixture loads revenue schedules and deposit lines from JSON. It
// stands in for the forecast and deposit-import services when running the
// reconciler on its own.
package fixture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/revenue-reconciler/recon"
)

// File is the on-disk format:
//
//	{
//	  "revenue_schedules": [{"id": "rs-1", "tenant_id": "t1", ...}],
//	  "deposit_line_items": [{"id": "dl-1", "deposit_id": "dep-1", ...}]
//	}
type File struct {
	Schedules []recon.RevenueSchedule `json:"revenue_schedules"`
	Lines     []recon.DepositLineItem `json:"deposit_line_items"`
}

// record is the subset of fields every row must carry.
type record struct {
	ID       string `validate:"required"`
	TenantID string `validate:"required"`
}

type Result struct {
	Schedules int `json:"schedules"`
	Lines     int `json:"lines"`
}

// Decode parses and checks a fixture file without touching the store.
func Decode(r io.Reader) (File, error) {
	var f File
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("failed to decode fixture: %w", err)
	}

	v := validator.New()
	for i, s := range f.Schedules {
		if err := v.Struct(record{ID: string(s.ID), TenantID: s.TenantID}); err != nil {
			return File{}, fmt.Errorf("revenue_schedules[%d]: %w", i, err)
		}
		if s.Status == "" {
			f.Schedules[i].Status = recon.StatusUnreconciled
		}
	}
	for i, l := range f.Lines {
		if err := v.Struct(record{ID: string(l.ID), TenantID: l.TenantID}); err != nil {
			return File{}, fmt.Errorf("deposit_line_items[%d]: %w", i, err)
		}
		if l.DepositID == "" {
			return File{}, fmt.Errorf("deposit_line_items[%d]: deposit_id is required", i)
		}
		if l.Usage.IsNegative() || l.Commission.IsNegative() {
			return File{}, fmt.Errorf("deposit_line_items[%d]: amounts must not be negative", i)
		}
	}
	return f, nil
}

// Load writes every record of f into the store in one transaction.
//
// Re-importing a record replaces its descriptive fields only; applied money
// stays as the executor left it. Each schedule's status is derived from the
// figures it ends up with, using tolerance.
func Load(ctx context.Context, store recon.TxStore, f File, tolerance decimal.Decimal) (Result, error) {
	err := store.WithTx(ctx, func(tx recon.Store) error {
		for _, s := range f.Schedules {
			if err := tx.SaveSchedule(ctx, s); err != nil {
				return fmt.Errorf("schedule %s: %w", s.ID, err)
			}
			if err := syncStatus(ctx, tx, s.ID, tolerance); err != nil {
				return fmt.Errorf("schedule %s: %w", s.ID, err)
			}
		}
		for _, l := range f.Lines {
			if err := tx.SaveLine(ctx, l); err != nil {
				return fmt.Errorf("deposit line %s: %w", l.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Schedules: len(f.Schedules), Lines: len(f.Lines)}, nil
}

func syncStatus(ctx context.Context, tx recon.Store, id recon.ScheduleID, tolerance decimal.Decimal) error {
	s, err := tx.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	status := recon.DeriveStatus(s, tolerance)
	if status == s.Status {
		return nil
	}
	s.Status = status
	return tx.UpdateScheduleActuals(ctx, s)
}
