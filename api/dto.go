/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Request types carry
  validator tags; responses mostly reuse the engine's own JSON-tagged types.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers that the engine has no type for

MONEY:
  Amounts are decimal.Decimal, which encodes as a JSON string ("100.00")
  and decodes from either a string or a number.

SEE ALSO:
  - handlers.go: Uses these types
  - recon/types.go: Engine types returned as-is
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/revenue-reconciler/recon"
)

// =============================================================================
// SELECTION
// =============================================================================

type ValidateSelectionRequest struct {
	Cardinality string   `json:"cardinality" validate:"required,oneof=one_to_one one_to_many many_to_one many_to_many"`
	LineIDs     []string `json:"line_ids" validate:"dive,required"`
	ScheduleIDs []string `json:"schedule_ids" validate:"dive,required"`
}

type ValidateSelectionResponse struct {
	Compatible bool   `json:"compatible"`
	Detected   string `json:"detected_cardinality,omitempty"`
	Message    string `json:"message,omitempty"`
}

// SelectionRequest drives both allocation preview and apply.
type SelectionRequest struct {
	Cardinality       string           `json:"cardinality" validate:"required,oneof=one_to_one one_to_many many_to_one many_to_many"`
	LineIDs           []string         `json:"line_ids" validate:"required,min=1,dive,required"`
	ScheduleIDs       []string         `json:"schedule_ids" validate:"required,min=1,dive,required"`
	Usage             *decimal.Decimal `json:"usage,omitempty"`
	Commission        *decimal.Decimal `json:"commission,omitempty"`
	AcceptOverpayment bool             `json:"accept_overpayment"`
	Matrix            []MatrixEntry    `json:"matrix,omitempty" validate:"omitempty,dive"`
}

// MatrixEntry is one explicit pair of a many-to-many allocation.
type MatrixEntry struct {
	LineID     string          `json:"line_id" validate:"required"`
	ScheduleID string          `json:"schedule_id" validate:"required"`
	Usage      decimal.Decimal `json:"usage"`
	Commission decimal.Decimal `json:"commission"`
}

func (r SelectionRequest) toEngine() recon.SelectionRequest {
	req := recon.SelectionRequest{
		Cardinality:       recon.CardinalityType(r.Cardinality),
		Usage:             r.Usage,
		Commission:        r.Commission,
		AcceptOverpayment: r.AcceptOverpayment,
	}
	for _, id := range r.LineIDs {
		req.LineIDs = append(req.LineIDs, recon.LineID(id))
	}
	for _, id := range r.ScheduleIDs {
		req.ScheduleIDs = append(req.ScheduleIDs, recon.ScheduleID(id))
	}
	for _, m := range r.Matrix {
		req.Matrix = append(req.Matrix, recon.Allocation{
			LineID:     recon.LineID(m.LineID),
			ScheduleID: recon.ScheduleID(m.ScheduleID),
			Usage:      m.Usage,
			Commission: m.Commission,
		})
	}
	return req
}

// =============================================================================
// AUTO-MATCH
// =============================================================================

type AutoMatchPreviewRequest struct {
	Threshold *float64 `json:"threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// AutoMatchConfirmRequest confirms the given candidates. With no candidates
// the deposit is previewed and every candidate above threshold is applied.
type AutoMatchConfirmRequest struct {
	Threshold  *float64           `json:"threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	Candidates []ConfirmCandidate `json:"candidates,omitempty" validate:"omitempty,dive"`
}

type ConfirmCandidate struct {
	LineID     string         `json:"line_id" validate:"required"`
	ScheduleID string         `json:"schedule_id" validate:"required"`
	Confidence float64        `json:"confidence" validate:"gte=0,lte=1"`
	Reasons    []recon.Reason `json:"reasons,omitempty"`
}

func (c ConfirmCandidate) toEngine() recon.AutoMatchCandidate {
	return recon.AutoMatchCandidate{
		LineID:     recon.LineID(c.LineID),
		ScheduleID: recon.ScheduleID(c.ScheduleID),
		Confidence: c.Confidence,
		Reasons:    c.Reasons,
	}
}

// =============================================================================
// RESPONSES
// =============================================================================

type CandidatesResponse struct {
	LineID     string            `json:"line_id"`
	Candidates []recon.Candidate `json:"candidates"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
