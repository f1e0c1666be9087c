package recon

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Weights sets the relative importance of each ranking signal. They do not
// need to sum to one; confidence is normalized by their total.
type Weights struct {
	Usage      float64 `mapstructure:"usage"`
	Commission float64 `mapstructure:"commission"`
	Account    float64 `mapstructure:"account"`
	Vendor     float64 `mapstructure:"vendor"`
	Product    float64 `mapstructure:"product"`
	Date       float64 `mapstructure:"date"`
}

func DefaultWeights() Weights {
	return Weights{
		Usage:      0.30,
		Commission: 0.20,
		Account:    0.20,
		Vendor:     0.15,
		Product:    0.05,
		Date:       0.10,
	}
}

func (w Weights) total() float64 {
	return w.Usage + w.Commission + w.Account + w.Vendor + w.Product + w.Date
}

// Config carries every tunable the engine uses. It is passed explicitly to
// each component so callers and tests control boundary values.
type Config struct {
	// Tolerance is an absolute currency amount, not a percentage.
	Tolerance decimal.Decimal

	// AutoMatchThreshold is the minimum confidence for auto-match.
	AutoMatchThreshold float64

	// AmountScale is the number of decimal places allocations are rounded to.
	AmountScale int32

	// DateWindowDays is how far apart a payment and a schedule date may be
	// before the temporal signal drops to zero.
	DateWindowDays int

	// AmountPartialWindow is the relative difference (0.10 = 10%) within
	// which an amount that does not match exactly still earns partial credit.
	AmountPartialWindow float64

	Weights Weights

	// MaxRetries bounds how often apply/reverse retry on a version conflict.
	MaxRetries int

	// PreviewConcurrency bounds parallel line evaluation in Preview.
	PreviewConcurrency int
}

func DefaultConfig() Config {
	return Config{
		Tolerance:           decimal.RequireFromString("0.005"),
		AutoMatchThreshold:  0.75,
		AmountScale:         2,
		DateWindowDays:      45,
		AmountPartialWindow: 0.10,
		Weights:             DefaultWeights(),
		MaxRetries:          3,
		PreviewConcurrency:  8,
	}
}

// Validate rejects configurations that would make ranking or planning
// meaningless.
func (c Config) Validate() error {
	if c.Tolerance.IsNegative() {
		return fmt.Errorf("tolerance must not be negative: %s", c.Tolerance)
	}
	if c.AutoMatchThreshold < 0 || c.AutoMatchThreshold > 1 {
		return fmt.Errorf("auto-match threshold must be within [0,1]: %v", c.AutoMatchThreshold)
	}
	if c.AmountScale < 0 {
		return fmt.Errorf("amount scale must not be negative: %d", c.AmountScale)
	}
	if c.DateWindowDays < 0 {
		return fmt.Errorf("date window must not be negative: %d", c.DateWindowDays)
	}
	if c.Weights.total() <= 0 {
		return fmt.Errorf("ranking weights must sum to a positive value")
	}
	return nil
}
