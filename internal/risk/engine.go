// Package risk derives a bounded, explainable risk score for a counterparty
// from ledger-observable signals and one external signal.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInvalidSignal is returned when a signal is not a number.
var ErrInvalidSignal = errors.New("risk: invalid signal")

// Category is a coarse label derived from the score.
type Category string

const (
	CategoryLow    Category = "LOW"
	CategoryMedium Category = "MEDIUM"
	CategoryHigh   Category = "HIGH"
)

// NeutralSignal is used for any signal with no history behind it, so new
// entities are neither rewarded nor penalised.
const NeutralSignal = 0.5

// Signals are the engine inputs, each normalised to [0,1].
type Signals struct {
	TradeFailureRate float64 `json:"trade_failure_rate"`
	TamperRate       float64 `json:"tamper_rate"`
	ActivityRisk     float64 `json:"activity_risk"`
	ExternalRisk     float64 `json:"external_risk"`
}

// Component is one weighted input of the score.
type Component struct {
	Name   string
	Weight int64
	value  func(Signals) float64
}

// Components lists the score inputs in rationale order. Weights sum to 100.
var Components = []Component{
	{Name: "trade_failure_rate", Weight: 40, value: func(s Signals) float64 { return s.TradeFailureRate }},
	{Name: "tamper_rate", Weight: 30, value: func(s Signals) float64 { return s.TamperRate }},
	{Name: "activity_risk", Weight: 20, value: func(s Signals) float64 { return s.ActivityRisk }},
	{Name: "external_risk", Weight: 10, value: func(s Signals) float64 { return s.ExternalRisk }},
}

// Score thresholds: LOW <= 30 < MEDIUM <= 70 < HIGH.
var (
	lowCeiling    = decimal.NewFromInt(30)
	mediumCeiling = decimal.NewFromInt(70)
	maxScore      = decimal.NewFromInt(100)
)

// Assessment is the output of Engine.Score.
type Assessment struct {
	Score     decimal.Decimal `json:"score"`
	Category  Category        `json:"category"`
	Rationale []string        `json:"rationale"`
	Signals   Signals         `json:"signals"`
}

// Engine is the pure scoring function. The zero value is ready to use.
type Engine struct{}

// Score combines s into a score in [0,100], rounded to two decimal places,
// with one rationale line per component. Signals outside [0,1] are clamped.
func (Engine) Score(s Signals) (*Assessment, error) {
	for _, c := range Components {
		if math.IsNaN(c.value(s)) {
			return nil, fmt.Errorf("%w: %s is NaN", ErrInvalidSignal, c.Name)
		}
	}
	s = Signals{
		TradeFailureRate: clamp01(s.TradeFailureRate),
		TamperRate:       clamp01(s.TamperRate),
		ActivityRisk:     clamp01(s.ActivityRisk),
		ExternalRisk:     clamp01(s.ExternalRisk),
	}

	total := decimal.Zero
	rationale := make([]string, 0, len(Components))
	for _, c := range Components {
		value := decimal.NewFromFloat(c.value(s)).Round(4)
		weighted := value.Mul(decimal.NewFromInt(c.Weight))
		total = total.Add(weighted)
		rationale = append(rationale, fmt.Sprintf("%s (%s) contributed %s points (weight %d%%)",
			c.Name, value.String(), weighted.StringFixed(2), c.Weight))
	}

	score := decimal.Max(decimal.Zero, decimal.Min(total, maxScore)).Round(2)
	return &Assessment{
		Score:     score,
		Category:  Categorize(score),
		Rationale: rationale,
		Signals:   s,
	}, nil
}

// Categorize maps a score onto LOW, MEDIUM or HIGH.
func Categorize(score decimal.Decimal) Category {
	switch {
	case score.LessThanOrEqual(lowCeiling):
		return CategoryLow
	case score.LessThanOrEqual(mediumCeiling):
		return CategoryMedium
	default:
		return CategoryHigh
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
