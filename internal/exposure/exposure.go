package exposure

import (
	"time"

	"fieldops/internal/config"
	"fieldops/internal/model"
)

const day = 24 * time.Hour

type Calculator struct {
	rates    map[model.Severity]int64
	accruing map[model.Severity]bool
}

func NewCalculator(cfg config.ExposureConfig) *Calculator {
	c := &Calculator{
		rates:    make(map[model.Severity]int64, len(cfg.DailyRateCents)),
		accruing: make(map[model.Severity]bool, len(cfg.Accruing)),
	}
	for sev, rate := range cfg.DailyRateCents {
		if rate > 0 {
			c.rates[sev] = rate
		}
	}
	for _, sev := range cfg.Accruing {
		c.accruing[sev] = true
	}
	return c
}

// Calculate sums fines and daily accrual over the violations that are open as
// of asOf. Violations issued after asOf are ignored. Missing or negative
// penalties contribute nothing.
func (c *Calculator) Calculate(violations []model.Violation, asOf time.Time) model.FinancialExposure {
	out := model.FinancialExposure{AsOf: asOf.UTC()}
	for _, v := range violations {
		if !v.IsOpen() || v.IssuedAt.After(asOf) {
			continue
		}
		if v.PenaltyCents != nil && *v.PenaltyCents > 0 {
			out.OutstandingFinesCents = model.AddCents(out.OutstandingFinesCents, *v.PenaltyCents)
		}
		if !c.accruing[v.Severity] {
			continue
		}
		rate := c.rates[v.Severity]
		if rate <= 0 {
			continue
		}
		out.DailyPenaltyCents = model.AddCents(out.DailyPenaltyCents, rate)
		out.AccruingCount++
		if !v.IssuedAt.IsZero() {
			accrued := model.MulCents(rate, int64(asOf.Sub(v.IssuedAt)/day))
			out.AccruedToDateCents = model.AddCents(out.AccruedToDateCents, accrued)
		}
	}
	return out
}
