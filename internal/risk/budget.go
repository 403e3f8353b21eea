package risk

import (
	"github.com/shopspring/decimal"
)

// BudgetStatus is the evaluated risk budget
type BudgetStatus struct {
	Drawdown          float64
	DrawdownBreached  bool
	MarginCapBreached bool
	Remaining         float64
}

// RiskBudget tracks peak equity and trips on drawdown or margin usage limits.
// Unlike a trading circuit breaker it never auto resets; recovery is decided by the state machine.
type RiskBudget struct {
	maxDrawdown float64
	marginCap   float64
	peak        decimal.Decimal
}

func NewRiskBudget(initialEquity decimal.Decimal, maxDrawdown, marginCap float64) *RiskBudget {
	return &RiskBudget{maxDrawdown: maxDrawdown, marginCap: marginCap, peak: initialEquity}
}

// Evaluate records equity and returns the budget status
func (b *RiskBudget) Evaluate(equity decimal.Decimal, marginUsage float64) BudgetStatus {
	if equity.GreaterThan(b.peak) {
		b.peak = equity
	}

	var st BudgetStatus
	if b.peak.IsPositive() {
		st.Drawdown, _ = b.peak.Sub(equity).Div(b.peak).Float64()
	}
	if st.Drawdown < 0 {
		st.Drawdown = 0
	}
	st.DrawdownBreached = st.Drawdown >= b.maxDrawdown
	st.MarginCapBreached = marginUsage >= b.marginCap
	st.Remaining = 1 - st.Drawdown/b.maxDrawdown
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	return st
}

// Peak returns the high-water mark
func (b *RiskBudget) Peak() decimal.Decimal { return b.peak }

// Restore installs a persisted high-water mark
func (b *RiskBudget) Restore(peak decimal.Decimal) {
	if peak.IsPositive() {
		b.peak = peak
	}
}
