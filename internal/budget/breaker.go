package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/GEJFY/inference-gateway/internal/pricing"
	"github.com/GEJFY/inference-gateway/internal/provider"
)

type State string

const (
	// StateClosed admits any tier.
	StateClosed State = "closed"
	// StateHalfOpen admits only cost_effective requests.
	StateHalfOpen State = "half_open"
	// StateOpen rejects all cloud admission requests.
	StateOpen State = "open"
)

// Breaker is the monthly-spend admission gate for cloud backends. State is a
// pure function of accumulated spend vs. (warnRatio x limit, limit) within
// the current billing period. Spend tracking is in-memory: a process restart
// resets the observed monthly spend to zero.
type Breaker struct {
	mu         sync.Mutex
	limitUSD   float64
	warnRatio  float64
	spendUSD   float64
	requests   int64
	period     time.Time // first instant of the current billing month, UTC
	byProvider map[string]float64
	byModel    map[string]float64

	now func() time.Time
}

// New builds a breaker with the given monthly limit and warn ratio. A warn
// ratio outside (0, 1] falls back to 0.8. A non-positive limit disables
// admission control (the breaker stays closed).
func New(limitUSD, warnRatio float64) *Breaker {
	if warnRatio <= 0 || warnRatio > 1 {
		warnRatio = 0.8
	}
	b := &Breaker{
		limitUSD:   limitUSD,
		warnRatio:  warnRatio,
		byProvider: make(map[string]float64),
		byModel:    make(map[string]float64),
		now:        time.Now,
	}
	b.period = startOfMonth(b.now())
	return b
}

func startOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// rolloverLocked resets counters when the billing month has changed.
func (b *Breaker) rolloverLocked() {
	if p := startOfMonth(b.now()); !p.Equal(b.period) {
		b.period = p
		b.spendUSD = 0
		b.requests = 0
		b.byProvider = make(map[string]float64)
		b.byModel = make(map[string]float64)
	}
}

func (b *Breaker) stateLocked() State {
	if b.limitUSD <= 0 {
		return StateClosed
	}
	switch {
	case b.spendUSD >= b.limitUSD:
		return StateOpen
	case b.spendUSD >= b.warnRatio*b.limitUSD:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Allow is the admission check for a cloud-classified backend. Local
// backends are never checked; they incur no metered cost.
func (b *Breaker) Allow(tier pricing.Tier) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()

	switch b.stateLocked() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if tier == pricing.TierCostEffective {
			return nil
		}
		return &ExceededError{SpendUSD: b.spendUSD, LimitUSD: b.limitUSD, State: StateHalfOpen, Tier: tier}
	default:
		return &ExceededError{SpendUSD: b.spendUSD, LimitUSD: b.limitUSD, State: StateOpen, Tier: tier}
	}
}

// RecordSpend adds amount to the current period and re-evaluates state. Each
// completed cloud call is reflected exactly once.
func (b *Breaker) RecordSpend(providerName, model string, amount float64) {
	if amount < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	b.spendUSD += amount
	b.requests++
	b.byProvider[providerName] += amount
	b.byModel[model] += amount
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	return b.stateLocked()
}

// Reset clears the current period manually (operator action).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.period = startOfMonth(b.now())
	b.spendUSD = 0
	b.requests = 0
	b.byProvider = make(map[string]float64)
	b.byModel = make(map[string]float64)
}

type Snapshot struct {
	State        State              `json:"state"`
	LimitUSD     float64            `json:"limit_usd"`
	SpendUSD     float64            `json:"spend_usd"`
	RemainingUSD float64            `json:"remaining_usd"`
	UsageRatio   float64            `json:"usage_ratio"`
	Requests     int64              `json:"requests"`
	PeriodStart  time.Time          `json:"period_start"`
	ByProvider   map[string]float64 `json:"by_provider"`
	ByModel      map[string]float64 `json:"by_model"`
}

// Snapshot is the only externally observable shape of the breaker, derived
// purely from its counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()

	s := Snapshot{
		State:       b.stateLocked(),
		LimitUSD:    b.limitUSD,
		SpendUSD:    b.spendUSD,
		Requests:    b.requests,
		PeriodStart: b.period,
		ByProvider:  make(map[string]float64, len(b.byProvider)),
		ByModel:     make(map[string]float64, len(b.byModel)),
	}
	if b.limitUSD > 0 {
		s.RemainingUSD = b.limitUSD - b.spendUSD
		if s.RemainingUSD < 0 {
			s.RemainingUSD = 0
		}
		s.UsageRatio = b.spendUSD / b.limitUSD
	}
	for k, v := range b.byProvider {
		s.ByProvider[k] = v
	}
	for k, v := range b.byModel {
		s.ByModel[k] = v
	}
	return s
}

// ExceededError is an admission-control rejection. The router either
// advances to a non-cloud candidate or surfaces it as terminal.
type ExceededError struct {
	SpendUSD float64
	LimitUSD float64
	State    State
	Tier     pricing.Tier
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("monthly budget exceeded: spent $%.2f of $%.2f (state %s, tier %s)",
		e.SpendUSD, e.LimitUSD, e.State, e.Tier)
}

func (e *ExceededError) Code() string { return provider.CodeBudgetExceeded }
