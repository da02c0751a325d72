package risk

import "github.com/luxfi/log"

// BreakerState is the circuit breaker's discriminated state. Exactly one
// state holds at a time; EmergencyShutdown is terminal.
type BreakerState int

const (
	StateActive BreakerState = iota
	StateHalted
	StateCooldown
	StateEmergencyShutdown
)

func (s BreakerState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateHalted:
		return "halted"
	case StateCooldown:
		return "cooldown"
	case StateEmergencyShutdown:
		return "emergency_shutdown"
	}
	return "unknown"
}

// HaltReason identifies which signal tripped the breaker.
type HaltReason int

const (
	ReasonNone HaltReason = iota
	ReasonLowCoverage
	ReasonPriceMove
	ReasonLiquidationCascade
	ReasonCongestion
	ReasonVolumeSpike
	ReasonManual
)

func (r HaltReason) String() string {
	switch r {
	case ReasonLowCoverage:
		return "low_coverage"
	case ReasonPriceMove:
		return "price_move"
	case ReasonLiquidationCascade:
		return "liquidation_cascade"
	case ReasonCongestion:
		return "congestion"
	case ReasonVolumeSpike:
		return "volume_spike"
	case ReasonManual:
		return "manual"
	}
	return "none"
}

// Severity grades a breach for downstream consumers.
type Severity int

const (
	LowSeverity Severity = iota
	MediumSeverity
	HighSeverity
	CriticalSeverity
)

// ActionKind is the breaker's per-tick verdict kind.
type ActionKind int

const (
	ActionContinue ActionKind = iota
	ActionHalt
	ActionRemainHalted
	ActionResume
	ActionInCooldown
	ActionEmergencyShutdown
)

func (k ActionKind) String() string {
	switch k {
	case ActionContinue:
		return "continue"
	case ActionHalt:
		return "halt"
	case ActionRemainHalted:
		return "remain_halted"
	case ActionResume:
		return "resume"
	case ActionInCooldown:
		return "in_cooldown"
	case ActionEmergencyShutdown:
		return "emergency_shutdown"
	}
	return "unknown"
}

// BreakerAction is the breaker's output for one tick.
type BreakerAction struct {
	Kind     ActionKind
	Reason   HaltReason
	Duration uint64 // halt duration in ticks, set on ActionHalt
	Severity Severity
}

// AllowsTrading reports whether state-changing operations may proceed.
// Cooldown passes checks but still rejects state-changing operations.
func (a BreakerAction) AllowsTrading() bool {
	return a.Kind == ActionContinue || a.Kind == ActionResume
}

// TickStats is the venue telemetry the breaker consumes each tick.
type TickStats struct {
	Tick         uint64
	Price        int64 // current market price, micro-units
	VaultBalance int64 // micro-units
	OpenInterest int64 // micro-units
	OutcomeCount int64 // outcomes in this market, >= 2

	Volume            int64 // traded notional this tick
	LiquidationCount  int64 // liquidations executed this tick
	LiquidationVolume int64 // liquidated notional this tick
	FailedTxCount     int64
}

// BreakerConfig holds the trigger thresholds and halt durations, expressed in
// ticks. Fixed at initialization; governance overrides replace the whole
// config before engine construction.
type BreakerConfig struct {
	CoverageFloorBps      int64 // halt below this coverage ratio
	PriceWindowTicks      int
	PriceMoveLimitBps     int64
	CascadeCountLimit     int64
	CascadeVolumeLimitBps int64 // of open interest
	CongestionLimit       int64
	VolumeMultiplier      int64 // breach when volume > multiplier * baseline
	VolumeBaselineTicks   int

	HaltDurations map[HaltReason]uint64
	CooldownTicks uint64
}

// DefaultBreakerConfig assumes 1-second ticks: long halts (coverage,
// cascade) are one hour, congestion fifteen minutes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		CoverageFloorBps:      5000,
		PriceWindowTicks:      4,
		PriceMoveLimitBps:     500,
		CascadeCountLimit:     50,
		CascadeVolumeLimitBps: 1000,
		CongestionLimit:       100,
		VolumeMultiplier:      10,
		VolumeBaselineTicks:   60,
		HaltDurations: map[HaltReason]uint64{
			ReasonLowCoverage:        3600,
			ReasonPriceMove:          1800,
			ReasonLiquidationCascade: 3600,
			ReasonCongestion:         900,
			ReasonVolumeSpike:        1800,
		},
		CooldownTicks: 300,
	}
}

// ShutdownAuthority is the one-time-use token required to trigger an
// emergency shutdown. Invalidated on use.
type ShutdownAuthority struct {
	used bool
}

// NewShutdownAuthority issues a fresh single-use token.
func NewShutdownAuthority() *ShutdownAuthority {
	return &ShutdownAuthority{}
}

// CircuitBreaker is the per-market five-signal state machine gating whether
// any trading or liquidation may proceed. It is owned by the venue and
// mutated only by its own Evaluate function (plus the emergency path).
type CircuitBreaker struct {
	cfg    BreakerConfig
	logger log.Logger

	state       BreakerState
	haltStart   uint64
	resumeAt    uint64
	cooldownEnd uint64
	reason      HaltReason

	// Price window: cumulative |Δprice|/price per tick, most recent last.
	lastPrice  int64
	priceMoves []int64

	// Volume baseline: trailing per-tick volumes.
	volumes []int64
}

// NewCircuitBreaker creates an Active breaker.
func NewCircuitBreaker(cfg BreakerConfig, logger log.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:        cfg,
		logger:     logger,
		state:      StateActive,
		priceMoves: make([]int64, 0, cfg.PriceWindowTicks),
		volumes:    make([]int64, 0, cfg.VolumeBaselineTicks),
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState { return cb.state }

// Reason returns the reason for the current or most recent halt.
func (cb *CircuitBreaker) Reason() HaltReason { return cb.reason }

// Evaluate runs the breaker for one tick. Checks run in fixed priority order
// and the first breach wins. The transition is computed fully, then committed
// as a unit: no reader within the tick observes a half-applied state.
func (cb *CircuitBreaker) Evaluate(stats TickStats) BreakerAction {
	switch cb.state {
	case StateEmergencyShutdown:
		return BreakerAction{Kind: ActionEmergencyShutdown, Reason: cb.reason, Severity: CriticalSeverity}

	case StateHalted:
		if stats.Tick < cb.resumeAt {
			return BreakerAction{Kind: ActionRemainHalted, Reason: cb.reason}
		}
		// Halt served; enter cooldown.
		cb.state = StateCooldown
		cb.cooldownEnd = stats.Tick + cb.cfg.CooldownTicks
		cb.logger.Info("breaker entering cooldown",
			"reason", cb.reason.String(),
			"tick", stats.Tick,
			"cooldownEnd", cb.cooldownEnd)
		return BreakerAction{Kind: ActionInCooldown, Reason: cb.reason}

	case StateCooldown:
		if stats.Tick < cb.cooldownEnd {
			return BreakerAction{Kind: ActionInCooldown, Reason: cb.reason}
		}
		cb.state = StateActive
		cb.reason = ReasonNone
		cb.logger.Info("breaker resumed", "tick", stats.Tick)
		return BreakerAction{Kind: ActionResume}
	}

	// Active: record telemetry, then run the five checks.
	cb.recordPrice(stats.Price)
	baseline := cb.volumeBaseline()
	cb.recordVolume(stats.Volume)

	reason, severity := cb.firstBreach(stats, baseline)
	if reason == ReasonNone {
		return BreakerAction{Kind: ActionContinue}
	}

	duration := cb.cfg.HaltDurations[reason]
	cb.state = StateHalted
	cb.haltStart = stats.Tick
	cb.resumeAt = stats.Tick + duration
	cb.reason = reason

	// The breaching telemetry must not outlive the halt: price and volume
	// windows restart empty once trading resumes.
	cb.lastPrice = 0
	cb.priceMoves = cb.priceMoves[:0]
	cb.volumes = cb.volumes[:0]

	cb.logger.Warn("circuit breaker tripped",
		"reason", reason.String(),
		"tick", stats.Tick,
		"resumeAt", cb.resumeAt,
		"severity", int(severity))

	return BreakerAction{Kind: ActionHalt, Reason: reason, Duration: duration, Severity: severity}
}

// firstBreach runs the five checks in priority order: coverage, price,
// liquidation cascade, congestion, volume.
func (cb *CircuitBreaker) firstBreach(stats TickStats, volumeBaseline int64) (HaltReason, Severity) {
	if cb.coverageBreached(stats) {
		return ReasonLowCoverage, CriticalSeverity
	}
	if cb.priceBreached() {
		return ReasonPriceMove, HighSeverity
	}
	if cb.cascadeBreached(stats) {
		return ReasonLiquidationCascade, HighSeverity
	}
	if stats.FailedTxCount > cb.cfg.CongestionLimit {
		return ReasonCongestion, MediumSeverity
	}
	if cb.volumeBreached(stats.Volume, volumeBaseline) {
		return ReasonVolumeSpike, MediumSeverity
	}
	return ReasonNone, LowSeverity
}

// CoverageBps computes the solvency signal: vault balance over tail-loss
// adjusted open interest, in bps. Zero open interest counts as fully covered.
func CoverageBps(vaultBalance, openInterest, outcomeCount int64) (int64, error) {
	if openInterest <= 0 {
		return PrecisionBps, nil
	}
	adjusted, err := mulDiv(openInterest, TailLossMultiplierBps(outcomeCount), PrecisionBps)
	if err != nil {
		return 0, err
	}
	if adjusted <= 0 {
		return PrecisionBps, nil
	}
	return mulDiv(vaultBalance, PrecisionBps, adjusted)
}

// TailLossMultiplierBps weights open interest by outcome count: a binary
// market is 1.0x and each additional outcome adds 25% tail-loss weight.
func TailLossMultiplierBps(outcomeCount int64) int64 {
	if outcomeCount <= 2 {
		return PrecisionBps
	}
	return PrecisionBps + 2500*(outcomeCount-2)
}

func (cb *CircuitBreaker) coverageBreached(stats TickStats) bool {
	cov, err := CoverageBps(stats.VaultBalance, stats.OpenInterest, stats.OutcomeCount)
	if err != nil {
		// Overflowing coverage math is treated as a breach: fail closed.
		return true
	}
	return cov < cb.cfg.CoverageFloorBps
}

func (cb *CircuitBreaker) recordPrice(price int64) {
	if price <= 0 {
		return
	}
	if cb.lastPrice > 0 {
		diff := price - cb.lastPrice
		if diff < 0 {
			diff = -diff
		}
		move, err := mulDiv(diff, PrecisionBps, cb.lastPrice)
		if err != nil {
			move = cb.cfg.PriceMoveLimitBps // fail closed
		}
		cb.priceMoves = append(cb.priceMoves, move)
		if len(cb.priceMoves) > cb.cfg.PriceWindowTicks {
			cb.priceMoves = cb.priceMoves[1:]
		}
	}
	cb.lastPrice = price
}

func (cb *CircuitBreaker) priceBreached() bool {
	var sum int64
	for _, m := range cb.priceMoves {
		sum += m
	}
	return sum > cb.cfg.PriceMoveLimitBps
}

func (cb *CircuitBreaker) cascadeBreached(stats TickStats) bool {
	if stats.LiquidationCount > cb.cfg.CascadeCountLimit {
		return true
	}
	if stats.OpenInterest <= 0 {
		return false
	}
	limit, err := mulDiv(stats.OpenInterest, cb.cfg.CascadeVolumeLimitBps, PrecisionBps)
	if err != nil {
		return true
	}
	return stats.LiquidationVolume > limit
}

func (cb *CircuitBreaker) recordVolume(v int64) {
	cb.volumes = append(cb.volumes, v)
	if len(cb.volumes) > cb.cfg.VolumeBaselineTicks {
		cb.volumes = cb.volumes[1:]
	}
}

func (cb *CircuitBreaker) volumeBaseline() int64 {
	if len(cb.volumes) == 0 {
		return 0
	}
	var sum int64
	for _, v := range cb.volumes {
		sum += v
	}
	return sum / int64(len(cb.volumes))
}

func (cb *CircuitBreaker) volumeBreached(volume, baseline int64) bool {
	if baseline <= 0 {
		return false
	}
	limit, err := checkedMul(baseline, cb.cfg.VolumeMultiplier)
	if err != nil {
		return true
	}
	return volume > limit
}

// EmergencyShutdown moves the breaker to its terminal state. Reachable from
// any state, requires a valid single-use authority token, which is consumed
// whether or not the breaker was already shut down.
func (cb *CircuitBreaker) EmergencyShutdown(auth *ShutdownAuthority) error {
	if auth == nil || auth.used {
		return ErrAuthorityConsumed
	}
	auth.used = true
	cb.state = StateEmergencyShutdown
	cb.reason = ReasonManual
	cb.logger.Error("emergency shutdown triggered")
	return nil
}
