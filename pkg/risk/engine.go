package risk

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
	metrics "github.com/luxfi/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// Config aggregates the engine's sub-configurations.
type Config struct {
	Breaker    BreakerConfig
	HaltWindow HaltWindowConfig
	Sizer      SizerConfig
}

// DefaultConfig returns production defaults for 1-second ticks.
func DefaultConfig() Config {
	return Config{
		Breaker:    DefaultBreakerConfig(),
		HaltWindow: DefaultHaltWindowConfig(),
		Sizer:      DefaultSizerConfig(),
	}
}

// TickInput is everything the venue supplies for one market at one tick.
type TickInput struct {
	Market        string
	Tick          uint64
	Price         int64
	VolatilityBps int64
	VaultBalance  int64
	OutcomeCount  int64
	Volume        int64
	FailedTxCount int64
}

// WorkItem is a liquidatable position offered to keepers for execution.
type WorkItem struct {
	PositionID       string
	Owner            string
	Market           string
	Size             int64
	LiquidationPrice int64
	DistanceBps      int64
	Tick             uint64
}

// TickResult is the engine's output for one market tick.
type TickResult struct {
	Market             string
	Tick               uint64
	Action             BreakerAction
	CoverageBps        int64
	LiquidationsHalted bool
	AllowanceCap       int64
	Work               []WorkItem
}

// ExecutionRecord is produced for every successful liquidation claim.
type ExecutionRecord struct {
	ID                 string
	PositionID         string
	KeeperID           string
	Market             string
	Tick               uint64
	Amount             int64
	RemainingSize      int64
	KeeperReward       int64
	InsuranceDeduction int64
	ExecutedAt         time.Time
}

// marketState holds the per-market singletons: breaker, halt window, the
// per-tick allowance and the position set.
type marketState struct {
	breaker *CircuitBreaker
	window  *HaltWindow

	positions map[string]*Position
	allowance *TickAllowance

	openInterest int64
	lastInput    TickInput
	lastAction   BreakerAction
	lastCoverage int64
	liqHalted    bool

	// Executed liquidations in the current tick, fed into the cascade
	// breaker on the next evaluation.
	tickLiqCount  int64
	tickLiqVolume int64
}

// Engine is the per-tick risk and liquidation engine. It is invoked
// synchronously once per tick by the surrounding environment; all state
// transitions within one tick are atomic relative to other ticks, so no
// internal locking is required.
type Engine struct {
	cfg    Config
	sizer  *Sizer
	logger log.Logger

	markets   map[string]*marketState
	positions map[string]string // positionID -> market
	resolved  map[string]uint64 // positionID -> tick it was resolved in

	insurancePool int64

	metrics *engineMetrics
}

// engineMetrics holds the hot-path instruments. Each engine registers its
// collectors once, on its own registry, so two engines never collide.
type engineMetrics struct {
	handle metrics.Metrics

	ticks        metrics.Counter
	halts        metrics.Counter
	liquidations metrics.Counter
	claimRejects metrics.Counter
	tickLatency  metrics.Histogram
}

func newEngineMetrics() *engineMetrics {
	m := metrics.NewWithRegistry("risk", prometheus.NewRegistry())
	return &engineMetrics{
		handle:       m,
		ticks:        m.NewCounter("ticks_total", "Market ticks evaluated"),
		halts:        m.NewCounter("halts_total", "Circuit breaker halts triggered"),
		liquidations: m.NewCounter("liquidations_total", "Liquidations executed"),
		claimRejects: m.NewCounter("claim_rejects_total", "Liquidation claims rejected"),
		tickLatency: m.NewHistogram("tick_latency_microseconds", "Tick evaluation latency",
			[]float64{50, 100, 250, 500, 1000, 2500, 5000, 10000}),
	}
}

// NewEngine creates an engine with no markets registered.
func NewEngine(cfg Config, logger log.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		sizer:     NewSizer(cfg.Sizer),
		logger:    logger,
		markets:   make(map[string]*marketState),
		positions: make(map[string]string),
		resolved:  make(map[string]uint64),
		metrics:   newEngineMetrics(),
	}
}

// AddMarket registers a market with fresh breaker and halt-window singletons.
func (e *Engine) AddMarket(market string) {
	if _, ok := e.markets[market]; ok {
		return
	}
	e.markets[market] = &marketState{
		breaker:   NewCircuitBreaker(e.cfg.Breaker, e.logger.New("market", market)),
		window:    NewHaltWindow(e.cfg.HaltWindow, e.logger.New("market", market)),
		positions: make(map[string]*Position),
	}
}

// Breaker exposes a market's breaker for authority actions.
func (e *Engine) Breaker(market string) (*CircuitBreaker, error) {
	ms, ok := e.markets[market]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return ms.breaker, nil
}

// Window exposes a market's halt window for authority actions.
func (e *Engine) Window(market string) (*HaltWindow, error) {
	ms, ok := e.markets[market]
	if !ok {
		return nil, ErrMarketNotFound
	}
	return ms.window, nil
}

// InsurancePool returns the accumulated insurance deductions.
func (e *Engine) InsurancePool() int64 { return e.insurancePool }

// CreditInsurance adds externally slashed stake to the insurance pool.
func (e *Engine) CreditInsurance(amount int64) {
	if amount > 0 {
		e.insurancePool += amount
	}
}

// OpenPosition opens a collateralized position. size = margin * leverage.
// Rejected while the market's breaker disallows state-changing operations.
func (e *Engine) OpenPosition(owner, market string, outcome int, margin, leverage, entryPrice int64, side Side, chainMultiplierBps int64) (*Position, error) {
	ms, ok := e.markets[market]
	if !ok {
		return nil, ErrMarketNotFound
	}
	if err := ms.allowsStateChange(); err != nil {
		return nil, err
	}
	if margin <= 0 {
		return nil, ErrInvalidMargin
	}
	if leverage < MinLeverage || leverage > MaxLeverage {
		return nil, ErrInvalidLeverage
	}
	if entryPrice <= 0 {
		return nil, ErrInvalidPrice
	}
	if chainMultiplierBps < 0 {
		return nil, ErrInvalidLeverage
	}

	size, err := checkedMul(margin, leverage)
	if err != nil {
		return nil, err
	}

	pos := &Position{
		ID:                 uuid.NewString(),
		Owner:              owner,
		Market:             market,
		Outcome:            outcome,
		Size:               size,
		Margin:             margin,
		Leverage:           leverage,
		EntryPrice:         entryPrice,
		Side:               side,
		ChainMultiplierBps: chainMultiplierBps,
		OpenTick:           ms.lastInput.Tick,
		CreatedAt:          time.Now(),
	}

	ms.positions[pos.ID] = pos
	e.positions[pos.ID] = market
	ms.openInterest += size

	e.logger.Debug("position opened",
		"position", pos.ID,
		"owner", owner,
		"market", market,
		"size", size,
		"leverage", leverage,
		"side", side.String())
	return pos, nil
}

// ClosePosition voluntarily closes a position in full.
func (e *Engine) ClosePosition(owner, positionID string) error {
	market, ok := e.positions[positionID]
	if !ok {
		return ErrPositionNotFound
	}
	ms := e.markets[market]
	pos := ms.positions[positionID]
	if pos.Owner != owner {
		return ErrNotOwner
	}
	if err := ms.allowsStateChange(); err != nil {
		return err
	}
	e.removePosition(ms, pos)
	return nil
}

// Position returns a position by id.
func (e *Engine) Position(positionID string) (*Position, error) {
	market, ok := e.positions[positionID]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return e.markets[market].positions[positionID], nil
}

// OpenInterest returns a market's total open notional.
func (e *Engine) OpenInterest(market string) int64 {
	if ms, ok := e.markets[market]; ok {
		return ms.openInterest
	}
	return 0
}

// EvaluateTick runs one market tick: circuit breaker first, then the halt
// window, then the liquidatable-position scan. The result's Work slice is
// ordered most-underwater first and is what the coordinator hands to keepers.
func (e *Engine) EvaluateTick(in TickInput) (*TickResult, error) {
	start := time.Now()
	ms, ok := e.markets[in.Market]
	if !ok {
		return nil, ErrMarketNotFound
	}
	e.metrics.ticks.Inc()

	// Resolution markers only guard within a single tick. Ticks are the
	// venue's global ordering unit, so strictly older entries are dead.
	for id, t := range e.resolved {
		if t < in.Tick {
			delete(e.resolved, id)
		}
	}

	// Previous tick's executions feed the cascade signal.
	stats := TickStats{
		Tick:              in.Tick,
		Price:             in.Price,
		VaultBalance:      in.VaultBalance,
		OpenInterest:      ms.openInterest,
		OutcomeCount:      in.OutcomeCount,
		Volume:            in.Volume,
		LiquidationCount:  ms.tickLiqCount,
		LiquidationVolume: ms.tickLiqVolume,
		FailedTxCount:     in.FailedTxCount,
	}
	ms.tickLiqCount = 0
	ms.tickLiqVolume = 0

	action := ms.breaker.Evaluate(stats)
	if action.Kind == ActionHalt {
		e.metrics.halts.Inc()
	}

	coverage, err := CoverageBps(in.VaultBalance, ms.openInterest, in.OutcomeCount)
	if err != nil {
		coverage = 0 // fail closed
	}

	result := &TickResult{
		Market:      in.Market,
		Tick:        in.Tick,
		Action:      action,
		CoverageBps: coverage,
	}

	ms.lastInput = in
	ms.lastAction = action
	ms.lastCoverage = coverage

	if !action.AllowsTrading() {
		ms.allowance = nil
		ms.liqHalted = true
		e.metrics.tickLatency.Observe(float64(time.Since(start).Microseconds()))
		return result, nil
	}

	// Breaker allows continuation; the liquidation-specific window is
	// evaluated second and only gates liquidations, not trading.
	ms.liqHalted = ms.window.ShouldHalt(in.Tick, coverage)
	result.LiquidationsHalted = ms.liqHalted
	if ms.liqHalted {
		ms.allowance = nil
		e.metrics.tickLatency.Observe(float64(time.Since(start).Microseconds()))
		return result, nil
	}

	capAmount, err := e.sizer.CapAmount(in.VolatilityBps, ms.openInterest)
	if err != nil {
		return nil, err
	}
	ms.allowance = &TickAllowance{Tick: in.Tick, CapAmount: capAmount}
	result.AllowanceCap = capAmount

	result.Work = e.scanLiquidatable(ms, in)
	e.metrics.tickLatency.Observe(float64(time.Since(start).Microseconds()))
	return result, nil
}

// scanLiquidatable snapshots every open position and collects the ones whose
// liquidation price is breached, most underwater first.
func (e *Engine) scanLiquidatable(ms *marketState, in TickInput) []WorkItem {
	ownerCounts := make(map[string]int64, len(ms.positions))
	for _, pos := range ms.positions {
		ownerCounts[pos.Owner]++
	}

	var work []WorkItem
	for _, pos := range ms.positions {
		snap, err := Snapshot(pos, in.Price, in.VolatilityBps, ownerCounts[pos.Owner])
		if err != nil {
			e.logger.Warn("snapshot failed",
				"position", pos.ID, "error", err)
			continue
		}
		if !snap.Liquidatable {
			continue
		}
		work = append(work, WorkItem{
			PositionID:       pos.ID,
			Owner:            pos.Owner,
			Market:           pos.Market,
			Size:             pos.Size,
			LiquidationPrice: snap.LiquidationPrice,
			DistanceBps:      snap.DistanceBps,
			Tick:             in.Tick,
		})
	}

	sort.Slice(work, func(i, j int) bool {
		if work[i].DistanceBps != work[j].DistanceBps {
			return work[i].DistanceBps < work[j].DistanceBps
		}
		return work[i].PositionID < work[j].PositionID
	})
	return work
}

// ClaimLiquidation is the compare-and-commit operation keepers race on.
// At most one claim per position per tick succeeds: the first valid
// submission consumes the allowance; later ones fail with
// ErrPositionResolved or ErrAllowanceExhausted so keepers can distinguish
// "too slow" from "invalid".
func (e *Engine) ClaimLiquidation(keeperID, positionID string, tick uint64) (*ExecutionRecord, error) {
	if t, done := e.resolved[positionID]; done && t == tick {
		e.metrics.claimRejects.Inc()
		return nil, ErrPositionResolved
	}
	market, ok := e.positions[positionID]
	if !ok {
		return nil, ErrPositionNotFound
	}
	ms := e.markets[market]

	if ms.lastInput.Tick != tick {
		return nil, ErrStaleTick
	}
	if err := ms.allowsStateChange(); err != nil {
		e.metrics.claimRejects.Inc()
		return nil, err
	}
	if ms.liqHalted {
		e.metrics.claimRejects.Inc()
		return nil, ErrHalted
	}
	if ms.allowance == nil || ms.allowance.Tick != tick {
		e.metrics.claimRejects.Inc()
		return nil, ErrAllowanceExhausted
	}

	pos := ms.positions[positionID]
	in := ms.lastInput

	ownerCount := int64(0)
	for _, p := range ms.positions {
		if p.Owner == pos.Owner {
			ownerCount++
		}
	}

	snap, err := Snapshot(pos, in.Price, in.VolatilityBps, ownerCount)
	if err != nil {
		return nil, err
	}

	liq, err := e.sizer.Size(pos, snap, ms.allowance)
	if err != nil {
		e.metrics.claimRejects.Inc()
		return nil, err
	}

	// Commit: the whole transition applies as a unit.
	e.resolved[positionID] = tick
	ms.window.RecordLiquidation(liq.Amount, tick)
	ms.tickLiqCount++
	ms.tickLiqVolume += liq.Amount
	ms.openInterest -= liq.Amount
	e.insurancePool += liq.InsuranceDeduction
	e.metrics.liquidations.Inc()

	if liq.Full {
		delete(ms.positions, positionID)
		delete(e.positions, positionID)
	} else {
		// Margin shrinks proportionally so size == margin * leverage holds.
		pos.Size = liq.RemainingSize
		pos.Margin = liq.RemainingSize / pos.Leverage
	}

	rec := &ExecutionRecord{
		ID:                 uuid.NewString(),
		PositionID:         positionID,
		KeeperID:           keeperID,
		Market:             market,
		Tick:               tick,
		Amount:             liq.Amount,
		RemainingSize:      liq.RemainingSize,
		KeeperReward:       liq.KeeperReward,
		InsuranceDeduction: liq.InsuranceDeduction,
		ExecutedAt:         time.Now(),
	}

	e.logger.Info("liquidation executed",
		"position", positionID,
		"keeper", keeperID,
		"market", market,
		"tick", tick,
		"amount", liq.Amount,
		"remaining", liq.RemainingSize,
		"full", liq.Full)
	return rec, nil
}

// Metrics exposes the engine's metric handle for scraping or gathering.
func (e *Engine) Metrics() metrics.Metrics { return e.metrics.handle }

func (e *Engine) removePosition(ms *marketState, pos *Position) {
	ms.openInterest -= pos.Size
	delete(ms.positions, pos.ID)
	delete(e.positions, pos.ID)
}

// allowsStateChange maps the market's last breaker verdict onto the policy
// rejections for state-changing operations. Cooldown passes checks but still
// rejects mutations.
func (ms *marketState) allowsStateChange() error {
	switch ms.breaker.State() {
	case StateHalted:
		return ErrHalted
	case StateCooldown:
		return ErrCooldown
	case StateEmergencyShutdown:
		return ErrShutdown
	}
	return nil
}
