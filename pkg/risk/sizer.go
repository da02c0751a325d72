package risk

// SizerConfig holds the liquidation sizing parameters. Fixed at
// initialization, overridable by the governance authority only.
type SizerConfig struct {
	SigmaFactor        int64 // volatility scaling for the dynamic cap
	MinCapBps          int64 // floor of the per-tick cap, bps of open interest
	MaxCapBps          int64 // ceiling of the per-tick cap
	KeeperRewardBps    int64 // paid to the executing keeper
	InsuranceFeeBps    int64 // deducted into the insurance pool
}

// DefaultSizerConfig returns the production sizing parameters: per-tick cap
// between 2% and 8% of open interest, 5 bps keeper reward.
func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		SigmaFactor:     150,
		MinCapBps:       200,
		MaxCapBps:       800,
		KeeperRewardBps: 5,
		InsuranceFeeBps: 10,
	}
}

// TickAllowance is the per-market, per-tick liquidation budget. Every
// executed liquidation consumes from it; when exhausted, remaining positions
// are skipped until the next tick.
type TickAllowance struct {
	Tick      uint64
	CapAmount int64
	Consumed  int64
}

// Remaining returns the unconsumed allowance.
func (a *TickAllowance) Remaining() int64 {
	if a == nil {
		return 0
	}
	r := a.CapAmount - a.Consumed
	if r < 0 {
		return 0
	}
	return r
}

// Liquidation is the sized outcome of a single liquidation execution.
type Liquidation struct {
	PositionID         string
	Amount             int64 // notional liquidated this tick
	RemainingSize      int64 // position size left after execution
	KeeperReward       int64
	InsuranceDeduction int64
	Full               bool // remaining size is zero; position closes
}

// Sizer decides if and how much of a position to liquidate, bounded by the
// dynamic per-tick cap. Liquidations are always partial-or-capped, never
// instantaneously total.
type Sizer struct {
	cfg SizerConfig
}

// NewSizer creates a sizer with the given parameters.
func NewSizer(cfg SizerConfig) *Sizer {
	return &Sizer{cfg: cfg}
}

// DynamicCapBps returns the per-tick cap as bps of open interest:
// clamp(sigmaFactor * volatilityBps / 100, minCap, maxCap).
func (s *Sizer) DynamicCapBps(volatilityBps int64) (int64, error) {
	if volatilityBps < 0 {
		return 0, ErrInvalidVolatility
	}
	raw, err := mulDiv(s.cfg.SigmaFactor, volatilityBps, 100)
	if err != nil {
		return 0, err
	}
	return clampInt64(raw, s.cfg.MinCapBps, s.cfg.MaxCapBps), nil
}

// CapAmount converts the dynamic cap into an absolute per-tick notional.
func (s *Sizer) CapAmount(volatilityBps, openInterest int64) (int64, error) {
	capBps, err := s.DynamicCapBps(volatilityBps)
	if err != nil {
		return 0, err
	}
	return mulDiv(capBps, openInterest, PrecisionBps)
}

// Size sizes a liquidation for pos at the current price, consuming from acc.
// Returns ErrNotLiquidatable when the price has not breached the liquidation
// price and ErrAllowanceExhausted when the tick budget is spent; both are
// policy outcomes the caller retries next tick. acc is only mutated on
// success.
func (s *Sizer) Size(pos *Position, snap *RiskSnapshot, acc *TickAllowance) (*Liquidation, error) {
	if pos.Size <= 0 {
		return nil, ErrPositionNotFound
	}
	if !snap.Liquidatable {
		return nil, ErrNotLiquidatable
	}

	remaining := acc.Remaining()
	if remaining <= 0 {
		return nil, ErrAllowanceExhausted
	}

	amount := pos.Size
	if amount > remaining {
		// Partial amounts stay divisible by leverage: positions open with
		// size == margin * leverage, so the remainder keeps an exact margin.
		amount = remaining
		if pos.Leverage > 0 {
			amount -= amount % pos.Leverage
		}
		if amount <= 0 {
			return nil, ErrAllowanceExhausted
		}
	}

	reward, err := mulDiv(amount, s.cfg.KeeperRewardBps, PrecisionBps)
	if err != nil {
		return nil, err
	}
	insurance, err := mulDiv(amount, s.cfg.InsuranceFeeBps, PrecisionBps)
	if err != nil {
		return nil, err
	}

	acc.Consumed += amount

	return &Liquidation{
		PositionID:         pos.ID,
		Amount:             amount,
		RemainingSize:      pos.Size - amount,
		KeeperReward:       reward,
		InsuranceDeduction: insurance,
		Full:               pos.Size == amount,
	}, nil
}
