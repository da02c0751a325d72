package risk

import "time"

// Side of a position relative to the outcome price.
type Side uint8

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// Position is a collateralized leveraged position against an outcome.
// Size == Margin * Leverage at open; partial liquidations reduce Size and
// Margin proportionally until full close.
type Position struct {
	ID      string
	Owner   string
	Market  string
	Outcome int

	Size       int64 // notional, micro-units
	Margin     int64 // collateral, micro-units
	Leverage   int64 // base leverage, whole units
	EntryPrice int64 // micro-units
	Side       Side

	// ChainMultiplierBps amplifies effective leverage for positions linked
	// through borrow/stake/provide-liquidity steps. Zero means no link.
	ChainMultiplierBps int64

	OpenTick  uint64
	CreatedAt time.Time
}

// PnlPctBps returns unrealized PnL as basis points of entry price at the
// given mark price. Positive is profit for the position's side.
func (p *Position) PnlPctBps(price int64) (int64, error) {
	if price <= 0 || p.EntryPrice <= 0 {
		return 0, ErrInvalidPrice
	}
	diff := price - p.EntryPrice
	if p.Side == Short {
		diff = -diff
	}
	return mulDiv(diff, PrecisionBps, p.EntryPrice)
}

// RiskSnapshot is derived fresh from a position and the current price each
// time a decision is needed. Never cached across ticks.
type RiskSnapshot struct {
	PositionID        string
	MarginRatioBps    int64
	EffectiveLeverage int64
	LiquidationPrice  int64
	DistanceBps       int64 // signed distance to liquidation; negative means breached
	Liquidatable      bool
}

// Snapshot computes the risk snapshot for a position at the current price.
// numPositions is the owner's concurrent open position count in this market.
func Snapshot(p *Position, price, volatilityBps, numPositions int64) (*RiskSnapshot, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}
	mr, err := MarginRatioBps(p.Leverage, volatilityBps, numPositions)
	if err != nil {
		return nil, err
	}
	pnlBps, err := p.PnlPctBps(price)
	if err != nil {
		return nil, err
	}
	lev, err := EffectiveLeverage(p.Leverage, p.ChainMultiplierBps, pnlBps)
	if err != nil {
		return nil, err
	}
	liqPrice, err := LiquidationPrice(p.EntryPrice, mr, lev, p.Side == Long)
	if err != nil {
		return nil, err
	}

	var dist int64
	if p.Side == Long {
		dist, err = mulDiv(price-liqPrice, PrecisionBps, price)
	} else {
		dist, err = mulDiv(liqPrice-price, PrecisionBps, price)
	}
	if err != nil {
		return nil, err
	}

	liquidatable := (p.Side == Long && price <= liqPrice) ||
		(p.Side == Short && price >= liqPrice)

	return &RiskSnapshot{
		PositionID:        p.ID,
		MarginRatioBps:    mr,
		EffectiveLeverage: lev,
		LiquidationPrice:  liqPrice,
		DistanceBps:       dist,
		Liquidatable:      liquidatable,
	}, nil
}
