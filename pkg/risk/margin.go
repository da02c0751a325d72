package risk

// Margin model. Pure, stateless, deterministic fixed-point functions.

// effectiveLeverageFloorBps is the floor for the PnL adjustment factor: a
// losing position is never re-leveraged past 10x its base exposure.
const effectiveLeverageFloorBps = 1000

// MarginRatioBps computes the required margin ratio in basis points:
//
//	MR = 10000/baseLeverage + volatilityBps * sqrt(baseLeverage) * f(n) / 10000
//
// where f(n) = 10000 + 1000*(n-1): each additional concurrent position in the
// same market raises the required margin by 10%.
func MarginRatioBps(baseLeverage, volatilityBps, numPositions int64) (int64, error) {
	if baseLeverage < MinLeverage || baseLeverage > MaxLeverage {
		return 0, ErrInvalidLeverage
	}
	if volatilityBps < 0 {
		return 0, ErrInvalidVolatility
	}
	if numPositions < 1 {
		return 0, ErrInvalidPositionCount
	}

	base := PrecisionBps / baseLeverage

	// sqrt(baseLeverage) carried in milli-units for integer precision.
	sqrtMilli := int64(isqrt(uint64(baseLeverage) * 1_000_000))

	concurrency := PrecisionBps + 1000*(numPositions-1)

	term, err := mulDiv(volatilityBps, sqrtMilli, 1000)
	if err != nil {
		return 0, err
	}
	term, err = mulDiv(term, concurrency, PrecisionBps)
	if err != nil {
		return 0, err
	}

	return base + term, nil
}

// EffectiveLeverage applies the unrealized-PnL adjustment first, then the
// chain-amplification multiplier, then caps at MaxLeverage. Profitable
// positions are de-leveraged automatically; losing positions are re-leveraged
// to reflect real exposure. chainMultiplierBps == 0 means no chain link.
func EffectiveLeverage(baseLeverage, chainMultiplierBps, pnlPctBps int64) (int64, error) {
	if baseLeverage < MinLeverage || baseLeverage > MaxLeverage {
		return 0, ErrInvalidLeverage
	}
	if chainMultiplierBps < 0 {
		return 0, ErrInvalidLeverage
	}

	adj := PrecisionBps - pnlPctBps
	if adj < effectiveLeverageFloorBps {
		adj = effectiveLeverageFloorBps
	}

	lev, err := mulDiv(baseLeverage, adj, PrecisionBps)
	if err != nil {
		return 0, err
	}
	if lev < MinLeverage {
		lev = MinLeverage
	}

	if chainMultiplierBps > 0 {
		lev, err = mulDiv(lev, chainMultiplierBps, PrecisionBps)
		if err != nil {
			return 0, err
		}
		if lev < MinLeverage {
			lev = MinLeverage
		}
	}

	if lev > MaxLeverage {
		lev = MaxLeverage
	}
	return lev, nil
}

// LiquidationPrice computes the price at which a position becomes
// liquidatable: long entry*(1 - MR/lev), short entry*(1 + MR/lev).
// A zero effective leverage is an error, never a silent pass-through.
func LiquidationPrice(entryPrice, marginRatioBps, effectiveLeverage int64, isLong bool) (int64, error) {
	if entryPrice <= 0 {
		return 0, ErrInvalidPrice
	}
	if marginRatioBps < 0 {
		return 0, ErrInvalidVolatility
	}
	if effectiveLeverage <= 0 {
		return 0, ErrZeroLeverage
	}

	denom, err := checkedMul(effectiveLeverage, PrecisionBps)
	if err != nil {
		return 0, err
	}

	var numer int64
	if isLong {
		numer = denom - marginRatioBps
		if numer < 0 {
			// Required margin exceeds full exposure; clamp at zero.
			numer = 0
		}
	} else {
		numer = denom + marginRatioBps
	}

	return mulDiv(entryPrice, numer, denom)
}
