package risk

import (
	"errors"
	"testing"
)

func TestMarginRatioScenario(t *testing.T) {
	// Base leverage 10, volatility 150 bps, one concurrent position.
	mr, err := MarginRatioBps(10, 150, 1)
	if err != nil {
		t.Fatalf("MarginRatioBps failed: %v", err)
	}
	if mr < 1473 || mr > 1475 {
		t.Errorf("Expected margin ratio ~1474 bps, got %d", mr)
	}

	liq, err := LiquidationPrice(1_000_000, mr, 10, true)
	if err != nil {
		t.Fatalf("LiquidationPrice failed: %v", err)
	}
	if liq < 985_259 || liq > 985_261 {
		t.Errorf("Expected liquidation price ~985260, got %d", liq)
	}
}

func TestMarginRatioMonotoneInVolatility(t *testing.T) {
	for _, lev := range []int64{1, 2, 10, 100, 500} {
		prev := int64(-1)
		for vol := int64(0); vol <= 5000; vol += 250 {
			mr, err := MarginRatioBps(lev, vol, 1)
			if err != nil {
				t.Fatalf("MarginRatioBps(%d, %d, 1) failed: %v", lev, vol, err)
			}
			if mr < prev {
				t.Fatalf("margin ratio decreased in volatility: lev=%d vol=%d mr=%d prev=%d", lev, vol, mr, prev)
			}
			prev = mr
		}
	}
}

func TestMarginRatioVolatilityTermMonotoneInLeverage(t *testing.T) {
	// The volatility surcharge grows with sqrt(leverage).
	prev := int64(-1)
	for lev := int64(1); lev <= 500; lev++ {
		mr, err := MarginRatioBps(lev, 200, 1)
		if err != nil {
			t.Fatalf("MarginRatioBps failed at lev=%d: %v", lev, err)
		}
		term := mr - PrecisionBps/lev
		if term < prev {
			t.Fatalf("volatility term decreased in leverage: lev=%d term=%d prev=%d", lev, term, prev)
		}
		prev = term
	}
}

func TestMarginRatioConcurrencyLoading(t *testing.T) {
	one, _ := MarginRatioBps(10, 150, 1)
	two, _ := MarginRatioBps(10, 150, 2)
	three, _ := MarginRatioBps(10, 150, 3)
	if two <= one || three <= two {
		t.Errorf("Each concurrent position must raise required margin: %d, %d, %d", one, two, three)
	}
}

func TestMarginRatioInputErrors(t *testing.T) {
	cases := []struct {
		lev, vol, n int64
		want        error
	}{
		{0, 100, 1, ErrInvalidLeverage},
		{501, 100, 1, ErrInvalidLeverage},
		{-5, 100, 1, ErrInvalidLeverage},
		{10, -1, 1, ErrInvalidVolatility},
		{10, 100, 0, ErrInvalidPositionCount},
	}
	for _, c := range cases {
		if _, err := MarginRatioBps(c.lev, c.vol, c.n); !errors.Is(err, c.want) {
			t.Errorf("MarginRatioBps(%d,%d,%d): expected %v, got %v", c.lev, c.vol, c.n, c.want, err)
		}
	}
}

func TestEffectiveLeverageProfitDeleverages(t *testing.T) {
	base := int64(100)
	flat, _ := EffectiveLeverage(base, 0, 0)
	if flat != base {
		t.Fatalf("No PnL should keep base leverage, got %d", flat)
	}
	for pnl := int64(100); pnl <= 9000; pnl += 500 {
		lev, err := EffectiveLeverage(base, 0, pnl)
		if err != nil {
			t.Fatalf("EffectiveLeverage failed: %v", err)
		}
		if lev > flat {
			t.Errorf("Profit %d bps must not raise leverage: got %d > %d", pnl, lev, flat)
		}
	}
}

func TestEffectiveLeverageLossReleverages(t *testing.T) {
	base := int64(100)
	for pnl := int64(-100); pnl >= -9000; pnl -= 500 {
		lev, err := EffectiveLeverage(base, 0, pnl)
		if err != nil {
			t.Fatalf("EffectiveLeverage failed: %v", err)
		}
		if lev < base {
			t.Errorf("Loss %d bps must not lower leverage: got %d < %d", pnl, lev, base)
		}
		if lev > MaxLeverage {
			t.Errorf("Effective leverage exceeded cap: %d", lev)
		}
	}
}

func TestEffectiveLeverageAdjustmentFloor(t *testing.T) {
	// Extreme profit: adjustment floors at 1000 bps, never goes to zero.
	lev, err := EffectiveLeverage(100, 0, 50_000)
	if err != nil {
		t.Fatalf("EffectiveLeverage failed: %v", err)
	}
	if lev != 10 {
		t.Errorf("Expected floored leverage 10, got %d", lev)
	}
}

func TestEffectiveLeverageChainMultiplier(t *testing.T) {
	// 2x chain amplification after PnL adjustment.
	lev, err := EffectiveLeverage(100, 20_000, 0)
	if err != nil {
		t.Fatalf("EffectiveLeverage failed: %v", err)
	}
	if lev != 200 {
		t.Errorf("Expected chained leverage 200, got %d", lev)
	}

	// Amplification is capped at 500.
	lev, err = EffectiveLeverage(400, 20_000, 0)
	if err != nil {
		t.Fatalf("EffectiveLeverage failed: %v", err)
	}
	if lev != MaxLeverage {
		t.Errorf("Expected capped leverage %d, got %d", MaxLeverage, lev)
	}
}

func TestLiquidationPriceShort(t *testing.T) {
	liq, err := LiquidationPrice(1_000_000, 1474, 10, false)
	if err != nil {
		t.Fatalf("LiquidationPrice failed: %v", err)
	}
	if liq < 1_014_739 || liq > 1_014_741 {
		t.Errorf("Expected short liquidation price ~1014740, got %d", liq)
	}
}

func TestLiquidationPriceErrors(t *testing.T) {
	if _, err := LiquidationPrice(1_000_000, 1000, 0, true); !errors.Is(err, ErrZeroLeverage) {
		t.Errorf("Zero leverage must error, got %v", err)
	}
	if _, err := LiquidationPrice(0, 1000, 10, true); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("Zero entry price must error, got %v", err)
	}
}

func TestLiquidationPriceClampsAtZero(t *testing.T) {
	// Margin requirement above full exposure: long side clamps at zero
	// rather than going negative.
	liq, err := LiquidationPrice(1_000_000, 20_000, 1, true)
	if err != nil {
		t.Fatalf("LiquidationPrice failed: %v", err)
	}
	if liq != 0 {
		t.Errorf("Expected clamped liquidation price 0, got %d", liq)
	}
}

func TestIsqrt(t *testing.T) {
	cases := map[uint64]uint64{
		0: 0, 1: 1, 2: 1, 3: 1, 4: 2, 9: 3, 10: 3,
		10_000_000: 3162, 1 << 62: 1 << 31,
	}
	for n, want := range cases {
		if got := isqrt(n); got != want {
			t.Errorf("isqrt(%d) = %d, want %d", n, got, want)
		}
	}
}
