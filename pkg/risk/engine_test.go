package risk

import (
	"errors"
	"testing"
)

const testMarket = "ELECTION-2028"

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(DefaultConfig(), testLogger())
	e.AddMarket(testMarket)
	return e
}

func healthyInput(tick uint64, price int64) TickInput {
	return TickInput{
		Market:        testMarket,
		Tick:          tick,
		Price:         price,
		VolatilityBps: 150,
		VaultBalance:  1_000_000_000 * MicroUnit,
		OutcomeCount:  2,
	}
}

func TestOpenPositionInvariant(t *testing.T) {
	e := newTestEngine(t)

	pos, err := e.OpenPosition("alice", testMarket, 0, 100*MicroUnit, 10, 1_000_000, Long, 0)
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}
	if pos.Size != pos.Margin*pos.Leverage {
		t.Errorf("size %d != margin %d * leverage %d", pos.Size, pos.Margin, pos.Leverage)
	}
	if e.OpenInterest(testMarket) != pos.Size {
		t.Errorf("Open interest %d != position size %d", e.OpenInterest(testMarket), pos.Size)
	}
}

func TestOpenPositionValidation(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.OpenPosition("alice", testMarket, 0, 0, 10, 1_000_000, Long, 0); !errors.Is(err, ErrInvalidMargin) {
		t.Errorf("Expected ErrInvalidMargin, got %v", err)
	}
	if _, err := e.OpenPosition("alice", testMarket, 0, 100, 501, 1_000_000, Long, 0); !errors.Is(err, ErrInvalidLeverage) {
		t.Errorf("Expected ErrInvalidLeverage, got %v", err)
	}
	if _, err := e.OpenPosition("alice", "nope", 0, 100, 10, 1_000_000, Long, 0); !errors.Is(err, ErrMarketNotFound) {
		t.Errorf("Expected ErrMarketNotFound, got %v", err)
	}
}

func TestEvaluateTickFindsLiquidatable(t *testing.T) {
	e := newTestEngine(t)

	// Liquidation price for lev 10, vol 150, 1 position: ~985260.
	pos, err := e.OpenPosition("alice", testMarket, 0, 100*MicroUnit, 10, 1_000_000, Long, 0)
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}

	res, err := e.EvaluateTick(healthyInput(1, 990_000))
	if err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	if len(res.Work) != 0 {
		t.Fatalf("Position above liquidation price must not be offered, got %d items", len(res.Work))
	}

	res, err = e.EvaluateTick(healthyInput(2, 980_000))
	if err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	if len(res.Work) != 1 || res.Work[0].PositionID != pos.ID {
		t.Fatalf("Expected one work item for %s, got %+v", pos.ID, res.Work)
	}
}

func TestClaimRaceFirstWins(t *testing.T) {
	e := newTestEngine(t)

	pos, _ := e.OpenPosition("alice", testMarket, 0, 100*MicroUnit, 10, 1_000_000, Long, 0)
	if _, err := e.EvaluateTick(healthyInput(1, 980_000)); err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}

	rec, err := e.ClaimLiquidation("keeper-a", pos.ID, 1)
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if rec.KeeperID != "keeper-a" {
		t.Errorf("Wrong keeper on record: %s", rec.KeeperID)
	}

	// Second keeper in the same tick gets a distinct outcome, not a no-op.
	if _, err := e.ClaimLiquidation("keeper-b", pos.ID, 1); !errors.Is(err, ErrPositionResolved) {
		t.Errorf("Expected ErrPositionResolved, got %v", err)
	}
}

func TestClaimAllowanceExhausted(t *testing.T) {
	e := newTestEngine(t)

	// Two positions; the cap only covers part of the first.
	p1, _ := e.OpenPosition("alice", testMarket, 0, 10_000*MicroUnit, 10, 1_000_000, Long, 0)
	p2, _ := e.OpenPosition("bob", testMarket, 0, 10_000*MicroUnit, 10, 1_000_000, Long, 0)

	in := healthyInput(1, 900_000)
	res, err := e.EvaluateTick(in)
	if err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	if len(res.Work) != 2 {
		t.Fatalf("Expected both positions offered, got %d", len(res.Work))
	}
	// Cap: vol 150 -> 225 bps -> floor... clamp(150*150/100=225, 200, 800)
	// = 225 bps of 200M OI = 4.5M micro-units, far below either position.
	rec, err := e.ClaimLiquidation("keeper-a", p1.ID, 1)
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if rec.Amount != res.AllowanceCap {
		t.Errorf("Expected cap-bounded amount %d, got %d", res.AllowanceCap, rec.Amount)
	}

	// The tick budget is gone; the second position is skipped, not failed.
	if _, err := e.ClaimLiquidation("keeper-b", p2.ID, 1); !errors.Is(err, ErrAllowanceExhausted) {
		t.Errorf("Expected ErrAllowanceExhausted, got %v", err)
	}
	// And it works again next tick.
	if _, err := e.EvaluateTick(healthyInput(2, 900_000)); err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	if _, err := e.ClaimLiquidation("keeper-b", p2.ID, 2); err != nil {
		t.Errorf("Next-tick claim failed: %v", err)
	}
}

func TestClaimStaleTick(t *testing.T) {
	e := newTestEngine(t)
	pos, _ := e.OpenPosition("alice", testMarket, 0, 100*MicroUnit, 10, 1_000_000, Long, 0)
	if _, err := e.EvaluateTick(healthyInput(5, 980_000)); err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	if _, err := e.ClaimLiquidation("keeper-a", pos.ID, 4); !errors.Is(err, ErrStaleTick) {
		t.Errorf("Expected ErrStaleTick, got %v", err)
	}
}

func TestPartialLiquidationRecomputes(t *testing.T) {
	e := newTestEngine(t)

	pos, _ := e.OpenPosition("alice", testMarket, 0, 10_000*MicroUnit, 10, 1_000_000, Long, 0)
	originalSize := pos.Size

	if _, err := e.EvaluateTick(healthyInput(1, 900_000)); err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	rec, err := e.ClaimLiquidation("keeper-a", pos.ID, 1)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if rec.RemainingSize == 0 {
		t.Fatal("Expected a partial liquidation under the cap")
	}

	got, err := e.Position(pos.ID)
	if err != nil {
		t.Fatalf("Position lookup failed: %v", err)
	}
	if got.Size != originalSize-rec.Amount {
		t.Errorf("Remaining size %d, want %d", got.Size, originalSize-rec.Amount)
	}
	if got.Size != got.Margin*got.Leverage {
		t.Errorf("Partial liquidation broke the margin invariant: %d != %d*%d",
			got.Size, got.Margin, got.Leverage)
	}
	if e.OpenInterest(testMarket) != originalSize-rec.Amount {
		t.Errorf("Open interest not reduced: %d", e.OpenInterest(testMarket))
	}
}

func TestFullLiquidationClosesPosition(t *testing.T) {
	e := newTestEngine(t)

	// Small position, ample open interest via a second account.
	pos, _ := e.OpenPosition("alice", testMarket, 0, 10*MicroUnit, 10, 1_000_000, Long, 0)
	e.OpenPosition("whale", testMarket, 0, 100_000*MicroUnit, 2, 1_000_000, Short, 0)

	if _, err := e.EvaluateTick(healthyInput(1, 900_000)); err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	rec, err := e.ClaimLiquidation("keeper-a", pos.ID, 1)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if rec.RemainingSize != 0 || rec.Amount != pos.Size {
		t.Fatalf("Expected full liquidation of %d, got amount %d remaining %d",
			pos.Size, rec.Amount, rec.RemainingSize)
	}
	if _, err := e.Position(pos.ID); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("Closed position still present: %v", err)
	}
	if e.InsurancePool() != rec.InsuranceDeduction {
		t.Errorf("Insurance pool %d, want %d", e.InsurancePool(), rec.InsuranceDeduction)
	}
}

func TestHaltBlocksClaims(t *testing.T) {
	e := newTestEngine(t)
	pos, _ := e.OpenPosition("alice", testMarket, 0, 100*MicroUnit, 10, 1_000_000, Long, 0)

	// Coverage collapse trips the breaker.
	in := healthyInput(1, 980_000)
	in.VaultBalance = 0
	res, err := e.EvaluateTick(in)
	if err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	if res.Action.Kind != ActionHalt {
		t.Fatalf("Expected halt, got %s", res.Action.Kind)
	}
	if len(res.Work) != 0 {
		t.Error("Halted tick must not offer work")
	}
	if _, err := e.ClaimLiquidation("keeper-a", pos.ID, 1); !errors.Is(err, ErrHalted) {
		t.Errorf("Expected ErrHalted, got %v", err)
	}
	// State-changing operations are rejected too.
	if _, err := e.OpenPosition("bob", testMarket, 0, 100*MicroUnit, 5, 980_000, Short, 0); !errors.Is(err, ErrHalted) {
		t.Errorf("Expected ErrHalted on open, got %v", err)
	}
}

func TestCooldownRejectsStateChanges(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEngine(cfg, testLogger())
	e.AddMarket(testMarket)

	in := healthyInput(1, 1_000_000)
	in.FailedTxCount = cfg.Breaker.CongestionLimit + 1
	res, _ := e.EvaluateTick(in)
	if res.Action.Kind != ActionHalt {
		t.Fatalf("Expected halt, got %s", res.Action.Kind)
	}

	// Ride out the halt; the first tick past resumeAt enters cooldown.
	resumeTick := 1 + cfg.Breaker.HaltDurations[ReasonCongestion]
	res, _ = e.EvaluateTick(healthyInput(resumeTick, 1_000_000))
	if res.Action.Kind != ActionInCooldown {
		t.Fatalf("Expected cooldown, got %s", res.Action.Kind)
	}
	if _, err := e.OpenPosition("bob", testMarket, 0, 100*MicroUnit, 5, 1_000_000, Long, 0); !errors.Is(err, ErrCooldown) {
		t.Errorf("Expected ErrCooldown, got %v", err)
	}
}

func TestHaltWindowGatesLiquidationsOnly(t *testing.T) {
	e := newTestEngine(t)
	pos, _ := e.OpenPosition("alice", testMarket, 0, 100*MicroUnit, 10, 1_000_000, Long, 0)

	w, err := e.Window(testMarket)
	if err != nil {
		t.Fatalf("Window lookup failed: %v", err)
	}
	w.ForceHalt(1)

	res, err := e.EvaluateTick(healthyInput(1, 980_000))
	if err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	if res.Action.Kind != ActionContinue {
		t.Fatalf("Breaker should continue, got %s", res.Action.Kind)
	}
	if !res.LiquidationsHalted {
		t.Fatal("Expected liquidations halted by the window")
	}
	if _, err := e.ClaimLiquidation("keeper-a", pos.ID, 1); !errors.Is(err, ErrHalted) {
		t.Errorf("Expected ErrHalted, got %v", err)
	}
	// Trading is unaffected: the window is liquidation-specific.
	if _, err := e.OpenPosition("bob", testMarket, 0, 100*MicroUnit, 5, 980_000, Short, 0); err != nil {
		t.Errorf("Open must succeed under a liquidation-only halt: %v", err)
	}
}

func TestEngineMetricsTrack(t *testing.T) {
	e := newTestEngine(t)
	pos, _ := e.OpenPosition("alice", testMarket, 0, 100*MicroUnit, 10, 1_000_000, Long, 0)

	if _, err := e.EvaluateTick(healthyInput(1, 980_000)); err != nil {
		t.Fatalf("EvaluateTick failed: %v", err)
	}
	if _, err := e.ClaimLiquidation("keeper-a", pos.ID, 1); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := e.ClaimLiquidation("keeper-b", pos.ID, 1); err == nil {
		t.Fatal("Expected second claim to be rejected")
	}

	families, err := e.Metrics().Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	counters := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				counters[mf.GetName()] = c.GetValue()
			}
		}
	}
	if counters["risk_ticks_total"] != 1 {
		t.Errorf("risk_ticks_total = %v, want 1", counters["risk_ticks_total"])
	}
	if counters["risk_liquidations_total"] != 1 {
		t.Errorf("risk_liquidations_total = %v, want 1", counters["risk_liquidations_total"])
	}
	if counters["risk_claim_rejects_total"] != 1 {
		t.Errorf("risk_claim_rejects_total = %v, want 1", counters["risk_claim_rejects_total"])
	}

	// Two engines register their collectors independently.
	other := NewEngine(DefaultConfig(), testLogger())
	other.AddMarket(testMarket)
	if _, err := other.EvaluateTick(healthyInput(1, 1_000_000)); err != nil {
		t.Fatalf("Second engine tick failed: %v", err)
	}
}

func TestClosePosition(t *testing.T) {
	e := newTestEngine(t)
	pos, _ := e.OpenPosition("alice", testMarket, 0, 100*MicroUnit, 10, 1_000_000, Long, 0)

	if err := e.ClosePosition("bob", pos.ID); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Expected ErrNotOwner, got %v", err)
	}
	if err := e.ClosePosition("alice", pos.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if e.OpenInterest(testMarket) != 0 {
		t.Errorf("Open interest not released: %d", e.OpenInterest(testMarket))
	}
}
