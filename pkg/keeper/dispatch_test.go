package keeper

import (
	"errors"
	"testing"

	"github.com/luxfi/predict/pkg/risk"
)

func workItems(n int) []risk.WorkItem {
	items := make([]risk.WorkItem, n)
	for i := range items {
		items[i] = risk.WorkItem{
			PositionID:  string(rune('a' + i)),
			Market:      "ELECTION-2028",
			DistanceBps: int64(-100 * (n - i)),
			Tick:        1,
		}
	}
	return items
}

func TestDispatchRoundRobinByRank(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("low", "op", 10_000*microUnit, "binary")
	r.Register("high", "op", 100_000*microUnit, "binary")
	d := NewDispatcher(nil, r, testLogger())

	batches, err := d.Dispatch("ELECTION-2028", 1, workItems(3), "binary")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("Expected 2 batches, got %d", len(batches))
	}
	// Most underwater item goes to the highest-priority keeper.
	if batches[0].KeeperID != "high" || len(batches[0].Items) != 2 {
		t.Errorf("Expected 'high' with 2 items, got %s with %d", batches[0].KeeperID, len(batches[0].Items))
	}
	if batches[0].Items[0].PositionID != "a" {
		t.Errorf("Expected most urgent item first, got %s", batches[0].Items[0].PositionID)
	}
	if batches[1].KeeperID != "low" || len(batches[1].Items) != 1 {
		t.Errorf("Expected 'low' with 1 item, got %s with %d", batches[1].KeeperID, len(batches[1].Items))
	}
}

func TestDispatchNoEligibleKeepers(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("scalar-only", "op", 100_000*microUnit, "scalar")
	d := NewDispatcher(nil, r, testLogger())

	if _, err := d.Dispatch("ELECTION-2028", 1, workItems(1), "binary"); !errors.Is(err, ErrNoKeepers) {
		t.Errorf("Expected ErrNoKeepers, got %v", err)
	}
}

func TestDispatchEmptyWork(t *testing.T) {
	r := newTestRegistry(t)
	d := NewDispatcher(nil, r, testLogger())
	batches, err := d.Dispatch("ELECTION-2028", 1, nil, "")
	if err != nil || batches != nil {
		t.Errorf("Empty work must be a no-op, got %v / %v", batches, err)
	}
}

func TestDispatchSkipsIdleKeepers(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("a", "op", 100_000*microUnit)
	r.Register("b", "op", 50_000*microUnit)
	r.Register("c", "op", 25_000*microUnit)
	d := NewDispatcher(nil, r, testLogger())

	// One item, three keepers: only the top keeper gets a batch.
	batches, err := d.Dispatch("ELECTION-2028", 1, workItems(1), "")
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(batches) != 1 || batches[0].KeeperID != "a" {
		t.Fatalf("Expected single batch for 'a', got %+v", batches)
	}
}

func TestRecordOutcomeFeedsRegistry(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("k1", "op", 10_000*microUnit)
	d := NewDispatcher(nil, r, testLogger())

	d.Record(Outcome{KeeperID: "k1", PositionID: "p1", Success: true})
	k, _ := r.Get("k1")
	if k.Score != 5100 || k.Successes != 1 {
		t.Errorf("Success not recorded: score %d, successes %d", k.Score, k.Successes)
	}

	d.Record(Outcome{KeeperID: "k1", PositionID: "p2", Success: false, Error: "tx reverted"})
	k, _ = r.Get("k1")
	if k.Score != 4600 || k.Failures != 1 {
		t.Errorf("Failure not recorded: score %d, failures %d", k.Score, k.Failures)
	}

	// Unknown keepers are dropped, never panic.
	d.Record(Outcome{KeeperID: "ghost", Success: true})
}
