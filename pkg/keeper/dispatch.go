package keeper

import (
	"encoding/json"
	"fmt"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/predict/pkg/risk"
)

const (
	// Work batches are published per market; outcome reports share one
	// subject with a queue group so coordinator replicas split the load.
	workSubjectPrefix = "risk.work."
	outcomeSubject    = "risk.outcomes"
	outcomeQueueGroup = "risk-coordinators"
)

// WorkBatch is the unit of liquidation work assigned to one keeper.
type WorkBatch struct {
	Market   string          `json:"market"`
	Tick     uint64          `json:"tick"`
	KeeperID string          `json:"keeper_id"`
	Items    []risk.WorkItem `json:"items"`
}

// Outcome is a keeper's report after attempting an assigned liquidation.
type Outcome struct {
	KeeperID   string `json:"keeper_id"`
	PositionID string `json:"position_id"`
	Market     string `json:"market"`
	Tick       uint64 `json:"tick"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Dispatcher assigns liquidation work to ranked keepers and feeds their
// outcome reports back into the registry. A nil connection disables
// publishing; assignment and scoring still run, which is how tests use it.
type Dispatcher struct {
	nc       *nats.Conn
	registry *Registry
	logger   log.Logger
}

// NewDispatcher creates a dispatcher. nc may be nil.
func NewDispatcher(nc *nats.Conn, registry *Registry, logger log.Logger) *Dispatcher {
	return &Dispatcher{nc: nc, registry: registry, logger: logger}
}

// Dispatch splits a tick's work items across the keepers ranked for the
// given specialization. Items arrive most underwater first and are dealt
// round-robin in rank order, so the highest-priority keeper receives the
// most urgent position. Each batch is published to risk.work.<market>.
func (d *Dispatcher) Dispatch(market string, tick uint64, items []risk.WorkItem, specialization string) ([]WorkBatch, error) {
	if len(items) == 0 {
		return nil, nil
	}
	ranked := d.registry.RankFor(specialization)
	if len(ranked) == 0 {
		return nil, ErrNoKeepers
	}

	batches := make([]WorkBatch, len(ranked))
	for i, k := range ranked {
		batches[i] = WorkBatch{Market: market, Tick: tick, KeeperID: k.ID}
	}
	for i, item := range items {
		b := &batches[i%len(batches)]
		b.Items = append(b.Items, item)
	}

	// Drop keepers that received nothing this tick.
	out := batches[:0]
	for _, b := range batches {
		if len(b.Items) > 0 {
			out = append(out, b)
		}
	}

	for _, b := range out {
		if err := d.publish(b); err != nil {
			return nil, err
		}
	}

	d.logger.Debug("work dispatched",
		"market", market,
		"tick", tick,
		"items", len(items),
		"keepers", len(out))
	return out, nil
}

func (d *Dispatcher) publish(b WorkBatch) error {
	if d.nc == nil {
		return nil
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	subject := workSubjectPrefix + b.Market
	if err := d.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// SubscribeOutcomes consumes keeper outcome reports, records them against
// the registry, and forwards each to handler if non-nil. Malformed reports
// are logged and dropped, never retried.
func (d *Dispatcher) SubscribeOutcomes(handler func(Outcome)) (*nats.Subscription, error) {
	if d.nc == nil {
		return nil, nats.ErrInvalidConnection
	}
	return d.nc.QueueSubscribe(outcomeSubject, outcomeQueueGroup, func(m *nats.Msg) {
		var out Outcome
		if err := json.Unmarshal(m.Data, &out); err != nil {
			d.logger.Warn("malformed outcome report", "error", err)
			return
		}
		d.Record(out)
		if handler != nil {
			handler(out)
		}
	})
}

// Record applies one outcome report to the registry.
func (d *Dispatcher) Record(out Outcome) {
	if err := d.registry.RecordOutcome(out.KeeperID, out.Success); err != nil {
		d.logger.Warn("outcome for unknown keeper",
			"keeper", out.KeeperID,
			"position", out.PositionID)
		return
	}
	if !out.Success {
		d.logger.Info("keeper reported failure",
			"keeper", out.KeeperID,
			"position", out.PositionID,
			"market", out.Market,
			"tick", out.Tick,
			"error", out.Error)
	}
}
