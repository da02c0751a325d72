package risk

import "github.com/luxfi/log"

// HaltWindowConfig bounds the liquidation rate. Independent of the circuit
// breaker: a healthy-coverage market can still cascade if liquidations
// happen too fast.
type HaltWindowConfig struct {
	WindowTicks      uint64
	MaxCount         int64
	MaxValue         int64 // micro-units
	CoverageFloorBps int64
	HaltTicks        uint64
}

// DefaultHaltWindowConfig assumes 1-second ticks: a 100-tick window, halting
// for an hour when more than 10 liquidations or $100k of value land in it.
func DefaultHaltWindowConfig() HaltWindowConfig {
	return HaltWindowConfig{
		WindowTicks:      100,
		MaxCount:         10,
		MaxValue:         100_000 * MicroUnit,
		CoverageFloorBps: 5000,
		HaltTicks:        3600,
	}
}

// HaltWindow tracks liquidations over a rolling tick window and halts
// liquidations specifically when their rate looks like a cascade.
type HaltWindow struct {
	cfg    HaltWindowConfig
	logger log.Logger

	windowStart uint64
	count       int64
	value       int64

	halted  bool
	haltEnd uint64
	forced  bool // manual authority action; takes precedence until cleared
}

// NewHaltWindow creates an empty, unhalted window.
func NewHaltWindow(cfg HaltWindowConfig, logger log.Logger) *HaltWindow {
	return &HaltWindow{cfg: cfg, logger: logger}
}

// RecordLiquidation accumulates an executed liquidation into the window,
// resetting it first when its age exceeds the window length.
func (w *HaltWindow) RecordLiquidation(amount int64, tick uint64) {
	if tick-w.windowStart > w.cfg.WindowTicks {
		w.windowStart = tick
		w.count = 0
		w.value = 0
	}
	w.count++
	w.value += amount
}

// ShouldHalt reports whether liquidations must halt at this tick. True when
// an existing halt has not expired, when the window's count or value limits
// are breached, or when external coverage is below the floor. A breach
// starts a fixed-duration halt.
func (w *HaltWindow) ShouldHalt(tick uint64, coverageBps int64) bool {
	if w.halted {
		if w.forced || tick < w.haltEnd {
			return true
		}
		w.halted = false
		w.logger.Info("liquidation halt expired", "tick", tick)
	}

	// Liquidations are blocked while halted, so the counters can only go
	// stale; a window older than its length is dead and must not re-trip.
	if tick-w.windowStart > w.cfg.WindowTicks {
		w.windowStart = tick
		w.count = 0
		w.value = 0
	}

	breach := w.count > w.cfg.MaxCount ||
		w.value > w.cfg.MaxValue ||
		coverageBps < w.cfg.CoverageFloorBps

	if breach {
		w.halted = true
		w.haltEnd = tick + w.cfg.HaltTicks
		w.logger.Warn("liquidation rate halt",
			"tick", tick,
			"count", w.count,
			"value", w.value,
			"coverageBps", coverageBps,
			"haltEnd", w.haltEnd)
	}
	return w.halted
}

// ForceHalt is the manual authority override. It takes precedence over the
// window signals and resets the rolling counters.
func (w *HaltWindow) ForceHalt(tick uint64) {
	w.halted = true
	w.forced = true
	w.haltEnd = tick + w.cfg.HaltTicks
	w.windowStart = tick
	w.count = 0
	w.value = 0
	w.logger.Warn("liquidations force-halted", "tick", tick)
}

// ForceResume lifts any halt, forced or not, and resets the counters.
func (w *HaltWindow) ForceResume(tick uint64) {
	w.halted = false
	w.forced = false
	w.haltEnd = 0
	w.windowStart = tick
	w.count = 0
	w.value = 0
	w.logger.Info("liquidations force-resumed", "tick", tick)
}

// Halted reports the current halt flag without re-evaluating.
func (w *HaltWindow) Halted() bool { return w.halted }

// Counters exposes the rolling window for telemetry.
func (w *HaltWindow) Counters() (windowStart uint64, count, value int64) {
	return w.windowStart, w.count, w.value
}
