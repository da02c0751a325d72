// Package oracle supplies per-tick market telemetry: prices, realized
// volatility, vault balances and congestion counters. Wire values arrive as
// decimal strings and are converted to micro-unit integers at the boundary so
// the risk engine never touches floating point.
package oracle

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrMarketUnknown  = errors.New("market unknown to source")
	ErrStaleTelemetry = errors.New("telemetry older than staleness bound")
	ErrNotConnected   = errors.New("feed not connected")
	ErrInvalidValue   = errors.New("invalid decimal value")
)

// Tick is one market's telemetry snapshot. Monetary fields are micro-units,
// ratios are basis points.
type Tick struct {
	Market        string
	Price         int64
	VolatilityBps int64
	VaultBalance  int64
	Volume        int64
	FailedTxCount int64
	At            time.Time
}

// Source produces the latest telemetry for a market.
type Source interface {
	Latest(market string) (Tick, error)
	Healthy() bool
	Name() string
	Close() error
}

// ToMicro converts a decimal string to micro-units, truncating past the
// sixth decimal place.
func ToMicro(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, ErrInvalidValue
	}
	shifted := d.Shift(6)
	if !shifted.IsInteger() {
		shifted = shifted.Truncate(0)
	}
	if shifted.GreaterThan(decimal.NewFromInt(1<<62)) || shifted.IsNegative() {
		return 0, ErrInvalidValue
	}
	return shifted.IntPart(), nil
}

// FromMicro renders a micro-unit amount as a decimal string for wire output.
func FromMicro(v int64) string {
	return decimal.New(v, -6).String()
}

// StaticSource is an in-memory source fed by the embedding process. Used in
// tests and single-node deployments where telemetry arrives by direct call.
type StaticSource struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{ticks: make(map[string]Tick)}
}

// Set stores a market's telemetry, stamping it with the current time if
// unset.
func (s *StaticSource) Set(t Tick) {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	s.mu.Lock()
	s.ticks[t.Market] = t
	s.mu.Unlock()
}

// Latest returns the stored telemetry for a market.
func (s *StaticSource) Latest(market string) (Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[market]
	if !ok {
		return Tick{}, ErrMarketUnknown
	}
	return t, nil
}

func (s *StaticSource) Healthy() bool { return true }
func (s *StaticSource) Name() string  { return "static" }
func (s *StaticSource) Close() error  { return nil }
