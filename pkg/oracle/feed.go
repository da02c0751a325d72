package oracle

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

// FeedClient streams market telemetry from the venue's WebSocket feed and
// caches the latest tick per market. Reads happen on a background goroutine;
// Latest never blocks on the network.
type FeedClient struct {
	url     string
	markets []string
	maxAge  time.Duration
	logger  log.Logger

	mu            sync.RWMutex
	conn          *websocket.Conn
	ticks         map[string]Tick
	healthy       bool
	lastHeartbeat time.Time

	reconnectDelay time.Duration
	maxReconnect   int
	done           chan struct{}
	closeOnce      sync.Once
}

// feedMessage is the wire format. Monetary values are decimal strings.
type feedMessage struct {
	Type          string `json:"type"`
	Market        string `json:"market"`
	Price         string `json:"price"`
	VolatilityBps int64  `json:"volatility_bps"`
	VaultBalance  string `json:"vault_balance"`
	Volume        string `json:"volume"`
	FailedTxCount int64  `json:"failed_tx_count"`
	Timestamp     int64  `json:"timestamp"`
}

// NewFeedClient creates a feed client for the given markets. maxAge bounds
// how old a cached tick may be before Latest reports it stale.
func NewFeedClient(url string, markets []string, maxAge time.Duration, logger log.Logger) *FeedClient {
	return &FeedClient{
		url:            url,
		markets:        markets,
		maxAge:         maxAge,
		logger:         logger,
		ticks:          make(map[string]Tick),
		reconnectDelay: time.Second,
		maxReconnect:   10,
		done:           make(chan struct{}),
	}
}

// Connect dials the feed, subscribes to the configured markets and starts
// the read loop.
func (fc *FeedClient) Connect() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.conn != nil {
		fc.conn.Close()
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(fc.url, nil)
	if err != nil {
		return fmt.Errorf("dial feed %s: %w", fc.url, err)
	}
	fc.conn = conn
	fc.healthy = true
	fc.lastHeartbeat = time.Now()

	sub := map[string]interface{}{
		"type":    "subscribe",
		"markets": fc.markets,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		fc.conn = nil
		fc.healthy = false
		return fmt.Errorf("subscribe: %w", err)
	}

	go fc.readLoop(conn)
	return nil
}

func (fc *FeedClient) readLoop(conn *websocket.Conn) {
	defer func() {
		fc.mu.Lock()
		fc.healthy = false
		fc.mu.Unlock()
		fc.reconnect()
	}()

	for {
		select {
		case <-fc.done:
			return
		default:
			var msg feedMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fc.handle(msg)
		}
	}
}

func (fc *FeedClient) handle(msg feedMessage) {
	switch msg.Type {
	case "heartbeat":
		fc.mu.Lock()
		fc.lastHeartbeat = time.Now()
		fc.mu.Unlock()
	case "tick":
		tick, err := msg.toTick()
		if err != nil {
			fc.logger.Warn("dropping malformed tick",
				"market", msg.Market, "error", err)
			return
		}
		fc.mu.Lock()
		fc.ticks[msg.Market] = tick
		fc.mu.Unlock()
	}
}

func (m feedMessage) toTick() (Tick, error) {
	price, err := ToMicro(m.Price)
	if err != nil {
		return Tick{}, fmt.Errorf("price: %w", err)
	}
	vault, err := ToMicro(m.VaultBalance)
	if err != nil {
		return Tick{}, fmt.Errorf("vault_balance: %w", err)
	}
	volume := int64(0)
	if m.Volume != "" {
		if volume, err = ToMicro(m.Volume); err != nil {
			return Tick{}, fmt.Errorf("volume: %w", err)
		}
	}
	if m.VolatilityBps < 0 {
		return Tick{}, ErrInvalidValue
	}
	at := time.Now()
	if m.Timestamp > 0 {
		at = time.Unix(m.Timestamp, 0)
	}
	return Tick{
		Market:        m.Market,
		Price:         price,
		VolatilityBps: m.VolatilityBps,
		VaultBalance:  vault,
		Volume:        volume,
		FailedTxCount: m.FailedTxCount,
		At:            at,
	}, nil
}

// Latest returns the cached tick for a market, failing on staleness so the
// engine halts on a dead feed instead of trading on old prices.
func (fc *FeedClient) Latest(market string) (Tick, error) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	t, ok := fc.ticks[market]
	if !ok {
		return Tick{}, ErrMarketUnknown
	}
	if fc.maxAge > 0 && time.Since(t.At) > fc.maxAge {
		return Tick{}, ErrStaleTelemetry
	}
	return t, nil
}

// Healthy reports whether the connection is live and heartbeats are recent.
func (fc *FeedClient) Healthy() bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.healthy && time.Since(fc.lastHeartbeat) <= 30*time.Second
}

func (fc *FeedClient) Name() string { return "feed" }

func (fc *FeedClient) reconnect() {
	delay := fc.reconnectDelay
	for attempt := 0; attempt < fc.maxReconnect; attempt++ {
		select {
		case <-fc.done:
			return
		case <-time.After(delay):
			if err := fc.Connect(); err == nil {
				return
			}
			if delay *= 2; delay > 30*time.Second {
				delay = 30 * time.Second
			}
		}
	}
	fc.logger.Error("feed reconnect attempts exhausted", "url", fc.url)
}

// Close stops the read loop and closes the connection.
func (fc *FeedClient) Close() error {
	fc.closeOnce.Do(func() { close(fc.done) })
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.conn != nil {
		return fc.conn.Close()
	}
	return nil
}
