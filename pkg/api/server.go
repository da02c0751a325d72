// Package api streams engine events to WebSocket subscribers: breaker
// verdicts, liquidation executions and keeper events. The stream is
// broadcast-only; command traffic goes through NATS, not here.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/predict/pkg/oracle"
	"github.com/luxfi/predict/pkg/risk"
)

// Event is one stream message. Monetary amounts are decimal strings so
// subscribers never have to know the engine's fixed-point scale.
type Event struct {
	Type      string                 `json:"type"`
	Market    string                 `json:"market,omitempty"`
	Tick      uint64                 `json:"tick,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// Client is one connected subscriber.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
}

// Server fans engine events out to connected clients. Slow clients are
// dropped rather than allowed to stall the broadcast loop.
type Server struct {
	upgrader  websocket.Upgrader
	logger    log.Logger
	broadcast chan []byte

	mu      sync.RWMutex
	clients map[string]*Client

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates an event stream server. Run must be called before
// broadcasts are delivered.
func NewServer(logger log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:    logger,
		broadcast: make(chan []byte, 256),
		clients:   make(map[string]*Client),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run pumps broadcast messages to every client until Close.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			s.mu.Lock()
			for id, c := range s.clients {
				select {
				case c.send <- msg:
				default:
					// Full buffer means a stalled reader.
					s.logger.Warn("dropping slow client", "client", id)
					close(c.send)
					delete(s.clients, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// HandleConnection upgrades an HTTP request into a stream subscription.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()

	s.logger.Debug("client connected", "client", client.ID)
	go s.writePump(client)
	go s.readPump(client)
}

func (s *Server) writePump(c *Client) {
	defer c.conn.Close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// readPump drains incoming frames so pings are answered; the stream accepts
// no commands.
func (s *Server) readPump(c *Client) {
	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[c.ID]; ok {
			close(c.send)
			delete(s.clients, c.ID)
		}
		s.mu.Unlock()
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// BroadcastTickResult publishes a tick's breaker verdict and work summary.
func (s *Server) BroadcastTickResult(res *risk.TickResult) {
	s.publish(Event{
		Type:   "tick",
		Market: res.Market,
		Tick:   res.Tick,
		Data: map[string]interface{}{
			"action":              res.Action.Kind.String(),
			"reason":              res.Action.Reason.String(),
			"coverage_bps":        res.CoverageBps,
			"liquidations_halted": res.LiquidationsHalted,
			"allowance_cap":       oracle.FromMicro(res.AllowanceCap),
			"work_items":          len(res.Work),
		},
	})
}

// BroadcastExecution publishes a committed liquidation.
func (s *Server) BroadcastExecution(rec *risk.ExecutionRecord) {
	s.publish(Event{
		Type:   "execution",
		Market: rec.Market,
		Tick:   rec.Tick,
		Data: map[string]interface{}{
			"execution_id":        rec.ID,
			"position_id":         rec.PositionID,
			"keeper_id":           rec.KeeperID,
			"amount":              oracle.FromMicro(rec.Amount),
			"remaining_size":      oracle.FromMicro(rec.RemainingSize),
			"keeper_reward":       oracle.FromMicro(rec.KeeperReward),
			"insurance_deduction": oracle.FromMicro(rec.InsuranceDeduction),
		},
	})
}

// BroadcastKeeperEvent publishes registry changes: suspensions, slashes.
func (s *Server) BroadcastKeeperEvent(kind, keeperID string, detail map[string]interface{}) {
	data := map[string]interface{}{"keeper_id": keeperID}
	for k, v := range detail {
		data[k] = v
	}
	s.publish(Event{Type: kind, Data: data})
}

func (s *Server) publish(ev Event) {
	ev.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	select {
	case s.broadcast <- payload:
	default:
		s.logger.Warn("broadcast buffer full, dropping event", "type", ev.Type)
	}
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close stops the pumps and disconnects every client.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		close(c.send)
		c.conn.Close()
		delete(s.clients, id)
	}
}
