package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/predict/pkg/api"
	"github.com/luxfi/predict/pkg/keeper"
	"github.com/luxfi/predict/pkg/metrics"
	"github.com/luxfi/predict/pkg/oracle"
	"github.com/luxfi/predict/pkg/risk"
	"github.com/luxfi/predict/pkg/store"
)

const (
	defaultDataDir     = ".riskd"
	defaultHTTPPort    = 8080
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	HTTPPort    int
	MetricsPort int
	NATSURL     string
	FeedURL     string

	// Markets
	Markets      []string
	OutcomeCount int64

	// Engine
	TickInterval   time.Duration
	Specialization string
}

type RiskdNode struct {
	config *Config
	logger log.Logger

	// engineMu serializes tick evaluation against NATS claim callbacks;
	// the engine itself assumes single-threaded invocation.
	engineMu sync.Mutex
	engine   *risk.Engine
	registry *keeper.Registry
	dispatch *keeper.Dispatcher

	source oracle.Source
	db     *store.Store
	stream *api.Server
	prom   *metrics.RiskMetrics
	nc     *nats.Conn

	// tick is written by tickLoop and read by HTTP handlers.
	tick atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRiskdNode(config *Config) (*RiskdNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing riskd node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := store.Open(dataPath, logger)
	if err != nil {
		return nil, err
	}

	var nc *nats.Conn
	if config.NATSURL != "" {
		nc, err = nats.Connect(config.NATSURL)
		if err != nil {
			logger.Warn("NATS unavailable, running without keeper transport", "error", err)
			nc = nil
		} else {
			logger.Info("NATS connected", "url", config.NATSURL)
		}
	}

	var source oracle.Source
	if config.FeedURL != "" {
		feed := oracle.NewFeedClient(config.FeedURL, config.Markets, 30*time.Second, logger)
		if err := feed.Connect(); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect telemetry feed: %w", err)
		}
		source = feed
	} else {
		logger.Warn("No feed URL configured, using static telemetry source")
		source = oracle.NewStaticSource()
	}

	engine := risk.NewEngine(risk.DefaultConfig(), logger)
	for _, market := range config.Markets {
		engine.AddMarket(market)
	}

	registry := keeper.NewRegistry(keeper.DefaultRegistryConfig(), logger)
	dispatcher := keeper.NewDispatcher(nc, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &RiskdNode{
		config:   config,
		logger:   logger,
		engine:   engine,
		registry: registry,
		dispatch: dispatcher,
		source:   source,
		db:       db,
		stream:   api.NewServer(logger),
		prom:     metrics.New("riskd", logger),
		nc:       nc,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (n *RiskdNode) Start() error {
	// Resume the tick counter past anything already persisted.
	for _, market := range n.config.Markets {
		last, err := n.db.LastTick(market)
		if err != nil {
			return err
		}
		if last > n.tick.Load() {
			n.tick.Store(last)
		}
	}

	go n.stream.Run()

	if n.nc != nil {
		if _, err := n.dispatch.SubscribeOutcomes(nil); err != nil {
			return fmt.Errorf("subscribe outcomes: %w", err)
		}
		if _, err := n.nc.QueueSubscribe("risk.claims", "riskd", n.handleClaim); err != nil {
			return fmt.Errorf("subscribe claims: %w", err)
		}
	}

	n.startHTTP()

	n.wg.Add(1)
	go n.tickLoop()

	n.logger.Info("riskd started",
		"markets", strings.Join(n.config.Markets, ","),
		"tickInterval", n.config.TickInterval,
		"resumeTick", n.tick.Load())
	return nil
}

func (n *RiskdNode) startHTTP() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"healthy": n.source.Healthy(),
			"tick":    n.tick.Load(),
			"keepers": n.registry.Len(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc("/ws", n.stream.HandleConnection)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Error("HTTP server failed", "error", err)
		}
	}()
	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.MetricsPort),
		Handler: n.prom.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.logger.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}()
}

func (n *RiskdNode) tickLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			tick := n.tick.Add(1)
			for _, market := range n.config.Markets {
				n.evaluateMarket(market, tick)
			}
			n.prom.SetActiveKeepers(len(n.registry.RankFor("")))
			n.prom.SetInsurancePool(n.engine.InsurancePool())
		}
	}
}

func (n *RiskdNode) evaluateMarket(market string, tick uint64) {
	telemetry, err := n.source.Latest(market)
	if err != nil {
		n.logger.Warn("telemetry unavailable, skipping tick",
			"market", market, "tick", tick, "error", err)
		return
	}

	start := time.Now()
	n.engineMu.Lock()
	result, err := n.engine.EvaluateTick(risk.TickInput{
		Market:        market,
		Tick:          tick,
		Price:         telemetry.Price,
		VolatilityBps: telemetry.VolatilityBps,
		VaultBalance:  telemetry.VaultBalance,
		OutcomeCount:  n.config.OutcomeCount,
		Volume:        telemetry.Volume,
		FailedTxCount: telemetry.FailedTxCount,
	})
	openInterest := n.engine.OpenInterest(market)
	n.engineMu.Unlock()
	if err != nil {
		n.logger.Error("tick evaluation failed",
			"market", market, "tick", tick, "error", err)
		return
	}

	n.prom.RecordTick(market, result.CoverageBps, openInterest,
		float64(time.Since(start).Microseconds()))
	if result.Action.Kind == risk.ActionHalt {
		n.prom.RecordHalt(market, result.Action.Reason.String())
		n.logger.Warn("market halted",
			"market", market,
			"reason", result.Action.Reason.String(),
			"duration", result.Action.Duration)
	}

	if err := n.db.PutTickResult(result); err != nil {
		n.logger.Error("tick persistence failed",
			"market", market, "tick", tick, "error", err)
	}
	n.stream.BroadcastTickResult(result)

	if len(result.Work) > 0 {
		batches, err := n.dispatch.Dispatch(market, tick, result.Work, n.config.Specialization)
		if err != nil {
			n.logger.Warn("dispatch failed",
				"market", market, "tick", tick, "error", err)
			return
		}
		n.prom.RecordDispatch(len(result.Work))
		n.logger.Info("liquidation work dispatched",
			"market", market,
			"tick", tick,
			"items", len(result.Work),
			"keepers", len(batches))
	}
}

type claimRequest struct {
	KeeperID   string `json:"keeper_id"`
	PositionID string `json:"position_id"`
	Tick       uint64 `json:"tick"`
}

type claimResponse struct {
	Execution *risk.ExecutionRecord `json:"execution,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// handleClaim races keeper claims through the engine's compare-and-commit
// path and replies with the execution record or the rejection.
func (n *RiskdNode) handleClaim(m *nats.Msg) {
	var req claimRequest
	if err := json.Unmarshal(m.Data, &req); err != nil {
		n.respond(m, claimResponse{Error: "malformed claim"})
		return
	}

	n.engineMu.Lock()
	rec, err := n.engine.ClaimLiquidation(req.KeeperID, req.PositionID, req.Tick)
	n.engineMu.Unlock()
	if err != nil {
		n.prom.RecordClaimReject(err.Error())
		n.respond(m, claimResponse{Error: err.Error()})
		return
	}

	n.prom.RecordLiquidation(rec.Amount)
	if err := n.db.PutExecution(rec); err != nil {
		n.logger.Error("execution persistence failed",
			"execution", rec.ID, "error", err)
	}
	n.stream.BroadcastExecution(rec)
	n.respond(m, claimResponse{Execution: rec})
}

func (n *RiskdNode) respond(m *nats.Msg, resp claimResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := m.Respond(payload); err != nil {
		n.logger.Warn("claim reply failed", "error", err)
	}
}

func (n *RiskdNode) Shutdown() {
	n.logger.Info("Shutting down riskd...")

	n.cancel()
	n.wg.Wait()

	// Snapshot keepers for restart recovery before closing the store.
	for _, k := range n.registry.All() {
		if err := n.db.PutKeeperSnapshot(k); err != nil {
			n.logger.Warn("keeper snapshot failed", "keeper", k.ID, "error", err)
		}
	}

	n.stream.Close()
	if n.nc != nil {
		n.nc.Close()
	}
	n.source.Close()
	if err := n.db.Close(); err != nil {
		n.logger.Warn("database close failed", "error", err)
	}

	n.logger.Info("riskd shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultHTTPPort, "HTTP API port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSURL, "nats", nats.DefaultURL, "NATS URL for keeper transport (empty disables)")
	flag.StringVar(&config.FeedURL, "feed", "", "Telemetry feed WebSocket URL (empty uses static source)")

	markets := flag.String("markets", "", "Comma-separated market identifiers")
	flag.Int64Var(&config.OutcomeCount, "outcomes", 2, "Outcomes per market")

	tickInterval := flag.Duration("tick-interval", time.Second, "Engine tick interval")
	flag.StringVar(&config.Specialization, "specialization", "", "Required keeper specialization")

	flag.Parse()

	config.LogLevel = *logLevel
	config.TickInterval = *tickInterval
	for _, m := range strings.Split(*markets, ",") {
		if m = strings.TrimSpace(m); m != "" {
			config.Markets = append(config.Markets, m)
		}
	}

	rootLogger := log.Root()
	if len(config.Markets) == 0 {
		rootLogger.Crit("No markets configured, pass -markets")
		os.Exit(1)
	}

	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir),
		"tickInterval", config.TickInterval)

	node, err := NewRiskdNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received signal", "signal", sig.String())
	node.Shutdown()
}
