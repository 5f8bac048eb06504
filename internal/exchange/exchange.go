// Package exchange is the central orchestrator of the trading core.
//
// It wires together all subsystems:
//
//  1. The order pool owns every in-flight Order record.
//  2. The gateway terminates sessions and feeds the risk engine's queue.
//  3. The risk engine validates and routes orders to per-symbol matching
//     engines.
//  4. Matching engines emit trades/BBO to the market-data queue and acks to
//     the return-path queue the gateway consumes.
//  5. The publisher multicasts market-data events as UDP datagrams.
//
// Components never reference each other — only the queues they produce to or
// consume from. One atomic shutdown flag is observed by every worker;
// teardown stops the gateway first and then joins the remaining workers
// together.
//
// Lifecycle: New() → Start() → [runs until SIGINT or a fatal invariant
// trip] → Stop()
package exchange

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"exchange-core/internal/config"
	"exchange-core/internal/gateway"
	"exchange-core/internal/marketdata"
	"exchange-core/internal/matching"
	"exchange-core/internal/metrics"
	"exchange-core/internal/pool"
	"exchange-core/internal/queue"
	"exchange-core/internal/risk"
)

// Exchange owns the lifecycle of every component and worker goroutine.
type Exchange struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	pool     *pool.Pool
	mdQueue  *queue.MPMC[marketdata.Event]
	retQueue *queue.MPMC[marketdata.SessionEvent]

	engines   map[string]*matching.Engine
	riskEng   *risk.Engine
	gateway   *gateway.Gateway
	publisher *marketdata.Publisher

	shutdown atomic.Bool
	wg       sync.WaitGroup
}

// New creates and wires all components. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Exchange {
	ex := &Exchange{
		cfg:     cfg,
		logger:  logger.With("component", "exchange"),
		metrics: m,
		engines: make(map[string]*matching.Engine, len(cfg.Symbols)),
	}

	qcap := cfg.Performance.QueueCapacity
	ex.pool = pool.New(cfg.Performance.OrderPoolSize)
	ex.mdQueue = queue.NewMPMC[marketdata.Event](qcap)
	ex.retQueue = queue.NewMPMC[marketdata.SessionEvent](qcap)

	engineQueues := make(map[string]*queue.SPSC[matching.Request], len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		eng := matching.New(sym.Name, ex.pool, qcap, ex.mdQueue, ex.retQueue,
			&ex.shutdown, logger, m)
		ex.engines[sym.Name] = eng
		engineQueues[sym.Name] = eng.In()
	}

	ex.riskEng = risk.New(cfg.Risk, cfg.Symbols, qcap, engineQueues,
		ex.retQueue, ex.pool, &ex.shutdown, logger, m)

	ex.gateway = gateway.New(cfg.Gateway, cfg.Performance,
		gateway.IdentityPreamble{}, ex.pool, ex.riskEng.In(), ex.retQueue,
		&ex.shutdown, logger, m)

	ex.publisher = marketdata.NewPublisher(cfg.Exchange.UDPGroup,
		cfg.Exchange.UDPPort, cfg.Performance.UDPBufferSize, ex.mdQueue,
		&ex.shutdown, logger, m)

	ex.registerGauges()
	return ex
}

func (ex *Exchange) registerGauges() {
	ex.metrics.RegisterGauge("exchange_pool_available",
		"Free Order slots in the arena.",
		func() float64 { return float64(ex.pool.Available()) })
	ex.metrics.RegisterGauge("exchange_md_queue_depth",
		"Entries waiting on the market-data queue.",
		func() float64 { return float64(ex.mdQueue.Len()) })
	ex.metrics.RegisterGauge("exchange_return_queue_depth",
		"Entries waiting on the return-path queue.",
		func() float64 { return float64(ex.retQueue.Len()) })
	ex.metrics.RegisterGauge("exchange_risk_queue_depth",
		"Entries waiting on the risk engine queue.",
		func() float64 { return float64(ex.riskEng.In().Len()) })
	for sym, eng := range ex.engines {
		in := eng.In()
		ex.metrics.RegisterGauge("exchange_engine_queue_depth_"+normalizeMetricName(sym),
			"Entries waiting on the "+sym+" matching engine queue.",
			func() float64 { return float64(in.Len()) })
	}
}

// normalizeMetricName maps symbol characters outside [a-zA-Z0-9_] to
// underscores so they are legal in a metric name.
func normalizeMetricName(s string) string {
	out := []byte(s)
	for i, c := range out {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
		if !ok {
			out[i] = '_'
		}
	}
	return string(out)
}

// Start launches every worker: publisher, matching engines, risk engine,
// then the gateway (so no order can arrive before its downstream exists).
func (ex *Exchange) Start() error {
	if err := ex.publisher.Open(); err != nil {
		return err
	}
	ex.wg.Add(1)
	go func() {
		defer ex.wg.Done()
		ex.publisher.Run()
	}()

	for _, eng := range ex.engines {
		eng := eng
		ex.wg.Add(1)
		go func() {
			defer ex.wg.Done()
			eng.Run()
		}()
	}

	ex.wg.Add(1)
	go func() {
		defer ex.wg.Done()
		ex.riskEng.Run()
	}()

	if err := ex.gateway.Start(ex.cfg.Exchange.TCPPort); err != nil {
		ex.shutdown.Store(true)
		ex.wg.Wait()
		ex.publisher.Close()
		return fmt.Errorf("start gateway: %w", err)
	}

	ex.logger.Info("exchange started",
		"name", ex.cfg.Exchange.Name,
		"symbols", len(ex.engines),
		"pool", ex.pool.Capacity(),
	)
	return nil
}

// Stop asserts the shutdown flag, stops the gateway first (no new intake),
// then waits for the risk engine, matching engines and publisher, each of
// which drains its own input queue before exiting. Those three see the flag
// at the same time and are joined together, not one after another in
// reverse start order.
func (ex *Exchange) Stop() {
	ex.logger.Info("shutting down...")
	ex.shutdown.Store(true)

	ex.gateway.Stop()
	ex.wg.Wait()
	ex.publisher.Close()

	ex.logger.Info("shutdown complete",
		"pool_available", ex.pool.Available(),
	)
}

// ShuttingDown reports whether the shutdown flag is set — by Stop or by a
// worker that hit a fatal invariant violation.
func (ex *Exchange) ShuttingDown() bool {
	return ex.shutdown.Load()
}

// Gateway exposes the gateway for address discovery.
func (ex *Exchange) Gateway() *gateway.Gateway { return ex.gateway }

// Engine returns the matching engine for a symbol, if configured.
func (ex *Exchange) Engine(symbol string) (*matching.Engine, bool) {
	e, ok := ex.engines[symbol]
	return e, ok
}
