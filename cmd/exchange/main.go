// Exchange core — a real-time equity exchange simulator.
//
// Architecture:
//
//	main.go                  — entry point: loads config, starts the exchange, waits for SIGINT/SIGTERM
//	exchange/exchange.go     — orchestrator: wires pool → gateway → risk → matching → publisher
//	gateway/gateway.go       — TCP order entry: sessions, framing, dispatch, return path
//	risk/engine.go           — pre-trade checks and per-client risk state
//	matching/engine.go       — one worker per symbol driving its order book
//	book/book.go             — price-time priority book with O(1) cancels
//	marketdata/publisher.go  — UDP multicast BBO and trade feed
//	protocol/codec.go        — binary wire format: framing, CRC, sanitization
//	pool/pool.go             — pre-sized Order arena, lock-free free list
//	queue/                   — bounded SPSC and MPMC rings the pipeline runs on
//
// The order path is: client frame → gateway → risk engine → matching engine
// → book, with acks and trade reports flowing back through a dedicated queue
// and market data multicast out the side. The risk engine, each matching
// engine and the publisher are single goroutines over lock-free queues; the
// gateway runs an acceptor, one reader per session and one dispatch worker.
// The only mutex in the system guards session registration.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"exchange-core/internal/config"
	"exchange-core/internal/exchange"
	"exchange-core/internal/metrics"
)

func main() {
	// Load config
	cfgPath := "configs/exchange.yaml"
	if p := os.Getenv("EXCH_CONFIG"); p != "" {
		cfgPath = p
	}
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	m := metrics.New(prometheus.NewRegistry())

	ex := exchange.New(cfg, logger, m)
	if err := ex.Start(); err != nil {
		logger.Error("failed to start exchange", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s up — order entry :%d, market data %s:%d\n",
		cfg.Exchange.Name, cfg.Exchange.TCPPort,
		cfg.Exchange.UDPGroup, cfg.Exchange.UDPPort)

	// Run until a signal arrives or a worker trips the shutdown flag on a
	// fatal invariant violation.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

loop:
	for {
		select {
		case sig := <-sigCh:
			logger.Info("received signal", "signal", sig)
			break loop
		case <-ticker.C:
			if ex.ShuttingDown() {
				logger.Error("shutdown flag tripped by a worker")
				break loop
			}
		}
	}

	ex.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
