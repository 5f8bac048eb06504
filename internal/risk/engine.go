// Package risk applies deterministic pre-trade checks and owns all
// per-client risk state.
//
// A single worker pops requests in FIFO order from an SPSC queue fed by the
// gateway. For every new order the checks run in a fixed sequence — symbol,
// size, price collar, rate, duplicate, credit — and the first failure wins
// the rejection reason. Approved orders are forwarded to the owning symbol's
// matching engine queue; rejected orders go back to the pool with an ack on
// the return path. Client state is confined to the worker goroutine, so no
// check ever takes a lock.
//
// Notional exposure is accumulated on submission and not adjusted on fills —
// a deliberate approximation; a production deployment would subscribe to the
// fill stream and decrement.
package risk

import (
	"log/slog"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"exchange-core/internal/config"
	"exchange-core/internal/marketdata"
	"exchange-core/internal/matching"
	"exchange-core/internal/metrics"
	"exchange-core/internal/pool"
	"exchange-core/internal/queue"
	"exchange-core/pkg/types"
)

// RequestKind discriminates risk engine input requests.
type RequestKind uint8

const (
	ReqNewOrder RequestKind = iota + 1
	ReqCancel
)

// Request is one entry on the risk input queue. For ReqNewOrder the engine
// takes ownership of Order. For ReqCancel the identifying fields travel by
// value.
type Request struct {
	Kind       RequestKind
	Order      *types.Order
	OrderID    uint64
	ClientID   string
	Symbol     string
	SessionIdx uint64
}

// clientState is the per-client risk ledger. Confined to the risk worker.
type clientState struct {
	active        map[uint64]struct{}
	notional      uint64 // ×10⁴ fixed point, submission-accumulated
	windowStartNS int64
	windowCount   uint32
}

// symbolLimits is the per-symbol collar precomputed to basis points so the
// check is pure integer arithmetic.
type symbolLimits struct {
	collarBP uint64 // price_collar_pct × 100
}

// Engine is the risk worker and its state.
type Engine struct {
	cfg config.RiskConfig

	in      *queue.SPSC[Request]
	ret     *queue.MPMC[marketdata.SessionEvent]
	pool    *pool.Pool
	symbols map[string]symbolLimits

	// engines routes approved orders; scatter is the same set in stable
	// symbol order for cancels that cannot be routed.
	engines map[string]*queue.SPSC[matching.Request]
	scatter []*queue.SPSC[matching.Request]

	clients  map[string]*clientState
	refPrice map[string]uint64 // collar reference, first-seen price per symbol

	now func() int64 // nanosecond clock, swappable in tests

	shutdown *atomic.Bool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ordersProcessed atomic.Uint64
	ordersRejected  atomic.Uint64
}

// New creates the risk engine. engineQueues maps each configured symbol to
// its matching engine's input queue; the map is never mutated after startup.
func New(cfg config.RiskConfig, symbols []config.SymbolConfig, queueCap int,
	engineQueues map[string]*queue.SPSC[matching.Request],
	ret *queue.MPMC[marketdata.SessionEvent], p *pool.Pool,
	shutdown *atomic.Bool, logger *slog.Logger, m *metrics.Metrics) *Engine {

	limits := make(map[string]symbolLimits, len(symbols))
	for _, s := range symbols {
		limits[s.Name] = symbolLimits{collarBP: uint64(s.PriceCollarPct * 100)}
	}

	names := make([]string, 0, len(engineQueues))
	for name := range engineQueues {
		names = append(names, name)
	}
	sort.Strings(names)
	scatter := make([]*queue.SPSC[matching.Request], 0, len(names))
	for _, name := range names {
		scatter = append(scatter, engineQueues[name])
	}

	return &Engine{
		cfg:      cfg,
		in:       queue.NewSPSC[Request](queueCap),
		ret:      ret,
		pool:     p,
		symbols:  limits,
		engines:  engineQueues,
		scatter:  scatter,
		clients:  make(map[string]*clientState),
		refPrice: make(map[string]uint64),
		now:      func() int64 { return time.Now().UnixNano() },
		shutdown: shutdown,
		logger:   logger.With("component", "risk"),
		metrics:  m,
	}
}

// In exposes the input queue. The gateway dispatch worker is the only
// producer.
func (e *Engine) In() *queue.SPSC[Request] { return e.in }

// OrdersProcessed returns the number of requests handled.
func (e *Engine) OrdersProcessed() uint64 { return e.ordersProcessed.Load() }

// OrdersRejected returns the number of rejections issued.
func (e *Engine) OrdersRejected() uint64 { return e.ordersRejected.Load() }

// Run pops and processes requests until shutdown, then drains: remaining
// cancels complete, remaining new orders are rejected back to the pool.
func (e *Engine) Run() {
	for {
		req, ok := e.in.Pop()
		if !ok {
			if e.shutdown.Load() {
				e.drain()
				return
			}
			runtime.Gosched()
			continue
		}
		e.process(req)
		if e.shutdown.Load() {
			e.drain()
			return
		}
	}
}

func (e *Engine) drain() {
	for {
		req, ok := e.in.Pop()
		if !ok {
			return
		}
		switch req.Kind {
		case ReqCancel:
			e.processCancel(req)
		case ReqNewOrder:
			e.reject(req.Order, types.ReasonBackpressure)
		}
	}
}

func (e *Engine) process(req Request) {
	e.ordersProcessed.Add(1)
	switch req.Kind {
	case ReqNewOrder:
		e.processNewOrder(req.Order)
	case ReqCancel:
		e.processCancel(req)
	}
}

func (e *Engine) processNewOrder(o *types.Order) {
	limits, ok := e.symbols[o.Symbol]
	if !ok {
		e.reject(o, types.ReasonSymbol)
		return
	}
	if o.Quantity == 0 || o.Quantity > e.cfg.MaxOrderSize {
		e.reject(o, types.ReasonSize)
		return
	}
	if !e.checkCollar(o, limits) {
		e.reject(o, types.ReasonPrice)
		return
	}

	st := e.client(o.ClientID)
	if !e.checkRate(st) {
		e.reject(o, types.ReasonRate)
		return
	}
	if _, dup := st.active[o.ID]; dup {
		e.reject(o, types.ReasonDuplicate)
		return
	}
	notional := types.Notional(o.Price, o.Quantity)
	if st.notional+notional > e.cfg.MaxNotionalScaled {
		e.reject(o, types.ReasonCredit)
		return
	}

	// Approved: commit client state, then forward. A full downstream queue
	// rolls the commit back.
	st.active[o.ID] = struct{}{}
	st.notional += notional

	eng := e.engines[o.Symbol]
	if !eng.Push(matching.Request{Kind: matching.ReqNewOrder, Order: o}) {
		delete(st.active, o.ID)
		st.notional -= notional
		e.reject(o, types.ReasonDownstream)
		return
	}
}

// checkCollar verifies the order's price lies within ±collar% of the
// symbol's reference price. With no external reference feed the first seen
// price becomes the reference, which keeps the check deterministic for a
// given input sequence. Market orders carry no price and skip the check.
func (e *Engine) checkCollar(o *types.Order, limits symbolLimits) bool {
	if !e.cfg.PriceCollarEnabled || o.Type == types.Market {
		return true
	}
	ref, ok := e.refPrice[o.Symbol]
	if !ok {
		e.refPrice[o.Symbol] = o.Price
		return true
	}
	delta := ref * limits.collarBP / 10_000
	return o.Price >= ref-delta && o.Price <= ref+delta
}

// checkRate enforces the one-second submission window. The window start
// advances (and the counter resets) once more than a second has passed.
func (e *Engine) checkRate(st *clientState) bool {
	now := e.now()
	if now-st.windowStartNS > int64(time.Second) {
		st.windowStartNS = now
		st.windowCount = 0
	}
	if st.windowCount >= e.cfg.MaxOrdersPerSecond {
		return false
	}
	st.windowCount++
	return true
}

func (e *Engine) processCancel(req Request) {
	st, ok := e.clients[req.ClientID]
	if !ok {
		e.rejectCancel(req, types.ReasonNotOwned)
		return
	}
	if _, owned := st.active[req.OrderID]; !owned {
		e.rejectCancel(req, types.ReasonNotOwned)
		return
	}

	cancel := matching.Request{
		Kind:       matching.ReqCancel,
		OrderID:    req.OrderID,
		SessionIdx: req.SessionIdx,
	}

	if eng, routed := e.engines[req.Symbol]; routed {
		if !eng.Push(cancel) {
			e.rejectCancel(req, types.ReasonDownstream)
			return
		}
	} else {
		// Symbol did not resolve: scatter to every engine. The owner
		// cancels; the others report not-found.
		for _, eng := range e.scatter {
			if !eng.Push(cancel) {
				e.metrics.EventsDropped.Inc()
			}
		}
	}
	delete(st.active, req.OrderID)
}

func (e *Engine) client(id string) *clientState {
	st, ok := e.clients[id]
	if !ok {
		st = &clientState{active: make(map[uint64]struct{})}
		e.clients[id] = st
	}
	return st
}

func (e *Engine) reject(o *types.Order, reason types.Reason) {
	e.ordersRejected.Add(1)
	e.metrics.Reject(string(reason))
	o.Status = types.StatusRejected
	sessionIdx, orderID := o.SessionIdx, o.ID
	e.pool.Release(o)
	if !e.ret.Push(marketdata.Ack(sessionIdx, orderID, types.AckRejected, reason)) {
		e.metrics.EventsDropped.Inc()
	}
}

func (e *Engine) rejectCancel(req Request, reason types.Reason) {
	e.ordersRejected.Add(1)
	e.metrics.Reject(string(reason))
	if !e.ret.Push(marketdata.Ack(req.SessionIdx, req.OrderID, types.AckRejected, reason)) {
		e.metrics.EventsDropped.Inc()
	}
}
