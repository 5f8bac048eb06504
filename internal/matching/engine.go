// Package matching runs one matching engine per symbol.
//
// Each engine is a single goroutine that owns one order book and one SPSC
// input queue fed by the risk engine. Requests are processed one at a time
// to completion, so every matching step is observably atomic on the
// market-data stream. Results leave through two queues: trade/BBO events to
// the market-data queue, acks and trade reports to the return-path queue
// tagged with the originating session.
package matching

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"exchange-core/internal/book"
	"exchange-core/internal/marketdata"
	"exchange-core/internal/metrics"
	"exchange-core/internal/pool"
	"exchange-core/internal/queue"
	"exchange-core/pkg/types"
)

// RequestKind discriminates engine input requests.
type RequestKind uint8

const (
	ReqNewOrder RequestKind = iota + 1
	ReqCancel
)

// Request is one entry on an engine's input queue. For ReqNewOrder the
// engine takes ownership of Order; for ReqCancel only the id and the
// originating session travel.
type Request struct {
	Kind       RequestKind
	Order      *types.Order
	OrderID    uint64
	SessionIdx uint64
}

// Engine owns the book for one symbol.
type Engine struct {
	symbol string
	book   *book.Book
	pool   *pool.Pool

	in  *queue.SPSC[Request]
	md  *queue.MPMC[marketdata.Event]
	ret *queue.MPMC[marketdata.SessionEvent]

	shutdown *atomic.Bool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ordersProcessed atomic.Uint64
	tradesExecuted  atomic.Uint64
}

// New creates a matching engine for one symbol.
func New(symbol string, p *pool.Pool, queueCap int,
	md *queue.MPMC[marketdata.Event], ret *queue.MPMC[marketdata.SessionEvent],
	shutdown *atomic.Bool, logger *slog.Logger, m *metrics.Metrics) *Engine {

	e := &Engine{
		symbol:   symbol,
		pool:     p,
		in:       queue.NewSPSC[Request](queueCap),
		md:       md,
		ret:      ret,
		shutdown: shutdown,
		logger:   logger.With("component", "matching", "symbol", symbol),
		metrics:  m,
	}
	e.book = book.New(symbol, p, e.onTrade, e.fatalf)
	return e
}

// Symbol returns the symbol this engine matches.
func (e *Engine) Symbol() string { return e.symbol }

// In exposes the engine's input queue. The risk engine is the only producer.
func (e *Engine) In() *queue.SPSC[Request] { return e.in }

// OrdersProcessed returns the number of requests handled.
func (e *Engine) OrdersProcessed() uint64 { return e.ordersProcessed.Load() }

// TradesExecuted returns the number of executions emitted.
func (e *Engine) TradesExecuted() uint64 { return e.tradesExecuted.Load() }

// Run pops and processes requests until the shutdown flag is set, then
// drains the input queue (cancels are completed; new orders are returned to
// the pool with a rejection ack) and exits.
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
			e.processCancel(req.OrderID, req.SessionIdx)
		case ReqNewOrder:
			o := req.Order
			o.Status = types.StatusRejected
			e.sendAck(o.SessionIdx, o.ID, types.AckRejected, types.ReasonBackpressure)
			e.pool.Release(o)
		}
	}
}

func (e *Engine) process(req Request) {
	e.ordersProcessed.Add(1)
	switch req.Kind {
	case ReqNewOrder:
		e.processNewOrder(req.Order)
	case ReqCancel:
		e.processCancel(req.OrderID, req.SessionIdx)
	}
}

func (e *Engine) processNewOrder(o *types.Order) {
	bb, bq, ba, aq := e.topOfBook()

	res := e.book.Add(o)
	if res.DuplicateID {
		o.Status = types.StatusRejected
		e.metrics.Reject(string(types.ReasonDuplicate))
		e.sendAck(o.SessionIdx, o.ID, types.AckRejected, types.ReasonDuplicate)
		e.pool.Release(o)
		return
	}

	status := uint8(types.AckAccepted)
	reason := types.ReasonNone

	if o.Type == types.Market && o.Remaining > 0 {
		// Market orders never rest.
		o.Status = types.StatusCancelled
		if res.Traded == 0 {
			status = types.AckRejected
			reason = types.ReasonNoLiquidity
		}
	}

	sessionIdx, orderID := o.SessionIdx, o.ID
	if !res.Rested {
		// Filled or cancelled remainder: the record goes back to the pool
		// before the ack is built, so read nothing from it afterwards.
		e.pool.Release(o)
	}

	e.checkNotCrossed()
	e.emitBBOIfChanged(bb, bq, ba, aq)

	if status == types.AckAccepted {
		e.metrics.OrdersAccepted.Inc()
	} else {
		e.metrics.Reject(string(reason))
	}
	e.sendAck(sessionIdx, orderID, status, reason)
}

func (e *Engine) processCancel(orderID, sessionIdx uint64) {
	bb, bq, ba, aq := e.topOfBook()

	o, ok := e.book.Cancel(orderID)
	if !ok {
		e.metrics.Reject(string(types.ReasonNotFound))
		e.sendAck(sessionIdx, orderID, types.AckRejected, types.ReasonNotFound)
		return
	}
	o.Status = types.StatusCancelled
	e.pool.Release(o)

	e.emitBBOIfChanged(bb, bq, ba, aq)
	e.sendAck(sessionIdx, orderID, types.AckAccepted, types.ReasonNone)
}

func (e *Engine) topOfBook() (bb, bq, ba, aq uint64) {
	bb, bq = e.book.BestBid()
	ba, aq = e.book.BestAsk()
	return
}

// onTrade fans one execution out to the market-data queue and to both
// participating sessions.
func (e *Engine) onTrade(t types.Trade, aggressive, passive *types.Order) {
	e.tradesExecuted.Add(1)
	e.metrics.TradesExecuted.WithLabelValues(e.symbol).Inc()

	if !e.md.Push(marketdata.Event{Kind: marketdata.EventTrade, Trade: t}) {
		e.metrics.EventsDropped.Inc()
	}
	e.sendReport(aggressive.SessionIdx, t)
	if passive.SessionIdx != aggressive.SessionIdx {
		e.sendReport(passive.SessionIdx, t)
	}
}

func (e *Engine) emitBBOIfChanged(bb, bq, ba, aq uint64) {
	nbb, nbq, nba, naq := e.topOfBook()
	if nbb == bb && nbq == bq && nba == ba && naq == aq {
		return
	}
	ev := marketdata.Event{
		Kind: marketdata.EventBBO,
		BBO: marketdata.BBO{
			Symbol:   e.symbol,
			BidPrice: nbb,
			BidQty:   nbq,
			AskPrice: nba,
			AskQty:   naq,
		},
	}
	if !e.md.Push(ev) {
		e.metrics.EventsDropped.Inc()
	}
}

// checkNotCrossed verifies the book invariant after a completed step: the
// best bid must be strictly below the best ask unless a side is empty.
func (e *Engine) checkNotCrossed() {
	bb, _ := e.book.BestBid()
	ba, _ := e.book.BestAsk()
	if bb > 0 && ba > 0 && bb >= ba {
		e.fatalf("book %s crossed after step: bid %d >= ask %d", e.symbol, bb, ba)
	}
}

func (e *Engine) sendAck(sessionIdx, orderID uint64, status uint8, reason types.Reason) {
	if !e.ret.Push(marketdata.Ack(sessionIdx, orderID, status, reason)) {
		e.metrics.EventsDropped.Inc()
	}
}

func (e *Engine) sendReport(sessionIdx uint64, t types.Trade) {
	if !e.ret.Push(marketdata.Report(sessionIdx, t)) {
		e.metrics.EventsDropped.Inc()
	}
}

// fatalf is the invariant-violation trip: log everything we know, then set
// the process-wide shutdown flag. Not recoverable in-process.
func (e *Engine) fatalf(format string, args ...any) {
	e.logger.Error("invariant violation, shutting down", "detail", fmt.Sprintf(format, args...))
	e.shutdown.Store(true)
}
