// Package gateway terminates client sessions and bridges them to the risk
// engine.
//
// Three kinds of goroutine cooperate:
//
//   - one acceptor, blocking in Accept with a short deadline so it can
//     observe the shutdown flag;
//   - one reader per session, pulling bytes into the session's bounded
//     buffer, extracting and decoding complete frames, and producing them
//     onto the session's inbound ring (backpressure = stop reading);
//   - one dispatch worker that owns every session's protocol state: it pops
//     decoded frames, enforces the session principal, borrows pool slots,
//     feeds the risk queue, and drives the return path — consuming ack and
//     trade-report events from the matching engines and serializing them
//     onto the originating session with a per-session monotone sequence.
//
// The session map mutex is held only to insert or remove entries; all
// per-session I/O runs lock-free off copy-on-write snapshots.
package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"exchange-core/internal/config"
	"exchange-core/internal/marketdata"
	"exchange-core/internal/metrics"
	"exchange-core/internal/pool"
	"exchange-core/internal/protocol"
	"exchange-core/internal/queue"
	"exchange-core/internal/risk"
	"exchange-core/pkg/types"
)

const (
	acceptPollInterval = 250 * time.Millisecond
	readPollInterval   = 100 * time.Millisecond
	workerPollInterval = 2 * time.Millisecond
	flushWriteDeadline = 5 * time.Millisecond
	inboundBatch       = 64
	returnBatch        = 256
	idleSweepEvery     = time.Second
)

// registry is the copy-on-write view of live sessions. Rebuilt under the
// gateway mutex on insert/remove; read without locks everywhere else.
type registry struct {
	list  []*Session
	byIdx map[uint64]*Session
}

// Gateway owns the order-entry listener and all client sessions.
type Gateway struct {
	cfg        config.GatewayConfig
	tcpNoDelay bool
	inboundCap int

	listener net.Listener
	hs       Handshaker

	pool   *pool.Pool
	riskIn *queue.SPSC[risk.Request]
	ret    *queue.MPMC[marketdata.SessionEvent]

	mu       sync.Mutex // guards registry rebuilds only
	sessions atomic.Pointer[registry]
	nextIdx  atomic.Uint64

	shutdown *atomic.Bool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup

	connectionsAccepted atomic.Uint64
	messagesReceived    atomic.Uint64
	messagesSent        atomic.Uint64
}

// New creates the gateway. riskIn is the risk engine's input queue; the
// dispatch worker is its only producer.
func New(cfg config.GatewayConfig, perf config.PerformanceConfig, hs Handshaker,
	p *pool.Pool, riskIn *queue.SPSC[risk.Request],
	ret *queue.MPMC[marketdata.SessionEvent],
	shutdown *atomic.Bool, logger *slog.Logger, m *metrics.Metrics) *Gateway {

	g := &Gateway{
		cfg:        cfg,
		tcpNoDelay: perf.TCPNoDelay,
		inboundCap: 256,
		hs:         hs,
		pool:       p,
		riskIn:     riskIn,
		ret:        ret,
		shutdown:   shutdown,
		logger:     logger.With("component", "gateway"),
		metrics:    m,
	}
	g.sessions.Store(&registry{byIdx: make(map[uint64]*Session)})
	return g
}

// Start binds the listener and launches the acceptor and dispatch worker.
func (g *Gateway) Start(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", port, err)
	}
	g.listener = l
	g.logger.Info("gateway listening", "addr", l.Addr().String())

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.acceptLoop()
	}()
	go func() {
		defer g.wg.Done()
		g.workerLoop()
	}()
	return nil
}

// Addr returns the bound listener address (useful with port 0).
func (g *Gateway) Addr() net.Addr { return g.listener.Addr() }

// Stop closes the listener and waits for all gateway goroutines. The
// process-wide shutdown flag must already be set.
func (g *Gateway) Stop() {
	if g.listener != nil {
		g.listener.Close()
	}
	g.wg.Wait()
	g.logger.Info("gateway stopped",
		"connections", g.connectionsAccepted.Load(),
		"received", g.messagesReceived.Load(),
		"sent", g.messagesSent.Load(),
	)
}

// ————————————————————————————————————————————————————————————————————————
// Accept path
// ————————————————————————————————————————————————————————————————————————

func (g *Gateway) acceptLoop() {
	for !g.shutdown.Load() {
		if d, ok := g.listener.(interface{ SetDeadline(time.Time) error }); ok {
			d.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := g.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if g.shutdown.Load() {
				return
			}
			g.logger.Warn("accept failed", "error", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok && g.tcpNoDelay {
			tc.SetNoDelay(true)
		}
		g.connectionsAccepted.Add(1)

		// Handshake off the acceptor so a slow client cannot stall accepts.
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.handshakeAndRegister(conn)
		}()
	}
}

func (g *Gateway) handshakeAndRegister(conn net.Conn) {
	principal, err := g.hs.Handshake(conn)
	if err != nil {
		g.logger.Warn("handshake failed", "remote", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}

	s := newSession(g.nextIdx.Add(1), conn, principal, g.inboundCap, time.Now().UnixNano())

	g.mu.Lock()
	old := g.sessions.Load()
	next := &registry{
		list:  make([]*Session, 0, len(old.list)+1),
		byIdx: make(map[uint64]*Session, len(old.byIdx)+1),
	}
	next.list = append(next.list, old.list...)
	next.list = append(next.list, s)
	for k, v := range old.byIdx {
		next.byIdx[k] = v
	}
	next.byIdx[s.idx] = s
	g.sessions.Store(next)
	g.mu.Unlock()

	g.metrics.OpenSessions.Inc()
	g.logger.Info("session open", "session", s.id, "principal", principal,
		"remote", conn.RemoteAddr())

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.readLoop(s)
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Read path (one goroutine per session)
// ————————————————————————————————————————————————————————————————————————

func (g *Gateway) readLoop(s *Session) {
	buf := make([]byte, inBufSize)
	fill := 0

	for !g.shutdown.Load() && !s.closed.Load() {
		s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := s.conn.Read(buf[fill:])
		if n > 0 {
			fill += n
			s.lastActivity.Store(time.Now().UnixNano())
			fill = g.extractFrames(s, buf, fill)
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			break // EOF or hard error: orderly teardown
		}
		if fill == len(buf) {
			// A full buffer must contain at least one complete frame;
			// if extraction left it full the stream cannot resync.
			g.protoError(s)
			fill = 0
		}
	}
	s.markClosed()
}

// extractFrames pulls every complete frame out of buf[:fill], decodes it,
// and produces it onto the session's inbound ring. Returns the number of
// unconsumed bytes, shifted to the front of buf.
func (g *Gateway) extractFrames(s *Session, buf []byte, fill int) int {
	for {
		if fill < protocol.HeaderSize {
			return fill
		}
		h, _ := protocol.ParseHeader(buf[:fill])
		if err := protocol.ValidateHeader(h); err != nil {
			// Header-level damage: the frame boundary is unknowable, so
			// the whole buffer is dropped for resync.
			g.protoError(s)
			return 0
		}
		if fill < int(h.Length) {
			return fill
		}

		msg, derr := protocol.Decode(buf[:h.Length])
		if derr != nil {
			g.protoError(s)
		} else {
			g.messagesReceived.Add(1)
			// Full inbound ring = backpressure: park until the dispatch
			// worker catches up rather than reading more from the socket.
			for !s.inbound.Push(msg) {
				if g.shutdown.Load() || s.closed.Load() {
					return 0
				}
				time.Sleep(100 * time.Microsecond)
			}
		}

		fill = copy(buf, buf[h.Length:fill])
	}
}

// protoError counts one discarded frame. A single malformed frame never
// drops the session; crossing the configured threshold does.
func (g *Gateway) protoError(s *Session) {
	g.metrics.ProtocolErrors.Inc()
	if int(s.protoErrs.Add(1)) > g.cfg.MaxProtocolErrors {
		g.logger.Warn("protocol error threshold exceeded, closing session",
			"session", s.id)
		s.markClosed()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Dispatch worker (single goroutine, owns all session protocol state)
// ————————————————————————————————————————————————————————————————————————

func (g *Gateway) workerLoop() {
	lastSweep := time.Now()
	for !g.shutdown.Load() {
		worked := false
		reg := g.sessions.Load()

		for _, s := range reg.list {
			for i := 0; i < inboundBatch; i++ {
				msg, ok := s.inbound.Pop()
				if !ok {
					break
				}
				g.dispatch(s, msg)
				worked = true
			}
		}

		for i := 0; i < returnBatch; i++ {
			ev, ok := g.ret.Pop()
			if !ok {
				break
			}
			g.deliver(reg, ev)
			worked = true
		}

		for _, s := range reg.list {
			g.flush(s)
		}

		if time.Since(lastSweep) >= idleSweepEvery {
			g.sweepIdle(reg)
			lastSweep = time.Now()
		}
		g.removeClosed(reg)

		if !worked {
			time.Sleep(workerPollInterval)
		}
	}
	g.drainAndClose()
}

func (g *Gateway) dispatch(s *Session, msg protocol.Message) {
	switch msg.Header.Type {
	case protocol.MsgNewOrder:
		g.dispatchNewOrder(s, msg.NewOrder)
	case protocol.MsgCancelOrder:
		g.dispatchCancel(s, msg.Cancel)
	case protocol.MsgHeartbeat:
		// Recorded by the reader via lastActivity; nothing to dispatch.
	default:
		// Server-bound traffic only; an ack or trade report from a client
		// is a protocol violation.
		g.protoError(s)
	}
}

func (g *Gateway) dispatchNewOrder(s *Session, no protocol.NewOrder) {
	if no.ClientID != s.principal {
		g.metrics.Reject(string(types.ReasonUnauthorized))
		g.enqueueAck(s, no.OrderID, types.AckRejected, types.ReasonUnauthorized)
		return
	}

	o, ok := g.pool.Acquire()
	if !ok {
		g.metrics.Reject(string(types.ReasonPoolExhausted))
		g.enqueueAck(s, no.OrderID, types.AckRejected, types.ReasonPoolExhausted)
		return
	}
	o.ID = no.OrderID
	o.ClientID = no.ClientID
	o.Symbol = no.Symbol
	o.Side = no.Side
	o.Type = no.Type
	o.Quantity = no.Quantity
	o.Remaining = no.Quantity
	o.Price = no.Price
	o.Status = types.StatusPending
	o.Timestamp = time.Now().UnixNano()
	o.SessionIdx = s.idx

	if !g.riskIn.Push(risk.Request{Kind: risk.ReqNewOrder, Order: o}) {
		g.pool.Release(o)
		g.metrics.Reject(string(types.ReasonBackpressure))
		g.enqueueAck(s, no.OrderID, types.AckRejected, types.ReasonBackpressure)
		return
	}
	g.metrics.OrdersSubmitted.Inc()
}

func (g *Gateway) dispatchCancel(s *Session, c protocol.CancelOrder) {
	if c.ClientID != s.principal {
		g.metrics.Reject(string(types.ReasonUnauthorized))
		g.enqueueAck(s, c.OrderID, types.AckRejected, types.ReasonUnauthorized)
		return
	}
	req := risk.Request{
		Kind:       risk.ReqCancel,
		OrderID:    c.OrderID,
		ClientID:   c.ClientID,
		Symbol:     c.Symbol,
		SessionIdx: s.idx,
	}
	if !g.riskIn.Push(req) {
		g.metrics.Reject(string(types.ReasonBackpressure))
		g.enqueueAck(s, c.OrderID, types.AckRejected, types.ReasonBackpressure)
	}
}

// deliver routes one return-path event to its session. Events for sessions
// that are gone are discarded.
func (g *Gateway) deliver(reg *registry, ev marketdata.SessionEvent) {
	s, ok := reg.byIdx[ev.SessionIdx]
	if !ok || s.closed.Load() {
		return
	}
	switch ev.Kind {
	case marketdata.SessionAck:
		g.enqueueAck(s, ev.OrderID, ev.Status, ev.Reason)
	case marketdata.SessionTrade:
		g.enqueueTradeReport(s, ev.Trade)
	}
}

// enqueueAck serializes an OrderAck onto the session's outbound buffer,
// assigning the next outbound sequence. A full buffer drops the frame and
// counts it — the sequence is not consumed for dropped frames.
func (g *Gateway) enqueueAck(s *Session, orderID uint64, status uint8, reason types.Reason) {
	if len(s.out)+protocol.OrderAckFrameSize > cap(s.out) {
		g.flowControlDrop(s)
		return
	}
	s.outSeq++
	s.out = protocol.AppendOrderAck(s.out, s.outSeq, uint64(time.Now().UnixNano()), protocol.OrderAck{
		OrderID: orderID,
		Status:  status,
		Reason:  reason,
	})
	g.messagesSent.Add(1)
}

func (g *Gateway) enqueueTradeReport(s *Session, t types.Trade) {
	if len(s.out)+protocol.TradeReportFrameSize > cap(s.out) {
		g.flowControlDrop(s)
		return
	}
	s.outSeq++
	s.out = protocol.AppendTradeReport(s.out, s.outSeq, uint64(time.Now().UnixNano()), protocol.TradeReport{
		TradeID:     t.ID,
		BuyOrderID:  t.BuyOrderID,
		SellOrderID: t.SellOrderID,
		Symbol:      t.Symbol,
		Quantity:    t.Quantity,
		Price:       t.Price,
		TimestampNS: uint64(t.Timestamp),
	})
	g.messagesSent.Add(1)
}

func (g *Gateway) flowControlDrop(s *Session) {
	s.drops++
	g.metrics.FlowControlDrops.Inc()
}

// flush writes as much buffered outbound as the socket accepts within a
// short deadline and advances the buffer past what was written.
func (g *Gateway) flush(s *Session) {
	if len(s.out) == 0 {
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(flushWriteDeadline))
	n, err := s.conn.Write(s.out)
	if n > 0 {
		s.out = s.out[:copy(s.out, s.out[n:])]
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return // slow consumer; try again next iteration
		}
		s.markClosed()
	}
}

// sweepIdle closes sessions that have been silent longer than the
// configured heartbeat interval.
func (g *Gateway) sweepIdle(reg *registry) {
	if g.cfg.HeartbeatInterval <= 0 {
		return
	}
	cutoff := time.Now().Add(-g.cfg.HeartbeatInterval).UnixNano()
	for _, s := range reg.list {
		if s.lastActivity.Load() < cutoff {
			g.logger.Info("closing idle session", "session", s.id)
			s.markClosed()
		}
	}
}

// removeClosed tears down sessions flagged closed once their outbound has
// been flushed or abandoned. In-flight orders are untouched: later acks for
// the session are discarded in deliver.
func (g *Gateway) removeClosed(reg *registry) {
	var dead []*Session
	for _, s := range reg.list {
		if s.closed.Load() {
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return
	}

	g.mu.Lock()
	old := g.sessions.Load()
	next := &registry{byIdx: make(map[uint64]*Session, len(old.byIdx))}
	isDead := make(map[uint64]bool, len(dead))
	for _, s := range dead {
		isDead[s.idx] = true
	}
	for _, s := range old.list {
		if isDead[s.idx] {
			continue
		}
		next.list = append(next.list, s)
		next.byIdx[s.idx] = s
	}
	g.sessions.Store(next)
	g.mu.Unlock()

	for _, s := range dead {
		g.flush(s)
		s.conn.Close()
		g.metrics.OpenSessions.Dec()
		g.logger.Info("session closed", "session", s.id, "drops", s.drops)
	}
}

// drainAndClose runs once at shutdown: deliver whatever the matching
// engines managed to emit, flush, and close every session.
func (g *Gateway) drainAndClose() {
	reg := g.sessions.Load()
	for {
		ev, ok := g.ret.Pop()
		if !ok {
			break
		}
		g.deliver(reg, ev)
	}
	for _, s := range reg.list {
		g.flush(s)
		s.markClosed()
		s.conn.Close()
		g.metrics.OpenSessions.Dec()
	}
	g.sessions.Store(&registry{byIdx: make(map[uint64]*Session)})
}
