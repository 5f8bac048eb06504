package marketdata

import (
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"exchange-core/internal/metrics"
	"exchange-core/internal/queue"
)

// Publisher drains the market-data queue and multicasts each event as one
// UDP datagram. Delivery is best effort: no retransmission, no pacing. The
// publisher is a single goroutine, so outbound datagram order equals the
// FIFO order it observes on the queue, and its sequence numbers are strictly
// monotone.
type Publisher struct {
	group string
	port  int
	sndbuf int

	in       *queue.MPMC[Event]
	conn     *net.UDPConn
	seq      uint64
	buf      [BBODatagramSize]byte // BBO is the larger of the two layouts
	shutdown *atomic.Bool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	sent atomic.Uint64
}

// NewPublisher creates a publisher for the given multicast destination.
// Open must be called before Run.
func NewPublisher(group string, port, sndbuf int, in *queue.MPMC[Event], shutdown *atomic.Bool, logger *slog.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		group:    group,
		port:     port,
		sndbuf:   sndbuf,
		in:       in,
		shutdown: shutdown,
		logger:   logger.With("component", "publisher"),
		metrics:  m,
	}
}

// Open connects the multicast socket. TTL is 1: market data stays on the
// local network unless the deployment says otherwise.
func (p *Publisher) Open() error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", p.group, p.port))
	if err != nil {
		return fmt.Errorf("resolve multicast group: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("open multicast socket: %w", err)
	}
	if p.sndbuf > 0 {
		if err := conn.SetWriteBuffer(p.sndbuf); err != nil {
			p.logger.Warn("failed to set UDP send buffer", "error", err)
		}
	}
	if err := ipv4.NewPacketConn(conn).SetMulticastTTL(1); err != nil {
		p.logger.Warn("failed to set multicast TTL", "error", err)
	}
	p.conn = conn
	p.logger.Info("publisher open", "group", p.group, "port", p.port)
	return nil
}

// Close releases the socket.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// Run drains the queue until the shutdown flag is set and the queue is
// empty. Intended to be run on its own goroutine.
func (p *Publisher) Run() {
	for {
		ev, ok := p.in.Pop()
		if !ok {
			if p.shutdown.Load() {
				return
			}
			runtime.Gosched()
			continue
		}
		p.publish(ev)
	}
}

func (p *Publisher) publish(ev Event) {
	p.seq++
	now := uint64(time.Now().UnixNano())

	var n int
	switch ev.Kind {
	case EventBBO:
		n = EncodeBBO(p.buf[:], p.seq, now, ev.BBO)
	case EventTrade:
		n = EncodeTrade(p.buf[:], p.seq, now, ev)
	default:
		return
	}

	if _, err := p.conn.Write(p.buf[:n]); err != nil {
		// Best effort: log and move on. A dead socket shows up as a flat
		// datagram counter.
		p.logger.Warn("multicast send failed", "error", err)
		return
	}
	p.sent.Add(1)
	p.metrics.DatagramsSent.Inc()
}

// Sent returns the number of datagrams written so far.
func (p *Publisher) Sent() uint64 { return p.sent.Load() }
