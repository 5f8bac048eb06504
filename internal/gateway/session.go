package gateway

import (
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"exchange-core/internal/queue"
	"exchange-core/internal/protocol"
)

const (
	// inBufSize bounds the raw read buffer. A frame never exceeds
	// protocol.MaxFrameSize, so a full buffer without a complete frame
	// means the stream is garbage.
	inBufSize = 8192
	// outBufSize bounds the serialized outbound buffer per session. A full
	// buffer marks the session slow: further outbound events are dropped
	// and counted, inbound continues to be parsed.
	outBufSize = 8192
)

// Session is one authenticated TCP connection.
//
// Ownership is split three ways: the reader goroutine owns the inbound
// buffer and produces onto the inbound ring; the dispatch worker owns the
// outbound buffer, sequence, and all protocol state; accept/teardown own
// registration. No lock guards any of it — the split is the synchronization.
type Session struct {
	id        uuid.UUID
	idx       uint64
	conn      net.Conn
	principal string

	// inbound carries decoded frames from the reader to the dispatch
	// worker. Reader is the only producer, worker the only consumer.
	inbound *queue.SPSC[protocol.Message]

	// Worker-owned outbound state.
	out    []byte
	outSeq uint64
	drops  uint64 // outbound events dropped by flow control

	protoErrs    atomic.Uint32
	lastActivity atomic.Int64
	closed       atomic.Bool
}

func newSession(idx uint64, conn net.Conn, principal string, inboundCap int, nowNS int64) *Session {
	s := &Session{
		id:        uuid.New(),
		idx:       idx,
		conn:      conn,
		principal: principal,
		inbound:   queue.NewSPSC[protocol.Message](inboundCap),
		out:       make([]byte, 0, outBufSize),
	}
	s.lastActivity.Store(nowNS)
	return s
}

// markClosed flags the session for teardown. Idempotent; safe from any
// goroutine. The dispatch worker performs the actual removal after the
// outbound buffer has been flushed or dropped.
func (s *Session) markClosed() {
	s.closed.Store(true)
}

// Drops returns the number of outbound events dropped by flow control.
func (s *Session) Drops() uint64 { return s.drops }
