// Package marketdata defines the event contracts the matching engines emit
// and the UDP multicast publisher that serializes them.
//
// Two streams leave a matching engine:
//
//   - Event (trade / BBO) → the shared market-data MPMC queue → Publisher →
//     multicast datagrams.
//   - SessionEvent (order acks / trade reports) → the return-path MPMC
//     queue → gateway, which serializes them onto the originating session.
//
// Routing everything through typed queue messages keeps the matching threads
// from ever touching session buffers or sockets.
package marketdata

import "exchange-core/pkg/types"

// EventKind discriminates market-data events.
type EventKind uint8

const (
	EventTrade EventKind = iota + 1
	EventBBO
)

// BBO is a top-of-book snapshot. Zero price and quantity mean the side is
// empty.
type BBO struct {
	Symbol   string
	BidPrice uint64
	BidQty   uint64
	AskPrice uint64
	AskQty   uint64
}

// Event is one entry on the market-data queue.
type Event struct {
	Kind  EventKind
	Trade types.Trade
	BBO   BBO
}

// SessionEventKind discriminates return-path events.
type SessionEventKind uint8

const (
	SessionAck SessionEventKind = iota + 1
	SessionTrade
)

// SessionEvent is one entry on the return-path queue, tagged with the
// session index it must be delivered to. Acks for sessions that have been
// torn down are discarded by the gateway.
type SessionEvent struct {
	Kind       SessionEventKind
	SessionIdx uint64

	// SessionAck fields
	OrderID uint64
	Status  uint8
	Reason  types.Reason

	// SessionTrade payload
	Trade types.Trade
}

// Ack builds an ack event for one session.
func Ack(sessionIdx, orderID uint64, status uint8, reason types.Reason) SessionEvent {
	return SessionEvent{
		Kind:       SessionAck,
		SessionIdx: sessionIdx,
		OrderID:    orderID,
		Status:     status,
		Reason:     reason,
	}
}

// Report builds a trade report event for one session.
func Report(sessionIdx uint64, trade types.Trade) SessionEvent {
	return SessionEvent{
		Kind:       SessionTrade,
		SessionIdx: sessionIdx,
		Trade:      trade,
	}
}
