package marketdata

import "encoding/binary"

// UDP datagram layouts. Each datagram is prefixed by its own header with a
// sequence space owned by the publisher, separate from every session
// sequence:
//
//	type u32 | length u32 | sequence u64 | timestamp_ns u64
//
// followed by a fixed body per type. All fields little-endian.
const (
	DatagramBBO   uint32 = 201
	DatagramTrade uint32 = 202
	// DatagramDepth is the reserved top-N layout: symbol, bid level count
	// u8, ask level count u8, then (price u64, qty u64, orders u32) rows.
	// Emission is optional and this publisher does not emit it.
	DatagramDepth uint32 = 203

	UDPHeaderSize = 24

	symbolWidth = 8

	bboBodySize   = symbolWidth + 8*4
	tradeBodySize = 8 + symbolWidth + 8 + 8 + 1

	// BBODatagramSize and TradeDatagramSize are the full datagram lengths.
	BBODatagramSize   = UDPHeaderSize + bboBodySize
	TradeDatagramSize = UDPHeaderSize + tradeBodySize
)

func putUDPHeader(b []byte, dtype uint32, length int, seq uint64, tsNS uint64) {
	binary.LittleEndian.PutUint32(b[0:4], dtype)
	binary.LittleEndian.PutUint32(b[4:8], uint32(length))
	binary.LittleEndian.PutUint64(b[8:16], seq)
	binary.LittleEndian.PutUint64(b[16:24], tsNS)
}

func putSymbol(b []byte, symbol string) {
	n := len(symbol)
	if n > symbolWidth {
		n = symbolWidth
	}
	copy(b[:n], symbol[:n])
	for i := n; i < symbolWidth; i++ {
		b[i] = 0
	}
}

// EncodeBBO writes a BBO datagram into dst (which must hold at least
// BBODatagramSize bytes) and returns the datagram length.
func EncodeBBO(dst []byte, seq uint64, tsNS uint64, bbo BBO) int {
	putUDPHeader(dst, DatagramBBO, BBODatagramSize, seq, tsNS)
	b := dst[UDPHeaderSize:]
	putSymbol(b[0:symbolWidth], bbo.Symbol)
	binary.LittleEndian.PutUint64(b[8:16], bbo.BidPrice)
	binary.LittleEndian.PutUint64(b[16:24], bbo.BidQty)
	binary.LittleEndian.PutUint64(b[24:32], bbo.AskPrice)
	binary.LittleEndian.PutUint64(b[32:40], bbo.AskQty)
	return BBODatagramSize
}

// EncodeTrade writes a trade datagram into dst (which must hold at least
// TradeDatagramSize bytes) and returns the datagram length.
func EncodeTrade(dst []byte, seq uint64, tsNS uint64, ev Event) int {
	putUDPHeader(dst, DatagramTrade, TradeDatagramSize, seq, tsNS)
	b := dst[UDPHeaderSize:]
	binary.LittleEndian.PutUint64(b[0:8], ev.Trade.ID)
	putSymbol(b[8:16], ev.Trade.Symbol)
	binary.LittleEndian.PutUint64(b[16:24], ev.Trade.Quantity)
	binary.LittleEndian.PutUint64(b[24:32], ev.Trade.Price)
	b[32] = uint8(ev.Trade.Aggressor)
	return TradeDatagramSize
}
