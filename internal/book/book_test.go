package book

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-core/internal/pool"
	"exchange-core/pkg/types"
)

const px = 1_500_000 // $150.00

type harness struct {
	pool   *pool.Pool
	book   *Book
	trades []types.Trade
	fatals []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{pool: pool.New(1024)}
	h.book = New("AAPL", h.pool,
		func(tr types.Trade, _, _ *types.Order) { h.trades = append(h.trades, tr) },
		func(format string, args ...any) { h.fatals = append(h.fatals, fmt.Sprintf(format, args...)) },
	)
	return h
}

func (h *harness) order(id uint64, side types.Side, qty, price uint64) *types.Order {
	o, ok := h.pool.Acquire()
	if !ok {
		panic("test pool exhausted")
	}
	o.ID = id
	o.ClientID = "C1"
	o.Symbol = "AAPL"
	o.Side = side
	o.Type = types.Limit
	o.Quantity = qty
	o.Remaining = qty
	o.Price = price
	o.Status = types.StatusPending
	return o
}

func (h *harness) market(id uint64, side types.Side, qty uint64) *types.Order {
	o := h.order(id, side, qty, 0)
	o.Type = types.Market
	return o
}

func TestSimpleCrossFullFill(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	sell := h.order(1, types.Sell, 500, px)
	res := h.book.Add(sell)
	assert.True(t, res.Rested)
	assert.Zero(t, res.Traded)

	buy := h.order(2, types.Buy, 500, px)
	res = h.book.Add(buy)
	assert.False(t, res.Rested)
	assert.Equal(t, uint64(500), res.Traded)

	require.Len(t, h.trades, 1)
	tr := h.trades[0]
	assert.Equal(t, uint64(1), tr.ID)
	assert.Equal(t, uint64(2), tr.BuyOrderID)
	assert.Equal(t, uint64(1), tr.SellOrderID)
	assert.Equal(t, uint64(500), tr.Quantity)
	assert.Equal(t, uint64(px), tr.Price)
	assert.Equal(t, types.Buy, tr.Aggressor)

	assert.Equal(t, types.StatusFilled, buy.Status)

	bb, _ := h.book.BestBid()
	ba, _ := h.book.BestAsk()
	assert.Zero(t, bb)
	assert.Zero(t, ba)
	assert.Zero(t, h.book.Len())
	assert.Empty(t, h.fatals)
}

func TestPartialFillRestsRemainder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	sell := h.order(1, types.Sell, 1000, px)
	h.book.Add(sell)

	buy := h.order(2, types.Buy, 300, px)
	res := h.book.Add(buy)

	assert.Equal(t, uint64(300), res.Traded)
	assert.Equal(t, types.StatusFilled, buy.Status)

	require.Len(t, h.trades, 1)
	assert.Equal(t, uint64(300), h.trades[0].Quantity)

	assert.Equal(t, uint64(700), sell.Remaining)
	assert.Equal(t, types.StatusPartiallyFilled, sell.Status)

	ba, aq := h.book.BestAsk()
	assert.Equal(t, uint64(px), ba)
	assert.Equal(t, uint64(700), aq)
}

func TestPriceTimePriority(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.book.Add(h.order(1, types.Buy, 100, px))
	o2 := h.order(2, types.Buy, 200, px)
	h.book.Add(o2)
	h.book.Add(h.order(3, types.Buy, 300, px))

	sell := h.order(4, types.Sell, 150, px)
	res := h.book.Add(sell)
	assert.Equal(t, uint64(150), res.Traded)

	require.Len(t, h.trades, 2)
	assert.Equal(t, uint64(1), h.trades[0].BuyOrderID)
	assert.Equal(t, uint64(100), h.trades[0].Quantity)
	assert.Equal(t, uint64(2), h.trades[1].BuyOrderID)
	assert.Equal(t, uint64(50), h.trades[1].Quantity)

	assert.Equal(t, uint64(150), o2.Remaining)

	bb, bq := h.book.BestBid()
	assert.Equal(t, uint64(px), bb)
	assert.Equal(t, uint64(450), bq)
}

func TestBetterPriceTradesFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.book.Add(h.order(1, types.Sell, 100, px+10_000)) // $151
	h.book.Add(h.order(2, types.Sell, 100, px))        // $150, better ask

	buy := h.order(3, types.Buy, 150, px+10_000)
	h.book.Add(buy)

	require.Len(t, h.trades, 2)
	// Best (lowest) ask trades first, at its own price.
	assert.Equal(t, uint64(2), h.trades[0].SellOrderID)
	assert.Equal(t, uint64(px), h.trades[0].Price)
	assert.Equal(t, uint64(1), h.trades[1].SellOrderID)
	assert.Equal(t, uint64(px+10_000), h.trades[1].Price)
}

// Every trade executes at the passive order's limit price.
func TestPassivePriceWins(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.book.Add(h.order(1, types.Sell, 100, px))
	h.book.Add(h.order(2, types.Buy, 100, px+50_000)) // willing to pay $155

	require.Len(t, h.trades, 1)
	assert.Equal(t, uint64(px), h.trades[0].Price)
}

func TestMarketOrderAgainstEmptySide(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	m := h.market(1, types.Buy, 100)
	res := h.book.Add(m)

	assert.Zero(t, res.Traded)
	assert.False(t, res.Rested)
	assert.Equal(t, uint64(100), m.Remaining)
	assert.Empty(t, h.trades)
	assert.Zero(t, h.book.Len())
}

func TestMarketOrderWalksLevels(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.book.Add(h.order(1, types.Sell, 100, px))
	h.book.Add(h.order(2, types.Sell, 100, px+10_000))

	m := h.market(3, types.Buy, 150)
	res := h.book.Add(m)

	assert.Equal(t, uint64(150), res.Traded)
	assert.False(t, res.Rested)
	require.Len(t, h.trades, 2)
	assert.Equal(t, uint64(px), h.trades[0].Price)
	assert.Equal(t, uint64(px+10_000), h.trades[1].Price)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.book.Add(h.order(1, types.Buy, 100, px))
	o2 := h.order(2, types.Buy, 200, px)
	h.book.Add(o2)

	got, ok := h.book.Cancel(2)
	require.True(t, ok)
	assert.Same(t, o2, got)
	assert.False(t, h.book.Contains(2))

	bb, bq := h.book.BestBid()
	assert.Equal(t, uint64(px), bb)
	assert.Equal(t, uint64(100), bq)

	// Cancelling the last order at the level removes the level.
	_, ok = h.book.Cancel(1)
	require.True(t, ok)
	bb, bq = h.book.BestBid()
	assert.Zero(t, bb)
	assert.Zero(t, bq)

	_, ok = h.book.Cancel(99)
	assert.False(t, ok)
}

func TestDuplicateIDRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.book.Add(h.order(7, types.Buy, 100, px))
	dup := h.order(7, types.Buy, 50, px)
	res := h.book.Add(dup)

	assert.True(t, res.DuplicateID)
	assert.Zero(t, res.Traded)

	_, bq := h.book.BestBid()
	assert.Equal(t, uint64(100), bq)
}

// Conservation: traded quantity plus remaining at terminal state equals the
// original quantity, and both sides of every trade decrement equally.
func TestQuantityConservation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	traded := make(map[uint64]uint64)
	h.book = New("AAPL", h.pool, func(tr types.Trade, _, _ *types.Order) {
		traded[tr.BuyOrderID] += tr.Quantity
		traded[tr.SellOrderID] += tr.Quantity
	}, func(string, ...any) { t.Fatal("fatal tripped") })

	h.book.Add(h.order(1, types.Sell, 400, px))
	sell2 := h.order(2, types.Sell, 300, px+10_000)
	h.book.Add(sell2)
	buy3 := h.order(3, types.Buy, 600, px+10_000)
	h.book.Add(buy3)

	// buy3 sweeps: 400 @ px against order 1, then 200 @ px+10_000 against order 2.
	assert.Equal(t, uint64(400), traded[1], "order 1 fully filled")
	assert.Equal(t, uint64(200), traded[2])
	assert.Equal(t, uint64(600), traded[3])

	// Aggressive record is still caller-owned and readable.
	assert.Equal(t, traded[3]+buy3.Remaining, buy3.Quantity)
	// Order 2 rests with the balance.
	require.True(t, h.book.Contains(2))
	assert.Equal(t, traded[2]+sell2.Remaining, sell2.Quantity)
	// Order 1 filled completely and left the book.
	assert.False(t, h.book.Contains(1))
}

func TestDepth(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.book.Add(h.order(1, types.Buy, 100, px-20_000))
	h.book.Add(h.order(2, types.Buy, 200, px-10_000))
	h.book.Add(h.order(3, types.Buy, 300, px-10_000))
	h.book.Add(h.order(4, types.Sell, 400, px+10_000))

	bids, asks := h.book.Depth(10)
	require.Len(t, bids, 2)
	require.Len(t, asks, 1)

	// Bids best-first (descending price).
	assert.Equal(t, uint64(px-10_000), bids[0].Price)
	assert.Equal(t, uint64(500), bids[0].Quantity)
	assert.Equal(t, 2, bids[0].OrderCount)
	assert.Equal(t, uint64(px-20_000), bids[1].Price)

	assert.Equal(t, uint64(px+10_000), asks[0].Price)
}

// Filled passive orders must return to the pool, while the aggressive record
// stays with the caller until it releases it.
func TestPassiveFillReleasesToPool(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	before := h.pool.Available()

	h.book.Add(h.order(1, types.Sell, 100, px))
	assert.Equal(t, before-1, h.pool.Available())

	buy := h.order(2, types.Buy, 100, px)
	h.book.Add(buy)
	// Passive released by the book; aggressive still held by the caller.
	assert.Equal(t, before-1, h.pool.Available())
	h.pool.Release(buy)
	assert.Equal(t, before, h.pool.Available())
}
