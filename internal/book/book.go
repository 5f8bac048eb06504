// Package book implements the per-symbol limit order book.
//
// A Book holds two price ladders — bids descending, asks ascending — each a
// treemap of price → Level, where a Level is a FIFO of resting orders plus
// the aggregate resting quantity at that price. A hash index from order id to
// its list element gives O(1) cancels. The ladder shape follows the NASDAQ
// style hashmap-plus-ordered-structure design: best-price access is a
// treemap Min, per-level queues preserve time priority.
//
// The Book is single-owner: only the matching engine goroutine that owns it
// may call any method. That removes all synchronization from the matching
// path.
package book

import (
	"container/list"
	"time"

	"github.com/emirpasic/gods/v2/maps/treemap"

	"exchange-core/internal/pool"
	"exchange-core/pkg/types"
)

// Level is one price level: a FIFO of resting order handles and the
// aggregate remaining quantity across them. Empty levels never persist —
// the Book removes a level the moment its queue drains.
type Level struct {
	Price  uint64
	Orders *list.List // FIFO of *types.Order, front trades first
	Volume uint64     // Σ Remaining of resting orders
}

type indexEntry struct {
	level *Level
	elem  *list.Element
}

// AddResult summarizes one Add call for the matching engine.
type AddResult struct {
	Traded      uint64 // quantity executed against the opposite side
	Rested      bool   // remainder inserted into the book
	DuplicateID bool   // order id already present; nothing was done
}

// Book is the resting-order state for one symbol.
type Book struct {
	symbol string
	pool   *pool.Pool

	bids *treemap.Map[uint64, *Level] // descending: Min() is the best bid
	asks *treemap.Map[uint64, *Level] // ascending: Min() is the best ask

	index map[uint64]indexEntry // order id → (level, position)

	nextTradeID uint64

	onTrade TradeFunc
	fatalf  func(format string, args ...any)
}

// TradeFunc receives each execution while the matching step is still in
// progress. Both order records are valid for the duration of the call only —
// the passive record may return to the pool immediately after.
type TradeFunc func(t types.Trade, aggressive, passive *types.Order)

// New creates an empty book. onTrade is invoked once per execution, in
// execution order. fatalf is the invariant-violation trip: the book calls it
// and then returns without touching further state, leaving shutdown to the
// caller.
func New(symbol string, p *pool.Pool, onTrade TradeFunc, fatalf func(format string, args ...any)) *Book {
	return &Book{
		symbol: symbol,
		pool:   p,
		bids: treemap.NewWith[uint64, *Level](func(a, b uint64) int {
			switch {
			case a > b:
				return -1
			case a < b:
				return 1
			default:
				return 0
			}
		}),
		asks:        treemap.New[uint64, *Level](),
		index:       make(map[uint64]indexEntry),
		nextTradeID: 1,
		onTrade:     onTrade,
		fatalf:      fatalf,
	}
}

// Symbol returns the symbol this book trades.
func (b *Book) Symbol() string { return b.symbol }

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// Contains reports whether an order id is resting in the book.
func (b *Book) Contains(orderID uint64) bool {
	_, ok := b.index[orderID]
	return ok
}

// BestBid returns the highest resting buy price and its aggregate quantity,
// or (0, 0) when the bid side is empty.
func (b *Book) BestBid() (price, qty uint64) {
	return bestOf(b.bids)
}

// BestAsk returns the lowest resting sell price and its aggregate quantity,
// or (0, 0) when the ask side is empty.
func (b *Book) BestAsk() (price, qty uint64) {
	return bestOf(b.asks)
}

func bestOf(side *treemap.Map[uint64, *Level]) (uint64, uint64) {
	if side.Empty() {
		return 0, 0
	}
	_, lvl, _ := side.Min()
	return lvl.Price, lvl.Volume
}

// Add matches the incoming order against the opposite side and rests any
// limit remainder. Trades are reported through onTrade at the passive
// order's price; filled passive orders are released back to the pool with
// status Filled. Market remainders are NOT rested — the caller decides their
// fate (release with status Cancelled).
func (b *Book) Add(o *types.Order) AddResult {
	if _, dup := b.index[o.ID]; dup {
		return AddResult{DuplicateID: true}
	}

	before := o.Remaining
	b.match(o)
	res := AddResult{Traded: before - o.Remaining}

	if o.Remaining > 0 && o.Type == types.Limit {
		b.rest(o)
		res.Rested = true
	}
	return res
}

// match walks the opposite side while a cross exists, trading the aggressive
// order against each level's FIFO head at the passive price.
func (b *Book) match(o *types.Order) {
	opp := b.asks
	if o.Side == types.Sell {
		opp = b.bids
	}

	for o.Remaining > 0 && !opp.Empty() {
		_, lvl, _ := opp.Min()

		if o.Type == types.Limit && !crosses(o, lvl.Price) {
			break
		}

		head := lvl.Orders.Front()
		if head == nil {
			b.fatalf("book %s: empty level %d survived", b.symbol, lvl.Price)
			return
		}
		passive := head.Value.(*types.Order)

		qty := o.Remaining
		if passive.Remaining < qty {
			qty = passive.Remaining
		}
		if !b.execute(o, passive, qty, lvl.Price) {
			return
		}
		lvl.Volume -= qty

		if passive.Remaining == 0 {
			lvl.Orders.Remove(head)
			delete(b.index, passive.ID)
			passive.Status = types.StatusFilled
			b.pool.Release(passive)
		}
		if lvl.Orders.Len() == 0 {
			opp.Remove(lvl.Price)
		}
	}
}

func crosses(o *types.Order, oppPrice uint64) bool {
	if o.Side == types.Buy {
		return o.Price >= oppPrice
	}
	return o.Price <= oppPrice
}

// execute applies one fill to both orders and emits the trade. The execution
// price is always the passive order's price. Returns false after tripping
// the fatal handler.
func (b *Book) execute(aggressive, passive *types.Order, qty, price uint64) bool {
	if qty == 0 || qty > aggressive.Remaining || qty > passive.Remaining {
		b.fatalf("book %s: fill quantity %d exceeds remaining (aggr=%d passive=%d)",
			b.symbol, qty, aggressive.Remaining, passive.Remaining)
		return false
	}

	aggressive.Remaining -= qty
	passive.Remaining -= qty

	aggressive.Status = types.StatusPartiallyFilled
	if aggressive.Remaining == 0 {
		aggressive.Status = types.StatusFilled
	}
	passive.Status = types.StatusPartiallyFilled
	if passive.Remaining == 0 {
		passive.Status = types.StatusFilled
	}

	trade := types.Trade{
		ID:        b.nextTradeID,
		Symbol:    b.symbol,
		Quantity:  qty,
		Price:     price,
		Aggressor: aggressive.Side,
		Timestamp: time.Now().UnixNano(),
	}
	if aggressive.Side == types.Buy {
		trade.BuyOrderID = aggressive.ID
		trade.SellOrderID = passive.ID
	} else {
		trade.BuyOrderID = passive.ID
		trade.SellOrderID = aggressive.ID
	}
	b.nextTradeID++

	if b.onTrade != nil {
		b.onTrade(trade, aggressive, passive)
	}
	return true
}

// rest inserts the remainder at the tail of its price level, creating the
// level if absent, and indexes the order for O(1) cancel.
func (b *Book) rest(o *types.Order) {
	side := b.bids
	if o.Side == types.Sell {
		side = b.asks
	}

	lvl, ok := side.Get(o.Price)
	if !ok {
		lvl = &Level{Price: o.Price, Orders: list.New()}
		side.Put(o.Price, lvl)
	}

	elem := lvl.Orders.PushBack(o)
	lvl.Volume += o.Remaining
	b.index[o.ID] = indexEntry{level: lvl, elem: elem}

	if o.Remaining == o.Quantity {
		o.Status = types.StatusAccepted
	} else {
		o.Status = types.StatusPartiallyFilled
	}
}

// Cancel removes a resting order and returns it. Returns (nil, false) when
// the id is not in the book. The caller owns the returned record and is
// responsible for releasing it.
func (b *Book) Cancel(orderID uint64) (*types.Order, bool) {
	ent, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	o := ent.elem.Value.(*types.Order)

	ent.level.Orders.Remove(ent.elem)
	if ent.level.Volume < o.Remaining {
		b.fatalf("book %s: level %d volume underflow on cancel of %d",
			b.symbol, ent.level.Price, orderID)
		return nil, false
	}
	ent.level.Volume -= o.Remaining
	delete(b.index, orderID)

	if ent.level.Orders.Len() == 0 {
		side := b.bids
		if o.Side == types.Sell {
			side = b.asks
		}
		side.Remove(ent.level.Price)
	}
	return o, true
}

// DepthLevel is one row of a depth snapshot.
type DepthLevel struct {
	Price      uint64
	Quantity   uint64
	OrderCount int
}

// Depth returns up to n levels per side, best first.
func (b *Book) Depth(n int) (bids, asks []DepthLevel) {
	return depthOf(b.bids, n), depthOf(b.asks, n)
}

func depthOf(side *treemap.Map[uint64, *Level], n int) []DepthLevel {
	out := make([]DepthLevel, 0, n)
	for _, price := range side.Keys() {
		if len(out) >= n {
			break
		}
		lvl, _ := side.Get(price)
		out = append(out, DepthLevel{
			Price:      lvl.Price,
			Quantity:   lvl.Volume,
			OrderCount: lvl.Orders.Len(),
		})
	}
	return out
}
