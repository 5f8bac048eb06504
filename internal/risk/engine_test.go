package risk

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"exchange-core/internal/config"
	"exchange-core/internal/marketdata"
	"exchange-core/internal/matching"
	"exchange-core/internal/metrics"
	"exchange-core/internal/pool"
	"exchange-core/internal/queue"
	"exchange-core/pkg/types"
)

const px = 1_500_000 // $150.00

type rig struct {
	eng   *Engine
	pool  *pool.Pool
	ret   *queue.MPMC[marketdata.SessionEvent]
	aaplQ *queue.SPSC[matching.Request]
	msftQ *queue.SPSC[matching.Request]
	clock int64
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxOrderSize:       10_000,
		MaxNotionalScaled:  100_000_000_000_000, // $10B at ×10⁴
		MaxOrdersPerSecond: 100,
		PriceCollarEnabled: true,
	}
}

func newRig(t *testing.T, cfg config.RiskConfig) *rig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	r := &rig{
		pool:  pool.New(1024),
		ret:   queue.NewMPMC[marketdata.SessionEvent](1024),
		aaplQ: queue.NewSPSC[matching.Request](256),
		msftQ: queue.NewSPSC[matching.Request](256),
		clock: time.Now().UnixNano(),
	}
	symbols := []config.SymbolConfig{
		{Name: "AAPL", PriceCollarPct: 10},
		{Name: "MSFT", PriceCollarPct: 10},
	}
	queues := map[string]*queue.SPSC[matching.Request]{
		"AAPL": r.aaplQ,
		"MSFT": r.msftQ,
	}
	var shutdown atomic.Bool
	r.eng = New(cfg, symbols, 256, queues, r.ret, r.pool, &shutdown, logger,
		metrics.New(prometheus.NewRegistry()))
	r.eng.now = func() int64 { return r.clock }
	return r
}

func (r *rig) order(id uint64, client string, qty, price uint64) *types.Order {
	o, ok := r.pool.Acquire()
	if !ok {
		panic("test pool exhausted")
	}
	o.ID = id
	o.ClientID = client
	o.Symbol = "AAPL"
	o.Side = types.Buy
	o.Type = types.Limit
	o.Quantity = qty
	o.Remaining = qty
	o.Price = price
	o.SessionIdx = 5
	return o
}

func (r *rig) submit(o *types.Order) {
	r.eng.process(Request{Kind: ReqNewOrder, Order: o})
}

func (r *rig) popAck(t *testing.T) marketdata.SessionEvent {
	t.Helper()
	ev, ok := r.ret.Pop()
	if !ok {
		t.Fatal("no ack on return path")
	}
	if ev.Kind != marketdata.SessionAck {
		t.Fatalf("event kind = %d, want ack", ev.Kind)
	}
	return ev
}

func (r *rig) expectNoAck(t *testing.T) {
	t.Helper()
	if ev, ok := r.ret.Pop(); ok {
		t.Fatalf("unexpected return event: %+v", ev)
	}
}

func TestApprovedOrderForwarded(t *testing.T) {
	t.Parallel()
	r := newRig(t, testRiskConfig())

	o := r.order(1, "C1", 500, px)
	r.submit(o)

	req, ok := r.aaplQ.Pop()
	if !ok {
		t.Fatal("approved order not forwarded to matching queue")
	}
	if req.Order != o {
		t.Error("forwarded a different order record")
	}
	r.expectNoAck(t) // approval acks come from the matching engine
}

func TestRejectUnknownSymbol(t *testing.T) {
	t.Parallel()
	r := newRig(t, testRiskConfig())
	before := r.pool.Available()

	o := r.order(1, "C1", 500, px)
	o.Symbol = "GOOG"
	r.submit(o)

	ack := r.popAck(t)
	if ack.Status != types.AckRejected || ack.Reason != types.ReasonSymbol {
		t.Errorf("ack = (%d, %q), want rejected/symbol", ack.Status, ack.Reason)
	}
	if got := r.pool.Available(); got != before {
		t.Errorf("pool leaked: available %d, want %d", got, before)
	}
	if _, ok := r.aaplQ.Pop(); ok {
		t.Error("rejected order reached the matching queue")
	}
}

func TestRejectBySize(t *testing.T) {
	t.Parallel()
	r := newRig(t, testRiskConfig())
	before := r.pool.Available()

	r.submit(r.order(1, "C1", 20_000, px))

	ack := r.popAck(t)
	if ack.Reason != types.ReasonSize {
		t.Errorf("reason = %q, want size", ack.Reason)
	}
	if got := r.pool.Available(); got != before {
		t.Errorf("pool occupancy changed: %d != %d", got, before)
	}
	if _, ok := r.aaplQ.Pop(); ok {
		t.Error("oversized order reached the matching queue")
	}
}

func TestPriceCollar(t *testing.T) {
	t.Parallel()
	r := newRig(t, testRiskConfig())

	// First order establishes the reference price.
	r.submit(r.order(1, "C1", 100, px))
	if _, ok := r.aaplQ.Pop(); !ok {
		t.Fatal("reference-setting order rejected")
	}

	// Within ±10%: accepted.
	r.submit(r.order(2, "C1", 100, px+100_000)) // +6.7%
	if _, ok := r.aaplQ.Pop(); !ok {
		t.Fatal("in-collar order rejected")
	}

	// Outside +10%: rejected.
	r.submit(r.order(3, "C1", 100, px*2))
	ack := r.popAck(t)
	if ack.Reason != types.ReasonPrice {
		t.Errorf("reason = %q, want price", ack.Reason)
	}

	// Market orders carry no price and skip the collar.
	m := r.order(4, "C1", 100, 0)
	m.Type = types.Market
	r.submit(m)
	if _, ok := r.aaplQ.Pop(); !ok {
		t.Error("market order tripped the collar")
	}
}

func TestRateLimitWindow(t *testing.T) {
	t.Parallel()
	r := newRig(t, testRiskConfig())

	accepted, rejected := 0, 0
	for i := 1; i <= 150; i++ {
		r.submit(r.order(uint64(i), "C1", 1, px))
		if _, ok := r.aaplQ.Pop(); ok {
			accepted++
			continue
		}
		ack := r.popAck(t)
		if ack.Reason != types.ReasonRate {
			t.Fatalf("order %d: reason = %q, want rate", i, ack.Reason)
		}
		rejected++
	}
	if accepted != 100 || rejected != 50 {
		t.Errorf("accepted/rejected = %d/%d, want 100/50", accepted, rejected)
	}

	// The next second admits fresh orders.
	r.clock += int64(1100 * time.Millisecond)
	r.submit(r.order(999, "C1", 1, px))
	if _, ok := r.aaplQ.Pop(); !ok {
		t.Error("fresh window rejected an order")
	}
}

func TestRejectDuplicate(t *testing.T) {
	t.Parallel()
	r := newRig(t, testRiskConfig())

	r.submit(r.order(7, "C1", 100, px))
	r.aaplQ.Pop()

	r.submit(r.order(7, "C1", 100, px))
	ack := r.popAck(t)
	if ack.Reason != types.ReasonDuplicate {
		t.Errorf("reason = %q, want duplicate", ack.Reason)
	}

	// Same id from a different client is not a duplicate.
	r.submit(r.order(7, "C2", 100, px))
	if _, ok := r.aaplQ.Pop(); !ok {
		t.Error("other client's order rejected as duplicate")
	}
}

func TestRejectByCredit(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	// Room for exactly one 100 × $150.00 order.
	cfg.MaxNotionalScaled = types.Notional(px, 100)
	r := newRig(t, cfg)

	r.submit(r.order(1, "C1", 100, px))
	if _, ok := r.aaplQ.Pop(); !ok {
		t.Fatal("order within credit rejected")
	}

	r.submit(r.order(2, "C1", 1, px))
	ack := r.popAck(t)
	if ack.Reason != types.ReasonCredit {
		t.Errorf("reason = %q, want credit", ack.Reason)
	}

	// Another client has its own ledger.
	r.submit(r.order(1, "C2", 100, px))
	if _, ok := r.aaplQ.Pop(); !ok {
		t.Error("other client's credit exhausted by C1")
	}
}

func TestDownstreamBackpressureRollsBack(t *testing.T) {
	t.Parallel()
	r := newRig(t, testRiskConfig())

	// Jam the AAPL queue.
	for r.aaplQ.Push(matching.Request{}) {
	}

	r.submit(r.order(1, "C1", 100, px))
	ack := r.popAck(t)
	if ack.Reason != types.ReasonDownstream {
		t.Fatalf("reason = %q, want downstream backpressure", ack.Reason)
	}

	// Rollback means the same id can be resubmitted once the queue frees.
	r.aaplQ.Pop()
	r.submit(r.order(1, "C1", 100, px))
	found := false
	for {
		req, ok := r.aaplQ.Pop()
		if !ok {
			break
		}
		if req.Order != nil && req.Order.ID == 1 {
			found = true
		}
	}
	if !found {
		t.Error("resubmission after rollback did not reach the matching queue")
	}
}

func TestCancelOwnership(t *testing.T) {
	t.Parallel()
	r := newRig(t, testRiskConfig())

	r.submit(r.order(1, "C1", 100, px))
	r.aaplQ.Pop()

	// Another client cannot cancel C1's order.
	r.eng.process(Request{Kind: ReqCancel, OrderID: 1, ClientID: "C2", Symbol: "AAPL", SessionIdx: 9})
	ack := r.popAck(t)
	if ack.Reason != types.ReasonNotOwned {
		t.Errorf("reason = %q, want not-owned", ack.Reason)
	}

	// The owner can; the cancel routes to the symbol's engine.
	r.eng.process(Request{Kind: ReqCancel, OrderID: 1, ClientID: "C1", Symbol: "AAPL", SessionIdx: 5})
	req, ok := r.aaplQ.Pop()
	if !ok || req.Kind != matching.ReqCancel || req.OrderID != 1 {
		t.Fatalf("cancel not routed: %+v (ok=%v)", req, ok)
	}
	if _, ok := r.msftQ.Pop(); ok {
		t.Error("routed cancel leaked to another engine")
	}

	// A second cancel finds the id no longer active.
	r.eng.process(Request{Kind: ReqCancel, OrderID: 1, ClientID: "C1", Symbol: "AAPL", SessionIdx: 5})
	ack = r.popAck(t)
	if ack.Reason != types.ReasonNotOwned {
		t.Errorf("reason = %q, want not-owned after removal", ack.Reason)
	}
}

func TestCancelScatterWhenUnroutable(t *testing.T) {
	t.Parallel()
	r := newRig(t, testRiskConfig())

	r.submit(r.order(1, "C1", 100, px))
	r.aaplQ.Pop()

	// Symbol that resolves to no engine: scatter to every engine; the
	// owner will cancel, the rest will report not-found.
	r.eng.process(Request{Kind: ReqCancel, OrderID: 1, ClientID: "C1", Symbol: "ZZZZ", SessionIdx: 5})

	if req, ok := r.aaplQ.Pop(); !ok || req.Kind != matching.ReqCancel {
		t.Error("scatter missed the AAPL engine")
	}
	if req, ok := r.msftQ.Pop(); !ok || req.Kind != matching.ReqCancel {
		t.Error("scatter missed the MSFT engine")
	}
}
