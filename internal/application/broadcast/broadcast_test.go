package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

type fakeTransport struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   bool
	closed bool
	code   int
}

func (f *fakeTransport) Send(msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail || f.closed {
		return errors.New("queue full")
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	return nil
}

func (f *fakeTransport) types(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		var w struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(m, &w); err != nil {
			t.Fatalf("bad frame %s: %v", m, err)
		}
		out = append(out, w.Type)
	}
	return out
}

func (f *fakeTransport) prices(t *testing.T) []float64 {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []float64
	for _, m := range f.msgs {
		var w struct {
			Type string       `json:"type"`
			Data domain.Quote `json:"data"`
		}
		if err := json.Unmarshal(m, &w); err != nil {
			t.Fatalf("bad frame %s: %v", m, err)
		}
		if w.Type == "price_update" {
			out = append(out, w.Data.Price)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)}
	r := NewRegistry()
	r.now = clk.Now
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("conn-%d", n)
	}
	return r, clk
}

func priceEvent(symbol string, price float64) domain.MarketEvent {
	return domain.NewPriceEvent(domain.Quote{Symbol: symbol, Price: price, Timestamp: 1}, domain.SourceStream)
}

func TestRegistrySubscribeIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry()
	ft := &fakeTransport{}
	id := reg.Register(ft)

	if err := reg.Subscribe(id, "price:005930"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	err := reg.Subscribe(id, "price:005930")
	if !errors.Is(err, domain.ErrSubscriptionConflict) {
		t.Fatalf("second subscribe err = %v, want ErrSubscriptionConflict", err)
	}

	if got := reg.Snapshot().Topics["price:005930"]; got != 1 {
		t.Errorf("subscribers = %d, want 1", got)
	}

	router := NewRouter(nil, reg)
	router.Deliver(priceEvent("005930", 80500))
	if got := len(ft.prices(t)); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
}

func TestRegistryUnsubscribeRemovesEmptyTopic(t *testing.T) {
	reg, _ := newTestRegistry()
	a := reg.Register(&fakeTransport{})
	b := reg.Register(&fakeTransport{})

	_ = reg.Subscribe(a, "price:005930")
	_ = reg.Subscribe(b, "price:005930")

	if ok, err := reg.Unsubscribe(a, "price:005930"); !ok || err != nil {
		t.Fatalf("unsubscribe a = %v, %v", ok, err)
	}
	if got := reg.Snapshot().Topics["price:005930"]; got != 1 {
		t.Errorf("after first unsubscribe = %d, want 1", got)
	}
	info, _ := reg.Get(a)
	if len(info.Topics) != 0 {
		t.Errorf("connection still holds %v", info.Topics)
	}

	_, _ = reg.Unsubscribe(b, "price:005930")
	if _, ok := reg.Snapshot().Topics["price:005930"]; ok {
		t.Error("topic entry should be removed with its last subscriber")
	}

	if ok, err := reg.Unsubscribe(b, "price:005930"); ok || err != nil {
		t.Errorf("repeat unsubscribe = %v, %v; want false, nil", ok, err)
	}
}

func TestRegistryDeregisterClearsIndices(t *testing.T) {
	reg, _ := newTestRegistry()
	ft := &fakeTransport{}
	id := reg.Register(ft)
	_ = reg.Subscribe(id, "price:005930")
	_ = reg.Subscribe(id, "price:000660")

	if !reg.Deregister(id) {
		t.Fatal("deregister returned false")
	}
	if reg.Deregister(id) {
		t.Error("second deregister should be a no-op")
	}

	snap := reg.Snapshot()
	if snap.Connections != 0 || len(snap.Topics) != 0 {
		t.Errorf("snapshot after deregister = %+v", snap)
	}
	if ft.closed {
		t.Error("deregister must not close the transport")
	}
	if err := reg.Subscribe(id, "price:1"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("subscribe after deregister err = %v", err)
	}
}

func TestRegistryEvictClosesTransport(t *testing.T) {
	reg, _ := newTestRegistry()
	ft := &fakeTransport{}
	id := reg.Register(ft)

	if !reg.Evict(id, CloseGoingAway, "bye") {
		t.Fatal("evict returned false")
	}
	if !ft.closed || ft.code != CloseGoingAway {
		t.Errorf("transport closed=%v code=%d", ft.closed, ft.code)
	}
	if _, ok := reg.Get(id); ok {
		t.Error("evicted connection still registered")
	}
}

func TestConnectionStateIsMonotonic(t *testing.T) {
	c := &connection{state: StateConnecting}
	if !c.advance(StateActive) || !c.advance(StateClosing) {
		t.Fatal("forward transitions rejected")
	}
	if c.advance(StateActive) {
		t.Error("backward transition accepted")
	}
	if !c.advance(StateClosed) || c.state != StateClosed {
		t.Errorf("state = %v", c.state)
	}
}

func TestRouterDeliversOnlyToSubscribers(t *testing.T) {
	reg, _ := newTestRegistry()
	subscribed := &fakeTransport{}
	other := &fakeTransport{}
	id := reg.Register(subscribed)
	reg.Register(other)
	_ = reg.Subscribe(id, domain.PriceTopic("005930"))

	router := NewRouter(nil, reg)
	if n := router.Deliver(priceEvent("005930", 80500)); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}

	if got := subscribed.prices(t); len(got) != 1 || got[0] != 80500 {
		t.Errorf("subscriber got %v", got)
	}
	if got := other.prices(t); len(got) != 0 {
		t.Errorf("unsubscribed connection got %v", got)
	}
}

func TestRouterPreservesPublishOrder(t *testing.T) {
	reg, _ := newTestRegistry()
	ft := &fakeTransport{}
	id := reg.Register(ft)
	_ = reg.Subscribe(id, domain.PriceTopic("005930"))

	router := NewRouter(nil, reg)
	for i := 1; i <= 50; i++ {
		router.Deliver(priceEvent("005930", float64(i)))
	}

	got := ft.prices(t)
	if len(got) != 50 {
		t.Fatalf("got %d events", len(got))
	}
	for i, p := range got {
		if p != float64(i+1) {
			t.Fatalf("event %d = %v, out of order", i, p)
		}
	}
}

func TestRouterEvictsFailedSendWithoutAffectingOthers(t *testing.T) {
	reg, _ := newTestRegistry()
	slow := &fakeTransport{fail: true}
	fast := &fakeTransport{}
	slowID := reg.Register(slow)
	fastID := reg.Register(fast)
	topic := domain.PriceTopic("005930")
	_ = reg.Subscribe(slowID, topic)
	_ = reg.Subscribe(fastID, topic)

	router := NewRouter(nil, reg)
	router.Deliver(priceEvent("005930", 1))
	router.Deliver(priceEvent("005930", 2))

	if got := fast.prices(t); len(got) != 2 {
		t.Errorf("healthy subscriber got %v", got)
	}
	if _, ok := reg.Get(slowID); ok {
		t.Error("failed connection should be deregistered")
	}
	if !slow.closed {
		t.Error("failed connection should be closed")
	}
	if st := router.Stats(); st.FailedSends != 1 {
		t.Errorf("failed sends = %d, want 1", st.FailedSends)
	}
}

func TestRouterGlobalEventReachesEveryone(t *testing.T) {
	reg, _ := newTestRegistry()
	a, b := &fakeTransport{}, &fakeTransport{}
	reg.Register(a)
	reg.Register(b)

	router := NewRouter(nil, reg)
	ev := priceEvent("KOSPI", 2500)
	ev.Topic = domain.TopicBroadcast
	if n := router.Deliver(ev); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}
}

// chanRelay is a minimal port.Relay backed by a channel.
type chanRelay struct {
	ch chan port.Message
}

func (c *chanRelay) Publish(_ context.Context, topic string, payload []byte) error {
	c.ch <- port.Message{Topic: topic, Payload: payload}
	return nil
}

func (c *chanRelay) Subscribe(_ context.Context, _ ...string) (<-chan port.Message, error) {
	return c.ch, nil
}

func (c *chanRelay) Close() error { return nil }

func TestRouterRunConsumesRelay(t *testing.T) {
	reg, _ := newTestRegistry()
	ft := &fakeTransport{}
	id := reg.Register(ft)
	_ = reg.Subscribe(id, domain.PriceTopic("005930"))

	relay := &chanRelay{ch: make(chan port.Message, 8)}
	router := NewRouter(relay, reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- router.Run(ctx) }()

	health, _ := json.Marshal(domain.HealthTransition{From: domain.HealthReconnecting, To: domain.HealthFallback})
	_ = relay.Publish(ctx, domain.TopicBridgeHealth, health)
	ev, _ := json.Marshal(priceEvent("005930", 80500))
	_ = relay.Publish(ctx, "price:005930", ev)
	_ = relay.Publish(ctx, "price:005930", []byte("{broken"))

	deadline := time.Now().Add(2 * time.Second)
	for router.Stats().Received < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	close(relay.ch)
	<-done

	st := router.Stats()
	if st.BridgeHealth != domain.HealthFallback {
		t.Errorf("bridge health = %q", st.BridgeHealth)
	}
	if st.Invalid != 1 {
		t.Errorf("invalid = %d, want 1", st.Invalid)
	}
	if got := ft.prices(t); len(got) != 1 || got[0] != 80500 {
		t.Errorf("subscriber got %v", got)
	}
}

func TestHeartbeatEvictsSilentConnection(t *testing.T) {
	reg, clk := newTestRegistry()
	cfg := HeartbeatConfig{PingInterval: 30 * time.Second, PongTimeout: 90 * time.Second}
	hb := NewHeartbeat(reg, cfg)

	silent := &fakeTransport{}
	id := reg.Register(silent)
	_ = reg.Subscribe(id, "price:005930")

	var elapsed time.Duration
	for elapsed = 0; elapsed <= cfg.PongTimeout+cfg.PingInterval; elapsed += cfg.PingInterval {
		if _, ok := reg.Get(id); !ok {
			break
		}
		clk.Advance(cfg.PingInterval)
		hb.sweep(clk.Now())
	}

	if _, ok := reg.Get(id); ok {
		t.Fatalf("silent connection still registered after %v", elapsed)
	}
	if elapsed > cfg.PongTimeout+cfg.PingInterval {
		t.Errorf("evicted after %v, want within %v", elapsed, cfg.PongTimeout+cfg.PingInterval)
	}
	if snap := reg.Snapshot(); snap.Connections != 0 || len(snap.Topics) != 0 {
		t.Errorf("snapshot still shows evicted connection: %+v", snap)
	}
	if !silent.closed {
		t.Error("evicted transport not closed")
	}
	if got := silent.types(t); len(got) == 0 || got[0] != "ping" {
		t.Errorf("expected pings before eviction, got %v", got)
	}
	if hb.Evicted() != 1 {
		t.Errorf("evicted counter = %d", hb.Evicted())
	}
}

func TestHeartbeatKeepsRespondingConnection(t *testing.T) {
	reg, clk := newTestRegistry()
	hb := NewHeartbeat(reg, HeartbeatConfig{PingInterval: 30 * time.Second, PongTimeout: 90 * time.Second})

	id := reg.Register(&fakeTransport{})
	for i := 0; i < 10; i++ {
		clk.Advance(30 * time.Second)
		hb.sweep(clk.Now())
		if err := reg.RecordPong(id); err != nil {
			t.Fatalf("pong rejected at round %d: %v", i, err)
		}
	}
	if _, ok := reg.Get(id); !ok {
		t.Error("responsive connection was evicted")
	}
}

func TestHeartbeatFailedPingCountsAsMissed(t *testing.T) {
	reg, clk := newTestRegistry()
	hb := NewHeartbeat(reg, HeartbeatConfig{PingInterval: time.Second, PongTimeout: 10 * time.Second})

	id := reg.Register(&fakeTransport{fail: true})
	clk.Advance(time.Second)
	hb.sweep(clk.Now())

	if hb.MissedPings() != 1 {
		t.Errorf("missed = %d, want 1", hb.MissedPings())
	}
	if _, ok := reg.Get(id); !ok {
		t.Error("a single failed ping must not evict before the pong timeout")
	}
}

func TestHeartbeatRunReportsRunning(t *testing.T) {
	reg, _ := newTestRegistry()
	hb := NewHeartbeat(reg, HeartbeatConfig{PingInterval: 10 * time.Millisecond, PongTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hb.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !hb.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !hb.Running() {
		t.Fatal("heartbeat not running")
	}
	cancel()
	<-done
	if hb.Running() {
		t.Error("heartbeat still reports running after stop")
	}
}
