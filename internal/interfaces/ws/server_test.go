package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/broadcast"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/relay"
)

type harness struct {
	srv    *httptest.Server
	reg    *broadcast.Registry
	router *broadcast.Router
	hb     *broadcast.Heartbeat
	wsURL  string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := broadcast.NewRegistry()
	router := broadcast.NewRouter(relay.NewMemory(), reg)
	hb := broadcast.NewHeartbeat(reg, broadcast.HeartbeatConfig{PingInterval: time.Hour, PongTimeout: 2 * time.Hour})
	s := NewServer(cfg, reg, router, hb)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{
		srv:    srv,
		reg:    reg,
		router: router,
		hb:     hb,
		wsURL:  "ws" + strings.TrimPrefix(srv.URL, "http") + s.cfg.Path,
	}
}

func (h *harness) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	u := h.wsURL
	if query != "" {
		u += "?" + query
	}
	c, _, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type wireMsg struct {
	Type      string       `json:"type"`
	ClientID  string       `json:"client_id"`
	Topic     string       `json:"topic"`
	Ticker    string       `json:"ticker"`
	Data      domain.Quote `json:"data"`
	Timestamp int64        `json:"timestamp"`
	Message   string       `json:"message"`
}

func readMsg(t *testing.T, c *websocket.Conn) wireMsg {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var m wireMsg
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("bad server frame %s: %v", b, err)
	}
	return m
}

func writeText(t *testing.T, c *websocket.Conn, s string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSubscribeReceivesPrice(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t, "", nil)

	hello := readMsg(t, c)
	if hello.Type != "connected" || hello.ClientID == "" {
		t.Fatalf("expected connected with client id, got %+v", hello)
	}

	writeText(t, c, `{"type":"subscribe","topic":"price:005930"}`)
	if m := readMsg(t, c); m.Type != "subscribed" || m.Topic != "price:005930" {
		t.Fatalf("expected subscribed ack, got %+v", m)
	}

	q := domain.Quote{Symbol: "005930", Price: 80500, Change: -500, ChangeRate: -0.62, Volume: 1200, Timestamp: 1735776000000}
	if n := h.router.Deliver(domain.NewPriceEvent(q, domain.SourceStream)); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	// another symbol's event must not reach this client
	h.router.Deliver(domain.NewPriceEvent(domain.Quote{Symbol: "000660", Price: 1}, domain.SourceStream))

	m := readMsg(t, c)
	if m.Type != "price_update" || m.Ticker != "005930" {
		t.Fatalf("expected price_update for 005930, got %+v", m)
	}
	if m.Data.Price != 80500 || m.Data.ChangeRate != -0.62 || m.Timestamp != q.Timestamp {
		t.Errorf("unexpected payload %+v", m)
	}

	writeText(t, c, `{"type":"ping"}`)
	if m := readMsg(t, c); m.Type != "pong" {
		t.Errorf("expected pong after the ping, got %+v", m)
	}
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t, "", nil)
	readMsg(t, c)

	writeText(t, c, `{"type":"teleport"}`)
	m := readMsg(t, c)
	if m.Type != "error" || m.Message != "Unknown message type: teleport" {
		t.Fatalf("expected unknown type error, got %+v", m)
	}

	writeText(t, c, `{"type":"subscribe","topic":"price:000660"}`)
	if m := readMsg(t, c); m.Type != "subscribed" {
		t.Fatalf("connection should still serve requests, got %+v", m)
	}
	if got := h.reg.Snapshot().Connections; got != 1 {
		t.Errorf("expected 1 connection, got %d", got)
	}
}

func TestErrorReplies(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t, "", nil)
	readMsg(t, c)

	cases := []struct {
		in   string
		want string
	}{
		{`{not json`, "Invalid JSON"},
		{`{"type":"subscribe"}`, "Topic is required"},
		{`{"type":"subscribe","topic":"   "}`, "Topic is required"},
		{`{"type":"unsubscribe"}`, "Topic is required"},
	}
	for _, tc := range cases {
		writeText(t, c, tc.in)
		m := readMsg(t, c)
		if m.Type != "error" || m.Message != tc.want {
			t.Errorf("%s: expected error %q, got %+v", tc.in, tc.want, m)
		}
	}
}

func TestDuplicateSubscribeIsAcked(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t, "", nil)
	readMsg(t, c)

	for i := 0; i < 2; i++ {
		writeText(t, c, `{"type":"subscribe","topic":"price:005930"}`)
		if m := readMsg(t, c); m.Type != "subscribed" {
			t.Fatalf("attempt %d: expected subscribed, got %+v", i, m)
		}
	}
	if got := h.reg.Snapshot().Topics["price:005930"]; got != 1 {
		t.Errorf("expected 1 subscriber, got %d", got)
	}

	writeText(t, c, `{"type":"unsubscribe","topic":"price:005930"}`)
	if m := readMsg(t, c); m.Type != "unsubscribed" || m.Topic != "price:005930" {
		t.Fatalf("expected unsubscribed, got %+v", m)
	}
	if _, ok := h.reg.Snapshot().Topics["price:005930"]; ok {
		t.Error("topic should be gone after the last unsubscribe")
	}
}

func TestInitialTopicsFromQuery(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t, "topics=price:005930,%20price:000660,", nil)

	if m := readMsg(t, c); m.Type != "connected" {
		t.Fatalf("expected connected, got %+v", m)
	}
	var got []string
	for i := 0; i < 2; i++ {
		m := readMsg(t, c)
		if m.Type != "subscribed" {
			t.Fatalf("expected subscribed, got %+v", m)
		}
		got = append(got, m.Topic)
	}
	if got[0] != "price:005930" || got[1] != "price:000660" {
		t.Errorf("unexpected initial topics %v", got)
	}
}

func TestOriginRejected(t *testing.T) {
	h := newHarness(t, Config{AllowedOrigins: []string{"https://app.example"}})

	c := h.dial(t, "", http.Header{"Origin": []string{"https://evil.example"}})
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != broadcast.ClosePolicyViolation {
		t.Fatalf("expected close 1008, got %v", err)
	}
	if got := h.reg.Snapshot().Connections; got != 0 {
		t.Errorf("rejected client must not be registered, got %d", got)
	}

	ok := h.dial(t, "", http.Header{"Origin": []string{"https://app.example/"}})
	if m := readMsg(t, ok); m.Type != "connected" {
		t.Errorf("allowed origin should connect, got %+v", m)
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t, "", nil)
	readMsg(t, c)
	writeText(t, c, `{"type":"subscribe","topic":"price:005930"}`)
	readMsg(t, c)

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = c.Close()

	waitFor(t, "deregistration", func() bool { return h.reg.Snapshot().Connections == 0 })
	if n := h.router.Deliver(domain.NewPriceEvent(domain.Quote{Symbol: "005930", Price: 1}, domain.SourceStream)); n != 0 {
		t.Errorf("expected no deliveries after disconnect, got %d", n)
	}
}

func TestStatsAndHealth(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.dial(t, "topics=price:005930", nil)
	readMsg(t, c)
	readMsg(t, c)

	resp, err := http.Get(h.srv.URL + "/stats")
	if err != nil {
		t.Fatalf("GET /stats failed: %v", err)
	}
	var st statsResponse
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Connections != 1 || st.Topics["price:005930"] != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.BridgeHealth != domain.HealthUnknown {
		t.Errorf("expected unknown bridge health, got %s", st.BridgeHealth)
	}

	resp, err = http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without heartbeat, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.hb.Run(ctx) }()
	waitFor(t, "heartbeat", h.hb.Running)

	resp, err = http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with heartbeat running, got %d", resp.StatusCode)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	reg := broadcast.NewRegistry()
	s := NewServer(Config{}, reg, broadcast.NewRouter(relay.NewMemory(), reg), broadcast.NewHeartbeat(reg, broadcast.HeartbeatConfig{}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, addr) }()

	var c *websocket.Conn
	waitFor(t, "listener", func() bool {
		var err error
		c, _, err = websocket.DefaultDialer.Dial("ws://"+addr+"/ws/prices", nil)
		return err == nil
	})
	defer c.Close()
	readMsg(t, c)

	cancel()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != broadcast.CloseGoingAway {
		t.Errorf("expected close 1001, got %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ListenAndServe did not return")
	}
}
