package kis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

const (
	trRegister   = "1"
	trUnregister = "2"
	trPingPong   = "PINGPONG"

	dialTimeout = 10 * time.Second
)

// ApprovalKeySource supplies the stream approval key.
type ApprovalKeySource interface {
	ApprovalKey() (string, error)
}

type controlHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type controlInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

type controlFrame struct {
	Header controlHeader `json:"header"`
	Body   struct {
		Input controlInput `json:"input"`
	} `json:"body"`
}

// controlReply is a JSON frame from the server: a subscribe ack or PINGPONG.
type controlReply struct {
	Header struct {
		TrID  string `json:"tr_id"`
		TrKey string `json:"tr_key"`
	} `json:"header"`
	Body struct {
		RtCd  string `json:"rt_cd"`
		MsgCd string `json:"msg_cd"`
		Msg1  string `json:"msg1"`
	} `json:"body"`
}

// StreamClient dials the real-time endpoint.
type StreamClient struct {
	cfg    Config
	keys   ApprovalKeySource
	dialer *websocket.Dialer
}

func NewStreamClient(cfg Config, keys ApprovalKeySource) *StreamClient {
	cfg.applyDefaults()
	return &StreamClient{cfg: cfg, keys: keys, dialer: websocket.DefaultDialer}
}

func (c *StreamClient) Connect(ctx context.Context) (port.StreamConn, error) {
	if c.cfg.WSURL == "" {
		return nil, errors.New("kis ws_url empty")
	}
	key, err := c.keys.ApprovalKey()
	if err != nil {
		return nil, err
	}

	log.Debug().Str("component", "kis").Str("url", c.cfg.WSURL).Msg("ws connecting")
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	ws, resp, err := c.dialer.DialContext(dctx, c.cfg.WSURL, nil)
	cancel()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("ws dial: http %d: %w", resp.StatusCode, domain.ErrAuth)
		}
		return nil, fmt.Errorf("ws dial: %w: %w", domain.ErrTransientNetwork, err)
	}

	sc := &streamConn{
		ws:       ws,
		key:      key,
		custType: c.cfg.CustType,
		limiter:  rate.NewLimiter(rate.Limit(c.cfg.SubscribeRate), 1),
		frames:   make(chan []byte, 1024),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go sc.readLoop(c.cfg.ReadTimeout)
	go sc.pingLoop(c.cfg.PingInterval)
	log.Info().Str("component", "kis").Str("url", c.cfg.WSURL).Msg("ws connected")
	return sc, nil
}

type streamConn struct {
	ws       *websocket.Conn
	key      string
	custType string
	limiter  *rate.Limiter

	writeMu sync.Mutex
	frames  chan []byte
	done    chan struct{}
	closed  chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (c *streamConn) Subscribe(ctx context.Context, symbols []string) error {
	return c.control(ctx, trRegister, symbols)
}

func (c *streamConn) Unsubscribe(ctx context.Context, symbols []string) error {
	return c.control(ctx, trUnregister, symbols)
}

// control sends one frame per symbol, paced by the limiter.
func (c *streamConn) control(ctx context.Context, trType string, symbols []string) error {
	for _, sym := range symbols {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		f := controlFrame{Header: controlHeader{
			ApprovalKey: c.key,
			CustType:    c.custType,
			TrType:      trType,
			ContentType: "utf-8",
		}}
		f.Body.Input = controlInput{TrID: TrTrade, TrKey: sym}

		b, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := c.write(websocket.TextMessage, b); err != nil {
			return fmt.Errorf("send tr_type %s %s: %w: %w", trType, sym, domain.ErrConnectionLost, err)
		}
	}
	return nil
}

func (c *streamConn) write(mt int, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(mt, b)
}

func (c *streamConn) Frames() <-chan []byte { return c.frames }

func (c *streamConn) Done() <-chan struct{} { return c.done }

func (c *streamConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

// readLoop is the only sender on frames, so it closes frames and done.
func (c *streamConn) readLoop(readTimeout time.Duration) {
	defer func() {
		close(c.frames)
		close(c.done)
		_ = c.Close()
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			c.setErr(fmt.Errorf("ws read: %w: %w", domain.ErrConnectionLost, err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))

		if len(b) > 0 && b[0] == '{' {
			c.handleControl(b)
			continue
		}
		select {
		case c.frames <- b:
		case <-c.closed:
			return
		}
	}
}

func (c *streamConn) handleControl(b []byte) {
	var r controlReply
	if err := json.Unmarshal(b, &r); err != nil {
		log.Debug().Str("component", "kis").Err(err).Msg("bad control frame")
		return
	}
	if r.Header.TrID == trPingPong {
		if err := c.write(websocket.TextMessage, b); err != nil {
			log.Warn().Str("component", "kis").Err(err).Msg("pingpong echo failed")
		}
		return
	}
	if r.Body.RtCd != "" && r.Body.RtCd != "0" {
		log.Warn().Str("component", "kis").
			Str("tr_key", r.Header.TrKey).
			Str("msg_cd", r.Body.MsgCd).
			Str("msg", r.Body.Msg1).
			Msg("subscription rejected")
		return
	}
	log.Debug().Str("component", "kis").Str("tr_key", r.Header.TrKey).Str("msg", r.Body.Msg1).Msg("control ack")
}

func (c *streamConn) pingLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
		}
	}
}

func (c *streamConn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

var _ port.StreamConn = (*streamConn)(nil)
