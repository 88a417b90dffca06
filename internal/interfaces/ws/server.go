// Package ws serves the client price stream over WebSocket, plus the
// /stats and /healthz endpoints.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/broadcast"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/usecase/bridge"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain/protocol"
)

type Config struct {
	Path           string
	AllowedOrigins []string // empty or "*" allows every origin
	SendQueue      int
	IdleTimeout    time.Duration // soft: expiry is only logged
	WriteTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "/ws/prices"
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// BridgeStats is implemented by a bridge running in the same process.
type BridgeStats interface {
	Stats() bridge.Stats
}

type Server struct {
	cfg      Config
	reg      *broadcast.Registry
	router   *broadcast.Router
	hb       *broadcast.Heartbeat
	bridge   BridgeStats
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, reg *broadcast.Registry, router *broadcast.Router, hb *broadcast.Heartbeat) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:    cfg,
		reg:    reg,
		router: router,
		hb:     hb,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// origins are checked after the upgrade so rejects get close 1008
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// WithBridge adds in-process bridge counters to /stats.
func (s *Server) WithBridge(b BridgeStats) *Server {
	s.bridge = b
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWS)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe serves until ctx is done, then closes every client with
// 1001 and shuts the HTTP server down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "ws").Str("addr", addr).Str("path", s.cfg.Path).Msg("✓ client endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	for _, t := range s.reg.All() {
		s.reg.Evict(t.ID, broadcast.CloseGoingAway, "server shutdown")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimRight(o, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "ws").Err(err).Msg("upgrade failed")
		return
	}

	origin := r.Header.Get("Origin")
	if !s.originAllowed(origin) {
		log.Warn().Str("component", "ws").Str("origin", origin).Msg("origin rejected")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(broadcast.ClosePolicyViolation, "origin not allowed"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}

	c := newConn(ws, s.cfg.SendQueue, s.cfg.WriteTimeout)
	go c.writeLoop()

	id := s.reg.Register(c)
	defer func() {
		s.reg.Deregister(id)
		_ = c.Close(websocket.CloseNormalClosure, "")
	}()

	log.Info().Str("component", "ws").Str("conn", id).Str("remote", r.RemoteAddr).Msg("client connected")
	if !s.reply(id, c, protocol.Connected{ClientID: id}) {
		return
	}
	for _, topic := range strings.Split(r.URL.Query().Get("topics"), ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			if !s.subscribe(id, c, topic) {
				return
			}
		}
	}

	results := make(chan ConnectionResult)
	go c.readLoop(results)
	s.receive(id, c, results)
}

// receive applies reader results until the connection ends. The idle timer
// never closes the connection; liveness is the heartbeat's job.
func (s *Server) receive(id string, c *conn, results <-chan ConnectionResult) {
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)

			switch {
			case res.Closed:
				log.Info().Str("component", "ws").Str("conn", id).Int("code", res.Code).Str("reason", res.Reason).Msg("client closed")
				return
			case res.Err != nil:
				log.Debug().Str("component", "ws").Str("conn", id).Err(res.Err).Msg("read failed")
				return
			}
			if !s.apply(id, c, protocol.Decode(res.Data)) {
				return
			}
		case <-idle.C:
			log.Debug().Str("component", "ws").Str("conn", id).Dur("idle", s.cfg.IdleTimeout).Msg("no client message")
			idle.Reset(s.cfg.IdleTimeout)
		case <-c.closing:
			return
		}
	}
}

// apply handles one inbound message. It returns false once the
// connection should stop.
func (s *Server) apply(id string, c *conn, msg protocol.Inbound) bool {
	switch m := msg.(type) {
	case protocol.Subscribe:
		if m.Topic == "" {
			return s.reply(id, c, protocol.ErrTopicRequired)
		}
		return s.subscribe(id, c, m.Topic)
	case protocol.Unsubscribe:
		if m.Topic == "" {
			return s.reply(id, c, protocol.ErrTopicRequired)
		}
		if _, err := s.reg.Unsubscribe(id, m.Topic); err != nil {
			return false
		}
		return s.reply(id, c, protocol.Unsubscribed{Topic: m.Topic})
	case protocol.Pong:
		return s.reg.RecordPong(id) == nil
	case protocol.Ping:
		_ = s.reg.RecordPong(id)
		return s.reply(id, c, protocol.ServerPong{})
	case protocol.Unknown:
		return s.reply(id, c, protocol.UnknownType(m.Type))
	case protocol.Malformed:
		return s.reply(id, c, protocol.ErrInvalidJSON)
	default:
		return true
	}
}

func (s *Server) subscribe(id string, c *conn, topic string) bool {
	if err := s.reg.Subscribe(id, topic); err != nil && !errors.Is(err, domain.ErrSubscriptionConflict) {
		return false
	}
	return s.reply(id, c, protocol.Subscribed{Topic: topic})
}

func (s *Server) reply(id string, c *conn, m protocol.Outbound) bool {
	b, err := protocol.Encode(m)
	if err != nil {
		log.Error().Str("component", "ws").Err(err).Msg("encode reply")
		return true
	}
	if err := c.Send(b); err != nil {
		s.reg.Evict(id, broadcast.CloseGoingAway, err.Error())
		return false
	}
	return true
}

type statsResponse struct {
	Connections      int                   `json:"connections"`
	Topics           map[string]int        `json:"topics"`
	BridgeHealth     domain.BridgeHealth   `json:"bridge_health"`
	HeartbeatRunning bool                  `json:"heartbeat_running"`
	Router           broadcast.RouterStats `json:"router"`
	Bridge           *bridge.Stats         `json:"bridge,omitempty"`
}

func (s *Server) stats() statsResponse {
	snap := s.reg.Snapshot()
	rs := s.router.Stats()
	resp := statsResponse{
		Connections:      snap.Connections,
		Topics:           snap.Topics,
		BridgeHealth:     rs.BridgeHealth,
		HeartbeatRunning: s.hb.Running(),
		Router:           rs,
	}
	if s.bridge != nil {
		bs := s.bridge.Stats()
		resp.Bridge = &bs
		resp.BridgeHealth = bs.Health
	}
	return resp
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "heartbeat_running": s.hb.Running()}
	if !s.hb.Running() {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
