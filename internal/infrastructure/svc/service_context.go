package svc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/broadcast"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/port"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/usecase/bridge"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/application/usecase/monitor"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/config"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/exchange/kis"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/relay"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/storage"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/interfaces/console"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/interfaces/ws"
)

// Mode selects which halves of the pipeline run in this process.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeBridge Mode = "bridge"
	ModeServer Mode = "server"
	// ModeTap prints relay traffic to the terminal and serves nothing.
	ModeTap Mode = "tap"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAll, ModeBridge, ModeServer, ModeTap:
		return m, nil
	case "":
		return ModeAll, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

func (m Mode) runsBridge() bool { return m == ModeAll || m == ModeBridge }
func (m Mode) runsServer() bool { return m == ModeAll || m == ModeServer }

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config
	Mode   Mode

	// infrastructure
	relay port.Relay
	store port.Store

	// broadcast tier
	registry  *broadcast.Registry
	router    *broadcast.Router
	heartbeat *broadcast.Heartbeat
	server    *ws.Server

	// ingestion tier
	session *kis.Session
	bridge  *bridge.Service

	tap *monitor.Service

	closerChain []func() error
}

// New builds every component the mode needs, in dependency order. On
// failure whatever was already opened is closed again.
func New(ctx context.Context, cfg *config.Config, mode Mode) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Mode:        mode,
		closerChain: make([]func() error, 0),
	}
	if err := sc.initializeComponents(); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initRelay(); err != nil {
		return fmt.Errorf("%w: %w", ErrRelayInitFailed, err)
	}
	if sc.Mode.runsBridge() {
		if err := sc.initStorage(); err != nil {
			return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
		}
		sc.initBridge()
	}
	if sc.Mode.runsServer() {
		sc.initBroadcast()
	}
	if sc.Mode == ModeTap {
		sc.tap = monitor.NewService(monitor.ServiceDeps{
			Relay:      sc.relay,
			Symbols:    sc.Config.Symbols.List,
			PrintEvery: sc.Config.Tap.PrintEvery,
			Color:      !sc.Config.Tap.NoColor,
			Sink:       console.NewSink(nil),
		})
	}
	log.Info().Str("component", "svc").Str("mode", string(sc.Mode)).Msg("✓ All components initialized")
	return nil
}

func (sc *ServiceContext) initRelay() error {
	r, err := relay.Open(sc.Ctx, sc.Config.Relay.URL, sc.Config.Relay.Prefix)
	if err != nil {
		return err
	}
	sc.relay = r
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Str("component", "svc").Msg("closing relay")
		return r.Close()
	})
	log.Info().Str("component", "svc").Str("url", redactURL(sc.Config.Relay.URL)).Msg("✓ Relay initialized")
	return nil
}

func (sc *ServiceContext) initStorage() error {
	st, err := storage.Open(sc.Config.Storage.Driver, sc.Config.Storage.DSN)
	if err != nil {
		return err
	}
	if st == nil {
		log.Info().Str("component", "svc").Msg("storage disabled, watchlist is config only")
		return nil
	}
	sc.store = st
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Str("component", "svc").Msg("closing storage")
		return st.Close()
	})
	log.Info().Str("component", "svc").Str("driver", sc.Config.Storage.Driver).Msg("✓ Storage initialized")
	return nil
}

func (sc *ServiceContext) initBridge() {
	c := sc.Config
	kcfg := kis.Config{
		RESTURL:       c.Broker.RESTURL,
		WSURL:         c.Broker.WSURL,
		AppKey:        c.Broker.AppKey,
		AppSecret:     c.Broker.AppSecret,
		CustType:      c.Broker.CustType,
		RefreshMargin: c.Broker.TokenRefreshMargin,
		HTTPTimeout:   c.Broker.HTTPTimeout,
		SubscribeRate: c.Broker.SubscribeRate,
		PingInterval:  c.Broker.PingInterval,
		ReadTimeout:   c.Broker.ReadTimeout,
	}
	sc.session = kis.NewSession(kcfg)

	deps := bridge.Deps{
		Auth:      sc.session,
		Stream:    kis.NewStreamClient(kcfg, sc.session),
		Parser:    kis.NewFrameParser(),
		Snapshots: kis.NewRESTClient(kcfg, sc.session),
		Relay:     sc.relay,
	}
	// leave the optional ports as nil interfaces when storage is off
	if sc.store != nil {
		deps.Journal = sc.store
		deps.Watchlist = sc.store
	}

	sc.bridge = bridge.NewService(bridge.Config{
		Symbols:           c.Symbols.List,
		BackoffBase:       c.Backoff.Base,
		BackoffMax:        c.Backoff.Max,
		BackoffJitter:     c.Backoff.Jitter,
		StableAfter:       c.Backoff.StableAfter,
		AuthRetries:       c.Backoff.AuthRetries,
		FallbackThreshold: c.Fallback.Threshold,
		FallbackWindow:    c.Fallback.Window,
		PollInterval:      c.Fallback.PollInterval,
		RecoverAfter:      c.Fallback.RecoverAfter,
		WatchlistRefresh:  c.Storage.WatchlistRefresh,
	}, deps)
}

func (sc *ServiceContext) initBroadcast() {
	c := sc.Config
	sc.registry = broadcast.NewRegistry()
	sc.router = broadcast.NewRouter(sc.relay, sc.registry)
	sc.heartbeat = broadcast.NewHeartbeat(sc.registry, broadcast.HeartbeatConfig{
		PingInterval: c.Server.PingInterval,
		PongTimeout:  c.Server.PongTimeout,
	})
	sc.server = ws.NewServer(ws.Config{
		Path:           c.Server.Path,
		AllowedOrigins: c.Server.AllowedOrigins,
		SendQueue:      c.Server.SendQueue,
		IdleTimeout:    c.Server.IdleTimeout,
	}, sc.registry, sc.router, sc.heartbeat)
	if sc.bridge != nil {
		sc.server.WithBridge(sc.bridge)
	}
}

// Bridge is nil unless the mode runs the bridge.
func (sc *ServiceContext) Bridge() *bridge.Service { return sc.bridge }

// Server is nil unless the mode runs the client endpoint.
func (sc *ServiceContext) Server() *ws.Server { return sc.server }

// Run starts every task of the mode and blocks until ctx is done or one
// task fails. The first failure cancels the others and is returned.
func (sc *ServiceContext) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				log.Info().Str("component", "svc").Str("task", name).Msg("task stopped")
				return
			}
			log.Error().Str("component", "svc").Str("task", name).Err(err).Msg("task failed")
			errOnce.Do(func() {
				firstErr = fmt.Errorf("%s: %w", name, err)
				cancel()
			})
		}()
	}

	if sc.Mode.runsServer() {
		start("router", sc.router.Run)
		start("heartbeat", sc.heartbeat.Run)
		start("server", func(ctx context.Context) error {
			return sc.server.ListenAndServe(ctx, sc.Config.Server.Addr)
		})
	}
	if sc.Mode.runsBridge() {
		start("bridge", sc.bridge.Run)
	}
	if sc.tap != nil {
		start("tap", sc.tap.Run)
	}

	wg.Wait()
	return firstErr
}

// Close releases resources in reverse order of creation.
func (sc *ServiceContext) Close() error {
	var errs []error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Str("component", "svc").Err(err).Msg("error closing resource")
			errs = append(errs, err)
		}
	}
	sc.closerChain = nil
	return errors.Join(errs...)
}

// redactURL drops any userinfo so relay passwords stay out of logs.
func redactURL(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}
