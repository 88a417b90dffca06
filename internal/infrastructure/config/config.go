package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/domain"
)

type Config struct {
	App struct {
		LogLevel  string `toml:"log_level"`
		LogFormat string `toml:"log_format"` // console | json
	} `toml:"app"`

	Server struct {
		Addr           string        `toml:"addr"`
		Path           string        `toml:"path"`
		AllowedOrigins []string      `toml:"allowed_origins"`
		SendQueue      int           `toml:"send_queue"`
		IdleTimeout    time.Duration `toml:"idle_timeout"`
		PingInterval   time.Duration `toml:"ping_interval"`
		PongTimeout    time.Duration `toml:"pong_timeout"`
	} `toml:"server"`

	Broker struct {
		RESTURL            string        `toml:"rest_url"`
		WSURL              string        `toml:"ws_url"`
		AppKey             string        `toml:"app_key"`
		AppSecret          string        `toml:"app_secret"`
		CustType           string        `toml:"cust_type"`
		TokenRefreshMargin time.Duration `toml:"token_refresh_margin"`
		HTTPTimeout        time.Duration `toml:"http_timeout"`
		SubscribeRate      float64       `toml:"subscribe_rate_per_sec"`
		PingInterval       time.Duration `toml:"ping_interval"`
		ReadTimeout        time.Duration `toml:"read_timeout"`
	} `toml:"broker"`

	Symbols struct {
		List []string `toml:"list"`
	} `toml:"symbols"`

	Backoff struct {
		Base        time.Duration `toml:"base"`
		Max         time.Duration `toml:"max"`
		Jitter      float64       `toml:"jitter"`
		StableAfter time.Duration `toml:"stable_after"`
		AuthRetries int           `toml:"auth_retries"`
	} `toml:"backoff"`

	Fallback struct {
		Threshold    int           `toml:"threshold"`
		Window       time.Duration `toml:"window"`
		PollInterval time.Duration `toml:"poll_interval"`
		RecoverAfter time.Duration `toml:"recover_after"`
	} `toml:"fallback"`

	Relay struct {
		URL    string `toml:"url"`
		Prefix string `toml:"prefix"`
	} `toml:"relay"`

	Storage struct {
		Driver           string        `toml:"driver"` // sqlite | postgres | empty
		DSN              string        `toml:"dsn"`
		WatchlistRefresh time.Duration `toml:"watchlist_refresh"`
	} `toml:"storage"`

	// Tap is the operator terminal view (-mode tap).
	Tap struct {
		PrintEvery time.Duration `toml:"print_every"`
		NoColor    bool          `toml:"no_color"`
	} `toml:"tap"`
}

// Load reads the TOML file, overlays KRFEED_* environment variables (and a
// .env file if present), then applies defaults and validates.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := overlayEnv(&cfg); err != nil {
		return nil, fmt.Errorf("env overlay: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	setStr := func(p *string, def string) {
		if strings.TrimSpace(*p) == "" {
			*p = def
		}
	}
	setDur := func(p *time.Duration, def time.Duration) {
		if *p <= 0 {
			*p = def
		}
	}

	setStr(&cfg.App.LogLevel, "info")
	setStr(&cfg.App.LogFormat, "console")

	setStr(&cfg.Server.Addr, ":8080")
	setStr(&cfg.Server.Path, "/ws/prices")
	if cfg.Server.SendQueue <= 0 {
		cfg.Server.SendQueue = 256
	}
	setDur(&cfg.Server.IdleTimeout, 120*time.Second)
	setDur(&cfg.Server.PingInterval, 30*time.Second)
	setDur(&cfg.Server.PongTimeout, 90*time.Second)

	setStr(&cfg.Broker.RESTURL, "https://openapi.koreainvestment.com:9443")
	setStr(&cfg.Broker.WSURL, "ws://ops.koreainvestment.com:21000")
	setStr(&cfg.Broker.CustType, "P")
	setDur(&cfg.Broker.TokenRefreshMargin, 10*time.Minute)
	setDur(&cfg.Broker.HTTPTimeout, 10*time.Second)
	if cfg.Broker.SubscribeRate <= 0 {
		cfg.Broker.SubscribeRate = 5
	}
	setDur(&cfg.Broker.PingInterval, 25*time.Second)
	setDur(&cfg.Broker.ReadTimeout, 90*time.Second)

	setDur(&cfg.Backoff.Base, time.Second)
	setDur(&cfg.Backoff.Max, 60*time.Second)
	if cfg.Backoff.Jitter == 0 {
		cfg.Backoff.Jitter = 0.1
	}
	setDur(&cfg.Backoff.StableAfter, 60*time.Second)
	if cfg.Backoff.AuthRetries <= 0 {
		cfg.Backoff.AuthRetries = 5
	}

	if cfg.Fallback.Threshold <= 0 {
		cfg.Fallback.Threshold = 3
	}
	setDur(&cfg.Fallback.Window, 2*time.Minute)
	setDur(&cfg.Fallback.PollInterval, 3*time.Second)
	setDur(&cfg.Fallback.RecoverAfter, 30*time.Second)

	setStr(&cfg.Relay.URL, "memory://")
	setStr(&cfg.Relay.Prefix, "krfeed")

	setDur(&cfg.Storage.WatchlistRefresh, time.Minute)

	setDur(&cfg.Tap.PrintEvery, time.Minute)
}

func validate(cfg *Config) error {
	cfg.Symbols.List = domain.NormalizeSymbols(cfg.Symbols.List)

	if !strings.HasPrefix(cfg.Server.Path, "/") {
		return fmt.Errorf("server.path %q must start with /", cfg.Server.Path)
	}
	if cfg.Server.PongTimeout <= cfg.Server.PingInterval {
		return errors.New("server.pong_timeout must be longer than server.ping_interval")
	}
	if cfg.Backoff.Base > cfg.Backoff.Max {
		return errors.New("backoff.base exceeds backoff.max")
	}
	if cfg.Backoff.Jitter < 0 || cfg.Backoff.Jitter > 0.5 {
		return fmt.Errorf("backoff.jitter %.2f out of range [0, 0.5]", cfg.Backoff.Jitter)
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case "", "none":
	case "sqlite", "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn empty for driver %s", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
	return nil
}

// RequireBroker checks what the bridge needs to reach the broker.
func (c *Config) RequireBroker() error {
	if strings.TrimSpace(c.Broker.AppKey) == "" || strings.TrimSpace(c.Broker.AppSecret) == "" {
		return errors.New("broker.app_key and broker.app_secret are required (or KRFEED_APP_KEY / KRFEED_APP_SECRET)")
	}
	if len(c.Symbols.List) == 0 && c.Storage.Driver == "" {
		return errors.New("symbols.list is empty and no watchlist storage is configured")
	}
	return nil
}
