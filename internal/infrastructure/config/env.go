package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every overlay variable, e.g. KRFEED_APP_KEY.
const EnvPrefix = "KRFEED"

// envOverlay holds values that usually stay out of the config file.
type envOverlay struct {
	AppKey     string `envconfig:"APP_KEY"`
	AppSecret  string `envconfig:"APP_SECRET"`
	RelayURL   string `envconfig:"RELAY_URL"`
	StorageDSN string `envconfig:"STORAGE_DSN"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	ServerAddr string `envconfig:"SERVER_ADDR"`
}

func overlayEnv(cfg *Config) error {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	var env envOverlay
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Broker.AppKey, env.AppKey)
	set(&cfg.Broker.AppSecret, env.AppSecret)
	set(&cfg.Relay.URL, env.RelayURL)
	set(&cfg.Storage.DSN, env.StorageDSN)
	set(&cfg.App.LogLevel, env.LogLevel)
	set(&cfg.Server.Addr, env.ServerAddr)
	return nil
}
