package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/config"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/logger"
	"github.com/ralph0830/kr-stock-analysis-sub003/internal/infrastructure/svc"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	modeFlag := flag.String("mode", "all", "all | bridge | server | tap")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.Setup(cfg.App.LogLevel, cfg.App.LogFormat)

	mode, err := svc.ParseMode(*modeFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid mode")
	}
	if mode == svc.ModeAll || mode == svc.ModeBridge {
		if err := cfg.RequireBroker(); err != nil {
			log.Fatal().Err(err).Msg("broker settings incomplete")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg, mode)
	if err != nil {
		log.Fatal().Err(err).Msg("service initialization failed")
	}

	log.Info().
		Str("config", *configPath).
		Str("mode", string(mode)).
		Int("symbols", len(cfg.Symbols.List)).
		Str("addr", cfg.Server.Addr).
		Msg("krfeed started")

	runErr := sc.Run(ctx)
	if err := sc.Close(); err != nil {
		log.Error().Err(err).Msg("shutdown finished with errors")
	}
	if runErr != nil {
		// the bridge only fails on an exhausted auth budget or a fatal setup error
		log.Fatal().Err(runErr).Msg("krfeed stopped")
	}
	log.Info().Msg("krfeed stopped")
}
