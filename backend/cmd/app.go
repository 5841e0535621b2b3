package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/LavSarkari/koyibhi/backend/broker"
	"github.com/LavSarkari/koyibhi/backend/config"
	"github.com/LavSarkari/koyibhi/backend/filter"
	httpServer "github.com/LavSarkari/koyibhi/backend/server/http"
	websocketServer "github.com/LavSarkari/koyibhi/backend/server/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to config file")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "websocket signaling listen address")
		staticPath    = fs.StringP("static-path", "s", "", "static assets directory")
		logLevel      = fs.StringP("log-level", "l", "", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if *apiListenAddr != "" {
		cfg.APIListenAddr = *apiListenAddr
	}
	if *wsListenAddr != "" {
		cfg.WSListenAddr = *wsListenAddr
	}
	if *staticPath != "" {
		cfg.StaticPath = *staticPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	brk := broker.New(broker.Config{
		Logger: &logger,
		Clean:  filter.New().Clean,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Stats:      brk,
		ListenAddr: cfg.APIListenAddr,
		StaticPath: cfg.StaticPath,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Broker:     brk,
		ListenAddr: cfg.WSListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
