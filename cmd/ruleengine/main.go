package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/service"
)

func main() {
	configPath := flag.String("config", "", "directory containing vigil.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := service.New(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		if err := <-errCh; err != nil {
			log.Error().Err(err).Msg("service exited with error")
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("service exited with error")
			os.Exit(1)
		}
	}

	log.Info().Msg("exited")
}
