package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/lnxconfig"

	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "hub configuration file")
	flag.Parse()
	if *configPath == "" {
		fmt.Printf("Usage:  %s --config <yaml file>\n", os.Args[0])
		os.Exit(1)
	}
	hubConfig, err := lnxconfig.ParseHubFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if hubConfig.LogLevel != "" {
		if level, err = zerolog.ParseLevel(hubConfig.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "log level %q: %v\n", hubConfig.LogLevel, err)
			os.Exit(1)
		}
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(level).With().Timestamp().Logger()

	routes := make(map[ipstack.Addr]string, len(hubConfig.Routes))
	for addr, udp := range hubConfig.Routes {
		routes[ipstack.Addr(addr)] = udp
	}
	hub, err := ipstack.NewHub(ipstack.HubConfig{
		Listen: hubConfig.Listen,
		Routes: routes,
		Loss:   hubConfig.Loss,
		Delay:  hubConfig.Delay,
		Jitter: hubConfig.Jitter,
		Seed:   hubConfig.Seed,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot start hub")
	}
	logger.Info().Str("listen", hub.LocalUDPAddr().String()).Float64("loss", hubConfig.Loss).
		Dur("delay", hubConfig.Delay).Dur("jitter", hubConfig.Jitter).Msg("hub up")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := hub.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("hub stopped")
	}
	forwarded, dropped := hub.Stats()
	logger.Info().Int("forwarded", forwarded).Int("dropped", dropped).Msg("shutting down")
}
