package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fishnet-tcp/pkg/ipstack"
	"fishnet-tcp/pkg/iptcpstack"
	"fishnet-tcp/pkg/lnxconfig"
	"fishnet-tcp/pkg/repl"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "host configuration file")
	flag.Parse()
	if *configPath == "" {
		fmt.Printf("Usage:  %s --config <yaml file>\n", os.Args[0])
		os.Exit(1)
	}
	hostConfig, err := lnxconfig.ParseConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := newLogger(hostConfig.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	//sets everything up
	reg := prometheus.NewRegistry()
	node, stack, err := initializeStack(hostConfig, reg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot start host")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	node.Start(ctx)
	logger.Info().Uint16("addr", hostConfig.Address).Str("link", node.LocalUDPAddr().String()).Msg("host up")

	if hostConfig.Metrics != "" {
		go serveMetrics(ctx, hostConfig.Metrics, reg, logger)
	}

	go func() {
		sh := repl.New(node, stack, os.Stdout, logger)
		if err := sh.Run(os.Stdin); err != nil {
			logger.Error().Err(err).Msg("reading commands")
		}
		stop()
	}()

	<-ctx.Done()
	node.Close()
	node.Wait()
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zerolog.ParseLevel(level); err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "log level %q", level)
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		Level(lvl).With().Timestamp().Logger(), nil
}

func initializeStack(cfg *lnxconfig.HostConfig, reg prometheus.Registerer, logger zerolog.Logger) (*ipstack.Node, *iptcpstack.TCPStack, error) {
	neighbors := make(map[ipstack.Addr]string, len(cfg.Neighbors))
	for addr, udp := range cfg.Neighbors {
		neighbors[ipstack.Addr(addr)] = udp
	}
	node, err := ipstack.NewNode(ipstack.NodeConfig{
		Addr:      ipstack.Addr(cfg.Address),
		Bind:      cfg.Bind,
		Neighbors: neighbors,
		Gateway:   cfg.Gateway,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	metrics, err := iptcpstack.NewMetrics(reg)
	if err != nil {
		node.Close()
		return nil, nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	stack, err := iptcpstack.InitializeTCP(node, cfg.TCP,
		iptcpstack.WithLogger(logger),
		iptcpstack.WithRand(rand.New(rand.NewSource(seed))),
		iptcpstack.WithMetrics(metrics))
	if err != nil {
		node.Close()
		return nil, nil, err
	}
	node.RegisterHandler(ipstack.TransportProtocol, stack.HandlePacket)
	return node, stack, nil
}

func serveMetrics(ctx context.Context, listen string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info().Str("listen", listen).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics endpoint stopped")
	}
}
