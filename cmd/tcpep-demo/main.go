// Command tcpep-demo runs a minimal tcpep Endpoint with an echo Handler,
// demonstrating the Acceptor -> Poller -> Worker pipeline end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/infodancer/tcpep/internal/config"
	"github.com/infodancer/tcpep/internal/ep"
	"github.com/infodancer/tcpep/internal/logging"
	"github.com/infodancer/tcpep/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	soTimeout, err := cfg.Timeouts.SoTimeoutDuration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid so_timeout: %v\n", err)
		os.Exit(1)
	}
	keepAliveTimeout, err := cfg.Timeouts.KeepAliveTimeoutDuration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid keep_alive_timeout: %v\n", err)
		os.Exit(1)
	}
	pollTime, err := cfg.Timeouts.PollTimeDuration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid poll_time: %v\n", err)
		os.Exit(1)
	}
	unlockTimeout, err := cfg.Timeouts.UnlockTimeoutDuration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid unlock_timeout: %v\n", err)
		os.Exit(1)
	}

	endpoint := ep.New(ep.Options{
		Address:             cfg.Listener.Address,
		Backlog:             cfg.Listener.Backlog,
		DeferAccept:         cfg.Listener.DeferAccept,
		UseComet:            cfg.Listener.UseComet,
		UseSendfile:         cfg.Sendfile.Enabled,
		AcceptorThreadCount: cfg.Threads.AcceptorThreadCount,
		PollerThreadCount:   cfg.Threads.PollerThreadCount,
		SendfileThreadCount: cfg.Threads.SendfileThreadCount,
		PollerSize:          cfg.Threads.PollerSize,
		SendfileSize:        cfg.Threads.SendfileSize,
		MaxThreads:          cfg.Threads.MaxThreads,
		PollTime:            pollTime,
		SoTimeout:           soTimeout,
		KeepAliveTimeout:    keepAliveTimeout,
		UnlockTimeout:       unlockTimeout,
		SoLinger:            cfg.Timeouts.SoLinger,
		TCPNoDelay:          cfg.Timeouts.TCPNoDelay,
		Name:                cfg.Name,
		TLSOptions:          cfg.TLS.TLSOptions(),
		Handler:             newEchoHandler(logger),
		Logger:              logger,
		Metrics:             collector,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := endpoint.Init(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error initializing endpoint: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := endpoint.Destroy(); err != nil {
			logger.Error("error destroying endpoint", "error", err)
		}
	}()

	if err := endpoint.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error starting endpoint: %v\n", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		metricsServer := metrics.NewPrometheusServer(cfg.Metrics.Address, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
		logger.Info("metrics server started", "address", cfg.Metrics.Address, "path", cfg.Metrics.Path)
	}

	logger.Info("tcpep-demo listening", "address", endpoint.LocalAddr())

	<-ctx.Done()

	if err := endpoint.Stop(); err != nil {
		logger.Error("error stopping endpoint", "error", err)
	}
}
