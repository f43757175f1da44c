// Command pand runs the pantalaimon transparent E2EE proxy daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arthurlutz/pantalaimon/internal/proxyinstance"
	"github.com/arthurlutz/pantalaimon/internal/sdk"
	"github.com/arthurlutz/pantalaimon/pkg/config"
	"github.com/arthurlutz/pantalaimon/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to pantalaimon.toml")
	listenAddr := flag.String("listen", "", "override proxy.listen_addr")
	homeserverURL := flag.String("homeserver", "", "override proxy.homeserver_url")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Proxy.ListenAddr = *listenAddr
	}
	if *homeserverURL != "" {
		cfg.Proxy.HomeserverURL = *homeserverURL
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if err := logger.Initialize(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	log := logger.Global().WithComponent("pand")

	proxy, err := proxyinstance.New(cfg, sdk.NewSession)
	if err != nil {
		log.ErrorEvent(context.Background(), "construct proxy instance failed", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := proxy.Restore(ctx); err != nil {
		log.ErrorEvent(ctx, "restore shadow clients failed", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	log.Info("pantalaimon daemon starting",
		"listen_addr", cfg.Proxy.ListenAddr,
		"homeserver_url", cfg.Proxy.HomeserverURL,
	)

	runErr := proxy.Run(ctx)
	proxy.Shutdown()

	if runErr != nil {
		log.ErrorEvent(context.Background(), "daemon exited with error", runErr)
		os.Exit(1)
	}
}
