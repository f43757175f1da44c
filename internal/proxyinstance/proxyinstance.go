// Package proxyinstance wires together the Request Router, Session
// Manager, Decryption Coordinator and Control-Message Loop into one
// running ProxyInstance, per spec.md §3.
package proxyinstance

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/arthurlutz/pantalaimon/internal/control"
	"github.com/arthurlutz/pantalaimon/internal/coordinator"
	"github.com/arthurlutz/pantalaimon/internal/router"
	"github.com/arthurlutz/pantalaimon/internal/session"
	"github.com/arthurlutz/pantalaimon/internal/upstream"
	"github.com/arthurlutz/pantalaimon/pkg/config"
	"github.com/arthurlutz/pantalaimon/pkg/controlaudit"
	"github.com/arthurlutz/pantalaimon/pkg/keyring"
	"github.com/arthurlutz/pantalaimon/pkg/logger"
	"github.com/arthurlutz/pantalaimon/pkg/metrics"
	"github.com/arthurlutz/pantalaimon/pkg/store"
)

// ProxyInstance is the configuration and runtime state for one
// upstream, per spec.md §3. Constructed once by New; Restore then
// repopulates shadow clients from the store; Shutdown drains and
// closes every shadow client and the control loop.
type ProxyInstance struct {
	cfg *config.Config

	store   *store.Store
	audit   *controlaudit.Ledger
	keyring keyring.Keyring
	metrics *metrics.Registry
	promReg *prometheus.Registry

	sessions    *session.Manager
	coordinator *coordinator.Coordinator
	router      *router.Router

	controlIn   chan control.ControlMessage
	controlOut  chan control.DaemonResponse
	controlLoop *control.Loop

	httpServer      *http.Server
	metricsServer   *http.Server
	controlWSServer *http.Server
	cron            *cron.Cron

	log *logger.Logger
}

// New constructs a ProxyInstance for cfg, wiring the Session Manager
// to newSDK for creating fresh SDK sessions.
func New(cfg *config.Config, newSDK session.SDKFactory) (*ProxyInstance, error) {
	st, err := store.Open(store.Config{
		DBPath:     cfg.Store.DBPath,
		SaltFile:   cfg.Store.SaltFile,
		Passphrase: cfg.Store.Passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("proxyinstance: open store: %w", err)
	}

	audit, err := controlaudit.Open(cfg.Store.AuditLedgerDB)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("proxyinstance: open control audit ledger: %w", err)
	}

	kr := keyring.NewOSKeyring()

	promReg := prometheus.NewRegistry()
	m := metrics.NewRegistry(promReg)

	hostname := cfg.Proxy.HomeserverURL
	sessions := session.NewManager(hostname, cfg.Proxy.HomeserverURL, cfg.Proxy.DataDir, st, kr, cfg.Keyring.ServiceName, newSDK)

	coord := coordinator.New(cfg.Proxy.DecryptionTimeout, m)

	up, err := upstream.New(upstream.Config{
		BaseURL:  cfg.Proxy.HomeserverURL,
		ProxyURL: cfg.Proxy.OutboundProxyURL,
		UseHTTP2: true,
	})
	if err != nil {
		audit.Close()
		st.Close()
		return nil, fmt.Errorf("proxyinstance: build upstream client: %w", err)
	}

	rt := router.New(up, sessions, coord, m)

	controlIn := make(chan control.ControlMessage, 64)
	controlOut := make(chan control.DaemonResponse, 64)
	controlLoop := control.New(controlIn, controlOut, sessions, audit, m)

	p := &ProxyInstance{
		cfg:         cfg,
		store:       st,
		audit:       audit,
		keyring:     kr,
		metrics:     m,
		promReg:     promReg,
		sessions:    sessions,
		coordinator: coord,
		router:      rt,
		controlIn:   controlIn,
		controlOut:  controlOut,
		controlLoop: controlLoop,
		cron:        cron.New(),
		log:         logger.Global().WithComponent("proxyinstance"),
	}

	return p, nil
}

// Restore repopulates shadow clients from the persistent store. Call
// once before Run.
func (p *ProxyInstance) Restore(ctx context.Context) error {
	return p.sessions.RestoreAll(ctx)
}

// Run starts the HTTP accept loop, the control-message loop, the
// periodic housekeeping cron, and blocks until ctx is canceled or any
// actor fails, per spec.md §5's three concurrent actor classes.
func (p *ProxyInstance) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	p.httpServer = &http.Server{Addr: p.cfg.Proxy.ListenAddr, Handler: p.router}
	g.Go(func() error {
		return p.serveHTTP(p.httpServer, p.cfg.Proxy.TLSCertFile, p.cfg.Proxy.TLSKeyFile)
	})

	if p.cfg.Metrics.Enabled {
		p.metricsServer = &http.Server{Addr: p.cfg.Metrics.ListenAddr, Handler: metrics.Handler(p.promReg)}
		g.Go(func() error {
			return p.serveHTTP(p.metricsServer, "", "")
		})
	}

	controlMux := http.NewServeMux()
	controlMux.HandleFunc(p.cfg.Control.Path, p.HandleControlWebSocket)
	p.controlWSServer = &http.Server{Addr: p.cfg.Control.ListenAddr, Handler: controlMux}
	g.Go(func() error {
		return p.serveHTTP(p.controlWSServer, "", "")
	})

	g.Go(func() error {
		p.controlLoop.Run(gctx)
		return nil
	})

	p.cron.AddFunc("@every 1h", p.runHousekeeping)
	p.cron.Start()

	g.Go(func() error {
		<-gctx.Done()
		return p.shutdownServers()
	})

	return g.Wait()
}

func (p *ProxyInstance) serveHTTP(srv *http.Server, certFile, keyFile string) error {
	var err error
	if certFile != "" && keyFile != "" {
		err = srv.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (p *ProxyInstance) shutdownServers() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.httpServer != nil {
		_ = p.httpServer.Shutdown(ctx)
	}
	if p.metricsServer != nil {
		_ = p.metricsServer.Shutdown(ctx)
	}
	if p.controlWSServer != nil {
		_ = p.controlWSServer.Shutdown(ctx)
	}
	return nil
}

func (p *ProxyInstance) runHousekeeping() {
	ctx := context.Background()
	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	n, err := p.audit.Compact(ctx, cutoff)
	if err != nil {
		p.log.ErrorEvent(ctx, "control audit compaction failed", err)
		return
	}
	if n > 0 {
		p.log.Info("compacted control audit ledger", "rows_removed", n)
	}
	if p.metrics != nil {
		p.metrics.ShadowClientsActive.Set(float64(p.sessions.Count()))
	}
}

// HandleControlWebSocket upgrades r to a websocket and serves it as a
// Control transport, bridging UI-process messages onto the
// ProxyInstance's control channels.
func (p *ProxyInstance) HandleControlWebSocket(w http.ResponseWriter, r *http.Request) {
	t, err := control.Upgrade(w, r, p.controlIn, p.controlOut)
	if err != nil {
		p.log.ErrorEvent(r.Context(), "control websocket upgrade failed", err)
		return
	}
	t.Serve()
}

// Shutdown drains and closes every shadow client, the control loop's
// channels, the control-audit ledger, and the persistent store, per
// spec.md §4.4.
func (p *ProxyInstance) Shutdown() {
	p.cron.Stop()
	p.sessions.Shutdown()
	close(p.controlIn)
	close(p.controlOut)
	if err := p.audit.Close(); err != nil {
		p.log.ErrorEvent(context.Background(), "audit ledger close failed", err)
	}
	if err := p.store.Close(); err != nil {
		p.log.ErrorEvent(context.Background(), "store close failed", err)
	}
}
