// Package app wires the gateway together: registry, ICE agent, SDP
// bridge, plugin host, control protocol listeners and the optional
// admin surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/gateway/api"
	"github.com/voxgate/voxgate/internal/gateway/config"
	"github.com/voxgate/voxgate/internal/gateway/core"
	"github.com/voxgate/voxgate/internal/gateway/ice"
	"github.com/voxgate/voxgate/internal/gateway/jsep"
	"github.com/voxgate/voxgate/internal/gateway/metrics"
	"github.com/voxgate/voxgate/internal/gateway/plugin"
	"github.com/voxgate/voxgate/internal/logger"
	"github.com/voxgate/voxgate/internal/plugins/videocall"
)

const shutdownTimeout = 5 * time.Second

// App is the assembled gateway process.
type App struct {
	cfg *config.Config

	Registry  *core.Registry
	Agent     *ice.LoopbackAgent
	Bridge    *jsep.Bridge
	Host      *plugin.Host
	Collector *metrics.Collector

	admin    *metrics.AdminServer
	httpSrv  *http.Server
	httpsSrv *http.Server

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds the gateway from its configuration. Compiled-in plugins
// are registered first, then the plugins folder is scanned.
func New(cfg *config.Config) (*App, error) {
	a := &App{
		cfg:       cfg,
		Registry:  core.NewRegistry(),
		Collector: metrics.NewCollector(),
		Host:      plugin.NewHost(),
		stop:      make(chan struct{}),
	}

	a.Agent = ice.NewLoopbackAgent(ice.LoopbackConfig{
		Address: cfg.LocalIP,
		MinPort: cfg.RTPMinPort,
		MaxPort: cfg.RTPMaxPort,
	})
	a.Bridge = jsep.NewBridge(a.Agent, cfg.PublicAddr())

	if err := a.Host.Register(videocall.Create); err != nil {
		return nil, fmt.Errorf("register videocall plugin: %w", err)
	}
	if err := a.Host.LoadDir(cfg.PluginsFolder); err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}

	a.Registry.OnDetach = func(h *core.Handle) {
		a.Agent.Close(h.Media)
	}
	a.Agent.SetHandler(&mediaRouter{a: a})

	if err := a.Host.Init(&gatewayBridge{a: a}, cfg.ConfigsFolder); err != nil {
		return nil, fmt.Errorf("init plugins: %w", err)
	}

	server := api.NewServer(cfg.BasePath, a.Registry, a.Host, a.Bridge, a.Collector, a.stop)
	if cfg.HTTPEnabled {
		a.httpSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: server,
		}
	}
	if cfg.HTTPSEnabled {
		a.httpsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.SecurePort),
			Handler: server,
		}
	}
	if cfg.MetricsPort > 0 {
		a.admin = metrics.NewAdminServer(cfg.MetricsPort, a.Collector, a.Registry)
	}
	return a, nil
}

// Run serves until Stop is called or a listener fails. It returns nil
// on a clean stop.
func (a *App) Run() error {
	errCh := make(chan error, 3)

	if a.httpSrv != nil {
		logger.Info("[App] control protocol on HTTP",
			"addr", a.httpSrv.Addr, "base", a.cfg.BasePath)
		go func() {
			if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}
	if a.httpsSrv != nil {
		logger.Info("[App] control protocol on HTTPS",
			"addr", a.httpsSrv.Addr, "base", a.cfg.BasePath)
		go func() {
			err := a.httpsSrv.ListenAndServeTLS(a.cfg.CertPem, a.cfg.CertKey)
			if err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	}
	if a.admin != nil {
		go func() {
			if err := a.admin.Start(); err != nil {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
		logger.Error("[App] listener failed", "error", runErr)
		a.Stop()
	case <-a.stop:
	}

	a.shutdown()
	return runErr
}

// Stop initiates shutdown: long-polls return keepalives, workers drain
// and the listeners close.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
}

func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.httpSrv != nil {
		a.httpSrv.Shutdown(ctx)
	}
	if a.httpsSrv != nil {
		a.httpsSrv.Shutdown(ctx)
	}
	if a.admin != nil {
		a.admin.Shutdown(ctx)
	}
	a.Host.Shutdown()
	logger.Info("[App] gateway stopped")
}
