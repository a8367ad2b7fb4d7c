// Command pendant runs the pendant's connection core: it keeps a link to a
// FluidNC controller over serial, TCP or WebSocket and serves the HTTP
// control surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fluiddial/pendant/internal/api"
	"github.com/fluiddial/pendant/internal/config"
	"github.com/fluiddial/pendant/internal/netstore"
	"github.com/fluiddial/pendant/internal/observability"
	"github.com/fluiddial/pendant/internal/pendant"
	"github.com/fluiddial/pendant/internal/selector"
	"github.com/fluiddial/pendant/internal/store"
	"github.com/fluiddial/pendant/internal/transport"
	"github.com/fluiddial/pendant/internal/wifi"
)

func main() {
	cfgPath := flag.String("config", "", "path to pendant.yaml")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pendant: %v\n", err)
		os.Exit(1)
	}
	log, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pendant: logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("pendant exited", zap.Error(err))
		log.Sync() //nolint:errcheck
		os.Exit(1)
	}
	log.Info("pendant stopped")
	log.Sync() //nolint:errcheck
}

func run(cfg *config.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Persistence
	settings, closeStore := openSettings(cfg.DataDir, log)
	defer func() { err = multierr.Append(err, closeStore()) }()

	var resolver transport.Resolver
	if cfg.Net.MDNS {
		mres := transport.NewMDNSResolver(log.Named("mdns"))
		resolver = mres
		defer func() { err = multierr.Append(err, mres.Close()) }()
	}

	// 2. Connection core
	wm := wifi.NewManager(newRadio(cfg.WiFi, log), settings, log.Named("wifi"), wifi.Options{
		InitialBackoff: config.Ms(cfg.WiFi.BackoffInitialMS),
		MaxBackoff:     config.Ms(cfg.WiFi.BackoffMaxMS),
		JoinTimeout:    config.Ms(cfg.WiFi.JoinTimeoutMS),
	})
	factory := &transport.Factory{
		Log:               log,
		Network:           wm,
		Resolver:          resolver,
		TCPInitialBackoff: config.Ms(cfg.Net.TCPBackoffInitialMS),
		TCPMaxBackoff:     config.Ms(cfg.Net.TCPBackoffMaxMS),
		WSInitialBackoff:  config.Ms(cfg.Net.WSBackoffInitialMS),
		WSMaxBackoff:      config.Ms(cfg.Net.WSBackoffMaxMS),
		DialTimeout:       config.Ms(cfg.Net.DialTimeoutMS),
		SerialDevice:      cfg.Serial.Device,
		SerialBaud:        cfg.Serial.Baud,
		OpenSerial:        transport.OpenSerial,
	}
	tcfg := transport.NewConfig(settings, log.Named("config"))
	sel := selector.New(factory, tcfg, wm, log.Named("selector"), selector.Options{
		ConnectWait:  config.Ms(cfg.Selector.ConnectWaitMS),
		PollInterval: config.Ms(cfg.Selector.PollMS),
	})
	runner := pendant.New(pendant.Deps{
		WiFi:     wm,
		Selector: sel,
		Config:   tcfg,
		Store:    settings,
		Prober:   &transport.Prober{Log: log.Named("probe"), Resolver: resolver},
		Log:      log.Named("pendant"),
	}, config.Ms(cfg.TickMS))
	runner.Boot()

	// 3. Control surface
	srv := &http.Server{
		Handler:           api.NewRouter(runner, runner.Console().Subscribe, log.Named("api")),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.API.ListenAddr)
	if err != nil {
		return multierr.Append(fmt.Errorf("listen %s: %w", cfg.API.ListenAddr, err), runner.Close())
	}
	log.Info("HTTP control surface listening", zap.String("addr", ln.Addr().String()))

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()
	runDone := make(chan error, 1)
	go func() { runDone <- runner.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
	case err = <-srvErr:
		log.Error("http server failed", zap.Error(err))
		stop()
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = multierr.Combine(err, srv.Shutdown(shutCtx), <-runDone, runner.Close())
	return err
}

// openSettings opens the SQLite settings store, falling back to memory so a
// broken data directory never keeps the pendant from reaching its
// controller.
func openSettings(dataDir string, log *zap.Logger) (netstore.Store, func() error) {
	path := filepath.Join(dataDir, "pendant.db")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Error("settings: data dir unavailable, settings will not persist", zap.Error(err))
		return netstore.NewMemory(), func() error { return nil }
	}
	db, err := store.Open(path)
	if err == nil {
		err = store.Migrate(db)
		if err != nil {
			db.Close()
		}
	}
	if err != nil {
		log.Error("settings: database unavailable, settings will not persist",
			zap.String("path", path), zap.Error(err))
		return netstore.NewMemory(), func() error { return nil }
	}
	log.Info("settings: database open", zap.String("path", path))
	return netstore.NewSQLite(db, log.Named("netstore")), db.Close
}

func newRadio(c config.WiFiConfig, log *zap.Logger) wifi.Radio {
	switch c.Backend {
	case "host":
		return wifi.NewHost(c.Interface)
	case "none":
		return wifi.Off{}
	}
	return wifi.NewNMCLI(c.Interface, nil, log.Named("nmcli"))
}
