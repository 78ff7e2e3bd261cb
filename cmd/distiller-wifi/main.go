// Command distiller-wifi is the provisioning daemon: it owns the
// AP/STA state machine, the captive-portal setup page, and the
// optional public tunnel that lets an owner finish setup from off the
// local network.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"distiller-wifi/internal/captive"
	"distiller-wifi/internal/config"
	"distiller-wifi/internal/display"
	"distiller-wifi/internal/identity"
	"distiller-wifi/internal/mdns"
	"distiller-wifi/internal/netadapter"
	"distiller-wifi/internal/orchestrator"
	"distiller-wifi/internal/profilecache"
	"distiller-wifi/internal/state"
	"distiller-wifi/internal/tunnel"
	"distiller-wifi/internal/web"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("distiller-wifi starting", "version", version)

	id, err := identity.LoadOrCreate(cfg.IdentityPath(), cfg.APSSIDPrefix)
	if err != nil {
		logger.Error("load identity", "err", err)
		os.Exit(1)
	}
	logger.Info("identity loaded", "device_id", id.DeviceID, "hostname", id.Hostname, "ap_ssid", id.APSSID)

	store := state.New(cfg.StatePath())

	cache, err := profilecache.Open(cfg.ProfileCachePath())
	if err != nil {
		logger.Error("open profile cache", "err", err)
		os.Exit(1)
	}
	defer cache.Close()

	adapter := netadapter.New(cache, logger)

	cc := captive.New(cfg.DNSConfigPath(), "wlan0-ap", cfg.WebPort, logger)

	health := tunnel.NewMQTTHealth(tunnel.MQTTHealthConfig{
		Broker:      cfg.MQTTBroker,
		TopicPrefix: cfg.MQTTTopicPrefix,
	}, logger)

	ts := tunnel.New(tunnel.Config{
		SSHHost:         cfg.TunnelSSHHost,
		SSHPort:         cfg.TunnelSSHPort,
		AccessToken:     cfg.TunnelAccessToken,
		RefreshInterval: time.Duration(cfg.TunnelRefreshIntervalS) * time.Second,
		WebPort:         cfg.WebPort,
		DeviceEnvPath:   cfg.DeviceEnvPath(),
		Disabled:        !cfg.TunnelEnabled,
	}, health, store, logger)

	orch := orchestrator.New(store, adapter, cc, ts, orchestrator.Config{
		APSSID:    id.APSSID,
		APIP:      cfg.APIP,
		APChannel: cfg.APChannel,
		WebPort:   cfg.WebPort,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())

	orch.Boot(ctx)

	events := adapter.WatchEvents(ctx)
	go orch.WatchConnectivity(ctx, events)

	webServer := web.NewServer(store, orch, adapter, cfg.APIP, cfg.WebPort, logger)

	httpServer := &http.Server{
		Addr:         cfg.WebAddr(),
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.WebAddr())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	publisher := mdns.New(cfg.WebPort, logger)
	go republishLoop(ctx, publisher, store, id.Hostname)

	poller := display.New(store, id.APSSID, 2*time.Second)
	go poller.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	cancel()
	poller.Stop()
	publisher.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	ts.Stop()

	logger.Info("goodbye")
}

// republishLoop publishes the device's mDNS record on every state
// change that carries an IP address, so phones discover the setup
// page under hostname.local as soon as one becomes available. mDNS is
// best-effort: Publish is a no-op when hostname/address haven't
// changed and never blocks the state-change callback.
func republishLoop(ctx context.Context, publisher *mdns.Publisher, store *state.Manager, hostname string) {
	unsub := store.OnChange(func(_, next *state.SystemState) {
		if next.IPAddress == "" {
			return
		}
		if ip := net.ParseIP(next.IPAddress); ip != nil {
			publisher.Publish(hostname, ip)
		}
	})
	defer unsub()

	if s := store.Get(); s.IPAddress != "" {
		if ip := net.ParseIP(s.IPAddress); ip != nil {
			publisher.Publish(hostname, ip)
		}
	}

	<-ctx.Done()
}

func newLogger(cfg *config.Settings) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
