// Command rdma-bench-server runs the benchmark server reactor (spec
// §4.7): it resolves a local RoCEv2 GID, listens for control-plane
// requests, builds/connects queue pairs and registers memory regions on
// demand, and exposes its own benchmark metrics plus the inherited NIC
// telemetry collector over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kobayashi-oss/rdmabench/internal/benchserver"
	"github.com/kobayashi-oss/rdmabench/internal/collector"
	"github.com/kobayashi-oss/rdmabench/internal/config"
	"github.com/kobayashi-oss/rdmabench/internal/controlplane"
	"github.com/kobayashi-oss/rdmabench/internal/metrics"
	"github.com/kobayashi-oss/rdmabench/internal/netdev"
	"github.com/kobayashi-oss/rdmabench/internal/rdma"
	"github.com/kobayashi-oss/rdmabench/internal/server"
	"github.com/kobayashi-oss/rdmabench/internal/verbs"
)

func main() {
	cfg, err := config.ParseServer(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting rdma-bench-server", "listen", cfg.ListenAddr, "device_name", cfg.DeviceName)

	dev, port, gids, err := resolveDevice(cfg.DeviceName, cfg.SysfsRoot, cfg.ExcludeDevices)
	if err != nil {
		logger.Error("failed to resolve rdma device", "err", err)
		os.Exit(1)
	}
	defer dev.Close()

	pd, err := dev.AllocPD()
	if err != nil {
		logger.Error("failed to allocate protection domain", "err", err)
		os.Exit(1)
	}
	defer pd.Close()

	slots := make([]benchserver.GIDSlot, len(gids))
	for i, g := range gids {
		slots[i] = benchserver.GIDSlot{Port: port, GIDIndex: g.Index, Bytes: g.Bytes}
	}

	reactor := benchserver.New(dev, pd, slots, controlplane.ModeSingleIP)
	defer reactor.Close()

	rpcAddr := cfg.ListenAddr
	rpcServer, err := controlplane.Listen(rpcAddr, reactor)
	if err != nil {
		logger.Error("failed to start control-plane rpc server", "err", err)
		os.Exit(1)
	}
	defer rpcServer.Close()

	envelopeAddr := envelopePort(cfg.ListenAddr)
	envelopeServer, err := controlplane.ListenEnvelope(envelopeAddr, reactor.HandleEnvelope)
	if err != nil {
		logger.Error("failed to start envelope server", "err", err)
		os.Exit(1)
	}
	defer envelopeServer.Close()

	logger.Info("control plane listening", "rpc_addr", rpcServer.Addr().String(), "envelope_addr", envelopeAddr)

	benchCollector := metrics.New()
	provider := rdma.NewSysfsProvider()
	provider.SetSysfsRoot(cfg.SysfsRoot)
	provider.SetExcludeDevices(cfg.ExcludeDevices)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
		benchCollector,
	)

	var nicCollector *collector.RdmaCollector
	if cfg.EnableRoCEPFCMetrics {
		collectorOpts := []collector.Option{}
		if ethtoolProvider, err := netdev.NewEthtoolStatsProvider(); err != nil {
			logger.Warn("netdev ethtool stats unavailable, PFC counters will be omitted", "err", err)
		} else {
			collectorOpts = append(collectorOpts, collector.WithNetDevStatsProvider(ethtoolProvider))
		}
		nicCollector = collector.New(provider, logger, collectorOpts...)
		registry.MustRegister(nicCollector)
	} else {
		logger.Info("RoCE PFC metrics disabled")
	}

	httpSrv := server.New(server.Options{
		ListenAddress: cfg.MetricsListenAddr,
		MetricsPath:   cfg.MetricsPath,
		HealthPath:    cfg.HealthPath,
		ScrapeTimeout: cfg.ScrapeTimeout,
	}, registry, nicCollector, logger)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := httpSrv.ListenAndServe(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case serveErr := <-errCh:
		logger.Error("metrics server exited with error", "err", serveErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	logger.Info("shutdown complete")
}

type gidCandidate struct {
	Index int
	Bytes [16]byte
}

// resolveDevice opens the named device (or the first non-excluded device
// with a RoCEv2-capable port if none was given) and returns every RoCEv2
// GID table entry found on it, for the reactor's single/multi-IP policy.
func resolveDevice(deviceName, sysfsRoot string, excludeDevices []string) (*verbs.Device, uint8, []gidCandidate, error) {
	names, err := verbs.ListDeviceNames()
	if err != nil {
		return nil, 0, nil, fmt.Errorf("list rdma devices: %w", err)
	}
	if deviceName != "" {
		names = []string{deviceName}
	} else {
		names = excludeDeviceNames(names, excludeDevices)
	}

	for _, name := range names {
		dev, err := verbs.OpenDevice(name)
		if err != nil {
			continue
		}
		attr, err := dev.QueryPort(1)
		if err != nil {
			dev.Close()
			continue
		}

		var candidates []gidCandidate
		for idx := 0; idx < attr.GIDTableLen; idx++ {
			gid, err := dev.QueryGID(1, idx)
			if err != nil {
				continue
			}
			typ, err := rdma.ReadGIDType(sysfsRoot, name, 1, idx)
			if err != nil || typ != rdma.GIDTypeRoCEv2 {
				continue
			}
			candidates = append(candidates, gidCandidate{Index: idx, Bytes: gid})
		}
		if len(candidates) == 0 {
			dev.Close()
			continue
		}
		return dev, 1, candidates, nil
	}
	return nil, 0, nil, fmt.Errorf("no device with a RoCEv2 GID found")
}

func excludeDeviceNames(names, exclude []string) []string {
	if len(exclude) == 0 {
		return names
	}
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}
	var out []string
	for _, name := range names {
		if !excluded[name] {
			out = append(out, name)
		}
	}
	return out
}

func envelopePort(rpcAddr string) string {
	host, portStr, err := net.SplitHostPort(rpcAddr)
	if err != nil {
		return rpcAddr
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return net.JoinHostPort(host, fmt.Sprintf("%d", port+1))
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
