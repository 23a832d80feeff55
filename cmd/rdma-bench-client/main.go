// Command rdma-bench-client drives one benchmark run: it resolves the
// source IPv4 and RoCEv2 GID to use, runs the client-side data-plane
// driver (spec §4.5) against a running rdma-bench-server, and prints a
// human-readable throughput summary.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/kobayashi-oss/rdmabench/internal/benchclient"
	"github.com/kobayashi-oss/rdmabench/internal/config"
	"github.com/kobayashi-oss/rdmabench/internal/controlplane"
	"github.com/kobayashi-oss/rdmabench/internal/route"
	"github.com/kobayashi-oss/rdmabench/internal/verbs"
)

func main() {
	cfg, err := config.ParseClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting rdma-bench-client",
		"server", cfg.ServerAddr,
		"volume", cfg.Volume,
		"msg_size", cfg.MsgSize,
		"iterations", cfg.Iterations,
		"qps", cfg.QPs,
	)

	dev, port, gidIndex, err := resolveEndpoint(cfg.ServerAddr, cfg.DeviceName)
	if err != nil {
		logger.Error("failed to resolve local rdma endpoint", "err", err)
		os.Exit(1)
	}
	defer dev.Close()

	pd, err := dev.AllocPD()
	if err != nil {
		logger.Error("failed to allocate protection domain", "err", err)
		os.Exit(1)
	}
	defer pd.Close()

	ctrl, err := controlplane.Dial(cfg.ServerAddr)
	if err != nil {
		logger.Error("failed to dial control plane", "err", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	result, err := benchclient.Run(dev, pd, ctrl, benchclient.Config{
		Volume:       cfg.Volume,
		MsgSize:      cfg.MsgSize,
		Iterations:   cfg.Iterations,
		QPs:          cfg.QPs,
		BatchSize:    cfg.BatchSize,
		Delay:        cfg.Delay,
		ClientID:     uuid.NewString(),
		Port:         port,
		GIDIndex:     gidIndex,
		EnvelopeAddr: envelopePort(cfg.ServerAddr),
	})
	if err != nil {
		logger.Error("benchmark run failed", "err", err)
		os.Exit(1)
	}

	printSummary(result)
}

func resolveEndpoint(serverAddr, deviceName string) (*verbs.Device, uint8, int, error) {
	host, _, err := net.SplitHostPort(serverAddr)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("parse server address: %w", err)
	}
	dstIPs, err := net.LookupIP(host)
	if err != nil || len(dstIPs) == 0 {
		return nil, 0, 0, fmt.Errorf("resolve server host %q: %w", host, err)
	}

	srcIP, err := route.SourceIPFor(dstIPs[0])
	if err != nil {
		return nil, 0, 0, fmt.Errorf("source_ip_for: %w", err)
	}

	endpoint, err := route.LocateRoCE(srcIP, "/sys")
	if err != nil {
		return nil, 0, 0, fmt.Errorf("locate_roce: %w", err)
	}

	name := endpoint.DeviceName
	if deviceName != "" {
		name = deviceName
	}
	dev, err := verbs.OpenDevice(name)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open device %s: %w", name, err)
	}
	return dev, endpoint.Port, endpoint.GIDIndex, nil
}

func envelopePort(serverAddr string) string {
	host, portStr, err := net.SplitHostPort(serverAddr)
	if err != nil {
		return serverAddr
	}
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return net.JoinHostPort(host, fmt.Sprintf("%d", port+1))
}

func printSummary(r benchclient.Result) {
	seconds := r.Elapsed.Seconds()
	var gbps float64
	if seconds > 0 {
		gbps = float64(r.BytesTransferred) * 8 / seconds / 1e9
	}
	fmt.Printf("transferred %d bytes in %s (%.2f Gbps)\n", r.BytesTransferred, r.Elapsed, gbps)
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
