package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/dustin/go-humanize"
)

const (
	defaultMsgSize           = 65536
	defaultIterations        = 1
	defaultQPs               = 1
	defaultDelay             = 0 * time.Millisecond
	defaultBatchSize         = 2000
	defaultLogLevel          = "info"
	defaultSysfsRoot         = "/sys"
	defaultMetricsPath       = "/metrics"
	defaultHealthPath        = "/healthz"
	defaultMetricsListenAddr = ":9880"
	defaultScrapeTimeout     = 5 * time.Second
)

// ClientConfig captures the knobs recognized by the benchmark client (spec
// §6 Environment): volume, msg_size, iterations, qps, optional delay and
// device_name, plus the server address to dial.
type ClientConfig struct {
	Volume     uint64
	MsgSize    uint64
	Iterations uint64
	QPs        uint32
	BatchSize  int
	Delay      time.Duration
	DeviceName string
	ServerAddr string
	LogLevel   slog.Level
}

// ParseClient constructs a ClientConfig from command-line flags and
// environment variables, in the same flag+envOrDefault idiom as
// ParseServer.
func ParseClient(args []string) (ClientConfig, error) {
	var cfg ClientConfig

	fs := flag.NewFlagSet("rdma-bench-client", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	volumeStr := fs.String("volume", envOrDefault("RDMA_BENCH_VOLUME", "64MiB"), "Total bytes to transfer (accepts SI/IEC suffixes, e.g. 64MiB).")
	msgSize := fs.Uint64("msg-size", envOrDefaultUint64("RDMA_BENCH_MSG_SIZE", defaultMsgSize), "Size in bytes of each RDMA_WRITE message.")
	iterations := fs.Uint64("iterations", envOrDefaultUint64("RDMA_BENCH_ITERATIONS", defaultIterations), "Number of passes over the registered buffer.")
	qps := fs.Uint("qps", uint(envOrDefaultUint64("RDMA_BENCH_QPS", defaultQPs)), "Number of queue pairs to shard the transfer across.")
	batchSize := fs.Int("batch-size", int(envOrDefaultUint64("RDMA_BENCH_BATCH_SIZE", defaultBatchSize)), "Maximum work requests per post_send/drain cycle.")
	delay := fs.Duration("delay", defaultDelay, "Per-QP startup stagger (qp_index * delay).")
	deviceName := fs.String("device-name", envOrDefault("RDMA_BENCH_DEVICE_NAME", ""), "Override automatic GID resolution with a specific RDMA device.")
	serverAddr := fs.String("server", envOrDefault("RDMA_BENCH_SERVER", ""), "Control-plane address of the benchmark server (host:port).")
	logLevel := fs.String("log-level", envOrDefault("RDMA_BENCH_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	volume, err := humanize.ParseBytes(*volumeStr)
	if err != nil {
		return cfg, fmt.Errorf("invalid volume %q: %w", *volumeStr, err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}

	if *serverAddr == "" {
		return cfg, errors.New("server address is required (-server or RDMA_BENCH_SERVER)")
	}

	cfg = ClientConfig{
		Volume:     volume,
		MsgSize:    *msgSize,
		Iterations: *iterations,
		QPs:        uint32(*qps),
		BatchSize:  *batchSize,
		Delay:      *delay,
		DeviceName: *deviceName,
		ServerAddr: *serverAddr,
		LogLevel:   level,
	}
	return cfg, nil
}

// ServerConfig captures the knobs recognized by the benchmark server: its
// own control-plane listen address plus the inherited NIC-telemetry
// side-channel options (metrics/health paths, sysfs root, scrape timeout,
// device exclusion list, RoCE PFC counter toggle).
type ServerConfig struct {
	ListenAddr           string
	DeviceName           string
	LogLevel             slog.Level
	MetricsListenAddr    string
	MetricsPath          string
	HealthPath           string
	SysfsRoot            string
	ScrapeTimeout        time.Duration
	ExcludeDevices       []string
	EnableRoCEPFCMetrics bool
}

// ParseServer constructs a ServerConfig from command-line flags and
// environment variables.
func ParseServer(args []string) (ServerConfig, error) {
	var cfg ServerConfig

	fs := flag.NewFlagSet("rdma-bench-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	listenAddr := fs.String("listen", envOrDefault("RDMA_BENCH_LISTEN", ":7471"), "Control-plane listen address.")
	deviceName := fs.String("device-name", envOrDefault("RDMA_BENCH_DEVICE_NAME", ""), "Override automatic GID resolution with a specific RDMA device.")
	logLevel := fs.String("log-level", envOrDefault("RDMA_BENCH_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")
	metricsListenAddr := fs.String("metrics-listen-address", envOrDefault("RDMA_BENCH_METRICS_LISTEN_ADDRESS", defaultMetricsListenAddr), "Address to listen on for the Prometheus metrics HTTP server.")
	metricsPath := fs.String("metrics-path", envOrDefault("RDMA_BENCH_METRICS_PATH", defaultMetricsPath), "HTTP path under which metrics are served.")
	healthPath := fs.String("health-path", envOrDefault("RDMA_BENCH_HEALTH_PATH", defaultHealthPath), "HTTP path for health checks.")
	sysfsRoot := fs.String("sysfs-root", envOrDefault("RDMA_BENCH_SYSFS_ROOT", defaultSysfsRoot), "Root of the sysfs tree to read RDMA device/port/GID data from.")
	excludeDevices := fs.String("exclude-devices", envOrDefault("RDMA_BENCH_EXCLUDE_DEVICES", ""), "Comma-separated list of RDMA device names to exclude from telemetry.")
	enableRoCEPFC := fs.Bool("enable-roce-pfc-metrics", envOrDefaultBool("RDMA_BENCH_ENABLE_ROCE_PFC_METRICS", true), "Collect RoCEv2 PFC ethtool counters alongside benchmark metrics.")

	timeoutDefault := defaultScrapeTimeout
	if envTimeout := os.Getenv("RDMA_BENCH_SCRAPE_TIMEOUT"); envTimeout != "" {
		parsed, err := time.ParseDuration(envTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid RDMA_BENCH_SCRAPE_TIMEOUT: %w", err)
		}
		timeoutDefault = parsed
	}
	scrapeTimeout := fs.Duration("scrape-timeout", timeoutDefault, "Maximum duration to spend gathering NIC telemetry per scrape.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}

	cfg = ServerConfig{
		ListenAddr:           *listenAddr,
		DeviceName:           *deviceName,
		LogLevel:             level,
		MetricsListenAddr:    *metricsListenAddr,
		MetricsPath:          *metricsPath,
		HealthPath:           *healthPath,
		SysfsRoot:            *sysfsRoot,
		ScrapeTimeout:        *scrapeTimeout,
		ExcludeDevices:       parseDeviceList(*excludeDevices),
		EnableRoCEPFCMetrics: *enableRoCEPFC,
	}
	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envOrDefaultUint64(key string, fallback uint64) uint64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := humanize.ParseBytes(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := parseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", value)
	}
}

func parseDeviceList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}
