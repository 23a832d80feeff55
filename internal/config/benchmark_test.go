package config

import "testing"

func TestParseClientDefaults(t *testing.T) {
	cfg, err := ParseClient([]string{"-server", "10.0.0.1:7471"})
	if err != nil {
		t.Fatalf("ParseClient: %v", err)
	}
	if cfg.Volume != 64*1024*1024 {
		t.Fatalf("expected default volume 64MiB, got %d", cfg.Volume)
	}
	if cfg.MsgSize != defaultMsgSize {
		t.Fatalf("expected default msg size, got %d", cfg.MsgSize)
	}
	if cfg.QPs != defaultQPs {
		t.Fatalf("expected default qps, got %d", cfg.QPs)
	}
	if cfg.ServerAddr != "10.0.0.1:7471" {
		t.Fatalf("unexpected server addr %q", cfg.ServerAddr)
	}
}

func TestParseClientVolumeSuffix(t *testing.T) {
	cfg, err := ParseClient([]string{"-server", "x:1", "-volume", "2GiB"})
	if err != nil {
		t.Fatalf("ParseClient: %v", err)
	}
	if cfg.Volume != 2*1024*1024*1024 {
		t.Fatalf("expected 2GiB, got %d", cfg.Volume)
	}
}

func TestParseClientRequiresServer(t *testing.T) {
	if _, err := ParseClient(nil); err == nil {
		t.Fatalf("expected error when -server is missing")
	}
}

func TestParseClientInvalidVolume(t *testing.T) {
	if _, err := ParseClient([]string{"-server", "x:1", "-volume", "not-a-size"}); err == nil {
		t.Fatalf("expected error for invalid volume")
	}
}

func TestParseServerDefaults(t *testing.T) {
	cfg, err := ParseServer(nil)
	if err != nil {
		t.Fatalf("ParseServer: %v", err)
	}
	if cfg.ListenAddr != ":7471" {
		t.Fatalf("unexpected default listen addr %q", cfg.ListenAddr)
	}
	if cfg.MetricsPath != defaultMetricsPath {
		t.Fatalf("expected default metrics path %q, got %q", defaultMetricsPath, cfg.MetricsPath)
	}
	if cfg.SysfsRoot != defaultSysfsRoot {
		t.Fatalf("expected default sysfs root %q, got %q", defaultSysfsRoot, cfg.SysfsRoot)
	}
	if !cfg.EnableRoCEPFCMetrics {
		t.Fatalf("expected RoCE PFC metrics enabled by default")
	}
	if cfg.ExcludeDevices != nil {
		t.Fatalf("expected nil excluded devices by default, got %v", cfg.ExcludeDevices)
	}
}

func TestParseServerExcludeDevices(t *testing.T) {
	cfg, err := ParseServer([]string{"-exclude-devices", "mlx5_0, mlx5_1"})
	if err != nil {
		t.Fatalf("ParseServer: %v", err)
	}
	if len(cfg.ExcludeDevices) != 2 || cfg.ExcludeDevices[0] != "mlx5_0" || cfg.ExcludeDevices[1] != "mlx5_1" {
		t.Fatalf("unexpected exclude devices: %v", cfg.ExcludeDevices)
	}
}

func TestParseServerRoCEPFCMetricsToggle(t *testing.T) {
	cfg, err := ParseServer([]string{"-enable-roce-pfc-metrics=false"})
	if err != nil {
		t.Fatalf("ParseServer: %v", err)
	}
	if cfg.EnableRoCEPFCMetrics {
		t.Fatalf("expected RoCE PFC metrics disabled by flag")
	}
}
