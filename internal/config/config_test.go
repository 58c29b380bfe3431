package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"10.0.0.5"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ServerIP != "10.0.0.5" {
		t.Fatalf("ServerIP = %q", cfg.ServerIP)
	}
	if cfg.ServerPort != DefaultPort {
		t.Fatalf("ServerPort = %d, want default %d", cfg.ServerPort, DefaultPort)
	}
	if cfg.SerialDevice != DefaultSerialDevice {
		t.Fatalf("SerialDevice = %q, want default %q", cfg.SerialDevice, DefaultSerialDevice)
	}
	if cfg.Debug {
		t.Fatalf("Debug = true, want false")
	}
}

func TestParseAllArgsAndTrailingDebugFlag(t *testing.T) {
	cfg, err := Parse([]string{"10.0.0.5", "9000", "/dev/ttyS1", "-d"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ServerIP != "10.0.0.5" || cfg.ServerPort != 9000 || cfg.SerialDevice != "/dev/ttyS1" || !cfg.Debug {
		t.Fatalf("Parse = %+v", cfg)
	}
}

func TestParseMissingServerIP(t *testing.T) {
	if _, err := Parse(nil); err == nil {
		t.Fatalf("expected error for missing server IP")
	}
	if _, err := Parse([]string{"-d"}); err == nil {
		t.Fatalf("expected error when only -d is given")
	}
}

func TestParseInvalidPort(t *testing.T) {
	if _, err := Parse([]string{"10.0.0.5", "not-a-port"}); err == nil {
		t.Fatalf("expected error for invalid port")
	}
	if _, err := Parse([]string{"10.0.0.5", "70000"}); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}
