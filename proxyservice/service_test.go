package proxyservice

import (
	"bufio"
	"net"
	"testing"
	"time"

	"gcode-proxy/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		ServerAddress:     "127.0.0.1",
		ServerPort:        0,
		QueueLimit:        10,
		DeviceDevPath:     "unused-in-dry-run",
		BaudRate:          115200,
		CommandTimeout:    time.Second,
		LivenessPeriod:    0,
		SwallowRealtimeOk: true,
		DrainGrace:        time.Second,
		TriggerGrace:      time.Second,
		LogDir:            "",
		DryRun:            true,
	}
}

func TestServiceEndToEndEchoesOk(t *testing.T) {
	svc, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	addr := svc.server.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("G28\n"))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "ok\n" {
		t.Fatalf("got %q, want ok", line)
	}
}

func TestNewRejectsAmbiguousDeviceSelection(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeviceUSBID = "303a:4001" // both dev-path and usb-id now set
	if _, err := New(cfg); err == nil {
		t.Fatal("expected ConfigInvalid error for ambiguous device selection")
	}
}

func TestNewRejectsBadTriggerRegex(t *testing.T) {
	cfg := testConfig(t)
	cfg.CustomTriggers = []config.TriggerConfig{
		{ID: "bad", Type: "gcode", Match: "(unterminated", Command: "true"},
	}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected RuleCompileError for invalid regex")
	}
}
