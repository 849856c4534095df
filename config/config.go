// Package config is the thin, external-collaborator configuration surface
// named in spec.md §1/§6. Full precedence resolution across multiple
// sources (env vars, files, CLI) is explicitly out of scope; this package
// only resolves the flat option table in spec.md §6 from command-line flags
// with defaults, the way the teacher's own main.go does.
package config

import (
	"errors"
	"flag"
	"time"
)

// TriggerConfig mirrors one `custom-triggers[]` entry.
type TriggerConfig struct {
	ID      string
	Type    string
	Match   string
	Command string
}

// Config is the fully-resolved set of options spec.md §6 names.
type Config struct {
	ServerAddress string
	ServerPort    int
	QueueLimit    int

	DeviceUSBID   string // "vendor:product", mutually exclusive with DevPath
	DeviceDevPath string

	BaudRate          int
	SerialDelay       time.Duration
	LivenessPeriod    time.Duration // 0 disables the liveness prober
	SwallowRealtimeOk bool

	CommandTimeout time.Duration
	DrainGrace     time.Duration
	TriggerGrace   time.Duration

	LogDir string

	CustomTriggers []TriggerConfig

	DryRun  bool
	Verbose bool
}

// ErrDeviceSelectionAmbiguous is returned when both or neither of
// device.usb-id / device.dev-path are set (spec.md §6: mutually exclusive).
var ErrDeviceSelectionAmbiguous = errors.New("config: exactly one of device.usb-id or device.dev-path must be set")

// Validate enforces the invariants spec.md §6/§7 name as startup-aborting
// (ConfigInvalid).
func (c Config) Validate() error {
	haveUSB := c.DeviceUSBID != ""
	haveDev := c.DeviceDevPath != ""
	if haveUSB == haveDev {
		return ErrDeviceSelectionAmbiguous
	}
	return nil
}

// FromFlags parses args (typically os.Args[1:]) into a Config, applying the
// defaults named in spec.md §6. Trigger rules are not flag-configurable
// here (they come from whatever structured config source supplies
// CustomTriggers — the precedence/parsing of that source is out of scope);
// callers construct Config.CustomTriggers directly, e.g. from a loaded YAML
// file, and then call FromFlags for everything else before merging.
func FromFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("gcode-proxy", flag.ContinueOnError)

	address := fs.String("server.address", "0.0.0.0", "TCP bind address")
	port := fs.Int("server.port", 2323, "TCP bind port")
	queueLimit := fs.Int("server.queue-limit", 50, "device submission queue capacity")

	usbID := fs.String("device.usb-id", "", "vendor:product pair, e.g. 303a:4001 (mutually exclusive with device.dev-path)")
	devPath := fs.String("device.dev-path", "", "direct device path, e.g. /dev/ttyUSB0 (mutually exclusive with device.usb-id)")
	baud := fs.Int("device.baud-rate", 115200, "serial baud rate")
	serialDelayMs := fs.Int("device.serial-delay", 100, "post-open quiescence window, ms")
	livenessMs := fs.Int("device.liveness-period", 1000, "liveness probe interval, ms (0 disables)")
	swallowOk := fs.Bool("device.swallow-realtime-ok", true, "suppress synthetic ok from liveness probes")

	commandTimeoutMs := fs.Int("command-timeout", 5000, "per-command response deadline, ms")
	drainGraceMs := fs.Int("drain-grace", 2000, "dispatcher drain grace period on shutdown, ms")
	triggerGraceMs := fs.Int("trigger-grace", 2000, "trigger subprocess grace period on shutdown, ms")

	logDir := fs.String("log-dir", "logs", "directory for the pipeline hook log")
	dryRun := fs.Bool("dry-run", false, "replace the serial transport with a synthetic one")
	verbose := fs.Bool("verbose", false, "verbose logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ServerAddress:     *address,
		ServerPort:        *port,
		QueueLimit:        *queueLimit,
		DeviceUSBID:       *usbID,
		DeviceDevPath:     *devPath,
		BaudRate:          *baud,
		SerialDelay:       time.Duration(*serialDelayMs) * time.Millisecond,
		LivenessPeriod:    time.Duration(*livenessMs) * time.Millisecond,
		SwallowRealtimeOk: *swallowOk,
		CommandTimeout:    time.Duration(*commandTimeoutMs) * time.Millisecond,
		DrainGrace:        time.Duration(*drainGraceMs) * time.Millisecond,
		TriggerGrace:      time.Duration(*triggerGraceMs) * time.Millisecond,
		LogDir:            *logDir,
		DryRun:            *dryRun,
		Verbose:           *verbose,
	}
	return cfg, nil
}
