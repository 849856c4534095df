// Package proxyservice composes transport, session, trigger, handlers,
// clientconn and proxyserver into the running proxy process, and owns the
// startup/shutdown ordering spec.md §4.5 and §5 describe.
package proxyservice

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"gcode-proxy/clientconn"
	"gcode-proxy/config"
	"gcode-proxy/handlers"
	"gcode-proxy/proxyserver"
	"gcode-proxy/session"
	"gcode-proxy/transport"
	"gcode-proxy/trigger"
	"gcode-proxy/usbresolve"
)

// Service is the fully wired proxy: one DeviceSession, one TriggerEngine,
// one TCP Server, sharing a single Handlers chain.
type Service struct {
	cfg config.Config

	tran     transport.Transport
	triggers *trigger.Engine
	sess     *session.Session
	fileLog  *handlers.FileLogger
	server   *proxyserver.Server

	fatalCh chan error
}

// New resolves the device path (if needed), compiles trigger rules, and
// wires every component together. It does not open the transport or start
// accepting connections; call Start for that. A non-nil error here means
// ConfigInvalid or RuleCompileError (spec.md §7) and the process should
// abort without attempting Start.
func New(cfg config.Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rules, err := trigger.Compile(toRuleConfigs(cfg.CustomTriggers))
	if err != nil {
		return nil, fmt.Errorf("proxyservice: %w", err)
	}

	devPath := cfg.DeviceDevPath
	if devPath == "" {
		resolved, err := usbresolve.Resolve(cfg.DeviceUSBID)
		if err != nil {
			return nil, fmt.Errorf("proxyservice: %w", err)
		}
		devPath = resolved
	}

	var tran transport.Transport
	if cfg.DryRun {
		tran = transport.NewDryRun()
	} else {
		tran = transport.NewSerial(devPath, cfg.BaudRate, cfg.SerialDelay)
	}

	triggerEngine := trigger.NewEngine(rules, cfg.TriggerGrace)

	var fileLog *handlers.FileLogger
	chainHandlers := []handlers.Handlers{}
	if cfg.LogDir != "" {
		fileLog = handlers.NewFileLogger(cfg.LogDir)
		chainHandlers = append(chainHandlers, fileLog)
	}
	chain := handlers.NewChain(chainHandlers...)

	sessOpts := session.Options{
		QueueLimit:        cfg.QueueLimit,
		CommandTimeout:    cfg.CommandTimeout,
		ProbePeriod:       cfg.LivenessPeriod,
		SwallowRealtimeOk: cfg.SwallowRealtimeOk,
		DrainGrace:        cfg.DrainGrace,
	}
	sess := session.New(sessOpts, tran, triggerEngine, chain)

	svc := &Service{
		cfg:      cfg,
		tran:     tran,
		triggers: triggerEngine,
		sess:     sess,
		fileLog:  fileLog,
		fatalCh:  make(chan error, 1),
	}

	sess.OnFatal(svc.onSessionFatal)

	factory := func(c net.Conn) *clientconn.Connection {
		return clientconn.New(c, sess, chain)
	}
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddress, cfg.ServerPort)
	svc.server = proxyserver.New(addr, factory)

	return svc, nil
}

func toRuleConfigs(ts []config.TriggerConfig) []trigger.RuleConfig {
	out := make([]trigger.RuleConfig, len(ts))
	for i, t := range ts {
		out[i] = trigger.RuleConfig{ID: t.ID, Type: t.Type, Match: t.Match, Command: t.Command}
	}
	return out
}

func (s *Service) onSessionFatal(err error) {
	slog.Error("device session failed", "error", err)
	select {
	case s.fatalCh <- err:
	default:
	}
}

// Fatal returns a channel that receives exactly one error if the device
// session fails outside of an orderly Stop (e.g. the serial port
// disappears). The caller should treat this as TransportOpenFailed's
// runtime counterpart and initiate Stop.
func (s *Service) Fatal() <-chan error {
	return s.fatalCh
}

// Start opens the transport, launches the session's background goroutines,
// and begins accepting TCP clients. Per spec.md §7, a transport open
// failure here is TransportOpenFailed and the process should abort.
func (s *Service) Start() error {
	if err := s.sess.Start(); err != nil {
		return fmt.Errorf("proxyservice: %w", err)
	}
	if err := s.server.Start(); err != nil {
		s.sess.Stop()
		return fmt.Errorf("proxyservice: %w", err)
	}
	slog.Info("gcode proxy started", "addr", fmt.Sprintf("%s:%d", s.cfg.ServerAddress, s.cfg.ServerPort))
	return nil
}

// Stop performs the ordered shutdown spec.md §4.5/§5 describe: stop
// accepting new clients and close existing ones, stop the device session
// (draining in-flight work and closing the transport), then await
// outstanding trigger subprocesses within their grace period.
func (s *Service) Stop() {
	s.server.Stop(2 * time.Second)
	s.sess.Stop()
	s.triggers.Await()
	if s.fileLog != nil {
		s.fileLog.Close()
	}
}
