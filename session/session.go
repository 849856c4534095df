// Package session implements DeviceSession: the single owner of the serial
// transport. It serialises command submission from any number of callers
// onto one in-flight command at a time, correlates the device's terminal
// response back to the submitter, and runs the periodic liveness prober.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gcode-proxy/protocol"
	"gcode-proxy/transport"
)

// ErrServiceStopped is returned to a submitter whose command is still
// waiting for queue capacity, or for a terminal response, when the session
// is shutting down.
var ErrServiceStopped = errors.New("session: service stopped")

// Command is a single outgoing GCode (or real-time) line, tagged with its
// originating client and a monotonic sequence number assigned at submission.
// The sequence number exists only for logging and test assertions.
type Command struct {
	Line       string
	ClientAddr string
	Seq        uint64
	IsQuery    bool // true iff Line == "?"
}

// TriggerEvaluator is notified of every command written to the device, in
// order, before the write happens. Implemented by trigger.Engine.
type TriggerEvaluator interface {
	Evaluate(line string)
}

// Handlers is the subset of the four pipeline hooks the dispatcher itself
// invokes. handlers.Chain and handlers.NoOp satisfy this structurally.
type Handlers interface {
	OnGCodeSent(line, clientAddr string)
	OnResponseReceived(resp protocol.Response, cmd Command) protocol.Response
}

// Options configures a Session. Zero values are not valid; use
// DefaultOptions as a starting point.
type Options struct {
	QueueLimit        int
	CommandTimeout    time.Duration
	ProbePeriod       time.Duration // 0 disables the liveness prober
	SwallowRealtimeOk bool
	DrainGrace        time.Duration
}

// DefaultOptions mirrors the defaults named in spec.md §6.
func DefaultOptions() Options {
	return Options{
		QueueLimit:        50,
		CommandTimeout:    5 * time.Second,
		ProbePeriod:       time.Second,
		SwallowRealtimeOk: true,
		DrainGrace:        2 * time.Second,
	}
}

type submission struct {
	cmd      Command
	internal bool // true for liveness-prober-originated probes
	deliver  func(protocol.Response)
	timeout  time.Duration
	resultCh chan error
}

type inflight struct {
	cmd       Command
	internal  bool
	deliver   func(protocol.Response)
	doneCh    chan struct{}
	completed bool
}

// Session owns the serial transport exclusively; no other component may
// touch it. See spec.md §4.2 and §5.
type Session struct {
	opts     Options
	tran     transport.Transport
	triggers TriggerEvaluator
	handlers Handlers
	onFatal  func(error)

	fatalOnce sync.Once

	queue  chan *submission
	stopCh chan struct{}
	stopped atomic.Bool

	seqCounter atomic.Uint64

	mu  sync.Mutex
	cur *inflight

	dispatcherDone chan struct{}
	readerDone     chan struct{}
	livenessDone   chan struct{}
}

// New constructs a Session. The transport must already be open-able; Start
// opens it.
func New(opts Options, tran transport.Transport, triggers TriggerEvaluator, handlers Handlers) *Session {
	return &Session{
		opts:           opts,
		tran:           tran,
		triggers:       triggers,
		handlers:       handlers,
		queue:          make(chan *submission, opts.QueueLimit),
		stopCh:         make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		readerDone:     make(chan struct{}),
		livenessDone:   make(chan struct{}),
	}
}

// OnFatal registers a callback invoked exactly once if the transport reports
// TransportClosed outside of an orderly Stop. Used by proxyservice to drive
// the rest of the shutdown sequence (spec.md §7).
func (s *Session) OnFatal(f func(error)) {
	s.onFatal = f
}

// Start opens the transport and launches the dispatcher, response reader,
// and liveness prober goroutines.
func (s *Session) Start() error {
	if err := s.tran.Open(); err != nil {
		return err
	}
	go s.readLoop()
	go s.dispatchLoop()
	go s.livenessLoop()
	return nil
}

// Submit enqueues a single client-originated command and blocks until its
// terminal response has been delivered (via deliver) or the session decides
// no response will ever come. deliver may be invoked zero or more times
// with non-terminal (Informational) responses before being invoked exactly
// once with the terminal one.
func (s *Session) Submit(ctx context.Context, line, clientAddr string, deliver func(protocol.Response)) error {
	cmd := Command{
		Line:       line,
		ClientAddr: clientAddr,
		Seq:        s.seqCounter.Add(1),
		IsQuery:    protocol.IsRealtimeQuery(line),
	}
	sub := &submission{
		cmd:      cmd,
		deliver:  deliver,
		timeout:  s.opts.CommandTimeout,
		resultCh: make(chan error, 1),
	}
	if s.stopping() {
		return ErrServiceStopped
	}
	select {
	case s.queue <- sub:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrServiceStopped
	}
	select {
	case err := <-sub.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) sendProbe() {
	cmd := Command{
		Line:    "?",
		Seq:     s.seqCounter.Add(1),
		IsQuery: true,
	}
	sub := &submission{
		cmd:      cmd,
		internal: true,
		deliver:  s.recordProbeResult,
		timeout:  2 * s.opts.ProbePeriod,
		resultCh: make(chan error, 1),
	}
	if s.stopping() {
		return
	}
	select {
	case s.queue <- sub:
	case <-s.stopCh:
		return
	}
	select {
	case <-sub.resultCh:
	case <-s.stopCh:
	}
}

// stopping reports whether stopCh has already been closed. Checked with a
// non-blocking select immediately before any select that also has s.queue as
// a case, so shutdown always wins the race instead of Go's pseudo-random
// select picking "accept one more item" (s.queue is never closed and
// usually has free capacity, so it is often ready alongside stopCh).
func (s *Session) stopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Session) recordProbeResult(resp protocol.Response) {
	if resp.Class == protocol.Error {
		slog.Warn("liveness probe got no status response within deadline; device may be unhealthy")
		return
	}
	slog.Debug("liveness probe ok", "response", resp.Text)
}

func (s *Session) livenessLoop() {
	defer close(s.livenessDone)
	if s.opts.ProbePeriod <= 0 {
		return
	}
	ticker := time.NewTicker(s.opts.ProbePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sendProbe()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Session) dispatchLoop() {
	defer close(s.dispatcherDone)
	for {
		if s.stopping() {
			s.drainRemaining()
			return
		}
		select {
		case sub := <-s.queue:
			s.runOne(sub)
		case <-s.stopCh:
			s.drainRemaining()
			return
		}
	}
}

// drainRemaining empties whatever is still queued when shutdown begins,
// bounded by DrainGrace, surfacing ErrServiceStopped to each waiter.
func (s *Session) drainRemaining() {
	deadline := time.After(s.opts.DrainGrace)
	for {
		select {
		case sub := <-s.queue:
			sub.resultCh <- ErrServiceStopped
		case <-deadline:
			return
		default:
			if len(s.queue) == 0 {
				return
			}
		}
	}
}

func (s *Session) runOne(sub *submission) {
	s.triggers.Evaluate(sub.cmd.Line)
	s.handlers.OnGCodeSent(sub.cmd.Line, sub.cmd.ClientAddr)

	infl := &inflight{
		cmd:      sub.cmd,
		internal: sub.internal,
		deliver:  sub.deliver,
		doneCh:   make(chan struct{}),
	}
	s.mu.Lock()
	s.cur = infl
	s.mu.Unlock()

	if err := s.tran.WriteLine(sub.cmd.Line); err != nil {
		s.mu.Lock()
		if s.cur == infl {
			s.cur = nil
		}
		s.mu.Unlock()
		sub.resultCh <- err
		s.reportFatal(err)
		return
	}

	timer := time.NewTimer(sub.timeout)
	defer timer.Stop()
	select {
	case <-infl.doneCh:
	case <-timer.C:
		s.timeoutCurrent(infl)
	}
	sub.resultCh <- nil
}

// timeoutCurrent fires the synthetic error:timeout response for infl unless
// it was already completed by the reader goroutine in the race window
// between the timer firing and the read arriving.
func (s *Session) timeoutCurrent(infl *inflight) {
	s.mu.Lock()
	if s.cur != infl || infl.completed {
		s.mu.Unlock()
		<-infl.doneCh
		return
	}
	infl.completed = true
	s.cur = nil
	s.mu.Unlock()

	resp := s.handlers.OnResponseReceived(protocol.SyntheticTimeout(), infl.cmd)
	infl.deliver(resp)
	close(infl.doneCh)
}

func (s *Session) reportFatal(err error) {
	if s.stopped.Load() {
		return
	}
	if s.onFatal != nil {
		s.fatalOnce.Do(func() { s.onFatal(err) })
	}
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		line, err := s.tran.ReadLine()
		if err != nil {
			s.reportFatal(err)
			return
		}
		s.handleResponse(protocol.Classify(line))
	}
}

func (s *Session) handleResponse(resp protocol.Response) {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()

	switch resp.Class {
	case protocol.StatusReport:
		if cur != nil && cur.cmd.IsQuery {
			s.completeCurrent(cur, resp)
		} else {
			slog.Debug("out-of-band status report", "line", resp.Text)
		}
	case protocol.Acknowledgement:
		if cur == nil {
			slog.Warn("unexpected ok with nothing in flight", "line", resp.Text)
			return
		}
		if cur.internal && s.opts.SwallowRealtimeOk {
			slog.Debug("swallowed realtime ok from liveness probe", "line", resp.Text)
			return
		}
		s.completeCurrent(cur, resp)
	case protocol.Error:
		if cur == nil {
			slog.Warn("unexpected error response with nothing in flight", "line", resp.Text)
			return
		}
		s.completeCurrent(cur, resp)
	default: // Informational
		if cur == nil {
			slog.Debug("dropped informational line, no waiting command", "line", resp.Text)
			return
		}
		rewritten := s.handlers.OnResponseReceived(resp, cur.cmd)
		cur.deliver(rewritten)
	}
}

// completeCurrent marks cur terminal, forwards it through the
// response-received hook and to the waiter, and releases the in-flight
// slot so the next queued command may proceed.
func (s *Session) completeCurrent(cur *inflight, resp protocol.Response) {
	s.mu.Lock()
	if s.cur != cur || cur.completed {
		s.mu.Unlock()
		return
	}
	cur.completed = true
	s.cur = nil
	s.mu.Unlock()

	rewritten := s.handlers.OnResponseReceived(resp, cur.cmd)
	cur.deliver(rewritten)
	close(cur.doneCh)
}

// Stop cancels the liveness prober, drains the submission queue within
// DrainGrace, waits for the dispatcher and prober to exit, closes the
// transport, then waits for the reader to exit. Calls after the first are
// no-ops.
func (s *Session) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)
	<-s.dispatcherDone
	<-s.livenessDone
	_ = s.tran.Close()
	<-s.readerDone
}
