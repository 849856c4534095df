package session

import (
	"context"
	"testing"
	"time"

	"gcode-proxy/protocol"
	"gcode-proxy/transport"
)

type noopTriggers struct{ evaluated []string }

func (n *noopTriggers) Evaluate(line string) { n.evaluated = append(n.evaluated, line) }

type recordingHandlers struct {
	sent     []string
	received []protocol.Response
}

func (h *recordingHandlers) OnGCodeSent(line, clientAddr string) { h.sent = append(h.sent, line) }
func (h *recordingHandlers) OnResponseReceived(resp protocol.Response, cmd Command) protocol.Response {
	h.received = append(h.received, resp)
	return resp
}

func newTestSession(t *testing.T, opts Options) (*Session, *transport.DryRun) {
	t.Helper()
	d := transport.NewDryRun()
	s := New(opts, d, &noopTriggers{}, &recordingHandlers{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, d
}

// Scenario (a): single-client echo.
func TestSubmitEchoesOk(t *testing.T) {
	opts := DefaultOptions()
	opts.ProbePeriod = 0
	s, _ := newTestSession(t, opts)

	var got []protocol.Response
	err := s.Submit(context.Background(), "G28", "client-1", func(r protocol.Response) {
		got = append(got, r)
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(got) != 1 || got[0].Text != "ok" {
		t.Fatalf("got %v, want single ok", got)
	}
}

// Invariant 1: a single client observes responses in submission order.
func TestOrderingWithinOneClient(t *testing.T) {
	opts := DefaultOptions()
	opts.ProbePeriod = 0
	s, _ := newTestSession(t, opts)

	for i := 0; i < 20; i++ {
		var got protocol.Response
		err := s.Submit(context.Background(), "G0 X1", "client-1", func(r protocol.Response) {
			got = r
		})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if got.Class != protocol.Acknowledgement {
			t.Fatalf("Submit %d: got %v, want ack", i, got.Class)
		}
	}
}

// Scenario (f): command timeout.
func TestCommandTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.ProbePeriod = 0
	opts.CommandTimeout = 30 * time.Millisecond
	d := transport.NewDryRun()
	s := New(opts, d, &noopTriggers{}, &recordingHandlers{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	d.WithholdResponses = true

	var got protocol.Response
	err := s.Submit(context.Background(), "G28", "client-1", func(r protocol.Response) {
		got = r
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Class != protocol.Error || got.Text != "error:timeout" {
		t.Fatalf("got %+v, want synthetic timeout", got)
	}

	// Next command proceeds normally once responses resume.
	d.WithholdResponses = false
	var got2 protocol.Response
	err = s.Submit(context.Background(), "G0 X1", "client-1", func(r protocol.Response) {
		got2 = r
	})
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if got2.Class != protocol.Acknowledgement {
		t.Fatalf("got %+v, want ack", got2)
	}
}

// Scenario (b): two clients, FIFO by submission order, fully serialised.
func TestTwoClientsSerialised(t *testing.T) {
	opts := DefaultOptions()
	opts.ProbePeriod = 0
	s, _ := newTestSession(t, opts)

	doneA := make(chan protocol.Response, 1)
	doneB := make(chan protocol.Response, 1)

	go func() {
		s.Submit(context.Background(), "G0 X10", "A", func(r protocol.Response) { doneA <- r })
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		s.Submit(context.Background(), "G0 Y10", "B", func(r protocol.Response) { doneB <- r })
	}()

	select {
	case r := <-doneA:
		if r.Class != protocol.Acknowledgement {
			t.Fatalf("A got %v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("A never completed")
	}
	select {
	case r := <-doneB:
		if r.Class != protocol.Acknowledgement {
			t.Fatalf("B got %v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("B never completed")
	}
}

// Scenario (d)/(e): liveness probe interleaves without leaking to clients,
// and a probe queued behind an in-flight command still lets that command's
// ok through to the client.
func TestProbeDoesNotLeakToClient(t *testing.T) {
	opts := DefaultOptions()
	opts.ProbePeriod = 20 * time.Millisecond
	opts.SwallowRealtimeOk = true
	s, _ := newTestSession(t, opts)

	var got protocol.Response
	err := s.Submit(context.Background(), "G1 X100", "client-1", func(r protocol.Response) {
		got = r
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Class != protocol.Acknowledgement {
		t.Fatalf("got %v, want ack", got.Class)
	}

	time.Sleep(100 * time.Millisecond) // let several probes run

	var got2 protocol.Response
	err = s.Submit(context.Background(), "G1 X200", "client-1", func(r protocol.Response) {
		got2 = r
	})
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if got2.Class != protocol.Acknowledgement {
		t.Fatalf("got %v, want ack", got2.Class)
	}
}

// A client-issued "?" does receive its status frame (not swallowed; only
// internal probes are subject to swallow-realtime-ok).
func TestClientIssuedQueryDelivered(t *testing.T) {
	opts := DefaultOptions()
	opts.ProbePeriod = 0
	s, _ := newTestSession(t, opts)

	var got protocol.Response
	err := s.Submit(context.Background(), "?", "client-1", func(r protocol.Response) {
		got = r
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.Class != protocol.StatusReport {
		t.Fatalf("got %v, want status report", got.Class)
	}
}

// Stop terminates promptly while the liveness prober is running.
func TestStopIsBounded(t *testing.T) {
	opts := DefaultOptions()
	opts.ProbePeriod = 10 * time.Millisecond
	opts.DrainGrace = 50 * time.Millisecond
	d := transport.NewDryRun()
	s := New(opts, d, &noopTriggers{}, &recordingHandlers{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return within a bounded time")
	}
}

// Queued-but-unprocessed submissions at shutdown surface ErrServiceStopped.
func TestQueuedSubmissionsSurfaceServiceStopped(t *testing.T) {
	opts := DefaultOptions()
	opts.ProbePeriod = 0
	opts.QueueLimit = 4
	opts.CommandTimeout = 200 * time.Millisecond
	d := transport.NewDryRun()
	d.WithholdResponses = true
	s := New(opts, d, &noopTriggers{}, &recordingHandlers{})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First submission occupies the in-flight slot (withheld); the rest sit
	// in queue.
	go s.Submit(context.Background(), "G0", "c", func(protocol.Response) {})
	time.Sleep(10 * time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Submit(context.Background(), "G1", "c", func(protocol.Response) {})
	}()
	time.Sleep(10 * time.Millisecond)

	s.Stop()

	select {
	case err := <-errCh:
		if err != ErrServiceStopped {
			t.Fatalf("got %v, want ErrServiceStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued submission never resolved")
	}
}
