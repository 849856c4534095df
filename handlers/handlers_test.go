package handlers

import (
	"testing"

	"gcode-proxy/protocol"
	"gcode-proxy/session"
)

type panicky struct{ NoOp }

func (panicky) OnGCodeReceived(line, clientAddr string) string {
	panic("boom")
}

func (panicky) OnResponseReceived(resp protocol.Response, cmd session.Command) protocol.Response {
	panic("boom")
}

type rewriter struct{ NoOp }

func (rewriter) OnGCodeReceived(line, clientAddr string) string {
	return line + "-rewritten"
}

func TestChainHandlerRaisedKeepsUnmodifiedValue(t *testing.T) {
	c := NewChain(panicky{}, rewriter{})
	got := c.OnGCodeReceived("G28", "client-1")
	if got != "G28-rewritten" {
		t.Fatalf("got %q, want panic isolated and rewriter still applied", got)
	}
}

func TestChainResponseReceivedSurvivesPanic(t *testing.T) {
	c := NewChain(panicky{})
	resp := protocol.Response{Class: protocol.Acknowledgement, Text: "ok"}
	got := c.OnResponseReceived(resp, session.Command{})
	if got != resp {
		t.Fatalf("got %+v, want unmodified response", got)
	}
}

type panickySent struct{ NoOp }

func (panickySent) OnGCodeSent(line, clientAddr string) {
	panic("boom")
}

func TestChainOnGCodeSentDoesNotPanicCaller(t *testing.T) {
	c := NewChain(panickySent{})
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic escaped chain: %v", r)
		}
	}()
	c.OnGCodeSent("G28", "client-1")
}

func TestNoOpPassesThrough(t *testing.T) {
	var n NoOp
	if n.OnGCodeReceived("G28", "c") != "G28" {
		t.Error("NoOp should not rewrite")
	}
	resp := protocol.Response{Class: protocol.Acknowledgement, Text: "ok"}
	if n.OnResponseReceived(resp, session.Command{}) != resp {
		t.Error("NoOp should not rewrite responses")
	}
}
