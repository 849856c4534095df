// Package handlers implements the four pipeline observation hooks (spec.md
// §4.6): received/sent for both directions. Handlers may not raise; any
// panic from a hook is caught, logged, and the pipeline continues with the
// unmodified value (spec.md §7, HandlerRaised).
package handlers

import (
	"log/slog"

	"gcode-proxy/protocol"
	"gcode-proxy/session"
)

// Handlers is the full hook set invoked by the pipeline. A type embedding
// NoOp need only override the hooks it cares about.
type Handlers interface {
	OnGCodeReceived(line, clientAddr string) string
	OnGCodeSent(line, clientAddr string)
	OnResponseReceived(resp protocol.Response, cmd session.Command) protocol.Response
	OnResponseSent(resp protocol.Response, clientAddr string)
}

// NoOp is the default, no-op implementation of Handlers. Embed it to get
// partial implementations for free (spec.md §9).
type NoOp struct{}

func (NoOp) OnGCodeReceived(line, clientAddr string) string { return line }
func (NoOp) OnGCodeSent(line, clientAddr string)             {}
func (NoOp) OnResponseReceived(resp protocol.Response, cmd session.Command) protocol.Response {
	return resp
}
func (NoOp) OnResponseSent(resp protocol.Response, clientAddr string) {}

// Chain composes multiple Handlers into one, invoking each in configuration
// order and catching any panic per-hook so one misbehaving observer never
// breaks the pipeline or its siblings (spec.md §4.6, §7, §9).
type Chain struct {
	handlers []Handlers
}

// NewChain builds a Chain from an ordered list of handlers.
func NewChain(hs ...Handlers) *Chain {
	return &Chain{handlers: hs}
}

func (c *Chain) OnGCodeReceived(line, clientAddr string) string {
	for _, h := range c.handlers {
		line = safeRewriteString(h, line, func(h Handlers, s string) string {
			return h.OnGCodeReceived(s, clientAddr)
		})
	}
	return line
}

func (c *Chain) OnGCodeSent(line, clientAddr string) {
	for _, h := range c.handlers {
		safeCall(func() { h.OnGCodeSent(line, clientAddr) })
	}
}

func (c *Chain) OnResponseReceived(resp protocol.Response, cmd session.Command) protocol.Response {
	for _, h := range c.handlers {
		resp = safeRewriteResponse(h, resp, cmd)
	}
	return resp
}

func (c *Chain) OnResponseSent(resp protocol.Response, clientAddr string) {
	for _, h := range c.handlers {
		safeCall(func() { h.OnResponseSent(resp, clientAddr) })
	}
}

func safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked, continuing with unmodified value", "panic", r)
		}
	}()
	f()
}

func safeRewriteString(h Handlers, in string, call func(Handlers, string) string) (out string) {
	out = in
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked during rewrite, keeping original value", "panic", r)
			out = in
		}
	}()
	out = call(h, in)
	return out
}

func safeRewriteResponse(h Handlers, in protocol.Response, cmd session.Command) (out protocol.Response) {
	out = in
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked during response rewrite, keeping original value", "panic", r)
			out = in
		}
	}()
	out = h.OnResponseReceived(in, cmd)
	return out
}
