// Package proxyserver implements Server: the TCP listener that accepts
// client connections unboundedly, hands each to a new ClientConnection, and
// coordinates their shutdown (spec.md §4.5).
package proxyserver

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"gcode-proxy/clientconn"
)

// ConnectionFactory constructs a client connection for a freshly accepted
// socket. Satisfied by a closure wrapping clientconn.New with the session
// and handlers already bound.
type ConnectionFactory func(net.Conn) *clientconn.Connection

// Server listens on one TCP address and fans accepted connections out to
// ConnectionFactory, one goroutine per connection.
type Server struct {
	addr    string
	factory ConnectionFactory

	listener net.Listener

	mu      sync.Mutex
	clients map[*clientconn.Connection]struct{}
	wg      sync.WaitGroup

	acceptDone chan struct{}
}

// New constructs a Server bound to addr (e.g. ":23" or "0.0.0.0:8023").
func New(addr string, factory ConnectionFactory) *Server {
	return &Server{
		addr:       addr,
		factory:    factory,
		clients:    make(map[*clientconn.Connection]struct{}),
		acceptDone: make(chan struct{}),
	}
}

// Addr returns the bound listen address. Only valid after Start succeeds.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start opens the listen socket and begins accepting connections in the
// background. It returns once the socket is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	slog.Info("listening for clients", "addr", s.addr)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer close(s.acceptDone)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			slog.Debug("accept loop exiting", "error", err)
			return
		}
		cc := s.factory(conn)
		s.mu.Lock()
		s.clients[cc] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.clients, cc)
				s.mu.Unlock()
			}()
			cc.Run(context.Background())
		}()
	}
}

// Stop stops accepting connections, closes every active client socket, and
// waits up to grace for their goroutines to finish before returning
// (spec.md §4.5, §5).
func (s *Server) Stop(grace time.Duration) {
	if s.listener != nil {
		s.listener.Close()
	}
	<-s.acceptDone

	s.mu.Lock()
	for cc := range s.clients {
		cc.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("server shutdown grace period elapsed with client connections still draining")
	}
}
