// Package server implements the Server peer role: it accepts exactly one
// Relay connection and any number of local SOCKS5 clients, and opens one
// tunnel channel per accepted client.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/arox/socks5tunnel/internal/bridge"
	"github.com/arox/socks5tunnel/internal/tunnel"
)

// Server accepts the one Relay connection and fans SOCKS5 clients out over
// it as tunnel channels. It does not perform SOCKS5 negotiation itself; it
// streams the raw SOCKS5 bytes through to the Relay, which negotiates on
// its end of each channel.
type Server struct {
	cfg *Config

	nextID atomic.Uint32
}

// New creates a server from the given configuration.
func New(cfg *Config) *Server {
	return &Server{cfg: cfg}
}

// Run listens for the Relay's tunnel connection and the SOCKS5 client
// connections, and blocks until ctx is cancelled or the tunnel ends.
func (s *Server) Run(ctx context.Context) error {
	tunnelConn, err := s.acceptRelay(ctx)
	if err != nil {
		return fmt.Errorf("accepting relay connection: %w", err)
	}
	slog.Info("relay connected", "remote", tunnelConn.RemoteAddr())

	t := tunnel.New(tunnelConn, nil, nil)

	socksLn, err := net.Listen("tcp", s.cfg.Socks.Addr)
	if err != nil {
		t.CloseTunnel()
		return fmt.Errorf("listening for socks5 clients: %w", err)
	}
	defer socksLn.Close()

	go func() {
		<-ctx.Done()
		socksLn.Close()
		t.CloseTunnel()
	}()

	go s.acceptClients(t, socksLn)

	t.Wait()
	if err := t.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

// acceptRelay waits for exactly one inbound connection on the tunnel
// address, optionally TLS-wrapped, and returns it.
func (s *Server) acceptRelay(ctx context.Context) (net.Conn, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Tunnel.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening for relay: %w", err)
	}
	defer ln.Close()

	if s.cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading tls certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	slog.Info("waiting for relay connection", "addr", ln.Addr())

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acceptClients accepts SOCKS5 client connections and opens one tunnel
// channel per client, each carried by a proxy worker.
func (s *Server) acceptClients(t *tunnel.Tunnel, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			slog.Debug("socks5 listener stopped accepting", "err", err)
			return
		}
		go s.handleClient(t, conn)
	}
}

func (s *Server) handleClient(t *tunnel.Tunnel, conn net.Conn) {
	id := uint16(s.nextID.Add(1) % 65536)
	ch, err := t.Open(id, true, true)
	if err != nil {
		slog.Warn("failed to open channel for socks5 client", "channel", id, "err", err)
		conn.Close()
		return
	}
	slog.Debug("socks5 client accepted", "channel", id, "remote", conn.RemoteAddr())
	bridge.Proxy(t, conn, ch)
}
