// Package relay implements the Relay peer role: it dials the Server,
// optionally through an upstream proxy, and for every channel the Server
// opens it runs the SOCKS5 negotiation and proxies the dialed target.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/arox/socks5tunnel/internal/bridge"
	"github.com/arox/socks5tunnel/internal/channel"
	"github.com/arox/socks5tunnel/internal/socks5"
	"github.com/arox/socks5tunnel/internal/tunnel"
)

// Relay connects to a Server and services channels the Server opens.
type Relay struct {
	cfg    *Config
	dialer *ProxyDialer
}

// New creates a relay from the given configuration.
func New(cfg *Config) (*Relay, error) {
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	return &Relay{cfg: cfg, dialer: dialer}, nil
}

// Run verifies proxy routing (if configured), dials the Server exactly
// once, and services the tunnel until it ends or ctx is cancelled. The
// tunnel never attempts to re-establish after teardown: Run returns
// instead of looping.
func (r *Relay) Run(ctx context.Context) error {
	if r.dialer != nil && r.cfg.Proxy.VerifyRouting {
		slog.Info("verifying proxy routing before connecting")
		if err := NewVerifier(r.dialer, r.cfg.Proxy.HealthTimeout).VerifyRouting(ctx); err != nil {
			return err
		}
	}

	conn, err := r.dialServer(ctx)
	if err != nil {
		return fmt.Errorf("dialing server: %w", err)
	}
	slog.Info("connected to server", "addr", r.cfg.Server.Addr)

	var t *tunnel.Tunnel
	t = tunnel.New(conn, func(ch *channel.Channel) {
		go r.serviceChannel(t, ch)
	}, nil)

	go func() {
		<-ctx.Done()
		t.CloseTunnel()
	}()

	t.Wait()
	if r.dialer != nil {
		tx, rx := r.dialer.Stats()
		slog.Info("proxy dial traffic", "tx_bytes", tx, "rx_bytes", rx)
	}
	if err := t.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Relay) dialServer(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	var err error
	if r.dialer != nil {
		conn, err = r.dialer.DialContext(ctx, "tcp", r.cfg.Server.Addr)
	} else {
		d := &net.Dialer{Timeout: r.cfg.Server.Timeout}
		conn, err = d.DialContext(ctx, "tcp", r.cfg.Server.Addr)
	}
	if err != nil {
		return nil, err
	}

	if r.cfg.TLS.Enabled {
		tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: r.cfg.TLS.InsecureSkipVerify}) //nolint:gosec // operator opt-in
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return tlsConn, nil
	}
	return conn, nil
}

// serviceChannel runs on its own goroutine per opened channel, since the
// tunnel's open callback must not call back into the tunnel synchronously.
// It negotiates the SOCKS5 request on the channel's application endpoint,
// then hands off to the bridge worker for the rest of the session.
func (r *Relay) serviceChannel(t *tunnel.Tunnel, ch *channel.Channel) {
	target, err := socks5.Negotiate(ch.AppConn(), nil)
	if err != nil {
		slog.Warn("socks5 negotiation failed", "channel", ch.ID(), "err", err)
		t.Close(ch.ID(), true, false)
		return
	}
	slog.Debug("socks5 target connected", "channel", ch.ID(), "target", target.RemoteAddr())
	bridge.Proxy(t, target, ch)
}
