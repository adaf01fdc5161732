package relay

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
)

// ProxyDialer creates network connections to the Server routed through a
// socks5 or http connect proxy, so the Relay needs only outbound
// connectivity even when the path to the Server passes through a
// corporate or residential gateway.
type ProxyDialer struct {
	proxyURL *url.URL
	timeout  time.Duration

	tx atomic.Uint64
	rx atomic.Uint64
}

// NewProxyDialer parses the proxy url and returns a dialer.
// Supported schemes: socks5, socks5h, http, https.
func NewProxyDialer(rawURL string, timeout time.Duration) (*ProxyDialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}
	return &ProxyDialer{proxyURL: u, timeout: timeout}, nil
}

// DialContext establishes a connection to the target address through the
// configured proxy. The returned connection's traffic is counted into
// Stats, the same tx/rx accounting every tunnel channel keeps.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)
	switch strings.ToLower(d.proxyURL.Scheme) {
	case "socks5", "socks5h":
		conn, err = d.dialSOCKS5(ctx, network, addr)
	case "http", "https":
		conn, err = d.dialHTTPConnect(ctx, network, addr)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", d.proxyURL.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: conn, tx: &d.tx, rx: &d.rx}, nil
}

// Stats returns the cumulative tx/rx byte counts for every connection
// dialed through this proxy, in the same shape as channel.Channel.Stats.
// A Relay dials the Server through it exactly once, so this reports the
// traffic the whole tunnel session pushed through the upstream proxy, plus
// the routing check's request when that check is enabled.
func (d *ProxyDialer) Stats() (tx, rx uint64) {
	return d.tx.Load(), d.rx.Load()
}

// countingConn wraps a dialed connection to track bytes flowing through it
// after the proxy handshake completes, mirroring channel.Channel's own
// tx/rx accounting so a proxied dial is as observable as any tunneled
// stream.
type countingConn struct {
	net.Conn
	tx *atomic.Uint64
	rx *atomic.Uint64
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.rx.Add(uint64(n))
	}
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.tx.Add(uint64(n))
	}
	return n, err
}

func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{User: d.proxyURL.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyURL.Host, auth, &net.Dialer{Timeout: d.timeout})
	if err != nil {
		return nil, fmt.Errorf("creating socks5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return dialer.Dial(network, addr)
}

func (d *ProxyDialer) dialHTTPConnect(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyHost := d.proxyURL.Host
	if !strings.Contains(proxyHost, ":") {
		if d.proxyURL.Scheme == "https" {
			proxyHost += ":443"
		} else {
			proxyHost += ":80"
		}
	}

	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyHost)
	if err != nil {
		return nil, fmt.Errorf("connecting to http proxy: %w", err)
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(d.proxyURL.User.Username() + ":" + password))
		connectReq += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", creds)
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending connect request: %w", err)
	}

	status, err := readHTTPStatusLine(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	if !strings.Contains(status, "200") {
		conn.Close()
		return nil, fmt.Errorf("http connect failed: %s", status)
	}

	return conn, nil
}

func readHTTPStatusLine(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading status line: %w", err)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return statusLine, nil
		}
		if strings.TrimSpace(line) == "" {
			break
		}
	}
	return statusLine, nil
}
