// Package channel implements the logical, bidirectional byte stream that
// rides inside a tunnel: one endpoint used by the tunnel's I/O machinery,
// the other by application code (a proxy worker or the SOCKS5 negotiator).
package channel

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
)

// Channel is one multiplexed stream, identified by a 16-bit id unique among
// the currently-open channels of its owning tunnel. The two endpoints are a
// locally-connected, in-process pipe: a write to one is readable at the
// other in FIFO order, and closing either surfaces end-of-stream at the
// peer.
type Channel struct {
	id        uint16
	tunnelEnd net.Conn
	appEnd    net.Conn
	txBytes   atomic.Uint64
	rxBytes   atomic.Uint64
}

// New creates a channel with the given id and a freshly connected pipe pair.
func New(id uint16) *Channel {
	tunnelEnd, appEnd := net.Pipe()
	return &Channel{id: id, tunnelEnd: tunnelEnd, appEnd: appConn{appEnd}}
}

// appConn is the application endpoint. Close shuts both endpoints, so a
// read here after the channel is closed reports io.EOF, not a closed-pipe error.
type appConn struct{ net.Conn }

func (a appConn) Read(b []byte) (int, error) {
	n, err := a.Conn.Read(b)
	if errors.Is(err, io.ErrClosedPipe) {
		err = io.EOF
	}
	return n, err
}

// ID returns the channel's id.
func (c *Channel) ID() uint16 { return c.id }

// TunnelConn returns the endpoint used exclusively by the owning tunnel's
// I/O loop. Application code must never use this.
func (c *Channel) TunnelConn() net.Conn { return c.tunnelEnd }

// AppConn returns the endpoint used exclusively by application code (a
// proxy worker or the SOCKS5 negotiator). The tunnel loop must never use
// this.
func (c *Channel) AppConn() net.Conn { return c.appEnd }

// AddTX records bytes that flowed from the application endpoint towards the
// tunnel (i.e. out onto the transport as Data frame payloads).
func (c *Channel) AddTX(n int) { c.txBytes.Add(uint64(n)) }

// AddRX records bytes that flowed from the transport into the application
// endpoint.
func (c *Channel) AddRX(n int) { c.rxBytes.Add(uint64(n)) }

// Stats returns the cumulative tx/rx byte counts for this channel. Safe to
// call concurrently with ongoing I/O.
func (c *Channel) Stats() (tx, rx uint64) {
	return c.txBytes.Load(), c.rxBytes.Load()
}

// Close closes both endpoints of the channel's pipe.
func (c *Channel) Close() error {
	appErr := c.appEnd.Close()
	tunnelErr := c.tunnelEnd.Close()
	if appErr != nil {
		return appErr
	}
	return tunnelErr
}
