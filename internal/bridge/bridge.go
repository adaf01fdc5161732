// Package bridge implements the per-channel proxy worker: a bidirectional
// copy between a real socket and a channel's application endpoint.
package bridge

import (
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/arox/socks5tunnel/internal/channel"
)

// closer is the subset of tunnel.Tunnel used here, kept narrow so bridge
// does not need to import the tunnel package's concrete type.
type closer interface {
	Close(id uint16, closeRemote, strict bool) error
}

// Proxy copies bytes bidirectionally between sock and ch's application
// endpoint until either side reaches EOF or errors. Closing the channel's
// application endpoint (e.g. because the tunnel closed the channel from the
// other side) unblocks the pending copy immediately, so no liveness polling
// is needed (see DESIGN.md).
//
// When either direction ends, both the channel (with remote notification)
// and the socket are closed, and Proxy returns.
func Proxy(t closer, sock net.Conn, ch *channel.Channel) {
	defer sock.Close()
	defer t.Close(ch.ID(), true, false)

	ended := make(chan struct{}, 2)

	go func() {
		copyAndLog(ch.AppConn(), sock, ch.ID(), "socket->channel")
		ended <- struct{}{}
	}()
	go func() {
		copyAndLog(sock, ch.AppConn(), ch.ID(), "channel->socket")
		ended <- struct{}{}
	}()

	<-ended
}

func copyAndLog(dst io.Writer, src io.Reader, channelID uint16, direction string) {
	_, err := io.Copy(dst, src)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		slog.Debug("bridge copy ended with error", "channel", channelID, "direction", direction, "err", err)
	}
}
