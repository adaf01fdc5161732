package bridge

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/arox/socks5tunnel/internal/channel"
)

type fakeCloser struct {
	closedID uint16
	calls    int
}

func (f *fakeCloser) Close(id uint16, closeRemote, strict bool) error {
	f.closedID = id
	f.calls++
	return nil
}

func Test_proxy_copies_both_directions(t *testing.T) {
	ch := channel.New(9)
	sockA, sockB := net.Pipe()

	fc := &fakeCloser{}
	done := make(chan struct{})
	go func() {
		Proxy(fc, sockB, ch)
		close(done)
	}()

	go func() {
		sockA.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(ch.TunnelConn(), buf); err != nil {
		t.Fatalf("read from channel failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("expected ping, got %q", buf)
	}

	go func() {
		ch.TunnelConn().Write([]byte("pong"))
	}()
	buf2 := make([]byte, 4)
	if _, err := io.ReadFull(sockA, buf2); err != nil {
		t.Fatalf("read from socket failed: %v", err)
	}
	if string(buf2) != "pong" {
		t.Fatalf("expected pong, got %q", buf2)
	}

	sockA.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("proxy did not return after socket close")
	}

	if fc.calls != 1 || fc.closedID != 9 {
		t.Errorf("expected channel 9 to be closed exactly once, got id=%d calls=%d", fc.closedID, fc.calls)
	}
}
