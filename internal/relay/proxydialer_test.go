package relay

import (
	"net"
	"testing"
)

func Test_counting_conn_tracks_bytes_both_directions(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	dialer := &ProxyDialer{}
	wrapped := &countingConn{Conn: client, tx: &dialer.tx, rx: &dialer.rx}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 5)
		server.Read(buf)
		server.Write([]byte("abc"))
	}()

	if _, err := wrapped.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	buf := make([]byte, 3)
	if _, err := wrapped.Read(buf); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	<-done

	tx, rx := dialer.Stats()
	if tx != 5 {
		t.Errorf("expected tx=5, got %d", tx)
	}
	if rx != 3 {
		t.Errorf("expected rx=3, got %d", rx)
	}
}
