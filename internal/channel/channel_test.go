package channel

import (
	"io"
	"testing"
	"time"
)

func Test_channel_pipe_is_fifo(t *testing.T) {
	ch := New(7)
	defer ch.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.TunnelConn().Write([]byte("ABC"))
	}()

	buf := make([]byte, 3)
	n, err := io.ReadFull(ch.AppConn(), buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != 3 || string(buf) != "ABC" {
		t.Fatalf("unexpected data: %q", buf[:n])
	}
	<-done
}

func Test_channel_close_surfaces_eof_at_peer(t *testing.T) {
	ch := New(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch.TunnelConn().Close()
	}()
	<-done

	buf := make([]byte, 1)
	_, err := ch.AppConn().Read(buf)
	if err != io.EOF {
		t.Fatalf("expected io.EOF after tunnel endpoint close, got %v", err)
	}
}

func Test_channel_stats_track_bytes(t *testing.T) {
	ch := New(2)
	defer ch.Close()

	go ch.TunnelConn().Write([]byte("hello"))
	buf := make([]byte, 5)
	io.ReadFull(ch.AppConn(), buf)
	ch.AddRX(5)

	go func() {
		ch.AppConn().Write([]byte("world"))
	}()
	tbuf := make([]byte, 5)
	io.ReadFull(ch.TunnelConn(), tbuf)
	ch.AddTX(5)

	// give both goroutines a moment to settle before reading stats
	time.Sleep(10 * time.Millisecond)
	tx, rx := ch.Stats()
	if tx != 5 || rx != 5 {
		t.Errorf("expected tx=5 rx=5, got tx=%d rx=%d", tx, rx)
	}
}

func Test_channel_id(t *testing.T) {
	ch := New(42)
	defer ch.Close()
	if ch.ID() != 42 {
		t.Errorf("expected id 42, got %d", ch.ID())
	}
}
