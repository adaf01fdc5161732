// Package tunnel multiplexes many Channels over a single framed transport.
//
// One goroutine (the monitor) owns all reads from the transport and all
// writes into channels' tunnel-side endpoints. Each open channel also gets
// its own "pump" goroutine that blocks reading the channel's tunnel
// endpoint and ships whatever it reads as Data frames. This is the
// goroutine-per-channel substitute for a single select()-based monitor
// loop; the invariants it must preserve — per-channel FIFO ordering and
// atomic frame writes — hold because each channel has exactly one pump and
// every write to the transport passes through the codec's single mutex.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/arox/socks5tunnel/internal/channel"
	"github.com/arox/socks5tunnel/internal/protocol"
)

// OpenFunc is invoked when a channel becomes open, whether opened locally or
// by the remote peer. Implementations must not block and must not call back
// into the Tunnel synchronously; spawn a goroutine instead.
type OpenFunc func(ch *channel.Channel)

// CloseFunc is invoked after a channel has been fully closed (both
// endpoints) and removed from the open set. reason is nil for a deliberate
// close and wraps ErrBrokenStream when the channel was torn down because a
// read or write on it failed.
type CloseFunc func(ch *channel.Channel, reason error)

// Tunnel owns a transport connection and multiplexes channels over it.
type Tunnel struct {
	codec *protocol.Codec

	mu       sync.Mutex
	open     map[uint16]*channel.Channel
	closed   map[uint16]*channel.Channel
	pumpDone map[uint16]chan struct{}

	onOpen  OpenFunc
	onClose CloseFunc

	done      chan struct{}
	closeErr  error
	closeOnce sync.Once
}

// New wraps a connected transport (TCP, optionally TLS-wrapped) in a
// Tunnel and starts its monitor goroutine. onOpen/onClose may be nil.
func New(transport net.Conn, onOpen OpenFunc, onClose CloseFunc) *Tunnel {
	if onOpen == nil {
		onOpen = func(*channel.Channel) {}
	}
	if onClose == nil {
		onClose = func(*channel.Channel, error) {}
	}
	t := &Tunnel{
		codec:    protocol.NewCodec(transport),
		open:     make(map[uint16]*channel.Channel),
		closed:   make(map[uint16]*channel.Channel),
		pumpDone: make(map[uint16]chan struct{}),
		onOpen:   onOpen,
		onClose:  onClose,
		done:     make(chan struct{}),
	}
	go t.monitorLoop()
	return t
}

// Wait blocks until the tunnel's monitor goroutine has exited, i.e. until
// the transport has been torn down.
func (t *Tunnel) Wait() {
	<-t.done
}

// Err returns the reason the tunnel stopped, once Wait has unblocked. Nil
// for a clean, intentional shutdown via CloseTunnel.
func (t *Tunnel) Err() error {
	return t.closeErr
}

// Open opens a channel with the given id. If the id is already open,
// strict callers get ErrDuplicateChannel, others get the existing channel
// back unchanged. Otherwise a new channel is created, registered, optionally
// announced to the peer with an OpenChannel frame, and handed to the open
// callback before being returned. A pump goroutine is started to carry
// outbound Data frames for the channel's lifetime.
func (t *Tunnel) Open(id uint16, openRemote, strict bool) (*channel.Channel, error) {
	t.mu.Lock()
	if existing, ok := t.open[id]; ok {
		t.mu.Unlock()
		if strict {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateChannel, id)
		}
		slog.Warn("open requested for already-open channel", "channel", id)
		return existing, nil
	}
	ch := channel.New(id)
	done := make(chan struct{})
	t.open[id] = ch
	delete(t.closed, id)
	t.pumpDone[id] = done
	t.mu.Unlock()

	if openRemote {
		if err := t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeOpenChannel, ChannelID: id}); err != nil {
			t.fatal(fmt.Errorf("announcing channel open: %w", err))
			return nil, err
		}
	}

	go t.pumpChannel(ch, done)
	t.onOpen(ch)
	slog.Debug("channel opened", "channel", id, "remote", openRemote)
	return ch, nil
}

// Close closes a single channel. Idempotent: calling it again after the
// channel is already closed is a no-op except that it still re-announces a
// remote close when asked.
//
// Before sending a CloseChannel frame, Close waits for the channel's own
// pump goroutine to finish: the pump may already have read a last chunk of
// data and be about to write its Data frame, and sending CloseChannel first
// would let the peer drop that trailing frame as belonging to an already-
// closed channel. Waiting here guarantees any such frame reaches the wire
// first.
func (t *Tunnel) Close(id uint16, closeRemote, strict bool) error {
	return t.closeWithReason(id, closeRemote, strict, nil)
}

func (t *Tunnel) closeWithReason(id uint16, closeRemote, strict bool, reason error) error {
	t.mu.Lock()
	if ch, ok := t.closed[id]; ok {
		t.mu.Unlock()
		if closeRemote {
			t.sendClose(id)
		}
		_ = ch
		return nil
	}

	ch, ok := t.open[id]
	if !ok {
		t.mu.Unlock()
		if strict {
			return fmt.Errorf("%w: %d", ErrUnknownChannel, id)
		}
		slog.Debug("close requested for channel that is not open", "channel", id)
		return nil
	}
	delete(t.open, id)
	t.closed[id] = ch
	pumpDone := t.pumpDone[id]
	delete(t.pumpDone, id)
	t.mu.Unlock()

	ch.Close()
	if pumpDone != nil {
		<-pumpDone
	}
	if closeRemote {
		t.sendClose(id)
	}
	t.onClose(ch, reason)
	slog.Debug("channel closed", "channel", id, "remote", closeRemote)
	return nil
}

// closeLocal is used by a channel's own pump goroutine when it detects EOF
// or an error reading its own tunnel endpoint. By that point the pump has
// already written every Data frame it will ever write for this channel, so
// it is safe to close and announce immediately; waiting for the pump here,
// as Close does for every other caller, would wait on itself forever.
func (t *Tunnel) closeLocal(ch *channel.Channel, closeRemote bool, reason error) {
	t.mu.Lock()
	if _, ok := t.closed[ch.ID()]; ok {
		t.mu.Unlock()
		return
	}
	delete(t.open, ch.ID())
	t.closed[ch.ID()] = ch
	delete(t.pumpDone, ch.ID())
	t.mu.Unlock()

	ch.Close()
	if closeRemote {
		t.sendClose(ch.ID())
	}
	t.onClose(ch, reason)
	slog.Debug("channel closed", "channel", ch.ID(), "remote", closeRemote)
}

// CloseTunnel closes every open channel (announcing the close to the peer,
// and waiting for each one's pump in turn) and then tears down the
// transport itself.
func (t *Tunnel) CloseTunnel() {
	t.mu.Lock()
	ids := make([]uint16, 0, len(t.open))
	for id := range t.open {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Close(id, true, false)
	}
	t.closeOnce.Do(func() {
		t.codec.Close()
	})
}

func (t *Tunnel) lookup(id uint16) (*channel.Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.open[id]
	return ch, ok
}

func (t *Tunnel) isClosed(id uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.closed[id]
	return ok
}

func (t *Tunnel) sendClose(id uint16) {
	if err := t.codec.WriteFrame(&protocol.Frame{Type: protocol.TypeCloseChannel, ChannelID: id}); err != nil {
		slog.Debug("failed to announce remote channel close", "channel", id, "err", err)
	}
}

// fatal tears the whole tunnel down: a malformed frame or a truncated
// transport read is unrecoverable. It may be called from a channel's own
// pump goroutine (when a WriteFrame fails), so it must not wait on any
// pump; abortAll closes every channel locally without that wait.
func (t *Tunnel) fatal(err error) {
	slog.Error("tunnel transport failure, tearing down", "err", err)
	t.closeErr = err
	t.abortAll()
}

// abortAll closes every open channel's local endpoints without announcing
// the close to the peer (the transport is assumed unusable already, so any
// such frame would just fail to write) and then tears down the transport.
// Unlike CloseTunnel, it never waits on a pump goroutine, so it is safe to
// call from within one.
func (t *Tunnel) abortAll() {
	t.mu.Lock()
	chans := make([]*channel.Channel, 0, len(t.open))
	for id, ch := range t.open {
		chans = append(chans, ch)
		t.closed[id] = ch
		delete(t.open, id)
		delete(t.pumpDone, id)
	}
	t.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
		t.onClose(ch, t.closeErr)
	}
	t.closeOnce.Do(func() {
		t.codec.Close()
	})
}

// monitorLoop reads frames from the transport and dispatches them. It is
// the tunnel's single reader of the transport and single writer into
// channels' tunnel-side endpoints.
func (t *Tunnel) monitorLoop() {
	defer close(t.done)
	for {
		frame, err := t.codec.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				// EOF from the peer, or the transport closed on this side.
				slog.Info("tunnel transport closed")
			} else {
				t.fatal(fmt.Errorf("reading frame: %w", err))
			}
			return
		}

		switch frame.Type {
		case protocol.TypeOpenChannel:
			// Remote-initiated open: never echoed back.
			if _, err := t.Open(frame.ChannelID, false, false); err != nil {
				slog.Warn("failed to open remotely-requested channel", "channel", frame.ChannelID, "err", err)
			}

		case protocol.TypeCloseChannel:
			// Remote-initiated close: never echoed back.
			t.Close(frame.ChannelID, false, false)

		case protocol.TypeData:
			ch, ok := t.lookup(frame.ChannelID)
			if !ok {
				slog.Debug("data for unknown channel, closing remote", "channel", frame.ChannelID)
				t.sendClose(frame.ChannelID)
				continue
			}
			if _, err := ch.TunnelConn().Write(frame.Body); err != nil {
				reason := fmt.Errorf("%w: writing to channel tunnel endpoint: %v", ErrBrokenStream, err)
				slog.Debug("failed writing to channel tunnel endpoint, closing", "channel", frame.ChannelID, "err", reason)
				t.closeWithReason(frame.ChannelID, true, false, reason)
				continue
			}
			ch.AddRX(len(frame.Body))

		case protocol.TypeControl:
			slog.Warn("received reserved Control frame", "channel", frame.ChannelID)

		default:
			slog.Warn("unexpected frame type", "type", frame.Type, "channel", frame.ChannelID)
		}
	}
}

// pumpChannel carries one channel's outbound direction: it blocks reading
// the channel's tunnel endpoint and ships whatever arrives as Data frames,
// chunked to at most protocol.MaxChannelDataBody bytes per frame. EOF or an
// error ends the channel with a remote-close notification.
func (t *Tunnel) pumpChannel(ch *channel.Channel, done chan struct{}) {
	defer close(done)
	buf := make([]byte, protocol.MaxChannelDataBody)
	for {
		n, err := ch.TunnelConn().Read(buf)
		if n > 0 {
			body := make([]byte, n)
			copy(body, buf[:n])
			if werr := t.codec.WriteFrame(&protocol.Frame{
				Type:      protocol.TypeData,
				ChannelID: ch.ID(),
				Body:      body,
			}); werr != nil {
				t.fatal(fmt.Errorf("writing data frame for channel %d: %w", ch.ID(), werr))
				return
			}
			ch.AddTX(n)
		}
		if err != nil {
			var reason error
			if !errors.Is(err, io.EOF) {
				reason = fmt.Errorf("%w: reading channel tunnel endpoint: %v", ErrBrokenStream, err)
				slog.Debug("channel tunnel endpoint read error", "channel", ch.ID(), "err", reason)
			}
			// If this channel was already closed (e.g. a CloseChannel frame
			// just arrived and the monitor closed both endpoints), the
			// close has already been handled and must not be re-announced.
			if !t.isClosed(ch.ID()) {
				t.closeLocal(ch, true, reason)
			}
			return
		}
	}
}
