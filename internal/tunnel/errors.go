package tunnel

import "errors"

// ErrDuplicateChannel is returned by Open when a channel id is already open
// and the caller asked for strict semantics.
var ErrDuplicateChannel = errors.New("tunnel: channel id already open")

// ErrUnknownChannel is returned by Close when a channel id is neither open
// nor closed and the caller asked for strict semantics.
var ErrUnknownChannel = errors.New("tunnel: unknown channel id")

// ErrBrokenStream is surfaced (as a closed channel, remote-notified) when a
// channel's tunnel-side write fails because the application side is gone.
var ErrBrokenStream = errors.New("tunnel: broken stream")
