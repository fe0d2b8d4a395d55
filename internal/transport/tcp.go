// Package transport implements peer.Transport over TCP with multiaddr
// addressing. Frames are a 4-byte big-endian length followed by payload.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	manet "github.com/multiformats/go-multiaddr/net"
)

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 4 << 20

const writeTimeout = 30 * time.Second

var (
	ErrClosed        = errors.New("transport closed")
	ErrNotOpen       = errors.New("transport not open")
	ErrFrameTooLarge = errors.New("frame too large")
)

type state int32

const (
	stateIdle state = iota
	stateOpen
	stateClosed
)

// TCP is a framed TCP stream.
type TCP struct {
	remote netip.AddrPort
	dialer *Dialer // nil for accepted streams

	state atomic.Int32

	connMu sync.Mutex
	conn   manet.Conn

	writeMu sync.Mutex
	readBuf [4]byte
}

func newAccepted(c manet.Conn) (*TCP, error) {
	remote, err := FromMultiaddr(c.RemoteMultiaddr())
	if err != nil {
		return nil, err
	}
	t := &TCP{remote: remote, conn: c}
	t.state.Store(int32(stateOpen))
	return t, nil
}

// Open dials the remote endpoint. Accepted streams are already open.
func (t *TCP) Open(ctx context.Context) error {
	if state(t.state.Load()) == stateOpen {
		return nil
	}
	if state(t.state.Load()) == stateClosed || t.dialer == nil {
		return ErrClosed
	}

	c, err := t.dialer.dial(ctx, t.remote)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()
	if !t.state.CompareAndSwap(int32(stateIdle), int32(stateOpen)) {
		c.Close()
		return ErrClosed
	}
	t.conn = c
	return nil
}

func (t *TCP) current() (manet.Conn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	switch state(t.state.Load()) {
	case stateClosed:
		return nil, ErrClosed
	case stateIdle:
		return nil, ErrNotOpen
	}
	return t.conn, nil
}

// Receive reads the next frame. It must not be called concurrently with
// itself.
func (t *TCP) Receive() ([]byte, error) {
	c, err := t.current()
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(c, t.readBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(t.readBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// Send writes one frame.
func (t *TCP) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	c, err := t.current()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)

	c.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.Write(buf)
	return err
}

// Stop closes the stream. Pending Open, Receive and Send calls fail.
func (t *TCP) Stop() {
	t.connMu.Lock()
	prev := state(t.state.Swap(int32(stateClosed)))
	c := t.conn
	t.connMu.Unlock()

	if prev == stateOpen && c != nil {
		c.Close()
	}
}

// RemoteEndpoint returns the peer's endpoint.
func (t *TCP) RemoteEndpoint() netip.AddrPort { return t.remote }

// IsValid reports whether the stream has not been stopped.
func (t *TCP) IsValid() bool {
	return state(t.state.Load()) != stateClosed
}
