package tunnel

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xmplusdev/xmplus-tunnel/helper/limiter"
)

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connected describes a stream to a connection pooling layer.
type Connected struct {
	Proxied    bool
	Negotiated string
}

// Pooled is implemented by connections a pooling HTTP client may hold.
type Pooled interface {
	Connected() Connected
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

var (
	_ net.Conn = (*Stream)(nil)
	_ Pooled   = (*Stream)(nil)
)

// Stream wraps a connection and throttles its writes with a limiter.
// Reads are passed through untouched.
//
// The limiter is charged after a write for the bytes the write actually
// moved, and the charge is paid by the next write. At most one charge is
// outstanding at any time.
type Stream struct {
	conn net.Conn
	lim  *limiter.Limiter

	wmu     sync.Mutex
	pending atomic.Pointer[limiter.Consume]

	writeDeadline atomic.Int64 // unix nanos, 0 when unset

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// Wrap takes ownership of an established connection.
func Wrap(conn net.Conn, lim *limiter.Limiter) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		conn:   conn,
		lim:    lim,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials address over TCP and wraps the connection. It does not retry.
func Connect(ctx context.Context, dialer Dialer, address string, lim *limiter.Limiter) (*Stream, error) {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &ConnectError{Address: address, Err: err}
	}
	return Wrap(conn, lim), nil
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

// TryWrite makes one throttled write attempt. While the previous write's
// charge is unpaid it returns ErrWouldBlock without touching the
// connection.
func (s *Stream) TryWrite(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.tryWrite(p)
}

// Write waits for the previous write's charge, then writes p.
func (s *Stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.waitPending(); err != nil {
		return 0, err
	}
	return s.tryWrite(p)
}

func (s *Stream) tryWrite(p []byte) (int, error) {
	if pending := s.pending.Load(); pending != nil {
		if !pending.Ready() {
			return 0, ErrWouldBlock
		}
		s.pending.Store(nil)
	}

	n, err := s.conn.Write(p)
	if n > 0 {
		s.pending.Store(s.lim.Consume(n))
	}
	return n, err
}

func (s *Stream) waitPending() error {
	pending := s.pending.Load()
	if pending == nil || pending.Ready() {
		return nil
	}

	ctx := s.ctx
	if ns := s.writeDeadline.Load(); ns != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.Unix(0, ns))
		defer cancel()
	}
	err := pending.Wait(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return os.ErrDeadlineExceeded
	}
	return net.ErrClosed
}

// Throttled reports whether the next write has to wait for the limiter.
func (s *Stream) Throttled() bool {
	pending := s.pending.Load()
	return pending != nil && !pending.Ready()
}

// Ready returns a channel closed once the next write no longer has to
// wait for the limiter. A caller turned away by TryWrite waits on it
// before trying again.
func (s *Stream) Ready() <-chan struct{} {
	if pending := s.pending.Load(); pending != nil {
		return pending.Done()
	}
	return closedChan
}

// Flush flushes the wrapped connection if it buffers writes.
func (s *Stream) Flush() error {
	if f, ok := s.conn.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// CloseWrite shuts down the sending side. Connections without half-close
// support are closed.
func (s *Stream) CloseWrite() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.Close()
}

// Close releases the connection and aborts a write waiting on the limiter.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) SetDeadline(t time.Time) error {
	if err := s.conn.SetDeadline(t); err != nil {
		return err
	}
	s.storeWriteDeadline(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// SetWriteDeadline also bounds the wait for the limiter.
func (s *Stream) SetWriteDeadline(t time.Time) error {
	if err := s.conn.SetWriteDeadline(t); err != nil {
		return err
	}
	s.storeWriteDeadline(t)
	return nil
}

func (s *Stream) storeWriteDeadline(t time.Time) {
	if t.IsZero() {
		s.writeDeadline.Store(0)
		return
	}
	s.writeDeadline.Store(t.UnixNano())
}

// Connected implements Pooled. Tunnel streams are never reused.
func (s *Stream) Connected() Connected {
	return Connected{}
}

// Limiter returns the limiter charged by this stream.
func (s *Stream) Limiter() *limiter.Limiter {
	return s.lim
}
