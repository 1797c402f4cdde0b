package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmplusdev/xmplus-tunnel/helper/limiter"
)

// startTarget serves every accepted connection with handle.
func startTarget(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

type recordObserver struct {
	mu      sync.Mutex
	started []*Session
	closed  []*Result
	errs    []error
}

func (o *recordObserver) SessionStarted(s *Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, s)
}

func (o *recordObserver) SessionClosed(s *Session, res *Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, res)
	o.errs = append(o.errs, err)
}

func TestRelayEndsWhenTargetCloses(t *testing.T) {
	const n = 64 * 1024
	received := make(chan int64, 1)
	addr := startTarget(t, func(conn net.Conn) {
		drained := make(chan int64, 1)
		go func() {
			c, _ := io.Copy(io.Discard, conn)
			drained <- c
		}()
		conn.Write(payload(n))
		conn.(*net.TCPConn).CloseWrite()
		received <- <-drained
	})

	client, peer := net.Pipe()
	// the client keeps sending for as long as the tunnel lets it
	go func() {
		chunk := payload(1024)
		for {
			if _, err := peer.Write(chunk); err != nil {
				return
			}
		}
	}()
	got := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(peer)
		got <- b
	}()

	obs := &recordObserver{}
	r := NewRelayer(WithObserver(obs))
	res, err := r.Relay(context.Background(), client, addr, limiter.New(0, 0))
	require.NoError(t, err)

	assert.Equal(t, int64(n), res.TargetToClient)
	assert.Equal(t, payload(n), <-got)
	select {
	case c := <-received:
		assert.Equal(t, c, res.ClientToTarget)
	case <-time.After(2 * time.Second):
		t.Fatal("target connection was not released")
	}

	require.Len(t, obs.started, 1)
	assert.Equal(t, StateClosed, obs.started[0].State())
	assert.Equal(t, addr, res.Target)
	assert.Equal(t, []error{nil}, obs.errs)
}

func TestRelayEndsWhenClientCloses(t *testing.T) {
	addr := startTarget(t, func(conn net.Conn) {
		io.Copy(conn, conn)
	})

	client, peer := net.Pipe()
	go func() {
		peer.Write([]byte("hello"))
		buf := make([]byte, 5)
		io.ReadFull(peer, buf)
		peer.Close()
	}()

	res, err := NewRelayer().Relay(context.Background(), client, addr, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.ClientToTarget)
	assert.Equal(t, int64(5), res.TargetToClient)
}

func TestRelayConnectFailure(t *testing.T) {
	client, peer := net.Pipe()
	defer peer.Close()

	obs := &recordObserver{}
	res, err := NewRelayer(WithObserver(obs)).Relay(context.Background(), client, closedAddr(t), nil)

	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Zero(t, res.ClientToTarget)
	assert.Zero(t, res.TargetToClient)

	// the client side is released without any traffic
	peer.SetReadDeadline(time.Now().Add(time.Second))
	_, rerr := peer.Read(make([]byte, 1))
	assert.ErrorIs(t, rerr, io.EOF)

	require.Len(t, obs.errs, 1)
	assert.Same(t, err, obs.errs[0])
	assert.Equal(t, StateClosed, obs.started[0].State())
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	addr := startTarget(t, func(conn net.Conn) {
		io.Copy(io.Discard, conn)
	})
	client, peer := net.Pipe()
	defer peer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := NewRelayer().Relay(ctx, client, addr, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "canceled", Outcome(err))
}

type panicConn struct {
	net.Conn
}

func (panicConn) Read([]byte) (int, error) {
	panic("bad read")
}

type dialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f dialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

func TestRelayRecoversCopyPanic(t *testing.T) {
	dialer := dialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		c, _ := net.Pipe()
		return panicConn{Conn: c}, nil
	})
	client, peer := net.Pipe()
	defer peer.Close()

	_, err := NewRelayer(WithDialer(dialer)).Relay(context.Background(), client, "example.com:80", nil)
	assert.ErrorIs(t, err, ErrRelayPanic)
	assert.Equal(t, "panic", Outcome(err))
}

// echoThrough pushes size bytes through an echoing target and returns how
// long the round trip took.
func echoThrough(t *testing.T, policy BucketPolicy, lim *limiter.Limiter, size int) time.Duration {
	t.Helper()
	addr := startTarget(t, func(conn net.Conn) {
		io.Copy(conn, conn)
	})
	client, peer := net.Pipe()

	data := payload(size)
	start := time.Now()
	go peer.Write(data)

	done := make(chan *Result, 1)
	go func() {
		res, err := NewRelayer(WithBucketPolicy(policy), WithBufferSize(2048)).Relay(context.Background(), client, addr, lim)
		assert.NoError(t, err)
		done <- res
	}()

	got := make([]byte, size)
	_, err := io.ReadFull(peer, got)
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.True(t, bytes.Equal(data, got))

	peer.Close()
	res := <-done
	assert.Equal(t, int64(size), res.ClientToTarget)
	assert.Equal(t, int64(size), res.TargetToClient)
	return elapsed
}

func TestSharedBucketCapsBothDirections(t *testing.T) {
	// 100KB up and 100KB down through one 100KB/s bucket
	elapsed := echoThrough(t, BucketShared, limiter.New(100*1024, 2048), 50*1024)
	assert.GreaterOrEqual(t, elapsed, 850*time.Millisecond)
}

func TestPerDirectionBucketsCapEachDirection(t *testing.T) {
	elapsed := echoThrough(t, BucketPerDirection, limiter.New(100*1024, 2048), 50*1024)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 850*time.Millisecond)
}

func TestRelayTransferRate(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	const rate, size = 200 * 1024, 300 * 1024
	var received bytes.Buffer
	done := make(chan struct{})
	addr := startTarget(t, func(conn net.Conn) {
		io.Copy(&received, conn)
		close(done)
	})

	client, peer := net.Pipe()
	data := payload(size)
	start := time.Now()
	go func() {
		peer.Write(data)
		peer.Close()
	}()

	res, err := NewRelayer().Relay(context.Background(), client, addr, limiter.New(rate, 16*1024))
	require.NoError(t, err)
	<-done
	elapsed := time.Since(start)

	assert.Equal(t, int64(size), res.ClientToTarget)
	assert.True(t, bytes.Equal(data, received.Bytes()), "bytes must arrive complete and in order")
	// one burst and one buffer of slack
	assert.GreaterOrEqual(t, elapsed, 1100*time.Millisecond)
}

func TestRelayDefaultBurstHoldsRate(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}
	const rate, size = 1000000, 5000000
	var received bytes.Buffer
	done := make(chan struct{})
	addr := startTarget(t, func(conn net.Conn) {
		io.Copy(&received, conn)
		close(done)
	})

	// built the way the server builds it from a config without Burst
	lim := limiter.NewSource(limiter.ScopeSession, rate, 0).Limiter()

	client, peer := net.Pipe()
	data := payload(size)
	start := time.Now()
	go func() {
		peer.Write(data)
		peer.Close()
	}()

	res, err := NewRelayer().Relay(context.Background(), client, addr, lim)
	require.NoError(t, err)
	<-done
	elapsed := time.Since(start)

	assert.Equal(t, int64(size), res.ClientToTarget)
	assert.True(t, bytes.Equal(data, received.Bytes()), "bytes must arrive complete and in order")
	// R·T plus at most the burst and one copy buffer
	slack := time.Duration(float64(limiter.MaxDefaultBurst+DefaultBufferSize) / rate * float64(time.Second))
	assert.GreaterOrEqual(t, elapsed, 5*time.Second-slack-20*time.Millisecond)
}

func TestParseBucketPolicy(t *testing.T) {
	p, err := ParseBucketPolicy("")
	require.NoError(t, err)
	assert.Equal(t, BucketShared, p)

	p, err = ParseBucketPolicy("per-direction")
	require.NoError(t, err)
	assert.Equal(t, BucketPerDirection, p)

	_, err = ParseBucketPolicy("split")
	assert.Error(t, err)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "transport_error", Outcome(errors.New("reset")))
	assert.Equal(t, "canceled", Outcome(context.DeadlineExceeded))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "relaying", StateRelaying.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}
