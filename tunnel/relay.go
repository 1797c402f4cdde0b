package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xmplusdev/xmplus-tunnel/helper/limiter"
)

const DefaultBufferSize = 32 * 1024

// BucketPolicy decides how the two directions of a session draw budget.
type BucketPolicy string

const (
	// BucketShared clones one bucket for both directions: upload and
	// download together are held to the configured rate.
	BucketShared BucketPolicy = "shared"
	// BucketPerDirection gives each direction a bucket at the configured rate.
	BucketPerDirection BucketPolicy = "per-direction"
)

func ParseBucketPolicy(s string) (BucketPolicy, error) {
	switch BucketPolicy(s) {
	case "", BucketShared:
		return BucketShared, nil
	case BucketPerDirection:
		return BucketPerDirection, nil
	}
	return "", fmt.Errorf("unknown bucket policy %q", s)
}

// Observer is told about every session a Relayer runs.
type Observer interface {
	SessionStarted(s *Session)
	SessionClosed(s *Session, res *Result, err error)
}

// Relayer runs relay sessions.
type Relayer struct {
	dialer      Dialer
	dialTimeout time.Duration
	policy      BucketPolicy
	bufferSize  int
	observers   []Observer
	buffers     sync.Pool
}

type Option func(*Relayer)

func WithDialer(d Dialer) Option {
	return func(r *Relayer) { r.dialer = d }
}

func WithDialTimeout(d time.Duration) Option {
	return func(r *Relayer) { r.dialTimeout = d }
}

func WithBucketPolicy(p BucketPolicy) Option {
	return func(r *Relayer) { r.policy = p }
}

func WithBufferSize(n int) Option {
	return func(r *Relayer) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Relayer) { r.observers = append(r.observers, o) }
}

func NewRelayer(opts ...Option) *Relayer {
	r := &Relayer{
		dialer:     &net.Dialer{},
		policy:     BucketShared,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	size := r.bufferSize
	r.buffers.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return r
}

// Relay connects to target and copies between it and client until either
// side ends or fails, or ctx is done. Both connections are closed when it
// returns. The byte counts are valid whether or not an error is returned.
func (r *Relayer) Relay(ctx context.Context, client net.Conn, target string, lim *limiter.Limiter) (*Result, error) {
	sess := newSession(client, target)
	r.started(sess)

	logger := log.WithFields(log.Fields{
		"session": sess.ID,
		"client":  sess.Client,
		"target":  target,
	})

	upload, download := r.split(lim)

	logger.Debug("connecting")
	dialCtx := ctx
	if r.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.dialTimeout)
		defer cancel()
	}
	server, err := Connect(dialCtx, r.dialer, target, upload)
	if err != nil {
		client.Close()
		sess.setState(StateClosed)
		res := sess.result()
		r.closed(sess, res, err)
		return res, err
	}
	logger.Debug("connected")

	local := Wrap(client, download)
	sess.setState(StateRelaying)
	err = r.pipe(ctx, sess, local, server)
	sess.setState(StateClosed)

	res := sess.result()
	logger.Debugf("client wrote %d bytes and received %d bytes", res.ClientToTarget, res.TargetToClient)
	r.closed(sess, res, err)
	return res, err
}

func (r *Relayer) split(lim *limiter.Limiter) (upload, download *limiter.Limiter) {
	if r.policy == BucketPerDirection {
		return lim.Clone(), lim.Fork()
	}
	return lim.Clone(), lim.Clone()
}

func (r *Relayer) pipe(ctx context.Context, sess *Session, client, server *Stream) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.copy(server, client, &sess.clientToTarget)
	})
	g.Go(func() error {
		return r.copy(client, server, &sess.targetToClient)
	})
	// both copies always end with an error, so gctx is always cancelled
	g.Go(func() error {
		<-gctx.Done()
		sess.setState(StateClosing)
		shutdown(client)
		shutdown(server)
		return nil
	})

	err := g.Wait()
	switch {
	case errors.Is(err, errStreamEnded):
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return err
}

func (r *Relayer) copy(dst, src *Stream, written *atomic.Int64) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrRelayPanic, p)
		}
	}()

	bp := r.buffers.Get().(*[]byte)
	defer r.buffers.Put(bp)
	buf := *bp

	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written.Add(int64(nw))
			}
			if werr != nil {
				return werr
			}
			if nw != nr {
				return io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return errStreamEnded
			}
			return rerr
		}
	}
}

func shutdown(s *Stream) {
	s.Flush()
	s.CloseWrite()
	s.Close()
}

func (r *Relayer) started(s *Session) {
	for _, o := range r.observers {
		o.SessionStarted(s)
	}
}

func (r *Relayer) closed(s *Session, res *Result, err error) {
	for _, o := range r.observers {
		o.SessionClosed(s, res, err)
	}
}
