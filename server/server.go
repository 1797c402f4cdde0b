// Package server accepts HTTP CONNECT requests and turns each one into a
// throttled tunnel.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/xmplusdev/xmplus-tunnel/config"
	"github.com/xmplusdev/xmplus-tunnel/helper/limiter"
	"github.com/xmplusdev/xmplus-tunnel/tunnel"
)

const established = "HTTP/1.1 200 Connection Established\r\n\r\n"

type Server struct {
	config  *config.TunnelConfig
	relayer *tunnel.Relayer
	source  *limiter.Source

	access     sync.Mutex
	running    bool
	closed     bool
	listener   net.Listener
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	sessions   sync.WaitGroup
}

func New(config *config.TunnelConfig, relayer *tunnel.Relayer, source *limiter.Source) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  config,
		relayer: relayer,
		source:  source,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.access.Lock()
	defer s.access.Unlock()
	if s.closed {
		return fmt.Errorf("server %s is closed", s.config.Listen)
	}
	if s.running {
		return nil
	}

	listener, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", s.config.Listen, err)
	}
	if s.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
	}
	s.running = true

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("%s Serve failed: %s", s.logPrefix(), err)
		}
	}()
	log.Printf("%s Start tunnel listener", s.logPrefix())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.access.Lock()
	defer s.access.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, cancels live tunnels and waits for them to end.
func (s *Server) Close() error {
	s.access.Lock()
	if s.closed {
		s.access.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}
	s.access.Unlock()

	s.sessions.Wait()
	log.Printf("%s Tunnel listener closed", s.logPrefix())
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		w.Header().Set("Allow", http.MethodConnect)
		http.Error(w, "only CONNECT is supported", http.StatusMethodNotAllowed)
		return
	}

	target := r.Host
	if !validAuthority(target) {
		http.Error(w, fmt.Sprintf("invalid CONNECT authority %q", target), http.StatusBadRequest)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection cannot be upgraded", http.StatusInternalServerError)
		return
	}

	// register before hijacking so Close waits for this tunnel
	if !s.track() {
		http.Error(w, "server is closing", http.StatusServiceUnavailable)
		return
	}

	conn, rw, err := hijacker.Hijack()
	if err != nil {
		s.sessions.Done()
		log.Errorf("%s Hijack %s failed: %s", s.logPrefix(), r.RemoteAddr, err)
		return
	}
	conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte(established)); err != nil {
		s.sessions.Done()
		conn.Close()
		log.Debugf("%s Upgrade %s failed: %s", s.logPrefix(), r.RemoteAddr, err)
		return
	}

	go s.serveTunnel(newBufferedConn(conn, rw.Reader), target)
}

func (s *Server) track() bool {
	s.access.Lock()
	defer s.access.Unlock()
	if s.closed {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) serveTunnel(conn net.Conn, target string) {
	defer s.sessions.Done()
	defer func() {
		if p := recover(); p != nil {
			conn.Close()
			log.WithFields(log.Fields{
				"client": conn.RemoteAddr(),
				"target": target,
			}).Errorf("%s Tunnel panic: %v\n%s", s.logPrefix(), p, debug.Stack())
		}
	}()

	_, err := s.relayer.Relay(s.ctx, conn, target, s.source.Limiter())
	if err != nil {
		log.WithFields(log.Fields{
			"client": conn.RemoteAddr(),
			"target": target,
		}).Warnf("%s Tunnel ended: %s", s.logPrefix(), err)
	}
}

func (s *Server) logPrefix() string {
	return fmt.Sprintf("[%s] Tunnel", s.config.Listen)
}

func validAuthority(authority string) bool {
	host, port, err := net.SplitHostPort(authority)
	if err != nil || host == "" {
		return false
	}
	p, err := strconv.Atoi(port)
	return err == nil && p > 0 && p <= 65535
}

// bufferedConn replays bytes the HTTP reader consumed past the request.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func newBufferedConn(conn net.Conn, reader *bufio.Reader) net.Conn {
	if reader == nil || reader.Buffered() == 0 {
		return conn
	}
	return &bufferedConn{Conn: conn, reader: reader}
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.reader.Buffered() > 0 {
		return c.reader.Read(p)
	}
	return c.Conn.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}
