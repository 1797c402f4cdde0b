package tunnel

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle stage of a relay session.
type State int32

const (
	StateConnecting State = iota
	StateRelaying
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one client to target tunnel.
type Session struct {
	ID      uuid.UUID
	Client  string
	Target  string
	Started time.Time

	state          atomic.Int32
	clientToTarget atomic.Int64
	targetToClient atomic.Int64
}

func newSession(client net.Conn, target string) *Session {
	s := &Session{
		ID:      uuid.New(),
		Target:  target,
		Started: time.Now(),
	}
	if addr := client.RemoteAddr(); addr != nil {
		s.Client = addr.String()
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// ClientToTarget returns the bytes delivered to the target so far.
func (s *Session) ClientToTarget() int64 {
	return s.clientToTarget.Load()
}

// TargetToClient returns the bytes delivered to the client so far.
func (s *Session) TargetToClient() int64 {
	return s.targetToClient.Load()
}

// Result is the final account of a session.
type Result struct {
	ID             uuid.UUID
	Client         string
	Target         string
	ClientToTarget int64
	TargetToClient int64
	Duration       time.Duration
}

func (s *Session) result() *Result {
	return &Result{
		ID:             s.ID,
		Client:         s.Client,
		Target:         s.Target,
		ClientToTarget: s.ClientToTarget(),
		TargetToClient: s.TargetToClient(),
		Duration:       time.Since(s.Started),
	}
}
