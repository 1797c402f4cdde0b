package controller

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xmplusdev/xmplus-tunnel/api"
	"github.com/xmplusdev/xmplus-tunnel/tunnel"
)

// maxPending bounds the traffic kept while the panel is unreachable.
const maxPending = 10000

// Reporter logs every session and, with a panel client, queues its
// traffic for the next report.
type Reporter struct {
	client api.API

	access  sync.Mutex
	pending []api.SessionTraffic
}

func NewReporter(client api.API) *Reporter {
	return &Reporter{client: client}
}

func (r *Reporter) SessionStarted(s *tunnel.Session) {
	log.WithFields(log.Fields{
		"session": s.ID,
		"client":  s.Client,
		"target":  s.Target,
	}).Info("Tunnel opened")
}

func (r *Reporter) SessionClosed(s *tunnel.Session, res *tunnel.Result, err error) {
	outcome := tunnel.Outcome(err)
	entry := log.WithFields(log.Fields{
		"session":  res.ID,
		"client":   res.Client,
		"target":   res.Target,
		"upload":   res.ClientToTarget,
		"download": res.TargetToClient,
		"duration": res.Duration.Round(time.Millisecond).String(),
		"result":   outcome,
	})
	if err != nil {
		entry.WithError(err).Info("Tunnel closed")
	} else {
		entry.Info("Tunnel closed")
	}

	if r.client == nil {
		return
	}
	r.access.Lock()
	defer r.access.Unlock()
	if len(r.pending) >= maxPending {
		r.pending = r.pending[1:]
	}
	r.pending = append(r.pending, api.SessionTraffic{
		Session:  res.ID.String(),
		Client:   res.Client,
		Target:   res.Target,
		Upload:   res.ClientToTarget,
		Download: res.TargetToClient,
		Duration: res.Duration.Seconds(),
		Result:   outcome,
	})
}

// Flush sends the queued traffic. On failure the traffic stays queued
// for the next attempt.
func (r *Reporter) Flush() error {
	if r.client == nil {
		return nil
	}
	r.access.Lock()
	batch := r.pending
	r.pending = nil
	r.access.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := r.client.ReportTraffic(&batch); err != nil {
		r.access.Lock()
		r.pending = append(batch, r.pending...)
		if over := len(r.pending) - maxPending; over > 0 {
			r.pending = r.pending[over:]
		}
		r.access.Unlock()
		return err
	}
	log.Debugf("Reported traffic of %d tunnels", len(batch))
	return nil
}

func (r *Reporter) Pending() int {
	r.access.Lock()
	defer r.access.Unlock()
	return len(r.pending)
}
