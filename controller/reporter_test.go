package controller

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmplusdev/xmplus-tunnel/api"
	"github.com/xmplusdev/xmplus-tunnel/tunnel"
)

type flakyAPI struct {
	fail  bool
	got   []api.SessionTraffic
	calls int
}

func (f *flakyAPI) ReportTraffic(traffic *[]api.SessionTraffic) error {
	f.calls++
	if f.fail {
		return errors.New("panel down")
	}
	f.got = append(f.got, *traffic...)
	return nil
}

func (f *flakyAPI) Describe() api.ClientInfo { return api.ClientInfo{} }
func (f *flakyAPI) Debug()                   {}

func closeSession(r *Reporter, up, down int64, err error) {
	s := &tunnel.Session{ID: uuid.New(), Client: "127.0.0.1:40000", Target: "example.com:443", Started: time.Now()}
	r.SessionStarted(s)
	r.SessionClosed(s, &tunnel.Result{
		ID:             s.ID,
		Client:         s.Client,
		Target:         s.Target,
		ClientToTarget: up,
		TargetToClient: down,
		Duration:       time.Second,
	}, err)
}

func TestReporterQueuesAndFlushes(t *testing.T) {
	client := &flakyAPI{}
	r := NewReporter(client)

	closeSession(r, 10, 20, nil)
	closeSession(r, 0, 0, &tunnel.ConnectError{Address: "example.com:443", Err: errors.New("refused")})
	assert.Equal(t, 2, r.Pending())

	require.NoError(t, r.Flush())
	assert.Zero(t, r.Pending())
	require.Len(t, client.got, 2)
	assert.Equal(t, int64(10), client.got[0].Upload)
	assert.Equal(t, int64(20), client.got[0].Download)
	assert.Equal(t, "ok", client.got[0].Result)
	assert.Equal(t, "connect_error", client.got[1].Result)
	assert.Equal(t, float64(1), client.got[0].Duration)

	require.NoError(t, r.Flush())
	assert.Equal(t, 1, client.calls)
}

func TestReporterKeepsTrafficOnFailure(t *testing.T) {
	client := &flakyAPI{fail: true}
	r := NewReporter(client)

	closeSession(r, 1, 1, nil)
	assert.Error(t, r.Flush())
	closeSession(r, 2, 2, nil)
	assert.Equal(t, 2, r.Pending())

	client.fail = false
	require.NoError(t, r.Flush())
	require.Len(t, client.got, 2)
	assert.Equal(t, int64(1), client.got[0].Upload)
	assert.Equal(t, int64(2), client.got[1].Upload)
}

func TestReporterWithoutClientOnlyLogs(t *testing.T) {
	r := NewReporter(nil)
	closeSession(r, 5, 5, nil)
	assert.Zero(t, r.Pending())
	assert.NoError(t, r.Flush())
}

func TestReporterBoundsQueue(t *testing.T) {
	r := NewReporter(&flakyAPI{fail: true})
	for i := 0; i < maxPending+5; i++ {
		closeSession(r, int64(i), 0, nil)
	}
	assert.Equal(t, maxPending, r.Pending())
}
