package cmd

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmplusdev/xmplus-tunnel/config"
	"github.com/xmplusdev/xmplus-tunnel/helper/limiter"
	"github.com/xmplusdev/xmplus-tunnel/server"
	"github.com/xmplusdev/xmplus-tunnel/tunnel"
)

func startSink(t *testing.T) string {
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
				io.Copy(io.Discard, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func startProxy(t *testing.T, rate float64) string {
	t.Helper()
	s := server.New(&config.TunnelConfig{Listen: "127.0.0.1:0"}, tunnel.NewRelayer(),
		limiter.NewSource(limiter.ScopeSession, rate, 0))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Close() })
	return s.Addr().String()
}

func TestProbePushesBytes(t *testing.T) {
	proxy := startProxy(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := probe(ctx, proxy, startSink(t), 256*1024)
	require.NoError(t, err)
	assert.Equal(t, int64(256*1024), res.Sent)
	assert.Zero(t, res.Received)
	assert.Greater(t, res.rate(), float64(0))
}

func TestProbeReportsRefusal(t *testing.T) {
	proxy := startProxy(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := probe(ctx, proxy, "not-an-authority", 10)
	assert.ErrorContains(t, err, "400")
}

func TestProbeProxyDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = probe(context.Background(), addr, "example.com:80", 10)
	assert.Error(t, err)
}
