package controller

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/xmplusdev/xmplus-tunnel/api"
	"github.com/xmplusdev/xmplus-tunnel/config"
	"github.com/xmplusdev/xmplus-tunnel/helper/dnscache"
	"github.com/xmplusdev/xmplus-tunnel/helper/limiter"
	"github.com/xmplusdev/xmplus-tunnel/helper/task"
	"github.com/xmplusdev/xmplus-tunnel/metrics"
	"github.com/xmplusdev/xmplus-tunnel/server"
	"github.com/xmplusdev/xmplus-tunnel/tunnel"
)

type Controller struct {
	access        sync.Mutex
	config        *config.Config
	source        *limiter.Source
	relayer       *tunnel.Relayer
	server        *server.Server
	metrics       *metrics.Metrics
	metricsServer *http.Server
	metricsAddr   net.Addr
	resolver      *dnscache.Resolver
	client        api.API
	clientInfo    api.ClientInfo
	reporter      *Reporter
	taskManager   *task.Manager
	startAt       time.Time
	running       bool
}

// New return a Controller built from config. Nothing listens until Start.
func New(config *config.Config) (*Controller, error) {
	c := &Controller{}
	if err := c.build(config); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) build(cfg *config.Config) error {
	scope, err := limiter.ParseScope(cfg.Tunnel.LimiterScope)
	if err != nil {
		return err
	}
	policy, err := tunnel.ParseBucketPolicy(cfg.Tunnel.BucketPolicy)
	if err != nil {
		return err
	}

	var resolver *dnscache.Resolver
	ttl := time.Duration(cfg.Cache.TTL) * time.Second
	if cfg.Cache.Redis != nil && cfg.Cache.Redis.Enable {
		resolver = dnscache.NewRedis(cfg.Cache.Redis, ttl)
	} else {
		resolver = dnscache.NewMemory(ttl)
	}

	var client api.API
	if cfg.Report.APIHost != "" {
		client = api.New(&cfg.Report)
	}

	c.config = cfg
	c.resolver = resolver
	c.client = client
	c.clientInfo = api.ClientInfo{}
	if client != nil {
		c.clientInfo = client.Describe()
	}
	c.metrics = metrics.New()
	c.reporter = NewReporter(client)
	c.source = limiter.NewSource(scope, cfg.Tunnel.RateLimit, cfg.Tunnel.Burst)
	c.relayer = tunnel.NewRelayer(
		tunnel.WithDialer(&dnscache.Dialer{Resolver: resolver, Dialer: &net.Dialer{}}),
		tunnel.WithDialTimeout(time.Duration(cfg.Tunnel.DialTimeout)*time.Second),
		tunnel.WithBucketPolicy(policy),
		tunnel.WithBufferSize(cfg.Tunnel.BufferSize),
		tunnel.WithObserver(c.metrics),
		tunnel.WithObserver(c.reporter),
	)
	c.server = server.New(&cfg.Tunnel, c.relayer, c.source)
	c.taskManager = task.NewManager()
	c.metricsServer = nil
	c.metricsAddr = nil
	return nil
}

// Start implement the Start() function of the service interface
func (c *Controller) Start() error {
	c.access.Lock()
	defer c.access.Unlock()
	return c.start()
}

func (c *Controller) start() error {
	if c.running {
		return nil
	}
	c.startAt = time.Now()

	if err := c.server.Start(); err != nil {
		return err
	}

	if c.config.Metrics.Listen != "" {
		if err := c.startMetrics(); err != nil {
			c.server.Close()
			return err
		}
	}

	if c.client != nil {
		c.taskManager.Add(task.NewWithInterval(
			"traffic report",
			time.Duration(c.config.Report.Interval)*time.Second,
			c.reporter.Flush,
		))
	}

	c.running = true
	log.Printf("%s Rate limit %s, limiter scope %s, bucket policy %s",
		c.logPrefix(), describeRate(c.source.Rate()), c.config.Tunnel.LimiterScope, c.config.Tunnel.BucketPolicy)

	// Start all tasks
	log.Printf("%s Starting %d task schedulers", c.logPrefix(), c.taskManager.Count())
	return c.taskManager.StartAll()
}

func (c *Controller) startMetrics() error {
	listener, err := net.Listen("tcp", c.config.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("metrics listen on %s failed: %w", c.config.Metrics.Listen, err)
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Metrics.Path, c.metrics.Handler())
	c.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.metricsAddr = listener.Addr()

	srv := c.metricsServer
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("%s Metrics server failed: %s", c.logPrefix(), err)
		}
	}()
	log.Printf("%s Serving metrics on %s%s", c.logPrefix(), c.metricsAddr, c.config.Metrics.Path)
	return nil
}

// Close implement the Close() function of the service interface
func (c *Controller) Close() error {
	c.access.Lock()
	defer c.access.Unlock()
	return c.close()
}

func (c *Controller) close() error {
	if !c.running {
		return c.resolver.Close()
	}
	c.running = false

	log.Printf("%s Closing %d task schedulers", c.logPrefix(), c.taskManager.Count())
	err := c.taskManager.CloseAll()
	if serr := c.server.Close(); serr != nil && err == nil {
		err = serr
	}
	if c.metricsServer != nil {
		if merr := c.metricsServer.Close(); merr != nil && err == nil {
			err = merr
		}
	}
	// sessions closed by the server shutdown are queued by now
	if ferr := c.reporter.Flush(); ferr != nil {
		log.Printf("%s Final traffic report failed: %s", c.logPrefix(), ferr)
	}
	if rerr := c.resolver.Close(); rerr != nil && err == nil {
		err = rerr
	}
	log.Printf("%s Closed after %s", c.logPrefix(), time.Since(c.startAt).Round(time.Second))
	return err
}

// Reload applies a new configuration. Changes to the rate limit retune the
// running limiter and log changes are left to the caller's logger setup;
// anything else restarts the tunnel.
func (c *Controller) Reload(newConfig *config.Config) error {
	c.access.Lock()
	defer c.access.Unlock()

	changes, err := c.config.Diff(newConfig)
	if err != nil {
		return fmt.Errorf("compare configs failed: %w", err)
	}
	if len(changes) == 0 {
		log.Printf("%s Config unchanged", c.logPrefix())
		return nil
	}
	for _, change := range changes {
		log.Printf("%s Config %s %v: %v -> %v", c.logPrefix(), change.Type, change.Path, change.From, change.To)
	}

	if !config.NeedsRestart(changes) {
		if newConfig.Tunnel.RateLimit != c.config.Tunnel.RateLimit {
			c.source.SetRate(newConfig.Tunnel.RateLimit)
			log.Printf("%s Rate limit retuned to %s", c.logPrefix(), describeRate(newConfig.Tunnel.RateLimit))
		}
		c.config = newConfig
		return nil
	}

	log.Printf("%s Initiating full restart", c.logPrefix())
	wasRunning := c.running
	if err := c.close(); err != nil {
		log.Printf("%s Close before restart failed: %s", c.logPrefix(), err)
	}
	if err := c.build(newConfig); err != nil {
		return err
	}
	if !wasRunning {
		return nil
	}
	return c.start()
}

// Addr returns the tunnel listener address.
func (c *Controller) Addr() net.Addr {
	c.access.Lock()
	defer c.access.Unlock()
	return c.server.Addr()
}

// MetricsAddr returns the metrics listener address, or nil when metrics
// are not served.
func (c *Controller) MetricsAddr() net.Addr {
	c.access.Lock()
	defer c.access.Unlock()
	return c.metricsAddr
}

func (c *Controller) Source() *limiter.Source {
	c.access.Lock()
	defer c.access.Unlock()
	return c.source
}

func (c *Controller) logPrefix() string {
	if c.clientInfo.APIHost == "" {
		return fmt.Sprintf("[%s] Tunnel", c.config.Tunnel.Listen)
	}
	return fmt.Sprintf("[%s] Tunnel(NodeID=%d)", c.clientInfo.APIHost, c.clientInfo.NodeID)
}

func describeRate(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSecond)
}
