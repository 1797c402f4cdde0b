// Package dnscache resolves tunnel targets through a shared cache so that
// repeated tunnels to one host do not each pay for a lookup.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	redis_store "github.com/eko/gocache/store/redis/v4"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "dns:"

type RedisConfig struct {
	Enable   bool   `mapstructure:"Enable"`
	Addr     string `mapstructure:"Addr"`
	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
	DB       int    `mapstructure:"DB"`
	Timeout  int    `mapstructure:"Timeout"`
}

// Resolver looks host names up and keeps the answers for ttl.
type Resolver struct {
	cache  *cache.Cache[string]
	ttl    time.Duration
	lookup func(ctx context.Context, host string) ([]string, error)

	client    *redis.Client // set when the resolver owns a Redis connection
	closeOnce sync.Once
	closed    atomic.Bool
}

func New(st store.StoreInterface, ttl time.Duration) *Resolver {
	return &Resolver{
		cache:  cache.New[string](st),
		ttl:    ttl,
		lookup: net.DefaultResolver.LookupHost,
	}
}

// NewMemory keeps answers in process.
func NewMemory(ttl time.Duration) *Resolver {
	client := gocache.New(ttl, 2*ttl)
	return New(gocache_store.NewGoCache(client), ttl)
}

// NewRedis keeps answers in Redis, shared by every node using it.
func NewRedis(config *RedisConfig, ttl time.Duration) *Resolver {
	opts := &redis.Options{
		Addr:     config.Addr,
		Username: config.Username,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.Timeout > 0 {
		opts.DialTimeout = time.Duration(config.Timeout) * time.Second
		opts.ReadTimeout = opts.DialTimeout
		opts.WriteTimeout = opts.DialTimeout
	}
	client := redis.NewClient(opts)
	r := New(redis_store.NewRedis(client), ttl)
	r.client = client
	return r
}

// Close releases the Redis connection pool, if any. It is safe to call
// more than once.
func (r *Resolver) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.client != nil {
			err = r.client.Close()
		}
	})
	return err
}

func (r *Resolver) Closed() bool {
	return r.closed.Load()
}

// LookupHost returns the addresses of host. IP literals are returned as is.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}

	key := keyPrefix + strings.ToLower(host)
	if v, err := r.cache.Get(ctx, key); err == nil && v != "" {
		return strings.Split(v, ","), nil
	}

	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	if err := r.cache.Set(ctx, key, strings.Join(addrs, ","), store.WithExpiration(r.ttl)); err != nil {
		log.Debugf("dns cache set %s failed: %s", host, err)
	}
	return addrs, nil
}

// Dialer dials host:port addresses resolved through a Resolver. Addresses
// are tried in the order returned, like net.Dialer does.
type Dialer struct {
	Resolver *Resolver
	Dialer   *net.Dialer
}

func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	addrs, err := d.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	var firstErr error
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(addr, port))
		if err == nil {
			return conn, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, firstErr
}
