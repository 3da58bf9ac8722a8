// Package app holds the process-wide network runtime: the cookie store, DNS
// resolver, HTTP transport, request dispatcher and image cache, each built
// lazily on first use and torn down once at exit.
package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nimingban/internal/cache"
	"nimingban/internal/client"
	"nimingban/internal/config"
	"nimingban/internal/cookie"
	"nimingban/internal/dns"
	"nimingban/internal/imagex"
	"nimingban/internal/site"
	"nimingban/internal/transport"
)

type Runtime struct {
	cfg  config.Config
	site *site.Site

	cookiesOnce sync.Once
	cookies     *cookie.Store
	cookiesErr  error

	resolverOnce sync.Once
	resolver     dns.Resolver

	transportOnce sync.Once
	transport     *transport.Transport

	clientOnce sync.Once
	client     *client.Dispatcher

	imagesOnce sync.Once
	images     *cache.Cache[*imagex.Image]
	imagesErr  error

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	log zerolog.Logger
}

var (
	defaultOnce sync.Once
	defaultRT   *Runtime
)

// Init creates the process-wide runtime. Only the first call has an effect;
// later calls return the runtime it created.
func Init(cfg config.Config) *Runtime {
	defaultOnce.Do(func() {
		defaultRT = New(cfg)
	})
	return defaultRT
}

// Default returns the runtime created by Init, or nil before Init.
func Default() *Runtime { return defaultRT }

// New builds a runtime without constructing any component yet.
func New(cfg config.Config) *Runtime {
	return &Runtime{
		cfg:    cfg,
		site:   site.New(cfg.BaseURL(), cfg.CDNPathURL()),
		stopCh: make(chan struct{}),
		log:    log.With().Str("component", "app").Logger(),
	}
}

func (r *Runtime) Config() config.Config { return r.cfg }
func (r *Runtime) Site() *site.Site      { return r.site }

// Cookies opens the persistent cookie store.
func (r *Runtime) Cookies() (*cookie.Store, error) {
	r.cookiesOnce.Do(func() {
		r.cookies, r.cookiesErr = cookie.Open(r.cfg.CookieDB())
		if r.cookiesErr != nil {
			r.log.Error().Err(r.cookiesErr).Str("path", r.cfg.CookieDB()).Msg("Cookie store unavailable")
		}
	})
	return r.cookies, r.cookiesErr
}

func (r *Runtime) Resolver() dns.Resolver {
	r.resolverOnce.Do(func() {
		r.resolver = dns.Chain(dns.System{}, dns.Options{
			Hosts:      r.cfg.StaticHosts(),
			TTL:        r.cfg.DNSTTL(),
			PreferIPv4: r.cfg.DNS.PreferIPv4,
		})
	})
	return r.resolver
}

// Transport builds the HTTP client. Without a cookie store it still works,
// it just sends and keeps no cookies.
func (r *Runtime) Transport() *transport.Transport {
	r.transportOnce.Do(func() {
		opts := transport.Options{
			ConnectTimeout: r.cfg.ConnectTimeout(),
			ReadTimeout:    r.cfg.ReadTimeout(),
			WriteTimeout:   r.cfg.WriteTimeout(),
			Resolver:       r.Resolver(),
			UserAgent:      r.cfg.HTTP.UserAgent,
		}
		if store, err := r.Cookies(); err == nil {
			opts.Jar = store
		}
		r.transport = transport.New(opts)
	})
	return r.transport
}

func (r *Runtime) Client() *client.Dispatcher {
	r.clientOnce.Do(func() {
		r.client = client.New(r.Transport(), client.WithMaxConcurrent(r.cfg.HTTP.MaxConcurrent))
	})
	return r.client
}

// Images opens the two-tier image cache.
func (r *Runtime) Images() (*cache.Cache[*imagex.Image], error) {
	r.imagesOnce.Do(func() {
		opts := cache.Options{
			MemoryMax:  cache.MemoryCapacity(r.cfg.MemoryMax(), r.cfg.Cache.Memory.Fraction),
			DiskDir:    r.cfg.DiskDir(),
			DiskMax:    r.cfg.DiskMax(),
			StatsEvery: r.cfg.LogStatsEvery(),
		}
		fetcher := client.ResourceFetcher{Dispatcher: r.Client(), Site: r.site}
		r.images, r.imagesErr = cache.New[*imagex.Image](opts, imagex.Helper{}, fetcher)
		if r.imagesErr != nil {
			r.log.Error().Err(r.imagesErr).Msg("Image cache unavailable")
		}
	})
	return r.images, r.imagesErr
}

// TrimMemory releases decoded images under memory pressure. Disk entries
// stay.
func (r *Runtime) TrimMemory() {
	if images, err := r.Images(); err == nil {
		images.ClearMemory()
	}
}

// Start runs the cookie migration, restores the last known CDN list and
// refreshes it in the background.
func (r *Runtime) Start() {
	if err := r.MigrateCookies(); err != nil {
		r.log.Warn().Err(err).Msg("Cookie migration failed")
	}
	r.restoreCDNPaths()
	r.RefreshCDNPaths(nil)

	if every := r.cfg.CDNRefreshEvery(); every > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.cdnRefreshLoop(every)
		}()
	}
}

func (r *Runtime) cdnRefreshLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.RefreshCDNPaths(nil)
		}
	}
}

// Close tears the runtime down in reverse construction order.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		if r.images != nil {
			if err := r.images.Close(); err != nil {
				r.log.Warn().Err(err).Msg("Closing image cache")
			}
		}
		if r.client != nil {
			r.client.Close()
		}
		if r.cookies != nil {
			if err := r.cookies.Close(); err != nil {
				r.log.Warn().Err(err).Msg("Closing cookie store")
			}
		}
	})
}
