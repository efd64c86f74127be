// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

// Package collector runs the flow cache as a service: replay workers feed
// captured packets into the cache, a poll loop drains the ring buffers and
// turns the cache counters into Prometheus metrics.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/flowstate-cache/internal/clock"
	"github.com/flowstate-cache/internal/flowcache"
	"github.com/flowstate-cache/internal/flowkey"
	"github.com/flowstate-cache/internal/geoip"
	"github.com/flowstate-cache/internal/replay"
	"github.com/flowstate-cache/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Config is read-only after Run() is called and safe for concurrent reads.
// All fields must be initialized before calling Run() and must not be modified.
type Config struct {
	Cache          flowcache.Config // LockStripeCount 0 = derived from the CPU count
	Pcap           string           // capture to replay; empty = serve metrics only
	Workers        int              // replay workers (0 = one per possible CPU)
	GeoIPDB        string
	GeoIPCacheSize int // GeoIP LRU cache size (0 = default 65536)
	PollInterval   time.Duration
	DrainBatch     int // entries popped per ring per poll (0 = whole ring)
	ListenAddress  string
	MetricsPath    string
}

const (
	replayBatchSize     = 256
	lockStripesPerCPU   = 256
	httpShutdownTimeout = 2 * time.Second
)

// countryResolver maps a network-order IPv4 address to a country code.
type countryResolver interface {
	Country(addr uint32) string
}

type Collector struct {
	cfg     Config
	cache   *flowcache.Cache
	geo     countryResolver
	clock   clock.Source
	metrics *metrics

	statsMu   sync.Mutex // protects prevStats, lastPoll
	prevStats [types.NumStats]uint64
	lastPoll  time.Time
}

func Run(ctx context.Context, cfg Config) error {
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("--poll-interval must be > 0, got %v", cfg.PollInterval)
	}
	if cfg.DrainBatch < 0 {
		return fmt.Errorf("--drain-batch must be >= 0, got %d", cfg.DrainBatch)
	}
	if cfg.Workers < 0 {
		return fmt.Errorf("--workers must be >= 0, got %d", cfg.Workers)
	}
	if cfg.ListenAddress != "" && !strings.HasPrefix(cfg.MetricsPath, "/") {
		return fmt.Errorf("--metrics-path must start with /, got %q", cfg.MetricsPath)
	}
	cfg = withDefaults(cfg)

	cache, err := flowcache.New(cfg.Cache)
	if err != nil {
		slog.Error("flow cache setup failed", "err", err)
		return fmt.Errorf("flow cache: %w", err)
	}
	slog.Info("flow cache allocated",
		"primary_buckets", cfg.Cache.PrimaryBucketCount,
		"eviction_buffer", cfg.Cache.EvictionEnabled,
		"rings", cfg.Cache.RingTableSize,
		"lock_stripes", cfg.Cache.LockStripeCount,
	)

	geo, closeGeo := openGeo(cfg.GeoIPDB, cfg.GeoIPCacheSize)
	defer closeGeo()

	reg := prometheus.NewRegistry()
	c := newCollector(cfg, cache, geo, clock.Monotonic{})
	c.metrics.register(reg)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Pcap != "" {
		g.Go(func() error {
			src, err := replay.Open(cfg.Pcap)
			if err != nil {
				slog.Error("open capture failed", "path", cfg.Pcap, "err", err)
				return fmt.Errorf("replay: %w", err)
			}
			defer src.Close()
			return c.replay(gctx, src)
		})
	}
	if cfg.ListenAddress != "" {
		g.Go(func() error { return c.serve(gctx, reg) })
	}
	g.Go(func() error { return c.pollLoop(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	// One last drain so the counters include everything replayed.
	c.collect(time.Now())
	return nil
}

func newCollector(cfg Config, cache *flowcache.Cache, geo countryResolver, src clock.Source) *Collector {
	c := &Collector{
		cfg:      cfg,
		cache:    cache,
		geo:      geo,
		clock:    src,
		metrics:  newMetrics(),
		lastPoll: time.Now(),
	}
	cc := cache.Config()
	c.metrics.configPrimary.Set(float64(cc.PrimaryBucketCount))
	c.metrics.configPrimaryWay.Set(float64(cc.PrimaryBucketSize))
	if cc.EvictionEnabled {
		c.metrics.configEviction.Set(float64(cc.EvictionBucketSize))
	}
	c.metrics.configRings.Set(float64(cc.RingTableSize))
	c.metrics.configRingSize.Set(float64(cc.RingBucketSize))
	c.metrics.configStripes.Set(float64(cc.LockStripeCount))
	c.metrics.configWorkers.Set(float64(cfg.Workers))
	c.metrics.configPoll.Set(cfg.PollInterval.Seconds())
	return c
}

// openGeo returns a nil resolver when path is empty or the database cannot
// be opened; drain then reports every flow as Unknown.
func openGeo(path string, cacheSize int) (countryResolver, func()) {
	if path == "" {
		return nil, func() {}
	}
	lookup, err := geoip.NewWithCacheSize(path, cacheSize)
	if err != nil {
		slog.Warn("geoip db open failed, using UNKNOWN for all", "path", path, "err", err)
		return nil, func() {}
	}
	return lookup, func() { lookup.Close() }
}

// possibleCPUs falls back to GOMAXPROCS where the kernel list is unreadable.
func possibleCPUs() int {
	n, err := ebpf.PossibleCPU()
	if err != nil || n <= 0 {
		slog.Debug("possible CPU count unavailable, using GOMAXPROCS", "err", err)
		return runtime.GOMAXPROCS(0)
	}
	return n
}

func withDefaults(cfg Config) Config {
	cpus := possibleCPUs()
	if cfg.Workers == 0 {
		cfg.Workers = cpus
	}
	if cfg.Cache.LockStripeCount == 0 {
		cfg.Cache.LockStripeCount = defaultLockStripes(cpus, cfg.Cache.PrimaryBucketCount)
	}
	slog.Debug("defaults applied", "possible_cpus", cpus, "workers", cfg.Workers, "lock_stripes", cfg.Cache.LockStripeCount)
	return cfg
}

// defaultLockStripes rounds cpus*lockStripesPerCPU up to a power of two,
// capped at the bucket count.
func defaultLockStripes(cpus, buckets int) int {
	want := uint(cpus * lockStripesPerCPU)
	n := 1 << bits.Len(want-1)
	if buckets > 0 && n > buckets {
		n = buckets
	}
	return n
}

func (c *Collector) serve(ctx context.Context, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle(c.cfg.MetricsPath, promhttp.HandlerFor(
		reg,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	srv := &http.Server{Addr: c.cfg.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	slog.Debug("HTTP server starting", "listen", c.cfg.ListenAddress, "metrics_path", c.cfg.MetricsPath)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("http server", "err", err)
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// replay reads src on one goroutine and fans batches of tuples out to the
// configured number of workers, each calling Track with the shared clock.
func (c *Collector) replay(ctx context.Context, src *replay.Source) error {
	workers := c.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	batches := make(chan []flowkey.Tuple, workers*2)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(batches)
		batch := make([]flowkey.Tuple, 0, replayBatchSize)
		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			select {
			case batches <- batch:
				batch = make([]flowkey.Tuple, 0, replayBatchSize)
				return true
			case <-gctx.Done():
				return false
			}
		}
		for {
			p, err := src.Next()
			if errors.Is(err, io.EOF) {
				flush()
				return nil
			}
			if errors.Is(err, replay.ErrNoFlow) {
				c.metrics.replayPackets.WithLabelValues(ReplaySkipped).Inc()
				continue
			}
			if err != nil {
				slog.Error("capture read failed", "err", err)
				return fmt.Errorf("read capture: %w", err)
			}
			c.metrics.replayPackets.WithLabelValues(ReplayTracked).Inc()
			if p.Tunneled {
				c.metrics.replayTunneled.Inc()
			}
			batch = append(batch, p.Tuple)
			if len(batch) == replayBatchSize && !flush() {
				return gctx.Err()
			}
		}
	})
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for b := range batches {
				for _, t := range b {
					c.cache.Track(t, c.clock.Now())
				}
			}
			return nil
		})
	}
	err := g.Wait()
	st := c.cache.Stats()
	slog.Info("replay finished",
		"workers", workers,
		"duration", time.Since(start),
		"hits", st.Hits(),
		"misses", st.Misses,
		"rejected", st.Rejected,
		"err", err,
	)
	return err
}

func (c *Collector) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	slog.Debug("poll loop started", "interval", c.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("context canceled, exiting poll loop")
			return ctx.Err()
		case now := <-ticker.C:
			c.collect(now)
		}
	}
}

// collect is one poll: sample ring occupancy, drain every ring, then turn
// the cache counters into metric deltas.
func (c *Collector) collect(now time.Time) {
	start := time.Now()
	entries, full := c.sampleRings()
	c.metrics.ringEntries.Set(float64(entries))
	c.metrics.ringsFull.Set(float64(full))

	drained := c.drain()
	sums := c.readStats(now)

	dur := time.Since(start).Seconds()
	c.metrics.pollDuration.Set(dur)
	slog.Debug("poll done",
		"ring_entries", entries,
		"rings_full", full,
		"drained", drained,
		"primary_hits", sums[types.StatPrimaryHits],
		"eviction_hits", sums[types.StatEvictionHits],
		"misses", sums[types.StatMisses],
		"ring_spills", sums[types.StatRingSpills],
		"overflow_drops", sums[types.StatRingOverflowDrops],
		"duration_sec", dur,
	)
}

func (c *Collector) sampleRings() (entries, full int) {
	capacity := c.cache.Config().RingBucketSize
	for i := 0; i < c.cache.Rings(); i++ {
		n := c.cache.RingLen(i)
		entries += n
		if n >= capacity {
			full++
		}
	}
	return entries, full
}

// drain pops up to DrainBatch entries from every ring and attributes each
// evicted flow to its source country.
func (c *Collector) drain() int {
	limit := c.cfg.DrainBatch
	if limit <= 0 {
		limit = c.cache.Config().RingBucketSize
	}
	total := 0
	for r := 0; r < c.cache.Rings(); r++ {
		for n := 0; n < limit; n++ {
			e, ok := c.cache.DrainRing(r)
			if !ok {
				break
			}
			country := geoip.Unknown
			if c.geo != nil {
				country = c.geo.Country(e.Key.SrcAddr())
			}
			c.metrics.drainedFlows.WithLabelValues(country).Inc()
			c.metrics.drainedFlowHits.Observe(float64(e.Info.HitCount))
			total++
		}
	}
	return total
}

// readStats adds the counter growth since the previous poll to the metrics
// and derives the spill rate from the elapsed wall time.
func (c *Collector) readStats(now time.Time) [types.NumStats]uint64 {
	sums := c.cache.Stats().Array()

	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	for i := 0; i < types.NumStats; i++ {
		if sums[i] < c.prevStats[i] {
			continue
		}
		delta := float64(sums[i] - c.prevStats[i])
		switch i {
		case types.StatPrimaryHits:
			c.metrics.hits.WithLabelValues(TierPrimary).Add(delta)
		case types.StatEvictionHits:
			c.metrics.hits.WithLabelValues(TierEvictionBuffer).Add(delta)
		case types.StatMisses:
			c.metrics.misses.Add(delta)
		case types.StatRingSpills:
			c.metrics.ringSpills.Add(delta)
			if elapsed := now.Sub(c.lastPoll).Seconds(); elapsed > 0 {
				c.metrics.spillRate.Set(delta / elapsed)
			}
		case types.StatRingOverflowDrops:
			c.metrics.ringDrops.Add(delta)
		case types.StatRejected:
			c.metrics.rejected.Add(delta)
		}
	}
	c.prevStats = sums
	c.lastPoll = now
	return sums
}
