// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowstate-cache/internal/collector"
	"github.com/flowstate-cache/internal/flowcache"
	"github.com/flowstate-cache/internal/flowkey"
	"github.com/flowstate-cache/internal/log"
)

var (
	defaults = flowcache.DefaultConfig()

	primaryBuckets     = flag.Int("primary-buckets", defaults.PrimaryBucketCount, "Primary table buckets (power of two)")
	primaryBucketSize  = flag.Int("primary-bucket-size", defaults.PrimaryBucketSize, "Slots per primary bucket; 1 = direct-mapped")
	evictionBuffer     = flag.Bool("eviction-buffer", defaults.EvictionEnabled, "Enable the eviction buffer tier")
	evictionBucketSize = flag.Int("eviction-bucket-size", defaults.EvictionBucketSize, "Slots per eviction buffer bucket (>= primary-bucket-size)")
	ringTables         = flag.Int("ring-tables", defaults.RingTableSize, "Number of ring buffers (power of two)")
	ringBucketSize     = flag.Int("ring-bucket-size", defaults.RingBucketSize, "Entries per ring buffer")
	lockStripes        = flag.Int("lock-stripes", 0, "Bucket lock stripes (power of two, <= primary-buckets); 0 = derived from CPU count")
	hashName           = flag.String("hash", "crc32", "Flow key hash: "+flowkey.SupportedHashers)
	pcap               = flag.String("pcap", "", "pcap/pcapng capture to replay through the cache; empty = metrics only")
	workers            = flag.Int("workers", 0, "Replay workers; 0 = one per possible CPU")
	geoipDB            = flag.String("geoip-db", "/usr/share/GeoIP/GeoLite2-Country.mmdb", "Path to GeoLite2-Country.mmdb; empty disables attribution")
	geoipCacheSize     = flag.Int("geoip-cache-size", 65536, "GeoIP LRU cache size (address → country)")
	pollInterval       = flag.Duration("poll-interval", 2*time.Second, "Interval to drain ring buffers and update metrics")
	drainBatch         = flag.Int("drain-batch", 0, "Entries drained per ring per poll; 0 = whole ring")
	listenAddress      = flag.String("listen-address", "0.0.0.0:9100", "HTTP server listen address for /metrics")
	metricsPath        = flag.String("metrics-path", "/metrics", "HTTP path for Prometheus metrics")
	logLevel           = flag.String("log-level", "info", "Log level: "+log.SupportedLevels)
	logFormat          = flag.String("log-format", "text", "Log format: "+log.SupportedFormats)

	primaryPolicy  = defaults.PrimaryPolicy
	evictionPolicy = defaults.EvictionPolicy
)

func main() {
	flag.TextVar(&primaryPolicy, "primary-policy", defaults.PrimaryPolicy, "Primary replacement policy: "+flowcache.SupportedPolicies)
	flag.TextVar(&evictionPolicy, "eviction-policy", defaults.EvictionPolicy, "Eviction buffer replacement policy: "+flowcache.SupportedPolicies)
	flag.Parse()

	if err := log.Configure(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging flags: %v\n", err)
		os.Exit(1)
	}
	slog.Debug("logging configured", "level", *logLevel, "format", *logFormat)

	hash, err := flowkey.ParseHasher(*hashName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg := collector.Config{
		Cache: flowcache.Config{
			PrimaryBucketCount: *primaryBuckets,
			PrimaryBucketSize:  *primaryBucketSize,
			EvictionEnabled:    *evictionBuffer,
			EvictionBucketSize: *evictionBucketSize,
			RingTableSize:      *ringTables,
			RingBucketSize:     *ringBucketSize,
			PrimaryPolicy:      primaryPolicy,
			EvictionPolicy:     evictionPolicy,
			LockStripeCount:    *lockStripes,
			Hash:               hash,
		},
		Pcap:           *pcap,
		Workers:        *workers,
		GeoIPDB:        *geoipDB,
		GeoIPCacheSize: *geoipCacheSize,
		PollInterval:   *pollInterval,
		DrainBatch:     *drainBatch,
		ListenAddress:  *listenAddress,
		MetricsPath:    *metricsPath,
	}

	slog.Info("starting flowstate",
		"pcap", *pcap,
		"geoip_db", *geoipDB,
		"listen", *listenAddress,
		"poll_interval", *pollInterval,
	)
	slog.Debug("config",
		"primary_policy", primaryPolicy,
		"eviction_policy", evictionPolicy,
		"hash", *hashName,
		"drain_batch", *drainBatch,
		"metrics_path", *metricsPath,
	)

	// Run collector (blocks until context is canceled)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := collector.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("collector run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}
