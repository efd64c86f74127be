// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Flowstate Contributors

package collector

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	TierPrimary        = "primary"
	TierEvictionBuffer = "eviction_buffer"

	ReplayTracked = "tracked"
	ReplaySkipped = "skipped"
)

type metrics struct {
	hits             *prometheus.CounterVec
	misses           prometheus.Counter
	ringSpills       prometheus.Counter
	ringDrops        prometheus.Counter
	rejected         prometheus.Counter
	ringEntries      prometheus.Gauge
	ringsFull        prometheus.Gauge
	spillRate        prometheus.Gauge
	drainedFlows     *prometheus.CounterVec
	drainedFlowHits  prometheus.Histogram
	pollDuration     prometheus.Gauge
	replayPackets    *prometheus.CounterVec
	replayTunneled   prometheus.Counter
	configPrimary    prometheus.Gauge
	configPrimaryWay prometheus.Gauge
	configEviction   prometheus.Gauge
	configRings      prometheus.Gauge
	configRingSize   prometheus.Gauge
	configStripes    prometheus.Gauge
	configWorkers    prometheus.Gauge
	configPoll       prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		hits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowstate_cache_hits_total",
				Help: "Packets that found their flow entry, by tier (primary, eviction_buffer).",
			},
			[]string{"tier"},
		),
		misses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowstate_cache_misses_total",
				Help: "Packets that created a new flow entry.",
			},
		),
		ringSpills: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowstate_ring_spills_total",
				Help: "Entries displaced out of the hash tiers towards a ring buffer.",
			},
		),
		ringDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowstate_ring_overflow_drops_total",
				Help: "Spilled entries discarded because their ring buffer was full.",
			},
		),
		rejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowstate_rejected_packets_total",
				Help: "Packets with a protocol other than TCP or UDP; no tier was touched.",
			},
		),
		ringEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_ring_entries",
				Help: "Undrained entries across all ring buffers, sampled before the last drain.",
			},
		),
		ringsFull: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_rings_full",
				Help: "Ring buffers at capacity, sampled before the last drain.",
			},
		),
		spillRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_ring_spill_rate",
				Help: "Ring spills per second over the last poll interval.",
			},
		),
		drainedFlows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowstate_drained_flows_total",
				Help: "Evicted flows drained from the ring buffers, by source country.",
			},
			[]string{"country"},
		),
		drainedFlowHits: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowstate_drained_flow_hits",
				Help:    "Hit count of flows at the time they were drained.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		pollDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_poll_duration_seconds",
				Help: "Time in seconds spent draining rings and reading counters in the last poll.",
			},
		),
		replayPackets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowstate_replay_packets_total",
				Help: "Captured packets read by the replay workers, by result (tracked, skipped).",
			},
			[]string{"result"},
		),
		replayTunneled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowstate_replay_gtpu_packets_total",
				Help: "Tracked packets whose flow was taken from behind a GTP-U header.",
			},
		),
		configPrimary: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_config_primary_buckets",
				Help: "Configured number of primary table buckets.",
			},
		),
		configPrimaryWay: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_config_primary_bucket_size",
				Help: "Configured slots per primary bucket.",
			},
		),
		configEviction: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_config_eviction_bucket_size",
				Help: "Configured slots per eviction buffer bucket; 0 when the eviction buffer is disabled.",
			},
		),
		configRings: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_config_ring_tables",
				Help: "Configured number of ring buffers.",
			},
		),
		configRingSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_config_ring_bucket_size",
				Help: "Configured capacity of each ring buffer.",
			},
		),
		configStripes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_config_lock_stripes",
				Help: "Configured number of bucket lock stripes.",
			},
		),
		configWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_config_workers",
				Help: "Configured number of replay workers.",
			},
		),
		configPoll: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowstate_config_poll_interval_seconds",
				Help: "Configured poll interval in seconds.",
			},
		),
	}
}

// register adds the cache metrics plus the Go runtime and process
// collectors to reg.
func (m *metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.hits,
		m.misses,
		m.ringSpills,
		m.ringDrops,
		m.rejected,
		m.ringEntries,
		m.ringsFull,
		m.spillRate,
		m.drainedFlows,
		m.drainedFlowHits,
		m.pollDuration,
		m.replayPackets,
		m.replayTunneled,
		m.configPrimary,
		m.configPrimaryWay,
		m.configEviction,
		m.configRings,
		m.configRingSize,
		m.configStripes,
		m.configWorkers,
		m.configPoll,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	slog.Info("Prometheus metrics registered")
}
