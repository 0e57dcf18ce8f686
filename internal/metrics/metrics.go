package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the chain synchronization core.
type Metrics struct {
	// Event metrics
	EventsEmitted *prometheus.CounterVec
	EventLatency  prometheus.Histogram

	// Pipeline metrics
	PipelineDepth   prometheus.Gauge
	UnfinalizedLen  prometheus.Gauge
	IngestLatency   prometheus.Histogram

	// Reorg / finalization metrics
	ReorgsTotal        prometheus.Counter
	ReorgDepth         prometheus.Histogram
	FinalizationsTotal prometheus.Counter

	// Factory tracker metrics
	FactoryChildrenTracked *prometheus.GaugeVec

	// Supervisor / connectivity metrics
	ConsecutiveErrors prometheus.Gauge
	FatalErrors       prometheus.Counter
	RPCConnected      prometheus.Gauge
	LastBlockSeen     prometheus.Gauge

	// RPC call metrics
	RPCCallLatency *prometheus.HistogramVec

	server *http.Server
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainsync_events_emitted_total",
				Help: "Total number of events emitted downstream, by type",
			},
			[]string{"type"},
		),
		EventLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chainsync_event_latency_seconds",
				Help:    "Latency from block timestamp to event emission",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
		),
		PipelineDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainsync_pipeline_queue_depth",
				Help: "Current number of blocks queued for ingest",
			},
		),
		UnfinalizedLen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainsync_unfinalized_blocks",
				Help: "Current length of the unfinalized block list",
			},
		),
		IngestLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chainsync_ingest_latency_seconds",
				Help:    "Time to fetch, filter, and ingest one block",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
			},
		),
		ReorgsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chainsync_reorgs_total",
				Help: "Total number of reorgs detected",
			},
		),
		ReorgDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chainsync_reorg_depth_blocks",
				Help:    "Depth (number of evicted blocks) of each detected reorg",
				Buckets: prometheus.LinearBuckets(1, 1, 20),
			},
		),
		FinalizationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chainsync_finalizations_total",
				Help: "Total number of finalize events emitted",
			},
		),
		FactoryChildrenTracked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chainsync_factory_children_tracked",
				Help: "Number of tracked child addresses per factory",
			},
			[]string{"factory", "tier"},
		),
		ConsecutiveErrors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainsync_consecutive_errors",
				Help: "Current consecutive ingest error count",
			},
		),
		FatalErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chainsync_fatal_errors_total",
				Help: "Total number of fatal error promotions",
			},
		),
		RPCConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainsync_rpc_connected",
				Help: "RPC/websocket connection status (1=connected, 0=disconnected)",
			},
		),
		LastBlockSeen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chainsync_last_block_seen",
				Help: "Last block number ingested",
			},
		),
		RPCCallLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chainsync_rpc_call_latency_seconds",
				Help:    "Latency of individual RPC calls, by method",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"method"},
		),
	}

	prometheus.MustRegister(
		m.EventsEmitted,
		m.EventLatency,
		m.PipelineDepth,
		m.UnfinalizedLen,
		m.IngestLatency,
		m.ReorgsTotal,
		m.ReorgDepth,
		m.FinalizationsTotal,
		m.FactoryChildrenTracked,
		m.ConsecutiveErrors,
		m.FatalErrors,
		m.RPCConnected,
		m.LastBlockSeen,
		m.RPCCallLatency,
	)

	return m
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordEventEmitted increments the event counter for the given type.
func (m *Metrics) RecordEventEmitted(eventType string) {
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordEventLatency records the latency from block timestamp to emission.
func (m *Metrics) RecordEventLatency(blockTime time.Time) {
	m.EventLatency.Observe(time.Since(blockTime).Seconds())
}

// SetPipelineDepth sets the current queue depth.
func (m *Metrics) SetPipelineDepth(depth int) {
	m.PipelineDepth.Set(float64(depth))
}

// SetUnfinalizedLen sets the current unfinalized-block-list length.
func (m *Metrics) SetUnfinalizedLen(n int) {
	m.UnfinalizedLen.Set(float64(n))
}

// RecordIngestLatency records the time to fetch, filter, and ingest one block.
func (m *Metrics) RecordIngestLatency(d time.Duration) {
	m.IngestLatency.Observe(d.Seconds())
}

// RecordReorg increments the reorg counter and observes its depth.
func (m *Metrics) RecordReorg(depth int) {
	m.ReorgsTotal.Inc()
	m.ReorgDepth.Observe(float64(depth))
}

// RecordFinalization increments the finalize counter.
func (m *Metrics) RecordFinalization() {
	m.FinalizationsTotal.Inc()
}

// SetFactoryChildrenTracked sets the tracked-children gauge for one
// factory/tier pair ("finalized" or "unfinalized").
func (m *Metrics) SetFactoryChildrenTracked(factory, tier string, count int) {
	m.FactoryChildrenTracked.WithLabelValues(factory, tier).Set(float64(count))
}

// SetConsecutiveErrors sets the current consecutive-error count.
func (m *Metrics) SetConsecutiveErrors(n int) {
	m.ConsecutiveErrors.Set(float64(n))
}

// RecordFatalError increments the fatal-error counter.
func (m *Metrics) RecordFatalError() {
	m.FatalErrors.Inc()
}

// SetRPCConnected sets the RPC/websocket connection status.
func (m *Metrics) SetRPCConnected(connected bool) {
	if connected {
		m.RPCConnected.Set(1)
	} else {
		m.RPCConnected.Set(0)
	}
}

// SetLastBlockSeen sets the last block number ingested.
func (m *Metrics) SetLastBlockSeen(block uint64) {
	m.LastBlockSeen.Set(float64(block))
}

// RecordRPCCallLatency records one RPC call's latency by method name.
func (m *Metrics) RecordRPCCallLatency(method string, d time.Duration) {
	m.RPCCallLatency.WithLabelValues(method).Observe(d.Seconds())
}
