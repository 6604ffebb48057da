// Package metrics exposes the sync frame buffer and PTP counters behind
// get_sync_status as Prometheus instruments, grounded on the tfd-sim
// exposition pattern: plain prometheus.New* constructors registered
// against a private registry, scraped over /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Buffer holds the sync frame buffer and output queue counters surfaced on /metrics.
type Buffer struct {
	EmittedTotal      prometheus.Counter
	DroppedIncomplete prometheus.Counter
	LateSamples       prometheus.Counter
	DuplicateSamples  prometheus.Counter
	BucketsInFlight   prometheus.Gauge

	QueueDropped *prometheus.CounterVec
	QueueDepth   *prometheus.GaugeVec

	// prevEmitted etc. track the last value Sample() saw, since the
	// framebuffer's counters are the source of truth and only expose
	// cumulative totals while prometheus.Counter only exposes Add/Inc.
	prevEmitted, prevDropped, prevLate, prevDup uint64
}

// NewBuffer creates the Buffer's instruments and registers them against reg.
func NewBuffer(reg prometheus.Registerer) *Buffer {
	b := &Buffer{
		EmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mash_sync_frames_emitted_total",
			Help: "Total SYNC_FRAMEs emitted by the sync frame buffer.",
		}),
		DroppedIncomplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mash_sync_frames_dropped_incomplete_total",
			Help: "SYNC_FRAMEs emitted partial after a bucket deadline expired.",
		}),
		LateSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mash_sync_late_samples_total",
			Help: "Samples rejected at ingest because their bucket key had already been emitted.",
		}),
		DuplicateSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mash_sync_duplicate_samples_total",
			Help: "Samples rejected at ingest because their sensor already had an entry in the bucket.",
		}),
		BucketsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mash_sync_buckets_in_flight",
			Help: "Number of buckets currently open in the sync frame buffer.",
		}),
		QueueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mash_queue_dropped_total",
			Help: "Items dropped by a bounded queue under its configured policy.",
		}, []string{"queue"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mash_queue_depth",
			Help: "Current depth of a bounded queue.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		b.EmittedTotal,
		b.DroppedIncomplete,
		b.LateSamples,
		b.DuplicateSamples,
		b.BucketsInFlight,
		b.QueueDropped,
		b.QueueDepth,
	)
	return b
}

// Sample mirrors one framebuffer.Metrics snapshot onto the Prometheus
// instruments. The buffer's own counters are the source of truth; this is
// called periodically by the owning app loop, not on every ingest.
func (b *Buffer) Sample(bucketsInFlight int, emittedTotal, droppedIncomplete, lateSamples, duplicateSamples uint64) {
	b.BucketsInFlight.Set(float64(bucketsInFlight))
	if emittedTotal > b.prevEmitted {
		b.EmittedTotal.Add(float64(emittedTotal - b.prevEmitted))
		b.prevEmitted = emittedTotal
	}
	if droppedIncomplete > b.prevDropped {
		b.DroppedIncomplete.Add(float64(droppedIncomplete - b.prevDropped))
		b.prevDropped = droppedIncomplete
	}
	if lateSamples > b.prevLate {
		b.LateSamples.Add(float64(lateSamples - b.prevLate))
		b.prevLate = lateSamples
	}
	if duplicateSamples > b.prevDup {
		b.DuplicateSamples.Add(float64(duplicateSamples - b.prevDup))
		b.prevDup = duplicateSamples
	}
}

// PTP holds the PTP engine's fault-tracking counters.
type PTP struct {
	RejectsTotal *prometheus.CounterVec
	FaultsTotal  *prometheus.CounterVec
}

// NewPTP creates and registers the PTP instruments.
func NewPTP(reg prometheus.Registerer) *PTP {
	p := &PTP{
		RejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mash_ptp_exchange_rejects_total",
			Help: "Rejected PTP exchanges, by node.",
		}, []string{"node_id"}),
		FaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mash_ptp_faults_total",
			Help: "Sync faults triggered by consecutive PTP rejects, by node.",
		}, []string{"node_id"}),
	}
	reg.MustRegister(p.RejectsTotal, p.FaultsTotal)
	return p
}
