// Package framebuffer implements the bounded, time-indexed Sync Frame
// Buffer: it waits until samples sharing a quantized
// timestamp key have arrived from every expected sensor, then emits one
// aligned SYNC_FRAME with at-most-once, in-order guarantees.
package framebuffer

import (
	"sort"
	"sync"

	"github.com/mash-sensors/mash-sync-core/internal/wire"
)

// EvictionPolicy decides what happens to the oldest incomplete bucket when
// MAX_BUCKETS is reached and a new key arrives.
type EvictionPolicy int

const (
	// DropOldest discards the oldest incomplete bucket outright
	// (RECORDING policy: favor historical completeness over coverage).
	DropOldest EvictionPolicy = iota
	// ForceEmitOldest force-emits the oldest incomplete bucket as partial
	// (LIVE policy: favor freshness).
	ForceEmitOldest
)

// Sample is one sensor reading already in the Gateway's synchronized time
// domain, ready to be ingested into a bucket.
type Sample struct {
	NodeID    uint8
	SensorID  uint8
	TsUS      int64
	Quat      [4]float64
	Accel     [3]float64
	Gyro      [3]float64
}

type bucket struct {
	keyUS        int64
	firstTsUS    int64 // sync timestamp of the first sample; the frame's timestamp
	partial      map[uint8]wire.SyncFrameRecord
	firstArrival int64
	deadlineUS   int64
}

// Config are the sync frame buffer's tunables.
type Config struct {
	// QuantumUS is the nominal sample period Q used to round timestamps
	// into bucket keys.
	QuantumUS int64
	// MaxBuckets bounds the number of in-flight buckets.
	MaxBuckets int
	// FrameDeadlineUS bounds how long a bucket waits for stragglers
	// before it is forced to emit partial.
	FrameDeadlineUS int64
	// Eviction governs what happens when MaxBuckets is exceeded.
	Eviction EvictionPolicy
}

// DefaultConfig returns the stated sync frame buffer defaults.
func DefaultConfig() Config {
	return Config{
		QuantumUS:       5000,
		MaxBuckets:      32,
		FrameDeadlineUS: 60_000,
		Eviction:        ForceEmitOldest,
	}
}

// Metrics is the subset of get_sync_status's "buffer" block this package
// tracks directly.
type Metrics struct {
	BucketsInFlight    int
	EmittedTotal       uint64
	DroppedIncomplete  uint64
	LateSamples        uint64
	DuplicateSamples   uint64
}

// Sink receives completed frames in strictly increasing timestamp order.
type Sink interface {
	Emit(wire.SyncFrame)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(wire.SyncFrame)

func (f SinkFunc) Emit(frame wire.SyncFrame) { f(frame) }

// Buffer is the Sync Frame Buffer.
type Buffer struct {
	mu sync.Mutex

	cfg Config

	buckets    map[int64]*bucket
	order      []int64 // bucket keys, kept sorted ascending
	expected   map[uint8]struct{}
	lastEmitUS int64
	haveEmit   bool
	frameSeq   uint32

	metrics Metrics
	sink    Sink
}

// New creates a Buffer with the given output sink and an empty expected
// sensor set; call SetExpectedSensorSet before buckets can complete.
func New(cfg Config, sink Sink) *Buffer {
	return &Buffer{
		cfg:      cfg,
		buckets:  map[int64]*bucket{},
		expected: map[uint8]struct{}{},
		sink:     sink,
	}
}

// SetExpectedSensorSet replaces the set of sensors a bucket must contain to
// be considered complete, then immediately re-checks every in-flight
// bucket for newly-reached completeness.
func (b *Buffer) SetExpectedSensorSet(sensorIDs map[uint8]struct{}) {
	b.mu.Lock()
	b.expected = copySet(sensorIDs)
	keys := append([]int64(nil), b.order...)
	b.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		b.mu.Lock()
		bk, ok := b.buckets[k]
		complete := ok && len(bk.partial) == len(b.expected) && len(b.expected) > 0
		b.mu.Unlock()
		if complete {
			b.emitComplete(k)
		}
	}
}

func copySet(in map[uint8]struct{}) map[uint8]struct{} {
	out := make(map[uint8]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// Ingest admits one sample, creating its bucket if necessary, and emits any
// bucket that becomes complete as a result.
func (b *Buffer) Ingest(s Sample, nowUS int64) {
	key := b.quantize(s.TsUS)

	b.mu.Lock()

	if b.haveEmit && key <= b.lastEmitUS {
		b.metrics.LateSamples++
		b.mu.Unlock()
		return
	}

	bk, ok := b.buckets[key]
	var toForceEmit int64
	forceEmit := false
	if !ok {
		if len(b.buckets) >= b.cfg.MaxBuckets {
			toForceEmit, forceEmit = b.evictLocked()
		}
		bk = &bucket{
			keyUS:        key,
			firstTsUS:    s.TsUS,
			partial:      map[uint8]wire.SyncFrameRecord{},
			firstArrival: nowUS,
			deadlineUS:   nowUS + b.cfg.FrameDeadlineUS,
		}
		b.buckets[key] = bk
		b.insertOrderLocked(key)
	}

	if _, dup := bk.partial[s.SensorID]; dup {
		b.metrics.DuplicateSamples++
		b.mu.Unlock()
		return
	}

	bk.partial[s.SensorID] = wire.SyncFrameRecord{
		SensorID: s.SensorID,
		Quat:     s.Quat,
		Accel:    s.Accel,
		Gyro:     s.Gyro,
	}

	complete := len(bk.partial) == len(b.expected) && len(b.expected) > 0
	b.mu.Unlock()

	if forceEmit {
		b.emitDeadline(toForceEmit)
	}
	if complete {
		b.emitComplete(key)
	}
}

// quantize rounds tsUS to the nearest multiple of QuantumUS, halves away
// from zero.
func (b *Buffer) quantize(tsUS int64) int64 {
	q := b.cfg.QuantumUS
	if q <= 0 {
		return tsUS
	}
	if tsUS < 0 {
		return -((-tsUS + q/2) / q) * q
	}
	return ((tsUS + q/2) / q) * q
}

// evictLocked handles a MaxBuckets overflow. Caller holds b.mu. b.order is
// kept sorted ascending, so b.order[0] is the numerically smallest
// in-flight key, not merely the one that arrived first. Under
// ForceEmitOldest it reports the bucket key that must be force-emitted
// once the caller has released the lock, since emit() takes it itself.
func (b *Buffer) evictLocked() (forceEmitKey int64, shouldForceEmit bool) {
	if len(b.order) == 0 {
		return 0, false
	}
	smallest := b.order[0]

	switch b.cfg.Eviction {
	case ForceEmitOldest:
		return smallest, true
	case DropOldest:
		delete(b.buckets, smallest)
		b.order = b.order[1:]
	}
	return 0, false
}

// insertOrderLocked inserts key into b.order keeping it sorted ascending.
// Caller holds b.mu.
func (b *Buffer) insertOrderLocked(key int64) {
	i := sort.Search(len(b.order), func(i int) bool { return b.order[i] >= key })
	b.order = append(b.order, 0)
	copy(b.order[i+1:], b.order[i:])
	b.order[i] = key
}

// CheckDeadlines force-emits any bucket whose deadline has passed as of
// nowUS, marking absent sensors.
func (b *Buffer) CheckDeadlines(nowUS int64) {
	b.mu.Lock()
	var expired []int64
	for _, k := range b.order {
		bk, ok := b.buckets[k]
		if ok && nowUS >= bk.deadlineUS {
			expired = append(expired, k)
		}
	}
	b.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, k := range expired {
		b.emitDeadline(k)
	}
}

func (b *Buffer) emitComplete(key int64) {
	b.emit(key, false)
}

func (b *Buffer) emitDeadline(key int64) {
	b.emit(key, true)
}

// emit removes the bucket at key and pushes it to the sink, marking absent
// sensors if forced is true.
func (b *Buffer) emit(key int64, forced bool) {
	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		b.mu.Unlock()
		return
	}

	if b.haveEmit && key <= b.lastEmitUS {
		// A bucket with this key lost the race to an already-emitted
		// frame (e.g. force-evicted while a smaller key was still
		// in flight). Emitting it now would violate the
		// strictly-increasing-timestamp guarantee, so it is dropped
		// instead.
		delete(b.buckets, key)
		b.removeOrderLocked(key)
		b.metrics.DroppedIncomplete++
		b.metrics.BucketsInFlight = len(b.buckets)
		b.mu.Unlock()
		return
	}

	delete(b.buckets, key)
	b.removeOrderLocked(key)

	records := make([]wire.SyncFrameRecord, 0, len(b.expected))
	for sid := range b.expected {
		if rec, present := bk.partial[sid]; present {
			records = append(records, rec)
		} else if forced {
			records = append(records, wire.SyncFrameRecord{SensorID: sid, Flags: wire.FlagAbsent})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SensorID < records[j].SensorID })

	if forced && len(records) != len(bk.partial) {
		b.metrics.DroppedIncomplete++
	}

	b.frameSeq++
	frame := wire.SyncFrame{
		FrameSeq:    b.frameSeq,
		TimestampUS: uint32(bk.firstTsUS),
		Records:     records,
	}
	b.lastEmitUS = key
	b.haveEmit = true
	b.metrics.EmittedTotal++
	b.metrics.BucketsInFlight = len(b.buckets)

	b.mu.Unlock()

	b.sink.Emit(frame)
}

func (b *Buffer) removeOrderLocked(key int64) {
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}

// Metrics returns a snapshot of the buffer's counters.
func (b *Buffer) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.metrics
	m.BucketsInFlight = len(b.buckets)
	return m
}
