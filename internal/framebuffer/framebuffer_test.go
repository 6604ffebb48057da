package framebuffer

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-sensors/mash-sync-core/internal/wire"
)

type recordingSink struct {
	frames []wire.SyncFrame
}

func (s *recordingSink) Emit(f wire.SyncFrame) {
	s.frames = append(s.frames, f)
}

func Test_Scenario1_SingleSensor(t *testing.T) {
	sink := &recordingSink{}
	b := New(DefaultConfig(), sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}})

	for _, ts := range []int64{6200, 11200, 16200} {
		b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: ts}, ts)
	}

	require.Len(t, sink.frames, 3)
	for i, ts := range []uint32{6200, 11200, 16200} {
		assert.Equal(t, ts, sink.frames[i].TimestampUS)
		require.Len(t, sink.frames[i].Records, 1)
		assert.Equal(t, uint8(10), sink.frames[i].Records[0].SensorID)
	}
}

func Test_Scenario2_TwoNodeAlignment(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.QuantumUS = 5000
	b := New(cfg, sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}, 11: {}})

	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 51000}, 0) // local 50000 + offset 1000
	b.Ingest(Sample{NodeID: 2, SensorID: 11, TsUS: 49500}, 1) // local 50000 - offset 500

	require.Len(t, sink.frames, 1)
	assert.Equal(t, uint32(51000), sink.frames[0].TimestampUS)
	assert.Len(t, sink.frames[0].Records, 2)
}

func Test_Scenario3_IncompleteBucketDeadline(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.FrameDeadlineUS = 60_000
	b := New(cfg, sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}, 11: {}})

	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 0}, 0)
	b.CheckDeadlines(59_000)
	assert.Empty(t, sink.frames, "deadline not yet reached")

	b.CheckDeadlines(60_000)
	require.Len(t, sink.frames, 1)

	frame := sink.frames[0]
	assert.Len(t, frame.Records, 1)
	assert.Equal(t, uint8(10), frame.Records[0].SensorID)
	assert.Equal(t, wire.SampleFlag(0), frame.Records[0].Flags)

	assert.Equal(t, uint64(1), b.Metrics().DroppedIncomplete)
}

func Test_Scenario4_PruneUnblocksBucket(t *testing.T) {
	sink := &recordingSink{}
	b := New(DefaultConfig(), sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}, 11: {}})

	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 0}, 0)
	assert.Empty(t, sink.frames, "bucket should still be waiting on sensor 11")

	// Node 2 (owner of sensor 11) is pruned: the topology manager reports a shrunk expected set.
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}})

	require.Len(t, sink.frames, 1)
	assert.Len(t, sink.frames[0].Records, 1)
	assert.Equal(t, uint8(10), sink.frames[0].Records[0].SensorID)
}

func Test_Scenario6_LateSampleRejectedAfterMonotonicEmit(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.QuantumUS = 5000
	b := New(cfg, sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}})

	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 10000}, 0) // key K+Q, emits immediately (single sensor)
	require.Len(t, sink.frames, 1)
	assert.Equal(t, uint32(10000), sink.frames[0].TimestampUS)

	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 5000}, 1) // key K, now late
	assert.Len(t, sink.frames, 1, "no new frame should be emitted for a late sample")
	assert.Equal(t, uint64(1), b.Metrics().LateSamples)
}

func Test_DuplicateSample_KeepsEarlierArrival(t *testing.T) {
	sink := &recordingSink{}
	b := New(DefaultConfig(), sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}, 11: {}})

	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 0, Accel: [3]float64{1, 0, 0}}, 0)
	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 0, Accel: [3]float64{2, 0, 0}}, 1)
	b.Ingest(Sample{NodeID: 2, SensorID: 11, TsUS: 0}, 2)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, uint64(1), b.Metrics().DuplicateSamples)

	var rec10 *wire.SyncFrameRecord
	for i := range sink.frames[0].Records {
		if sink.frames[0].Records[i].SensorID == 10 {
			rec10 = &sink.frames[0].Records[i]
		}
	}
	require.NotNil(t, rec10)
	assert.Equal(t, 1.0, rec10.Accel[0], "the earlier arrival must win")
}

func Test_Emission_StrictlyMonotonic(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.QuantumUS = 5000
	b := New(cfg, sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}})

	for _, ts := range []int64{0, 5000, 10000, 15000} {
		b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: ts}, ts)
	}

	require.Len(t, sink.frames, 4)
	for i := 1; i < len(sink.frames); i++ {
		assert.Greater(t, sink.frames[i].TimestampUS, sink.frames[i-1].TimestampUS)
	}
}

func Test_Eviction_NeverEmitsOutOfOrder(t *testing.T) {
	// Reproduces the review repro: a younger bucket created first must not
	// be force-evicted ahead of an older bucket in a way that lets the
	// older bucket's eventual completion emit a SyncFrame with a smaller
	// TimestampUS after a larger one has already gone out.
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.QuantumUS = 5000
	cfg.MaxBuckets = 1
	cfg.FrameDeadlineUS = 60_000
	cfg.Eviction = ForceEmitOldest
	b := New(cfg, sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}, 11: {}})

	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 100000}, 0)
	// MaxBuckets is 1: this forces the 100000 bucket out, partial, before
	// the 50000 bucket even exists.
	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 50000}, 1)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, uint32(100000), sink.frames[0].TimestampUS)

	// The straggler for sensor 11 on the 50000 key arrives after the 100000
	// frame went out; it is late and must not complete a bucket that would
	// emit behind the frame already sent.
	b.Ingest(Sample{NodeID: 2, SensorID: 11, TsUS: 50000}, 2)

	require.Len(t, sink.frames, 1, "no SyncFrame with a smaller timestamp may follow a larger one")
	for i := 1; i < len(sink.frames); i++ {
		assert.Greater(t, sink.frames[i].TimestampUS, sink.frames[i-1].TimestampUS)
	}
}

func Test_Eviction_PicksSmallestKeyNotArrivalOrder(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.QuantumUS = 5000
	cfg.MaxBuckets = 2
	cfg.FrameDeadlineUS = 60_000
	cfg.Eviction = ForceEmitOldest
	b := New(cfg, sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}, 11: {}})

	// Bucket for the larger key arrives first; the smaller-key bucket
	// arrives second. Arrival order and key order now disagree.
	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 100000}, 0)
	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 50000}, 1)
	assert.Empty(t, sink.frames)

	// A third key forces an eviction with both buckets in flight: the
	// numerically smallest key (50000) must be the one forced out, not
	// whichever arrived first (100000).
	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 150000}, 2)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, uint32(50000), sink.frames[0].TimestampUS)
}

func Test_SyncFrameRecords_MatchIngestedSamples(t *testing.T) {
	sink := &recordingSink{}
	b := New(DefaultConfig(), sink)
	b.SetExpectedSensorSet(map[uint8]struct{}{10: {}, 11: {}})

	b.Ingest(Sample{NodeID: 1, SensorID: 10, TsUS: 0, Quat: [4]float64{1, 0, 0, 0}, Accel: [3]float64{0, 0, 1}, Gyro: [3]float64{0, 0, 0}}, 0)
	b.Ingest(Sample{NodeID: 2, SensorID: 11, TsUS: 0, Quat: [4]float64{1, 0, 0, 0}, Accel: [3]float64{0, 0, -1}, Gyro: [3]float64{0, 0, 0}}, 1)

	require.Len(t, sink.frames, 1)

	got := append([]wire.SyncFrameRecord(nil), sink.frames[0].Records...)
	sort.Slice(got, func(i, j int) bool { return got[i].SensorID < got[j].SensorID })

	want := []wire.SyncFrameRecord{
		{SensorID: 10, Quat: [4]float64{1, 0, 0, 0}, Accel: [3]float64{0, 0, 1}, Gyro: [3]float64{0, 0, 0}},
		{SensorID: 11, Quat: [4]float64{1, 0, 0, 0}, Accel: [3]float64{0, 0, -1}, Gyro: [3]float64{0, 0, 0}},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sync frame records mismatch (-want +got):\n%s", diff)
	}
}
