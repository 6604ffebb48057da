package wire

import "encoding/binary"

const (
	syncFrameHeaderSize = 1 + 4 + 4 + 1 // type, frame_seq, timestamp_us, sensor_count
	syncFrameRecordSize = 1 + 8 + 6 + 6 + 1 + 2 // sensor_id, q[4]i16, a[3]i16, g[3]i16, flags, reserved[2]
)

// SampleFlag marks per-record conditions on an emitted SYNC_FRAME record.
type SampleFlag uint8

const (
	// FlagAbsent marks a record whose sensor did not arrive before the
	// bucket's deadline; its quaternion/accel/gyro fields are zeroed.
	FlagAbsent SampleFlag = 1 << 0
)

// SyncFrameRecord is one sensor's contribution to a completed (or
// deadline-forced) frame. Gateway -> application.
type SyncFrameRecord struct {
	SensorID uint8
	Quat     [4]float64
	Accel    [3]float64
	Gyro     [3]float64
	Flags    SampleFlag
}

// SyncFrame is a fully (or partially, on deadline) assembled multi-sensor
// frame emitted by the Sync Frame Buffer. Gateway -> application.
type SyncFrame struct {
	FrameSeq    uint32
	TimestampUS uint32
	Records     []SyncFrameRecord
}

func (f SyncFrame) Encode() []byte {
	if len(f.Records) > maxRecordSensors {
		panic("wire: too many SYNC_FRAME records for a single frame")
	}
	out := make([]byte, syncFrameHeaderSize+len(f.Records)*syncFrameRecordSize)
	out[0] = byte(TypeSyncFrame)
	binary.LittleEndian.PutUint32(out[1:], f.FrameSeq)
	binary.LittleEndian.PutUint32(out[5:], f.TimestampUS)
	out[9] = uint8(len(f.Records))

	off := syncFrameHeaderSize
	for _, rec := range f.Records {
		out[off] = rec.SensorID
		q := encodeQuat(rec.Quat)
		for i, v := range q {
			putI16(out, off+1+2*i, v)
		}
		a := encodeVec3(rec.Accel)
		for i, v := range a {
			putI16(out, off+9+2*i, v)
		}
		g := encodeVec3(rec.Gyro)
		for i, v := range g {
			putI16(out, off+15+2*i, v)
		}
		out[off+21] = uint8(rec.Flags)
		// out[off+22 : off+24] is reserved padding, left zeroed.
		off += syncFrameRecordSize
	}
	return out
}

func DecodeSyncFrame(b []byte) (SyncFrame, error) {
	if len(b) < syncFrameHeaderSize {
		return SyncFrame{}, malformed("sync_frame: need %d header bytes, got %d", syncFrameHeaderSize, len(b))
	}
	if Type(b[0]) != TypeSyncFrame {
		return SyncFrame{}, malformed("sync_frame: unexpected type 0x%02x", b[0])
	}
	count := int(b[9])
	want := syncFrameHeaderSize + count*syncFrameRecordSize
	if len(b) < want {
		return SyncFrame{}, malformed("sync_frame: declared %d records, need %d bytes, got %d", count, want, len(b))
	}

	f := SyncFrame{
		FrameSeq:    binary.LittleEndian.Uint32(b[1:]),
		TimestampUS: binary.LittleEndian.Uint32(b[5:]),
		Records:     make([]SyncFrameRecord, count),
	}

	off := syncFrameHeaderSize
	for i := 0; i < count; i++ {
		var q [4]int16
		for j := range q {
			q[j] = getI16(b, off+1+2*j)
		}
		var a, g [3]int16
		for j := range a {
			a[j] = getI16(b, off+9+2*j)
		}
		for j := range g {
			g[j] = getI16(b, off+15+2*j)
		}
		f.Records[i] = SyncFrameRecord{
			SensorID: b[off],
			Quat:     decodeQuat(q),
			Accel:    decodeVec3(a),
			Gyro:     decodeVec3(g),
			Flags:    SampleFlag(b[off+21]),
		}
		off += syncFrameRecordSize
	}
	return f, nil
}
