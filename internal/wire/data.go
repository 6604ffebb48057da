package wire

import "encoding/binary"

const (
	dataHeaderSize = 1 + 1 + 1 + 4 // type, node_id, sample_count, base_timestamp_us
	dataRecordSize = 1 + 4 + 8 + 6 + 6 // sensor_id, ts_us, q[4]i16, accel[3]i16, gyro[3]i16
)

// DataRecord is one sample inside a DATA frame, timestamped in the node's
// local clock; the Gateway applies the node's smoothed PTP offset on
// ingest to derive sync_timestamp_us.
type DataRecord struct {
	SensorID  uint8
	TsUS      uint32
	Quat      [4]float64
	Accel     [3]float64
	Gyro      [3]float64
}

// Data is a batch of samples transmitted by a node inside its assigned
// slot. Node -> Gateway.
type Data struct {
	NodeID         uint8
	BaseTsUS       uint32
	Records        []DataRecord
}

func (d Data) Encode() []byte {
	if len(d.Records) > maxRecordSensors {
		panic("wire: too many DATA records for a single frame")
	}
	out := make([]byte, dataHeaderSize+len(d.Records)*dataRecordSize)
	out[0] = byte(TypeData)
	out[1] = d.NodeID
	out[2] = uint8(len(d.Records))
	binary.LittleEndian.PutUint32(out[3:], d.BaseTsUS)

	off := dataHeaderSize
	for _, rec := range d.Records {
		out[off] = rec.SensorID
		binary.LittleEndian.PutUint32(out[off+1:], rec.TsUS)
		q := encodeQuat(rec.Quat)
		for i, v := range q {
			putI16(out, off+5+2*i, v)
		}
		a := encodeVec3(rec.Accel)
		for i, v := range a {
			putI16(out, off+13+2*i, v)
		}
		g := encodeVec3(rec.Gyro)
		for i, v := range g {
			putI16(out, off+19+2*i, v)
		}
		off += dataRecordSize
	}
	return out
}

func DecodeData(b []byte) (Data, error) {
	if len(b) < dataHeaderSize {
		return Data{}, malformed("data: need %d header bytes, got %d", dataHeaderSize, len(b))
	}
	if Type(b[0]) != TypeData {
		return Data{}, malformed("data: unexpected type 0x%02x", b[0])
	}
	count := int(b[2])
	want := dataHeaderSize + count*dataRecordSize
	if len(b) < want {
		return Data{}, malformed("data: declared %d records, need %d bytes, got %d", count, want, len(b))
	}

	d := Data{
		NodeID:   b[1],
		BaseTsUS: binary.LittleEndian.Uint32(b[3:]),
		Records:  make([]DataRecord, count),
	}

	off := dataHeaderSize
	for i := 0; i < count; i++ {
		var q [4]int16
		for j := range q {
			q[j] = getI16(b, off+5+2*j)
		}
		var a, g [3]int16
		for j := range a {
			a[j] = getI16(b, off+13+2*j)
		}
		for j := range g {
			g[j] = getI16(b, off+19+2*j)
		}
		d.Records[i] = DataRecord{
			SensorID: b[off],
			TsUS:     binary.LittleEndian.Uint32(b[off+1:]),
			Quat:     decodeQuat(q),
			Accel:    decodeVec3(a),
			Gyro:     decodeVec3(g),
		}
		off += dataRecordSize
	}
	return d, nil
}
