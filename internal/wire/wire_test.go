package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Beacon_RoundTrip(t *testing.T) {
	in := Beacon{Epoch: 42, GatewayTsUS: 123456}

	out, err := DecodeBeacon(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_Beacon_Truncated(t *testing.T) {
	_, err := DecodeBeacon([]byte{byte(TypeBeacon), 0x01})
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
}

func Test_SyncReq_RoundTrip(t *testing.T) {
	in := SyncReq{T1US: 1_000_000}
	out, err := DecodeSyncReq(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_SyncResp_RoundTrip(t *testing.T) {
	in := SyncResp{T1US: 1000, T2US: 2000, T3US: 2100}
	out, err := DecodeSyncResp(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_RegisterReq_RoundTrip(t *testing.T) {
	in := RegisterReq{NodeID: 3, HWAddr: 0xdeadbeefcafe, SensorIDs: []uint8{10, 11, 12}}
	out, err := DecodeRegisterReq(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_RegisterReq_DeclaredCountExceedsPayload(t *testing.T) {
	b := RegisterReq{NodeID: 1, HWAddr: 7, SensorIDs: []uint8{1, 2}}.Encode()
	b[10] = 10 // lie about the sensor count
	_, err := DecodeRegisterReq(b)
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
}

func Test_RegisterAck_RoundTrip(t *testing.T) {
	in := RegisterAck{NodeID: 3, Status: RegisterOK, SlotIndex: 4}
	out, err := DecodeRegisterAck(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func Test_Data_RoundTrip(t *testing.T) {
	in := Data{
		NodeID:   2,
		BaseTsUS: 5000,
		Records: []DataRecord{
			{SensorID: 10, TsUS: 5000, Quat: [4]float64{1, 0, 0, 0}, Accel: [3]float64{0.1, -0.2, 9.8}, Gyro: [3]float64{0, 0, 0}},
			{SensorID: 11, TsUS: 5005, Quat: [4]float64{0.7071, 0.7071, 0, 0}, Accel: [3]float64{0, 0, 0}, Gyro: [3]float64{1.5, -1.5, 0}},
		},
	}

	out, err := DecodeData(in.Encode())
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	assert.Equal(t, in.NodeID, out.NodeID)
	assert.Equal(t, in.BaseTsUS, out.BaseTsUS)

	for i := range in.Records {
		assertQuatClose(t, in.Records[i].Quat, out.Records[i].Quat)
		assertVecClose(t, in.Records[i].Accel, out.Records[i].Accel, 1.0/ImuScale)
		assertVecClose(t, in.Records[i].Gyro, out.Records[i].Gyro, 1.0/ImuScale)
	}
}

func Test_Data_RecordSize_Is25Bytes(t *testing.T) {
	d := Data{NodeID: 1, Records: []DataRecord{{}}}
	assert.Len(t, d.Encode(), dataHeaderSize+25)
}

func Test_SyncFrame_RoundTrip(t *testing.T) {
	in := SyncFrame{
		FrameSeq:    7,
		TimestampUS: 51000,
		Records: []SyncFrameRecord{
			{SensorID: 10, Quat: [4]float64{1, 0, 0, 0}, Accel: [3]float64{0, 0, 1}, Gyro: [3]float64{0, 0, 0}},
			{SensorID: 11, Quat: [4]float64{1, 0, 0, 0}, Accel: [3]float64{0, 0, 1}, Gyro: [3]float64{0, 0, 0}, Flags: FlagAbsent},
		},
	}

	out, err := DecodeSyncFrame(in.Encode())
	require.NoError(t, err)
	require.Len(t, out.Records, 2)
	assert.Equal(t, in.FrameSeq, out.FrameSeq)
	assert.Equal(t, in.TimestampUS, out.TimestampUS)
	assert.Equal(t, FlagAbsent, out.Records[1].Flags)
}

func Test_SyncFrame_RecordSize_Is24Bytes(t *testing.T) {
	f := SyncFrame{Records: []SyncFrameRecord{{}}}
	assert.Len(t, f.Encode(), syncFrameHeaderSize+24)
}

func Test_UnknownType(t *testing.T) {
	_, err := DecodeBeacon([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
}

func assertQuatClose(t *testing.T, want, got [4]float64) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1.0/QuatScale)
	}
}

func assertVecClose(t *testing.T, want, got [3]float64, tolerance float64) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], tolerance)
	}
}
