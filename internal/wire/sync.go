package wire

import "encoding/binary"

const (
	syncReqSize  = 1 + 4
	syncRespSize = 1 + 4 + 4 + 4
)

// SyncReq is the Gateway's two-way time-sync probe, carrying t1. Gateway ->
// node.
type SyncReq struct {
	T1US uint32
}

func (r SyncReq) Encode() []byte {
	out := make([]byte, syncReqSize)
	out[0] = byte(TypeSyncReq)
	binary.LittleEndian.PutUint32(out[1:], r.T1US)
	return out
}

func DecodeSyncReq(b []byte) (SyncReq, error) {
	if len(b) < syncReqSize {
		return SyncReq{}, malformed("sync_req: need %d bytes, got %d", syncReqSize, len(b))
	}
	if Type(b[0]) != TypeSyncReq {
		return SyncReq{}, malformed("sync_req: unexpected type 0x%02x", b[0])
	}
	return SyncReq{T1US: binary.LittleEndian.Uint32(b[1:])}, nil
}

// SyncResp echoes t1 and adds t2 (receipt) and t3 (about to transmit). Node
// -> Gateway.
type SyncResp struct {
	T1US uint32
	T2US uint32
	T3US uint32
}

func (r SyncResp) Encode() []byte {
	out := make([]byte, syncRespSize)
	out[0] = byte(TypeSyncResp)
	binary.LittleEndian.PutUint32(out[1:], r.T1US)
	binary.LittleEndian.PutUint32(out[5:], r.T2US)
	binary.LittleEndian.PutUint32(out[9:], r.T3US)
	return out
}

func DecodeSyncResp(b []byte) (SyncResp, error) {
	if len(b) < syncRespSize {
		return SyncResp{}, malformed("sync_resp: need %d bytes, got %d", syncRespSize, len(b))
	}
	if Type(b[0]) != TypeSyncResp {
		return SyncResp{}, malformed("sync_resp: unexpected type 0x%02x", b[0])
	}
	return SyncResp{
		T1US: binary.LittleEndian.Uint32(b[1:]),
		T2US: binary.LittleEndian.Uint32(b[5:]),
		T3US: binary.LittleEndian.Uint32(b[9:]),
	}, nil
}
