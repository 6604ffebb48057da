package wire

import "encoding/binary"

const (
	registerReqHeaderSize = 1 + 1 + 8 + 1 // type, node_id, hw_addr, sensor_count
	registerAckSize        = 1 + 1 + 1 + 1
)

// RegisterStatus is the outcome carried by a REGISTER_ACK.
type RegisterStatus uint8

const (
	RegisterOK       RegisterStatus = 0
	RegisterRejected RegisterStatus = 1
	RegisterPending  RegisterStatus = 2
	// RegisterReassigned means the requested NodeId collided with a
	// different hardware address already holding it; NodeID carries the
	// freshly allocated id the requester must adopt.
	RegisterReassigned RegisterStatus = 3
)

// RegisterReq claims a NodeId and declares the node's sensor set. HWAddr is
// the node's stable hardware identity, independent of the claimed NodeId;
// the Gateway uses it to detect a NodeId hash collision between two
// distinct physical nodes. Node -> Gateway.
type RegisterReq struct {
	NodeID    uint8
	HWAddr    uint64
	SensorIDs []uint8
}

func (r RegisterReq) Encode() []byte {
	out := make([]byte, registerReqHeaderSize+len(r.SensorIDs))
	out[0] = byte(TypeRegisterReq)
	out[1] = r.NodeID
	binary.LittleEndian.PutUint64(out[2:10], r.HWAddr)
	out[10] = uint8(len(r.SensorIDs))
	copy(out[registerReqHeaderSize:], r.SensorIDs)
	return out
}

func DecodeRegisterReq(b []byte) (RegisterReq, error) {
	if len(b) < registerReqHeaderSize {
		return RegisterReq{}, malformed("register_req: need %d header bytes, got %d", registerReqHeaderSize, len(b))
	}
	if Type(b[0]) != TypeRegisterReq {
		return RegisterReq{}, malformed("register_req: unexpected type 0x%02x", b[0])
	}
	count := int(b[10])
	want := registerReqHeaderSize + count
	if len(b) < want {
		return RegisterReq{}, malformed("register_req: declared %d sensors, need %d bytes, got %d", count, want, len(b))
	}
	sensorIDs := make([]uint8, count)
	copy(sensorIDs, b[registerReqHeaderSize:want])
	return RegisterReq{
		NodeID:    b[1],
		HWAddr:    binary.LittleEndian.Uint64(b[2:10]),
		SensorIDs: sensorIDs,
	}, nil
}

// RegisterAck assigns a slot (or rejects/pends/reassigns) a registration.
// NodeID is the final id the requester must use from here on — it only
// differs from the request's NodeId when Status is RegisterReassigned.
// Gateway -> node.
type RegisterAck struct {
	NodeID     uint8
	Status     RegisterStatus
	SlotIndex  uint8
}

func (a RegisterAck) Encode() []byte {
	out := make([]byte, registerAckSize)
	out[0] = byte(TypeRegisterAck)
	out[1] = a.NodeID
	out[2] = uint8(a.Status)
	out[3] = a.SlotIndex
	return out
}

func DecodeRegisterAck(b []byte) (RegisterAck, error) {
	if len(b) < registerAckSize {
		return RegisterAck{}, malformed("register_ack: need %d bytes, got %d", registerAckSize, len(b))
	}
	if Type(b[0]) != TypeRegisterAck {
		return RegisterAck{}, malformed("register_ack: unexpected type 0x%02x", b[0])
	}
	return RegisterAck{
		NodeID:    b[1],
		Status:    RegisterStatus(b[2]),
		SlotIndex: b[3],
	}, nil
}
