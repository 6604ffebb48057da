package wire

import "encoding/binary"

// beaconSize is the fixed BEACON frame length in bytes.
const beaconSize = 1 + 4 + 4

// Beacon marks t=0 of a superframe. Gateway -> all nodes.
type Beacon struct {
	Epoch       uint32
	GatewayTsUS uint32
}

// Encode writes the bit-exact BEACON frame.
func (b Beacon) Encode() []byte {
	out := make([]byte, beaconSize)
	out[0] = byte(TypeBeacon)
	binary.LittleEndian.PutUint32(out[1:], b.Epoch)
	binary.LittleEndian.PutUint32(out[5:], b.GatewayTsUS)
	return out
}

// DecodeBeacon decodes a BEACON frame, failing with Malformed on truncation
// or a mismatched type tag.
func DecodeBeacon(b []byte) (Beacon, error) {
	if len(b) < beaconSize {
		return Beacon{}, malformed("beacon: need %d bytes, got %d", beaconSize, len(b))
	}
	if Type(b[0]) != TypeBeacon {
		return Beacon{}, malformed("beacon: unexpected type 0x%02x", b[0])
	}
	return Beacon{
		Epoch:       binary.LittleEndian.Uint32(b[1:]),
		GatewayTsUS: binary.LittleEndian.Uint32(b[5:]),
	}, nil
}
