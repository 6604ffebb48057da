// Package tdma implements the superframe-driven media access layer: the
// Node and Gateway lifecycle state machines, both advanced purely by
// Tick(nowUS) calls with no internal blocking.
package tdma

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// NodeFSMState is a Node's TDMA lifecycle state.
type NodeFSMState int

const (
	Unsynced NodeFSMState = iota
	Listening
	Registered
	Lost
)

func (s NodeFSMState) String() string {
	switch s {
	case Unsynced:
		return "Unsynced"
	case Listening:
		return "Listening"
	case Registered:
		return "Registered"
	case Lost:
		return "Lost"
	default:
		return "Unknown"
	}
}

// GatewayFSMState is the Gateway's TDMA lifecycle state.
type GatewayFSMState int

const (
	Idle GatewayFSMState = iota
	Discovering
	Streaming
)

func (s GatewayFSMState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Discovering:
		return "Discovering"
	case Streaming:
		return "Streaming"
	default:
		return "Unknown"
	}
}

// Config are the superframe tunables: duration, slot count and the
// missed-beacon threshold before a node is declared lost.
type Config struct {
	SuperframeUS   int64
	SlotCount      int
	MissedBeaconsToLost int
}

// DefaultConfig returns the stated MASH superframe defaults.
func DefaultConfig() Config {
	return Config{
		SuperframeUS:        20_000,
		SlotCount:           8,
		MissedBeaconsToLost: 4,
	}
}

func (c Config) slotUS() int64 {
	if c.SlotCount <= 0 {
		return c.SuperframeUS
	}
	return c.SuperframeUS / int64(c.SlotCount)
}

// Action is an instruction Tick hands back to the caller: transmission,
// reset or FSM-driven side effect it must perform this tick. The FSMs
// themselves never perform I/O.
type Action int

const (
	NoAction Action = iota
	ActionSendRegisterReq
	ActionEmitData
	ActionResetToUnsynced
)

// NodeFSM drives one node's state across superframes.
type NodeFSM struct {
	cfg   Config
	state NodeFSMState

	slotIndex       uint8
	beaconRxUS      int64
	missedBeacons   int
	lastEmitUS      int64
	haveRegisterReq bool

	contentionRetry *backoff.ExponentialBackOff
	nextRegisterUS  int64
}

// NewNodeFSM creates a NodeFSM starting Unsynced.
func NewNodeFSM(cfg Config) *NodeFSM {
	return &NodeFSM{
		cfg:             cfg,
		state:           Unsynced,
		contentionRetry: newContentionRetry(cfg),
	}
}

func newContentionRetry(cfg Config) *backoff.ExponentialBackOff {
	slot := cfg.slotUS()
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Duration(slot) * time.Microsecond,
		RandomizationFactor: 0.8, // wide jitter: this is a collision-avoidance window, not a steady retry
		Multiplier:          1.5,
		MaxInterval:         time.Duration(cfg.SuperframeUS) * time.Microsecond,
	}
	b.Reset()
	return b
}

// State returns the node's current TDMA state.
func (n *NodeFSM) State() NodeFSMState { return n.state }

// SlotIndex returns the node's assigned slot, valid only in Registered.
func (n *NodeFSM) SlotIndex() uint8 { return n.slotIndex }

// OnBeacon processes a captured BEACON at nowUS.
func (n *NodeFSM) OnBeacon(nowUS int64) {
	n.beaconRxUS = nowUS
	n.missedBeacons = 0

	switch n.state {
	case Unsynced:
		n.state = Listening
		n.nextRegisterUS = nowUS + n.contentionRetry.NextBackOff().Microseconds()
	case Listening, Registered:
		// stays in place; Tick below decides whether a REGISTER_REQ or
		// DATA emission is due this superframe.
	case Lost:
		n.state = Listening
		n.nextRegisterUS = nowUS + n.contentionRetry.NextBackOff().Microseconds()
	}
}

// OnRegisterAck assigns the slot returned by the Gateway and transitions
// to Registered.
func (n *NodeFSM) OnRegisterAck(slotIndex uint8) {
	n.slotIndex = slotIndex
	n.state = Registered
	n.contentionRetry.Reset()
}

// Tick advances the FSM by nowUS, reporting what the caller must do. It
// never blocks and performs no I/O itself.
func (n *NodeFSM) Tick(nowUS int64) Action {
	switch n.state {
	case Listening:
		if !n.haveRegisterReq && nowUS >= n.nextRegisterUS {
			n.haveRegisterReq = true
			return ActionSendRegisterReq
		}
	case Registered:
		deadline := n.beaconRxUS + int64(n.slotIndex)*n.cfg.slotUS()
		if nowUS >= deadline && n.lastEmitUS < deadline {
			n.lastEmitUS = nowUS
			return ActionEmitData
		}
	}
	return NoAction
}

// OnBeaconMissed must be called once per superframe in which no BEACON was
// captured. After MissedBeaconsToLost consecutive misses the node is
// declared Lost: still holding its slot and queue, but no longer trusting
// the superframe clock. One further miss with no intervening BEACON then
// resets it to Unsynced and clears its sample queue.
func (n *NodeFSM) OnBeaconMissed() Action {
	if n.state == Unsynced {
		return NoAction
	}

	if n.state == Lost {
		n.state = Unsynced
		n.slotIndex = 0
		n.haveRegisterReq = false
		n.missedBeacons = 0
		return ActionResetToUnsynced
	}

	n.missedBeacons++
	if n.missedBeacons >= n.cfg.MissedBeaconsToLost {
		n.state = Lost
	}
	return NoAction
}

// RegisterTimedOut must be called when a superframe elapses without a
// REGISTER_ACK; the node retries with fresh contention.
func (n *NodeFSM) RegisterTimedOut(nowUS int64) {
	if n.state != Listening {
		return
	}
	n.haveRegisterReq = false
	n.nextRegisterUS = nowUS + n.contentionRetry.NextBackOff().Microseconds()
}

// GatewayFSM drives the Gateway's discovery/streaming lifecycle. Slot
// assignment itself lives in the topology manager; this FSM only tracks
// which phase the Gateway is in.
type GatewayFSM struct {
	state GatewayFSMState
}

// NewGatewayFSM creates a GatewayFSM starting Idle.
func NewGatewayFSM() *GatewayFSM {
	return &GatewayFSM{state: Idle}
}

// State returns the Gateway's current phase.
func (g *GatewayFSM) State() GatewayFSMState { return g.state }

// StartDiscovery transitions Idle -> Discovering. A no-op from any other
// state: starting discovery while already discovering or streaming keeps
// already-registered nodes.
func (g *GatewayFSM) StartDiscovery() {
	if g.state == Idle {
		g.state = Discovering
	}
}

// StartStreaming transitions Discovering -> Streaming.
func (g *GatewayFSM) StartStreaming() {
	if g.state == Discovering {
		g.state = Streaming
	}
}

// Stop returns the Gateway to Idle from any state. Registered nodes and
// their slot assignments are preserved by the topology manager; only the
// beacon/streaming phase resets.
func (g *GatewayFSM) Stop() {
	g.state = Idle
}
