package tdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NodeFSM_UnsyncedToListeningOnFirstBeacon(t *testing.T) {
	n := NewNodeFSM(DefaultConfig())
	assert.Equal(t, Unsynced, n.State())

	n.OnBeacon(1000)
	assert.Equal(t, Listening, n.State())
}

func Test_NodeFSM_SendsRegisterReqThenRegisters(t *testing.T) {
	n := NewNodeFSM(DefaultConfig())
	n.OnBeacon(0)

	var sawRequest bool
	for t_ := int64(0); t_ <= 20_000 && !sawRequest; t_ += 1000 {
		if n.Tick(t_) == ActionSendRegisterReq {
			sawRequest = true
		}
	}
	require.True(t, sawRequest, "a REGISTER_REQ must eventually be sent within the contention window")

	n.OnRegisterAck(3)
	assert.Equal(t, Registered, n.State())
	assert.Equal(t, uint8(3), n.SlotIndex())
}

func Test_NodeFSM_EmitsDataAtSlotDeadline(t *testing.T) {
	cfg := DefaultConfig()
	n := NewNodeFSM(cfg)
	n.OnBeacon(0)
	n.OnRegisterAck(2)

	slotUS := cfg.slotUS()
	deadline := 2 * slotUS

	assert.Equal(t, NoAction, n.Tick(deadline-1))
	assert.Equal(t, ActionEmitData, n.Tick(deadline))
	// a second tick at/after the same deadline must not re-fire.
	assert.Equal(t, NoAction, n.Tick(deadline+1))
}

func Test_NodeFSM_TransitionsThroughLostBeforeUnsynced(t *testing.T) {
	cfg := DefaultConfig()
	n := NewNodeFSM(cfg)
	n.OnBeacon(0)
	n.OnRegisterAck(1)

	var action Action
	for i := 0; i < cfg.MissedBeaconsToLost; i++ {
		action = n.OnBeaconMissed()
	}
	assert.Equal(t, NoAction, action, "reaching the threshold lands in Lost, it does not yet reset")
	assert.Equal(t, Lost, n.State())
	assert.Equal(t, uint8(1), n.SlotIndex(), "slot assignment is retained while merely Lost")

	action = n.OnBeaconMissed()
	assert.Equal(t, ActionResetToUnsynced, action)
	assert.Equal(t, Unsynced, n.State())
	assert.Equal(t, uint8(0), n.SlotIndex())
}

func Test_NodeFSM_BeaconRecoversFromLostToListening(t *testing.T) {
	cfg := DefaultConfig()
	n := NewNodeFSM(cfg)
	n.OnBeacon(0)
	n.OnRegisterAck(1)

	for i := 0; i < cfg.MissedBeaconsToLost; i++ {
		n.OnBeaconMissed()
	}
	require.Equal(t, Lost, n.State())

	n.OnBeacon(1000)
	assert.Equal(t, Listening, n.State())
}

func Test_NodeFSM_BeaconResetsMissedCount(t *testing.T) {
	cfg := DefaultConfig()
	n := NewNodeFSM(cfg)
	n.OnBeacon(0)
	n.OnRegisterAck(1)

	n.OnBeaconMissed()
	n.OnBeaconMissed()
	n.OnBeacon(1000) // recovers before reaching MissedBeaconsToLost
	assert.Equal(t, Registered, n.State())

	action := n.OnBeaconMissed()
	assert.Equal(t, NoAction, action, "missed count should have reset on the intervening beacon")
}

func Test_GatewayFSM_LifecycleTransitions(t *testing.T) {
	g := NewGatewayFSM()
	assert.Equal(t, Idle, g.State())

	g.StartDiscovery()
	assert.Equal(t, Discovering, g.State())

	g.StartStreaming()
	assert.Equal(t, Streaming, g.State())

	g.Stop()
	assert.Equal(t, Idle, g.State())
}

func Test_GatewayFSM_StartStreamingNoopWhenIdle(t *testing.T) {
	g := NewGatewayFSM()
	g.StartStreaming()
	assert.Equal(t, Idle, g.State(), "streaming cannot start before discovery")
}
