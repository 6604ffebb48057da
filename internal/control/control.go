// Package control implements the outer command/status surface: a
// capability object of typed request/response operations over the
// topology manager, PTP engine and Sync Frame Buffer, plus the computed
// get_sync_status() aggregate. No command blocks; long operations are
// observed by polling status, never by a callback.
package control

import (
	"fmt"

	"github.com/mash-sensors/mash-sync-core/internal/framebuffer"
	"github.com/mash-sensors/mash-sync-core/internal/ptp"
	"github.com/mash-sensors/mash-sync-core/internal/tdma"
	"github.com/mash-sensors/mash-sync-core/internal/topology"
)

// ReadyThreshold is the dropped_incomplete/emitted_total ceiling beyond
// which get_sync_status reports ready=false.
const ReadyThreshold = 0.05

// NodeStatus is one entry of get_sync_status's per_node block.
type NodeStatus struct {
	NodeID               uint8
	Slot                 uint8
	LastSmoothedOffsetUS int64
	LastPathDelayUS      int64
	LastHeardAgoUS       int64
	ConsecutiveRejects   int
	State                string
}

// BufferStatus is get_sync_status's buffer block.
type BufferStatus struct {
	BucketsInFlight   int
	EmittedTotal      uint64
	DroppedIncomplete uint64
	LateSamples       uint64
	DuplicateSamples  uint64
}

// Status is the full get_sync_status() response.
type Status struct {
	PerNode []NodeStatus
	Pending []uint8
	Buffer  BufferStatus
	Ready   bool
}

// Surface is the command/status capability object the outer runtime holds.
// It does not own any component's state directly — it only calls through
// to the TDMA scheduler's, topology manager's, PTP engine's and sync
// frame buffer's own public operations.
type Surface struct {
	topo   *topology.Manager
	ptpEng *ptp.Engine
	gw     *tdma.GatewayFSM
	buf    *framebuffer.Buffer

	nowUS func() int64
}

// New creates a command/status Surface over the given components.
func New(topo *topology.Manager, ptpEng *ptp.Engine, gw *tdma.GatewayFSM, buf *framebuffer.Buffer, nowUS func() int64) *Surface {
	return &Surface{topo: topo, ptpEng: ptpEng, gw: gw, buf: buf, nowUS: nowUS}
}

// StartStreaming is idempotent: Discovering -> Streaming, or a no-op if
// already streaming or still Idle.
func (s *Surface) StartStreaming() {
	s.gw.StartStreaming()
}

// StopStreaming returns the Gateway to Idle. Idempotent.
func (s *Surface) StopStreaming() {
	s.gw.Stop()
}

// LockDiscovery toggles whether new registrations auto-assign a slot or
// queue as Pending for operator review. Idempotent.
func (s *Surface) LockDiscovery(locked bool) {
	s.topo.LockDiscovery(locked)
}

// AcceptNode assigns a slot to a Pending node.
func (s *Surface) AcceptNode(nodeID uint8) error {
	_, err := s.topo.Accept(nodeID)
	return err
}

// RejectNode discards a Pending node's registration.
func (s *Surface) RejectNode(nodeID uint8) error {
	return s.topo.Reject(nodeID)
}

// RescanTopology is destructive: it clears the slot table, node map and
// pending queue and re-enters open discovery.
func (s *Surface) RescanTopology() {
	s.topo.Rescan()
}

// GetSyncStatus computes the full status aggregate.
func (s *Surface) GetSyncStatus() Status {
	nowUS := s.nowUS()
	active := s.topo.ActiveNodes()

	perNode := make([]NodeStatus, 0, len(active))
	allBootstrapped := true
	anyFault := false
	for _, n := range active {
		state, tracked := s.ptpEng.State(n.NodeID)
		ns := NodeStatus{
			NodeID:         n.NodeID,
			Slot:           n.SlotIndex,
			LastHeardAgoUS: nowUS - n.LastHeardUS,
			State:          n.State.String(),
		}
		if tracked {
			ns.LastSmoothedOffsetUS = state.SmoothedOffsetUS()
			ns.LastPathDelayUS = state.LastPathDelayUS()
			ns.ConsecutiveRejects = state.ConsecutiveRejects()
			if state.BootstrapRemaining() > 0 {
				allBootstrapped = false
			}
			if state.Fault() {
				anyFault = true
			}
		} else {
			allBootstrapped = false
		}
		perNode = append(perNode, ns)
	}

	pending := s.topo.Pending()
	pendingIDs := make([]uint8, len(pending))
	for i, p := range pending {
		pendingIDs[i] = p.NodeID
	}

	m := s.buf.Metrics()
	bufStatus := BufferStatus{
		BucketsInFlight:   m.BucketsInFlight,
		EmittedTotal:      m.EmittedTotal,
		DroppedIncomplete: m.DroppedIncomplete,
		LateSamples:       m.LateSamples,
		DuplicateSamples:  m.DuplicateSamples,
	}

	dropRatioOK := true
	if bufStatus.EmittedTotal > 0 {
		ratio := float64(bufStatus.DroppedIncomplete) / float64(bufStatus.EmittedTotal)
		dropRatioOK = ratio < ReadyThreshold
	}

	ready := len(active) > 0 && allBootstrapped && dropRatioOK && !anyFault

	return Status{
		PerNode: perNode,
		Pending: pendingIDs,
		Buffer:  bufStatus,
		Ready:   ready,
	}
}

// ErrUnknownCommand is returned by a dispatch layer for an unrecognized
// outer-system operation name.
type ErrUnknownCommand struct {
	Name string
}

func (e ErrUnknownCommand) Error() string {
	return fmt.Sprintf("control: unknown command %q", e.Name)
}
