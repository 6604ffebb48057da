// Package nodeapp wires the Node side of the core: the TDMA node FSM, its
// outbound sample queue, and PTP passive timestamping (t2/t3) in response
// to a Gateway-initiated SYNC_REQ. Grounded on the same functional-options
// plus errgroup Run(ctx) shape as gatewayapp, generalized to the node's
// simpler role.
package nodeapp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mash-sensors/mash-sync-core/internal/clock"
	"github.com/mash-sensors/mash-sync-core/internal/config"
	"github.com/mash-sensors/mash-sync-core/internal/persist"
	"github.com/mash-sensors/mash-sync-core/internal/queue"
	"github.com/mash-sensors/mash-sync-core/internal/tdma"
	"github.com/mash-sensors/mash-sync-core/internal/wire"
)

type options struct {
	Log *zap.SugaredLogger
	Now func() int64
}

func newOptions() *options {
	sys := clock.NewSystem()
	return &options{
		Log: zap.NewNop().Sugar(),
		Now: sys.NowUS,
	}
}

// Option configures a Node.
type Option func(*options)

// WithLog sets the node's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// WithNowFunc overrides the monotonic microsecond clock, for tests.
func WithNowFunc(now func() int64) Option {
	return func(o *options) { o.Now = now }
}

// Sample is one sensor reading pushed in by the sensor source collaborator,
// in the node's local clock.
type Sample struct {
	SensorID uint8
	TsUS     uint32
	Quat     [4]float64
	Accel    [3]float64
	Gyro     [3]float64
}

// Node is the Node-side process: TDMA FSM, sample accumulation and
// registration/sync exchange bookkeeping.
type Node struct {
	nodeID    uint8
	hwAddr    uint64
	sensorIDs []uint8

	cfg *config.Config
	log *zap.SugaredLogger
	now func() int64

	fsm      *tdma.NodeFSM
	outbound *queue.Queue[Sample]
	store    persist.Store
}

// New constructs a Node for nodeID, declaring sensorIDs, from cfg. hwAddr is
// this node's stable hardware identity, independent of nodeID, used by the
// Gateway to detect a NodeId collision with a different physical node; pass
// 0 to auto-generate one and persist it for future runs.
func New(cfg *config.Config, nodeID uint8, sensorIDs []uint8, hwAddr uint64, opts ...Option) (*Node, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	cap_, policy, err := cfg.NodeOutboundQueue()
	if err != nil {
		return nil, err
	}

	var store persist.Store
	if cfg.PersistPath != "" {
		store = persist.NewFile(cfg.PersistPath, o.Log)
	} else {
		store = persist.NewMemory()
	}

	if hwAddr == 0 {
		if stored, ok := store.Get(persist.HWAddrKey); ok {
			if parsed, err := strconv.ParseUint(stored, 16, 64); err == nil {
				hwAddr = parsed
			}
		}
	}
	if hwAddr == 0 {
		hwAddr = randomHWAddr()
		store.Set(persist.HWAddrKey, strconv.FormatUint(hwAddr, 16))
	}

	return &Node{
		nodeID:    nodeID,
		hwAddr:    hwAddr,
		sensorIDs: sensorIDs,
		cfg:       cfg,
		log:       o.Log,
		now:       o.Now,
		fsm:       tdma.NewNodeFSM(cfg.TDMA()),
		outbound:  queue.New[Sample](cap_, policy),
		store:     store,
	}, nil
}

func randomHWAddr() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// State returns the node's current TDMA lifecycle state.
func (n *Node) State() tdma.NodeFSMState { return n.fsm.State() }

// OnBeacon processes a captured BEACON.
func (n *Node) OnBeacon(nowUS int64) { n.fsm.OnBeacon(nowUS) }

// OnBeaconMissed must be called once per superframe with no captured
// BEACON; it may trigger a reset to Unsynced and a sample queue flush.
func (n *Node) OnBeaconMissed() {
	if n.fsm.OnBeaconMissed() == tdma.ActionResetToUnsynced {
		n.flush()
	}
}

// OnRegisterAck records the slot assigned by the Gateway, adopting a
// reassigned NodeId first if the Gateway detected a collision.
func (n *Node) OnRegisterAck(ack wire.RegisterAck) {
	if ack.Status == wire.RegisterRejected {
		return
	}
	if ack.NodeID != n.nodeID {
		n.log.Warnw("node id collision, adopting gateway-assigned id", "requested", n.nodeID, "assigned", ack.NodeID)
		n.nodeID = ack.NodeID
	}
	if ack.Status != wire.RegisterOK && ack.Status != wire.RegisterReassigned {
		return
	}
	n.fsm.OnRegisterAck(ack.SlotIndex)
	n.store.Set(persist.SlotKey(n.nodeID), fmt.Sprintf("%d", ack.SlotIndex))
}

// RegisterReq builds this node's REGISTER_REQ.
func (n *Node) RegisterReq() wire.RegisterReq {
	return wire.RegisterReq{NodeID: n.nodeID, HWAddr: n.hwAddr, SensorIDs: n.sensorIDs}
}

// PushSample accumulates one sensor reading, to be included in the next
// emitted DATA frame. Dropped per the node outbound queue's policy if full.
func (n *Node) PushSample(s Sample) {
	if !n.outbound.Push(s) {
		n.log.Debugw("node outbound queue dropped a sample", "policy", n.outbound.Policy().String())
	}
}

func (n *Node) flush() {
	for {
		if _, ok := n.outbound.Pop(); !ok {
			return
		}
	}
}

// Tick advances the node's TDMA FSM, reporting what the outer runtime must
// transmit this tick. data is only populated when action is tdma.ActionEmitData.
func (n *Node) Tick(nowUS int64) (action tdma.Action, data wire.Data) {
	action = n.fsm.Tick(nowUS)
	if action == tdma.ActionEmitData {
		data = n.drainToFrame()
	}
	return action, data
}

func (n *Node) drainToFrame() wire.Data {
	records := make([]wire.DataRecord, 0, n.outbound.Len())
	for {
		s, ok := n.outbound.Pop()
		if !ok {
			break
		}
		records = append(records, wire.DataRecord{
			SensorID: s.SensorID,
			TsUS:     s.TsUS,
			Quat:     s.Quat,
			Accel:    s.Accel,
			Gyro:     s.Gyro,
		})
	}
	return wire.Data{NodeID: n.nodeID, Records: records}
}

// HandleSyncReq stamps t2 on receipt and t3 just before replying, and
// returns the SYNC_RESP to send.
func (n *Node) HandleSyncReq(req wire.SyncReq) wire.SyncResp {
	t2 := uint32(n.now())
	t3 := uint32(n.now())
	return wire.SyncResp{T1US: req.T1US, T2US: t2, T3US: t3}
}

// Run drives the node's tick loop until ctx is canceled. Radio send/receive
// is the outer runtime's responsibility; Run only advances local FSM time.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("running node")
	defer n.log.Info("stopped node")

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n.Tick(n.now())
			}
		}
	})
	return wg.Wait()
}
