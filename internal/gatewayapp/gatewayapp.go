// Package gatewayapp wires the PTP engine, TDMA scheduler, topology
// manager, sync frame buffer and command surface into the Gateway
// process: it owns the superframe tick loop, the HTTP status/metrics
// surface, and the persistence of slot hints.
package gatewayapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mash-sensors/mash-sync-core/internal/clock"
	"github.com/mash-sensors/mash-sync-core/internal/config"
	"github.com/mash-sensors/mash-sync-core/internal/control"
	"github.com/mash-sensors/mash-sync-core/internal/framebuffer"
	"github.com/mash-sensors/mash-sync-core/internal/metrics"
	"github.com/mash-sensors/mash-sync-core/internal/persist"
	"github.com/mash-sensors/mash-sync-core/internal/ptp"
	"github.com/mash-sensors/mash-sync-core/internal/queue"
	"github.com/mash-sensors/mash-sync-core/internal/tdma"
	"github.com/mash-sensors/mash-sync-core/internal/topology"
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

// Option configures a Gateway.
type Option func(*options)

// WithLog sets the gateway's logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// WithNowFunc overrides the monotonic microsecond clock, for tests.
func WithNowFunc(now func() int64) Option {
	return func(o *options) { o.Now = now }
}

// Gateway is the Gateway-side process: topology, PTP engine, TDMA FSM,
// sync frame buffer, command surface and outbound SYNC_FRAME queue.
type Gateway struct {
	cfg *config.Config
	log *zap.SugaredLogger
	now func() int64

	topo    *topology.Manager
	ptpEng  *ptp.Engine
	gwFSM   *tdma.GatewayFSM
	buf     *framebuffer.Buffer
	surface *control.Surface

	bufMetrics *metrics.Buffer
	ptpMetrics *metrics.PTP
	registry   *prometheus.Registry

	outbound *queue.Queue[wire.SyncFrame]
	store    persist.Store

	prunedCh chan topology.PrunedEvent
}

// New constructs a Gateway from cfg.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	fbCfg, err := cfg.Framebuffer()
	if err != nil {
		return nil, fmt.Errorf("gatewayapp: %w", err)
	}
	outCap, outPolicy, err := cfg.SyncFrameOutQueue()
	if err != nil {
		return nil, fmt.Errorf("gatewayapp: %w", err)
	}

	g := &Gateway{
		cfg:      cfg,
		log:      o.Log,
		now:      o.Now,
		outbound: queue.New[wire.SyncFrame](outCap, outPolicy),
		prunedCh: make(chan topology.PrunedEvent, 8),
	}

	g.topo = topology.New(g.prunedCh)
	g.ptpEng = ptp.NewEngine(cfg.PTP())
	g.gwFSM = tdma.NewGatewayFSM()
	g.buf = framebuffer.New(fbCfg, framebuffer.SinkFunc(g.onFrame))
	g.surface = control.New(g.topo, g.ptpEng, g.gwFSM, g.buf, g.now)

	g.registry = prometheus.NewRegistry()
	g.bufMetrics = metrics.NewBuffer(g.registry)
	g.ptpMetrics = metrics.NewPTP(g.registry)

	if cfg.PersistPath != "" {
		g.store = persist.NewFile(cfg.PersistPath, g.log)
	} else {
		g.store = persist.NewMemory()
	}

	return g, nil
}

func (g *Gateway) onFrame(f wire.SyncFrame) {
	if !g.outbound.Push(f) {
		g.log.Debugw("sync frame output queue dropped a frame", "policy", g.outbound.Policy().String())
	}
}

// Surface exposes the command/status capability object.
func (g *Gateway) Surface() *control.Surface { return g.surface }

// DueSyncNodes returns the node IDs due for a SYNC_REQ at nowUS.
func (g *Gateway) DueSyncNodes(nowUS int64) []uint8 {
	return g.ptpEng.DueNodes(nowUS)
}

// GatewayState returns the Gateway's TDMA lifecycle phase.
func (g *Gateway) GatewayState() tdma.GatewayFSMState { return g.gwFSM.State() }

// StartDiscovery transitions the Gateway FSM Idle -> Discovering.
func (g *Gateway) StartDiscovery() { g.gwFSM.StartDiscovery() }

// Outbound is the Gateway's SYNC_FRAME output queue, drained by the frame
// sink collaborator.
func (g *Gateway) Outbound() *queue.Queue[wire.SyncFrame] { return g.outbound }

// HandleRegisterReq processes an inbound REGISTER_REQ at nowUS, persisting
// the assigned slot hint best-effort, and returns the REGISTER_ACK to send.
// If req.NodeID collides with a different physical node (a different
// HWAddr already holding it), the ack carries a freshly allocated NodeId
// the requester must adopt instead.
func (g *Gateway) HandleRegisterReq(req wire.RegisterReq, nowUS int64) wire.RegisterAck {
	result, node, err := g.topo.Register(req.NodeID, req.HWAddr, req.SensorIDs, nowUS)
	if err != nil || result == topology.Rejected {
		return wire.RegisterAck{NodeID: req.NodeID, Status: wire.RegisterRejected}
	}

	reassigned := node.NodeID != req.NodeID
	if reassigned {
		g.log.Warnw("node id collision detected, reassigned",
			"requested_node_id", req.NodeID, "assigned_node_id", node.NodeID)
	}

	if result == topology.QueuedPending {
		return wire.RegisterAck{NodeID: node.NodeID, Status: wire.RegisterPending}
	}

	g.store.Set(persist.SlotKey(node.NodeID), fmt.Sprintf("%d", node.SlotIndex))
	g.ptpEng.Register(node.NodeID, nowUS)
	g.buf.SetExpectedSensorSet(g.topo.ExpectedSensorSet())

	status := wire.RegisterOK
	if reassigned {
		status = wire.RegisterReassigned
	}
	return wire.RegisterAck{NodeID: node.NodeID, Status: status, SlotIndex: node.SlotIndex}
}

// HandleSyncReq completes a PTP two-way exchange for nodeID at the given
// four timestamps.
func (g *Gateway) HandleSyncReq(nodeID uint8, ex ptp.Exchange, nowUS int64) ptp.Result {
	res := g.ptpEng.Handle(nodeID, ex, nowUS)
	if !res.Accepted {
		g.ptpMetrics.RejectsTotal.WithLabelValues(fmt.Sprintf("%d", nodeID)).Inc()
	}
	if res.FaultTriggered {
		g.ptpMetrics.FaultsTotal.WithLabelValues(fmt.Sprintf("%d", nodeID)).Inc()
	}
	return res
}

// HandleData ingests a node's DATA frame, applying each sample's smoothed
// offset and feeding it to the sync frame buffer.
func (g *Gateway) HandleData(nodeID uint8, d wire.Data, nowUS int64) {
	g.topo.Heartbeat(nodeID, nowUS)

	state, ok := g.ptpEng.State(nodeID)
	var offsetUS int64
	if ok {
		offsetUS = state.SmoothedOffsetUS()
	}
	sc := clock.NewSyncClock(nil, func() int64 { return offsetUS })

	for _, rec := range d.Records {
		g.buf.Ingest(framebuffer.Sample{
			NodeID:   nodeID,
			SensorID: rec.SensorID,
			TsUS:     sc.ToSyncUS(int64(rec.TsUS)),
			Quat:     rec.Quat,
			Accel:    rec.Accel,
			Gyro:     rec.Gyro,
		}, nowUS)
	}
}

// Tick advances the Gateway's superframe bookkeeping by nowUS: prunes dead
// nodes and expires any bucket past its deadline. No I/O is performed
// here; the outer runtime owns the radio schedule.
func (g *Gateway) Tick(nowUS int64) {
	pruned := g.topo.Prune(nowUS, g.cfg.LivenessTimeoutUS())
	for _, id := range pruned {
		g.ptpEng.Forget(id)
	}
drainPruned:
	for {
		select {
		case <-g.prunedCh:
			g.buf.SetExpectedSensorSet(g.topo.ExpectedSensorSet())
		default:
			break drainPruned
		}
	}
	g.buf.CheckDeadlines(nowUS)

	m := g.buf.Metrics()
	g.bufMetrics.Sample(m.BucketsInFlight, m.EmittedTotal, m.DroppedIncomplete, m.LateSamples, m.DuplicateSamples)
}

// Run drives the Gateway's tick loop and HTTP status/metrics surface until
// ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("running gateway")
	defer g.log.Info("stopped gateway")

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return g.runTickLoop(ctx)
	})

	if g.cfg.ListenAddr != "" {
		wg.Go(func() error {
			return g.runHTTPServer(ctx)
		})
	}

	return wg.Wait()
}

func (g *Gateway) runTickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Tick(g.now())
		}
	}
}

func (g *Gateway) runHTTPServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", g.serveStatus)

	server := &http.Server{Addr: g.cfg.ListenAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			g.log.Warnw("failed to shut down HTTP server", "error", err)
		}
	}()

	g.log.Infow("exposing status and metrics", "addr", g.cfg.ListenAddr)
	listener, err := net.Listen("tcp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gatewayapp: listen: %w", err)
	}
	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gatewayapp: serve: %w", err)
	}
	return nil
}

func (g *Gateway) serveStatus(w http.ResponseWriter, _ *http.Request) {
	status := g.surface.GetSyncStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		g.log.Warnw("failed to encode status response", "error", err)
	}
}
