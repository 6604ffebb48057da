package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mash-sensors/mash-sync-core/internal/config"
	"github.com/mash-sensors/mash-sync-core/internal/gatewayapp"
	"github.com/mash-sensors/mash-sync-core/internal/logging"
	"github.com/mash-sensors/mash-sync-core/internal/ptp"
	"github.com/mash-sensors/mash-sync-core/internal/radio"
	"github.com/mash-sensors/mash-sync-core/internal/tdma"
	"github.com/mash-sensors/mash-sync-core/internal/wire"
	"github.com/mash-sensors/mash-sync-core/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "mash-gateway",
	Short: "MASH sensor-fusion Gateway",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := config.Load(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	gw, err := gatewayapp.New(cfg, gatewayapp.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	link, err := radio.Listen(cfg.RadioAddr)
	if err != nil {
		return fmt.Errorf("failed to open radio link: %w", err)
	}

	r := &relay{gw: gw, link: link, log: log, nodeAddrs: map[uint8]*net.UDPAddr{}}
	gw.StartDiscovery()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error { return gw.Run(ctx) })
	wg.Go(func() error { return r.runRecvLoop(ctx) })
	wg.Go(func() error { return r.runBeaconLoop(ctx, cfg) })
	wg.Go(func() error { return r.runSyncLoop(ctx) })
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	var result *multierror.Error
	result = multierror.Append(result, wg.Wait())
	result = multierror.Append(result, link.Close())
	return result.ErrorOrNil()
}

// relay bridges decoded wire frames between the radio link and the
// Gateway core; it is the event handler that runs to completion between
// ticks — the core itself never touches the socket.
type relay struct {
	gw   *gatewayapp.Gateway
	link radio.Link
	log  interface {
		Warnw(string, ...any)
	}

	mu        sync.Mutex
	nodeAddrs map[uint8]*net.UDPAddr
}

func (r *relay) rememberAddr(nodeID uint8, addr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeAddrs[nodeID] = addr
}

func (r *relay) knownAddrs() []*net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*net.UDPAddr, 0, len(r.nodeAddrs))
	for _, a := range r.nodeAddrs {
		out = append(out, a)
	}
	return out
}

func (r *relay) addrFor(nodeID uint8) (*net.UDPAddr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.nodeAddrs[nodeID]
	return a, ok
}

func (r *relay) runRecvLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.link.Close()
	}()

	for {
		frame, from, err := r.link.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("radio recv: %w", err)
		}
		r.dispatch(frame, from)
	}
}

func (r *relay) dispatch(frame []byte, from *net.UDPAddr) {
	if len(frame) == 0 {
		return
	}
	nowUS := time.Now().UnixMicro()

	switch wire.Type(frame[0]) {
	case wire.TypeRegisterReq:
		req, err := wire.DecodeRegisterReq(frame)
		if err != nil {
			r.log.Warnw("dropping malformed REGISTER_REQ", "error", err)
			return
		}
		r.rememberAddr(req.NodeID, from)
		ack := r.gw.HandleRegisterReq(req, nowUS)
		r.link.Send(from, ack.Encode())

	case wire.TypeSyncResp:
		resp, err := wire.DecodeSyncResp(frame)
		if err != nil {
			r.log.Warnw("dropping malformed SYNC_RESP", "error", err)
			return
		}
		nodeID, ok := r.nodeForAddr(from)
		if !ok {
			return
		}
		r.gw.HandleSyncReq(nodeID, ptp.Exchange{
			T1US: int64(resp.T1US), T2US: int64(resp.T2US), T3US: int64(resp.T3US), T4US: nowUS,
		}, nowUS)

	case wire.TypeData:
		data, err := wire.DecodeData(frame)
		if err != nil {
			r.log.Warnw("dropping malformed DATA", "error", err)
			return
		}
		r.rememberAddr(data.NodeID, from)
		r.gw.HandleData(data.NodeID, data, nowUS)

	default:
		r.log.Warnw("dropping frame of unexpected type", "type", wire.Type(frame[0]).String())
	}
}

func (r *relay) nodeForAddr(addr *net.UDPAddr) (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.nodeAddrs {
		if a.String() == addr.String() {
			return id, true
		}
	}
	return 0, false
}

func (r *relay) runBeaconLoop(ctx context.Context, cfg *config.Config) error {
	ticker := time.NewTicker(time.Duration(cfg.Superframe.DurationUS) * time.Microsecond)
	defer ticker.Stop()

	var epoch uint32
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.gw.GatewayState() == tdma.Idle {
				continue
			}
			beacon := wire.Beacon{Epoch: epoch, GatewayTsUS: uint32(time.Now().UnixMicro())}
			epoch++
			for _, addr := range r.knownAddrs() {
				r.link.Send(addr, beacon.Encode())
			}
		}
	}
}

func (r *relay) runSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			nowUS := time.Now().UnixMicro()
			for _, nodeID := range r.gw.DueSyncNodes(nowUS) {
				addr, ok := r.addrFor(nodeID)
				if !ok {
					continue
				}
				req := wire.SyncReq{T1US: uint32(nowUS)}
				r.link.Send(addr, req.Encode())
			}
		}
	}
}
