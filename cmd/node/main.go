package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mash-sensors/mash-sync-core/internal/config"
	"github.com/mash-sensors/mash-sync-core/internal/logging"
	"github.com/mash-sensors/mash-sync-core/internal/nodeapp"
	"github.com/mash-sensors/mash-sync-core/internal/radio"
	"github.com/mash-sensors/mash-sync-core/internal/tdma"
	"github.com/mash-sensors/mash-sync-core/internal/wire"
	"github.com/mash-sensors/mash-sync-core/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath string
	NodeID     uint8
	SensorIDs  string
	HWAddr     uint64
}

var rootCmd = &cobra.Command{
	Use:   "mash-node",
	Short: "MASH sensor-fusion Node",
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
	rootCmd.Flags().Uint8Var(&cmd.NodeID, "node-id", 0, "This node's NodeId (required)")
	rootCmd.MarkFlagRequired("node-id")
	rootCmd.Flags().StringVar(&cmd.SensorIDs, "sensor-ids", "", "Comma-separated list of SensorIds owned by this node (required)")
	rootCmd.MarkFlagRequired("sensor-ids")
	rootCmd.Flags().Uint64Var(&cmd.HWAddr, "hw-addr", 0, "This node's stable hardware address; 0 auto-generates and persists one")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func parseSensorIDs(s string) ([]uint8, error) {
	var out []uint8
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseUint(part, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid sensor id %q: %w", part, err)
		}
		out = append(out, uint8(v))
	}
	return out, nil
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

	sensorIDs, err := parseSensorIDs(cmd.SensorIDs)
	if err != nil {
		return err
	}

	node, err := nodeapp.New(cfg, cmd.NodeID, sensorIDs, cmd.HWAddr, nodeapp.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}

	link, err := radio.Listen(cfg.RadioAddr)
	if err != nil {
		return fmt.Errorf("failed to open radio link: %w", err)
	}

	gwAddr, err := net.ResolveUDPAddr("udp", cfg.GatewayAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve gateway address: %w", err)
	}

	b := &bridge{node: node, link: link, log: log, gwAddr: gwAddr}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error { return node.Run(ctx) })
	wg.Go(func() error { return b.runRecvLoop(ctx) })
	wg.Go(func() error { return b.runTickLoop(ctx) })
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

// bridge relays decoded wire frames between the radio link and the node
// core, the same non-blocking "event handler between ticks" role as the
// Gateway's relay.
type bridge struct {
	node   *nodeapp.Node
	link   radio.Link
	gwAddr *net.UDPAddr
	log    interface {
		Warnw(string, ...any)
	}
}

func (b *bridge) runRecvLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.link.Close()
	}()

	for {
		frame, _, err := b.link.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("radio recv: %w", err)
		}
		b.dispatch(frame)
	}
}

func (b *bridge) dispatch(frame []byte) {
	if len(frame) == 0 {
		return
	}

	switch wire.Type(frame[0]) {
	case wire.TypeBeacon:
		beacon, err := wire.DecodeBeacon(frame)
		if err != nil {
			b.log.Warnw("dropping malformed BEACON", "error", err)
			return
		}
		b.node.OnBeacon(int64(beacon.GatewayTsUS))

	case wire.TypeRegisterAck:
		ack, err := wire.DecodeRegisterAck(frame)
		if err != nil {
			b.log.Warnw("dropping malformed REGISTER_ACK", "error", err)
			return
		}
		b.node.OnRegisterAck(ack)

	case wire.TypeSyncReq:
		req, err := wire.DecodeSyncReq(frame)
		if err != nil {
			b.log.Warnw("dropping malformed SYNC_REQ", "error", err)
			return
		}
		resp := b.node.HandleSyncReq(req)
		b.link.Send(b.gwAddr, resp.Encode())

	default:
		b.log.Warnw("dropping frame of unexpected type", "type", wire.Type(frame[0]).String())
	}
}

func (b *bridge) runTickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			nowUS := time.Now().UnixMicro()
			action, data := b.node.Tick(nowUS)
			switch action {
			case tdma.ActionSendRegisterReq:
				req := b.node.RegisterReq()
				b.link.Send(b.gwAddr, req.Encode())
			case tdma.ActionEmitData:
				b.link.Send(b.gwAddr, data.Encode())
			}
		}
	}
}
