// Package config loads the YAML configuration shared by the gateway and
// node binaries: read the file, start from DefaultConfig(), unmarshal
// on top.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mash-sensors/mash-sync-core/internal/framebuffer"
	"github.com/mash-sensors/mash-sync-core/internal/logging"
	"github.com/mash-sensors/mash-sync-core/internal/ptp"
	"github.com/mash-sensors/mash-sync-core/internal/queue"
	"github.com/mash-sensors/mash-sync-core/internal/tdma"
)

// Config is the top-level configuration for both cmd/gateway and cmd/node.
type Config struct {
	Logging logging.Config `yaml:"logging"`

	Superframe SuperframeConfig `yaml:"superframe"`
	Sync       SyncConfig       `yaml:"sync"`
	Buffer     BufferConfig     `yaml:"buffer"`
	Queues     QueuesConfig     `yaml:"queues"`

	// PersistPath, if non-empty, enables the JSON-file-backed persistence
	// hint store at this path. Empty uses an in-memory store only.
	PersistPath string `yaml:"persist_path"`

	// ListenAddr is the Gateway's command/metrics HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// RadioAddr is the local UDP address the radio link binds to.
	RadioAddr string `yaml:"radio_addr"`
	// GatewayAddr is the Gateway's radio address, used by a Node to send
	// REGISTER_REQ/SYNC_RESP/DATA.
	GatewayAddr string `yaml:"gateway_addr"`
}

// SuperframeConfig mirrors tdma.Config.
type SuperframeConfig struct {
	DurationUS          int64 `yaml:"duration_us"`
	SlotCount           int   `yaml:"slot_count"`
	MissedBeaconsToLost int   `yaml:"missed_beacons_to_lost"`
}

// SyncConfig mirrors ptp.Config.
type SyncConfig struct {
	Alpha                 float64       `yaml:"alpha"`
	BootstrapSamples      int           `yaml:"bootstrap_samples"`
	StepThresholdUS       int64         `yaml:"step_threshold_us"`
	MaxPathDelayUS        int64         `yaml:"max_path_delay_us"`
	MaxConsecutiveRejects int           `yaml:"max_consecutive_rejects"`
	CadenceMS             int           `yaml:"cadence_ms"`
	ExchangeTimeoutMS     int           `yaml:"exchange_timeout_ms"`
	LivenessTimeoutUS     int64         `yaml:"liveness_timeout_us"`
}

// BufferConfig mirrors framebuffer.Config.
type BufferConfig struct {
	QuantumUS       int64  `yaml:"quantum_us"`
	MaxBuckets      int    `yaml:"max_buckets"`
	FrameDeadlineUS int64  `yaml:"frame_deadline_us"`
	Eviction        string `yaml:"eviction"` // "drop_oldest" | "force_emit_oldest"
}

// QueuesConfig configures the node outbound sample queue and the
// Gateway's outbound SYNC_FRAME queue.
type QueuesConfig struct {
	NodeOutboundCapacity  int    `yaml:"node_outbound_capacity"`
	NodeOutboundPolicy    string `yaml:"node_outbound_policy"`
	SyncFrameOutCapacity  int    `yaml:"sync_frame_out_capacity"`
	SyncFrameOutPolicy    string `yaml:"sync_frame_out_policy"`
}

// DefaultConfig returns MASH's stated tunable defaults.
func DefaultConfig() *Config {
	return &Config{
		Superframe: SuperframeConfig{
			DurationUS:          20_000,
			SlotCount:           8,
			MissedBeaconsToLost: 4,
		},
		Sync: SyncConfig{
			Alpha:                 0.125,
			BootstrapSamples:      3,
			StepThresholdUS:       5000,
			MaxPathDelayUS:        50_000,
			MaxConsecutiveRejects: 5,
			CadenceMS:             1000,
			ExchangeTimeoutMS:     200,
			LivenessTimeoutUS:     5_000_000,
		},
		Buffer: BufferConfig{
			QuantumUS:       5000,
			MaxBuckets:      32,
			FrameDeadlineUS: 60_000,
			Eviction:        "force_emit_oldest",
		},
		Queues: QueuesConfig{
			NodeOutboundCapacity: 64,
			NodeOutboundPolicy:   "recording",
			SyncFrameOutCapacity: 64,
			SyncFrameOutPolicy:   "live",
		},
		ListenAddr:  ":8090",
		RadioAddr:   ":7000",
		GatewayAddr: "127.0.0.1:7000",
	}
}

// Load reads path, starts from DefaultConfig() and unmarshals the YAML
// document on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// TDMA translates SuperframeConfig into tdma.Config.
func (c *Config) TDMA() tdma.Config {
	return tdma.Config{
		SuperframeUS:        c.Superframe.DurationUS,
		SlotCount:           c.Superframe.SlotCount,
		MissedBeaconsToLost: c.Superframe.MissedBeaconsToLost,
	}
}

// PTP translates SyncConfig into ptp.Config.
func (c *Config) PTP() ptp.Config {
	return ptp.Config{
		Alpha:                 c.Sync.Alpha,
		BootstrapSamples:      c.Sync.BootstrapSamples,
		StepThresholdUS:       c.Sync.StepThresholdUS,
		MaxPathDelayUS:        c.Sync.MaxPathDelayUS,
		MaxConsecutiveRejects: c.Sync.MaxConsecutiveRejects,
		Cadence:               time.Duration(c.Sync.CadenceMS) * time.Millisecond,
		ExchangeTimeout:       time.Duration(c.Sync.ExchangeTimeoutMS) * time.Millisecond,
	}
}

// LivenessTimeoutUS is the topology prune threshold.
func (c *Config) LivenessTimeoutUS() int64 {
	return c.Sync.LivenessTimeoutUS
}

// Framebuffer translates BufferConfig into framebuffer.Config.
func (c *Config) Framebuffer() (framebuffer.Config, error) {
	fb := framebuffer.Config{
		QuantumUS:       c.Buffer.QuantumUS,
		MaxBuckets:      c.Buffer.MaxBuckets,
		FrameDeadlineUS: c.Buffer.FrameDeadlineUS,
	}
	switch c.Buffer.Eviction {
	case "drop_oldest":
		fb.Eviction = framebuffer.DropOldest
	case "force_emit_oldest", "":
		fb.Eviction = framebuffer.ForceEmitOldest
	default:
		return framebuffer.Config{}, fmt.Errorf("config: unknown buffer.eviction %q", c.Buffer.Eviction)
	}
	return fb, nil
}

// NodeOutboundQueue builds the node's outbound sample queue policy.
func (c *Config) NodeOutboundQueue() (int, queue.Policy, error) {
	p, err := parsePolicy(c.Queues.NodeOutboundPolicy)
	return c.Queues.NodeOutboundCapacity, p, err
}

// SyncFrameOutQueue builds the Gateway's SYNC_FRAME output queue policy.
func (c *Config) SyncFrameOutQueue() (int, queue.Policy, error) {
	p, err := parsePolicy(c.Queues.SyncFrameOutPolicy)
	return c.Queues.SyncFrameOutCapacity, p, err
}

func parsePolicy(s string) (queue.Policy, error) {
	switch s {
	case "recording", "":
		return queue.Recording, nil
	case "live":
		return queue.Live, nil
	default:
		return queue.Recording, fmt.Errorf("config: unknown queue policy %q", s)
	}
}
