// Package ptp implements the master-slave two-way time synchronization
// engine: per-node offset estimation with path-delay
// compensation and exponential smoothing.
//
// The canonical bug this package exists to prevent is updating the raw
// offset without updating the smoothed offset that timestamping actually
// reads — every exported mutation keeps the two in lockstep.
package ptp

import (
	"fmt"
	"sync"
	"time"
)

// Config are the sync engine's tunables.
type Config struct {
	// Alpha is the EMA smoothing factor, in (0, 1].
	Alpha float64
	// BootstrapSamples is the number of initial exchanges that bypass
	// step-rejection and set the smoothed offset outright.
	BootstrapSamples int
	// StepThresholdUS rejects an exchange whose raw offset differs from
	// the current smoothed offset by more than this, once bootstrapped.
	StepThresholdUS int64
	// MaxPathDelayUS is the sanity ceiling on one-way path delay.
	MaxPathDelayUS int64
	// MaxConsecutiveRejects is the fault threshold.
	MaxConsecutiveRejects int
	// Cadence is the target interval between exchanges for a single node.
	Cadence time.Duration
	// ExchangeTimeout bounds how long a SYNC_REQ waits for SYNC_RESP.
	ExchangeTimeout time.Duration
}

// DefaultConfig returns the stated sync engine defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:                 0.125,
		BootstrapSamples:      3,
		StepThresholdUS:       5000,
		MaxPathDelayUS:        50_000,
		MaxConsecutiveRejects: 5,
		Cadence:               time.Second,
		ExchangeTimeout:       200 * time.Millisecond,
	}
}

// Exchange is the raw four-timestamp result of one two-way probe.
type Exchange struct {
	T1US, T2US, T3US, T4US int64
}

// Result is the computed outcome of handling an Exchange.
type Result struct {
	Accepted       bool
	RejectReason   string
	OffsetRawUS    int64
	PathDelayUS    int64
	SmoothedUS     int64
	Bootstrapped   bool
	FaultTriggered bool
}

// NodeState is the per-node PTP state.
type NodeState struct {
	mu sync.RWMutex

	cfg Config

	smoothedUS        int64
	lastRawUS         int64
	lastPathDelayUS   int64
	bootstrapRemaining int
	consecutiveRejects int
	fault             bool
}

// NewNodeState creates fresh PTP state for one node, un-synced until its
// first successful exchange.
func NewNodeState(cfg Config) *NodeState {
	return &NodeState{
		cfg:                cfg,
		bootstrapRemaining: cfg.BootstrapSamples,
	}
}

// SmoothedOffsetUS is the read-only accessor the Gateway uses to convert a
// node's sample timestamps on ingest. Safe for concurrent use.
func (n *NodeState) SmoothedOffsetUS() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.smoothedUS
}

// BootstrapRemaining reports how many bootstrap exchanges remain before
// step-rejection engages; get_sync_status's "ready" flag requires this to
// be zero for every Active node.
func (n *NodeState) BootstrapRemaining() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.bootstrapRemaining
}

// ConsecutiveRejects reports the current reject streak.
func (n *NodeState) ConsecutiveRejects() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.consecutiveRejects
}

// Fault reports whether this node has a latched sync fault.
func (n *NodeState) Fault() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fault
}

// LastPathDelayUS is the most recently accepted one-way path delay.
func (n *NodeState) LastPathDelayUS() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastPathDelayUS
}

// Handle processes one completed four-timestamp exchange, updating raw and
// smoothed offset together or rejecting it outright. It never returns an
// error: a rejected exchange is a Result, not a failure, since the PTP
// engine retries on its own cadence.
func (n *NodeState) Handle(ex Exchange) Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	offsetRaw := ((ex.T2US - ex.T1US) + (ex.T3US - ex.T4US)) / 2
	pathDelay := ((ex.T4US - ex.T1US) - (ex.T3US - ex.T2US)) / 2

	if pathDelay < 0 || pathDelay > n.cfg.MaxPathDelayUS {
		return n.reject(fmt.Sprintf("path_delay %dus out of range", pathDelay))
	}

	bootstrapping := n.bootstrapRemaining > 0
	if !bootstrapping {
		delta := offsetRaw - n.smoothedUS
		if delta < 0 {
			delta = -delta
		}
		if delta > n.cfg.StepThresholdUS {
			return n.reject(fmt.Sprintf("offset step %dus exceeds threshold", delta))
		}
	}

	n.lastRawUS = offsetRaw
	n.lastPathDelayUS = pathDelay
	n.consecutiveRejects = 0
	n.fault = false

	if bootstrapping {
		n.smoothedUS = offsetRaw
		n.bootstrapRemaining--
	} else {
		diff := offsetRaw - n.smoothedUS
		step := int64(n.cfg.Alpha * float64(diff))
		if step == 0 && diff != 0 {
			// Truncation would leave smoothed unchanged; move at least 1us.
			step = 1
			if diff < 0 {
				step = -1
			}
		}
		n.smoothedUS += step
	}

	return Result{
		Accepted:     true,
		OffsetRawUS:  offsetRaw,
		PathDelayUS:  pathDelay,
		SmoothedUS:   n.smoothedUS,
		Bootstrapped: bootstrapping,
	}
}

func (n *NodeState) reject(reason string) Result {
	n.consecutiveRejects++
	triggered := false
	if n.consecutiveRejects > n.cfg.MaxConsecutiveRejects {
		n.fault = true
		n.bootstrapRemaining = n.cfg.BootstrapSamples
		triggered = true
	}
	return Result{
		Accepted:       false,
		RejectReason:   reason,
		SmoothedUS:     n.smoothedUS,
		FaultTriggered: triggered,
	}
}
