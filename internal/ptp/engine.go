package ptp

import (
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Engine owns PTP state for every registered node and decides, per tick,
// which node is due for its next SYNC_REQ.
type Engine struct {
	cfg   Config
	nodes map[uint8]*nodeSchedule
}

type nodeSchedule struct {
	state     *NodeState
	nextDueUS int64
	retry     *backoff.ExponentialBackOff
}

// NewEngine creates an Engine using cfg for every node it tracks.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, nodes: map[uint8]*nodeSchedule{}}
}

func newRetry(cfg Config) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Cadence,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         4 * cfg.Cadence,
	}
	b.Reset()
	return b
}

// Register starts tracking a node, due for its first exchange immediately.
func (e *Engine) Register(nodeID uint8, nowUS int64) *NodeState {
	if sched, ok := e.nodes[nodeID]; ok {
		return sched.state
	}
	state := NewNodeState(e.cfg)
	e.nodes[nodeID] = &nodeSchedule{state: state, nextDueUS: nowUS, retry: newRetry(e.cfg)}
	return state
}

// Forget drops a node's PTP state, e.g. on prune.
func (e *Engine) Forget(nodeID uint8) {
	delete(e.nodes, nodeID)
}

// State returns a node's PTP state, if tracked.
func (e *Engine) State(nodeID uint8) (*NodeState, bool) {
	sched, ok := e.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return sched.state, true
}

// DueNodes returns the node IDs whose next SYNC_REQ is due at nowUS,
// deterministically ordered by NodeId so that, at most one SYNC_REQ per
// node per tick, emission order is stable and testable.
func (e *Engine) DueNodes(nowUS int64) []uint8 {
	var due []uint8
	for id, sched := range e.nodes {
		if nowUS >= sched.nextDueUS {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	return due
}

// Handle processes a completed exchange for nodeID and reschedules its next
// SYNC_REQ: on acceptance, back on the normal cadence; on rejection, after
// an exponential backoff so a persistently troubled link doesn't flood the
// superframe with doomed probes.
func (e *Engine) Handle(nodeID uint8, ex Exchange, nowUS int64) Result {
	sched, ok := e.nodes[nodeID]
	if !ok {
		sched = &nodeSchedule{state: NewNodeState(e.cfg), retry: newRetry(e.cfg)}
		e.nodes[nodeID] = sched
	}

	result := sched.state.Handle(ex)
	if result.Accepted {
		sched.retry.Reset()
		sched.nextDueUS = nowUS + e.cfg.Cadence.Microseconds()
	} else {
		sched.nextDueUS = nowUS + sched.retry.NextBackOff().Microseconds()
	}
	return result
}

// CadenceUS is the configured steady-state exchange interval.
func (e *Engine) CadenceUS() int64 {
	return e.cfg.Cadence.Microseconds()
}

// ExchangeTimeout is the configured SYNC_RESP wait bound.
func (e *Engine) ExchangeTimeout() time.Duration {
	return e.cfg.ExchangeTimeout
}
