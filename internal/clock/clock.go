// Package clock provides the microsecond-resolution monotonic time source
// shared by every component, plus the node-side synchronized time derived
// from it and the PTP smoothed offset.
package clock

import "time"

// Source is a monotonic microsecond clock. Implementations never walk
// backward; PTP sync only adjusts an additive offset applied on top.
type Source interface {
	NowUS() int64
}

// System is the production Source, backed by time.Now()'s monotonic
// reading.
type System struct {
	epoch time.Time
}

// NewSystem returns a Source anchored at the current instant; NowUS()
// counts microseconds elapsed since construction.
func NewSystem() *System {
	return &System{epoch: time.Now()}
}

func (s *System) NowUS() int64 {
	return time.Since(s.epoch).Microseconds()
}

// Manual is a test Source with an explicitly driven clock.
type Manual struct {
	nowUS int64
}

func NewManual(startUS int64) *Manual {
	return &Manual{nowUS: startUS}
}

func (m *Manual) NowUS() int64 {
	return m.nowUS
}

// SetNowUS sets the clock to an absolute value. Tests only: never walked
// backward in production code.
func (m *Manual) SetNowUS(us int64) {
	m.nowUS = us
}

// Advance moves the clock forward by d and returns the new value.
func (m *Manual) Advance(d time.Duration) int64 {
	m.nowUS += d.Microseconds()
	return m.nowUS
}

// OffsetFunc returns the node's current smoothed offset in microseconds,
// owned by the PTP engine.
type OffsetFunc func() int64

// SyncClock derives synchronized time on a node: now_us() + smoothed_offset.
type SyncClock struct {
	src    Source
	offset OffsetFunc
}

func NewSyncClock(src Source, offset OffsetFunc) *SyncClock {
	return &SyncClock{src: src, offset: offset}
}

// NowUS returns the node's local monotonic time, unaffected by sync.
func (c *SyncClock) NowUS() int64 {
	return c.src.NowUS()
}

// SyncNowUS returns the node's best estimate of Gateway time right now.
func (c *SyncClock) SyncNowUS() int64 {
	return c.src.NowUS() + c.offset()
}

// ToSyncUS converts a timestamp already taken in the node's local clock
// domain (e.g. a DATA record's TsUS) into the Gateway's clock domain,
// without re-reading src. The Gateway uses this on ingest to derive each
// sample's sync_timestamp_us from the sender's smoothed PTP offset.
func (c *SyncClock) ToSyncUS(localUS int64) int64 {
	return localUS + c.offset()
}
