package effects

import (
	"context"
	"sync"
	"time"

	"github.com/Armour007/aura-core/internal/auraerr"
)

// Time is the clock capability. Real and simulated clocks both satisfy it.
type Time interface {
	NowMs() uint64
	SleepUntil(ctx context.Context, epochMs uint64) error
	YieldUntil(ctx context.Context, cond WakeCondition) error
	// Notify publishes an event to YieldUntil waiters.
	Notify(ev Event)
}

// SleepMs suspends for ms milliseconds of t's time.
func SleepMs(ctx context.Context, t Time, ms uint64) error {
	return t.SleepUntil(ctx, t.NowMs()+ms)
}

// Event is something a cooperative task can wait for.
type Event struct {
	Kind  string
	Epoch uint64
	Data  []byte
}

type WakeKind uint8

const (
	WakeNewEvents WakeKind = iota
	WakeEpochReached
	WakeTimeoutAt
	WakeEventMatching
	WakeThresholdEvents
)

// WakeCondition says when YieldUntil returns.
type WakeCondition struct {
	Kind   WakeKind
	Epoch  uint64
	At     uint64
	Filter func(Event) bool
	Count  int
}

func NewEvents() WakeCondition              { return WakeCondition{Kind: WakeNewEvents} }
func EpochReached(e uint64) WakeCondition   { return WakeCondition{Kind: WakeEpochReached, Epoch: e} }
func TimeoutAt(ms uint64) WakeCondition     { return WakeCondition{Kind: WakeTimeoutAt, At: ms} }
func EventMatching(f func(Event) bool) WakeCondition {
	return WakeCondition{Kind: WakeEventMatching, Filter: f}
}
func ThresholdEvents(n int, f func(Event) bool) WakeCondition {
	return WakeCondition{Kind: WakeThresholdEvents, Count: n, Filter: f}
}

// hub fans events out to waiters. Each publish closes the current channel
// and installs a new one, so waiters only need to select on it.
type hub struct {
	mu      sync.Mutex
	seq     uint64
	epoch   uint64
	events  []Event
	changed chan struct{}
}

const hubHistory = 1024

func newHub() *hub { return &hub{changed: make(chan struct{})} }

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	h.seq++
	if ev.Epoch > h.epoch {
		h.epoch = ev.Epoch
	}
	h.events = append(h.events, ev)
	if len(h.events) > hubHistory {
		h.events = h.events[len(h.events)-hubHistory:]
	}
	close(h.changed)
	h.changed = make(chan struct{})
	h.mu.Unlock()
}

// snapshot returns the current sequence and the wait channel.
func (h *hub) snapshot() (uint64, chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq, h.changed
}

// since returns events published after seq (bounded by history).
func (h *hub) since(seq uint64) ([]Event, uint64, uint64, chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := int(h.seq - seq)
	if n > len(h.events) {
		n = len(h.events)
	}
	out := append([]Event(nil), h.events[len(h.events)-n:]...)
	return out, h.seq, h.epoch, h.changed
}

func (h *hub) wait(ctx context.Context, t Time, cond WakeCondition) error {
	if cond.Kind == WakeTimeoutAt {
		return t.SleepUntil(ctx, cond.At)
	}
	start, _ := h.snapshot()
	seen := 0
	cursor := start
	for {
		evs, seq, epoch, ch := h.since(cursor)
		cursor = seq
		switch cond.Kind {
		case WakeNewEvents:
			if seq > start {
				return nil
			}
		case WakeEpochReached:
			if epoch >= cond.Epoch {
				return nil
			}
		case WakeEventMatching, WakeThresholdEvents:
			for _, ev := range evs {
				if cond.Filter == nil || cond.Filter(ev) {
					seen++
				}
			}
			need := 1
			if cond.Kind == WakeThresholdEvents && cond.Count > 0 {
				need = cond.Count
			}
			if seen >= need {
				return nil
			}
		default:
			return auraerr.Errorf(auraerr.KindInvalid, "effects.yield_until", "unknown wake condition %d", cond.Kind)
		}
		select {
		case <-ctx.Done():
			return auraerr.Wrap(auraerr.KindNetwork, "effects.yield_until", ctx.Err())
		case <-ch:
		}
	}
}

// RealTime is the wall clock.
type RealTime struct {
	h *hub
}

func NewRealTime() *RealTime { return &RealTime{h: newHub()} }

func (r *RealTime) NowMs() uint64 { return uint64(time.Now().UnixMilli()) }

func (r *RealTime) SleepUntil(ctx context.Context, epochMs uint64) error {
	now := r.NowMs()
	if epochMs <= now {
		return nil
	}
	timer := time.NewTimer(time.Duration(epochMs-now) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return auraerr.Wrap(auraerr.KindNetwork, "effects.sleep_until", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (r *RealTime) YieldUntil(ctx context.Context, cond WakeCondition) error {
	return r.h.wait(ctx, r, cond)
}

func (r *RealTime) Notify(ev Event) { r.h.publish(ev) }

// SimTime is a manually driven clock for deterministic tests. With AutoAdvance
// set, SleepUntil jumps the clock forward instead of blocking.
type SimTime struct {
	mu          sync.Mutex
	now         uint64
	tick        chan struct{}
	h           *hub
	AutoAdvance bool
}

func NewSimTime(startMs uint64) *SimTime {
	return &SimTime{now: startMs, tick: make(chan struct{}), h: newHub()}
}

func (s *SimTime) NowMs() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d milliseconds.
func (s *SimTime) Advance(d uint64) { s.Set(s.NowMs() + d) }

// Set moves the clock to ms; it never moves backwards.
func (s *SimTime) Set(ms uint64) {
	s.mu.Lock()
	if ms > s.now {
		s.now = ms
	}
	close(s.tick)
	s.tick = make(chan struct{})
	s.mu.Unlock()
}

func (s *SimTime) SleepUntil(ctx context.Context, epochMs uint64) error {
	for {
		s.mu.Lock()
		if s.now >= epochMs {
			s.mu.Unlock()
			return nil
		}
		if s.AutoAdvance {
			s.now = epochMs
			close(s.tick)
			s.tick = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		ch := s.tick
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return auraerr.Wrap(auraerr.KindNetwork, "effects.sleep_until", ctx.Err())
		case <-ch:
		}
	}
}

func (s *SimTime) YieldUntil(ctx context.Context, cond WakeCondition) error {
	return s.h.wait(ctx, s, cond)
}

func (s *SimTime) Notify(ev Event) { s.h.publish(ev) }
