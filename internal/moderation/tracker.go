package moderation

import (
	"slices"
	"sync"
	"time"

	"chatgate/internal/models"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Restriction kinds.
const (
	KindMute  = models.KindMute
	KindBlock = models.KindBlock
)

const defaultMaxSenders = 100000

// TrackerConfig holds the escalation policy.
type TrackerConfig struct {
	ProfanityMute      time.Duration
	ProfanityCooldown  time.Duration
	BlockSchedule      []time.Duration
	BlockStep          time.Duration
	RateWindow         time.Duration
	RateMute           time.Duration
	RateAbuseThreshold int
	RateAbuseReset     time.Duration
	MaxSenders         int
}

// ViolationState is the per-sender moderation state.
type ViolationState struct {
	RecentMessages      []time.Time
	ProfanityCount      int
	LastProfanityAt     time.Time
	BlockLevel          int
	RateViolations      int
	LastRateViolationAt time.Time
	RateBlockLevel      int
	MuteUntil           time.Time
	BlockUntil          time.Time
}

// Restriction is a mute or block the tracker just applied.
type Restriction struct {
	Kind     string
	Duration time.Duration
	Until    time.Time
}

// Status answers whether a sender is currently restricted.
type Status struct {
	Restricted bool
	Kind       string
	Remaining  time.Duration
}

// RemainingSeconds is Remaining rounded up to whole seconds.
func (s Status) RemainingSeconds() int64 {
	return ceilUnits(s.Remaining, time.Second)
}

// Stronger returns whichever status should be reported: blocks beat mutes,
// and the longer restriction wins within a kind.
func (s Status) Stronger(o Status) Status {
	switch {
	case !o.Restricted:
		return s
	case !s.Restricted:
		return o
	case s.Kind != o.Kind:
		if o.Kind == KindBlock {
			return o
		}
		return s
	case o.Remaining > s.Remaining:
		return o
	default:
		return s
	}
}

// Tracker owns per-sender violation state. Entries live in a bounded LRU and
// expire once idle for longer than any window the policy looks back over.
type Tracker struct {
	mu     sync.Mutex
	cfg    TrackerConfig
	states *lru.LRU[string, *ViolationState]
}

// NewTracker creates a Tracker for the given policy.
func NewTracker(cfg TrackerConfig) *Tracker {
	size := cfg.MaxSenders
	if size <= 0 {
		size = defaultMaxSenders
	}

	idle := max(cfg.ProfanityCooldown, cfg.RateAbuseReset, cfg.RateWindow)
	if n := len(cfg.BlockSchedule); n > 0 {
		idle = max(idle, cfg.BlockSchedule[n-1])
	}
	if idle <= 0 {
		idle = 24 * time.Hour
	}

	return &Tracker{
		cfg:    cfg,
		states: lru.NewLRU[string, *ViolationState](size, nil, idle),
	}
}

// state returns the sender's entry, creating it lazily. Re-adding refreshes
// the idle expiry. Callers must hold t.mu.
func (t *Tracker) state(sender string) *ViolationState {
	st, ok := t.states.Get(sender)
	if !ok {
		st = &ViolationState{}
	}
	t.states.Add(sender, st)
	return st
}

// RecordAttempt records an accepted send for the sliding rate window.
func (t *Tracker) RecordAttempt(sender string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(sender)
	st.RecentMessages = pruneBefore(st.RecentMessages, now.Add(-t.cfg.RateWindow))
	st.RecentMessages = append(st.RecentMessages, now)
}

// RecentCount returns how many accepted sends fall inside window before now.
func (t *Tracker) RecentCount(sender string, window time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states.Peek(sender)
	if !ok {
		return 0
	}
	cutoff := now.Add(-window)
	n := 0
	for _, ts := range st.RecentMessages {
		if ts.After(cutoff) && !ts.After(now) {
			n++
		}
	}
	return n
}

// RecordProfanity applies the two-tier escalation: every third violation
// inside the cooldown is a block taken from the schedule, the rest are short
// mutes. A violation after a full cooldown starts the count over.
func (t *Tracker) RecordProfanity(sender string, now time.Time) Restriction {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(sender)
	if !st.LastProfanityAt.IsZero() && now.Sub(st.LastProfanityAt) >= t.cfg.ProfanityCooldown {
		st.ProfanityCount = 0
		st.BlockLevel = 0
	}
	st.ProfanityCount++
	st.LastProfanityAt = now

	if st.ProfanityCount%3 == 0 {
		d := BlockDuration(t.cfg.BlockSchedule, t.cfg.BlockStep, st.BlockLevel)
		st.BlockLevel++
		return st.block(now, d)
	}
	return st.mute(now, t.cfg.ProfanityMute)
}

// RecordRateViolation mutes the sender and, once consecutive violations reach
// the abuse threshold, blocks on an escalation track separate from profanity.
func (t *Tracker) RecordRateViolation(sender string, now time.Time) Restriction {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(sender)
	if !st.LastRateViolationAt.IsZero() {
		since := now.Sub(st.LastRateViolationAt)
		if since > t.cfg.RateAbuseReset {
			st.RateViolations = 0
		}
		if t.cfg.ProfanityCooldown > 0 && since >= t.cfg.ProfanityCooldown {
			st.RateBlockLevel = 0
		}
	}
	st.RateViolations++
	st.LastRateViolationAt = now

	if t.cfg.RateAbuseThreshold > 0 && st.RateViolations >= t.cfg.RateAbuseThreshold {
		d := BlockDuration(t.cfg.BlockSchedule, t.cfg.BlockStep, st.RateBlockLevel)
		st.RateBlockLevel++
		st.RateViolations = 0
		return st.block(now, d)
	}
	return st.mute(now, t.cfg.RateMute)
}

// ApplyMute sets the sender's mute to expire d after now.
func (t *Tracker) ApplyMute(sender string, d time.Duration, now time.Time) Restriction {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(sender)
	st.MuteUntil = now.Add(d)
	return Restriction{Kind: KindMute, Duration: d, Until: st.MuteUntil}
}

// ApplyBlock sets the sender's block to expire d after now.
func (t *Tracker) ApplyBlock(sender string, d time.Duration, now time.Time) Restriction {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(sender)
	st.BlockUntil = now.Add(d)
	return Restriction{Kind: KindBlock, Duration: d, Until: st.BlockUntil}
}

// IsRestricted reports the sender's active restriction. Expired timestamps
// need no cleanup; they simply stop matching.
func (t *Tracker) IsRestricted(sender string, now time.Time) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states.Peek(sender)
	if !ok {
		return Status{}
	}
	if now.Before(st.BlockUntil) {
		return Status{Restricted: true, Kind: KindBlock, Remaining: st.BlockUntil.Sub(now)}
	}
	if now.Before(st.MuteUntil) {
		return Status{Restricted: true, Kind: KindMute, Remaining: st.MuteUntil.Sub(now)}
	}
	return Status{}
}

// Snapshot returns a copy of the sender's state.
func (t *Tracker) Snapshot(sender string) (ViolationState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states.Peek(sender)
	if !ok {
		return ViolationState{}, false
	}
	cp := *st
	cp.RecentMessages = slices.Clone(st.RecentMessages)
	return cp, true
}

// Len returns the number of tracked senders.
func (t *Tracker) Len() int {
	return t.states.Len()
}

func (st *ViolationState) mute(now time.Time, d time.Duration) Restriction {
	until := now.Add(d)
	if until.After(st.MuteUntil) {
		st.MuteUntil = until
	}
	return Restriction{Kind: KindMute, Duration: d, Until: st.MuteUntil}
}

func (st *ViolationState) block(now time.Time, d time.Duration) Restriction {
	until := now.Add(d)
	if until.After(st.BlockUntil) {
		st.BlockUntil = until
	}
	return Restriction{Kind: KindBlock, Duration: d, Until: st.BlockUntil}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
