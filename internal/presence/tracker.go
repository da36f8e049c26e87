// Package presence tracks which registered beacon fobs have been heard
// recently and raises arrival and departure transitions on the edges.
package presence

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// DefaultTimeout is how long a beacon stays present after its last sighting.
const DefaultTimeout = 300 * time.Second

// transitionBuffer is the capacity of each transition subscriber channel.
const transitionBuffer = 64

// Capability is the presence contract offered to rule engines.
type Capability interface {
	// Query reports whether owner is present, or anyone when owner is empty.
	Query(owner string, now time.Time) bool
	Register(id Identity, owner string)
	Deregister(id Identity)
}

// TrackerConfig holds configuration parameters for the tracker.
type TrackerConfig struct {
	Timeout time.Duration // inclusive: lastSeen == now-Timeout is still present
	Policy  MatchPolicy
}

// DefaultTrackerConfig returns a five minute timeout with full identity
// matching.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{Timeout: DefaultTimeout, Policy: MatchFull}
}

type beaconState struct {
	id       Identity
	owner    string
	lastSeen time.Time // zero until first sighting
	present  bool
}

type waiter struct {
	owner string
	done  chan struct{}
}

// Tracker owns the registrations and their presence state. All methods are
// safe for concurrent use; one mutex serialises every read and write so a
// sweep can never race an advertisement for the same beacon.
type Tracker struct {
	mu sync.Mutex

	config  TrackerConfig
	clock   timeutil.Clock
	beacons map[Identity]*beaconState

	subscribers map[string]chan Transition
	waiters     map[*waiter]struct{}

	matched, unmatched, stale, arrivals, departures, dropped uint64
}

// NewTracker creates a tracker. A nil clock uses the wall clock; the clock is
// only consulted by Wait and Run.
func NewTracker(config TrackerConfig, clock timeutil.Clock) *Tracker {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		config:      config,
		clock:       clock,
		beacons:     make(map[Identity]*beaconState),
		subscribers: make(map[string]chan Transition),
		waiters:     make(map[*waiter]struct{}),
	}
}

// Config returns the tracker configuration.
func (t *Tracker) Config() TrackerConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// Register inserts or overwrites the registration for id. Presence state is
// kept when id is already registered and reset when a different identity
// takes over the same key, which can only happen under MatchMinor.
func (t *Tracker) Register(id Identity, owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.config.Policy.key(id)
	if st, ok := t.beacons[key]; ok && st.id == id {
		st.owner = owner
		return
	}
	t.beacons[key] = &beaconState{id: id, owner: owner}
}

// Deregister removes id and its presence state. Unknown identities are
// ignored, including one whose key has since been taken over by a different
// identity. No departure is raised for a removed beacon.
func (t *Tracker) Deregister(id Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.config.Policy.key(id)
	if st, ok := t.beacons[key]; ok && st.id == id {
		delete(t.beacons, key)
	}
}

// OnAdvertisement records a sighting at now. It reports whether adv matched a
// registration. Pending departures are raised before the arrival, so a beacon
// that lapsed and came back yields Departed then Arrived. A sighting older than
// the stored lastSeen is ignored.
func (t *Tracker) OnAdvertisement(adv ibeacon.Advertisement, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.beacons[t.config.Policy.key(IdentityOf(adv))]
	if !ok {
		t.unmatched++
		return false
	}
	t.matched++
	if now.Before(st.lastSeen) {
		t.stale++
		return true
	}

	t.sweepLocked(now)
	st.lastSeen = now
	if !st.present {
		st.present = true
		t.arrivals++
		t.emitLocked(Transition{Kind: Arrived, Identity: st.id, Owner: st.owner, At: now, Occupied: true})
	}
	t.wakeLocked(st.owner)
	return true
}

// Sweep marks every beacon not seen within the timeout as absent and raises
// one Departed transition for each. The tracker never calls Sweep itself; see
// Run.
func (t *Tracker) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(now)
}

func (t *Tracker) sweepLocked(now time.Time) {
	var lapsed []*beaconState
	for _, st := range t.beacons {
		if st.present && now.Sub(st.lastSeen) > t.config.Timeout {
			lapsed = append(lapsed, st)
		}
	}
	if len(lapsed) == 0 {
		return
	}
	slices.SortFunc(lapsed, func(a, b *beaconState) int {
		if c := a.lastSeen.Compare(b.lastSeen); c != 0 {
			return c
		}
		return strings.Compare(a.id.String(), b.id.String())
	})
	for _, st := range lapsed {
		st.present = false
		t.departures++
		t.emitLocked(Transition{
			Kind:     Departed,
			Identity: st.id,
			Owner:    st.owner,
			At:       now,
			Occupied: t.anyPresentLocked(""),
		})
	}
}

// Query sweeps at now and then reports whether any beacon registered to owner
// is present. An empty owner asks whether anyone is present.
func (t *Tracker) Query(owner string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(now)
	return t.anyPresentLocked(owner)
}

// QueryAnyone reports whether any registered beacon is present at now.
func (t *Tracker) QueryAnyone(now time.Time) bool {
	return t.Query("", now)
}

func (t *Tracker) anyPresentLocked(owner string) bool {
	for _, st := range t.beacons {
		if st.present && (owner == "" || st.owner == owner) {
			return true
		}
	}
	return false
}

// Wait blocks until a registered beacon belonging to owner (anyone when owner
// is empty) is next sighted, timeout elapses or ctx is done. Stored state is
// not consulted. It returns true when a sighting arrived first.
func (t *Tracker) Wait(ctx context.Context, owner string, timeout time.Duration) (bool, error) {
	w := &waiter{owner: owner, done: make(chan struct{})}
	t.mu.Lock()
	t.waiters[w] = struct{}{}
	t.mu.Unlock()

	timer := t.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return true, nil
	case <-timer.C():
	case <-ctx.Done():
	}

	t.mu.Lock()
	_, pending := t.waiters[w]
	delete(t.waiters, w)
	t.mu.Unlock()
	if !pending {
		// woken between the timer firing and the lock
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func (t *Tracker) wakeLocked(owner string) {
	for w := range t.waiters {
		if w.owner == "" || w.owner == owner {
			close(w.done)
			delete(t.waiters, w)
		}
	}
}

// Run calls Sweep on every tick of interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			t.Sweep(now)
		}
	}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel receiving every transition in the order it was
// raised. Sends never block; a subscriber that falls behind misses
// transitions and the loss is counted in Stats.
func (t *Tracker) Subscribe() (string, <-chan Transition) {
	id := randomID()
	ch := make(chan Transition, transitionBuffer)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes a transition subscriber.
func (t *Tracker) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

func (t *Tracker) emitLocked(tr Transition) {
	for _, ch := range t.subscribers {
		select {
		case ch <- tr:
		default:
			t.dropped++
		}
	}
}

// Beacons returns a snapshot of every registration ordered by owner and
// identity. Presence flags are as of the last sweep.
func (t *Tracker) Beacons() []BeaconStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]BeaconStatus, 0, len(t.beacons))
	for _, st := range t.beacons {
		out = append(out, BeaconStatus{Identity: st.id, Owner: st.owner, LastSeen: st.lastSeen, Present: st.present})
	}
	slices.SortFunc(out, func(a, b BeaconStatus) int {
		if c := strings.Compare(a.Owner, b.Owner); c != 0 {
			return c
		}
		return strings.Compare(a.Identity.String(), b.Identity.String())
	})
	return out
}

// Stats returns a snapshot of the tracker counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{
		Registered: len(t.beacons),
		Matched:    t.matched,
		Unmatched:  t.unmatched,
		Stale:      t.stale,
		Arrivals:   t.arrivals,
		Departures: t.departures,
		Dropped:    t.dropped,
	}
	for _, st := range t.beacons {
		if st.present {
			s.Present++
		}
	}
	return s
}

var _ Capability = (*Tracker)(nil)
