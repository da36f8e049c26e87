package presence

import (
	"fmt"
	"time"
)

// TransitionKind is the direction of a presence edge.
type TransitionKind string

const (
	Arrived  TransitionKind = "arrived"
	Departed TransitionKind = "departed"
)

// Transition is raised once per absence to presence edge (Arrived) and once
// per presence to absence edge (Departed) of a registered beacon.
type Transition struct {
	Kind     TransitionKind `json:"kind"`
	Identity Identity       `json:"identity"`
	Owner    string         `json:"owner"`
	At       time.Time      `json:"at"`
	// Occupied reports whether any registered beacon is present once this
	// transition has been applied. A Departed transition with Occupied false
	// is the last one out.
	Occupied bool `json:"occupied"`
}

func (t Transition) String() string {
	return fmt.Sprintf("%s %s (%s) at %s occupied=%t", t.Owner, t.Kind, t.Identity, t.At.Format(time.RFC3339), t.Occupied)
}

// BeaconStatus is a snapshot of one registration.
type BeaconStatus struct {
	Identity Identity  `json:"identity"`
	Owner    string    `json:"owner"`
	LastSeen time.Time `json:"last_seen"`
	Present  bool      `json:"present"`
}

// Stats counts tracker activity since creation.
type Stats struct {
	Registered int    `json:"registered"`
	Present    int    `json:"present"`
	Matched    uint64 `json:"matched"`
	Unmatched  uint64 `json:"unmatched"`
	Stale      uint64 `json:"stale"`
	Arrivals   uint64 `json:"arrivals"`
	Departures uint64 `json:"departures"`
	Dropped    uint64 `json:"dropped"`
}
