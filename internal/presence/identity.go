package presence

import (
	"fmt"
	"strings"

	"github.com/banshee-data/presence.report/internal/ibeacon"
)

// Identity is the advertised identifier of a fob.
type Identity struct {
	UUID  string `json:"uuid"`
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
}

// ParseIdentity validates uuid and returns an Identity in canonical form.
func ParseIdentity(uuid string, major, minor uint16) (Identity, error) {
	canonical, err := ibeacon.CanonicalUUID(uuid)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UUID: canonical, Major: major, Minor: minor}, nil
}

// IdentityOf returns the identity an advertisement carries.
func IdentityOf(adv ibeacon.Advertisement) Identity {
	return Identity{UUID: adv.UUID, Major: adv.Major, Minor: adv.Minor}
}

func (i Identity) String() string {
	return fmt.Sprintf("%s/%d/%d", i.UUID, i.Major, i.Minor)
}

// MatchPolicy selects which identity fields must agree for an advertisement
// to match a registration.
type MatchPolicy int

const (
	// MatchFull requires UUID, Major and Minor to agree.
	MatchFull MatchPolicy = iota
	// MatchMinor compares Minor only. Cheap fobs often share a UUID and Major
	// across a whole batch.
	MatchMinor
)

func (p MatchPolicy) String() string {
	switch p {
	case MatchMinor:
		return "minor"
	default:
		return "full"
	}
}

// ParseMatchPolicy accepts "full" or "minor". An empty string selects
// MatchFull.
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full":
		return MatchFull, nil
	case "minor":
		return MatchMinor, nil
	default:
		return MatchFull, fmt.Errorf("unknown match policy %q: expected full or minor", s)
	}
}

// key reduces id to the map key used under the policy.
func (p MatchPolicy) key(id Identity) Identity {
	if p == MatchMinor {
		return Identity{Minor: id.Minor}
	}
	return id
}
