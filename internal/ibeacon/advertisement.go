package ibeacon

import (
	"fmt"
	"strconv"
)

// Advertisement is one decoded iBeacon sighting.
type Advertisement struct {
	UUID  string // canonical lower-case 8-4-4-4-12 form
	Major uint16
	Minor uint16
	Power int // calibrated transmit power, dBm at 1m
	RSSI  int // received signal strength, dBm

	// BatteryLevel is only set for fobs that append a recognised vendor
	// service data structure.
	BatteryLevel *uint8
}

func (a Advertisement) String() string {
	s := fmt.Sprintf("UUID: %s, Major: %d, Minor: %d, Power: %d, RSSI: %d", a.UUID, a.Major, a.Minor, a.Power, a.RSSI)
	if a.BatteryLevel != nil {
		s += fmt.Sprintf(", Battery: %d", *a.BatteryLevel)
	}
	return s
}

// Message is the self-contained wire form published for every decoded
// advertisement. Major and Minor travel as decimal text.
type Message struct {
	UUID    string `json:"UUID" cbor:"UUID"`
	Major   string `json:"Major" cbor:"Major"`
	Minor   string `json:"Minor" cbor:"Minor"`
	Power   int    `json:"Power" cbor:"Power"`
	RSSI    int    `json:"RSSI" cbor:"RSSI"`
	Battery *uint8 `json:"Battery,omitempty" cbor:"Battery,omitempty"`
}

// Message converts the advertisement to its wire form.
func (a Advertisement) Message() Message {
	return Message{
		UUID:    a.UUID,
		Major:   strconv.FormatUint(uint64(a.Major), 10),
		Minor:   strconv.FormatUint(uint64(a.Minor), 10),
		Power:   a.Power,
		RSSI:    a.RSSI,
		Battery: a.BatteryLevel,
	}
}

// Advertisement converts a received message back into a record.
func (m Message) Advertisement() (Advertisement, error) {
	major, err := strconv.ParseUint(m.Major, 10, 16)
	if err != nil {
		return Advertisement{}, fmt.Errorf("failed to parse Major %q: %w", m.Major, err)
	}
	minor, err := strconv.ParseUint(m.Minor, 10, 16)
	if err != nil {
		return Advertisement{}, fmt.Errorf("failed to parse Minor %q: %w", m.Minor, err)
	}
	uuid, err := CanonicalUUID(m.UUID)
	if err != nil {
		return Advertisement{}, err
	}
	return Advertisement{
		UUID:         uuid,
		Major:        uint16(major),
		Minor:        uint16(minor),
		Power:        m.Power,
		RSSI:         m.RSSI,
		BatteryLevel: m.Battery,
	}, nil
}
