package ibeacon

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Frame layout constants. See the package documentation for the full map.
const (
	MinFrameLen     = 45 // plain iBeacon report: 3 byte HCI header + 42 parameter bytes
	BatteryFrameLen = 49 // iBeacon report followed by a 4 byte vendor service data structure

	paramLengthOffset = 2 // HCI parameter total length byte
	hciHeaderLen      = 3 // packet type, event code, parameter length
)

// sigByte is one fixed byte that a packet must carry to match a signature.
type sigByte struct {
	offset int
	value  byte
}

// reportSignature identifies an LE Advertising Report carrying an iBeacon
// manufacturer payload. Bytes 5-13 and 16-20 are wildcards.
var reportSignature = []sigByte{
	{0, 0x04},  // HCI event packet
	{1, 0x3E},  // LE Meta event
	{3, 0x02},  // LE Advertising Report sub-event
	{4, 0x01},  // number of reports
	{14, 0x02}, // flags AD structure length
	{15, 0x01}, // flags AD structure type
	{21, 0x02}, // iBeacon type
	{22, 0x15}, // iBeacon payload length
}

// batterySignature marks the vendor service data structure appended after the
// iBeacon payload. The byte at batterySubtypeOffset selects the vendor layout.
var batterySignature = []sigByte{
	{44, 0x03}, // AD structure length
	{45, 0x16}, // Service Data - 16-bit UUID
}

const batterySubtypeOffset = 46

// batterySubtypes are the vendor subtype values whose next byte is a battery
// percentage.
var batterySubtypes = [...]byte{0x0A, 0x0B}

type decodeRule int

const (
	ruleUUID     decodeRule = iota // 16 bytes rendered as a canonical UUID
	ruleUint16BE                   // big-endian unsigned 16-bit
	ruleInt8                       // signed 8-bit
	ruleUint8                      // unsigned 8-bit
)

type fieldName string

const (
	fieldUUID    fieldName = "UUID"
	fieldMajor   fieldName = "Major"
	fieldMinor   fieldName = "Minor"
	fieldPower   fieldName = "Power"
	fieldRSSI    fieldName = "RSSI"
	fieldBattery fieldName = "BatteryLevel"
)

// field describes where a value lives in a packet and how to decode it.
// Negative offsets count back from the end of the packet.
type field struct {
	name   fieldName
	offset int
	length int
	rule   decodeRule
}

var iBeaconFields = []field{
	{fieldUUID, 23, 16, ruleUUID},
	{fieldMajor, 39, 2, ruleUint16BE},
	{fieldMinor, 41, 2, ruleUint16BE},
	{fieldPower, 43, 1, ruleInt8},
	{fieldRSSI, -1, 1, ruleInt8},
}

var batteryField = field{fieldBattery, 47, 1, ruleUint8}

// value holds the result of decoding one field.
type value struct {
	n    int
	text string
}

// Decoder decodes Packets into Advertisements. The zero value uses two's
// complement for signed bytes.
type Decoder struct {
	// LegacySignedBytes reproduces the scanner script this replaced, which
	// subtracted 256 from every signed byte, positive or not. Only enable it
	// when downstream rules were tuned against those values.
	LegacySignedBytes bool
}

// NewDecoder returns a Decoder. Enabling legacySigned is logged because it
// produces wrong values for bytes below 0x80.
func NewDecoder(legacySigned bool) *Decoder {
	if legacySigned {
		monitoring.Logf("ibeacon: legacy signed byte decoding enabled; Power and RSSI bytes below 0x80 decode 256 too low")
	}
	return &Decoder{LegacySignedBytes: legacySigned}
}

var defaultDecoder = &Decoder{}

// Decode decodes p with the default Decoder.
func Decode(p Packet) (Advertisement, bool) {
	return defaultDecoder.Decode(p)
}

// Decode returns the advertisement carried by p. ok is false when p is not an
// iBeacon advertising report; that is the normal outcome for most radio
// traffic and is not an error.
func (d *Decoder) Decode(p Packet) (Advertisement, bool) {
	if !matchesReport(p) {
		return Advertisement{}, false
	}

	var adv Advertisement
	for _, f := range iBeaconFields {
		v, found := d.extract(p, f)
		if !found {
			return Advertisement{}, false
		}
		switch f.name {
		case fieldUUID:
			adv.UUID = v.text
		case fieldMajor:
			adv.Major = uint16(v.n)
		case fieldMinor:
			adv.Minor = uint16(v.n)
		case fieldPower:
			adv.Power = v.n
		case fieldRSSI:
			adv.RSSI = v.n
		}
	}

	if matchesBattery(p) {
		if v, ok := d.extract(p, batteryField); ok {
			level := uint8(v.n)
			adv.BatteryLevel = &level
		}
	}
	return adv, true
}

func matchesReport(p Packet) bool {
	if len(p) < MinFrameLen {
		return false
	}
	if int(p[paramLengthOffset]) != len(p)-hciHeaderLen {
		return false
	}
	return matchSignature(p, reportSignature)
}

func matchesBattery(p Packet) bool {
	if len(p) < BatteryFrameLen || !matchSignature(p, batterySignature) {
		return false
	}
	subtype := p[batterySubtypeOffset]
	for _, s := range batterySubtypes {
		if subtype == s {
			return true
		}
	}
	return false
}

func matchSignature(p Packet, sig []sigByte) bool {
	for _, s := range sig {
		if s.offset >= len(p) || p[s.offset] != s.value {
			return false
		}
	}
	return true
}

// extract is the single routine that applies a field table entry to a packet.
func (d *Decoder) extract(p Packet, f field) (value, bool) {
	off := f.offset
	if off < 0 {
		off = len(p) + off
	}
	if off < 0 || off+f.length > len(p) {
		return value{}, false
	}
	raw := p[off : off+f.length]

	switch f.rule {
	case ruleUUID:
		u, err := uuid.FromBytes(raw)
		if err != nil {
			return value{}, false
		}
		return value{text: u.String()}, true
	case ruleUint16BE:
		return value{n: int(binary.BigEndian.Uint16(raw))}, true
	case ruleInt8:
		return value{n: d.signed(raw[0])}, true
	case ruleUint8:
		return value{n: int(raw[0])}, true
	}
	return value{}, false
}

func (d *Decoder) signed(b byte) int {
	if d.LegacySignedBytes {
		return int(b) - 256
	}
	return int(int8(b))
}

// CanonicalUUID normalises any textual UUID form accepted by uuid.Parse into
// the lower-case hyphenated form Decode produces.
func CanonicalUUID(s string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u.String(), nil
}
