package ibeacon

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
)

// dumpBytesPerLine matches hcidump --raw, which wraps packets at 20 bytes.
const dumpBytesPerLine = 20

// Synthesize encodes adv as the LE Advertising Report a fob would produce, at
// the offsets Decode reads. The advertiser address is derived from Major and
// Minor so distinct fobs get distinct addresses. A BatteryLevel adds the
// vendor service data structure.
func Synthesize(adv Advertisement) (Packet, error) {
	u, err := uuid.Parse(adv.UUID)
	if err != nil {
		return nil, err
	}

	adData := []byte{
		0x02, 0x01, 0x06, // flags: LE general discoverable, BR/EDR not supported
		0x1A, 0xFF, 0x4C, 0x00, // manufacturer specific data, Apple
		0x02, 0x15, // iBeacon
	}
	adData = append(adData, u[:]...)
	adData = binary.BigEndian.AppendUint16(adData, adv.Major)
	adData = binary.BigEndian.AppendUint16(adData, adv.Minor)
	adData = append(adData, byte(int8(adv.Power)))
	if adv.BatteryLevel != nil {
		adData = append(adData, 0x03, 0x16, batterySubtypes[0], *adv.BatteryLevel)
	}

	report := []byte{
		0x02, // LE Advertising Report
		0x01, // one report
		0x00, // ADV_IND
		0x00, // public address
	}
	// addresses travel little-endian
	report = append(report,
		byte(adv.Minor), byte(adv.Minor>>8), byte(adv.Major), byte(adv.Major>>8), 0x5C, 0xC0)
	report = append(report, byte(len(adData)))
	report = append(report, adData...)
	report = append(report, byte(int8(adv.RSSI)))

	p := make(Packet, 0, hciHeaderLen+len(report))
	p = append(p, 0x04, 0x3E, byte(len(report)))
	p = append(p, report...)
	return p, nil
}

// FormatDump renders p the way hcidump --raw prints an inbound packet: a start
// line carrying the marker and continuation lines indented by two spaces.
func FormatDump(p Packet) []string {
	if len(p) == 0 {
		return nil
	}
	var lines []string
	for i := 0; i < len(p); i += dumpBytesPerLine {
		end := min(i+dumpBytesPerLine, len(p))
		chunk := p[i:end].String()
		if i == 0 {
			lines = append(lines, string(StartMarker)+" "+chunk)
		} else {
			lines = append(lines, "  "+chunk)
		}
	}
	return lines
}

// FormatDumpText joins FormatDump output into newline terminated text.
func FormatDumpText(p Packet) string {
	lines := FormatDump(p)
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
