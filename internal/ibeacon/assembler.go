package ibeacon

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// StartMarker prefixes the first line of every inbound packet in hcidump output.
const StartMarker = '>'

// LineKind classifies one line of dump text.
type LineKind int

const (
	LineOther LineKind = iota
	LineStart
	LineContinuation
)

func (k LineKind) String() string {
	switch k {
	case LineStart:
		return "start"
	case LineContinuation:
		return "continuation"
	default:
		return "other"
	}
}

// Packet is the byte content of one assembled dump frame. A Packet returned by
// the Assembler is never written to again.
type Packet []byte

// String renders the packet as space separated upper-case byte-pairs, the way
// hcidump prints it.
func (p Packet) String() string {
	var sb strings.Builder
	for i, b := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// ClassifyLine reports whether line opens a packet, continues one, or is
// anything else.
func ClassifyLine(line string) LineKind {
	kind, _ := parseLine(line)
	return kind
}

// parseLine classifies line and returns the bytes it carries for start and
// continuation lines.
func parseLine(line string) (LineKind, []byte) {
	trimmed := strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(trimmed, string(StartMarker)) {
		rest := trimmed[1:]
		// the marker must be followed by whitespace before the first pair
		if rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
			return LineOther, nil
		}
		b, ok := parseBytePairs(rest)
		if !ok {
			return LineOther, nil
		}
		return LineStart, b
	}
	b, ok := parseBytePairs(trimmed)
	if !ok {
		return LineOther, nil
	}
	return LineContinuation, b
}

// parseBytePairs decodes a whitespace separated run of two-digit hex values.
// At least one pair is required.
func parseBytePairs(s string) ([]byte, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, false
	}
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		if len(f) != 2 {
			return nil, false
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, false
		}
		out = append(out, b[0])
	}
	return out, true
}

// Assembler groups dump lines into Packets. The zero value is ready to use
// and starts Idle.
//
// A packet still open when the input ends is never returned: there is no
// flush. With hcidump this costs at most the final frame of a capture.
type Assembler struct {
	buf       []byte
	capturing bool
}

// NewAssembler returns an Idle Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Capturing reports whether a packet is currently open.
func (a *Assembler) Capturing() bool {
	return a.capturing
}

// Feed consumes one line. When the line closes the open packet, that packet is
// returned with ok set. The closing line is then evaluated again from Idle, so
// a start marker that closes one packet also opens the next.
func (a *Assembler) Feed(line string) (p Packet, ok bool) {
	kind, b := parseLine(line)

	if a.capturing {
		if kind == LineContinuation {
			a.buf = append(a.buf, b...)
			return nil, false
		}
		p, ok = a.buf, true
		a.buf = nil
		a.capturing = false
	}

	if kind == LineStart {
		a.buf = b
		a.capturing = true
	}
	return p, ok
}
