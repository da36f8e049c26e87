package ibeacon

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Link types used by btmon, tcpdump -i bluetooth0 and Wireshark for HCI traffic.
const (
	LinkTypeHCIH4         layers.LinkType = 187 // H4 packet type byte first
	LinkTypeHCIH4WithPHDR layers.LinkType = 201 // 4 byte direction header, then H4
)

const phdrLen = 4

// phdr direction values; only controller-to-host traffic carries reports.
var phdrReceived = []byte{0x00, 0x00, 0x00, 0x01}

// ReadCapture reads HCI packets from a pcap stream and calls fn with each one
// in capture order. Packets sent to the controller are skipped for link type
// 201. The returned error is nil once the capture is exhausted.
func ReadCapture(r io.Reader, fn func(Packet)) error {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}

	linkType := pr.LinkType()
	if linkType != LinkTypeHCIH4 && linkType != LinkTypeHCIH4WithPHDR {
		return fmt.Errorf("unsupported capture link type %d: expected %d or %d", linkType, LinkTypeHCIH4, LinkTypeHCIH4WithPHDR)
	}

	for {
		data, _, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read capture packet: %w", err)
		}
		if linkType == LinkTypeHCIH4WithPHDR {
			if len(data) < phdrLen || data[3] != phdrReceived[3] {
				continue
			}
			data = data[phdrLen:]
		}
		fn(Packet(data))
	}
}

// CaptureWriter records packets as a pcap stream with the H4-with-direction
// link type so captures open directly in Wireshark.
type CaptureWriter struct {
	w *pcapgo.Writer
}

// NewCaptureWriter writes the pcap file header to w.
func NewCaptureWriter(w io.Writer) (*CaptureWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, LinkTypeHCIH4WithPHDR); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return &CaptureWriter{w: pw}, nil
}

// WritePacket appends one received packet to the capture.
func (c *CaptureWriter) WritePacket(at time.Time, p Packet) error {
	data := make([]byte, 0, phdrLen+len(p))
	data = append(data, phdrReceived...)
	data = append(data, p...)
	ci := gopacket.CaptureInfo{
		Timestamp:     at,
		CaptureLength: len(data),
		Length:        len(data),
	}
	return c.w.WritePacket(ci, data)
}
