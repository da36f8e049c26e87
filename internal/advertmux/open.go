package advertmux

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// Source kinds accepted by Open.
const (
	KindHCIDump  = "hcidump"
	KindSerial   = "serial"
	KindFile     = "file"
	KindPcap     = "pcap"
	KindDisabled = "disabled"
)

// SourceConfig selects and parameterises an advertisement source.
type SourceConfig struct {
	Kind   string
	Device string // adapter for hcidump, e.g. hci0
	Path   string // serial device, dump file or pcap file
	Serial PortOptions
	// LEScan starts hcitool lescan alongside hcidump so the controller keeps
	// reporting repeated advertisements.
	LEScan bool
}

// Open creates the mux for sc. The hcidump and lescan subprocesses are
// killed when ctx is done. File and pcap replays deliver every advertisement,
// waiting on slow subscribers; live sources drop for them instead.
func Open(ctx context.Context, sc SourceConfig, muxOpts ...Option) (AdvertMuxInterface, error) {
	switch sc.Kind {
	case KindHCIDump, "":
		if sc.LEScan {
			if err := startLEScan(ctx, sc.Device); err != nil {
				return nil, err
			}
		}
		m, err := NewCommandAdvertMux(ctx, sc.Device, muxOpts...)
		if err != nil {
			return nil, err
		}
		return m, nil
	case KindSerial:
		m, err := NewSerialAdvertMux(sc.Path, sc.Serial, muxOpts...)
		if err != nil {
			return nil, err
		}
		return m, nil
	case KindFile:
		m, err := NewFileAdvertMux(sc.Path, replayOptions(muxOpts)...)
		if err != nil {
			return nil, err
		}
		return m, nil
	case KindPcap:
		m, err := NewCaptureAdvertMux(sc.Path, replayOptions(muxOpts)...)
		if err != nil {
			return nil, err
		}
		return m, nil
	case KindDisabled:
		return NewDisabledAdvertMux(), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", sc.Kind)
	}
}

func replayOptions(muxOpts []Option) []Option {
	return append(slices.Clone(muxOpts), WithBlockingDelivery())
}

// startLEScan runs hcitool lescan for the lifetime of ctx, discarding its
// output.
func startLEScan(ctx context.Context, device string) error {
	scan, err := StartCommand(ctx, "hcitool", LEScanArgs(device)...)
	if err != nil {
		return err
	}
	go func() {
		defer scan.Close()
		if _, err := io.Copy(io.Discard, scan); err != nil {
			monitoring.Debugf("advertmux: lescan output: %v", err)
		}
		monitoring.Logf("advertmux: lescan on %s exited", device)
	}()
	return nil
}
