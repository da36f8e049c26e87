package advertmux

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/monitoring"
)

// NewSerialAdvertMux creates an AdvertMux reading dump text from the serial
// port at path.
func NewSerialAdvertMux(path string, opts PortOptions, muxOpts ...Option) (*AdvertMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	return NewAdvertMux[serial.Port](port, muxOpts...), nil
}

// NewFileAdvertMux creates an AdvertMux replaying a saved dump text file.
func NewFileAdvertMux(path string, muxOpts ...Option) (*AdvertMux[*os.File], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dump file: %w", err)
	}
	return NewAdvertMux(f, muxOpts...), nil
}

// HCIDumpArgs returns the hcidump arguments that print raw packets for device.
func HCIDumpArgs(device string) []string {
	return []string{"-i", device, "--raw"}
}

// LEScanArgs returns the hcitool arguments that keep the controller scanning
// and reporting duplicate advertisements for device.
func LEScanArgs(device string) []string {
	return []string{"-i", device, "lescan", "--duplicates"}
}

// CommandSource reads the standard output of a subprocess.
type CommandSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

// StartCommand starts name with args and returns its standard output as a
// Source. The process is killed when ctx is done or the source is closed.
func StartCommand(ctx context.Context, name string, args ...string) (*CommandSource, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach to %s: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	monitoring.Logf("advertmux: started %s (pid %d)", cmd.String(), cmd.Process.Pid)
	return &CommandSource{cmd: cmd, stdout: stdout}, nil
}

func (c *CommandSource) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

// Close kills the process and reaps it.
func (c *CommandSource) Close() error {
	c.once.Do(func() {
		if c.cmd.ProcessState == nil {
			_ = c.cmd.Process.Kill()
		}
		// Wait closes stdout; the kill error is expected here
		_ = c.cmd.Wait()
	})
	return nil
}

// NewCommandAdvertMux runs hcidump on device and decodes its raw output.
func NewCommandAdvertMux(ctx context.Context, device string, muxOpts ...Option) (*AdvertMux[*CommandSource], error) {
	src, err := StartCommand(ctx, "hcidump", HCIDumpArgs(device)...)
	if err != nil {
		return nil, err
	}
	return NewAdvertMux(src, muxOpts...), nil
}

// CaptureSource renders the packets of a pcap capture as dump text.
type CaptureSource struct {
	f  io.ReadCloser
	pr *io.PipeReader
}

// OpenCapture starts converting the pcap stream in f to dump text. Each packet
// is followed by a blank line so it is closed immediately.
func OpenCapture(f io.ReadCloser) *CaptureSource {
	pr, pw := io.Pipe()
	go func() {
		err := ibeacon.ReadCapture(f, func(p ibeacon.Packet) {
			if _, werr := io.WriteString(pw, ibeacon.FormatDumpText(p)+"\n"); werr != nil {
				monitoring.Debugf("advertmux: capture reader stopped: %v", werr)
			}
		})
		pw.CloseWithError(err)
	}()
	return &CaptureSource{f: f, pr: pr}
}

func (c *CaptureSource) Read(p []byte) (int, error) {
	return c.pr.Read(p)
}

func (c *CaptureSource) Close() error {
	c.pr.Close()
	return c.f.Close()
}

// NewCaptureAdvertMux creates an AdvertMux replaying the pcap file at path.
func NewCaptureAdvertMux(path string, muxOpts ...Option) (*AdvertMux[*CaptureSource], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	return NewAdvertMux(OpenCapture(f), muxOpts...), nil
}
