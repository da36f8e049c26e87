package advertmux

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// SyntheticSource emits dump text for a fixed set of fobs on every tick. It
// stands in for a radio during development (--dev).
type SyntheticSource struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	ticker timeutil.Ticker
	done   chan struct{}
	once   sync.Once
}

// NewSyntheticSource starts emitting one report per advertisement every
// interval. Each report is preceded by a line of noise, as hcidump interleaves
// command traffic with events.
func NewSyntheticSource(clock timeutil.Clock, interval time.Duration, adverts []ibeacon.Advertisement) (*SyntheticSource, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("synthetic interval must be positive, got %s", interval)
	}
	var text []byte
	for _, a := range adverts {
		p, err := ibeacon.Synthesize(a)
		if err != nil {
			return nil, fmt.Errorf("failed to synthesize %s: %w", a, err)
		}
		text = append(text, "< 01 0C 20 02 01 00\n"...)
		text = append(text, ibeacon.FormatDumpText(p)...)
	}
	// close the final report of each burst
	text = append(text, '\n')

	pr, pw := io.Pipe()
	s := &SyntheticSource{
		pr:     pr,
		pw:     pw,
		ticker: clock.NewTicker(interval),
		done:   make(chan struct{}),
	}
	go s.run(text)
	return s, nil
}

func (s *SyntheticSource) run(text []byte) {
	defer s.ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C():
			if _, err := s.pw.Write(text); err != nil {
				return
			}
		}
	}
}

func (s *SyntheticSource) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

func (s *SyntheticSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.pw.Close()
	})
	return nil
}
