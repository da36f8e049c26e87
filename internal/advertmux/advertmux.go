// Package advertmux reads hcidump style text from a single source, assembles
// and decodes iBeacon advertisements, and fans them out to any number of
// subscribers.
package advertmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"tailscale.com/tsweb"

	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// ErrSourceClosed is returned by Monitor when the source reaches end of input.
// A packet still open at that point is discarded.
var ErrSourceClosed = errors.New("advert source closed")

// subscriberBuffer is the per-subscriber channel capacity. Unless the mux was
// created WithBlockingDelivery, a full subscriber misses the advertisement and
// the drop is counted.
const subscriberBuffer = 32

// Stats counts what Monitor has seen since the mux was created.
type Stats struct {
	Lines   uint64 `json:"lines"`
	Packets uint64 `json:"packets"`
	Adverts uint64 `json:"adverts"`
	Dropped uint64 `json:"dropped"`
}

// AdvertMux multiplexes the advertisements decoded from one source.
type AdvertMux[T Source] struct {
	source  T
	decoder *ibeacon.Decoder
	capture *ibeacon.CaptureWriter
	clock   timeutil.Clock
	block   bool

	subscribers  map[string]*subscriber
	subscriberMu sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	lines, packets, adverts, dropped atomic.Uint64
}

// subscriber pairs a delivery channel with a quit signal. quit is closed
// before ch so a blocked send can give up; ch is only closed while sendMu is
// held.
type subscriber struct {
	ch       chan ibeacon.Advertisement
	quit     chan struct{}
	quitOnce sync.Once
	sendMu   sync.Mutex
}

func newSubscriber() *subscriber {
	return &subscriber{
		ch:   make(chan ibeacon.Advertisement, subscriberBuffer),
		quit: make(chan struct{}),
	}
}

// shutdown wakes any blocked send and then closes the channel.
func (s *subscriber) shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	close(s.ch)
}

// AdvertMuxInterface is implemented by AdvertMux and DisabledAdvertMux.
type AdvertMuxInterface interface {
	// Subscribe creates a new channel receiving every decoded advertisement.
	// The ID identifies the channel when unsubscribing.
	Subscribe() (string, chan ibeacon.Advertisement)
	// Unsubscribe closes and removes a subscriber channel.
	Unsubscribe(string)
	// Monitor reads the source until ctx is done or the source ends.
	Monitor(context.Context) error
	// Close closes all subscriber channels and the source.
	Close() error
	// Stats returns a snapshot of the read counters.
	Stats() Stats

	// AttachAdminRoutes attaches debugging endpoints under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// Option configures an AdvertMux.
type Option func(*muxOptions)

type muxOptions struct {
	decoder *ibeacon.Decoder
	capture *ibeacon.CaptureWriter
	clock   timeutil.Clock
	block   bool
}

// WithDecoder replaces the default two's complement decoder.
func WithDecoder(d *ibeacon.Decoder) Option {
	return func(o *muxOptions) { o.decoder = d }
}

// WithCapture records every assembled packet, iBeacon or not, to w.
func WithCapture(w *ibeacon.CaptureWriter) Option {
	return func(o *muxOptions) { o.capture = w }
}

// WithClock sets the clock used to timestamp captured packets.
func WithClock(c timeutil.Clock) Option {
	return func(o *muxOptions) { o.clock = c }
}

// WithBlockingDelivery makes Monitor wait for room in each subscriber channel
// instead of dropping. Open uses it for the file and pcap replay sources.
func WithBlockingDelivery() Option {
	return func(o *muxOptions) { o.block = true }
}

// NewAdvertMux creates an AdvertMux reading from source.
func NewAdvertMux[T Source](source T, opts ...Option) *AdvertMux[T] {
	o := muxOptions{decoder: &ibeacon.Decoder{}, clock: timeutil.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &AdvertMux[T]{
		source:      source,
		decoder:     o.decoder,
		capture:     o.capture,
		clock:       o.clock,
		block:       o.block,
		subscribers: make(map[string]*subscriber),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (m *AdvertMux[T]) Subscribe() (string, chan ibeacon.Advertisement) {
	id := randomID()
	sub := newSubscriber()

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if m.isClosing() {
		close(sub.ch)
		return id, sub.ch
	}
	m.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a subscriber from the mux.
func (m *AdvertMux[T]) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	sub, ok := m.subscribers[id]
	delete(m.subscribers, id)
	m.subscriberMu.Unlock()
	if ok {
		sub.shutdown()
	}
}

func (m *AdvertMux[T]) Stats() Stats {
	return Stats{
		Lines:   m.lines.Load(),
		Packets: m.packets.Load(),
		Adverts: m.adverts.Load(),
		Dropped: m.dropped.Load(),
	}
}

// Monitor reads lines from the source, assembles them into packets and
// publishes every decoded advertisement to the subscribers. It returns
// ErrSourceClosed at end of input, nil after Close, or the context error.
func (m *AdvertMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(m.source)
	assembler := ibeacon.NewAssembler()

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan runs in its own goroutine so the loop below can
	// still observe context cancellation
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if m.isClosing() {
				return nil
			}
			return fmt.Errorf("failed to read advert source: %w", err)

		case line, ok := <-lineChan:
			if !ok {
				// the scan goroutine also stops on cancellation
				if err := ctx.Err(); err != nil {
					return err
				}
				select {
				case err := <-scanErrChan:
					if !m.isClosing() {
						return fmt.Errorf("failed to read advert source: %w", err)
					}
				default:
				}
				if m.isClosing() {
					return nil
				}
				if assembler.Capturing() {
					monitoring.Debugf("advertmux: discarding open packet at end of input")
				}
				return ErrSourceClosed
			}
			if m.isClosing() {
				return nil
			}

			m.lines.Add(1)
			p, complete := assembler.Feed(line)
			if !complete {
				continue
			}
			m.handlePacket(ctx, p)
		}
	}
}

func (m *AdvertMux[T]) handlePacket(ctx context.Context, p ibeacon.Packet) {
	m.packets.Add(1)
	if m.capture != nil {
		if err := m.capture.WritePacket(m.clock.Now(), p); err != nil {
			monitoring.Logf("advertmux: failed to record packet: %v", err)
		}
	}

	adv, ok := m.decoder.Decode(p)
	if !ok {
		monitoring.Debugf("advertmux: ignoring %d byte packet", len(p))
		return
	}
	m.adverts.Add(1)
	m.publish(ctx, adv)
}

func (m *AdvertMux[T]) publish(ctx context.Context, adv ibeacon.Advertisement) {
	m.subscriberMu.Lock()
	subs := make([]*subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.subscriberMu.Unlock()

	for _, sub := range subs {
		m.deliver(ctx, sub, adv)
	}
}

func (m *AdvertMux[T]) deliver(ctx context.Context, sub *subscriber, adv ibeacon.Advertisement) {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()

	select {
	case <-sub.quit:
		return
	default:
	}

	if !m.block {
		select {
		case sub.ch <- adv:
		default:
			// a slow subscriber must not stall the radio
			m.dropped.Add(1)
		}
		return
	}

	select {
	case sub.ch <- adv:
	case <-sub.quit:
	case <-ctx.Done():
		m.dropped.Add(1)
	}
}

func (m *AdvertMux[T]) isClosing() bool {
	m.closingMu.Lock()
	defer m.closingMu.Unlock()
	return m.closing
}

func (m *AdvertMux[T]) Close() error {
	m.subscriberMu.Lock()
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()
	subs := m.subscribers
	m.subscribers = make(map[string]*subscriber)
	m.subscriberMu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return m.source.Close()
}

func (m *AdvertMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, m)
}

// attachAdminRoutes registers the stats and live tail endpoints for any mux.
func attachAdminRoutes(mux *http.ServeMux, m AdvertMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("advert-stats", "advertisement source counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	})

	// Server-Sent Events stream of decoded advertisements.
	debug.HandleSilentFunc("adverts", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case adv, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(adv.Message())
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
