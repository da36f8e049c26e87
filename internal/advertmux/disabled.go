package advertmux

import (
	"context"
	"net/http"
	"sync"

	"github.com/banshee-data/presence.report/internal/ibeacon"
)

// DisabledAdvertMux is a no-op mux used when there is no local radio, for
// example when advertisements arrive over the message bus instead. It tracks
// subscribers so their channels are closed on Unsubscribe or Close.
type DisabledAdvertMux struct {
	mu          sync.Mutex
	subscribers map[string]chan ibeacon.Advertisement
	closing     bool
}

func NewDisabledAdvertMux() *DisabledAdvertMux {
	return &DisabledAdvertMux{
		subscribers: make(map[string]chan ibeacon.Advertisement),
	}
}

func (d *DisabledAdvertMux) Subscribe() (string, chan ibeacon.Advertisement) {
	id := randomID()
	ch := make(chan ibeacon.Advertisement)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		close(ch)
		return id, ch
	}
	d.subscribers[id] = ch
	return id, ch
}

func (d *DisabledAdvertMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.subscribers[id]; ok {
		close(ch)
		delete(d.subscribers, id)
	}
}

func (d *DisabledAdvertMux) Monitor(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }

func (d *DisabledAdvertMux) Stats() Stats { return Stats{} }

func (d *DisabledAdvertMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil
	}
	d.closing = true
	for id, ch := range d.subscribers {
		close(ch)
		delete(d.subscribers, id)
	}
	return nil
}

func (d *DisabledAdvertMux) AttachAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/adverts-disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("advert source disabled"))
	})
}
