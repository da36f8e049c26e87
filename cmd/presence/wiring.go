package main

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/presence.report/internal/advertmux"
	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

// loadConfig reads path, or starts from defaults when path is empty, and
// applies every flag the user set explicitly.
func loadConfig(path string, changed func(string) bool) (*config.PresenceConfig, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if changed("listen") {
		config.SetString(&cfg.Listen, *listen)
	}
	if changed("db") {
		config.SetString(&cfg.DBPath, *dbPath)
	}
	if changed("source") {
		config.SetString(&cfg.Source, *source)
	}
	if changed("source-path") {
		config.SetString(&cfg.SourcePath, *sourcePath)
	}
	if changed("hci-device") {
		config.SetString(&cfg.HCIDevice, *hciDevice)
	}
	if changed("lescan") {
		config.SetBool(&cfg.LEScan, *lescan)
	}
	if changed("mqtt") {
		if cfg.MQTT == nil {
			cfg.MQTT = &config.MQTTConfig{}
		}
		cfg.MQTT.Broker = *mqttBroker
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadRegistrations registers stored beacons, then the configured ones,
// persisting the latter. It returns the number of beacons tracked.
func loadRegistrations(tracker *presence.Tracker, store *db.DB, cfg *config.PresenceConfig, now time.Time) (int, error) {
	regs, err := store.Beacons()
	if err != nil {
		return 0, err
	}
	for _, r := range regs {
		tracker.Register(r.Identity, r.Owner)
	}

	for _, b := range cfg.Beacons {
		id, err := b.Identity()
		if err != nil {
			return 0, err
		}
		if err := store.RegisterBeacon(id, b.Owner, now); err != nil {
			return 0, err
		}
		tracker.Register(id, b.Owner)
	}
	return len(tracker.Beacons()), nil
}

// ingest passes one advertisement to the tracker and stores it when it
// belongs to a registered beacon.
func ingest(tracker *presence.Tracker, store *db.DB, clock timeutil.Clock, adv ibeacon.Advertisement) {
	now := clock.Now()
	if !tracker.OnAdvertisement(adv, now) {
		return
	}
	monitoring.Debugf("sighted %s", adv)
	if err := store.RecordSighting(adv, now); err != nil {
		monitoring.Logf("failed to record sighting: %v", err)
	}
}

// syntheticAdverts returns one plausible advertisement per configured beacon.
func syntheticAdverts(beacons []config.BeaconConfig) ([]ibeacon.Advertisement, error) {
	adverts := make([]ibeacon.Advertisement, 0, len(beacons))
	for i, b := range beacons {
		id, err := b.Identity()
		if err != nil {
			return nil, err
		}
		battery := uint8(90 - 10*(i%5))
		adverts = append(adverts, ibeacon.Advertisement{
			UUID:         id.UUID,
			Major:        id.Major,
			Minor:        id.Minor,
			Power:        -59,
			RSSI:         -60 - 5*(i%6),
			BatteryLevel: &battery,
		})
	}
	return adverts, nil
}

// openSyntheticSource builds a mux fed by a SyntheticSource for the
// configured beacons.
func openSyntheticSource(cfg *config.PresenceConfig, clock timeutil.Clock, interval time.Duration, muxOpts ...advertmux.Option) (advertmux.AdvertMuxInterface, error) {
	adverts, err := syntheticAdverts(cfg.Beacons)
	if err != nil {
		return nil, err
	}
	src, err := advertmux.NewSyntheticSource(clock, interval, adverts)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("dev mode: synthesising %d beacons every %s", len(adverts), interval)
	return advertmux.NewAdvertMux(src, muxOpts...), nil
}

// announce renders the household messages for a transition.
func announce(tr presence.Transition) []string {
	switch tr.Kind {
	case presence.Arrived:
		return []string{fmt.Sprintf("Welcome home %s!", tr.Owner)}
	case presence.Departed:
		msgs := []string{fmt.Sprintf("%s has left", tr.Owner)}
		if !tr.Occupied {
			msgs = append(msgs, "There's no-one home")
		}
		return msgs
	}
	return nil
}

type transitionRecorder struct {
	tracker *presence.Tracker
	id      string
	ch      <-chan presence.Transition
}

// subscribeTransitions subscribes before any advertisement is ingested so no
// transition is missed.
func subscribeTransitions(tracker *presence.Tracker) *transitionRecorder {
	id, ch := tracker.Subscribe()
	return &transitionRecorder{tracker: tracker, id: id, ch: ch}
}

// run logs and stores every transition until ctx is done.
func (r *transitionRecorder) run(ctx context.Context, store *db.DB) {
	defer r.tracker.Unsubscribe(r.id)
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-r.ch:
			if !ok {
				return
			}
			for _, msg := range announce(tr) {
				monitoring.Logf("%s", msg)
			}
			if err := store.RecordTransition(tr); err != nil {
				monitoring.Logf("failed to record transition: %v", err)
			}
		}
	}
}

// runPruner deletes sightings older than retention now and on every tick of
// interval until ctx is done.
func runPruner(ctx context.Context, store *db.DB, clock timeutil.Clock, retention, interval time.Duration) {
	prune := func() {
		n, err := store.PruneSightings(clock.Now().Add(-retention))
		if err != nil {
			monitoring.Logf("%v", err)
			return
		}
		if n > 0 {
			monitoring.Logf("pruned %d sightings older than %s", n, retention)
		}
	}

	prune()
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			prune()
		}
	}
}
