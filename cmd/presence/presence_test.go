package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/db"
	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/testutil"
	"github.com/banshee-data/presence.report/internal/timeutil"
)

var epoch = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.NewDB(filepath.Join(t.TempDir(), "presence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// logCapture collects monitoring output.
type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (c *logCapture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func quiet(t *testing.T) *logCapture {
	t.Helper()
	c := &logCapture{}
	monitoring.SetLogger(func(format string, v ...interface{}) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.lines = append(c.lines, strings.TrimSpace(fmt.Sprintf(format, v...)))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return c
}

func aliceConfig() *config.PresenceConfig {
	return &config.PresenceConfig{
		Beacons: []config.BeaconConfig{
			{UUID: strings.ToUpper(testutil.SampleUUID), Major: 1, Minor: 2, Owner: "alice"},
			{UUID: testutil.SampleUUID, Major: 1, Minor: 3, Owner: "bob"},
		},
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9000\"\ndb_path: file.db\n"), 0o644))

	oldListen, oldDB, oldBroker := *listen, *dbPath, *mqttBroker
	t.Cleanup(func() { *listen, *dbPath, *mqttBroker = oldListen, oldDB, oldBroker })
	*listen = ":7000"
	*dbPath = "flag.db"
	*mqttBroker = "tcp://broker:1883"

	set := map[string]bool{"db": true, "mqtt": true}
	cfg, err := loadConfig(path, func(name string) bool { return set[name] })
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.GetListen(), "unset flag keeps the file value")
	assert.Equal(t, "flag.db", cfg.GetDBPath())
	assert.Equal(t, "tcp://broker:1883", cfg.GetMQTT().Broker)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", func(string) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, config.DefaultListen, cfg.GetListen())
	assert.Equal(t, config.SourceHCIDump, cfg.GetSource())
}

func TestLoadConfigRejectsInvalidOverride(t *testing.T) {
	old := *source
	t.Cleanup(func() { *source = old })
	*source = "file"

	_, err := loadConfig("", func(name string) bool { return name == "source" })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires source_path")
}

func TestLoadRegistrations(t *testing.T) {
	store := newTestDB(t)
	stored, err := presence.ParseIdentity(testutil.SampleUUID, 7, 7)
	require.NoError(t, err)
	require.NoError(t, store.RegisterBeacon(stored, "carol", epoch.Add(-time.Hour)))

	tracker := presence.NewTracker(presence.DefaultTrackerConfig(), timeutil.NewMockClock(epoch))
	n, err := loadRegistrations(tracker, store, aliceConfig(), epoch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	regs, err := store.Beacons()
	require.NoError(t, err)
	owners := make([]string, 0, len(regs))
	for _, r := range regs {
		owners = append(owners, r.Owner)
	}
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, owners)
}

func TestIngest(t *testing.T) {
	store := newTestDB(t)
	clock := timeutil.NewMockClock(epoch)
	tracker := presence.NewTracker(presence.DefaultTrackerConfig(), clock)
	_, err := loadRegistrations(tracker, store, aliceConfig(), epoch)
	require.NoError(t, err)

	registered := ibeacon.Advertisement{UUID: testutil.SampleUUID, Major: 1, Minor: 2, Power: -59, RSSI: -70}
	stranger := ibeacon.Advertisement{UUID: testutil.SampleUUID, Major: 9, Minor: 9, Power: -59, RSSI: -70}
	ingest(tracker, store, clock, registered)
	ingest(tracker, store, clock, stranger)

	assert.True(t, tracker.Query("alice", epoch))

	id := presence.IdentityOf(registered)
	sightings, err := store.RecentSightings(id, epoch.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, sightings, 1)
	assert.Equal(t, -70, sightings[0].RSSI)

	unknown, err := store.RecentSightings(presence.IdentityOf(stranger), epoch.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, unknown, "unregistered beacons are not stored")
}

func TestAnnounce(t *testing.T) {
	tests := []struct {
		name string
		tr   presence.Transition
		want []string
	}{
		{"arrival", presence.Transition{Kind: presence.Arrived, Owner: "alice", Occupied: true}, []string{"Welcome home alice!"}},
		{"departure others home", presence.Transition{Kind: presence.Departed, Owner: "alice", Occupied: true}, []string{"alice has left"}},
		{"last one out", presence.Transition{Kind: presence.Departed, Owner: "bob"}, []string{"bob has left", "There's no-one home"}},
		{"unknown kind", presence.Transition{Kind: "moved"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, announce(tt.tr)); diff != "" {
				t.Errorf("announce() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSyntheticAdverts(t *testing.T) {
	adverts, err := syntheticAdverts(aliceConfig().Beacons)
	require.NoError(t, err)
	require.Len(t, adverts, 2)
	assert.Equal(t, testutil.SampleUUID, adverts[0].UUID)
	assert.Equal(t, -60, adverts[0].RSSI)
	assert.Equal(t, -65, adverts[1].RSSI)
	require.NotNil(t, adverts[1].BatteryLevel)
	assert.Equal(t, uint8(80), *adverts[1].BatteryLevel)

	_, err = syntheticAdverts([]config.BeaconConfig{{UUID: "bad", Owner: "x"}})
	assert.Error(t, err)
}

// TestDevPipeline runs synthetic radio output through the mux, tracker,
// transition recorder and store, then lets the beacons lapse.
func TestDevPipeline(t *testing.T) {
	logs := quiet(t)
	store := newTestDB(t)
	clock := timeutil.NewMockClock(epoch)
	cfg := aliceConfig()
	tracker := presence.NewTracker(presence.TrackerConfig{Timeout: time.Minute}, clock)
	_, err := loadRegistrations(tracker, store, cfg, epoch)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := subscribeTransitions(tracker)
	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		recorder.run(ctx, store)
	}()

	radio, err := openSyntheticSource(cfg, clock, 10*time.Second)
	require.NoError(t, err)
	defer radio.Close()
	_, adverts := radio.Subscribe()
	go radio.Monitor(ctx)

	clock.Advance(10 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case adv := <-adverts:
			ingest(tracker, store, clock, adv)
		case <-time.After(2 * time.Second):
			t.Fatalf("synthetic advertisement %d never arrived", i)
		}
	}
	assert.True(t, tracker.QueryAnyone(clock.Now()))

	tracker.Sweep(clock.Now().Add(2 * time.Minute))

	require.Eventually(t, func() bool {
		trs, err := store.Transitions("", 10)
		return err == nil && len(trs) == 4
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-recorded

	trs, err := store.Transitions("", 10)
	require.NoError(t, err)
	assert.Equal(t, presence.Departed, trs[0].Kind)
	assert.False(t, trs[0].Occupied, "the last departure empties the house")
	assert.Contains(t, logs.snapshot(), "Welcome home alice!")
	assert.Contains(t, logs.snapshot(), "There's no-one home")
}

func TestRunPruner(t *testing.T) {
	quiet(t)
	store := newTestDB(t)
	clock := timeutil.NewMockClock(epoch)
	adv := ibeacon.Advertisement{UUID: testutil.SampleUUID, Major: 1, Minor: 2, RSSI: -70}
	id := presence.IdentityOf(adv)

	require.NoError(t, store.RecordSighting(adv, epoch.Add(-48*time.Hour)))
	require.NoError(t, store.RecordSighting(adv, epoch.Add(-time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		runPruner(ctx, store, clock, 24*time.Hour, time.Hour)
	}()

	count := func() int {
		s, err := store.RecentSightings(id, time.Unix(0, 0), 100)
		if err != nil {
			return -1
		}
		return len(s)
	}
	require.Eventually(t, func() bool { return count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// the remaining sighting ages out on a later tick
	require.Eventually(t, func() bool {
		clock.Advance(time.Hour)
		return count() == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
