package advertmux

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/presence.report/internal/ibeacon"
	"github.com/banshee-data/presence.report/internal/testutil"
)

// drain collects everything buffered on ch without blocking.
func drain(ch chan ibeacon.Advertisement) []ibeacon.Advertisement {
	var out []ibeacon.Advertisement
	for {
		select {
		case a, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, a)
		default:
			return out
		}
	}
}

func TestMonitorDecodesAndFansOut(t *testing.T) {
	text := testutil.DumpText("HCI sniffer", testutil.SampleDump, testutil.ShortDump)
	mux := NewAdvertMux(NewTestableSource(text, false))

	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	err := mux.Monitor(context.Background())
	require.ErrorIs(t, err, ErrSourceClosed)

	for _, ch := range []chan ibeacon.Advertisement{a, b} {
		got := drain(ch)
		require.Len(t, got, 1)
		assert.Equal(t, testutil.SampleUUID, got[0].UUID)
		assert.Equal(t, uint16(1), got[0].Major)
		assert.Equal(t, uint16(2), got[0].Minor)
		assert.Equal(t, -59, got[0].Power)
		assert.Equal(t, -72, got[0].RSSI)
	}

	assert.Equal(t, Stats{
		Lines:   uint64(len(testutil.SampleDump) + len(testutil.ShortDump) + 1),
		Packets: 2,
		Adverts: 1,
	}, mux.Stats())
}

func TestMonitorDiscardsOpenPacketAtEOF(t *testing.T) {
	mux := NewAdvertMux(NewTestableSource(testutil.DumpText("", testutil.SampleDump), false))
	_, ch := mux.Subscribe()

	require.ErrorIs(t, mux.Monitor(context.Background()), ErrSourceClosed)
	assert.Empty(t, drain(ch))
	assert.Equal(t, uint64(0), mux.Stats().Packets)
}

func TestMonitorDropsForSlowSubscribers(t *testing.T) {
	const n = subscriberBuffer + 8
	mux := NewAdvertMux(NewTestableSource(repeatedDumps(n), false))
	_, ch := mux.Subscribe()

	require.ErrorIs(t, mux.Monitor(context.Background()), ErrSourceClosed)

	assert.Len(t, drain(ch), subscriberBuffer)
	stats := mux.Stats()
	assert.Equal(t, uint64(n), stats.Adverts)
	assert.Equal(t, uint64(8), stats.Dropped)
}

func repeatedDumps(n int) string {
	dumps := make([][]string, n)
	for i := range dumps {
		dumps[i] = testutil.SampleDump
	}
	return testutil.DumpText("end", dumps...)
}

func TestMonitorBlockingDeliveryWaitsForSlowSubscriber(t *testing.T) {
	const n = subscriberBuffer*4 + 3
	mux := NewAdvertMux(NewTestableSource(repeatedDumps(n), false), WithBlockingDelivery())
	_, ch := mux.Subscribe()

	got := make(chan int, 1)
	go func() {
		count := 0
		for range ch {
			time.Sleep(time.Millisecond)
			count++
		}
		got <- count
	}()

	require.ErrorIs(t, mux.Monitor(context.Background()), ErrSourceClosed)
	require.NoError(t, mux.Close())

	select {
	case count := <-got:
		assert.Equal(t, n, count)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not finish")
	}
	stats := mux.Stats()
	assert.Equal(t, uint64(n), stats.Adverts)
	assert.Zero(t, stats.Dropped)
}

func TestMonitorBlockingDeliveryReleasedByUnsubscribe(t *testing.T) {
	mux := NewAdvertMux(NewTestableSource(repeatedDumps(subscriberBuffer+5), false), WithBlockingDelivery())
	id, _ := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	// nobody reads, so Monitor parks once the buffer is full
	require.Eventually(t, func() bool {
		return mux.Stats().Adverts > subscriberBuffer
	}, 2*time.Second, time.Millisecond)
	mux.Unsubscribe(id)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSourceClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor stayed blocked after Unsubscribe")
	}
}

func TestMonitorBlockingDeliveryContextCancel(t *testing.T) {
	mux := NewAdvertMux(NewTestableSource(repeatedDumps(subscriberBuffer+5), false), WithBlockingDelivery())
	_, _ = mux.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	require.Eventually(t, func() bool {
		return mux.Stats().Adverts > subscriberBuffer
	}, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor stayed blocked after cancel")
	}
	mux.Close()
}

func TestMonitorContextCancel(t *testing.T) {
	mux := NewAdvertMux(NewTestableSource("", true))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after cancel")
	}
	mux.Close()
}

func TestMonitorLiveLinesAndClose(t *testing.T) {
	src := NewTestableSource("", true)
	mux := NewAdvertMux(src)
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	src.AddLines(testutil.SampleDump...)
	src.AddLines("> 04 0E 04 01 0C 20 00")

	select {
	case adv := <-ch:
		assert.Equal(t, uint16(2), adv.Minor)
	case <-time.After(2 * time.Second):
		t.Fatal("no advertisement delivered")
	}

	require.NoError(t, mux.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not return after Close")
	}

	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed")
	assert.True(t, src.Closed)
}

func TestMonitorReadError(t *testing.T) {
	src := NewTestableSource("", false)
	src.ReadError = errors.New("device unplugged")
	mux := NewAdvertMux(src)

	err := mux.Monitor(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSourceClosed)
	assert.Contains(t, err.Error(), "device unplugged")
}

func TestMonitorLegacyDecoder(t *testing.T) {
	mux := NewAdvertMux(
		NewTestableSource(testutil.DumpText("end", testutil.SampleDump), false),
		WithDecoder(&ibeacon.Decoder{LegacySignedBytes: true}),
	)
	_, ch := mux.Subscribe()
	require.ErrorIs(t, mux.Monitor(context.Background()), ErrSourceClosed)

	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, -72, got[0].RSSI)
}

func TestMonitorRecordsCapture(t *testing.T) {
	var buf bytes.Buffer
	w, err := ibeacon.NewCaptureWriter(&buf)
	require.NoError(t, err)

	text := testutil.DumpText("end", testutil.SampleDump, testutil.ShortDump)
	mux := NewAdvertMux(NewTestableSource(text, false), WithCapture(w))
	require.ErrorIs(t, mux.Monitor(context.Background()), ErrSourceClosed)

	var lens []int
	require.NoError(t, ibeacon.ReadCapture(&buf, func(p ibeacon.Packet) { lens = append(lens, len(p)) }))
	assert.Equal(t, []int{45, 30}, lens)
}

func TestUnsubscribe(t *testing.T) {
	mux := NewAdvertMux(NewTestableSource("", false))
	id, ch := mux.Subscribe()
	mux.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	// unknown IDs are ignored
	mux.Unsubscribe("missing")
}

func TestSubscribeAfterClose(t *testing.T) {
	mux := NewAdvertMux(NewTestableSource("", false))
	require.NoError(t, mux.Close())
	_, ch := mux.Subscribe()
	_, ok := <-ch
	assert.False(t, ok)
}

func TestSubscribeRacingCloseAlwaysClosesChannel(t *testing.T) {
	for range 50 {
		mux := NewAdvertMux(NewTestableSource("", false))

		chans := make(chan chan ibeacon.Advertisement, 8)
		var wg sync.WaitGroup
		for range cap(chans) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ch := mux.Subscribe()
				chans <- ch
			}()
		}
		require.NoError(t, mux.Close())
		wg.Wait()
		close(chans)

		for ch := range chans {
			select {
			case _, ok := <-ch:
				assert.False(t, ok)
			case <-time.After(time.Second):
				t.Fatal("subscriber channel left open after Close")
			}
		}
	}
}

func TestCloseReturnsSourceError(t *testing.T) {
	src := NewTestableSource("", false)
	src.CloseError = errors.New("close failed")
	mux := NewAdvertMux(src)
	assert.EqualError(t, mux.Close(), "close failed")
}
