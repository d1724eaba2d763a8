package generator

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ubikampus/ubilocation-client/internal/decoder"
	"github.com/ubikampus/ubilocation-client/internal/geo"
	"github.com/ubikampus/ubilocation-client/pkg/core"
)

var kumpula = core.Coordinates{Lat: 60.2046657, Lon: 24.9621132}

func testConfig() Config {
	return Config{Beacons: 3, Seed: 42, Origin: kumpula, StepMeters: 2}
}

func TestSequence_Deterministic(t *testing.T) {
	a := NewSequence(testConfig())
	b := NewSequence(testConfig())

	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}

func TestSequence_PlausibleWalk(t *testing.T) {
	seq := NewSequence(testConfig())

	prev := seq.Next()
	require.Len(t, prev, 3)
	assert.Equal(t, "beacon-1", prev[0].BeaconID)
	assert.Equal(t, "beacon-3", prev[2].BeaconID)

	for i := 0; i < 100; i++ {
		next := seq.Next()
		for j, r := range next {
			require.NoError(t, geo.Validate(r.Coordinates()))
			assert.True(t, r.ReceivedAt.IsZero())
			// a 2 m step moves well under 1e-4 degrees
			assert.InDelta(t, prev[j].Lat, r.Lat, 1e-4)
			assert.InDelta(t, prev[j].Lon, r.Lon, 2e-4)
		}
		prev = next
	}
	for _, r := range prev {
		assert.InDelta(t, kumpula.Lat, r.Lat, 0.01)
		assert.InDelta(t, kumpula.Lon, r.Lon, 0.02)
	}
}

func TestSequence_Defaults(t *testing.T) {
	seq := NewSequence(Config{Origin: kumpula, IDPrefix: "demo-"})
	reports := seq.Next()
	require.Len(t, reports, 1)
	assert.Equal(t, "demo-1", reports[0].BeaconID)
}

func TestGenerator_PayloadDecodesLikeBusTraffic(t *testing.T) {
	now := time.Unix(500, 0)
	dec := decoder.New(decoder.JSON, decoder.WithClock(func() time.Time { return now }))
	g := New(testConfig(), dec, nil)

	payload, err := g.Payload()
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "timestamp")

	reports, errs := dec.DecodeBatch(payload)
	assert.Empty(t, errs)
	require.Len(t, reports, 3)
	for _, r := range reports {
		assert.Equal(t, now, r.ReceivedAt)
	}
}

func TestGenerator_CBORPayload(t *testing.T) {
	dec := decoder.New(decoder.CBOR)
	g := New(testConfig(), dec, nil)

	payload, err := g.Payload()
	require.NoError(t, err)

	reports, errs := dec.DecodeBatch(payload)
	assert.Empty(t, errs)
	assert.Len(t, reports, 3)
}

func TestGenerator_InvalidInterval(t *testing.T) {
	g := New(testConfig(), decoder.New(nil), nil)

	_, err := g.Start(0, func([]byte) {})
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestGenerator_Emits(t *testing.T) {
	g := New(testConfig(), decoder.New(nil), nil)
	got := make(chan []byte, 16)

	h, err := g.Start(5*time.Millisecond, func(p []byte) {
		select {
		case got <- p:
		default:
		}
	})
	require.NoError(t, err)
	defer h.Stop()

	select {
	case p := <-got:
		assert.NotEmpty(t, p)
	case <-time.After(2 * time.Second):
		t.Fatal("no payload emitted")
	}
}

func TestGenerator_NoReportAfterStop(t *testing.T) {
	g := New(testConfig(), decoder.New(nil), nil)
	var stopped atomic.Bool
	var late atomic.Int32
	var calls atomic.Int32

	h, err := g.Start(time.Millisecond, func([]byte) {
		calls.Add(1)
		if stopped.Load() {
			late.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, time.Millisecond)

	h.Stop()
	stopped.Store(true)
	before := calls.Load()

	// observation window after Stop returned
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(0), late.Load())
	assert.Equal(t, before, calls.Load())

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("timer goroutine did not exit")
	}
}

func TestHandle_StopIdempotent(t *testing.T) {
	g := New(testConfig(), decoder.New(nil), nil)
	h, err := g.Start(time.Hour, func([]byte) {})
	require.NoError(t, err)

	h.Stop()
	assert.NotPanics(t, h.Stop)
	<-h.Done()
}
