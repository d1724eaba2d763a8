package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ubikampus/ubilocation-client/internal/anchors"
	"github.com/ubikampus/ubilocation-client/internal/decoder"
	"github.com/ubikampus/ubilocation-client/internal/pipeline"
	"github.com/ubikampus/ubilocation-client/internal/query"
	"github.com/ubikampus/ubilocation-client/internal/registry"
	"github.com/ubikampus/ubilocation-client/internal/session"
	"github.com/ubikampus/ubilocation-client/internal/signer"
	"github.com/ubikampus/ubilocation-client/pkg/core"
)

type stubSigner struct{}

func (stubSigner) Sign(_ context.Context, token, message string) (signer.SignedMessage, error) {
	if token != "admin" {
		return signer.SignedMessage{}, signer.ErrUnauthorized
	}
	return signer.SignedMessage{Message: message, Signature: "sig"}, nil
}

type fixture struct {
	srv       *httptest.Server
	pipeline  *pipeline.Pipeline
	collector *Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	p, err := pipeline.New(pipeline.Config{StaleAfter: 30 * time.Second, Now: clock},
		decoder.New(decoder.JSON, decoder.WithClock(clock)), registry.New(), session.NewContext(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	collector, err := NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)

	svc := anchors.NewService(anchors.Dependencies{
		Store:    anchors.NewMemoryStore(),
		Signer:   stubSigner{},
		OnChange: p.SetAnchors,
	})

	srv := httptest.NewServer(New(Dependencies{
		Pipeline:     p,
		Anchors:      svc,
		Collector:    collector,
		ShareBaseURL: "https://map.example.org/",
	}))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, pipeline: p, collector: collector}
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) markers(t *testing.T) core.ClassifiedMarkerSet {
	t.Helper()
	resp := f.do(t, http.MethodGet, "/api/markers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var set core.ClassifiedMarkerSet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	return set
}

func TestMarkers(t *testing.T) {
	f := newFixture(t)

	set := f.markers(t)
	assert.Nil(t, set.SelfMarker)
	assert.Empty(t, set.OnlineOthers)

	f.pipeline.HandlePayload([]byte(`[{"beaconId":"a","lat":60.2,"lon":24.9},{"beaconId":"b","lat":60.3,"lon":24.8}]`))
	require.Eventually(t, func() bool {
		return len(f.pipeline.Current().OnlineOthers) == 2
	}, 2*time.Second, 10*time.Millisecond)

	resp := f.do(t, http.MethodPost, "/api/self", `{"beaconId":"a"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool {
		return f.pipeline.Current().SelfMarker != nil
	}, 2*time.Second, 10*time.Millisecond)

	set = f.markers(t)
	require.NotNil(t, set.SelfMarker)
	assert.Equal(t, "a", set.SelfMarker.BeaconID)
	require.Len(t, set.OnlineOthers, 1)
	assert.Equal(t, "b", set.OnlineOthers[0].BeaconID)
}

func TestMarkersGeoJSON(t *testing.T) {
	f := newFixture(t)
	f.pipeline.HandlePayload([]byte(`{"beaconId":"a","lat":60.2,"lon":24.9}`))
	require.Eventually(t, func() bool {
		return len(f.pipeline.Current().OnlineOthers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp := f.do(t, http.MethodGet, "/api/markers.geojson", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/geo+json", resp.Header.Get("Content-Type"))

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			ID       string         `json:"id"`
			Geometry map[string]any `json:"geometry"`
		} `json:"features"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 1)
	assert.Equal(t, "a", doc.Features[0].ID)
	assert.Equal(t, "Point", doc.Features[0].Geometry["type"])
}

func TestInitialState(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/initial-state?lat=60.1&lon=24.5&topic=demo", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view query.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, core.Coordinates{Lat: 60.1, Lon: 24.5}, view.Center)
	assert.Equal(t, query.TrackedZoom, view.Zoom)
	assert.True(t, view.PinVisible)
	assert.Equal(t, "demo", view.Topic)

	resp = f.do(t, http.MethodGet, "/api/initial-state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, query.DefaultCenter, view.Center)
	assert.False(t, view.PinVisible)

	resp = f.do(t, http.MethodGet, "/api/initial-state?lat=north&lon=24.5", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShare(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/share?lat=60.1&lon=24.5&host=wss://bus.example.org", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body shareResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "https://map.example.org/?host=wss%3A%2F%2Fbus.example.org&lat=60.1&lon=24.5", body.URL)

	resp = f.do(t, http.MethodGet, "/api/share", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestShareQR(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/share/qr?lat=60.1&lon=24.5&size=128", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("X-Share-URL"), "lat=60.1")

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 128, img.Bounds().Dx())

	resp = f.do(t, http.MethodGet, "/api/share/qr?lat=60.1&lon=24.5&size=big", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/api/share/qr?lat=95&lon=24.5", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPin(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/pin", `{"lat":60.2,"lon":24.9}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool {
		return f.pipeline.Current().UserPin != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, core.Coordinates{Lat: 60.2, Lon: 24.9}, *f.markers(t).UserPin)

	resp = f.do(t, http.MethodPost, "/api/pin", `{"lat":91,"lon":24.9}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/pin", `{"lat":60.2}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/api/pin", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/api/pin", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool {
		return f.pipeline.Current().UserPin == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatic(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/static", `{"beaconId":"a"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.pipeline.HandlePayload([]byte(`{"beaconId":"a","lat":60.2,"lon":24.9}`))
	require.Eventually(t, func() bool {
		return f.pipeline.Registry().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodPost, "/api/static", `{"beaconId":"a"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var anchor core.StaticAnchor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&anchor))
	assert.Equal(t, core.StaticAnchor{ID: "a", Lat: 60.2, Lon: 24.9}, anchor)
	require.Eventually(t, func() bool {
		return len(f.pipeline.Current().StaticAnchors) == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodDelete, "/api/static", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Eventually(t, func() bool {
		return len(f.pipeline.Current().StaticAnchors) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAnchors(t *testing.T) {
	f := newFixture(t)
	body := `[{"id":"entrance","lat":60.2046,"lon":24.9621}]`

	resp := f.do(t, http.MethodPost, "/api/anchors", body)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/anchors", `[{"id":"","lat":60,"lon":24}]`, "Authorization", "Bearer admin")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/anchors", body, "Authorization", "Bearer admin")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var signed signer.SignedMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&signed))
	assert.Equal(t, "sig", signed.Signature)
	assert.JSONEq(t, body, signed.Message)

	resp = f.do(t, http.MethodGet, "/api/anchors", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []core.StaticAnchor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []core.StaticAnchor{{ID: "entrance", Lat: 60.2046, Lon: 24.9621}}, list)

	require.Eventually(t, func() bool {
		return len(f.pipeline.Current().StaticAnchors) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAnchorsDisabled(t *testing.T) {
	p, err := pipeline.New(pipeline.Config{}, decoder.New(decoder.JSON), registry.New(), session.NewContext(), nil)
	require.NoError(t, err)
	defer p.Close()

	srv := httptest.NewServer(New(Dependencies{Pipeline: p}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/anchors")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusNotFound, metrics.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, healthResponse{Status: "ok", Mode: "idle"}, health)

	// The counter is bumped after the response is written.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.collector.Requests.WithLabelValues("/healthz", "200")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.collector.SetBeacons(3, 2)
	resp = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ubilocation_beacons_tracked 3")
	assert.Contains(t, buf.String(), "ubilocation_beacons_online 2")
	assert.Contains(t, buf.String(), `ubilocation_http_requests_total{code="200",path="/healthz"} 1`)
}

type fakeStream struct{ up atomic.Bool }

func (f *fakeStream) Connected() bool { return f.up.Load() }

func TestHealthReportsStream(t *testing.T) {
	p, err := pipeline.New(pipeline.Config{}, decoder.New(decoder.JSON), registry.New(), session.NewContext(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	stream := &fakeStream{}
	srv := httptest.NewServer(New(Dependencies{Pipeline: p, Stream: stream}))
	t.Cleanup(srv.Close)

	health := func() healthResponse {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		var h healthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		return h
	}

	assert.Equal(t, "disconnected", health().Stream)
	stream.up.Store(true)
	assert.Equal(t, "connected", health().Stream)
}

func TestNewCollectorReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	require.NoError(t, err)
	second, err := NewCollector(reg)
	require.NoError(t, err)

	first.SetBeacons(5, 1)
	assert.Equal(t, 5.0, testutil.ToFloat64(second.BeaconsTracked))

	var nilCollector *Collector
	assert.NotPanics(t, func() { nilCollector.SetBeacons(1, 1) })
}
