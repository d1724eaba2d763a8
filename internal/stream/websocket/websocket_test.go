package websocket

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ubikampus/ubilocation-client/pkg/core"
	"github.com/ubikampus/ubilocation-client/pkg/streaming"
)

type messageLog struct {
	mu       sync.Mutex
	messages []streaming.Envelope
	secrets  []string
}

func (m *messageLog) add(env streaming.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, env)
}

func (m *messageLog) all() []streaming.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]streaming.Envelope, len(m.messages))
	copy(cp, m.messages)
	return cp
}

func (m *messageLog) ofType(typ string) []streaming.Envelope {
	var out []streaming.Envelope
	for _, env := range m.all() {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

// testServer records every envelope. When dropFirst is set the first
// connection is closed after its first markers message.
func testServer(t *testing.T, dropFirst bool) (*httptest.Server, *messageLog, *atomic.Int32) {
	t.Helper()
	h, ml, conns := recordingHandler(t, dropFirst)
	return httptest.NewServer(h), ml, conns
}

func recordingHandler(t *testing.T, dropFirst bool) (http.Handler, *messageLog, *atomic.Int32) {
	t.Helper()
	ml := &messageLog{}
	conns := &atomic.Int32{}

	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ml.mu.Lock()
		ml.secrets = append(ml.secrets, r.URL.Query().Get("secret"))
		ml.mu.Unlock()

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer c.Close()
		n := conns.Add(1)

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env streaming.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			ml.add(env)
			if dropFirst && n == 1 && env.Type == streaming.TypeMarkers {
				return
			}
		}
	})
	return h, ml, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func sampleSet(id string) core.ClassifiedMarkerSet {
	return core.ClassifiedMarkerSet{
		OnlineOthers:  []core.BeaconRecord{{BeaconID: id, Lat: 60.2, Lon: 24.9, Online: true}},
		OfflineOthers: []core.BeaconRecord{},
		StaticAnchors: []core.StaticAnchor{{ID: "door", Lat: 60.1, Lon: 24.8}},
	}
}

func TestSink_HelloAndMarkers(t *testing.T) {
	srv, ml, _ := testServer(t, false)
	defer srv.Close()

	s := New(Config{URL: wsURL(srv), Secret: "s3cret", Client: "kiosk"}, nil)
	require.NoError(t, s.Init())
	defer s.Close()
	assert.True(t, s.Connected())

	require.NoError(t, s.Send(sampleSet("b1")))
	require.NoError(t, s.Send(sampleSet("b2")))

	require.Eventually(t, func() bool { return len(ml.ofType(streaming.TypeMarkers)) == 2 }, 2*time.Second, 5*time.Millisecond)

	msgs := ml.all()
	assert.Equal(t, streaming.TypeHello, msgs[0].Type)
	var hello streaming.HelloPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &hello))
	assert.Equal(t, "kiosk", hello.Client)

	markers := ml.ofType(streaming.TypeMarkers)
	var first, second streaming.MarkersPayload
	require.NoError(t, json.Unmarshal(markers[0].Payload, &first))
	require.NoError(t, json.Unmarshal(markers[1].Payload, &second))
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, "b1", first.Set.OnlineOthers[0].BeaconID)
	require.Len(t, first.Markers, 2)
	assert.Equal(t, core.KindStatic, first.Markers[0].Kind)

	ml.mu.Lock()
	assert.Equal(t, "s3cret", ml.secrets[0])
	ml.mu.Unlock()
}

func TestSink_ReconnectReplaysLatest(t *testing.T) {
	srv, ml, conns := testServer(t, true)
	defer srv.Close()

	s := New(Config{URL: wsURL(srv)}, nil)
	s.conn.backoff = 5 * time.Millisecond
	require.NoError(t, s.Init())
	defer s.Close()

	require.NoError(t, s.Send(sampleSet("b1")))

	require.Eventually(t, func() bool { return conns.Load() >= 2 }, 3*time.Second, 5*time.Millisecond)
	// second connection: hello then the replayed set
	require.Eventually(t, func() bool {
		return len(ml.ofType(streaming.TypeHello)) >= 2 && len(ml.ofType(streaming.TypeMarkers)) >= 2
	}, 3*time.Second, 5*time.Millisecond)

	markers := ml.ofType(streaming.TypeMarkers)
	var replayed streaming.MarkersPayload
	require.NoError(t, json.Unmarshal(markers[1].Payload, &replayed))
	assert.Equal(t, uint64(1), replayed.Seq)
	assert.Equal(t, "b1", replayed.Set.OnlineOthers[0].BeaconID)
}

func TestSink_Subscriber(t *testing.T) {
	srv, ml, _ := testServer(t, false)
	defer srv.Close()

	s := New(Config{URL: wsURL(srv)}, nil)
	require.NoError(t, s.Init())
	defer s.Close()

	s.Subscriber()(sampleSet("b3"))
	require.Eventually(t, func() bool { return len(ml.ofType(streaming.TypeMarkers)) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSink_InitFails(t *testing.T) {
	s := New(Config{URL: "ws://127.0.0.1:1/"}, nil)
	assert.Error(t, s.Init())
	assert.False(t, s.Connected())
	require.NoError(t, s.Close())

	s = New(Config{URL: "::bad"}, nil)
	assert.Error(t, s.Init())
	require.NoError(t, s.Close())
}

// reserveAddr returns a free local address with nothing listening on it.
func reserveAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// serveAt starts a recording renderer on addr.
func serveAt(t *testing.T, addr string) *messageLog {
	t.Helper()
	h, ml, _ := recordingHandler(t, false)
	srv := httptest.NewUnstartedServer(h)
	require.NoError(t, srv.Listener.Close())
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	srv.Listener = l
	srv.Start()
	t.Cleanup(srv.Close)
	return ml
}

func TestSink_ConnectsWhenRendererStartsLate(t *testing.T) {
	addr := reserveAddr(t)

	s := New(Config{URL: "ws://" + addr + "/", Client: "kiosk"}, nil)
	s.conn.backoff = 5 * time.Millisecond
	require.Error(t, s.Init())
	defer s.Close()
	assert.False(t, s.Connected())

	require.NoError(t, s.Send(sampleSet("b1")))

	ml := serveAt(t, addr)

	require.Eventually(t, s.Connected, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(ml.ofType(streaming.TypeHello)) >= 1 && len(ml.ofType(streaming.TypeMarkers)) >= 1
	}, 3*time.Second, 5*time.Millisecond)

	msgs := ml.all()
	assert.Equal(t, streaming.TypeHello, msgs[0].Type)
	var replayed streaming.MarkersPayload
	require.NoError(t, json.Unmarshal(ml.ofType(streaming.TypeMarkers)[0].Payload, &replayed))
	assert.Equal(t, "b1", replayed.Set.OnlineOthers[0].BeaconID)
}

func TestSink_KeepsDialingPastMaxReconnect(t *testing.T) {
	addr := reserveAddr(t)

	s := New(Config{URL: "ws://" + addr + "/"}, nil)
	s.conn.backoff = 5 * time.Millisecond
	s.conn.backoffCap = 10 * time.Millisecond
	s.conn.maxReconnect = 2
	require.Error(t, s.Init())
	defer s.Close()

	// well past two attempts at a 10ms cap
	time.Sleep(150 * time.Millisecond)
	assert.False(t, s.Connected())

	serveAt(t, addr)
	require.Eventually(t, s.Connected, 3*time.Second, 5*time.Millisecond)
}

func TestSink_ReconnectSkipsQueuedSets(t *testing.T) {
	addr := reserveAddr(t)

	s := New(Config{URL: "ws://" + addr + "/"}, nil)
	s.conn.backoff = 5 * time.Millisecond
	s.conn.backoffCap = 10 * time.Millisecond
	require.Error(t, s.Init())
	defer s.Close()

	// overflow the send queue while nothing is connected
	const sets = sendChSize + 50
	for i := 0; i < sets; i++ {
		require.NoError(t, s.Send(sampleSet("b1")))
	}

	ml := serveAt(t, addr)
	require.Eventually(t, func() bool { return len(ml.ofType(streaming.TypeMarkers)) >= 1 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	markers := ml.ofType(streaming.TypeMarkers)
	require.Len(t, markers, 1)
	var got streaming.MarkersPayload
	require.NoError(t, json.Unmarshal(markers[0].Payload, &got))
	assert.Equal(t, uint64(sets), got.Seq)
}

func TestSink_CloseIdempotent(t *testing.T) {
	srv, _, _ := testServer(t, false)
	defer srv.Close()

	s := New(Config{URL: wsURL(srv)}, nil)
	require.NoError(t, s.Init())
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.False(t, s.Connected())

	// sending after close only queues; nothing panics
	assert.NoError(t, s.Send(sampleSet("late")))
}
