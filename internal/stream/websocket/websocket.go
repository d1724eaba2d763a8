// Package websocket pushes every recomputed marker set to an external
// renderer over a WebSocket, fire-and-forget.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ubikampus/ubilocation-client/pkg/core"
	"github.com/ubikampus/ubilocation-client/pkg/streaming"
)

// Config holds renderer stream configuration.
type Config struct {
	URL    string
	Secret string
	Client string // reported in the hello message
}

// Sink streams marker sets to the renderer.
type Sink struct {
	conn *connection
	cfg  Config
	seq  atomic.Uint64
}

// New creates a new renderer sink.
func New(cfg Config, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Client == "" {
		cfg.Client = "ubilocation"
	}
	return &Sink{
		conn: newConnection(logger.With("component", "stream")),
		cfg:  cfg,
	}
}

// Init connects to the renderer.
func (s *Sink) Init() error {
	hello, err := marshalEnvelope(streaming.TypeHello, streaming.HelloPayload{Client: s.cfg.Client})
	if err != nil {
		return err
	}
	return s.conn.dial(s.cfg.URL, s.cfg.Secret, hello)
}

// Close disconnects from the renderer.
func (s *Sink) Close() error {
	return s.conn.close()
}

// Connected reports whether the renderer link is up.
func (s *Sink) Connected() bool {
	return s.conn.connected()
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env := streaming.Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Send queues set for the renderer.
func (s *Sink) Send(set core.ClassifiedMarkerSet) error {
	data, err := marshalEnvelope(streaming.TypeMarkers, streaming.MarkersPayload{
		Seq:     s.seq.Add(1),
		Set:     set,
		Markers: set.Markers(),
	})
	if err != nil {
		return err
	}
	s.conn.send(data)
	return nil
}

// Subscriber adapts Send to a marker set callback, logging failures.
func (s *Sink) Subscriber() func(core.ClassifiedMarkerSet) {
	return func(set core.ClassifiedMarkerSet) {
		if err := s.Send(set); err != nil {
			s.conn.logger.Warn("Failed to stream marker set", "error", err)
		}
	}
}
