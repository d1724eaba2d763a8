package streaming

import (
	"encoding/json"

	"github.com/ubikampus/ubilocation-client/pkg/core"
)

// Message type constants of the renderer protocol.
const (
	TypeHello   = "hello"
	TypeMarkers = "markers"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HelloPayload is sent once per (re)connect.
type HelloPayload struct {
	Client string `json:"client"`
}

// MarkersPayload carries one recomputed marker set. Seq increases by one
// per set so a renderer can spot drops. After a reconnect only the latest
// set is resent; sets that were queued while the link was down are skipped.
type MarkersPayload struct {
	Seq     uint64                   `json:"seq"`
	Set     core.ClassifiedMarkerSet `json:"set"`
	Markers []core.Marker            `json:"markers"`
}
