// pkg/core/marker.go
package core

import "fmt"

// MarkerKind is the rendering category of a single map marker.
type MarkerKind uint8

const (
	KindSelf MarkerKind = iota + 1
	KindOnline
	KindOffline
	KindStatic
	KindPin
)

var markerKindNames = map[MarkerKind]string{
	KindSelf:    "self",
	KindOnline:  "online",
	KindOffline: "offline",
	KindStatic:  "static",
	KindPin:     "pin",
}

// String returns the wire name of the kind.
func (k MarkerKind) String() string {
	if name, ok := markerKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the kind by name.
func (k MarkerKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind by name. Unknown names are an error.
func (k *MarkerKind) UnmarshalText(text []byte) error {
	for kind, name := range markerKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown marker kind %q", text)
}

// Marker is a single renderable point, tagged with its category.
// Online only applies to KindSelf; other kinds imply their own state.
type Marker struct {
	Kind   MarkerKind  `json:"kind"`
	ID     string      `json:"id,omitempty"`
	Pos    Coordinates `json:"pos"`
	Online bool        `json:"online,omitempty"`
}

// ClassifiedMarkerSet partitions everything on the map into disjoint
// rendering categories. A set is recomputed in full on every change.
type ClassifiedMarkerSet struct {
	SelfMarker    *BeaconRecord  `json:"selfMarker"`
	OnlineOthers  []BeaconRecord `json:"onlineOthers"`
	OfflineOthers []BeaconRecord `json:"offlineOthers"`
	StaticAnchors []StaticAnchor `json:"staticAnchors"`
	UserPin       *Coordinates   `json:"userPin"`
}

// Markers flattens the set into tagged markers in render order:
// static anchors, offline others, online others, self, pin.
func (s ClassifiedMarkerSet) Markers() []Marker {
	out := make([]Marker, 0, len(s.StaticAnchors)+len(s.OfflineOthers)+len(s.OnlineOthers)+2)
	for _, a := range s.StaticAnchors {
		out = append(out, Marker{Kind: KindStatic, ID: a.ID, Pos: Coordinates{Lat: a.Lat, Lon: a.Lon}})
	}
	for _, b := range s.OfflineOthers {
		out = append(out, Marker{Kind: KindOffline, ID: b.BeaconID, Pos: b.Coordinates()})
	}
	for _, b := range s.OnlineOthers {
		out = append(out, Marker{Kind: KindOnline, ID: b.BeaconID, Pos: b.Coordinates()})
	}
	if s.SelfMarker != nil {
		out = append(out, Marker{Kind: KindSelf, ID: s.SelfMarker.BeaconID, Pos: s.SelfMarker.Coordinates(), Online: s.SelfMarker.Online})
	}
	if s.UserPin != nil {
		out = append(out, Marker{Kind: KindPin, Pos: *s.UserPin})
	}
	return out
}
