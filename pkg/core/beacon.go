// pkg/core/beacon.go
package core

import "time"

// Coordinates is a WGS84 geographic position.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PositionReport is one decoded location update for a beacon.
// Values are never modified after construction.
type PositionReport struct {
	BeaconID   string    `json:"beaconId"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Coordinates returns the report position.
func (r PositionReport) Coordinates() Coordinates {
	return Coordinates{Lat: r.Lat, Lon: r.Lon}
}

// BeaconRecord is the latest known state of a tracked beacon.
// Online is only meaningful on records returned from a registry snapshot.
type BeaconRecord struct {
	BeaconID string    `json:"beaconId"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	LastSeen time.Time `json:"lastSeen"`
	IsSelf   bool      `json:"isSelf"`
	Online   bool      `json:"online"`
}

// Coordinates returns the record position.
func (b BeaconRecord) Coordinates() Coordinates {
	return Coordinates{Lat: b.Lat, Lon: b.Lon}
}

// StaticAnchor is an administrator-placed reference point. Anchors are
// never subject to staleness.
type StaticAnchor struct {
	ID  string  `json:"id"`
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}
