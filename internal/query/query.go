// Package query decodes the map's initial state from a URL query string and
// builds share links for a location.
package query

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/ubikampus/ubilocation-client/internal/geo"
	"github.com/ubikampus/ubilocation-client/pkg/core"
)

// Campus center used when the query does not carry a location.
var DefaultCenter = core.Coordinates{Lat: 60.2046657, Lon: 24.9621132}

const (
	DefaultZoom = 17
	// TrackedZoom is used when the page opens on a shared location.
	TrackedZoom = 18
)

// ErrInvalidQuery is returned for a query with unusable lat/lon values.
var ErrInvalidQuery = errors.New("invalid location query")

// InitialState is the decoded query string.
type InitialState struct {
	Location *core.Coordinates
	Host     string
	Topic    string
}

// Parse decodes the lat, lon, host and topic fields of rawQuery. A leading
// '?' is accepted. Location is set only when lat and lon are both present.
// On ErrInvalidQuery the returned state still carries host and topic.
func Parse(rawQuery string) (InitialState, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
	if err != nil {
		return InitialState{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	state := InitialState{
		Host:  strings.TrimSpace(values.Get("host")),
		Topic: strings.TrimSpace(values.Get("topic")),
	}

	lat, lon := values.Get("lat"), values.Get("lon")
	if lat == "" || lon == "" {
		return state, nil
	}
	pos, err := geo.ParseLatLon(lat, lon)
	if err != nil {
		return state, fmt.Errorf("%w: lat=%q lon=%q", ErrInvalidQuery, lat, lon)
	}
	state.Location = &pos
	return state, nil
}

// FromQuery reports whether the state carries a location.
func (s InitialState) FromQuery() bool {
	return s.Location != nil
}

// Center returns the initial map center.
func (s InitialState) Center() core.Coordinates {
	if s.Location != nil {
		return *s.Location
	}
	return DefaultCenter
}

// Zoom returns the initial zoom level.
func (s InitialState) Zoom() int {
	if s.FromQuery() {
		return TrackedZoom
	}
	return DefaultZoom
}

// PinVisible reports whether the shared location is shown as a pin.
func (s InitialState) PinVisible() bool {
	return s.FromQuery()
}

// BrokerURL returns the host override or def.
func (s InitialState) BrokerURL(def string) string {
	if s.Host != "" {
		return s.Host
	}
	return def
}

// TopicSuffix returns the topic override or def.
func (s InitialState) TopicSuffix(def string) string {
	if s.Topic != "" {
		return s.Topic
	}
	return def
}

// View is the JSON form of the derived initial state.
type View struct {
	Center     core.Coordinates `json:"center"`
	Zoom       int              `json:"zoom"`
	PinVisible bool             `json:"pinVisible"`
	Host       string           `json:"host,omitempty"`
	Topic      string           `json:"topic,omitempty"`
}

// View returns the derived initial state.
func (s InitialState) View() View {
	return View{
		Center:     s.Center(),
		Zoom:       s.Zoom(),
		PinVisible: s.PinVisible(),
		Host:       s.Host,
		Topic:      s.Topic,
	}
}

// URLForLocation builds a share link on base pointing at lat/lon. The host
// and topic of the current state are kept so the recipient watches the same
// bus.
func URLForLocation(base string, state InitialState, lon, lat float64) (string, error) {
	if err := geo.Validate(core.Coordinates{Lat: lat, Lon: lon}); err != nil {
		return "", err
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid share base URL: %w", err)
	}

	q := url.Values{}
	if state.Host != "" {
		q.Set("host", state.Host)
	}
	if state.Topic != "" {
		q.Set("topic", state.Topic)
	}
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// QRCode renders content as a PNG of size x size pixels.
func QRCode(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr code: %w", err)
	}
	return png, nil
}
