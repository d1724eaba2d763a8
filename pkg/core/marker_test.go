package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerKind_String(t *testing.T) {
	assert.Equal(t, "self", KindSelf.String())
	assert.Equal(t, "online", KindOnline.String())
	assert.Equal(t, "offline", KindOffline.String())
	assert.Equal(t, "static", KindStatic.String())
	assert.Equal(t, "pin", KindPin.String())
	assert.Equal(t, "unknown", MarkerKind(0).String())
}

func TestMarkers_RenderOrder(t *testing.T) {
	now := time.Unix(100, 0)
	set := ClassifiedMarkerSet{
		SelfMarker:    &BeaconRecord{BeaconID: "me", Lat: 1, Lon: 1, LastSeen: now, IsSelf: true, Online: true},
		OnlineOthers:  []BeaconRecord{{BeaconID: "b2", Lat: 2, Lon: 2, Online: true}},
		OfflineOthers: []BeaconRecord{{BeaconID: "b3", Lat: 3, Lon: 3}},
		StaticAnchors: []StaticAnchor{{ID: "pi-1", Lat: 4, Lon: 4}},
		UserPin:       &Coordinates{Lat: 5, Lon: 5},
	}

	markers := set.Markers()
	require.Len(t, markers, 5)

	kinds := make([]MarkerKind, len(markers))
	for i, m := range markers {
		kinds[i] = m.Kind
	}
	assert.Equal(t, []MarkerKind{KindStatic, KindOffline, KindOnline, KindSelf, KindPin}, kinds)
	assert.True(t, markers[3].Online)
	assert.Equal(t, "me", markers[3].ID)
}

func TestMarkers_Empty(t *testing.T) {
	assert.Empty(t, ClassifiedMarkerSet{}.Markers())
}

func TestMarker_JSONKindByName(t *testing.T) {
	data, err := json.Marshal(Marker{Kind: KindOffline, ID: "b1", Pos: Coordinates{Lat: 60.2, Lon: 24.9}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"offline","id":"b1","pos":{"lat":60.2,"lon":24.9}}`, string(data))
}

func TestMarker_JSONRoundTrip(t *testing.T) {
	want := ClassifiedMarkerSet{
		SelfMarker:   &BeaconRecord{BeaconID: "me", Lat: 60.1, Lon: 24.1, Online: true},
		OnlineOthers: []BeaconRecord{{BeaconID: "b2", Lat: 60.2, Lon: 24.2, Online: true}},
		UserPin:      &Coordinates{Lat: 60.3, Lon: 24.3},
	}.Markers()

	data, err := json.Marshal(want)
	require.NoError(t, err)

	var got []Marker
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, want, got)
}

func TestMarkerKind_UnmarshalText(t *testing.T) {
	for kind, name := range markerKindNames {
		var k MarkerKind
		require.NoError(t, k.UnmarshalText([]byte(name)))
		assert.Equal(t, kind, k)
	}

	var k MarkerKind
	err := json.Unmarshal([]byte(`"anchor"`), &k)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown marker kind "anchor"`)
	assert.Equal(t, MarkerKind(0), k)

	assert.Error(t, k.UnmarshalText([]byte("unknown")))
}
