package geo

import (
	"fmt"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/ubikampus/ubilocation-client/pkg/core"
)

// FeatureCollection renders a classified marker set as GeoJSON point
// features. Each feature carries its category in the "kind" property.
func FeatureCollection(set core.ClassifiedMarkerSet) (geom.GeoJSONFeatureCollection, error) {
	markers := set.Markers()
	fc := make(geom.GeoJSONFeatureCollection, 0, len(markers))
	for _, m := range markers {
		props := map[string]interface{}{
			"kind": m.Kind.String(),
		}
		if m.Kind == core.KindSelf {
			props["online"] = m.Online
		}
		pt, err := Point(m.Pos)
		if err != nil {
			return nil, fmt.Errorf("%s marker %q: %w", m.Kind, m.ID, err)
		}
		feature := geom.GeoJSONFeature{
			Geometry:   pt.AsGeometry(),
			Properties: props,
		}
		if m.ID != "" {
			feature.ID = m.ID
		}
		fc = append(fc, feature)
	}
	return fc, nil
}
