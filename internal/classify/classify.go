// Package classify partitions a registry snapshot into rendering categories.
package classify

import "github.com/ubikampus/ubilocation-client/pkg/core"

// Classify splits records into the self marker, online others and offline
// others, and carries anchors and pin through unchanged.
//
// selfID decides which record is the self marker; the IsSelf flag on the
// records is ignored. Online state is taken from the snapshot annotation, so
// Classify does no time math. Input order is kept within each list.
func Classify(records []core.BeaconRecord, selfID string, anchors []core.StaticAnchor, pin *core.Coordinates) core.ClassifiedMarkerSet {
	set := core.ClassifiedMarkerSet{
		OnlineOthers:  make([]core.BeaconRecord, 0, len(records)),
		OfflineOthers: make([]core.BeaconRecord, 0),
		StaticAnchors: append([]core.StaticAnchor(nil), anchors...),
	}
	if set.StaticAnchors == nil {
		set.StaticAnchors = []core.StaticAnchor{}
	}

	for _, rec := range records {
		if selfID != "" && rec.BeaconID == selfID && set.SelfMarker == nil {
			self := rec
			self.IsSelf = true
			set.SelfMarker = &self
			continue
		}
		rec.IsSelf = false
		if rec.Online {
			set.OnlineOthers = append(set.OnlineOthers, rec)
		} else {
			set.OfflineOthers = append(set.OfflineOthers, rec)
		}
	}

	if pin != nil {
		p := *pin
		set.UserPin = &p
	}
	return set
}
