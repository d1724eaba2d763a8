package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/ubikampus/ubilocation-client/pkg/core"
)

var (
	// ErrStaleWrite is returned in strict mode for a report older than the stored one.
	ErrStaleWrite = errors.New("stale write rejected")
	// ErrEmptyBeaconID is returned for a report without an identifier.
	ErrEmptyBeaconID = errors.New("empty beacon id")
)

// IngestResult describes what Ingest did with a report.
type IngestResult int

const (
	Rejected IngestResult = iota
	Inserted
	Updated
	// StaleIgnored means the report was older than the stored record and
	// was discarded. It is not a failure.
	StaleIgnored
)

func (r IngestResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case StaleIgnored:
		return "stale_ignored"
	default:
		return "rejected"
	}
}

// Option configures a Registry.
type Option func(*Registry)

// Strict makes out-of-order reports return ErrStaleWrite instead of being
// dropped silently.
func Strict() Option {
	return func(r *Registry) {
		r.strict = true
	}
}

// Registry holds the latest position of every beacon seen on the bus.
// One record per beacon id; a newer report overwrites the previous one.
// All operations are serialized on a single lock, so a snapshot never
// observes a half-applied report.
type Registry struct {
	mu      sync.RWMutex
	records map[string]core.BeaconRecord
	order   []string // first-ingest order, used for snapshots
	selfID  string
	strict  bool
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]core.BeaconRecord),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ingest upserts the record for rep.BeaconID. A report strictly older than
// the stored LastSeen never changes the record.
func (r *Registry) Ingest(rep core.PositionReport) (IngestResult, error) {
	if rep.BeaconID == "" {
		return Rejected, ErrEmptyBeaconID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.records[rep.BeaconID]
	if !ok {
		r.records[rep.BeaconID] = core.BeaconRecord{
			BeaconID: rep.BeaconID,
			Lat:      rep.Lat,
			Lon:      rep.Lon,
			LastSeen: rep.ReceivedAt,
			IsSelf:   rep.BeaconID == r.selfID,
		}
		r.order = append(r.order, rep.BeaconID)
		return Inserted, nil
	}

	if rep.ReceivedAt.Before(prev.LastSeen) {
		if r.strict {
			return StaleIgnored, ErrStaleWrite
		}
		return StaleIgnored, nil
	}

	prev.Lat = rep.Lat
	prev.Lon = rep.Lon
	prev.LastSeen = rep.ReceivedAt
	r.records[rep.BeaconID] = prev
	return Updated, nil
}

// MarkSelf designates id as the local device, clearing any previous
// designation. The id need not be tracked yet; the flag is applied when
// its first report arrives. An empty id clears the designation.
func (r *Registry) MarkSelf(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.records[r.selfID]; ok {
		prev.IsSelf = false
		r.records[r.selfID] = prev
	}
	r.selfID = id
	if rec, ok := r.records[id]; ok {
		rec.IsSelf = true
		r.records[id] = rec
	}
}

// SelfID returns the designated self beacon id, or "".
func (r *Registry) SelfID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfID
}

// Snapshot returns a copy of all records in first-ingest order, each
// annotated Online when now-LastSeen <= staleAfter. Stored state is not
// modified.
func (r *Registry) Snapshot(now time.Time, staleAfter time.Duration) []core.BeaconRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.BeaconRecord, 0, len(r.order))
	for _, id := range r.order {
		rec := r.records[id]
		rec.Online = now.Sub(rec.LastSeen) <= staleAfter
		out = append(out, rec)
	}
	return out
}

// Get returns the stored record for id.
func (r *Registry) Get(id string) (core.BeaconRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Len returns the number of tracked beacons.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// EvictOlderThan permanently removes records whose LastSeen is before
// now-ttl and returns their ids. The self designation survives eviction.
func (r *Registry) EvictOlderThan(now time.Time, ttl time.Duration) []string {
	cutoff := now.Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	kept := r.order[:0]
	for _, id := range r.order {
		if r.records[id].LastSeen.Before(cutoff) {
			delete(r.records, id)
			evicted = append(evicted, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return evicted
}
