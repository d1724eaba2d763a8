// Package session holds the caller context supplied to the classifier: the
// self beacon id, the user pin and the static anchors.
package session

import (
	"errors"
	"sync"

	"github.com/ubikampus/ubilocation-client/pkg/core"
)

// ErrBeaconNotTracked is returned when pinning a beacon missing from the snapshot.
var ErrBeaconNotTracked = errors.New("beacon not tracked")

// Context holds the session state of one viewer.
type Context struct {
	mu            sync.RWMutex
	selfID        string
	pin           *core.Coordinates
	anchors       []core.StaticAnchor
	lastKnownSelf *core.BeaconRecord
}

// NewContext creates an empty Context.
func NewContext() *Context {
	return &Context{}
}

// Inputs is a copy of the context taken at one instant.
type Inputs struct {
	SelfID  string
	Anchors []core.StaticAnchor
	Pin     *core.Coordinates
}

// SelfID returns the designated self beacon id
func (c *Context) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// SetSelf changes the self beacon. The remembered last known position is
// dropped when the id changes.
func (c *Context) SetSelf(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.selfID {
		c.lastKnownSelf = nil
	}
	c.selfID = id
}

// Pin returns the user pin, or nil.
func (c *Context) Pin() *core.Coordinates {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyPin(c.pin)
}

// SetPin places the user pin.
func (c *Context) SetPin(pos core.Coordinates) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pin = &pos
}

// ClearPin removes the user pin.
func (c *Context) ClearPin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pin = nil
}

// Anchors returns a copy of the static anchors.
func (c *Context) Anchors() []core.StaticAnchor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]core.StaticAnchor(nil), c.anchors...)
}

// SetAnchors replaces the static anchors.
func (c *Context) SetAnchors(anchors []core.StaticAnchor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchors = append([]core.StaticAnchor(nil), anchors...)
}

// PinBeaconAsStatic copies the current position of beacon id into the
// static anchors, replacing an anchor with the same id.
func (c *Context) PinBeaconAsStatic(snapshot []core.BeaconRecord, id string) (core.StaticAnchor, error) {
	for _, rec := range snapshot {
		if rec.BeaconID != id {
			continue
		}
		anchor := core.StaticAnchor{ID: rec.BeaconID, Lat: rec.Lat, Lon: rec.Lon}

		c.mu.Lock()
		defer c.mu.Unlock()
		for i := range c.anchors {
			if c.anchors[i].ID == id {
				c.anchors[i] = anchor
				return anchor, nil
			}
		}
		c.anchors = append(c.anchors, anchor)
		return anchor, nil
	}
	return core.StaticAnchor{}, ErrBeaconNotTracked
}

// ClearStatic removes every static anchor.
func (c *Context) ClearStatic() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchors = nil
}

// Observe remembers the self beacon's record from snapshot and returns the
// records to classify. When the self beacon is no longer in the snapshot,
// its last known record is appended flagged offline.
func (c *Context) Observe(snapshot []core.BeaconRecord) ([]core.BeaconRecord, Inputs) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := Inputs{
		SelfID:  c.selfID,
		Anchors: append([]core.StaticAnchor(nil), c.anchors...),
		Pin:     copyPin(c.pin),
	}
	if c.selfID == "" {
		return snapshot, in
	}

	for _, rec := range snapshot {
		if rec.BeaconID == c.selfID {
			last := rec
			c.lastKnownSelf = &last
			return snapshot, in
		}
	}

	if c.lastKnownSelf == nil {
		return snapshot, in
	}
	last := *c.lastKnownSelf
	last.Online = false
	out := make([]core.BeaconRecord, 0, len(snapshot)+1)
	out = append(out, snapshot...)
	return append(out, last), in
}

// LastKnownSelf returns the last observed record of the self beacon.
func (c *Context) LastKnownSelf() (core.BeaconRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastKnownSelf == nil {
		return core.BeaconRecord{}, false
	}
	return *c.lastKnownSelf, true
}

func copyPin(p *core.Coordinates) *core.Coordinates {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
