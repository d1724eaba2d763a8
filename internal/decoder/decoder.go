package decoder

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/ubikampus/ubilocation-client/internal/geo"
	"github.com/ubikampus/ubilocation-client/pkg/core"
)

// Wire field names.
const (
	FieldPayload   = "payload"
	FieldBeaconID  = "beaconId"
	FieldLat       = "lat"
	FieldLon       = "lon"
	FieldTimestamp = "timestamp"
)

// wireReport is the outbound shape of a location message. Indoor x/y
// coordinates may also appear on the bus; they are accepted and ignored.
type wireReport struct {
	BeaconID  string  `json:"beaconId" cbor:"beaconId"`
	Lat       float64 `json:"lat" cbor:"lat"`
	Lon       float64 `json:"lon" cbor:"lon"`
	Timestamp int64   `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

// Decoder turns raw bus payloads into position reports.
// It holds no mutable state and is safe for concurrent use.
type Decoder struct {
	codec   Codec
	now     func() time.Time
	maxSkew time.Duration
}

// DefaultMaxSkew is how far past the decoder clock a wire timestamp may lie.
const DefaultMaxSkew = 5 * time.Second

// int64 bounds as float64; 2^63 itself does not fit.
const (
	minMillis = -(1 << 63)
	maxMillis = 1 << 63
)

// Option configures a Decoder.
type Option func(*Decoder)

// WithClock overrides the clock used to stamp ReceivedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		d.now = now
	}
}

// WithMaxSkew bounds how far ahead of the clock a wire timestamp may be.
// Non-positive values keep DefaultMaxSkew.
func WithMaxSkew(skew time.Duration) Option {
	return func(d *Decoder) {
		if skew > 0 {
			d.maxSkew = skew
		}
	}
}

// New creates a decoder for the given codec. A nil codec means JSON.
func New(codec Codec, opts ...Option) *Decoder {
	if codec == nil {
		codec = JSON
	}
	d := &Decoder{codec: codec, now: time.Now, maxSkew: DefaultMaxSkew}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Codec returns the codec in use.
func (d *Decoder) Codec() Codec {
	return d.codec
}

// Decode parses a payload holding exactly one location object.
func (d *Decoder) Decode(raw []byte) (core.PositionReport, error) {
	var obj map[string]any
	if err := d.codec.Unmarshal(raw, &obj); err != nil {
		return core.PositionReport{}, &DecodeError{Field: FieldPayload, Err: ErrMalformed, Detail: err.Error()}
	}
	if obj == nil {
		return core.PositionReport{}, &DecodeError{Field: FieldPayload, Err: ErrMalformed, Detail: "expected object"}
	}
	return d.fromFields(obj, d.now())
}

// DecodeBatch parses a payload holding either one location object or an
// array of them. Invalid elements are dropped individually; their errors
// are returned alongside the valid reports, which keep payload order.
func (d *Decoder) DecodeBatch(raw []byte) ([]core.PositionReport, []error) {
	var v any
	if err := d.codec.Unmarshal(raw, &v); err != nil {
		return nil, []error{&DecodeError{Field: FieldPayload, Err: ErrMalformed, Detail: err.Error()}}
	}

	receivedAt := d.now()

	switch t := v.(type) {
	case map[string]any:
		r, err := d.fromFields(t, receivedAt)
		if err != nil {
			return nil, []error{err}
		}
		return []core.PositionReport{r}, nil
	case []any:
		reports := make([]core.PositionReport, 0, len(t))
		var errs []error
		for i, elem := range t {
			obj, ok := elem.(map[string]any)
			if !ok {
				errs = append(errs, &DecodeError{Field: FieldPayload, Err: ErrMalformed, Detail: fmt.Sprintf("element %d is not an object", i)})
				continue
			}
			r, err := d.fromFields(obj, receivedAt)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			reports = append(reports, r)
		}
		return reports, errs
	default:
		return nil, []error{&DecodeError{Field: FieldPayload, Err: ErrMalformed, Detail: "expected object or array"}}
	}
}

// EncodeBatch serializes reports as a single array payload.
func (d *Decoder) EncodeBatch(rs []core.PositionReport) ([]byte, error) {
	out := make([]wireReport, len(rs))
	for i, r := range rs {
		out[i] = toWire(r)
	}
	data, err := d.codec.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return data, nil
}

func toWire(r core.PositionReport) wireReport {
	w := wireReport{BeaconID: r.BeaconID, Lat: r.Lat, Lon: r.Lon}
	if !r.ReceivedAt.IsZero() {
		w.Timestamp = r.ReceivedAt.UnixMilli()
	}
	return w
}

func (d *Decoder) fromFields(obj map[string]any, receivedAt time.Time) (core.PositionReport, error) {
	var r core.PositionReport

	// beaconId
	rawID, ok := obj[FieldBeaconID]
	if !ok || rawID == nil {
		return r, &DecodeError{Field: FieldBeaconID, Err: ErrMissingField}
	}
	id, ok := rawID.(string)
	if !ok {
		return r, &DecodeError{Field: FieldBeaconID, Err: ErrInvalidField, Detail: "not a string"}
	}
	if id == "" {
		return r, &DecodeError{Field: FieldBeaconID, Err: ErrInvalidField, Detail: "empty"}
	}

	// lat
	lat, err := numberField(obj, FieldLat)
	if err != nil {
		return r, err
	}
	if !geo.ValidLatitude(lat) {
		return r, &DecodeError{Field: FieldLat, Err: ErrInvalidField, Detail: "out of range -90..90"}
	}

	// lon
	lon, err := numberField(obj, FieldLon)
	if err != nil {
		return r, err
	}
	if !geo.ValidLongitude(lon) {
		return r, &DecodeError{Field: FieldLon, Err: ErrInvalidField, Detail: "out of range -180..180"}
	}

	// timestamp (optional, unix millis)
	if rawTS, ok := obj[FieldTimestamp]; ok && rawTS != nil {
		ms, ok := toFloat(rawTS)
		if !ok || ms != math.Trunc(ms) {
			return r, &DecodeError{Field: FieldTimestamp, Err: ErrInvalidField, Detail: "not integer milliseconds"}
		}
		if ms < minMillis || ms >= maxMillis {
			return r, &DecodeError{Field: FieldTimestamp, Err: ErrInvalidField, Detail: "out of range"}
		}
		ts := time.UnixMilli(int64(ms))
		if ts.After(receivedAt.Add(d.maxSkew)) {
			return r, &DecodeError{Field: FieldTimestamp, Err: ErrInvalidField, Detail: fmt.Sprintf("more than %s in the future", d.maxSkew)}
		}
		receivedAt = ts
	}

	return core.PositionReport{
		BeaconID:   id,
		Lat:        lat,
		Lon:        lon,
		ReceivedAt: receivedAt,
	}, nil
}

func numberField(obj map[string]any, field string) (float64, error) {
	raw, ok := obj[field]
	if !ok || raw == nil {
		return 0, &DecodeError{Field: field, Err: ErrMissingField}
	}
	f, ok := toFloat(raw)
	if !ok {
		return 0, &DecodeError{Field: field, Err: ErrInvalidField, Detail: "not a number"}
	}
	return f, nil
}

// toFloat accepts the numeric types produced by the JSON and CBOR decoders.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
