package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics of the HTTP surface and the
// registry gauges.
type Collector struct {
	gatherer prometheus.Gatherer

	Requests       *prometheus.CounterVec
	BeaconsTracked prometheus.Gauge
	BeaconsOnline  prometheus.Gauge
}

// NewCollector registers metrics against reg, defaulting to the global
// Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ubilocation_http_requests_total",
		Help: "Total number of handled HTTP requests, labeled by route and status code.",
	}, []string{"path", "code"}), "ubilocation_http_requests_total")
	if err != nil {
		return nil, err
	}

	tracked, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ubilocation_beacons_tracked",
		Help: "Current number of beacons in the registry.",
	}), "ubilocation_beacons_tracked")
	if err != nil {
		return nil, err
	}
	online, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ubilocation_beacons_online",
		Help: "Current number of beacons reporting within the staleness threshold.",
	}), "ubilocation_beacons_online")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:       gatherer,
		Requests:       requests,
		BeaconsTracked: tracked,
		BeaconsOnline:  online,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetBeacons updates the registry gauges.
func (c *Collector) SetBeacons(tracked, online int) {
	if c == nil {
		return
	}
	c.BeaconsTracked.Set(float64(tracked))
	c.BeaconsOnline.Set(float64(online))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests to h under the route label path.
func (c *Collector) instrument(path string, h http.HandlerFunc) http.HandlerFunc {
	if c == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		c.Requests.WithLabelValues(path, strconv.Itoa(rec.code)).Inc()
	}
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
