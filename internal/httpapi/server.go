// Package httpapi serves the current marker set and the session controls
// over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ubikampus/ubilocation-client/internal/anchors"
	"github.com/ubikampus/ubilocation-client/internal/geo"
	"github.com/ubikampus/ubilocation-client/internal/pipeline"
	"github.com/ubikampus/ubilocation-client/internal/query"
	"github.com/ubikampus/ubilocation-client/internal/session"
	"github.com/ubikampus/ubilocation-client/internal/signer"
	"github.com/ubikampus/ubilocation-client/pkg/core"
)

const maxBodyBytes = 1 << 20

// StreamStatus reports the renderer link state.
type StreamStatus interface {
	Connected() bool
}

// Dependencies holds all dependencies for the HTTP server
type Dependencies struct {
	Pipeline     *pipeline.Pipeline
	Anchors      *anchors.Service // optional
	Collector    *Collector       // optional
	Stream       StreamStatus     // optional
	ShareBaseURL string
	Logger       *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
}

// New creates the server and registers its routes.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps, mux: http.NewServeMux()}

	s.handle("GET /api/markers", "/api/markers", s.getMarkers)
	s.handle("GET /api/markers.geojson", "/api/markers.geojson", s.getMarkersGeoJSON)
	s.handle("GET /api/initial-state", "/api/initial-state", s.getInitialState)
	s.handle("GET /api/share", "/api/share", s.getShareURL)
	s.handle("GET /api/share/qr", "/api/share/qr", s.getShareQR)
	s.handle("POST /api/self", "/api/self", s.postSelf)
	s.handle("POST /api/pin", "/api/pin", s.postPin)
	s.handle("DELETE /api/pin", "/api/pin", s.deletePin)
	s.handle("POST /api/static", "/api/static", s.postStatic)
	s.handle("DELETE /api/static", "/api/static", s.deleteStatic)
	s.handle("GET /api/anchors", "/api/anchors", s.getAnchors)
	s.handle("POST /api/anchors", "/api/anchors", s.postAnchors)
	s.handle("GET /healthz", "/healthz", s.getHealth)
	if deps.Collector != nil {
		s.mux.Handle("GET /metrics", deps.Collector.Handler())
	}
	return s
}

func (s *Server) handle(pattern, label string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, s.deps.Collector.instrument(label, h))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func (s *Server) getMarkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Pipeline.Current())
}

func (s *Server) getMarkersGeoJSON(w http.ResponseWriter, r *http.Request) {
	fc, err := geo.FeatureCollection(s.deps.Pipeline.Current())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	data, err := json.Marshal(fc)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func (s *Server) getInitialState(w http.ResponseWriter, r *http.Request) {
	state, err := query.Parse(r.URL.RawQuery)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, state.View())
}

// shareURL builds the share link for the lat/lon of r, keeping its host and
// topic parameters.
func (s *Server) shareURL(r *http.Request) (string, error) {
	state, err := query.Parse(r.URL.RawQuery)
	if err != nil {
		return "", err
	}
	if state.Location == nil {
		return "", query.ErrInvalidQuery
	}
	return query.URLForLocation(s.deps.ShareBaseURL, state, state.Location.Lon, state.Location.Lat)
}

type shareResponse struct {
	URL string `json:"url"`
}

func (s *Server) getShareURL(w http.ResponseWriter, r *http.Request) {
	link, err := s.shareURL(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, shareResponse{URL: link})
}

func (s *Server) getShareQR(w http.ResponseWriter, r *http.Request) {
	link, err := s.shareURL(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	size := 256
	if raw := r.URL.Query().Get("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 64 || n > 2048 {
			s.writeError(w, http.StatusBadRequest, "size must be an integer in 64..2048")
			return
		}
		size = n
	}

	png, err := query.QRCode(link, size)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Share-URL", link)
	_, _ = w.Write(png)
}

type selfRequest struct {
	BeaconID string `json:"beaconId"`
}

func (s *Server) postSelf(w http.ResponseWriter, r *http.Request) {
	var req selfRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	s.deps.Pipeline.SetSelf(strings.TrimSpace(req.BeaconID))
	w.WriteHeader(http.StatusNoContent)
}

type pinRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

func (s *Server) postPin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Lat == nil || req.Lon == nil {
		s.writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	pos := core.Coordinates{Lat: *req.Lat, Lon: *req.Lon}
	if err := geo.Validate(pos); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Pipeline.SetPin(pos)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deletePin(w http.ResponseWriter, r *http.Request) {
	s.deps.Pipeline.ClearPin()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) postStatic(w http.ResponseWriter, r *http.Request) {
	var req selfRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	anchor, err := s.deps.Pipeline.PinBeaconAsStatic(req.BeaconID)
	if errors.Is(err, session.ErrBeaconNotTracked) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, anchor)
}

func (s *Server) deleteStatic(w http.ResponseWriter, r *http.Request) {
	s.deps.Pipeline.ClearStatic()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getAnchors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Anchors == nil {
		s.writeError(w, http.StatusNotImplemented, "anchor store disabled")
		return
	}
	list, err := s.deps.Anchors.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (s *Server) postAnchors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Anchors == nil {
		s.writeError(w, http.StatusNotImplemented, "anchor store disabled")
		return
	}
	var list []core.StaticAnchor
	if err := decodeBody(w, r, &list); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	signed, err := s.deps.Anchors.Submit(r.Context(), bearerToken(r), list)
	switch {
	case errors.Is(err, anchors.ErrInvalidAnchor):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, signer.ErrUnauthorized):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	case err != nil:
		s.deps.Logger.Error("Anchor submission failed", "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, signed)
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Mode    string `json:"mode"`
	Beacons int    `json:"beacons"`
	Stream  string `json:"stream,omitempty"` // only with a renderer stream configured
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	mode := s.deps.Pipeline.Mode()
	if mode == pipeline.ModeNone {
		mode = "idle"
	}
	resp := healthResponse{
		Status:  "ok",
		Mode:    mode,
		Beacons: s.deps.Pipeline.Registry().Len(),
	}
	if s.deps.Stream != nil {
		resp.Stream = "disconnected"
		if s.deps.Stream.Connected() {
			resp.Stream = "connected"
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
