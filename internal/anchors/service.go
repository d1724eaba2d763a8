// Package anchors manages administrator-placed static anchors: validation,
// signing, persistence and broadcast on the bus.
package anchors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ubikampus/ubilocation-client/internal/geo"
	"github.com/ubikampus/ubilocation-client/internal/signer"
	"github.com/ubikampus/ubilocation-client/pkg/core"
)

// ErrInvalidAnchor is returned for an anchor list that fails validation.
var ErrInvalidAnchor = errors.New("invalid anchor")

// Signer obtains a signature for a serialized anchor list.
type Signer interface {
	Sign(ctx context.Context, token, message string) (signer.SignedMessage, error)
}

// Publisher broadcasts a payload on the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// Dependencies holds all dependencies for the anchor service
type Dependencies struct {
	Store     Store
	Signer    Signer
	Publisher Publisher // optional
	Topic     string
	// OnChange receives the anchor list after every successful change.
	OnChange func([]core.StaticAnchor)
	Logger   *slog.Logger
}

// Service runs the submit flow.
type Service struct {
	deps Dependencies
}

// NewService creates the anchor service.
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.OnChange == nil {
		deps.OnChange = func([]core.StaticAnchor) {}
	}
	return &Service{deps: deps}
}

// Validate checks that every anchor has a unique id and valid coordinates.
func Validate(anchors []core.StaticAnchor) error {
	seen := make(map[string]struct{}, len(anchors))
	for i, a := range anchors {
		if a.ID == "" {
			return fmt.Errorf("%w: anchor %d has no id", ErrInvalidAnchor, i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidAnchor, a.ID)
		}
		seen[a.ID] = struct{}{}
		if err := geo.Validate(core.Coordinates{Lat: a.Lat, Lon: a.Lon}); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidAnchor, a.ID, err)
		}
	}
	return nil
}

// Submit serializes anchors, has them signed with the administrator's token,
// replaces the stored list and broadcasts the signed message. Nothing is
// stored unless signing succeeds. A failed broadcast is logged; the list
// stays stored.
func (s *Service) Submit(ctx context.Context, token string, anchors []core.StaticAnchor) (signer.SignedMessage, error) {
	if err := Validate(anchors); err != nil {
		return signer.SignedMessage{}, err
	}
	if anchors == nil {
		anchors = []core.StaticAnchor{}
	}

	message, err := json.Marshal(anchors)
	if err != nil {
		return signer.SignedMessage{}, fmt.Errorf("serialize anchors: %w", err)
	}

	signed, err := s.deps.Signer.Sign(ctx, token, string(message))
	if err != nil {
		return signer.SignedMessage{}, fmt.Errorf("sign anchors: %w", err)
	}

	if err := s.deps.Store.ReplaceAll(ctx, anchors); err != nil {
		return signer.SignedMessage{}, err
	}
	s.deps.OnChange(append([]core.StaticAnchor(nil), anchors...))
	s.deps.Logger.Info("Static anchors updated", "count", len(anchors))

	if s.deps.Publisher != nil && s.deps.Topic != "" {
		payload, err := json.Marshal(signed)
		if err != nil {
			return signed, fmt.Errorf("serialize signed anchors: %w", err)
		}
		if err := s.deps.Publisher.Publish(ctx, s.deps.Topic, payload, true); err != nil {
			s.deps.Logger.Warn("Failed to broadcast signed anchors", "topic", s.deps.Topic, "error", err)
		}
	}
	return signed, nil
}

// List returns the stored anchors.
func (s *Service) List(ctx context.Context) ([]core.StaticAnchor, error) {
	return s.deps.Store.List(ctx)
}

// Load reads the stored anchors and hands them to OnChange.
func (s *Service) Load(ctx context.Context) error {
	anchors, err := s.deps.Store.List(ctx)
	if err != nil {
		return err
	}
	s.deps.OnChange(anchors)
	return nil
}
