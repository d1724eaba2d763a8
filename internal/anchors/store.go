package anchors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ubikampus/ubilocation-client/pkg/core"
	"gorm.io/gorm"
)

// Store persists the administrator's static anchors.
type Store interface {
	List(ctx context.Context) ([]core.StaticAnchor, error)
	ReplaceAll(ctx context.Context, anchors []core.StaticAnchor) error
}

// Anchor is the database row of a static anchor.
type Anchor struct {
	ID        string  `gorm:"primaryKey;size:128"`
	Lat       float64 `gorm:"not null"`
	Lon       float64 `gorm:"not null"`
	Position  int     `gorm:"not null;index"` // list order
	UpdatedAt time.Time
}

// TableName overrides the table name.
func (Anchor) TableName() string {
	return "static_anchors"
}

// GormStore keeps anchors in a SQL database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the anchor table and returns the store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Anchor{}); err != nil {
		return nil, fmt.Errorf("failed to migrate static_anchors: %w", err)
	}
	return &GormStore{db: db}, nil
}

// List returns the anchors in submission order.
func (s *GormStore) List(ctx context.Context) ([]core.StaticAnchor, error) {
	var rows []Anchor
	if err := s.db.WithContext(ctx).Order("position").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list anchors: %w", err)
	}
	out := make([]core.StaticAnchor, len(rows))
	for i, r := range rows {
		out[i] = core.StaticAnchor{ID: r.ID, Lat: r.Lat, Lon: r.Lon}
	}
	return out, nil
}

// ReplaceAll swaps the stored list for anchors in one transaction.
func (s *GormStore) ReplaceAll(ctx context.Context, anchors []core.StaticAnchor) error {
	rows := make([]Anchor, len(anchors))
	for i, a := range anchors {
		rows[i] = Anchor{ID: a.ID, Lat: a.Lat, Lon: a.Lon, Position: i}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&Anchor{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace anchors: %w", err)
	}
	return nil
}

// MemoryStore keeps anchors in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	anchors []core.StaticAnchor
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) List(context.Context) ([]core.StaticAnchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.StaticAnchor{}, s.anchors...), nil
}

func (s *MemoryStore) ReplaceAll(_ context.Context, anchors []core.StaticAnchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anchors = append([]core.StaticAnchor(nil), anchors...)
	return nil
}
