package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"ramp_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists order snapshots in SQLite
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the database at path.
// An empty path resolves to the per-user data directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		var err error
		if path, err = getDBPath(); err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto Migration
	if err := db.AutoMigrate(&domain.OrderRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "RampGo", "data", "orders.db"), nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveOrder creates or replaces the order snapshot.
func (s *Storage) SaveOrder(order domain.Order) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(domain.NewOrderRecord(order)).Error
}

// GetOrder retrieves an order by id. Missing orders yield domain.ErrOrderNotFound.
func (s *Storage) GetOrder(id string) (*domain.Order, error) {
	var rec domain.OrderRecord
	err := s.db.First(&rec, "order_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	order := rec.Order()
	return &order, nil
}

// ListOrders returns the most recently updated orders, optionally filtered by status.
func (s *Storage) ListOrders(status domain.Status, limit int) ([]domain.Order, error) {
	q := s.db.Order("updated_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []domain.OrderRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(recs))
	for i := range recs {
		orders = append(orders, recs[i].Order())
	}
	return orders, nil
}

// OnOrderUpdate persists each status change. Errors are logged; the caller
// holds the authoritative snapshot.
func (s *Storage) OnOrderUpdate(order domain.Order) {
	if err := s.SaveOrder(order); err != nil {
		slog.Error("Failed to persist order",
			slog.String("order_id", order.ID),
			slog.String("status", string(order.Status)),
			slog.Any("error", err))
	}
}
