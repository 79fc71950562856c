// Package catalog is the read-only boundary to the coupon/business data the
// engine matches against. Purchases and coupons are owned elsewhere.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/example/coupon-reminders/internal/models"
)

type Catalog interface {
	Businesses(ctx context.Context) ([]models.BusinessLocation, error)
	Coupons(ctx context.Context) ([]models.Coupon, error)
}

// StaticCatalog serves a fixed set, loaded from a JSON file or built in code.
type StaticCatalog struct {
	mu         sync.RWMutex
	businesses []models.BusinessLocation
	coupons    []models.Coupon
}

type staticFile struct {
	Businesses []models.BusinessLocation `json:"businesses"`
	Coupons    []models.Coupon           `json:"coupons"`
}

func NewStaticCatalog(businesses []models.BusinessLocation, coupons []models.Coupon) *StaticCatalog {
	return &StaticCatalog{businesses: businesses, coupons: coupons}
}

// LoadFile reads {"businesses": [...], "coupons": [...]} from path.
func LoadFile(path string) (*StaticCatalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var f staticFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return NewStaticCatalog(f.Businesses, f.Coupons), nil
}

// Set swaps the served data, e.g. after a purchase.
func (s *StaticCatalog) Set(businesses []models.BusinessLocation, coupons []models.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.businesses = businesses
	s.coupons = coupons
}

func (s *StaticCatalog) Businesses(_ context.Context) ([]models.BusinessLocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.BusinessLocation(nil), s.businesses...), nil
}

func (s *StaticCatalog) Coupons(_ context.Context) ([]models.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Coupon(nil), s.coupons...), nil
}

// PostgresCatalog reads the user's purchased coupons and their businesses.
// Schema: migrations/002_create_catalog.sql.
type PostgresCatalog struct {
	db     *sql.DB
	userID string
}

func NewPostgresCatalog(db *sql.DB, userID string) *PostgresCatalog {
	return &PostgresCatalog{db: db, userID: userID}
}

func (p *PostgresCatalog) Businesses(ctx context.Context) ([]models.BusinessLocation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT b.id, b.name, b.address, b.latitude, b.longitude
		FROM businesses b JOIN user_coupons uc ON uc.business_id = b.id
		WHERE uc.user_id = $1`, p.userID)
	if err != nil {
		return nil, fmt.Errorf("query businesses: %w", err)
	}
	defer rows.Close()

	var out []models.BusinessLocation
	for rows.Next() {
		var b models.BusinessLocation
		if err := rows.Scan(&b.ID, &b.Name, &b.Address, &b.Coordinates.Lat, &b.Coordinates.Lon); err != nil {
			return nil, fmt.Errorf("scan business: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresCatalog) Coupons(ctx context.Context) ([]models.Coupon, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT coupon_id, business_id, title, expires_at
		FROM user_coupons WHERE user_id = $1`, p.userID)
	if err != nil {
		return nil, fmt.Errorf("query coupons: %w", err)
	}
	defer rows.Close()

	var out []models.Coupon
	for rows.Next() {
		var (
			c       models.Coupon
			expires sql.NullTime
		)
		if err := rows.Scan(&c.ID, &c.BusinessID, &c.Title, &expires); err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		if expires.Valid {
			c.ExpiresAt = expires.Time.In(time.UTC)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
