// Package preferences persists per-coupon reminder configuration.
//
// Records are stored as {"version": 2, "config": {...}} keyed by coupon id.
// Version-less records written by earlier clients hold the bare config and are
// migrated on load; anything else that cannot be read is deleted from the
// backend and replaced by defaults the next time the coupon is ensured.
package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/example/coupon-reminders/internal/models"
	"github.com/example/coupon-reminders/internal/storage"
)

const schemaVersion = 2

var (
	ErrUnknownCoupon = errors.New("unknown coupon")
	ErrInvalidConfig = errors.New("invalid reminder config")
)

type record struct {
	Version int                         `json:"version"`
	Config  models.CouponReminderConfig `json:"config"`
}

// Store caches every config in memory and writes through to a KV backend.
// Readers always see a whole config; writers are serialized.
type Store struct {
	kv       storage.KV
	logger   *slog.Logger
	validate *validator.Validate

	writeMu sync.Mutex

	mu        sync.RWMutex
	configs   map[string]models.CouponReminderConfig
	listeners []func(couponID string)
}

// Open loads the stored configs. Storage failures are logged and leave the
// store empty rather than failing startup.
func Open(ctx context.Context, kv storage.KV, logger *slog.Logger) *Store {
	s := &Store{
		kv:       kv,
		logger:   logger,
		validate: validator.New(),
		configs:  make(map[string]models.CouponReminderConfig),
	}
	s.load(ctx)
	return s
}

func (s *Store) load(ctx context.Context) {
	raw, err := s.kv.All(ctx)
	if err != nil {
		s.logger.Error("reminder preferences unreadable, starting empty", "error", err)
		return
	}
	migrated, dropped := 0, 0
	for key, b := range raw {
		cfg, legacy, err := s.decode(key, b)
		if err != nil {
			s.logger.Warn("dropping unreadable reminder config", "coupon_id", key, "error", err)
			if err := s.kv.Delete(ctx, key); err != nil {
				s.logger.Warn("delete of unreadable reminder config failed", "coupon_id", key, "error", err)
			}
			dropped++
			continue
		}
		if legacy {
			if err := s.persist(ctx, cfg); err != nil {
				s.logger.Warn("rewrite of migrated reminder config failed", "coupon_id", key, "error", err)
			}
			migrated++
		}
		s.configs[key] = cfg
	}
	s.logger.Info("reminder preferences loaded", "count", len(s.configs), "migrated", migrated, "dropped", dropped)
}

func (s *Store) decode(key string, b []byte) (models.CouponReminderConfig, bool, error) {
	var head struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return models.CouponReminderConfig{}, false, err
	}

	cfg := models.DefaultReminderConfig(key)
	legacy := false
	switch {
	case head.Version == nil:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return models.CouponReminderConfig{}, false, err
		}
		legacy = true
	case *head.Version == schemaVersion:
		rec := record{Config: cfg}
		if err := json.Unmarshal(b, &rec); err != nil {
			return models.CouponReminderConfig{}, false, err
		}
		cfg = rec.Config
	default:
		return models.CouponReminderConfig{}, false, fmt.Errorf("unsupported schema version %d", *head.Version)
	}

	if cfg.CouponID == "" {
		cfg.CouponID = key
	}
	if cfg.CouponID != key {
		return models.CouponReminderConfig{}, false, fmt.Errorf("record for %q stored under %q", cfg.CouponID, key)
	}
	if err := s.check(cfg); err != nil {
		return models.CouponReminderConfig{}, false, err
	}
	return cfg, legacy, nil
}

func (s *Store) check(cfg models.CouponReminderConfig) error {
	if err := s.validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context, cfg models.CouponReminderConfig) error {
	b, err := json.Marshal(record{Version: schemaVersion, Config: cfg})
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, cfg.CouponID, b)
}

func (s *Store) Get(couponID string) (models.CouponReminderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[couponID]
	if !ok {
		return models.CouponReminderConfig{}, fmt.Errorf("%w: %s", ErrUnknownCoupon, couponID)
	}
	return cfg, nil
}

// List returns every config ordered by coupon id.
func (s *Store) List() []models.CouponReminderConfig {
	s.mu.RLock()
	out := make([]models.CouponReminderConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CouponID < out[j].CouponID })
	return out
}

// Update merges patch into the coupon's config, validates and persists the
// result, then publishes it. Nothing changes if any step fails.
func (s *Store) Update(ctx context.Context, couponID string, patch models.ReminderPatch) (models.CouponReminderConfig, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, err := s.Get(couponID)
	if err != nil {
		return models.CouponReminderConfig{}, err
	}
	next := patch.Apply(cur)
	if err := s.check(next); err != nil {
		return models.CouponReminderConfig{}, err
	}
	if err := s.persist(ctx, next); err != nil {
		return models.CouponReminderConfig{}, fmt.Errorf("persist reminder config %s: %w", couponID, err)
	}

	s.mu.Lock()
	s.configs[couponID] = next
	listeners := append([]func(string){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(couponID)
	}
	return next, nil
}

// Ensure creates default configs for coupons seen for the first time and
// reports how many were created. Defaults are kept in memory even when the
// write fails so the coupon stays visible to the preference UI.
func (s *Store) Ensure(ctx context.Context, couponIDs []string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var errs []error
	created := 0
	for _, id := range couponIDs {
		s.mu.RLock()
		_, ok := s.configs[id]
		s.mu.RUnlock()
		if ok || id == "" {
			continue
		}
		cfg := models.DefaultReminderConfig(id)
		if err := s.persist(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("persist default config %s: %w", id, err))
		}
		s.mu.Lock()
		s.configs[id] = cfg
		s.mu.Unlock()
		created++
	}
	return created, errors.Join(errs...)
}

// OnChange registers fn to run after every successful Update.
func (s *Store) OnChange(fn func(couponID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
