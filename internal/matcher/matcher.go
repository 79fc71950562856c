// Package matcher decides which coupon reminders to deliver. Every pass reads
// the latest tracked location, intersects nearby businesses with the stored
// reminder preferences and hands qualifying notifications to the dispatcher.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/example/coupon-reminders/internal/catalog"
	"github.com/example/coupon-reminders/internal/geo"
	"github.com/example/coupon-reminders/internal/location"
	"github.com/example/coupon-reminders/internal/models"
	"github.com/example/coupon-reminders/internal/observability"
)

// Trigger names what caused a pass.
type Trigger string

const (
	TriggerSample      Trigger = "sample"
	TriggerTick        Trigger = "tick"
	TriggerPreferences Trigger = "preferences"
)

// radiusPad widens the single index query so rounding in the index never
// hides a business sitting right on a coupon's radius.
const radiusPad = 1.01

type Subject interface {
	Subject() models.TrackedSubject
}

type EventSource interface {
	Subject
	Events() <-chan location.Event
}

type Preferences interface {
	List() []models.CouponReminderConfig
	Ensure(ctx context.Context, couponIDs []string) (int, error)
	OnChange(fn func(couponID string))
}

type Dispatcher interface {
	Dispatch(n models.Notification)
}

type Config struct {
	// Location is the zone wall-clock rules are evaluated in.
	Location *time.Location
	// RatePerMinute caps dispatched notifications; <= 0 disables the cap.
	RatePerMinute   float64
	Burst           int
	RefreshInterval time.Duration
	Now             func() time.Time
}

type locState struct {
	inside bool
	fired  bool
}

type dailyKey struct {
	couponID string
	kind     models.TriggerKind
	day      string
}

// Engine owns the dedup state for one tracked subject.
type Engine struct {
	source   EventSource
	index    geo.Index
	catalog  catalog.Catalog
	prefs    Preferences
	dispatch Dispatcher
	limiter  *rate.Limiter
	logger   *slog.Logger
	cfg      Config
	changed  chan struct{}

	mu         sync.Mutex
	businesses map[string]models.BusinessLocation
	coupons    map[string]models.Coupon
	locations  map[string]locState
	daily      map[dailyKey]struct{}
}

func New(source EventSource, index geo.Index, cat catalog.Catalog, prefs Preferences, dispatch Dispatcher, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 15 * time.Minute
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Limit(cfg.RatePerMinute / 60)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	e := &Engine{
		source:     source,
		index:      index,
		catalog:    cat,
		prefs:      prefs,
		dispatch:   dispatch,
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		logger:     logger,
		cfg:        cfg,
		changed:    make(chan struct{}, 1),
		businesses: make(map[string]models.BusinessLocation),
		coupons:    make(map[string]models.Coupon),
		locations:  make(map[string]locState),
		daily:      make(map[dailyKey]struct{}),
	}
	prefs.OnChange(func(string) {
		select {
		case e.changed <- struct{}{}:
		default:
		}
	})
	return e
}

// Refresh reloads the catalog snapshot, loads the businesses into the index
// and creates default preferences for coupons seen for the first time. The
// previous snapshot is kept when the catalog cannot be read.
func (e *Engine) Refresh(ctx context.Context) error {
	businesses, err := e.catalog.Businesses(ctx)
	if err != nil {
		return fmt.Errorf("load businesses: %w", err)
	}
	coupons, err := e.catalog.Coupons(ctx)
	if err != nil {
		return fmt.Errorf("load coupons: %w", err)
	}

	bm := make(map[string]models.BusinessLocation, len(businesses))
	for _, b := range businesses {
		bm[b.ID] = b
	}
	cm := make(map[string]models.Coupon, len(coupons))
	ids := make([]string, 0, len(coupons))
	for _, c := range coupons {
		cm[c.ID] = c
		ids = append(ids, c.ID)
	}

	e.mu.Lock()
	e.businesses = bm
	e.coupons = cm
	e.mu.Unlock()

	var errs []error
	if err := e.index.Load(ctx, businesses); err != nil {
		errs = append(errs, fmt.Errorf("load proximity index: %w", err))
	}
	created, err := e.prefs.Ensure(ctx, ids)
	if err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("catalog refreshed", "businesses", len(bm), "coupons", len(cm), "new_configs", created)
	return errors.Join(errs...)
}

// Run consumes source events, preference changes and the refresh ticker until
// ctx ends. It is the engine's single consumer loop.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		e.logger.Error("initial catalog refresh failed", "error", err)
	}
	refresh := time.NewTicker(e.cfg.RefreshInterval)
	defer refresh.Stop()

	events := e.source.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			trigger := TriggerSample
			if ev.Kind == location.EventTick {
				trigger = TriggerTick
			}
			e.Pass(ctx, trigger)
		case <-e.changed:
			e.Pass(ctx, TriggerPreferences)
		case <-refresh.C:
			if err := e.Refresh(ctx); err != nil {
				e.logger.Error("catalog refresh failed", "error", err)
			}
		}
	}
}

// Pass runs one matching pass and returns the notifications it dispatched.
// Passes never overlap.
func (e *Engine) Pass(ctx context.Context, trigger Trigger) []models.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		observability.PassesTotal.WithLabelValues(string(trigger)).Inc()
		observability.PassLatency.Observe(time.Since(start).Seconds())
	}()

	subject := e.source.Subject()
	if subject.Location == nil || !subject.Tracking {
		return nil
	}
	loc := *subject.Location
	now := e.cfg.Now()
	configs := e.prefs.List()

	var out []models.Notification
	out = append(out, e.locationPass(ctx, loc, now, configs)...)
	if trigger == TriggerTick {
		out = append(out, e.clockPass(now, configs)...)
	}
	return out
}

func (e *Engine) locationPass(ctx context.Context, loc models.Coordinate, now time.Time, configs []models.CouponReminderConfig) []models.Notification {
	maxRadius := 0.0
	active := make(map[string]bool)
	for _, cfg := range configs {
		if cfg.Enabled && cfg.Types.Location {
			active[cfg.CouponID] = true
			if cfg.Custom.LocationRadiusMiles > maxRadius {
				maxRadius = cfg.Custom.LocationRadiusMiles
			}
		}
	}
	for id := range e.locations {
		if !active[id] {
			delete(e.locations, id)
		}
	}
	if len(active) == 0 {
		return nil
	}

	candidates := e.candidates(ctx, loc, maxRadius*radiusPad)

	var out []models.Notification
	for _, cfg := range configs {
		if !active[cfg.CouponID] {
			continue
		}
		coupon, ok := e.coupons[cfg.CouponID]
		if !ok {
			continue
		}
		business, ok := e.businesses[coupon.BusinessID]
		if !ok {
			continue
		}

		st := e.locations[cfg.CouponID]
		inside := false
		d := 0.0
		if _, near := candidates[business.ID]; near {
			d = geo.DistanceMiles(loc, business.Coordinates)
			inside = d <= cfg.Custom.LocationRadiusMiles
		}
		if !inside {
			e.locations[cfg.CouponID] = locState{}
			continue
		}
		if !st.inside {
			e.logger.Debug("entered reminder radius", "coupon_id", cfg.CouponID, "distance_miles", d)
		}
		st.inside = true
		if st.fired {
			e.locations[cfg.CouponID] = st
			continue
		}
		if coupon.Expired(now) {
			observability.NotificationsSuppressed.WithLabelValues("expired").Inc()
			e.locations[cfg.CouponID] = st
			continue
		}
		n := locationNotification(coupon, business, d, now)
		if e.send(n) {
			st.fired = true
			out = append(out, n)
		}
		e.locations[cfg.CouponID] = st
	}
	return out
}

func (e *Engine) candidates(ctx context.Context, loc models.Coordinate, radius float64) map[string]models.NearbyBusiness {
	nearby, err := e.index.Nearby(ctx, loc, radius)
	if err != nil {
		e.logger.Warn("proximity index unavailable, scanning catalog", "error", err)
		all := make([]models.BusinessLocation, 0, len(e.businesses))
		for _, b := range e.businesses {
			all = append(all, b)
		}
		nearby = geo.Nearby(loc, all, radius)
	}
	out := make(map[string]models.NearbyBusiness, len(nearby))
	for _, nb := range nearby {
		out[nb.Business.ID] = nb
	}
	return out
}

func (e *Engine) clockPass(now time.Time, configs []models.CouponReminderConfig) []models.Notification {
	local := now.In(e.cfg.Location)
	day := local.Format(time.DateOnly)

	var out []models.Notification
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		coupon, ok := e.coupons[cfg.CouponID]
		if !ok || coupon.Expired(now) {
			continue
		}
		atTime := reachedTimeOfDay(local, cfg.Custom.TimeOfDay)
		days, expiring := daysUntil(local, coupon.ExpiresAt, e.cfg.Location)
		expiring = expiring && days <= cfg.Custom.DaysBeforeExpiry

		if cfg.Types.Time && atTime {
			out = e.fireDaily(out, dailyKey{cfg.CouponID, models.TriggerTime, day}, func() models.Notification {
				return timeNotification(coupon, e.businesses[coupon.BusinessID], now)
			})
		}
		if cfg.Types.Expiration && expiring {
			out = e.fireDaily(out, dailyKey{cfg.CouponID, models.TriggerExpiration, day}, func() models.Notification {
				return expirationNotification(coupon, days, now)
			})
		}
		if cfg.Types.Custom && atTime && expiring {
			out = e.fireDaily(out, dailyKey{cfg.CouponID, models.TriggerCustom, day}, func() models.Notification {
				return customNotification(coupon, e.businesses[coupon.BusinessID], days, now)
			})
		}
	}
	e.pruneDaily(day)
	return out
}

func (e *Engine) fireDaily(out []models.Notification, key dailyKey, build func() models.Notification) []models.Notification {
	if _, done := e.daily[key]; done {
		return out
	}
	n := build()
	if !e.send(n) {
		return out
	}
	e.daily[key] = struct{}{}
	return append(out, n)
}

// pruneDaily forgets keys from earlier days.
func (e *Engine) pruneDaily(today string) {
	for k := range e.daily {
		if k.day != today {
			delete(e.daily, k)
		}
	}
}

func (e *Engine) send(n models.Notification) bool {
	if !e.limiter.Allow() {
		observability.NotificationsSuppressed.WithLabelValues("rate_limited").Inc()
		e.logger.Debug("notification rate limited", "coupon_id", n.CouponID, "kind", n.Kind)
		return false
	}
	e.dispatch.Dispatch(n)
	observability.NotificationsDispatched.WithLabelValues(string(n.Kind)).Inc()
	e.logger.Info("notification dispatched", "coupon_id", n.CouponID, "kind", n.Kind, "tag", n.Tag)
	return true
}

func reachedTimeOfDay(local time.Time, hhmm string) bool {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return false
	}
	return local.Hour()*60+local.Minute() >= t.Hour()*60+t.Minute()
}

// daysUntil counts calendar days from local's date to the expiry date in the
// same zone. Coupons without an expiry report false.
func daysUntil(local, expires time.Time, zone *time.Location) (int, bool) {
	if expires.IsZero() {
		return 0, false
	}
	y, m, d := local.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	y, m, d = expires.In(zone).Date()
	last := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	days := int(last.Sub(today).Hours() / 24)
	return days, days >= 0
}

func newNotification(kind models.TriggerKind, coupon models.Coupon, now time.Time) models.Notification {
	return models.Notification{
		ID:         uuid.NewString(),
		CouponID:   coupon.ID,
		BusinessID: coupon.BusinessID,
		Kind:       kind,
		Tag:        models.NotificationTag(kind, coupon.ID),
		CreatedAt:  now,
	}
}

func locationNotification(c models.Coupon, b models.BusinessLocation, d float64, now time.Time) models.Notification {
	n := newNotification(models.TriggerLocation, c, now)
	n.Title = fmt.Sprintf("%s is nearby", b.Name)
	n.Body = fmt.Sprintf("You're %.1f mi away. Use your coupon: %s", d, c.Title)
	n.DistanceMiles = d
	return n
}

func timeNotification(c models.Coupon, b models.BusinessLocation, now time.Time) models.Notification {
	n := newNotification(models.TriggerTime, c, now)
	n.Title = "Coupon reminder"
	n.Body = fmt.Sprintf("Don't forget your coupon: %s", c.Title)
	if b.Name != "" {
		n.Body += " at " + b.Name
	}
	return n
}

func expirationNotification(c models.Coupon, days int, now time.Time) models.Notification {
	n := newNotification(models.TriggerExpiration, c, now)
	n.Title = "Coupon expiring soon"
	n.Body = fmt.Sprintf("%s %s", c.Title, expiresIn(days))
	return n
}

func customNotification(c models.Coupon, b models.BusinessLocation, days int, now time.Time) models.Notification {
	n := newNotification(models.TriggerCustom, c, now)
	n.Title = "Coupon reminder"
	n.Body = fmt.Sprintf("%s %s", c.Title, expiresIn(days))
	if b.Name != "" {
		n.Body += ". Use it at " + b.Name
	}
	return n
}

func expiresIn(days int) string {
	switch days {
	case 0:
		return "expires today"
	case 1:
		return "expires tomorrow"
	default:
		return fmt.Sprintf("expires in %d days", days)
	}
}
