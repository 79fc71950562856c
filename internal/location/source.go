// Package location owns the device's position: a permission state machine,
// one-shot acquisition, and a continuous tracking session that feeds the
// matcher through a bounded event channel.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/coupon-reminders/internal/models"
	"github.com/example/coupon-reminders/internal/observability"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrAcquisitionTimeout  = errors.New("location acquisition timed out")
	ErrPositionUnavailable = errors.New("location unavailable")
	ErrSubscription        = errors.New("location subscription failed")
	ErrNotGranted          = errors.New("location permission not granted")

	errStreamClosed = errors.New("location stream closed")
)

// PositionOptions mirrors the platform's one-shot acquisition knobs.
type PositionOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// WatchOptions carries the cadence hint for continuous tracking.
type WatchOptions struct {
	HighAccuracy bool
	Interval     time.Duration
}

// Fix is one sample from the platform. A non-nil Err ends the stream.
type Fix struct {
	Coord models.Coordinate
	At    time.Time
	Err   error
}

// Platform is the device's location capability.
type Platform interface {
	CurrentPosition(ctx context.Context, opts PositionOptions) (models.Coordinate, error)
	// Watch streams fixes until ctx is cancelled.
	Watch(ctx context.Context, opts WatchOptions) (<-chan Fix, error)
}

type EventKind int

const (
	EventSample EventKind = iota + 1
	EventTick
)

func (k EventKind) String() string {
	switch k {
	case EventSample:
		return "sample"
	case EventTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Event asks the matcher for a pass.
type Event struct {
	Kind EventKind
	At   time.Time
}

type Options struct {
	AcquireTimeout     time.Duration
	MaxSampleAge       time.Duration
	SampleInterval     time.Duration
	ReevaluateInterval time.Duration
	Buffer             int
}

func DefaultOptions() Options {
	return Options{
		AcquireTimeout:     10 * time.Second,
		MaxSampleAge:       60 * time.Second,
		SampleInterval:     30 * time.Second,
		ReevaluateInterval: 60 * time.Second,
		Buffer:             16,
	}
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Source is the single TrackedSubject of an engine.
type Source struct {
	platform Platform
	opts     Options
	logger   *slog.Logger
	events   chan Event

	mu      sync.Mutex
	subject models.TrackedSubject
	sess    *session
	// lastFixAt is the recording time of the newest streamed fix.
	lastFixAt time.Time
}

func NewSource(platform Platform, opts Options, logger *slog.Logger) *Source {
	def := DefaultOptions()
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = def.AcquireTimeout
	}
	if opts.MaxSampleAge <= 0 {
		opts.MaxSampleAge = def.MaxSampleAge
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = def.SampleInterval
	}
	if opts.ReevaluateInterval <= 0 {
		opts.ReevaluateInterval = def.ReevaluateInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = def.Buffer
	}
	return &Source{
		platform: platform,
		opts:     opts,
		logger:   logger,
		events:   make(chan Event, opts.Buffer),
		subject:  models.TrackedSubject{Permission: models.PermissionRequesting},
	}
}

// Events is consumed by exactly one matcher loop.
func (s *Source) Events() <-chan Event { return s.events }

func (s *Source) Subject() models.TrackedSubject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

// RequestPermission performs a one-shot acquisition. Any failure leaves the
// subject denied; callers may retry.
func (s *Source) RequestPermission(ctx context.Context) (models.Coordinate, error) {
	s.mu.Lock()
	if s.subject.Permission != models.PermissionGranted {
		s.subject.Permission = models.PermissionRequesting
	}
	s.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, s.opts.AcquireTimeout)
	defer cancel()
	c, err := s.platform.CurrentPosition(actx, PositionOptions{
		HighAccuracy: true,
		Timeout:      s.opts.AcquireTimeout,
		MaximumAge:   s.opts.MaxSampleAge,
	})
	if err != nil {
		err = classify(err)
		s.logger.Warn("location acquisition failed", "error", err)
		s.deny()
		return models.Coordinate{}, err
	}

	s.mu.Lock()
	s.subject.Permission = models.PermissionGranted
	s.subject.Location = &c
	s.subject.UpdatedAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("location permission granted")
	s.emit(Event{Kind: EventSample, At: time.Now()})
	return c, nil
}

// StartTracking subscribes to continuous updates and starts the
// re-evaluation ticker. It returns ErrNotGranted without side effects
// unless permission was granted, and nil if tracking is already running.
func (s *Source) StartTracking() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subject.Permission != models.PermissionGranted {
		return ErrNotGranted
	}
	if s.sess != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	fixes, err := s.platform.Watch(ctx, WatchOptions{HighAccuracy: true, Interval: s.opts.SampleInterval})
	if err != nil {
		cancel()
		s.logger.Error("location subscription failed", "error", err)
		return fmt.Errorf("%w: %w", ErrSubscription, err)
	}
	sess := &session{cancel: cancel, done: make(chan struct{})}
	s.sess = sess
	s.subject.Tracking = true
	observability.TrackingActive.Set(1)
	go s.track(ctx, sess, fixes)
	s.logger.Info("location tracking started", "sample_interval", s.opts.SampleInterval, "reevaluate_interval", s.opts.ReevaluateInterval)
	return nil
}

// StopTracking cancels the subscription and the ticker and waits for the
// tracking goroutine to exit. Safe to call repeatedly.
func (s *Source) StopTracking() {
	s.mu.Lock()
	sess := s.stopLocked()
	s.mu.Unlock()
	if sess != nil {
		<-sess.done
		s.logger.Info("location tracking stopped")
	}
}

// Close is the teardown hook for the embedding process.
func (s *Source) Close() error {
	s.StopTracking()
	return nil
}

func (s *Source) stopLocked() *session {
	sess := s.sess
	if sess == nil {
		return nil
	}
	s.sess = nil
	sess.cancel()
	s.subject.Tracking = false
	observability.TrackingActive.Set(0)
	return sess
}

func (s *Source) deny() {
	s.mu.Lock()
	s.subject.Permission = models.PermissionDenied
	sess := s.stopLocked()
	s.mu.Unlock()
	if sess != nil {
		<-sess.done
	}
}

func (s *Source) track(ctx context.Context, sess *session, fixes <-chan Fix) {
	defer close(sess.done)
	ticker := time.NewTicker(s.opts.ReevaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fixes:
			if !ok {
				s.degrade(ctx, sess, errStreamClosed)
				return
			}
			if f.Err != nil {
				s.degrade(ctx, sess, f.Err)
				return
			}
			s.record(f)
		case t := <-ticker.C:
			s.emit(Event{Kind: EventTick, At: t})
		}
	}
}

func (s *Source) record(f Fix) {
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	c := f.Coord
	s.mu.Lock()
	if at.Before(s.lastFixAt) {
		s.mu.Unlock()
		observability.StaleFixesDropped.WithLabelValues("source").Inc()
		s.logger.Debug("older location fix dropped", "recorded_at", at)
		return
	}
	s.lastFixAt = at
	s.subject.Location = &c
	s.subject.UpdatedAt = at
	s.mu.Unlock()
	observability.LocationSamples.Inc()
	s.emit(Event{Kind: EventSample, At: at})
}

// degrade ends a session that failed on its own. A session that was already
// stopped is left alone.
func (s *Source) degrade(ctx context.Context, sess *session, err error) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != sess {
		return
	}
	s.logger.Error("location tracking degraded", "error", fmt.Errorf("%w: %w", ErrSubscription, err))
	s.sess = nil
	sess.cancel()
	s.subject.Tracking = false
	observability.TrackingActive.Set(0)
	if errors.Is(err, ErrPermissionDenied) {
		s.subject.Permission = models.PermissionDenied
	}
}

func (s *Source) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		observability.SourceEventsDropped.Inc()
		s.logger.Debug("matcher queue full, dropping event", "kind", ev.Kind.String())
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrAcquisitionTimeout), errors.Is(err, ErrPermissionDenied):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrAcquisitionTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
}
