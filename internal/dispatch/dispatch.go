// Package dispatch delivers reminder notifications to the device. The engine
// hands notifications to a Dispatcher, which never blocks it; a worker asks
// each presenter for permission on first use and presents each notification
// with its collapse tag.
package dispatch

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

var ErrNoSession = errors.New("no device session")

// Presenter is the platform's notification presentation capability.
type Presenter interface {
	Permission(ctx context.Context) models.PermissionState
	RequestPermission(ctx context.Context) (models.PermissionState, error)
	// Present shows n. Presentations sharing n.Tag replace each other.
	Present(ctx context.Context, n models.Notification) error
}

type Options struct {
	Queue             int
	PermissionTimeout time.Duration
	PresentTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{Queue: 64, PermissionTimeout: 30 * time.Second, PresentTimeout: 5 * time.Second}
}

type target struct {
	presenter Presenter
	asked     bool
}

// Dispatcher fans each notification out to every presenter that has
// permission. Permission is tracked per presenter.
type Dispatcher struct {
	targets []*target
	opts    Options
	logger  *slog.Logger
	queue   chan models.Notification
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// New starts the delivery worker. Close stops it.
func New(presenters []Presenter, opts Options, logger *slog.Logger) *Dispatcher {
	def := DefaultOptions()
	if opts.Queue <= 0 {
		opts.Queue = def.Queue
	}
	if opts.PermissionTimeout <= 0 {
		opts.PermissionTimeout = def.PermissionTimeout
	}
	if opts.PresentTimeout <= 0 {
		opts.PresentTimeout = def.PresentTimeout
	}
	targets := make([]*target, 0, len(presenters))
	for _, p := range presenters {
		targets = append(targets, &target{presenter: p})
	}
	d := &Dispatcher{
		targets: targets,
		opts:    opts,
		logger:  logger,
		queue:   make(chan models.Notification, opts.Queue),
		done:    make(chan struct{}),
	}
	go d.work()
	return d
}

// Dispatch queues n for delivery. It drops n when the queue is full or the
// dispatcher is closed.
func (d *Dispatcher) Dispatch(n models.Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		observability.NotificationsDropped.WithLabelValues("closed").Inc()
		return
	}
	select {
	case d.queue <- n:
	default:
		observability.NotificationsDropped.WithLabelValues("queue_full").Inc()
		d.logger.Warn("notification queue full, dropping", "tag", n.Tag)
	}
}

// Close delivers what is already queued and waits for the worker to exit.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
	return nil
}

func (d *Dispatcher) work() {
	defer close(d.done)
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *Dispatcher) deliver(n models.Notification) {
	permitted, presented := 0, 0
	for _, t := range d.targets {
		if !d.permitted(t) {
			continue
		}
		permitted++
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.PresentTimeout)
		err := t.presenter.Present(ctx, n)
		cancel()
		if err != nil {
			d.logger.Warn("notification presentation failed", "tag", n.Tag, "presenter", fmt.Sprintf("%T", t.presenter), "error", err)
			continue
		}
		presented++
	}
	switch {
	case presented > 0:
		observability.NotificationsPresented.Inc()
	case permitted == 0:
		observability.NotificationsDropped.WithLabelValues("permission").Inc()
		d.logger.Debug("notification permission not granted, dropping", "tag", n.Tag)
	default:
		observability.NotificationsDropped.WithLabelValues("present_failed").Inc()
	}
}

// permitted asks the presenter once while its permission is undecided.
// Only the worker goroutine touches t.asked.
func (d *Dispatcher) permitted(t *target) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.PermissionTimeout)
	defer cancel()

	switch t.presenter.Permission(ctx) {
	case models.PermissionGranted:
		return true
	case models.PermissionDenied:
		return false
	}
	if t.asked {
		return false
	}
	t.asked = true

	state, err := t.presenter.RequestPermission(ctx)
	if err != nil {
		// nobody could be prompted; ask again on the next notification
		if errors.Is(err, ErrNoSession) {
			t.asked = false
		}
		d.logger.Warn("notification permission request failed", "error", err)
		return false
	}
	d.logger.Info("notification permission answered", "state", state)
	return state == models.PermissionGranted
}
