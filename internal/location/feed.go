package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/coupon-reminders/internal/models"
	"github.com/example/coupon-reminders/internal/observability"
)

// Feed is a Platform whose fixes are pushed in from outside the process,
// by the HTTP ingress or the kafka fix reader.
type Feed struct {
	mu      sync.Mutex
	last    *Fix
	denied  error
	waiters map[chan Fix]struct{}
	subs    map[chan Fix]struct{}
}

func NewFeed() *Feed {
	return &Feed{
		waiters: make(map[chan Fix]struct{}),
		subs:    make(map[chan Fix]struct{}),
	}
}

// Push records a fix and hands it to pending acquisitions and watchers.
// A push also clears an earlier permission denial. A fix recorded before
// the one already held is dropped.
func (f *Feed) Push(c models.Coordinate, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	fix := Fix{Coord: c, At: at}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last != nil && at.Before(f.last.At) {
		observability.StaleFixesDropped.WithLabelValues("feed").Inc()
		return
	}
	f.last = &fix
	f.denied = nil
	f.broadcastLocked(fix)
}

// Fail reports a platform error. Watchers see it as the end of their
// stream; ErrPermissionDenied also sticks until the next Push.
func (f *Feed) Fail(err error) {
	fix := Fix{Err: err, At: time.Now()}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errors.Is(err, ErrPermissionDenied) {
		f.denied = err
		f.last = nil
	}
	f.broadcastLocked(fix)
}

func (f *Feed) broadcastLocked(fix Fix) {
	for ch := range f.waiters {
		ch <- fix
		delete(f.waiters, ch)
	}
	for ch := range f.subs {
		offerLatest(ch, fix)
	}
}

// CurrentPosition returns the last fix when it is younger than MaximumAge,
// otherwise it waits for the next one.
func (f *Feed) CurrentPosition(ctx context.Context, opts PositionOptions) (models.Coordinate, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	f.mu.Lock()
	if f.denied != nil {
		err := f.denied
		f.mu.Unlock()
		return models.Coordinate{}, err
	}
	if f.last != nil && opts.MaximumAge > 0 && time.Since(f.last.At) <= opts.MaximumAge {
		c := f.last.Coord
		f.mu.Unlock()
		return c, nil
	}
	wait := make(chan Fix, 1)
	f.waiters[wait] = struct{}{}
	f.mu.Unlock()

	select {
	case fix := <-wait:
		if fix.Err != nil {
			return models.Coordinate{}, fix.Err
		}
		return fix.Coord, nil
	case <-ctx.Done():
		f.mu.Lock()
		delete(f.waiters, wait)
		f.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.Coordinate{}, ErrAcquisitionTimeout
		}
		return models.Coordinate{}, ctx.Err()
	}
}

// Watch streams fixes with latest-wins semantics until ctx ends, then
// closes the channel.
func (f *Feed) Watch(ctx context.Context, _ WatchOptions) (<-chan Fix, error) {
	ch := make(chan Fix, 1)

	f.mu.Lock()
	if f.denied != nil {
		err := f.denied
		f.mu.Unlock()
		return nil, err
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

func offerLatest(ch chan Fix, fix Fix) {
	select {
	case ch <- fix:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- fix:
	default:
	}
}

// Failure codes reported by device apps.
const (
	FailurePermissionDenied = "permission_denied"
	FailureUnavailable      = "unavailable"
	FailureTimeout          = "timeout"
)

var ErrUnknownFailure = errors.New("unknown location failure code")

// FailureError maps a device failure code to the package's sentinel errors.
func FailureError(code, detail string) error {
	var base error
	switch code {
	case FailurePermissionDenied:
		base = ErrPermissionDenied
	case FailureUnavailable:
		base = ErrPositionUnavailable
	case FailureTimeout:
		base = ErrAcquisitionTimeout
	default:
		return fmt.Errorf("%w %q", ErrUnknownFailure, code)
	}
	if detail == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}
