package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/gorilla/websocket"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coupon-reminders/internal/logging"
	"github.com/example/coupon-reminders/internal/models"
)

type fakePresenter struct {
	mu        sync.Mutex
	state     models.PermissionState
	answer    models.PermissionState
	answerErr error
	requests  int
	presented []models.Notification
	presentFn func(models.Notification) error
}

func (f *fakePresenter) Permission(context.Context) models.PermissionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePresenter) RequestPermission(context.Context) (models.PermissionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if f.answerErr != nil {
		return f.state, f.answerErr
	}
	f.state = f.answer
	return f.state, nil
}

func (f *fakePresenter) Present(_ context.Context, n models.Notification) error {
	if f.presentFn != nil {
		if err := f.presentFn(n); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presented = append(f.presented, n)
	return nil
}

func (f *fakePresenter) tags() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.presented))
	for _, n := range f.presented {
		out = append(out, n.Tag)
	}
	return out
}

func note(couponID string) models.Notification {
	return models.Notification{
		ID:       "n-" + couponID,
		CouponID: couponID,
		Kind:     models.TriggerLocation,
		Title:    "Pizza Palace is nearby",
		Body:     "Use your coupon",
		Tag:      models.NotificationTag(models.TriggerLocation, couponID),
	}
}

func TestDispatcherRequestsPermissionOnFirstUse(t *testing.T) {
	p := &fakePresenter{state: models.PermissionPrompt, answer: models.PermissionGranted}
	d := New([]Presenter{p}, Options{}, logging.Discard())

	d.Dispatch(note("c1"))
	d.Dispatch(note("c2"))
	require.NoError(t, d.Close())

	assert.Equal(t, 1, p.requests)
	assert.Equal(t, []string{"location-c1", "location-c2"}, p.tags())
}

func TestDispatcherDropsWhenDenied(t *testing.T) {
	p := &fakePresenter{state: models.PermissionPrompt, answer: models.PermissionDenied}
	d := New([]Presenter{p}, Options{}, logging.Discard())

	d.Dispatch(note("c1"))
	d.Dispatch(note("c2"))
	require.NoError(t, d.Close())

	assert.Equal(t, 1, p.requests)
	assert.Empty(t, p.tags())
}

func TestDispatcherAsksOnlyOnceWhileUndecided(t *testing.T) {
	p := &fakePresenter{state: models.PermissionPrompt, answerErr: context.DeadlineExceeded}
	d := New([]Presenter{p}, Options{}, logging.Discard())

	for _, id := range []string{"c1", "c2", "c3"} {
		d.Dispatch(note(id))
	}
	require.NoError(t, d.Close())

	assert.Equal(t, 1, p.requests)
	assert.Empty(t, p.tags())
}

func TestDispatcherAsksAgainWhenNobodyWasPrompted(t *testing.T) {
	p := &fakePresenter{state: models.PermissionPrompt, answerErr: ErrNoSession}
	d := New([]Presenter{p}, Options{}, logging.Discard())

	d.Dispatch(note("c1"))
	d.Dispatch(note("c2"))
	require.NoError(t, d.Close())

	assert.Equal(t, 2, p.requests)
	assert.Empty(t, p.tags())
}

func TestDispatchNeverBlocks(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p := &fakePresenter{state: models.PermissionGranted}
	p.presentFn = func(models.Notification) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	d := New([]Presenter{p}, Options{Queue: 1}, logging.Discard())

	d.Dispatch(note("c1"))
	<-started

	done := make(chan struct{})
	go func() {
		d.Dispatch(note("c2"))
		d.Dispatch(note("c3"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}

	close(release)
	require.NoError(t, d.Close())
	assert.Equal(t, []string{"location-c1", "location-c2"}, p.tags())

	d.Dispatch(note("c4"))
	require.NoError(t, d.Close())
	assert.Len(t, p.tags(), 2)
}

func TestDispatcherSurvivesPresentFailure(t *testing.T) {
	p := &fakePresenter{state: models.PermissionGranted}
	p.presentFn = func(n models.Notification) error {
		if n.CouponID == "c1" {
			return errors.New("platform busy")
		}
		return nil
	}
	d := New([]Presenter{p}, Options{}, logging.Discard())
	d.Dispatch(note("c1"))
	d.Dispatch(note("c2"))
	require.NoError(t, d.Close())
	assert.Equal(t, []string{"location-c2"}, p.tags())
}

func TestDispatcherFansOutPerPresenter(t *testing.T) {
	granted := &fakePresenter{state: models.PermissionGranted}
	denied := &fakePresenter{state: models.PermissionDenied}
	undecided := &fakePresenter{state: models.PermissionPrompt, answer: models.PermissionGranted}
	silent := &fakePresenter{state: models.PermissionPrompt, answerErr: context.DeadlineExceeded}

	d := New([]Presenter{granted, denied, undecided, silent}, Options{}, logging.Discard())
	d.Dispatch(note("c1"))
	d.Dispatch(note("c2"))
	require.NoError(t, d.Close())

	assert.Equal(t, []string{"location-c1", "location-c2"}, granted.tags())
	assert.Equal(t, []string{"location-c1", "location-c2"}, undecided.tags())
	assert.Empty(t, denied.tags())
	assert.Empty(t, silent.tags())
	assert.Equal(t, 1, undecided.requests)
	assert.Equal(t, 1, silent.requests)
	assert.Zero(t, denied.requests)
}

func TestLogPresenter(t *testing.T) {
	p := NewLogPresenter(logging.Discard())
	assert.Equal(t, models.PermissionGranted, p.Permission(context.Background()))
	require.NoError(t, p.Present(context.Background(), note("c1")))
}

type fakeFCM struct {
	msgs []*messaging.Message
	err  error
}

func (f *fakeFCM) Send(_ context.Context, m *messaging.Message) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.msgs = append(f.msgs, m)
	return "projects/test/messages/1", nil
}

func TestFCMMessageCarriesCollapseTag(t *testing.T) {
	client := &fakeFCM{}
	p := newFCMPresenter(client, "device-token", logging.Discard())
	assert.Equal(t, models.PermissionGranted, p.Permission(context.Background()))

	n := note("c1")
	n.DistanceMiles = 0.25
	require.NoError(t, p.Present(context.Background(), n))
	require.Len(t, client.msgs, 1)

	m := client.msgs[0]
	assert.Equal(t, "device-token", m.Token)
	assert.Equal(t, "Pizza Palace is nearby", m.Notification.Title)
	assert.Equal(t, "location-c1", m.Android.CollapseKey)
	assert.Equal(t, "location-c1", m.Android.Notification.Tag)
	assert.Equal(t, "location-c1", m.APNS.Headers["apns-collapse-id"])
	assert.Equal(t, "location-c1", m.Webpush.Notification.Tag)
	assert.Equal(t, "c1", m.Data["coupon_id"])
	assert.Equal(t, "0.25", m.Data["distance_miles"])
}

func TestFCMWithoutTokenIsDenied(t *testing.T) {
	client := &fakeFCM{}
	p := newFCMPresenter(client, "", logging.Discard())
	st, err := p.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.PermissionDenied, st)
	require.ErrorIs(t, p.Present(context.Background(), note("c1")), ErrNoSession)

	client.err = errors.New("unavailable")
	p.SetToken("t")
	require.Error(t, p.Present(context.Background(), note("c1")))
	assert.Equal(t, models.PermissionGranted, p.Permission(context.Background()))
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPresenterKeysByTag(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPresenter{writer: w}
	require.NoError(t, p.Present(context.Background(), note("c1")))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "location-c1", string(w.msgs[0].Key))

	var got models.Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "c1", got.CouponID)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func dialRegistry(t *testing.T, reg *WSRegistry) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return reg.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestWSRegistryPermissionRoundTrip(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	ctx := context.Background()

	_, err := reg.RequestPermission(ctx)
	require.ErrorIs(t, err, ErrNoSession)
	require.ErrorIs(t, reg.Present(ctx, note("c1")), ErrNoSession)

	client := dialRegistry(t, reg)

	type result struct {
		st  models.PermissionState
		err error
	}
	answered := make(chan result, 1)
	go func() {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		st, err := reg.RequestPermission(rctx)
		answered <- result{st, err}
	}()

	var f wsFrame
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, client.ReadJSON(&f))
	assert.Equal(t, framePermissionRequest, f.Type)

	require.NoError(t, client.WriteJSON(wsFrame{Type: framePermission, State: models.PermissionGranted}))
	res := <-answered
	require.NoError(t, res.err)
	assert.Equal(t, models.PermissionGranted, res.st)
	assert.Equal(t, models.PermissionGranted, reg.Permission(ctx))

	require.NoError(t, reg.Present(ctx, note("c1")))
	require.NoError(t, client.ReadJSON(&f))
	assert.Equal(t, frameNotification, f.Type)
	require.NotNil(t, f.Notification)
	assert.Equal(t, "location-c1", f.Notification.Tag)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return reg.Sessions() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.PermissionGranted, reg.Permission(ctx))
}

func TestWSRegistryRequestTimesOut(t *testing.T) {
	reg := NewWSRegistry(logging.Discard())
	dialRegistry(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	st, err := reg.RequestPermission(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.PermissionPrompt, st)
}
