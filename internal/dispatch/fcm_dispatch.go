package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/example/coupon-reminders/internal/models"
)

type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMPresenter pushes notifications to the device through Firebase Cloud
// Messaging. A registered device token is the platform's grant; FCM
// reporting the token unregistered revokes it.
type FCMPresenter struct {
	client fcmSender
	logger *slog.Logger

	mu    sync.Mutex
	token string
}

// NewFCMPresenter initializes a Firebase app from a service account file.
func NewFCMPresenter(ctx context.Context, credentialsFile, deviceToken string, logger *slog.Logger) (*FCMPresenter, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}
	return newFCMPresenter(client, deviceToken, logger), nil
}

func newFCMPresenter(client fcmSender, deviceToken string, logger *slog.Logger) *FCMPresenter {
	return &FCMPresenter{client: client, token: deviceToken, logger: logger}
}

// SetToken replaces the device registration token, e.g. after the app
// re-registers.
func (p *FCMPresenter) SetToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

func (p *FCMPresenter) currentToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *FCMPresenter) Permission(context.Context) models.PermissionState {
	if p.currentToken() == "" {
		return models.PermissionDenied
	}
	return models.PermissionGranted
}

// RequestPermission cannot prompt remotely; it reports the token state.
func (p *FCMPresenter) RequestPermission(ctx context.Context) (models.PermissionState, error) {
	return p.Permission(ctx), nil
}

func (p *FCMPresenter) Present(ctx context.Context, n models.Notification) error {
	token := p.currentToken()
	if token == "" {
		return ErrNoSession
	}
	_, err := p.client.Send(ctx, fcmMessage(token, n))
	if err != nil {
		if messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err) {
			p.logger.Warn("fcm device token rejected, disabling fcm delivery", "error", err)
			p.SetToken("")
		}
		return fmt.Errorf("send fcm notification: %w", err)
	}
	return nil
}

func fcmMessage(token string, n models.Notification) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: map[string]string{
			"notification_id": n.ID,
			"coupon_id":       n.CouponID,
			"business_id":     n.BusinessID,
			"kind":            string(n.Kind),
			"distance_miles":  strconv.FormatFloat(n.DistanceMiles, 'f', 2, 64),
		},
		Android: &messaging.AndroidConfig{
			CollapseKey:  n.Tag,
			Notification: &messaging.AndroidNotification{Tag: n.Tag},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-collapse-id": n.Tag},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{Title: n.Title, Body: n.Body, Tag: n.Tag},
		},
	}
}
