package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/coupon-reminders/internal/models"
)

// LogPresenter writes notifications to the log. Permission is always granted.
type LogPresenter struct {
	logger *slog.Logger
}

func NewLogPresenter(logger *slog.Logger) *LogPresenter {
	return &LogPresenter{logger: logger}
}

func (p *LogPresenter) Permission(context.Context) models.PermissionState {
	return models.PermissionGranted
}

func (p *LogPresenter) RequestPermission(context.Context) (models.PermissionState, error) {
	return models.PermissionGranted, nil
}

func (p *LogPresenter) Present(_ context.Context, n models.Notification) error {
	p.logger.Info("reminder",
		"tag", n.Tag,
		"kind", n.Kind,
		"coupon_id", n.CouponID,
		"title", n.Title,
		"body", n.Body,
	)
	return nil
}
