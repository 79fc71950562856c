// Package ingest feeds location fixes published by the device gateway into
// the engine's location feed.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/coupon-reminders/internal/location"
	"github.com/example/coupon-reminders/internal/models"
	"github.com/example/coupon-reminders/internal/observability"
)

const maxBackoff = 30 * time.Second

// FixMessage is one record on the fix topic, keyed by device id. A non-empty
// Failure carries a platform failure code instead of a position.
type FixMessage struct {
	DeviceID   string    `json:"device_id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	RecordedAt time.Time `json:"recorded_at"`
	Failure    string    `json:"failure,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink receives decoded fixes. location.Feed implements it.
type Sink interface {
	Push(c models.Coordinate, at time.Time)
	Fail(err error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type FixReader struct {
	reader   messageReader
	sink     Sink
	deviceID string
	logger   *slog.Logger
}

func NewFixReader(brokers []string, topic, group, deviceID string, sink Sink, logger *slog.Logger) *FixReader {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	return &FixReader{reader: r, sink: sink, deviceID: deviceID, logger: logger}
}

// Run reads until ctx ends, backing off on broker errors.
func (r *FixReader) Run(ctx context.Context) error {
	defer func() { _ = r.reader.Close() }()
	r.logger.Info("fix reader started", "device_id", r.deviceID)

	backoff := time.Second
	for {
		m, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("fix reader stopped")
				return nil
			}
			r.logger.Warn("kafka read failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if err := r.handle(m); err != nil {
			observability.FixesInvalid.Inc()
			r.logger.Warn("invalid fix message", "offset", m.Offset, "error", err)
			continue
		}
	}
}

var errOtherDevice = errors.New("fix for another device")

// handle decodes one message and forwards it to the sink. Messages for other
// devices are skipped silently.
func (r *FixReader) handle(m kafka.Message) error {
	if r.deviceID != "" && len(m.Key) > 0 && string(m.Key) != r.deviceID {
		return nil
	}
	var msg FixMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return fmt.Errorf("decode fix: %w", err)
	}
	if err := r.apply(msg); err != nil {
		if errors.Is(err, errOtherDevice) {
			return nil
		}
		return err
	}
	observability.FixesConsumed.Inc()
	return nil
}

func (r *FixReader) apply(msg FixMessage) error {
	if r.deviceID != "" && msg.DeviceID != "" && msg.DeviceID != r.deviceID {
		return errOtherDevice
	}
	if msg.Failure != "" {
		err := location.FailureError(msg.Failure, msg.Detail)
		if errors.Is(err, location.ErrUnknownFailure) {
			return err
		}
		r.sink.Fail(err)
		return nil
	}
	c := models.Coordinate{Lat: msg.Lat, Lon: msg.Lon}
	if err := ValidateCoordinate(c); err != nil {
		return err
	}
	r.sink.Push(c, msg.RecordedAt)
	return nil
}

// ValidateCoordinate rejects positions outside the WGS84 range.
func ValidateCoordinate(c models.Coordinate) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("coordinate out of range: %v,%v", c.Lat, c.Lon)
	}
	return nil
}
