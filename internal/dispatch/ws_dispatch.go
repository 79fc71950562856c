package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/coupon-reminders/internal/models"
)

const wsWriteWait = 5 * time.Second

// Frames exchanged with the device app.
type wsFrame struct {
	Type         string                 `json:"type"`
	State        models.PermissionState `json:"state,omitempty"`
	Notification *models.Notification   `json:"notification,omitempty"`
}

const (
	frameNotification      = "notification"
	framePermission        = "permission"
	framePermissionRequest = "permission_request"
)

// wsSession is one connected device app.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) send(f wsFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(f)
}

// WSRegistry presents notifications over the device app's websocket
// connections. The app reports the platform notification permission with
// permission frames; the last reported state survives reconnects.
type WSRegistry struct {
	logger *slog.Logger

	mu         sync.Mutex
	sessions   map[*wsSession]struct{}
	permission models.PermissionState
	changed    chan struct{}
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		logger:     logger,
		sessions:   make(map[*wsSession]struct{}),
		permission: models.PermissionPrompt,
		changed:    make(chan struct{}),
	}
}

// Add registers conn and reads its frames until it closes.
func (r *WSRegistry) Add(conn *websocket.Conn) {
	s := &wsSession{conn: conn}
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	n := len(r.sessions)
	r.mu.Unlock()
	r.logger.Info("device session connected", "sessions", n)
	go r.read(s)
}

func (r *WSRegistry) read(s *wsSession) {
	defer func() {
		r.mu.Lock()
		delete(r.sessions, s)
		r.mu.Unlock()
		_ = s.conn.Close()
		r.logger.Info("device session closed")
	}()
	for {
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f wsFrame
		if err := json.Unmarshal(b, &f); err != nil {
			r.logger.Warn("invalid device frame", "error", err)
			continue
		}
		if f.Type != framePermission {
			continue
		}
		switch f.State {
		case models.PermissionGranted, models.PermissionDenied, models.PermissionPrompt:
			r.setPermission(f.State)
		default:
			r.logger.Warn("unknown permission state from device", "state", f.State)
		}
	}
}

func (r *WSRegistry) setPermission(st models.PermissionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.permission == st {
		return
	}
	r.permission = st
	close(r.changed)
	r.changed = make(chan struct{})
	r.logger.Info("device notification permission changed", "state", st)
}

func (r *WSRegistry) snapshot() ([]*wsSession, models.PermissionState, chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*wsSession, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out, r.permission, r.changed
}

func (r *WSRegistry) Permission(context.Context) models.PermissionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permission
}

// RequestPermission prompts every connected session and waits until one of
// them answers or ctx ends.
func (r *WSRegistry) RequestPermission(ctx context.Context) (models.PermissionState, error) {
	sessions, st, changed := r.snapshot()
	if st != models.PermissionPrompt {
		return st, nil
	}
	if len(sessions) == 0 {
		return st, ErrNoSession
	}
	sent := 0
	for _, s := range sessions {
		if err := s.send(wsFrame{Type: framePermissionRequest}); err != nil {
			r.logger.Warn("permission request send failed", "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return st, ErrNoSession
	}
	for {
		select {
		case <-ctx.Done():
			return r.Permission(ctx), ctx.Err()
		case <-changed:
			_, st, changed = r.snapshot()
			if st != models.PermissionPrompt {
				return st, nil
			}
		}
	}
}

// Present sends n to every connected session.
func (r *WSRegistry) Present(_ context.Context, n models.Notification) error {
	sessions, _, _ := r.snapshot()
	if len(sessions) == 0 {
		return ErrNoSession
	}
	var lastErr error
	sent := 0
	for _, s := range sessions {
		if err := s.send(wsFrame{Type: frameNotification, Notification: &n}); err != nil {
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("ws send: %w", lastErr)
	}
	return nil
}

// Sessions reports how many device apps are connected.
func (r *WSRegistry) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
