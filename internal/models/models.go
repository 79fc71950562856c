package models

import "time"

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// PermissionState is the answer a platform capability gave for a permission.
// Location permission starts at PermissionRequesting; notification
// presenters report PermissionPrompt while the user has not decided.
type PermissionState string

const (
	PermissionRequesting PermissionState = "requesting"
	PermissionPrompt     PermissionState = "prompt"
	PermissionGranted    PermissionState = "granted"
	PermissionDenied     PermissionState = "denied"
)

// TrackedSubject is a snapshot of the device's location state.
type TrackedSubject struct {
	Location   *Coordinate     `json:"location,omitempty"`
	Permission PermissionState `json:"permission"`
	Tracking   bool            `json:"tracking"`
	UpdatedAt  time.Time       `json:"updated_at,omitempty"`
}

type BusinessLocation struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	Coordinates Coordinate `json:"coordinates"`
}

// NearbyBusiness pairs a business with its distance from the query point.
type NearbyBusiness struct {
	Business      BusinessLocation
	DistanceMiles float64
}

// Coupon is a purchased coupon as served by the catalog.
type Coupon struct {
	ID         string    `json:"id"`
	BusinessID string    `json:"business_id"`
	Title      string    `json:"title"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the coupon can no longer be redeemed at t.
// A zero ExpiresAt never expires.
func (c Coupon) Expired(t time.Time) bool {
	return !c.ExpiresAt.IsZero() && t.After(c.ExpiresAt)
}

type TriggerKind string

const (
	TriggerLocation   TriggerKind = "location"
	TriggerTime       TriggerKind = "time"
	TriggerExpiration TriggerKind = "expiration"
	TriggerCustom     TriggerKind = "custom"
)

// Notification is a reminder the engine decided to deliver.
type Notification struct {
	ID            string      `json:"id"`
	CouponID      string      `json:"coupon_id"`
	BusinessID    string      `json:"business_id,omitempty"`
	Kind          TriggerKind `json:"kind"`
	Title         string      `json:"title"`
	Body          string      `json:"body"`
	Tag           string      `json:"tag"`
	DistanceMiles float64     `json:"distance_miles,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// NotificationTag is the platform collapse key for a coupon trigger.
func NotificationTag(kind TriggerKind, couponID string) string {
	return string(kind) + "-" + couponID
}
