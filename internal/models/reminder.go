package models

const (
	DefaultDaysBeforeExpiry    = 7
	DefaultTimeOfDay           = "18:00"
	DefaultLocationRadiusMiles = 5.0
)

type ReminderTypes struct {
	Location   bool `json:"location"`
	Time       bool `json:"time"`
	Expiration bool `json:"expiration"`
	Custom     bool `json:"custom"`
}

type ReminderSettings struct {
	DaysBeforeExpiry    int     `json:"daysBeforeExpiry" validate:"gt=0"`
	TimeOfDay           string  `json:"timeOfDay" validate:"required,datetime=15:04"`
	LocationRadiusMiles float64 `json:"locationRadiusMiles" validate:"gt=0"`
}

// CouponReminderConfig is the per-coupon reminder preference.
type CouponReminderConfig struct {
	CouponID string           `json:"couponId" validate:"required"`
	Enabled  bool             `json:"enabled"`
	Types    ReminderTypes    `json:"types"`
	Custom   ReminderSettings `json:"custom"`
}

// DefaultReminderConfig is the config synthesized for a newly seen coupon.
func DefaultReminderConfig(couponID string) CouponReminderConfig {
	return CouponReminderConfig{
		CouponID: couponID,
		Custom: ReminderSettings{
			DaysBeforeExpiry:    DefaultDaysBeforeExpiry,
			TimeOfDay:           DefaultTimeOfDay,
			LocationRadiusMiles: DefaultLocationRadiusMiles,
		},
	}
}

// ReminderPatch is a partial update; nil fields are left untouched.
type ReminderPatch struct {
	Enabled *bool                  `json:"enabled,omitempty"`
	Types   *ReminderTypesPatch    `json:"types,omitempty"`
	Custom  *ReminderSettingsPatch `json:"custom,omitempty"`
}

type ReminderTypesPatch struct {
	Location   *bool `json:"location,omitempty"`
	Time       *bool `json:"time,omitempty"`
	Expiration *bool `json:"expiration,omitempty"`
	Custom     *bool `json:"custom,omitempty"`
}

type ReminderSettingsPatch struct {
	DaysBeforeExpiry    *int     `json:"daysBeforeExpiry,omitempty"`
	TimeOfDay           *string  `json:"timeOfDay,omitempty"`
	LocationRadiusMiles *float64 `json:"locationRadiusMiles,omitempty"`
}

// Apply returns cfg with the patch merged in. cfg itself is not modified.
func (p ReminderPatch) Apply(cfg CouponReminderConfig) CouponReminderConfig {
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if t := p.Types; t != nil {
		setBool(&cfg.Types.Location, t.Location)
		setBool(&cfg.Types.Time, t.Time)
		setBool(&cfg.Types.Expiration, t.Expiration)
		setBool(&cfg.Types.Custom, t.Custom)
	}
	if c := p.Custom; c != nil {
		if c.DaysBeforeExpiry != nil {
			cfg.Custom.DaysBeforeExpiry = *c.DaysBeforeExpiry
		}
		if c.TimeOfDay != nil {
			cfg.Custom.TimeOfDay = *c.TimeOfDay
		}
		if c.LocationRadiusMiles != nil {
			cfg.Custom.LocationRadiusMiles = *c.LocationRadiusMiles
		}
	}
	return cfg
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
