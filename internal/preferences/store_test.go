package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coupon-reminders/internal/logging"
	"github.com/example/coupon-reminders/internal/models"
	"github.com/example/coupon-reminders/internal/storage"
)

func ptr[T any](v T) *T { return &v }

func openStore(t *testing.T, kv storage.KV) *Store {
	t.Helper()
	return Open(context.Background(), kv, logging.Discard())
}

func TestEnsureCreatesDefaults(t *testing.T) {
	kv := storage.NewMemoryKV()
	s := openStore(t, kv)

	n, err := s.Ensure(context.Background(), []string{"c1", "c2", "c1", ""})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cfg, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultReminderConfig("c1"), cfg)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 7, cfg.Custom.DaysBeforeExpiry)
	assert.Equal(t, "18:00", cfg.Custom.TimeOfDay)
	assert.Equal(t, 5.0, cfg.Custom.LocationRadiusMiles)

	n, err = s.Ensure(context.Background(), []string{"c1"})
	require.NoError(t, err)
	assert.Zero(t, n)

	all, _ := kv.All(context.Background())
	assert.Len(t, all, 2)
}

func TestUpdateIsPartialMerge(t *testing.T) {
	s := openStore(t, storage.NewMemoryKV())
	_, err := s.Ensure(context.Background(), []string{"c1"})
	require.NoError(t, err)
	_, err = s.Update(context.Background(), "c1", models.ReminderPatch{
		Types:  &models.ReminderTypesPatch{Location: ptr(true)},
		Custom: &models.ReminderSettingsPatch{LocationRadiusMiles: ptr(2.5)},
	})
	require.NoError(t, err)

	_, err = s.Update(context.Background(), "c1", models.ReminderPatch{Enabled: ptr(true)})
	require.NoError(t, err)

	cfg, err := s.Get("c1")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.Types.Location)
	assert.False(t, cfg.Types.Time)
	assert.Equal(t, 2.5, cfg.Custom.LocationRadiusMiles)
	assert.Equal(t, 7, cfg.Custom.DaysBeforeExpiry)
	assert.Equal(t, "18:00", cfg.Custom.TimeOfDay)
}

func TestUpdateRejectsInvalid(t *testing.T) {
	s := openStore(t, storage.NewMemoryKV())
	_, err := s.Ensure(context.Background(), []string{"c1"})
	require.NoError(t, err)

	cases := []models.ReminderPatch{
		{Custom: &models.ReminderSettingsPatch{LocationRadiusMiles: ptr(0.0)}},
		{Custom: &models.ReminderSettingsPatch{LocationRadiusMiles: ptr(-1.0)}},
		{Custom: &models.ReminderSettingsPatch{DaysBeforeExpiry: ptr(0)}},
		{Custom: &models.ReminderSettingsPatch{TimeOfDay: ptr("25:99")}},
		{Custom: &models.ReminderSettingsPatch{TimeOfDay: ptr("")}},
	}
	for _, p := range cases {
		_, err := s.Update(context.Background(), "c1", p)
		require.ErrorIs(t, err, ErrInvalidConfig)
	}

	cfg, _ := s.Get("c1")
	assert.Equal(t, models.DefaultReminderConfig("c1"), cfg)
}

func TestUnknownCoupon(t *testing.T) {
	s := openStore(t, storage.NewMemoryKV())
	_, err := s.Get("nope")
	require.ErrorIs(t, err, ErrUnknownCoupon)
	_, err = s.Update(context.Background(), "nope", models.ReminderPatch{Enabled: ptr(true)})
	require.ErrorIs(t, err, ErrUnknownCoupon)
}

func TestConfigsSurviveReopen(t *testing.T) {
	kv := storage.NewMemoryKV()
	s := openStore(t, kv)
	_, err := s.Ensure(context.Background(), []string{"c1"})
	require.NoError(t, err)
	_, err = s.Update(context.Background(), "c1", models.ReminderPatch{Enabled: ptr(true)})
	require.NoError(t, err)

	reopened := openStore(t, kv)
	cfg, err := reopened.Get("c1")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)

	raw, _ := kv.All(context.Background())
	var rec record
	require.NoError(t, json.Unmarshal(raw["c1"], &rec))
	assert.Equal(t, schemaVersion, rec.Version)
}

func TestLoadMigratesLegacyAndDropsCorrupt(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	require.NoError(t, kv.Put(ctx, "legacy", []byte(`{"couponId":"legacy","enabled":true,"types":{"location":true}}`)))
	require.NoError(t, kv.Put(ctx, "corrupt", []byte(`{"version":2,"config":`)))
	require.NoError(t, kv.Put(ctx, "future", []byte(`{"version":9,"config":{}}`)))
	require.NoError(t, kv.Put(ctx, "invalid", []byte(`{"version":2,"config":{"couponId":"invalid","custom":{"daysBeforeExpiry":-1,"timeOfDay":"18:00","locationRadiusMiles":5}}}`)))

	s := openStore(t, kv)
	list := s.List()
	require.Len(t, list, 1)

	cfg := list[0]
	assert.Equal(t, "legacy", cfg.CouponID)
	assert.True(t, cfg.Enabled)
	assert.True(t, cfg.Types.Location)
	assert.Equal(t, 5.0, cfg.Custom.LocationRadiusMiles)

	raw, _ := kv.All(ctx)
	var rec record
	require.NoError(t, json.Unmarshal(raw["legacy"], &rec))
	assert.Equal(t, schemaVersion, rec.Version)
	// unreadable records are removed from the backend
	assert.Len(t, raw, 1)
	assert.NotContains(t, raw, "corrupt")
	assert.NotContains(t, raw, "future")
	assert.NotContains(t, raw, "invalid")

	// dropped records come back as defaults once the coupon is ensured
	n, err := s.Ensure(ctx, []string{"corrupt", "legacy"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type brokenKV struct{ storage.MemoryKV }

func (b *brokenKV) All(context.Context) (map[string][]byte, error) {
	return nil, errors.New("disk on fire")
}

func (b *brokenKV) Put(context.Context, string, []byte) error {
	return errors.New("disk on fire")
}

func TestStorageFailures(t *testing.T) {
	s := openStore(t, &brokenKV{})
	assert.Empty(t, s.List())

	n, err := s.Ensure(context.Background(), []string{"c1"})
	require.Error(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Update(context.Background(), "c1", models.ReminderPatch{Enabled: ptr(true)})
	require.Error(t, err)
	cfg, _ := s.Get("c1")
	assert.False(t, cfg.Enabled)
}

func TestOnChangeAndConcurrentReads(t *testing.T) {
	s := openStore(t, storage.NewMemoryKV())
	_, err := s.Ensure(context.Background(), []string{"c1"})
	require.NoError(t, err)

	var mu sync.Mutex
	var changed []string
	s.OnChange(func(id string) {
		mu.Lock()
		changed = append(changed, id)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func(r float64) {
			defer wg.Done()
			_, _ = s.Update(context.Background(), "c1", models.ReminderPatch{
				Custom: &models.ReminderSettingsPatch{LocationRadiusMiles: ptr(r), DaysBeforeExpiry: ptr(int(r))},
			})
		}(float64(i))
		go func() {
			defer wg.Done()
			cfg, _ := s.Get("c1")
			// radius and days always move together; a torn read would split them
			if cfg.Custom.LocationRadiusMiles != 5 {
				assert.Equal(t, float64(cfg.Custom.DaysBeforeExpiry), cfg.Custom.LocationRadiusMiles)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, changed, 20)
}
