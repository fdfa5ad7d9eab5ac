package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestHealth(t *testing.T, threshold int) (*gorm.DB, *Registry, *HealthTracker) {
	t.Helper()
	db := openTestDB(t)
	return db, NewRegistry(db, zap.NewNop()), NewHealthTracker(db, zap.NewNop(), threshold)
}

func TestPolicyForMatchesRouteVariant(t *testing.T) {
	_, _, health := newTestHealth(t, 3)

	legacy := &MirroredChannel{SrcID: 1, DestID: 2, Legacy: true}
	require.IsType(t, &autoDisablePolicy{}, health.PolicyFor(legacy))

	managed := &MirroredChannel{SrcID: 1, DestID: 2, Legacy: false}
	require.IsType(t, &reportOnlyPolicy{}, health.PolicyFor(managed))
}

func TestAutoDisableCounter(t *testing.T) {
	_, reg, health := newTestHealth(t, 3)

	route, err := reg.Register(1, 2, 0, true)
	require.NoError(t, err)
	policy := health.PolicyFor(route)
	pair := RoutePair{Src: 1, Dest: 2}

	require.NoError(t, policy.OnFailure(pair))
	require.NoError(t, policy.OnFailure(pair))
	got, err := reg.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, 2, got.LegacyErrorRate)

	// A success wipes the streak entirely.
	require.NoError(t, policy.OnSuccess(pair))
	got, err = reg.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, 0, got.LegacyErrorRate)
}

func TestAutoDisableCounterIgnoresDisabledRoute(t *testing.T) {
	_, reg, health := newTestHealth(t, 3)

	route, err := reg.Register(1, 2, 0, true)
	require.NoError(t, err)
	require.NoError(t, reg.SetEnabled(1, 2, false))

	policy := health.PolicyFor(route)
	require.NoError(t, policy.OnFailure(RoutePair{Src: 1, Dest: 2}))

	got, err := reg.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, 0, got.LegacyErrorRate)
}

func TestConcurrentFailuresLoseNoIncrement(t *testing.T) {
	_, reg, health := newTestHealth(t, 1000)

	route, err := reg.Register(1, 2, 0, true)
	require.NoError(t, err)
	policy := health.PolicyFor(route)
	pair := RoutePair{Src: 1, Dest: 2}

	const workers = 4
	const perWorker = 10
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- policy.OnFailure(pair)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := reg.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, workers*perWorker, got.LegacyErrorRate)
}

func TestFailingRoutesAndDisableFailing(t *testing.T) {
	db, reg, health := newTestHealth(t, 3)

	_, err := reg.Register(1, 2, 0, true)
	require.NoError(t, err)
	_, err = reg.Register(3, 4, 0, true)
	require.NoError(t, err)
	// Managed routes never qualify, whatever their counter says.
	_, err = reg.Register(5, 6, 0, false)
	require.NoError(t, err)

	require.NoError(t, db.Model(&MirroredChannel{}).
		Where("src_id = ?", 1).Update("legacy_error_rate", 3).Error)
	require.NoError(t, db.Model(&MirroredChannel{}).
		Where("src_id = ?", 3).Update("legacy_error_rate", 2).Error)
	require.NoError(t, db.Model(&MirroredChannel{}).
		Where("src_id = ?", 5).Update("legacy_error_rate", 99).Error)

	failing, err := health.FailingRoutes()
	require.NoError(t, err)
	require.Equal(t, []RoutePair{{Src: 1, Dest: 2}}, failing)

	disabled, err := health.DisableFailing()
	require.NoError(t, err)
	require.Equal(t, []RoutePair{{Src: 1, Dest: 2}}, disabled)

	route, err := reg.Get(1, 2)
	require.NoError(t, err)
	require.False(t, route.Enabled)
	require.NotNil(t, route.LegacyDisableForFailureOnDate)

	healthy, err := reg.Get(3, 4)
	require.NoError(t, err)
	require.True(t, healthy.Enabled)

	// Second sweep finds nothing; disabled routes are out of scope.
	disabled, err = health.DisableFailing()
	require.NoError(t, err)
	require.Empty(t, disabled)
}

func TestReportOnlyPolicyTouchesNothing(t *testing.T) {
	_, reg, health := newTestHealth(t, 3)

	route, err := reg.Register(1, 2, 0, false)
	require.NoError(t, err)
	policy := health.PolicyFor(route)
	pair := RoutePair{Src: 1, Dest: 2}

	for i := 0; i < 5; i++ {
		require.NoError(t, policy.OnFailure(pair))
	}
	require.NoError(t, policy.OnSuccess(pair))

	got, err := reg.Get(1, 2)
	require.NoError(t, err)
	require.Equal(t, 0, got.LegacyErrorRate)
	require.True(t, got.Enabled)
}

func TestThresholdDefault(t *testing.T) {
	_, _, health := newTestHealth(t, 0)
	require.Equal(t, DefaultFailureThreshold, health.Threshold())
}
