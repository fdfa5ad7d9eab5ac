package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStatsUpsertOverwrites(t *testing.T) {
	stats := NewStats(openTestDB(t), zap.NewNop())

	require.NoError(t, stats.Upsert(9, 100))
	require.NoError(t, stats.Upsert(9, 250))
	require.NoError(t, stats.Upsert(10, 40))

	populations, err := stats.Populations()
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{9: 250, 10: 40}, populations)
}

func TestRefresherPullsFromSource(t *testing.T) {
	stats := NewStats(openTestDB(t), zap.NewNop())
	source := func(context.Context) (map[int64]int64, error) {
		return map[int64]int64{9: 1234}, nil
	}
	r := NewRefresher(stats, source, time.Hour, zap.NewNop())

	r.refresh(context.Background())

	populations, err := stats.Populations()
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{9: 1234}, populations)
}

func TestRefresherToleratesSourceFailure(t *testing.T) {
	stats := NewStats(openTestDB(t), zap.NewNop())
	source := func(context.Context) (map[int64]int64, error) {
		return nil, errors.New("transport down")
	}
	r := NewRefresher(stats, source, time.Hour, zap.NewNop())

	r.refresh(context.Background())

	populations, err := stats.Populations()
	require.NoError(t, err)
	require.Empty(t, populations)
}
