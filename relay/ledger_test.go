package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecordRelayAndFindMirror(t *testing.T) {
	ledger := NewLedger(openTestDB(t), zap.NewNop())

	row, err := ledger.RecordRelay(100, 555, 200)
	require.NoError(t, err)
	require.Greater(t, row.DestMsg, int64(0))
	require.WithinDuration(t, time.Now().UTC(), row.CreationDatetime, time.Minute)

	got, err := ledger.FindMirror(555, 200)
	require.NoError(t, err)
	require.Equal(t, row.DestMsg, got.DestMsg)
	require.Equal(t, int64(100), got.SourceChannel)

	_, err = ledger.FindMirror(555, 999)
	require.ErrorIs(t, err, ErrMirrorNotFound)
}

func TestMirrorsOfOrderedBySurrogateKey(t *testing.T) {
	ledger := NewLedger(openTestDB(t), zap.NewNop())

	first, err := ledger.RecordRelay(100, 555, 200)
	require.NoError(t, err)
	second, err := ledger.RecordRelay(100, 555, 201)
	require.NoError(t, err)
	_, err = ledger.RecordRelay(100, 556, 200)
	require.NoError(t, err)

	rows, err := ledger.MirrorsOf(555)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, first.DestMsg, rows[0].DestMsg)
	require.Equal(t, second.DestMsg, rows[1].DestMsg)
	require.Less(t, rows[0].DestMsg, rows[1].DestMsg)
}

func TestPruneKeepsRecentRows(t *testing.T) {
	db := openTestDB(t)
	ledger := NewLedger(db, zap.NewNop())

	old, err := ledger.RecordRelay(100, 555, 200)
	require.NoError(t, err)
	require.NoError(t, db.Model(&MirroredMessage{}).
		Where("dest_msg = ?", old.DestMsg).
		Update("creation_datetime", time.Now().UTC().Add(-30*24*time.Hour)).Error)

	recent, err := ledger.RecordRelay(100, 556, 200)
	require.NoError(t, err)

	pruned, err := ledger.Prune(DefaultPruneAge)
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	_, err = ledger.FindMirror(555, 200)
	require.ErrorIs(t, err, ErrMirrorNotFound)
	got, err := ledger.FindMirror(556, 200)
	require.NoError(t, err)
	require.Equal(t, recent.DestMsg, got.DestMsg)
}
