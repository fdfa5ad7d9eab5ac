package relay

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseDB(db) })
	return db
}

func TestWithConflictRetryPassesThroughOtherErrors(t *testing.T) {
	sentinel := errors.New("boom")
	calls := 0
	err := withConflictRetry(func() error {
		calls++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	require.Equal(t, 1, calls)
}

func TestWithConflictRetryRetriesLockedThenSucceeds(t *testing.T) {
	calls := 0
	err := withConflictRetry(func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithConflictRetryExhaustsBudget(t *testing.T) {
	err := withConflictRetry(func() error {
		return errors.New("database is locked")
	})
	require.ErrorIs(t, err, ErrPersistenceConflict)
}
