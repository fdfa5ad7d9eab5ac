package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenDB opens (or creates) the relay database and migrates the schema.
// SQLite allows a single writer; capping the pool at one connection turns
// would-be SQLITE_BUSY errors into queueing instead.
func OpenDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&MirroredChannel{}, &MirroredMessage{}, &ServerStatistics{}); err != nil {
		return nil, err
	}
	return db, nil
}

// CloseDB closes the underlying connection pool.
func CloseDB(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

const conflictRetries = 5

// withConflictRetry runs fn, retrying with backoff when the database reports
// a lock/busy conflict. Counter updates must not be lost to a transient
// race, so exhausting the budget surfaces ErrPersistenceConflict.
func withConflictRetry(fn func() error) error {
	backoff := 5 * time.Millisecond
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = fn()
		if err == nil || !isConflict(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrPersistenceConflict, err)
}

func isConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
