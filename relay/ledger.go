package relay

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger owns the mirrored_message table. Rows are insert-only: a row is
// written exactly once, after the destination confirmed the send, and edit
// or delete propagation never rewrites it.
type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewLedger(db *gorm.DB, log *zap.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

// RecordRelay persists the link between a source message and the copy sent
// into destCh. The surrogate dest_msg key is allocated here and the creation
// timestamp is the relay-completion time, not the source message time.
func (l *Ledger) RecordRelay(srcCh, sourceMsg, destCh int64) (*MirroredMessage, error) {
	row := &MirroredMessage{
		DestChannel:      destCh,
		SourceMsg:        sourceMsg,
		SourceChannel:    srcCh,
		CreationDatetime: time.Now().UTC(),
	}
	err := withConflictRetry(func() error {
		return l.db.Create(row).Error
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// FindMirror returns the ledger row linking sourceMsg to its copy in destCh,
// or ErrMirrorNotFound.
func (l *Ledger) FindMirror(sourceMsg, destCh int64) (*MirroredMessage, error) {
	var row MirroredMessage
	err := l.db.Where("source_msg = ? AND dest_ch = ?", sourceMsg, destCh).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMirrorNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// MirrorsOf returns every mirrored copy of a source message, oldest first.
// Edit and delete propagation resolve their targets through this.
func (l *Ledger) MirrorsOf(sourceMsg int64) ([]MirroredMessage, error) {
	var rows []MirroredMessage
	err := l.db.Where("source_msg = ?", sourceMsg).
		Order("dest_msg ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Prune deletes ledger rows older than age and returns how many went.
// Edit/delete propagation only needs recent history.
func (l *Ledger) Prune(age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res := l.db.Where("creation_datetime < ?", cutoff).Delete(&MirroredMessage{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		l.log.Info("pruned ledger", zap.Int64("rows", res.RowsAffected), zap.Time("cutoff", cutoff))
	}
	return res.RowsAffected, nil
}
