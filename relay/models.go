package relay

import "time"

// MirroredChannel is one relay route: messages observed in SrcID are copied
// into DestID, which lives on server DestServerID. The (SrcID, DestID) pair
// is the route's identity and never changes; enabling and disabling only
// flips the Enabled flag.
//
// Legacy routes were migrated from the old relay mechanism and carry their
// own failure bookkeeping: LegacyErrorRate counts consecutive failures since
// the last success, and LegacyDisableForFailureOnDate records when the route
// was auto-disabled for breaching the failure threshold (nil while healthy).
type MirroredChannel struct {
	SrcID                         int64      `gorm:"column:src_id;primaryKey;autoIncrement:false"`
	DestID                        int64      `gorm:"column:dest_id;primaryKey;autoIncrement:false"`
	DestServerID                  int64      `gorm:"column:dest_server_id;index"`
	Legacy                        bool       `gorm:"column:legacy"`
	Enabled                       bool       `gorm:"column:enabled;index"`
	LegacyErrorRate               int        `gorm:"column:legacy_error_rate"`
	LegacyDisableForFailureOnDate *time.Time `gorm:"column:legacy_disable_for_failure_on_date"`
}

func (MirroredChannel) TableName() string { return "mirrored_channel" }

// MirroredMessage links a source message to the copy that was relayed into a
// destination channel. DestMsg is the ledger-assigned surrogate key and is
// the handle edit/delete propagation uses to address the mirrored copy.
// Rows are written exactly once, after the destination send is confirmed,
// and are never updated.
type MirroredMessage struct {
	DestMsg          int64     `gorm:"column:dest_msg;primaryKey;autoIncrement"`
	DestChannel      int64     `gorm:"column:dest_ch;index:idx_source_dest"`
	SourceMsg        int64     `gorm:"column:source_msg;index:idx_source_dest;index"`
	SourceChannel    int64     `gorm:"column:src_ch"`
	CreationDatetime time.Time `gorm:"column:creation_datetime;index"`
}

func (MirroredMessage) TableName() string { return "mirrored_message" }

// ServerStatistics is a periodically refreshed population gauge per server,
// used to order relay destinations (bigger servers first, unknown servers
// ahead of everything so new servers are not starved).
type ServerStatistics struct {
	ID         int64 `gorm:"column:id;primaryKey;autoIncrement:false"`
	Population int64 `gorm:"column:population"`
}

func (ServerStatistics) TableName() string { return "server_statistics" }

// RoutePair identifies a route without carrying its state.
type RoutePair struct {
	Src  int64
	Dest int64
}
