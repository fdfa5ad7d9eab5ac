package relay

import (
	"context"

	"go.uber.org/zap"
)

// Message is the relay engine's view of a source message. The engine copies
// it verbatim; content transformation belongs to the host.
type Message struct {
	SourceChannel int64
	SourceMessage int64
	Content       string
}

// Sender delivers into destination channels. The chat transport itself is an
// external collaborator: the host process injects its implementation.
//
// destMsg in Update and Delete is the ledger's surrogate key for the
// mirrored copy; implementations map it to their platform message.
//
// Implementations classify failures by returning (or wrapping)
// ErrRelayRejected when the destination refused the message and
// ErrRelayUnknown when the outcome is indeterminate. Context deadline expiry
// is classified by the engine as ErrRelayTimeout.
type Sender interface {
	Send(ctx context.Context, destCh int64, msg Message) error
	Update(ctx context.Context, destCh, destMsg int64, msg Message) error
	Delete(ctx context.Context, destCh, destMsg int64) error
}

// LogSender is the bundled no-network Sender: every delivery is a log line.
// It backs the dry-run flow and is handy in tests.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, destCh int64, msg Message) error {
	s.log.Info("send",
		zap.Int64("dest_ch", destCh),
		zap.Int64("src_ch", msg.SourceChannel),
		zap.Int64("source_msg", msg.SourceMessage))
	return nil
}

func (s *LogSender) Update(_ context.Context, destCh, destMsg int64, msg Message) error {
	s.log.Info("update",
		zap.Int64("dest_ch", destCh),
		zap.Int64("dest_msg", destMsg),
		zap.Int64("source_msg", msg.SourceMessage))
	return nil
}

func (s *LogSender) Delete(_ context.Context, destCh, destMsg int64) error {
	s.log.Info("delete",
		zap.Int64("dest_ch", destCh),
		zap.Int64("dest_msg", destMsg))
	return nil
}
