// Package oplog writes ledger operation callbacks to a zap logger.
package oplog

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger *zap.Logger
}

// New wraps logger; a nil logger discards everything.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("ledger")}
}

// LogOperation emits one structured line per operation.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("owner", entry.Owner.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int("attempts", entry.Attempts),
	}
	if entry.ItemKey != (ledger.ItemKey{}) {
		fields = append(fields,
			zap.String("item_type", entry.ItemKey.ItemType().String()),
			zap.String("item_id", entry.ItemKey.ItemID().String()),
		)
	}
	if entry.GrantKey != (ledger.GrantKey{}) {
		fields = append(fields, zap.String("grant_key", entry.GrantKey.String()))
	}
	if entry.NotifyError != nil {
		fields = append(fields, zap.NamedError("notify_error", entry.NotifyError))
	}
	if entry.Error == nil {
		fields = append(fields, zap.Int64("new_balance", entry.NewBalance.Int64()))
		operationLogger.logger.Info("ledger operation", fields...)
		return
	}
	kind := ledger.KindOf(entry.Error)
	fields = append(fields, zap.String("error_kind", string(kind)), zap.Error(entry.Error))
	operationLogger.logger.Check(levelFor(kind), "ledger operation failed").Write(fields...)
}

func levelFor(kind ledger.ErrorKind) zapcore.Level {
	switch kind {
	case ledger.KindInsufficientCredit, ledger.KindInvalidArgument, ledger.KindUnknownOwner:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
