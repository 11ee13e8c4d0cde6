package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// catalogSlowQuery is the elapsed time past which a catalog statement is
// logged at warn level even without SQL tracing enabled.
const catalogSlowQuery = 200 * time.Millisecond

// catalogLogger routes GORM output for the catalog connection through zap.
// Catalog statements can bind decrypted connection strings and provider
// secrets as parameters, so SQL text is only emitted at Warn for slow or
// failed statements and at Info when tracing is explicitly requested.
type catalogLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newCatalogLogger adapts log to gormlogger.Interface. A zero level defaults
// to Warn: errors and slow queries only, no per-statement tracing.
func newCatalogLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &catalogLogger{
		log:   log.Named("catalog").WithOptions(zap.AddCallerSkip(3)),
		level: level,
	}
}

// LogMode returns a copy at the given level. GORM calls it for per-statement
// overrides such as db.Debug().
func (l *catalogLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.level = level
	return &next
}

func (l *catalogLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *catalogLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *catalogLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace reports one catalog statement. gorm.ErrRecordNotFound is a normal
// lookup miss for the repositories layer and is never logged as an error.
func (l *catalogLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("catalog query failed", append(fields, zap.Error(err))...)

	case elapsed > catalogSlowQuery:
		l.log.Warn("catalog slow query", fields...)

	case l.level >= gormlogger.Info:
		l.log.Debug("catalog query", fields...)
	}
}
