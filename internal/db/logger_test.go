package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newObservedLogger(level gormlogger.LogLevel) (gormlogger.Interface, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return newCatalogLogger(zap.New(core), level), logs
}

func traceStatement(l gormlogger.Interface, began time.Time, err error) {
	l.Trace(context.Background(), began, func() (string, int64) {
		return "SELECT * FROM profiles", 1
	}, err)
}

func TestCatalogLoggerReportsQueryErrors(t *testing.T) {
	l, logs := newObservedLogger(gormlogger.Warn)

	traceStatement(l, time.Now(), errors.New("database is locked"))

	entries := logs.FilterMessage("catalog query failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
}

func TestCatalogLoggerIgnoresRecordNotFound(t *testing.T) {
	l, logs := newObservedLogger(gormlogger.Warn)

	traceStatement(l, time.Now(), gorm.ErrRecordNotFound)

	assert.Zero(t, logs.Len())
}

func TestCatalogLoggerWarnsOnSlowQueries(t *testing.T) {
	l, logs := newObservedLogger(gormlogger.Warn)

	traceStatement(l, time.Now().Add(-2*catalogSlowQuery), nil)

	entries := logs.FilterMessage("catalog slow query").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}

func TestCatalogLoggerTracesOnlyAtInfo(t *testing.T) {
	l, logs := newObservedLogger(gormlogger.Warn)
	traceStatement(l, time.Now(), nil)
	assert.Zero(t, logs.Len())

	// db.Debug() style per-statement override.
	traced, tracedLogs := newObservedLogger(gormlogger.Warn)
	traceStatement(traced.LogMode(gormlogger.Info), time.Now(), nil)
	assert.Zero(t, logs.Len())
	require.Equal(t, 1, tracedLogs.FilterMessage("catalog query").Len())
}

func TestCatalogLoggerSilent(t *testing.T) {
	l, logs := newObservedLogger(gormlogger.Silent)

	traceStatement(l, time.Now().Add(-time.Second), errors.New("boom"))

	assert.Zero(t, logs.Len())
}
