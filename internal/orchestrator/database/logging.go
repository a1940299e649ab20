// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package database

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flumeworks/flume/internal/logger"
)

var (
	dbLog     *zerolog.Logger
	dbLogOnce sync.Once
)

func getDBLog() *zerolog.Logger {
	dbLogOnce.Do(func() {
		l := logger.GetDatabaseLogger().With().Str("component", "gorm").Logger()
		dbLog = &l
	})
	return dbLog
}

// gormLogAdapter forwards gorm's logging to the database logger. Routine
// queries stay quiet; only failures and slow queries are recorded.
type gormLogAdapter struct {
	slowThreshold time.Duration
}

func newGormLogAdapter() gormLogAdapter {
	return gormLogAdapter{slowThreshold: 200 * time.Millisecond}
}

func (l gormLogAdapter) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }

func (l gormLogAdapter) Info(_ context.Context, msg string, args ...interface{}) {
	getDBLog().Info().Msgf(msg, args...)
}

func (l gormLogAdapter) Warn(_ context.Context, msg string, args ...interface{}) {
	getDBLog().Warn().Msgf(msg, args...)
}

func (l gormLogAdapter) Error(_ context.Context, msg string, args ...interface{}) {
	getDBLog().Error().Msgf(msg, args...)
}

func (l gormLogAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		getDBLog().Error().Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("Query failed")
	case elapsed > l.slowThreshold:
		sql, rows := fc()
		getDBLog().Warn().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("Slow query")
	}
}
