// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetSchedulerLogger returns a logger for workflow run scheduling
func GetSchedulerLogger() zerolog.Logger {
	return GetLogger("scheduler")
}

// GetPipelinesLogger returns a logger for pipeline and pipeline run operations
func GetPipelinesLogger() zerolog.Logger {
	return GetLogger("pipelines")
}

// GetWorkflowsLogger returns a logger for workflow composition operations
func GetWorkflowsLogger() zerolog.Logger {
	return GetLogger("workflows")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetExecutorLogger returns a logger for run execution and worker components
func GetExecutorLogger() zerolog.Logger {
	return GetLogger("executor")
}

// GetStorageLogger returns a logger for artifact storage operations
func GetStorageLogger() zerolog.Logger {
	return GetLogger("storage")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}
