// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package services holds the business logic of the workflow runtime: pipeline
// and run management, workflow composition, and the workflow run scheduler.
// The HTTP layer is a thin shell over these services.
package services

import "errors"

// Domain error taxonomy. Handlers map these to status codes; everything else
// is an internal error. ErrCycleDetected and ErrInvalidTransition live with
// the DAG validator and the state machine respectively.
var (
	// ErrNotFound marks an unknown or soft-deleted entity.
	ErrNotFound = errors.New("not found")

	// ErrInvalid marks failed input validation, including references to
	// unknown UUIDs inside an otherwise well-formed request.
	ErrInvalid = errors.New("invalid input")

	// ErrInUse blocks a soft delete while live references remain.
	ErrInUse = errors.New("resource in use")

	// ErrConflict marks an exhausted concurrency retry.
	ErrConflict = errors.New("conflict")
)
