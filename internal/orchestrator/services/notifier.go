// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flumeworks/flume/internal/logger"
)

var (
	notifierLog     *zerolog.Logger
	notifierLogOnce sync.Once
)

func getNotifierLog() *zerolog.Logger {
	notifierLogOnce.Do(func() {
		l := logger.GetPipelinesLogger().With().Str("component", "callback_notifier").Logger()
		notifierLog = &l
	})
	return notifierLog
}

// RunStateNotification is the body posted to a run's callback URL after each
// state change.
type RunStateNotification struct {
	PipelineRunUUID string `json:"pipeline_run_uuid"`
	State           string `json:"state"`
}

// CallbackNotifier posts run-state notifications to client callback URLs.
// Notifications are best-effort: failures are logged and never surfaced to
// the caller that triggered the state change.
type CallbackNotifier struct {
	client *http.Client
}

// NewCallbackNotifier creates a notifier with the given per-request timeout.
func NewCallbackNotifier(timeout time.Duration) *CallbackNotifier {
	return &CallbackNotifier{
		client: &http.Client{Timeout: timeout},
	}
}

// NotifyRunStateChanged posts the notification to url. Blocking; callers run
// it on their own goroutine.
func (n *CallbackNotifier) NotifyRunStateChanged(ctx context.Context, url string, notification RunStateNotification) {
	body, err := json.Marshal(notification)
	if err != nil {
		getNotifierLog().Error().Err(err).Str("callback_url", url).Msg("Failed to encode callback payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		getNotifierLog().Error().Err(err).Str("callback_url", url).Msg("Failed to build callback request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		getNotifierLog().Warn().Err(err).
			Str("callback_url", url).Str("run_uuid", notification.PipelineRunUUID).
			Msg("Run state callback failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		getNotifierLog().Warn().
			Str("callback_url", url).Str("run_uuid", notification.PipelineRunUUID).
			Int("status", resp.StatusCode).
			Msg("Run state callback rejected")
	}
}
