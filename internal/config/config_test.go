// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := NewConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "flume.db", cfg.Database.Database)
	assert.Equal(t, "INFO", cfg.Log.Level)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "flume-artifacts", cfg.S3.Bucket)
	assert.Equal(t, time.Hour, cfg.S3.PresignTimeout)
	assert.Equal(t, "flume-executor-queue", cfg.Executor.TaskQueue)
	assert.Equal(t, 30*time.Second, cfg.Callback.Timeout)
	assert.Equal(t, int64(1<<30), cfg.Artifact.MaxUploadBytes)
	assert.Equal(t, 4, cfg.Executor.MaxConcurrentRuns)
}

func TestConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  driver: postgres
  host: db.internal
  port: 5433
  username: flume
  password: secret
  database: flume_prod
server:
  port: 9090
s3:
  bucket: prod-artifacts
  presign_timeout: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "prod-artifacts", cfg.S3.Bucket)
	assert.Equal(t, 2*time.Hour, cfg.S3.PresignTimeout)
	// untouched defaults survive
	assert.Equal(t, "flume-executor-queue", cfg.Executor.TaskQueue)
}

func TestConfigValidation(t *testing.T) {
	write := func(t *testing.T, content string) string {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	t.Run("invalid log level", func(t *testing.T) {
		_, err := NewConfig(write(t, "log:\n  level: LOUD\n"))
		assert.ErrorContains(t, err, "invalid log level")
	})

	t.Run("invalid server port", func(t *testing.T) {
		_, err := NewConfig(write(t, "server:\n  port: 70000\n"))
		assert.ErrorContains(t, err, "invalid server port")
	})

	t.Run("missing bucket", func(t *testing.T) {
		_, err := NewConfig(write(t, "s3:\n  bucket: \"\"\n"))
		assert.ErrorContains(t, err, "s3.bucket")
	})

	t.Run("half a key pair", func(t *testing.T) {
		_, err := NewConfig(write(t, "s3:\n  access_key_id: AKIA123\n"))
		assert.ErrorContains(t, err, "must be set together")
	})

	t.Run("zero callback timeout", func(t *testing.T) {
		_, err := NewConfig(write(t, "callback:\n  timeout: 0s\n"))
		assert.ErrorContains(t, err, "callback.timeout")
	})
}

func TestGetDSN(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		dc := DatabaseConfig{Driver: "sqlite", Database: "flume.db"}
		assert.Equal(t, "flume.db", dc.GetDSN())
	})

	t.Run("sqlite in-memory uses shared cache", func(t *testing.T) {
		dc := DatabaseConfig{Driver: "sqlite", Database: ":memory:"}
		assert.Equal(t, "file::memory:?cache=shared", dc.GetDSN())
	})

	t.Run("postgres", func(t *testing.T) {
		dc := DatabaseConfig{
			Driver: "postgres", Host: "localhost", Port: 5432,
			Username: "flume", Password: "pw", Database: "flume", SSLMode: "disable",
		}
		assert.Equal(t,
			"host=localhost port=5432 user=flume password=pw dbname=flume sslmode=disable",
			dc.GetDSN())
	})
}
