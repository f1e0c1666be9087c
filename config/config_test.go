package config

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/revenue-reconciler/lock"
	"github.com/warp/revenue-reconciler/recon"
)

// writeConfig writes a YAML file into a temp dir and returns its path.
func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "reconciler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// =============================================================================
// LOAD
// =============================================================================

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New(), writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "reconciler.db", cfg.Database.Path)
	assert.Equal(t, LockLocal, cfg.Lock.Driver)
	assert.Equal(t, 10*time.Second, cfg.Lock.TTL)
	assert.Equal(t, "info", cfg.Logging.Level)

	engine, err := cfg.Matching.Engine()
	require.NoError(t, err)
	def := recon.DefaultConfig()
	assert.True(t, engine.Tolerance.Equal(def.Tolerance))
	assert.Equal(t, def.AutoMatchThreshold, engine.AutoMatchThreshold)
	assert.Equal(t, def.Weights, engine.Weights)
	assert.Equal(t, def.MaxRetries, engine.MaxRetries)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A file setting the tolerance and threshold, and an env var
	//        overriding the tolerance
	// WHEN: Loading
	// THEN: The env var wins; the file value survives where env is silent

	path := writeConfig(t, `
matching:
  tolerance: "0.01"
  auto_match_threshold: 0.9
  weights:
    usage: 0.5
lock:
  driver: none
`)
	t.Setenv("RECON_MATCHING_TOLERANCE", "0.02")
	t.Setenv("RECON_DATABASE_PATH", "/tmp/recon-test.db")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "0.02", cfg.Matching.Tolerance)
	assert.Equal(t, 0.9, cfg.Matching.AutoMatchThreshold)
	assert.Equal(t, 0.5, cfg.Matching.Weights.Usage)
	assert.Equal(t, 0.20, cfg.Matching.Weights.Commission, "unset weights keep defaults")
	assert.Equal(t, "/tmp/recon-test.db", cfg.Database.Path)
	assert.Equal(t, LockNone, cfg.Lock.Driver)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"tolerance not a number", map[string]string{"RECON_MATCHING_TOLERANCE": "abc"}},
		{"negative tolerance", map[string]string{"RECON_MATCHING_TOLERANCE": "-0.01"}},
		{"threshold above one", map[string]string{"RECON_MATCHING_AUTO_MATCH_THRESHOLD": "1.5"}},
		{"unknown lock driver", map[string]string{"RECON_LOCK_DRIVER": "etcd"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(viper.New(), writeConfig(t, "{}\n"))
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// LOGGER
// =============================================================================

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "debug", "json")
	require.NoError(t, err)

	log.WithField("match_group_id", "g-1").Debug("applied")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "applied", entry["msg"])
	assert.Equal(t, "g-1", entry["match_group_id"])
	assert.Equal(t, "debug", entry["level"])
}

func TestNewLogger_TextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "warn", "text")
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, log.GetLevel())

	log.Info("hidden")
	log.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := newLogger(&bytes.Buffer{}, "loud", "text")
	assert.Error(t, err)

	_, err = newLogger(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

// =============================================================================
// LOCKER
// =============================================================================

func TestNewLocker(t *testing.T) {
	log := logrus.New()
	ctx := context.Background()

	locker, closeFn, err := NewLocker(ctx, LockConfig{Driver: LockNone}, log)
	require.NoError(t, err)
	assert.Nil(t, locker)
	assert.NoError(t, closeFn())

	locker, closeFn, err = NewLocker(ctx, LockConfig{Driver: LockLocal}, log)
	require.NoError(t, err)
	assert.IsType(t, &lock.Local{}, locker)
	assert.NoError(t, closeFn())

	_, _, err = NewLocker(ctx, LockConfig{Driver: "zookeeper"}, log)
	assert.Error(t, err)
}
