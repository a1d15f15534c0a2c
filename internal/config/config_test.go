package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithRequiredPassword(t *testing.T) {
	t.Setenv("ADMIN_PASSWORD", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, 7, cfg.RetentionDays)
	assert.Equal(t, int64(10240), cfg.MaxUploadSizeMB)
	assert.Equal(t, 5*time.Minute, cfg.ModelIdleUnload)
	assert.Equal(t, "large-v3", cfg.WhisperModel)
	assert.Equal(t, ":8000", cfg.Addr())
}

func TestLoad_MissingAdminPassword(t *testing.T) {
	os.Unsetenv("ADMIN_PASSWORD")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_PASSWORD")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9999\ndataDir: /from-file\n"), 0o600))

	t.Setenv("ADMIN_PASSWORD", "s3cret")
	t.Setenv("PORT", "8080")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port, "env beats file")
	assert.Equal(t, "/from-file", cfg.DataDir, "file beats default")
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nonsenseKey: true\n"), 0o600))

	t.Setenv("ADMIN_PASSWORD", "s3cret")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvMinutes(t *testing.T) {
	t.Setenv("ADMIN_PASSWORD", "s3cret")
	t.Setenv("MODEL_UNLOAD_MINUTES", "11")
	t.Setenv("JOB_RETENTION_DAYS", "3")
	t.Setenv("MAX_UPLOAD_SIZE_MB", "512")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 11*time.Minute, cfg.ModelIdleUnload)
	assert.Equal(t, 3*24*time.Hour, cfg.Retention())
	assert.Equal(t, int64(512*1024*1024), cfg.MaxUploadBytes())
}

func TestValidate_Bounds(t *testing.T) {
	cfg := Defaults()
	cfg.AdminPassword = "x"

	bad := cfg
	bad.Port = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.QueueCapacity = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.RetentionDays = -1
	assert.Error(t, bad.Validate())

	assert.NoError(t, cfg.Validate())
}
