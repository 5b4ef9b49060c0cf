package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/roach88/recast/internal/model"
)

var loadedAt = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	assert.Empty(t, Validate(cfg))

	assert.Equal(t, "recast.db", cfg.Database.Path)
	assert.Equal(t, 7, cfg.CooldownDays)
	assert.Equal(t, 50, cfg.Ranking.TopK)
	assert.Equal(t, 5, cfg.Executor.BatchSize)
	assert.Equal(t, time.Minute, cfg.Executor.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.Executor.PublishTimeout)
	assert.Equal(t, 10, cfg.Limits.MaxPostsPerDay)
	assert.Equal(t, 0.02, cfg.Dedup.SizeTolerance)
	assert.Equal(t, 1<<20, cfg.Fingerprint.ChunkSize)
	assert.Equal(t, 2*time.Hour, cfg.Retry.MaxDelay)
	assert.Equal(t, LeaseSQLite, cfg.Lease.Backend)
	assert.Empty(t, cfg.EnabledPlatforms())
}

func TestLoad_FileEnvAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "recast.yaml", `
timezone: Europe/Berlin
executor:
  batch_size: 3
  publish_timeout: 90s
platforms:
  youtube:
    enabled: true
    endpoint: http://relay/youtube
    token: secret-token
`)
	t.Setenv("RECAST_EXECUTOR_BATCH_SIZE", "7")
	t.Setenv("RECAST_LIMITS_MAX_POSTS_PER_DAY", "0")

	snap, err := Load(LoadOptions{
		ConfigFile: path,
		EnvFile:    filepath.Join(dir, "missing.env"),
		Overrides:  map[string]any{"database.path": "/tmp/other.db"},
		Now:        func() time.Time { return loadedAt },
	})
	require.NoError(t, err)

	cfg := snap.Config
	assert.Equal(t, path, snap.Source)
	assert.True(t, snap.LoadedAt.Equal(loadedAt))
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	assert.Equal(t, 7, cfg.Executor.BatchSize, "env beats file")
	assert.Equal(t, 90*time.Second, cfg.Executor.PublishTimeout)
	assert.Equal(t, 0, cfg.Limits.MaxPostsPerDay)
	assert.Equal(t, "/tmp/other.db", cfg.Database.Path)
	assert.Equal(t, []model.Platform{model.PlatformYouTube}, cfg.EnabledPlatforms())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, "test.env", "RECAST_SERVER_ADDR=:9191\n")
	t.Cleanup(func() { os.Unsetenv("RECAST_SERVER_ADDR") })

	snap, err := Load(LoadOptions{ConfigFile: writeFile(t, dir, "recast.yaml", "{}\n"), EnvFile: envFile})
	require.NoError(t, err)
	assert.Equal(t, ":9191", snap.Config.Server.Addr)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(LoadOptions{ConfigFile: writeFile(t, dir, "recast.yaml", "executor: [1, 2\n")})
	assert.Error(t, err)

	_, err = Load(LoadOptions{ConfigFile: writeFile(t, dir, "bad.yaml", "executor:\n  concurrency: 9\n")})
	require.Error(t, err)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, ErrSchema, verrs[0].Code)
}

func hasError(errs ValidationErrors, code, field string) bool {
	for _, e := range errs {
		if e.Code == code && (field == "" || e.Field == field) {
			return true
		}
	}
	return false
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		code   string
		field  string
	}{
		{"batch size zero", func(c *Config) { c.Executor.BatchSize = 0 }, ErrSchema, ""},
		{"batch size too large", func(c *Config) { c.Executor.BatchSize = 101 }, ErrSchema, ""},
		{"concurrency above five", func(c *Config) { c.Executor.Concurrency = 6 }, ErrSchema, ""},
		{"negative cooldown", func(c *Config) { c.CooldownDays = -1 }, ErrSchema, ""},
		{"tolerance of one", func(c *Config) { c.Dedup.SizeTolerance = 1 }, ErrSchema, ""},
		{"top k zero", func(c *Config) { c.Ranking.TopK = 0 }, ErrSchema, ""},
		{"unknown lease backend", func(c *Config) { c.Lease.Backend = "etcd" }, ErrSchema, ""},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }, ErrSchema, ""},
		{"unknown platform", func(c *Config) { c.Platforms["tiktok"] = PlatformConfig{} }, ErrSchema, ""},
		{"empty timezone", func(c *Config) { c.Timezone = "" }, ErrSchema, ""},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus_Mons" }, ErrTimezone, "timezone"},
		{"enabled without endpoint", func(c *Config) {
			c.Platforms["instagram"] = PlatformConfig{Enabled: true}
		}, ErrPlatformEndpoint, "platforms.instagram.endpoint"},
		{"max delay below base", func(c *Config) { c.Retry.MaxDelay = time.Minute }, ErrRetryDelays, "retry.max_delay"},
		{"redis without addr", func(c *Config) { c.Lease.Backend = LeaseRedis }, ErrRedisAddr, "redis.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			errs := Validate(cfg)
			require.NotEmpty(t, errs)
			assert.True(t, hasError(errs, tt.code, tt.field), "got %v", errs)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Executor.BatchSize = 0
	cfg.Timezone = "Nowhere/Nothing"
	cfg.Retry.MaxDelay = time.Second

	errs := Validate(cfg)
	assert.GreaterOrEqual(t, len(errs), 3)
	assert.Contains(t, errs.Error(), "invalid configuration")
}

func TestSnapshot_VersionAndRedaction(t *testing.T) {
	cfg := Default()
	cfg.Platforms["youtube"] = PlatformConfig{Enabled: true, Endpoint: "http://relay", Token: "s3cret"}
	cfg.Redis.Password = "hunter2"

	a, err := NewSnapshot(cfg, "", loadedAt)
	require.NoError(t, err)
	b, err := NewSnapshot(cfg, "", loadedAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, a.Version, b.Version, "same settings, same version")
	assert.Len(t, a.Version, 12)

	cfg.Executor.BatchSize = 9
	c, err := NewSnapshot(cfg, "", loadedAt)
	require.NoError(t, err)
	assert.NotEqual(t, a.Version, c.Version)

	data, err := a.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cret")
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), "5m0s")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, a.Version, back["version"])

	// Redaction never touches the original.
	assert.Equal(t, "s3cret", a.Config.Platforms["youtube"].Token)
}
