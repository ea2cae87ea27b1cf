package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/teranos/postpulse/pulse/jobs"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

// isolate points HOME and the working directory at a temp dir
func isolate(t *testing.T) string {
	t.Helper()
	Reset()
	t.Cleanup(Reset)

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "jobs", cfg.Store.JobsDir)
	assert.Equal(t, "postpulse.db", cfg.Database.Path)
	assert.Equal(t, 30, cfg.Scheduler.PollIntervalSeconds)
	assert.Equal(t, 3, cfg.Scheduler.DefaultMaxRetries)
	assert.Equal(t, 500, cfg.Poster.MinDelayMS)
	assert.Equal(t, 2000, cfg.Poster.MaxDelayMS)
	assert.Contains(t, cfg.Poster.NonRetryablePhrases, "suspended")
}

func TestConversions(t *testing.T) {
	cfg := defaultConfig(t)

	jc := cfg.JobsConfig()
	assert.Equal(t, jobs.DefaultConfig(), jc, "defaults must agree with the job table's own")

	sc := cfg.ScheduleConfig()
	assert.Equal(t, 30*time.Second, sc.PollInterval)
	assert.Equal(t, 5*time.Second, sc.ErrorBackoff)

	pc := cfg.PosterConfig()
	assert.Equal(t, 500*time.Millisecond, pc.Pacing.MinDelay)
	assert.Equal(t, 2*time.Second, pc.Pacing.MaxDelay)
	assert.Equal(t, 3, pc.StepAttempts)
	assert.Equal(t, 30*time.Second, pc.SettleTimeout)

	assert.Equal(t, 30*time.Second, cfg.DriverCallTimeout())
	assert.Equal(t, 30*24*time.Hour, cfg.ExecutionRetention())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero retries is valid", func(c *Config) { c.Scheduler.DefaultMaxRetries = 0 }, false},
		{"zero retention keeps forever", func(c *Config) { c.Database.RetainDays = 0 }, false},
		{"empty jobs dir", func(c *Config) { c.Store.JobsDir = "" }, true},
		{"unknown timezone", func(c *Config) { c.Store.Timezone = "Mars/Olympus" }, true},
		{"zero poll interval", func(c *Config) { c.Scheduler.PollIntervalSeconds = 0 }, true},
		{"negative retries", func(c *Config) { c.Scheduler.DefaultMaxRetries = -1 }, true},
		{"inverted delays", func(c *Config) { c.Poster.MinDelayMS = 3000 }, true},
		{"zero chunk", func(c *Config) { c.Poster.MinChunk = 0 }, true},
		{"bad pattern", func(c *Config) { c.Poster.ThreadIDPattern = "([" }, true},
		{"no attempts", func(c *Config) { c.Poster.StepAttempts = 0 }, true},
		{"zero driver timeout", func(c *Config) { c.Driver.CallTimeoutSeconds = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := defaultConfig(t)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	cfg.Store.Timezone = "UTC"
	loc, err = cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}

func TestLoad_MergesUserProjectAndEnv(t *testing.T) {
	dir := isolate(t)

	userDir := filepath.Join(dir, ".postpulse")
	require.NoError(t, os.MkdirAll(userDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "am.toml"), []byte(`
[store]
jobs_dir = "user-jobs"

[database]
path = "user.db"
`), 0644))

	project := filepath.Join(dir, "project")
	require.NoError(t, os.MkdirAll(filepath.Join(project, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "am.toml"), []byte(`
[store]
jobs_dir = "project-jobs"
`), 0644))
	require.NoError(t, os.Chdir(filepath.Join(project, "sub")))

	t.Setenv("POSTPULSE_SCHEDULER_POLL_INTERVAL_SECONDS", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "project-jobs", cfg.Store.JobsDir, "project file wins over user file")
	assert.Equal(t, "user.db", cfg.Database.Path, "user value survives where project is silent")
	assert.Equal(t, 7, cfg.Scheduler.PollIntervalSeconds, "env wins over files")
	assert.Equal(t, 3, cfg.Scheduler.DefaultMaxRetries, "defaults fill the rest")

	assert.Equal(t, SourceProject, ConfigSources["store.jobs_dir"].Source)
	assert.Equal(t, SourceUser, ConfigSources["database.path"].Source)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "am.toml"), []byte(`
[scheduler]
poll_interval_seconds = -1
`), 0644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.poll_interval_seconds")
}

func TestIntrospectionReportsSources(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "am.toml"), []byte(`
[driver]
url = "ws://driver.local:9000/x"
`), 0644))
	t.Setenv("POSTPULSE_DATABASE_PATH", "env.db")

	info, err := GetConfigIntrospection()
	require.NoError(t, err)

	byKey := map[string]SettingInfo{}
	for _, s := range info.Settings {
		byKey[s.Key] = s
	}
	assert.Equal(t, SourceEnvironment, byKey["database.path"].Source)
	assert.Equal(t, "POSTPULSE_DATABASE_PATH", byKey["database.path"].SourcePath)
	assert.Equal(t, "ws://driver.local:9000/x", byKey["driver.url"].Value)
	assert.Equal(t, SourceDefault, byKey["scheduler.poll_interval_seconds"].Source)
	assert.NotEmpty(t, info.ConfigFiles)
}

func TestWriteDefaultsRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "am.toml")
	require.NoError(t, WriteDefaults(path, false))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(t), cfg)

	err = WriteDefaults(path, false)
	require.Error(t, err, "existing file needs force")

	require.NoError(t, WriteDefaults(path, true))
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err, "force keeps a backup")
}

func TestRender(t *testing.T) {
	settings := Nest(map[string]interface{}{
		"store.jobs_dir":                  "jobs",
		"scheduler.poll_interval_seconds": 30,
	})

	data, err := Render(settings, "yaml")
	require.NoError(t, err)
	var fromYAML map[string]map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &fromYAML))
	assert.Equal(t, "jobs", fromYAML["store"]["jobs_dir"])

	data, err = Render(settings, "toml")
	require.NoError(t, err)
	var fromTOML map[string]map[string]interface{}
	require.NoError(t, toml.Unmarshal(data, &fromTOML))
	assert.EqualValues(t, 30, fromTOML["scheduler"]["poll_interval_seconds"])

	_, err = Render(settings, "xml")
	assert.Error(t, err)
}

func TestLoadFromFileRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\npoll_interval_seconds = 0\n"), 0600))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.poll_interval_seconds")
	assert.Contains(t, err.Error(), path)
}

func TestLoadWithViperValidates(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("store.jobs_dir", "")

	_, err := LoadWithViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.jobs_dir")
}
