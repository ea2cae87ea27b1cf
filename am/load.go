package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/postpulse/errors"
)

// EnvPrefix prefixes every environment override (POSTPULSE_SCHEDULER_POLL_INTERVAL_SECONDS)
const EnvPrefix = "POSTPULSE"

var globalConfig *Config
var viperInstance *viper.Viper

// ConfigSources records which file set each key during the last load
var ConfigSources = map[string]SourceInfo{}

// mergedFiles lists the config files read during the last load
var mergedFiles []string

// Load reads the postpulse configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	config, err := LoadWithViper(initViper())
	if err != nil {
		return nil, errors.WithHint(err, "fix the value in am.toml or unset the POSTPULSE_* override")
	}

	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper decodes and validates the configuration held by v
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadFromFile loads one file over the defaults, ignoring the cascade and
// the environment. `postpulse am validate <file>` uses it to check a file
// before it is installed.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config in %s", configPath)
	}

	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
	mergedFiles = nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)

	// Set defaults first
	SetDefaults(v)

	// Manually merge configs in precedence order: system -> user -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// UserConfigDir returns ~/.postpulse
func UserConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".postpulse")
}

// findProjectConfig searches for am.toml by walking up the directory tree.
// Returns the path to the first file found, or empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root, stop searching
			break
		}
		dir = parent
	}

	return ""
}

type configFile struct {
	path   string
	source ConfigSource
}

// mergeConfigFiles manually merges configuration files in the correct precedence order
// Precedence (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper) {
	files := []configFile{
		{"/etc/postpulse/am.toml", SourceSystem},
	}
	if userDir := UserConfigDir(); userDir != "" {
		files = append(files, configFile{filepath.Join(userDir, "am.toml"), SourceUser})
	}
	// A project file in the home directory is the user file; don't count it twice.
	if projectConfig := findProjectConfig(); projectConfig != "" &&
		(len(files) < 2 || projectConfig != files[1].path) {
		files = append(files, configFile{projectConfig, SourceProject})
	}

	for _, f := range files {
		if _, err := os.Stat(f.path); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(f.path)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}
		mergedFiles = append(mergedFiles, f.path)
		// File values replace defaults leaf by leaf; Set would shadow env vars
		for _, key := range tempViper.AllKeys() {
			v.SetDefault(key, tempViper.Get(key))
			ConfigSources[key] = SourceInfo{Source: f.source, Path: f.path}
		}
	}
}
