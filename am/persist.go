package am

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/postpulse/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}

	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// Nest turns dotted keys into the nested tables a config file uses
func Nest(flat map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range flat {
		parts := strings.Split(key, ".")
		m := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = value
	}
	return out
}

// WriteDefaults writes every key with its built-in value to path. An
// existing file is only replaced when force is set, after a rotating backup.
func WriteDefaults(path string, force bool) error {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return errors.WithHint(errors.Newf("%s already exists", path), "pass --force to overwrite (a .back1 copy is kept)")
		}
		if err := createBackup(path); err != nil {
			return errors.Wrap(err, "failed to create backup")
		}
	}

	data, err := toml.Marshal(Nest(Defaults()))
	if err != nil {
		return errors.Wrap(err, "failed to marshal defaults")
	}

	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	header := "# postpulse configuration\n# Override any key with POSTPULSE_<SECTION>_<KEY>.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// Render encodes settings as "toml" or "yaml"
func Render(settings map[string]interface{}, format string) ([]byte, error) {
	switch format {
	case "toml":
		data, err := toml.Marshal(settings)
		return data, errors.Wrap(err, "failed to encode toml")
	case "yaml", "yml":
		data, err := yaml.Marshal(settings)
		return data, errors.Wrap(err, "failed to encode yaml")
	default:
		return nil, errors.Newf("unknown format %q (want toml or yaml)", format)
	}
}

// Effective returns the merged settings as nested tables
func Effective() map[string]interface{} {
	return GetViper().AllSettings()
}

// Describe returns a one-line summary of where a key's value came from
func (s SettingInfo) Describe() string {
	if s.SourcePath == "" {
		return string(s.Source)
	}
	return fmt.Sprintf("%s (%s)", s.Source, s.SourcePath)
}
