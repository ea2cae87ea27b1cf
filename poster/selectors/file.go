package selectors

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/postpulse/errors"
)

// LoadFile reads a selector set from a .toml, .yaml or .yml file.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read selector file %s", path)
	}
	return Parse(filepath.Ext(path), data)
}

// Parse decodes a selector set in the format named by ext.
func Parse(ext string, data []byte) (*Set, error) {
	var set Set
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&set); err != nil {
			return nil, errors.Wrap(err, "decode selector toml")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &set); err != nil {
			return nil, errors.Wrap(err, "decode selector yaml")
		}
	default:
		return nil, errors.Newf("unsupported selector file type %q (want .toml or .yaml)", ext)
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

// FileSource serves the selector set from a file layered over the built-in
// defaults. Reload swaps the active set only when the new file is valid and
// satisfies the version constraint; otherwise the previous set stays active.
type FileSource struct {
	path       string
	constraint string
	base       *Set
	current    atomic.Pointer[Set]
}

// NewFileSource loads path and checks it against constraint ("" accepts any).
func NewFileSource(path, constraint string) (*FileSource, error) {
	fs := &FileSource{path: path, constraint: constraint, base: Default()}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Path returns the watched file
func (f *FileSource) Path() string { return f.path }

// Reload re-reads the file
func (f *FileSource) Reload() error {
	set, err := LoadFile(f.path)
	if err != nil {
		return err
	}
	if err := set.Satisfies(f.constraint); err != nil {
		return err
	}
	f.current.Store(f.base.Merge(set))
	return nil
}

// Candidates implements Source
func (f *FileSource) Candidates(target string) []string {
	return f.current.Load().Candidates(target)
}

// Version implements Source
func (f *FileSource) Version() string {
	return f.current.Load().Version
}
