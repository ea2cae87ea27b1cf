package selectors

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tomlSet = `
version = "2.1.0"

[targets]
compose_box = ["#composer", "textarea"]
publish_button = ["#publish"]
`

const yamlSet = `
version: 2.2.0
targets:
  compose_box:
    - "#composer-v2"
`

func TestDefaultSetIsValid(t *testing.T) {
	set := Default()
	require.NoError(t, set.Validate())
	for _, target := range []string{ComposeTrigger, ComposeBox, PublishButton, Loading, ErrorToast, SuccessToast, PostLink, ProfilePost, LoginWall, PublishDisabled} {
		assert.NotEmpty(t, set.Candidates(target), target)
	}
}

func TestParse(t *testing.T) {
	set, err := Parse(".toml", []byte(tomlSet))
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", set.Version)
	assert.Equal(t, []string{"#composer", "textarea"}, set.Candidates(ComposeBox))

	set, err = Parse(".yml", []byte(yamlSet))
	require.NoError(t, err)
	assert.Equal(t, "2.2.0", set.Version)

	_, err = Parse(".json", []byte(`{}`))
	assert.Error(t, err)

	_, err = Parse(".toml", []byte(`version = "not-semver"
[targets]
a = ["b"]`))
	assert.Error(t, err)

	_, err = Parse(".toml", []byte(`version = "1.0.0"
[targets]
a = []`))
	assert.Error(t, err)
}

func TestSatisfies(t *testing.T) {
	set := &Set{Version: "2.1.0"}
	assert.NoError(t, set.Satisfies(""))
	assert.NoError(t, set.Satisfies("^2.0"))
	assert.Error(t, set.Satisfies(">=3.0.0"))
	assert.Error(t, set.Satisfies("not a constraint"))
}

func TestFileSourceLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlSet), 0600))

	src, err := NewFileSource(path, "^2")
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", src.Version())
	assert.Equal(t, []string{"#publish"}, src.Candidates(PublishButton))
	assert.Equal(t, Default().Candidates(LoginWall), src.Candidates(LoginWall), "unspecified targets fall back to defaults")

	_, err = NewFileSource(path, "^3")
	assert.Error(t, err)
}

func TestFileSourceRejectsBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selectors.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlSet), 0600))
	src, err := NewFileSource(path, "")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("version = ["), 0600))
	assert.Error(t, src.Reload())
	assert.Equal(t, "2.1.0", src.Version(), "previous set stays active")
}

func TestStaticSwap(t *testing.T) {
	s := NewStatic(Default())
	assert.Equal(t, "1.0.0", s.Version())

	s.Swap(&Set{Version: "9.0.0", Targets: map[string][]string{ComposeBox: {"x"}}})
	assert.Equal(t, []string{"x"}, s.Candidates(ComposeBox))
	assert.Nil(t, s.Candidates(PublishButton))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selectors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlSet), 0600))

	src, err := NewFileSource(path, "")
	require.NoError(t, err)
	w, err := NewWatcher(src, nil)
	require.NoError(t, err)

	reloaded := make(chan string, 4)
	w.OnReload(func(version string, err error) {
		if err == nil {
			reloaded <- version
		}
	})
	w.Start()
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("version: 2.3.0\ntargets:\n  compose_box: [\"#v3\"]\n"), 0600))

	select {
	case v := <-reloaded:
		assert.Equal(t, "2.3.0", v)
		assert.Equal(t, []string{"#v3"}, src.Candidates(ComposeBox))
	case <-time.After(5 * time.Second):
		t.Fatal("selector file change was not picked up")
	}
}
