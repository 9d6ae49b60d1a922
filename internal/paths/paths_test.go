package paths

import (
	"errors"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubHome(t *testing.T, dir string) {
	t.Helper()
	orig := homeDir
	homeDir = func() (string, error) { return dir, nil }
	t.Cleanup(func() { homeDir = orig })
}

func TestDefaultDirs_Linux(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux-only test")
	}
	stubHome(t, "/home/cook")

	tests := []struct {
		name string
		env  map[string]string
		fn   func() (string, error)
		want string
	}{
		{"config from XDG", map[string]string{"XDG_CONFIG_HOME": "/tmp/xdg-config"}, DefaultConfigDir, "/tmp/xdg-config/larder"},
		{"config fallback", map[string]string{"XDG_CONFIG_HOME": ""}, DefaultConfigDir, "/home/cook/.config/larder"},
		{"data from XDG", map[string]string{"XDG_DATA_HOME": "/tmp/xdg-data"}, DefaultDataDir, "/tmp/xdg-data/larder"},
		{"data fallback", map[string]string{"XDG_DATA_HOME": ""}, DefaultDataDir, "/home/cook/.local/share/larder"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := tt.fn()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultConfigDir_HomeError(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("linux-only test")
	}
	t.Setenv("XDG_CONFIG_HOME", "")
	orig := homeDir
	homeDir = func() (string, error) { return "", errors.New("no home") }
	t.Cleanup(func() { homeDir = orig })

	_, err := DefaultConfigDir()
	assert.Error(t, err)
}

func TestResolveConfigDir(t *testing.T) {
	tmp := t.TempDir()

	t.Run("flag wins over env", func(t *testing.T) {
		t.Setenv(EnvConfigDir, filepath.Join(tmp, "env"))
		got, err := ResolveConfigDir(filepath.Join(tmp, "flag"))
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmp, "flag"), got)
	})

	t.Run("env when no flag", func(t *testing.T) {
		t.Setenv(EnvConfigDir, filepath.Join(tmp, "env"))
		got, err := ResolveConfigDir("")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmp, "env"), got)
	})

	t.Run("platform default otherwise", func(t *testing.T) {
		t.Setenv(EnvConfigDir, "")
		want, err := DefaultConfigDir()
		require.NoError(t, err)
		got, err := ResolveConfigDir("")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})
}

func TestResolveDataDir(t *testing.T) {
	tmp := t.TempDir()
	orig := workingDir
	workingDir = func() (string, error) { return tmp, nil }
	t.Cleanup(func() { workingDir = orig })

	tests := []struct {
		name       string
		flag       string
		configured string
		env        string
		want       string
	}{
		{"flag first", filepath.Join(tmp, "flag"), filepath.Join(tmp, "cfg"), filepath.Join(tmp, "env"), filepath.Join(tmp, "flag")},
		{"config before env", "", filepath.Join(tmp, "cfg"), filepath.Join(tmp, "env"), filepath.Join(tmp, "cfg")},
		{"env", "", "", filepath.Join(tmp, "env"), filepath.Join(tmp, "env")},
		{"working directory default", "", "", "", filepath.Join(tmp, DataDirName)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvDataDir, tt.env)
			got, err := ResolveDataDir(tt.flag, tt.configured)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveDataDir_RelativeFlag(t *testing.T) {
	got, err := ResolveDataDir("relative-dir", "")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
}
