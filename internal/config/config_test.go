package config

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load(afero.NewMemMapFs(), "/cfg/patchsync.yaml")
	require.NoError(t, err)

	got, err := s.Resolve()
	require.NoError(t, err)
	assert.Equal(t, Settings{
		PatchURL:     DefaultPatchURL,
		InstallDir:   ".",
		ManifestName: DefaultManifestName,
		Timeout:      DefaultTimeout,
		LogLevel:     "info",
	}, got)
}

func TestLoadFileAndEnv(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/cfg/patchsync.yaml", []byte(
		"patch-url: http://mirror.example/patch\ninstall-dir: /games/nelderim\nrate-limit: 1MiB\ntimeout: 5m\n"), 0o644))
	t.Setenv("PATCHSYNC_INSTALL_DIR", "/override")

	s, err := Load(fsys, "/cfg/patchsync.yaml")
	require.NoError(t, err)

	got, err := s.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.example/patch", got.PatchURL)
	assert.Equal(t, "/override", got.InstallDir)
	assert.Equal(t, int64(1<<20), got.RateLimit)
	assert.Equal(t, 5*time.Minute, got.Timeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/cfg/patchsync.yaml", []byte("timeout: soon\n"), 0o644))

	_, err := Load(fsys, "/cfg/patchsync.yaml")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fsys, "/cfg/broken.yaml", []byte("patch-url: [\n"), 0o644))
	_, err = Load(fsys, "/cfg/broken.yaml")
	assert.Error(t, err)
}

func TestSet(t *testing.T) {
	s, err := Load(afero.NewMemMapFs(), "/cfg/patchsync.yaml")
	require.NoError(t, err)

	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{KeyPatchURL, "http://localhost:8080/patch", false},
		{KeyPatchURL, "  ", true},
		{KeyRateLimit, "512KiB", false},
		{KeyRateLimit, "fast", true},
		{KeyTimeout, "90s", false},
		{KeyTimeout, "-1s", true},
		{KeyManifestName, "sub/name.json", true},
		{"colour", "blue", true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			err := s.Set(tt.key, tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			got, err := s.Get(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}

	err = s.Set("colour", "blue")
	assert.True(t, errors.Is(err, ErrUnknownKey))
}

func TestSaveRoundTrip(t *testing.T) {
	fsys := afero.NewMemMapFs()
	t.Setenv("PATCHSYNC_LOG_LEVEL", "debug")

	s, err := Load(fsys, "/cfg/nested/patchsync.yaml")
	require.NoError(t, err)
	require.NoError(t, s.Set(KeyInstallDir, "/games/nelderim"))
	require.NoError(t, s.Save())

	data, err := afero.ReadFile(fsys, "/cfg/nested/patchsync.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "install-dir: /games/nelderim")
	assert.NotContains(t, string(data), "log-level", "environment values are not persisted")
	assert.NotContains(t, string(data), "patch-url", "defaults are not persisted")

	require.NoError(t, s.Override(KeyPatchURL, "http://localhost/patch"))
	url, err := s.Get(KeyPatchURL)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/patch", url)
	require.NoError(t, s.Save())
	data, err = afero.ReadFile(fsys, "/cfg/nested/patchsync.yaml")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "patch-url", "overrides are not persisted")

	again, err := Load(fsys, "/cfg/nested/patchsync.yaml")
	require.NoError(t, err)
	got, err := again.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/games/nelderim", got.InstallDir)
}

func TestKeysSorted(t *testing.T) {
	keys := Keys()
	assert.IsIncreasing(t, keys)
	assert.Contains(t, keys, KeyPatchURL)
}
