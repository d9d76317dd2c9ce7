// Package config holds the launcher settings: where patches come from, where
// the game lives and how downloads behave.
//
// Values resolve with the precedence defaults < config file < environment
// (PATCHSYNC_*) < Set.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

const (
	KeyPatchURL     = "patch-url"
	KeyInstallDir   = "install-dir"
	KeyManifestName = "manifest-name"
	KeyLauncherPath = "launcher-path"
	KeyRateLimit    = "rate-limit"
	KeyTimeout      = "timeout"
	KeyLogLevel     = "log-level"
	KeyLogFile      = "log-file"
)

const (
	DefaultPatchURL     = "https://nelderim.pl/patch"
	DefaultManifestName = "Nelderim.manifest.json"
	DefaultTimeout      = 30 * time.Minute

	// FileName is the config file looked up next to the executable and in
	// the user config directory.
	FileName  = "patchsync.yaml"
	envPrefix = "PATCHSYNC"
)

// ErrUnknownKey is returned by Set for keys the launcher does not read.
var ErrUnknownKey = errors.New("unknown config key")

// Settings is a resolved snapshot.
type Settings struct {
	PatchURL     string
	InstallDir   string
	ManifestName string
	LauncherPath string
	RateLimit    int64 // bytes per second, 0 for unlimited
	Timeout      time.Duration
	LogLevel     string
	LogFile      string
}

// Store layers the config file, the environment and runtime overrides.
type Store struct {
	fs   afero.Fs
	path string
	v    *viper.Viper // effective values
	file *viper.Viper // values persisted by Save
}

// Load reads path if it exists. A missing file is not an error; Save creates
// it.
func Load(fsys afero.Fs, path string) (*Store, error) {
	s := &Store{fs: fsys, path: path, v: newViper(fsys), file: newViper(fsys)}
	setDefaults(s.v)
	s.v.SetEnvPrefix(envPrefix)
	s.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	s.v.AutomaticEnv()

	exists, err := afero.Exists(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !exists {
		return s, nil
	}

	for _, v := range []*viper.Viper{s.v, s.file} {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if _, err := s.Resolve(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// DefaultPath returns FileName inside the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determine config directory: %w", err)
	}
	return filepath.Join(dir, "patchsync", FileName), nil
}

// Path is the file Save writes to.
func (s *Store) Path() string {
	return s.path
}

// Keys lists every supported key in sorted order.
func Keys() []string {
	keys := []string{
		KeyPatchURL, KeyInstallDir, KeyManifestName, KeyLauncherPath,
		KeyRateLimit, KeyTimeout, KeyLogLevel, KeyLogFile,
	}
	sort.Strings(keys)
	return keys
}

// Get returns the effective raw value of key.
func (s *Store) Get(key string) (string, error) {
	if !known(key) {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return s.v.GetString(key), nil
}

// Set validates value and applies it for this process and the next Save.
func (s *Store) Set(key, value string) error {
	if !known(key) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := validate(key, value); err != nil {
		return err
	}
	s.v.Set(key, value)
	s.file.Set(key, value)
	return nil
}

// Override is Set for this process only; Save does not persist it.
func (s *Store) Override(key, value string) error {
	if !known(key) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := validate(key, value); err != nil {
		return err
	}
	s.v.Set(key, value)
	return nil
}

// Save writes the values read from the file plus everything passed to Set.
// Defaults and environment values are not persisted.
func (s *Store) Save() error {
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	s.file.SetConfigType("yaml")
	if err := s.file.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Resolve converts the effective values into Settings.
func (s *Store) Resolve() (Settings, error) {
	rate, err := parseRate(s.v.GetString(KeyRateLimit))
	if err != nil {
		return Settings{}, err
	}
	timeout, err := parseTimeout(s.v.GetString(KeyTimeout))
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		PatchURL:     strings.TrimSpace(s.v.GetString(KeyPatchURL)),
		InstallDir:   s.v.GetString(KeyInstallDir),
		ManifestName: s.v.GetString(KeyManifestName),
		LauncherPath: s.v.GetString(KeyLauncherPath),
		RateLimit:    rate,
		Timeout:      timeout,
		LogLevel:     s.v.GetString(KeyLogLevel),
		LogFile:      s.v.GetString(KeyLogFile),
	}, nil
}

func newViper(fsys afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fsys)
	v.SetConfigType("yaml")
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyPatchURL, DefaultPatchURL)
	v.SetDefault(KeyInstallDir, ".")
	v.SetDefault(KeyManifestName, DefaultManifestName)
	v.SetDefault(KeyLauncherPath, "")
	v.SetDefault(KeyRateLimit, "0")
	v.SetDefault(KeyTimeout, DefaultTimeout.String())
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
}

func known(key string) bool {
	for _, k := range Keys() {
		if k == key {
			return true
		}
	}
	return false
}

func validate(key, value string) error {
	switch key {
	case KeyRateLimit:
		_, err := parseRate(value)
		return err
	case KeyTimeout:
		_, err := parseTimeout(value)
		return err
	case KeyPatchURL:
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	case KeyManifestName:
		if value == "" || strings.ContainsAny(value, `/\`) {
			return fmt.Errorf("%s must be a plain file name", key)
		}
	}
	return nil
}

// parseRate accepts byte counts with optional units ("512KiB", "2 MB").
func parseRate(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", KeyRateLimit, raw, err)
	}
	return int64(n), nil
}

func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", KeyTimeout, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: negative", KeyTimeout, raw)
	}
	return d, nil
}
