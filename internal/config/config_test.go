package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDefaults(t *testing.T) {
	cfg := Resolve(MapKeyStore{})
	assert.Equal(t, DefaultPath, cfg.Path)
	assert.Equal(t, DefaultPrefix, cfg.Prefix)
	assert.Equal(t, int64(DefaultSizeMB), cfg.SizeMB)
}

func TestResolveOverridesAndLowercasesPrefix(t *testing.T) {
	ks := MapKeyStore{
		PathKey:   "/var/cache/bes/",
		PrefixKey: "RC",
		SizeKey:   "500",
	}
	cfg := Resolve(ks)
	assert.Equal(t, "/var/cache/bes/", cfg.Path)
	assert.Equal(t, "rc", cfg.Prefix)
	assert.Equal(t, int64(500), cfg.SizeMB)
}

func TestResolveIgnoresUnparsableSize(t *testing.T) {
	cfg := Resolve(MapKeyStore{SizeKey: "not-a-number"})
	assert.Equal(t, int64(DefaultSizeMB), cfg.SizeMB)
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bes.yml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  prefix: RC\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPath, cfg.Cache.Path)
	assert.Equal(t, "rc", cfg.Cache.Prefix)
	assert.Equal(t, int64(DefaultSizeMB), cfg.Cache.SizeMB)
}

func TestLoadHonorsExplicitZeroSizeAsDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bes.yml")
	require.NoError(t, os.WriteFile(path, []byte("cache:\n  size_mb: 0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cfg.Cache.SizeMB)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
