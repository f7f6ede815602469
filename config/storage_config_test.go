package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultStorageConfig(t *testing.T) {
	cfg := DefaultStorageConfig()
	require.NotEmpty(t, cfg.CacheDir)
	require.NotEmpty(t, cfg.DataDir)
	require.NotEqual(t, cfg.CacheDir, cfg.DataDir)
	require.Equal(t, LayoutV2, cfg.Layout)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvCacheDir, "/var/cache/stowage")
	t.Setenv(EnvDataDir, "/var/lib/stowage")
	t.Setenv(EnvStorageLayout, "V1")
	t.Setenv(EnvStorageRegion, "eu-central")

	cfg := FromEnv()
	require.Equal(t, "/var/cache/stowage", cfg.CacheDir)
	require.Equal(t, "/var/lib/stowage", cfg.DataDir)
	require.Equal(t, LayoutV1, cfg.Layout)
	require.Equal(t, "eu-central", cfg.Region)
}
