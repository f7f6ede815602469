// Package config holds the environment-facing knobs of the artifact
// storage subsystem: cache and staging directory locations and the
// backend storage layout selection.
package config

import (
	"os"
	"path/filepath"
)

// StorageLayout selects the backend object URL convention.
type StorageLayout string

const (
	// LayoutV1 is the legacy flat layout keyed only by content
	// digest. Kept for compatibility with existing deployments.
	LayoutV1 StorageLayout = "V1"

	// LayoutV2 additionally keys objects by storage region and the
	// entry's birth artifact.
	LayoutV2 StorageLayout = "V2"
)

const (
	EnvCacheDir      = "STOWAGE_CACHE_DIR"
	EnvDataDir       = "STOWAGE_DATA_DIR"
	EnvStorageLayout = "STOWAGE_STORAGE_LAYOUT"
	EnvStorageRegion = "STOWAGE_STORAGE_REGION"
)

type StorageConfig struct {
	// CacheDir is the root of the local content-addressed cache.
	CacheDir string

	// DataDir holds staged copies of files added to draft artifacts,
	// kept until upload completes.
	DataDir string

	// BaseURL is the backend object store base used to build owned
	// file download URLs.
	BaseURL string

	// Entity is the namespace (user or organization) owning the
	// artifacts, part of every backend object URL.
	Entity string

	// Layout selects the backend URL convention.
	Layout StorageLayout

	// Region qualifies LayoutV2 URLs.
	Region string
}

func DefaultStorageConfig() StorageConfig {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return StorageConfig{
		CacheDir: filepath.Join(base, "stowage", "artifacts"),
		DataDir:  filepath.Join(base, "stowage", "staging"),
		Layout:   LayoutV2,
	}
}

// FromEnv returns the default configuration with any environment
// overrides applied.
func FromEnv() StorageConfig {
	cfg := DefaultStorageConfig()
	if v := os.Getenv(EnvCacheDir); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvStorageLayout); v != "" {
		cfg.Layout = StorageLayout(v)
	}
	if v := os.Getenv(EnvStorageRegion); v != "" {
		cfg.Region = v
	}
	return cfg
}
