// Package config loads service settings from an optional config file and
// the environment. Environment variables win over the file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DocumentStoreGit    = "git"
	DocumentStoreMemory = "memory"
)

type Config struct {
	Addr          string
	DatabaseURL   string // empty keeps change requests in memory
	DocumentStore string
	ReposDir      string
	CORSOrigin    string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Snapshot offload, disabled when MinioEndpoint is empty
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	// Redis locks, local locks when empty
	RedisURL string
	LockTTL  time.Duration
	// Merge and diff rendering
	MergeGranularity string
	DiffCacheEnabled bool
	DiffCacheSize    int
	// Logging
	LogLevel  string
	LogPretty bool
}

var envBindings = map[string]string{
	"addr":               "API_ADDR",
	"database_url":       "DATABASE_URL",
	"document_store":     "CR_DOCUMENT_STORE",
	"repos_dir":          "CR_REPOS_DIR",
	"cors_origin":        "CR_CORS_ORIGIN",
	"meili_url":          "MEILI_URL",
	"meili_master_key":   "MEILI_MASTER_KEY",
	"minio_endpoint":     "MINIO_ENDPOINT",
	"minio_access_key":   "MINIO_ACCESS_KEY",
	"minio_secret_key":   "MINIO_SECRET_KEY",
	"minio_bucket":       "MINIO_BUCKET",
	"minio_region":       "MINIO_REGION",
	"minio_use_ssl":      "MINIO_USE_SSL",
	"redis_url":          "REDIS_URL",
	"lock_ttl_seconds":   "CR_LOCK_TTL_SECONDS",
	"merge_granularity":  "CR_MERGE_GRANULARITY",
	"diff_cache_enabled": "CR_DIFF_CACHE_ENABLED",
	"diff_cache_size":    "CR_DIFF_CACHE_SIZE",
	"log_level":          "LOG_LEVEL",
	"log_pretty":         "LOG_PRETTY",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8787")
	v.SetDefault("database_url", "")
	v.SetDefault("document_store", DocumentStoreGit)
	v.SetDefault("repos_dir", "./data/repos")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("meili_url", "")
	v.SetDefault("meili_master_key", "")
	v.SetDefault("minio_bucket", "changerequest-snapshots")
	v.SetDefault("minio_region", "us-east-1")
	v.SetDefault("minio_use_ssl", false)
	v.SetDefault("redis_url", "")
	v.SetDefault("lock_ttl_seconds", 30)
	v.SetDefault("merge_granularity", "lines")
	v.SetDefault("diff_cache_enabled", true)
	v.SetDefault("diff_cache_size", 1000)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
}

// Load reads path when it is not empty. A missing or invalid file is an
// error; an unset path reads the environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		Addr:             v.GetString("addr"),
		DatabaseURL:      strings.TrimSpace(v.GetString("database_url")),
		DocumentStore:    strings.ToLower(strings.TrimSpace(v.GetString("document_store"))),
		ReposDir:         v.GetString("repos_dir"),
		CORSOrigin:       v.GetString("cors_origin"),
		MeiliURL:         strings.TrimSpace(v.GetString("meili_url")),
		MeiliMasterKey:   v.GetString("meili_master_key"),
		MinioEndpoint:    strings.TrimSpace(v.GetString("minio_endpoint")),
		MinioAccessKey:   v.GetString("minio_access_key"),
		MinioSecretKey:   v.GetString("minio_secret_key"),
		MinioBucket:      v.GetString("minio_bucket"),
		MinioRegion:      v.GetString("minio_region"),
		MinioUseSSL:      v.GetBool("minio_use_ssl"),
		RedisURL:         strings.TrimSpace(v.GetString("redis_url")),
		LockTTL:          time.Duration(v.GetInt("lock_ttl_seconds")) * time.Second,
		MergeGranularity: v.GetString("merge_granularity"),
		DiffCacheEnabled: v.GetBool("diff_cache_enabled"),
		DiffCacheSize:    v.GetInt("diff_cache_size"),
		LogLevel:         v.GetString("log_level"),
		LogPretty:        v.GetBool("log_pretty"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DocumentStore {
	case DocumentStoreGit, DocumentStoreMemory:
	default:
		return fmt.Errorf("unknown document store %q", c.DocumentStore)
	}
	if c.DocumentStore == DocumentStoreGit && strings.TrimSpace(c.ReposDir) == "" {
		return fmt.Errorf("git document store needs a repos dir")
	}
	if c.DiffCacheSize < 0 {
		return fmt.Errorf("diff cache size must not be negative: %d", c.DiffCacheSize)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive: %s", c.LockTTL)
	}
	return nil
}
