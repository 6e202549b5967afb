package config

import "github.com/spf13/viper"

// Default values applied before any config file or environment override.
const (
	DefaultPort           = 8004
	DefaultMaxConcurrency = 4
	DefaultCacheDir       = "./cache"
	DefaultCacheTTLHours  = 0
	DefaultOutputDir      = "outputs"
)

// SetDefaults installs the default configuration values on a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.allowed_origins", []string{"http://localhost", "https://localhost"})
	v.SetDefault("jobs.max_concurrency", DefaultMaxConcurrency)
	v.SetDefault("jobs.cache_dir", DefaultCacheDir)
	v.SetDefault("jobs.cache_ttl_hours", DefaultCacheTTLHours)
	v.SetDefault("t2i.output_dir", DefaultOutputDir)
	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)
}
