// Package config loads and watches the renderq configuration.
package config

// Config represents the core renderq configuration
type Config struct {
	Server ServerConfig `mapstructure:"server" toml:"server"`
	Jobs   JobsConfig   `mapstructure:"jobs" toml:"jobs"`
	T2I    T2IConfig    `mapstructure:"t2i" toml:"t2i"`
	Log    LogConfig    `mapstructure:"log" toml:"log"`
}

// ServerConfig configures the renderq web server
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// JobsConfig configures the job registry and execution engine
type JobsConfig struct {
	// MaxConcurrency bounds how many jobs may be executing at once.
	// GPU-bound handlers additionally serialize on the GPU gate, so a value
	// above 1 lets I/O-bound phases overlap with generation.
	MaxConcurrency int    `mapstructure:"max_concurrency" toml:"max_concurrency"`
	CacheDir       string `mapstructure:"cache_dir" toml:"cache_dir"`
	// CacheTTLHours controls the janitor sweep; 0 disables expiry.
	CacheTTLHours int `mapstructure:"cache_ttl_hours" toml:"cache_ttl_hours"`
}

// T2IConfig configures the text-to-image job type
type T2IConfig struct {
	OutputDir string `mapstructure:"output_dir" toml:"output_dir"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON      bool `mapstructure:"json" toml:"json"`
	Verbosity int  `mapstructure:"verbosity" toml:"verbosity"`
}

// DefaultConfigFile is the config filename searched for in the working directory.
const DefaultConfigFile = "renderq.toml"
