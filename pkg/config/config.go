// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "PERFTRIAGE"

// Config holds the tunables of the execution boundary, the BCC runtime and report publishing.
type Config struct {
	ArtifactDir string `envconfig:"ARTIFACT_DIR" default:"/var/tmp/perftriage"`

	ExecMaxOutput      int64         `envconfig:"EXEC_MAX_OUTPUT" default:"4194304"`
	ExecDefaultTimeout time.Duration `envconfig:"EXEC_DEFAULT_TIMEOUT" default:"30s"`
	StderrMax          int64         `envconfig:"STDERR_MAX" default:"65536"`
	FileMaxBytes       int64         `envconfig:"FILE_MAX_BYTES" default:"1048576"`

	BccColdCompile  time.Duration `envconfig:"BCC_COLD_COMPILE" default:"30s"`
	BccWarmCompile  time.Duration `envconfig:"BCC_WARM_COMPILE" default:"3s"`
	BccNoBTFPenalty time.Duration `envconfig:"BCC_NO_BTF_PENALTY" default:"15s"`
	BccBuffer       time.Duration `envconfig:"BCC_BUFFER" default:"5s"`
	BccLowCPUBuffer time.Duration `envconfig:"BCC_LOW_CPU_BUFFER" default:"10s"`

	CacheMaxAge   time.Duration `envconfig:"CACHE_MAX_AGE" default:"168h"`
	CacheMaxBytes int64         `envconfig:"CACHE_MAX_BYTES" default:"262144"`

	NATSURL                   string `envconfig:"NATS_URL"`
	NATSSubject               string `envconfig:"NATS_SUBJECT" default:"perftriage.reports"`
	NATSTLSEnabled            bool   `envconfig:"NATS_TLS_ENABLED" default:"false"`
	NATSTLSCAFile             string `envconfig:"NATS_TLS_CA_FILE"`
	NATSTLSInsecureSkipVerify bool   `envconfig:"NATS_TLS_INSECURE_SKIP_VERIFY" default:"false"`
}

// Load reads the configuration from PERFTRIAGE_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	return &Config{
		ArtifactDir:        "/var/tmp/perftriage",
		ExecMaxOutput:      4 << 20,
		ExecDefaultTimeout: 30 * time.Second,
		StderrMax:          64 << 10,
		FileMaxBytes:       1 << 20,
		BccColdCompile:     30 * time.Second,
		BccWarmCompile:     3 * time.Second,
		BccNoBTFPenalty:    15 * time.Second,
		BccBuffer:          5 * time.Second,
		BccLowCPUBuffer:    10 * time.Second,
		CacheMaxAge:        7 * 24 * time.Hour,
		CacheMaxBytes:      256 << 10,
		NATSSubject:        "perftriage.reports",
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.ArtifactDir) {
		return fmt.Errorf("config: artifact dir must be absolute: %q", c.ArtifactDir)
	}
	if c.ExecMaxOutput <= 0 || c.StderrMax <= 0 || c.FileMaxBytes <= 0 {
		return fmt.Errorf("config: output limits must be positive")
	}
	if c.ExecDefaultTimeout <= 0 {
		return fmt.Errorf("config: default timeout must be positive")
	}
	return nil
}

// CacheFile is the single file the BCC compile-state store persists to.
func (c *Config) CacheFile() string {
	return filepath.Join(c.ArtifactDir, "bcc-compile-state.json")
}
