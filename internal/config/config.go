package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ofkm/agenthost/internal/version"
)

const envPrefix = "AGENTHOST"

type Config struct {
	// Host identity
	HostID  string `mapstructure:"host_id"`
	Version string `mapstructure:"-"`

	// Control plane
	APIKey            string        `mapstructure:"api_key"`
	APIURL            string        `mapstructure:"api_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	Debug bool `mapstructure:"debug"`

	Log      LogConfig      `mapstructure:"log"`
	Registry RegistryConfig `mapstructure:"registry"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Status   StatusConfig   `mapstructure:"status"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// RegistryConfig points at the sources the agent registry is built from.
type RegistryConfig struct {
	File        string `mapstructure:"file"`
	ComposeFile string `mapstructure:"compose_file"`
	Watch       bool   `mapstructure:"watch"`
}

type RuntimeConfig struct {
	DockerBinary string        `mapstructure:"docker_binary"`
	AgentCLI     string        `mapstructure:"agent_cli"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxOutput    int64         `mapstructure:"max_output"`
}

// StatusConfig controls the local status API.
type StatusConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
	APIKey        string `mapstructure:"api_key"`
}

// NewViper returns a viper instance with defaults and AGENTHOST_* environment
// bindings in place. Callers may bind flags onto it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnv(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_url", "https://app.example.com")
	v.SetDefault("heartbeat_interval", 60*time.Second)
	v.SetDefault("debug", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 14)
	v.SetDefault("log.compress", true)

	v.SetDefault("registry.watch", true)

	v.SetDefault("runtime.docker_binary", "docker")
	v.SetDefault("runtime.agent_cli", "openclaw")
	v.SetDefault("runtime.timeout", 120*time.Second)
	v.SetDefault("runtime.max_output", 5*1024*1024)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.listen_address", "127.0.0.1")
	v.SetDefault("status.port", 3552)
}

// AutomaticEnv only resolves keys viper already knows about, so keys without a
// default need an explicit binding.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{"host_id", "api_key", "registry.file", "registry.compose_file", "status.api_key", "log.file_path"} {
		_ = v.BindEnv(key)
	}
}

// Load reads configuration from defaults, the optional config file and the
// environment, in increasing order of precedence.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}

	if configFile == "" {
		configFile = os.Getenv(envPrefix + "_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Version = version.GetVersion()
	cfg.HostID = getOrCreateHostID(cfg.HostID)
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Debug {
		cfg.Log.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.APIKey == "" {
		errs = append(errs, errors.New("api_key is required"))
	}
	if c.HostID == "" {
		errs = append(errs, errors.New("host_id cannot be empty"))
	}
	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid api_url: %q", c.APIURL))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid heartbeat_interval: %s", c.HeartbeatInterval))
	}
	if c.Runtime.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid runtime.timeout: %s", c.Runtime.Timeout))
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		errs = append(errs, fmt.Errorf("invalid status.port: %d", c.Status.Port))
	}

	return errors.Join(errs...)
}

func getOrCreateHostID(configured string) string {
	if configured != "" {
		return configured
	}

	// Fall back to a hostname based id so a bare install still reports somewhere
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return ""
	}

	return fmt.Sprintf("agenthost-%s", hostname)
}
