package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/wippyai/dualvm/capability"
	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/supervisor"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DUALVM"

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config is the complete configuration.
type Config struct {
	CacheDir     string             `mapstructure:"cache_dir"`
	RunnersDir   string             `mapstructure:"runners_dir"`
	RegistryDir  string             `mapstructure:"registry_dir"`
	Debug        bool               `mapstructure:"debug"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Log          LogConfig          `mapstructure:"log"`
}

// MemoryConfig holds page budgets.
type MemoryConfig struct {
	DetPages     uint64 `mapstructure:"det_pages"`
	NonDetPages  uint64 `mapstructure:"nondet_pages"`
	StoragePages uint64 `mapstructure:"storage_pages"`
}

// ProviderConfig configures the provider of one capability kind.
type ProviderConfig struct {
	Provider string `mapstructure:"provider"`
	Address  string `mapstructure:"address"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

// CapabilitiesConfig configures every capability kind.
type CapabilitiesConfig struct {
	LLM ProviderConfig `mapstructure:"llm"`
	Web ProviderConfig `mapstructure:"web"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultCacheDir is $XDG_CACHE_HOME/dualvm, falling back to the user cache
// directory of the platform.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "dualvm")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "dualvm")
	}
	return filepath.Join(os.TempDir(), "dualvm-cache")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CacheDir:   DefaultCacheDir(),
		RunnersDir: "./runners",
		Memory: MemoryConfig{
			DetPages:     supervisor.DefaultModePages,
			NonDetPages:  supervisor.DefaultModePages,
			StoragePages: supervisor.DefaultStoragePages,
		},
		Capabilities: CapabilitiesConfig{
			LLM: ProviderConfig{Provider: capability.ProviderModule},
			Web: ProviderConfig{Provider: capability.ProviderModule},
		},
		Log: LogConfig{Level: "info", Format: FormatConsole},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("cache_dir", d.CacheDir)
	v.SetDefault("runners_dir", d.RunnersDir)
	v.SetDefault("registry_dir", d.RegistryDir)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("memory.det_pages", d.Memory.DetPages)
	v.SetDefault("memory.nondet_pages", d.Memory.NonDetPages)
	v.SetDefault("memory.storage_pages", d.Memory.StoragePages)
	for _, kind := range []struct {
		key string
		pc  ProviderConfig
	}{
		{"capabilities.llm", d.Capabilities.LLM},
		{"capabilities.web", d.Capabilities.Web},
	} {
		v.SetDefault(kind.key+".provider", kind.pc.Provider)
		v.SetDefault(kind.key+".address", kind.pc.Address)
		v.SetDefault(kind.key+".model", kind.pc.Model)
		v.SetDefault(kind.key+".api_key", kind.pc.APIKey)
		v.SetDefault(kind.key+".base_url", kind.pc.BaseURL)
	}
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// New returns a viper instance with defaults and environment overrides set
// up. The CLI binds its flags into it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return errors.New(errors.PhaseConfig, errors.KindConfig).
			Path(path).Detail("read configuration file").Cause(err).Build()
	}
	return nil
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Config("decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads defaults, the optional file at path and the environment.
func Load(path string) (*Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return Decode(v)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return invalid("cache_dir", "must not be empty")
	}
	if c.RunnersDir == "" {
		return invalid("runners_dir", "must not be empty")
	}
	if c.Memory.DetPages == 0 {
		return invalid("memory.det_pages", "must be positive")
	}
	if c.Memory.NonDetPages == 0 {
		return invalid("memory.nondet_pages", "must be positive")
	}
	if c.Memory.StoragePages == 0 {
		return invalid("memory.storage_pages", "must be positive")
	}
	for key, pc := range map[string]ProviderConfig{"capabilities.llm": c.Capabilities.LLM, "capabilities.web": c.Capabilities.Web} {
		switch pc.Provider {
		case capability.ProviderModule:
		case capability.ProviderOpenAI, capability.ProviderAnthropic:
			if key == "capabilities.web" {
				return invalid(key+".provider", "only the module provider serves web requests")
			}
		default:
			return invalid(key+".provider", "unknown provider "+pc.Provider)
		}
	}
	switch c.Log.Format {
	case FormatConsole, FormatJSON:
	default:
		return invalid("log.format", "must be console or json")
	}
	return nil
}

func invalid(key, detail string) error {
	return errors.New(errors.PhaseConfig, errors.KindConfig).Path(key).Detail(detail).Build()
}

// CapabilityConfig converts the capability section for the capability package.
func (c *Config) CapabilityConfig() capability.Config {
	conv := func(pc ProviderConfig) capability.ProviderConfig {
		return capability.ProviderConfig{
			Provider: pc.Provider,
			Address:  pc.Address,
			Model:    pc.Model,
			APIKey:   pc.APIKey,
			BaseURL:  pc.BaseURL,
		}
	}
	return capability.Config{LLM: conv(c.Capabilities.LLM), Web: conv(c.Capabilities.Web)}
}

// Budgets converts the memory section for the supervisor.
func (c *Config) Budgets() supervisor.Budgets {
	return supervisor.Budgets{
		DetPages:     c.Memory.DetPages,
		NonDetPages:  c.Memory.NonDetPages,
		StoragePages: c.Memory.StoragePages,
	}
}
