package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// CLIConfig holds taskctl configuration (profiles and credentials).
type CLIConfig struct {
	CurrentProfile string                 `yaml:"current_profile" mapstructure:"current_profile"`
	Profiles       map[string]*CLIProfile `yaml:"profiles" mapstructure:"profiles"`
	Defaults       *CLIDefaults           `yaml:"defaults" mapstructure:"defaults"`
	path           string
}

// CLIProfile holds the endpoint and credentials for one core deployment.
type CLIProfile struct {
	CoreURL  string `yaml:"core_url" mapstructure:"core_url"`
	AdminKey string `yaml:"admin_key" mapstructure:"admin_key"`
	NATSURL  string `yaml:"nats_url" mapstructure:"nats_url"`
	// Tokens caches tenant tokens issued through the admin API.
	Tokens []CLIToken `yaml:"tokens,omitempty" mapstructure:"tokens"`
}

// CLIToken is a cached tenant token. Stored as a list since viper lowercases map keys.
type CLIToken struct {
	TenantID string `yaml:"tenant_id" mapstructure:"tenant_id"`
	Token    string `yaml:"token" mapstructure:"token"`
}

// CLIDefaults holds endpoints used when the profile leaves them empty.
type CLIDefaults struct {
	CoreURL string `yaml:"core_url" mapstructure:"core_url"`
	NATSURL string `yaml:"nats_url" mapstructure:"nats_url"`
}

// DefaultCLI returns a CLIConfig with default values
func DefaultCLI() *CLIConfig {
	return &CLIConfig{
		CurrentProfile: "default",
		Profiles:       make(map[string]*CLIProfile),
		Defaults: &CLIDefaults{
			CoreURL: "http://localhost:8090",
			NATSURL: "nats://localhost:4222",
		},
	}
}

// LoadCLI loads configuration for taskctl.
// Uses $HOME/.taskctl when TASKHUB_CONFIG_DIR is not set.
func LoadCLI() (*CLIConfig, error) {
	v := viper.New()

	v.SetDefault("current_profile", "default")
	v.SetDefault("defaults.core_url", "http://localhost:8090")
	v.SetDefault("defaults.nats_url", "nats://localhost:4222")

	configDir := os.Getenv("TASKHUB_CONFIG_DIR")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to determine home directory: %w", err)
		}
		configDir = filepath.Join(home, ".taskctl")
	}

	configPath := filepath.Join(configDir, "config.yaml")
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TASKCTL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// viper needs explicit bindings for nested keys
	_ = v.BindEnv("defaults.core_url", "TASKCTL_CORE_URL")
	_ = v.BindEnv("defaults.nats_url", "TASKCTL_NATS_URL")

	_ = v.ReadInConfig() // file may not exist yet

	cfg := DefaultCLI()
	cfg.path = configPath

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = make(map[string]*CLIProfile)
	}

	return cfg, nil
}

// Save writes the CLI config to disk
func (c *CLIConfig) Save() error {
	if c.path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		c.path = filepath.Join(home, ".taskctl", "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.path, data, 0600)
}

// SetPath overrides where Save writes the file.
func (c *CLIConfig) SetPath(path string) {
	c.path = path
}

// GetProfile retrieves a profile by name (or current profile if name is empty)
func (c *CLIConfig) GetProfile(name string) (*CLIProfile, error) {
	if name == "" {
		name = c.CurrentProfile
	}

	profile, ok := c.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile '%s' not found", name)
	}

	return profile, nil
}

// SaveProfile stores the endpoint and admin key for a profile and makes it current.
func (c *CLIConfig) SaveProfile(name, coreURL, adminKey string) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*CLIProfile)
	}

	profile, ok := c.Profiles[name]
	if !ok {
		profile = &CLIProfile{}
		c.Profiles[name] = profile
	}
	profile.CoreURL = coreURL
	profile.AdminKey = adminKey

	c.CurrentProfile = name
	return c.Save()
}

// SaveTenantToken caches a tenant token on the named profile.
func (c *CLIConfig) SaveTenantToken(name, tenantID, token string) error {
	if c.Profiles == nil {
		c.Profiles = make(map[string]*CLIProfile)
	}
	if name == "" {
		name = c.CurrentProfile
	}

	profile, ok := c.Profiles[name]
	if !ok {
		profile = &CLIProfile{}
		c.Profiles[name] = profile
	}
	for i := range profile.Tokens {
		if profile.Tokens[i].TenantID == tenantID {
			profile.Tokens[i].Token = token
			return c.Save()
		}
	}
	profile.Tokens = append(profile.Tokens, CLIToken{TenantID: tenantID, Token: token})
	return c.Save()
}

// GetCoreURL returns the core URL from profile or defaults
func (c *CLIConfig) GetCoreURL(profile string) string {
	if p, err := c.GetProfile(profile); err == nil && p.CoreURL != "" {
		return p.CoreURL
	}
	return c.Defaults.CoreURL
}

// GetNATSURL returns the NATS URL from profile or defaults
func (c *CLIConfig) GetNATSURL(profile string) string {
	if p, err := c.GetProfile(profile); err == nil && p.NATSURL != "" {
		return p.NATSURL
	}
	return c.Defaults.NATSURL
}

// GetAdminKey returns the admin key of the profile, or "" when unset.
func (c *CLIConfig) GetAdminKey(profile string) string {
	if p, err := c.GetProfile(profile); err == nil {
		return p.AdminKey
	}
	return ""
}

// GetTenantToken returns a cached tenant token, or "" when none is stored.
func (c *CLIConfig) GetTenantToken(profile, tenantID string) string {
	p, err := c.GetProfile(profile)
	if err != nil {
		return ""
	}
	for _, t := range p.Tokens {
		if t.TenantID == tenantID {
			return t.Token
		}
	}
	return ""
}
