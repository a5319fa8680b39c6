package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the application configuration
type Config struct {
	LLM      LLMConfig      `mapstructure:"llm" json:"llm"`
	Server   ServerConfig   `mapstructure:"server" json:"server"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Auth     AuthConfig     `mapstructure:"auth" json:"auth"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
	MCP      MCPConfig      `mapstructure:"mcp" json:"mcp"`
}

// LLMConfig holds the completions provider configuration. APIKey is only the
// initial key; once an admin stores a key it takes precedence.
type LLMConfig struct {
	BaseURL      string `mapstructure:"base_url" json:"base_url"`
	APIKey       string `mapstructure:"api_key" json:"api_key"`
	Model        string `mapstructure:"model" json:"model"`
	SystemPrompt string `mapstructure:"system_prompt" json:"system_prompt"`
	Referer      string `mapstructure:"referer" json:"referer"`
	Title        string `mapstructure:"title" json:"title"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host        string   `mapstructure:"host" json:"host"`
	Port        string   `mapstructure:"port" json:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	// SubmitRate is the sustained number of submissions per second allowed per user.
	SubmitRate  float64 `mapstructure:"submit_rate" json:"submit_rate"`
	SubmitBurst int     `mapstructure:"submit_burst" json:"submit_burst"`
}

// DatabaseConfig selects and configures the history store.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" json:"driver"`
	Path   string `mapstructure:"path" json:"path"`
	URL    string `mapstructure:"url" json:"url"`
}

// AuthConfig configures bearer token verification. JWKSURL wins over JWTSecret.
type AuthConfig struct {
	Disabled  bool   `mapstructure:"disabled" json:"disabled"`
	JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret"`
	JWKSURL   string `mapstructure:"jwks_url" json:"jwks_url"`
	// AdminRole is the token role allowed to use the admin endpoints.
	AdminRole string `mapstructure:"admin_role" json:"admin_role"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// MCPConfig configures the stdio MCP bridge.
type MCPConfig struct {
	UserID string `mapstructure:"user_id" json:"user_id"`
}

func setDefaults(v *viper.Viper) {
	// every key needs a default so AutomaticEnv can override it during Unmarshal
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "openai/gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.referer", "http://localhost:8080")
	v.SetDefault("llm.title", "chatstream")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.submit_rate", 1.0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "history.db")
	v.SetDefault("database.url", "")
	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.admin_role", "admin")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("mcp.user_id", "mcp")
}

// Load loads the configuration from CONFIG_PATH, or config.yaml in the
// working directory. A missing config.yaml is not an error; every key can be
// supplied through CHATSTREAM_* environment variables instead.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("chatstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the fields every mode needs. Auth is only needed by the
// HTTP server and is checked by ValidateHTTP.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(&c.LLM,
		validation.Field(&c.LLM.BaseURL, validation.Required),
		validation.Field(&c.LLM.Model, validation.Required),
	); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres, DriverMemory)),
		validation.Field(&c.Database.URL, validation.When(c.Database.Driver == DriverPostgres, validation.Required)),
	); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// ValidateHTTP checks the fields the HTTP server needs on top of Validate.
func (c *Config) ValidateHTTP() error {
	if err := validation.ValidateStruct(&c.Auth,
		validation.Field(&c.Auth.JWTSecret, validation.When(!c.Auth.Disabled && c.Auth.JWKSURL == "", validation.Required)),
	); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}
