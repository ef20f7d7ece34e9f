package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the immutable process configuration, loaded once at startup
// from the environment. Downstream code takes a reference and never
// re-reads the environment.
type Config struct {
	AppName  string `mapstructure:"app_name"`
	LogLevel string `mapstructure:"log_level"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`

	// Agent loop limits. Anthropic models get a higher tool budget,
	// reflecting their higher tool-use propensity.
	ToolCallLimit          int `mapstructure:"tool_call_limit"`
	AnthropicToolCallLimit int `mapstructure:"anthropic_tool_call_limit"`

	InputMaxLength  int `mapstructure:"input_max_length"`
	OutputMaxLength int `mapstructure:"output_max_length"`

	DefaultOperator  string `mapstructure:"default_operator"`
	DefaultBaseModel string `mapstructure:"default_base_model"`

	EmbeddingOperator string `mapstructure:"embedding_operator"`
	EmbeddingModel    string `mapstructure:"embedding_model"`
	EmbeddingSize     int    `mapstructure:"embedding_size"`

	LLMTimeoutSeconds    int `mapstructure:"llm_timeout_seconds"`
	LLMMaxRetries        int `mapstructure:"llm_max_retries"`
	LLMRetryDelaySeconds int `mapstructure:"llm_retry_delay_seconds"`

	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Redis  RedisConfig  `mapstructure:"redis"`
	S3     S3Config     `mapstructure:"s3"`
	Qdrant QdrantConfig `mapstructure:"qdrant"`
	SMTP   SMTPConfig   `mapstructure:"smtp"`
	SSH    SSHConfig    `mapstructure:"ssh"`

	TavilyAPIKey        string `mapstructure:"tavily_api_key"`
	WebSearchMaxResults int    `mapstructure:"web_search_max_results"`
}

type MySQLConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// DSN returns the go-sql-driver data source name.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// S3Config points at a MinIO or S3-compatible endpoint.
type S3Config struct {
	URL       string `mapstructure:"url"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	BasePath  string `mapstructure:"base_path"`
	Region    string `mapstructure:"region"`
}

type QdrantConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
	UseTLS bool   `mapstructure:"use_tls"`
}

// SSHConfig binds the ssh_command tool to one remote host. An empty host
// leaves the tool unregistered.
type SSHConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type SMTPConfig struct {
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	UseSSL   bool   `mapstructure:"use_ssl"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Load reads configuration from the environment with sane defaults.
// Nested keys map to underscore-joined env vars (mysql.host -> MYSQL_HOST).
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app_name", "cortex")
	v.SetDefault("log_level", "info")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8000)

	v.SetDefault("tool_call_limit", 10)
	v.SetDefault("anthropic_tool_call_limit", 25)
	v.SetDefault("input_max_length", 4096)
	v.SetDefault("output_max_length", 8192)

	v.SetDefault("default_operator", "openai")
	v.SetDefault("default_base_model", "gpt-4o-mini")
	v.SetDefault("embedding_operator", "openai")
	v.SetDefault("embedding_model", "text-embedding-ada-002")
	v.SetDefault("embedding_size", 1536)

	v.SetDefault("llm_timeout_seconds", 120)
	v.SetDefault("llm_max_retries", 3)
	v.SetDefault("llm_retry_delay_seconds", 2)

	v.SetDefault("mysql.host", "localhost")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.user", "root")
	v.SetDefault("mysql.password", "password")
	v.SetDefault("mysql.database", "cortex")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")

	v.SetDefault("s3.url", "http://localhost:9000")
	v.SetDefault("s3.bucket", "cortex")
	v.SetDefault("s3.access_key", "minioadmin")
	v.SetDefault("s3.secret_key", "minioadmin")
	v.SetDefault("s3.base_path", "files")
	v.SetDefault("s3.region", "us-east-1")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.api_key", "")
	v.SetDefault("qdrant.use_tls", false)

	v.SetDefault("smtp.server", "smtp.example.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.use_ssl", false)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")

	v.SetDefault("ssh.host", "")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.password", "")

	v.SetDefault("tavily_api_key", "")
	v.SetDefault("web_search_max_results", 5)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ToolCallLimit < 1 {
		return fmt.Errorf("tool_call_limit must be at least 1, got %d", c.ToolCallLimit)
	}
	if c.InputMaxLength < 1 || c.OutputMaxLength < 1 {
		return fmt.Errorf("input/output max lengths must be positive")
	}
	return nil
}

// ToolCallLimitFor resolves the per-runtime tool budget.
func (c *Config) ToolCallLimitFor(runtime string) int {
	if runtime == "anthropic" {
		return c.AnthropicToolCallLimit
	}
	return c.ToolCallLimit
}
