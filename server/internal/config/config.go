package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Paths        PathsConfig        `yaml:"paths"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr" env:"CRISIS_SERVER_ADDR"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"CRISIS_SERVER_READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"CRISIS_SERVER_WRITE_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"CRISIS_ALLOWED_ORIGINS" envSeparator:","`
}

// DatabaseConfig 持久化配置：postgres 用于部署，sqlite 用于本地与测试，memory 仅用于演示。
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"CRISIS_DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"CRISIS_DB_DSN"`
}

// RedisConfig 跨实例扇出。未启用时只向本进程的 WebSocket 订阅者推送。
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled" env:"CRISIS_REDIS_ENABLED"`
	Addr          string `yaml:"addr" env:"CRISIS_REDIS_ADDR"`
	ChannelPrefix string `yaml:"channel_prefix" env:"CRISIS_REDIS_CHANNEL_PREFIX"`
}

// LLMConfig LLM 配置（生成、态势评估与决策分类共用）
type LLMConfig struct {
	Provider  string            `yaml:"provider" env:"CRISIS_LLM_PROVIDER"` // "openai" or "anthropic"
	OpenAI    LLMProviderConfig `yaml:"openai"`
	Anthropic LLMProviderConfig `yaml:"anthropic"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIURL      string  `yaml:"api_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// OrchestratorConfig 调度器参数。
type OrchestratorConfig struct {
	// AutoInjectsEnabled=false 时调度器整体停用（回放/离线部署），数据不受影响。
	AutoInjectsEnabled bool `yaml:"auto_injects_enabled" env:"CRISIS_AUTO_INJECTS_ENABLED"`
	PollIntervalMS     int  `yaml:"poll_interval_ms" env:"CRISIS_POLL_INTERVAL_MS"`
	// EscalationEveryTicks 每隔多少个 tick 重算一次态势快照。
	EscalationEveryTicks  int           `yaml:"escalation_every_ticks" env:"CRISIS_ESCALATION_EVERY_TICKS"`
	ProviderTimeout       time.Duration `yaml:"provider_timeout" env:"CRISIS_PROVIDER_TIMEOUT"`
	Workers               int           `yaml:"workers" env:"CRISIS_WORKERS"`
	MaxGenerationAttempts int           `yaml:"max_generation_attempts" env:"CRISIS_MAX_GENERATION_ATTEMPTS"`
}

// PollInterval 以 time.Duration 返回轮询间隔。
func (o OrchestratorConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

type LoggingConfig struct {
	Mode  string `yaml:"mode" env:"LOG_MODE"`
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" env:"CRISIS_TRACING_ENABLED"`
	Exporter    string `yaml:"exporter" env:"CRISIS_TRACING_EXPORTER"`
	ServiceName string `yaml:"service_name" env:"CRISIS_TRACING_SERVICE_NAME"`
}

type PathsConfig struct {
	Scenarios string `yaml:"scenarios" env:"CRISIS_SCENARIOS_DIR"`
}

// Default 返回内置默认值，Load 在其上叠加文件与环境变量。
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "file:crisis-drill.db?_busy_timeout=5000"},
		Redis:    RedisConfig{ChannelPrefix: "session:"},
		LLM: LLMConfig{
			Provider: "openai",
			OpenAI: LLMProviderConfig{
				APIURL:      "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.7,
				MaxTokens:   1200,
			},
			Anthropic: LLMProviderConfig{
				APIURL:      "https://api.anthropic.com/v1",
				Model:       "claude-3-5-haiku-latest",
				Temperature: 0.7,
				MaxTokens:   1200,
			},
		},
		Orchestrator: OrchestratorConfig{
			AutoInjectsEnabled:    true,
			PollIntervalMS:        20000,
			EscalationEveryTicks:  15,
			ProviderTimeout:       20 * time.Second,
			Workers:               4,
			MaxGenerationAttempts: 5,
		},
		Logging: LoggingConfig{Mode: "development", Level: "info"},
		Tracing: TracingConfig{Exporter: "stdout", ServiceName: "crisis-drill"},
	}
}

// Load 从文件加载配置；path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// 环境变量覆盖文件配置
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// LLM API keys
	if llmKey := os.Getenv("LLM_API_KEY"); llmKey != "" {
		switch cfg.LLM.Provider {
		case "openai":
			cfg.LLM.OpenAI.APIKey = llmKey
		case "anthropic":
			cfg.LLM.Anthropic.APIKey = llmKey
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Anthropic.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver: %q", c.Database.Driver))
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis addr is required when redis is enabled"))
	}
	o := c.Orchestrator
	if o.PollIntervalMS <= 0 {
		errs = append(errs, errors.New("orchestrator.poll_interval_ms must be positive"))
	}
	if o.EscalationEveryTicks <= 0 {
		errs = append(errs, errors.New("orchestrator.escalation_every_ticks must be positive"))
	}
	if o.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator.provider_timeout must be positive"))
	}
	if o.Workers <= 0 {
		errs = append(errs, errors.New("orchestrator.workers must be positive"))
	}
	if o.MaxGenerationAttempts <= 0 {
		errs = append(errs, errors.New("orchestrator.max_generation_attempts must be positive"))
	}
	return errors.Join(errs...)
}

// ProviderConfig 返回当前选中的提供商配置。
func (c *Config) ProviderConfig() LLMProviderConfig {
	if c.LLM.Provider == "anthropic" {
		return c.LLM.Anthropic
	}
	return c.LLM.OpenAI
}
