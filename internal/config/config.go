package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	App       AppConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AI        AIConfig
	Search    SearchConfig
	Pipeline  PipelineConfig
	Memory    MemoryConfig
	RateLimit RateLimitConfig
}

// AppConfig 应用配置
type AppConfig struct {
	Name        string
	Environment string
	Version     string
	Debug       bool
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host         string
	Port         int
	Mode         string
	ReadTimeout  int
	WriteTimeout int // SSE 为长连接，0 表示不限制
	CORSOrigins  []string
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Enabled        bool
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	MaxLifetime    int
	AcquireTimeout int // 获取连接槽位的超时（秒）
}

// RedisConfig Redis配置
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// AIConfig LLM 配置（OpenAI 兼容接口）
type AIConfig struct {
	Client       string // native | eino
	APIKey       string
	BaseURL      string
	Model        string
	RewriteModel string
	Timeout      int
	Temperature  float32
	MaxTokens    int
}

// SearchConfig 网络搜索配置
type SearchConfig struct {
	APIKey        string
	BaseURL       string
	NumResults    int
	MaxResults    int
	MaxCharacters int
	UseAutoprompt bool
	Timeout       int
}

// PipelineConfig 搜索编排配置
type PipelineConfig struct {
	HistoryLimit   int
	RewriteEnabled bool
}

// MemoryConfig 内存存储配置
type MemoryConfig struct {
	MaxConversations int
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Enabled bool
	Limit   int
	Window  int // 窗口长度（秒）
}

// Load 加载配置
// path 为空或文件不存在时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	// 环境变量
	v.SetEnvPrefix("NEXT_SEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// GetAcquireTimeout 获取连接槽位超时
func (c *DatabaseConfig) GetAcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeout) * time.Second
}

// GetAddr 获取服务器地址
func (c *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAddr 获取 Redis 地址
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetWindow 获取限流窗口
func (c *RateLimitConfig) GetWindow() time.Duration {
	return time.Duration(c.Window) * time.Second
}

func setDefaults(v *viper.Viper) {
	// App
	v.SetDefault("app.name", "next-search")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.debug", false)

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.corsOrigins", []string{"*"})

	// Database
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "next_search")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxOpenConns", 10)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.maxLifetime", 300)
	v.SetDefault("database.acquireTimeout", 2)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// AI
	v.SetDefault("ai.client", "native")
	v.SetDefault("ai.apiKey", "")
	v.SetDefault("ai.baseUrl", "https://api.groq.com/openai/v1")
	v.SetDefault("ai.model", "llama-3.3-70b-versatile")
	v.SetDefault("ai.rewriteModel", "llama-3.1-8b-instant")
	v.SetDefault("ai.timeout", 120)
	v.SetDefault("ai.temperature", 0.7)
	v.SetDefault("ai.maxTokens", 2000)

	// Search
	v.SetDefault("search.apiKey", "")
	v.SetDefault("search.baseUrl", "https://api.exa.ai")
	v.SetDefault("search.numResults", 5)
	v.SetDefault("search.maxResults", 10)
	v.SetDefault("search.maxCharacters", 1000)
	v.SetDefault("search.useAutoprompt", true)
	v.SetDefault("search.timeout", 30)

	// Pipeline
	v.SetDefault("pipeline.historyLimit", 10)
	v.SetDefault("pipeline.rewriteEnabled", true)

	// Memory
	v.SetDefault("memory.maxConversations", 1000)

	// RateLimit
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.limit", 100)
	v.SetDefault("rateLimit.window", 3600)
}
