package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 交易机器人系统配置
type Config struct {
	// 系统配置
	System struct {
		LogLevel string `yaml:"log_level"` // debug, info, warn, error
		Timezone string `yaml:"timezone"`  // 日志与统计使用的时区
	} `yaml:"system"`

	// Web服务配置
	Web struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"web"`

	// 认证配置
	Auth struct {
		JWTSecret    string `yaml:"jwt_secret"`     // JWT 签名密钥
		TokenTTLHour int    `yaml:"token_ttl_hour"` // 令牌有效期（小时，默认24）
	} `yaml:"auth"`

	// 数据库配置
	Database struct {
		Type            string `yaml:"type"` // sqlite, postgres, mysql
		DSN             string `yaml:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 秒
		LogLevel        string `yaml:"log_level"`         // silent, error, warn, info
	} `yaml:"database"`

	// 应用日志存储配置（独立于业务数据库）
	LogStorage struct {
		Path string `yaml:"path"` // SQLite 文件路径
	} `yaml:"log_storage"`

	// 凭证加密配置
	Encryption struct {
		Key string `yaml:"key"` // 32字节 AES-256 密钥（hex 或原文）
	} `yaml:"encryption"`

	// 分布式锁配置（多实例部署时启用）
	Lock struct {
		Type     string `yaml:"type"` // none, redis
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"lock"`

	// 交易引擎配置
	Engine struct {
		MaxRetries       int     `yaml:"max_retries"`         // 网关超时最大重试次数（默认3）
		RetryBackoffMS   int     `yaml:"retry_backoff_ms"`    // 首次重试等待（默认500ms，指数递增）
		MaxActiveTrades  int     `yaml:"max_active_trades"`   // 单用户最大活跃交易数
		MinProfitPercent float64 `yaml:"min_profit_percent"`  // 套利最小价差（%）
		GatewayTimeoutMS int     `yaml:"gateway_timeout_ms"`  // 网关调用超时（默认5000ms）
		GatewayRateLimit float64 `yaml:"gateway_rate_limit"`  // 网关调用速率（次/秒）
		GatewayRateBurst int     `yaml:"gateway_rate_burst"`  // 网关调用突发容量
	} `yaml:"engine"`

	// 事件推送配置
	Events struct {
		RingSize        int `yaml:"ring_size"`        // 每用户重放环大小（默认256）
		SubscriberQueue int `yaml:"subscriber_queue"` // 每订阅者队列长度（默认64）
	} `yaml:"events"`
}

// GatewayTimeout 网关调用超时
func (c *Config) GatewayTimeout() time.Duration {
	if c.Engine.GatewayTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Engine.GatewayTimeoutMS) * time.Millisecond
}

// RetryBackoff 首次重试等待时间
func (c *Config) RetryBackoff() time.Duration {
	if c.Engine.RetryBackoffMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Engine.RetryBackoffMS) * time.Millisecond
}

// applyDefaults 填充默认值
func (c *Config) applyDefaults() {
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 28800
	}
	if c.Auth.TokenTTLHour <= 0 {
		c.Auth.TokenTTLHour = 24
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "./data/autofutures.db"
	}
	if c.LogStorage.Path == "" {
		c.LogStorage.Path = "./data/logs.db"
	}
	if c.Lock.Type == "" {
		c.Lock.Type = "none"
	}
	if c.Engine.MaxRetries <= 0 {
		c.Engine.MaxRetries = 3
	}
	if c.Engine.MaxActiveTrades <= 0 {
		c.Engine.MaxActiveTrades = 10
	}
	if c.Engine.MinProfitPercent <= 0 {
		c.Engine.MinProfitPercent = 0.3
	}
	if c.Engine.GatewayRateLimit <= 0 {
		c.Engine.GatewayRateLimit = 10
	}
	if c.Engine.GatewayRateBurst <= 0 {
		c.Engine.GatewayRateBurst = 20
	}
	if c.Events.RingSize <= 0 {
		c.Events.RingSize = 256
	}
	if c.Events.SubscriberQueue <= 0 {
		c.Events.SubscriberQueue = 64
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}

	if c.Web.Enabled {
		if c.Web.Port <= 0 || c.Web.Port > 65535 {
			return fmt.Errorf("无效的Web端口: %d", c.Web.Port)
		}
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("启用Web服务时必须配置 auth.jwt_secret")
		}
	}

	if c.Lock.Type == "redis" && c.Lock.Addr == "" {
		return fmt.Errorf("启用redis锁时必须配置 lock.addr")
	}

	if c.Encryption.Key != "" && len(c.Encryption.Key) != 32 && len(c.Encryption.Key) != 64 {
		return fmt.Errorf("加密密钥必须为32字节原文或64位hex")
	}

	return nil
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %v", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %v", err)
	}

	cfg.applyDefaults()

	// 环境变量覆盖敏感项
	if v := os.Getenv("AUTOFUTURES_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("AUTOFUTURES_ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("AUTOFUTURES_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %v", err)
	}

	return &cfg, nil
}

// DefaultConfig 创建默认配置（未配置文件时使用）
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
