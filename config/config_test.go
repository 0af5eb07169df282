package config

import (
	"testing"
)

func validConfigYAML() []byte {
	return []byte(`
system:
  log_level: info
web:
  enabled: true
  host: 127.0.0.1
  port: 28800
auth:
  jwt_secret: test_secret
database:
  type: sqlite
  dsn: ./test_data/autofutures.db
engine:
  max_retries: 3
  min_profit_percent: 0.5
`)
}

func TestLoadConfigFromBytes(t *testing.T) {
	cfg, err := LoadConfigFromBytes(validConfigYAML())
	if err != nil {
		t.Fatalf("有效配置加载失败: %v", err)
	}

	if cfg.Web.Port != 28800 {
		t.Errorf("Web端口解析错误: %d", cfg.Web.Port)
	}
	if cfg.Engine.MinProfitPercent != 0.5 {
		t.Errorf("最小价差解析错误: %f", cfg.Engine.MinProfitPercent)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := LoadConfigFromBytes([]byte("database:\n  type: sqlite\n"))
	if err != nil {
		t.Fatalf("最小配置加载失败: %v", err)
	}

	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("默认重试次数错误: %d", cfg.Engine.MaxRetries)
	}
	if cfg.Events.RingSize != 256 {
		t.Errorf("默认重放环大小错误: %d", cfg.Events.RingSize)
	}
	if cfg.Auth.TokenTTLHour != 24 {
		t.Errorf("默认令牌有效期错误: %d", cfg.Auth.TokenTTLHour)
	}
}

func TestConfigValidate(t *testing.T) {
	// 无效数据库类型
	if _, err := LoadConfigFromBytes([]byte("database:\n  type: oracle\n")); err == nil {
		t.Error("不支持的数据库类型应该报错")
	}

	// 启用Web但缺少JWT密钥
	if _, err := LoadConfigFromBytes([]byte("web:\n  enabled: true\n  port: 28800\n")); err == nil {
		t.Error("缺少 jwt_secret 应该报错")
	}

	// redis锁缺少地址
	bad := []byte("lock:\n  type: redis\n")
	if _, err := LoadConfigFromBytes(bad); err == nil {
		t.Error("redis锁缺少地址应该报错")
	}
}
