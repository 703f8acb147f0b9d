package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const placeholderSecret = "change-me-in-production"

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到 stdout
	MaxSizeMB   int    // 单个日志文件最大体积
	MaxBackups  int    // 保留的旧日志文件数量
	MaxAgeDays  int    // 旧日志保留天数
}

// DatabaseConfig 定义关系数据库连接配置
type DatabaseConfig struct {
	Type            string        // 数据库类型: "postgres"、"mysql"、"sqlite"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 计数器配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
	Enabled  bool   // 关闭时计数器只走关系库/内存路径
}

// JWTConfig 定义 JWT 认证相关配置
type JWTConfig struct {
	Secret       string        // JWT 签名密钥，必须至少 32 字符
	Issuer       string        // JWT 签发者标识，默认 "unibox"
	AccessExpiry time.Duration // 访问令牌有效期，默认 15 分钟
}

// LimiterConfig 发送限流的全局默认值，工作区策略可按字段覆盖
type LimiterConfig struct {
	MaxRecipientsPerMessage int
	MaxPerHour              int
	MaxPerDay               int
	TrialDailyCap           int
	RecipientCooldownSec    int
	DomainCooldownSec       int
	MaxAttachmentBytes      int64
	CooldownRetention       time.Duration // 冷却标记的保留时间，与冷却窗口无关
	AuditPageSize           int
	PolicyCacheTTL          time.Duration // 工作区策略本地缓存时间，0 表示不缓存
}

// WebhookConfig 入站 webhook 配置
type WebhookConfig struct {
	Secret                string // HMAC 签名密钥，留空不校验
	PlaceholderUserPrefix string // 无法确定归属用户时的占位用户前缀
	DefaultProvider       string // 无法推断渠道时使用的默认渠道
}

// VendorConfig 统一消息 API 客户端配置
type VendorConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// MaintenanceConfig 定时维护任务配置
type MaintenanceConfig struct {
	DedupSchedule        string // 重复会话合并任务的 cron 表达式
	CounterPurgeSchedule string // 过期计数行清理任务的 cron 表达式
	ReputationWorkers    int    // 信誉重算的 worker 数量
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server      ServerConfig
	CORS        CORSConfig
	Log         LogConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Limiter     LimiterConfig
	Webhook     WebhookConfig
	Vendor      VendorConfig
	Maintenance MaintenanceConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//   1. 系统环境变量
//   2. .env 文件（如果存在）
//   3. 默认值
//
// 环境变量前缀: UNIBOX_
// 例如: UNIBOX_SERVER_PORT, UNIBOX_LIMITER_MAX_PER_HOUR
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("unibox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"database.conn_max_lifetime",
		"jwt.access_expiry",
		"limiter.cooldown_retention",
		"limiter.policy_cache_ttl",
		"vendor.timeout",
	} {
		d, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = d
	}

	jwtSecret := v.GetString("jwt.secret")
	if jwtSecret == placeholderSecret {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set UNIBOX_JWT_SECRET environment variable")
	}
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		CORS: CORSConfig{AllowedOrigins: corsOrigins},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
			MaxSizeMB:   v.GetInt("log.max_size_mb"),
			MaxBackups:  v.GetInt("log.max_backups"),
			MaxAgeDays:  v.GetInt("log.max_age_days"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: durations["database.conn_max_lifetime"],
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Enabled:  v.GetBool("redis.enabled"),
		},
		JWT: JWTConfig{
			Secret:       jwtSecret,
			Issuer:       v.GetString("jwt.issuer"),
			AccessExpiry: durations["jwt.access_expiry"],
		},
		Limiter: LimiterConfig{
			MaxRecipientsPerMessage: v.GetInt("limiter.max_recipients_per_message"),
			MaxPerHour:              v.GetInt("limiter.max_per_hour"),
			MaxPerDay:               v.GetInt("limiter.max_per_day"),
			TrialDailyCap:           v.GetInt("limiter.trial_daily_cap"),
			RecipientCooldownSec:    v.GetInt("limiter.recipient_cooldown_sec"),
			DomainCooldownSec:       v.GetInt("limiter.domain_cooldown_sec"),
			MaxAttachmentBytes:      v.GetInt64("limiter.max_attachment_bytes"),
			CooldownRetention:       durations["limiter.cooldown_retention"],
			AuditPageSize:           v.GetInt("limiter.audit_page_size"),
			PolicyCacheTTL:          durations["limiter.policy_cache_ttl"],
		},
		Webhook: WebhookConfig{
			Secret:                v.GetString("webhook.secret"),
			PlaceholderUserPrefix: v.GetString("webhook.placeholder_user_prefix"),
			DefaultProvider:       strings.ToLower(v.GetString("webhook.default_provider")),
		},
		Vendor: VendorConfig{
			BaseURL:           strings.TrimRight(v.GetString("vendor.base_url"), "/"),
			APIKey:            v.GetString("vendor.api_key"),
			Timeout:           durations["vendor.timeout"],
			RequestsPerSecond: v.GetFloat64("vendor.requests_per_second"),
			Burst:             v.GetInt("vendor.burst"),
		},
		Maintenance: MaintenanceConfig{
			DedupSchedule:        v.GetString("maintenance.dedup_schedule"),
			CounterPurgeSchedule: v.GetString("maintenance.counter_purge_schedule"),
			ReputationWorkers:    v.GetInt("maintenance.reputation_workers"),
		},
	}

	if err := cfg.Limiter.validate(); err != nil {
		return nil, err
	}
	switch cfg.Database.Type {
	case "", "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database.type %q", cfg.Database.Type)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("database.type", "") // 默认为空，使用内存存储
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", true)
	v.SetDefault("jwt.secret", placeholderSecret)
	v.SetDefault("jwt.issuer", "unibox")
	v.SetDefault("jwt.access_expiry", "15m")
	v.SetDefault("limiter.max_recipients_per_message", 50)
	v.SetDefault("limiter.max_per_hour", 100)
	v.SetDefault("limiter.max_per_day", 500)
	v.SetDefault("limiter.trial_daily_cap", 50)
	v.SetDefault("limiter.recipient_cooldown_sec", 120)
	v.SetDefault("limiter.domain_cooldown_sec", 10)
	v.SetDefault("limiter.max_attachment_bytes", 25*1024*1024)
	v.SetDefault("limiter.cooldown_retention", "168h")
	v.SetDefault("limiter.audit_page_size", 100)
	v.SetDefault("limiter.policy_cache_ttl", "30s")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.placeholder_user_prefix", "unclaimed:")
	v.SetDefault("webhook.default_provider", "whatsapp")
	v.SetDefault("vendor.base_url", "https://api.unipile.com/api/v1")
	v.SetDefault("vendor.api_key", "")
	v.SetDefault("vendor.timeout", "15s")
	v.SetDefault("vendor.requests_per_second", 5)
	v.SetDefault("vendor.burst", 10)
	v.SetDefault("maintenance.dedup_schedule", "@every 1h")
	v.SetDefault("maintenance.counter_purge_schedule", "@every 10m")
	v.SetDefault("maintenance.reputation_workers", 4)
}

func (c LimiterConfig) validate() error {
	positives := map[string]int64{
		"limiter.max_recipients_per_message": int64(c.MaxRecipientsPerMessage),
		"limiter.max_per_hour":               int64(c.MaxPerHour),
		"limiter.max_per_day":                int64(c.MaxPerDay),
		"limiter.trial_daily_cap":            int64(c.TrialDailyCap),
		"limiter.max_attachment_bytes":       c.MaxAttachmentBytes,
		"limiter.audit_page_size":            int64(c.AuditPageSize),
	}
	for key, value := range positives {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.RecipientCooldownSec < 0 || c.DomainCooldownSec < 0 {
		return fmt.Errorf("limiter cooldowns must not be negative")
	}
	if c.CooldownRetention <= 0 {
		return fmt.Errorf("limiter.cooldown_retention must be positive")
	}
	if c.PolicyCacheTTL < 0 {
		return fmt.Errorf("limiter.policy_cache_ttl must not be negative")
	}
	return nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//   1. 当前目录的 .env
//   2. 父目录的 .env
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
