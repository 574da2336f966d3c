package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构体（完全匹配config.yaml）
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`   // 服务器配置（健康检查/指标）
	Log      LogConfig      `mapstructure:"log"`      // 日志配置
	Database DatabaseConfig `mapstructure:"database"` // PostgreSQL配置
	Kafka    KafkaConfig    `mapstructure:"kafka"`    // Kafka消费配置
	Retry    RetryConfig    `mapstructure:"retry"`    // 单条消息重试配置
	Health   HealthConfig   `mapstructure:"health"`   // 依赖健康检查配置
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port int    `mapstructure:"port"` // 服务端口
	Mode string `mapstructure:"mode"` // Gin运行模式：debug/release/test
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug/info/warn/error
	Format string `mapstructure:"format"` // text/json
}

// DatabaseConfig PostgreSQL数据库配置
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`               // 连接DSN（URL形式）
	Schema          string        `mapstructure:"schema"`            // 表所在schema，空则使用默认search_path
	MaxOpenConns    int           `mapstructure:"max_open_conns"`    // 最大打开连接数
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`    // 最大空闲连接数
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"` // 连接最大存活时间
	AutoMigrate     bool          `mapstructure:"auto_migrate"`      // 启动时表不存在则创建
	LogLevel        string        `mapstructure:"log_level"`         // GORM日志级别：silent/error/warn/info
}

// KafkaConfig Kafka消费配置
type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`           // broker列表
	Topic           string   `mapstructure:"topic"`             // 消费的topic
	ConsumerGroup   string   `mapstructure:"consumer_group"`    // 消费组
	Username        string   `mapstructure:"username"`          // SASL PLAIN 用户名，为空则不启用认证
	Password        string   `mapstructure:"password"`          // SASL PLAIN 密码
	DeadLetterTopic string   `mapstructure:"dead_letter_topic"` // 永久失败消息转发的topic，为空则只记录日志
	MaxPollRecords  int      `mapstructure:"max_poll_records"`  // 单次拉取最大条数
	Workers         int      `mapstructure:"workers"`           // 并行处理的分区数上限
}

// AuthEnabled 用户名和密码都配置时才启用SASL认证
func (k KafkaConfig) AuthEnabled() bool {
	return k.Username != "" && k.Password != ""
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"` // 首次失败后最多重试次数
	Backoff    time.Duration `mapstructure:"backoff"`     // 重试间隔（指数策略下为初始间隔）
	MaxBackoff time.Duration `mapstructure:"max_backoff"` // 指数策略下的间隔上限
	Strategy   string        `mapstructure:"strategy"`    // constant/exponential
}

// HealthConfig 健康检查配置
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"` // 检查数据库/Kafka连通性的间隔
}

const (
	RetryStrategyConstant    = "constant"
	RetryStrategyExponential = "exponential"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.schema", "trace")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("kafka.topic", "trace-survey-processed")
	v.SetDefault("kafka.consumer_group", "trace-consumer")
	v.SetDefault("kafka.max_poll_records", 100)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff", time.Second)
	v.SetDefault("retry.max_backoff", 10*time.Second)
	v.SetDefault("retry.strategy", RetryStrategyConstant)
	v.SetDefault("health.check_interval", 60*time.Second)
}

// LoadConfig 加载配置文件（config/config.yaml，可不存在），再用 .env 与环境变量覆盖
func LoadConfig() (*Config, error) {
	return LoadConfigFrom("./config")
}

// LoadConfigFrom 从指定目录加载 config.yaml
func LoadConfigFrom(dir string) (*Config, error) {
	// 1. 加载 .env（若存在），env 中的值会覆盖 config.yaml 中同名字段
	_ = godotenv.Load() // 忽略错误（.env 可不存在）

	// 2. 读取 config.yaml
	v := viper.New()
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 3. 环境变量覆盖（优先级 env > yaml > 默认值）
	if err := overrideFromEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// overrideFromEnv 用部署环境变量覆盖配置
func overrideFromEnv(cfg *Config) error {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT 非法: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("KAFKA_CONSUMER_GROUP"); v != "" {
		cfg.Kafka.ConsumerGroup = v
	}
	if v := os.Getenv("KAFKA_USERNAME"); v != "" {
		cfg.Kafka.Username = v
	}
	if v := os.Getenv("KAFKA_PASSWORD"); v != "" {
		cfg.Kafka.Password = v
	}
	if v := os.Getenv("KAFKA_DEAD_LETTER_TOPIC"); v != "" {
		cfg.Kafka.DeadLetterTopic = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.DSN = buildDSN(host, os.Getenv("DB_PORT"), os.Getenv("DB_NAME"), os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"))
	}
	if v, ok := os.LookupEnv("DB_SCHEMA"); ok {
		cfg.Database.Schema = v
	}

	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_RETRIES 非法: %w", err)
		}
		cfg.Retry.MaxRetries = n
	}
	if v := os.Getenv("RETRY_BACKOFF_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RETRY_BACKOFF_MS 非法: %w", err)
		}
		cfg.Retry.Backoff = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HEALTH_CHECK_INTERVAL 非法: %w", err)
		}
		cfg.Health.CheckInterval = time.Duration(sec) * time.Second
	}
	return nil
}

// buildDSN 由分散的 DB_* 变量拼出 URL 形式的 DSN
func buildDSN(host, port, name, user, password string) string {
	if port == "" {
		port = "5432"
	}
	if name == "" {
		name = "trace_db"
	}
	if user == "" {
		user = "postgres"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     host + ":" + port,
		Path:     "/" + name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate 启动前校验配置是否可用
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return errors.New("database.dsn 未配置")
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers 未配置")
	}
	if c.Kafka.Topic == "" {
		return errors.New("kafka.topic 未配置")
	}
	if c.Kafka.ConsumerGroup == "" {
		return errors.New("kafka.consumer_group 未配置")
	}
	if (c.Kafka.Username == "") != (c.Kafka.Password == "") {
		return errors.New("kafka 认证需要同时配置 username 和 password")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries 不能为负数: %d", c.Retry.MaxRetries)
	}
	if c.Retry.Backoff < 0 {
		return fmt.Errorf("retry.backoff 不能为负数: %s", c.Retry.Backoff)
	}
	switch c.Retry.Strategy {
	case RetryStrategyConstant, RetryStrategyExponential:
	default:
		return fmt.Errorf("retry.strategy 不支持: %s", c.Retry.Strategy)
	}
	if c.Kafka.Workers <= 0 {
		c.Kafka.Workers = 1
	}
	if c.Kafka.MaxPollRecords <= 0 {
		c.Kafka.MaxPollRecords = 100
	}
	if c.Health.CheckInterval <= 0 {
		c.Health.CheckInterval = 60 * time.Second
	}
	return nil
}
