package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RedisConfig Redis 队列存储配置
type RedisConfig struct {
	Addr       string `yaml:"addr"`        // 地址 host:port
	Password   string `yaml:"password"`    // 密码
	DB         int    `yaml:"db"`          // 库编号
	MaxRetries int    `yaml:"max_retries"` // 命令重试次数
	PoolSize   int    `yaml:"pool_size"`   // 连接池大小
}

// StoreConfig 订阅持久化后端
type StoreConfig struct {
	Backend string `yaml:"backend"` // mongo / postgres
}

// MongoConfig MongoDB配置
type MongoConfig struct {
	URI      string        `yaml:"uri"`      // 连接URI
	Database string        `yaml:"database"` // 数据库名
	Timeout  time.Duration `yaml:"timeout"`  // 连接超时
}

// PostgresConfig PostgreSQL配置
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`       // 连接串
	MaxConns int32  `yaml:"max_conns"` // 最大连接数
}

// QueueConfig 队列 key
type QueueConfig struct {
	UpdateKey string `yaml:"update_key"` // 订阅更新 hash
	RunKey    string `yaml:"run_key"`    // 订阅执行 list
}

// ScheduleConfig 周期任务配置
type ScheduleConfig struct {
	UpdateSubscriptionInterval  time.Duration `yaml:"update_subscription_interval"`
	RunSubscriptionInterval     time.Duration `yaml:"run_subscription_interval"`
	HandleUninstallRestInterval time.Duration `yaml:"handle_uninstall_rest_interval"`
	MaxRunSubscriptionTaskCount int           `yaml:"max_run_subscription_task_count"`
	SubscriptionDeleteHours     int           `yaml:"subscription_delete_hours"`
	NotifyOnFailure             bool          `yaml:"notify_on_failure"`
}

// LockConfig 周期任务互斥锁
type LockConfig struct {
	Backend string        `yaml:"backend"` // redis / none
	Prefix  string        `yaml:"prefix"`  // 锁 key 前缀
	TTL     time.Duration `yaml:"ttl"`     // 为 0 时取任务间隔的两倍
}

// ElectionConfig Kubernetes Lease 选主
type ElectionConfig struct {
	Enabled       bool          `yaml:"enabled"`
	LeaseName     string        `yaml:"lease_name"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	RenewDeadline time.Duration `yaml:"renew_deadline"`
	RetryPeriod   time.Duration `yaml:"retry_period"`
}

// K8sAuthConfig Kubernetes认证配置
type K8sAuthConfig struct {
	AuthType   string `yaml:"auth_type"`  // kubeconfig / serviceaccount
	Kubeconfig string `yaml:"kubeconfig"` // kubeconfig路径
	Namespace  string `yaml:"namespace"`  // Lease 所在命名空间
}

// HandlerConfig 订阅处理接口（节点管理后台）
type HandlerConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// TelegramConfig 告警通知
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
}

// APIConfig 入队接口
type APIConfig struct {
	Listen       string   `yaml:"listen"`
	WhitelistIPs []string `yaml:"whitelist_ips"` // 为空时不限制，支持 CIDR
}

// Config 完整配置结构
type Config struct {
	Redis      RedisConfig    `yaml:"redis"`
	Store      StoreConfig    `yaml:"store"`
	Mongo      MongoConfig    `yaml:"mongo"`
	Postgres   PostgresConfig `yaml:"postgres"`
	Queue      QueueConfig    `yaml:"queue"`
	Schedule   ScheduleConfig `yaml:"schedule"`
	Lock       LockConfig     `yaml:"lock"`
	Election   ElectionConfig `yaml:"election"`
	Kubernetes K8sAuthConfig  `yaml:"kubernetes"`
	Handler    HandlerConfig  `yaml:"handler"`
	Telegram   TelegramConfig `yaml:"telegram"`
	API        APIConfig      `yaml:"api"`
	LogLevel   string         `yaml:"log_level"`
	LogFormat  string         `yaml:"log_format"`
}

// LoadConfig 从YAML文件加载配置
func LoadConfig(filePath string) (*Config, error) {
	startTime := time.Now()
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	ConfigureLogger(cfg)

	logrus.WithFields(logrus.Fields{
		"method": "LoadConfig",
		"took":   time.Since(startTime),
	}).Info("配置加载成功")
	return cfg, nil
}

// Parse 解析配置内容：默认值 -> 环境变量 -> 校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析YAML失败: %w", err)
	}

	cfg.setDefaults()
	cfg.mergeEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigureLogger 按配置设置 logrus 级别和格式
func ConfigureLogger(cfg *Config) {
	logrus.SetLevel(logrus.InfoLevel)
	if cfg.LogLevel != "" {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logrus.SetLevel(level)
		}
	}
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "mongo"
	}
	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://localhost:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "node_man"
	}
	if c.Mongo.Timeout == 0 {
		c.Mongo.Timeout = 5 * time.Second
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}

	if c.Queue.UpdateKey == "" {
		c.Queue.UpdateKey = "node_man:backend:update_subscription"
	}
	if c.Queue.RunKey == "" {
		c.Queue.RunKey = "node_man:backend:run_subscription"
	}

	if c.Schedule.UpdateSubscriptionInterval == 0 {
		c.Schedule.UpdateSubscriptionInterval = 20 * time.Second
	}
	if c.Schedule.RunSubscriptionInterval == 0 {
		c.Schedule.RunSubscriptionInterval = c.Schedule.UpdateSubscriptionInterval
	}
	if c.Schedule.HandleUninstallRestInterval == 0 {
		c.Schedule.HandleUninstallRestInterval = time.Hour
	}
	if c.Schedule.MaxRunSubscriptionTaskCount == 0 {
		c.Schedule.MaxRunSubscriptionTaskCount = 50
	}
	if c.Schedule.SubscriptionDeleteHours == 0 {
		c.Schedule.SubscriptionDeleteHours = 6
	}

	if c.Lock.Backend == "" {
		c.Lock.Backend = "redis"
	}
	if c.Lock.Prefix == "" {
		c.Lock.Prefix = "node_man:backend:lock:"
	}

	if c.Election.LeaseName == "" {
		c.Election.LeaseName = "subscription-scheduler"
	}
	if c.Election.LeaseDuration == 0 {
		c.Election.LeaseDuration = 15 * time.Second
	}
	if c.Election.RenewDeadline == 0 {
		c.Election.RenewDeadline = 10 * time.Second
	}
	if c.Election.RetryPeriod == 0 {
		c.Election.RetryPeriod = 2 * time.Second
	}
	if c.Kubernetes.AuthType == "" {
		c.Kubernetes.AuthType = "serviceaccount"
	}
	if c.Kubernetes.Namespace == "" {
		c.Kubernetes.Namespace = "default"
	}

	if c.Handler.BaseURL == "" {
		c.Handler.BaseURL = "http://127.0.0.1:10300"
	}
	if c.Handler.Timeout == 0 {
		c.Handler.Timeout = 30 * time.Second
	}
	if c.Handler.MaxRetries == 0 {
		c.Handler.MaxRetries = 3
	}
	if c.Handler.RetryDelay == 0 {
		c.Handler.RetryDelay = time.Second
	}

	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
}

// mergeEnvVars 合并环境变量
func (c *Config) mergeEnvVars() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Mongo.URI = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("HANDLER_BASE_URL"); v != "" {
		c.Handler.BaseURL = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("WHITELIST_IPS"); v != "" {
		c.API.WhitelistIPs = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "mongo":
	case "postgres":
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.backend=postgres 需要 postgres.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 store.backend: %s", c.Store.Backend))
	}
	switch c.Lock.Backend {
	case "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("不支持的 lock.backend: %s", c.Lock.Backend))
	}
	if c.Schedule.MaxRunSubscriptionTaskCount < 0 {
		errs = append(errs, errors.New("schedule.max_run_subscription_task_count 不能为负数"))
	}
	if c.Schedule.SubscriptionDeleteHours < 0 {
		errs = append(errs, errors.New("schedule.subscription_delete_hours 不能为负数"))
	}
	if c.Election.Enabled && c.Election.LeaseDuration <= c.Election.RenewDeadline {
		errs = append(errs, errors.New("election.lease_duration 必须大于 election.renew_deadline"))
	}
	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram.enabled 需要 token 和 chat_id"))
	}
	return errors.Join(errs...)
}

// SubscriptionDeleteWindow 卸载残留宽限期 H
func (c *Config) SubscriptionDeleteWindow() time.Duration {
	return time.Duration(c.Schedule.SubscriptionDeleteHours) * time.Hour
}
