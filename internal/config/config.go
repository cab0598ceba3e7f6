package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"VaultPilot/pkg/logger"
)

// EnvConfigPath 允许通过环境变量覆盖配置文件路径。
const EnvConfigPath = "VAULTPILOT_CONFIG"

// Config 描述了 VaultPilot 在启动阶段需要加载的核心配置。
type Config struct {
	Server     ServerConfig              `yaml:"server" json:"server"`
	Auth       AuthConfig                `yaml:"auth" json:"auth"`
	Logging    logger.Config             `yaml:"logging" json:"logging"`
	Storage    StorageConfig             `yaml:"storage" json:"storage"`
	Queue      QueueConfig               `yaml:"queue" json:"queue"`
	Cache      CacheConfig               `yaml:"cache" json:"cache"`
	Web3       Web3Config                `yaml:"web3" json:"web3"`
	Wallet     WalletConfig              `yaml:"wallet" json:"wallet"`
	Approval   ApprovalConfig            `yaml:"approval" json:"approval"`
	Scheduler  SchedulerConfig           `yaml:"scheduler" json:"scheduler"`
	Execution  ExecutionConfig           `yaml:"execution" json:"execution"`
	Strategies map[string]StrategyConfig `yaml:"strategies" json:"strategies"`
	Alerting   AlertingConfig            `yaml:"alerting" json:"alerting"`
	Runtime    RuntimeConfig             `yaml:"runtime" json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MetricsEnabled  bool     `yaml:"metrics_enabled" json:"metrics_enabled"`
	// MetricsAddress 非空时指标改由独立端口暴露。
	MetricsAddress  string   `yaml:"metrics_address" json:"metrics_address"`
}

// AuthConfig 描述 API 鉴权方式。mode 为 jwt 或 disabled。
type AuthConfig struct {
	Mode     string   `yaml:"mode" json:"mode"`
	Secret   string   `yaml:"secret" json:"secret"`
	Issuer   string   `yaml:"issuer" json:"issuer"`
	Audience string   `yaml:"audience" json:"audience"`
	TokenTTL Duration `yaml:"token_ttl" json:"token_ttl"`
}

// StorageConfig 统一描述 MySQL、SQLite 等后端的连接信息。
type StorageConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate" json:"auto_migrate"`
}

// QueueConfig 描述执行任务的派发队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver" json:"driver"`
	Workers  int            `yaml:"workers" json:"workers"`
	Buffer   int            `yaml:"buffer" json:"buffer"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq" json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接参数，队列、缓存与审批存储共用。
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Key      string `yaml:"key" json:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string   `yaml:"url" json:"url"`
	Queue      string   `yaml:"queue" json:"queue"`
	Prefetch   int      `yaml:"prefetch" json:"prefetch"`
	RetryDelay Duration `yaml:"retry_delay" json:"retry_delay"`
	MaxRetries int      `yaml:"max_retries" json:"max_retries"`
}

// CacheConfig 描述手续费缓存。
type CacheConfig struct {
	Driver string      `yaml:"driver" json:"driver"`
	TTL    Duration    `yaml:"ttl" json:"ttl"`
	Redis  RedisConfig `yaml:"redis" json:"redis"`
}

// Web3Config 包含访问区块链节点所需的参数。
type Web3Config struct {
	ChainsFile    string       `yaml:"chains_file" json:"chains_file"`
	DefaultChain  string       `yaml:"default_chain" json:"default_chain"`
	RPCURL        string       `yaml:"rpc_url" json:"rpc_url"`
	RateLimit     float64      `yaml:"rate_limit" json:"rate_limit"`
	RateBurst     int          `yaml:"rate_burst" json:"rate_burst"`
	Confirmations uint64       `yaml:"confirmations" json:"confirmations"`
	GasMultiplier float64      `yaml:"gas_multiplier" json:"gas_multiplier"`
	Signer        SignerConfig `yaml:"signer" json:"signer"`
}

// SignerConfig 描述托管签名私钥的来源，三者择一。
type SignerConfig struct {
	PrivateKey     string `yaml:"private_key" json:"private_key"`
	KeyFile        string `yaml:"key_file" json:"key_file"`
	KeystorePath   string `yaml:"keystore_path" json:"keystore_path"`
	KeystorePass   string `yaml:"keystore_password" json:"keystore_password"`
	DelegationsDir string `yaml:"delegations_dir" json:"delegations_dir"`
}

// WalletConfig 描述风险阈值与确认超时。
type WalletConfig struct {
	HighFeeThreshold    string   `yaml:"high_fee_threshold" json:"high_fee_threshold"`
	MediumFeeThreshold  string   `yaml:"medium_fee_threshold" json:"medium_fee_threshold"`
	MaxSlippageBps      int      `yaml:"max_slippage_bps" json:"max_slippage_bps"`
	ConfirmationTimeout Duration `yaml:"confirmation_timeout" json:"confirmation_timeout"`
	PollInterval        Duration `yaml:"poll_interval" json:"poll_interval"`
}

// ApprovalConfig 描述审批存储与有效期。
type ApprovalConfig struct {
	Driver        string      `yaml:"driver" json:"driver"`
	TTL           Duration    `yaml:"ttl" json:"ttl"`
	SweepInterval Duration    `yaml:"sweep_interval" json:"sweep_interval"`
	Redis         RedisConfig `yaml:"redis" json:"redis"`
}

// SchedulerConfig 描述定投调度器参数。
type SchedulerConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	Interval         Duration `yaml:"interval" json:"interval"`
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
	Concurrency      int      `yaml:"concurrency" json:"concurrency"`
	StaleClaimAge    Duration `yaml:"stale_claim_age" json:"stale_claim_age"`
	CycleTimeout     Duration `yaml:"cycle_timeout" json:"cycle_timeout"`
	LockFile         string   `yaml:"lock_file" json:"lock_file"`
}

// ExecutionConfig 描述执行协调器参数。
type ExecutionConfig struct {
	StageTimeout      Duration `yaml:"stage_timeout" json:"stage_timeout"`
	ReconcileInterval Duration `yaml:"reconcile_interval" json:"reconcile_interval"`
	ReconcileWindow   Duration `yaml:"reconcile_window" json:"reconcile_window"`
}

// StrategyConfig 将策略类型绑定到远端报价与构建服务。
type StrategyConfig struct {
	QuoteURL string   `yaml:"quote_url" json:"quote_url"`
	BuildURL string   `yaml:"build_url" json:"build_url"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
	APIKey   string   `yaml:"api_key" json:"api_key"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	WebhookURL string   `yaml:"webhook_url" json:"webhook_url"`
	Timeout    Duration `yaml:"timeout" json:"timeout"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// Duration 支持 "30s"、"5m" 这类字符串形式的时长。
type Duration time.Duration

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var seconds float64
		if numErr := json.Unmarshal(data, &seconds); numErr != nil {
			return err
		}
		*d = Duration(time.Duration(seconds * float64(time.Second)))
		return nil
	}
	return d.parse(raw)
}

// MarshalJSON 以字符串形式输出时长。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("无效的时长 %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ResolvePath 返回最终使用的配置路径，环境变量优先。
func ResolvePath(flagPath string) string {
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return flagPath
}

// Load 负责解析指定路径的配置文件，按扩展名选择 YAML 或 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(content, &cfg)
	default:
		err = yaml.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅使用默认值的配置，便于本地开发与测试。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "mysql", "sqlite":
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("存储驱动 %s 需要配置 dsn", c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}
	switch c.Approval.Driver {
	case "memory", "redis", "sql":
	default:
		return fmt.Errorf("不支持的审批存储驱动: %s", c.Approval.Driver)
	}
	if c.Approval.Driver == "sql" && c.Storage.Driver == "memory" {
		return errors.New("审批存储使用 sql 时必须配置持久化存储驱动")
	}
	switch c.Auth.Mode {
	case "disabled":
	case "jwt":
		if c.Auth.Secret == "" {
			return errors.New("jwt 鉴权模式需要配置 secret")
		}
	default:
		return fmt.Errorf("不支持的鉴权模式: %s", c.Auth.Mode)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = Duration(time.Hour)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "vaultpilot.db")
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 10
	}
	if c.Storage.MaxIdleConns == 0 {
		c.Storage.MaxIdleConns = 5
	}
	if c.Storage.ConnMaxLifetime == 0 {
		c.Storage.ConnMaxLifetime = Duration(30 * time.Minute)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 128
	}
	if c.Queue.Redis.Key == "" {
		c.Queue.Redis.Key = "vaultpilot:executions"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "vaultpilot.executions"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = c.Queue.Workers
	}
	if c.Queue.RabbitMQ.RetryDelay <= 0 {
		c.Queue.RabbitMQ.RetryDelay = Duration(5 * time.Second)
	}
	if c.Queue.RabbitMQ.MaxRetries <= 0 {
		c.Queue.RabbitMQ.MaxRetries = 20
	}

	if c.Cache.Driver == "" {
		c.Cache.Driver = "memory"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(30 * time.Second)
	}
	if c.Cache.Redis.Key == "" {
		c.Cache.Redis.Key = "vaultpilot:fees"
	}

	if c.Web3.DefaultChain == "" {
		c.Web3.DefaultChain = "ethereum"
	}
	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}
	if c.Web3.RateLimit <= 0 {
		c.Web3.RateLimit = 20
	}
	if c.Web3.RateBurst <= 0 {
		c.Web3.RateBurst = 5
	}
	if c.Web3.Confirmations == 0 {
		c.Web3.Confirmations = 1
	}
	if c.Web3.GasMultiplier <= 0 {
		c.Web3.GasMultiplier = 1.2
	}
	if c.Web3.Signer.DelegationsDir == "" {
		c.Web3.Signer.DelegationsDir = filepath.Join(c.Runtime.DataDir, "delegations")
	}

	if c.Wallet.HighFeeThreshold == "" {
		c.Wallet.HighFeeThreshold = "0.05"
	}
	if c.Wallet.MediumFeeThreshold == "" {
		c.Wallet.MediumFeeThreshold = "0.005"
	}
	if c.Wallet.MaxSlippageBps <= 0 {
		c.Wallet.MaxSlippageBps = 100
	}
	if c.Wallet.ConfirmationTimeout == 0 {
		c.Wallet.ConfirmationTimeout = Duration(60 * time.Second)
	}
	if c.Wallet.PollInterval == 0 {
		c.Wallet.PollInterval = Duration(2 * time.Second)
	}

	if c.Approval.Driver == "" {
		c.Approval.Driver = "memory"
	}
	if c.Approval.TTL == 0 {
		c.Approval.TTL = Duration(5 * time.Minute)
	}
	if c.Approval.SweepInterval == 0 {
		c.Approval.SweepInterval = Duration(5 * time.Second)
	}
	if c.Approval.Redis.Key == "" {
		c.Approval.Redis.Key = "vaultpilot:approvals"
	}

	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = Duration(30 * time.Second)
	}
	if c.Scheduler.FailureThreshold <= 0 {
		c.Scheduler.FailureThreshold = 5
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = 4
	}
	if c.Scheduler.StaleClaimAge == 0 {
		c.Scheduler.StaleClaimAge = Duration(15 * time.Minute)
	}
	if c.Scheduler.CycleTimeout == 0 {
		c.Scheduler.CycleTimeout = Duration(5 * time.Minute)
	}
	if c.Scheduler.LockFile == "" {
		c.Scheduler.LockFile = filepath.Join(c.Runtime.DataDir, "scheduler.lock")
	}

	if c.Execution.StageTimeout == 0 {
		c.Execution.StageTimeout = Duration(30 * time.Second)
	}
	if c.Execution.ReconcileInterval == 0 {
		c.Execution.ReconcileInterval = Duration(time.Minute)
	}
	if c.Execution.ReconcileWindow == 0 {
		c.Execution.ReconcileWindow = Duration(24 * time.Hour)
	}

	if c.Alerting.Timeout == 0 {
		c.Alerting.Timeout = Duration(5 * time.Second)
	}
}
