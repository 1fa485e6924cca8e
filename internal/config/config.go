package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/pkg/logger"
)

// Config 描述了 irisd 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   logger.Config   `json:"logging"`
	Web3      Web3Config      `json:"web3"`
	Router    RouterConfig    `json:"router"`
	Oracle    OracleConfig    `json:"oracle"`
	Lookup    LookupConfig    `json:"lookup"`
	Directory DirectoryConfig `json:"directory"`
	Storage   StorageConfig   `json:"storage"`
	Cursor    CursorConfig    `json:"cursor"`
	Events    EventsConfig    `json:"events"`
	Session   SessionConfig   `json:"session"`
	Alerting  AlertingConfig  `json:"alerting"`
	Metrics   MetricsConfig   `json:"metrics"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制网关的监听地址、跨域与限流参数。
type ServerConfig struct {
	Address            string   `json:"address"`
	AllowedOrigins     []string `json:"allowed_origins"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	RateLimitBurst     int      `json:"rate_limit_burst"`
	// EntryAgent 是未指定 agent 时首跳使用的代理 ID。
	EntryAgent string `json:"entry_agent"`
}

// Web3Config 包含访问区块链节点与签名交易所需的信息。
type Web3Config struct {
	ChainConfig           string `json:"chain_config"`
	DefaultChain          string `json:"default_chain"`
	RPCURL                string `json:"rpc_url"`
	PrivateKey            string `json:"private_key"`
	PrivateKeyEnv         string `json:"private_key_env"`
	GasLimit              uint64 `json:"gas_limit"`
	ReceiptPollMillis     int    `json:"receipt_poll_millis"`
	ReceiptTimeoutSeconds int    `json:"receipt_timeout_seconds"`
}

// RouterConfig 控制轮询节奏与路由上限。
type RouterConfig struct {
	PollIntervalMillis int    `json:"poll_interval_millis"`
	MaxHops            uint64 `json:"max_hops"`
	MaxBlockRange      uint64 `json:"max_block_range"`
	MaxLogAttempts     int    `json:"max_log_attempts"`
	HopTimeoutSeconds  int    `json:"hop_timeout_seconds"`
}

// OracleConfig 用于配置路由决策所依赖的大模型。
type OracleConfig struct {
	Provider       string             `json:"provider"`
	TimeoutSeconds int                `json:"timeout_seconds"`
	OpenAI         OpenAIConfig       `json:"openai"`
	Python         PythonBridgeConfig `json:"python_bridge"`
	Breaker        BreakerConfig      `json:"breaker"`
}

// OpenAIConfig 描述 OpenAI 兼容接口的访问方式。
type OpenAIConfig struct {
	APIKey    string `json:"api_key"`
	APIKeyEnv string `json:"api_key_env"`
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// BreakerConfig 控制熔断器在连续失败后的行为。
type BreakerConfig struct {
	FailureThreshold uint32 `json:"failure_threshold"`
	OpenSeconds      int    `json:"open_seconds"`
}

// LookupConfig 配置保留的地点查询代理。
type LookupConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	MaxResults     int    `json:"max_results"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// DirectoryConfig 指定代理目录的来源。
type DirectoryConfig struct {
	Driver   string `json:"driver"`
	SeedFile string `json:"seed_file"`
	// SeedOnStart 为 true 时启动阶段会把 SeedFile 写入 MySQL 目录。
	SeedOnStart bool `json:"seed_on_start"`
}

// StorageConfig 统一描述 MySQL 等后端的连接信息。
type StorageConfig struct {
	MySQL    MySQLConfig    `json:"mysql"`
	HopStore HopStoreConfig `json:"hop_store"`
}

// MySQLConfig 对应 MySQL 连接池参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// HopStoreConfig 选择跳转历史的存储驱动。
type HopStoreConfig struct {
	Driver string `json:"driver"`
}

// RedisConfig 是 Redis 客户端的通用参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// CursorConfig 控制区块游标的持久化方式。
type CursorConfig struct {
	Driver string      `json:"driver"`
	Resume bool        `json:"resume"`
	Redis  RedisConfig `json:"redis"`
}

// EventsConfig 选择进度事件总线的驱动。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 fanout 交换机。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// SessionConfig 控制网关等待结果的节奏。
type SessionConfig struct {
	WaitIntervalMillis int `json:"wait_interval_millis"`
	TimeoutSeconds     int `json:"timeout_seconds"`
	ProgressBuffer     int `json:"progress_buffer"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	Log   bool        `json:"log"`
	Slack SlackConfig `json:"slack"`
}

// SlackConfig 对应 Slack 机器人参数。
type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	TokenEnv string `json:"token_env"`
	Channel  string `json:"channel"`
}

// MetricsConfig 控制独立指标端口。
type MetricsConfig struct {
	Address string `json:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件，并补全默认值与密钥。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "打开配置文件失败")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "读取配置文件失败")
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析配置失败")
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.resolveSecrets(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimitPerMinute == 0 {
		c.Server.RateLimitPerMinute = 60
	}
	if c.Server.RateLimitBurst == 0 {
		c.Server.RateLimitBurst = 10
	}

	c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig)
	if c.Web3.PrivateKeyEnv == "" {
		c.Web3.PrivateKeyEnv = "IRIS_WALLET_PRIVATE_KEY"
	}
	if c.Web3.GasLimit == 0 {
		c.Web3.GasLimit = 2_000_000
	}
	if c.Web3.ReceiptPollMillis == 0 {
		c.Web3.ReceiptPollMillis = 1000
	}
	if c.Web3.ReceiptTimeoutSeconds == 0 {
		c.Web3.ReceiptTimeoutSeconds = 120
	}

	if c.Router.PollIntervalMillis == 0 {
		c.Router.PollIntervalMillis = 1000
	}
	if c.Router.MaxHops == 0 {
		c.Router.MaxHops = 5
	}
	if c.Router.MaxBlockRange == 0 {
		c.Router.MaxBlockRange = 500
	}
	if c.Router.MaxLogAttempts == 0 {
		c.Router.MaxLogAttempts = 5
	}
	if c.Router.HopTimeoutSeconds == 0 {
		c.Router.HopTimeoutSeconds = 180
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "openai"
	}
	if c.Oracle.TimeoutSeconds == 0 {
		c.Oracle.TimeoutSeconds = 60
	}
	if c.Oracle.OpenAI.APIKeyEnv == "" {
		c.Oracle.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.Oracle.Python.PythonExecutable == "" {
		c.Oracle.Python.PythonExecutable = "python3"
	}
	c.Oracle.Python.WorkingDir = resolvePath(baseDir, c.Oracle.Python.WorkingDir)
	if c.Oracle.Python.WorkingDir == "" {
		c.Oracle.Python.WorkingDir = baseDir
	}
	if c.Oracle.Breaker.FailureThreshold == 0 {
		c.Oracle.Breaker.FailureThreshold = 5
	}
	if c.Oracle.Breaker.OpenSeconds == 0 {
		c.Oracle.Breaker.OpenSeconds = 30
	}

	if c.Lookup.APIKeyEnv == "" {
		c.Lookup.APIKeyEnv = "GOOGLE_MAPS_API_KEY"
	}
	if c.Lookup.MaxResults == 0 {
		c.Lookup.MaxResults = 5
	}
	if c.Lookup.TimeoutSeconds == 0 {
		c.Lookup.TimeoutSeconds = 15
	}

	if c.Directory.Driver == "" {
		c.Directory.Driver = "file"
	}
	if c.Directory.SeedFile == "" {
		c.Directory.SeedFile = "agents.yaml"
	}
	c.Directory.SeedFile = resolvePath(baseDir, c.Directory.SeedFile)

	if c.Storage.HopStore.Driver == "" {
		c.Storage.HopStore.Driver = "memory"
	}

	if c.Cursor.Driver == "" {
		c.Cursor.Driver = "memory"
	}
	if c.Cursor.Redis.Key == "" {
		c.Cursor.Redis.Key = "iris:cursor"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Redis.Key == "" {
		c.Events.Redis.Key = "iris:events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "iris.events"
	}

	if c.Session.WaitIntervalMillis == 0 {
		c.Session.WaitIntervalMillis = 500
	}
	if c.Session.TimeoutSeconds == 0 {
		c.Session.TimeoutSeconds = 600
	}
	if c.Session.ProgressBuffer == 0 {
		c.Session.ProgressBuffer = 32
	}

	if c.Alerting.Slack.TokenEnv == "" {
		c.Alerting.Slack.TokenEnv = "IRIS_SLACK_TOKEN"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
}

// resolveSecrets 从环境变量补全未直接写入文件的密钥。
func (c *Config) resolveSecrets(lookup func(string) (string, bool)) {
	fill := func(target *string, env string) {
		if strings.TrimSpace(*target) != "" || env == "" {
			return
		}
		if v, ok := lookup(env); ok {
			*target = strings.TrimSpace(v)
		}
	}
	fill(&c.Web3.PrivateKey, c.Web3.PrivateKeyEnv)
	fill(&c.Oracle.OpenAI.APIKey, c.Oracle.OpenAI.APIKeyEnv)
	fill(&c.Lookup.APIKey, c.Lookup.APIKeyEnv)
	fill(&c.Alerting.Slack.Token, c.Alerting.Slack.TokenEnv)
}

// Validate 检查启动所必需的字段，任何问题都以 CONFIG_INVALID 返回。
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Web3.PrivateKey == "" {
		add("缺少签名私钥 (web3.private_key 或环境变量 %s)", c.Web3.PrivateKeyEnv)
	}
	if c.Web3.RPCURL == "" && c.Web3.ChainConfig == "" {
		add("web3.rpc_url 与 web3.chain_config 至少需要一个")
	}

	switch c.Oracle.Provider {
	case "openai":
		if c.Oracle.OpenAI.APIKey == "" {
			add("缺少 OpenAI API Key (环境变量 %s)", c.Oracle.OpenAI.APIKeyEnv)
		}
	case "python_bridge":
		if c.Oracle.Python.ScriptPath == "" {
			add("oracle.python_bridge.script_path 不能为空")
		}
	default:
		add("不支持的 oracle.provider: %s", c.Oracle.Provider)
	}

	switch c.Lookup.Provider {
	case "":
	case "google_maps":
		if c.Lookup.APIKey == "" {
			add("缺少地点查询 API Key (环境变量 %s)", c.Lookup.APIKeyEnv)
		}
	default:
		add("不支持的 lookup.provider: %s", c.Lookup.Provider)
	}

	needsMySQL := false
	switch c.Directory.Driver {
	case "file":
	case "mysql":
		needsMySQL = true
	default:
		add("不支持的 directory.driver: %s", c.Directory.Driver)
	}
	switch c.Storage.HopStore.Driver {
	case "memory":
	case "mysql":
		needsMySQL = true
	default:
		add("不支持的 storage.hop_store.driver: %s", c.Storage.HopStore.Driver)
	}
	if needsMySQL && c.Storage.MySQL.DSN == "" {
		add("storage.mysql.dsn 不能为空")
	}

	switch c.Cursor.Driver {
	case "memory":
	case "redis":
		if c.Cursor.Redis.Address == "" {
			add("cursor.redis.address 不能为空")
		}
	default:
		add("不支持的 cursor.driver: %s", c.Cursor.Driver)
	}

	switch c.Events.Driver {
	case "memory":
	case "redis":
		if c.Events.Redis.Address == "" {
			add("events.redis.address 不能为空")
		}
	case "rabbitmq":
		if c.Events.RabbitMQ.URL == "" {
			add("events.rabbitmq.url 不能为空")
		}
	default:
		add("不支持的 events.driver: %s", c.Events.Driver)
	}

	if c.Alerting.Slack.Enabled && (c.Alerting.Slack.Token == "" || c.Alerting.Slack.Channel == "") {
		add("启用 Slack 告警需要 token 与 channel")
	}

	if len(problems) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeConfigInvalid, strings.Join(problems, "; "))
}

// PollInterval 返回路由轮询间隔。
func (c RouterConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// HopTimeout 返回单跳处理的截止时间。
func (c RouterConfig) HopTimeout() time.Duration {
	return time.Duration(c.HopTimeoutSeconds) * time.Second
}

// Timeout 返回单次决策调用的超时。
func (c OracleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WaitInterval 返回网关轮询会话状态的间隔。
func (c SessionConfig) WaitInterval() time.Duration {
	return time.Duration(c.WaitIntervalMillis) * time.Millisecond
}

// Timeout 返回会话等待上限。
func (c SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
