package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "CHIMERA_CONFIG"

// Config 描述了 Chimera 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	LLM       LLMConfig       `json:"llm"`
	Web3      Web3Config      `json:"web3"`
	Policy    PolicyConfig    `json:"policy"`
	AuditLoop AuditLoopConfig `json:"audit_loop"`
	Payment   PaymentConfig   `json:"payment"`
	Alerting  AlertingConfig  `json:"alerting"`
	Auth      AuthConfig      `json:"auth"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsEnabled *bool  `json:"metrics_enabled"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志文件及其滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig 描述策略账本与任务状态的持久化后端。
type StorageConfig struct {
	PolicyStore PolicyStoreConfig `json:"policy_store"`
	TaskStore   TaskStoreConfig   `json:"task_store"`
}

// PolicyStoreConfig 选择策略账本实现：memory、mysql、postgres 或 redis。
type PolicyStoreConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	RedisAddress    string `json:"redis_address"`
	RedisPassword   string `json:"redis_password"`
	RedisDB         int    `json:"redis_db"`
	RedisKeyPrefix  string `json:"redis_key_prefix"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
}

// TaskStoreConfig 选择生成任务存储：memory、mysql 或 postgres。
type TaskStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// TaskQueueConfig 选择异步生成任务的消息队列。
type TaskQueueConfig struct {
	Driver     string         `json:"driver"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	BufferSize int            `json:"buffer_size"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// LLMConfig 用于配置代码生成与审计服务。
type LLMConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	AuditModel     string `json:"audit_model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Web3Config 包含访问区块链节点与签名域所需的信息。
type Web3Config struct {
	RPCURL             string `json:"rpc_url"`
	ChainConfig        string `json:"chain_config"`
	DefaultChain       string `json:"default_chain"`
	ChainID            int64  `json:"chain_id"`
	VerifyingContract  string `json:"verifying_contract"`
	FacilitatorKey     string `json:"facilitator_key"`
	FacilitatorKeyEnv  string `json:"facilitator_key_env"`
	ConfirmationPollMS int    `json:"confirmation_poll_ms"`
}

// PolicyConfig 是策略引擎的静态配置，金额以原生币为单位的十进制字符串表示。
type PolicyConfig struct {
	MaxSpendPerTx      string   `json:"max_spend_per_tx"`
	MaxSpendPerHour    string   `json:"max_spend_per_hour"`
	MaxSpendPerDay     string   `json:"max_spend_per_day"`
	MaxTxPerMinute     int      `json:"max_tx_per_minute"`
	MaxTxPerHour       int      `json:"max_tx_per_hour"`
	MaxTxPerDay        int      `json:"max_tx_per_day"`
	AllowedIntentTypes []string `json:"allowed_intent_types"`
	AllowedContracts   []string `json:"allowed_contracts"`
	DeniedContracts    []string `json:"denied_contracts"`
	MinAuditScore      int      `json:"min_audit_score"`
	RequireAudit       *bool    `json:"require_audit"`
	EnforcePerTxCap    bool     `json:"enforce_per_tx_cap"`
	NoncePolicy        string   `json:"nonce_policy"`
	HistoryLimit       int      `json:"history_limit"`
}

// AuditLoopConfig 控制自修正生成循环。
type AuditLoopConfig struct {
	MaxRetries int `json:"max_retries"`
	Threshold  int `json:"threshold"`
}

// PaymentConfig 描述 x402 付费网关的收款方与各端点价格。
type PaymentConfig struct {
	Enabled          bool           `json:"enabled"`
	Recipient        string         `json:"recipient"`
	Token            string         `json:"token"`
	ChallengeTTLSecs int            `json:"challenge_ttl_seconds"`
	Routes           []PaymentRoute `json:"routes"`
}

// PaymentRoute 为某个端点定价，Amount 为最小单位的十进制整数。
type PaymentRoute struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Amount string `json:"amount"`
	Token  string `json:"token"`
}

// AlertingConfig 配置告警渠道，Webhook 为空的渠道不启用。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	// CooldownSeconds 内相同错误码与对象的告警只发送一次，为 0 时取 60，负数关闭节流。
	CooldownSeconds int `json:"cooldown_seconds"`
}

// AuthConfig 配置运维接口的静态令牌，未启用时运维接口不做认证。
type AuthConfig struct {
	Enabled bool            `json:"enabled"`
	Tokens  []OperatorToken `json:"tokens"`
}

// OperatorToken 描述一个运维令牌，Token 为空时从 TokenEnv 读取。
type OperatorToken struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	cfg.applyDefaults(baseDir)
	cfg.resolveSecrets()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，便于本地运行与测试。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.MetricsEnabled == nil {
		enabled := true
		c.Server.MetricsEnabled = &enabled
	}

	if c.Storage.PolicyStore.Driver == "" {
		c.Storage.PolicyStore.Driver = "memory"
	}
	if c.Storage.PolicyStore.RedisKeyPrefix == "" {
		c.Storage.PolicyStore.RedisKeyPrefix = "chimera:policy"
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Web3.FacilitatorKeyEnv == "" {
		c.Web3.FacilitatorKeyEnv = "CHIMERA_FACILITATOR_KEY"
	}
	if c.Web3.ConfirmationPollMS <= 0 {
		c.Web3.ConfirmationPollMS = 1000
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Policy.MaxTxPerMinute <= 0 {
		c.Policy.MaxTxPerMinute = 5
	}
	if c.Policy.MaxTxPerHour <= 0 {
		c.Policy.MaxTxPerHour = 50
	}
	if c.Policy.MaxTxPerDay <= 0 {
		c.Policy.MaxTxPerDay = 200
	}
	if c.Policy.MaxSpendPerTx == "" {
		c.Policy.MaxSpendPerTx = "0.1"
	}
	if c.Policy.MaxSpendPerHour == "" {
		c.Policy.MaxSpendPerHour = "0.5"
	}
	if c.Policy.MaxSpendPerDay == "" {
		c.Policy.MaxSpendPerDay = "2"
	}
	if len(c.Policy.AllowedIntentTypes) == 0 {
		c.Policy.AllowedIntentTypes = []string{"deploy_contract", "transfer", "call_contract", "swap"}
	}
	if c.Policy.MinAuditScore <= 0 {
		c.Policy.MinAuditScore = 80
	}
	if c.Policy.RequireAudit == nil {
		required := true
		c.Policy.RequireAudit = &required
	}
	if c.Policy.NoncePolicy == "" {
		c.Policy.NoncePolicy = "burn"
	}
	if c.Policy.HistoryLimit <= 0 {
		c.Policy.HistoryLimit = 1000
	}

	if c.AuditLoop.MaxRetries <= 0 {
		c.AuditLoop.MaxRetries = 3
	}
	if c.AuditLoop.Threshold <= 0 {
		c.AuditLoop.Threshold = c.Policy.MinAuditScore
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}
	if c.Alerting.CooldownSeconds == 0 {
		c.Alerting.CooldownSeconds = 60
	}

	if c.Payment.ChallengeTTLSecs <= 0 {
		c.Payment.ChallengeTTLSecs = 300
	}

	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// resolveSecrets 在配置文件未直接写入密钥时从环境变量读取。
func (c *Config) resolveSecrets() {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		c.LLM.APIKey = strings.TrimSpace(os.Getenv(c.LLM.APIKeyEnv))
	}
	if strings.TrimSpace(c.Web3.FacilitatorKey) == "" {
		c.Web3.FacilitatorKey = strings.TrimSpace(os.Getenv(c.Web3.FacilitatorKeyEnv))
	}
	for i := range c.Auth.Tokens {
		t := &c.Auth.Tokens[i]
		if strings.TrimSpace(t.Token) == "" && t.TokenEnv != "" {
			t.Token = strings.TrimSpace(os.Getenv(t.TokenEnv))
		}
	}
}

func (c *Config) validate() error {
	switch c.Policy.NoncePolicy {
	case "burn", "release":
	default:
		return fmt.Errorf("不支持的 nonce 策略: %s", c.Policy.NoncePolicy)
	}
	switch c.Storage.PolicyStore.Driver {
	case "memory", "mysql", "postgres", "redis":
	default:
		return fmt.Errorf("不支持的策略存储驱动: %s", c.Storage.PolicyStore.Driver)
	}
	if c.Policy.MinAuditScore > 100 {
		return fmt.Errorf("min_audit_score 超出范围: %d", c.Policy.MinAuditScore)
	}
	if c.Payment.Enabled && strings.TrimSpace(c.Payment.Recipient) == "" {
		return errors.New("启用付费网关时必须配置收款地址")
	}
	if c.Auth.Enabled {
		if len(c.Auth.Tokens) == 0 {
			return errors.New("启用认证时至少需要一个运维令牌")
		}
		for _, t := range c.Auth.Tokens {
			if strings.TrimSpace(t.Token) == "" {
				return fmt.Errorf("运维令牌 %s 未配置", t.Name)
			}
		}
	}
	return nil
}
