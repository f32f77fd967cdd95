package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 selfclawd 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Storage  StorageConfig  `json:"storage"`
	Escrow   EscrowConfig   `json:"escrow"`
	Activity ActivityConfig `json:"activity"`
	Web3     Web3Config     `json:"web3"`
	Logging  LoggingConfig  `json:"logging"`
	// Skills 在启动阶段载入技能目录的条目。生产部署由市场路由
	// 提供目录，这里主要服务开发环境与联调。
	Skills []SkillSeed `json:"skills"`
}

// SkillSeed 描述一个预置的可购买技能。Price 是以最小单位计的十进制整数。
type SkillSeed struct {
	SkillID         string `json:"skill_id"`
	SellerPublicKey string `json:"seller_public_key"`
	Price           string `json:"price"`
	Description     string `json:"description"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// AuthConfig 配置签名请求认证与重放保护。
type AuthConfig struct {
	// RegistryDriver 选择智能体注册表的存储驱动：memory 或 mysql。
	RegistryDriver string `json:"registry_driver"`
	// ReplayDriver 选择重放保护状态的存储驱动：memory 或 redis。
	// 多实例部署必须使用 redis，否则重放保护仅在单进程内生效。
	ReplayDriver string      `json:"replay_driver"`
	Redis        RedisConfig `json:"redis"`
	// Seeds 在启动阶段写入注册表的初始智能体，便于开发环境联调。
	Seeds []AgentSeed `json:"seeds"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// AgentSeed 描述一个预置的智能体身份。
type AgentSeed struct {
	PublicKey     string `json:"public_key"`
	HumanID       string `json:"human_id"`
	APIKey        string `json:"api_key"`
	WalletAddress string `json:"wallet_address"`
}

// StorageConfig 统一描述购买记录存储后端的连接信息。
type StorageConfig struct {
	PurchaseStore PurchaseStoreConfig `json:"purchase_store"`
}

// PurchaseStoreConfig 选择购买记录的持久化驱动。
type PurchaseStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// EscrowConfig 描述托管账户与支付要求的参数。
type EscrowConfig struct {
	// Address 是买家付款的托管地址。
	Address string `json:"address"`
	// SigningKeyEnv 指定存放托管账户私钥（hex）的环境变量名。
	SigningKeyEnv string `json:"signing_key_env"`
	// PriceToken 标识计价代币，默认平台原生代币。
	PriceToken string `json:"price_token"`
	// RequirementTTLSeconds 是支付要求的有效期。
	RequirementTTLSeconds int `json:"requirement_ttl_seconds"`
}

// ActivityConfig 配置托管活动事件的发布方式。
type ActivityConfig struct {
	Driver   string         `json:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// LoggingConfig 控制日志输出与审计日志。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
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

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Auth.RegistryDriver == "" {
		c.Auth.RegistryDriver = "memory"
	}
	if c.Auth.ReplayDriver == "" {
		c.Auth.ReplayDriver = "memory"
	}

	if c.Storage.PurchaseStore.Driver == "" {
		c.Storage.PurchaseStore.Driver = "memory"
	}

	if c.Escrow.SigningKeyEnv == "" {
		c.Escrow.SigningKeyEnv = "SELFCLAW_ESCROW_KEY"
	}
	if c.Escrow.PriceToken == "" {
		c.Escrow.PriceToken = "SELF"
	}
	if c.Escrow.RequirementTTLSeconds <= 0 {
		c.Escrow.RequirementTTLSeconds = 600
	}

	if c.Activity.Driver == "" {
		c.Activity.Driver = "none"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
