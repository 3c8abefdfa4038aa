package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述一次模拟运行在启动阶段需要加载的网络级配置。
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Chain      ChainConfig      `yaml:"chain"`
	Collector  CollectorConfig  `yaml:"collector"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
}

// SimulationConfig 控制迭代循环本身的参数。InitialState 写入每个智能体自身的扩展状态，
// NetworkState 写入共享运行状态。
type SimulationConfig struct {
	Name                    string                `yaml:"name"`
	Size                    int                   `yaml:"size"`
	BatchSize               int                   `yaml:"batch_size"`
	Iterations              int                   `yaml:"iterations"`
	BlocksPerIteration      uint64                `yaml:"blocks_per_iteration"`
	BlockTime               uint64                `yaml:"block_time"`
	MinBlocksBetweenActions uint64                `yaml:"min_blocks_between_actions"`
	Seed                    int64                 `yaml:"seed"`
	Workers                 int                   `yaml:"workers"`
	CacheTTL                time.Duration         `yaml:"cache_ttl"`
	InitialFundingWei       string                `yaml:"initial_funding_wei"`
	InitialState            map[string]any        `yaml:"initial_state"`
	NetworkState            map[string]any        `yaml:"network_state"`
	InitialActions          []InitialActionConfig `yaml:"initial_actions"`
}

// InitialActionConfig 描述第一次迭代之前执行的初始动作。
type InitialActionConfig struct {
	Action  string         `yaml:"action"`
	Profile string         `yaml:"profile"`
	Count   int            `yaml:"count"`
	Params  map[string]any `yaml:"params"`
}

// ChainConfig 描述开发链节点的接入方式。
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	AdvanceBatch   uint64        `yaml:"advance_batch"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CollectorConfig 选择数据采集后端。driver 取值 none、memory、mysql、sqlite、redis。
type CollectorConfig struct {
	Driver string      `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig 是 Redis 采集器的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// TrackerConfig 列出需要跟踪余额的 ERC20 合约。
type TrackerConfig struct {
	Tokens []string `yaml:"tokens"`
}

// AlertingConfig 配置运行失败时的告警出口。
type AlertingConfig struct {
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 为空 URL 时不启用。
type RabbitMQConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// LoggingConfig 与 pkg/logger 的配置一一对应。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制逐条动作的审计日志。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ServerConfig 控制统计接口与指标的监听地址，为空表示不启动。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// Overrides 对应命令行上可以覆盖的字段，零值表示不覆盖。
type Overrides struct {
	Size               int
	BatchSize          int
	Iterations         int
	BlocksPerIteration uint64
	FastMode           bool
}

// Load 解析指定路径的 YAML 网络配置；路径为空时返回全部默认值。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// Apply 合并命令行覆盖项。fast mode 关闭数据采集。
func (c *Config) Apply(o Overrides) {
	if o.Size > 0 {
		c.Simulation.Size = o.Size
	}
	if o.BatchSize > 0 {
		c.Simulation.BatchSize = o.BatchSize
	}
	if o.Iterations > 0 {
		c.Simulation.Iterations = o.Iterations
	}
	if o.BlocksPerIteration > 0 {
		c.Simulation.BlocksPerIteration = o.BlocksPerIteration
	}
	if o.FastMode {
		c.Collector.Driver = "none"
	}
}

// InitialFunding 返回每个新建账户的注资金额（wei）。
func (c *Config) InitialFunding() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(c.Simulation.InitialFundingWei, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("非法的注资金额: %q", c.Simulation.InitialFundingWei)
	}
	return amount, nil
}

// Validate 检查网络配置是否自洽。
func (c *Config) Validate() error {
	var errs []error
	if c.Simulation.Size <= 0 {
		errs = append(errs, errors.New("simulation.size 必须大于 0"))
	}
	if c.Simulation.Iterations < 0 {
		errs = append(errs, errors.New("simulation.iterations 不能为负数"))
	}
	if c.Simulation.Workers <= 0 {
		errs = append(errs, errors.New("simulation.workers 必须大于 0"))
	}
	if _, err := c.InitialFunding(); err != nil {
		errs = append(errs, err)
	}
	for i, a := range c.Simulation.InitialActions {
		if a.Action == "" {
			errs = append(errs, fmt.Errorf("simulation.initial_actions[%d] 缺少 action", i))
		}
		if a.Count < 0 {
			errs = append(errs, fmt.Errorf("simulation.initial_actions[%d].count 不能为负数", i))
		}
	}
	switch c.Collector.Driver {
	case "none", "memory", "redis":
	case "mysql", "sqlite":
		if c.Collector.DSN == "" {
			errs = append(errs, fmt.Errorf("collector.dsn 不能为空 (driver=%s)", c.Collector.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 collector.driver: %s", c.Collector.Driver))
	}
	return errors.Join(errs...)
}

// applyDefaults 在用户未填写部分字段时设置默认值。
func (c *Config) applyDefaults(baseDir string) {
	s := &c.Simulation
	if s.Name == "" {
		s.Name = "chainsim"
	}
	if s.Size == 0 {
		s.Size = 20
	}
	if s.BatchSize == 0 {
		s.BatchSize = 10
	}
	if s.Iterations == 0 {
		s.Iterations = 10
	}
	if s.BlocksPerIteration == 0 {
		s.BlocksPerIteration = 100
	}
	if s.BlockTime == 0 {
		s.BlockTime = 5
	}
	if s.MinBlocksBetweenActions == 0 {
		s.MinBlocksBetweenActions = 5
	}
	if s.Workers == 0 {
		s.Workers = 1
	}
	if s.InitialFundingWei == "" {
		// 10000 ETH
		s.InitialFundingWei = "10000000000000000000000"
	}

	if c.Chain.RPCURL == "" {
		c.Chain.RPCURL = "http://127.0.0.1:8545"
	}
	if c.Chain.AdvanceBatch == 0 {
		c.Chain.AdvanceBatch = 5
	}
	if c.Chain.RequestTimeout == 0 {
		c.Chain.RequestTimeout = 30 * time.Second
	}

	c.Collector.Driver = strings.ToLower(strings.TrimSpace(c.Collector.Driver))
	if c.Collector.Driver == "" {
		c.Collector.Driver = "none"
	}
	if c.Collector.Driver == "sqlite" && c.Collector.DSN != "" && !filepath.IsAbs(c.Collector.DSN) && !strings.HasPrefix(c.Collector.DSN, "file:") {
		c.Collector.DSN = filepath.Join(baseDir, c.Collector.DSN)
	}
	if c.Collector.Redis.Address == "" {
		c.Collector.Redis.Address = "127.0.0.1:6379"
	}
	if c.Collector.Redis.Prefix == "" {
		c.Collector.Redis.Prefix = "chainsim"
	}

	if c.Alerting.RabbitMQ.Queue == "" {
		c.Alerting.RabbitMQ.Queue = "chainsim.alerts"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "actions.log")
	} else if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}
