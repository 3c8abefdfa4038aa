package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// AgentConfig 描述智能体画像与各画像的数量分布。
type AgentConfig struct {
	Profiles          map[string]ProfileConfig `yaml:"profiles"`
	AgentDistribution map[string]int           `yaml:"agent_distribution"`
}

// ProfileConfig 是单个画像的配置。
type ProfileConfig struct {
	Description      string         `yaml:"description"`
	BaseConfig       BaseConfig     `yaml:"base_config"`
	AvailableActions []ActionConfig `yaml:"available_actions"`
}

// BaseConfig 是画像的基础行为参数。
type BaseConfig struct {
	TargetAccountCount int      `yaml:"target_account_count"`
	MaxDailyActions    int      `yaml:"max_daily_actions"`
	RiskTolerance      float64  `yaml:"risk_tolerance"`
	PreferredNetworks  []string `yaml:"preferred_networks"`
	PresetAddresses    []string `yaml:"preset_addresses"`
}

// ActionConfig 是画像中单个动作的权重与冷却。
type ActionConfig struct {
	Action         string         `yaml:"action"`
	Probability    float64        `yaml:"probability"`
	CooldownBlocks uint64         `yaml:"cooldown_blocks"`
	Constraints    map[string]any `yaml:"constraints"`
}

// LoadAgents 解析智能体配置文件。
func LoadAgents(path string) (*AgentConfig, error) {
	if path == "" {
		return nil, errors.New("智能体配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取智能体配置失败: %w", err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析智能体配置失败: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	for name, p := range c.Profiles {
		if p.BaseConfig.TargetAccountCount == 0 {
			p.BaseConfig.TargetAccountCount = 1
		}
		if p.BaseConfig.MaxDailyActions == 0 {
			p.BaseConfig.MaxDailyActions = 10
		}
		if p.BaseConfig.RiskTolerance == 0 {
			p.BaseConfig.RiskTolerance = 0.5
		}
		c.Profiles[name] = p
	}
}

// ProfileNames 返回排序后的画像名称，保证创建顺序可复现。
func (c *AgentConfig) ProfileNames() []string {
	names := make([]string, 0, len(c.AgentDistribution))
	for name := range c.AgentDistribution {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TotalAgents 返回分布中的智能体总数。
func (c *AgentConfig) TotalAgents() int {
	total := 0
	for _, n := range c.AgentDistribution {
		total += n
	}
	return total
}

// Validate 检查画像引用与动作参数，size 为网络目标规模。
func (c *AgentConfig) Validate(size int) error {
	var errs []error
	for name, count := range c.AgentDistribution {
		if count < 0 {
			errs = append(errs, fmt.Errorf("画像 %s 的数量不能为负数", name))
		}
		if _, ok := c.Profiles[name]; !ok {
			errs = append(errs, fmt.Errorf("分布引用了未定义的画像: %s", name))
		}
	}
	if total := c.TotalAgents(); size > 0 && total != size {
		errs = append(errs, fmt.Errorf("智能体分布总数 %d 与网络规模 %d 不一致", total, size))
	}
	for name, p := range c.Profiles {
		seen := make(map[string]struct{}, len(p.AvailableActions))
		for _, a := range p.AvailableActions {
			if a.Action == "" {
				errs = append(errs, fmt.Errorf("画像 %s 存在未命名的动作", name))
				continue
			}
			if _, dup := seen[a.Action]; dup {
				errs = append(errs, fmt.Errorf("画像 %s 重复定义动作 %s", name, a.Action))
			}
			seen[a.Action] = struct{}{}
			if a.Probability < 0 {
				errs = append(errs, fmt.Errorf("画像 %s 动作 %s 的概率不能为负数", name, a.Action))
			}
		}
		if p.BaseConfig.MaxDailyActions < 0 {
			errs = append(errs, fmt.Errorf("画像 %s 的每日上限不能为负数", name))
		}
	}
	return errors.Join(errs...)
}
