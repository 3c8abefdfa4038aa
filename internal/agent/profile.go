package agent

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"ChainSim/internal/config"
)

// ActionConfig 描述画像中单个动作的权重、冷却与约束。
type ActionConfig struct {
	Name           string
	Probability    float64
	CooldownBlocks uint64
	Constraints    map[string]any
}

// Profile 是调度器所依赖的画像能力。
type Profile interface {
	Name() string
	// Actions 返回已配置的动作名称，顺序必须稳定。
	Actions() []string
	ActionConfig(name string) (ActionConfig, bool)
	CanPerformAction(name string, currentBlock, lastBlock uint64) bool
	MaxDailyActions() int
	RiskTolerance() float64
	TargetAccountCount() int
	PresetAddresses() []common.Address
}

// StaticProfile 是由配置文件构建的不可变画像。
type StaticProfile struct {
	name            string
	description     string
	targetAccounts  int
	maxDaily        int
	riskTolerance   float64
	presetAddresses []common.Address
	actions         map[string]ActionConfig
	order           []string
}

// NewProfile 根据配置构建画像，预置地址必须是合法的十六进制地址。
func NewProfile(name string, cfg config.ProfileConfig) (*StaticProfile, error) {
	p := &StaticProfile{
		name:           name,
		description:    cfg.Description,
		targetAccounts: cfg.BaseConfig.TargetAccountCount,
		maxDaily:       cfg.BaseConfig.MaxDailyActions,
		riskTolerance:  cfg.BaseConfig.RiskTolerance,
		actions:        make(map[string]ActionConfig, len(cfg.AvailableActions)),
	}
	for _, raw := range cfg.BaseConfig.PresetAddresses {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("画像 %s 的预置地址非法: %s", name, raw)
		}
		p.presetAddresses = append(p.presetAddresses, common.HexToAddress(raw))
	}
	for _, a := range cfg.AvailableActions {
		p.actions[a.Action] = ActionConfig{
			Name:           a.Action,
			Probability:    a.Probability,
			CooldownBlocks: a.CooldownBlocks,
			Constraints:    a.Constraints,
		}
		p.order = append(p.order, a.Action)
	}
	sort.Strings(p.order)
	return p, nil
}

// LoadProfiles 为配置中的每个画像构建 StaticProfile。
func LoadProfiles(cfg *config.AgentConfig) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(cfg.Profiles))
	for name, pc := range cfg.Profiles {
		p, err := NewProfile(name, pc)
		if err != nil {
			return nil, err
		}
		profiles[name] = p
	}
	return profiles, nil
}

func (p *StaticProfile) Name() string        { return p.name }
func (p *StaticProfile) Description() string { return p.description }

func (p *StaticProfile) Actions() []string {
	return append([]string(nil), p.order...)
}

func (p *StaticProfile) ActionConfig(name string) (ActionConfig, bool) {
	cfg, ok := p.actions[name]
	return cfg, ok
}

// CanPerformAction 判断冷却是否已过。lastBlock 为 0 表示从未执行过。
func (p *StaticProfile) CanPerformAction(name string, currentBlock, lastBlock uint64) bool {
	cfg, ok := p.actions[name]
	if !ok {
		return false
	}
	if lastBlock == 0 {
		return true
	}
	if currentBlock < lastBlock {
		return false
	}
	return currentBlock-lastBlock >= cfg.CooldownBlocks
}

func (p *StaticProfile) MaxDailyActions() int    { return p.maxDaily }
func (p *StaticProfile) RiskTolerance() float64  { return p.riskTolerance }
func (p *StaticProfile) TargetAccountCount() int { return p.targetAccounts }

func (p *StaticProfile) PresetAddresses() []common.Address {
	return append([]common.Address(nil), p.presetAddresses...)
}
