package agent

import (
	"crypto/ecdsa"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Agent 是一个模拟的账户持有者：控制若干地址，按画像选择动作并记录余额。
type Agent struct {
	id      string
	profile Profile
	created time.Time

	mu        sync.RWMutex
	addresses []common.Address
	keys      map[common.Address]*ecdsa.PrivateKey

	scheduler  *Scheduler
	ledger     *Ledger
	extensions *Extensions
}

// New 创建一个智能体，预置地址以模拟身份（无私钥）加入。
func New(id string, profile Profile, rng *rand.Rand, opts ...SchedulerOption) *Agent {
	a := &Agent{
		id:         id,
		profile:    profile,
		created:    time.Now(),
		keys:       make(map[common.Address]*ecdsa.PrivateKey),
		scheduler:  NewScheduler(profile, rng, opts...),
		extensions: newExtensions(),
	}
	a.ledger = NewLedger(a.Controls)
	for _, addr := range profile.PresetAddresses() {
		a.AddAccount(addr, nil)
	}
	return a
}

func (a *Agent) ID() string              { return a.id }
func (a *Agent) Profile() Profile        { return a.profile }
func (a *Agent) CreatedAt() time.Time    { return a.created }
func (a *Agent) Scheduler() *Scheduler   { return a.scheduler }
func (a *Agent) Ledger() *Ledger         { return a.ledger }
func (a *Agent) Extensions() *Extensions { return a.extensions }

// UsesPresetAddresses 表示该智能体以模拟身份操作预置地址，不生成新账户。
func (a *Agent) UsesPresetAddresses() bool {
	return len(a.profile.PresetAddresses()) > 0
}

// AddAccount 登记受控地址。key 为空表示以模拟身份操作。已存在时返回 false。
func (a *Agent) AddAccount(addr common.Address, key *ecdsa.PrivateKey) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.keys[addr]; exists {
		return false
	}
	a.keys[addr] = key
	a.addresses = append(a.addresses, addr)
	return true
}

// Addresses 按加入顺序返回受控地址。
func (a *Agent) Addresses() []common.Address {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]common.Address(nil), a.addresses...)
}

// AccountCount 返回受控地址数量。
func (a *Agent) AccountCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.addresses)
}

// Controls 判断地址是否受该智能体控制。
func (a *Agent) Controls(addr common.Address) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.keys[addr]
	return ok
}

// PrivateKey 返回地址的私钥；受控但以模拟身份操作时返回 (nil, true)。
func (a *Agent) PrivateKey(addr common.Address) (*ecdsa.PrivateKey, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key, ok := a.keys[addr]
	return key, ok
}

// SelectAction 选择下一步动作、执行地址与参数。network 预留给派生画像使用。
func (a *Agent) SelectAction(currentBlock uint64, network NetworkView) (Selection, bool) {
	return a.scheduler.Select(currentBlock, a.Addresses())
}

// CanPerformAction 判断动作当前是否可以执行。
func (a *Agent) CanPerformAction(action string, currentBlock uint64, network NetworkView) bool {
	return a.scheduler.CanPerform(action, currentBlock)
}

// RecordAction 上报动作结果，失败不改变任何限流状态。
func (a *Agent) RecordAction(action string, block uint64, success bool) {
	a.scheduler.Record(action, block, success)
}

// UpdateBalance 记录受控账户的余额变化。
func (a *Agent) UpdateBalance(account, contract common.Address, balance *big.Int, ts time.Time, block uint64) bool {
	return a.ledger.Record(account, contract, balance, ts, block)
}

// Extensions 保存协议扩展与初始状态写入的附加值。
type Extensions struct {
	mu     sync.RWMutex
	values map[string]any
}

func newExtensions() *Extensions {
	return &Extensions{values: make(map[string]any)}
}

// Set 保存一个协议自定义值。
func (e *Extensions) Set(key string, value any) {
	e.mu.Lock()
	e.values[key] = value
	e.mu.Unlock()
}

// Get 读取协议自定义值。
func (e *Extensions) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[key]
	return v, ok
}

// ExtensionValue 以指定类型读取自定义值，类型不符视为不存在。
func ExtensionValue[T any](e *Extensions, key string) (T, bool) {
	var zero T
	raw, ok := e.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}
