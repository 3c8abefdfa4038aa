// Package native implements actions on the chain's native currency.
package native

import (
	"context"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"ChainSim/internal/agent"
	"ChainSim/internal/chain"
	xerrors "ChainSim/internal/errors"
	"ChainSim/internal/sim"
	"ChainSim/pkg/logger"
)

// ActionTransfer 是原生币转账动作名。
const ActionTransfer = "native_Transfer"

// 运行状态中的累计字段。
const (
	StateTransferCount  = "native_transfer_count"
	StateTransferVolume = "native_transfer_volume"
)

const recipientsKey = "native_recipients"

// Transfer 把少量原生币从执行地址转给另一个智能体，金额按风险偏好缩放。
type Transfer struct {
	sender chain.ValueSender
	base   *big.Int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTransfer 创建转账处理器。base 是风险偏好为 1 时的转账金额。
func NewTransfer(sender chain.ValueSender, base *big.Int, seed int64) *Transfer {
	if base == nil {
		base = new(big.Int).Div(chain.Ether(1), big.NewInt(100))
	}
	return &Transfer{sender: sender, base: base, rng: rand.New(rand.NewSource(seed))}
}

// Register 把转账处理器登记到注册表。
func Register(r *sim.Registry, sender chain.ValueSender, base *big.Int, seed int64) error {
	return r.Register(ActionTransfer, NewTransfer(sender, base, seed))
}

// Execute 实现 sim.Handler。
func (t *Transfer) Execute(ctx context.Context, ec *sim.ExecutionContext, params agent.Params) (bool, error) {
	if t.sender == nil {
		return false, xerrors.New(xerrors.CodeInitializationFailure, "未配置转账发送器")
	}
	self := ec.Agent()
	all, err := ec.FilteredAddresses(nil, ec.CacheKey(recipientsKey, nil))
	if err != nil {
		return false, err
	}
	var candidates []common.Address
	for _, addr := range all {
		if !self.Controls(addr) {
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}

	amount := t.amount(params.RiskTolerance)
	if amount.Sign() <= 0 {
		return false, nil
	}

	t.mu.Lock()
	to := candidates[t.rng.Intn(len(candidates))]
	t.mu.Unlock()

	key, _ := self.PrivateKey(params.Sender)
	hash, err := t.sender.SendValue(ctx, params.Sender, key, to, amount)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeChainFailure, err, "原生币转账失败")
	}

	if network := ec.Network(); network != nil {
		err = network.Update(func(running map[string]any) error {
			count, _ := running[StateTransferCount].(int)
			running[StateTransferCount] = count + 1
			volume, _ := running[StateTransferVolume].(*big.Int)
			if volume == nil {
				volume = new(big.Int)
			}
			running[StateTransferVolume] = new(big.Int).Add(volume, amount)
			return nil
		})
		if err != nil {
			return false, err
		}
	}

	logger.L().Debug("原生币转账完成",
		slog.String("agent_id", self.ID()),
		slog.String("from", params.Sender.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
		slog.String("tx", hash.Hex()),
	)
	return true, nil
}

func (t *Transfer) amount(risk float64) *big.Int {
	permille := int64(risk * 1000)
	if permille > 1000 {
		permille = 1000
	}
	out := new(big.Int).Mul(t.base, big.NewInt(permille))
	return out.Div(out, big.NewInt(1000))
}
