// Package tracker keeps agent ledgers in sync with ERC20 balances by scanning
// Transfer logs of configured token contracts after every iteration.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ChainSim/internal/agent"
	"ChainSim/internal/chain"
	"ChainSim/internal/collector"
	xerrors "ChainSim/internal/errors"
	"ChainSim/pkg/logger"
)

// TransferTopic is the ERC20 Transfer event signature hash.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Reader is the chain access the tracker needs.
type Reader interface {
	chain.LogFilterer
	chain.TokenReader
}

// Tracker records balance changes of agent-controlled accounts.
type Tracker struct {
	reader    Reader
	agents    *agent.Manager
	collector collector.Collector
	tokens    []common.Address
	now       func() time.Time
	log       *slog.Logger

	mu        sync.Mutex
	synced    uint64
	hasSynced bool
}

// New returns a tracker over the given token contracts. A nil collector
// discards balance changes.
func New(reader Reader, agents *agent.Manager, c collector.Collector, tokens []common.Address) *Tracker {
	if c == nil {
		c = collector.Nop{}
	}
	return &Tracker{
		reader:    reader,
		agents:    agents,
		collector: c,
		tokens:    append([]common.Address(nil), tokens...),
		now:       time.Now,
		log:       logger.Named("tracker"),
	}
}

// ParseTokens converts configured hex addresses.
func ParseTokens(raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		if !common.IsHexAddress(s) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的代币地址: %s", s))
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// SyncedBlock returns the last block whose logs were processed.
func (t *Tracker) SyncedBlock() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.synced
}

// Sync scans Transfer logs up to head and refreshes the balances of every
// agent account that appears in them. It returns the number of recorded
// balance changes.
func (t *Tracker) Sync(ctx context.Context, head uint64) (int, error) {
	if len(t.tokens) == 0 || t.reader == nil {
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	from := uint64(0)
	if t.hasSynced {
		if head <= t.synced {
			return 0, nil
		}
		from = t.synced + 1
	}
	logs, err := t.reader.FilterLogs(ctx, gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: t.tokens,
		Topics:    [][]common.Hash{{TransferTopic}},
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "拉取 Transfer 日志失败")
	}

	touched := make(map[common.Address]map[common.Address]struct{})
	for _, lg := range logs {
		if len(lg.Topics) < 3 || lg.Topics[0] != TransferTopic {
			continue
		}
		for _, topic := range lg.Topics[1:3] {
			holder := common.BytesToAddress(topic.Bytes())
			if _, ok := t.agents.AgentByAddress(holder); !ok {
				continue
			}
			if touched[lg.Address] == nil {
				touched[lg.Address] = make(map[common.Address]struct{})
			}
			touched[lg.Address][holder] = struct{}{}
		}
	}

	recorded := 0
	ts := t.now()
	for _, token := range sortedKeys(touched) {
		for _, holder := range sortedKeys(touched[token]) {
			owner, _ := t.agents.AgentByAddress(holder)
			balance, err := t.reader.BalanceOf(ctx, token, holder)
			if err != nil {
				return recorded, xerrors.Wrap(xerrors.CodeChainFailure, err, fmt.Sprintf("读取 %s 余额失败", holder.Hex()))
			}
			previous, _ := owner.Ledger().Balance(holder, token)
			if previous != nil && previous.Cmp(balance) == 0 {
				continue
			}
			if !owner.UpdateBalance(holder, token, balance, ts, head) {
				continue
			}
			recorded++
			if err := t.collector.RecordBalanceChange(ctx, collector.BalanceChange{
				AgentID:   owner.ID(),
				Account:   holder,
				Contract:  token,
				Previous:  previous,
				Current:   balance,
				Block:     head,
				Timestamp: ts,
			}); err != nil {
				t.log.Warn("记录余额变化失败", slog.String("account", holder.Hex()), slog.Any("error", err))
			}
		}
	}

	t.synced, t.hasSynced = head, true
	if recorded > 0 {
		t.log.Info("余额同步完成", slog.Uint64("block", head), slog.Int("changes", recorded))
	}
	return recorded, nil
}

func sortedKeys[V any](m map[common.Address]V) []common.Address {
	out := make([]common.Address, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}
