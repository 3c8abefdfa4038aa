// Package evm implements the chain provider against an anvil-compatible
// development node over JSON-RPC.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"ChainSim/internal/chain"
	xerrors "ChainSim/internal/errors"
)

const erc20BalanceOfABI = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

const defaultAdvanceBatch = 5

// Config describes how to reach the development node.
type Config struct {
	RPCURL       string
	AdvanceBatch uint64
}

// Client talks to an anvil-compatible node.
type Client struct {
	mu           sync.Mutex
	rpcClient    *gethrpc.Client
	eth          *ethclient.Client
	advanceBatch uint64
	erc20        abi.ABI
	chainID      *big.Int
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置链节点 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接链节点失败")
	}
	return NewClient(rpcClient, cfg.AdvanceBatch)
}

// NewClient wraps an existing RPC connection.
func NewClient(rpcClient *gethrpc.Client, advanceBatch uint64) (*Client, error) {
	if rpcClient == nil {
		return nil, errors.New("rpc client is nil")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	if advanceBatch == 0 {
		advanceBatch = defaultAdvanceBatch
	}
	return &Client{
		rpcClient:    rpcClient,
		eth:          ethclient.NewClient(rpcClient),
		advanceBatch: advanceBatch,
		erc20:        parsed,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
		c.eth = nil
	}
}

// conns returns the live connections, or an error once Close has run.
func (c *Client) conns() (*gethrpc.Client, *ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient == nil || c.eth == nil {
		return nil, nil, xerrors.New(xerrors.CodeInitializationFailure, "链节点连接已关闭")
	}
	return c.rpcClient, c.eth, nil
}

// AdvanceTime mines blocks in batches, each block blockTime seconds after the previous.
func (c *Client) AdvanceTime(ctx context.Context, blocks, blockTime uint64) error {
	rpcClient, _, err := c.conns()
	if err != nil {
		return err
	}
	for mined := uint64(0); mined < blocks; {
		batch := min(c.advanceBatch, blocks-mined)
		if err := rpcClient.CallContext(ctx, nil, "anvil_mine", hexutil.Uint64(batch), hexutil.Uint64(blockTime)); err != nil {
			return xerrors.Wrap(xerrors.CodeChainFailure, err, fmt.Sprintf("挖出区块失败 (已完成 %d/%d)", mined, blocks))
		}
		mined += batch
	}
	return nil
}

// CurrentBlockNumber returns the latest block number.
func (c *Client) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	_, eth, err := c.conns()
	if err != nil {
		return 0, err
	}
	n, err := eth.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	return n, nil
}

type rpcBlockHeader struct {
	Number    hexutil.Uint64 `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

// Head returns the latest block number and timestamp.
func (c *Client) Head(ctx context.Context) (chain.Head, error) {
	rpcClient, _, err := c.conns()
	if err != nil {
		return chain.Head{}, err
	}
	var head *rpcBlockHeader
	if err := rpcClient.CallContext(ctx, &head, "eth_getBlockByNumber", "latest", false); err != nil {
		return chain.Head{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块失败")
	}
	if head == nil {
		return chain.Head{}, xerrors.New(xerrors.CodeChainFailure, "节点未返回最新区块")
	}
	return chain.Head{
		Number:    uint64(head.Number),
		Timestamp: time.Unix(int64(head.Timestamp), 0).UTC(),
	}, nil
}

// SetBalance overwrites the native balance of an address.
func (c *Client) SetBalance(ctx context.Context, addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "余额必须为非负数")
	}
	rpcClient, _, err := c.conns()
	if err != nil {
		return err
	}
	if err := rpcClient.CallContext(ctx, nil, "anvil_setBalance", addr, (*hexutil.Big)(amount)); err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "设置余额失败")
	}
	return nil
}

// Impersonate lets the node accept unsigned transactions from addr.
func (c *Client) Impersonate(ctx context.Context, addr common.Address) error {
	rpcClient, _, err := c.conns()
	if err != nil {
		return err
	}
	if err := rpcClient.CallContext(ctx, nil, "anvil_impersonateAccount", addr); err != nil {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, "模拟账户失败")
	}
	return nil
}

// BalanceOf reads an ERC20 balance.
func (c *Client) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	_, eth, err := c.conns()
	if err != nil {
		return nil, err
	}
	data, err := c.erc20.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	out, err := eth.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询代币余额失败")
	}
	values, err := c.erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected balanceOf output length %d", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf output type %T", values[0])
	}
	return balance, nil
}

// FilterLogs fetches logs matching the query.
func (c *Client) FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error) {
	_, eth, err := c.conns()
	if err != nil {
		return nil, err
	}
	logs, err := eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询日志失败")
	}
	return logs, nil
}

type sendTxArgs struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *hexutil.Big   `json:"value"`
}

// SendValue transfers native currency. With a key the transaction is signed
// locally; without one the node must be impersonating from.
func (c *Client) SendValue(ctx context.Context, from common.Address, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (common.Hash, error) {
	rpcClient, eth, err := c.conns()
	if err != nil {
		return common.Hash{}, err
	}
	if key == nil {
		var hash common.Hash
		args := sendTxArgs{From: from, To: to, Value: (*hexutil.Big)(amount)}
		if err := rpcClient.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
			return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送模拟交易失败")
		}
		return hash, nil
	}

	signed, err := c.signTransfer(ctx, eth, from, key, to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	if err := eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败")
	}
	return signed.Hash(), nil
}

func (c *Client) signTransfer(ctx context.Context, eth *ethclient.Client, from common.Address, key *ecdsa.PrivateKey, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	chainID, err := c.chainIDOnce(ctx, eth)
	if err != nil {
		return nil, err
	}
	nonce, err := eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询 nonce 失败")
	}
	tip, err := eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询小费失败")
	}
	head, err := eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询区块头失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       21000,
		To:        &to,
		Value:     amount,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}
	return signed, nil
}

func (c *Client) chainIDOnce(ctx context.Context, eth *ethclient.Client) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := eth.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	c.chainID = id
	return id, nil
}

var (
	_ chain.Provider     = (*Client)(nil)
	_ chain.HeadReader   = (*Client)(nil)
	_ chain.Impersonator = (*Client)(nil)
	_ chain.TokenReader  = (*Client)(nil)
	_ chain.LogFilterer  = (*Client)(nil)
	_ chain.ValueSender  = (*Client)(nil)
)
