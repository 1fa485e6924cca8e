package ethereum

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
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "IRIS-Chain/internal/errors"
	"IRIS-Chain/internal/web3"
	"IRIS-Chain/pkg/logger"
)

// Config describes how to construct an EVM ledger client.
type Config struct {
	Name           string
	RPCURL         string
	PrivateKey     string
	ChainID        int64
	GasLimit       uint64
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
	Notes          string
}

// backend mirrors the subset of ethclient.Client the ledger needs.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Ledger for EVM compatible chains. It signs every
// relay with a single process-held key.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	eth            backend
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	gasLimit       uint64
	receiptPoll    time.Duration
	receiptTimeout time.Duration

	// submitMu keeps nonce allocation and broadcast atomic.
	submitMu sync.Mutex
	closeMu  sync.Mutex
}

var _ web3.Ledger = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use ledger.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败")
	}

	client, err := newClient(ctx, ethclient.NewClient(rpcClient), key, cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	return client, nil
}

func newClient(ctx context.Context, b backend, key *ecdsa.PrivateKey, cfg Config) (*Client, error) {
	chainID, err := b.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	if cfg.ChainID != 0 && chainID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid,
			fmt.Sprintf("链 %s 的 chain_id 不匹配: 期望 %d, 节点返回 %s", cfg.Name, cfg.ChainID, chainID))
	}

	c := &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		eth:            b,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		chainID:        chainID,
		gasLimit:       cfg.GasLimit,
		receiptPoll:    cfg.ReceiptPoll,
		receiptTimeout: cfg.ReceiptTimeout,
	}
	if c.gasLimit == 0 {
		c.gasLimit = 2_000_000
	}
	if c.receiptPoll <= 0 {
		c.receiptPoll = time.Second
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = 2 * time.Minute
	}
	return c, nil
}

// ParsePrivateKey accepts a hex key with or without 0x prefix.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "缺少签名私钥")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析签名私钥失败")
	}
	return key, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Signer returns the address that signs every relay.
func (c *Client) Signer() common.Address { return c.from }

// ChainID returns the chain id reported by the node at startup.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// HeadBlock returns the latest block number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败",
			xerrors.WithMetadata("chain", c.name))
	}
	return head, nil
}

// PollLogs returns IRISRequestAgentData logs emitted in [from, to].
func (c *Client) PollLogs(ctx context.Context, from, to uint64) ([]coretypes.Log, error) {
	if to < from {
		return nil, nil
	}
	logs, err := c.eth.FilterLogs(ctx, gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]common.Hash{{RequestEventTopic()}},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "拉取事件日志失败",
			xerrors.WithMetadata("from", fmt.Sprint(from)),
			xerrors.WithMetadata("to", fmt.Sprint(to)))
	}
	return logs, nil
}

// DecodeRequestEvent decodes an IRISRequestAgentData log.
func (c *Client) DecodeRequestEvent(log coretypes.Log) (web3.RequestEvent, error) {
	return decodeRequestEvent(log)
}

// SubmitRequest calls requestData on params.Target and waits until the
// transaction is mined. A reverted transaction is reported as a chain error.
func (c *Client) SubmitRequest(ctx context.Context, params web3.SubmitParams) (*coretypes.Receipt, error) {
	input, err := packRequestData(params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 requestData 失败")
	}

	signed, err := c.broadcast(ctx, params.Target, input)
	if err != nil {
		return nil, err
	}

	logger.Audit().Info("链上请求已广播",
		"chain", c.name,
		"tx", signed.Hash().Hex(),
		"target", params.Target.Hex(),
		"requester", params.Requester.Hex(),
		"hops", len(params.Hops),
		"nonce", signed.Nonce(),
	)

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := c.waitForReceipt(waitCtx, signed.Hash())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "等待交易回执失败",
			xerrors.WithMetadata("tx", signed.Hash().Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return receipt, xerrors.New(xerrors.CodeChainFailure, "交易执行被回滚",
			xerrors.WithMetadata("tx", signed.Hash().Hex()),
			xerrors.WithMetadata("target", params.Target.Hex()))
	}
	return receipt, nil
}

func (c *Client) broadcast(ctx context.Context, to common.Address, input []byte) (*coretypes.Transaction, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 nonce 失败")
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 gas 价格失败")
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败")
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败",
			xerrors.WithMetadata("target", to.Hex()))
	}
	return signed, nil
}

func (c *Client) waitForReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
