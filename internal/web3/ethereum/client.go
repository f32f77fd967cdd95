package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"selfclaw/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const transferGasLimit = 21000

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name string
	// RPCURL 是节点的 JSON-RPC 地址。
	RPCURL string
	// SigningKeyHex 是托管账户私钥，留空时客户端只读。
	SigningKeyHex string
	Notes         string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name       string
	notes      string
	rpcClient  *gethrpc.Client
	eth        *ethclient.Client
	signingKey *ecdsa.PrivateKey
	custodian  common.Address

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}

	if keyHex := strings.TrimSpace(cfg.SigningKeyHex); keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("解析托管账户私钥失败: %w", err)
		}
		client.signingKey = key
		client.custodian = crypto.PubkeyToAddress(key.PublicKey)
	}

	return client, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// CustodianAddress returns the escrow account derived from the signing key.
func (c *Client) CustodianAddress() string {
	if c == nil || c.signingKey == nil {
		return ""
	}
	return c.custodian.Hex()
}

// TransferByHash 按交易哈希读取一笔转账的链上事实。
func (c *Client) TransferByHash(ctx context.Context, txHash string) (*web3.TransferRecord, error) {
	if c == nil || c.eth == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		return nil, errors.New("交易哈希不能为空")
	}

	hash := common.HexToHash(txHash)
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("查询交易失败: %w", err)
	}

	record := &web3.TransferRecord{
		Hash:  tx.Hash().Hex(),
		Value: new(big.Int).Set(tx.Value()),
	}
	if to := tx.To(); to != nil {
		record.To = to.Hex()
	}

	chainID, err := c.resolveChainID(ctx)
	if err == nil {
		if sender, senderErr := types.Sender(types.LatestSignerForChainID(chainID), tx); senderErr == nil {
			record.From = sender.Hex()
		}
	}

	if pending {
		return record, nil
	}

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	record.Confirmed = receipt.Status == types.ReceiptStatusSuccessful
	return record, nil
}

// SendTransfer 从托管账户发起一笔原生代币转账并返回交易哈希。
func (c *Client) SendTransfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	if c == nil || c.eth == nil {
		return "", errors.New("未初始化的以太坊客户端")
	}
	if c.signingKey == nil {
		return "", errors.New("客户端未配置托管账户私钥")
	}
	to = strings.TrimSpace(to)
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("无效的收款地址: %s", to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", errors.New("转账金额必须为正数")
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return "", err
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.custodian)
	if err != nil {
		return "", fmt.Errorf("查询交易计数失败: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	tx := types.NewTransaction(nonce, common.HexToAddress(to), amount, transferGasLimit, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.signingKey)
	if err != nil {
		return "", fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = new(big.Int).Set(chainID)
	return chainID, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
