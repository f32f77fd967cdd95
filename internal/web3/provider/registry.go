package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"selfclaw/internal/config"
	"selfclaw/internal/web3"
	"selfclaw/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
// signingKeyHex 为托管账户私钥，应用于每条链的客户端。
func NewRegistry(ctx context.Context, cfg config.Web3Config, signingKeyHex string) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:          name,
				RPCURL:        chain.RPCURL,
				SigningKeyHex: signingKeyHex,
				Notes:         chain.Description,
			})
			if err != nil {
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:          "default",
			RPCURL:        cfg.RPCURL,
			SigningKeyHex: signingKeyHex,
		})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链客户端")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未定义", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultClient returns the client configured as the platform's home chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil || len(r.clients) == 0 {
		return nil, errors.New("链注册表为空")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未初始化", r.defaultChain)
	}
	return client, nil
}

// Client returns the named chain client.
func (r *Registry) Client(name string) (web3.Client, error) {
	if r == nil {
		return nil, errors.New("链注册表为空")
	}
	client, ok := r.clients[strings.TrimSpace(name)]
	if !ok {
		return nil, fmt.Errorf("链 %s 未定义", name)
	}
	return client, nil
}

// Close releases every managed client.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for _, client := range r.clients {
		client.Close()
	}
}
