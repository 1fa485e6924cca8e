package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"IRIS-Chain/internal/config"
	"IRIS-Chain/internal/web3"
	"IRIS-Chain/internal/web3/ethereum"
)

// Dialer builds one ledger for a chain definition.
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Ledger, error)

// Registry manages a set of ledgers keyed by human readable names.
type Registry struct {
	defaultChain string
	ledgers      map[string]web3.Ledger
}

// NewRegistry loads chain definitions and dials one EVM ledger per chain.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return NewRegistryWithDialer(ctx, cfg, func(ctx context.Context, c ethereum.Config) (web3.Ledger, error) {
		return ethereum.NewClient(ctx, c)
	})
}

// NewRegistryWithDialer is NewRegistry with a custom ledger constructor.
func NewRegistryWithDialer(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	base := ethereum.Config{
		PrivateKey:     cfg.PrivateKey,
		GasLimit:       cfg.GasLimit,
		ReceiptPoll:    time.Duration(cfg.ReceiptPollMillis) * time.Millisecond,
		ReceiptTimeout: time.Duration(cfg.ReceiptTimeoutSeconds) * time.Second,
	}

	r := &Registry{ledgers: make(map[string]web3.Ledger)}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType != "" && chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		c := base
		c.Name = name
		c.RPCURL = chain.RPCURL
		c.ChainID = chain.ChainID
		c.Notes = chain.Description
		if chain.GasLimit > 0 {
			c.GasLimit = chain.GasLimit
		}
		ledger, err := dial(ctx, c)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.ledgers[name] = ledger
	}

	defaultChain := cfg.DefaultChain
	if len(r.ledgers) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		c := base
		c.Name = "default"
		c.RPCURL = cfg.RPCURL
		ledger, err := dial(ctx, c)
		if err != nil {
			return nil, err
		}
		r.ledgers["default"] = ledger
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	if len(r.ledgers) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.ledgers[defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// DefaultLedger returns the ledger configured as default chain.
func (r *Registry) DefaultLedger() (web3.Ledger, error) {
	if r == nil {
		return nil, errors.New("未初始化的链注册表")
	}
	ledger, ok := r.ledgers[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return ledger, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Ledger returns the ledger identified by name.
func (r *Registry) Ledger(name string) (web3.Ledger, bool) {
	if r == nil {
		return nil, false
	}
	ledger, ok := r.ledgers[name]
	return ledger, ok
}

// Close releases all ledgers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, ledger := range r.ledgers {
		if ledger != nil {
			ledger.Close()
		}
		delete(r.ledgers, name)
	}
}

// Chains returns the sorted list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.ledgers))
	for name := range r.ledgers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
