package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"VaultPilot/internal/config"
	"VaultPilot/internal/wallet"
	"VaultPilot/internal/web3"
	"VaultPilot/internal/web3/ethereum"
)

// Registry manages a set of networks keyed by human readable names and
// implements wallet.Networks.
type Registry struct {
	mu           sync.RWMutex
	defaultChain string
	networks     map[string]wallet.Network
}

// NewRegistry loads chain definitions and dials concrete networks.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}

	networks := make(map[string]wallet.Network)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			network, err := ethereum.Dial(ctx, networkConfig(name, chain, cfg))
			if err != nil {
				closeAll(networks)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			networks[name] = network
		default:
			closeAll(networks)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(networks) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		name := cfg.DefaultChain
		if name == "" {
			name = "default"
		}
		network, err := ethereum.Dial(ctx, networkConfig(name, web3.ChainDefinition{RPCURL: cfg.RPCURL}, cfg))
		if err != nil {
			return nil, err
		}
		networks[name] = network
		cfg.DefaultChain = name
	}

	if len(networks) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return New(cfg.DefaultChain, networks)
}

// New builds a registry from already constructed networks.
func New(defaultChain string, networks map[string]wallet.Network) (*Registry, error) {
	if len(networks) == 0 {
		return nil, errors.New("未配置任何网络")
	}
	if defaultChain == "" {
		names := make([]string, 0, len(networks))
		for name := range networks {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := networks[defaultChain]; !ok {
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	copied := make(map[string]wallet.Network, len(networks))
	for name, n := range networks {
		copied[name] = n
	}
	return &Registry{defaultChain: defaultChain, networks: copied}, nil
}

func networkConfig(name string, chain web3.ChainDefinition, cfg config.Web3Config) ethereum.Config {
	out := ethereum.Config{
		Name:          name,
		RPCURL:        chain.RPCURL,
		BatchRPCURL:   chain.BatchRPCURL,
		Notes:         chain.Description,
		RateLimit:     cfg.RateLimit,
		RateBurst:     cfg.RateBurst,
		Confirmations: cfg.Confirmations,
		GasMultiplier: cfg.GasMultiplier,
	}
	if chain.Confirmations > 0 {
		out.Confirmations = chain.Confirmations
	}
	if chain.RateLimit > 0 {
		out.RateLimit = chain.RateLimit
	}
	if chain.RateBurst > 0 {
		out.RateBurst = chain.RateBurst
	}
	return out
}

// Network implements wallet.Networks. An empty name selects the default chain.
func (r *Registry) Network(name string) (wallet.Network, error) {
	if r == nil {
		return nil, errors.New("未初始化的网络注册表")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultChain
	}
	network, ok := r.networks[name]
	if !ok {
		return nil, fmt.Errorf("网络 %s 未在注册表中", name)
	}
	return network, nil
}

// DefaultChain returns the name of the default network.
func (r *Registry) DefaultChain() string {
	return r.defaultChain
}

// Snapshots reports the head of every network that supports it.
func (r *Registry) Snapshots(ctx context.Context) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.networks))
	for name, network := range r.networks {
		inspector, ok := network.(web3.Inspector)
		if !ok {
			continue
		}
		snapshot, err := inspector.Snapshot(ctx)
		if err != nil {
			out[name] = map[string]string{"error": err.Error()}
			continue
		}
		out[name] = snapshot
	}
	return out
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all networks managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	closeAll(r.networks)
	r.networks = map[string]wallet.Network{}
}

func closeAll(networks map[string]wallet.Network) {
	for _, network := range networks {
		if closer, ok := network.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

var _ wallet.Networks = (*Registry)(nil)
