package amm

import (
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"

	xerrors "solscope/internal/errors"
)

// MarketDefinitions models the structure of configs/markets.yaml.
type MarketDefinitions struct {
	Markets map[string]MarketDefinition `yaml:"markets"`
}

// MarketDefinition describes one tradable market: the token mint on the far
// side of the pair and the full account list the swap invocation needs. The
// paper rate is only consulted when the paper venue serves the market.
type MarketDefinition struct {
	Mint                 string `yaml:"mint"`
	Description          string `yaml:"description"`
	PaperRateNum         uint64 `yaml:"paper_rate_num"`
	PaperRateDen         uint64 `yaml:"paper_rate_den"`
	Amm                  string `yaml:"amm"`
	AmmAuthority         string `yaml:"amm_authority"`
	AmmOpenOrders        string `yaml:"amm_open_orders"`
	AmmTargetOrders      string `yaml:"amm_target_orders"`
	PoolCoinTokenAccount string `yaml:"pool_coin_token_account"`
	PoolPcTokenAccount   string `yaml:"pool_pc_token_account"`
	SerumMarket          string `yaml:"serum_market"`
	SerumBids            string `yaml:"serum_bids"`
	SerumAsks            string `yaml:"serum_asks"`
	SerumEventQueue      string `yaml:"serum_event_queue"`
	SerumCoinVault       string `yaml:"serum_coin_vault"`
	SerumPcVault         string `yaml:"serum_pc_vault"`
	SerumVaultSigner     string `yaml:"serum_vault_signer"`
}

// LoadMarketDefinitions parses the YAML file containing market metadata.
func LoadMarketDefinitions(path string) (MarketDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return MarketDefinitions{Markets: map[string]MarketDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return MarketDefinitions{}, fmt.Errorf("读取市场配置失败: %w", err)
	}

	var defs MarketDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return MarketDefinitions{}, fmt.Errorf("解析市场配置失败: %w", err)
	}
	if defs.Markets == nil {
		defs.Markets = map[string]MarketDefinition{}
	}
	return defs, nil
}

// Market is a resolved market definition with all addresses decoded.
type Market struct {
	Name     string
	Mint     solana.PublicKey
	Accounts Accounts
	Rate     Quote
}

// Registry resolves market names to resolved definitions.
type Registry struct {
	markets map[string]Market
}

// NewRegistry decodes every definition and rejects malformed addresses up
// front so lookups at trade time cannot fail on parsing.
func NewRegistry(defs MarketDefinitions) (*Registry, error) {
	reg := &Registry{markets: make(map[string]Market, len(defs.Markets))}
	for name, def := range defs.Markets {
		market, err := resolveMarket(name, def)
		if err != nil {
			return nil, err
		}
		reg.markets[name] = market
	}
	return reg, nil
}

// Lookup returns the market registered under name.
func (r *Registry) Lookup(name string) (Market, error) {
	market, ok := r.markets[name]
	if !ok {
		return Market{}, xerrors.New(xerrors.CodeNotFound, "unknown market "+name)
	}
	return market, nil
}

// Names lists the registered market names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.markets))
	for name := range r.markets {
		names = append(names, name)
	}
	return names
}

// Register adds or replaces a market. Used by tests and paper-mode bootstrap.
func (r *Registry) Register(market Market) {
	r.markets[market.Name] = market
}

func resolveMarket(name string, def MarketDefinition) (Market, error) {
	mint, err := parseKey(name, "mint", def.Mint)
	if err != nil {
		return Market{}, err
	}

	accts := Accounts{}
	fields := []struct {
		label string
		value string
		dst   *solana.PublicKey
	}{
		{"amm", def.Amm, &accts.Amm},
		{"amm_authority", def.AmmAuthority, &accts.AmmAuthority},
		{"amm_open_orders", def.AmmOpenOrders, &accts.AmmOpenOrders},
		{"amm_target_orders", def.AmmTargetOrders, &accts.AmmTargetOrders},
		{"pool_coin_token_account", def.PoolCoinTokenAccount, &accts.PoolCoinTokenAccount},
		{"pool_pc_token_account", def.PoolPcTokenAccount, &accts.PoolPcTokenAccount},
		{"serum_market", def.SerumMarket, &accts.SerumMarket},
		{"serum_bids", def.SerumBids, &accts.SerumBids},
		{"serum_asks", def.SerumAsks, &accts.SerumAsks},
		{"serum_event_queue", def.SerumEventQueue, &accts.SerumEventQueue},
		{"serum_coin_vault", def.SerumCoinVault, &accts.SerumCoinVault},
		{"serum_pc_vault", def.SerumPcVault, &accts.SerumPcVault},
		{"serum_vault_signer", def.SerumVaultSigner, &accts.SerumVaultSigner},
	}
	for _, f := range fields {
		key, err := parseKey(name, f.label, f.value)
		if err != nil {
			return Market{}, err
		}
		*f.dst = key
	}

	rate := Quote{Num: def.PaperRateNum, Den: def.PaperRateDen}
	if rate.Den == 0 {
		rate = Quote{Num: 1, Den: 1}
	}
	return Market{Name: name, Mint: mint, Accounts: accts, Rate: rate}, nil
}

func parseKey(market, field, value string) (solana.PublicKey, error) {
	if strings.TrimSpace(value) == "" {
		return solana.PublicKey{}, fmt.Errorf("market %s: %s is required", market, field)
	}
	key, err := solana.PublicKeyFromBase58(value)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("market %s: decode %s: %w", market, field, err)
	}
	return key, nil
}
