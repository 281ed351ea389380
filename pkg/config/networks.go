package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
)

const (
	NetworkBase    = "base"
	NetworkSepolia = "sepolia"
	NetworkMainnet = "mainnet"
)

// Token symbols used across the descriptor
const (
	SymbolUSDC  = "USDC"
	SymbolDAI   = "DAI"
	SymbolWETH  = "WETH"
	SymbolCBBTC = "CBBTC"
)

// Contracts holds the on-chain addresses the watcher talks to
type Contracts struct {
	ETHPlanner   common.Address
	ERC20Planner common.Address
	SwapRouter   common.Address
	Factory      common.Address
	Quoter       common.Address
}

// Token describes an ERC-20 known to the network
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
}

// Network holds the static facts for one chain
type Network struct {
	Name      string
	ChainID   int64
	RPCHTTP   string
	RPCWS     string
	Contracts Contracts
	Tokens    map[string]Token
	// Fees maps "A/B" symbol pairs to Uniswap V3 fee tiers
	Fees map[string]uint32
}

var defaultFees = map[string]uint32{
	"USDC/WETH":  500,
	"DAI/WETH":   3000,
	"USDC/DAI":   100,
	"WETH/CBBTC": 3000,
}

var (
	uniswapV3Router  = common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564")
	uniswapV3Factory = common.HexToAddress("0x1F98431c8aD98523631AE4a59f267346ea31F984")
	cbBTCAddress     = common.HexToAddress("0xcbB7C0000aB88B473b1f5aFd9ef808440eed33Bf")
)

func baseNetwork() Network {
	return Network{
		Name:    NetworkBase,
		ChainID: 8453,
		RPCHTTP: "https://mainnet.base.org",
		RPCWS:   "wss://base-mainnet.g.alchemy.com/v2/demo",
		Contracts: Contracts{
			ETHPlanner:   common.HexToAddress("0x5CbAFAE58F8722673026032d4975a85F79e1299f"),
			ERC20Planner: common.HexToAddress("0x487ed8087dC66F32c5009244C2399702b4D81067"),
			SwapRouter:   common.HexToAddress("0x2626664c2603336E57B271c5C0b26F421741e481"),
			Factory:      uniswapV3Factory,
			Quoter:       common.HexToAddress("0x3d4e44Eb1374240CE5F1B871ab261CD16335B76a"),
		},
		Tokens: map[string]Token{
			SymbolUSDC:  {Symbol: SymbolUSDC, Address: common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"), Decimals: 6},
			SymbolDAI:   {Symbol: SymbolDAI, Address: common.HexToAddress("0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb"), Decimals: 18},
			SymbolWETH:  {Symbol: SymbolWETH, Address: common.HexToAddress("0x4200000000000000000000000000000000000006"), Decimals: 18},
			SymbolCBBTC: {Symbol: SymbolCBBTC, Address: cbBTCAddress, Decimals: 8},
		},
		Fees: copyFees(),
	}
}

func sepoliaNetwork() Network {
	return Network{
		Name:    NetworkSepolia,
		ChainID: 11155111,
		RPCHTTP: "https://rpc.sepolia.org",
		RPCWS:   "wss://eth-sepolia.g.alchemy.com/v2/demo",
		Contracts: Contracts{
			SwapRouter: uniswapV3Router,
			Factory:    uniswapV3Factory,
			Quoter:     common.HexToAddress("0xEd1f6473345F45b75F8179591dd5bA1888cf2FB3"),
		},
		Tokens: map[string]Token{
			SymbolUSDC:  {Symbol: SymbolUSDC, Address: common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"), Decimals: 6},
			SymbolDAI:   {Symbol: SymbolDAI, Address: common.HexToAddress("0xFF34B3d4Aee8ddCd6F9AFFFB6Fe49bD371b8a357"), Decimals: 18},
			SymbolWETH:  {Symbol: SymbolWETH, Address: common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"), Decimals: 18},
			SymbolCBBTC: {Symbol: SymbolCBBTC, Address: cbBTCAddress, Decimals: 8},
		},
		Fees: copyFees(),
	}
}

func mainnetNetwork() Network {
	return Network{
		Name:    NetworkMainnet,
		ChainID: 1,
		RPCHTTP: "https://eth.llamarpc.com",
		RPCWS:   "wss://eth-mainnet.g.alchemy.com/v2/demo",
		Contracts: Contracts{
			SwapRouter: uniswapV3Router,
			Factory:    common.HexToAddress("0x33128a8fC17869897dcE68Ed026d694621f6FDfD"),
			Quoter:     common.HexToAddress("0x61fFE014bA17989E743c5F6cB21bF9697530B21e"),
		},
		Tokens: map[string]Token{
			SymbolUSDC:  {Symbol: SymbolUSDC, Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6},
			SymbolDAI:   {Symbol: SymbolDAI, Address: common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F"), Decimals: 18},
			SymbolWETH:  {Symbol: SymbolWETH, Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Decimals: 18},
			SymbolCBBTC: {Symbol: SymbolCBBTC, Address: cbBTCAddress, Decimals: 8},
		},
		Fees: copyFees(),
	}
}

func copyFees() map[string]uint32 {
	out := make(map[string]uint32, len(defaultFees))
	for k, v := range defaultFees {
		out[k] = v
	}
	return out
}

// GetNetwork returns a fresh descriptor for the named network
func GetNetwork(name string) (Network, error) {
	switch strings.ToLower(name) {
	case NetworkBase:
		return baseNetwork(), nil
	case NetworkSepolia:
		return sepoliaNetwork(), nil
	case NetworkMainnet:
		return mainnetNetwork(), nil
	}
	return Network{}, fmt.Errorf("unsupported network: %s", name)
}

// TokenByAddress looks a token up by its contract address
func (n Network) TokenByAddress(addr common.Address) (Token, bool) {
	for _, t := range n.Tokens {
		if t.Address == addr {
			return t, true
		}
	}
	return Token{}, false
}

// SymbolOf returns the symbol for an address or an empty string
func (n Network) SymbolOf(addr common.Address) string {
	t, ok := n.TokenByAddress(addr)
	if !ok {
		return ""
	}
	return t.Symbol
}

// DecimalsOf returns a token's decimals, defaulting to 18 for unknown tokens
func (n Network) DecimalsOf(addr common.Address) uint8 {
	t, ok := n.TokenByAddress(addr)
	if !ok {
		return 18
	}
	return t.Decimals
}

// Token returns the token registered under a symbol
func (n Network) Token(symbol string) (Token, bool) {
	t, ok := n.Tokens[strings.ToUpper(symbol)]
	return t, ok
}

// SingleHopFee returns the configured fee tier for a pair in either order
func (n Network) SingleHopFee(symbolA, symbolB string) (uint32, bool) {
	a, b := strings.ToUpper(symbolA), strings.ToUpper(symbolB)
	if fee, ok := n.Fees[a+"/"+b]; ok {
		return fee, true
	}
	fee, ok := n.Fees[b+"/"+a]
	return fee, ok
}

// StableTokens returns the deposit tokens tracked by the watcher
func (n Network) StableTokens() []Token {
	var out []Token
	for _, sym := range []string{SymbolUSDC, SymbolDAI} {
		if t, ok := n.Tokens[sym]; ok {
			out = append(out, t)
		}
	}
	return out
}

// IsStable reports whether the address is a tracked deposit token
func (n Network) IsStable(addr common.Address) bool {
	for _, t := range n.StableTokens() {
		if t.Address == addr {
			return true
		}
	}
	return false
}

// Planners returns both planner addresses, ETH planner first
func (n Network) Planners() []common.Address {
	return []common.Address{n.Contracts.ETHPlanner, n.Contracts.ERC20Planner}
}

// PlannerTypeFor resolves which planner variant lives at an address
func (n Network) PlannerTypeFor(addr common.Address) (models.PlannerType, bool) {
	switch addr {
	case n.Contracts.ETHPlanner:
		return models.PlannerETH, true
	case n.Contracts.ERC20Planner:
		return models.PlannerERC20, true
	}
	return models.PlannerType{}, false
}

// PlannerAddress returns the contract address of a planner variant
func (n Network) PlannerAddress(pt models.PlannerType) common.Address {
	if pt == models.PlannerERC20 {
		return n.Contracts.ERC20Planner
	}
	return n.Contracts.ETHPlanner
}

// TargetToken returns the asset a planner variant buys
func (n Network) TargetToken(pt models.PlannerType) (Token, error) {
	t, ok := n.Tokens[pt.TargetSymbol()]
	if !ok {
		return Token{}, fmt.Errorf("target token %s not configured on %s", pt.TargetSymbol(), n.Name)
	}
	return t, nil
}

// ValidateAddresses rejects zero addresses among the configured contracts and tokens
func (n Network) ValidateAddresses() error {
	named := map[string]common.Address{
		"ETH planner":   n.Contracts.ETHPlanner,
		"ERC20 planner": n.Contracts.ERC20Planner,
		"swap router":   n.Contracts.SwapRouter,
		"factory":       n.Contracts.Factory,
		"quoter":        n.Contracts.Quoter,
	}
	for sym, t := range n.Tokens {
		named[sym+" token"] = t.Address
	}
	for name, addr := range named {
		if addr == (common.Address{}) {
			return fmt.Errorf("%s address is not configured for network %s", name, n.Name)
		}
	}
	return nil
}
