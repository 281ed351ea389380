package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrivateKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestGetEnvSchedulerInterval(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    time.Duration
		wantErr bool
	}{
		{"default", "", 30 * time.Second, false},
		{"custom", "45", 45 * time.Second, false},
		{"clamped to minimum", "3", 10 * time.Second, false},
		{"not a number", "fast", 0, true},
		{"zero", "0", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SCHEDULER_INTERVAL_SECONDS", tt.value)
			got, err := GetEnvSchedulerInterval()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetEnvMaxGasPrice(t *testing.T) {
	t.Setenv("MAX_GAS_PRICE_GWEI", "")
	got, err := GetEnvMaxGasPrice()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(20_000_000_000), got)

	t.Setenv("MAX_GAS_PRICE_GWEI", "0.5")
	got, err = GetEnvMaxGasPrice()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(500_000_000), got)

	t.Setenv("MAX_GAS_PRICE_GWEI", "-1")
	_, err = GetEnvMaxGasPrice()
	assert.Error(t, err)
}

func TestGetEnvPlanUsers(t *testing.T) {
	t.Setenv("PLAN_USERS", " 0x0000000000000000000000000000000000000001, ,0x0000000000000000000000000000000000000002")
	users, err := GetEnvPlanUsers()
	require.NoError(t, err)
	assert.Equal(t, []common.Address{
		common.HexToAddress("0x01"),
		common.HexToAddress("0x02"),
	}, users)

	t.Setenv("PLAN_USERS", "0xnothex")
	_, err = GetEnvPlanUsers()
	assert.Error(t, err)
}

func TestGetEnvNetworkOverrides(t *testing.T) {
	t.Setenv("NETWORK_NAME", "base")
	t.Setenv("ETH_PLANNER_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("USDC_ADDRESS", "0x00000000000000000000000000000000000000bb")

	n, err := GetEnvNetwork()
	require.NoError(t, err)
	assert.Equal(t, int64(8453), n.ChainID)
	assert.Equal(t, common.HexToAddress("0xaa"), n.Contracts.ETHPlanner)
	assert.Equal(t, common.HexToAddress("0xbb"), n.Tokens[SymbolUSDC].Address)

	// overrides never leak into fresh descriptors
	fresh, err := GetNetwork(NetworkBase)
	require.NoError(t, err)
	assert.NotEqual(t, common.HexToAddress("0xbb"), fresh.Tokens[SymbolUSDC].Address)

	t.Setenv("NETWORK_NAME", "solana")
	_, err = GetEnvNetwork()
	assert.Error(t, err)
}

func TestNetworkHelpers(t *testing.T) {
	n, err := GetNetwork(NetworkBase)
	require.NoError(t, err)

	fee, ok := n.SingleHopFee("WETH", "usdc")
	assert.True(t, ok)
	assert.Equal(t, uint32(500), fee)

	_, ok = n.SingleHopFee("USDC", "CBBTC")
	assert.False(t, ok)

	pt, ok := n.PlannerTypeFor(n.Contracts.ERC20Planner)
	assert.True(t, ok)
	assert.Equal(t, models.PlannerERC20, pt)

	target, err := n.TargetToken(models.PlannerETH)
	require.NoError(t, err)
	assert.Equal(t, SymbolWETH, target.Symbol)

	assert.True(t, n.IsStable(n.Tokens[SymbolDAI].Address))
	assert.False(t, n.IsStable(n.Tokens[SymbolWETH].Address))
	assert.Equal(t, uint8(18), n.DecimalsOf(common.HexToAddress("0x1234")))
	assert.NoError(t, n.ValidateAddresses())

	mainnet, err := GetNetwork(NetworkMainnet)
	require.NoError(t, err)
	assert.Error(t, mainnet.ValidateAddresses(), "mainnet planners must be supplied by the environment")
}

func TestValidateConfig(t *testing.T) {
	n, err := GetNetwork(NetworkBase)
	require.NoError(t, err)

	cfg := &Config{Network: n, PrivateKey: testPrivateKey, EventMonitorEnabled: true}
	assert.NoError(t, validateConfig(cfg))

	cfg.PrivateKey = ""
	assert.EqualError(t, validateConfig(cfg), "WATCHER_PRIVATE_KEY environment variable is required")

	cfg.PrivateKey = "zz"
	assert.Error(t, validateConfig(cfg))

	cfg.PrivateKey = testPrivateKey
	cfg.Network.Contracts.ERC20Planner = common.Address{}
	assert.ErrorContains(t, validateConfig(cfg), "ERC20 planner")

	cfg.Network = n
	cfg.EventMonitorEnabled = false
	assert.Error(t, validateConfig(cfg))
}
