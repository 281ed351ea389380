package models

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositIdentity(t *testing.T) {
	d := DepositEvent{
		User:            common.HexToAddress("0xAbC0000000000000000000000000000000000001"),
		Token:           common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		PlannerContract: common.HexToAddress("0x5CbAFAE58F8722673026032d4975a85F79e1299f"),
		TransactionHash: common.HexToHash("0x01"),
		Amount:          big.NewInt(1),
	}

	assert.Equal(t,
		"0xabc0000000000000000000000000000000000001-0x833589fcd6edb6e08f4c7c32d4f71b54bda02913-0x5cbafae58f8722673026032d4975a85f79e1299f",
		d.Key())
	assert.Contains(t, d.ID(), d.TransactionHash.Hex())
	assert.Equal(t, d.ID(), d.ID())

	other := d
	other.TransactionHash = common.HexToHash("0x02")
	assert.Equal(t, d.Key(), other.Key(), "same key for different transactions")
	assert.NotEqual(t, d.ID(), other.ID())
}

func TestParsePlannerType(t *testing.T) {
	pt, err := ParsePlannerType("erc20")
	require.NoError(t, err)
	assert.Equal(t, PlannerERC20, pt)
	assert.Equal(t, "CBBTC", pt.TargetSymbol())
	assert.Equal(t, uint8(8), pt.TargetDecimals())

	_, err = ParsePlannerType("usd")
	assert.Error(t, err)
}
