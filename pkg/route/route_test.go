package route

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuoter struct {
	mu     sync.Mutex
	quotes map[string]*big.Int
	calls  int
}

func singleKey(in, out common.Address, fee uint32) string {
	return fmt.Sprintf("%s-%s-%d", in.Hex(), out.Hex(), fee)
}

func pathKey(tokens []common.Address, fees []uint32) string {
	path, err := EncodePath(tokens, fees)
	if err != nil {
		panic(err)
	}
	return common.Bytes2Hex(path)
}

func (q *fakeQuoter) QuoteExactInputSingle(_ context.Context, in, out common.Address, _ *big.Int, fee uint32) (*big.Int, uint64, error) {
	return q.lookup(singleKey(in, out, fee), 90000)
}

func (q *fakeQuoter) QuoteExactInput(_ context.Context, path []byte, _ *big.Int) (*big.Int, uint64, error) {
	return q.lookup(common.Bytes2Hex(path), 160000)
}

func (q *fakeQuoter) lookup(key string, gas uint64) (*big.Int, uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if out, ok := q.quotes[key]; ok {
		return out, gas, nil
	}
	return nil, 0, errors.New("execution reverted")
}

type fakeOracle struct {
	prices map[string]decimal.Decimal
}

func (o *fakeOracle) GetPriceInUSD(_ context.Context, symbol string) (decimal.Decimal, error) {
	if p, ok := o.prices[strings.ToUpper(symbol)]; ok {
		return p, nil
	}
	return decimal.Zero, fmt.Errorf("price feed not available for %s", symbol)
}

func testNetwork(t *testing.T) config.Network {
	t.Helper()
	n, err := config.GetNetwork(config.NetworkBase)
	require.NoError(t, err)
	return n
}

func token(t *testing.T, n config.Network, symbol string) common.Address {
	t.Helper()
	tok, ok := n.Token(symbol)
	require.True(t, ok)
	return tok.Address
}

func defaultOracle() *fakeOracle {
	return &fakeOracle{prices: map[string]decimal.Decimal{
		"USDC":  decimal.NewFromInt(1),
		"DAI":   decimal.NewFromInt(1),
		"WETH":  decimal.NewFromInt(2500),
		"CBBTC": decimal.NewFromInt(50000),
	}}
}

func TestEncodePath(t *testing.T) {
	n := testNetwork(t)
	usdc, weth, cbbtc := token(t, n, "USDC"), token(t, n, "WETH"), token(t, n, "CBBTC")

	path, err := EncodePath([]common.Address{usdc, weth, cbbtc}, []uint32{500, 3000})
	require.NoError(t, err)
	assert.Len(t, path, 20+3+20+3+20)
	assert.Equal(t, usdc.Bytes(), path[:20])
	assert.Equal(t, []byte{0x00, 0x01, 0xf4}, path[20:23])
	assert.Equal(t, weth.Bytes(), path[23:43])
	assert.Equal(t, []byte{0x00, 0x0b, 0xb8}, path[43:46])
	assert.Equal(t, cbbtc.Bytes(), path[46:])

	tokens, fees, err := DecodePath(path)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{usdc, weth, cbbtc}, tokens)
	assert.Equal(t, []uint32{500, 3000}, fees)

	tests := []struct {
		name   string
		tokens []common.Address
		fees   []uint32
	}{
		{"single token", []common.Address{usdc}, nil},
		{"fee count mismatch", []common.Address{usdc, weth}, []uint32{500, 3000}},
		{"fee overflow", []common.Address{usdc, weth}, []uint32{1 << 24}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodePath(tt.tokens, tt.fees)
			assert.Error(t, err)
		})
	}

	_, _, err = DecodePath(path[:30])
	assert.Error(t, err)
}

func TestFindOptimalRoutePicksBestQuote(t *testing.T) {
	n := testNetwork(t)
	usdc, weth, cbbtc := token(t, n, "USDC"), token(t, n, "WETH"), token(t, n, "CBBTC")

	quoter := &fakeQuoter{quotes: map[string]*big.Int{
		singleKey(usdc, cbbtc, 3000):                                  big.NewInt(1_900_000),
		pathKey([]common.Address{usdc, weth, cbbtc}, []uint32{500, 3000}): big.NewInt(1_990_000),
		pathKey([]common.Address{usdc, weth, cbbtc}, []uint32{500, 500}):  big.NewInt(1_950_000),
	}}
	opt := NewOptimizer(n, quoter, defaultOracle(), 50, &logger.EmptyLogger{})

	route, err := opt.FindOptimalRoute(context.Background(), usdc, cbbtc, big.NewInt(1000_000000))
	require.NoError(t, err)
	assert.True(t, route.IsMultiHop)
	assert.Zero(t, route.Fee)
	assert.Equal(t, pathKey([]common.Address{usdc, weth, cbbtc}, []uint32{500, 3000}), common.Bytes2Hex(route.Path))
	assert.Equal(t, big.NewInt(1_990_000), route.ExpectedOutput)
	assert.Equal(t, uint64(160000), route.GasEstimate)
	// 4 direct tiers plus 16 two-hop combinations
	assert.Equal(t, 20, quoter.calls)
}

func TestFindOptimalRoutePrefersConfiguredSingleHop(t *testing.T) {
	n := testNetwork(t)
	usdc, weth := token(t, n, "USDC"), token(t, n, "WETH")

	// the 100 tier quotes the same as the configured 500 tier
	quoter := &fakeQuoter{quotes: map[string]*big.Int{
		singleKey(usdc, weth, 100):  big.NewInt(400_000_000_000_000_000),
		singleKey(usdc, weth, 500):  big.NewInt(400_000_000_000_000_000),
		singleKey(usdc, weth, 3000): big.NewInt(390_000_000_000_000_000),
	}}
	opt := NewOptimizer(n, quoter, defaultOracle(), 50, &logger.EmptyLogger{})

	route, err := opt.FindOptimalRoute(context.Background(), usdc, weth, big.NewInt(1000_000000))
	require.NoError(t, err)
	assert.False(t, route.IsMultiHop)
	assert.Equal(t, uint32(500), route.Fee)
	assert.Nil(t, route.Path)

	// WETH as an endpoint never produces a hop through itself
	assert.Equal(t, 4, quoter.calls)
}

func TestFindOptimalRouteFallback(t *testing.T) {
	n := testNetwork(t)
	usdc, weth, cbbtc := token(t, n, "USDC"), token(t, n, "WETH"), token(t, n, "CBBTC")
	failing := &fakeQuoter{quotes: map[string]*big.Int{}}

	t.Run("configured single hop", func(t *testing.T) {
		opt := NewOptimizer(n, failing, defaultOracle(), 50, &logger.EmptyLogger{})

		route, err := opt.FindOptimalRoute(context.Background(), usdc, weth, big.NewInt(1000_000000))
		require.NoError(t, err)
		assert.False(t, route.IsMultiHop)
		assert.Equal(t, uint32(500), route.Fee)
		assert.Nil(t, route.Path)
		assert.Equal(t, uint64(singleHopGasEstimate), route.GasEstimate)
		// 1000 USDC at 2500 USD per WETH
		assert.Equal(t, "400000000000000000", route.ExpectedOutput.String())
	})

	t.Run("bridged through WETH", func(t *testing.T) {
		opt := NewOptimizer(n, failing, defaultOracle(), 50, &logger.EmptyLogger{})

		route, err := opt.FindOptimalRoute(context.Background(), usdc, cbbtc, big.NewInt(1000_000000))
		require.NoError(t, err)
		assert.True(t, route.IsMultiHop)
		assert.Equal(t, pathKey([]common.Address{usdc, weth, cbbtc}, []uint32{500, 3000}), common.Bytes2Hex(route.Path))
		assert.Equal(t, uint64(multiHopGasEstimate), route.GasEstimate)
		assert.Equal(t, "2000000", route.ExpectedOutput.String())
	})

	t.Run("no oracle price leaves expected output empty", func(t *testing.T) {
		opt := NewOptimizer(n, failing, &fakeOracle{}, 50, &logger.EmptyLogger{})

		route, err := opt.FindOptimalRoute(context.Background(), usdc, weth, big.NewInt(1000_000000))
		require.NoError(t, err)
		assert.Nil(t, route.ExpectedOutput)
	})

	t.Run("no configured fees", func(t *testing.T) {
		bare := testNetwork(t)
		bare.Fees = map[string]uint32{}
		opt := NewOptimizer(bare, failing, defaultOracle(), 50, &logger.EmptyLogger{})

		_, err := opt.FindOptimalRoute(context.Background(), usdc, cbbtc, big.NewInt(1000_000000))
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("unknown token", func(t *testing.T) {
		opt := NewOptimizer(n, failing, defaultOracle(), 50, &logger.EmptyLogger{})

		_, err := opt.FindOptimalRoute(context.Background(), common.HexToAddress("0xdead"), weth, big.NewInt(1))
		assert.ErrorIs(t, err, ErrNoRoute)
	})

	t.Run("zero amount", func(t *testing.T) {
		opt := NewOptimizer(n, failing, defaultOracle(), 50, &logger.EmptyLogger{})

		_, err := opt.FindOptimalRoute(context.Background(), usdc, weth, big.NewInt(0))
		assert.ErrorIs(t, err, ErrNoRoute)
	})
}

func TestMinAmountOut(t *testing.T) {
	n := testNetwork(t)
	usdc, weth := token(t, n, "USDC"), token(t, n, "WETH")
	amountIn := big.NewInt(1000_000000)
	quoted := big.NewInt(401_000_000_000_000_000)

	t.Run("oracle preferred", func(t *testing.T) {
		opt := NewOptimizer(n, &fakeQuoter{}, defaultOracle(), 50, &logger.EmptyLogger{})

		minOut, source, err := opt.MinAmountOut(context.Background(), usdc, weth, amountIn, quoted)
		require.NoError(t, err)
		assert.Equal(t, SourceOracle, source)
		assert.Equal(t, "398000000000000000", minOut.String())

		// both strategies agree within an order of magnitude
		fromQuote, err := opt.QuoteMinAmountOut(quoted)
		require.NoError(t, err)
		ratio := new(big.Int).Div(fromQuote, minOut)
		assert.True(t, ratio.Cmp(big.NewInt(10)) < 0)
		assert.Equal(t, "398995000000000000", fromQuote.String())
	})

	t.Run("quote fallback", func(t *testing.T) {
		opt := NewOptimizer(n, &fakeQuoter{}, &fakeOracle{}, 50, &logger.EmptyLogger{})

		minOut, source, err := opt.MinAmountOut(context.Background(), usdc, weth, amountIn, quoted)
		require.NoError(t, err)
		assert.Equal(t, SourceQuote, source)
		assert.Equal(t, "398995000000000000", minOut.String())
	})

	t.Run("no estimate at all", func(t *testing.T) {
		opt := NewOptimizer(n, &fakeQuoter{}, &fakeOracle{}, 50, &logger.EmptyLogger{})

		_, _, err := opt.MinAmountOut(context.Background(), usdc, weth, amountIn, nil)
		assert.Error(t, err)
	})
}

func TestApplySlippage(t *testing.T) {
	tests := []struct {
		amount int64
		bps    int
		want   int64
	}{
		{10000, 50, 9950},
		{10000, 0, 10000},
		{10000, 10000, 0},
		{999, 50, 994},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d@%d", tt.amount, tt.bps), func(t *testing.T) {
			assert.Equal(t, tt.want, ApplySlippage(big.NewInt(tt.amount), tt.bps).Int64())
		})
	}
}

func TestValidateMinOut(t *testing.T) {
	n := testNetwork(t)
	usdc, weth := token(t, n, "USDC"), token(t, n, "WETH")
	opt := NewOptimizer(n, &fakeQuoter{}, defaultOracle(), 50, &logger.EmptyLogger{})
	amountIn := big.NewInt(1000_000000)

	ok, err := opt.ValidateMinOut(context.Background(), usdc, weth, amountIn, big.NewInt(398_000_000_000_000_000))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = opt.ValidateMinOut(context.Background(), usdc, weth, amountIn, big.NewInt(380_000_000_000_000_000))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = opt.ValidateMinOut(context.Background(), usdc, weth, amountIn, big.NewInt(379_999_999_999_999_999))
	require.NoError(t, err)
	assert.False(t, ok)

	blind := NewOptimizer(n, &fakeQuoter{}, &fakeOracle{}, 50, &logger.EmptyLogger{})
	_, err = blind.ValidateMinOut(context.Background(), usdc, weth, amountIn, big.NewInt(1))
	assert.Error(t, err)
}
