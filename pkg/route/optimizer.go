// Package route finds Uniswap V3 swap routes and slippage-bounded minimum outputs.
package route

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
	"golang.org/x/sync/errgroup"
)

// FeeTiers are the standard Uniswap V3 pool fees
var FeeTiers = []uint32{100, 500, 3000, 10000}

// ErrNoRoute is returned when neither pathfinding nor the fallback produce a route
var ErrNoRoute = errors.New("no route found")

const (
	singleHopGasEstimate = 150000
	multiHopGasEstimate  = 200000

	// minOut below this share of the oracle expectation is suspect
	minOutSanityPercent = 95

	maxConcurrentQuotes = 4
)

// Quoter simulates swaps against on-chain pools
type Quoter interface {
	QuoteExactInputSingle(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, fee uint32) (*big.Int, uint64, error)
	QuoteExactInput(ctx context.Context, path []byte, amountIn *big.Int) (*big.Int, uint64, error)
}

// PriceOracle provides USD prices by token symbol
type PriceOracle interface {
	GetPriceInUSD(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Optimizer computes routes and minimum outputs for one network
type Optimizer struct {
	network     config.Network
	quoter      Quoter
	oracle      PriceOracle
	slippageBps int
	logger      logger.Logger
}

// NewOptimizer creates a route optimizer
func NewOptimizer(network config.Network, quoter Quoter, oracle PriceOracle, slippageBps int, log logger.Logger) *Optimizer {
	return &Optimizer{
		network:     network,
		quoter:      quoter,
		oracle:      oracle,
		slippageBps: slippageBps,
		logger:      log,
	}
}

// SlippageBps returns the configured slippage tolerance
func (o *Optimizer) SlippageBps() int {
	return o.slippageBps
}

type candidate struct {
	tokens []common.Address
	fees   []uint32
	out    *big.Int
	gas    uint64
}

func (c candidate) multiHop() bool { return len(c.fees) > 1 }

// FindOptimalRoute returns the best route for amountIn (in tokenIn's smallest unit).
// Pathfinding quotes every direct fee tier and every two-hop route through WETH.
// When nothing can be quoted the configured fee table is used instead.
func (o *Optimizer) FindOptimalRoute(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (models.RouteInfo, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return models.RouteInfo{}, fmt.Errorf("%w: amount must be positive", ErrNoRoute)
	}

	inSymbol, outSymbol := o.network.SymbolOf(tokenIn), o.network.SymbolOf(tokenOut)
	o.logger.Debug("Finding optimal route %s -> %s for %s", o.label(tokenIn), o.label(tokenOut), amountIn)

	best, err := o.discover(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		o.logger.Warn("Route discovery failed for %s -> %s: %v, using fallback route", o.label(tokenIn), o.label(tokenOut), err)
		return o.fallbackRoute(ctx, tokenIn, tokenOut, amountIn)
	}

	route, err := o.toRouteInfo(best)
	if err != nil {
		return models.RouteInfo{}, err
	}

	if route.IsMultiHop {
		o.logger.Info("Using multi-hop route %s -> %s (%d hops), expected output %s",
			inSymbol, outSymbol, len(best.fees), route.ExpectedOutput)
	} else {
		o.logger.Info("Using single-hop route %s -> %s (fee %d), expected output %s",
			inSymbol, outSymbol, route.Fee, route.ExpectedOutput)
	}
	return route, nil
}

// candidates lists the routes to quote. Direct pools come first with the
// configured tier leading, so ties resolve to the configured single hop.
func (o *Optimizer) candidates(tokenIn, tokenOut common.Address) []candidate {
	var out []candidate

	tiers := FeeTiers
	if fee, ok := o.network.SingleHopFee(o.network.SymbolOf(tokenIn), o.network.SymbolOf(tokenOut)); ok && o.known(tokenIn, tokenOut) {
		tiers = append([]uint32{fee}, withoutFee(FeeTiers, fee)...)
	}
	for _, fee := range tiers {
		out = append(out, candidate{tokens: []common.Address{tokenIn, tokenOut}, fees: []uint32{fee}})
	}

	weth, ok := o.network.Token(config.SymbolWETH)
	if !ok || tokenIn == weth.Address || tokenOut == weth.Address {
		return out
	}
	for _, first := range FeeTiers {
		for _, second := range FeeTiers {
			out = append(out, candidate{
				tokens: []common.Address{tokenIn, weth.Address, tokenOut},
				fees:   []uint32{first, second},
			})
		}
	}
	return out
}

// discover quotes every candidate and returns the one with the highest output
func (o *Optimizer) discover(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (candidate, error) {
	all := o.candidates(tokenIn, tokenOut)

	var mu sync.Mutex
	quoted := make([]*candidate, len(all))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentQuotes)
	for i := range all {
		i := i
		g.Go(func() error {
			c := all[i]
			var (
				out *big.Int
				gas uint64
				err error
			)
			if c.multiHop() {
				path, encErr := EncodePath(c.tokens, c.fees)
				if encErr != nil {
					return nil
				}
				out, gas, err = o.quoter.QuoteExactInput(gctx, path, amountIn)
			} else {
				out, gas, err = o.quoter.QuoteExactInputSingle(gctx, c.tokens[0], c.tokens[1], amountIn, c.fees[0])
			}
			// pools that do not exist revert, those candidates are skipped
			if err != nil || out == nil || out.Sign() <= 0 {
				return nil
			}
			c.out, c.gas = out, gas
			mu.Lock()
			quoted[i] = &c
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return candidate{}, err
	}
	if err := ctx.Err(); err != nil {
		return candidate{}, err
	}

	var best *candidate
	for _, c := range quoted {
		if c == nil {
			continue
		}
		if best == nil || c.out.Cmp(best.out) > 0 {
			best = c
		}
	}
	if best == nil {
		return candidate{}, fmt.Errorf("no pool quoted %s -> %s", o.label(tokenIn), o.label(tokenOut))
	}
	return *best, nil
}

func (o *Optimizer) toRouteInfo(c candidate) (models.RouteInfo, error) {
	if !c.multiHop() {
		return models.RouteInfo{
			IsMultiHop:     false,
			Fee:            c.fees[0],
			ExpectedOutput: c.out,
			GasEstimate:    c.gas,
		}, nil
	}
	path, err := EncodePath(c.tokens, c.fees)
	if err != nil {
		return models.RouteInfo{}, err
	}
	return models.RouteInfo{
		IsMultiHop:     true,
		Path:           path,
		ExpectedOutput: c.out,
		GasEstimate:    c.gas,
	}, nil
}

// fallbackRoute builds a route from the configured fee table:
// the direct pool, else a hop through WETH, else ErrNoRoute.
func (o *Optimizer) fallbackRoute(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (models.RouteInfo, error) {
	inSymbol, outSymbol := o.network.SymbolOf(tokenIn), o.network.SymbolOf(tokenOut)
	if !o.known(tokenIn, tokenOut) {
		return models.RouteInfo{}, fmt.Errorf("%w between %s and %s", ErrNoRoute, tokenIn.Hex(), tokenOut.Hex())
	}

	expected, err := o.OracleExpectedOutput(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		o.logger.Warn("No oracle estimate for fallback route %s -> %s: %v", inSymbol, outSymbol, err)
		expected = nil
	}

	if fee, ok := o.network.SingleHopFee(inSymbol, outSymbol); ok {
		o.logger.Info("Using fallback single-hop route %s -> %s (fee %d)", inSymbol, outSymbol, fee)
		return models.RouteInfo{
			IsMultiHop:     false,
			Fee:            fee,
			ExpectedOutput: expected,
			GasEstimate:    singleHopGasEstimate,
		}, nil
	}

	weth, ok := o.network.Token(config.SymbolWETH)
	if ok {
		inFee, okIn := o.network.SingleHopFee(inSymbol, config.SymbolWETH)
		outFee, okOut := o.network.SingleHopFee(config.SymbolWETH, outSymbol)
		if okIn && okOut {
			path, err := EncodePath([]common.Address{tokenIn, weth.Address, tokenOut}, []uint32{inFee, outFee})
			if err != nil {
				return models.RouteInfo{}, err
			}
			o.logger.Info("Using fallback route %s -> WETH -> %s (fees %d/%d)", inSymbol, outSymbol, inFee, outFee)
			return models.RouteInfo{
				IsMultiHop:     true,
				Path:           path,
				ExpectedOutput: expected,
				GasEstimate:    multiHopGasEstimate,
			}, nil
		}
	}

	return models.RouteInfo{}, fmt.Errorf("%w between %s and %s", ErrNoRoute, tokenIn.Hex(), tokenOut.Hex())
}

func (o *Optimizer) known(tokens ...common.Address) bool {
	for _, t := range tokens {
		if o.network.SymbolOf(t) == "" {
			return false
		}
	}
	return true
}

func (o *Optimizer) label(addr common.Address) string {
	if s := o.network.SymbolOf(addr); s != "" {
		return s
	}
	return addr.Hex()
}

func withoutFee(fees []uint32, skip uint32) []uint32 {
	out := make([]uint32, 0, len(fees))
	for _, f := range fees {
		if f != skip {
			out = append(out, f)
		}
	}
	return out
}
