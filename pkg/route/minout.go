package route

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// MinOut strategies
const (
	SourceOracle = "oracle"
	SourceQuote  = "quote"
)

var errNoEstimate = errors.New("route has no expected output")

// ApplySlippage discounts amount by bps basis points, rounding down
func ApplySlippage(amount *big.Int, bps int) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(int64(10000-bps)))
	return out.Div(out, big.NewInt(10000))
}

// OracleExpectedOutput values amountIn in USD and converts it into tokenOut units
func (o *Optimizer) OracleExpectedOutput(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	inToken, ok := o.network.TokenByAddress(tokenIn)
	if !ok {
		return nil, fmt.Errorf("no symbol for token %s", tokenIn.Hex())
	}
	outToken, ok := o.network.TokenByAddress(tokenOut)
	if !ok {
		return nil, fmt.Errorf("no symbol for token %s", tokenOut.Hex())
	}

	inPrice, err := o.oracle.GetPriceInUSD(ctx, inToken.Symbol)
	if err != nil {
		return nil, err
	}
	outPrice, err := o.oracle.GetPriceInUSD(ctx, outToken.Symbol)
	if err != nil {
		return nil, err
	}
	if !outPrice.IsPositive() {
		return nil, fmt.Errorf("invalid %s price %s", outToken.Symbol, outPrice)
	}

	amountUSD := decimal.NewFromBigInt(amountIn, -int32(inToken.Decimals)).Mul(inPrice)
	expected := amountUSD.DivRound(outPrice, int32(outToken.Decimals)+2)
	return expected.Shift(int32(outToken.Decimals)).Floor().BigInt(), nil
}

// OracleMinAmountOut derives the minimum output from oracle prices
func (o *Optimizer) OracleMinAmountOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	expected, err := o.OracleExpectedOutput(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return nil, err
	}
	return ApplySlippage(expected, o.slippageBps), nil
}

// QuoteMinAmountOut discounts a router-quoted output by slippage
func (o *Optimizer) QuoteMinAmountOut(quoted *big.Int) (*big.Int, error) {
	if quoted == nil || quoted.Sign() <= 0 {
		return nil, errNoEstimate
	}
	return ApplySlippage(quoted, o.slippageBps), nil
}

// MinAmountOut returns the minimum acceptable output and the strategy used.
// Oracle prices are preferred, the router quote is the fallback.
func (o *Optimizer) MinAmountOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, quoted *big.Int) (*big.Int, string, error) {
	minOut, err := o.OracleMinAmountOut(ctx, tokenIn, tokenOut, amountIn)
	if err == nil && minOut.Sign() > 0 {
		o.logger.Debug("Oracle minOut for %s -> %s: %s", o.label(tokenIn), o.label(tokenOut), minOut)
		return minOut, SourceOracle, nil
	}
	if err != nil {
		o.logger.Warn("Oracle minOut unavailable for %s -> %s: %v, using router quote", o.label(tokenIn), o.label(tokenOut), err)
	}

	minOut, qErr := o.QuoteMinAmountOut(quoted)
	if qErr != nil {
		if err != nil {
			return nil, "", fmt.Errorf("failed to compute minimum output: oracle: %v, quote: %w", err, qErr)
		}
		return nil, "", fmt.Errorf("failed to compute minimum output: %w", qErr)
	}
	return minOut, SourceQuote, nil
}

// ValidateMinOut reports whether minOut is at least 95% of the oracle expectation.
// The result is advisory. A missing oracle price yields an error, not a verdict.
func (o *Optimizer) ValidateMinOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (bool, error) {
	expected, err := o.OracleExpectedOutput(ctx, tokenIn, tokenOut, amountIn)
	if err != nil {
		return false, err
	}

	threshold := new(big.Int).Mul(expected, big.NewInt(minOutSanityPercent))
	threshold.Div(threshold, big.NewInt(100))
	if minOut.Cmp(threshold) < 0 {
		o.logger.Warn("minOut %s for %s -> %s is below %d%% of the oracle expectation %s",
			minOut, o.label(tokenIn), o.label(tokenOut), minOutSanityPercent, expected)
		return false, nil
	}
	return true, nil
}
