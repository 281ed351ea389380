package chainclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dca-watcher/pkg/blockchain"
	"github.com/speedrun-hq/dca-watcher/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/contracts"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/metrics"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
)

var (
	// ErrGasPriceTooHigh is returned when the network gas price exceeds the configured ceiling
	ErrGasPriceTooHigh = errors.New("gas price too high")

	// ErrTransactionReverted is returned when a mined transaction has a failed status
	ErrTransactionReverted = errors.New("transaction reverted")
)

const rpcTimeout = 10 * time.Second

// Backend is the subset of the node API used by the watcher.
// It is satisfied by *ethclient.Client and the simulated backend client.
type Backend interface {
	bind.ContractBackend
	ethereum.BlockNumberReader
	ethereum.ChainIDReader
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options holds the transaction policy of the client
type Options struct {
	GasMultiplier         float64
	MaxGasPrice           *big.Int
	GasLimitBufferPercent int
	ConfirmationPoll      time.Duration
	Breaker               *circuitbreaker.Breaker
}

// Client wraps the node connection and the signing account
type Client struct {
	Backend Backend
	ChainID *big.Int

	address    common.Address
	privateKey *ecdsa.PrivateKey
	opts       Options
	nonces     *blockchain.NonceManager
	quoter     *contracts.QuoterV2
	planners   map[common.Address]*contracts.Planner
	closer     func()
	logger     logger.Logger
}

// New dials the configured RPC endpoint and creates a client
func New(ctx context.Context, cfg *config.Config, breaker *circuitbreaker.Breaker, log logger.Logger) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	ec, err := ethclient.DialContext(dialCtx, cfg.Network.RPCHTTP)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to client: %v", err)
	}

	c, err := NewWithBackend(ctx, ec, cfg.PrivateKey, cfg.Network, Options{
		GasMultiplier:         cfg.GasMultiplier,
		MaxGasPrice:           cfg.MaxGasPrice,
		GasLimitBufferPercent: cfg.GasLimitBufferPercent,
		Breaker:               breaker,
	}, log)
	if err != nil {
		ec.Close()
		return nil, err
	}
	c.closer = ec.Close
	return c, nil
}

// NewWithBackend creates a client over an existing backend
func NewWithBackend(ctx context.Context, backend Backend, privateKeyHex string, network config.Network, opts Options, log logger.Logger) (*Client, error) {
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %v", err)
	}

	chainCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	chainID, err := backend.ChainID(chainCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %v", err)
	}

	if opts.GasMultiplier <= 0 {
		opts.GasMultiplier = config.DefaultGasMultiplier
	}
	if opts.ConfirmationPoll <= 0 {
		opts.ConfirmationPoll = 2 * time.Second
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	c := &Client{
		Backend:    backend,
		ChainID:    chainID,
		address:    address,
		privateKey: privateKey,
		opts:       opts,
		nonces:     blockchain.NewNonceManager(backend, address, log),
		quoter:     contracts.NewQuoterV2(network.Contracts.Quoter, backend),
		planners:   make(map[common.Address]*contracts.Planner),
		logger:     log,
	}

	for _, addr := range network.Planners() {
		planner, err := contracts.NewPlanner(addr, backend)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize planner %s: %v", addr.Hex(), err)
		}
		c.planners[addr] = planner
	}

	return c, nil
}

// Close releases the node connection
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Address returns the signer address
func (c *Client) Address() common.Address {
	return c.address
}

// MaxGasPrice returns the configured gas price ceiling
func (c *Client) MaxGasPrice() *big.Int {
	return c.opts.MaxGasPrice
}

// NetworkGasPrice returns the gas price suggested by the node
func (c *Client) NetworkGasPrice(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	gasPrice, err := c.Backend.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %v", err)
	}

	gwei, _ := decimal.NewFromBigInt(gasPrice, -9).Float64()
	metrics.GasPrice.Set(gwei)
	return gasPrice, nil
}

// CheckGasPrice applies the gas guard and returns the price to submit with.
// The network price is compared against the ceiling, the multiplied price is capped by it.
func (c *Client) CheckGasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := c.NetworkGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	if c.opts.MaxGasPrice != nil && gasPrice.Cmp(c.opts.MaxGasPrice) > 0 {
		return nil, fmt.Errorf("%w: %s gwei", ErrGasPriceTooHigh, FormatGwei(gasPrice))
	}

	// Apply gas multiplier (e.g. 1.1 = 10% buffer)
	multipliedGasPrice := new(big.Float).Mul(
		new(big.Float).SetInt(gasPrice),
		big.NewFloat(c.opts.GasMultiplier),
	)
	finalGasPrice := new(big.Int)
	multipliedGasPrice.Int(finalGasPrice)

	if c.opts.MaxGasPrice != nil && finalGasPrice.Cmp(c.opts.MaxGasPrice) > 0 {
		finalGasPrice.Set(c.opts.MaxGasPrice)
	}
	return finalGasPrice, nil
}

// FormatGwei renders a wei amount in gwei
func FormatGwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -9).StringFixed(2)
}

// Balance returns the native balance of the signer
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return c.Backend.BalanceAt(timeoutCtx, c.address, nil)
}

// BlockNumber returns the latest block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return c.Backend.BlockNumber(timeoutCtx)
}

// FilterLogs runs a log query against the node
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 3*rpcTimeout)
	defer cancel()
	return c.Backend.FilterLogs(timeoutCtx, q)
}

// TransactionReceipt returns the receipt of a mined transaction
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return c.Backend.TransactionReceipt(timeoutCtx, txHash)
}

// WaitForConfirmations blocks until the transaction has the requested number of confirmations
func (c *Client) WaitForConfirmations(ctx context.Context, txHash common.Hash, confirmations uint64) error {
	if confirmations == 0 {
		return nil
	}

	ticker := time.NewTicker(c.opts.ConfirmationPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.Backend.TransactionReceipt(ctx, txHash)
		if ctx.Err() != nil {
			return fmt.Errorf("timed out waiting for %d confirmations of %s: %w", confirmations, txHash.Hex(), ctx.Err())
		}
		if err == nil && receipt != nil {
			head, err := c.BlockNumber(ctx)
			if err != nil {
				return fmt.Errorf("failed to get block number: %v", err)
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined && head-mined+1 >= confirmations {
				return nil
			}
		} else if err != nil && !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("failed to get receipt for %s: %v", txHash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %d confirmations of %s: %w", confirmations, txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) planner(addr common.Address) (*contracts.Planner, error) {
	p, ok := c.planners[addr]
	if !ok {
		return nil, fmt.Errorf("unknown planner contract %s", addr.Hex())
	}
	return p, nil
}

// Plan reads a user's plan from a planner contract
func (c *Client) Plan(ctx context.Context, plannerAddr, user common.Address) (models.Plan, error) {
	p, err := c.planner(plannerAddr)
	if err != nil {
		return models.Plan{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	raw, err := p.Plans(&bind.CallOpts{Context: timeoutCtx}, user)
	if err != nil {
		return models.Plan{}, fmt.Errorf("failed to read plan of %s: %v", user.Hex(), err)
	}

	return models.Plan{
		Stable:   raw.Stable,
		Amount:   raw.Amount,
		Interval: raw.Interval.Uint64(),
		NextExec: raw.NextExec.Uint64(),
		Active:   raw.Active,
	}, nil
}

// AllowedStable reports whether a planner accepts a deposit token
func (c *Client) AllowedStable(ctx context.Context, plannerAddr, token common.Address) (bool, error) {
	p, err := c.planner(plannerAddr)
	if err != nil {
		return false, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return p.AllowedStable(&bind.CallOpts{Context: timeoutCtx}, token)
}

// QuoteExactInputSingle quotes a single-pool swap on the QuoterV2
func (c *Client) QuoteExactInputSingle(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int, fee uint32) (*big.Int, uint64, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	res, err := c.quoter.QuoteExactInputSingle(&bind.CallOpts{Context: timeoutCtx}, tokenIn, tokenOut, amountIn, fee)
	if err != nil {
		return nil, 0, err
	}
	return res.AmountOut, res.GasEstimate.Uint64(), nil
}

// QuoteExactInput quotes a multi-pool swap on the QuoterV2
func (c *Client) QuoteExactInput(ctx context.Context, path []byte, amountIn *big.Int) (*big.Int, uint64, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	res, err := c.quoter.QuoteExactInput(&bind.CallOpts{Context: timeoutCtx}, path, amountIn)
	if err != nil {
		return nil, 0, err
	}
	return res.AmountOut, res.GasEstimate.Uint64(), nil
}

// ExecuteDepositSwap swaps a one-time deposit held by a planner
func (c *Client) ExecuteDepositSwap(ctx context.Context, plannerAddr common.Address, deposit models.DepositEvent, minOut *big.Int, route models.RouteInfo, gasPrice *big.Int) (*types.Receipt, error) {
	p, err := c.planner(plannerAddr)
	if err != nil {
		return nil, err
	}

	return c.submit(ctx, "executeDepositSwap", gasPrice, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		if route.IsMultiHop {
			return p.ExecuteDepositSwap(opts, deposit.User, deposit.Token, deposit.Amount, minOut, route.Path)
		}
		return p.ExecuteDepositSwapSingleIn(opts, deposit.User, deposit.Token, deposit.Amount, minOut, big.NewInt(int64(route.Fee)))
	})
}

// ExecutePlan executes a due recurring plan
func (c *Client) ExecutePlan(ctx context.Context, plannerAddr, user common.Address, minOut *big.Int, route models.RouteInfo, gasPrice *big.Int) (*types.Receipt, error) {
	p, err := c.planner(plannerAddr)
	if err != nil {
		return nil, err
	}

	return c.submit(ctx, "executePlan", gasPrice, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		if route.IsMultiHop {
			return p.ExecutePlan(opts, user, minOut, route.Path)
		}
		return p.ExecutePlanSingleIn(opts, user, minOut, big.NewInt(int64(route.Fee)))
	})
}

// submit estimates, buffers the gas limit, sends and waits for the receipt
func (c *Client) submit(ctx context.Context, method string, gasPrice *big.Int, transact func(*bind.TransactOpts) (*types.Transaction, error)) (*types.Receipt, error) {
	nonce, err := c.nonces.GetNonce(ctx)
	if err != nil {
		return nil, err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, c.ChainID)
	if err != nil {
		c.nonces.ReleaseNonce(nonce)
		return nil, fmt.Errorf("failed to create transactor: %v", err)
	}
	auth.Context = ctx
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasPrice = gasPrice

	// dry run to obtain the estimate
	auth.NoSend = true
	estimated, err := transact(auth)
	if err != nil {
		c.nonces.ReleaseNonce(nonce)
		return nil, fmt.Errorf("failed to estimate gas for %s: %w", method, err)
	}
	auth.GasLimit = estimated.Gas() * uint64(100+c.opts.GasLimitBufferPercent) / 100
	auth.NoSend = false

	var tx *types.Transaction
	send := func() error {
		var sendErr error
		tx, sendErr = transact(auth)
		return sendErr
	}
	if c.opts.Breaker != nil {
		err = c.opts.Breaker.Execute(send)
	} else {
		err = send()
	}
	if err != nil {
		c.nonces.ReleaseNonce(nonce)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	c.nonces.TrackTransaction(tx.Hash(), nonce)
	c.logger.Info("Submitted %s tx %s (nonce %d, gas limit %d, gas price %s gwei)",
		method, tx.Hash().Hex(), nonce, auth.GasLimit, FormatGwei(gasPrice))

	receipt, err := bind.WaitMined(ctx, c.Backend, tx)
	if err != nil {
		c.nonces.MarkTransactionFailed(nonce)
		return nil, fmt.Errorf("failed waiting for %s tx %s: %w", method, tx.Hash().Hex(), err)
	}
	c.nonces.MarkTransactionConfirmed(nonce)

	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, fmt.Errorf("%w: %s tx %s", ErrTransactionReverted, method, tx.Hash().Hex())
	}
	return receipt, nil
}
