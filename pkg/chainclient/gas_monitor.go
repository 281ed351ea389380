package chainclient

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/metrics"
)

// GasSource provides the network gas price and the signer balance
type GasSource interface {
	NetworkGasPrice(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context) (*big.Int, error)
}

// USDPriceSource provides USD prices by symbol
type USDPriceSource interface {
	GetPriceInUSD(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// GasSnapshot is the latest sample taken by the monitor
type GasSnapshot struct {
	GasPriceGwei     string    `json:"gasPriceGwei"`
	ETHPriceUSD      float64   `json:"ethPriceUsd"`
	ExecutionCostUSD float64   `json:"executionCostUsd"`
	WalletBalanceETH string    `json:"walletBalanceEth"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// GasMonitor periodically samples gas price, ETH price and signer balance
type GasMonitor struct {
	ctx      context.Context
	gas      GasSource
	prices   USDPriceSource
	gasLimit uint64
	interval time.Duration
	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool
	last     GasSnapshot
	logger   logger.Logger
}

// NewGasMonitor creates a new gas monitor.
// gasLimit is the gas of one execution used to express its cost in USD.
func NewGasMonitor(ctx context.Context, gas GasSource, prices USDPriceSource, gasLimit uint64, interval time.Duration, log logger.Logger) *GasMonitor {
	return &GasMonitor{
		ctx:      ctx,
		gas:      gas,
		prices:   prices,
		gasLimit: gasLimit,
		interval: interval,
		logger:   log,
	}
}

// Start begins the periodic sampling
func (r *GasMonitor) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return // Already running
	}

	r.stopChan = make(chan struct{})
	r.running = true

	go r.run(r.stopChan)
}

// Stop halts the periodic sampling
func (r *GasMonitor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}

	close(r.stopChan)
	r.stopChan = nil
	r.running = false
}

// IsRunning returns whether the routine is currently running
func (r *GasMonitor) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Snapshot returns the latest sample
func (r *GasMonitor) Snapshot() GasSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *GasMonitor) run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Perform initial update
	r.sample()

	for {
		select {
		case <-ticker.C:
			r.sample()
		case <-stop:
			return
		case <-r.ctx.Done():
			return
		}
	}
}

// sample performs a single update of gas price, ETH price, execution cost and balance
func (r *GasMonitor) sample() {
	snapshot := GasSnapshot{UpdatedAt: time.Now()}

	gasPrice, err := r.gas.NetworkGasPrice(r.ctx)
	if err != nil {
		r.logger.Error("Failed to sample gas price: %v", err)
		return
	}
	snapshot.GasPriceGwei = FormatGwei(gasPrice)

	if price, err := r.prices.GetPriceInUSD(r.ctx, "ETH"); err != nil {
		r.logger.Debug("Failed to fetch ETH price: %v", err)
	} else {
		snapshot.ETHPriceUSD = price.InexactFloat64()
		snapshot.ExecutionCostUSD = computeExecutionCostUSD(gasPrice, r.gasLimit, snapshot.ETHPriceUSD)
		metrics.ExecutionCostUSD.Set(snapshot.ExecutionCostUSD)
	}

	if balance, err := r.gas.Balance(r.ctx); err != nil {
		r.logger.Debug("Failed to fetch wallet balance: %v", err)
	} else {
		eth := decimal.NewFromBigInt(balance, -18)
		snapshot.WalletBalanceETH = eth.StringFixed(6)
		metrics.WalletBalance.Set(eth.InexactFloat64())
	}

	r.mu.Lock()
	r.last = snapshot
	r.mu.Unlock()
}

// computeExecutionCostUSD calculates gasPrice * gasLimit in USD
func computeExecutionCostUSD(gasPrice *big.Int, gasLimit uint64, ethPriceUSD float64) float64 {
	if gasPrice == nil {
		return 0.0
	}

	costWei := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	costETH := decimal.NewFromBigInt(costWei, -18)
	return costETH.Mul(decimal.NewFromFloat(ethPriceUSD)).InexactFloat64()
}
