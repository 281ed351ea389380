// Package executor turns deposit notifications into confirmed planner swaps.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dca-watcher/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/contracts"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/metrics"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
	"github.com/speedrun-hq/dca-watcher/pkg/route"
	"github.com/speedrun-hq/dca-watcher/pkg/storage"
	"golang.org/x/time/rate"
)

const originDeposit = "deposit"

// Completed deposit IDs are remembered for completedTTL, at most completedMax of them
const (
	completedTTL = 24 * time.Hour
	completedMax = 10_000
)

// minHealthyBalance is 0.0001 ETH
var minHealthyBalance = big.NewInt(100_000_000_000_000)

// Chain is the part of the chain client used to execute deposits
type Chain interface {
	Address() common.Address
	Balance(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CheckGasPrice(ctx context.Context) (*big.Int, error)
	WaitForConfirmations(ctx context.Context, txHash common.Hash, confirmations uint64) error
	ExecuteDepositSwap(ctx context.Context, planner common.Address, deposit models.DepositEvent, minOut *big.Int, route models.RouteInfo, gasPrice *big.Int) (*types.Receipt, error)
}

// Router computes routes and minimum outputs
type Router interface {
	FindOptimalRoute(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (models.RouteInfo, error)
	MinAmountOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, quoted *big.Int) (*big.Int, string, error)
	ValidateMinOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, minOut *big.Int) (bool, error)
}

var _ Router = (*route.Optimizer)(nil)

// Options holds the execution policy
type Options struct {
	// MinDepositAmount is in whole token units
	MinDepositAmount    decimal.Decimal
	Confirmations       uint64
	ConfirmationTimeout time.Duration
	WorkerCount         int
	QueueSize           int
	RetryReplayDelay    time.Duration
}

// OptionsFromConfig derives the execution policy from the service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MinDepositAmount:    cfg.MinDepositAmount,
		Confirmations:       cfg.Confirmations,
		ConfirmationTimeout: 5 * time.Minute,
		WorkerCount:         cfg.Deposits.WorkerCount,
		QueueSize:           cfg.Deposits.QueueSize,
		RetryReplayDelay:    cfg.Deposits.RetryReplayDelay,
	}
}

// WalletInfo describes the signing account
type WalletInfo struct {
	Address    string `json:"address"`
	BalanceETH string `json:"balanceEth"`
}

// Stats is a snapshot of the in-memory execution state
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Queued     int `json:"queued"`
}

// Executor owns the pending, processing and completed sets.
// At most one execution per deposit key runs at a time, and a deposit
// identity that executed successfully is not submitted again.
type Executor struct {
	network config.Network
	chain   Chain
	router  Router
	storage *storage.DepositStorage
	breaker *circuitbreaker.Breaker
	opts    Options
	logger  logger.Logger
	now     func() time.Time

	mu         sync.Mutex
	pending    map[string]models.DepositEvent
	processing map[string]common.Hash
	completed  map[string]time.Time
	jobs       chan string
	stopped    bool
	started    bool
	wg         sync.WaitGroup
	sweeps     sync.WaitGroup
	replay     *rate.Limiter
}

// New creates an executor; breaker may be nil
func New(
	network config.Network,
	chain Chain,
	router Router,
	store *storage.DepositStorage,
	breaker *circuitbreaker.Breaker,
	opts Options,
	log logger.Logger,
) *Executor {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = config.DefaultWorkerCount
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultDepositQueueSize
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = 5 * time.Minute
	}

	replayLimit := rate.Inf
	if opts.RetryReplayDelay > 0 {
		replayLimit = rate.Every(opts.RetryReplayDelay)
	}

	return &Executor{
		network:    network,
		chain:      chain,
		router:     router,
		storage:    store,
		breaker:    breaker,
		opts:       opts,
		logger:     log,
		now:        time.Now,
		pending:    make(map[string]models.DepositEvent),
		processing: make(map[string]common.Hash),
		completed:  make(map[string]time.Time),
		jobs:       make(chan string, opts.QueueSize),
		replay:     rate.NewLimiter(replayLimit, 1),
	}
}

// Start launches the worker pool
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	e.logger.Info("Starting %d deposit workers", e.opts.WorkerCount)
	for i := 0; i < e.opts.WorkerCount; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
}

// Stop refuses new deposits and waits for in-flight executions, including retry sweeps.
// Queued deposits that never started are saved to the ledger.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.jobs)
	e.mu.Unlock()

	e.wg.Wait()
	e.sweeps.Wait()
	e.logger.Info("Deposit workers stopped")
}

// HandleDeposit is the models.DepositHandler wired to every ingestion path
func (e *Executor) HandleDeposit(_ context.Context, source string, deposit models.DepositEvent) {
	if err := e.Enqueue(deposit); err != nil {
		e.logger.Debug("Deposit %s from %s not queued: %v", deposit.TransactionHash.Hex(), source, err)
	}
}

// Enqueue hands a deposit to the worker pool.
// A pending deposit for the same key is replaced only by a strictly newer block.
// Deposits that cannot be scheduled are parked in the ledger for the retry sweep.
func (e *Executor) Enqueue(deposit models.DepositEvent) error {
	park, err := e.schedule(deposit)
	if park {
		e.park(deposit, err)
	}
	return err
}

func (e *Executor) schedule(deposit models.DepositEvent) (bool, error) {
	key := deposit.Key()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return true, ErrStopped
	}

	if e.executedLocked(deposit.ID()) {
		metrics.DepositsDropped.WithLabelValues("executed").Inc()
		return false, ErrAlreadyExecuted
	}

	if inFlight, busy := e.processing[key]; busy {
		e.logger.Info("Deposit %s rejected, key %s is already processing", deposit.TransactionHash.Hex(), key)
		metrics.DepositsDropped.WithLabelValues("processing").Inc()
		return inFlight != deposit.TransactionHash, ErrAlreadyProcessing
	}

	if current, ok := e.pending[key]; ok {
		if deposit.BlockNumber > current.BlockNumber {
			e.logger.Info("Replacing pending deposit for %s (block %d -> %d)", key, current.BlockNumber, deposit.BlockNumber)
			e.pending[key] = deposit
			return false, nil
		}
		metrics.DepositsDropped.WithLabelValues("stale").Inc()
		return false, ErrSuperseded
	}

	select {
	case e.jobs <- key:
		e.pending[key] = deposit
		metrics.DepositQueueSize.Set(float64(len(e.jobs)))
		return false, nil
	default:
		metrics.DepositsDropped.WithLabelValues("queue_full").Inc()
		e.logger.Error("Deposit queue full, parking %s for retry", deposit.TransactionHash.Hex())
		return true, ErrQueueFull
	}
}

func (e *Executor) park(deposit models.DepositEvent, reason error) {
	if err := e.storage.SaveFailedDeposit(deposit, reason.Error()); err != nil {
		e.logger.Error("Failed to park deposit %s: %v", deposit.ID(), err)
	}
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for key := range e.jobs {
		e.mu.Lock()
		deposit, ok := e.pending[key]
		delete(e.pending, key)
		stopped := e.stopped
		metrics.DepositQueueSize.Set(float64(len(e.jobs)))
		e.mu.Unlock()

		if !ok {
			continue
		}
		if stopped {
			e.park(deposit, ErrStopped)
			continue
		}

		e.logger.Debug("Worker %d executing deposit %s", id, deposit.ID())
		if _, err := e.ExecuteDepositSwap(ctx, deposit); err != nil {
			e.logger.Error("Worker %d: deposit %s failed: %v", id, deposit.TransactionHash.Hex(), err)
		}
	}
	e.logger.Debug("Worker %d shutting down: channel closed", id)
}

// ExecuteDepositSwap runs one deposit through validation, routing, the gas guard and submission.
// Failures are recorded in the ledger and returned.
func (e *Executor) ExecuteDepositSwap(ctx context.Context, deposit models.DepositEvent) (models.SwapExecutionResult, error) {
	if err := e.acquire(deposit); err != nil {
		e.logger.Info("Deposit %s rejected: %v", deposit.TransactionHash.Hex(), err)
		return models.SwapExecutionResult{Success: false, Error: err.Error()}, err
	}
	return e.executeHeld(ctx, deposit)
}

// executeHeld runs a deposit whose key was acquired by the caller and releases it
func (e *Executor) executeHeld(ctx context.Context, deposit models.DepositEvent) (models.SwapExecutionResult, error) {
	defer e.release(deposit.Key())

	attempt := uuid.NewString()
	token, known := e.network.TokenByAddress(deposit.Token)

	if err := e.checkMinimum(deposit, token, known); err != nil {
		return e.fail(deposit, "unknown", attempt, err)
	}

	plannerType, ok := e.network.PlannerTypeFor(deposit.PlannerContract)
	if !ok {
		return e.fail(deposit, "unknown", attempt, &ValidationError{
			Reason: fmt.Sprintf("unknown planner contract %s", deposit.PlannerContract.Hex()),
		})
	}
	if !e.network.IsStable(deposit.Token) {
		return e.fail(deposit, plannerType.String(), attempt, &ValidationError{
			Reason: fmt.Sprintf("token %s is not a tracked stable", deposit.Token.Hex()),
		})
	}

	e.logger.Info("[%s] Executing %s deposit swap for %s: %s %s (tx %s)", attempt, plannerType,
		deposit.User.Hex(), decimal.NewFromBigInt(deposit.Amount, -int32(token.Decimals)).String(), token.Symbol,
		deposit.TransactionHash.Hex())

	start := time.Now()
	receipt, minOut, err := e.execute(ctx, deposit, plannerType)
	metrics.SwapExecutionTime.WithLabelValues(originDeposit).Observe(time.Since(start).Seconds())
	if err != nil {
		return e.fail(deposit, plannerType.String(), attempt, err)
	}
	e.markCompleted(deposit.ID())

	if _, err := e.storage.RemoveSuccessfulDeposit(deposit); err != nil {
		e.logger.Error("[%s] Failed to clear ledger entry %s: %v", attempt, deposit.ID(), err)
	}

	result := models.SwapExecutionResult{
		Success:         true,
		TransactionHash: receipt.TxHash.Hex(),
		GasUsed:         receipt.GasUsed,
	}
	if out := outputAmount(receipt, e.targetAddress(plannerType)); out != nil {
		result.OutputAmount = out.String()
	} else if minOut != nil {
		result.OutputAmount = minOut.String()
	}

	metrics.SwapsExecuted.WithLabelValues(originDeposit, plannerType.String(), "success").Inc()
	metrics.GasUsed.WithLabelValues(originDeposit).Observe(float64(receipt.GasUsed))
	e.logger.Notice("[%s] Deposit swap confirmed: tx %s, gas used %d, output %s",
		attempt, result.TransactionHash, result.GasUsed, result.OutputAmount)
	return result, nil
}

func (e *Executor) checkMinimum(deposit models.DepositEvent, token config.Token, known bool) error {
	if !known {
		return &ValidationError{Reason: fmt.Sprintf("unknown token %s", deposit.Token.Hex())}
	}
	if deposit.Amount == nil || deposit.Amount.Sign() <= 0 {
		return &ValidationError{Reason: "deposit amount is zero"}
	}
	amount := decimal.NewFromBigInt(deposit.Amount, -int32(token.Decimals))
	if amount.LessThan(e.opts.MinDepositAmount) {
		return &ValidationError{Reason: fmt.Sprintf("deposit amount %s %s below minimum %s",
			amount.String(), token.Symbol, e.opts.MinDepositAmount.String())}
	}
	return nil
}

// execute covers confirmation, routing, the gas guard and submission
func (e *Executor) execute(ctx context.Context, deposit models.DepositEvent, plannerType models.PlannerType) (*types.Receipt, *big.Int, error) {
	if e.breaker != nil && e.breaker.IsOpen() {
		return nil, nil, fmt.Errorf("submission paused: %w", circuitbreaker.ErrOpen)
	}

	if e.opts.Confirmations > 0 {
		confirmCtx, cancel := context.WithTimeout(ctx, e.opts.ConfirmationTimeout)
		err := e.chain.WaitForConfirmations(confirmCtx, deposit.TransactionHash, e.opts.Confirmations)
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("confirmation wait failed: %w", err)
		}
	}

	target, err := e.network.TargetToken(plannerType)
	if err != nil {
		return nil, nil, err
	}

	routeInfo, err := e.router.FindOptimalRoute(ctx, deposit.Token, target.Address, deposit.Amount)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find route: %w", err)
	}

	minOut, source, err := e.router.MinAmountOut(ctx, deposit.Token, target.Address, deposit.Amount, routeInfo.ExpectedOutput)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute minimum output: %w", err)
	}
	if ok, err := e.router.ValidateMinOut(ctx, deposit.Token, target.Address, deposit.Amount, minOut); err == nil && !ok {
		e.logger.Warn("Minimum output %s (%s) is below 95%% of the oracle expectation", minOut.String(), source)
	}

	gasPrice, err := e.chain.CheckGasPrice(ctx)
	if err != nil {
		return nil, nil, err
	}

	e.logger.Info("Submitting deposit swap: route multiHop=%t fee=%d minOut=%s (%s)",
		routeInfo.IsMultiHop, routeInfo.Fee, minOut.String(), source)
	receipt, err := e.chain.ExecuteDepositSwap(ctx, deposit.PlannerContract, deposit, minOut, routeInfo, gasPrice)
	if err != nil {
		return nil, nil, err
	}
	return receipt, minOut, nil
}

// fail records the failure in the ledger and builds the failed result
func (e *Executor) fail(deposit models.DepositEvent, planner, attempt string, err error) (models.SwapExecutionResult, error) {
	errorType := ClassifyError(err)
	metrics.ExecutionErrors.WithLabelValues(originDeposit, errorType).Inc()
	metrics.SwapsExecuted.WithLabelValues(originDeposit, planner, "failed").Inc()

	var saveErr error
	if IsValidation(err) {
		e.logger.Warn("[%s] Deposit %s rejected: %v", attempt, deposit.TransactionHash.Hex(), err)
		saveErr = e.storage.SavePermanentFailure(deposit, err.Error())
	} else {
		e.logger.Error("[%s] Deposit swap %s failed (%s): %v", attempt, deposit.TransactionHash.Hex(), errorType, err)
		saveErr = e.storage.SaveFailedDeposit(deposit, err.Error())
	}
	if saveErr != nil {
		e.logger.Error("[%s] Failed to record failed deposit %s: %v", attempt, deposit.ID(), saveErr)
	}

	return models.SwapExecutionResult{Success: false, Error: err.Error()}, err
}

func (e *Executor) acquire(deposit models.DepositEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.executedLocked(deposit.ID()) {
		return ErrAlreadyExecuted
	}
	key := deposit.Key()
	if _, busy := e.processing[key]; busy {
		return ErrAlreadyProcessing
	}
	e.processing[key] = deposit.TransactionHash
	return nil
}

func (e *Executor) release(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.processing, key)
}

// executedLocked reports whether the deposit identity already executed. Caller holds mu.
func (e *Executor) executedLocked(id string) bool {
	at, ok := e.completed[id]
	if !ok {
		return false
	}
	if e.now().Sub(at) > completedTTL {
		delete(e.completed, id)
		return false
	}
	return true
}

func (e *Executor) markCompleted(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if len(e.completed) >= completedMax {
		var oldestID string
		var oldest time.Time
		for cid, at := range e.completed {
			if now.Sub(at) > completedTTL {
				delete(e.completed, cid)
				continue
			}
			if oldestID == "" || at.Before(oldest) {
				oldestID, oldest = cid, at
			}
		}
		if len(e.completed) >= completedMax {
			delete(e.completed, oldestID)
		}
	}
	e.completed[id] = now
}

func (e *Executor) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func (e *Executor) targetAddress(pt models.PlannerType) common.Address {
	t, err := e.network.TargetToken(pt)
	if err != nil {
		return common.Address{}
	}
	return t.Address
}

// outputAmount sums the target token transfers of the receipt
func outputAmount(receipt *types.Receipt, target common.Address) *big.Int {
	if receipt == nil || target == (common.Address{}) {
		return nil
	}
	var total *big.Int
	for _, l := range receipt.Logs {
		if l.Address != target {
			continue
		}
		tr, err := contracts.ParseTransfer(*l)
		if err != nil {
			continue
		}
		if total == nil {
			total = new(big.Int)
		}
		total.Add(total, tr.Value)
	}
	return total
}

// RetryFailedDeposits replays every deposit the ledger reports as eligible, paced by the replay limiter.
// ctx only stops the sweep between replays; a replay that started runs to completion.
// It returns how many replays succeeded.
func (e *Executor) RetryFailedDeposits(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return 0, ErrStopped
	}
	e.sweeps.Add(1)
	e.mu.Unlock()
	defer e.sweeps.Done()

	deposits, err := e.storage.GetRetryableDeposits()
	if err != nil {
		return 0, fmt.Errorf("failed to load retryable deposits: %w", err)
	}
	if len(deposits) == 0 {
		return 0, nil
	}

	e.logger.Info("Retrying %d failed deposits", len(deposits))
	execCtx := context.WithoutCancel(ctx)
	succeeded := 0
	for _, fd := range deposits {
		if err := e.replay.Wait(ctx); err != nil {
			return succeeded, err
		}
		if e.isStopped() {
			return succeeded, ErrStopped
		}

		// a busy key keeps its attempt; an executed identity leaves the ledger
		if err := e.acquire(fd.DepositEvent); err != nil {
			if errors.Is(err, ErrAlreadyExecuted) {
				if _, err := e.storage.RemoveSuccessfulDeposit(fd.DepositEvent); err != nil {
					e.logger.Error("Failed to clear executed deposit %s: %v", fd.ID(), err)
				}
			}
			e.logger.Info("Skipping retry of %s: %v", fd.TransactionHash.Hex(), err)
			continue
		}

		if err := e.storage.MarkRetryAttempt(fd.DepositEvent); err != nil {
			e.release(fd.Key())
			e.logger.Error("Failed to mark retry of %s: %v", fd.ID(), err)
			continue
		}

		metrics.DepositsDetected.WithLabelValues(models.SourceRetry).Inc()
		e.logger.Info("Retrying deposit %s (attempt %d/%d, last error: %s)",
			fd.TransactionHash.Hex(), fd.RetryCount+1, storage.MaxRetries, fd.Error)
		if _, err := e.executeHeld(execCtx, fd.DepositEvent); err != nil {
			metrics.DepositRetries.WithLabelValues("failed").Inc()
			continue
		}
		metrics.DepositRetries.WithLabelValues("success").Inc()
		succeeded++
	}

	e.logger.Info("Retry sweep finished: %d/%d succeeded", succeeded, len(deposits))
	return succeeded, nil
}

// IsHealthy reports whether the signer can pay for gas and the RPC answers
func (e *Executor) IsHealthy(ctx context.Context) bool {
	balance, err := e.chain.Balance(ctx)
	if err != nil {
		e.logger.Error("Health check: failed to read balance: %v", err)
		return false
	}
	if balance.Cmp(minHealthyBalance) < 0 {
		e.logger.Warn("Health check: signer balance %s ETH is below 0.0001 ETH",
			decimal.NewFromBigInt(balance, -18).String())
		return false
	}
	if _, err := e.chain.BlockNumber(ctx); err != nil {
		e.logger.Error("Health check: failed to read block number: %v", err)
		return false
	}
	return true
}

// WalletInfo returns the signer address and balance
func (e *Executor) WalletInfo(ctx context.Context) (WalletInfo, error) {
	balance, err := e.chain.Balance(ctx)
	if err != nil {
		return WalletInfo{}, fmt.Errorf("failed to read balance: %w", err)
	}
	return WalletInfo{
		Address:    e.chain.Address().Hex(),
		BalanceETH: decimal.NewFromBigInt(balance, -18).StringFixed(6),
	}, nil
}

// Stats returns the sizes of the pending, processing and queued sets
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Pending: len(e.pending), Processing: len(e.processing), Queued: len(e.jobs)}
}
