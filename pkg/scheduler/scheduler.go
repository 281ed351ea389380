// Package scheduler tracks recurring plans on both planner contracts and executes them when due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/contracts"
	"github.com/speedrun-hq/dca-watcher/pkg/executor"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/metrics"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
	"golang.org/x/sync/errgroup"
)

const originPlan = "plan"

// Plan event sources
const (
	SourceDiscovery = "discovery"
	SourcePoller    = "poller"
	SourceWebhook   = "webhook"
	SourceExecution = "execution"
)

// ErrInsufficientBalance is returned when the signer cannot cover the worst-case gas of a plan execution
var ErrInsufficientBalance = errors.New("insufficient balance for plan execution")

// Chain is the part of the chain client used by the scheduler
type Chain interface {
	Balance(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CheckGasPrice(ctx context.Context) (*big.Int, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Plan(ctx context.Context, planner, user common.Address) (models.Plan, error)
	ExecutePlan(ctx context.Context, planner, user common.Address, minOut *big.Int, route models.RouteInfo, gasPrice *big.Int) (*types.Receipt, error)
}

// Router computes the route and minimum output of a plan swap
type Router interface {
	FindOptimalRoute(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (models.RouteInfo, error)
	MinAmountOut(ctx context.Context, tokenIn, tokenOut common.Address, amountIn, quoted *big.Int) (*big.Int, string, error)
}

// Options configures discovery, polling and sweeping
type Options struct {
	Interval             time.Duration
	BatchSize            int
	EventPollInterval    time.Duration
	DiscoveryBlocks      uint64
	DiscoveryBatchBlocks uint64
	PlanGasLimit         uint64
	Users                []common.Address
}

// OptionsFromConfig derives the scheduler options from the service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:             cfg.Scheduler.Interval,
		BatchSize:            cfg.Scheduler.BatchSize,
		EventPollInterval:    cfg.Scheduler.EventPollInterval,
		DiscoveryBlocks:      cfg.Scheduler.DiscoveryBlocks,
		DiscoveryBatchBlocks: cfg.Scheduler.DiscoveryBatchBlocks,
		PlanGasLimit:         cfg.Scheduler.PlanGasLimit,
		Users:                cfg.Scheduler.Users,
	}
}

// SweepResult counts the outcome of one sweep
type SweepResult struct {
	Due       int `json:"due"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type trackedPlan struct {
	user        common.Address
	plannerType models.PlannerType
	plan        models.Plan
	executing   bool
}

// Scheduler owns the plan map. Entries are keyed by user and planner type.
type Scheduler struct {
	network config.Network
	chain   Chain
	router  Router
	opts    Options
	logger  logger.Logger
	now     func() time.Time

	mu      sync.Mutex
	plans   map[string]*trackedPlan
	cursor  uint64
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler
func New(network config.Network, chain Chain, router Router, opts Options, log logger.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Duration(config.DefaultSchedulerInterval) * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultPlanBatchSize
	}
	if opts.EventPollInterval <= 0 {
		opts.EventPollInterval = time.Duration(config.DefaultPlanEventPollInterval) * time.Second
	}
	if opts.DiscoveryBatchBlocks == 0 {
		opts.DiscoveryBatchBlocks = config.DefaultPlanDiscoveryBatchBlocks
	}
	if opts.PlanGasLimit == 0 {
		opts.PlanGasLimit = config.DefaultPlanGasLimit
	}

	return &Scheduler{
		network: network,
		chain:   chain,
		router:  router,
		opts:    opts,
		logger:  log,
		now:     time.Now,
		plans:   make(map[string]*trackedPlan),
	}
}

func planKey(user common.Address, pt models.PlannerType) string {
	return strings.ToLower(user.Hex()) + "-" + pt.String()
}

// Start discovers existing plans and launches the sweep and event poller
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read block number: %w", err)
	}
	if err := s.Discover(ctx, head); err != nil {
		s.logger.Error("Plan discovery incomplete: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cursor = head
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.sweepLoop(runCtx)
	go s.pollLoop(runCtx)

	s.logger.Info("Scheduler started: %d active plans, sweep every %s, polling events every %s",
		s.ActivePlansCount(), s.opts.Interval, s.opts.EventPollInterval)
	return nil
}

// Stop halts the sweep and the poller. Executions in flight finish first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// IsActive reports whether the sweep is running
func (s *Scheduler) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ActivePlansCount returns the number of tracked plans
func (s *Scheduler) ActivePlansCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans)
}

// ActivePlans lists the tracked plans, earliest execution first
func (s *Scheduler) ActivePlans() []models.ActivePlan {
	s.mu.Lock()
	tracked := make([]trackedPlan, 0, len(s.plans))
	for _, tp := range s.plans {
		tracked = append(tracked, *tp)
	}
	s.mu.Unlock()

	sort.Slice(tracked, func(i, j int) bool {
		if tracked[i].plan.NextExec == tracked[j].plan.NextExec {
			return planKey(tracked[i].user, tracked[i].plannerType) < planKey(tracked[j].user, tracked[j].plannerType)
		}
		return tracked[i].plan.NextExec < tracked[j].plan.NextExec
	})

	out := make([]models.ActivePlan, 0, len(tracked))
	for _, tp := range tracked {
		out = append(out, models.ActivePlan{
			User:          tp.user.Hex(),
			PlannerType:   tp.plannerType.String(),
			NextExecution: time.Unix(int64(tp.plan.NextExec), 0).UTC().Format(time.RFC3339),
			Amount:        amountString(tp.plan.Amount),
			Stable:        tp.plan.Stable.Hex(),
		})
	}
	return out
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// Discover loads the plans of every allow-listed user and of every user that created a plan
// within DiscoveryBlocks of head
func (s *Scheduler) Discover(ctx context.Context, head uint64) error {
	users := make(map[common.Address]struct{})
	for _, u := range s.opts.Users {
		users[u] = struct{}{}
	}

	var discoveryErr error
	if s.opts.DiscoveryBlocks > 0 {
		from := uint64(0)
		if head > s.opts.DiscoveryBlocks {
			from = head - s.opts.DiscoveryBlocks
		}
		logs, err := s.fetchLogs(ctx, from, head, []common.Hash{contracts.PlanCreatedTopic})
		if err != nil {
			discoveryErr = fmt.Errorf("failed to scan PlanCreated events: %w", err)
		}
		for _, l := range logs {
			if len(l.Topics) > 1 {
				users[common.BytesToAddress(l.Topics[1].Bytes())] = struct{}{}
			}
		}
	}

	s.logger.Info("Discovering plans of %d candidate users", len(users))
	for user := range users {
		for _, pt := range models.PlannerTypes {
			if err := s.refreshPlan(ctx, user, pt, SourceDiscovery); err != nil {
				s.logger.Error("Failed to load %s plan of %s: %v", pt, user.Hex(), err)
			}
		}
	}
	return discoveryErr
}

// refreshPlan reads a plan from its contract and tracks or forgets it
func (s *Scheduler) refreshPlan(ctx context.Context, user common.Address, pt models.PlannerType, source string) error {
	plan, err := s.chain.Plan(ctx, s.network.PlannerAddress(pt), user)
	if err != nil {
		return err
	}
	if plan.Active {
		s.upsert(user, pt, plan, source)
	} else {
		s.remove(user, pt, source)
	}
	return nil
}

func (s *Scheduler) upsert(user common.Address, pt models.PlannerType, plan models.Plan, source string) {
	key := planKey(user, pt)

	s.mu.Lock()
	if tp, ok := s.plans[key]; ok {
		tp.plan = plan
	} else {
		s.plans[key] = &trackedPlan{user: user, plannerType: pt, plan: plan}
		s.logger.Info("Tracking %s plan of %s, next execution %s (%s)", pt, user.Hex(),
			time.Unix(int64(plan.NextExec), 0).UTC().Format(time.RFC3339), source)
	}
	count := len(s.plans)
	s.mu.Unlock()

	metrics.ActivePlans.Set(float64(count))
}

func (s *Scheduler) remove(user common.Address, pt models.PlannerType, source string) {
	key := planKey(user, pt)

	s.mu.Lock()
	_, ok := s.plans[key]
	delete(s.plans, key)
	count := len(s.plans)
	s.mu.Unlock()

	if ok {
		s.logger.Info("Stopped tracking %s plan of %s (%s)", pt, user.Hex(), source)
	}
	metrics.ActivePlans.Set(float64(count))
}

// HandlePlanLog applies a planner event relayed by the webhook
func (s *Scheduler) HandlePlanLog(ctx context.Context, log types.Log) {
	s.applyLog(ctx, log, SourceWebhook)
}

// applyLog updates the plan map from one planner event
func (s *Scheduler) applyLog(ctx context.Context, log types.Log, source string) {
	if log.Removed || len(log.Topics) == 0 {
		return
	}
	pt, ok := s.network.PlannerTypeFor(log.Address)
	if !ok {
		return
	}
	filterer := contracts.NewPlannerFilterer(log.Address)

	switch log.Topics[0] {
	case contracts.PlanCreatedTopic:
		ev, err := filterer.ParsePlanCreated(log)
		if err != nil {
			s.logger.Error("Failed to parse PlanCreated in tx %s: %v", log.TxHash.Hex(), err)
			return
		}
		s.upsert(ev.User, pt, models.Plan{
			Stable:   ev.Stable,
			Amount:   ev.Amount,
			Interval: ev.Interval.Uint64(),
			NextExec: ev.FirstExecAt.Uint64(),
			Active:   true,
		}, source)
		metrics.PlanEvents.WithLabelValues("created", source).Inc()

	case contracts.PlanExecutedTopic:
		ev, err := filterer.ParsePlanExecuted(log)
		if err != nil {
			s.logger.Error("Failed to parse PlanExecuted in tx %s: %v", log.TxHash.Hex(), err)
			return
		}
		if !s.setNextExec(ev.User, pt, ev.NextExecAt.Uint64()) {
			if err := s.refreshPlan(ctx, ev.User, pt, source); err != nil {
				s.logger.Error("Failed to load %s plan of %s: %v", pt, ev.User.Hex(), err)
			}
		}
		metrics.PlanEvents.WithLabelValues("executed", source).Inc()

	case contracts.PlanCancelledTopic:
		ev, err := filterer.ParsePlanCancelled(log)
		if err != nil {
			s.logger.Error("Failed to parse PlanCancelled in tx %s: %v", log.TxHash.Hex(), err)
			return
		}
		s.remove(ev.User, pt, source)
		metrics.PlanEvents.WithLabelValues("cancelled", source).Inc()
	}
}

// setNextExec reports false when the plan is not tracked
func (s *Scheduler) setNextExec(user common.Address, pt models.PlannerType, next uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tp, ok := s.plans[planKey(user, pt)]
	if !ok {
		return false
	}
	tp.plan.NextExec = next
	return true
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.EventPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.PollEvents(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Plan event poll failed: %v", err)
			}
		}
	}
}

// PollEvents applies every planner event mined since the last poll
func (s *Scheduler) PollEvents(ctx context.Context) error {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to read block number: %w", err)
	}

	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()
	if head <= cursor {
		return nil
	}

	logs, err := s.fetchLogs(ctx, cursor+1, head, []common.Hash{
		contracts.PlanCreatedTopic, contracts.PlanExecutedTopic, contracts.PlanCancelledTopic,
	})
	if err != nil {
		return err
	}
	for _, l := range logs {
		s.applyLog(ctx, l, SourcePoller)
	}

	s.mu.Lock()
	if head > s.cursor {
		s.cursor = head
	}
	s.mu.Unlock()
	if len(logs) > 0 {
		s.logger.Debug("Applied %d plan events from blocks %d-%d", len(logs), cursor+1, head)
	}
	return nil
}

// fetchLogs queries planner events in windows of DiscoveryBatchBlocks, in block order
func (s *Scheduler) fetchLogs(ctx context.Context, from, to uint64, topics []common.Hash) ([]types.Log, error) {
	var out []types.Log
	for start := from; start <= to; start += s.opts.DiscoveryBatchBlocks {
		end := start + s.opts.DiscoveryBatchBlocks - 1
		if end > to {
			end = to
		}
		logs, err := s.filterWindow(ctx, start, end, topics)
		if err != nil {
			return out, err
		}
		out = append(out, logs...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber == out[j].BlockNumber {
			return out[i].Index < out[j].Index
		}
		return out[i].BlockNumber < out[j].BlockNumber
	})
	return out, nil
}

// filterWindow halves the range whenever the provider rejects it
func (s *Scheduler) filterWindow(ctx context.Context, from, to uint64, topics []common.Hash) ([]types.Log, error) {
	logs, err := s.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: s.network.Planners(),
		Topics:    [][]common.Hash{topics},
	})
	if err == nil {
		return logs, nil
	}
	if from >= to || ctx.Err() != nil {
		return nil, err
	}

	mid := from + (to-from)/2
	s.logger.Debug("Log query %d-%d rejected (%v), splitting at %d", from, to, err, mid)
	left, err := s.filterWindow(ctx, from, mid, topics)
	if err != nil {
		return nil, err
	}
	right, err := s.filterWindow(ctx, mid+1, to, topics)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// TriggerSweep runs a sweep on demand
func (s *Scheduler) TriggerSweep(ctx context.Context) SweepResult {
	s.logger.Info("Manual plan sweep requested")
	return s.Sweep(ctx)
}

// Sweep executes every due plan in batches of BatchSize.
// A failure leaves the plan due for the next sweep.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	due := s.claimDue()
	result := SweepResult{Due: len(due)}
	if len(due) == 0 {
		return result
	}
	s.logger.Info("Executing %d due plans", len(due))

	// submitted transactions are waited on even when the sweep is stopped
	execCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	for start := 0; start < len(due); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(due) {
			end = len(due)
		}
		if ctx.Err() != nil {
			for _, tp := range due[start:] {
				s.release(tp.user, tp.plannerType)
			}
			break
		}

		var g errgroup.Group
		for _, tp := range due[start:end] {
			tp := tp
			g.Go(func() error {
				err := s.executePlan(execCtx, tp)
				mu.Lock()
				if err != nil {
					result.Failed++
				} else {
					result.Succeeded++
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	s.logger.Info("Plan sweep finished: %d succeeded, %d failed", result.Succeeded, result.Failed)
	return result
}

// claimDue marks every due, idle plan as executing and returns snapshots of them
func (s *Scheduler) claimDue() []trackedPlan {
	now := uint64(s.now().Unix())

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []trackedPlan
	for _, tp := range s.plans {
		if tp.executing || tp.plan.NextExec > now {
			continue
		}
		tp.executing = true
		due = append(due, *tp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].plan.NextExec < due[j].plan.NextExec })
	return due
}

func (s *Scheduler) release(user common.Address, pt models.PlannerType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tp, ok := s.plans[planKey(user, pt)]; ok {
		tp.executing = false
	}
}

func (s *Scheduler) executePlan(ctx context.Context, tp trackedPlan) error {
	defer s.release(tp.user, tp.plannerType)

	start := time.Now()
	receipt, err := s.submitPlan(ctx, tp)
	metrics.SwapExecutionTime.WithLabelValues(originPlan).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ExecutionErrors.WithLabelValues(originPlan, executor.ClassifyError(err)).Inc()
		metrics.SwapsExecuted.WithLabelValues(originPlan, tp.plannerType.String(), "failed").Inc()
		s.logger.Error("Plan execution failed: user=%s planner=%s amount=%s: %v",
			tp.user.Hex(), tp.plannerType, amountString(tp.plan.Amount), err)
		return err
	}

	next, fromEvent := s.nextExecFrom(receipt, tp)
	s.setNextExec(tp.user, tp.plannerType, next)
	if fromEvent {
		metrics.PlanEvents.WithLabelValues("executed", SourceExecution).Inc()
	}

	metrics.SwapsExecuted.WithLabelValues(originPlan, tp.plannerType.String(), "success").Inc()
	metrics.GasUsed.WithLabelValues(originPlan).Observe(float64(receipt.GasUsed))
	s.logger.Notice("Executed %s plan of %s: tx %s, gas used %d, next execution %s",
		tp.plannerType, tp.user.Hex(), receipt.TxHash.Hex(), receipt.GasUsed,
		time.Unix(int64(next), 0).UTC().Format(time.RFC3339))
	return nil
}

func (s *Scheduler) submitPlan(ctx context.Context, tp trackedPlan) (*types.Receipt, error) {
	target, err := s.network.TargetToken(tp.plannerType)
	if err != nil {
		return nil, err
	}

	gasPrice, err := s.chain.CheckGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	balance, err := s.chain.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read signer balance: %w", err)
	}
	required := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(s.opts.PlanGasLimit))
	if balance.Cmp(required) < 0 {
		return nil, fmt.Errorf("%w: have %s wei, need %s wei", ErrInsufficientBalance, balance, required)
	}

	routeInfo, err := s.router.FindOptimalRoute(ctx, tp.plan.Stable, target.Address, tp.plan.Amount)
	if err != nil {
		return nil, fmt.Errorf("failed to find route: %w", err)
	}
	minOut, source, err := s.router.MinAmountOut(ctx, tp.plan.Stable, target.Address, tp.plan.Amount, routeInfo.ExpectedOutput)
	if err != nil {
		return nil, fmt.Errorf("failed to compute minimum output: %w", err)
	}

	s.logger.Info("Submitting %s plan of %s: multiHop=%t fee=%d minOut=%s (%s)",
		tp.plannerType, tp.user.Hex(), routeInfo.IsMultiHop, routeInfo.Fee, minOut.String(), source)
	return s.chain.ExecutePlan(ctx, s.network.PlannerAddress(tp.plannerType), tp.user, minOut, routeInfo, gasPrice)
}

// nextExecFrom reads nextExecAt from the receipt's PlanExecuted event, or projects one interval ahead
func (s *Scheduler) nextExecFrom(receipt *types.Receipt, tp trackedPlan) (uint64, bool) {
	planner := s.network.PlannerAddress(tp.plannerType)
	filterer := contracts.NewPlannerFilterer(planner)
	for _, l := range receipt.Logs {
		if l.Address != planner || len(l.Topics) == 0 || l.Topics[0] != contracts.PlanExecutedTopic {
			continue
		}
		ev, err := filterer.ParsePlanExecuted(*l)
		if err != nil || ev.User != tp.user {
			continue
		}
		return ev.NextExecAt.Uint64(), true
	}
	return uint64(s.now().Unix()) + tp.plan.Interval, false
}
