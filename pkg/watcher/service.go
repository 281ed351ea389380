// Package watcher wires the deposit and plan execution components into one service.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/dca-watcher/pkg/chainclient"
	"github.com/speedrun-hq/dca-watcher/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/executor"
	"github.com/speedrun-hq/dca-watcher/pkg/health"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
	"github.com/speedrun-hq/dca-watcher/pkg/monitor"
	"github.com/speedrun-hq/dca-watcher/pkg/pricefeed"
	"github.com/speedrun-hq/dca-watcher/pkg/route"
	"github.com/speedrun-hq/dca-watcher/pkg/scheduler"
	"github.com/speedrun-hq/dca-watcher/pkg/storage"
	"github.com/speedrun-hq/dca-watcher/pkg/webhook"
)

const (
	gasSampleInterval = time.Minute
	shutdownTimeout   = 30 * time.Second
)

// StableChecker reads the deposit tokens a planner accepts
type StableChecker interface {
	AllowedStable(ctx context.Context, planner, token common.Address) (bool, error)
}

// checkAllowedStables lists the tracked stables that a planner refuses
func checkAllowedStables(ctx context.Context, network config.Network, chain StableChecker) ([]string, error) {
	var refused []string
	for _, pt := range models.PlannerTypes {
		planner := network.PlannerAddress(pt)
		for _, token := range network.StableTokens() {
			ok, err := chain.AllowedStable(ctx, planner, token.Address)
			if err != nil {
				return nil, fmt.Errorf("failed to read allowed stables of %s planner: %w", pt, err)
			}
			if !ok {
				refused = append(refused, fmt.Sprintf("%s on %s planner %s", token.Symbol, pt, planner.Hex()))
			}
		}
	}
	return refused, nil
}

// Service owns every component of the watcher
type Service struct {
	cfg    *config.Config
	logger logger.Logger

	chain      *chainclient.Client
	breakers   []*circuitbreaker.Breaker
	prices     *pricefeed.Client
	router     *route.Optimizer
	ledger     *storage.DepositStorage
	executor   *executor.Executor
	monitor    *monitor.EventMonitor
	webhook    *webhook.Service
	scheduler  *scheduler.Scheduler
	gasMonitor *chainclient.GasMonitor
	jobs       *Maintenance
	server     *health.Server
}

// NewService connects to the chain and builds the components
func NewService(ctx context.Context, cfg *config.Config, log logger.Logger) (*Service, error) {
	submitBreaker := circuitbreaker.New("submit", cfg.CircuitBreaker, log.Named(logger.Chain), nil)
	oracleBreaker := circuitbreaker.New("oracle", cfg.CircuitBreaker, log.Named(logger.Oracle), nil)

	chain, err := chainclient.New(ctx, cfg, submitBreaker, log.Named(logger.Chain))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", cfg.Network.Name, err)
	}

	ledger, err := storage.NewDepositStorage(cfg.Deposits.FailedDepositsFile, log.Named(logger.Storage))
	if err != nil {
		chain.Close()
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		logger:   log,
		chain:    chain,
		breakers: []*circuitbreaker.Breaker{submitBreaker, oracleBreaker},
		ledger:   ledger,
	}

	s.prices = pricefeed.New(cfg.PriceFeed, oracleBreaker, log.Named(logger.Oracle))
	s.router = route.NewOptimizer(cfg.Network, chain, s.prices, cfg.SlippageBps, log.Named(logger.Router))
	s.executor = executor.New(cfg.Network, chain, s.router, ledger, submitBreaker,
		executor.OptionsFromConfig(cfg), log.Named(logger.Executor))
	s.scheduler = scheduler.New(cfg.Network, chain, s.router,
		scheduler.OptionsFromConfig(cfg), log.Named(logger.Scheduler))
	s.monitor = monitor.NewEventMonitor(cfg.Network, chain, monitor.DefaultOptions(), log.Named(logger.Monitor))
	s.gasMonitor = chainclient.NewGasMonitor(ctx, chain, s.prices, cfg.Scheduler.PlanGasLimit,
		gasSampleInterval, log.Named(logger.Chain))
	s.jobs = NewMaintenance(s.executor, ledger, cfg.Deposits.RetrySweepSchedule, cfg.Deposits.MaxAge,
		log.Named(logger.Storage))

	opts := health.Options{
		Port:           cfg.Port,
		MetricsAPIKey:  cfg.MetricsAPIKey,
		WebhookPath:    cfg.Webhook.Path,
		ReplayDeposits: s.ReplayDeposits,
	}
	if cfg.Webhook.Enabled {
		s.webhook = webhook.NewService(cfg.Network, cfg.Webhook.Secret, log.Named(logger.Webhook))
		opts.Webhook = s.webhook.Handler(s.executor.HandleDeposit, s.scheduler.HandlePlanLog)
	}

	deps := health.Deps{
		Network:   cfg.Network,
		Executor:  s.executor,
		Scheduler: s.scheduler,
		Ledger:    ledger,
		Gas:       s.gasMonitor,
		Breakers:  s.breakers,
	}
	if cfg.EventMonitorEnabled {
		deps.Monitor = s.monitor
	}
	s.server = health.NewServer(deps, opts, log.Named(logger.HTTP))

	return s, nil
}

// validate refuses to start without chain access; a low balance is only reported
func (s *Service) validate(ctx context.Context) error {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("cannot read blocks from %s: %v", s.cfg.Network.Name, err)
	}

	wallet, err := s.executor.WalletInfo(ctx)
	if err != nil {
		return err
	}
	if !s.executor.IsHealthy(ctx) {
		s.logger.Warn("Signer %s balance %s ETH is too low to pay for swaps", wallet.Address, wallet.BalanceETH)
	}

	refused, err := checkAllowedStables(ctx, s.cfg.Network, s.chain)
	if err != nil {
		return err
	}
	for _, r := range refused {
		s.logger.Warn("Stable %s is not allowed, its deposits will revert", r)
	}

	s.logger.Info("Watching %s (chain %d) at block %d with signer %s (%s ETH)",
		s.cfg.Network.Name, s.cfg.Network.ChainID, head, wallet.Address, wallet.BalanceETH)
	s.logger.Info("ETH planner %s, ERC20 planner %s", s.cfg.Network.Contracts.ETHPlanner.Hex(),
		s.cfg.Network.Contracts.ERC20Planner.Hex())
	return nil
}

// Start launches every component
func (s *Service) Start(ctx context.Context) error {
	if err := s.validate(ctx); err != nil {
		return err
	}

	// executions are never cancelled mid-flight; Stop drains them
	s.executor.Start(context.WithoutCancel(ctx))

	go func() {
		_, err := s.executor.RetryFailedDeposits(ctx)
		if err != nil && !errors.Is(err, executor.ErrStopped) && ctx.Err() == nil {
			s.logger.Error("Startup retry of failed deposits failed: %v", err)
		}
	}()

	if s.cfg.EventMonitorEnabled {
		if err := s.monitor.Start(ctx, s.executor.HandleDeposit); err != nil {
			return fmt.Errorf("failed to start event monitor: %w", err)
		}
	}

	if err := s.scheduler.Start(ctx); err != nil {
		s.monitor.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.gasMonitor.Start()
	if err := s.jobs.Start(); err != nil {
		s.logger.Error("Invalid RETRY_SWEEP_INTERVAL %q, periodic retries disabled: %v", s.cfg.Deposits.RetrySweepSchedule, err)
	}
	go s.server.Start()

	s.logger.Notice("DCA watcher started (event monitor: %t, webhook: %t)", s.cfg.EventMonitorEnabled, s.cfg.Webhook.Enabled)
	return nil
}

// Run starts the service and blocks until ctx is cancelled, then shuts down
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.Close()
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop stops ingestion first, then waits for executions in flight
func (s *Service) Stop() {
	s.logger.Info("Shutting down")

	s.monitor.Stop()
	s.scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown: %v", err)
	}

	s.jobs.Stop()
	s.gasMonitor.Stop()
	s.executor.Stop()
	s.Close()
	s.logger.Notice("DCA watcher stopped")
}

// Close releases the chain connection
func (s *Service) Close() {
	s.chain.Close()
}

// ReplayDeposits queries the Transfer logs of a block range and hands every deposit to the executor.
// to == 0 means the latest block.
func (s *Service) ReplayDeposits(ctx context.Context, from, to uint64) (int, error) {
	deposits, err := s.monitor.GetHistoricalDeposits(ctx, from, to)
	if err != nil {
		return 0, err
	}
	for _, d := range deposits {
		s.executor.HandleDeposit(ctx, models.SourceHistorical, d)
	}
	s.logger.Info("Replayed %d deposits from blocks %d-%d", len(deposits), from, to)
	return len(deposits), nil
}
