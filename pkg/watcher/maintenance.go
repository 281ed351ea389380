package watcher

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
)

const (
	cleanupSchedule = "@hourly"
	jobTimeout      = 5 * time.Minute
)

// RetrySweeper replays failed deposits
type RetrySweeper interface {
	RetryFailedDeposits(ctx context.Context) (int, error)
}

// LedgerCleaner drops old ledger records
type LedgerCleaner interface {
	CleanupOldFailedDeposits(maxAge time.Duration) (int, error)
}

// Maintenance runs the periodic ledger jobs
type Maintenance struct {
	cron          *cron.Cron
	retry         RetrySweeper
	ledger        LedgerCleaner
	retrySchedule string
	maxAge        time.Duration
	logger        logger.Logger
}

// NewMaintenance creates the job runner. An overlapping run of the same job is skipped.
func NewMaintenance(retry RetrySweeper, ledger LedgerCleaner, retrySchedule string, maxAge time.Duration, log logger.Logger) *Maintenance {
	return &Maintenance{
		cron:          cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		retry:         retry,
		ledger:        ledger,
		retrySchedule: retrySchedule,
		maxAge:        maxAge,
		logger:        log,
	}
}

// Start registers the jobs and starts the scheduler
func (m *Maintenance) Start() error {
	if _, err := m.cron.AddFunc(m.retrySchedule, m.runRetry); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc(cleanupSchedule, m.runCleanup); err != nil {
		return err
	}

	m.cron.Start()
	m.logger.Info("Maintenance jobs started: retry sweep %q, ledger cleanup %q", m.retrySchedule, cleanupSchedule)
	return nil
}

// Stop waits for running jobs to finish
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("Maintenance jobs stopped")
}

func (m *Maintenance) runRetry() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := m.retry.RetryFailedDeposits(ctx)
	if err != nil {
		m.logger.Error("Failed deposit retry sweep failed: %v", err)
		return
	}
	if n > 0 {
		m.logger.Info("Retry sweep recovered %d deposits", n)
	}
}

func (m *Maintenance) runCleanup() {
	n, err := m.ledger.CleanupOldFailedDeposits(m.maxAge)
	if err != nil {
		m.logger.Error("Failed deposit cleanup failed: %v", err)
		return
	}
	if n > 0 {
		m.logger.Info("Removed %d failed deposits older than %s", n, m.maxAge)
	}
}
