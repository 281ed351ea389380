package config

import (
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
)

// Config holds the configuration for the watcher service
type Config struct {
	Network    Network
	PrivateKey string

	SlippageBps           int
	Confirmations         uint64
	MaxGasPrice           *big.Int
	GasMultiplier         float64
	GasLimitBufferPercent int
	MinDepositAmount      decimal.Decimal

	Scheduler SchedulerConfig
	Deposits  DepositConfig
	PriceFeed PriceFeedConfig
	Webhook   WebhookConfig

	EventMonitorEnabled bool
	Port                string
	MetricsAPIKey       string

	CircuitBreaker CircuitBreakerConfig
	LoggerConfig   LoggerConfig
}

// SchedulerConfig holds the recurring plan settings
type SchedulerConfig struct {
	Interval             time.Duration
	BatchSize            int
	EventPollInterval    time.Duration
	DiscoveryBlocks      uint64
	DiscoveryBatchBlocks uint64
	PlanGasLimit         uint64
	Users                []common.Address
}

// DepositConfig holds the deposit execution and retry settings
type DepositConfig struct {
	WorkerCount        int
	QueueSize          int
	FailedDepositsFile string
	RetrySweepSchedule string
	RetryReplayDelay   time.Duration
	MaxAge             time.Duration
}

// PriceFeedConfig holds the oracle client settings
type PriceFeedConfig struct {
	URL      string
	CacheTTL time.Duration
}

// WebhookConfig holds the push ingestion settings
type WebhookConfig struct {
	Enabled bool
	Secret  string
	Path    string
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
	File     string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	network, err := GetEnvNetwork()
	if err != nil {
		return nil, err
	}

	slippage, err := GetEnvSlippageBps()
	if err != nil {
		return nil, err
	}

	confirmations, err := GetEnvConfirmations()
	if err != nil {
		return nil, err
	}

	maxGasPrice, err := GetEnvMaxGasPrice()
	if err != nil {
		return nil, err
	}

	gasMultiplier, err := GetEnvGasMultiplier()
	if err != nil {
		return nil, err
	}

	gasBuffer, err := getEnvInt("GAS_LIMIT_BUFFER_PERCENT", DefaultGasLimitBufferPercent, 0)
	if err != nil {
		return nil, err
	}

	minDeposit, err := GetEnvMinDepositAmount()
	if err != nil {
		return nil, err
	}

	schedulerInterval, err := GetEnvSchedulerInterval()
	if err != nil {
		return nil, err
	}

	batchSize, err := getEnvInt("PLAN_BATCH_SIZE", DefaultPlanBatchSize, 1)
	if err != nil {
		return nil, err
	}

	pollSeconds, err := getEnvInt("PLAN_EVENT_POLL_SECONDS", DefaultPlanEventPollInterval, 1)
	if err != nil {
		return nil, err
	}

	discoveryBlocks, err := getEnvInt("PLAN_DISCOVERY_BLOCKS", DefaultPlanDiscoveryBlocks, 0)
	if err != nil {
		return nil, err
	}

	discoveryBatch, err := getEnvInt("PLAN_DISCOVERY_BATCH_BLOCKS", DefaultPlanDiscoveryBatchBlocks, 1)
	if err != nil {
		return nil, err
	}

	planGasLimit, err := getEnvInt("PLAN_GAS_LIMIT", DefaultPlanGasLimit, 21000)
	if err != nil {
		return nil, err
	}

	planUsers, err := GetEnvPlanUsers()
	if err != nil {
		return nil, err
	}

	workerCount, err := getEnvInt("WORKER_COUNT", DefaultWorkerCount, 1)
	if err != nil {
		return nil, err
	}

	queueSize, err := getEnvInt("DEPOSIT_QUEUE_SIZE", DefaultDepositQueueSize, 1)
	if err != nil {
		return nil, err
	}

	replayDelay, err := getEnvDuration("RETRY_REPLAY_DELAY", DefaultRetryReplayDelay)
	if err != nil {
		return nil, err
	}

	maxAge, err := getEnvDuration("FAILED_DEPOSIT_MAX_AGE", DefaultFailedDepositMaxAge)
	if err != nil {
		return nil, err
	}

	priceFeedURL, err := getEnvURL("PRICE_FEED_URL", DefaultPriceFeedURL)
	if err != nil {
		return nil, err
	}

	priceCacheTTL, err := getEnvDuration("PRICE_CACHE_TTL", DefaultPriceCacheTTL)
	if err != nil {
		return nil, err
	}

	webhookEnabled, err := getEnvBool("WEBHOOK_ENABLED", false)
	if err != nil {
		return nil, err
	}

	webhookPath, err := GetEnvWebhookPath()
	if err != nil {
		return nil, err
	}

	monitorEnabled, err := getEnvBool("EVENT_MONITOR_ENABLED", true)
	if err != nil {
		return nil, err
	}

	port, err := GetEnvPort()
	if err != nil {
		return nil, err
	}

	cbEnabled, err := getEnvBool("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
	if err != nil {
		return nil, err
	}

	cbThreshold, err := getEnvInt("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold, 1)
	if err != nil {
		return nil, err
	}

	cbWindow, err := getEnvDuration("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow*time.Second)
	if err != nil {
		return nil, err
	}

	cbReset, err := getEnvDuration("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset*time.Second)
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := getEnvBool("LOG_COLORING", true)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Network:               network,
		PrivateKey:            GetEnvPrivateKey(),
		SlippageBps:           slippage,
		Confirmations:         confirmations,
		MaxGasPrice:           maxGasPrice,
		GasMultiplier:         gasMultiplier,
		GasLimitBufferPercent: gasBuffer,
		MinDepositAmount:      minDeposit,
		Scheduler: SchedulerConfig{
			Interval:             schedulerInterval,
			BatchSize:            batchSize,
			EventPollInterval:    time.Duration(pollSeconds) * time.Second,
			DiscoveryBlocks:      uint64(discoveryBlocks),
			DiscoveryBatchBlocks: uint64(discoveryBatch),
			PlanGasLimit:         uint64(planGasLimit),
			Users:                planUsers,
		},
		Deposits: DepositConfig{
			WorkerCount:        workerCount,
			QueueSize:          queueSize,
			FailedDepositsFile: getEnvString("FAILED_DEPOSITS_FILE", DefaultFailedDepositsFile),
			RetrySweepSchedule: GetEnvRetrySweepSchedule(),
			RetryReplayDelay:   replayDelay,
			MaxAge:             maxAge,
		},
		PriceFeed: PriceFeedConfig{
			URL:      priceFeedURL,
			CacheTTL: priceCacheTTL,
		},
		Webhook: WebhookConfig{
			Enabled: webhookEnabled,
			Secret:  getEnvString("WEBHOOK_SECRET", ""),
			Path:    webhookPath,
		},
		EventMonitorEnabled: monitorEnabled,
		Port:                port,
		MetricsAPIKey:       getEnvString("METRICS_API_KEY", ""),
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:        cbEnabled,
			Threshold:      cbThreshold,
			WindowDuration: cbWindow,
			ResetTimeout:   cbReset,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
			File:     GetEnvLogFile(),
		},
	}

	// Validate required environment variables
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.PrivateKey == "" {
		return fmt.Errorf("WATCHER_PRIVATE_KEY environment variable is required")
	}
	if _, err := crypto.HexToECDSA(cfg.PrivateKey); err != nil {
		return fmt.Errorf("WATCHER_PRIVATE_KEY is not a valid private key: %v", err)
	}
	if err := cfg.Network.ValidateAddresses(); err != nil {
		return err
	}
	if cfg.Network.RPCHTTP == "" {
		return fmt.Errorf("RPC_HTTP_URL for network %s is required", cfg.Network.Name)
	}
	if cfg.EventMonitorEnabled && cfg.Network.RPCWS == "" {
		return fmt.Errorf("RPC_WS_URL for network %s is required when the event monitor is enabled", cfg.Network.Name)
	}
	if !cfg.EventMonitorEnabled && !cfg.Webhook.Enabled {
		return fmt.Errorf("at least one of EVENT_MONITOR_ENABLED or WEBHOOK_ENABLED must be true")
	}
	return nil
}
