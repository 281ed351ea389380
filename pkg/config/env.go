package config

import (
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
)

const (
	// DefaultNetwork is the network watched when NETWORK_NAME is unset
	DefaultNetwork = NetworkBase

	// DefaultSlippageBps is the tolerated slippage in basis points
	DefaultSlippageBps = 50

	// DefaultConfirmations is the number of confirmations awaited on a deposit
	DefaultConfirmations = 1

	// DefaultMaxGasPriceGwei is the gas price ceiling
	DefaultMaxGasPriceGwei = "20"

	// DefaultGasMultiplier is applied to the suggested gas price
	DefaultGasMultiplier = 1.1

	// DefaultGasLimitBufferPercent is added on top of gas estimates
	DefaultGasLimitBufferPercent = 20

	// DefaultPlanGasLimit is the worst-case gas used to check the signer balance before plan execution
	DefaultPlanGasLimit = 600000

	// DefaultSchedulerInterval defines the plan sweep interval in seconds
	DefaultSchedulerInterval = 30

	// MinSchedulerInterval is the lower bound of the plan sweep interval in seconds
	MinSchedulerInterval = 10

	// DefaultPlanBatchSize bounds concurrent plan executions
	DefaultPlanBatchSize = 3

	// DefaultPlanEventPollInterval is the plan event poll interval in seconds
	DefaultPlanEventPollInterval = 15

	// DefaultPlanDiscoveryBlocks is how far back startup discovery looks for PlanCreated events
	DefaultPlanDiscoveryBlocks = 10000

	// DefaultPlanDiscoveryBatchBlocks is the window size of one discovery query
	DefaultPlanDiscoveryBatchBlocks = 2000

	// DefaultMinDepositAmount is the smallest deposit worth executing, in token units
	DefaultMinDepositAmount = "0.1"

	// DefaultWorkerCount defines the default number of deposit workers
	DefaultWorkerCount = 3

	// DefaultDepositQueueSize bounds the deposit ingestion channel
	DefaultDepositQueueSize = 100

	// DefaultFailedDepositsFile is the retry ledger location
	DefaultFailedDepositsFile = "./failed_deposits.json"

	// DefaultRetrySweepSchedule is the cron schedule of the failed deposit retry sweep
	DefaultRetrySweepSchedule = "@every 1m"

	// DefaultRetryReplayDelay spaces out replays of failed deposits
	DefaultRetryReplayDelay = 2 * time.Second

	// DefaultFailedDepositMaxAge is the age after which ledger entries are purged
	DefaultFailedDepositMaxAge = 7 * 24 * time.Hour

	// DefaultPriceFeedURL is the Pyth Hermes endpoint
	DefaultPriceFeedURL = "https://hermes.pyth.network"

	// DefaultPriceCacheTTL is how long an oracle price is reused
	DefaultPriceCacheTTL = 30 * time.Second

	// DefaultWebhookPath is the route receiving address activity notifications
	DefaultWebhookPath = "/webhook/alchemy"

	// DefaultPort defines the default port for the HTTP server
	DefaultPort = "3001"

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of consecutive failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the counting window of the circuit breaker
	DefaultCircuitBreakerWindow = 60

	// DefaultCircuitBreakerReset defines how long the breaker stays open
	DefaultCircuitBreakerReset = 30

	// DefaultLogFile is where rotated logs are written
	DefaultLogFile = "./logs/watcher.log"
)

func getEnvInt(name string, def int, min int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", name, raw)
	}
	if v < min {
		return 0, fmt.Errorf("%s must be greater than or equal to %d", name, min)
	}
	return v, nil
}

func getEnvBool(name string, def bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}

	if raw == "true" {
		return true, nil
	} else if raw == "false" {
		return false, nil
	}

	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", name, raw)
}

func getEnvDuration(name string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", name, raw)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", name)
	}
	return parsed, nil
}

func getEnvAddress(name string, def common.Address) (common.Address, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}

	// Validate Ethereum address format
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s value: %s, must be a valid Ethereum address", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func getEnvURL(name string, def string) (string, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}

	// Validate URL format
	if _, err := url.ParseRequestURI(raw); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid URL", name, raw)
	}
	return raw, nil
}

// GetEnvNetwork returns the descriptor of the configured network, with endpoint and address overrides applied
func GetEnvNetwork() (Network, error) {
	name := os.Getenv("NETWORK_NAME")
	if name == "" {
		name = DefaultNetwork
	}

	network, err := GetNetwork(name)
	if err != nil {
		return Network{}, fmt.Errorf("invalid NETWORK_NAME value: %s, must be one of base, sepolia, mainnet", name)
	}

	if network.RPCHTTP, err = getEnvURL("RPC_HTTP_URL", network.RPCHTTP); err != nil {
		return Network{}, err
	}
	if network.RPCWS, err = getEnvURL("RPC_WS_URL", network.RPCWS); err != nil {
		return Network{}, err
	}
	if network.Contracts.ETHPlanner, err = getEnvAddress("ETH_PLANNER_ADDRESS", network.Contracts.ETHPlanner); err != nil {
		return Network{}, err
	}
	if network.Contracts.ERC20Planner, err = getEnvAddress("ERC20_PLANNER_ADDRESS", network.Contracts.ERC20Planner); err != nil {
		return Network{}, err
	}
	if network.Contracts.SwapRouter, err = getEnvAddress("UNISWAP_V3_ROUTER", network.Contracts.SwapRouter); err != nil {
		return Network{}, err
	}
	if network.Contracts.Quoter, err = getEnvAddress("UNISWAP_V3_QUOTER", network.Contracts.Quoter); err != nil {
		return Network{}, err
	}

	// token overrides, e.g. USDC_ADDRESS
	for sym, token := range network.Tokens {
		addr, err := getEnvAddress(sym+"_ADDRESS", token.Address)
		if err != nil {
			return Network{}, err
		}
		token.Address = addr
		network.Tokens[sym] = token
	}

	return network, nil
}

// GetEnvPrivateKey returns the signer private key without the 0x prefix
func GetEnvPrivateKey() string {
	return strings.TrimPrefix(strings.TrimSpace(os.Getenv("WATCHER_PRIVATE_KEY")), "0x")
}

// GetEnvSlippageBps returns the slippage tolerance in basis points
func GetEnvSlippageBps() (int, error) {
	bps, err := getEnvInt("SLIPPAGE_BPS", DefaultSlippageBps, 0)
	if err != nil {
		return 0, err
	}
	if bps > 10000 {
		return 0, fmt.Errorf("SLIPPAGE_BPS must be at most 10000")
	}
	return bps, nil
}

// GetEnvConfirmations returns the number of confirmations awaited on deposit transactions
func GetEnvConfirmations() (uint64, error) {
	c, err := getEnvInt("CONFIRMATIONS", DefaultConfirmations, 0)
	return uint64(c), err
}

// GetEnvMaxGasPrice returns the gas price ceiling in wei, configured in gwei
func GetEnvMaxGasPrice() (*big.Int, error) {
	raw := os.Getenv("MAX_GAS_PRICE_GWEI")
	if raw == "" {
		raw = DefaultMaxGasPriceGwei
	}

	gwei, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_GAS_PRICE_GWEI value: %s, must be a number", raw)
	}
	if !gwei.IsPositive() {
		return nil, fmt.Errorf("MAX_GAS_PRICE_GWEI must be greater than 0")
	}
	return gwei.Shift(9).BigInt(), nil
}

// GetEnvGasMultiplier returns the multiplier applied to the suggested gas price
func GetEnvGasMultiplier() (float64, error) {
	raw := os.Getenv("GAS_MULTIPLIER")
	if raw == "" {
		return DefaultGasMultiplier, nil
	}

	m, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid GAS_MULTIPLIER value: %s, must be a number", raw)
	}
	if m < 1 {
		return 0, fmt.Errorf("GAS_MULTIPLIER must be greater than or equal to 1")
	}
	return m, nil
}

// GetEnvSchedulerInterval returns the plan sweep interval, never below MinSchedulerInterval
func GetEnvSchedulerInterval() (time.Duration, error) {
	seconds, err := getEnvInt("SCHEDULER_INTERVAL_SECONDS", DefaultSchedulerInterval, 1)
	if err != nil {
		return 0, err
	}
	if seconds < MinSchedulerInterval {
		seconds = MinSchedulerInterval
	}
	return time.Duration(seconds) * time.Second, nil
}

// GetEnvPlanUsers returns the allow-list of plan owners to load at startup
func GetEnvPlanUsers() ([]common.Address, error) {
	raw := os.Getenv("PLAN_USERS")
	if raw == "" {
		return nil, nil
	}

	var users []common.Address
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("invalid PLAN_USERS entry: %s, must be a valid Ethereum address", part)
		}
		users = append(users, common.HexToAddress(part))
	}
	return users, nil
}

// GetEnvMinDepositAmount returns the per-deposit floor in token units
func GetEnvMinDepositAmount() (decimal.Decimal, error) {
	raw := os.Getenv("MIN_DEPOSIT_AMOUNT")
	if raw == "" {
		raw = DefaultMinDepositAmount
	}

	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid MIN_DEPOSIT_AMOUNT value: %s, must be a number", raw)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("MIN_DEPOSIT_AMOUNT must be greater than or equal to 0")
	}
	return amount, nil
}

// GetEnvPort returns the HTTP server port from environment variables
func GetEnvPort() (string, error) {
	port := os.Getenv("PORT")
	if port == "" {
		return DefaultPort, nil
	}

	// Validate port format
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid PORT value: %s, must be a valid integer", port)
	}
	return port, nil
}

// GetEnvWebhookPath returns the route receiving webhook notifications
func GetEnvWebhookPath() (string, error) {
	path := os.Getenv("WEBHOOK_PATH")
	if path == "" {
		return DefaultWebhookPath, nil
	}
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("invalid WEBHOOK_PATH value: %s, must start with '/'", path)
	}
	return path, nil
}

// GetEnvRetrySweepSchedule returns the cron schedule of the failed deposit sweep
func GetEnvRetrySweepSchedule() string {
	schedule := os.Getenv("RETRY_SWEEP_SCHEDULE")
	if schedule == "" {
		return DefaultRetrySweepSchedule
	}
	return schedule
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	raw := os.Getenv("LOG_LEVEL")
	level, err := logger.ParseLevel(raw)
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %s, must be one of debug, info, notice, warn, error", raw)
	}
	return level, nil
}

// GetEnvLogFile returns the rotated log file path, "none" disables file logging
func GetEnvLogFile() string {
	path := os.Getenv("LOG_FILE")
	switch path {
	case "":
		return DefaultLogFile
	case "none":
		return ""
	}
	return path
}

func getEnvString(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
