package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	DepositsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_deposits_detected_total",
		Help: "Deposit notifications received by ingestion source",
	}, []string{"source"})

	DepositsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_deposits_dropped_total",
		Help: "Deposit notifications dropped before execution",
	}, []string{"reason"})

	DepositQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_deposit_queue_size",
		Help: "Deposits waiting for a worker",
	})

	SwapsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_swaps_executed_total",
		Help: "Swap executions by origin, planner type and status",
	}, []string{"origin", "planner", "status"})

	SwapExecutionTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dca_swap_execution_seconds",
		Help:    "Time taken from execution start to mined receipt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s with 10 buckets doubling in size
	}, []string{"origin"})

	GasUsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dca_gas_used",
		Help:    "Gas used by swap transactions",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10), // Start at 21000 with 10 buckets doubling in size
	}, []string{"origin"})

	GasPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_gas_price_gwei",
		Help: "Current gas price in gwei",
	})

	ExecutionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_execution_errors_total",
		Help: "Total number of execution errors by type",
	}, []string{"origin", "error_type"})

	FailedDeposits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dca_failed_deposits",
		Help: "Failed deposits in the retry ledger by state",
	}, []string{"state"})

	DepositRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_deposit_retries_total",
		Help: "Replays of failed deposits by outcome",
	}, []string{"status"})

	ActivePlans = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_active_plans",
		Help: "Recurring plans currently tracked",
	})

	PlanEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_plan_events_total",
		Help: "Plan lifecycle events applied to the plan cache",
	}, []string{"event", "source"})

	MonitorReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_monitor_reconnects_total",
		Help: "Reconnection attempts of the mined transaction subscription",
	})

	MonitorConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_monitor_connected",
		Help: "1 when the mined transaction subscription is open",
	})

	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_webhook_requests_total",
		Help: "Webhook deliveries by result",
	}, []string{"result"})

	OracleRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_oracle_requests_total",
		Help: "Price oracle lookups by symbol and result",
	}, []string{"symbol", "result"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dca_circuit_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	WalletBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_wallet_balance_eth",
		Help: "Native balance of the signing wallet",
	})

	ExecutionCostUSD = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_execution_cost_usd",
		Help: "Estimated USD cost of one plan execution at the current gas price",
	})
)
