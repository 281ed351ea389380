package executor

import (
	"errors"
	"strings"

	"github.com/speedrun-hq/dca-watcher/pkg/chainclient"
	"github.com/speedrun-hq/dca-watcher/pkg/circuitbreaker"
)

var (
	// ErrAlreadyProcessing is returned when the deposit key has an execution in flight
	ErrAlreadyProcessing = errors.New("deposit already processing")

	// ErrAlreadyExecuted is returned for a deposit identity that already executed successfully
	ErrAlreadyExecuted = errors.New("deposit already executed")

	// ErrSuperseded is returned when a pending deposit with a newer block holds the key
	ErrSuperseded = errors.New("deposit superseded by a newer pending deposit")

	// ErrQueueFull is returned when the ingestion channel has no room
	ErrQueueFull = errors.New("deposit queue full")

	// ErrStopped is returned once the executor no longer accepts work
	ErrStopped = errors.New("executor stopped")

	// ErrGasPriceTooHigh is returned by the gas guard
	ErrGasPriceTooHigh = chainclient.ErrGasPriceTooHigh
)

// Error types reported in metrics and logs
const (
	ErrorTypeValidation        = "validation_error"
	ErrorTypeNetwork           = "network_error"
	ErrorTypeGas               = "gas_error"
	ErrorTypeNonce             = "nonce_error"
	ErrorTypeInsufficientFunds = "insufficient_funds"
	ErrorTypeContract          = "contract_error"
	ErrorTypeCircuitOpen       = "circuit_open"
	ErrorTypeUnknown           = "unknown_error"
)

// ValidationError marks a deposit that can never succeed with the same parameters
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid deposit: " + e.Reason
}

// IsValidation reports whether err is permanent for its input
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ClassifyError maps an execution error onto an error type
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if IsValidation(err) {
		return ErrorTypeValidation
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrorTypeCircuitOpen
	}
	if errors.Is(err, ErrGasPriceTooHigh) {
		return ErrorTypeGas
	}
	if errors.Is(err, chainclient.ErrTransactionReverted) {
		return ErrorTypeContract
	}

	errStr := strings.ToLower(err.Error())

	// Network/RPC errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "no response") ||
		strings.Contains(errStr, "eof") {
		return ErrorTypeNetwork
	}

	// Gas-related errors
	if strings.Contains(errStr, "gas required exceeds allowance") ||
		strings.Contains(errStr, "insufficient funds for gas") ||
		strings.Contains(errStr, "gas price too low") ||
		strings.Contains(errStr, "cannot estimate gas") ||
		strings.Contains(errStr, "unpredictable_gas_limit") ||
		strings.Contains(errStr, "failed to estimate gas") {
		return ErrorTypeGas
	}

	// Nonce-related errors
	if strings.Contains(errStr, "nonce too low") ||
		strings.Contains(errStr, "nonce too high") ||
		strings.Contains(errStr, "replacement transaction underpriced") {
		return ErrorTypeNonce
	}

	// Balance-related errors
	if strings.Contains(errStr, "insufficient balance") ||
		strings.Contains(errStr, "insufficient funds") {
		return ErrorTypeInsufficientFunds
	}

	// Contract errors
	if strings.Contains(errStr, "execution reverted") ||
		strings.Contains(errStr, "invalid opcode") ||
		strings.Contains(errStr, "out of gas") {
		return ErrorTypeContract
	}

	return ErrorTypeUnknown
}
