package models

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DepositEvent is a stable-token transfer from a user into a planner contract
type DepositEvent struct {
	User            common.Address
	Token           common.Address
	Amount          *big.Int
	BlockNumber     uint64
	TransactionHash common.Hash
	PlannerContract common.Address
}

// Key is the serialization key shared by every deposit of a user into a planner with one token
func (d DepositEvent) Key() string {
	return strings.ToLower(d.User.Hex() + "-" + d.Token.Hex() + "-" + d.PlannerContract.Hex())
}

// ID is the durable identity of the deposit, including its transaction
func (d DepositEvent) ID() string {
	return strings.ToLower(fmt.Sprintf("%s_%s_%s_%s",
		d.User.Hex(), d.Token.Hex(), d.PlannerContract.Hex(), d.TransactionHash.Hex()))
}

// Plan mirrors the plan record stored by a planner contract
type Plan struct {
	Stable   common.Address
	Amount   *big.Int
	Interval uint64
	NextExec uint64
	Active   bool
}

// RouteInfo describes how a swap traverses pools.
// Path is set for multi-hop routes, Fee for single-hop routes.
type RouteInfo struct {
	IsMultiHop     bool
	Path           []byte
	Fee            uint32
	ExpectedOutput *big.Int
	GasEstimate    uint64
}

// SwapExecutionResult is the outcome of one execution attempt
type SwapExecutionResult struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	OutputAmount    string `json:"outputAmount,omitempty"`
	GasUsed         uint64 `json:"gasUsed,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ActivePlan is the read-only view of a tracked plan
type ActivePlan struct {
	User          string `json:"user"`
	PlannerType   string `json:"plannerType"`
	NextExecution string `json:"nextExecution"`
	Amount        string `json:"amount"`
	Stable        string `json:"stable"`
}

// DepositHandler receives normalized deposits from an ingestion path
type DepositHandler func(ctx context.Context, source string, deposit DepositEvent)

// Deposit ingestion sources
const (
	SourceWebsocket  = "websocket"
	SourceWebhook    = "webhook"
	SourceHistorical = "historical"
	SourceRetry      = "retry"
)
