package contracts

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// PlannerABI is the ABI shared by the ETH and ERC20 planner contracts
const PlannerABI = `[
	{
		"inputs": [{"internalType": "address", "name": "user", "type": "address"}],
		"name": "plans",
		"outputs": [
			{"internalType": "address", "name": "stable", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "uint256", "name": "interval", "type": "uint256"},
			{"internalType": "uint256", "name": "nextExec", "type": "uint256"},
			{"internalType": "bool", "name": "active", "type": "bool"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "", "type": "address"}],
		"name": "allowedStable",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "user", "type": "address"},
			{"internalType": "uint256", "name": "minOut", "type": "uint256"},
			{"internalType": "bytes", "name": "path", "type": "bytes"}
		],
		"name": "executePlan",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "user", "type": "address"},
			{"internalType": "uint256", "name": "minOut", "type": "uint256"},
			{"internalType": "uint24", "name": "fee", "type": "uint24"}
		],
		"name": "executePlanSingleIn",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "user", "type": "address"},
			{"internalType": "address", "name": "stable", "type": "address"},
			{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"internalType": "uint256", "name": "minOut", "type": "uint256"},
			{"internalType": "bytes", "name": "path", "type": "bytes"}
		],
		"name": "executeDepositSwap",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "user", "type": "address"},
			{"internalType": "address", "name": "stable", "type": "address"},
			{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"internalType": "uint256", "name": "minOut", "type": "uint256"},
			{"internalType": "uint24", "name": "fee", "type": "uint24"}
		],
		"name": "executeDepositSwapSingleIn",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "user", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "stable", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "interval", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "firstExecAt", "type": "uint256"}
		],
		"name": "PlanCreated",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "user", "type": "address"}
		],
		"name": "PlanCancelled",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "user", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "stable", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "amountOut", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "nextExecAt", "type": "uint256"}
		],
		"name": "PlanExecuted",
		"type": "event"
	}
]`

var plannerABI = mustParseABI(PlannerABI)

// Event signatures emitted by the planner contracts
var (
	PlanCreatedTopic   = plannerABI.Events["PlanCreated"].ID
	PlanCancelledTopic = plannerABI.Events["PlanCancelled"].ID
	PlanExecutedTopic  = plannerABI.Events["PlanExecuted"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// PlannerPlan is the plan record returned by plans(user)
type PlannerPlan struct {
	Stable   common.Address
	Amount   *big.Int
	Interval *big.Int
	NextExec *big.Int
	Active   bool
}

// PlannerPlanCreated represents a PlanCreated event raised by a planner contract.
type PlannerPlanCreated struct {
	User        common.Address
	Stable      common.Address
	Amount      *big.Int
	Interval    *big.Int
	FirstExecAt *big.Int
	Raw         types.Log // Blockchain specific contextual infos
}

// PlannerPlanCancelled represents a PlanCancelled event raised by a planner contract.
type PlannerPlanCancelled struct {
	User common.Address
	Raw  types.Log // Blockchain specific contextual infos
}

// PlannerPlanExecuted represents a PlanExecuted event raised by a planner contract.
type PlannerPlanExecuted struct {
	User       common.Address
	Stable     common.Address
	AmountIn   *big.Int
	AmountOut  *big.Int
	NextExecAt *big.Int
	Raw        types.Log // Blockchain specific contextual infos
}

// Planner is a Go binding around a planner contract.
type Planner struct {
	PlannerCaller     // Read-only binding to the contract
	PlannerTransactor // Write-only binding to the contract
	PlannerFilterer   // Log filtering binding to the contract
}

// PlannerCaller is a read-only Go binding around a planner contract.
type PlannerCaller struct {
	contract *bind.BoundContract // Generic contract wrapper for the low level calls
}

// PlannerTransactor is a write-only Go binding around a planner contract.
type PlannerTransactor struct {
	contract *bind.BoundContract // Generic contract wrapper for the low level calls
}

// PlannerFilterer decodes planner contract events.
type PlannerFilterer struct {
	contract *bind.BoundContract // Generic contract wrapper for the low level calls
}

// NewPlanner creates a new instance of Planner, bound to a specific deployed contract.
func NewPlanner(address common.Address, backend bind.ContractBackend) (*Planner, error) {
	contract := bind.NewBoundContract(address, plannerABI, backend, backend, backend)
	return &Planner{
		PlannerCaller:     PlannerCaller{contract: contract},
		PlannerTransactor: PlannerTransactor{contract: contract},
		PlannerFilterer:   PlannerFilterer{contract: contract},
	}, nil
}

// Plans is a free data retrieval call binding the contract method plans(address user).
func (_Planner *PlannerCaller) Plans(opts *bind.CallOpts, user common.Address) (PlannerPlan, error) {
	var out []interface{}
	err := _Planner.contract.Call(opts, &out, "plans", user)
	if err != nil {
		return PlannerPlan{}, err
	}

	outstruct := PlannerPlan{
		Stable:   *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Amount:   *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		Interval: *abi.ConvertType(out[2], new(*big.Int)).(**big.Int),
		NextExec: *abi.ConvertType(out[3], new(*big.Int)).(**big.Int),
		Active:   *abi.ConvertType(out[4], new(bool)).(*bool),
	}
	return outstruct, nil
}

// AllowedStable is a free data retrieval call binding the contract method allowedStable(address).
func (_Planner *PlannerCaller) AllowedStable(opts *bind.CallOpts, token common.Address) (bool, error) {
	var out []interface{}
	err := _Planner.contract.Call(opts, &out, "allowedStable", token)
	if err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// ExecutePlan is a paid mutator transaction binding the contract method executePlan(address user, uint256 minOut, bytes path).
func (_Planner *PlannerTransactor) ExecutePlan(opts *bind.TransactOpts, user common.Address, minOut *big.Int, path []byte) (*types.Transaction, error) {
	return _Planner.contract.Transact(opts, "executePlan", user, minOut, path)
}

// ExecutePlanSingleIn is a paid mutator transaction binding the contract method executePlanSingleIn(address user, uint256 minOut, uint24 fee).
func (_Planner *PlannerTransactor) ExecutePlanSingleIn(opts *bind.TransactOpts, user common.Address, minOut *big.Int, fee *big.Int) (*types.Transaction, error) {
	return _Planner.contract.Transact(opts, "executePlanSingleIn", user, minOut, fee)
}

// ExecuteDepositSwap is a paid mutator transaction binding the contract method
// executeDepositSwap(address user, address stable, uint256 amountIn, uint256 minOut, bytes path).
func (_Planner *PlannerTransactor) ExecuteDepositSwap(opts *bind.TransactOpts, user common.Address, stable common.Address, amountIn *big.Int, minOut *big.Int, path []byte) (*types.Transaction, error) {
	return _Planner.contract.Transact(opts, "executeDepositSwap", user, stable, amountIn, minOut, path)
}

// ExecuteDepositSwapSingleIn is a paid mutator transaction binding the contract method
// executeDepositSwapSingleIn(address user, address stable, uint256 amountIn, uint256 minOut, uint24 fee).
func (_Planner *PlannerTransactor) ExecuteDepositSwapSingleIn(opts *bind.TransactOpts, user common.Address, stable common.Address, amountIn *big.Int, minOut *big.Int, fee *big.Int) (*types.Transaction, error) {
	return _Planner.contract.Transact(opts, "executeDepositSwapSingleIn", user, stable, amountIn, minOut, fee)
}

// ParsePlanCreated is a log parse operation binding the contract event PlanCreated.
func (_Planner *PlannerFilterer) ParsePlanCreated(log types.Log) (*PlannerPlanCreated, error) {
	event := new(PlannerPlanCreated)
	if err := _Planner.contract.UnpackLog(event, "PlanCreated", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParsePlanCancelled is a log parse operation binding the contract event PlanCancelled.
func (_Planner *PlannerFilterer) ParsePlanCancelled(log types.Log) (*PlannerPlanCancelled, error) {
	event := new(PlannerPlanCancelled)
	if err := _Planner.contract.UnpackLog(event, "PlanCancelled", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// ParsePlanExecuted is a log parse operation binding the contract event PlanExecuted.
func (_Planner *PlannerFilterer) ParsePlanExecuted(log types.Log) (*PlannerPlanExecuted, error) {
	event := new(PlannerPlanExecuted)
	if err := _Planner.contract.UnpackLog(event, "PlanExecuted", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// NewPlannerFilterer creates a log decoder that needs no backend.
func NewPlannerFilterer(address common.Address) *PlannerFilterer {
	return &PlannerFilterer{contract: bind.NewBoundContract(address, plannerABI, nil, nil, nil)}
}
