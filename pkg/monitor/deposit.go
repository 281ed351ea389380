package monitor

import (
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/contracts"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
)

// ParseDeposit turns a Transfer log of a tracked stable into a planner into a deposit.
// Any other log yields false.
func ParseDeposit(network config.Network, log types.Log) (models.DepositEvent, bool) {
	if log.Removed {
		return models.DepositEvent{}, false
	}
	transfer, err := contracts.ParseTransfer(log)
	if err != nil {
		return models.DepositEvent{}, false
	}
	if !network.IsStable(transfer.Token) {
		return models.DepositEvent{}, false
	}
	if _, ok := network.PlannerTypeFor(transfer.To); !ok {
		return models.DepositEvent{}, false
	}

	return models.DepositEvent{
		User:            transfer.From,
		Token:           transfer.Token,
		Amount:          transfer.Value,
		BlockNumber:     log.BlockNumber,
		TransactionHash: log.TxHash,
		PlannerContract: transfer.To,
	}, true
}
