package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FailedDeposit is a deposit whose swap failed, kept for retry
type FailedDeposit struct {
	DepositEvent
	FailedAt    time.Time
	Error       string
	RetryCount  int
	LastRetryAt *time.Time
}

type failedDepositJSON struct {
	User            common.Address `json:"user"`
	Token           common.Address `json:"token"`
	Amount          string         `json:"amount"`
	BlockNumber     uint64         `json:"blockNumber"`
	TransactionHash common.Hash    `json:"transactionHash"`
	PlannerContract common.Address `json:"plannerContract"`
	FailedAt        int64          `json:"failedAt"`
	Error           string         `json:"error"`
	RetryCount      int            `json:"retryCount"`
	LastRetryAt     *int64         `json:"lastRetryAt,omitempty"`
}

// MarshalJSON writes amounts as decimal strings and timestamps as unix milliseconds
func (f FailedDeposit) MarshalJSON() ([]byte, error) {
	out := failedDepositJSON{
		User:            f.User,
		Token:           f.Token,
		Amount:          "0",
		BlockNumber:     f.BlockNumber,
		TransactionHash: f.TransactionHash,
		PlannerContract: f.PlannerContract,
		FailedAt:        f.FailedAt.UnixMilli(),
		Error:           f.Error,
		RetryCount:      f.RetryCount,
	}
	if f.Amount != nil {
		out.Amount = f.Amount.String()
	}
	if f.LastRetryAt != nil {
		ms := f.LastRetryAt.UnixMilli()
		out.LastRetryAt = &ms
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON
func (f *FailedDeposit) UnmarshalJSON(data []byte) error {
	var in failedDepositJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(in.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount %q", in.Amount)
	}
	*f = FailedDeposit{
		DepositEvent: DepositEvent{
			User:            in.User,
			Token:           in.Token,
			Amount:          amount,
			BlockNumber:     in.BlockNumber,
			TransactionHash: in.TransactionHash,
			PlannerContract: in.PlannerContract,
		},
		FailedAt:   time.UnixMilli(in.FailedAt),
		Error:      in.Error,
		RetryCount: in.RetryCount,
	}
	if in.LastRetryAt != nil {
		t := time.UnixMilli(*in.LastRetryAt)
		f.LastRetryAt = &t
	}
	return nil
}
