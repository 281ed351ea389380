package webhook

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// AddressActivityWebhook is the Alchemy ADDRESS_ACTIVITY payload
type AddressActivityWebhook struct {
	WebhookID string        `json:"webhookId"`
	ID        string        `json:"id"`
	CreatedAt string        `json:"createdAt"`
	Type      string        `json:"type"`
	Event     ActivityEvent `json:"event"`
}

// ActivityEvent wraps the activity list
type ActivityEvent struct {
	Network  string     `json:"network"`
	Activity []Activity `json:"activity"`
}

// Activity is one transfer or log touching a watched address.
// Value is human readable, RawContract.RawValue is the hex amount in smallest units.
type Activity struct {
	FromAddress string           `json:"fromAddress"`
	ToAddress   string           `json:"toAddress"`
	BlockNum    string           `json:"blockNum"`
	Hash        string           `json:"hash"`
	Value       *decimal.Decimal `json:"value"`
	Asset       string           `json:"asset"`
	Category    string           `json:"category"`
	RawContract RawContract      `json:"rawContract"`
	Log         *ActivityLog     `json:"log,omitempty"`
}

// RawContract identifies the token of a transfer activity
type RawContract struct {
	RawValue string `json:"rawValue"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

// ActivityLog is the raw log attached to an activity
type ActivityLog struct {
	Address         common.Address  `json:"address"`
	Topics          []common.Hash   `json:"topics"`
	Data            hexutil.Bytes   `json:"data"`
	BlockNumber     *hexutil.Uint64 `json:"blockNumber"`
	TransactionHash common.Hash     `json:"transactionHash"`
	LogIndex        *hexutil.Uint   `json:"logIndex"`
	Removed         bool            `json:"removed"`
}

// ToLog converts the payload log into a go-ethereum log
func (l ActivityLog) ToLog() types.Log {
	out := types.Log{
		Address: l.Address,
		Topics:  l.Topics,
		Data:    l.Data,
		TxHash:  l.TransactionHash,
		Removed: l.Removed,
	}
	if l.BlockNumber != nil {
		out.BlockNumber = uint64(*l.BlockNumber)
	}
	if l.LogIndex != nil {
		out.Index = uint(*l.LogIndex)
	}
	return out
}
