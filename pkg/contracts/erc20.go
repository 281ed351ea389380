package contracts

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is the keccak256 hash of Transfer(address,address,uint256)
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ErrNotTransfer is returned when a log is not an ERC-20 Transfer
var ErrNotTransfer = errors.New("log is not an ERC-20 Transfer")

// ERC20Transfer is a decoded Transfer event
type ERC20Transfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
	Raw   types.Log
}

// ParseTransfer decodes an ERC-20 Transfer log.
// ERC-721 transfers share the signature but index the token id, those are rejected.
func ParseTransfer(log types.Log) (*ERC20Transfer, error) {
	if len(log.Topics) != 3 || log.Topics[0] != TransferTopic {
		return nil, ErrNotTransfer
	}
	if len(log.Data) != 32 {
		return nil, ErrNotTransfer
	}
	return &ERC20Transfer{
		Token: log.Address,
		From:  common.BytesToAddress(log.Topics[1].Bytes()),
		To:    common.BytesToAddress(log.Topics[2].Bytes()),
		Value: new(big.Int).SetBytes(log.Data),
		Raw:   log,
	}, nil
}

// AddressTopic left-pads an address into a 32-byte topic
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}
