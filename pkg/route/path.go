package route

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	addrSize = common.AddressLength
	feeSize  = 3
	hopSize  = addrSize + feeSize
)

// EncodePath packs a Uniswap V3 path as token | fee | token | fee | ... | token
// with every fee as a 3-byte big-endian uint24.
func EncodePath(tokens []common.Address, fees []uint32) ([]byte, error) {
	if len(tokens) < 2 {
		return nil, fmt.Errorf("path needs at least two tokens, got %d", len(tokens))
	}
	if len(fees) != len(tokens)-1 {
		return nil, fmt.Errorf("path with %d tokens needs %d fees, got %d", len(tokens), len(tokens)-1, len(fees))
	}

	path := make([]byte, 0, addrSize+len(fees)*hopSize)
	path = append(path, tokens[0].Bytes()...)
	for i, fee := range fees {
		if fee >= 1<<24 {
			return nil, fmt.Errorf("fee %d does not fit in uint24", fee)
		}
		path = append(path, byte(fee>>16), byte(fee>>8), byte(fee))
		path = append(path, tokens[i+1].Bytes()...)
	}
	return path, nil
}

// DecodePath splits an encoded path back into its tokens and fees
func DecodePath(path []byte) ([]common.Address, []uint32, error) {
	if len(path) < addrSize+hopSize || (len(path)-addrSize)%hopSize != 0 {
		return nil, nil, fmt.Errorf("invalid path length %d", len(path))
	}

	tokens := []common.Address{common.BytesToAddress(path[:addrSize])}
	var fees []uint32
	for off := addrSize; off < len(path); off += hopSize {
		fee := uint32(path[off])<<16 | uint32(path[off+1])<<8 | uint32(path[off+2])
		fees = append(fees, fee)
		tokens = append(tokens, common.BytesToAddress(path[off+feeSize:off+hopSize]))
	}
	return tokens, fees, nil
}
