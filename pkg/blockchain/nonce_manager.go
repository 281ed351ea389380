package blockchain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
)

// TransactionStatus represents the status of a transaction
type TransactionStatus int

const (
	// TxPending indicates transaction is pending
	TxPending TransactionStatus = iota
	// TxConfirmed indicates transaction is confirmed
	TxConfirmed
	// TxFailed indicates transaction has failed
	TxFailed
)

// resyncInterval forces a refresh from the node even when no failure was seen
const resyncInterval = 5 * time.Minute

// NonceSource returns the next nonce the node expects for an account
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// TransactionRecord tracks details about a transaction
type TransactionRecord struct {
	Hash      common.Hash
	Nonce     uint64
	CreatedAt time.Time
	Status    TransactionStatus
}

// NonceManager serializes nonce allocation for the single signing account.
// Deposit workers and the plan scheduler submit concurrently through it.
type NonceManager struct {
	source  NonceSource
	address common.Address
	logger  logger.Logger

	mu           sync.Mutex
	currentNonce uint64
	pendingTxs   map[uint64]*TransactionRecord
	released     []uint64
	lastSync     time.Time
	now          func() time.Time
}

// NewNonceManager creates a new nonce manager
func NewNonceManager(source NonceSource, address common.Address, log logger.Logger) *NonceManager {
	return &NonceManager{
		source:     source,
		address:    address,
		logger:     log,
		pendingTxs: make(map[uint64]*TransactionRecord),
		now:        time.Now,
	}
}

// GetNonce reserves and returns the next available nonce
func (nm *NonceManager) GetNonce(ctx context.Context) (uint64, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	// nothing reserved or in flight, the node is authoritative
	if nm.lastSync.IsZero() || len(nm.pendingTxs) == 0 || nm.now().Sub(nm.lastSync) > resyncInterval {
		if err := nm.syncLocked(ctx); err != nil {
			return 0, err
		}
	}

	var nonce uint64
	if len(nm.released) > 0 {
		nonce = nm.released[0]
		nm.released = nm.released[1:]
	} else {
		nonce = nm.currentNonce
		nm.currentNonce++
	}
	nm.pendingTxs[nonce] = &TransactionRecord{Nonce: nonce, CreatedAt: nm.now(), Status: TxPending}
	return nonce, nil
}

func (nm *NonceManager) syncLocked(ctx context.Context) error {
	nonce, err := nm.source.PendingNonceAt(ctx, nm.address)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %v", err)
	}
	if nonce != nm.currentNonce {
		nm.logger.Debug("Updating nonce: %d -> %d", nm.currentNonce, nonce)
	}
	// never step back while nonces are outstanding
	if len(nm.pendingTxs) == 0 {
		nm.currentNonce = nonce
		nm.released = nil
	} else if nonce > nm.currentNonce {
		nm.currentNonce = nonce
	}
	for len(nm.released) > 0 && nm.released[0] < nonce {
		nm.released = nm.released[1:]
	}
	nm.lastSync = nm.now()
	return nil
}

// TrackTransaction attaches the broadcast hash to a reserved nonce
func (nm *NonceManager) TrackTransaction(txHash common.Hash, nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.pendingTxs[nonce] = &TransactionRecord{
		Hash:      txHash,
		Nonce:     nonce,
		CreatedAt: nm.now(),
		Status:    TxPending,
	}
	nm.logger.Debug("Tracking transaction with nonce %d: %s", nonce, txHash.Hex())
}

// MarkTransactionConfirmed marks a transaction as mined
func (nm *NonceManager) MarkTransactionConfirmed(nonce uint64) bool {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	tx, exists := nm.pendingTxs[nonce]
	if !exists {
		nm.logger.Debug("No pending transaction found for nonce %d", nonce)
		return false
	}
	tx.Status = TxConfirmed
	delete(nm.pendingTxs, nonce)
	return true
}

// ReleaseNonce returns a nonce that was reserved but never broadcast.
// Released nonces are handed out again before new ones so no gap is left.
func (nm *NonceManager) ReleaseNonce(nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if _, exists := nm.pendingTxs[nonce]; !exists {
		return
	}
	delete(nm.pendingTxs, nonce)
	if nm.currentNonce == nonce+1 {
		nm.currentNonce = nonce
		return
	}
	i := sort.Search(len(nm.released), func(i int) bool { return nm.released[i] >= nonce })
	nm.released = append(nm.released, 0)
	copy(nm.released[i+1:], nm.released[i:])
	nm.released[i] = nonce
}

// MarkTransactionFailed drops a broadcast transaction that did not land
// and schedules a resync so the gap is detected from the node.
func (nm *NonceManager) MarkTransactionFailed(nonce uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if tx, exists := nm.pendingTxs[nonce]; exists {
		tx.Status = TxFailed
		nm.logger.Notice("Transaction with nonce %d failed: %s", nonce, tx.Hash.Hex())
		delete(nm.pendingTxs, nonce)
	}
	nm.lastSync = time.Time{}
}

// PendingCount returns the number of reserved or in-flight nonces
func (nm *NonceManager) PendingCount() int {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return len(nm.pendingTxs)
}
