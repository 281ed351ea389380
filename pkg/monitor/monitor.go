// Package monitor detects planner deposits from a mined transaction websocket feed.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/contracts"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/metrics"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
)

const subscriptionMethod = "alchemy_minedTransactions"

var errSubscriptionRejected = errors.New("subscription rejected")

// ChainReader is the HTTP side of the node used for catch-up and receipt lookups
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Options tunes the connection lifecycle
type Options struct {
	// ReconnectDelay is multiplied by the attempt number
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	HandshakeTimeout     time.Duration
}

// DefaultOptions returns the production connection settings
func DefaultOptions() Options {
	return Options{
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 5,
		PingInterval:         25 * time.Second,
		HandshakeTimeout:     10 * time.Second,
	}
}

// EventMonitor holds one websocket subscription to mined transactions
// sent to either planner contract.
type EventMonitor struct {
	wsURL   string
	network config.Network
	chain   ChainReader
	opts    Options
	logger  logger.Logger

	mu       sync.Mutex
	running  bool
	conn     *websocket.Conn
	cancel   context.CancelFunc
	done     chan struct{}
	attempts int
}

// NewEventMonitor creates a monitor for the network's websocket endpoint
func NewEventMonitor(network config.Network, chain ChainReader, opts Options, log logger.Logger) *EventMonitor {
	return &EventMonitor{
		wsURL:   network.RPCWS,
		network: network,
		chain:   chain,
		opts:    opts,
		logger:  log,
	}
}

// Start connects, subscribes and hands every detected deposit to handler.
// The first connection must succeed, later drops are retried in the background.
func (m *EventMonitor) Start(ctx context.Context, handler models.DepositHandler) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.logger.Warn("Event monitoring is already running")
		return nil
	}
	m.mu.Unlock()

	m.logger.Info("Starting mined transaction monitoring on %s", m.network.Name)

	runCtx, cancel := context.WithCancel(ctx)
	conn, err := m.connect(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start event monitoring: %w", err)
	}

	m.mu.Lock()
	m.running = true
	m.conn = conn
	m.cancel = cancel
	m.attempts = 0
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	for _, t := range m.network.StableTokens() {
		m.logger.Info("Monitoring %s: %s", t.Symbol, t.Address.Hex())
	}
	m.logger.Info("ETH planner: %s, ERC20 planner: %s",
		m.network.Contracts.ETHPlanner.Hex(), m.network.Contracts.ERC20Planner.Hex())

	go m.run(runCtx, conn, handler, done)
	return nil
}

// Stop closes the socket and stops reconnecting
func (m *EventMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.logger.Info("Stopping event monitoring...")
	m.running = false
	conn, done := m.conn, m.done
	m.conn = nil
	m.attempts = 0
	m.cancel()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	<-done
	metrics.MonitorConnected.Set(0)
	m.logger.Info("Event monitoring stopped")
}

// IsRunning reports whether the monitor is connected or reconnecting
func (m *EventMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetLatestBlock returns the chain head
func (m *EventMonitor) GetLatestBlock(ctx context.Context) (uint64, error) {
	return m.chain.BlockNumber(ctx)
}

func (m *EventMonitor) run(ctx context.Context, conn *websocket.Conn, handler models.DepositHandler, done chan struct{}) {
	defer close(done)

	for {
		err := m.serve(ctx, conn, handler)
		if ctx.Err() != nil {
			return
		}
		metrics.MonitorConnected.Set(0)
		m.logger.Warn("Mined transaction websocket closed: %v", err)

		conn = m.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

// reconnect retries with a linearly growing delay and gives up after the attempt ceiling
func (m *EventMonitor) reconnect(ctx context.Context) *websocket.Conn {
	for {
		m.mu.Lock()
		if m.attempts >= m.opts.MaxReconnectAttempts {
			m.running = false
			m.conn = nil
			m.cancel()
			m.mu.Unlock()
			m.logger.Error("Giving up on the mined transaction feed after %d reconnect attempts", m.opts.MaxReconnectAttempts)
			return nil
		}
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		metrics.MonitorReconnects.Inc()
		delay := m.opts.ReconnectDelay * time.Duration(attempt)
		m.logger.Info("Attempting to reconnect (%d/%d) in %s", attempt, m.opts.MaxReconnectAttempts, delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		conn, err := m.connect(ctx)
		if err != nil {
			m.logger.Error("Reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		m.conn = conn
		m.attempts = 0
		m.mu.Unlock()
		return conn
	}
}

type subscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type addressFilter struct {
	To string `json:"to"`
}

type minedTxFilter struct {
	Addresses      []addressFilter `json:"addresses"`
	IncludeRemoved bool            `json:"includeRemoved"`
	HashesOnly     bool            `json:"hashesOnly"`
}

func (m *EventMonitor) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = m.opts.HandshakeTimeout

	conn, _, err := dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	sub := subscribeRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params: []interface{}{subscriptionMethod, minedTxFilter{
			Addresses: []addressFilter{
				{To: m.network.Contracts.ETHPlanner.Hex()},
				{To: m.network.Contracts.ERC20Planner.Hex()},
			},
			IncludeRemoved: false,
			HashesOnly:     false,
		}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	metrics.MonitorConnected.Set(1)
	m.logger.Info("Mined transaction websocket connected, subscribed to planner contracts")
	return conn, nil
}

// serve reads until the connection fails
func (m *EventMonitor) serve(ctx context.Context, conn *websocket.Conn, handler models.DepositHandler) error {
	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	readWindow := 2*m.opts.PingInterval + 5*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})
	go m.keepalive(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))

		if err := m.handleMessage(ctx, data, handler); err != nil {
			return err
		}
	}
}

// keepalive pings on an interval and closes the socket once ctx ends,
// which unblocks the reader
func (m *EventMonitor) keepalive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(m.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				m.logger.Debug("Ping failed: %v", err)
			}
		}
	}
}

type rpcMessage struct {
	ID     *int            `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type wsLog struct {
	Address         common.Address  `json:"address"`
	Topics          []common.Hash   `json:"topics"`
	Data            hexutil.Bytes   `json:"data"`
	BlockNumber     *hexutil.Uint64 `json:"blockNumber"`
	TransactionHash common.Hash     `json:"transactionHash"`
	LogIndex        *hexutil.Uint   `json:"logIndex"`
	Removed         bool            `json:"removed"`
}

type wsTransaction struct {
	Hash        common.Hash     `json:"hash"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	Logs        []wsLog         `json:"logs"`
}

// minedTransaction accepts both the nested {removed, transaction} shape
// and a flat transaction carrying its logs
type minedTransaction struct {
	Removed     bool           `json:"removed"`
	Transaction *wsTransaction `json:"transaction"`
	wsTransaction
}

func (m *EventMonitor) handleMessage(ctx context.Context, data []byte, handler models.DepositHandler) error {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Error("Error processing websocket message: %v", err)
		return nil
	}

	if msg.ID != nil {
		if msg.Error != nil {
			return fmt.Errorf("%w: %d %s", errSubscriptionRejected, msg.Error.Code, msg.Error.Message)
		}
		var id string
		_ = json.Unmarshal(msg.Result, &id)
		m.logger.Debug("Subscription confirmed: %s", id)
		return nil
	}

	if msg.Method != "eth_subscription" && msg.Method != subscriptionMethod {
		return nil
	}

	var mined minedTransaction
	if err := json.Unmarshal(msg.Params.Result, &mined); err != nil {
		m.logger.Error("Error decoding mined transaction: %v", err)
		return nil
	}
	if mined.Removed {
		return nil
	}

	tx := mined.wsTransaction
	if mined.Transaction != nil {
		tx = *mined.Transaction
	}
	m.processTransaction(ctx, tx, handler)
	return nil
}

func (m *EventMonitor) processTransaction(ctx context.Context, tx wsTransaction, handler models.DepositHandler) {
	logs := make([]types.Log, 0, len(tx.Logs))
	for _, l := range tx.Logs {
		logs = append(logs, l.toLog(tx))
	}

	// the feed may omit logs, the receipt has them
	if len(logs) == 0 && tx.Hash != (common.Hash{}) {
		receipt, err := m.chain.TransactionReceipt(ctx, tx.Hash)
		if err != nil {
			m.logger.Error("Failed to fetch receipt of %s: %v", tx.Hash.Hex(), err)
			return
		}
		for _, l := range receipt.Logs {
			logs = append(logs, *l)
		}
	}

	for _, l := range logs {
		deposit, ok := ParseDeposit(m.network, l)
		if !ok {
			continue
		}
		t, _ := m.network.TokenByAddress(deposit.Token)
		m.logger.Notice("%s deposit detected: %s from %s to %s (tx %s, block %d)",
			t.Symbol, decimal.NewFromBigInt(deposit.Amount, -int32(t.Decimals)).String(),
			deposit.User.Hex(), deposit.PlannerContract.Hex(), deposit.TransactionHash.Hex(), deposit.BlockNumber)
		metrics.DepositsDetected.WithLabelValues(models.SourceWebsocket).Inc()
		handler(ctx, models.SourceWebsocket, deposit)
	}
}

func (l wsLog) toLog(tx wsTransaction) types.Log {
	out := types.Log{
		Address: l.Address,
		Topics:  l.Topics,
		Data:    l.Data,
		TxHash:  l.TransactionHash,
		Removed: l.Removed,
	}
	if out.TxHash == (common.Hash{}) {
		out.TxHash = tx.Hash
	}
	switch {
	case l.BlockNumber != nil:
		out.BlockNumber = uint64(*l.BlockNumber)
	case tx.BlockNumber != nil:
		out.BlockNumber = uint64(*tx.BlockNumber)
	}
	if l.LogIndex != nil {
		out.Index = uint(*l.LogIndex)
	}
	return out
}

// GetHistoricalDeposits queries Transfer logs of every tracked stable into the planners.
// A zero toBlock means the latest block.
func (m *EventMonitor) GetHistoricalDeposits(ctx context.Context, fromBlock, toBlock uint64) ([]models.DepositEvent, error) {
	m.logger.Info("Fetching historical deposits from block %d to %d", fromBlock, toBlock)

	var to *big.Int
	if toBlock > 0 {
		to = new(big.Int).SetUint64(toBlock)
	}

	recipients := make([]common.Hash, 0, 2)
	for _, p := range m.network.Planners() {
		recipients = append(recipients, contracts.AddressTopic(p))
	}

	var deposits []models.DepositEvent
	for _, token := range m.network.StableTokens() {
		logs, err := m.chain.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   to,
			Addresses: []common.Address{token.Address},
			Topics:    [][]common.Hash{{contracts.TransferTopic}, nil, recipients},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s deposits: %w", token.Symbol, err)
		}
		for _, l := range logs {
			if d, ok := ParseDeposit(m.network, l); ok {
				deposits = append(deposits, d)
			}
		}
	}

	sort.SliceStable(deposits, func(i, j int) bool {
		return deposits[i].BlockNumber < deposits[j].BlockNumber
	})
	m.logger.Info("Found %d historical deposits", len(deposits))
	return deposits, nil
}
