package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/speedrun-hq/dca-watcher/pkg/chainclient"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/contracts"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNow = 1_700_000_000

type fakeChain struct {
	mu        sync.Mutex
	head      uint64
	balance   *big.Int
	gasErr    error
	plans     map[string]models.Plan
	logs      []types.Log
	maxRange  uint64
	queries   [][2]uint64
	failUsers map[common.Address]bool
	nextExec  map[common.Address]uint64
	executed  []common.Address
	block     chan struct{}
	delay     time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		head:      1000,
		balance:   big.NewInt(1e18),
		plans:     map[string]models.Plan{},
		failUsers: map[common.Address]bool{},
		nextExec:  map[common.Address]uint64{},
	}
}

func fakePlanKey(planner, user common.Address) string {
	return planner.Hex() + "/" + user.Hex()
}

func (c *fakeChain) setPlan(planner, user common.Address, p models.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans[fakePlanKey(planner, user)] = p
}

func (c *fakeChain) Balance(context.Context) (*big.Int, error) { return c.balance, nil }

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) CheckGasPrice(context.Context) (*big.Int, error) {
	if c.gasErr != nil {
		return nil, c.gasErr
	}
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxRange > 0 && to-from+1 > c.maxRange {
		return nil, errors.New("query exceeds max block range")
	}
	c.queries = append(c.queries, [2]uint64{from, to})

	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber < from || l.BlockNumber > to {
			continue
		}
		if !containsAddress(q.Addresses, l.Address) || !containsHash(q.Topics[0], l.Topics[0]) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func (c *fakeChain) Plan(_ context.Context, planner, user common.Address) (models.Plan, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plans[fakePlanKey(planner, user)], nil
}

func (c *fakeChain) ExecutePlan(_ context.Context, planner, user common.Address, _ *big.Int, _ models.RouteInfo, _ *big.Int) (*types.Receipt, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		max := c.maxInFlight.Load()
		if n <= max || c.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	c.mu.Lock()
	c.executed = append(c.executed, user)
	block, fail := c.block, c.failUsers[user]
	next, emit := c.nextExec[user]
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	time.Sleep(c.delay)
	if fail {
		return nil, errors.New("execution reverted: plan not due")
	}

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0xabc"), GasUsed: 210_000}
	if emit {
		l := planExecutedLog(planner, user, next, 0)
		receipt.Logs = []*types.Log{&l}
	}
	return receipt, nil
}

func (c *fakeChain) executedUsers() []common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]common.Address(nil), c.executed...)
}

type fakeRouter struct{}

func (fakeRouter) FindOptimalRoute(context.Context, common.Address, common.Address, *big.Int) (models.RouteInfo, error) {
	return models.RouteInfo{Fee: 500, ExpectedOutput: big.NewInt(1000)}, nil
}

func (fakeRouter) MinAmountOut(context.Context, common.Address, common.Address, *big.Int, *big.Int) (*big.Int, string, error) {
	return big.NewInt(995), "quote", nil
}

func word(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func planCreatedLog(planner, user, stable common.Address, amount, interval, firstExec, block uint64) types.Log {
	data := append(append(word(amount), word(interval)...), word(firstExec)...)
	return types.Log{
		Address:     planner,
		Topics:      []common.Hash{contracts.PlanCreatedTopic, contracts.AddressTopic(user), contracts.AddressTopic(stable)},
		Data:        data,
		BlockNumber: block,
	}
}

func planExecutedLog(planner, user common.Address, nextExec, block uint64) types.Log {
	data := append(append(word(1_000_000), word(400)...), word(nextExec)...)
	return types.Log{
		Address:     planner,
		Topics:      []common.Hash{contracts.PlanExecutedTopic, contracts.AddressTopic(user), contracts.AddressTopic(common.Address{})},
		Data:        data,
		BlockNumber: block,
	}
}

func planCancelledLog(planner, user common.Address, block uint64) types.Log {
	return types.Log{
		Address:     planner,
		Topics:      []common.Hash{contracts.PlanCancelledTopic, contracts.AddressTopic(user)},
		BlockNumber: block,
	}
}

func testNetwork(t *testing.T) config.Network {
	t.Helper()
	n, err := config.GetNetwork(config.NetworkBase)
	require.NoError(t, err)
	return n
}

func newTestScheduler(t *testing.T, chain *fakeChain, opts Options) (*Scheduler, config.Network) {
	t.Helper()
	n := testNetwork(t)
	s := New(n, chain, fakeRouter{}, opts, &logger.EmptyLogger{})
	s.now = func() time.Time { return time.Unix(testNow, 0) }
	return s, n
}

func addr(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x1000 + i)))
}

func duePlan(n config.Network, nextExec uint64) models.Plan {
	return models.Plan{
		Stable:   n.Tokens[config.SymbolUSDC].Address,
		Amount:   big.NewInt(10_000_000),
		Interval: 3600,
		NextExec: nextExec,
		Active:   true,
	}
}

func TestDiscover(t *testing.T) {
	chain := newFakeChain()
	chain.head = 5000
	chain.maxRange = 600

	s, n := newTestScheduler(t, chain, Options{
		DiscoveryBlocks:      4000,
		DiscoveryBatchBlocks: 2000,
		Users:                []common.Address{addr(2)},
	})
	eth, erc20 := n.Contracts.ETHPlanner, n.Contracts.ERC20Planner
	usdc := n.Tokens[config.SymbolUSDC].Address

	chain.logs = []types.Log{
		planCreatedLog(eth, addr(1), usdc, 1, 60, 1, 1500),
		planCreatedLog(eth, addr(9), usdc, 1, 60, 1, 500),
	}
	chain.setPlan(eth, addr(1), duePlan(n, testNow+100))
	chain.setPlan(erc20, addr(2), duePlan(n, testNow+50))
	chain.setPlan(eth, addr(2), models.Plan{Active: false})
	chain.setPlan(eth, addr(9), duePlan(n, testNow+10))

	require.NoError(t, s.Discover(context.Background(), chain.head))

	plans := s.ActivePlans()
	require.Len(t, plans, 2)
	assert.Equal(t, addr(2).Hex(), plans[0].User)
	assert.Equal(t, models.PlannerERC20.String(), plans[0].PlannerType)
	assert.Equal(t, addr(1).Hex(), plans[1].User)
	assert.Equal(t, models.PlannerETH.String(), plans[1].PlannerType)
	assert.Equal(t, "10000000", plans[1].Amount)

	for _, q := range chain.queries {
		assert.LessOrEqual(t, q[1]-q[0]+1, uint64(600))
		assert.GreaterOrEqual(t, q[0], uint64(1000))
		assert.LessOrEqual(t, q[1], uint64(5000))
	}
}

func TestApplyPlanEvents(t *testing.T) {
	chain := newFakeChain()
	s, n := newTestScheduler(t, chain, Options{})
	ctx := context.Background()
	eth, erc20 := n.Contracts.ETHPlanner, n.Contracts.ERC20Planner
	usdc := n.Tokens[config.SymbolUSDC].Address

	s.HandlePlanLog(ctx, planCreatedLog(erc20, addr(1), usdc, 5_000_000, 86400, testNow+60, 10))
	require.Equal(t, 1, s.ActivePlansCount())
	tp := s.plans[planKey(addr(1), models.PlannerERC20)]
	require.NotNil(t, tp)
	assert.Equal(t, uint64(testNow+60), tp.plan.NextExec)
	assert.Equal(t, uint64(86400), tp.plan.Interval)
	assert.Equal(t, int64(5_000_000), tp.plan.Amount.Int64())

	s.HandlePlanLog(ctx, planExecutedLog(erc20, addr(1), testNow+86460, 11))
	assert.Equal(t, uint64(testNow+86460), tp.plan.NextExec)

	// an execution of an untracked plan is read through from the contract
	chain.setPlan(eth, addr(2), duePlan(n, testNow+500))
	s.HandlePlanLog(ctx, planExecutedLog(eth, addr(2), testNow+500, 12))
	assert.Equal(t, 2, s.ActivePlansCount())

	removed := planCancelledLog(erc20, addr(1), 13)
	removed.Removed = true
	s.HandlePlanLog(ctx, removed)
	assert.Equal(t, 2, s.ActivePlansCount())

	s.HandlePlanLog(ctx, planCancelledLog(common.HexToAddress("0xdead"), addr(1), 13))
	assert.Equal(t, 2, s.ActivePlansCount())

	s.HandlePlanLog(ctx, planCancelledLog(erc20, addr(1), 13))
	assert.Equal(t, 1, s.ActivePlansCount())
	assert.False(t, s.IsActive())
}

func TestPollEventsAdvancesCursor(t *testing.T) {
	chain := newFakeChain()
	s, n := newTestScheduler(t, chain, Options{DiscoveryBatchBlocks: 50})
	ctx := context.Background()
	eth := n.Contracts.ETHPlanner
	usdc := n.Tokens[config.SymbolUSDC].Address

	s.cursor = 100
	chain.head = 200
	chain.logs = []types.Log{
		planCreatedLog(eth, addr(1), usdc, 1, 60, testNow, 90),
		planCreatedLog(eth, addr(2), usdc, 1, 60, testNow, 150),
		planCreatedLog(eth, addr(3), usdc, 1, 60, testNow, 250),
		planCancelledLog(eth, addr(2), 260),
	}

	require.NoError(t, s.PollEvents(ctx))
	assert.Equal(t, uint64(200), s.cursor)
	assert.Equal(t, 1, s.ActivePlansCount())
	assert.Equal(t, [2]uint64{101, 150}, chain.queries[0])

	chain.mu.Lock()
	chain.head = 300
	chain.queries = nil
	chain.mu.Unlock()

	require.NoError(t, s.PollEvents(ctx))
	assert.Equal(t, uint64(300), s.cursor)
	assert.Equal(t, 1, s.ActivePlansCount())
	assert.NotNil(t, s.plans[planKey(addr(3), models.PlannerETH)])
	assert.Equal(t, [2]uint64{201, 250}, chain.queries[0])

	// nothing new
	require.NoError(t, s.PollEvents(ctx))
	assert.Equal(t, uint64(300), s.cursor)
}

func TestSweepBatchesAndSettles(t *testing.T) {
	chain := newFakeChain()
	chain.delay = 20 * time.Millisecond
	s, n := newTestScheduler(t, chain, Options{BatchSize: 2})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		s.upsert(addr(i), models.PlannerETH, duePlan(n, testNow-uint64(i)), SourceDiscovery)
	}
	s.upsert(addr(6), models.PlannerETH, duePlan(n, testNow+10), SourceDiscovery)
	chain.failUsers[addr(3)] = true
	chain.nextExec[addr(1)] = testNow + 7200

	res := s.Sweep(ctx)
	assert.Equal(t, SweepResult{Due: 5, Succeeded: 4, Failed: 1}, res)
	assert.Len(t, chain.executedUsers(), 5)
	assert.LessOrEqual(t, chain.maxInFlight.Load(), int32(2))
	assert.NotContains(t, chain.executedUsers(), addr(6))

	plan := func(i int) *trackedPlan { return s.plans[planKey(addr(i), models.PlannerETH)] }
	assert.Equal(t, uint64(testNow+7200), plan(1).plan.NextExec)
	assert.Equal(t, uint64(testNow+3600), plan(2).plan.NextExec)
	assert.Equal(t, uint64(testNow-3), plan(3).plan.NextExec)
	for i := 1; i <= 5; i++ {
		assert.False(t, plan(i).executing)
	}

	// the failed plan is picked up again by the next sweep
	res = s.Sweep(ctx)
	assert.Equal(t, SweepResult{Due: 1, Succeeded: 0, Failed: 1}, res)
}

func TestSweepBalanceAndGasGuards(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *fakeChain)
		wantErr error
	}{
		{
			name: "insufficient balance",
			setup: func(c *fakeChain) {
				// one wei short of 600000 gas at 1 gwei
				c.balance = new(big.Int).Sub(big.NewInt(600_000_000_000_000), big.NewInt(1))
			},
			wantErr: ErrInsufficientBalance,
		},
		{
			name: "gas price too high",
			setup: func(c *fakeChain) {
				c.gasErr = fmt.Errorf("%w: 40.00 gwei", chainclient.ErrGasPriceTooHigh)
			},
			wantErr: chainclient.ErrGasPriceTooHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain()
			tt.setup(chain)
			s, n := newTestScheduler(t, chain, Options{PlanGasLimit: 600_000})
			s.upsert(addr(1), models.PlannerERC20, duePlan(n, testNow-1), SourceDiscovery)

			due := s.claimDue()
			require.Len(t, due, 1)
			err := s.executePlan(context.Background(), due[0])
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, chain.executedUsers())
			assert.False(t, s.plans[planKey(addr(1), models.PlannerERC20)].executing)
		})
	}
}

func TestSweepSkipsExecutingPlans(t *testing.T) {
	chain := newFakeChain()
	chain.block = make(chan struct{})
	s, n := newTestScheduler(t, chain, Options{})
	s.upsert(addr(1), models.PlannerETH, duePlan(n, testNow-1), SourceDiscovery)

	done := make(chan SweepResult, 1)
	go func() { done <- s.Sweep(context.Background()) }()
	require.Eventually(t, func() bool { return chain.inFlight.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, SweepResult{}, s.TriggerSweep(context.Background()))

	close(chain.block)
	assert.Equal(t, SweepResult{Due: 1, Succeeded: 1}, <-done)
	assert.Len(t, chain.executedUsers(), 1)
}

func TestStartStop(t *testing.T) {
	chain := newFakeChain()
	s, n := newTestScheduler(t, chain, Options{
		Interval:          time.Hour,
		EventPollInterval: time.Hour,
		Users:             []common.Address{addr(1)},
	})
	chain.setPlan(n.Contracts.ETHPlanner, addr(1), duePlan(n, testNow+60))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsActive())
	assert.Equal(t, 1, s.ActivePlansCount())
	assert.Equal(t, uint64(1000), s.cursor)

	s.Stop()
	assert.False(t, s.IsActive())
	s.Stop()
}
