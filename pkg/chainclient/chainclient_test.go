package chainclient

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T, maxGasPrice *big.Int) (*simulated.Backend, *Client) {
	sim, signer := testutil.SetupSimulation(t)
	network, err := config.GetNetwork(config.NetworkBase)
	require.NoError(t, err)

	c, err := NewWithBackend(context.Background(), sim.Client(), signer.KeyHex, network, Options{
		GasMultiplier:         1.1,
		MaxGasPrice:           maxGasPrice,
		GasLimitBufferPercent: 20,
		ConfirmationPoll:      10 * time.Millisecond,
	}, &logger.EmptyLogger{})
	require.NoError(t, err)
	assert.Equal(t, signer.Address, c.Address())
	return sim, c
}

func transferFunc(c *Client, to common.Address) func(*bind.TransactOpts) (*types.Transaction, error) {
	return func(opts *bind.TransactOpts) (*types.Transaction, error) {
		gas := opts.GasLimit
		if gas == 0 {
			gas = 21000
		}
		tx := types.NewTransaction(opts.Nonce.Uint64(), to, big.NewInt(1), gas, opts.GasPrice, nil)
		signed, err := opts.Signer(opts.From, tx)
		if err != nil {
			return nil, err
		}
		if opts.NoSend {
			return signed, nil
		}
		return signed, c.Backend.SendTransaction(opts.Context, signed)
	}
}

func TestCheckGasPrice(t *testing.T) {
	t.Run("below ceiling", func(t *testing.T) {
		ceiling := testutil.CreateBigInt("1000000000000") // 1000 gwei
		_, c := setupClient(t, ceiling)

		price, err := c.CheckGasPrice(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, price.Sign())
		assert.LessOrEqual(t, price.Cmp(ceiling), 0)
	})

	t.Run("above ceiling", func(t *testing.T) {
		_, c := setupClient(t, big.NewInt(1))

		_, err := c.CheckGasPrice(context.Background())
		assert.ErrorIs(t, err, ErrGasPriceTooHigh)
		assert.ErrorContains(t, err, "gwei")
	})
}

func TestBalance(t *testing.T) {
	_, c := setupClient(t, nil)

	balance, err := c.Balance(context.Background())
	require.NoError(t, err)
	testutil.AssertBigIntEqual(t, testutil.CreateBigInt("10000000000000000000"), balance)
}

func TestSubmitBuffersGasLimit(t *testing.T) {
	sim, c := setupClient(t, testutil.CreateBigInt("1000000000000"))
	ctx := testutil.ContextWithTimeout(t)

	gasPrice, err := c.CheckGasPrice(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sim.Commit()
			}
		}
	}()

	receipt, err := c.submit(ctx, "transfer", gasPrice, transferFunc(c, testutil.GenerateAddress()))
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	tx, _, err := sim.Client().TransactionByHash(ctx, receipt.TxHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(25200), tx.Gas(), "21000 plus 20 percent")
	assert.Equal(t, 0, c.nonces.PendingCount())
}

func TestWaitForConfirmations(t *testing.T) {
	sim, c := setupClient(t, nil)
	ctx := testutil.ContextWithTimeout(t)

	gasPrice, err := c.CheckGasPrice(ctx)
	require.NoError(t, err)

	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, c.ChainID)
	require.NoError(t, err)
	auth.Context = ctx
	auth.Nonce = big.NewInt(0)
	auth.GasPrice = gasPrice
	tx, err := transferFunc(c, testutil.GenerateAddress())(auth)
	require.NoError(t, err)
	sim.Commit()

	require.NoError(t, c.WaitForConfirmations(ctx, tx.Hash(), 1))
	require.NoError(t, c.WaitForConfirmations(ctx, tx.Hash(), 0))

	go func() {
		time.Sleep(50 * time.Millisecond)
		sim.Commit()
		sim.Commit()
	}()
	require.NoError(t, c.WaitForConfirmations(ctx, tx.Hash(), 3))

	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err = c.WaitForConfirmations(shortCtx, common.HexToHash("0xdead"), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnknownPlanner(t *testing.T) {
	_, c := setupClient(t, nil)

	_, err := c.Plan(context.Background(), common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	assert.ErrorContains(t, err, "unknown planner contract")
}
