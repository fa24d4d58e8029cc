package coinselect_test

import (
	"math/rand"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/coinselect"
	"github.com/halvards/moria-keeper/internal/core/moria"
)

func bchCoin(n byte, sats int64) chain.UTXO {
	u := chain.UTXO{Output: chain.Output{Amount: sats}}
	u.Outpoint.TxHash[0] = n
	return u
}

func tokenCoin(n byte, sats int64, category chainhash.Hash, amount uint64) chain.UTXO {
	u := bchCoin(n, sats)
	u.Output.Token = &chain.TokenData{Category: category, Amount: amount}
	return u
}

func TestSelectBCHPrefersLargest(t *testing.T) {
	coins := []chain.UTXO{bchCoin(1, 500), bchCoin(2, 10_000), bchCoin(3, 2_000)}
	res, err := coinselect.Select(coins, []coinselect.Requirement{{Amount: 9_000}}, coinselect.Opts{})
	require.NoError(t, err)
	require.Len(t, res.Coins, 1)
	require.EqualValues(t, 10_000, res.SatsTotal)
}

func TestSelectInsufficient(t *testing.T) {
	coins := []chain.UTXO{bchCoin(1, 500)}
	_, err := coinselect.Select(coins, []coinselect.Requirement{{Amount: 9_000}}, coinselect.Opts{})
	require.ErrorIs(t, err, coinselect.ErrInsufficientFunds)
}

func TestSelectTokenRequirement(t *testing.T) {
	coins := []chain.UTXO{
		tokenCoin(1, 800, moria.MUSDCategory, 300),
		tokenCoin(2, 800, moria.MUSDCategory, 700),
		bchCoin(3, 5_000),
	}
	cat := moria.MUSDCategory
	res, err := coinselect.Select(coins, []coinselect.Requirement{
		{Category: &cat, Amount: 900},
		{Amount: 2_000},
	}, coinselect.Opts{})
	require.NoError(t, err)
	require.Len(t, res.Coins, 3)
	require.EqualValues(t, 1000, res.TokenTotals[cat])
	require.GreaterOrEqual(t, res.SatsTotal, int64(2_000))
}

func TestSelectTokenSatsCountTowardBCH(t *testing.T) {
	coins := []chain.UTXO{tokenCoin(1, 5_000, moria.MUSDCategory, 100)}
	cat := moria.MUSDCategory
	res, err := coinselect.Select(coins, []coinselect.Requirement{
		{Category: &cat, Amount: 100},
		{Amount: 4_000},
	}, coinselect.Opts{})
	require.NoError(t, err)
	require.Len(t, res.Coins, 1)
}

func TestSelectSatsPrefersPureCoins(t *testing.T) {
	// the token coin carries more sats, but a pure coin that covers the
	// requirement must win so tokens never ride along as fee funding
	coins := []chain.UTXO{
		tokenCoin(1, 10_000, moria.MUSDCategory, 100),
		bchCoin(2, 5_000),
	}
	res, err := coinselect.Select(coins, []coinselect.Requirement{{Amount: 4_000}}, coinselect.Opts{})
	require.NoError(t, err)
	require.Len(t, res.Coins, 1)
	require.Nil(t, res.Coins[0].Output.Token)
	require.EqualValues(t, 5_000, res.SatsTotal)
}

func TestSelectSatsFallsBackToTokenCoins(t *testing.T) {
	coins := []chain.UTXO{
		tokenCoin(1, 10_000, moria.MUSDCategory, 100),
		bchCoin(2, 5_000),
	}
	res, err := coinselect.Select(coins, []coinselect.Requirement{{Amount: 12_000}}, coinselect.Opts{})
	require.NoError(t, err)
	require.Len(t, res.Coins, 2)
	require.EqualValues(t, 100, res.TokenTotals[moria.MUSDCategory])
}

func TestSelectPureBCHOnlySkipsTokenCoins(t *testing.T) {
	coins := []chain.UTXO{
		tokenCoin(1, 100_000, moria.MUSDCategory, 100),
		bchCoin(2, 3_000),
	}
	res, err := coinselect.Select(coins, []coinselect.Requirement{{Amount: 2_000}},
		coinselect.Opts{PureBCHOnly: true})
	require.NoError(t, err)
	require.Len(t, res.Coins, 1)
	require.Nil(t, res.Coins[0].Output.Token)
}

func TestSelectFixedAmountToken(t *testing.T) {
	cat := moria.MUSDCategory
	coins := []chain.UTXO{tokenCoin(1, 800, cat, 700)}

	res, err := coinselect.Select(coins, []coinselect.Requirement{
		{Category: &cat, Amount: 700, FixedAmount: true},
	}, coinselect.Opts{})
	require.NoError(t, err)
	require.EqualValues(t, 700, res.TokenTotals[cat])

	_, err = coinselect.Select(coins, []coinselect.Requirement{
		{Category: &cat, Amount: 500, FixedAmount: true},
	}, coinselect.Opts{})
	require.ErrorIs(t, err, coinselect.ErrInsufficientFunds)
}

func TestSelectMaxInputs(t *testing.T) {
	coins := []chain.UTXO{bchCoin(1, 1_000), bchCoin(2, 1_000), bchCoin(3, 1_000)}
	_, err := coinselect.Select(coins, []coinselect.Requirement{{Amount: 2_500}},
		coinselect.Opts{MaxInputs: 2})
	require.ErrorIs(t, err, coinselect.ErrInsufficientFunds)
}

func TestSelectDoesNotMutateInput(t *testing.T) {
	coins := []chain.UTXO{tokenCoin(1, 800, moria.MUSDCategory, 700)}
	cat := moria.MUSDCategory
	res, err := coinselect.Select(coins, []coinselect.Requirement{
		{Category: &cat, Amount: 700},
	}, coinselect.Opts{})
	require.NoError(t, err)

	res.Coins[0].Output.Token.Amount = 1
	require.EqualValues(t, 700, coins[0].Output.Token.Amount)
}

func TestSelectOrderInsensitive(t *testing.T) {
	cat := moria.MUSDCategory
	base := []chain.UTXO{
		bchCoin(1, 700),
		bchCoin(2, 4_000),
		tokenCoin(3, 546, cat, 250),
		tokenCoin(4, 546, cat, 900),
		bchCoin(5, 1_500),
	}
	reqs := []coinselect.Requirement{
		{Category: &cat, Amount: 1_000},
		{Amount: 3_000},
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		coins := append([]chain.UTXO(nil), base...)
		rng.Shuffle(len(coins), func(a, b int) { coins[a], coins[b] = coins[b], coins[a] })

		res, err := coinselect.Select(coins, reqs, coinselect.Opts{})
		require.NoError(t, err)
		require.GreaterOrEqual(t, res.TokenTotals[cat], uint64(1_000))
		require.GreaterOrEqual(t, res.SatsTotal, int64(3_000))
	}
}
