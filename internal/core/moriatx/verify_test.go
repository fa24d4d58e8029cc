package moriatx

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/moria"
)

// buildResult hand-assembles a one-in-one-out TxResult so Verify can be
// exercised on shapes the builders refuse to produce.
func buildResult(t *testing.T, spentToken, outToken uint64) *TxResult {
	t.Helper()
	script := []byte{0x51}

	spent := chain.UTXO{Output: chain.Output{
		LockingBytecode: script,
		Amount:          10_000,
		Token:           &chain.TokenData{Category: moria.MUSDCategory, Amount: spentToken},
	}}
	spent.Outpoint.TxHash[0] = 0x01

	out := chain.Output{
		LockingBytecode: script,
		Amount:          9_000,
		Token:           &chain.TokenData{Category: moria.MUSDCategory, Amount: outToken},
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: spent.Outpoint.TxHash, Index: spent.Outpoint.Index}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(out.Amount, append(out.Token.TokenPrefix(), out.LockingBytecode...)))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	txHash := tx.TxHash()

	return &TxResult{
		TxBin:  buf.Bytes(),
		TxHash: txHash,
		TxFee:  1_000,
		Payouts: []chain.UTXO{{
			Outpoint: chain.Outpoint{TxHash: txHash, Index: 0},
			Output:   out,
		}},
		spent: []chain.UTXO{spent},
	}
}

func TestVerifyTokenConservation(t *testing.T) {
	require.NoError(t, Verify(buildResult(t, 100, 100)))

	err := Verify(buildResult(t, 100, 200))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not conserved")

	err = Verify(buildResult(t, 100, 50))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not conserved")
}
