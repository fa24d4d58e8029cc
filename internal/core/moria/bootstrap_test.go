package moria_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/electrum"
	"github.com/halvards/moria-keeper/internal/core/moria"
	"github.com/halvards/moria-keeper/internal/core/tracker"
	"github.com/halvards/moria-keeper/internal/test/fakenode"
	"github.com/halvards/moria-keeper/pkg/txhelper"
	"github.com/halvards/moria-keeper/pkg/wallet"
)

// authorityTx builds the transaction that produced the current minting
// authority UTXO, with the owner pubkey as the trailing unlocking push.
func authorityTx(t *testing.T, ownerPubkey []byte) (*wire.MsgTx, string) {
	t.Helper()
	unlocking, err := txscript.NewScriptBuilder().
		AddData(bytes.Repeat([]byte{0x01}, 71)).
		AddData(ownerPubkey).
		Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, unlocking, nil))
	tx.AddTxOut(wire.NewTxOut(1000, moria.MoriaLockingBytecode))
	txHex, err := txhelper.ToHex(tx)
	require.NoError(t, err)
	return tx, txHex
}

func TestAggregatorBootstrapsOwnerKey(t *testing.T) {
	w, err := wallet.FromHex("0000000000000000000000000000000000000000000000000000000000000003")
	require.NoError(t, err)
	tx, txHex := authorityTx(t, w.PubKeyBytes())
	authorityTxid := tx.TxHash().String()

	msg := moria.OracleMessage{Sequence: 7, Timestamp: 1700000000, Price: 100_000}
	moriaSH := chain.ElectrumScriptHash(moria.MoriaLockingBytecode)
	oracleSH := chain.ElectrumScriptHash(moria.OracleLockingBytecode)

	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()

	srv.Handle("blockchain.scripthash.subscribe", func([]json.RawMessage) (any, error) {
		return "s0", nil
	})
	srv.Handle("blockchain.scripthash.listunspent", func(params []json.RawMessage) (any, error) {
		var scriptHash string
		require.NoError(t, json.Unmarshal(params[0], &scriptHash))
		switch scriptHash {
		case moriaSH:
			return []any{map[string]any{
				"tx_hash": authorityTxid, "tx_pos": 0, "height": 0, "value": 1000,
				"token_data": map[string]any{
					"category": moria.MUSDCategory.String(),
					"amount":   "1000000",
					"nft":      map[string]any{"capability": "minting", "commitment": ""},
				},
			}}, nil
		case oracleSH:
			return []any{map[string]any{
				"tx_hash": authorityTxid, "tx_pos": 1, "height": 0, "value": 2000,
				"token_data": map[string]any{
					"category": moria.OracleCategory.String(),
					"nft": map[string]any{
						"capability": "mutable",
						"commitment": hex.EncodeToString(msg.Encode()),
					},
				},
			}}, nil
		}
		return []any{}, nil
	})
	srv.Handle("token.contract.subscribe", func([]json.RawMessage) (any, error) {
		return map[string]any{"type": "initial", "utxos": []any{}}, nil
	})
	srv.Handle("blockchain.transaction.get", func([]json.RawMessage) (any, error) {
		return txHex, nil
	})

	cli := electrum.NewClient(electrum.Opts{Addr: srv.Addr(), PingEvery: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cli.Run(ctx)

	connected := cli.OnConnected().Subscribe()
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
	cli.OnConnected().UnSubscribe(connected)

	utxos := tracker.NewUTXOTracker(cli, zap.NewNop())
	contracts := tracker.NewContractTracker(cli, zap.NewNop())
	agg := moria.NewStateAggregator(cli, utxos, contracts, zap.NewNop())

	state, err := agg.Refresh(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.MoriaUTXO)
	require.Equal(t, msg, state.Oracle)

	require.Equal(t, w.PubKeyBytes(), agg.OwnerKey())
	require.Equal(t, 1, srv.Calls("blockchain.transaction.get"))

	// recovery happens once; further refreshes reuse the key
	_, err = agg.Refresh(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, srv.Calls("blockchain.transaction.get"))
}
