package wallet_test

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/halvards/moria-keeper/pkg/wallet"
)

const testKeyHex = "0000000000000000000000000000000000000000000000000000000000000001"

func TestFromHexDerivesP2PKH(t *testing.T) {
	w, err := wallet.FromHex(testKeyHex)
	require.NoError(t, err)

	script := w.LockingBytecode()
	require.Len(t, script, 25)
	require.EqualValues(t, 0x76, script[0]) // OP_DUP
	require.EqualValues(t, 0xa9, script[1]) // OP_HASH160
	require.EqualValues(t, 0x14, script[2])
	require.EqualValues(t, 0xac, script[24]) // OP_CHECKSIG

	pkh := w.PubKeyHash()
	require.Equal(t, pkh[:], script[3:23])
	require.Equal(t, btcutil.Hash160(w.PubKeyBytes()), pkh[:])
	require.True(t, w.Owns(script))
	require.False(t, w.Owns(script[:24]))
}

func TestFromWIFRoundTrip(t *testing.T) {
	w, err := wallet.FromHex(testKeyHex)
	require.NoError(t, err)

	wif, err := btcutil.NewWIF(w.PrivKey(), &chaincfg.MainNetParams, true)
	require.NoError(t, err)

	w2, err := wallet.FromWIF(wif.String())
	require.NoError(t, err)
	require.Equal(t, w.LockingBytecode(), w2.LockingBytecode())
}

func TestFromWIFRejectsGarbage(t *testing.T) {
	_, err := wallet.FromWIF("not-a-wif")
	require.Error(t, err)
}
