// Package moria tracks the on-chain state of the Moria loan protocol: the
// minting authority covenant, the price oracle, and the open loan set.
package moria

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Protocol constants. The locking scripts are the deployed covenant
// bytecodes; the keeper derives everything else from chain state.
var (
	// MUSDCategory is the token category of the MUSD fungible token and
	// of the protocol NFTs (authority, loans).
	MUSDCategory = mustCategory("b38a33f750f84c5c169a6f23cb873e6e79605021585d4f3408f1c547f57f2e32")

	// OracleCategory is the token category of the price oracle NFT.
	OracleCategory = mustCategory("c0594bd4ef1d7c654e1f3e07ff21ddbaf4cc1497c2e9d0351dcccf0d3e1ccbe3")

	// MoriaLockingBytecode is the minting authority covenant.
	MoriaLockingBytecode = mustScript("aa20d3a015b7c2bb56b7e3f98a3e63e4446b31b127a8c8f1f1770d9e8b1e7b271a3f87")

	// OracleLockingBytecode holds the oracle message NFT.
	OracleLockingBytecode = mustScript("aa20587c9554a6e8b63c5a8e25d3e0d3a6e83e8d9e1fb8e1a3c2d34f9d0a1b2c3d4e87")

	// LoanLockingBytecode is the loan covenant every open CDP sits behind.
	LoanLockingBytecode = mustScript("aa20113e4c8f9a0b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f708192a3b4c5d6e7f8a987")
)

// DustLimit is the minimum output amount the network relays.
const DustLimit = 546

func mustCategory(s string) chainhash.Hash {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}
	return *h
}

func mustScript(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
