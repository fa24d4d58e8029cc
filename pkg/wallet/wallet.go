// Package wallet holds the keeper's in-memory signing keys. Keys come
// in as WIF strings from configuration and never leave the process.
package wallet

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"
)

// Wallet is a single compressed-key P2PKH wallet.
type Wallet struct {
	wif             *btcutil.WIF
	pubKeyBytes     []byte
	pubKeyHash      [20]byte
	lockingBytecode []byte
}

// FromWIF decodes a mainnet WIF private key. Uncompressed keys are
// rejected: the covenant unlock template assumes 33-byte pubkey pushes.
func FromWIF(s string) (*Wallet, error) {
	wif, err := btcutil.DecodeWIF(s)
	if err != nil {
		return nil, errors.Wrap(err, "error decoding wif")
	}
	if !wif.IsForNet(&chaincfg.MainNetParams) {
		return nil, errors.New("wif is not for mainnet")
	}
	if !wif.CompressPubKey {
		return nil, errors.New("uncompressed wif keys are not supported")
	}
	return fromKey(wif)
}

// FromHex decodes a raw hex private key, for tests and tooling.
func FromHex(s string) (*Wallet, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "error decoding private key hex")
	}
	key, _ := btcec.PrivKeyFromBytes(raw)
	wif, err := btcutil.NewWIF(key, &chaincfg.MainNetParams, true)
	if err != nil {
		return nil, err
	}
	return fromKey(wif)
}

func fromKey(wif *btcutil.WIF) (*Wallet, error) {
	w := &Wallet{
		wif:         wif,
		pubKeyBytes: wif.PrivKey.PubKey().SerializeCompressed(),
	}
	copy(w.pubKeyHash[:], btcutil.Hash160(w.pubKeyBytes))

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(w.pubKeyHash[:]).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, errors.Wrap(err, "error building locking bytecode")
	}
	w.lockingBytecode = script
	return w, nil
}

func (w *Wallet) PrivKey() *btcec.PrivateKey {
	return w.wif.PrivKey
}

// PubKeyBytes returns the 33-byte compressed pubkey.
func (w *Wallet) PubKeyBytes() []byte {
	return append([]byte(nil), w.pubKeyBytes...)
}

func (w *Wallet) PubKeyHash() [20]byte {
	return w.pubKeyHash
}

// LockingBytecode returns the wallet's P2PKH locking script.
func (w *Wallet) LockingBytecode() []byte {
	return append([]byte(nil), w.lockingBytecode...)
}

// Owns reports whether the script pays to this wallet.
func (w *Wallet) Owns(lockingBytecode []byte) bool {
	return bytes.Equal(w.lockingBytecode, lockingBytecode)
}
