package moria

import (
	"context"
	"encoding/json"

	"github.com/btcsuite/btcd/txscript"
	"github.com/pkg/errors"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/electrum"
	"github.com/halvards/moria-keeper/pkg/txhelper"
)

const compressedPubkeySize = 33

// OwnerPubkey recovers the oracle's controlling public key. Protocol
// state does not record the key itself: the transaction that produced
// the current minting authority UTXO consumed its predecessor, and the
// final pubkey push of that input's unlocking script is the
// controller's compressed key.
func OwnerPubkey(ctx context.Context, cli *electrum.Client, authority chain.UTXO) ([]byte, error) {
	raw, err := cli.Request(ctx, "blockchain.transaction.get", authority.Outpoint.TxHash.String())
	if err != nil {
		return nil, errors.Wrap(err, "error fetching authority transaction")
	}
	var txHex string
	if err := json.Unmarshal(raw, &txHex); err != nil {
		return nil, errors.Wrap(err, "error decoding transaction response")
	}
	tx, err := txhelper.FromHex(txHex)
	if err != nil {
		return nil, err
	}
	if len(tx.TxIn) == 0 {
		return nil, errors.New("authority transaction has no inputs")
	}
	return trailingPubkeyPush(tx.TxIn[0].SignatureScript)
}

// trailingPubkeyPush returns the data of the last 33-byte push in an
// unlocking script.
func trailingPubkeyPush(script []byte) ([]byte, error) {
	var last []byte
	tok := txscript.MakeScriptTokenizer(0, script)
	for tok.Next() {
		if data := tok.Data(); len(data) == compressedPubkeySize {
			last = data
		}
	}
	if err := tok.Err(); err != nil {
		return nil, errors.Wrap(err, "error parsing unlocking script")
	}
	if last == nil {
		return nil, errors.New("no pubkey push in unlocking script")
	}
	return append([]byte(nil), last...), nil
}
