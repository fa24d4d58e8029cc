// Package txhelper converts wire transactions to and from the hex
// encoding the fulcrum RPC surface speaks.
package txhelper

import (
	"bytes"
	"encoding/hex"

	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

func ToHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(hex.NewEncoder(&buf)); err != nil {
		return "", errors.Wrap(err, "error serializing transaction")
	}
	return buf.String(), nil
}

func FromHex(str string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(str)
	if err != nil {
		return nil, errors.Wrap(err, "error decoding transaction hex")
	}
	return FromBytes(raw)
}

func FromBytes(raw []byte) (*wire.MsgTx, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, "error deserializing transaction")
	}
	return &tx, nil
}
