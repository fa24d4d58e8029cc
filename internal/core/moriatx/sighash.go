package moriatx

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"

	"github.com/halvards/moria-keeper/internal/core/chain"
)

// sigHashAllForkID is SIGHASH_ALL with the replay-protection fork bit
// that the BCH network requires on every signature.
const sigHashAllForkID = 0x41

// sigHash computes the BIP143-shape digest with the fork id, covering
// all inputs and outputs. The covered bytecode of a token-bearing
// prevout includes its token prefix.
func sigHash(tx *wire.MsgTx, idx int, prevOut chain.Output) ([]byte, error) {
	if idx < 0 || idx >= len(tx.TxIn) {
		return nil, errors.Errorf("input index %d out of range", idx)
	}

	var prevouts bytes.Buffer
	var sequences bytes.Buffer
	for _, in := range tx.TxIn {
		prevouts.Write(in.PreviousOutPoint.Hash[:])
		binary.Write(&prevouts, binary.LittleEndian, in.PreviousOutPoint.Index)
		binary.Write(&sequences, binary.LittleEndian, in.Sequence)
	}
	hashPrevouts := chainhash.DoubleHashH(prevouts.Bytes())
	hashSequences := chainhash.DoubleHashH(sequences.Bytes())

	var outputs bytes.Buffer
	for _, out := range tx.TxOut {
		binary.Write(&outputs, binary.LittleEndian, out.Value)
		if err := wire.WriteVarBytes(&outputs, 0, out.PkScript); err != nil {
			return nil, err
		}
	}
	hashOutputs := chainhash.DoubleHashH(outputs.Bytes())

	covered := append(prevOut.Token.TokenPrefix(), prevOut.LockingBytecode...)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, tx.Version)
	buf.Write(hashPrevouts[:])
	buf.Write(hashSequences[:])
	in := tx.TxIn[idx]
	buf.Write(in.PreviousOutPoint.Hash[:])
	binary.Write(&buf, binary.LittleEndian, in.PreviousOutPoint.Index)
	if err := wire.WriteVarBytes(&buf, 0, covered); err != nil {
		return nil, err
	}
	binary.Write(&buf, binary.LittleEndian, prevOut.Amount)
	binary.Write(&buf, binary.LittleEndian, in.Sequence)
	buf.Write(hashOutputs[:])
	binary.Write(&buf, binary.LittleEndian, tx.LockTime)
	binary.Write(&buf, binary.LittleEndian, uint32(sigHashAllForkID))

	digest := chainhash.DoubleHashH(buf.Bytes())
	return digest[:], nil
}

// signInput produces the DER signature with the hash-type byte
// appended, ready to push.
func signInput(tx *wire.MsgTx, idx int, prevOut chain.Output, key *secp256k1.PrivateKey) ([]byte, error) {
	digest, err := sigHash(tx, idx, prevOut)
	if err != nil {
		return nil, err
	}
	sig := ecdsa.Sign(key, digest)
	return append(sig.Serialize(), sigHashAllForkID), nil
}
