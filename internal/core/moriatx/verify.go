package moriatx

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/moria"
	"github.com/halvards/moria-keeper/pkg/txhelper"
)

// Verify re-checks a built result's conservation invariants before it
// is handed to the broadcaster. A failure here is a builder bug, never
// a recoverable condition.
func Verify(res *TxResult) error {
	tx, err := txhelper.FromBytes(res.TxBin)
	if err != nil {
		return err
	}
	if tx.TxHash() != res.TxHash {
		return errors.New("recorded txhash does not match serialized transaction")
	}
	if len(tx.TxIn) != len(res.spent) {
		return errors.Errorf("input count %d does not match %d recorded spends",
			len(tx.TxIn), len(res.spent))
	}

	var inSats, outSats int64
	tokenIn := make(map[chainhash.Hash]uint64)
	tokenOut := make(map[chainhash.Hash]uint64)
	var mintingInputs, mintingOutputs int

	for i, u := range res.spent {
		if tx.TxIn[i].PreviousOutPoint.Hash != u.Outpoint.TxHash ||
			tx.TxIn[i].PreviousOutPoint.Index != u.Outpoint.Index {
			return errors.Errorf("input %d outpoint does not match recorded spend", i)
		}
		inSats += u.Output.Amount
		if t := u.Output.Token; t != nil {
			tokenIn[t.Category] += t.Amount
			if t.NFT != nil && t.NFT.Capability == chain.CapabilityMinting {
				mintingInputs++
			}
		}
	}
	for i, txOut := range tx.TxOut {
		if txOut.Value < moria.DustLimit {
			return errors.Wrapf(errDustOutput, "output %d of %d sats", i, txOut.Value)
		}
		outSats += txOut.Value
	}
	if got := inSats - outSats; got != res.TxFee {
		return errors.Errorf("fee mismatch: recorded %d, transaction pays %d", res.TxFee, got)
	}
	if res.TxFee <= 0 {
		return errors.Errorf("non-positive fee %d", res.TxFee)
	}

	checkSuccessor := func(name string, u *chain.UTXO) error {
		if u == nil {
			return nil
		}
		if u.Outpoint.TxHash != res.TxHash {
			return errors.Errorf("%s successor does not spend from this transaction", name)
		}
		if int(u.Outpoint.Index) >= len(tx.TxOut) {
			return errors.Errorf("%s successor index %d out of range", name, u.Outpoint.Index)
		}
		txOut := tx.TxOut[u.Outpoint.Index]
		script := append(u.Output.Token.TokenPrefix(), u.Output.LockingBytecode...)
		if txOut.Value != u.Output.Amount || !bytes.Equal(txOut.PkScript, script) {
			return errors.Errorf("%s successor does not match its output", name)
		}
		if t := u.Output.Token; t != nil {
			tokenOut[t.Category] += t.Amount
			if t.NFT != nil && t.NFT.Capability == chain.CapabilityMinting {
				mintingOutputs++
			}
		}
		return nil
	}
	if err := checkSuccessor("minting authority", res.MoriaUTXO); err != nil {
		return err
	}
	if err := checkSuccessor("oracle", res.OracleUTXO); err != nil {
		return err
	}
	if err := checkSuccessor("loan", res.LoanUTXO); err != nil {
		return err
	}
	if mintingInputs != mintingOutputs {
		return errors.Errorf("minting capability not conserved: %d in, %d out",
			mintingInputs, mintingOutputs)
	}

	if res.MoriaUTXO != nil {
		if res.MoriaUTXO.Output.Token == nil ||
			res.MoriaUTXO.Output.Token.NFT == nil ||
			res.MoriaUTXO.Output.Token.NFT.Capability != chain.CapabilityMinting {
			return errors.New("minting authority successor lost minting capability")
		}
	}
	if res.LoanUTXO != nil {
		if _, err := moria.DecodeLoanCommitment(res.LoanUTXO.Commitment()); err != nil {
			return errors.Wrap(err, "loan successor commitment malformed")
		}
	}
	for _, p := range res.Payouts {
		if err := checkPayout(tx, res.TxHash, p); err != nil {
			return err
		}
		if t := p.Output.Token; t != nil {
			tokenOut[t.Category] += t.Amount
		}
	}

	// fungible supply is fixed; every category must balance exactly
	for category, in := range tokenIn {
		if out := tokenOut[category]; out != in {
			return errors.Errorf("token amount for %s not conserved: %d in, %d out",
				category, in, out)
		}
	}
	for category, out := range tokenOut {
		if _, found := tokenIn[category]; !found {
			return errors.Errorf("token amount for %s appears from nothing: %d out", category, out)
		}
	}
	return nil
}

func checkPayout(tx *wire.MsgTx, txHash chainhash.Hash, p chain.UTXO) error {
	if p.Outpoint.TxHash != txHash {
		return errors.New("payout does not spend from this transaction")
	}
	if int(p.Outpoint.Index) >= len(tx.TxOut) {
		return errors.Errorf("payout index %d out of range", p.Outpoint.Index)
	}
	txOut := tx.TxOut[p.Outpoint.Index]
	script := append(p.Output.Token.TokenPrefix(), p.Output.LockingBytecode...)
	if txOut.Value != p.Output.Amount || !bytes.Equal(txOut.PkScript, script) {
		return errors.Errorf("payout %d does not match its output", p.Outpoint.Index)
	}
	return nil
}
