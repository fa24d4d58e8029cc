// Package moriatx builds and signs the keeper's protocol transactions.
// Builders are pure: given role UTXOs, funding coins, and parameters
// they return a fully signed transaction plus its successor UTXOs, and
// never touch the network.
package moriatx

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/halvards/moria-keeper/internal/core/chain"
)

// DefaultOracleUseFee is the satoshi fee accrued onto the oracle UTXO
// by every transaction that consumes its price.
const DefaultOracleUseFee = 1000

// Opts carries fee policy shared by all builders.
type Opts struct {
	FeePerByte   int64
	OracleUseFee int64
}

func (o Opts) withDefaults() Opts {
	if o.FeePerByte <= 0 {
		o.FeePerByte = 1
	}
	if o.OracleUseFee <= 0 {
		o.OracleUseFee = DefaultOracleUseFee
	}
	return o
}

// TxResult is a built, signed transaction plus everything the caller
// needs to chain the next mutation off it: the successor role UTXOs and
// the outputs paid back to the wallet.
type TxResult struct {
	TxBin  []byte
	TxHash chainhash.Hash
	TxFee  int64

	// Payouts are outputs locked to the wallet: change, freed
	// collateral, minted MUSD. Spendable by a chained transaction
	// before broadcast.
	Payouts []chain.UTXO

	// Successor role UTXOs. LoanUTXO is nil when the loan was settled.
	MoriaUTXO  *chain.UTXO
	OracleUTXO *chain.UTXO
	LoanUTXO   *chain.UTXO

	OracleUseFee int64

	// inputs consumed, kept for Verify
	spent []chain.UTXO
}

// SpentInputs returns the UTXOs the transaction consumed.
func (r *TxResult) SpentInputs() []chain.UTXO {
	return chain.CloneSet(r.spent)
}

var errDustOutput = errors.New("output below dust limit")
