package manager

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/coinselect"
	"github.com/halvards/moria-keeper/internal/core/moria"
	"github.com/halvards/moria-keeper/internal/core/moriatx"
)

// maxInputsPerTx caps funding inputs per mutation; selections that
// would exceed it go through a remint first.
const maxInputsPerTx = 20

// coinRequirement is one funding need for a mutation. A nil category
// means satoshis.
type coinRequirement struct {
	category    *chainhash.Hash
	amount      int64
	fixedAmount bool
	pureBCH     bool
}

// prepareInputs selects funding coins for the requirements. When the
// naive selection would exceed the input cap or a fixed amount has no
// exact match, a remint transaction reshapes held coins into the exact
// denominations first and is appended to the pass's chain.
func (st *updateState) prepareInputs(reqs []coinRequirement) ([]chain.UTXO, error) {
	sel := make([]coinselect.Requirement, len(reqs))
	var pure bool
	for i, r := range reqs {
		sel[i] = coinselect.Requirement{
			Category:    r.category,
			Amount:      r.amount,
			FixedAmount: r.fixedAmount,
		}
		pure = pure || r.pureBCH
	}
	opts := coinselect.Opts{PureBCHOnly: pure, MaxInputs: maxInputsPerTx}

	res, err := coinselect.Select(st.coins, sel, opts)
	if err == nil {
		return res.Coins, nil
	}
	if !errors.Is(err, coinselect.ErrInsufficientFunds) {
		return nil, err
	}

	// a remint only helps when the funds exist but in the wrong shape
	relaxed := make([]coinselect.Requirement, len(sel))
	copy(relaxed, sel)
	for i := range relaxed {
		relaxed[i].FixedAmount = false
	}
	wide, wideErr := coinselect.Select(st.coins, relaxed, coinselect.Opts{PureBCHOnly: pure})
	if wideErr != nil {
		return nil, err
	}

	outputs := make([]moriatx.ReshapeOutput, 0, len(reqs))
	for _, r := range reqs {
		switch {
		case r.category != nil:
			outputs = append(outputs, moriatx.ReshapeOutput{
				Category:    r.category,
				Amount:      moria.DustLimit,
				TokenAmount: uint64(r.amount),
			})
		case r.amount >= moria.DustLimit:
			outputs = append(outputs, moriatx.ReshapeOutput{Amount: r.amount})
		}
	}
	remint, err := moriatx.Remint(wide.Coins, st.w, outputs, st.txOpts())
	if err != nil {
		return nil, err
	}
	if err := st.applyResult(remint, nil); err != nil {
		return nil, err
	}

	res, err = coinselect.Select(st.coins, sel, opts)
	if err != nil {
		return nil, errors.Wrap(err, "selection still failing after remint")
	}
	return res.Coins, nil
}
