package moriatx

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/moria"
	"github.com/halvards/moria-keeper/pkg/wallet"
)

// ErrInsufficientFunding reports that the provided funding coins do not
// cover the builder's outputs plus fees. Callers select coins before
// building, so hitting this means the estimate and selection disagree.
var ErrInsufficientFunding = errors.New("insufficient funding for transaction")

// approximate scriptSig size for a signed input: DER sig + hash type
// byte + compressed pubkey, with push opcodes
const signedInputOverhead = 110

// assembler accumulates inputs and outputs for one transaction and
// finishes by estimating the fee, adding change, and signing.
type assembler struct {
	tx    *wire.MsgTx
	spent []chain.UTXO
	outs  []chain.Output
	opts  Opts
	w     *wallet.Wallet

	inSats     int64
	outSats    int64
	usedOracle bool
}

func newAssembler(w *wallet.Wallet, opts Opts) *assembler {
	return &assembler{
		tx:   wire.NewMsgTx(2),
		opts: opts.withDefaults(),
		w:    w,
	}
}

func (a *assembler) addInput(u chain.UTXO) {
	a.tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{
		Hash:  u.Outpoint.TxHash,
		Index: u.Outpoint.Index,
	}, nil, nil))
	a.spent = append(a.spent, u.Clone())
	a.inSats += u.Output.Amount
}

func (a *assembler) addInputs(utxos []chain.UTXO) {
	for _, u := range utxos {
		a.addInput(u)
	}
}

// addOutput appends an output; token data is serialized as the
// CashTokens prefix ahead of the locking bytecode.
func (a *assembler) addOutput(out chain.Output) (int, error) {
	if out.Amount < moria.DustLimit {
		return 0, errors.Wrapf(errDustOutput, "output of %d sats", out.Amount)
	}
	script := append(out.Token.TokenPrefix(), out.LockingBytecode...)
	a.tx.AddTxOut(wire.NewTxOut(out.Amount, script))
	a.outs = append(a.outs, out)
	a.outSats += out.Amount
	return len(a.outs) - 1, nil
}

// finish adds wallet change, signs every input, and packages the
// result. Change below dust is folded into the fee.
func (a *assembler) finish() (*TxResult, error) {
	estSize := int64(a.tx.SerializeSize() +
		len(a.tx.TxIn)*signedInputOverhead +
		changeOutputSize)
	fee := estSize * a.opts.FeePerByte

	change := a.inSats - a.outSats - fee
	if change < 0 {
		return nil, errors.Wrapf(ErrInsufficientFunding,
			"have %d sats, need %d plus %d fee", a.inSats, a.outSats, fee)
	}
	changeIdx := -1
	if change >= moria.DustLimit {
		idx, err := a.addOutput(chain.Output{
			LockingBytecode: a.w.LockingBytecode(),
			Amount:          change,
		})
		if err != nil {
			return nil, err
		}
		changeIdx = idx
	} else {
		fee += change
	}

	for i, u := range a.spent {
		sig, err := signInput(a.tx, i, u.Output, a.w.PrivKey())
		if err != nil {
			return nil, errors.Wrapf(err, "error signing input %d", i)
		}
		unlocking, err := txscript.NewScriptBuilder().
			AddData(sig).
			AddData(a.w.PubKeyBytes()).
			Script()
		if err != nil {
			return nil, err
		}
		a.tx.TxIn[i].SignatureScript = unlocking
	}

	var buf bytes.Buffer
	if err := a.tx.Serialize(&buf); err != nil {
		return nil, errors.Wrap(err, "error serializing transaction")
	}
	res := &TxResult{
		TxBin:  buf.Bytes(),
		TxHash: a.tx.TxHash(),
		TxFee:  fee,
		spent:  a.spent,
	}
	if a.usedOracle {
		res.OracleUseFee = a.opts.OracleUseFee
	}
	for i, out := range a.outs {
		if a.w.Owns(out.LockingBytecode) && i != changeIdx {
			res.Payouts = append(res.Payouts, a.utxoAt(res.TxHash, i))
		}
	}
	if changeIdx >= 0 {
		res.Payouts = append(res.Payouts, a.utxoAt(res.TxHash, changeIdx))
	}
	return res, nil
}

const changeOutputSize = 34

func (a *assembler) utxoAt(txHash chainhash.Hash, idx int) chain.UTXO {
	return chain.UTXO{
		Outpoint: chain.Outpoint{TxHash: txHash, Index: uint32(idx)},
		Output:   a.outs[idx].Clone(),
	}
}

func (a *assembler) utxoPtrAt(txHash chainhash.Hash, idx int) *chain.UTXO {
	u := a.utxoAt(txHash, idx)
	return &u
}

// addRoleInputs consumes the minting authority and the oracle, and
// appends their successors as outputs 0 and 1: the authority unchanged
// except for its fungible reserve delta, the oracle accruing its use
// fee.
func (a *assembler) addRoleInputs(state moria.State, reserveDelta int64) error {
	if state.MoriaUTXO == nil || state.OracleUTXO == nil {
		return errors.Wrap(moria.ErrInvalidProgramState, "missing role utxo")
	}
	a.addInput(*state.MoriaUTXO)
	a.addInput(*state.OracleUTXO)
	a.usedOracle = true

	moriaOut := state.MoriaUTXO.Output.Clone()
	if moriaOut.Token == nil {
		return errors.Wrap(moria.ErrInvalidProgramState, "minting authority missing token")
	}
	reserve := int64(moriaOut.Token.Amount) + reserveDelta
	if reserve < 0 {
		return errors.Wrap(moria.ErrInvalidProgramState, "authority reserve underflow")
	}
	moriaOut.Token.Amount = uint64(reserve)
	if _, err := a.addOutput(moriaOut); err != nil {
		return err
	}

	oracleOut := state.OracleUTXO.Output.Clone()
	oracleOut.Amount += a.opts.OracleUseFee
	_, err := a.addOutput(oracleOut)
	return err
}

func fungibleMUSD(coins []chain.UTXO) uint64 {
	var total uint64
	for _, c := range coins {
		if moria.IsMUSDCoin(c) {
			total += c.Output.Token.Amount
		}
	}
	return total
}

// MintLoan creates a new loan: collateral is locked behind the loan
// covenant and the principal is minted as MUSD to the wallet.
func MintLoan(state moria.State, funding []chain.UTXO, w *wallet.Wallet,
	commitment moria.LoanCommitment, collateralSats int64, opts Opts) (*TxResult, error) {
	if commitment.Principal == 0 {
		return nil, errors.New("loan principal must be positive")
	}
	if collateralSats < moria.DustLimit {
		return nil, errors.Errorf("collateral of %d sats below dust", collateralSats)
	}

	a := newAssembler(w, opts)
	if err := a.addRoleInputs(state, 0); err != nil {
		return nil, err
	}
	a.addInputs(funding)

	loanIdx, err := a.addOutput(chain.Output{
		LockingBytecode: moria.LoanLockingBytecode,
		Amount:          collateralSats,
		Token: &chain.TokenData{
			Category: moria.MUSDCategory,
			NFT:      &chain.NFT{Capability: chain.CapabilityNone, Commitment: commitment.Encode()},
		},
	})
	if err != nil {
		return nil, err
	}
	if _, err := a.addOutput(chain.Output{
		LockingBytecode: w.LockingBytecode(),
		Amount:          moria.DustLimit,
		Token:           &chain.TokenData{Category: moria.MUSDCategory, Amount: commitment.Principal},
	}); err != nil {
		return nil, err
	}

	res, err := a.finish()
	if err != nil {
		return nil, err
	}
	res.MoriaUTXO = a.utxoPtrAt(res.TxHash, 0)
	res.OracleUTXO = a.utxoPtrAt(res.TxHash, 1)
	res.LoanUTXO = a.utxoPtrAt(res.TxHash, loanIdx)
	return res, nil
}

// RepayLoan settles a loan in full: the principal is burned into the
// authority reserve and the collateral returns to the wallet.
func RepayLoan(state moria.State, loan chain.UTXO, funding []chain.UTXO,
	w *wallet.Wallet, opts Opts) (*TxResult, error) {
	commitment, err := moria.DecodeLoanCommitment(loan.Commitment())
	if err != nil {
		return nil, err
	}
	held := fungibleMUSD(funding)
	if held < commitment.Principal {
		return nil, errors.Wrapf(ErrInsufficientFunding,
			"repay needs %d MUSD, funding holds %d", commitment.Principal, held)
	}

	a := newAssembler(w, opts)
	if err := a.addRoleInputs(state, int64(commitment.Principal)); err != nil {
		return nil, err
	}
	a.addInput(loan)
	a.addInputs(funding)

	// freed collateral
	if _, err := a.addOutput(chain.Output{
		LockingBytecode: w.LockingBytecode(),
		Amount:          loan.Output.Amount,
	}); err != nil {
		return nil, err
	}
	if excess := held - commitment.Principal; excess > 0 {
		if _, err := a.addOutput(chain.Output{
			LockingBytecode: w.LockingBytecode(),
			Amount:          moria.DustLimit,
			Token:           &chain.TokenData{Category: moria.MUSDCategory, Amount: excess},
		}); err != nil {
			return nil, err
		}
	}

	res, err := a.finish()
	if err != nil {
		return nil, err
	}
	res.MoriaUTXO = a.utxoPtrAt(res.TxHash, 0)
	res.OracleUTXO = a.utxoPtrAt(res.TxHash, 1)
	return res, nil
}

// RefinanceLoan replaces a loan with one of a different principal
// and/or collateral. A principal decrease burns MUSD from funding, an
// increase mints MUSD to the wallet; freed collateral is paid out,
// added collateral is drawn from funding.
func RefinanceLoan(state moria.State, loan chain.UTXO, funding []chain.UTXO,
	w *wallet.Wallet, newPrincipal uint64, newCollateralSats int64, opts Opts) (*TxResult, error) {
	old, err := moria.DecodeLoanCommitment(loan.Commitment())
	if err != nil {
		return nil, err
	}
	if newPrincipal == 0 {
		return nil, errors.New("refinance to zero principal: use RepayLoan")
	}
	if newCollateralSats < moria.DustLimit {
		return nil, errors.Errorf("collateral of %d sats below dust", newCollateralSats)
	}

	var reserveDelta int64
	var burn uint64
	if newPrincipal < old.Principal {
		burn = old.Principal - newPrincipal
		if held := fungibleMUSD(funding); held < burn {
			return nil, errors.Wrapf(ErrInsufficientFunding,
				"refinance burns %d MUSD, funding holds %d", burn, held)
		}
		reserveDelta = int64(burn)
	} else {
		reserveDelta = 0
	}

	a := newAssembler(w, opts)
	if err := a.addRoleInputs(state, reserveDelta); err != nil {
		return nil, err
	}
	a.addInput(loan)
	a.addInputs(funding)

	next := old
	next.Principal = newPrincipal
	loanIdx, err := a.addOutput(chain.Output{
		LockingBytecode: moria.LoanLockingBytecode,
		Amount:          newCollateralSats,
		Token: &chain.TokenData{
			Category: moria.MUSDCategory,
			NFT:      &chain.NFT{Capability: chain.CapabilityNone, Commitment: next.Encode()},
		},
	})
	if err != nil {
		return nil, err
	}

	if newPrincipal > old.Principal {
		if _, err := a.addOutput(chain.Output{
			LockingBytecode: w.LockingBytecode(),
			Amount:          moria.DustLimit,
			Token: &chain.TokenData{
				Category: moria.MUSDCategory,
				Amount:   newPrincipal - old.Principal,
			},
		}); err != nil {
			return nil, err
		}
	}
	if excess := fungibleMUSD(funding) - burn; excess > 0 {
		if _, err := a.addOutput(chain.Output{
			LockingBytecode: w.LockingBytecode(),
			Amount:          moria.DustLimit,
			Token:           &chain.TokenData{Category: moria.MUSDCategory, Amount: excess},
		}); err != nil {
			return nil, err
		}
	}
	if freed := loan.Output.Amount - newCollateralSats; freed >= moria.DustLimit {
		if _, err := a.addOutput(chain.Output{
			LockingBytecode: w.LockingBytecode(),
			Amount:          freed,
		}); err != nil {
			return nil, err
		}
	}

	res, err := a.finish()
	if err != nil {
		return nil, err
	}
	res.MoriaUTXO = a.utxoPtrAt(res.TxHash, 0)
	res.OracleUTXO = a.utxoPtrAt(res.TxHash, 1)
	res.LoanUTXO = a.utxoPtrAt(res.TxHash, loanIdx)
	return res, nil
}

// AddCollateral tops up a loan's collateral without touching the
// principal.
func AddCollateral(state moria.State, loan chain.UTXO, funding []chain.UTXO,
	w *wallet.Wallet, topUpSats int64, opts Opts) (*TxResult, error) {
	if topUpSats <= 0 {
		return nil, errors.Errorf("top-up of %d sats must be positive", topUpSats)
	}
	commitment := loan.Commitment()
	if _, err := moria.DecodeLoanCommitment(commitment); err != nil {
		return nil, err
	}

	a := newAssembler(w, opts)
	if err := a.addRoleInputs(state, 0); err != nil {
		return nil, err
	}
	a.addInput(loan)
	a.addInputs(funding)

	out := loan.Output.Clone()
	out.Amount += topUpSats
	loanIdx, err := a.addOutput(out)
	if err != nil {
		return nil, err
	}

	res, err := a.finish()
	if err != nil {
		return nil, err
	}
	res.MoriaUTXO = a.utxoPtrAt(res.TxHash, 0)
	res.OracleUTXO = a.utxoPtrAt(res.TxHash, 1)
	res.LoanUTXO = a.utxoPtrAt(res.TxHash, loanIdx)
	return res, nil
}

// ReshapeOutput asks Remint for one exact-denomination output paid back
// to the wallet. A nil Category means pure BCH.
type ReshapeOutput struct {
	Category    *chainhash.Hash
	Amount      int64
	TokenAmount uint64
}

// Remint reshapes wallet coins into exact denominations so a chained
// mutation can select fixed-amount inputs deterministically. It spends
// only wallet coins and never touches the role UTXOs.
func Remint(coins []chain.UTXO, w *wallet.Wallet, outputs []ReshapeOutput, opts Opts) (*TxResult, error) {
	if len(outputs) == 0 {
		return nil, errors.New("remint requires at least one output")
	}

	a := newAssembler(w, opts)
	a.addInputs(coins)

	tokenIn := make(map[chainhash.Hash]uint64)
	for _, c := range coins {
		if c.Output.Token != nil && c.Output.Token.NFT == nil {
			tokenIn[c.Output.Token.Category] += c.Output.Token.Amount
		}
	}

	tokenOut := make(map[chainhash.Hash]uint64)
	for _, o := range outputs {
		out := chain.Output{LockingBytecode: w.LockingBytecode(), Amount: o.Amount}
		if o.Category != nil {
			out.Token = &chain.TokenData{Category: *o.Category, Amount: o.TokenAmount}
			tokenOut[*o.Category] += o.TokenAmount
		}
		if _, err := a.addOutput(out); err != nil {
			return nil, err
		}
	}

	// token change so no tokens are burned by the reshape
	for category, in := range tokenIn {
		if out := tokenOut[category]; out > in {
			return nil, errors.Wrapf(ErrInsufficientFunding,
				"remint needs %d of %s, coins hold %d", out, category, in)
		} else if rest := in - out; rest > 0 {
			category := category
			if _, err := a.addOutput(chain.Output{
				LockingBytecode: w.LockingBytecode(),
				Amount:          moria.DustLimit,
				Token:           &chain.TokenData{Category: category, Amount: rest},
			}); err != nil {
				return nil, err
			}
		}
	}
	return a.finish()
}
