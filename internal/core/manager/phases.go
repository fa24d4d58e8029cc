package manager

import (
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/coinselect"
	"github.com/halvards/moria-keeper/internal/core/moria"
	"github.com/halvards/moria-keeper/internal/core/moriatx"
	"github.com/halvards/moria-keeper/pkg/wallet"
)

// minimum collateral top-up worth a transaction in phase 3
const minTopUpSats = 100_000

// PendingDeposit reports a shortfall the wallet must receive before a
// rebalancing step can proceed. A nil Category means satoshis.
type PendingDeposit struct {
	Category *chainhash.Hash `json:"category,omitempty"`
	Amount   uint64          `json:"amount"`
	Reason   string          `json:"reason"`
}

// loanEntry is one of the wallet's loans with its pass-local derived
// fields, recomputed whenever the loan set or price moves.
type loanEntry struct {
	utxo       chain.UTXO
	commitment moria.LoanCommitment
	rate       *big.Rat
	aboveRefi  bool
	belowRefi  bool
}

// updateState is the working state of one pass. Each phase mutates it
// in place: mutations replace the role UTXOs, spend coins, append
// payouts, and rewrite loan entries, so the next phase always sees the
// post-mutation world.
type updateState struct {
	settings   Settings
	targetRate *big.Rat
	price      uint64
	w          *wallet.Wallet

	moriaUTXO  *chain.UTXO
	oracleUTXO *chain.UTXO
	coins      []chain.UTXO
	loans      []loanEntry

	txChain         []*moriatx.TxResult
	pendingDeposits []PendingDeposit
}

func newUpdateState(settings Settings, w *wallet.Wallet, state moria.State, coins []chain.UTXO) (*updateState, error) {
	if state.MoriaUTXO == nil || state.OracleUTXO == nil {
		return nil, errors.Wrap(moria.ErrInvalidProgramState, "protocol snapshot incomplete")
	}
	st := &updateState{
		settings:   settings,
		targetRate: settings.TargetCollateralRate.Rat(),
		price:      state.Oracle.Price,
		w:          w,
		moriaUTXO:  state.MoriaUTXO,
		oracleUTXO: state.OracleUTXO,
		coins:      chain.CloneSet(coins),
	}
	for _, u := range state.LoansFor(w.PubKeyHash()) {
		entry, err := st.deriveLoan(u)
		if err != nil {
			return nil, err
		}
		st.loans = append(st.loans, entry)
	}
	return st, nil
}

func (st *updateState) deriveLoan(u chain.UTXO) (loanEntry, error) {
	c, err := moria.DecodeLoanCommitment(u.Commitment())
	if err != nil {
		return loanEntry{}, errors.Wrap(err, "malformed loan commitment")
	}
	rate := moria.CollateralRate(u.Output.Amount, c.Principal, st.price)
	return loanEntry{
		utxo:       u,
		commitment: c,
		rate:       rate,
		aboveRefi:  rate.Cmp(moria.RatFromFloat(st.settings.AboveTargetCollateralRefiThreshold)) > 0,
		belowRefi:  rate.Cmp(moria.RatFromFloat(st.settings.BelowTargetCollateralRefiThreshold)) < 0,
	}, nil
}

func (st *updateState) txOpts() moriatx.Opts {
	return moriatx.Opts{FeePerByte: st.settings.TxFeePerByte}
}

func (st *updateState) totalLoanAmount() uint64 {
	var total uint64
	for _, l := range st.loans {
		total += l.commitment.Principal
	}
	return total
}

func (st *updateState) heldMUSD() uint64 {
	var total uint64
	for _, c := range st.coins {
		if moria.IsMUSDCoin(c) {
			total += c.Output.Token.Amount
		}
	}
	return total
}

func (st *updateState) heldBCH() int64 {
	var total int64
	for _, c := range st.coins {
		if c.IsPure() {
			total += c.Output.Amount
		}
	}
	return total
}

// availableBCH is spendable satoshis after the change-and-fee reserve.
func (st *updateState) availableBCH() int64 {
	avail := st.heldBCH() - st.settings.TxReserveForChangeAndTxFee
	if avail < 0 {
		return 0
	}
	return avail
}

// applyResult threads a mutation's outputs back into the working
// state: successors replace the role UTXOs, payouts become spendable
// coins, spent coins and the spent loan disappear.
func (st *updateState) applyResult(res *moriatx.TxResult, spentLoan *chain.UTXO) error {
	if res.MoriaUTXO != nil {
		st.moriaUTXO = res.MoriaUTXO
	}
	if res.OracleUTXO != nil {
		st.oracleUTXO = res.OracleUTXO
	}

	spent := make(map[chain.Outpoint]bool)
	for _, u := range res.SpentInputs() {
		spent[u.Outpoint] = true
	}
	kept := st.coins[:0]
	for _, c := range st.coins {
		if !spent[c.Outpoint] {
			kept = append(kept, c)
		}
	}
	st.coins = append(kept, res.Payouts...)

	if spentLoan != nil {
		keptLoans := st.loans[:0]
		for _, l := range st.loans {
			if l.utxo.Outpoint != spentLoan.Outpoint {
				keptLoans = append(keptLoans, l)
			}
		}
		st.loans = keptLoans
	}
	if res.LoanUTXO != nil {
		entry, err := st.deriveLoan(*res.LoanUTXO)
		if err != nil {
			return err
		}
		st.loans = append(st.loans, entry)
	}
	st.txChain = append(st.txChain, res)
	return nil
}

func (st *updateState) protocolState() moria.State {
	return moria.State{
		MoriaUTXO:  st.moriaUTXO,
		OracleUTXO: st.oracleUTXO,
		Oracle:     moria.OracleMessage{Price: st.price},
	}
}

func (st *updateState) recordShortfall(category *chainhash.Hash, amount uint64, reason string) {
	st.pendingDeposits = append(st.pendingDeposits, PendingDeposit{
		Category: category,
		Amount:   amount,
		Reason:   reason,
	})
}

// insufficiency converts a funding shortfall into a pending deposit so
// the pass carries on with the remaining phases instead of failing.
// Returns handled=true when the error was a shortfall; any other error
// passes through untouched.
func (st *updateState) insufficiency(err error, reason string) (bool, error) {
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, coinselect.ErrInsufficientFunds) &&
		!errors.Is(err, moriatx.ErrInsufficientFunding) {
		return false, err
	}
	deficit := st.settings.TxReserveForChangeAndTxFee - st.heldBCH()
	if deficit < 1 {
		deficit = st.settings.TxReserveForChangeAndTxFee
	}
	st.recordShortfall(nil, uint64(deficit), reason)
	return true, nil
}

// sortLoansByRate orders loan entries by collateral rate; descending
// puts the best-covered loan first.
func sortLoansByRate(loans []loanEntry, descending bool) []loanEntry {
	out := append([]loanEntry(nil), loans...)
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return out[i].rate.Cmp(out[j].rate) > 0
		}
		return out[i].rate.Cmp(out[j].rate) < 0
	})
	return out
}

// phaseReduceLoanSize repays or shrinks loans while the wallet's MUSD
// balance and the loan-size gap both clear the retarget minimum. Best
// covered loans go first. At most one partial reduction per pass.
func (st *updateState) phaseReduceLoanSize() error {
	target := st.settings.TargetLoanAmount
	retargetMin := st.settings.RetargetMinMUSDAmount
	current := st.totalLoanAmount()
	if current <= target || current-target < retargetMin {
		return nil
	}

	for _, candidate := range sortLoansByRate(st.loans, true) {
		current = st.totalLoanAmount()
		if current <= target || current-target < retargetMin {
			return nil
		}
		held := st.heldMUSD()
		if held < retargetMin {
			break
		}
		gap := current - target

		principal := candidate.commitment.Principal
		switch {
		case held >= principal:
			res, err := st.repayLoan(candidate)
			if handled, ferr := st.insufficiency(err, "BCH fee reserve needed to repay loan"); handled {
				return nil
			} else if ferr != nil {
				return ferr
			}
			if err := st.applyResult(res, &candidate.utxo); err != nil {
				return err
			}

		case min64(held, gap) >= retargetMin:
			reduction := min64(held, gap)
			res, err := st.refinanceLoanTo(candidate, principal-reduction)
			if handled, ferr := st.insufficiency(err, "BCH fee reserve needed to reduce loan size"); handled {
				return nil
			} else if ferr != nil {
				return ferr
			}
			if err := st.applyResult(res, &candidate.utxo); err != nil {
				return err
			}
			// one partial reduction per pass
			return nil
		}
	}

	current = st.totalLoanAmount()
	if current > target && current-target >= retargetMin {
		shortfall := (current - target) - st.heldMUSD()
		if shortfall > 0 {
			st.recordShortfall(&moria.MUSDCategory, shortfall,
				"MUSD needed to reduce loan size to target")
		}
	}
	return nil
}

// phaseReduceCollateral refinances over-collateralized loans down to
// exactly the target rate, best covered first.
func (st *updateState) phaseReduceCollateral() error {
	for _, candidate := range sortLoansByRate(st.loans, true) {
		live, found := st.findLoan(candidate.utxo.Outpoint)
		if !found || !live.aboveRefi {
			continue
		}
		if st.heldBCH() < st.settings.TxReserveForChangeAndTxFee {
			st.recordShortfall(nil, uint64(st.settings.TxReserveForChangeAndTxFee-st.heldBCH()),
				"BCH fee reserve needed to reduce collateral")
			return nil
		}
		res, err := st.refinanceLoanTo(live, live.commitment.Principal)
		if handled, ferr := st.insufficiency(err, "BCH fee reserve needed to reduce collateral"); handled {
			return nil
		} else if ferr != nil {
			return ferr
		}
		if err := st.applyResult(res, &live.utxo); err != nil {
			return err
		}
	}
	return nil
}

// phaseIncreaseCollateral tops up under-collateralized loans to the
// target rate, worst covered first. On the first shortfall it records
// the aggregate for every remaining under-threshold loan and stops.
func (st *updateState) phaseIncreaseCollateral() error {
	candidates := sortLoansByRate(st.loans, false)
	for i, candidate := range candidates {
		live, found := st.findLoan(candidate.utxo.Outpoint)
		if !found || !live.belowRefi {
			continue
		}
		topUp := st.topUpFor(live)
		if topUp < minTopUpSats {
			continue
		}
		if int64(topUp) > st.availableBCH() {
			var aggregate uint64
			for _, rest := range candidates[i:] {
				if r, ok := st.findLoan(rest.utxo.Outpoint); ok && r.belowRefi {
					aggregate += uint64(st.topUpFor(r))
				}
			}
			st.recordShortfall(nil, aggregate,
				"BCH needed to restore collateral on under-threshold loans")
			return nil
		}
		funding, err := st.prepareInputs([]coinRequirement{
			{amount: topUp + st.settings.TxReserveForChangeAndTxFee, pureBCH: true},
		})
		if handled, ferr := st.insufficiency(err, "BCH needed to restore collateral"); handled {
			return nil
		} else if ferr != nil {
			return ferr
		}
		res, err := moriatx.AddCollateral(st.protocolState(), live.utxo, funding, st.w, topUp, st.txOpts())
		if handled, ferr := st.insufficiency(err, "BCH needed to restore collateral"); handled {
			return nil
		} else if ferr != nil {
			return ferr
		}
		if err := st.applyResult(res, &live.utxo); err != nil {
			return err
		}
	}
	return nil
}

// phaseIncreaseLoanSize mints or upsizes loans toward the target,
// bounded by the per-UTXO cap and the collateral headroom. The merge
// candidate is the smallest existing loan, checked once.
func (st *updateState) phaseIncreaseLoanSize() error {
	target := st.settings.TargetLoanAmount
	minStep := min64(100, st.settings.RetargetMinMUSDAmount)

	for {
		current := st.totalLoanAmount()
		if current >= target || target-current < minStep {
			return nil
		}
		gap := target - current

		headroom := moria.LoanAmountWithAvailableCollateralForTargetRate(
			st.availableBCH(), st.targetRate, st.price)
		increment := min64(gap, st.settings.MaxLoanAmountPerUTXO)
		if headroom < increment {
			increment = headroom
		}
		if increment < minStep {
			needed := moria.CollateralForTargetRate(gap, st.price, st.targetRate)
			st.recordShortfall(nil, uint64(needed-st.availableBCH()),
				"BCH collateral needed to increase loan size to target")
			return nil
		}

		if smallest, found := st.smallestLoan(); found &&
			smallest.commitment.Principal+increment <= st.settings.MaxLoanAmountPerUTXO {
			res, err := st.refinanceLoanTo(smallest, smallest.commitment.Principal+increment)
			if handled, ferr := st.insufficiency(err, "BCH needed to increase loan size"); handled {
				return nil
			} else if ferr != nil {
				return ferr
			}
			if err := st.applyResult(res, &smallest.utxo); err != nil {
				return err
			}
			continue
		}

		collateral := moria.CollateralForTargetRate(increment, st.price, st.targetRate)
		funding, err := st.prepareInputs([]coinRequirement{
			{amount: collateral + st.settings.TxReserveForChangeAndTxFee, pureBCH: true},
		})
		if handled, ferr := st.insufficiency(err, "BCH needed to increase loan size"); handled {
			return nil
		} else if ferr != nil {
			return ferr
		}
		commitment := moria.LoanCommitment{
			BorrowerPKH: st.w.PubKeyHash(),
			Principal:   increment,
		}
		res, err := moriatx.MintLoan(st.protocolState(), funding, st.w, commitment, collateral, st.txOpts())
		if handled, ferr := st.insufficiency(err, "BCH needed to increase loan size"); handled {
			return nil
		} else if ferr != nil {
			return ferr
		}
		if err := st.applyResult(res, nil); err != nil {
			return err
		}
	}
}

// repayLoan settles one loan in full from held MUSD.
func (st *updateState) repayLoan(l loanEntry) (*moriatx.TxResult, error) {
	funding, err := st.prepareInputs([]coinRequirement{
		{category: &moria.MUSDCategory, amount: int64(l.commitment.Principal)},
		{amount: st.settings.TxReserveForChangeAndTxFee},
	})
	if err != nil {
		return nil, err
	}
	return moriatx.RepayLoan(st.protocolState(), l.utxo, funding, st.w, st.txOpts())
}

// refinanceLoanTo rebuilds a loan at newPrincipal with collateral at
// exactly the target rate. Shrinking the principal draws the burned
// MUSD from held coins.
func (st *updateState) refinanceLoanTo(l loanEntry, newPrincipal uint64) (*moriatx.TxResult, error) {
	reqs := []coinRequirement{{amount: st.settings.TxReserveForChangeAndTxFee}}
	if newPrincipal < l.commitment.Principal {
		reqs = append(reqs, coinRequirement{
			category: &moria.MUSDCategory,
			amount:   int64(l.commitment.Principal - newPrincipal),
		})
	}
	collateral := moria.CollateralForTargetRate(newPrincipal, st.price, st.targetRate)
	if extra := collateral - l.utxo.Output.Amount; extra > 0 {
		reqs[0].amount += extra
		reqs[0].pureBCH = true
	}
	funding, err := st.prepareInputs(reqs)
	if err != nil {
		return nil, err
	}
	return moriatx.RefinanceLoan(st.protocolState(), l.utxo, funding, st.w,
		newPrincipal, collateral, st.txOpts())
}

func (st *updateState) topUpFor(l loanEntry) int64 {
	needed := moria.CollateralForTargetRate(l.commitment.Principal, st.price, st.targetRate)
	topUp := needed - l.utxo.Output.Amount
	if topUp < 0 {
		return 0
	}
	return topUp
}

func (st *updateState) findLoan(op chain.Outpoint) (loanEntry, bool) {
	for _, l := range st.loans {
		if l.utxo.Outpoint == op {
			return l, true
		}
	}
	return loanEntry{}, false
}

func (st *updateState) smallestLoan() (loanEntry, bool) {
	var best loanEntry
	var found bool
	for _, l := range st.loans {
		if !found || l.commitment.Principal < best.commitment.Principal {
			best = l
			found = true
		}
	}
	return best, found
}

func min64[T ~int64 | ~uint64](a, b T) T {
	if a < b {
		return a
	}
	return b
}
