package moria

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"go.uber.org/zap"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/electrum"
	"github.com/halvards/moria-keeper/internal/core/tracker"
	"github.com/halvards/moria-keeper/pkg/broadcaster"
)

// State is a consistent view of the protocol's canonical UTXOs at one
// point in time. MoriaUTXO and OracleUTXO are nil until the aggregator
// has seen both role scripts at least once.
type State struct {
	MoriaUTXO  *chain.UTXO
	OracleUTXO *chain.UTXO
	Oracle     OracleMessage
	Loans      []chain.UTXO
	Err        error
}

// Clone deep-copies the state so callers can hold it across passes.
func (s State) Clone() State {
	out := State{Oracle: s.Oracle, Err: s.Err, Loans: chain.CloneSet(s.Loans)}
	if s.MoriaUTXO != nil {
		c := s.MoriaUTXO.Clone()
		out.MoriaUTXO = &c
	}
	if s.OracleUTXO != nil {
		c := s.OracleUTXO.Clone()
		out.OracleUTXO = &c
	}
	return out
}

// StateAggregator watches the three protocol role scripts and keeps the
// canonical selection current: the single minting authority NFT, the
// highest-sequence oracle NFT, and the open loan set. It re-selects on
// every tracker update and fans out change events.
type StateAggregator struct {
	cli       *electrum.Client
	utxos     *tracker.UTXOTracker
	contracts *tracker.ContractTracker
	logger    *zap.Logger

	moriaEntry  *tracker.Entry
	oracleEntry *tracker.Entry
	loanEntry   *tracker.Entry

	mu       sync.RWMutex
	state    State
	ownerKey []byte

	oracleChanges *broadcaster.Broker[OracleMessage]
	loanChanges   *broadcaster.Broker[struct{}]
}

func NewStateAggregator(cli *electrum.Client, utxos *tracker.UTXOTracker, contracts *tracker.ContractTracker, logger *zap.Logger) *StateAggregator {
	return &StateAggregator{
		cli:           cli,
		utxos:         utxos,
		contracts:     contracts,
		logger:        logger,
		moriaEntry:    utxos.Track(MoriaLockingBytecode),
		oracleEntry:   utxos.Track(OracleLockingBytecode),
		loanEntry:     contracts.Track(LoanLockingBytecode, false),
		oracleChanges: broadcaster.NewBroker[OracleMessage]("oracle-message-change"),
		loanChanges:   broadcaster.NewBroker[struct{}]("loans-update"),
	}
}

// OnOracleMessage emits whenever the decoded oracle payload changes.
// Successor oracle UTXOs carrying an identical message do not fire.
func (a *StateAggregator) OnOracleMessage() *broadcaster.Broker[OracleMessage] {
	return a.oracleChanges
}

// OnLoansUpdate emits whenever the open loan set changes.
func (a *StateAggregator) OnLoansUpdate() *broadcaster.Broker[struct{}] {
	return a.loanChanges
}

// Snapshot returns a deep copy of the current state.
func (a *StateAggregator) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}

// Refresh pulls all three role sets and re-selects. Used at startup and
// by callers that need a state no older than now.
func (a *StateAggregator) Refresh(ctx context.Context) (State, error) {
	moriaSet, err := a.utxos.UTXOList(ctx, a.moriaEntry)
	if err != nil {
		return State{}, err
	}
	oracleSet, err := a.utxos.UTXOList(ctx, a.oracleEntry)
	if err != nil {
		return State{}, err
	}
	loanSet, err := a.contracts.UTXOList(ctx, a.loanEntry)
	if err != nil {
		return State{}, err
	}
	a.reselect(moriaSet, oracleSet, loanSet)
	a.bootstrapOwnerKey(ctx)
	return a.Snapshot(), nil
}

// bootstrapOwnerKey recovers the oracle controller pubkey once, as soon
// as an authority UTXO is known. Failures are retried on the next
// refresh.
func (a *StateAggregator) bootstrapOwnerKey(ctx context.Context) {
	a.mu.RLock()
	done := a.ownerKey != nil
	authority := a.state.MoriaUTXO
	a.mu.RUnlock()
	if done || authority == nil || a.cli == nil {
		return
	}

	key, err := OwnerPubkey(ctx, a.cli, *authority)
	if err != nil {
		a.logger.Warn("error recovering oracle owner key", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.ownerKey = key
	a.mu.Unlock()
	a.logger.Info("recovered oracle owner key", zap.String("pubkey", hex.EncodeToString(key)))
}

// OwnerKey returns the recovered oracle controller pubkey, nil until
// the bootstrap has succeeded.
func (a *StateAggregator) OwnerKey() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]byte(nil), a.ownerKey...)
}

// Run re-selects on tracker updates until ctx is done.
func (a *StateAggregator) Run(ctx context.Context) {
	utxoUpdates := a.utxos.Updates().Subscribe()
	contractUpdates := a.contracts.Updates().Subscribe()
	defer a.utxos.Updates().UnSubscribe(utxoUpdates)
	defer a.contracts.Updates().UnSubscribe(contractUpdates)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-utxoUpdates:
			if e != a.moriaEntry && e != a.oracleEntry {
				continue
			}
			a.reselectFromEntries()
		case e := <-contractUpdates:
			if e != a.loanEntry {
				continue
			}
			a.reselectFromEntries()
		}
	}
}

func (a *StateAggregator) reselectFromEntries() {
	moriaSet, _, _ := a.moriaEntry.Snapshot()
	oracleSet, _, _ := a.oracleEntry.Snapshot()
	loanSet, _, _ := a.loanEntry.Snapshot()
	a.reselect(moriaSet, oracleSet, loanSet)
}

func (a *StateAggregator) reselect(moriaSet, oracleSet, loanSet []chain.UTXO) {
	next := State{}

	moria, err := SelectMintingAuthority(moriaSet)
	if err != nil {
		next.Err = err
	} else {
		next.MoriaUTXO = moria
	}

	oracle, msg, err := SelectOracle(oracleSet)
	if err != nil {
		if next.Err == nil {
			next.Err = err
		}
	} else {
		next.OracleUTXO = oracle
		next.Oracle = msg
	}

	next.Loans = SelectLoans(loanSet)

	a.mu.Lock()
	prev := a.state
	a.state = next
	a.mu.Unlock()

	if next.Err != nil {
		a.logger.Warn("protocol state invalid", zap.Error(next.Err))
	}
	if next.OracleUTXO != nil && next.Oracle != prev.Oracle {
		a.logger.Debug("oracle message changed",
			zap.Uint32("sequence", next.Oracle.Sequence),
			zap.Uint64("price", next.Oracle.Price))
		a.oracleChanges.Publish(next.Oracle)
	}
	if loansChanged(prev.Loans, next.Loans) {
		a.loanChanges.Publish(struct{}{})
	}
}

// loansChanged compares loan sets by output hash, order-insensitive.
func loansChanged(prev, next []chain.UTXO) bool {
	if len(prev) != len(next) {
		return true
	}
	seen := make(map[chainhash.Hash]int, len(prev))
	for _, u := range prev {
		seen[u.OutputHash()]++
	}
	for _, u := range next {
		h := u.OutputHash()
		if seen[h] == 0 {
			return true
		}
		seen[h]--
	}
	return false
}

// LoansFor returns the loans in state owned by borrowerPKH.
func (s State) LoansFor(borrowerPKH [20]byte) []chain.UTXO {
	var out []chain.UTXO
	for _, u := range s.Loans {
		c, err := DecodeLoanCommitment(u.Commitment())
		if err != nil {
			continue
		}
		if bytes.Equal(c.BorrowerPKH[:], borrowerPKH[:]) {
			out = append(out, u.Clone())
		}
	}
	return out
}
