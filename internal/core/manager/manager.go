// Package manager runs the per-wallet rebalancing control loop: it
// consumes protocol snapshots and wallet UTXO sets, decides the bounded
// sequence of mutations that move the wallet's positions toward its
// policy, and applies them as one chained batch per pass.
package manager

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/electrum"
	"github.com/halvards/moria-keeper/internal/core/journal"
	"github.com/halvards/moria-keeper/internal/core/moria"
	"github.com/halvards/moria-keeper/internal/core/moriatx"
	"github.com/halvards/moria-keeper/pkg/notify"
	"github.com/halvards/moria-keeper/pkg/wallet"
)

// Phase labels surfaced by Status.
const (
	PhaseIdle     = "idle"
	PhaseDebounce = "debounced"
	PhaseWaiting  = "waiting-for-trackers"
	PhaseRunning  = "running-pass"
)

const (
	defaultDebounce    = 3 * time.Second
	trackerWaitRetries = 10
	trackerWaitDelay   = 200 * time.Millisecond
)

// StateStore persists per-wallet runtime state across restarts.
// *settingsstore.Store satisfies it.
type StateStore interface {
	ReadManagerState(ctx context.Context, walletName string, out any) error
	WriteManagerState(ctx context.Context, walletName string, state any) error
}

// Deps wires a manager to the rest of the keeper. Function fields keep
// the control loop testable without a live upstream.
type Deps struct {
	WalletName string
	Wallet     *wallet.Wallet

	// Snapshot returns the current protocol state, refreshed.
	Snapshot func(ctx context.Context) (moria.State, error)

	// Coins returns the wallet's spendable UTXOs.
	Coins func(ctx context.Context) ([]chain.UTXO, error)

	// TrackersSettled reports whether dependent trackers have no fetch
	// in flight. Nil skips the pre-pass wait.
	TrackersSettled func() bool

	// Broadcast submits a raw transaction hex and returns its txid.
	Broadcast func(ctx context.Context, rawTxHex string) (string, error)

	// Settings reads the wallet's current policy.
	Settings func(ctx context.Context) (Settings, error)

	Notifier *notify.Notifier
	Store    StateStore
	Journal  *journal.Journal
	Logger   *zap.Logger

	Debounce time.Duration
}

// Outcome is the externally visible result of the last pass, including
// a summary of the snapshot the pass ran against.
type Outcome struct {
	Timestamp       time.Time
	TxHashes        []string
	PendingDeposits []PendingDeposit
	OraclePrice     uint64
	OracleSequence  uint32
	TotalLoanAmount uint64
	DryRun          bool
	Err             error
}

// runtimeState is the persisted throttling bookkeeping.
type runtimeState struct {
	LastErrorNotification   time.Time `json:"last_error_notification,omitempty"`
	LastWarningNotification time.Time `json:"last_warning_notification,omitempty"`
	ConsecutiveConflicts    int       `json:"consecutive_mempool_conflicts,omitempty"`
}

// PositionManager is one wallet's control loop. At most one pass runs
// at a time; triggers during a pass coalesce into a single follow-up.
type PositionManager struct {
	deps    Deps
	trigger chan struct{}

	mu    sync.Mutex
	phase string
	last  Outcome
}

func New(deps Deps) (*PositionManager, error) {
	switch {
	case deps.WalletName == "":
		return nil, errors.New("manager needs a wallet name")
	case deps.Wallet == nil:
		return nil, errors.New("manager needs a wallet")
	case deps.Snapshot == nil || deps.Coins == nil || deps.Settings == nil:
		return nil, errors.New("manager needs snapshot, coins, and settings sources")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Debounce <= 0 {
		deps.Debounce = defaultDebounce
	}
	return &PositionManager{
		deps:    deps,
		trigger: make(chan struct{}, 1),
		phase:   PhaseIdle,
	}, nil
}

// Update requests a pass. Calls during a debounce window or a running
// pass coalesce into the next single pass.
func (m *PositionManager) Update() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run executes passes until ctx is done.
func (m *PositionManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.trigger:
		}
		m.setPhase(PhaseDebounce)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.deps.Debounce):
		}

		m.setPhase(PhaseWaiting)
		m.waitForTrackers(ctx)

		m.setPhase(PhaseRunning)
		outcome := m.RunOnce(ctx)
		if outcome.Err != nil {
			m.deps.Logger.Warn("rebalancing pass failed",
				zap.String("wallet", m.deps.WalletName), zap.Error(outcome.Err))
		}
		m.setPhase(PhaseIdle)
	}
}

// waitForTrackers gives in-flight tracker fetches a bounded window to
// settle so the pass does not mutate against a stale snapshot. On
// exhausting the retries it proceeds anyway.
func (m *PositionManager) waitForTrackers(ctx context.Context) {
	if m.deps.TrackersSettled == nil {
		return
	}
	for i := 0; i < trackerWaitRetries; i++ {
		if m.deps.TrackersSettled() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(trackerWaitDelay):
		}
	}
	m.deps.Logger.Warn("trackers still settling, proceeding with pass",
		zap.String("wallet", m.deps.WalletName))
}

func (m *PositionManager) setPhase(phase string) {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
}

// RunOnce executes one full pass synchronously and records its outcome.
func (m *PositionManager) RunOnce(ctx context.Context) Outcome {
	outcome := m.runPass(ctx)

	m.mu.Lock()
	m.last = outcome
	m.mu.Unlock()

	if m.deps.Journal != nil {
		rec := journal.PassRecord{
			WalletName: m.deps.WalletName,
			Timestamp:  outcome.Timestamp,
			TxHashes:   outcome.TxHashes,
			DryRun:     outcome.DryRun,
		}
		if outcome.Err != nil {
			rec.Error = outcome.Err.Error()
		}
		if err := m.deps.Journal.Append(rec); err != nil {
			m.deps.Logger.Warn("error journaling pass outcome", zap.Error(err))
		}
	}
	return outcome
}

func (m *PositionManager) runPass(ctx context.Context) Outcome {
	outcome := Outcome{Timestamp: time.Now()}

	settings, err := m.deps.Settings(ctx)
	if err == nil {
		err = settings.Validate()
	}
	if err != nil {
		outcome.Err = errors.Wrap(err, "invalid settings")
		m.notifyError(ctx, settings, outcome.Err)
		return outcome
	}
	outcome.DryRun = settings.DryRun

	snapshot, err := m.deps.Snapshot(ctx)
	if err != nil {
		outcome.Err = errors.Wrap(err, "error refreshing protocol state")
		m.notifyError(ctx, settings, outcome.Err)
		return outcome
	}
	coins, err := m.deps.Coins(ctx)
	if err != nil {
		outcome.Err = errors.Wrap(err, "error fetching wallet coins")
		m.notifyError(ctx, settings, outcome.Err)
		return outcome
	}

	st, err := newUpdateState(settings, m.deps.Wallet, snapshot, coins)
	if err != nil {
		outcome.Err = err
		m.notifyError(ctx, settings, err)
		return outcome
	}
	outcome.OraclePrice = snapshot.Oracle.Price
	outcome.OracleSequence = snapshot.Oracle.Sequence
	outcome.TotalLoanAmount = st.totalLoanAmount()

	m.warnMarginCalls(ctx, settings, st)

	for _, phase := range []func() error{
		st.phaseReduceLoanSize,
		st.phaseReduceCollateral,
		st.phaseIncreaseCollateral,
		st.phaseIncreaseLoanSize,
	} {
		if err := phase(); err != nil {
			outcome.Err = err
			m.notifyError(ctx, settings, err)
			return outcome
		}
	}

	outcome.PendingDeposits = st.pendingDeposits
	outcome.TotalLoanAmount = st.totalLoanAmount()
	if settings.DryRun {
		for _, res := range st.txChain {
			outcome.TxHashes = append(outcome.TxHashes, res.TxHash.String())
		}
		m.resetConflicts(ctx)
		return outcome
	}

	txHashes, err := m.broadcastChain(ctx, st)
	outcome.TxHashes = txHashes
	if err != nil {
		// bookkeeping survives the abort: broadcast txids stay
		// recorded, pending deposits roll back to pre-pass state
		outcome.PendingDeposits = nil
		outcome.Err = err
		m.notifyError(ctx, settings, err)
		return outcome
	}
	m.resetConflicts(ctx)
	return outcome
}

// broadcastChain verifies and broadcasts every chained transaction in
// order. A failure aborts the remaining broadcasts.
func (m *PositionManager) broadcastChain(ctx context.Context, st *updateState) ([]string, error) {
	if m.deps.Broadcast == nil && len(st.txChain) > 0 {
		return nil, errors.New("no broadcaster configured")
	}
	var txHashes []string
	for i, res := range st.txChain {
		if err := moriatx.Verify(res); err != nil {
			return txHashes, errors.Wrapf(err, "transaction %d failed verification", i)
		}
		txid, err := m.deps.Broadcast(ctx, hex.EncodeToString(res.TxBin))
		if err != nil {
			return txHashes, errors.Wrapf(err, "error broadcasting transaction %d of %d",
				i+1, len(st.txChain))
		}
		txHashes = append(txHashes, txid)
	}
	return txHashes, nil
}

// warnMarginCalls sends a throttled warning for any loan whose rate has
// fallen under the margin-call threshold.
func (m *PositionManager) warnMarginCalls(ctx context.Context, settings Settings, st *updateState) {
	threshold := moria.RatFromFloat(settings.MarginCallWarningCollateralRate)
	var atRisk []string
	for _, l := range st.loans {
		if l.rate.Cmp(threshold) < 0 {
			atRisk = append(atRisk, l.utxo.Outpoint.TxHash.String())
		}
	}
	if len(atRisk) == 0 || m.deps.Notifier == nil {
		return
	}

	state := m.loadRuntimeState(ctx)
	if !frequencyAllows(state.LastWarningNotification, settings.WarningNotificationFrequency) {
		return
	}
	err := m.deps.Notifier.Dispatch(ctx, notify.EventMarginCall, map[string]any{
		"wallet": m.deps.WalletName,
		"loans":  atRisk,
	})
	if err != nil {
		m.deps.Logger.Warn("margin call notification failed", zap.Error(err))
		return
	}
	state.LastWarningNotification = time.Now()
	m.saveRuntimeState(ctx, state)
}

// notifyError delivers a throttled error notification. Mempool
// conflicts are expected under multi-writer races: the first N
// consecutive occurrences stay silent, the N+1th escalates.
func (m *PositionManager) notifyError(ctx context.Context, settings Settings, passErr error) {
	if m.deps.Notifier == nil {
		return
	}
	state := m.loadRuntimeState(ctx)

	if electrum.IsMempoolConflict(passErr) {
		state.ConsecutiveConflicts++
		m.saveRuntimeState(ctx, state)
		if state.ConsecutiveConflicts != settings.conflictSuppression()+1 {
			m.deps.Logger.Info("suppressing mempool conflict notification",
				zap.Int("consecutive", state.ConsecutiveConflicts))
			return
		}
	} else {
		if state.ConsecutiveConflicts != 0 {
			state.ConsecutiveConflicts = 0
			m.saveRuntimeState(ctx, state)
		}
		if !frequencyAllows(state.LastErrorNotification, settings.ErrorNotificationFrequency) {
			return
		}
	}

	err := m.deps.Notifier.Dispatch(ctx, notify.EventError, map[string]any{
		"wallet": m.deps.WalletName,
		"error":  passErr.Error(),
	})
	if err != nil {
		m.deps.Logger.Warn("error notification failed", zap.Error(err))
		return
	}
	state.LastErrorNotification = time.Now()
	m.saveRuntimeState(ctx, state)
}

func (m *PositionManager) resetConflicts(ctx context.Context) {
	state := m.loadRuntimeState(ctx)
	if state.ConsecutiveConflicts != 0 {
		state.ConsecutiveConflicts = 0
		m.saveRuntimeState(ctx, state)
	}
}

func frequencyAllows(last time.Time, hours float64) bool {
	if hours <= 0 || last.IsZero() {
		return true
	}
	return time.Since(last) >= time.Duration(hours*float64(time.Hour))
}

func (m *PositionManager) loadRuntimeState(ctx context.Context) runtimeState {
	var state runtimeState
	if m.deps.Store == nil {
		return state
	}
	if err := m.deps.Store.ReadManagerState(ctx, m.deps.WalletName, &state); err != nil {
		m.deps.Logger.Warn("error loading manager state", zap.Error(err))
	}
	return state
}

func (m *PositionManager) saveRuntimeState(ctx context.Context, state runtimeState) {
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.WriteManagerState(ctx, m.deps.WalletName, state); err != nil {
		m.deps.Logger.Warn("error saving manager state", zap.Error(err))
	}
}
