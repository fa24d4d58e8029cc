package manager_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/manager"
	"github.com/halvards/moria-keeper/internal/core/moria"
	"github.com/halvards/moria-keeper/pkg/notify"
	"github.com/halvards/moria-keeper/pkg/wallet"
)

const testPrice = 100_000

func newTestWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.FromHex("0000000000000000000000000000000000000000000000000000000000000002")
	require.NoError(t, err)
	return w
}

func balancedSettings() manager.Settings {
	return manager.Settings{
		TargetLoanAmount:                   100_000,
		TargetCollateralRate:               manager.TargetRate{Rate: 1.5},
		AboveTargetCollateralRefiThreshold: 1.8,
		BelowTargetCollateralRefiThreshold: 1.3,
		MarginCallWarningCollateralRate:    1.2,
		MaxLoanAmountPerUTXO:               200_000,
		RetargetMinMUSDAmount:              100,
		TxFeePerByte:                       1,
		TxReserveForChangeAndTxFee:         20_000,
		DryRun:                             true,
	}
}

func snapshotWithLoan(w *wallet.Wallet, principal uint64, collateralSats int64) moria.State {
	moriaUTXO := chain.UTXO{Output: chain.Output{
		LockingBytecode: moria.MoriaLockingBytecode,
		Amount:          1000,
		Token: &chain.TokenData{
			Category: moria.MUSDCategory,
			Amount:   10_000_000,
			NFT:      &chain.NFT{Capability: chain.CapabilityMinting},
		},
	}}
	moriaUTXO.Outpoint.TxHash[0] = 0xaa

	msg := moria.OracleMessage{Sequence: 1, Timestamp: 1700000000, Price: testPrice}
	oracleUTXO := chain.UTXO{Output: chain.Output{
		LockingBytecode: moria.OracleLockingBytecode,
		Amount:          2000,
		Token: &chain.TokenData{
			Category: moria.OracleCategory,
			NFT:      &chain.NFT{Capability: chain.CapabilityMutable, Commitment: msg.Encode()},
		},
	}}
	oracleUTXO.Outpoint.TxHash[0] = 0xbb

	state := moria.State{MoriaUTXO: &moriaUTXO, OracleUTXO: &oracleUTXO, Oracle: msg}
	if principal > 0 {
		loan := chain.UTXO{Output: chain.Output{
			LockingBytecode: moria.LoanLockingBytecode,
			Amount:          collateralSats,
			Token: &chain.TokenData{
				Category: moria.MUSDCategory,
				NFT: &chain.NFT{
					Capability: chain.CapabilityNone,
					Commitment: moria.LoanCommitment{
						BorrowerPKH: w.PubKeyHash(),
						Principal:   principal,
						InterestBPS: 500,
						Timestamp:   1700000000,
					}.Encode(),
				},
			},
		}}
		loan.Outpoint.TxHash[0] = 0x01
		state.Loans = []chain.UTXO{loan}
	}
	return state
}

type memStore struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func (s *memStore) ReadManagerState(_ context.Context, walletName string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, found := s.data[walletName]
	if !found {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (s *memStore) WriteManagerState(_ context.Context, walletName string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string]json.RawMessage)
	}
	s.data[walletName] = raw
	return nil
}

type countingHook struct {
	mu     sync.Mutex
	events []string
}

func (h *countingHook) Name() string      { return "counting" }
func (h *countingHook) Wants(string) bool { return true }

func (h *countingHook) count(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n int
	for _, e := range h.events {
		if e == event {
			n++
		}
	}
	return n
}
func (h *countingHook) Deliver(_ context.Context, event string, _ map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func newManager(t *testing.T, w *wallet.Wallet, settings manager.Settings,
	snapshot moria.State, coins []chain.UTXO,
	broadcast func(context.Context, string) (string, error),
	hook notify.Hook) *manager.PositionManager {
	t.Helper()
	var hooks []notify.Hook
	if hook != nil {
		hooks = append(hooks, hook)
	}
	m, err := manager.New(manager.Deps{
		WalletName: "test",
		Wallet:     w,
		Snapshot: func(context.Context) (moria.State, error) {
			return snapshot.Clone(), nil
		},
		Coins: func(context.Context) ([]chain.UTXO, error) {
			return chain.CloneSet(coins), nil
		},
		Broadcast: broadcast,
		Settings: func(context.Context) (manager.Settings, error) {
			return settings, nil
		},
		Notifier: notify.NewNotifier(hooks, zap.NewNop()),
		Store:    &memStore{},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return m
}

func TestDryRunIdempotence(t *testing.T) {
	w := newTestWallet(t)
	// already balanced: loan on target at exactly the target rate
	snapshot := snapshotWithLoan(w, 100_000, 150_000_000)
	coins := []chain.UTXO{{Output: chain.Output{LockingBytecode: w.LockingBytecode(), Amount: 1_000_000}}}

	m := newManager(t, w, balancedSettings(), snapshot, coins, nil, nil)

	first := m.RunOnce(context.Background())
	require.NoError(t, first.Err)
	second := m.RunOnce(context.Background())
	require.NoError(t, second.Err)
	require.Empty(t, second.TxHashes)
	require.Empty(t, second.PendingDeposits)
}

func TestMempoolConflictThrottling(t *testing.T) {
	w := newTestWallet(t)
	// over-collateralized loan forces one refinance broadcast per pass
	snapshot := snapshotWithLoan(w, 100_000, 200_000_000)
	coins := []chain.UTXO{{Output: chain.Output{LockingBytecode: w.LockingBytecode(), Amount: 1_000_000}}}

	settings := balancedSettings()
	settings.DryRun = false

	hook := &countingHook{}
	broadcast := func(context.Context, string) (string, error) {
		return "", errors.New("the transaction was rejected: txn-mempool-conflict")
	}
	m := newManager(t, w, settings, snapshot, coins, broadcast, hook)

	// first N consecutive conflicts stay silent
	for i := 0; i < manager.DefaultMempoolConflictSuppression; i++ {
		outcome := m.RunOnce(context.Background())
		require.Error(t, outcome.Err)
		require.Zero(t, hook.count(notify.EventError), "conflict %d must be suppressed", i+1)
	}

	// the N+1th triggers exactly one delivery
	outcome := m.RunOnce(context.Background())
	require.Error(t, outcome.Err)
	require.Equal(t, 1, hook.count(notify.EventError))

	// and stays quiet again afterwards
	outcome = m.RunOnce(context.Background())
	require.Error(t, outcome.Err)
	require.Equal(t, 1, hook.count(notify.EventError))
}

func TestBroadcastFailureKeepsBookkeeping(t *testing.T) {
	w := newTestWallet(t)
	snapshot := snapshotWithLoan(w, 100_000, 200_000_000)
	coins := []chain.UTXO{{Output: chain.Output{LockingBytecode: w.LockingBytecode(), Amount: 1_000_000}}}

	settings := balancedSettings()
	settings.DryRun = false

	broadcast := func(context.Context, string) (string, error) {
		return "", errors.New("upstream unavailable")
	}
	m := newManager(t, w, settings, snapshot, coins, broadcast, nil)

	outcome := m.RunOnce(context.Background())
	require.Error(t, outcome.Err)
	require.Empty(t, outcome.TxHashes)
	require.Empty(t, outcome.PendingDeposits)

	status := m.Status()
	require.Equal(t, "test", status.WalletName)
	require.NotEmpty(t, status.LastError)
}

func TestMarginCallWarning(t *testing.T) {
	w := newTestWallet(t)
	// ratio 1.1, under the 1.2 margin call threshold
	snapshot := snapshotWithLoan(w, 100_000, 110_000_000)
	coins := []chain.UTXO{{Output: chain.Output{LockingBytecode: w.LockingBytecode(), Amount: 200_000_000}}}

	hook := &countingHook{}
	m := newManager(t, w, balancedSettings(), snapshot, coins, nil, hook)

	outcome := m.RunOnce(context.Background())
	require.NoError(t, outcome.Err)
	require.Equal(t, 1, hook.count(notify.EventMarginCall))
}

func TestStatusReportsSnapshotSummary(t *testing.T) {
	w := newTestWallet(t)
	snapshot := snapshotWithLoan(w, 100_000, 150_000_000)
	coins := []chain.UTXO{{Output: chain.Output{LockingBytecode: w.LockingBytecode(), Amount: 1_000_000}}}

	m := newManager(t, w, balancedSettings(), snapshot, coins, nil, nil)
	outcome := m.RunOnce(context.Background())
	require.NoError(t, outcome.Err)

	status := m.Status()
	require.EqualValues(t, testPrice, status.OraclePrice)
	require.EqualValues(t, 1, status.OracleSequence)
	require.EqualValues(t, 100_000, status.TotalLoanAmount)
}

func TestSettingsValidation(t *testing.T) {
	valid := balancedSettings()
	require.NoError(t, valid.Validate())

	s := valid
	s.TargetCollateralRate = manager.TargetRate{Rate: 1.4}
	require.Error(t, s.Validate(), "target below protocol minimum")

	s = valid
	s.BelowTargetCollateralRefiThreshold = 1.6
	require.Error(t, s.Validate(), "below threshold above target")

	s = valid
	s.AboveTargetCollateralRefiThreshold = 1.45
	require.Error(t, s.Validate(), "above threshold below target")

	s = valid
	s.MarginCallWarningCollateralRate = 1.35
	require.Error(t, s.Validate(), "margin call above below-threshold")

	s = valid
	s.MaxLoanAmountPerUTXO = 0
	require.Error(t, s.Validate())

	s = valid
	s.TxFeePerByte = 0
	require.Error(t, s.Validate())

	// "MIN" resolves to the protocol floor and validates
	s = valid
	s.TargetCollateralRate = manager.TargetRate{IsMin: true}
	require.NoError(t, s.Validate())
}

func TestTargetRateJSON(t *testing.T) {
	var r manager.TargetRate
	require.NoError(t, json.Unmarshal([]byte(`"MIN"`), &r))
	require.True(t, r.IsMin)
	require.EqualValues(t, 1.5, r.Resolve())

	require.NoError(t, json.Unmarshal([]byte(`1.75`), &r))
	require.False(t, r.IsMin)
	require.EqualValues(t, 1.75, r.Resolve())

	require.Error(t, json.Unmarshal([]byte(`"LOW"`), &r))

	raw, err := json.Marshal(manager.TargetRate{IsMin: true})
	require.NoError(t, err)
	require.Equal(t, `"MIN"`, string(raw))
}
