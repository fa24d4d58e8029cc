package manager

import (
	"time"
)

// Status is the read-only view of a manager. Reading it never blocks a
// running pass.
type Status struct {
	WalletName      string           `json:"wallet_name"`
	Phase           string           `json:"phase"`
	LastUpdate      time.Time        `json:"last_update,omitempty"`
	LastError       string           `json:"last_error,omitempty"`
	TxChain         []string         `json:"transaction_chain,omitempty"`
	Pending         []PendingDeposit `json:"actions_pending_deposit,omitempty"`
	OraclePrice     uint64           `json:"oracle_price,omitempty"`
	OracleSequence  uint32           `json:"oracle_sequence,omitempty"`
	TotalLoanAmount uint64           `json:"total_loan_amount,omitempty"`
	DryRun          bool             `json:"dryrun,omitempty"`
	HookNames       []string         `json:"notification_hooks,omitempty"`
}

func (m *PositionManager) Status() Status {
	m.mu.Lock()
	phase := m.phase
	last := m.last
	m.mu.Unlock()

	s := Status{
		WalletName:      m.deps.WalletName,
		Phase:           phase,
		LastUpdate:      last.Timestamp,
		TxChain:         append([]string(nil), last.TxHashes...),
		Pending:         append([]PendingDeposit(nil), last.PendingDeposits...),
		OraclePrice:     last.OraclePrice,
		OracleSequence:  last.OracleSequence,
		TotalLoanAmount: last.TotalLoanAmount,
		DryRun:          last.DryRun,
	}
	if last.Err != nil {
		s.LastError = last.Err.Error()
	}
	if m.deps.Notifier != nil {
		s.HookNames = m.deps.Notifier.HookNames()
	}
	return s
}
