package manager

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// MinCollateralRate is the protocol floor; "MIN" in settings resolves
// to it.
const MinCollateralRate = 1.5

// DefaultMempoolConflictSuppression is how many consecutive
// mempool-conflict failures stay silent before one escalates.
const DefaultMempoolConflictSuppression = 3

// TargetRate is a collateral-rate setting that accepts either a number
// or the literal string "MIN".
type TargetRate struct {
	IsMin bool
	Rate  float64
}

func (r *TargetRate) UnmarshalJSON(raw []byte) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.EqualFold(s, "MIN") {
			*r = TargetRate{IsMin: true}
			return nil
		}
		return errors.Errorf("target_collateral_rate string must be \"MIN\", got %q", s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return errors.Wrap(err, "target_collateral_rate must be a number or \"MIN\"")
	}
	*r = TargetRate{Rate: f}
	return nil
}

func (r TargetRate) MarshalJSON() ([]byte, error) {
	if r.IsMin {
		return json.Marshal("MIN")
	}
	return json.Marshal(r.Rate)
}

// Resolve returns the effective numeric rate.
func (r TargetRate) Resolve() float64 {
	if r.IsMin {
		return MinCollateralRate
	}
	return r.Rate
}

// Rat returns the effective rate as an exact rational.
func (r TargetRate) Rat() *big.Rat {
	out := new(big.Rat)
	out.SetFloat64(r.Resolve())
	return out
}

// Settings is one wallet's rebalancing policy. Amounts are MUSD base
// units (hundredths); rates are ratios of collateral value to
// principal.
type Settings struct {
	TargetLoanAmount     uint64     `json:"target_loan_amount"`
	TargetCollateralRate TargetRate `json:"target_collateral_rate"`

	AboveTargetCollateralRefiThreshold float64 `json:"above_target_collateral_refi_threshold"`
	BelowTargetCollateralRefiThreshold float64 `json:"below_target_collateral_refi_threshold"`
	MarginCallWarningCollateralRate    float64 `json:"margin_call_warning_collateral_rate"`

	MaxLoanAmountPerUTXO  uint64 `json:"max_loan_amount_per_utxo"`
	RetargetMinMUSDAmount uint64 `json:"retarget_min_musd_amount"`

	TxFeePerByte               int64 `json:"txfee_per_byte"`
	TxReserveForChangeAndTxFee int64 `json:"tx_reserve_for_change_and_txfee"`

	DryRun bool `json:"dryrun"`
	Debug  bool `json:"debug"`

	// notification frequencies in hours; zero disables the gate
	WarningNotificationFrequency float64 `json:"warning_notification_frequency"`
	ErrorNotificationFrequency   float64 `json:"error_notification_frequency"`

	// consecutive mempool conflicts to suppress; zero means default
	MempoolConflictSuppression int `json:"mempool_conflict_suppression,omitempty"`
}

// Validate checks the policy as a unit before any pass may use it.
func (s Settings) Validate() error {
	target := s.TargetCollateralRate.Resolve()
	if target < MinCollateralRate {
		return errors.Errorf("target_collateral_rate %.4f below protocol minimum %.1f",
			target, MinCollateralRate)
	}
	if s.MarginCallWarningCollateralRate <= 0 {
		return errors.New("margin_call_warning_collateral_rate must be positive")
	}
	if !(s.MarginCallWarningCollateralRate < s.BelowTargetCollateralRefiThreshold) {
		return errors.Errorf("margin_call_warning_collateral_rate %.4f must be below below_target_collateral_refi_threshold %.4f",
			s.MarginCallWarningCollateralRate, s.BelowTargetCollateralRefiThreshold)
	}
	if !(s.BelowTargetCollateralRefiThreshold < target) {
		return errors.Errorf("below_target_collateral_refi_threshold %.4f must be below target_collateral_rate %.4f",
			s.BelowTargetCollateralRefiThreshold, target)
	}
	if !(target < s.AboveTargetCollateralRefiThreshold) {
		return errors.Errorf("target_collateral_rate %.4f must be below above_target_collateral_refi_threshold %.4f",
			target, s.AboveTargetCollateralRefiThreshold)
	}
	if s.MaxLoanAmountPerUTXO == 0 {
		return errors.New("max_loan_amount_per_utxo must be positive")
	}
	if s.RetargetMinMUSDAmount == 0 {
		return errors.New("retarget_min_musd_amount must be positive")
	}
	if s.TxFeePerByte <= 0 {
		return errors.New("txfee_per_byte must be positive")
	}
	if s.TxReserveForChangeAndTxFee < 0 {
		return errors.New("tx_reserve_for_change_and_txfee must not be negative")
	}
	if s.WarningNotificationFrequency < 0 || s.ErrorNotificationFrequency < 0 {
		return errors.New("notification frequencies must not be negative")
	}
	if s.MempoolConflictSuppression < 0 {
		return errors.New("mempool_conflict_suppression must not be negative")
	}
	return nil
}

func (s Settings) conflictSuppression() int {
	if s.MempoolConflictSuppression == 0 {
		return DefaultMempoolConflictSuppression
	}
	return s.MempoolConflictSuppression
}
