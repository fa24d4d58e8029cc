// Package coinselect picks funding inputs for keeper transactions. The
// selector is pure: it never touches the network and never mutates its
// inputs, so callers can retry with different requirements.
package coinselect

import (
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/halvards/moria-keeper/internal/core/chain"
)

// ErrInsufficientFunds reports that the coin set cannot cover the
// requirements.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Requirement asks for an amount of one asset. A nil Category means
// satoshis. FixedAmount requires coins summing exactly to Amount; the
// default treats Amount as a minimum.
type Requirement struct {
	Category    *chainhash.Hash
	Amount      int64
	FixedAmount bool
}

// Opts tunes selection behavior.
type Opts struct {
	// PureBCHOnly rejects token-bearing coins when funding a satoshi
	// requirement, so a fee input can never accidentally burn tokens.
	PureBCHOnly bool

	// MaxInputs caps the selected coin count; zero means no cap.
	MaxInputs int
}

// Result is the selected coins plus per-asset totals.
type Result struct {
	Coins       []chain.UTXO
	SatsTotal   int64
	TokenTotals map[chainhash.Hash]uint64
}

// Select satisfies every requirement from coins, preferring fewer,
// larger coins. Each coin is used at most once even when it contributes
// to both a token and a satoshi requirement.
func Select(coins []chain.UTXO, requirements []Requirement, opts Opts) (Result, error) {
	res := Result{TokenTotals: make(map[chainhash.Hash]uint64)}
	used := make(map[chain.Outpoint]bool)

	// token requirements first: they constrain which coins are eligible
	// far more than the satoshi ones do
	for _, req := range requirements {
		if req.Category == nil {
			continue
		}
		if err := selectTokens(coins, req, opts, used, &res); err != nil {
			return Result{}, err
		}
	}
	for _, req := range requirements {
		if req.Category != nil {
			continue
		}
		if err := selectSats(coins, req, opts, used, &res); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func selectTokens(coins []chain.UTXO, req Requirement, opts Opts, used map[chain.Outpoint]bool, res *Result) error {
	if req.Amount < 0 {
		return errors.Errorf("negative token requirement %d", req.Amount)
	}
	candidates := make([]chain.UTXO, 0, len(coins))
	for _, c := range coins {
		if used[c.Outpoint] || c.Output.Token == nil || c.Output.Token.NFT != nil {
			continue
		}
		if c.Output.Token.Category != *req.Category || c.Output.Token.Amount == 0 {
			continue
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Output.Token.Amount > candidates[j].Output.Token.Amount
	})

	need := uint64(req.Amount)
	var got uint64
	for _, c := range candidates {
		if got >= need {
			break
		}
		if exceedsCap(opts, len(res.Coins)+1) {
			return errors.Wrapf(ErrInsufficientFunds,
				"token requirement for %s needs more than %d inputs", req.Category, opts.MaxInputs)
		}
		used[c.Outpoint] = true
		res.Coins = append(res.Coins, c.Clone())
		res.SatsTotal += c.Output.Amount
		res.TokenTotals[*req.Category] += c.Output.Token.Amount
		got += c.Output.Token.Amount
	}
	if got < need {
		return errors.Wrapf(ErrInsufficientFunds,
			"token requirement for %s: have %d, need %d", req.Category, got, need)
	}
	if req.FixedAmount && got != need {
		return errors.Wrapf(ErrInsufficientFunds,
			"token requirement for %s cannot be met exactly: selected %d, need %d",
			req.Category, got, need)
	}
	return nil
}

func selectSats(coins []chain.UTXO, req Requirement, opts Opts, used map[chain.Outpoint]bool, res *Result) error {
	if req.Amount < 0 {
		return errors.Errorf("negative satoshi requirement %d", req.Amount)
	}
	// satoshis riding on already-selected token coins count toward the
	// requirement
	if res.SatsTotal >= req.Amount && !req.FixedAmount {
		return nil
	}

	candidates := make([]chain.UTXO, 0, len(coins))
	for _, c := range coins {
		if used[c.Outpoint] {
			continue
		}
		if opts.PureBCHOnly && !c.IsPure() {
			continue
		}
		candidates = append(candidates, c)
	}
	// pure coins fund satoshis first; token-bearing coins are drawn in
	// only once every pure coin is exhausted
	sort.Slice(candidates, func(i, j int) bool {
		if pi, pj := candidates[i].IsPure(), candidates[j].IsPure(); pi != pj {
			return pi
		}
		return candidates[i].Output.Amount > candidates[j].Output.Amount
	})

	for _, c := range candidates {
		if res.SatsTotal >= req.Amount {
			break
		}
		if exceedsCap(opts, len(res.Coins)+1) {
			return errors.Wrapf(ErrInsufficientFunds,
				"satoshi requirement needs more than %d inputs", opts.MaxInputs)
		}
		used[c.Outpoint] = true
		res.Coins = append(res.Coins, c.Clone())
		res.SatsTotal += c.Output.Amount
		if c.Output.Token != nil && c.Output.Token.NFT == nil {
			res.TokenTotals[c.Output.Token.Category] += c.Output.Token.Amount
		}
	}
	if res.SatsTotal < req.Amount {
		return errors.Wrapf(ErrInsufficientFunds,
			"satoshi requirement: have %d, need %d", res.SatsTotal, req.Amount)
	}
	if req.FixedAmount && res.SatsTotal != req.Amount {
		return errors.Wrapf(ErrInsufficientFunds,
			"satoshi requirement cannot be met exactly: selected %d, need %d",
			res.SatsTotal, req.Amount)
	}
	return nil
}

func exceedsCap(opts Opts, n int) bool {
	return opts.MaxInputs > 0 && n > opts.MaxInputs
}
