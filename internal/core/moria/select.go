package moria

import (
	"github.com/pkg/errors"

	"github.com/halvards/moria-keeper/internal/core/chain"
)

// SelectMintingAuthority picks the canonical minting authority UTXO:
// exactly one minting-capability NFT of the protocol category must exist.
// Zero means the chain state is not visible yet; more than one is a fatal
// invariant violation, never silently tolerated.
func SelectMintingAuthority(utxos []chain.UTXO) (*chain.UTXO, error) {
	var found *chain.UTXO
	for i := range utxos {
		u := utxos[i]
		if !u.HasCategory(MUSDCategory) || u.Capability() != chain.CapabilityMinting {
			continue
		}
		if found != nil {
			return nil, errors.Wrap(ErrInvalidProgramState,
				"multiple minting authority utxos")
		}
		c := u.Clone()
		found = &c
	}
	if found == nil {
		return nil, errors.Wrap(ErrInvalidProgramState, "no minting authority utxo")
	}
	return found, nil
}

// SelectOracle picks the canonical oracle UTXO: the mutable-capability
// candidate with the highest sequence counter. Several candidates can
// coexist briefly during a reorg or race; sequence numbers are expected
// unique so ties keep the first seen.
func SelectOracle(utxos []chain.UTXO) (*chain.UTXO, OracleMessage, error) {
	var best *chain.UTXO
	var bestMsg OracleMessage
	for i := range utxos {
		u := utxos[i]
		if !u.HasCategory(OracleCategory) || u.Capability() != chain.CapabilityMutable {
			continue
		}
		msg, err := DecodeOracleMessage(u.Commitment())
		if err != nil {
			continue
		}
		if best == nil || msg.Sequence > bestMsg.Sequence {
			c := u.Clone()
			best = &c
			bestMsg = msg
		}
	}
	if best == nil {
		return nil, OracleMessage{}, errors.Wrap(ErrInvalidProgramState, "no oracle utxo")
	}
	return best, bestMsg, nil
}

// SelectLoans filters the pool set down to well-formed loan NFTs.
func SelectLoans(utxos []chain.UTXO) []chain.UTXO {
	loans := make([]chain.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if !u.HasCategory(MUSDCategory) {
			continue
		}
		if u.Output.Token.NFT == nil || u.Output.Token.NFT.Capability != chain.CapabilityNone {
			continue
		}
		if _, err := DecodeLoanCommitment(u.Commitment()); err != nil {
			continue
		}
		loans = append(loans, u.Clone())
	}
	return loans
}
