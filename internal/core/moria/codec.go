package moria

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/halvards/moria-keeper/internal/core/chain"
)

// ErrInvalidProgramState reports a broken canonical-UTXO invariant, e.g.
// two minting authority NFTs in flight. Fatal to the current pass.
var ErrInvalidProgramState = errors.New("invalid program state")

// OracleMessage is the decoded commitment of the oracle NFT:
//
//	bytes 0..4   sequence counter, uint32 LE, monotonic
//	bytes 4..8   message timestamp, uint32 LE, unix seconds
//	bytes 8..16  price, uint64 LE, USD cents per whole BCH
type OracleMessage struct {
	Sequence  uint32
	Timestamp uint32
	Price     uint64
}

const oracleCommitmentSize = 16

func DecodeOracleMessage(commitment []byte) (OracleMessage, error) {
	if len(commitment) != oracleCommitmentSize {
		return OracleMessage{}, errors.Errorf("oracle commitment must be %d bytes, got %d",
			oracleCommitmentSize, len(commitment))
	}
	return OracleMessage{
		Sequence:  binary.LittleEndian.Uint32(commitment[0:4]),
		Timestamp: binary.LittleEndian.Uint32(commitment[4:8]),
		Price:     binary.LittleEndian.Uint64(commitment[8:16]),
	}, nil
}

func (m OracleMessage) Encode() []byte {
	out := make([]byte, oracleCommitmentSize)
	binary.LittleEndian.PutUint32(out[0:4], m.Sequence)
	binary.LittleEndian.PutUint32(out[4:8], m.Timestamp)
	binary.LittleEndian.PutUint64(out[8:16], m.Price)
	return out
}

// LoanCommitment is the decoded commitment of a loan NFT:
//
//	bytes 0..20   borrower pubkey hash
//	bytes 20..28  principal, uint64 LE, MUSD base units (hundredths)
//	bytes 28..32  annual interest, uint32 LE, basis points
//	bytes 32..36  mint timestamp, uint32 LE, unix seconds
type LoanCommitment struct {
	BorrowerPKH [20]byte
	Principal   uint64
	InterestBPS uint32
	Timestamp   uint32
}

const loanCommitmentSize = 36

func DecodeLoanCommitment(commitment []byte) (LoanCommitment, error) {
	if len(commitment) != loanCommitmentSize {
		return LoanCommitment{}, errors.Errorf("loan commitment must be %d bytes, got %d",
			loanCommitmentSize, len(commitment))
	}
	var c LoanCommitment
	copy(c.BorrowerPKH[:], commitment[0:20])
	c.Principal = binary.LittleEndian.Uint64(commitment[20:28])
	c.InterestBPS = binary.LittleEndian.Uint32(commitment[28:32])
	c.Timestamp = binary.LittleEndian.Uint32(commitment[32:36])
	return c, nil
}

func (c LoanCommitment) Encode() []byte {
	out := make([]byte, loanCommitmentSize)
	copy(out[0:20], c.BorrowerPKH[:])
	binary.LittleEndian.PutUint64(out[20:28], c.Principal)
	binary.LittleEndian.PutUint32(out[28:32], c.InterestBPS)
	binary.LittleEndian.PutUint32(out[32:36], c.Timestamp)
	return out
}

// CollateralRate computes collateral*price/(principal*1e8) as an exact
// rational. Price is USD cents per BCH, principal MUSD base units,
// collateral satoshis.
func CollateralRate(collateralSats int64, principal uint64, price uint64) *big.Rat {
	num := new(big.Int).Mul(big.NewInt(collateralSats), new(big.Int).SetUint64(price))
	den := new(big.Int).Mul(new(big.Int).SetUint64(principal), big.NewInt(1e8))
	return new(big.Rat).SetFrac(num, den)
}

// CollateralForTargetRate returns the satoshi collateral needed to hold
// principal at exactly the target rate, rounded up.
func CollateralForTargetRate(principal uint64, price uint64, targetRate *big.Rat) int64 {
	// sats = ceil(principal * 1e8 * rate / price)
	num := new(big.Int).Mul(new(big.Int).SetUint64(principal), big.NewInt(1e8))
	num.Mul(num, targetRate.Num())
	den := new(big.Int).Mul(new(big.Int).SetUint64(price), targetRate.Denom())
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q.Int64()
}

// LoanAmountWithAvailableCollateralForTargetRate returns the largest
// principal the given collateral can carry at the target rate, rounded
// down.
func LoanAmountWithAvailableCollateralForTargetRate(availableSats int64, targetRate *big.Rat, price uint64) uint64 {
	if availableSats <= 0 {
		return 0
	}
	// principal = floor(available * price / (1e8 * rate))
	num := new(big.Int).Mul(big.NewInt(availableSats), new(big.Int).SetUint64(price))
	num.Mul(num, targetRate.Denom())
	den := new(big.Int).Mul(big.NewInt(1e8), targetRate.Num())
	q := new(big.Int).Quo(num, den)
	if !q.IsUint64() {
		return 0
	}
	return q.Uint64()
}

// RatFromFloat converts a settings-file rate (e.g. 1.5) to a rational.
func RatFromFloat(f float64) *big.Rat {
	r := new(big.Rat)
	r.SetFloat64(f)
	return r
}

// FormatMUSD renders MUSD base units as a two-decimal string.
func FormatMUSD(baseUnits uint64) string {
	return decimal.New(int64(baseUnits), -2).StringFixed(2)
}

// IsMUSDCoin reports whether a UTXO carries plain MUSD fungible tokens.
func IsMUSDCoin(u chain.UTXO) bool {
	return u.Output.Token != nil &&
		u.Output.Token.Category == MUSDCategory &&
		u.Output.Token.NFT == nil &&
		u.Output.Token.Amount > 0
}

// IsLoanFor reports whether a loan UTXO belongs to the given borrower.
func IsLoanFor(u chain.UTXO, borrowerPKH [20]byte) bool {
	if !u.HasCategory(MUSDCategory) || u.Output.Token.NFT == nil ||
		u.Output.Token.NFT.Capability != chain.CapabilityNone {
		return false
	}
	c, err := DecodeLoanCommitment(u.Commitment())
	if err != nil {
		return false
	}
	return bytes.Equal(c.BorrowerPKH[:], borrowerPKH[:])
}
