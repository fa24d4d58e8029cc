package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
)

type Capability string

const (
	CapabilityNone    Capability = "none"
	CapabilityMutable Capability = "mutable"
	CapabilityMinting Capability = "minting"
)

type Outpoint struct {
	TxHash chainhash.Hash `json:"txhash"`
	Index  uint32         `json:"index"`
}

func (o Outpoint) String() string {
	return wire.OutPoint{Hash: o.TxHash, Index: o.Index}.String()
}

type NFT struct {
	Capability Capability `json:"capability"`
	Commitment []byte     `json:"commitment"`
}

type TokenData struct {
	Category chainhash.Hash `json:"token_id"`
	Amount   uint64         `json:"amount"`
	NFT      *NFT           `json:"nft,omitempty"`
}

type Output struct {
	LockingBytecode []byte     `json:"locking_bytecode"`
	Amount          int64      `json:"amount"`
	Token           *TokenData `json:"token,omitempty"`
}

// UTXO is immutable once observed; a spend replaces it with a new value
// rather than mutating in place.
type UTXO struct {
	Outpoint Outpoint `json:"outpoint"`
	Output   Output   `json:"output"`
}

// Clone deep-copies the output, including the token and NFT payloads.
func (o Output) Clone() Output {
	out := o
	out.LockingBytecode = append([]byte(nil), o.LockingBytecode...)
	if o.Token != nil {
		token := *o.Token
		if o.Token.NFT != nil {
			nft := *o.Token.NFT
			nft.Commitment = append([]byte(nil), o.Token.NFT.Commitment...)
			token.NFT = &nft
		}
		out.Token = &token
	}
	return out
}

func (u UTXO) Clone() UTXO {
	return UTXO{Outpoint: u.Outpoint, Output: u.Output.Clone()}
}

func CloneSet(utxos []UTXO) []UTXO {
	if utxos == nil {
		return nil
	}
	out := make([]UTXO, 0, len(utxos))
	for _, u := range utxos {
		out = append(out, u.Clone())
	}
	return out
}

// IsPure reports whether the output carries no token payload.
func (u UTXO) IsPure() bool {
	return u.Output.Token == nil
}

func (u UTXO) HasCategory(category chainhash.Hash) bool {
	return u.Output.Token != nil && u.Output.Token.Category == category
}

func (u UTXO) Capability() Capability {
	if u.Output.Token == nil || u.Output.Token.NFT == nil {
		return CapabilityNone
	}
	return u.Output.Token.NFT.Capability
}

func (u UTXO) Commitment() []byte {
	if u.Output.Token == nil || u.Output.Token.NFT == nil {
		return nil
	}
	return u.Output.Token.NFT.Commitment
}

// TokenPrefix serializes the token payload in wire order so it can be
// prepended to the locking bytecode inside a transaction output.
func (t *TokenData) TokenPrefix() []byte {
	if t == nil {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteByte(0xef)
	buf.Write(t.Category[:])

	var bitfield byte
	if t.Amount > 0 {
		bitfield |= 0x10
	}
	if t.NFT != nil {
		bitfield |= 0x20
		if len(t.NFT.Commitment) > 0 {
			bitfield |= 0x40
		}
		switch t.NFT.Capability {
		case CapabilityMutable:
			bitfield |= 0x01
		case CapabilityMinting:
			bitfield |= 0x02
		}
	}
	buf.WriteByte(bitfield)
	if t.NFT != nil && len(t.NFT.Commitment) > 0 {
		buf.WriteByte(byte(len(t.NFT.Commitment)))
		buf.Write(t.NFT.Commitment)
	}
	if t.Amount > 0 {
		var amount [8]byte
		binary.LittleEndian.PutUint64(amount[:], t.Amount)
		buf.Write(amount[:])
	}
	return buf.Bytes()
}

// OutputHash is the identity key the contract feed uses to reference a
// UTXO across incremental updates: double sha256 over outpoint + output.
func (u UTXO) OutputHash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Write(u.Outpoint.TxHash[:])
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], u.Outpoint.Index)
	buf.Write(idx[:])
	var amount [8]byte
	binary.LittleEndian.PutUint64(amount[:], uint64(u.Output.Amount))
	buf.Write(amount[:])
	buf.Write(u.Output.Token.TokenPrefix())
	buf.Write(u.Output.LockingBytecode)
	return chainhash.DoubleHashH(buf.Bytes())
}

// ElectrumScriptHash returns the subscription key for a locking script:
// sha256 of the script, reversed, hex encoded.
func ElectrumScriptHash(lockingBytecode []byte) string {
	sum := sha256.Sum256(lockingBytecode)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:])
}

func ParseCategory(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, errors.Wrapf(err, "bad token category %q", s)
	}
	return *h, nil
}
