package chain

import (
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
)

// listUnspentItem is the fulcrum blockchain.scripthash.listunspent shape with
// token awareness enabled. Token amounts arrive as decimal strings because
// they exceed the JSON safe-integer range.
type listUnspentItem struct {
	TxHash    string `json:"tx_hash"`
	TxPos     uint32 `json:"tx_pos"`
	Height    int64  `json:"height"`
	Value     int64  `json:"value"`
	TokenData *struct {
		Category string `json:"category"`
		Amount   string `json:"amount"`
		NFT      *struct {
			Capability string `json:"capability"`
			Commitment string `json:"commitment"`
		} `json:"nft"`
	} `json:"token_data"`
}

// ParseListUnspent decodes a listunspent response for the given locking
// script into UTXO values.
func ParseListUnspent(lockingBytecode []byte, raw json.RawMessage) ([]UTXO, error) {
	var items []listUnspentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errors.Wrap(err, "error decoding listunspent response")
	}

	utxos := make([]UTXO, 0, len(items))
	for _, item := range items {
		hash, err := chainhash.NewHashFromStr(item.TxHash)
		if err != nil {
			return nil, errors.Wrapf(err, "bad tx_hash %q", item.TxHash)
		}
		utxo := UTXO{
			Outpoint: Outpoint{TxHash: *hash, Index: item.TxPos},
			Output: Output{
				LockingBytecode: append([]byte(nil), lockingBytecode...),
				Amount:          item.Value,
			},
		}
		if item.TokenData != nil {
			category, err := ParseCategory(item.TokenData.Category)
			if err != nil {
				return nil, err
			}
			token := &TokenData{Category: category}
			if item.TokenData.Amount != "" {
				amount, err := strconv.ParseUint(item.TokenData.Amount, 10, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "bad token amount %q", item.TokenData.Amount)
				}
				token.Amount = amount
			}
			if item.TokenData.NFT != nil {
				commitment, err := hex.DecodeString(item.TokenData.NFT.Commitment)
				if err != nil {
					return nil, errors.Wrap(err, "bad nft commitment")
				}
				capability := Capability(item.TokenData.NFT.Capability)
				switch capability {
				case CapabilityNone, CapabilityMutable, CapabilityMinting:
				default:
					return nil, errors.Errorf("unknown nft capability %q", item.TokenData.NFT.Capability)
				}
				token.NFT = &NFT{Capability: capability, Commitment: commitment}
			}
			utxo.Output.Token = token
		}
		utxos = append(utxos, utxo)
	}

	return utxos, nil
}
