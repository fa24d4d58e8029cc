// Package journal keeps an append-only record of rebalancing pass
// outcomes in a local leveldb. It is best-effort history for status
// queries: a journal failure is logged by the caller and never fails
// the pass it records.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PassRecord is one completed or failed rebalancing pass.
type PassRecord struct {
	WalletName string    `json:"wallet_name"`
	Timestamp  time.Time `json:"timestamp"`
	TxHashes   []string  `json:"tx_hashes,omitempty"`
	Error      string    `json:"error,omitempty"`
	DryRun     bool      `json:"dryrun,omitempty"`
}

type Journal struct {
	db *leveldb.DB
}

func Open(path string) (*Journal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "error opening journal db")
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores a record keyed by wallet and nanosecond timestamp, so
// iteration order is chronological per wallet.
func (j *Journal) Append(rec PassRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "error encoding pass record")
	}
	return errors.Wrap(j.db.Put(key(rec.WalletName, rec.Timestamp), raw, nil),
		"error writing pass record")
}

// Recent returns up to limit records for a wallet, newest first.
func (j *Journal) Recent(walletName string, limit int) ([]PassRecord, error) {
	iter := j.db.NewIterator(util.BytesPrefix(prefix(walletName)), nil)
	defer iter.Release()

	var out []PassRecord
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		var rec PassRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, errors.Wrap(err, "error decoding pass record")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(iter.Error(), "error iterating journal")
}

func prefix(walletName string) []byte {
	return append([]byte(walletName), 0x00)
}

func key(walletName string, ts time.Time) []byte {
	k := prefix(walletName)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixNano()))
	return append(k, buf[:]...)
}
