package tracker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/electrum"
	"github.com/halvards/moria-keeper/pkg/broadcaster"
)

// contractPush is the contract-subscription payload: either an initial
// burst carrying the full set or a batch of incremental diffs.
type contractPush struct {
	Type  string `json:"type"`
	UTXOs []struct {
		SpentUTXOHash string          `json:"spent_utxo_hash,omitempty"`
		NewUTXOHash   string          `json:"new_utxo_hash,omitempty"`
		TokenID       string          `json:"token_id,omitempty"`
		UTXO          json.RawMessage `json:"utxo,omitempty"`
	} `json:"utxos"`
}

type trackedSlot struct {
	entry *Entry
	index int
}

// ContractTracker mirrors a contract's UTXO set from the upstream diff
// feed instead of refetching: the initial burst replaces the set, and each
// incremental update is applied in O(1) via a map keyed by the last known
// output hash. A slot's identity survives chained same-block updates.
type ContractTracker struct {
	cli    *electrum.Client
	logger *zap.Logger

	mu       sync.RWMutex
	entries  map[string]*Entry
	byOutput map[chainhash.Hash]trackedSlot
	slotKeys map[*Entry][]chainhash.Hash

	idle    *expirable.LRU[string, *Entry]
	flight  singleflight.Group
	updates *broadcaster.Broker[*Entry]
}

func NewContractTracker(cli *electrum.Client, logger *zap.Logger) *ContractTracker {
	t := &ContractTracker{
		cli:      cli,
		logger:   logger,
		entries:  make(map[string]*Entry),
		byOutput: make(map[chainhash.Hash]trackedSlot),
		slotKeys: make(map[*Entry][]chainhash.Hash),
		updates:  broadcaster.NewBroker[*Entry]("contract-tracker-updates"),
	}
	t.idle = expirable.NewLRU[string, *Entry](0, t.onEvict, idleWindow)
	return t
}

func (t *ContractTracker) Updates() *broadcaster.Broker[*Entry] {
	return t.updates
}

// Track registers a contract locking script. Entries created for one-off
// queries should pass autoRemove so they are evicted after 10 minutes of
// disuse; long-lived role entries are pinned.
func (t *ContractTracker) Track(lockingBytecode []byte, autoRemove bool) *Entry {
	scriptHash := chain.ElectrumScriptHash(lockingBytecode)
	t.mu.Lock()
	e, found := t.entries[scriptHash]
	if !found {
		e = newEntry(lockingBytecode)
		e.autoRemove = autoRemove
		t.entries[scriptHash] = e
	}
	t.mu.Unlock()
	if e.autoRemove {
		t.idle.Add(scriptHash, e)
	}
	return e
}

// UTXOList serves the mirrored set when the subscription is live and
// otherwise (re)subscribes, seeding the set from the subscription response.
// Concurrent seeds for the same entry are single-flighted.
func (t *ContractTracker) UTXOList(ctx context.Context, e *Entry) ([]chain.UTXO, error) {
	if e.autoRemove {
		t.idle.Add(e.scriptHash, e)
	}
	if e.fresh() {
		utxos, err, _ := e.Snapshot()
		return utxos, err
	}

	ch := t.flight.DoChan(e.scriptHash, func() (any, error) {
		raw, err := t.cli.Subscribe(ctx, "token.contract.subscribe", e.scriptHash)
		if err != nil {
			t.setError(e, err)
			return nil, errors.Wrapf(err, "error subscribing to contract %s", e.scriptHash)
		}
		e.mu.Lock()
		e.activeSub = true
		e.mu.Unlock()
		if err := t.applyPush(e, raw); err != nil {
			t.setError(e, err)
			return nil, err
		}
		utxos, snapErr, _ := e.Snapshot()
		return utxos, snapErr
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return chain.CloneSet(res.Val.([]chain.UTXO)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *ContractTracker) setError(e *Entry, err error) {
	e.mu.Lock()
	e.err = err
	e.initialized = false
	e.mu.Unlock()
}

// Run consumes contract pushes and connection events until ctx is done.
func (t *ContractTracker) Run(ctx context.Context) {
	notifications := t.cli.OnNotification().Subscribe()
	connected := t.cli.OnConnected().Subscribe()
	disconnected := t.cli.OnDisconnected().Subscribe()
	defer t.cli.OnNotification().UnSubscribe(notifications)
	defer t.cli.OnConnected().UnSubscribe(connected)
	defer t.cli.OnDisconnected().UnSubscribe(disconnected)

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notifications:
			if n.Method != "token.contract.subscribe" {
				continue
			}
			scriptHash, ok := firstStringParam(n.Params)
			if !ok {
				continue
			}
			payload, ok := secondRawParam(n.Params)
			if !ok {
				continue
			}
			t.mu.RLock()
			e := t.entries[scriptHash]
			t.mu.RUnlock()
			if e == nil {
				continue
			}
			if err := t.applyPush(e, payload); err != nil {
				t.logger.Warn("error applying contract push",
					zap.String("scripthash", scriptHash), zap.Error(err))
			}
		case <-connected:
			t.mu.RLock()
			entries := make([]*Entry, 0, len(t.entries))
			for _, e := range t.entries {
				entries = append(entries, e)
			}
			t.mu.RUnlock()
			for _, e := range entries {
				e := e
				go func() {
					if _, err := t.UTXOList(ctx, e); err != nil && ctx.Err() == nil {
						t.logger.Warn("error resubscribing contract after reconnect",
							zap.String("scripthash", e.scriptHash), zap.Error(err))
					}
				}()
			}
		case <-disconnected:
			t.mu.Lock()
			for _, e := range t.entries {
				e.markDisconnected()
			}
			t.byOutput = make(map[chainhash.Hash]trackedSlot)
			t.slotKeys = make(map[*Entry][]chainhash.Hash)
			t.mu.Unlock()
		}
	}
}

func (t *ContractTracker) applyPush(e *Entry, raw json.RawMessage) error {
	var push contractPush
	if err := json.Unmarshal(raw, &push); err != nil {
		return errors.Wrap(err, "error decoding contract push")
	}

	var err error
	switch push.Type {
	case "initial":
		err = t.applyInitial(e, push)
	case "update":
		err = t.applyUpdates(e, push)
	default:
		return errors.Errorf("unknown contract push type %q", push.Type)
	}
	if err != nil {
		return err
	}
	t.updates.Publish(e)
	return nil
}

func (t *ContractTracker) applyInitial(e *Entry, push contractPush) error {
	items := make([]json.RawMessage, 0, len(push.UTXOs))
	keys := make([]chainhash.Hash, 0, len(push.UTXOs))
	for _, item := range push.UTXOs {
		if len(item.UTXO) == 0 {
			return errors.New("initial push item missing utxo body")
		}
		hash, err := chainhash.NewHashFromStr(item.NewUTXOHash)
		if err != nil {
			return errors.Wrap(err, "bad new_utxo_hash in initial push")
		}
		items = append(items, item.UTXO)
		keys = append(keys, *hash)
	}
	joined, err := json.Marshal(items)
	if err != nil {
		return err
	}
	utxos, err := chain.ParseListUnspent(e.lockingBytecode, joined)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range t.slotKeys[e] {
		delete(t.byOutput, key)
	}
	t.slotKeys[e] = keys
	for i, key := range keys {
		t.byOutput[key] = trackedSlot{entry: e, index: i}
	}
	e.mu.Lock()
	e.data = utxos
	e.err = nil
	e.initialized = true
	e.mu.Unlock()
	return nil
}

func (t *ContractTracker) applyUpdates(e *Entry, push contractPush) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := t.slotKeys[e]
	for _, item := range push.UTXOs {
		var spentHash, newHash *chainhash.Hash
		if item.SpentUTXOHash != "" {
			h, err := chainhash.NewHashFromStr(item.SpentUTXOHash)
			if err != nil {
				return errors.Wrap(err, "bad spent_utxo_hash")
			}
			spentHash = h
		}
		if item.NewUTXOHash != "" {
			h, err := chainhash.NewHashFromStr(item.NewUTXOHash)
			if err != nil {
				return errors.Wrap(err, "bad new_utxo_hash")
			}
			newHash = h
		}

		switch {
		case spentHash != nil && newHash == nil:
			// deletion: swap-remove, re-keying the slot that moved
			slot, found := t.byOutput[*spentHash]
			if !found || slot.entry != e {
				continue
			}
			last := len(e.data) - 1
			if slot.index != last {
				e.data[slot.index] = e.data[last]
				keys[slot.index] = keys[last]
				t.byOutput[keys[slot.index]] = trackedSlot{entry: e, index: slot.index}
			}
			e.data = e.data[:last]
			keys = keys[:last]
			delete(t.byOutput, *spentHash)

		case newHash != nil:
			parsed, err := parseSingleUTXO(e.lockingBytecode, item.UTXO)
			if err != nil {
				return err
			}
			var slot trackedSlot
			var found bool
			if spentHash != nil {
				slot, found = t.byOutput[*spentHash]
				found = found && slot.entry == e
			}
			if found {
				// chained same-block update: replace in place, re-key
				e.data[slot.index] = parsed
				keys[slot.index] = *newHash
				delete(t.byOutput, *spentHash)
				t.byOutput[*newHash] = slot
			} else {
				e.data = append(e.data, parsed)
				keys = append(keys, *newHash)
				t.byOutput[*newHash] = trackedSlot{entry: e, index: len(e.data) - 1}
			}
		}
	}
	t.slotKeys[e] = keys
	e.err = nil
	e.initialized = true
	return nil
}

func parseSingleUTXO(lockingBytecode []byte, raw json.RawMessage) (chain.UTXO, error) {
	if len(raw) == 0 {
		return chain.UTXO{}, errors.New("update push item missing utxo body")
	}
	wrapped, err := json.Marshal([]json.RawMessage{raw})
	if err != nil {
		return chain.UTXO{}, err
	}
	utxos, err := chain.ParseListUnspent(lockingBytecode, wrapped)
	if err != nil {
		return chain.UTXO{}, err
	}
	if len(utxos) != 1 {
		return chain.UTXO{}, errors.New("expected exactly one utxo in update item")
	}
	return utxos[0], nil
}

func (t *ContractTracker) onEvict(scriptHash string, e *Entry) {
	t.mu.Lock()
	if !e.autoRemove {
		t.mu.Unlock()
		return
	}
	delete(t.entries, scriptHash)
	for _, key := range t.slotKeys[e] {
		delete(t.byOutput, key)
	}
	delete(t.slotKeys, e)
	t.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.cli.Unsubscribe(ctx, "token.contract.unsubscribe", scriptHash); err != nil {
			t.logger.Debug("error unsubscribing evicted contract entry",
				zap.String("scripthash", scriptHash), zap.Error(err))
		}
	}()
}
