package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/electrum"
	"github.com/halvards/moria-keeper/pkg/broadcaster"
)

// idleWindow is how long an untouched entry stays subscribed before the
// tracker unsubscribes and drops it.
const idleWindow = 10 * time.Minute

// Entry is the live UTXO set for one locking script plus its fetch and
// subscription state. Only the owning tracker mutates an Entry.
type Entry struct {
	lockingBytecode []byte
	scriptHash      string
	autoRemove      bool

	mu          sync.RWMutex
	data        []chain.UTXO
	err         error
	initialized bool
	activeSub   bool
}

func newEntry(lockingBytecode []byte) *Entry {
	return &Entry{
		lockingBytecode: append([]byte(nil), lockingBytecode...),
		scriptHash:      chain.ElectrumScriptHash(lockingBytecode),
	}
}

func (e *Entry) LockingBytecode() []byte {
	return append([]byte(nil), e.lockingBytecode...)
}

func (e *Entry) ScriptHash() string {
	return e.scriptHash
}

// Snapshot returns a copy of the last fetched set, its error state, and
// whether the entry has been initialized at all.
func (e *Entry) Snapshot() ([]chain.UTXO, error, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return chain.CloneSet(e.data), e.err, e.initialized
}

func (e *Entry) fresh() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.initialized && e.activeSub && e.err == nil
}

func (e *Entry) markStale() {
	e.mu.Lock()
	e.initialized = false
	e.mu.Unlock()
}

func (e *Entry) markDisconnected() {
	e.mu.Lock()
	e.activeSub = false
	e.initialized = false
	e.data = nil
	e.mu.Unlock()
}

// UTXOTracker maintains per-locking-script live UTXO sets over the
// subscription client. A notification for a tracked script triggers a full
// refetch; concurrent fetches for the same entry are single-flighted.
type UTXOTracker struct {
	cli    *electrum.Client
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Entry

	idle    *expirable.LRU[string, *Entry]
	flight  singleflight.Group
	updates *broadcaster.Broker[*Entry]
}

func NewUTXOTracker(cli *electrum.Client, logger *zap.Logger) *UTXOTracker {
	t := &UTXOTracker{
		cli:     cli,
		logger:  logger,
		entries: make(map[string]*Entry),
		updates: broadcaster.NewBroker[*Entry]("tracker-updates"),
	}
	t.idle = expirable.NewLRU[string, *Entry](0, t.onEvict, idleWindow)
	return t
}

// Updates emits an entry whenever its UTXO set is replaced.
func (t *UTXOTracker) Updates() *broadcaster.Broker[*Entry] {
	return t.updates
}

// Track registers a locking script and returns its entry. Idempotent by
// script: repeated calls return the same entry and reset its idle window.
func (t *UTXOTracker) Track(lockingBytecode []byte) *Entry {
	scriptHash := chain.ElectrumScriptHash(lockingBytecode)
	t.mu.Lock()
	e, found := t.entries[scriptHash]
	if !found {
		e = newEntry(lockingBytecode)
		t.entries[scriptHash] = e
	}
	t.mu.Unlock()
	t.idle.Add(scriptHash, e)
	return e
}

// Release drops an entry without waiting for its idle window to lapse.
func (t *UTXOTracker) Release(e *Entry) {
	t.idle.Remove(e.scriptHash)
}

func (t *UTXOTracker) lookup(scriptHash string) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[scriptHash]
}

// UTXOList returns the entry's current set, awaiting any in-flight fetch
// and triggering one if the entry is stale.
func (t *UTXOTracker) UTXOList(ctx context.Context, e *Entry) ([]chain.UTXO, error) {
	t.idle.Add(e.scriptHash, e)
	if e.fresh() {
		utxos, err, _ := e.Snapshot()
		return utxos, err
	}
	return t.fetch(ctx, e)
}

// fetch subscribes (if needed) and refetches the full set for one entry.
// Concurrent callers share one in-flight request per entry.
func (t *UTXOTracker) fetch(ctx context.Context, e *Entry) ([]chain.UTXO, error) {
	ch := t.flight.DoChan(e.scriptHash, func() (any, error) {
		return t.doFetch(ctx, e)
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

func (t *UTXOTracker) doFetch(ctx context.Context, e *Entry) ([]chain.UTXO, error) {
	e.mu.RLock()
	subscribed := e.activeSub
	e.mu.RUnlock()
	if !subscribed {
		if _, err := t.cli.Subscribe(ctx, "blockchain.scripthash.subscribe", e.scriptHash); err != nil {
			t.setError(e, err)
			return nil, errors.Wrapf(err, "error subscribing to %s", e.scriptHash)
		}
		e.mu.Lock()
		e.activeSub = true
		e.mu.Unlock()
	}

	raw, err := t.cli.Request(ctx, "blockchain.scripthash.listunspent", e.scriptHash, "include_tokens")
	if err != nil {
		t.setError(e, err)
		return nil, errors.Wrapf(err, "error fetching utxos for %s", e.scriptHash)
	}
	utxos, err := chain.ParseListUnspent(e.lockingBytecode, raw)
	if err != nil {
		t.setError(e, err)
		return nil, err
	}

	e.mu.Lock()
	e.data = utxos
	e.err = nil
	e.initialized = true
	e.mu.Unlock()
	t.updates.Publish(e)
	return utxos, nil
}

func (t *UTXOTracker) setError(e *Entry, err error) {
	e.mu.Lock()
	e.err = err
	e.initialized = false
	e.mu.Unlock()
}

// Run consumes client events until ctx is done: targeted notifications
// trigger full refetches, reconnects resubscribe every known entry, and
// disconnects clear subscription state without destroying entries.
func (t *UTXOTracker) Run(ctx context.Context) {
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
			if n.Method != "blockchain.scripthash.subscribe" {
				continue
			}
			scriptHash, ok := firstStringParam(n.Params)
			if !ok {
				continue
			}
			e := t.lookup(scriptHash)
			if e == nil {
				continue
			}
			e.markStale()
			go func() {
				if _, err := t.fetch(ctx, e); err != nil && ctx.Err() == nil {
					t.logger.Warn("error refetching after notification",
						zap.String("scripthash", scriptHash), zap.Error(err))
				}
			}()
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
					if _, err := t.fetch(ctx, e); err != nil && ctx.Err() == nil {
						t.logger.Warn("error refetching after reconnect",
							zap.String("scripthash", e.scriptHash), zap.Error(err))
					}
				}()
			}
		case <-disconnected:
			t.mu.RLock()
			for _, e := range t.entries {
				e.markDisconnected()
			}
			t.mu.RUnlock()
		}
	}
}

func (t *UTXOTracker) onEvict(scriptHash string, e *Entry) {
	t.mu.Lock()
	delete(t.entries, scriptHash)
	t.mu.Unlock()

	e.mu.RLock()
	subscribed := e.activeSub
	e.mu.RUnlock()
	if !subscribed {
		return
	}
	// best-effort: the server drops the subscription on disconnect anyway
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.cli.Unsubscribe(ctx, "blockchain.scripthash.unsubscribe", scriptHash); err != nil {
			t.logger.Debug("error unsubscribing evicted entry",
				zap.String("scripthash", scriptHash), zap.Error(err))
		}
	}()
}
