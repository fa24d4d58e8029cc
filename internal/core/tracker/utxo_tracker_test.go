package tracker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halvards/moria-keeper/internal/core/chain"
	"github.com/halvards/moria-keeper/internal/core/electrum"
	"github.com/halvards/moria-keeper/internal/core/tracker"
	"github.com/halvards/moria-keeper/internal/test/fakenode"
)

var testScript = []byte{0x76, 0xa9, 0x14, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14, 0x88, 0xac}

func unspentItem(txid string, pos uint32, value int64) map[string]any {
	return map[string]any{
		"tx_hash": txid, "tx_pos": pos, "height": 0, "value": value,
	}
}

const txidA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
const txidB = "aa00000000000000000000000000000000000000000000000000000000000001"

func startTracker(t *testing.T, srv *fakenode.Server) (*tracker.UTXOTracker, *electrum.Client, context.CancelFunc) {
	t.Helper()
	cli := electrum.NewClient(electrum.Opts{Addr: srv.Addr(), PingEvery: time.Hour}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go cli.Run(ctx)

	connected := cli.OnConnected().Subscribe()
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
	cli.OnConnected().UnSubscribe(connected)

	tr := tracker.NewUTXOTracker(cli, zap.NewNop())
	go tr.Run(ctx)
	time.Sleep(100 * time.Millisecond)
	return tr, cli, cancel
}

func TestTrackIsIdempotent(t *testing.T) {
	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()

	tr, _, cancel := startTracker(t, srv)
	defer cancel()

	e1 := tr.Track(testScript)
	e2 := tr.Track(testScript)
	require.Same(t, e1, e2)
	require.Equal(t, chain.ElectrumScriptHash(testScript), e1.ScriptHash())
}

func TestFetchSingleFlight(t *testing.T) {
	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()

	srv.Handle("blockchain.scripthash.subscribe", func([]json.RawMessage) (any, error) {
		return "status0", nil
	})
	srv.Handle("blockchain.scripthash.listunspent", func([]json.RawMessage) (any, error) {
		time.Sleep(200 * time.Millisecond) // hold concurrent callers in flight
		return []any{unspentItem(txidA, 0, 1000)}, nil
	})

	tr, _, cancel := startTracker(t, srv)
	defer cancel()

	e := tr.Track(testScript)
	var wg sync.WaitGroup
	results := make([][]chain.UTXO, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			utxos, err := tr.UTXOList(context.Background(), e)
			require.NoError(t, err)
			results[i] = utxos
		}()
	}
	wg.Wait()

	for _, utxos := range results {
		require.Len(t, utxos, 1)
		require.EqualValues(t, 1000, utxos[0].Output.Amount)
	}
	require.Equal(t, 1, srv.Calls("blockchain.scripthash.listunspent"))
	require.Equal(t, 1, srv.Calls("blockchain.scripthash.subscribe"))
}

func TestNotificationTriggersFullRefetch(t *testing.T) {
	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()

	var mu sync.Mutex
	value := int64(1000)
	srv.Handle("blockchain.scripthash.subscribe", func([]json.RawMessage) (any, error) {
		return "status0", nil
	})
	srv.Handle("blockchain.scripthash.listunspent", func([]json.RawMessage) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		return []any{unspentItem(txidA, 0, value)}, nil
	})

	tr, _, cancel := startTracker(t, srv)
	defer cancel()

	e := tr.Track(testScript)
	utxos, err := tr.UTXOList(context.Background(), e)
	require.NoError(t, err)
	require.EqualValues(t, 1000, utxos[0].Output.Amount)

	mu.Lock()
	value = 2000
	mu.Unlock()

	updated := tr.Updates().Subscribe()
	defer tr.Updates().UnSubscribe(updated)
	time.Sleep(50 * time.Millisecond)
	srv.Notify("blockchain.scripthash.subscribe", []any{e.ScriptHash(), "status1"})

	select {
	case <-updated:
	case <-time.After(5 * time.Second):
		t.Fatal("refetch never happened")
	}

	utxos, err = tr.UTXOList(context.Background(), e)
	require.NoError(t, err)
	require.EqualValues(t, 2000, utxos[0].Output.Amount)
	require.GreaterOrEqual(t, srv.Calls("blockchain.scripthash.listunspent"), 2)
}

func TestReconnectResubscribesEntries(t *testing.T) {
	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()

	srv.Handle("blockchain.scripthash.subscribe", func([]json.RawMessage) (any, error) {
		return "status0", nil
	})
	srv.Handle("blockchain.scripthash.listunspent", func([]json.RawMessage) (any, error) {
		return []any{unspentItem(txidB, 1, 500)}, nil
	})

	tr, cli, cancel := startTracker(t, srv)
	defer cancel()

	e := tr.Track(testScript)
	_, err = tr.UTXOList(context.Background(), e)
	require.NoError(t, err)
	require.Equal(t, 1, srv.Calls("blockchain.scripthash.subscribe"))

	reconnected := cli.OnConnected().Subscribe()
	defer cli.OnConnected().UnSubscribe(reconnected)
	srv.DropConnections()

	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("never reconnected")
	}

	require.Eventually(t, func() bool {
		return srv.Calls("blockchain.scripthash.subscribe") >= 2
	}, 5*time.Second, 50*time.Millisecond, "entry was not resubscribed after reconnect")

	utxos, err := tr.UTXOList(context.Background(), e)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
}

func TestFetchErrorSurfacesAndRecovers(t *testing.T) {
	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()

	var mu sync.Mutex
	fail := true
	srv.Handle("blockchain.scripthash.subscribe", func([]json.RawMessage) (any, error) {
		return "status0", nil
	})
	srv.Handle("blockchain.scripthash.listunspent", func([]json.RawMessage) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, fmt.Errorf("server busy")
		}
		return []any{unspentItem(txidA, 0, 777)}, nil
	})

	tr, _, cancel := startTracker(t, srv)
	defer cancel()

	e := tr.Track(testScript)
	_, err = tr.UTXOList(context.Background(), e)
	require.Error(t, err)

	mu.Lock()
	fail = false
	mu.Unlock()

	utxos, err := tr.UTXOList(context.Background(), e)
	require.NoError(t, err)
	require.EqualValues(t, 777, utxos[0].Output.Amount)
}
