package electrum_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halvards/moria-keeper/internal/core/electrum"
	"github.com/halvards/moria-keeper/internal/test/fakenode"
)

func startClient(t *testing.T, srv *fakenode.Server) (*electrum.Client, context.CancelFunc) {
	t.Helper()
	cli := electrum.NewClient(electrum.Opts{
		Addr:      srv.Addr(),
		PingEvery: time.Hour,
	}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go cli.Run(ctx)
	connected := cli.OnConnected().Subscribe()
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
	cli.OnConnected().UnSubscribe(connected)
	return cli, cancel
}

func TestRequestResponseRouting(t *testing.T) {
	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.Handle("blockchain.headers.get_tip", func([]json.RawMessage) (any, error) {
		return map[string]any{"height": 800000}, nil
	})

	cli, cancel := startClient(t, srv)
	defer cancel()

	ctx, cancelReq := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelReq()
	result, err := cli.Request(ctx, "blockchain.headers.get_tip")
	require.NoError(t, err)

	var tip struct {
		Height int `json:"height"`
	}
	require.NoError(t, json.Unmarshal(result, &tip))
	require.Equal(t, 800000, tip.Height)
}

func TestRequestErrorSurfaced(t *testing.T) {
	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()
	srv.Handle("blockchain.transaction.broadcast", func([]json.RawMessage) (any, error) {
		return nil, errors.New("txn-mempool-conflict")
	})

	cli, cancel := startClient(t, srv)
	defer cancel()

	ctx, cancelReq := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelReq()
	_, err = cli.Broadcast(ctx, "00")
	require.Error(t, err)
	require.True(t, electrum.IsMempoolConflict(err))
}

func TestNotificationDelivery(t *testing.T) {
	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()

	cli, cancel := startClient(t, srv)
	defer cancel()

	sub := cli.OnNotification().Subscribe()
	defer cli.OnNotification().UnSubscribe(sub)
	time.Sleep(100 * time.Millisecond)

	srv.Notify("blockchain.scripthash.subscribe", []any{"abcd", "ef01"})

	select {
	case n := <-sub:
		require.Equal(t, "blockchain.scripthash.subscribe", n.Method)
		var params []string
		require.NoError(t, json.Unmarshal(n.Params, &params))
		require.Equal(t, []string{"abcd", "ef01"}, params)
	case <-time.After(5 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv, err := fakenode.New()
	require.NoError(t, err)
	defer srv.Close()

	cli, cancel := startClient(t, srv)
	defer cancel()

	disconnected := cli.OnDisconnected().Subscribe()
	reconnected := cli.OnConnected().Subscribe()
	time.Sleep(100 * time.Millisecond)

	srv.DropConnections()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect never observed")
	}
	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("client never reconnected")
	}

	ctx, cancelReq := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelReq()
	_, err = cli.Request(ctx, "server.ping")
	require.NoError(t, err)
}

func TestRequestWhileDisconnected(t *testing.T) {
	cli := electrum.NewClient(electrum.Opts{Addr: "127.0.0.1:1"}, zap.NewNop())
	_, err := cli.Request(context.Background(), "server.ping")
	require.ErrorIs(t, err, electrum.ErrNotConnected)
}
