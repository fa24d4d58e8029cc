package electrum

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/halvards/moria-keeper/pkg/broadcaster"
)

var ErrNotConnected = errors.New("not connected to upstream")

// RPCError is a JSON-RPC error object returned by the upstream endpoint.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// IsMempoolConflict reports whether an error is the expected multi-writer
// race on broadcast (another keeper spent the shared covenant UTXO first).
func IsMempoolConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "txn-mempool-conflict") ||
		strings.Contains(msg, "missing-inputs") ||
		strings.Contains(msg, "bad-txns-inputs-missingorspent")
}

// Notification is an inbound push message (no id field).
type Notification struct {
	Method string
	Params json.RawMessage
}

type Opts struct {
	Addr        string
	UseTLS      bool
	DialTimeout time.Duration
	PingEvery   time.Duration
}

// Client owns one persistent JSON-RPC-over-socket connection and its
// reconnection. Consumers observe connection state and pushes through the
// connected / disconnected / notification brokers.
type Client struct {
	logger *zap.Logger
	opts   Opts

	mu      sync.Mutex
	conn    net.Conn
	pending map[uint64]chan rpcResponse
	nextID  uint64

	connectedBroker    *broadcaster.Broker[struct{}]
	disconnectedBroker *broadcaster.Broker[struct{}]
	notificationBroker *broadcaster.Broker[Notification]
}

type rpcResponse struct {
	result json.RawMessage
	err    error
}

type rpcEnvelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func NewClient(opts Opts, logger *zap.Logger) *Client {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.PingEvery == 0 {
		opts.PingEvery = 30 * time.Second
	}
	return &Client{
		logger:             logger,
		opts:               opts,
		pending:            make(map[uint64]chan rpcResponse),
		connectedBroker:    broadcaster.NewBroker[struct{}]("electrum-connected"),
		disconnectedBroker: broadcaster.NewBroker[struct{}]("electrum-disconnected"),
		notificationBroker: broadcaster.NewBroker[Notification]("electrum-notification"),
	}
}

func (c *Client) OnConnected() *broadcaster.Broker[struct{}]    { return c.connectedBroker }
func (c *Client) OnDisconnected() *broadcaster.Broker[struct{}] { return c.disconnectedBroker }
func (c *Client) OnNotification() *broadcaster.Broker[Notification] {
	return c.notificationBroker
}

// Run connects and keeps reconnecting until ctx is done. It returns only
// when ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		conn, err := retry.DoWithData(
			func() (net.Conn, error) { return c.dial(ctx) },
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(time.Second),
			retry.MaxDelay(time.Minute),
			retry.DelayType(retry.BackOffDelay),
			retry.OnRetry(func(n uint, err error) {
				c.logger.Warn("error connecting to upstream",
					zap.Uint("attempt", n),
					zap.String("addr", c.opts.Addr),
					zap.Error(err))
			}),
		)
		if err != nil {
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("connected to upstream", zap.String("addr", c.opts.Addr))
		c.connectedBroker.Publish(struct{}{})

		pingCtx, cancelPing := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, conn)
		readErr := c.readLoop(ctx, conn)
		cancelPing()

		c.mu.Lock()
		c.conn = nil
		pending := c.pending
		c.pending = make(map[uint64]chan rpcResponse)
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- rpcResponse{err: errors.Wrap(ErrNotConnected, "connection lost")}
		}

		_ = conn.Close()
		c.logger.Warn("disconnected from upstream",
			zap.String("addr", c.opts.Addr), zap.Error(readErr))
		c.disconnectedBroker.Publish(struct{}{})

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.opts.DialTimeout}
	if c.opts.UseTLS {
		return tls.DialWithDialer(dialer, "tcp", c.opts.Addr, &tls.Config{
			ServerName: strings.Split(c.opts.Addr, ":")[0],
		})
	}
	conn, err := dialer.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "error dialing %s", c.opts.Addr)
	}
	return conn, nil
}

func (c *Client) pingLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.opts.PingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
			_, err := c.Request(pingCtx, "server.ping")
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("ping failed, forcing reconnect", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var envelope rpcEnvelope
		if err := json.Unmarshal(line, &envelope); err != nil {
			c.logger.Warn("error decoding upstream message", zap.Error(err))
			continue
		}

		switch {
		case envelope.ID != nil:
			c.mu.Lock()
			ch, found := c.pending[*envelope.ID]
			delete(c.pending, *envelope.ID)
			c.mu.Unlock()
			if !found {
				c.logger.Warn("response for unknown request id", zap.Uint64("id", *envelope.ID))
				continue
			}
			if envelope.Error != nil {
				ch <- rpcResponse{err: envelope.Error}
			} else {
				ch <- rpcResponse{result: envelope.Result}
			}
		case envelope.Method != "":
			c.notificationBroker.Publish(Notification{
				Method: envelope.Method,
				Params: envelope.Params,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("upstream closed connection")
}

// Request sends a JSON-RPC request and waits for the matching response.
func (c *Client) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch

	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errors.Wrap(err, "error encoding request")
	}
	payload = append(payload, '\n')
	_, err = conn.Write(payload)
	c.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, errors.Wrapf(err, "error writing %s request", method)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, errors.Wrapf(res.err, "%s failed", method)
		}
		return res.result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Subscribe issues a subscription request. The caller observes pushes via
// OnNotification; resubscription after reconnect is the caller's concern
// since it also needs to refetch state.
func (c *Client) Subscribe(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	return c.Request(ctx, method, params...)
}

func (c *Client) Unsubscribe(ctx context.Context, method string, params ...any) error {
	_, err := c.Request(ctx, method, params...)
	return err
}

// Broadcast submits a raw transaction (hex) and returns its txid.
func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	result, err := c.Request(ctx, "blockchain.transaction.broadcast", rawTxHex)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", errors.Wrap(err, "error decoding broadcast response")
	}
	return txid, nil
}
