package donorwire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tenantmigration"
	"tenantmigration/donor"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultCallTimeout      = 10 * time.Second
)

var errConnClosed = errors.New("donor connection closed")

// Dialer opens donorwire clients. The zero value is usable.
type Dialer struct {
	// HandshakeTimeout bounds the websocket handshake. Zero means the
	// default.
	HandshakeTimeout time.Duration
	// CallTimeout bounds one RPC round trip after a successful write. Zero
	// means the default.
	CallTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger zerolog.Logger
}

// Dial implements donor.Dialer.
func (d Dialer) Dial(ctx context.Context, host string) (donor.Client, error) {
	return d.DialMember(ctx, host)
}

// DialMember opens a connection to one donor member and starts its read
// loop. The concrete type exposes Hello for topology probing.
func (d Dialer) DialMember(ctx context.Context, host string) (*Client, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	callTimeout := d.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	wsDialer := &websocket.Dialer{
		HandshakeTimeout:  handshake,
		Subprotocols:      []string{"cbor"},
		EnableCompression: true,
	}
	conn, resp, err := wsDialer.DialContext(ctx, "ws://"+host+donorPath, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("dial donor %s: %w", host, err)
	}

	c := &Client{
		host:    host,
		conn:    conn,
		timeout: callTimeout,
		logger:  d.Logger.With().Str("donor_host", host).Logger(),
		pending: make(map[uint64]chan response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Client is one live donorwire connection. It implements donor.Client.
type Client struct {
	host    string
	conn    *websocket.Conn
	timeout time.Duration
	logger  zerolog.Logger

	// writeMu serializes frame writes; gorilla connections support one
	// concurrent writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan response
	nextID   uint64
	closeErr error

	closeOnce sync.Once
	closed    chan struct{}
}

// Address implements donor.Client.
func (c *Client) Address() string { return c.host }

// Hello asks the member for its identity and current role.
func (c *Client) Hello(ctx context.Context) (MemberStatus, error) {
	resp, err := c.call(ctx, methodHello)
	if err != nil {
		return MemberStatus{}, err
	}
	if resp.Member == nil {
		return MemberStatus{}, fmt.Errorf("hello from %s: empty member status", c.host)
	}
	return *resp.Member, nil
}

// LatestPosition implements donor.Client.
func (c *Client) LatestPosition(ctx context.Context) (tenantmigration.OpTime, error) {
	resp, err := c.call(ctx, methodLatestPosition)
	if err != nil {
		return tenantmigration.OpTime{}, err
	}
	if resp.Position == nil {
		return tenantmigration.OpTime{}, fmt.Errorf("latestPosition from %s: empty position", c.host)
	}
	return resp.Position.OpTime(), nil
}

// InProgressTransactions implements donor.Client.
func (c *Client) InProgressTransactions(ctx context.Context) ([]tenantmigration.TransactionRecord, error) {
	resp, err := c.call(ctx, methodInProgressTransactions)
	if err != nil {
		return nil, err
	}
	records := make([]tenantmigration.TransactionRecord, 0, len(resp.Transactions))
	for _, txn := range resp.Transactions {
		records = append(records, txn.Record())
	}
	return records, nil
}

// Close implements donor.Client. Safe to call more than once.
func (c *Client) Close() error {
	c.teardown(errConnClosed)
	return nil
}

func (c *Client) call(ctx context.Context, method string) (response, error) {
	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return response{}, fmt.Errorf("%s %s: %w", method, c.host, err)
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := cbor.Marshal(request{ID: id, Method: method})
	if err != nil {
		c.dropPending(id)
		return response{}, err
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.BinaryMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return response{}, fmt.Errorf("%s %s: %w", method, c.host, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return response{}, fmt.Errorf("%s %s: %s", method, c.host, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.dropPending(id)
		return response{}, ctx.Err()
	case <-c.closed:
		return response{}, fmt.Errorf("%s %s: %w", method, c.host, c.closeError())
	case <-timer.C:
		c.dropPending(id)
		return response{}, fmt.Errorf("%s %s: timed out after %s", method, c.host, c.timeout)
	}
}

// readLoop routes every incoming frame to the call waiting on its id.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.teardown(err)
			return
		}
		var resp response
		if err := cbor.Unmarshal(data, &resp); err != nil {
			c.logger.Warn().Err(err).Msg("donor_frame_undecodable")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) teardown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.pending = make(map[uint64]chan response)
		c.mu.Unlock()
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
