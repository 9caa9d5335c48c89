package messenger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/elissabot/elissa/internal/logging"
)

// maxRPCLine bounds a single JSON-RPC frame read off the socket.
const maxRPCLine = 10 * 1024 * 1024

// RPCError is a JSON-RPC error returned by the transport daemon.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Notification is a server-initiated JSON-RPC message (no id). The
// transport daemon streams account events this way.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     string           `json:"id"`
	Result *json.RawMessage `json:"result,omitempty"`
	Error  *RPCError        `json:"error,omitempty"`
}

// RPCClient speaks line-delimited JSON-RPC 2.0 over the transport
// daemon's unix socket. Calls multiplex over one connection; event
// notifications are surfaced on Notifications.
type RPCClient struct {
	conn   net.Conn
	logger zerolog.Logger

	nextID        atomic.Uint64
	pendingMu     sync.Mutex
	pending       map[string]chan *rpcResponse
	notifications chan *Notification

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the transport daemon's unix socket.
func Dial(socketPath string) (*RPCClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to transport socket: %w", err)
	}

	c := &RPCClient{
		conn:          conn,
		logger:        logging.Component("rpc"),
		pending:       make(map[string]chan *rpcResponse),
		notifications: make(chan *Notification, 128),
		done:          make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call issues one request and waits for its response.
func (c *RPCClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)

	data, err := json.Marshal(&rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	respCh := make(chan *rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if _, err := fmt.Fprintf(c.conn, "%s\n", data); err != nil {
		return nil, fmt.Errorf("send %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("%s: connection closed", method)
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		if resp.Result == nil {
			return nil, nil
		}
		return *resp.Result, nil
	}
}

// Notifications returns the stream of server-initiated events. The
// channel closes when the connection does.
func (c *RPCClient) Notifications() <-chan *Notification {
	return c.notifications
}

// Close shuts the connection down and unblocks all pending calls.
func (c *RPCClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *RPCClient) readLoop() {
	defer func() {
		close(c.done)
		close(c.notifications)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxRPCLine)

	for scanner.Scan() {
		line := scanner.Bytes()

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err == nil && resp.ID != "" {
			c.pendingMu.Lock()
			if ch, ok := c.pending[resp.ID]; ok {
				ch <- &resp
			}
			c.pendingMu.Unlock()
			continue
		}

		var notif Notification
		if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
			select {
			case c.notifications <- &notif:
			default:
				c.logger.Warn().Str("method", notif.Method).Msg("notification buffer full, dropping event")
			}
			continue
		}

		c.logger.Warn().Msg("unparseable frame from transport")
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug().Err(err).Msg("transport read loop ended")
	}
}
