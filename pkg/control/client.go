package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WebFirstLanguage/weeb3/pkg/node"
)

// ErrResponseID is returned when a response does not answer the request sent.
var ErrResponseID = errors.New("response id mismatch")

// Client calls a control API server over one connection. Calls are
// serialised.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

type rawResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Dial connects to the control API at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control API at %s: %w", addr, err)
	}
	return &Client{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends method with params and decodes the result into result, which
// may be nil. A response error is returned as an error.
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A zero deadline clears a previous one
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	req := Request{Method: method, ID: uuid.NewString(), Params: params}
	if err := c.enc.Encode(req); err != nil {
		return c.wrap(ctx, method, err)
	}
	var resp rawResponse
	if err := c.dec.Decode(&resp); err != nil {
		return c.wrap(ctx, method, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%s: %w: sent %s, got %s", method, ErrResponseID, req.ID, resp.ID)
	}
	if resp.Error != "" {
		return fmt.Errorf("%s: %s", method, resp.Error)
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}

func (c *Client) wrap(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", method, ctxErr)
	}
	return fmt.Errorf("%s: %w", method, err)
}

// Info calls GetInfo.
func (c *Client) Info(ctx context.Context) (node.Info, error) {
	var info node.Info
	err := c.Call(ctx, "GetInfo", nil, &info)
	return info, err
}

// Data calls GetData for the hex address addr.
func (c *Client) Data(ctx context.Context, addr string) (DataResult, error) {
	var res DataResult
	err := c.Call(ctx, "GetData", map[string]interface{}{"address": addr}, &res)
	return res, err
}

// Feed calls GetFeed with a topic name.
func (c *Client) Feed(ctx context.Context, owner, name string, redundancy uint) (FeedResult, error) {
	var res FeedResult
	err := c.Call(ctx, "GetFeed", map[string]interface{}{
		"owner":      owner,
		"name":       name,
		"redundancy": redundancy,
	}, &res)
	return res, err
}
