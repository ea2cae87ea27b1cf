// Package wsdriver connects the post state machine to an external browser
// driver over a websocket. The driver owns the real browser profiles; this
// side speaks a small JSON request/response protocol:
//
//	→ {"id": 7, "method": "element.click", "params": {"session": "s1", "selector": "#publish"}}
//	← {"id": 7, "result": {}}
//	← {"id": 8, "error": {"code": "not_found", "message": "no element matches #publish"}}
package wsdriver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/poster"
	"github.com/teranos/postpulse/version"
)

// Driver error codes mapped onto poster errors
const (
	CodeNotFound           = "not_found"
	CodeTimeout            = "timeout"
	CodeSessionUnavailable = "session_unavailable"
)

// DefaultCallTimeout bounds a call the driver never answers
const DefaultCallTimeout = 30 * time.Second

type request struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) err(method string) error {
	var base error
	switch e.Code {
	case CodeNotFound:
		base = poster.ErrElementNotFound
	case CodeTimeout:
		base = poster.ErrDriverTimeout
	case CodeSessionUnavailable:
		base = poster.ErrSessionUnavailable
	default:
		return errors.Newf("driver %s failed (%s): %s", method, e.Code, e.Message)
	}
	return errors.Wrapf(base, "driver %s: %s", method, e.Message)
}

// Client is a connection to the driver. It implements poster.Sessions.
type Client struct {
	conn        *websocket.Conn
	callTimeout time.Duration
	log         *zap.SugaredLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan response
	readErr error

	done chan struct{}
}

// Dial connects to the driver at url (ws:// or wss://).
func Dial(ctx context.Context, url string, callTimeout time.Duration, log *zap.SugaredLogger) (*Client, error) {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{"User-Agent": {version.Get().UserAgent()}}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(errors.Mark(err, poster.ErrSessionUnavailable), "failed to connect to browser driver at %s", url),
			"start the browser driver or set driver.url in am.toml")
	}
	c := &Client{
		conn:        conn,
		callTimeout: callTimeout,
		log:         log,
		pending:     make(map[uint64]chan response),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	log.Infow("Connected to browser driver", "url", url)
	return c, nil
}

// Close ends the connection; calls in flight fail with ErrSessionUnavailable
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var resp response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.mu.Lock()
			c.readErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Debugw("Browser driver connection closed", "error", err)
			}
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			c.log.Debugw("Dropping driver response for unknown call", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// call sends one request and waits for its response, the context, the
// connection closing, or timeout.
func (c *Client) call(ctx context.Context, method string, params, out interface{}, timeout time.Duration) error {
	ch := make(chan response, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return errors.Wrapf(errors.Mark(err, poster.ErrSessionUnavailable), "driver %s", method)
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	err := c.conn.WriteJSON(request{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return errors.Wrapf(errors.Mark(err, poster.ErrSessionUnavailable), "driver %s: write", method)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return errors.Wrapf(poster.ErrSessionUnavailable, "driver %s: connection closed", method)
		}
		if resp.Error != nil {
			return resp.Error.err(method)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return errors.Wrapf(err, "driver %s: decoding result", method)
			}
		}
		return nil
	case <-timer.C:
		forget()
		return errors.Wrapf(poster.ErrDriverTimeout, "driver %s: no answer within %s", method, timeout)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// Browser opens the account's automation profile and returns a handle bound to it.
func (c *Client) Browser(ctx context.Context, accountID string) (poster.Browser, error) {
	var out struct {
		Session string `json:"session"`
	}
	if err := c.call(ctx, "session.open", map[string]string{"account_id": accountID}, &out, c.callTimeout); err != nil {
		return nil, err
	}
	if out.Session == "" {
		return nil, errors.Wrapf(poster.ErrSessionUnavailable, "driver returned no session for account %s", accountID)
	}
	return &Session{client: c, id: out.Session}, nil
}
