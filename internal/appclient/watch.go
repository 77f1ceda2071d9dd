package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/nfcbridge/internal/api"
)

// ErrWatchPayloadInvalid marks a push frame that is not a PushMessage.
var ErrWatchPayloadInvalid = errors.New("watch payload invalid")

type WatchLoopOptions struct {
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	// Once returns after the first stream ends instead of reconnecting.
	Once bool
}

func (c *Client) wsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/ws"
}

// Watch streams push messages to onMessage until ctx is done, the stream
// closes or onMessage returns an error. Socket replies are skipped.
func (c *Client) Watch(ctx context.Context, onMessage func(api.PushMessage) error) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return &RequestError{StatusCode: resp.StatusCode, Code: fmt.Sprintf("HTTP_%d", resp.StatusCode)}
		}
		return fmt.Errorf("dial push stream: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read push stream: %w", err)
		}
		var msg api.PushMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("%w: %v", ErrWatchPayloadInvalid, err)
		}
		if msg.Action == api.PushReply || onMessage == nil {
			continue
		}
		if err := onMessage(msg); err != nil {
			return err
		}
	}
}

// WatchLoop reconnects Watch with exponential backoff. Messages carry the
// daemon's stream id and sequence, so callers can notice a restart.
func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onMessage func(api.PushMessage) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		received := false
		err := c.Watch(ctx, func(msg api.PushMessage) error {
			received = true
			if onMessage == nil {
				return nil
			}
			if err := onMessage(msg); err != nil {
				return callbackError{err}
			}
			return nil
		})
		var cbErr callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		if opts.Once {
			return err
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrWatchPayloadInvalid) {
				return err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
		}
		if received {
			backoff = minBackoff
		}
		if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
			return waitErr
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }
