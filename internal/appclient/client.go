// Package appclient is a typed client for the nfcbridged API.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/nfcbridge/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	dialer       *websocket.Dialer
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	c := NewWithClient("http://unix", &http.Client{Transport: &http.Transport{DialContext: dial}})
	c.dialer = &websocket.Dialer{NetDialContext: dial, HandshakeTimeout: 5 * time.Second}
	return c
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		dialer:       websocket.DefaultDialer,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

// ErrRejected wraps a reply with success:false.
var ErrRejected = errors.New("request rejected")

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.getJSON(ctx, "/v1/health", nil, &out)
	return out, err
}

func (c *Client) State(ctx context.Context) (api.StateEnvelope, error) {
	var out api.StateEnvelope
	err := c.getJSON(ctx, "/v1/state", nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, limit int) (api.HistoryEnvelope, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out api.HistoryEnvelope
	err := c.getJSON(ctx, "/v1/history", query, &out)
	return out, err
}

// Action posts to /v1/actions/{req.Action}. A success:false reply is
// returned together with an error wrapping ErrRejected.
func (c *Client) Action(ctx context.Context, req api.ActionRequest) (api.ActionReply, error) {
	name := strings.TrimSpace(req.Action)
	if name == "" {
		return api.ActionReply{}, errors.New("action is required")
	}
	body, err := c.request(ctx, http.MethodPost, "/v1/actions/"+url.PathEscape(name), nil, req, false)
	if err != nil {
		return api.ActionReply{}, err
	}
	return decodeReply(body)
}

// Message posts the generic {action, ...} envelope.
func (c *Client) Message(ctx context.Context, req api.ActionRequest) (api.ActionReply, error) {
	body, err := c.request(ctx, http.MethodPost, "/v1/messages", nil, req, false)
	if err != nil {
		return api.ActionReply{}, err
	}
	return decodeReply(body)
}

func (c *Client) EnsureConnection(ctx context.Context) error {
	_, err := c.Action(ctx, api.ActionRequest{Action: api.ActionEnsureConnection})
	return err
}

func (c *Client) StartListening(ctx context.Context, readerIndex int) (api.ActionReply, error) {
	return c.Action(ctx, api.ActionRequest{Action: api.ActionStartListening, ReaderIndex: &readerIndex})
}

func (c *Client) SetFormat(ctx context.Context, format string) (api.ActionReply, error) {
	return c.Action(ctx, api.ActionRequest{Action: api.ActionSetFormat, Format: format})
}

func decodeReply(body []byte) (api.ActionReply, error) {
	var reply api.ActionReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return api.ActionReply{}, fmt.Errorf("decode action reply: %w", err)
	}
	if !reply.Success {
		return reply, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	return reply, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.request(ctx, http.MethodGet, path, query, nil, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
