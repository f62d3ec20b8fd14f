// Package httpx is a small retrying JSON-over-HTTP client. Transport errors,
// 429 and 5xx responses are retried on an exponential schedule; everything
// else fails on the first attempt.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
)

type Client struct {
	httpClient *http.Client
	retries    int
	userAgent  string
	newBackOff func() backoff.BackOff
	nextID     atomic.Uint64
}

func New(timeout time.Duration, retries int) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		userAgent:  "defi-keeper/1.0",
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 120 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (c *Client) DoJSON(ctx context.Context, req *http.Request, out any) (http.Header, error) {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	var header http.Header
	attempt := func() error {
		cloneReq := req.Clone(ctx)
		if req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(clierr.Wrap(clierr.CodeInternal, "clone request body", err))
			}
			cloneReq.Body = body
		}
		resp, err := c.httpClient.Do(cloneReq)
		if err != nil {
			return mapNetError(err)
		}
		buf, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		header = resp.Header
		if readErr != nil {
			return clierr.Wrap(clierr.CodeUnavailable, "read response", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return clierr.New(clierr.CodeUnavailable, "endpoint rate limited request")
		case resp.StatusCode >= http.StatusInternalServerError:
			return clierr.New(clierr.CodeUnavailable, fmt.Sprintf("endpoint unavailable (status %d)", resp.StatusCode))
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(clierr.New(clierr.CodeBlocked, "endpoint authentication failed"))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(clierr.New(clierr.CodeUnavailable, fmt.Sprintf("endpoint returned unexpected status %d", resp.StatusCode)))
		}

		if out == nil {
			return nil
		}
		if len(bytes.TrimSpace(buf)) == 0 {
			return backoff.Permanent(clierr.New(clierr.CodeUnavailable, "endpoint returned empty response"))
		}
		if err := json.Unmarshal(buf, out); err != nil {
			return backoff.Permanent(clierr.Wrap(clierr.CodeUnavailable, "decode JSON response", err))
		}
		return nil
	}

	schedule := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.retries)), ctx)
	if err := backoff.Retry(attempt, schedule); err != nil {
		if ctx.Err() != nil && !clierr.HasCode(err, clierr.CodeUnavailable) {
			return header, clierr.Wrap(clierr.CodeUnavailable, "request cancelled", ctx.Err())
		}
		return header, err
	}
	return header, nil
}

func DoBodyJSON(ctx context.Context, c *Client, method, url string, body []byte, headers map[string]string, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.DoJSON(ctx, req, out)
}

// RPCError is a JSON-RPC error object returned by the endpoint.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

// CallRPC performs one JSON-RPC 2.0 call and decodes result into out. An
// error object in the response is returned as *RPCError and never retried.
func (c *Client) CallRPC(ctx context.Context, url, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode json-rpc request", err)
	}
	var resp rpcResponse
	if _, err := DoBodyJSON(ctx, c, http.MethodPost, url, body, nil, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "decode "+method+" result", err)
	}
	return nil
}

// IsRPCError reports whether err came from a JSON-RPC error object.
func IsRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

func mapNetError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "endpoint timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "endpoint request failed", err)
}
