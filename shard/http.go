package shard

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/workersql/workersql/protocol"
)

// HTTPClient speaks the actor's JSON API over h2c. Actors are
// cluster-local, so plaintext HTTP/2 gives request multiplexing over one
// connection without a TLS hop.
// See: https://www.mailgun.com/blog/http-2-cleartext-h2c-client-example-go/
type HTTPClient struct {
	addrs Addresser
	// HTTP is the underlying client; tests may substitute one.
	HTTP *http.Client
	// Retry tunes transient-failure retries. The zero value disables them.
	Retry RetryConfig
}

// NewHTTPClient builds an h2c client over addrs with default retries.
func NewHTTPClient(addrs Addresser) *HTTPClient {
	return &HTTPClient{
		addrs: addrs,
		HTTP: &http.Client{
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
					return net.Dial(network, addr)
				},
			},
		},
		Retry: DefaultRetryConfig(),
	}
}

func (c *HTTPClient) Execute(ctx context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	var resp = new(protocol.ExecuteResponse)
	return resp, c.call(ctx, shardID, "/execute", &req, resp)
}

func (c *HTTPClient) ExecuteBatch(ctx context.Context, shardID string, req protocol.BatchExecuteRequest) (*protocol.BatchExecuteResponse, error) {
	var resp = new(protocol.BatchExecuteResponse)
	return resp, c.call(ctx, shardID, "/batch", &req, resp)
}

func (c *HTTPClient) Mutation(ctx context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	var resp = new(protocol.ExecuteResponse)
	return resp, c.call(ctx, shardID, "/mutation", &req, resp)
}

func (c *HTTPClient) DDL(ctx context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	var resp = new(protocol.ExecuteResponse)
	return resp, c.call(ctx, shardID, "/ddl", &req, resp)
}

func (c *HTTPClient) Export(ctx context.Context, shardID string, req protocol.ExportRequest) (*protocol.ExportResponse, error) {
	var resp = new(protocol.ExportResponse)
	return resp, c.call(ctx, shardID, "/export", &req, resp)
}

func (c *HTTPClient) Import(ctx context.Context, shardID string, req protocol.ImportRequest) (*protocol.ImportResponse, error) {
	var resp = new(protocol.ImportResponse)
	return resp, c.call(ctx, shardID, "/import", &req, resp)
}

func (c *HTTPClient) Events(ctx context.Context, shardID string, req protocol.EventsRequest) (*protocol.EventsResponse, error) {
	var resp = new(protocol.EventsResponse)
	return resp, c.call(ctx, shardID, "/events", &req, resp)
}

func (c *HTTPClient) Tables(ctx context.Context, shardID string) ([]string, error) {
	var resp = new(protocol.TablesResponse)
	if err := c.get(ctx, shardID, "/tables", resp); err != nil {
		return nil, err
	}
	return resp.Tables, nil
}

func (c *HTTPClient) Txn(ctx context.Context, shardID string, req protocol.TxnRequest) (*protocol.TxnResponse, error) {
	var resp = new(protocol.TxnResponse)
	return resp, c.call(ctx, shardID, "/txn", &req, resp)
}

func (c *HTTPClient) Status(ctx context.Context, shardID string) (*protocol.ActorStatus, error) {
	var resp = new(protocol.ActorStatus)
	return resp, c.get(ctx, shardID, "/status", resp)
}

// call POSTs a JSON body and decodes the JSON response, retrying
// transient failures within the caller's deadline.
func (c *HTTPClient) call(ctx context.Context, shardID, resource string, request, response interface{}) error {
	var body, err = json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", resource, err)
	}
	return c.withRetry(ctx, shardID, resource, func() error {
		return c.roundTrip(ctx, shardID, "POST", resource, body, response)
	})
}

func (c *HTTPClient) get(ctx context.Context, shardID, resource string, response interface{}) error {
	return c.withRetry(ctx, shardID, resource, func() error {
		return c.roundTrip(ctx, shardID, "GET", resource, nil, response)
	})
}

func (c *HTTPClient) roundTrip(ctx context.Context, shardID, method, resource string, body []byte, response interface{}) error {
	var addr, err = c.addrs.Address(shardID)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, addr+resource, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", resource, err)
	}
	req.Header.Add("Content-Type", "application/json")

	var started = time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		rpcCalls.WithLabelValues(shardID, resource, "error").Inc()
		return classifyTransportError(shardID, err)
	}
	defer resp.Body.Close()
	rpcLatency.WithLabelValues(shardID, resource).Observe(time.Since(started).Seconds())

	if resp.StatusCode != http.StatusOK {
		var pe = decodeErrorEnvelope(resp)
		rpcCalls.WithLabelValues(shardID, resource, string(pe.Code)).Inc()
		return pe
	}

	if err = json.NewDecoder(resp.Body).Decode(response); err != nil {
		rpcCalls.WithLabelValues(shardID, resource, "decode_error").Inc()
		return protocol.NewError(protocol.CodeInternal,
			"decoding shard %s %s response: %s", shardID, resource, err)
	}
	rpcCalls.WithLabelValues(shardID, resource, "ok").Inc()
	return nil
}

// decodeErrorEnvelope recovers the actor's error classification from a
// non-200 response, falling back to the HTTP status.
func decodeErrorEnvelope(resp *http.Response) *protocol.Error {
	var body, _ = io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var pe = new(protocol.Error)
	if err := json.Unmarshal(body, pe); err == nil && pe.Code != "" {
		return pe
	}
	var code = protocol.CodeInternal
	switch resp.StatusCode {
	case http.StatusBadRequest:
		code = protocol.CodeInvalidQuery
	case http.StatusUnauthorized:
		code = protocol.CodeAuthError
	case http.StatusForbidden:
		code = protocol.CodePermissionError
	case http.StatusTooManyRequests, http.StatusRequestEntityTooLarge:
		code = protocol.CodeResourceLimit
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		code = protocol.CodeConnectionError
	case http.StatusGatewayTimeout:
		code = protocol.CodeTimeout
	}
	return protocol.NewError(code, "shard responded %d: %s", resp.StatusCode, body)
}

func classifyTransportError(shardID string, err error) *protocol.Error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return protocol.NewError(protocol.CodeTimeout,
			"shard %s call timed out: %s", shardID, err)
	}
	return protocol.NewError(protocol.CodeConnectionError,
		"shard %s is unreachable: %s", shardID, err)
}

var _ Client = &HTTPClient{}
