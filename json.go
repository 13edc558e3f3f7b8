// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	json2 "github.com/gorilla/rpc/v2/json2"
)

// AttachmentHeaderPrefix prefixes request attachments sent as HTTP headers.
const AttachmentHeaderPrefix = "X-Rpc-"

// newHTTPClient creates a fresh HTTP client with disabled connection reuse,
// so each JSON-RPC exchange owns its TCP connection.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isTransientNetError checks if an error is a transient connection failure
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// JSONRPCDialer carries calls as JSON-RPC 2.0 POSTs of "<service>.<method>".
// Payloads must be JSON.
type JSONRPCDialer struct {
	// Path defaults to "/rpc".
	Path string
	// Client defaults to a client without keep-alives.
	Client *http.Client
}

func (d *JSONRPCDialer) Dial(ctx context.Context, ep Endpoint, sink ConnSink) (Connection, error) {
	path := d.Path
	if path == "" {
		path = "/rpc"
	}
	client := d.Client
	if client == nil {
		client = newHTTPClient()
	}
	uri := &url.URL{Scheme: "http", Host: ep.String(), Path: path}
	return &jsonRPCConn{uri: uri.String(), client: client, sink: sink}, nil
}

type jsonRPCConn struct {
	uri    string
	client *http.Client
	sink   ConnSink
	closed atomic.Bool
}

func (c *jsonRPCConn) Send(ctx context.Context, req *Request) error {
	if c.closed.Load() {
		return errConnClosed
	}
	var params interface{}
	if len(req.Payload) > 0 {
		params = json.RawMessage(req.Payload)
	}
	body, err := json2.EncodeClientRequest(req.Service+"."+req.Method, params)
	if err != nil {
		return fmt.Errorf("%w: failed to encode client params: %w", ErrSerialization, err)
	}
	if req.Oneway {
		go func() { _, _ = c.post(context.Background(), req, body) }()
		return nil
	}
	go c.exchange(req, body)
	return nil
}

func (c *jsonRPCConn) post(parent context.Context, req *Request, body []byte) (*http.Response, error) {
	timeout := req.ReadTimeout
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for k, v := range req.Attachments {
		request.Header.Set(AttachmentHeaderPrefix+k, v)
	}
	resp, err := c.client.Do(request)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *jsonRPCConn) exchange(req *Request, body []byte) {
	resp, err := c.post(context.Background(), req, body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The call's own timer reports the timeout.
			return
		}
		c.sink.OnWriteResult(req.ID, fmt.Errorf("%w: failed to issue request: %w", ErrNetwork, err))
		return
	}
	defer CleanlyCloseBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.sink.OnResponse(&Response{ID: req.ID, Error: fmt.Sprintf("received status code: %d", resp.StatusCode)})
		return
	}
	var result json.RawMessage
	err = json2.DecodeClientResponse(resp.Body, &result)
	var rpcErr *json2.Error
	switch {
	case err == nil:
		c.sink.OnResponse(&Response{ID: req.ID, Payload: result})
	case errors.As(err, &rpcErr):
		c.sink.OnResponse(&Response{ID: req.ID, Error: rpcErr.Message})
	case errors.Is(err, json2.ErrNullResult):
		c.sink.OnResponse(&Response{ID: req.ID})
	default:
		c.sink.OnWriteResult(req.ID, fmt.Errorf("%w: failed to decode client response: %w", ErrSerialization, err))
	}
}

func (c *jsonRPCConn) IsOpen() bool {
	return !c.closed.Load()
}

func (c *jsonRPCConn) Close() error {
	c.closed.Store(true)
	return nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
