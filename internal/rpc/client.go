// Package rpc provides the JSON-RPC client used to talk to Wownero-like
// daemon and wallet-rpc processes.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client is a stateless JSON-RPC 2.0 client for one daemon or wallet
// endpoint. Every failure (transport, non-2xx, decode, RPC error member)
// is returned to the caller; there is no automatic retry.
type Client struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

// NewClient creates a client for the given RPC base URI.
// The standard /json_rpc path is appended when missing.
func NewClient(rpcURI string, log zerolog.Logger) *Client {
	endpoint := strings.TrimRight(rpcURI, "/")
	if !strings.HasSuffix(endpoint, "/json_rpc") {
		endpoint += "/json_rpc"
	}

	return &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.With().Str("client", "json_rpc").Str("endpoint", endpoint).Logger(),
	}
}

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Error is the error member of a JSON-RPC response envelope.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes a JSON-RPC method and decodes its result into result,
// which may be nil for methods whose result the caller ignores.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      "0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug().Str("method", method).Msg("Sending RPC request")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", method, resp.StatusCode)
	}

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}

	if envelope.Error != nil {
		return fmt.Errorf("%s failed: %w", method, envelope.Error)
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}

	return nil
}
