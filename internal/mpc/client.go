package mpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/obscura-trade/obscura-core/internal/metrics"
)

const (
	defaultTimeout = 10 * time.Second
	maxRetries     = 3
)

// frame is the JSON message format spoken with the enclave. Every request
// carries a sequence number the response echoes back.
type frame struct {
	Seq     uint64          `json:"seq"`
	Method  string          `json:"method"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TokenSource supplies the enclave auth token, typically backed by the
// secrets provider with a TTL cache.
type TokenSource func(ctx context.Context) (string, error)

// Client implements Engine against a remote enclave over a websocket session.
// Every call is bounded by a timeout and retried up to maxRetries times with
// exponential backoff before a Failure surfaces. The client performs no state
// mutation of its own, so retries are safe.
type Client struct {
	url     string
	token   TokenSource
	timeout time.Duration
	logger  *zap.Logger
	dialer  *websocket.Dialer
	seq     atomic.Uint64
}

// NewClient creates a coordination client for the enclave at url.
func NewClient(url string, token TokenSource, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:     url,
		token:   token,
		timeout: timeout,
		logger:  logger,
		dialer:  websocket.DefaultDialer,
	}
}

// CompareQuotes asks the enclave to select the most favorable quote.
func (c *Client) CompareQuotes(ctx context.Context, req CompareRequest) (*CompareResult, error) {
	var result CompareResult
	if err := c.call(ctx, "compare_quotes", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MatchOrders asks the enclave for one matching pass over the snapshot.
func (c *Client) MatchOrders(ctx context.Context, req MatchRequest) (*MatchResult, error) {
	var result MatchResult
	if err := c.call(ctx, "match_orders", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, method string, payload, out any) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt)):
			case <-ctx.Done():
				return &Failure{Op: method, Cause: ctx.Err()}
			}
			metrics.IncMPCRetry(method)
		}

		err := c.roundTrip(ctx, method, payload, out)
		if err == nil {
			metrics.IncMPCCall(method, "ok")
			return nil
		}
		lastErr = err
		c.logger.Warn("mpc.call_failed",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	metrics.IncMPCCall(method, "error")
	return &Failure{Op: method, Cause: lastErr}
}

// roundTrip performs one request/response exchange on a fresh session.
func (c *Client) roundTrip(ctx context.Context, method string, payload, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, _, err := c.dialer.DialContext(callCtx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dialing enclave: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	var token string
	if c.token != nil {
		if token, err = c.token(callCtx); err != nil {
			return fmt.Errorf("resolving enclave token: %w", err)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", method, err)
	}
	seq := c.seq.Add(1)
	if err := conn.WriteJSON(frame{Seq: seq, Method: method, Token: token, Payload: raw}); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	var resp frame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}
	if resp.Seq != seq {
		return fmt.Errorf("enclave answered seq %d, want %d", resp.Seq, seq)
	}
	if resp.Error != "" {
		return fmt.Errorf("enclave rejected %s: %s", method, resp.Error)
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	return nil
}

func backoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 250 * time.Millisecond
	case 2:
		return 1 * time.Second
	default:
		return 2 * time.Second
	}
}
