package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"silentnet/models"
)

// Client issues node-to-node HTTP requests.
type Client struct {
	HTTP    *http.Client
	Port    int
	Timeout time.Duration
}

// NewClient returns a client that appends port to bare host addresses and
// bounds each request by timeout.
func NewClient(port int, timeout time.Duration) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		HTTP:    &http.Client{},
		Port:    port,
		Timeout: timeout,
	}
}

// FetchInfo requests GET /info from address and validates the identity fields.
func (c *Client) FetchInfo(ctx context.Context, address string) (models.Info, error) {
	var info models.Info
	if err := c.getJSON(ctx, address, PathInfo, "info", &info); err != nil {
		return models.Info{}, err
	}
	if info.UserID == "" {
		return models.Info{}, &ProtocolMismatchError{Address: address, Reason: "info response missing user_id"}
	}
	if info.PublicKey == "" {
		return models.Info{}, &ProtocolMismatchError{Address: address, Reason: "info response missing public_key"}
	}
	return info, nil
}

// Ping requests GET /ping from address.
func (c *Client) Ping(ctx context.Context, address string) (models.Status, error) {
	var status models.Status
	if err := c.getJSON(ctx, address, PathPing, "ping", &status); err != nil {
		return models.Status{}, err
	}
	return status, nil
}

// Deliver posts an envelope to address and requires a 200 acknowledgement.
func (c *Client) Deliver(ctx context.Context, address string, envelope models.MessageEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(address, PathMessage), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &PeerUnreachableError{Address: address, Op: "message", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))

	if resp.StatusCode != http.StatusOK {
		return &ProtocolMismatchError{Address: address, Reason: fmt.Sprintf("message returned status %d", resp.StatusCode)}
	}
	return nil
}

// Send delivers an envelope and reports only whether the peer accepted it.
func (c *Client) Send(ctx context.Context, address string, envelope models.MessageEnvelope) bool {
	return c.Deliver(ctx, address, envelope) == nil
}

func (c *Client) getJSON(ctx context.Context, address, path, op string, out any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(address, path), nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &PeerUnreachableError{Address: address, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ProtocolMismatchError{Address: address, Reason: fmt.Sprintf("%s returned status %d", op, resp.StatusCode)}
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return &PeerUnreachableError{Address: address, Op: op, Err: err}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &ProtocolMismatchError{Address: address, Reason: op + " response is not valid JSON", Err: err}
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.Timeout)
}

func (c *Client) url(address, path string) string {
	return "http://" + HostPort(address, c.Port) + path
}
