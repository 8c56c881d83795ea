// Package transport talks to the API server: commands, the bulk tree fetch
// and the action-packet stream.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/cloudmirror/internal/logging"
	"github.com/fruitsalade/cloudmirror/internal/metrics"
	"github.com/fruitsalade/cloudmirror/internal/packet"
	"github.com/fruitsalade/cloudmirror/internal/retry"
)

// Command is one API request. Action and Tag are sent as "a" and "i"
// alongside Args in a single object.
type Command struct {
	Action string
	Tag    string
	Args   map[string]any
}

func (c Command) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Args)+2)
	maps.Copy(m, c.Args)
	m["a"] = c.Action
	if c.Tag != "" {
		m["i"] = c.Tag
	}
	return json.Marshal(m)
}

// Requester sends commands. A negative result code comes back as *APIError.
type Requester interface {
	Do(ctx context.Context, cmd Command) (json.RawMessage, error)
}

// Tree is the bulk snapshot returned by the tree endpoint.
type Tree struct {
	Seq           uint64                       `json:"sn"`
	Nodes         []packet.NodeRecord          `json:"f"`
	Shares        []packet.ShareEntry          `json:"s,omitempty"`
	PendingShares []packet.PendingShareEntry   `json:"ps,omitempty"`
	Outgoing      []packet.PendingContactEntry `json:"opc,omitempty"`
	Incoming      []packet.PendingContactEntry `json:"ipc,omitempty"`
}

// Client provides the HTTP API client with retry and auth.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	online    bool
	authToken string
}

var _ Requester = (*Client)(nil)

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the session token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("server is back online", logging.String("url", c.baseURL))
		} else {
			logging.Error("server is offline", logging.String("url", c.baseURL))
		}
	}
	c.online = online
}

// Do sends one command. Busy and rate-limit answers, server errors and
// network failures are retried per the client's retry config.
func (c *Client) Do(ctx context.Context, cmd Command) (json.RawMessage, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Action, err)
	}

	log := logging.WithContext(ctx)
	cfg := c.retryConfig
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		log.Debug("retrying command",
			logging.String("command", cmd.Action),
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Err(err))
	}

	result, err := retry.DoWithResult(ctx, cfg, func() (json.RawMessage, error) {
		return c.send(ctx, cmd, body)
	})

	code := 0
	if err != nil {
		code = int(EINTERNAL)
		if ae, ok := AsAPIError(err); ok {
			code = int(ae.Code)
		}
	}
	metrics.RecordRequest(cmd.Action, code)
	return result, err
}

func (c *Client) send(ctx context.Context, cmd Command, body []byte) (json.RawMessage, error) {
	url := c.baseURL + "/api/v1/cs"
	if cmd.Tag != "" {
		url += "?id=" + cmd.Tag
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, retry.Retryable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.setOnline(true)
		return nil, retry.Retryable(&APIError{Command: cmd.Action, Code: ERATELIMIT})
	case resp.StatusCode >= 500:
		c.setOnline(false)
		return nil, retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		c.setOnline(true)
		return nil, fmt.Errorf("%s: server returned %d", cmd.Action, resp.StatusCode)
	}
	c.setOnline(true)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Retryable(err)
	}
	data = bytes.TrimSpace(data)

	// A bare negative number is a result code.
	if n, err := strconv.Atoi(string(data)); err == nil && n < 0 {
		ae := &APIError{Command: cmd.Action, Code: Code(n)}
		if ae.Code.Temporary() {
			return nil, retry.Retryable(ae)
		}
		return nil, ae
	}
	return json.RawMessage(data), nil
}

// FetchTree fetches the full node graph together with the share ledger and
// the sequence number the stream resumes from.
func (c *Client) FetchTree(ctx context.Context) (*Tree, error) {
	var result *Tree

	err := retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/tree", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept-Encoding", "gzip")
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode >= 500 {
				c.setOnline(false)
				return retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
			}
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		c.setOnline(true)

		var reader io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				return err
			}
			defer gr.Close()
			reader = gr
		}

		var tree Tree
		if err := json.NewDecoder(reader).Decode(&tree); err != nil {
			return fmt.Errorf("decode tree: %w", err)
		}
		result = &tree
		return nil
	})

	return result, err
}
