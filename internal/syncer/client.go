package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/session"
	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/store"
)

const (
	requestTimeout = 30 * time.Second
	probeTimeout   = 2 * time.Second

	workspaceHeader = "X-Workspace-ID"
	deviceHeader    = "X-Device-ID"
)

// Client talks to the remote authority over the push/pull wire contract.
type Client struct {
	baseURL    string
	deviceID   string
	httpClient *http.Client
	sess       *session.Session
}

func NewClient(baseURL, deviceID string, sess *session.Session) *Client {
	return &Client{
		baseURL:  baseURL,
		deviceID: deviceID,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		sess: sess,
	}
}

// PullResponse is the remote authority's answer to a pull: changed records
// per table, deletions, and the timestamp that becomes the new cursor.
type PullResponse struct {
	Changes   map[string][]store.Record `json:"changes"`
	Deleted   []store.Deletion          `json:"deleted"`
	Timestamp time.Time                 `json:"timestamp"`
}

// Online probes the remote host with a short TCP dial so a sync attempted
// while offline short-circuits instead of waiting out the full request
// timeout.
func (c *Client) Online() bool {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}

	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	conn, err := net.DialTimeout("tcp", host, probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()

	return true
}

// Push transmits all pending records and tombstones as one batch request.
// Any non-2xx status is a retryable failure; the remote upserts by id, so a
// retried push is idempotent.
func (c *Client) Push(ctx context.Context, tables map[string][]store.Record, tombstones []*store.Tombstone) error {
	payload := make(map[string]any, len(tables)+1)
	for table, records := range tables {
		payload[table] = records
	}
	deleted := make([]*store.Tombstone, 0, len(tombstones))
	deleted = append(deleted, tombstones...)
	payload["deletedRecords"] = deleted

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push rejected: %s", resp.Status)
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// Pull requests remote changes and deletions since the cursor. A zero
// cursor asks for everything (epoch).
func (c *Client) Pull(ctx context.Context, lastSync time.Time) (*PullResponse, error) {
	cursor := lastSync
	if cursor.IsZero() {
		cursor = time.Unix(0, 0).UTC()
	}

	endpoint := fmt.Sprintf("%s/sync/pull?last_sync=%s",
		c.baseURL, url.QueryEscape(cursor.Format(time.RFC3339)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("pull rejected: %s", resp.Status)
	}

	var result PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}

	return &result, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if token := c.sess.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set(workspaceHeader, c.sess.Workspace())
	if c.deviceID != "" {
		req.Header.Set(deviceHeader, c.deviceID)
	}
}
