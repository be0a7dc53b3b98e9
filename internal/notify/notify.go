// Package notify tells the Chronicle API that a collaborative session ended,
// so it can record the session against the proposal.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	sessionEndedPath = "/api/internal/sync/session-ended"
	syncTokenHeader  = "x-chronicle-sync-token"
)

type SessionEnded struct {
	SessionID   string `json:"sessionId"`
	DocumentID  string `json:"documentId"`
	ProposalID  string `json:"proposalId"`
	Actor       string `json:"actor"`
	UpdateCount int    `json:"updateCount"`
}

type Client struct {
	baseURL   string
	syncToken string
	http      *http.Client
}

func NewClient(baseURL, syncToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		syncToken: syncToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SessionEnded(ctx context.Context, event SessionEnded) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal session-ended: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sessionEndedPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build session-ended request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(syncTokenHeader, c.syncToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post session-ended: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post session-ended: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
