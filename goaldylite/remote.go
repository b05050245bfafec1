package goaldylite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/morlinbrot/goaldy-sync/goaldysync"
)

// RemoteStore is the per-entity backend contract: rows changed since a
// watermark for one user, and an idempotent upsert keyed by conflictKey
// (the row id for normal entities, the owning user's id for singletons).
// Implementations own their network timeouts; callers treat every failure
// as transient.
type RemoteStore interface {
	ChangedSince(ctx context.Context, userID, table string, since *string) ([]Row, error)
	Upsert(ctx context.Context, userID, table string, row Row, conflictKey string) error
}

// HTTPRemote talks to a goaldysync backend over HTTP with bearer-token auth.
// The user identity is carried by the token; the userID argument is unused
// beyond interface compatibility.
type HTTPRemote struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPRemote creates a remote adapter for the backend at baseURL.
// tok returns the bearer token (JWT) for the current session.
func NewHTTPRemote(baseURL string, tok func(context.Context) (string, error)) *HTTPRemote {
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ChangedSince fetches rows changed after since; nil since means all rows
// owned by the authenticated user (first sync).
func (r *HTTPRemote) ChangedSince(ctx context.Context, userID, table string, since *string) ([]Row, error) {
	u := fmt.Sprintf("%s/sync/%s/changes", r.BaseURL, url.PathEscape(table))
	if since != nil {
		u += "?since=" + url.QueryEscape(*since)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create changes request: %w", err)
	}
	if err := r.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var changes goaldysync.ChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&changes); err != nil {
		return nil, fmt.Errorf("failed to decode changes response: %w", err)
	}

	rows := make([]Row, 0, len(changes.Rows))
	for _, row := range changes.Rows {
		rows = append(rows, Row(row))
	}
	return rows, nil
}

// Upsert writes one row keyed by conflictKey. Safe to retry: replaying the
// same (row, key) pair is a no-op on the server.
func (r *HTTPRemote) Upsert(ctx context.Context, userID, table string, row Row, conflictKey string) error {
	body, err := json.Marshal(goaldysync.UpsertRequest{
		Row:         row,
		ConflictKey: conflictKey,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal upsert request: %w", err)
	}

	u := fmt.Sprintf("%s/sync/%s/rows", r.BaseURL, url.PathEscape(table))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := r.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send upsert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (r *HTTPRemote) authorize(ctx context.Context, req *http.Request) error {
	token, err := r.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
