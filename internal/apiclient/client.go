// Package apiclient talks to the document REST API on behalf of an editing
// session: it provides the save function for the auto-saver and a lease
// store backed by the server's lock endpoints.
package apiclient

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
	"time"

	"naskahsync/internal/autosave"
	"naskahsync/internal/content"
	"naskahsync/internal/document/model"
	"naskahsync/internal/lock"
	"naskahsync/pkg/logger"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("apiclient: not found")

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

type Client struct {
	BaseURL string
	// Token returns the bearer token for each request, so refreshed tokens
	// are picked up without rebuilding the client.
	Token func() string
	HTTP  *http.Client
	log   *zap.SugaredLogger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTP = h }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = l }
}

func New(baseURL string, token func() string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		log:     logger.Named("apiclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Document fetches the stored document.
func (c *Client) Document(ctx context.Context, docID string) (model.Document, error) {
	var doc model.Document
	err := c.do(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(docID), nil, &doc)
	return doc, err
}

// Save posts a full snapshot of the document.
func (c *Client) Save(ctx context.Context, docID string, snap content.Snapshot) (model.SaveDocResponse, error) {
	var resp model.SaveDocResponse
	err := c.do(ctx, http.MethodPost, "/api/documents/save", model.SaveDocRequest{DocID: docID, Content: snap}, &resp)
	return resp, err
}

// SaveFunc adapts Save for the auto-saver.
func (c *Client) SaveFunc(docID string) autosave.SaveFunc {
	return func(ctx context.Context, snap content.Snapshot) error {
		resp, err := c.Save(ctx, docID, snap)
		if err != nil {
			return err
		}
		c.log.Debugf("Saved document %s at version %d", docID, resp.Version)
		return nil
	}
}

// Leases returns the lease store served by the API.
func (c *Client) Leases() *LeaseClient {
	return &LeaseClient{client: c}
}

// LeaseClient implements lock.LeaseStore over HTTP. The holder is the
// authenticated user, so the holderID argument must match the token.
type LeaseClient struct {
	client *Client
}

var _ lock.LeaseStore = (*LeaseClient)(nil)

func (l *LeaseClient) TryAcquire(ctx context.Context, sectionID, holderID string, ttl time.Duration) (lock.TryAcquireResult, error) {
	var res lock.TryAcquireResult
	err := l.client.do(ctx, http.MethodPost, "/api/leases/acquire", model.AcquireLeaseRequest{
		SectionID: sectionID,
		TTLMillis: ttl.Milliseconds(),
	}, &res)
	if err != nil {
		return lock.TryAcquireResult{}, err
	}
	if res.OK && res.Lease != nil && res.Lease.HolderID != holderID {
		l.client.log.Warnf("Lease on section %s granted to %s, not %s", sectionID, res.Lease.HolderID, holderID)
	}
	return res, nil
}

func (l *LeaseClient) Renew(ctx context.Context, leaseID string, ttl time.Duration) (bool, error) {
	var res model.RenewLeaseResponse
	err := l.client.do(ctx, http.MethodPost, "/api/leases/renew", model.RenewLeaseRequest{
		LeaseID:   leaseID,
		TTLMillis: ttl.Milliseconds(),
	}, &res)
	if err != nil {
		return false, err
	}
	return res.OK, nil
}

func (l *LeaseClient) Release(ctx context.Context, leaseID string) error {
	return l.client.do(ctx, http.MethodPost, "/api/leases/release", model.ReleaseLeaseRequest{LeaseID: leaseID}, nil)
}

func (l *LeaseClient) Get(ctx context.Context, sectionID string) (*lock.Lease, error) {
	var lease *lock.Lease
	if err := l.client.do(ctx, http.MethodGet, "/api/leases?sectionId="+url.QueryEscape(sectionID), nil, &lease); err != nil {
		return nil, err
	}
	return lease, nil
}
