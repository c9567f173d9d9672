// Package marketplace is the HTTP client for the public tender API:
// reads, probe patches, period updates and the paged changes feed. It
// keeps the SERVER_ID affinity cookie the API hands out so consecutive
// calls land on the same origin server.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "chronograph/pkg/logx"
)

const (
	tendersPath = "/api/2.5/tenders"

	serverIDCookie = "SERVER_ID"

	maxErrBody = 512
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration // per request, default 30s
	RatePerSec int           // 0 disables client-side limiting
}

type Client struct {
	base    string
	token   string
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	mu       sync.Mutex
	serverID string
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("marketplace: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("marketplace: bad base url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return &Client{
		base:    base,
		token:   strings.TrimSpace(cfg.Token),
		hc:      &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     log,
	}, nil
}

// ServerID returns the current affinity cookie value ("" when none seen).
func (c *Client) ServerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverID
}

// SetServerID overrides the affinity cookie, e.g. from a persisted feed
// cursor or an incoming control request.
func (c *Client) SetServerID(id string) {
	c.mu.Lock()
	c.serverID = id
	c.mu.Unlock()
}

// GetTender fetches the full tender document.
func (c *Client) GetTender(ctx context.Context, id string) (*Tender, error) {
	var t Tender
	if err := c.do(ctx, http.MethodGet, tendersPath+"/"+id, nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// TouchTender sends the no-op probe patch that makes the API re-evaluate
// tender state, and returns the resulting document (with next_check).
func (c *Client) TouchTender(ctx context.Context, id string) (*Tender, error) {
	var t Tender
	body := map[string]any{"id": id}
	if err := c.do(ctx, http.MethodPatch, tendersPath+"/"+id, nil, body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PatchTender writes new auction periods and returns the updated tender.
func (c *Client) PatchTender(ctx context.Context, id string, patch TenderPatch) (*Tender, error) {
	var t Tender
	if err := c.do(ctx, http.MethodPatch, tendersPath+"/"+id, nil, patch, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Listing fetches one page of the changes feed starting at offset.
func (c *Client) Listing(ctx context.Context, offset string, limit int) (*ListingPage, error) {
	q := url.Values{}
	if offset != "" {
		q.Set("offset", offset)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var payload struct {
		Data     []Tender `json:"data"`
		NextPage struct {
			Offset string `json:"offset"`
		} `json:"next_page"`
	}
	if err := c.doRaw(ctx, http.MethodGet, tendersPath, q, nil, &payload); err != nil {
		return nil, err
	}
	return &ListingPage{Items: payload.Data, NextOffset: payload.NextPage.Offset}, nil
}

// do performs a request with the {"data": ...} envelope on both sides.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, data any, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	var body any
	if data != nil {
		body = map[string]any{"data": data}
	}
	if err := c.doRaw(ctx, method, path, q, body, &envelope); err != nil {
		return err
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

func (c *Client) doRaw(ctx context.Context, method, path string, q url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Request-ID", uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if sid := c.ServerID(); sid != "" {
		req.AddCookie(&http.Cookie{Name: serverIDCookie, Value: sid})
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// The API rotates the affinity cookie, including on 412.
	for _, ck := range resp.Cookies() {
		if ck.Name == serverIDCookie && ck.Value != "" {
			c.SetServerID(ck.Value)
		}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	c.log.Trace("api call",
		logx.String("method", method), logx.String("path", path),
		logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(b)
		if len(snippet) > maxErrBody {
			snippet = snippet[:maxErrBody]
		}
		return &StatusError{Code: resp.StatusCode, Body: snippet}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}
