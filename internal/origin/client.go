// Package origin reads preview entities from the hosted data origin over its
// REST interface.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
)

var (
	// ErrNotFound means the origin answered but returned no record.
	ErrNotFound = errors.New("origin: record not found")
	// ErrUpstream covers non-success statuses and malformed payloads.
	ErrUpstream = errors.New("origin: upstream error")
)

const (
	postSelect    = "*,profiles:user_id(username,full_name,avatar_url,rqs_score)"
	profileSelect = "full_name,username,avatar_url,rqs_score,bio,is_verified"
)

// Entity is the read-only projection used to build previews. Every field is
// optional.
type Entity struct {
	ID       string
	Name     string
	Handle   string
	Text     string
	Media    string
	Avatar   string
	Verified bool
	Score    float64
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxBody    int64
	BreakAfter uint32
	BreakFor   time.Duration
	HTTPClient *http.Client
}

type Client struct {
	base       string
	host       string
	apiKey     string
	maxBody    int64
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("origin: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBody == 0 {
		cfg.MaxBody = 1 << 20
	}
	if cfg.BreakAfter == 0 {
		cfg.BreakAfter = 5
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	breakAfter := cfg.BreakAfter
	c := &Client{
		base:       base,
		host:       u.Host,
		apiKey:     cfg.APIKey,
		maxBody:    cfg.MaxBody,
		httpClient: hc,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "origin:" + u.Host,
		Timeout: cfg.BreakFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakAfter
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})
	return c, nil
}

// Host is the data origin's host, used to recognize origin-hosted media.
func (c *Client) Host() string { return c.host }

// State reports the circuit breaker state: "closed", "half-open" or "open".
func (c *Client) State() string { return c.breaker.State().String() }

// Post fetches a post with its author's profile embedded.
func (c *Client) Post(ctx context.Context, id string) (Entity, error) {
	row, err := c.fetchOne(ctx, "posts", "id", id, postSelect)
	if err != nil {
		return Entity{}, err
	}
	return Entity{
		ID:       firstNonEmpty(row.Get("id").String(), id),
		Name:     row.Get("profiles.full_name").String(),
		Handle:   row.Get("profiles.username").String(),
		Text:     row.Get("text_content").String(),
		Media:    row.Get("media_url").String(),
		Avatar:   row.Get("profiles.avatar_url").String(),
		Verified: row.Get("is_verified_purchase").Type == gjson.True,
		Score:    row.Get("profiles.rqs_score").Float(),
	}, nil
}

// Profile fetches a profile by username.
func (c *Client) Profile(ctx context.Context, username string) (Entity, error) {
	row, err := c.fetchOne(ctx, "profiles", "username", username, profileSelect)
	if err != nil {
		return Entity{}, err
	}
	return Entity{
		ID:       username,
		Name:     row.Get("full_name").String(),
		Handle:   username,
		Text:     row.Get("bio").String(),
		Avatar:   row.Get("avatar_url").String(),
		Verified: row.Get("is_verified").Type == gjson.True,
		Score:    row.Get("rqs_score").Float(),
	}, nil
}

func (c *Client) fetchOne(ctx context.Context, table, column, value, sel string) (gjson.Result, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, table, column, value, sel)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return gjson.Result{}, fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return gjson.Result{}, err
	}
	return out.(gjson.Result), nil
}

func (c *Client) get(ctx context.Context, table, column, value, sel string) (gjson.Result, error) {
	u := c.base + "/rest/v1/" + table + "?" + column + "=eq." + url.QueryEscape(value) + "&select=" + sel
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, fmt.Errorf("%w: %s %s: status %d", ErrUpstream, table, value, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: %s: malformed payload", ErrUpstream, table)
	}
	rows := gjson.ParseBytes(body)
	if !rows.IsArray() {
		return gjson.Result{}, fmt.Errorf("%w: %s: expected array", ErrUpstream, table)
	}
	row := rows.Get("0")
	if !row.Exists() || !row.IsObject() {
		return gjson.Result{}, ErrNotFound
	}
	return row, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
