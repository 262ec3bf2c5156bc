// Package marketplace is the HTTP client for the marketplace REST backend that owns user
// profiles and product listings.
package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"unisale/cmd/internal/chat"
	"unisale/cmd/internal/metrics"
)

const (
	defaultBaseURL = "http://127.0.0.1:5000"
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// ErrNotFound is returned when the backend has no such profile or product.
var ErrNotFound = errors.New("marketplace: not found")

// Profile is the subset of a user profile the chat needs.
type Profile struct {
	ID    chat.ActorID
	Name  string
	Email string
}

// Client talks to the marketplace REST API. It never retries; callers own retry policy.
type Client struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient builds a client for baseURL with a per-request timeout.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type profileResponse struct {
	ID    json.Number `json:"id"`
	Name  string      `json:"name"`
	Email string      `json:"email"`
}

// ResolveProfile looks up the profile for an authenticated email.
func (c *Client) ResolveProfile(ctx context.Context, email string) (Profile, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Profile{}, fmt.Errorf("marketplace: empty email")
	}

	var pr profileResponse
	if err := c.getJSON(ctx, "/get-profile?email="+url.QueryEscape(email), &pr); err != nil {
		return Profile{}, err
	}

	id, err := chat.ParseActorID(pr.ID.String())
	if err != nil {
		return Profile{}, fmt.Errorf("marketplace: profile id %q: %w", pr.ID, err)
	}
	if pr.Email == "" {
		pr.Email = email
	}
	return Profile{ID: id, Name: pr.Name, Email: pr.Email}, nil
}

type productResponse struct {
	Product struct {
		ID       json.Number `json:"id"`
		Name     string      `json:"name"`
		ImageURL string      `json:"image_url"`
		UsersID  json.Number `json:"users_id"`
	} `json:"product"`
	Seller *struct {
		ID json.Number `json:"id"`
	} `json:"seller"`
}

// GetProduct fetches a listing. The owner is product.users_id, falling back to seller.id.
func (c *Client) GetProduct(ctx context.Context, id chat.ProductID) (chat.Product, error) {
	if err := chat.ValidateProductID(id); err != nil {
		return chat.Product{}, err
	}

	var pr productResponse
	if err := c.getJSON(ctx, "/product/"+url.PathEscape(string(id)), &pr); err != nil {
		return chat.Product{}, err
	}

	owner := pr.Product.UsersID.String()
	if owner == "" && pr.Seller != nil {
		owner = pr.Seller.ID.String()
	}
	var ownerID chat.ActorID
	if owner != "" {
		if parsed, err := chat.ParseActorID(owner); err == nil {
			ownerID = parsed
		} else {
			c.log.Warn("marketplace.product.owner.invalid", "product_id", string(id), "owner", owner)
		}
	}

	return chat.Product{
		ID:       id,
		Name:     pr.Product.Name,
		ImageURL: pr.Product.ImageURL,
		OwnerID:  ownerID,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	start := time.Now()
	defer func() { metrics.CatalogLatency.Observe(time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("marketplace: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("marketplace: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("marketplace: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.log.Warn("marketplace.http.error", "path", req.URL.Path, "status", resp.StatusCode)
		return fmt.Errorf("marketplace: http status=%d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("marketplace: unmarshal response: %w", err)
	}
	return nil
}
