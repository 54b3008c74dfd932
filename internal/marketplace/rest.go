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
	"strings"
	"time"

	"github.com/cuongbtq/listing-orchestrator/internal/domain"
)

const maxResponseSize = 1 << 20

// RESTConfig configures a RESTClient
type RESTConfig struct {
	Marketplace    domain.Marketplace
	BaseURL        string
	Token          string
	RequestTimeout time.Duration
}

// RESTClient talks to a marketplace exposing a JSON listings API with
// delegated bearer credentials
type RESTClient struct {
	marketplace domain.Marketplace
	baseURL     string
	token       string
	httpClient  *http.Client
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates a RESTClient
func NewRESTClient(cfg RESTConfig) *RESTClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTClient{
		marketplace: cfg.Marketplace,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *RESTClient) Marketplace() domain.Marketplace {
	return c.marketplace
}

func (c *RESTClient) CreateListing(ctx context.Context, draft Draft) (*Listing, error) {
	var listing Listing
	if err := c.do(ctx, "create_listing", http.MethodPost, "/listings", draft, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

func (c *RESTClient) UpdateListing(ctx context.Context, listingID string, draft Draft) (*Listing, error) {
	var listing Listing
	path := "/listings/" + url.PathEscape(listingID)
	if err := c.do(ctx, "update_listing", http.MethodPut, path, draft, &listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

func (c *RESTClient) DeleteListing(ctx context.Context, listingID string) error {
	path := "/listings/" + url.PathEscape(listingID)
	err := c.do(ctx, "delete_listing", http.MethodDelete, path, nil, nil)
	var mpErr *Error
	// Already gone is the desired end state
	if errors.As(err, &mpErr) && mpErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *RESTClient) UploadImage(ctx context.Context, targetID, sourceURL string) (*Image, error) {
	body := map[string]string{"target_id": targetID, "source_url": sourceURL}
	var image Image
	if err := c.do(ctx, "upload_image", http.MethodPost, "/images", body, &image); err != nil {
		return nil, err
	}
	return &image, nil
}

func (c *RESTClient) SyncOrders(ctx context.Context, since time.Time) ([]Order, error) {
	path := "/orders?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	var resp struct {
		Orders []Order `json:"orders"`
	}
	if err := c.do(ctx, "sync_orders", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

func (c *RESTClient) FindListing(ctx context.Context, targetID string) (*Listing, error) {
	path := "/listings?target_id=" + url.QueryEscape(targetID)
	var resp struct {
		Listings []Listing `json:"listings"`
	}
	if err := c.do(ctx, "find_listing", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Listings) == 0 {
		return nil, nil
	}
	return &resp.Listings[0], nil
}

func (c *RESTClient) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return &Error{Marketplace: c.marketplace, Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Marketplace: c.marketplace, Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors are transient
		return NewTransportError(c.marketplace, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return NewTransportError(c.marketplace, op, fmt.Errorf("read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewStatusError(c.marketplace, op, resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Marketplace: c.marketplace, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
