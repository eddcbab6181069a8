// Package commerce publishes draft listings to the Shopify Admin REST API.
package commerce

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

	"go.uber.org/zap"

	"github.com/jonathan/video-publisher/internal/failure"
	"github.com/jonathan/video-publisher/internal/schemas"
	"github.com/jonathan/video-publisher/internal/types"
)

// HeaderAccessToken carries the admin API token.
const HeaderAccessToken = "X-Shopify-Access-Token"

const maxResponseBytes = 1 << 20

// Defaults
const (
	DefaultAPIVersion         = "2024-04"
	DefaultVendor             = "Video Pipeline"
	DefaultProductType        = "Digital Goods"
	DefaultMetafieldNamespace = "video_pipeline"
	DefaultCreateTimeout      = 30 * time.Second
	DefaultAttachTimeout      = 120 * time.Second
	DefaultSearchTimeout      = 15 * time.Second
)

// Options configures a Client.
type Options struct {
	ShopDomain string
	Token      string
	APIVersion string

	Vendor             string
	ProductType        string
	MetafieldNamespace string

	CreateTimeout time.Duration
	AttachTimeout time.Duration
	SearchTimeout time.Duration

	// SearchRetries is the number of extra attempts for title searches.
	SearchRetries int
	SearchBackoff time.Duration

	RatePerSecond float64
	HTTPClient    *http.Client
	// BaseURL replaces https://<shop domain>, e.g. for a proxy.
	BaseURL string
}

// Client talks to one shop's admin API.
type Client struct {
	opts    Options
	baseURL string
	http    *http.Client
	limiter *RateLimiter
	logger  *zap.Logger
}

// NewClient validates the options and creates a Client.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, failure.Configuration("shop access token is empty", nil)
	}

	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		domain, err := NormalizeShopDomain(opts.ShopDomain)
		if err != nil {
			return nil, err
		}
		baseURL = "https://" + domain
	}

	if opts.APIVersion == "" {
		opts.APIVersion = DefaultAPIVersion
	}
	if opts.Vendor == "" {
		opts.Vendor = DefaultVendor
	}
	if opts.ProductType == "" {
		opts.ProductType = DefaultProductType
	}
	if opts.MetafieldNamespace == "" {
		opts.MetafieldNamespace = DefaultMetafieldNamespace
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = DefaultCreateTimeout
	}
	if opts.AttachTimeout <= 0 {
		opts.AttachTimeout = DefaultAttachTimeout
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultSearchTimeout
	}
	if opts.SearchRetries < 0 {
		opts.SearchRetries = 0
	}
	if opts.SearchBackoff <= 0 {
		opts.SearchBackoff = 500 * time.Millisecond
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		opts:    opts,
		baseURL: baseURL,
		http:    httpClient,
		limiter: NewRateLimiter(opts.RatePerSecond, 2),
		logger:  logger,
	}, nil
}

// NormalizeShopDomain reduces a configured shop address to a bare host
// name, stripping any scheme, path and surrounding whitespace.
func NormalizeShopDomain(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", failure.Configuration("shop domain is empty", nil)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return "", failure.Configuration(fmt.Sprintf("shop domain %q is not a valid host", raw), err)
	}
	return strings.ToLower(strings.TrimSuffix(u.Host, ".")), nil
}

func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", c.baseURL, c.opts.APIVersion, strings.TrimPrefix(path, "/"))
}

type response struct {
	status int
	body   []byte
}

// do sends one request. Transport failures and timeouts are transient;
// HTTP status interpretation is left to the caller.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte, timeout time.Duration) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, failure.Transient("rate limiter wait aborted", err)
	}

	target := c.endpoint(path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, failure.New(failure.KindInternal, "failed to create request", err)
	}
	req.Header.Set(HeaderAccessToken, c.opts.Token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, failure.Transient(fmt.Sprintf("%s %s timed out after %s", method, path, timeout), err)
		}
		return nil, failure.Transient(fmt.Sprintf("%s %s failed", method, path), err)
	}
	defer resp.Body.Close()

	c.limiter.Observe(resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failure.Transient(fmt.Sprintf("%s %s: failed to read response", method, path), err)
	}

	c.logger.Debug("admin api call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return &response{status: resp.StatusCode, body: data}, nil
}

func statusError(resp *response, message string) *failure.Error {
	fe := failure.FromStatus(resp.status, message, nil)
	fe.Body = truncate(string(resp.body), 2048)
	return fe
}

// CreateDraftListing creates a draft product. Only a 201 response counts
// as success. The call is never retried: a timeout leaves the outcome
// unknown and is reported as a transient error.
func (c *Client) CreateDraftListing(ctx context.Context, p types.VideoProduct) (*types.RemoteListing, error) {
	reqBody, err := c.buildProductRequest(p)
	if err != nil {
		return nil, failure.Validation("failed to build product payload", err)
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, failure.Validation("failed to marshal product payload", err)
	}
	if err := schemas.Validate(schemas.ProductCreate, payload); err != nil {
		return nil, failure.Validation("product payload failed schema validation", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "products.json", nil, payload, c.opts.CreateTimeout)
	if err != nil {
		return nil, err
	}

	if resp.status != http.StatusCreated {
		if resp.status >= 200 && resp.status < 300 {
			// A listing may exist; treat as ambiguous.
			fe := statusError(resp, "unexpected success status creating product")
			fe.Kind = failure.KindTransientNetwork
			return nil, fe
		}
		c.logger.Error("product creation rejected",
			zap.String("title", p.Title),
			zap.Int("status", resp.status),
			zap.String("body", truncate(string(resp.body), 512)))
		return nil, statusError(resp, "product creation failed")
	}

	var out productResponse
	if err := json.Unmarshal(resp.body, &out); err != nil || out.Product == nil || out.Product.ID == "" {
		fe := failure.Transient("product created but response has no id", err)
		fe.StatusCode = resp.status
		return nil, fe
	}

	listing := out.Product.toListing()
	c.logger.Info("draft product created", zap.String("title", p.Title), zap.String("listing_id", listing.ID))
	return &listing, nil
}

// AttachVideo registers signedURL as video media on a listing. Never retried.
func (c *Client) AttachVideo(ctx context.Context, listingID, signedURL string) (*types.MediaAttachment, error) {
	payload, err := json.Marshal(mediaRequest{Media: mediaBody{OriginalSource: signedURL, MediaType: types.MediaTypeVideo}})
	if err != nil {
		return nil, failure.Validation("failed to marshal media payload", err)
	}
	if err := schemas.Validate(schemas.MediaCreate, payload); err != nil {
		return nil, failure.Validation("media payload failed schema validation", err)
	}

	path := fmt.Sprintf("products/%s/media.json", url.PathEscape(listingID))
	resp, err := c.do(ctx, http.MethodPost, path, nil, payload, c.opts.AttachTimeout)
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status >= 300 {
		return nil, statusError(resp, "media attachment failed")
	}

	attachment := &types.MediaAttachment{
		ListingID: listingID,
		SourceURL: signedURL,
		MediaType: types.MediaTypeVideo,
	}
	var out mediaResponse
	if err := json.Unmarshal(resp.body, &out); err == nil && out.Media != nil {
		attachment.ID = string(out.Media.ID)
		attachment.Status = out.Media.Status
	}
	return attachment, nil
}

// FindByTitle returns listings whose title equals title exactly. The
// read is idempotent and retried with exponential backoff on transient
// failures.
func (c *Client) FindByTitle(ctx context.Context, title string) ([]types.RemoteListing, error) {
	query := url.Values{}
	query.Set("title", title)
	query.Set("fields", "id,title,status")
	query.Set("limit", "250")

	var lastErr error
	backoff := c.opts.SearchBackoff
	for attempt := 0; attempt <= c.opts.SearchRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying product search",
				zap.String("title", title),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, failure.Transient("product search aborted", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		listings, err := c.searchOnce(ctx, title, query)
		if err == nil {
			return listings, nil
		}
		if !failure.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) searchOnce(ctx context.Context, title string, query url.Values) ([]types.RemoteListing, error) {
	resp, err := c.do(ctx, http.MethodGet, "products.json", query, nil, c.opts.SearchTimeout)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, statusError(resp, "product search failed")
	}

	var out productsResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return nil, failure.Transient("failed to decode product search response", err)
	}

	// The title filter is not guaranteed exact; compare ourselves.
	var matches []types.RemoteListing
	for _, p := range out.Products {
		if p.Title == title {
			matches = append(matches, p.toListing())
		}
	}
	return matches, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
