// Package funpay is a minimal FunPay account client: it authenticates with the
// golden_key cookie, pages through the seller's order list and fetches single
// order pages.
package funpay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"keyharvest/domain"
	"keyharvest/obs"
)

const (
	DefaultBaseURL   = "https://funpay.com"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Config configures the client.
type Config struct {
	BaseURL   string
	GoldenKey string
	UserAgent string
	Timeout   time.Duration // Default: 30s.
	MaxBytes  int64         // Max page size. Default: 10MB.
	// Transport defaults to an otelhttp-instrumented http.DefaultTransport.
	Transport http.RoundTripper
}

func (c *Config) defaults() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.UserAgent = strings.TrimSpace(c.UserAgent)
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.Transport == nil {
		c.Transport = obs.Transport(http.DefaultTransport)
	}
}

// Account identifies the authenticated seller.
type Account struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Locale    string `json:"locale,omitempty"`
	CSRFToken string `json:"-"`
}

// SellsQuery selects one page of the seller's order list. Closed orders are
// always included; paid-but-open and refunded orders only when asked for.
type SellsQuery struct {
	Cursor          string
	CategoryID      int
	State           string
	IncludePaid     bool
	IncludeRefunded bool
}

type Client struct {
	baseURL   string
	goldenKey string
	userAgent string
	maxBytes  int64
	http      *http.Client
}

func New(cfg Config) (*Client, error) {
	cfg.defaults()
	key := strings.TrimSpace(cfg.GoldenKey)
	if key == "" {
		return nil, domain.Invalid("golden_key", "is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	// The jar keeps the PHPSESSID the site hands out so continuation POSTs
	// belong to the same session.
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		goldenKey: key,
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
		http: &http.Client{
			Jar:       jar,
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
	}, nil
}

// Connect loads the landing page and reads the signed-in user from it.
func (c *Client) Connect(ctx context.Context) (*Account, error) {
	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return nil, err
	}
	return parseAccount(body)
}

// ListSells fetches one page of the order list. The returned cursor is empty
// when there are no more pages.
func (c *Client) ListSells(ctx context.Context, q SellsQuery) (string, []domain.OrderSummary, error) {
	params := url.Values{}
	if q.State != "" {
		params.Set("state", q.State)
	}
	if q.CategoryID > 0 {
		params.Set("game", strconv.Itoa(q.CategoryID))
	}
	link := c.baseURL + "/orders/trade"
	if len(params) > 0 {
		link += "?" + params.Encode()
	}

	var (
		body []byte
		err  error
	)
	if q.Cursor == "" {
		body, err = c.do(ctx, http.MethodGet, link, nil)
	} else {
		body, err = c.do(ctx, http.MethodPost, link, url.Values{"continue": {q.Cursor}})
	}
	if err != nil {
		return "", nil, err
	}
	return parseSells(body, q)
}

// GetOrderDetail fetches the page of a single order.
func (c *Client) GetOrderDetail(ctx context.Context, orderID string) (*domain.OrderDetail, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, errors.New("order id is required")
	}
	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/orders/"+url.PathEscape(id)+"/", nil)
	if err != nil {
		return nil, err
	}
	if loginRequired(body) {
		return nil, &UnauthorizedError{URL: c.baseURL + "/orders/" + id + "/"}
	}
	return &domain.OrderDetail{ID: id, HTML: string(body)}, nil
}

func (c *Client) do(ctx context.Context, method, link string, form url.Values) ([]byte, error) {
	var payload io.Reader
	if form != nil {
		payload = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, link, payload)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.AddCookie(&http.Cookie{Name: "golden_key", Value: c.goldenKey})
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &RequestFailedError{Method: method, URL: link, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &UnauthorizedError{StatusCode: resp.StatusCode, URL: link}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &RequestFailedError{Method: method, URL: link, StatusCode: resp.StatusCode}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, c.maxBytes)); err != nil {
		return nil, &RequestFailedError{Method: method, URL: link, StatusCode: resp.StatusCode, Err: err}
	}
	return buf.Bytes(), nil
}
