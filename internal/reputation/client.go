// Package reputation queries the AbuseIPDB check endpoint and classifies scores.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/user/abusewatch/internal/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TestIP is looked up by TestConnection.
const TestIP = "8.8.8.8"

// Report is the subset of a check response the rest of the system uses.
type Report struct {
	IP             string `json:"ip"`
	Score          int    `json:"score"`
	TotalReports   int    `json:"total_reports"`
	CountryCode    string `json:"country_code"`
	ISP            string `json:"isp"`
	UsageType      string `json:"usage_type"`
	Domain         string `json:"domain"`
	IsTor          bool   `json:"is_tor"`
	IsWhitelisted  bool   `json:"is_whitelisted"`
	LastReportedAt string `json:"last_reported_at"`
	Categories     []int  `json:"categories"`
}

type checkResponse struct {
	Data struct {
		IPAddress            string  `json:"ipAddress"`
		AbuseConfidenceScore int     `json:"abuseConfidenceScore"`
		CountryCode          *string `json:"countryCode"`
		UsageType            *string `json:"usageType"`
		ISP                  *string `json:"isp"`
		Domain               *string `json:"domain"`
		IsTor                bool    `json:"isTor"`
		IsWhitelisted        *bool   `json:"isWhitelisted"`
		TotalReports         int     `json:"totalReports"`
		LastReportedAt       *string `json:"lastReportedAt"`
		Reports              []struct {
			Categories []int `json:"categories"`
		} `json:"reports"`
	} `json:"data"`
	Errors []struct {
		Detail string `json:"detail"`
		Status int    `json:"status"`
	} `json:"errors"`
}

// Client performs throttled reputation lookups.
type Client struct {
	apiKey      string
	endpoint    string
	maxAge      int
	timeout     time.Duration
	minInterval time.Duration
	http        *http.Client

	mu    sync.Mutex
	last  time.Time
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a client from configuration.
func NewClient(cfg util.ReputationConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		endpoint:    strings.TrimSpace(cfg.Endpoint),
		maxAge:      cfg.MaxAge,
		timeout:     timeout,
		minInterval: cfg.MinRequestInterval,
		http:        &http.Client{Timeout: timeout},
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Validate fails fast when the client cannot possibly succeed.
func (c *Client) Validate() error {
	if c.apiKey == "" || c.apiKey == util.PlaceholderAPIKey {
		return &Error{Kind: KindConfigInvalid, Message: "API key is not configured"}
	}
	if c.endpoint == "" {
		return &Error{Kind: KindConfigInvalid, Message: "API endpoint is not configured"}
	}
	if _, err := url.ParseRequestURI(c.endpoint); err != nil {
		return &Error{Kind: KindConfigInvalid, Message: "API endpoint is not a valid URL", Err: err}
	}
	return nil
}

// Check looks up one IP. Cancelling ctx interrupts the throttle wait but not a
// request already sent; that request is bounded by the HTTP timeout instead.
func (c *Client) Check(ctx context.Context, ip string) (*Report, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if _, err := netip.ParseAddr(ip); err != nil {
		return nil, &Error{Kind: KindValidation, IP: ip, Message: "invalid IP address", Err: err}
	}

	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, &Error{Kind: KindConfigInvalid, IP: ip, Message: "failed to build request", Err: err}
	}
	q := req.URL.Query()
	q.Set("ipAddress", ip)
	q.Set("maxAgeInDays", strconv.Itoa(c.maxAge))
	q.Set("verbose", "")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ip, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, transportError(ip, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(ip, resp, body)
	}

	var parsed checkResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Kind: KindUnexpected, IP: ip, StatusCode: resp.StatusCode, Message: "failed to decode response", Err: err}
	}

	return toReport(ip, &parsed), nil
}

// TestConnection checks a well-known address to verify key and connectivity.
func (c *Client) TestConnection(ctx context.Context) (*Report, error) {
	return c.Check(ctx, TestIP)
}

// BatchItem is the outcome for one host of CheckBatch.
type BatchItem struct {
	IP     string
	Report *Report
	Err    error
}

// CheckBatch checks hosts in order. It stops at the first batch-fatal error,
// which is also returned; other per-host errors are recorded and skipped.
func (c *Client) CheckBatch(ctx context.Context, ips []string) ([]BatchItem, error) {
	items := make([]BatchItem, 0, len(ips))
	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		report, err := c.Check(ctx, ip)
		items = append(items, BatchItem{IP: ip, Report: report, Err: err})
		if err != nil && IsFatal(err) {
			return items, err
		}
	}
	return items, nil
}

func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.minInterval > 0 && !c.last.IsZero() {
		wait := c.minInterval - c.now().Sub(c.last)
		if wait > c.minInterval {
			wait = c.minInterval
		}
		if wait > 0 {
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
	c.last = c.now()
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func transportError(ip string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &Error{Kind: KindTimeout, IP: ip, Message: "request timed out", Err: err}
	}
	return &Error{Kind: KindConnectionFailed, IP: ip, Message: "connection failed", Err: err}
}

func statusError(ip string, resp *http.Response, body []byte) error {
	e := &Error{IP: ip, StatusCode: resp.StatusCode}

	var parsed checkResponse
	if json.Unmarshal(body, &parsed) == nil && len(parsed.Errors) > 0 {
		e.Message = parsed.Errors[0].Detail
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Kind = KindAuthenticationFailed
	case http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	case http.StatusUnprocessableEntity:
		e.Kind = KindValidation
	default:
		e.Kind = KindUnexpected
	}
	return e
}

func toReport(ip string, r *checkResponse) *Report {
	d := r.Data
	rep := &Report{
		IP:           ip,
		Score:        d.AbuseConfidenceScore,
		TotalReports: d.TotalReports,
		IsTor:        d.IsTor,
		CountryCode:  deref(d.CountryCode),
		ISP:          deref(d.ISP),
		UsageType:    deref(d.UsageType),
		Domain:       deref(d.Domain),
	}
	if d.IsWhitelisted != nil {
		rep.IsWhitelisted = *d.IsWhitelisted
	}
	if d.LastReportedAt != nil {
		rep.LastReportedAt = *d.LastReportedAt
	}
	if len(d.Reports) > 0 {
		rep.Categories = d.Reports[0].Categories
	}
	if rep.CountryCode == "" {
		rep.CountryCode = "Unknown"
	}
	return rep
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
