package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/deadline-sync/internal/model"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

const maxErrorBody = 512

// Client is a thin JSON-over-HTTP client shared by the REST adapters. It
// throttles outbound requests and converts upstream failures into the
// error taxonomy: 401/403 become AuthError, 429 RateLimitError, and
// 5xx or transport failures TransientNetworkError.
type Client struct {
	portalType model.PortalType
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	authorize  func(req *http.Request)
}

// NewClient builds a client rooted at baseURL. authorize, when set, adds
// credentials to every request.
func NewClient(portalType model.PortalType, baseURL string, opts Options, authorize func(req *http.Request)) *Client {
	opts = opts.WithDefaults()
	return &Client{
		portalType: portalType,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: opts.NewHTTPClient(),
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		authorize:  authorize,
	}
}

// BaseURL returns the root the client resolves relative paths against.
func (c *Client) BaseURL() string { return c.baseURL }

// Get fetches path (relative to the base URL, or absolute) with the given
// query and decodes the JSON body into out. The response headers are
// returned for pagination.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out interface{}) (http.Header, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &apperrors.TransientNetworkError{PortalType: c.portalType.String(), Op: "GET " + path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authorize != nil {
		c.authorize(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperrors.TransientNetworkError{PortalType: c.portalType.String(), Op: "GET " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperrors.TransientNetworkError{PortalType: c.portalType.String(), Op: "reading " + path, Err: err}
	}

	if err := c.statusError(resp, body, path); err != nil {
		return resp.Header, err
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.Header, fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return resp.Header, nil
}

func (c *Client) statusError(resp *http.Response, body []byte, path string) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &apperrors.AuthError{
			PortalType: c.portalType.String(),
			StatusCode: code,
			Message:    fmt.Sprintf("credentials rejected on %s", path),
		}
	case code == http.StatusTooManyRequests:
		return &apperrors.RateLimitError{
			PortalType: c.portalType.String(),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        fmt.Errorf("429 on %s", path),
		}
	case code >= 500:
		return &apperrors.TransientNetworkError{
			PortalType: c.portalType.String(),
			Op:         "GET " + path,
			Err:        fmt.Errorf("status %d: %s", code, snippet),
		}
	default:
		return fmt.Errorf("unexpected status %d on %s: %s", code, path, snippet)
	}
}

// ParseRetryAfter reads a Retry-After header given either in seconds or as
// an HTTP date. Zero means the header was absent or unreadable.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// NextLink returns the rel="next" target of an RFC 8288 Link header.
func NextLink(h http.Header) string {
	for _, link := range h.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			segs := strings.Split(part, ";")
			if len(segs) < 2 {
				continue
			}
			target := strings.Trim(strings.TrimSpace(segs[0]), "<>")
			for _, param := range segs[1:] {
				param = strings.TrimSpace(param)
				if param == `rel="next"` || param == "rel=next" {
					return target
				}
			}
		}
	}
	return ""
}
