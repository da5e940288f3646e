package scraper

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/deadline-sync/internal/model"
	apperrors "github.com/jwalitptl/deadline-sync/pkg/errors"
)

// Collector gathers the outcome of a fetch that spans several units
// (repositories, projects, boards, courses). Candidates from healthy units
// survive failures of the others.
type Collector struct {
	portalType model.PortalType
	candidates []model.Candidate
	order      []string
	failures   map[string]error
	succeeded  int
}

func NewCollector(portalType model.PortalType) *Collector {
	return &Collector{portalType: portalType, failures: map[string]error{}}
}

func (c *Collector) Add(candidates ...model.Candidate) {
	c.candidates = append(c.candidates, candidates...)
}

// Succeeded marks one unit as fully fetched.
func (c *Collector) Succeeded() { c.succeeded++ }

// Fail records a failed unit. It returns a non-nil error when the failure
// must abort the whole fetch: rejected credentials, throttling, or a
// cancelled context.
func (c *Collector) Fail(unit string, err error) error {
	switch {
	case apperrors.IsAuthError(err):
		return err
	case errors.As(err, new(*apperrors.RateLimitError)):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if apperrors.IsRetryable(err) {
			return err
		}
		return &apperrors.TransientNetworkError{PortalType: c.portalType.String(), Op: unit, Err: err}
	}
	if _, seen := c.failures[unit]; !seen {
		c.order = append(c.order, unit)
	}
	c.failures[unit] = err
	return nil
}

// Result returns the collected candidates. When every unit failed, the
// first retryable failure (or else the first failure) is returned alone so
// the caller can decide whether to retry.
func (c *Collector) Result() ([]model.Candidate, error) {
	if len(c.failures) == 0 {
		return c.candidates, nil
	}
	if c.succeeded == 0 {
		for _, unit := range c.order {
			if apperrors.IsRetryable(c.failures[unit]) {
				return nil, c.failures[unit]
			}
		}
		return nil, c.failures[c.order[0]]
	}
	return c.candidates, &apperrors.PartialResultError{PortalType: c.portalType.String(), Failures: c.failures}
}

type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

// NewLimitedHTTPClient returns an *http.Client whose transport waits on a
// token bucket before every request. Used by adapters built on SDKs that
// bring their own request plumbing.
func (o Options) NewLimitedHTTPClient() *http.Client {
	o = o.WithDefaults()
	base := o.NewHTTPClient()
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &http.Client{
		Timeout:   base.Timeout,
		Transport: &limitedTransport{base: rt, limiter: rate.NewLimiter(rate.Limit(o.RequestsPerSecond), o.Burst)},
	}
}
