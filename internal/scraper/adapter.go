// Package scraper defines the contract every portal adapter implements and
// the helpers they share: an HTTP client that maps upstream failures onto
// the error taxonomy, strict blob decoding, due-date extraction and
// priority heuristics.
package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jwalitptl/deadline-sync/internal/model"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
)

// Settings is what an adapter receives for one portal: decrypted
// credentials and configuration, still as opaque JSON.
type Settings struct {
	BaseURL     string
	Credentials json.RawMessage
	Config      json.RawMessage
}

// SettingsFromPortal extracts adapter settings from a stored portal.
func SettingsFromPortal(p *model.Portal) Settings {
	return Settings{
		BaseURL:     p.BaseURL,
		Credentials: p.Credentials,
		Config:      p.Config,
	}
}

// Adapter fetches deadline candidates from one kind of portal.
type Adapter interface {
	Type() model.PortalType

	// ValidateConfig decodes and checks the credential and config blobs.
	// Failures are *errors.ConfigError.
	ValidateConfig(s Settings) error

	// FetchCandidates returns every candidate the portal currently exposes.
	// When some units failed it returns the rest together with a
	// *errors.PartialResultError.
	FetchCandidates(ctx context.Context, s Settings) ([]model.Candidate, error)
}

// Options tunes the outbound side of every adapter.
type Options struct {
	HTTPTimeout       time.Duration
	RequestsPerSecond float64
	Burst             int
	// HTTPClient replaces the default transport, mostly for tests.
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *logger.Logger
}

func (o Options) WithDefaults() Options {
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 30 * time.Second
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 5
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	return o
}

// NewHTTPClient returns the configured client or a fresh one with the
// configured timeout.
func (o Options) NewHTTPClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: o.HTTPTimeout}
}
