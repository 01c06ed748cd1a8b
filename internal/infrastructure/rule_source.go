package infrastructure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/yourusername/browsecore/internal/domain"
)

const maxRuleListSize = 32 << 20

// builtinRules is the list shipped for when no rule source is configured
var builtinRules = []string{
	"# Advertising networks",
	"||doubleclick.net^",
	"||googlesyndication.com^",
	"||googleadservices.com^",
	"||adservice.google.com^",
	"||adnxs.com^",
	"||adsrvr.org^",
	"||advertising.com^",
	"||amazon-adsystem.com^",
	"||criteo.com^",
	"||outbrain.com^",
	"||taboola.com^",
	"||pubmatic.com^",
	"||rubiconproject.com^",
	"||openx.net^",
	"||moatads.com^",
	"",
	"# Trackers",
	"||google-analytics.com^",
	"||googletagmanager.com^",
	"||scorecardresearch.com^",
	"||quantserve.com^",
	"||hotjar.com^",
	"||mixpanel.com^",
	"||chartbeat.com^",
	"",
	"# Tracking endpoints on otherwise allowed hosts",
	"substring:facebook.com/tr",
	"substring:facebook.net/signals",
	"/ads/",
	"/ad/",
	"/banner/",
	"substring:/pagead/",
}

// BuiltinRuleSource serves the shipped blocklist
type BuiltinRuleSource struct{}

// Name identifies the source
func (BuiltinRuleSource) Name() string {
	return "builtin"
}

// Open returns the rule text
func (BuiltinRuleSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(strings.Join(builtinRules, "\n"))), nil
}

// StaticRuleSource serves rule text held in memory, such as the copy
// persisted with the last successful load
type StaticRuleSource struct {
	SourceName string
	Content    string
}

// Name identifies the source
func (s StaticRuleSource) Name() string {
	return s.SourceName
}

// Open returns the rule text
func (s StaticRuleSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.Content)), nil
}

// FileRuleSource reads a blocklist from disk
type FileRuleSource struct {
	Path string
}

// Name identifies the source
func (s FileRuleSource) Name() string {
	return s.Path
}

// Open returns the rule text
func (s FileRuleSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	return f, nil
}

// HTTPRuleSource downloads a blocklist with retries
type HTTPRuleSource struct {
	URL    string
	client *retryablehttp.Client
}

// NewHTTPRuleSource creates a remote rule source
func NewHTTPRuleSource(url string, timeout time.Duration, maxRetries int) *HTTPRuleSource {
	client := retryablehttp.NewClient()
	client.RetryMax = maxRetries
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	return &HTTPRuleSource{URL: url, client: client}
}

// Name identifies the source
func (s *HTTPRuleSource) Name() string {
	return s.URL
}

// Open fetches the rule text
func (s *HTTPRuleSource) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid rule source url: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch rules: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch rules: unexpected status %s", resp.Status)
	}

	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, maxRuleListSize), resp.Body}, nil
}

// NewRuleSource picks a source for a configured location: empty for the
// builtin list, http(s) URLs for a remote list, anything else is a file path
func NewRuleSource(location string, timeout time.Duration, maxRetries int) domain.RuleSource {
	switch {
	case location == "":
		return BuiltinRuleSource{}
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return NewHTTPRuleSource(location, timeout, maxRetries)
	default:
		return FileRuleSource{Path: location}
	}
}
