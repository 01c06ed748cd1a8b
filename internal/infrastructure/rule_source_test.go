package infrastructure

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/browsecore/internal/domain"
)

func readSource(t *testing.T, src domain.RuleSource) ([]domain.FilterRule, []domain.RuleLoadWarning) {
	t.Helper()
	rc, err := src.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	return domain.ParseRules(rc)
}

func TestBuiltinRuleSource_ParsesCleanly(t *testing.T) {
	rules, warnings := readSource(t, BuiltinRuleSource{})

	assert.Empty(t, warnings)
	assert.Contains(t, rules, domain.FilterRule{Pattern: "doubleclick.net", Kind: domain.RuleDomainBlock})
	assert.Contains(t, rules, domain.FilterRule{Pattern: "facebook.com/tr", Kind: domain.RuleSubstringBlock})
	assert.Contains(t, rules, domain.FilterRule{Pattern: "/ads/", Kind: domain.RuleSubstringBlock})
}

func TestFileRuleSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.txt")
	require.NoError(t, os.WriteFile(path, []byte("ads.example.com\n/track?\n"), 0600))

	rules, warnings := readSource(t, FileRuleSource{Path: path})
	assert.Empty(t, warnings)
	assert.Len(t, rules, 2)

	_, err := FileRuleSource{Path: filepath.Join(t.TempDir(), "missing")}.Open(context.Background())
	assert.Error(t, err)
}

func TestHTTPRuleSource_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "||tracker.example.net^\n")
	}))
	defer server.Close()

	src := NewHTTPRuleSource(server.URL, 5*time.Second, 2)
	src.client.RetryWaitMin = time.Millisecond
	src.client.RetryWaitMax = time.Millisecond

	rules, _ := readSource(t, src)
	require.Len(t, rules, 1)
	assert.Equal(t, "tracker.example.net", rules[0].Pattern)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPRuleSource_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewHTTPRuleSource(server.URL, time.Second, 0).Open(context.Background())
	assert.Error(t, err)
}

func TestNewRuleSource(t *testing.T) {
	assert.Equal(t, "builtin", NewRuleSource("", time.Second, 0).Name())
	assert.IsType(t, &HTTPRuleSource{}, NewRuleSource("https://lists.example.com/ads.txt", time.Second, 0))
	assert.Equal(t, FileRuleSource{Path: "/etc/rules.txt"}, NewRuleSource("/etc/rules.txt", time.Second, 0))
}
