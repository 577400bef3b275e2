package robots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/metrics"
)

func TestIsPathAllowedLongestMatchWins(t *testing.T) {
	t.Parallel()

	rules := []Rule{{Pattern: "/admin", Allow: false}}
	require.False(t, IsPathAllowed("/admin/x", rules))

	rules = append(rules, Rule{Pattern: "/admin/x", Allow: true})
	require.True(t, IsPathAllowed("/admin/x", rules))
	require.False(t, IsPathAllowed("/admin/y", rules))
}

func TestIsPathAllowedPatterns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		path  string
		rules []Rule
		want  bool
	}{
		{"no rules", "/anything", nil, true},
		{"no match allows", "/public", []Rule{{Pattern: "/private"}}, true},
		{"wildcard", "/shop/cart/checkout", []Rule{{Pattern: "/*/checkout"}}, false},
		{"end anchor matches", "/file.pdf", []Rule{{Pattern: "/*.pdf$"}}, false},
		{"end anchor rejects suffix", "/file.pdf?x=1", []Rule{{Pattern: "/*.pdf$"}}, true},
		{"metacharacters literal", "/a+b", []Rule{{Pattern: "/a.b"}}, true},
		{"query chars literal", "/search?q=1", []Rule{{Pattern: "/search?q="}}, false},
		{"empty pattern ignored", "/x", []Rule{{Pattern: ""}}, true},
		{"tie keeps file order", "/p", []Rule{{Pattern: "/p", Allow: true}, {Pattern: "/p"}}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsPathAllowed(tt.path, tt.rules))
		})
	}
}

func TestParseGroupsAndDirectives(t *testing.T) {
	t.Parallel()

	body := `# comment
Sitemap: https://ex.com/sitemap.xml

User-agent: googlebot
Disallow: /google-only

User-agent: auditbot
User-agent: otherbot
Disallow: /private
Allow: /private/open
Crawl-delay: 1.5

User-agent: *
Disallow: /tmp # trailing comment

Sitemap: https://ex.com/sitemap-2.xml
`
	policy := Parse(strings.NewReader(body), "AuditBot/1.0 (+https://example.com/bot)")

	require.Equal(t, []Rule{
		{Pattern: "/private", Allow: false},
		{Pattern: "/private/open", Allow: true},
		{Pattern: "/tmp", Allow: false},
	}, policy.Rules)
	require.Equal(t, 1500*time.Millisecond, policy.CrawlDelay)
	require.Equal(t, []string{"https://ex.com/sitemap.xml", "https://ex.com/sitemap-2.xml"}, policy.Sitemaps)

	require.True(t, policy.Allowed("https://ex.com/google-only"))
	require.False(t, policy.Allowed("https://ex.com/private/secret"))
	require.True(t, policy.Allowed("https://ex.com/private/open/page"))
	require.False(t, policy.Allowed("https://ex.com/tmp/x"))
	require.True(t, policy.Allowed("https://ex.com"))
}

func TestNilPolicyAllows(t *testing.T) {
	t.Parallel()

	var policy *Policy
	require.True(t, policy.Allowed("https://ex.com/admin"))
}

func TestEngineFetch(t *testing.T) {
	t.Parallel()
	metrics.Init()

	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		gotUA <- r.Header.Get("User-Agent")
		fmt.Fprintln(w, "User-agent: *\nDisallow: /blocked")
	}))
	defer srv.Close()

	engine := NewEngine(srv.Client(), "auditbot/1.0", zap.NewNop())
	policy := engine.Fetch(context.Background(), srv.URL)
	require.NotNil(t, policy)
	require.Equal(t, "auditbot/1.0", <-gotUA)
	require.False(t, policy.Allowed(srv.URL+"/blocked"))
	require.True(t, policy.Allowed(srv.URL+"/allowed"))
}

func TestEngineFetchMissingRobotsMeansNoPolicy(t *testing.T) {
	t.Parallel()
	metrics.Init()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine := NewEngine(srv.Client(), "auditbot", zap.NewNop())
	policy := engine.Fetch(context.Background(), srv.URL)
	require.Nil(t, policy)
	require.True(t, policy.Allowed(srv.URL+"/anything"))
}

func TestEngineFetchNetworkErrorMeansNoPolicy(t *testing.T) {
	t.Parallel()
	metrics.Init()

	client := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})}
	engine := NewEngine(client, "auditbot", zap.NewNop())
	policy := engine.Fetch(context.Background(), "https://unreachable.test")
	require.Nil(t, policy)
	require.Equal(t, IsPathAllowed("/admin", nil), policy.Allowed("https://unreachable.test/admin"))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}
