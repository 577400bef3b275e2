// Package robots fetches and evaluates a site's robots.txt crawl policy.
package robots

import (
	"bufio"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Rule is one Allow or Disallow line of an applicable group.
type Rule struct {
	Pattern string
	Allow   bool
}

// Policy is the parsed rule set for one origin.
type Policy struct {
	Rules      []Rule
	CrawlDelay time.Duration
	Sitemaps   []string

	once     sync.Once
	compiled []compiledRule
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Allowed reports whether rawURL's path may be fetched. A nil policy allows everything.
func (p *Policy) Allowed(rawURL string) bool {
	if p == nil || len(p.Rules) == 0 {
		return true
	}
	target := "/"
	if u, err := url.Parse(rawURL); err == nil {
		target = u.EscapedPath()
		if target == "" {
			target = "/"
		}
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
	}
	p.once.Do(func() {
		p.compiled = compileRules(p.Rules)
	})
	return evaluate(target, p.compiled)
}

// IsPathAllowed evaluates path against rules: the longest matching pattern wins
// and a path no rule matches is allowed.
func IsPathAllowed(path string, rules []Rule) bool {
	if len(rules) == 0 {
		return true
	}
	return evaluate(path, compileRules(rules))
}

func evaluate(path string, compiled []compiledRule) bool {
	for _, c := range compiled {
		if c.re.MatchString(path) {
			return c.rule.Allow
		}
	}
	return true
}

// compileRules orders rules most specific first; equal lengths keep file order.
func compileRules(rules []Rule) []compiledRule {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == "" {
			continue
		}
		out = append(out, compiledRule{rule: r, re: patternToRegexp(r.Pattern)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].rule.Pattern) > len(out[j].rule.Pattern)
	})
	return out
}

func patternToRegexp(pattern string) *regexp.Regexp {
	anchored := strings.HasSuffix(pattern, "$")
	body := strings.TrimSuffix(pattern, "$")
	expr := strings.ReplaceAll(regexp.QuoteMeta(body), `\*`, ".*")
	expr = "^" + expr
	if anchored {
		expr += "$"
	}
	// QuoteMeta output is always a valid expression.
	return regexp.MustCompile(expr)
}

// Parse reads a robots.txt body and keeps the groups that apply to userAgent.
func Parse(r io.Reader, userAgent string) *Policy {
	policy := &Policy{}
	token := productToken(userAgent)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	applies := false
	inAgentLines := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if !inAgentLines {
				applies = false
			}
			inAgentLines = true
			if agentMatches(value, token) {
				applies = true
			}
			continue
		case "sitemap":
			if value != "" {
				policy.Sitemaps = append(policy.Sitemaps, value)
			}
		case "allow", "disallow":
			if applies && value != "" {
				policy.Rules = append(policy.Rules, Rule{Pattern: value, Allow: key == "allow"})
			}
		case "crawl-delay":
			if applies {
				if seconds, err := strconv.ParseFloat(value, 64); err == nil && seconds >= 0 {
					policy.CrawlDelay = time.Duration(seconds*1000) * time.Millisecond
				}
			}
		}
		inAgentLines = false
	}
	return policy
}

func agentMatches(value, token string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "*" {
		return true
	}
	if v == "" || token == "" {
		return false
	}
	return strings.Contains(token, v) || strings.Contains(v, token)
}

// productToken extracts the lower-cased name from "Name/1.0 (+info)".
func productToken(userAgent string) string {
	ua := strings.TrimSpace(userAgent)
	if idx := strings.IndexAny(ua, "/ ("); idx >= 0 {
		ua = ua[:idx]
	}
	return strings.ToLower(ua)
}
