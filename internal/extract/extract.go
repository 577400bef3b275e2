// Package extract pulls the title, outbound links, a page category and site
// metadata out of fetched HTML.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
	"github.com/JakeFAU/site-audit-crawler/internal/urlnorm"
)

const (
	navMinLinks        = 10
	navLinkTextDensity = 0.5
	formMinFields      = 2
)

var socialHosts = []string{
	"twitter.com",
	"x.com",
	"facebook.com",
	"linkedin.com",
	"instagram.com",
	"github.com",
	"youtube.com",
	"mastodon.social",
}

var feedTypes = map[string]struct{}{
	"application/rss+xml":   {},
	"application/atom+xml":  {},
	"application/feed+json": {},
}

// Result is everything the worker keeps from one HTML document.
type Result struct {
	Title    string
	Links    []string
	Category crawler.PageCategory
	Metadata crawler.SiteMetadata
}

// Analyze parses body as HTML served from pageURL at the given depth.
// Links are absolute, normalized, deduplicated and in document order; they are
// not filtered by origin.
func Analyze(body []byte, pageURL string, depth int) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	base := baseHref(doc, pageURL)

	res := Result{
		Title: strings.Join(strings.Fields(doc.Find("title").First().Text()), " "),
		Links: links(doc, base),
	}
	res.Category = classify(doc, pageURL, depth, len(res.Links))
	res.Metadata = metadata(doc, base)
	return res, nil
}

// CategoryForStatus classifies pages that never produced a usable document.
func CategoryForStatus(status int) (crawler.PageCategory, bool) {
	switch {
	case status == 0:
		return crawler.CategoryUnreachable, true
	case status >= 400:
		return crawler.CategoryError, true
	default:
		return "", false
	}
}

// baseHref resolves a <base href> without normalizing it, since trimming its
// trailing slash would change how relative links resolve.
func baseHref(doc *goquery.Document, pageURL string) string {
	href, ok := doc.Find("base[href]").First().Attr("href")
	if !ok {
		return pageURL
	}
	pageU, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return pageURL
	}
	resolved := pageU.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return pageURL
	}
	return resolved.String()
}

func links(doc *goquery.Document, base string) []string {
	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href], area[href]").Each(func(_ int, sel *goquery.Selection) {
		abs, ok := urlnorm.Absolutize(sel.AttrOr("href", ""), base)
		if !ok {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	})
	return out
}

func classify(doc *goquery.Document, pageURL string, depth, linkCount int) crawler.PageCategory {
	if depth == 0 || isRootPath(pageURL) {
		return crawler.CategoryHomepage
	}
	if doc.Find("article").Length() > 0 {
		return crawler.CategoryArticle
	}
	if ogType, ok := doc.Find(`meta[property="og:type"]`).First().Attr("content"); ok &&
		strings.EqualFold(strings.TrimSpace(ogType), "article") {
		return crawler.CategoryArticle
	}
	if hasDataEntryForm(doc) {
		return crawler.CategoryForm
	}
	if linkCount >= navMinLinks && linkTextDensity(doc) >= navLinkTextDensity {
		return crawler.CategoryNavigation
	}
	return crawler.CategoryContent
}

func isRootPath(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	return strings.Trim(u.Path, "/") == ""
}

// hasDataEntryForm ignores search boxes and single-button forms.
func hasDataEntryForm(doc *goquery.Document) bool {
	found := false
	doc.Find("form").EachWithBreak(func(_ int, form *goquery.Selection) bool {
		if role, _ := form.Attr("role"); strings.EqualFold(role, "search") {
			return true
		}
		fields := form.Find("textarea, select").Length()
		form.Find("input").Each(func(_ int, input *goquery.Selection) {
			switch strings.ToLower(input.AttrOr("type", "text")) {
			case "hidden", "submit", "button", "reset", "image", "search":
			default:
				fields++
			}
		})
		if fields >= formMinFields {
			found = true
			return false
		}
		return true
	})
	return found
}

func linkTextDensity(doc *goquery.Document) float64 {
	body := doc.Find("body")
	total := len(strings.Join(strings.Fields(body.Text()), ""))
	if total == 0 {
		return 0
	}
	linked := 0
	body.Find("a").Each(func(_ int, a *goquery.Selection) {
		linked += len(strings.Join(strings.Fields(a.Text()), ""))
	})
	return float64(linked) / float64(total)
}

func metadata(doc *goquery.Document, base string) crawler.SiteMetadata {
	var meta crawler.SiteMetadata
	doc.Find("meta[name][content]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if !strings.EqualFold(sel.AttrOr("name", ""), "author") {
			return true
		}
		meta.Author = strings.TrimSpace(sel.AttrOr("content", ""))
		return meta.Author == ""
	})

	seen := make(map[string]struct{})
	doc.Find("a[href], link[href]").Each(func(_ int, sel *goquery.Selection) {
		relMe := hasToken(sel.AttrOr("rel", ""), "me")
		abs, ok := urlnorm.Absolutize(sel.AttrOr("href", ""), base)
		if !ok {
			return
		}
		// <link> elements only count with rel="me"; anchors also match known networks.
		if !relMe && (goquery.NodeName(sel) == "link" || !isSocial(abs)) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		meta.SocialLinks = append(meta.SocialLinks, abs)
	})

	doc.Find(`link[rel~="alternate"][href]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if _, ok := feedTypes[strings.ToLower(strings.TrimSpace(sel.AttrOr("type", "")))]; !ok {
			return true
		}
		if abs, ok := urlnorm.Absolutize(sel.AttrOr("href", ""), base); ok {
			meta.FeedURL = abs
			return false
		}
		return true
	})
	return meta
}

func isSocial(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	for _, social := range socialHosts {
		if host == social || strings.HasSuffix(host, "."+social) {
			return strings.Trim(u.Path, "/") != ""
		}
	}
	return false
}

func hasToken(list, token string) bool {
	for _, field := range strings.Fields(list) {
		if strings.EqualFold(field, token) {
			return true
		}
	}
	return false
}
