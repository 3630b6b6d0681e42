package extract

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var socialDomains = []string{
	"twitter.com", "facebook.com", "linkedin.com", "instagram.com",
	"github.com", "gitlab.com", "bitbucket.org", "youtube.com",
	"medium.com", "dev.to", "behance.net", "dribbble.com",
	"stackoverflow.com", "t.me", "mastodon.social",
}

var socialProfileHints = []string{"/user/", "/users/", "/profile/", "@", "/u/", "/channel/"}

var excludeKeywords = []string{
	// system and legal pages
	"privacy", "legal", "terms", "policy", "cookie", "about", "contact",
	"help", "support", "documentation", "docs", "guidelines", "static",
	"api", "enterprise", "showcase", "policie", "advertising", "welcome",
	// sharing
	"share", "sharer", "sharing", "newsletter", "subscribe", "subscription", "marketing",
	// auth
	"login", "signin", "signup", "register", "authentication", "password", "forgot",
	// commerce
	"shop", "store", "pricing", "payment", "checkout", "cart", "billing",
	"sitemap", "search", "tag", "category", "feed", "rss", "download",
	"uploads", "status", "stats", "analytics", "envato", "placeit",
}

// Links collects external links the profile owner most likely put on the
// page themselves, typically accounts on other platforms.
type Links struct{}

func (Links) Name() string { return "links" }

func (Links) Extract(ctx context.Context, pageURL string, body []byte) (Partial, error) {
	doc, err := parseDocument(ctx, body)
	if err != nil {
		return Partial{}, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return Partial{}, err
	}
	host, name := siteName(pageURL)

	set := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		u := base.ResolveReference(ref)
		if !externalLink(u, host, name) || inExcludedContainer(a) {
			return
		}
		set[cleanLink(u)] = struct{}{}
	})
	if err := ctx.Err(); err != nil {
		return Partial{}, err
	}

	links := make([]string, 0, len(set))
	for l := range set {
		links = append(links, l)
	}
	sort.Strings(links)
	if len(links) == 0 {
		links = nil
	}
	return Partial{Links: links}, nil
}

func externalLink(u *url.URL, host, name string) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	domain := strings.ToLower(u.Host)
	if domain == "" || domain == host {
		return false
	}

	raw := strings.ToLower(u.String())
	if hasToken(domain, socialDomains, false) && hasToken(raw, socialProfileHints, false) {
		return !mentionsSite(raw, name)
	}
	return !mentionsSite(raw, name) && !hasToken(raw, excludeKeywords, false)
}

// cleanLink drops the query, fragment and trailing slash.
func cleanLink(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.ForceQuery = false
	c.Fragment = ""
	c.RawFragment = ""
	return strings.TrimSuffix(c.String(), "/")
}
