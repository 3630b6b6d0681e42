// Package extract pulls profile metadata out of fetched profile pages.
package extract

import (
	"bytes"
	"context"
	"net"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
)

// ErrEmptyDocument is returned when there is no page body to look at.
var ErrEmptyDocument = errors.New("empty document")

// Partial is what a single extractor contributes to a result's enrichment.
type Partial struct {
	Profile     map[string]string
	ProfileText []string
	CreatedAt   string
	Links       []string
}

// Empty reports whether p carries nothing.
func (p Partial) Empty() bool {
	return len(p.Profile) == 0 && len(p.ProfileText) == 0 && p.CreatedAt == "" && len(p.Links) == 0
}

// Containers whose text and links are site chrome rather than profile content.
var excludeContainers = []string{
	"footer", "header", "nav", "navigation", "navbar", "menu", "sidebar",
	"topbar", "bottombar", "copyright", "legal", "advertisement", "cookie",
	"popup", "stats", "style", "script",
}

func parseDocument(ctx context.Context, body []byte) (*goquery.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyDocument
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parse html")
	}
	return doc, nil
}

// inExcludedContainer reports whether any ancestor of sel is page chrome,
// judged by tag name, id or class.
func inExcludedContainer(sel *goquery.Selection) bool {
	excluded := false
	sel.Parents().EachWithBreak(func(_ int, p *goquery.Selection) bool {
		if hasToken(strings.ToLower(goquery.NodeName(p)), excludeContainers, true) {
			excluded = true
			return false
		}
		id, _ := p.Attr("id")
		class, _ := p.Attr("class")
		if hasToken(strings.ToLower(id), excludeContainers, false) ||
			hasToken(strings.ToLower(class), excludeContainers, false) {
			excluded = true
			return false
		}
		return true
	})
	return excluded
}

func hasToken(s string, tokens []string, exact bool) bool {
	if s == "" {
		return false
	}
	for _, t := range tokens {
		if exact && s == t || !exact && strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// siteName returns the registrable label of the page host, used to drop
// text and links that merely point back at the site itself.
// "www.github.com" and "gist.github.com" both yield "github".
func siteName(pageURL string) (host, name string) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", ""
	}
	host = strings.ToLower(u.Host)
	hostname := strings.ToLower(u.Hostname())
	if hostname == "" || net.ParseIP(hostname) != nil {
		return host, ""
	}

	parts := strings.Split(hostname, ".")
	switch {
	case len(parts) > 2:
		parts = parts[1 : len(parts)-1]
	case len(parts) == 2:
		parts = parts[:1]
	default:
		return host, ""
	}
	return host, strings.Join(parts, ".")
}
