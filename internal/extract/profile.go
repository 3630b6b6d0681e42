package extract

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dlclark/regexp2"
	"github.com/tidwall/gjson"
)

var profileContainers = []string{
	"profile", "bio", "about", "description", "user-info", "user-profile",
	"userprofile", "user-bio", "userbio", "author-info", "author-bio", "biography",
	"profile-header", "profile-card", "profile-info", "profile-details",
	"user-details", "personal-info", "account-info", "user-description",
	"creator-info", "artist-info", "member-info",
}

var metadataFields = map[string]bool{
	"description":         true,
	"og:description":      true,
	"profile:username":    true,
	"profile:first_name":  true,
	"profile:last_name":   true,
	"author":              true,
	"twitter:description": true,
	"article:author":      true,
	"profile:gender":      true,
	"profile:location":    true,
}

var uiWords = map[string]bool{
	"menu": true, "navigation": true, "nav": true, "search": true, "button": true,
	"dialog": true, "modal": true, "popup": true, "tooltip": true, "dropdown": true,
	"tab": true, "menu-item": true, "sidebar": true, "widget": true, "footer": true,
	"home": true, "about": true, "contact": true, "login": true, "signup": true,
}

var uiVerbs = mustCompile(`\b(follow|message|subscribe|share|like|comment|post|view|open|close|toggle|click|tap)\b\s*`, regexp2.IgnoreCase)

// Profile collects descriptive metadata: meta tags, JSON-LD Person or
// Profile objects and text found inside profile-looking containers.
type Profile struct{}

func (Profile) Name() string { return "profile" }

func (Profile) Extract(ctx context.Context, pageURL string, body []byte) (Partial, error) {
	doc, err := parseDocument(ctx, body)
	if err != nil {
		return Partial{}, err
	}
	_, name := siteName(pageURL)

	meta := map[string]string{}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key, ok := s.Attr("name")
		if !ok {
			key, _ = s.Attr("property")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if !metadataFields[key] {
			return
		}
		content, _ := s.Attr("content")
		if v := cleanText(content); v != "" && !mentionsSite(v, name) {
			meta[key] = v
		}
	})

	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if !gjson.Valid(raw) {
			return
		}
		obj := gjson.Parse(raw)
		if !obj.IsObject() {
			return
		}
		switch obj.Map()["@type"].String() {
		case "Person", "Profile":
		default:
			return
		}
		obj.ForEach(func(k, v gjson.Result) bool {
			if v.Type != gjson.String || strings.HasPrefix(k.String(), "@") {
				return true
			}
			if cleaned := cleanText(v.String()); cleaned != "" && !mentionsSite(cleaned, name) {
				meta[k.String()] = cleaned
			}
			return true
		})
	})

	if err := ctx.Err(); err != nil {
		return Partial{}, err
	}

	seen := map[string]bool{}
	var content []string
	doc.Find("body *").Each(func(_ int, el *goquery.Selection) {
		if !inProfileContainer(el) {
			return
		}
		el.Contents().Each(func(_ int, c *goquery.Selection) {
			if goquery.NodeName(c) != "#text" {
				return
			}
			text := cleanText(c.Text())
			if !meaningful(text) || seen[text] || mentionsSite(text, name) {
				return
			}
			if inExcludedContainer(c) {
				return
			}
			seen[text] = true
			content = append(content, text)
		})
	})
	sort.Strings(content)

	p := Partial{ProfileText: content}
	if len(meta) > 0 {
		p.Profile = meta
	}
	return p, nil
}

func inProfileContainer(el *goquery.Selection) bool {
	id, _ := el.Attr("id")
	class, _ := el.Attr("class")
	return hasToken(strings.ToLower(id), profileContainers, false) ||
		hasToken(strings.ToLower(class), profileContainers, false)
}

// cleanText collapses whitespace and strips call-to-action words.
func cleanText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if out, err := uiVerbs.Replace(s, "", -1, -1); err == nil {
		s = out
	}
	return strings.TrimSpace(s)
}

func meaningful(s string) bool {
	if len(s) < 3 || uiWords[strings.ToLower(s)] {
		return false
	}
	digits := strings.NewReplacer(",", "", ".", "").Replace(s)
	for _, r := range digits {
		if r < '0' || r > '9' {
			return true
		}
	}
	return false
}

func mentionsSite(s, name string) bool {
	return name != "" && strings.Contains(strings.ToLower(s), name)
}

func mustCompile(expr string, opts regexp2.RegexOptions) *regexp2.Regexp {
	re := regexp2.MustCompile(expr, opts)
	re.MatchTimeout = time.Second
	return re
}
