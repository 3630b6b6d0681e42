package httpx

import (
	"net/http"
	"strings"
)

var baseHeaders = map[string]string{
	"User-Agent":      DefaultUserAgent,
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
	"Accept-Encoding": "gzip, deflate, br",
	"Cache-Control":   "no-cache",
}

const activityPubAgent = "Mozilla/5.0 (compatible; SocialMediaBot/1.0)"

type localeProfile struct {
	name    string
	pattern string
	headers map[string]string
}

// Matched in order against the host key; the first hit wins.
var localeProfiles = []localeProfile{
	{"ru", ".ru", map[string]string{
		"Accept-Language": "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7",
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36",
	}},
	{"pl", ".pl", map[string]string{
		"Accept-Language": "pl-PL,pl;q=0.9,en-US;q=0.8,en;q=0.7",
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Firefox/120.0",
	}},
	{"jp", ".jp", map[string]string{
		"Accept-Language": "ja-JP,ja;q=0.9,en-US;q=0.8,en;q=0.7",
		"User-Agent":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1.15",
	}},
	{"cn", ".cn", map[string]string{
		"Accept-Language": "zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7",
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36",
	}},
	{"behance", "behance.net", map[string]string{
		"Accept-Language": "en-US,en;q=0.9",
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0.0.0 Safari/537.36",
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Referer":         "https://www.behance.net/",
	}},
	{"community", "community", map[string]string{
		"Accept":     "application/activity+json",
		"User-Agent": activityPubAgent,
	}},
	{"mastodon", "mastodon", map[string]string{
		"Accept":     "application/activity+json",
		"User-Agent": activityPubAgent,
	}},
}

// localeFor returns the profile named by locale, or the first whose pattern
// occurs in host when locale is empty.
func localeFor(locale, host string) map[string]string {
	if locale != "" {
		locale = strings.ToLower(locale)
		for _, p := range localeProfiles {
			if p.name == locale {
				return p.headers
			}
		}
		return nil
	}
	for _, p := range localeProfiles {
		if strings.Contains(host, p.pattern) {
			return p.headers
		}
	}
	return nil
}

// BuildHeaders merges base headers, the locale profile and the site's own
// headers, later layers overriding earlier ones.
func BuildHeaders(userAgent, locale, host string, site map[string]string) http.Header {
	h := make(http.Header, len(baseHeaders)+len(site))
	for k, v := range baseHeaders {
		h.Set(k, v)
	}
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	for k, v := range localeFor(locale, host) {
		h.Set(k, v)
	}
	for k, v := range site {
		h.Set(k, v)
	}
	return h
}

// HostKey normalises a URL host into the key used for pacing.
func HostKey(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
