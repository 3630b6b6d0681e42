package scan

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/tdh8316/rhino/internal/data"
	"github.com/tdh8316/rhino/internal/httpx"
)

// Classify turns a probe outcome into a verdict. Rules, first match wins:
// transport error, absence signal, presence status with marker, presence
// status without marker, anything else.
func Classify(sd data.SiteDefinition, resp *httpx.Response, err error) Verdict {
	if err != nil || resp == nil {
		return VerdictError
	}

	body := normalize(DecodeBody(sd.Encoding, resp))

	if matches(sd.Absence, resp.Status, body) {
		return VerdictNotFound
	}
	if sd.Presence.HasCode(resp.Status) {
		if containsAny(body, sd.Presence.Markers) {
			return VerdictFound
		}
		return VerdictUnsure
	}
	return VerdictNotFound
}

// matches applies a signal: declared codes must include status and declared
// markers must occur in body. An empty signal never matches.
func matches(s data.Signal, status int, body string) bool {
	if s.Empty() {
		return false
	}
	if len(s.Codes) > 0 && !s.HasCode(status) {
		return false
	}
	if len(s.Markers) > 0 && !containsAny(body, s.Markers) {
		return false
	}
	return true
}

func containsAny(body string, markers []string) bool {
	for _, m := range markers {
		m = normalize(m)
		if m != "" && strings.Contains(body, m) {
			return true
		}
	}
	return false
}

// normalize lower-cases s and collapses whitespace runs.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// DecodeBody converts the body to UTF-8 using the declared encoding, or the
// Content-Type and meta hints when none is declared. Failures yield "".
func DecodeBody(encoding string, resp *httpx.Response) string {
	if resp == nil || len(resp.Body) == 0 {
		return ""
	}

	if encoding != "" {
		enc, err := htmlindex.Get(encoding)
		if err != nil {
			return ""
		}
		out, err := enc.NewDecoder().Bytes(resp.Body)
		if err != nil {
			return ""
		}
		return string(out)
	}

	r, err := charset.NewReader(bytes.NewReader(resp.Body), resp.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	return string(out)
}
