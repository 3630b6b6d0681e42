package data

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
)

// Placeholder is replaced by the username in URL and body templates.
const Placeholder = "{account}"

// Signal is a status/marker combination a site declares for one outcome.
// Codes empty means any status; Markers empty means any body.
type Signal struct {
	Codes   []int    `json:"codes,omitempty"`
	Markers []string `json:"markers,omitempty"`
}

// Empty reports whether the signal declares nothing (implicit).
func (s Signal) Empty() bool {
	return len(s.Codes) == 0 && len(s.Markers) == 0
}

// HasCode reports whether status is one of the declared codes.
func (s Signal) HasCode(status int) bool {
	return slices.Contains(s.Codes, status)
}

// SiteDefinition is one platform's probe recipe.
type SiteDefinition struct {
	ID          string
	DisplayName string
	Category    string

	URLTemplate string
	PrettyURL   string
	Method      string
	Body        string
	Headers     map[string]string
	Locale      string
	Encoding    string

	Presence Signal
	Absence  Signal

	FollowRedirects bool
	RegexCheck      string
	Known           []string
}

// Validate checks the invariants a definition must satisfy before it is probed.
func (sd SiteDefinition) Validate() error {
	if sd.ID == "" {
		return fmt.Errorf("missing site id")
	}
	if sd.URLTemplate == "" {
		return fmt.Errorf("site %q: missing url template", sd.ID)
	}
	if !strings.Contains(sd.URLTemplate, Placeholder) && !strings.Contains(sd.Body, Placeholder) {
		return fmt.Errorf("site %q: url template has no %s placeholder", sd.ID, Placeholder)
	}
	switch sd.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return fmt.Errorf("site %q: unsupported method %q", sd.ID, sd.Method)
	}
	if len(sd.Presence.Codes) == 0 {
		return fmt.Errorf("site %q: presence signal declares no status code", sd.ID)
	}
	if len(sd.Absence.Markers) == 0 {
		for _, code := range sd.Absence.Codes {
			if sd.Presence.HasCode(code) {
				return fmt.Errorf("site %q: absence code %d overlaps presence without an absence marker", sd.ID, code)
			}
		}
	}
	return nil
}

// ResolveURL returns the probe URL for username.
func (sd SiteDefinition) ResolveURL(username string) string {
	return strings.ReplaceAll(sd.URLTemplate, Placeholder, username)
}

// ResolveProfileURL returns the human-facing profile URL for username.
func (sd SiteDefinition) ResolveProfileURL(username string) string {
	if sd.PrettyURL == "" {
		return sd.ResolveURL(username)
	}
	return strings.ReplaceAll(sd.PrettyURL, Placeholder, username)
}

// ResolveBody returns the request body for username, empty for bodiless methods.
func (sd SiteDefinition) ResolveBody(username string) string {
	if sd.Body == "" {
		return ""
	}
	return strings.ReplaceAll(sd.Body, Placeholder, username)
}

func siteID(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
