package scan

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Verdict is the classification outcome of one probe.
type Verdict string

const (
	VerdictFound    Verdict = "found"
	VerdictUnsure   Verdict = "unsure"
	VerdictNotFound Verdict = "not_found"
	VerdictError    Verdict = "error"
)

// Positive reports whether the verdict warrants enrichment.
func (v Verdict) Positive() bool {
	return v == VerdictFound || v == VerdictUnsure
}

func (v Verdict) Label() string {
	switch v {
	case VerdictFound:
		return "Found"
	case VerdictUnsure:
		return "Unsure"
	case VerdictNotFound:
		return "Not Found"
	case VerdictError:
		return "Error"
	}
	return string(v)
}

// Enrichment holds metadata merged from the extractors.
type Enrichment struct {
	Profile     map[string]string `json:"profile,omitempty"`
	ProfileText []string          `json:"profile_text,omitempty"`
	CreatedAt   string            `json:"created_at,omitempty"`
	Links       []string          `json:"links,omitempty"`
	Notes       []string          `json:"notes,omitempty"`
}

// Empty reports whether no extractor contributed anything.
func (e *Enrichment) Empty() bool {
	return e == nil || (len(e.Profile) == 0 && len(e.ProfileText) == 0 && e.CreatedAt == "" && len(e.Links) == 0)
}

// ProbeResult is the outcome of one dispatched probe. It is passed by value
// and not modified once handed to the consumer.
type ProbeResult struct {
	SiteID      string        `json:"site_id"`
	DisplayName string        `json:"display_name"`
	Category    string        `json:"category,omitempty"`
	ResolvedURL string        `json:"resolved_url"`
	ProfileURL  string        `json:"profile_url"`
	HTTPStatus  *int          `json:"http_status,omitempty"`
	Verdict     Verdict       `json:"verdict"`
	Latency     time.Duration `json:"latency"`
	ErrorDetail string        `json:"error_detail,omitempty"`
	Enrichment  *Enrichment   `json:"enrichment,omitempty"`
}

type Config struct {
	Concurrency       int
	RequestsPerSecond float64
	Logger            logrus.FieldLogger
}

type ValidationFailure struct {
	Site              string
	KnownUsername     string
	UnclaimedUsername string

	Known     ProbeResult
	Unclaimed ProbeResult
}
