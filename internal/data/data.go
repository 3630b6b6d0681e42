package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/mcuadros/go-version"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

const WhatsMyNameDataURL = "https://raw.githubusercontent.com/WebBreacher/WhatsMyName/main/wmn-data.json"

// MinDatasetVersion is the oldest dataset "version" this engine understands fully.
const MinDatasetVersion = "2.0"

// ErrDataset marks scan-fatal dataset problems: unreadable, unparseable or empty.
var ErrDataset = errors.New("dataset error")

type Format string

const (
	FormatWhatsMyName Format = "whatsmyname"
	FormatSherlock    Format = "sherlock"
)

// Dataset is the finalized list of definitions a run consumes.
type Dataset struct {
	Format   Format
	Version  string
	Outdated bool
	Sites    []SiteDefinition
	Skipped  []error
}

type wmnFile struct {
	Version string    `json:"version"`
	Sites   []wmnSite `json:"sites"`
}

type wmnSite struct {
	Name       string            `json:"name"`
	Category   string            `json:"cat"`
	URICheck   string            `json:"uri_check"`
	URIPretty  string            `json:"uri_pretty"`
	PostBody   string            `json:"post_body"`
	Headers    map[string]string `json:"headers"`
	ECode      int               `json:"e_code"`
	EString    string            `json:"e_string"`
	MCode      int               `json:"m_code"`
	MString    string            `json:"m_string"`
	Known      []string          `json:"known"`
	Valid      *bool             `json:"valid"`
	Encoding   string            `json:"encoding"`
	Locale     string            `json:"locale"`
	RegexCheck string            `json:"regex_check"`
}

// SiteData is a Sherlock-style entry.
type SiteData struct {
	ErrorType string `json:"errorType"`
	ErrorMsg  any    `json:"errorMsg"`
	ErrorCode any    `json:"errorCode"`

	URL      string `json:"url"`
	URLMain  string `json:"urlMain"`
	URLProbe string `json:"urlProbe"`
	URLError string `json:"errorUrl"`

	Method  string            `json:"request_method"`
	Payload any               `json:"request_payload"`
	Headers map[string]string `json:"headers"`

	UsedUsername   string `json:"username_claimed"`
	UnusedUsername string `json:"username_unclaimed"`
	RegexCheck     string `json:"regexCheck"`
}

// LoadSites reads a WhatsMyName or Sherlock data file. Invalid entries are skipped
// and listed in Dataset.Skipped; a file yielding no usable site is an ErrDataset.
func LoadSites(filename string) (*Dataset, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(ErrDataset, "read %s: %v", filename, err)
	}
	ds, err := ParseSites(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", filename)
	}
	return ds, nil
}

// ParseSites decodes raw dataset bytes, detecting the format.
func ParseSites(raw []byte) (*Dataset, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.Wrap(ErrDataset, "parse json: invalid document")
	}

	var ds *Dataset
	var err error
	if gjson.GetBytes(raw, "sites").IsArray() {
		ds, err = parseWhatsMyName(raw)
	} else {
		ds, err = parseSherlock(raw)
	}
	if err != nil {
		return nil, err
	}
	if len(ds.Sites) == 0 {
		return nil, errors.Wrapf(ErrDataset, "no usable site definitions (%d skipped)", len(ds.Skipped))
	}

	sort.Slice(ds.Sites, func(i, j int) bool { return ds.Sites[i].ID < ds.Sites[j].ID })
	if ds.Version != "" {
		ds.Outdated = version.Compare(version.Normalize(ds.Version), version.Normalize(MinDatasetVersion), "<")
	}
	return ds, nil
}

func parseWhatsMyName(raw []byte) (*Dataset, error) {
	var file wmnFile
	if err := sonic.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(ErrDataset, "parse json: %v", err)
	}

	ds := &Dataset{Format: FormatWhatsMyName, Version: file.Version}
	seen := make(map[string]struct{}, len(file.Sites))
	for _, s := range file.Sites {
		if s.Valid != nil && !*s.Valid {
			continue
		}
		sd := SiteDefinition{
			ID:              siteID(s.Name),
			DisplayName:     strings.TrimSpace(s.Name),
			Category:        s.Category,
			URLTemplate:     s.URICheck,
			PrettyURL:       s.URIPretty,
			Method:          http.MethodGet,
			Body:            s.PostBody,
			Headers:         s.Headers,
			Locale:          s.Locale,
			Encoding:        s.Encoding,
			Presence:        signal(s.ECode, s.EString),
			Absence:         signal(s.MCode, s.MString),
			FollowRedirects: true,
			RegexCheck:      s.RegexCheck,
			Known:           s.Known,
		}
		if sd.Body != "" {
			sd.Method = http.MethodPost
		}
		ds.add(sd, seen)
	}
	return ds, nil
}

func parseSherlock(raw []byte) (*Dataset, error) {
	var entries map[string]json.RawMessage
	if err := sonic.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrapf(ErrDataset, "parse json: %v", err)
	}

	ds := &Dataset{Format: FormatSherlock}
	seen := make(map[string]struct{}, len(entries))
	for siteName, msg := range entries {
		// Skip the JSON Schema entry if present.
		if siteName == "$schema" {
			continue
		}

		var sd SiteData
		if err := sonic.Unmarshal(msg, &sd); err != nil {
			ds.Skipped = append(ds.Skipped, fmt.Errorf("site %q: %w", siteName, err))
			continue
		}
		def, err := sd.Definition(siteName)
		if err != nil {
			ds.Skipped = append(ds.Skipped, err)
			continue
		}
		ds.add(def, seen)
	}
	return ds, nil
}

// Definition converts a Sherlock entry into a SiteDefinition.
func (sd SiteData) Definition(name string) (SiteDefinition, error) {
	tmpl := sd.URL
	if sd.URLProbe != "" {
		tmpl = sd.URLProbe
	}

	def := SiteDefinition{
		ID:              siteID(name),
		DisplayName:     name,
		URLTemplate:     strings.ReplaceAll(tmpl, "{}", Placeholder),
		PrettyURL:       strings.ReplaceAll(sd.URL, "{}", Placeholder),
		Method:          http.MethodGet,
		Headers:         sd.Headers,
		Presence:        Signal{Codes: []int{http.StatusOK}},
		FollowRedirects: true,
		RegexCheck:      sd.RegexCheck,
	}
	if sd.Method != "" {
		def.Method = strings.ToUpper(sd.Method)
	}
	if sd.Payload != nil {
		payload, err := sonic.MarshalString(sd.Payload)
		if err != nil {
			return SiteDefinition{}, fmt.Errorf("site %q: request_payload: %w", name, err)
		}
		def.Body = strings.ReplaceAll(payload, "{}", Placeholder)
	}
	if sd.UsedUsername != "" {
		def.Known = []string{sd.UsedUsername}
	}

	switch sd.ErrorType {
	case "status_code":
		def.Absence.Codes = intList(sd.ErrorCode)
	case "message":
		def.Absence.Markers = stringList(sd.ErrorMsg)
		if len(def.Absence.Markers) == 0 {
			return SiteDefinition{}, fmt.Errorf("site %q: errorMsg is missing for errorType=message", name)
		}
	case "response_url":
		def.FollowRedirects = false
		def.Absence.Codes = []int{
			http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect,
		}
	default:
		return SiteDefinition{}, fmt.Errorf("site %q: unsupported error type %q", name, sd.ErrorType)
	}
	return def, nil
}

func (ds *Dataset) add(sd SiteDefinition, seen map[string]struct{}) {
	if err := sd.Validate(); err != nil {
		ds.Skipped = append(ds.Skipped, err)
		return
	}
	if _, dup := seen[sd.ID]; dup {
		ds.Skipped = append(ds.Skipped, fmt.Errorf("site %q: duplicate id", sd.ID))
		return
	}
	seen[sd.ID] = struct{}{}
	ds.Sites = append(ds.Sites, sd)
}

func signal(code int, marker string) Signal {
	var s Signal
	if code != 0 {
		s.Codes = []int{code}
	}
	if m := strings.TrimSpace(marker); m != "" {
		s.Markers = []string{m}
	}
	return s
}

func stringList(v any) []string {
	switch v := v.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intList(v any) []int {
	switch v := v.(type) {
	case float64:
		return []int{int(v)}
	case []any:
		out := make([]int, 0, len(v))
		for _, it := range v {
			if f, ok := it.(float64); ok {
				out = append(out, int(f))
			}
		}
		return out
	}
	return nil
}

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// UpdateFromRemote downloads the dataset at srcURL into destPath after checking it parses.
func UpdateFromRemote(ctx context.Context, client Doer, userAgent, srcURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return err
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "download dataset")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a small snippet for diagnostics.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download failed: %s (%s)", resp.Status, string(snippet))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read dataset body")
	}
	if _, err := ParseSites(body); err != nil {
		return errors.Wrap(err, "downloaded dataset rejected")
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}

	tmp := destPath + ".tmp"
	if err := os.WriteFile(tmp, body, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, destPath)
}

// UpdateResult tells the caller how LoadOrUpdate obtained the dataset.
type UpdateResult struct {
	Downloaded bool
	UpdateErr  error
}

// LoadOrUpdate refreshes the local cache when asked (or when it is missing) and
// falls back to the cached copy if the download fails.
func LoadOrUpdate(ctx context.Context, client Doer, userAgent, srcURL, cachePath string, force bool) (*Dataset, UpdateResult, error) {
	var res UpdateResult

	_, statErr := os.Stat(cachePath)
	cached := statErr == nil

	if (force || !cached) && srcURL != "" {
		if err := UpdateFromRemote(ctx, client, userAgent, srcURL, cachePath); err != nil {
			res.UpdateErr = err
			if !cached {
				return nil, res, errors.Wrapf(ErrDataset, "update failed and no cached dataset at %s: %v", cachePath, err)
			}
		} else {
			res.Downloaded = true
		}
	}

	ds, err := LoadSites(cachePath)
	return ds, res, err
}
