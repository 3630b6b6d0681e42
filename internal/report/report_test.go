package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/tdh8316/rhino/internal/data"
	"github.com/tdh8316/rhino/internal/scan"
)

func status(code int) *int { return &code }

func sampleResults() []scan.ProbeResult {
	return []scan.ProbeResult{
		{SiteID: "github", DisplayName: "GitHub", ResolvedURL: "https://github.com/alice", ProfileURL: "https://github.com/alice",
			HTTPStatus: status(200), Verdict: scan.VerdictFound, Latency: 120 * time.Millisecond,
			Enrichment: &scan.Enrichment{
				Profile:   map[string]string{"name": "Alice", "description": "Compilers"},
				CreatedAt: "2015-04-01",
				Links:     []string{"https://alice.dev"},
			}},
		{SiteID: "gitlab", DisplayName: "gitlab", ResolvedURL: "https://gitlab.com/alice", HTTPStatus: status(404), Verdict: scan.VerdictNotFound},
		{SiteID: "slowsite", DisplayName: "SlowSite", ResolvedURL: "https://slow.example/alice", Verdict: scan.VerdictError, ErrorDetail: "timeout: request timed out"},
		{SiteID: "aboutme", DisplayName: "About.me", ResolvedURL: "https://about.me/alice", HTTPStatus: status(200), Verdict: scan.VerdictUnsure},
		{SiteID: "github-gist", DisplayName: "GitHub", ResolvedURL: "https://gist.github.com/alice", HTTPStatus: status(404), Verdict: scan.VerdictNotFound},
	}
}

func newRun(t *testing.T, n int) *scan.RunContext {
	t.Helper()
	sites := make([]data.SiteDefinition, n)
	for i := range sites {
		sites[i] = data.SiteDefinition{ID: string(rune('a' + i))}
	}
	rc, err := scan.NewRunContext("alice", sites)
	require.NoError(t, err)
	return rc
}

func TestFinalizeOrderAndSummary(t *testing.T) {
	rc := newRun(t, 5)
	agg := NewAggregator(rc)
	for _, r := range sampleResults() {
		agg.Add(r)
	}

	rep := agg.Finalize()
	var ids []string
	for _, r := range rep.Results {
		ids = append(ids, r.SiteID)
	}
	assert.Equal(t, []string{"aboutme", "github", "github-gist", "gitlab", "slowsite"}, ids)
	assert.Equal(t, scan.Counts{Found: 1, Unsure: 1, NotFound: 2, Error: 1}, rep.Summary)
	assert.Equal(t, rep.Summary, rc.Counts())
	assert.Equal(t, "alice", rep.Username)
	assert.Equal(t, rc.ID, rep.RunID)
	assert.False(t, rep.Cancelled)
}

func TestFinalizeDeterministic(t *testing.T) {
	var first *Report
	for i := 0; i < 20; i++ {
		results := sampleResults()
		rand.Shuffle(len(results), func(a, b int) { results[a], results[b] = results[b], results[a] })

		agg := NewAggregator(newRun(t, 5))
		for _, r := range results {
			agg.Add(r)
		}
		rep := agg.Finalize()
		if first == nil {
			first = rep
			continue
		}
		assert.Equal(t, first.Results, rep.Results)
		assert.Equal(t, first.Summary, rep.Summary)
	}
}

func TestFinalizeIdempotentAndFrozen(t *testing.T) {
	rc := newRun(t, 5)
	agg := NewAggregator(rc)
	agg.Add(sampleResults()[0])

	rep := agg.Finalize()
	agg.Add(sampleResults()[1])

	assert.Same(t, rep, agg.Finalize())
	assert.Len(t, rep.Results, 1)
	assert.Equal(t, 1, agg.Len())
	assert.Equal(t, scan.Counts{Found: 1}, rc.Counts())
}

func TestAddConcurrent(t *testing.T) {
	rc := newRun(t, 1)
	agg := NewAggregator(rc)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := scan.VerdictNotFound
			if i%4 == 0 {
				v = scan.VerdictFound
			}
			agg.Add(scan.ProbeResult{SiteID: string(rune('A' + i%26)), Verdict: v})
		}(i)
	}
	wg.Wait()

	rep := agg.Finalize()
	assert.Len(t, rep.Results, 200)
	assert.Equal(t, scan.Counts{Found: 50, NotFound: 150}, rep.Summary)
	assert.Equal(t, 200, rc.Counts().Total())
}

func TestFinalizeCancelled(t *testing.T) {
	rc := newRun(t, 1)
	rc.Cancel()
	assert.True(t, NewAggregator(rc).Finalize().Cancelled)
}

func finalized(t *testing.T) *Report {
	agg := NewAggregator(newRun(t, 5))
	for _, r := range sampleResults() {
		agg.Add(r)
	}
	return agg.Finalize()
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, finalized(t)))

	var decoded struct {
		Username string `json:"username"`
		Results  []struct {
			SiteID     string `json:"site_id"`
			Verdict    string `json:"verdict"`
			HTTPStatus *int   `json:"http_status"`
			Enrichment *struct {
				CreatedAt string   `json:"created_at"`
				Links     []string `json:"links"`
			} `json:"enrichment"`
		} `json:"results"`
		Summary map[string]int `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "alice", decoded.Username)
	require.Len(t, decoded.Results, 5)
	assert.Equal(t, "github", decoded.Results[1].SiteID)
	assert.Equal(t, "found", decoded.Results[1].Verdict)
	require.NotNil(t, decoded.Results[1].Enrichment)
	assert.Equal(t, "2015-04-01", decoded.Results[1].Enrichment.CreatedAt)
	assert.Nil(t, decoded.Results[4].HTTPStatus)
	assert.Equal(t, map[string]int{"found": 1, "unsure": 1, "not_found": 2, "error": 1}, decoded.Summary)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, finalized(t)))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, csvHeader, records[0])

	github := records[2]
	assert.Equal(t, "github", github[0])
	assert.Equal(t, "found", github[3])
	assert.Equal(t, "200", github[4])
	assert.Equal(t, "120", github[7])
	assert.Equal(t, "2015-04-01", github[9])
	assert.Equal(t, "https://alice.dev", github[10])
	assert.Equal(t, "Metadata: description: Compilers, name: Alice", github[11])

	slow := records[5]
	assert.Equal(t, "error", slow[3])
	assert.Empty(t, slow[4])
	assert.Equal(t, "timeout: request timed out", slow[8])
}

func TestWriteHTML(t *testing.T) {
	rep := finalized(t)
	rep.Results[0].DisplayName = `<script>alert(1)</script>`

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, rep))
	out := buf.String()

	assert.Contains(t, out, "Results for: alice")
	assert.Contains(t, out, "Found: 1")
	assert.Contains(t, out, `href="https://github.com/alice"`)
	assert.Contains(t, out, "https://alice.dev")
	assert.Contains(t, out, "name: Alice")
	assert.Contains(t, out, "Unsure")
	assert.NotContains(t, out, "gitlab.com")
	assert.NotContains(t, out, "<script>alert(1)</script>")
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, finalized(t)))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Results")
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, "github", rows[2][0])
	assert.Equal(t, "found", rows[2][3])

	found, err := f.GetCellValue("Summary", "B6")
	require.NoError(t, err)
	assert.Equal(t, "1", found)
}

func TestParseFormats(t *testing.T) {
	got, err := ParseFormats("HTML, csv,html")
	require.NoError(t, err)
	assert.Equal(t, []Format{FormatHTML, FormatCSV}, got)

	got, err = ParseFormats("all")
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = ParseFormats("none")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseFormats("pdf")
	assert.Error(t, err)
}

func TestWriteFiles(t *testing.T) {
	dir := t.TempDir()
	paths, err := WriteFiles(dir, finalized(t), []Format{FormatHTML, FormatJSON})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "alice", "alice.html"),
		filepath.Join(dir, "alice", "alice.json"),
	}, paths)
	for _, p := range paths {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.NotZero(t, info.Size())
	}
}
