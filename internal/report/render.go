package report

import (
	"encoding/csv"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/tdh8316/rhino/internal/scan"
)

// Format names a report renderer.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatHTML Format = "html"
	FormatXLSX Format = "xlsx"
)

var writers = map[Format]func(io.Writer, *Report) error{
	FormatJSON: WriteJSON,
	FormatCSV:  WriteCSV,
	FormatHTML: WriteHTML,
	FormatXLSX: WriteXLSX,
}

// ParseFormats turns a comma separated list such as "html,csv" into formats.
// "all" selects every format; "none" or an empty string selects nothing.
func ParseFormats(s string) ([]Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none":
		return nil, nil
	case "all":
		return []Format{FormatHTML, FormatCSV, FormatJSON, FormatXLSX}, nil
	}

	var out []Format
	seen := map[Format]bool{}
	for _, part := range strings.Split(s, ",") {
		f := Format(strings.TrimSpace(part))
		if f == "" || seen[f] {
			continue
		}
		if _, ok := writers[f]; !ok {
			return nil, errors.Errorf("unknown report format %q", f)
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}

// WriteFiles renders r once per format into dir/<username>/<username>.<ext>
// and returns the written paths.
func WriteFiles(dir string, r *Report, formats []Format) ([]string, error) {
	if len(formats) == 0 {
		return nil, nil
	}
	outDir := filepath.Join(dir, safeName(r.Username))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create results directory")
	}

	var paths []string
	for _, f := range formats {
		write, ok := writers[f]
		if !ok {
			return paths, errors.Errorf("unknown report format %q", f)
		}
		path := filepath.Join(outDir, safeName(r.Username)+"."+string(f))
		if err := writeFile(path, r, write); err != nil {
			return paths, errors.Wrapf(err, "write %s report", f)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, r *Report, write func(io.Writer, *Report) error) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file, r); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

func WriteJSON(w io.Writer, r *Report) error {
	out, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	_, err = w.Write(append(out, '\n'))
	return err
}

var csvHeader = []string{
	"site", "name", "category", "verdict", "http_status", "url", "profile_url",
	"latency_ms", "error", "created_at", "external_links", "profile_info",
}

func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, res := range r.Results {
		if err := cw.Write(row(res)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func row(res scan.ProbeResult) []string {
	status := ""
	if res.HTTPStatus != nil {
		status = strconv.Itoa(*res.HTTPStatus)
	}
	var created, links, profile string
	if e := res.Enrichment; e != nil {
		created = e.CreatedAt
		links = strings.Join(e.Links, "; ")
		profile = profileInfo(e)
	}
	return []string{
		res.SiteID,
		res.DisplayName,
		res.Category,
		string(res.Verdict),
		status,
		res.ResolvedURL,
		res.ProfileURL,
		strconv.FormatInt(res.Latency.Milliseconds(), 10),
		res.ErrorDetail,
		created,
		links,
		profile,
	}
}

func profileInfo(e *scan.Enrichment) string {
	var parts []string
	if len(e.Profile) > 0 {
		parts = append(parts, "Metadata: "+strings.Join(sortedPairs(e.Profile), ", "))
	}
	if len(e.ProfileText) > 0 {
		parts = append(parts, "Content: "+strings.Join(e.ProfileText, ", "))
	}
	return strings.Join(parts, " | ")
}

func sortedPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s: %s", k, m[k])
	}
	return pairs
}

var xlsxColumns = []float64{18, 22, 14, 10, 8, 45, 45, 10, 40, 16, 60, 60}

func WriteXLSX(w io.Writer, r *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Results"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}

	header := make([]interface{}, len(csvHeader))
	for i, h := range csvHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(csvHeader), 1)
	if err := f.SetCellStyle(sheet, "A1", last, bold); err != nil {
		return err
	}

	for i, res := range r.Results {
		cells := row(res)
		values := make([]interface{}, len(cells))
		for j, c := range cells {
			values[j] = c
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	for i, width := range xlsxColumns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(sheet, col, col, width); err != nil {
			return err
		}
	}

	summary := "Summary"
	if _, err := f.NewSheet(summary); err != nil {
		return err
	}
	rows := [][]interface{}{
		{"username", r.Username},
		{"run_id", r.RunID},
		{"started_at", r.StartedAt.Format("2006-01-02 15:04:05")},
		{"finished_at", r.FinishedAt.Format("2006-01-02 15:04:05")},
		{"cancelled", r.Cancelled},
		{"found", r.Summary.Found},
		{"unsure", r.Summary.Unsure},
		{"not_found", r.Summary.NotFound},
		{"error", r.Summary.Error},
	}
	for i, values := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summary, cell, &values); err != nil {
			return err
		}
	}

	return f.Write(w)
}

var htmlReport = template.Must(template.New("report").Funcs(template.FuncMap{
	"label": func(v scan.Verdict) string { return v.Label() },
	"pairs": sortedPairs,
}).Parse(htmlTemplate))

type htmlView struct {
	*Report
	Hits      []scan.ProbeResult
	Generated string
}

func WriteHTML(w io.Writer, r *Report) error {
	return htmlReport.Execute(w, htmlView{
		Report:    r,
		Hits:      r.Positive(),
		Generated: r.FinishedAt.Format("2006-01-02 15:04:05"),
	})
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Rhino results for {{.Username}}</title>
<style>
body { font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background: #1a1a1a; color: #fff; margin: 2rem; }
h2 { color: #00a8e8; }
table { width: 100%; border-collapse: collapse; margin-top: 1rem; }
th, td { border-bottom: 1px solid #333; padding: .5rem; text-align: left; vertical-align: top; }
th { background: #0f4c75; }
a { color: #00ff9d; word-break: break-all; }
.summary span { margin-right: 1.5rem; }
.unsure { color: #f0c040; }
.muted { color: #b3b3b3; }
</style>
</head>
<body>
<h1>Rhino Results</h1>
<h2>Results for: {{.Username}}</h2>
<div class="muted">Generated on {{.Generated}} (run {{.RunID}}){{if .Cancelled}}, cancelled before completion{{end}}</div>
<div class="summary">
<span>Found: {{.Summary.Found}}</span><span>Unsure: {{.Summary.Unsure}}</span><span>Not found: {{.Summary.NotFound}}</span><span>Errors: {{.Summary.Error}}</span>
</div>
{{if .Hits}}
<table>
<thead><tr><th>Site</th><th>Category</th><th>Verdict</th><th>URL</th><th>External Links</th><th>Profile Information</th></tr></thead>
<tbody>
{{range .Hits}}
<tr>
<td>{{.DisplayName}}</td>
<td>{{.Category}}</td>
<td{{if eq .Verdict "unsure"}} class="unsure"{{end}}>{{label .Verdict}}</td>
<td><a href="{{.ProfileURL}}" target="_blank">{{.ProfileURL}}</a></td>
<td>{{with .Enrichment}}{{range .Links}}<a href="{{.}}" target="_blank">{{.}}</a><br>{{else}}-{{end}}{{else}}-{{end}}</td>
<td>{{with .Enrichment}}
{{if .CreatedAt}}<div><strong>Created:</strong> {{.CreatedAt}}</div>{{end}}
{{if .Profile}}<div><strong>Metadata:</strong><br>{{range pairs .Profile}}{{.}}<br>{{end}}</div>{{end}}
{{if .ProfileText}}<div><strong>Content:</strong><br>{{range .ProfileText}}{{.}}<br>{{end}}</div>{{end}}
{{else}}-{{end}}</td>
</tr>
{{end}}
</tbody>
</table>
{{else}}
<p class="muted">No profiles found</p>
{{end}}
</body>
</html>
`
