// Package report collects probe results into a Report and renders it.
package report

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tdh8316/rhino/internal/scan"
)

// Report is the frozen outcome of one run.
type Report struct {
	Username   string             `json:"username"`
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Cancelled  bool               `json:"cancelled"`
	Results    []scan.ProbeResult `json:"results"`
	Summary    scan.Counts        `json:"summary"`
}

// Positive returns the Found and Unsure results in report order.
func (r *Report) Positive() []scan.ProbeResult {
	var out []scan.ProbeResult
	for _, res := range r.Results {
		if res.Verdict.Positive() {
			out = append(out, res)
		}
	}
	return out
}

// Aggregator is the single writer of a run's results and counters.
type Aggregator struct {
	rc  *scan.RunContext
	now func() time.Time

	mu      sync.Mutex
	results []scan.ProbeResult
	final   *Report
}

func NewAggregator(rc *scan.RunContext) *Aggregator {
	return &Aggregator{rc: rc, now: time.Now}
}

// Add records res. Results arriving after Finalize are ignored.
func (a *Aggregator) Add(res scan.ProbeResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.final != nil {
		return
	}
	a.results = append(a.results, res)
	a.rc.Record(res.Verdict)
}

// Len returns how many results have been accepted so far.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}

// Finalize freezes the aggregator and returns the report, ordered by display
// name (case-insensitive) and then site id. Later calls return the same
// report.
func (a *Aggregator) Finalize() *Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.final != nil {
		return a.final
	}

	results := make([]scan.ProbeResult, len(a.results))
	copy(results, a.results)
	sort.SliceStable(results, func(i, j int) bool {
		ni, nj := strings.ToLower(results[i].DisplayName), strings.ToLower(results[j].DisplayName)
		if ni != nj {
			return ni < nj
		}
		return results[i].SiteID < results[j].SiteID
	})

	a.final = &Report{
		Username:   a.rc.Username,
		RunID:      a.rc.ID,
		StartedAt:  a.rc.StartedAt,
		FinishedAt: a.now(),
		Cancelled:  a.rc.Cancelled(),
		Results:    results,
		Summary:    summarize(results),
	}
	return a.final
}

func summarize(results []scan.ProbeResult) scan.Counts {
	var c scan.Counts
	for _, r := range results {
		switch r.Verdict {
		case scan.VerdictFound:
			c.Found++
		case scan.VerdictUnsure:
			c.Unsure++
		case scan.VerdictNotFound:
			c.NotFound++
		default:
			c.Error++
		}
	}
	return c
}
