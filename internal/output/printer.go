package output

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/tdh8316/rhino/internal/report"
	"github.com/tdh8316/rhino/internal/scan"
)

type Printer struct {
	noColor bool
	verbose bool

	out    io.Writer
	logger *log.Logger
	stream *log.Logger // optional (writes to buffer)
}

func NewPrinter(stdout io.Writer, noColor, verbose bool, buf *strings.Builder) *Printer {
	p := &Printer{
		noColor: noColor,
		verbose: verbose,
		out:     stdout,
		logger:  log.New(stdout, "", 0),
	}
	if buf != nil {
		p.stream = log.New(buf, "", 0)
	}
	return p
}

func (p *Printer) Logger() *log.Logger {
	return p.logger
}

type mark struct {
	symbol string
	paint  func(format string, a ...interface{}) string
}

var (
	markFound    = mark{"+", color.HiGreenString}
	markUnsure   = mark{"?", color.HiYellowString}
	markNotFound = mark{"-", color.HiRedString}
	markError    = mark{"!", color.HiRedString}
	markInfo     = mark{"i", color.HiBlueString}
	markWarn     = mark{"!", color.HiYellowString}
)

func (p *Printer) line(m mark, site, msg string) {
	if p.noColor {
		p.logger.Printf("[%s] %s: %s", m.symbol, site, msg)
		return
	}
	p.logger.Printf("[%s] %s: %s", m.paint("%s", m.symbol), color.HiWhiteString("%s", site), msg)
}

// Result prints one probe outcome. Misses and errors are shown only when
// verbose. The plain copy kept for out.txt follows the same rule.
func (p *Printer) Result(res scan.ProbeResult) {
	link := res.ProfileURL
	if link == "" {
		link = res.ResolvedURL
	}

	switch res.Verdict {
	case scan.VerdictFound:
		p.plain("+", res.DisplayName, link)
		p.line(markFound, res.DisplayName, link)
		p.enrichment(res.Enrichment)
	case scan.VerdictUnsure:
		p.plain("?", res.DisplayName, link+" (unconfirmed)")
		if p.noColor {
			p.line(markUnsure, res.DisplayName, link+" (unconfirmed)")
		} else {
			p.line(markUnsure, res.DisplayName, link+" "+color.HiYellowString("(unconfirmed)"))
		}
		p.enrichment(res.Enrichment)
	case scan.VerdictError:
		if !p.verbose {
			return
		}
		p.plain("!", res.DisplayName, "ERROR: "+res.ErrorDetail)
		if p.noColor {
			p.line(markError, res.DisplayName, "ERROR: "+res.ErrorDetail)
		} else {
			p.line(markError, res.DisplayName, color.HiMagentaString("ERROR")+": "+color.HiRedString("%s", res.ErrorDetail))
		}
	default:
		if !p.verbose {
			return
		}
		p.plain("-", res.DisplayName, "Not Found!")
		if p.noColor {
			p.line(markNotFound, res.DisplayName, "Not Found!")
		} else {
			p.line(markNotFound, res.DisplayName, color.HiYellowString("Not Found!"))
		}
	}
}

func (p *Printer) plain(symbol, site, msg string) {
	if p.stream != nil {
		p.stream.Printf("[%s] %s: %s", symbol, site, msg)
	}
}

func (p *Printer) enrichment(e *scan.Enrichment) {
	if e == nil || !p.verbose {
		return
	}
	var lines []string
	if e.CreatedAt != "" {
		lines = append(lines, "created: "+e.CreatedAt)
	}
	for _, l := range e.Links {
		lines = append(lines, "link: "+l)
	}
	for _, n := range e.Notes {
		lines = append(lines, "note: "+n)
	}
	for _, l := range lines {
		p.logger.Printf("    %s", l)
		if p.stream != nil {
			p.stream.Printf("    %s", l)
		}
	}
}

func (p *Printer) Infof(format string, a ...interface{}) {
	p.notice(markInfo, fmt.Sprintf(format, a...))
}

func (p *Printer) Warnf(format string, a ...interface{}) {
	p.notice(markWarn, fmt.Sprintf(format, a...))
}

func (p *Printer) notice(m mark, msg string) {
	if p.noColor {
		p.logger.Printf("[%s] %s", m.symbol, msg)
		return
	}
	p.logger.Printf("[%s] %s", m.paint("%s", m.symbol), msg)
}

// Summary renders the verdict counts of r as a table.
func (p *Printer) Summary(r *report.Report) error {
	title := fmt.Sprintf("\nResults for %s (%d sites)", r.Username, r.Summary.Total())
	if r.Cancelled {
		title += " - cancelled"
	}
	fmt.Fprintln(p.out, title)

	label := func(v scan.Verdict, s string) string {
		if p.noColor {
			return s
		}
		switch v {
		case scan.VerdictFound:
			return color.HiGreenString("%s", s)
		case scan.VerdictUnsure:
			return color.HiYellowString("%s", s)
		case scan.VerdictError:
			return color.HiRedString("%s", s)
		}
		return s
	}

	table := tablewriter.NewTable(p.out)
	table.Header("Verdict", "Count")
	rows := []struct {
		v scan.Verdict
		n int
	}{
		{scan.VerdictFound, r.Summary.Found},
		{scan.VerdictUnsure, r.Summary.Unsure},
		{scan.VerdictNotFound, r.Summary.NotFound},
		{scan.VerdictError, r.Summary.Error},
	}
	for _, row := range rows {
		if err := table.Append(label(row.v, row.v.Label()), row.n); err != nil {
			return err
		}
	}
	return table.Render()
}

// Written lists report files produced for a run.
func (p *Printer) Written(paths []string) {
	for _, path := range paths {
		p.Infof("Report written to %s", path)
	}
}
