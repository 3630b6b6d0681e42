// Package enrich fans a positive probe result out to the profile extractors
// and merges what they find.
package enrich

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tdh8316/rhino/internal/extract"
	"github.com/tdh8316/rhino/internal/scan"
)

const DefaultTimeout = 5 * time.Second

// Extractor pulls one kind of metadata out of a profile page.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, pageURL string, body []byte) (extract.Partial, error)
}

type Coordinator struct {
	extractors []Extractor
	timeout    time.Duration
	log        logrus.FieldLogger
}

// New returns a Coordinator running extractors with a per-extractor timeout.
// With no extractors given it uses the profile, dates and links extractors.
func New(timeout time.Duration, log logrus.FieldLogger, extractors ...Extractor) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if len(extractors) == 0 {
		extractors = []Extractor{extract.Profile{}, extract.Dates{}, extract.Links{}}
	}
	return &Coordinator{extractors: extractors, timeout: timeout, log: log}
}

type outcome struct {
	partial extract.Partial
	err     error
}

// Enrich attaches extracted metadata to a Found or Unsure result. Other
// verdicts, and any result once ctx is done, come back unchanged. Extractor
// failures become notes; the verdict is never touched.
func (c *Coordinator) Enrich(ctx context.Context, res scan.ProbeResult, body []byte) scan.ProbeResult {
	if !res.Verdict.Positive() || ctx.Err() != nil {
		return res
	}

	outcomes := make([]outcome, len(c.extractors))
	var g errgroup.Group
	for i, ex := range c.extractors {
		i, ex := i, ex
		g.Go(func() error {
			outcomes[i] = c.run(ctx, ex, res.ResolvedURL, body)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return res
	}

	e := &scan.Enrichment{}
	for i, o := range outcomes {
		name := c.extractors[i].Name()
		if o.err != nil {
			c.log.WithError(o.err).WithFields(logrus.Fields{
				"site":      res.SiteID,
				"extractor": name,
			}).Debug("extractor failed")
			e.Notes = append(e.Notes, fmt.Sprintf("%s: %v", name, o.err))
			continue
		}
		merge(e, o.partial)
	}
	sort.Strings(e.Links)

	if e.Empty() && len(e.Notes) == 0 {
		return res
	}
	res.Enrichment = e
	return res
}

// run executes one extractor under its own deadline. An extractor that does
// not return in time is abandoned and reported as timed out.
func (c *Coordinator) run(ctx context.Context, ex Extractor, pageURL string, body []byte) outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: errors.Errorf("panic: %v", r)}
			}
		}()
		p, err := ex.Extract(ctx, pageURL, body)
		done <- outcome{partial: p, err: err}
	}()

	select {
	case o := <-done:
		if errors.Is(o.err, context.DeadlineExceeded) {
			o.err = errors.Errorf("timed out after %s", c.timeout)
		}
		return o
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outcome{err: errors.Errorf("timed out after %s", c.timeout)}
		}
		return outcome{err: ctx.Err()}
	}
}

func merge(e *scan.Enrichment, p extract.Partial) {
	for k, v := range p.Profile {
		if e.Profile == nil {
			e.Profile = map[string]string{}
		}
		if _, ok := e.Profile[k]; !ok {
			e.Profile[k] = v
		}
	}
	e.ProfileText = append(e.ProfileText, p.ProfileText...)
	if e.CreatedAt == "" {
		e.CreatedAt = p.CreatedAt
	}

	seen := make(map[string]bool, len(e.Links))
	for _, l := range e.Links {
		seen[l] = true
	}
	for _, l := range p.Links {
		if !seen[l] {
			seen[l] = true
			e.Links = append(e.Links, l)
		}
	}
}
