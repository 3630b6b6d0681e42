package scan

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tdh8316/rhino/internal/data"
	"github.com/tdh8316/rhino/internal/httpx"
	"github.com/tdh8316/rhino/internal/observability"
)

// Sender is the transport the scanner probes through.
type Sender interface {
	Send(ctx context.Context, req httpx.Request) (*httpx.Response, error)
}

// Enricher extends positive results with profile metadata.
type Enricher interface {
	Enrich(ctx context.Context, res ProbeResult, body []byte) ProbeResult
}

type Scanner struct {
	transport Sender
	enricher  Enricher
	cfg       Config
	launch    *rate.Limiter
	log       logrus.FieldLogger

	// Cache compiled regexCheck per site
	regexCache    sync.Map // siteID -> *regexp2.Regexp
	regexErrCache sync.Map // siteID -> error
}

func NewScanner(transport Sender, enricher Enricher, cfg Config) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 32
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}

	s := &Scanner{
		transport: transport,
		enricher:  enricher,
		cfg:       cfg,
		log:       cfg.Logger,
	}
	if cfg.RequestsPerSecond > 0 {
		s.launch = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return s
}

// Run probes every site of rc with a bounded worker pool and streams results
// as they complete. The channel closes once all workers exit. After rc is
// cancelled no new probe starts and late results are dropped. Cancelling ctx
// cancels rc.
func (s *Scanner) Run(ctx context.Context, rc *RunContext) <-chan ProbeResult {
	workers := min(s.cfg.Concurrency, len(rc.Sites))
	results := make(chan ProbeResult, max(workers, 1))
	if workers == 0 {
		close(results)
		return results
	}

	runCtx, stop := context.WithCancel(ctx)
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			rc.Cancel()
		case <-rc.Done():
		case <-finished:
			return
		}
		stop()
	}()

	log := s.log.WithFields(logrus.Fields{"run_id": rc.ID, "username": rc.Username})
	log.WithField("sites", len(rc.Sites)).Info("scan started")

	jobs := make(chan int) // Indexes into rc.Sites.

	var wg sync.WaitGroup
	wg.Add(workers)
	for n := 0; n < workers; n++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if rc.Cancelled() {
					continue
				}
				if s.launch != nil {
					if err := s.launch.Wait(runCtx); err != nil {
						continue
					}
				}

				res := s.Investigate(runCtx, rc.ID, rc.Username, rc.Sites[i])
				if rc.Cancelled() {
					log.WithField("site", res.SiteID).Debug("dropping result completed after cancellation")
					continue
				}
				results <- res
			}
		}()
	}

	go func() {
		defer close(results)
		wg.Wait()
		if ctx.Err() != nil {
			rc.Cancel()
		}
		close(finished)
		stop()
		log.WithField("cancelled", rc.Cancelled()).Info("scan finished")
	}()

	go func() {
		defer close(jobs)
		for i := range rc.Sites {
			if rc.Cancelled() {
				return
			}
			select {
			case <-runCtx.Done():
				return
			case jobs <- i:
			}
		}
	}()

	return results
}

// ScanUsername runs rc and hands every result to onResult from a single goroutine.
func (s *Scanner) ScanUsername(ctx context.Context, rc *RunContext, onResult func(ProbeResult)) error {
	if onResult == nil {
		return fmt.Errorf("onResult callback is nil")
	}

	for res := range s.Run(ctx, rc) {
		onResult(res) // Callback for each result.
	}

	if rc.Cancelled() {
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	return nil
}

// Investigate runs a single probe. It never panics; a failure of any kind
// yields an Error result for this site only.
func (s *Scanner) Investigate(ctx context.Context, runID, username string, sd data.SiteDefinition) (res ProbeResult) {
	started := time.Now()
	res = ProbeResult{
		SiteID:      sd.ID,
		DisplayName: sd.DisplayName,
		Category:    sd.Category,
		ResolvedURL: sd.ResolveURL(username),
		ProfileURL:  sd.ResolveProfileURL(username),
	}
	if res.DisplayName == "" {
		res.DisplayName = sd.ID
	}

	host := ""
	if u, err := url.Parse(res.ResolvedURL); err == nil {
		host = httpx.HostKey(u.Host)
	}
	ctx, span := observability.StartProbeSpan(ctx, observability.ProbeSpanInfo{
		RunID: runID, SiteID: sd.ID, Host: host, Username: username,
	})

	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("site", sd.ID).Errorf("probe panicked: %v", r)
			sentry.CurrentHub().Recover(r)
			res.Verdict = VerdictError
			res.HTTPStatus = nil
			res.Enrichment = nil
			res.ErrorDetail = fmt.Sprintf("internal error: %v", r)
		}
		if res.Latency == 0 {
			res.Latency = time.Since(started)
		}
		status := 0
		if res.HTTPStatus != nil {
			status = *res.HTTPStatus
		}
		observability.EndProbeSpan(span, string(res.Verdict), status, res.ErrorDetail)
		observability.RecordProbe(string(res.Verdict), time.Since(started))
	}()

	// Optional username regexCheck (cached per site).
	if sd.RegexCheck != "" {
		re, err := s.getRegex(sd.ID, sd.RegexCheck)
		if err != nil {
			res.Verdict = VerdictError
			res.ErrorDetail = fmt.Sprintf("invalid regexCheck: %v", err)
			return res
		}
		ok, err := re.MatchString(username)
		if err != nil {
			res.Verdict = VerdictError
			res.ErrorDetail = fmt.Sprintf("regexCheck match error: %v", err)
			return res
		}
		if !ok {
			// Username not valid for this site => treat as not found (no error).
			res.Verdict = VerdictNotFound
			return res
		}
	}

	resp, err := s.transport.Send(ctx, httpx.Request{
		SiteID:          sd.ID,
		Method:          sd.Method,
		URL:             res.ResolvedURL,
		Body:            sd.ResolveBody(username),
		Headers:         sd.Headers,
		Locale:          sd.Locale,
		Encoding:        sd.Encoding,
		FollowRedirects: sd.FollowRedirects,
	})

	res.Verdict = Classify(sd, resp, err)
	if err != nil {
		res.ErrorDetail = err.Error()
		s.log.WithError(err).WithField("site", sd.ID).Debug("probe failed")
		return res
	}

	status := resp.Status
	res.HTTPStatus = &status
	res.Latency = resp.Latency

	if s.enricher != nil && res.Verdict.Positive() {
		res = s.enricher.Enrich(ctx, res, []byte(DecodeBody(sd.Encoding, resp)))
	}
	return res
}

// ValidateSites probes each site with its first known username (expecting
// Found) and a random unclaimed one (expecting NotFound).
func (s *Scanner) ValidateSites(
	ctx context.Context,
	sites []data.SiteDefinition,
	onFailure func(ValidationFailure),
) (int, error) {
	if onFailure == nil {
		return 0, fmt.Errorf("onFailure callback is nil")
	}

	workers := min(s.cfg.Concurrency, len(sites))
	if workers == 0 {
		return 0, nil
	}

	runID := uuid.NewString()
	jobs := make(chan data.SiteDefinition)
	failures := make(chan ValidationFailure, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for n := 0; n < workers; n++ {
		go func() {
			defer wg.Done()
			for sd := range jobs {
				unclaimed := unclaimedUsername()
				if len(sd.Known) == 0 {
					// Nothing to validate against, count as failure.
					detail := "no known username in dataset"
					failures <- ValidationFailure{
						Site:              sd.ID,
						UnclaimedUsername: unclaimed,
						Known:             ProbeResult{SiteID: sd.ID, DisplayName: sd.DisplayName, Verdict: VerdictError, ErrorDetail: detail},
						Unclaimed:         ProbeResult{SiteID: sd.ID, DisplayName: sd.DisplayName, Verdict: VerdictError, ErrorDetail: detail},
					}
					continue
				}

				known := s.Investigate(ctx, runID, sd.Known[0], sd)
				absent := s.Investigate(ctx, runID, unclaimed, sd)

				if known.Verdict == VerdictFound && absent.Verdict == VerdictNotFound {
					continue
				}

				failures <- ValidationFailure{
					Site:              sd.ID,
					KnownUsername:     sd.Known[0],
					UnclaimedUsername: unclaimed,
					Known:             known,
					Unclaimed:         absent,
				}
			}
		}()
	}

	go func() {
		defer close(failures)
		wg.Wait()
	}()

	go func() {
		defer close(jobs)
		for _, sd := range sites {
			select {
			case <-ctx.Done():
				return
			case jobs <- sd:
			}
		}
	}()

	count := 0
	for f := range failures {
		count++
		onFailure(f)
	}

	return count, ctx.Err()
}

func unclaimedUsername() string {
	return "rhino" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (s *Scanner) getRegex(site, expr string) (*regexp2.Regexp, error) {
	if v, ok := s.regexCache.Load(site); ok {
		return v.(*regexp2.Regexp), nil
	}
	if v, ok := s.regexErrCache.Load(site); ok {
		return nil, v.(error)
	}

	re, err := regexp2.Compile(expr, 0)
	if err != nil {
		s.regexErrCache.Store(site, err)
		return nil, err
	}
	s.regexCache.Store(site, re)
	return re, nil
}
