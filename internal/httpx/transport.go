package httpx

import (
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"

	"github.com/tdh8316/rhino/internal/observability"
)

// Request is one outbound probe.
type Request struct {
	SiteID          string
	Method          string
	URL             string
	Body            string
	Headers         map[string]string
	Locale          string
	Encoding        string
	FollowRedirects bool
	HostKey         string
}

// Response carries what the classifier needs. Status is the first-hop status
// when redirects were followed; FinalStatus is the status of the last hop.
// StartedAt is the start slot granted by the host pacing gate.
type Response struct {
	Status      int
	FinalStatus int
	FinalURL    string
	Header      http.Header
	Body        []byte
	StartedAt   time.Time
	Latency     time.Duration
}

type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
	Instrument   bool
	Limiter      LimiterConfig

	RetryJitterMin time.Duration
	RetryJitterMax time.Duration

	Logger logrus.FieldLogger
	// Client overrides the client built from the fields above.
	Client *http.Client
}

// Transport paces requests per host, merges headers and normalises failures.
type Transport struct {
	cfg     Config
	client  *http.Client
	limiter *hostLimiter
	log     logrus.FieldLogger
}

func NewTransport(cfg Config) (*Transport, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.RetryJitterMin <= 0 {
		cfg.RetryJitterMin = 200 * time.Millisecond
	}
	if cfg.RetryJitterMax < cfg.RetryJitterMin {
		cfg.RetryJitterMax = cfg.RetryJitterMin + 400*time.Millisecond
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}

	base := cfg.Client
	if base == nil {
		c, err := NewClient(ClientConfig{Timeout: cfg.Timeout, ProxyURL: cfg.ProxyURL, Instrument: cfg.Instrument})
		if err != nil {
			return nil, err
		}
		base = c
	}
	client := *base
	client.CheckRedirect = checkRedirect

	limiter := newHostLimiter(cfg.Limiter)
	limiter.onInterval = func(host string, d time.Duration) {
		observability.SetHostInterval(host, d)
		cfg.Logger.WithFields(logrus.Fields{"host": host, "interval": d}).Debug("host interval changed")
	}

	return &Transport{
		cfg:     cfg,
		client:  &client,
		limiter: limiter,
		log:     cfg.Logger,
	}, nil
}

// Client returns the underlying client for unpaced auxiliary fetches.
func (t *Transport) Client() *http.Client { return t.client }

// Interval reports the current pacing interval for a host key.
func (t *Transport) Interval(host string) time.Duration {
	return t.limiter.interval(host)
}

// Send performs req through the host pacing gate. Failures are always
// *TransportError. Cancelling ctx interrupts only the wait for a start slot;
// a request already on the wire runs to completion or Timeout.
func (t *Transport) Send(ctx context.Context, req Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return nil, &TransportError{Kind: KindConnectionFailed, Detail: fmt.Sprintf("invalid url %q", req.URL), err: err}
	}

	host := req.HostKey
	if host == "" {
		host = HostKey(u.Host)
	}
	log := t.log.WithFields(logrus.Fields{"site": req.SiteID, "host": host})

	for attempt := 0; ; attempt++ {
		p, err := t.limiter.acquire(ctx, host)
		if err != nil {
			return nil, &TransportError{Kind: KindCancelled, Detail: "cancelled while waiting for host slot", err: err}
		}

		resp, terr := t.do(ctx, host, u, req, p.start)
		switch {
		case terr != nil:
			p.release(outcomeFailure)
			observability.RecordTransportError(string(terr.Kind))
		case isRateLimited(resp.Status) || isRateLimited(resp.FinalStatus):
			p.release(outcomeRateLimited)
			log.WithField("interval", t.limiter.interval(host)).Info("host is rate limiting, backing off")
		default:
			p.release(outcomeSuccess)
		}

		if terr == nil {
			return resp, nil
		}
		if !terr.retryable || attempt > 0 {
			return nil, terr
		}

		delay := t.jitter()
		log.WithError(terr).WithField("delay", delay).Debug("retrying request")
		observability.RecordRetry(string(terr.Kind))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, terr
		}
	}
}

func (t *Transport) jitter() time.Duration {
	span := t.cfg.RetryJitterMax - t.cfg.RetryJitterMin
	if span <= 0 {
		return t.cfg.RetryJitterMin
	}
	return t.cfg.RetryJitterMin + time.Duration(rand.Int63n(int64(span)))
}

func isRateLimited(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

func (t *Transport) do(ctx context.Context, host string, u *url.URL, req Request, slot time.Time) (*Response, *TransportError) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.Timeout)
	defer cancel()

	trace := &redirectTrace{follow: req.FollowRedirects}
	ctx = context.WithValue(ctx, redirectKey{}, trace)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}

	hr, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &TransportError{Kind: KindConnectionFailed, Detail: err.Error(), err: err}
	}
	hr.Header = BuildHeaders(t.cfg.UserAgent, req.Locale, host, req.Headers)

	started := time.Now()
	resp, err := t.client.Do(hr)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := readBody(resp, t.cfg.MaxBodyBytes)
	if err != nil {
		return nil, classifyError(err)
	}

	out := &Response{
		Status:      resp.StatusCode,
		FinalStatus: resp.StatusCode,
		FinalURL:    u.String(),
		Header:      resp.Header,
		Body:        raw,
		StartedAt:   slot,
		Latency:     time.Since(started),
	}
	if trace.first != 0 {
		out.Status = trace.first
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.FinalURL = resp.Request.URL.String()
	}
	observability.RecordHTTPResponse(resp.StatusCode)
	return out, nil
}

// readBody reads at most limit decoded bytes, undoing Content-Encoding.
func readBody(resp *http.Response, limit int64) ([]byte, error) {
	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var r io.Reader = resp.Body
	switch enc {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, decodeError(enc, err)
		}
		defer gz.Close()
		r = gz
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, decodeError(enc, err)
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(resp.Body)
	}

	b, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		te := classifyError(err)
		if enc != "" && te.Kind == KindConnectionFailed {
			return nil, decodeError(enc, err)
		}
		return nil, te
	}
	return b, nil
}

func decodeError(enc string, err error) *TransportError {
	return &TransportError{Kind: KindDecode, Detail: fmt.Sprintf("decode %s body: %v", enc, err), err: err}
}
