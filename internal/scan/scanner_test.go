package scan

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdh8316/rhino/internal/data"
	"github.com/tdh8316/rhino/internal/httpx"
)

type senderFunc func(ctx context.Context, req httpx.Request) (*httpx.Response, error)

func (f senderFunc) Send(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
	return f(ctx, req)
}

func site(id, tmpl string) data.SiteDefinition {
	return data.SiteDefinition{
		ID:              id,
		DisplayName:     strings.ToUpper(id[:1]) + id[1:],
		URLTemplate:     tmpl,
		Method:          http.MethodGet,
		Presence:        data.Signal{Codes: []int{200}, Markers: []string{"profile of"}},
		Absence:         data.Signal{Codes: []int{404}},
		FollowRedirects: true,
	}
}

func collect(t *testing.T, s *Scanner, rc *RunContext) map[string]ProbeResult {
	t.Helper()
	out := map[string]ProbeResult{}
	require.NoError(t, s.ScanUsername(context.Background(), rc, func(r ProbeResult) {
		out[r.SiteID] = r
	}))
	return out
}

func TestNewRunContext(t *testing.T) {
	_, err := NewRunContext("alice", nil)
	assert.Equal(t, data.ErrDataset, errors.Cause(err))

	_, err = NewRunContext("  ", []data.SiteDefinition{site("a", "https://a/{account}")})
	assert.Error(t, err)

	rc, err := NewRunContext("alice", []data.SiteDefinition{site("a", "https://a/{account}")})
	require.NoError(t, err)
	assert.NotEmpty(t, rc.ID)
	assert.False(t, rc.Cancelled())

	rc.Cancel()
	rc.Cancel()
	assert.True(t, rc.Cancelled())
	select {
	case <-rc.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

// Three sites: a profile page, a 404 and a host that never answers in time.
func TestScanFoundNotFoundError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/found/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "<html><h1>Profile of alice</h1></html>")
	})
	mux.HandleFunc("/missing/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/slow/", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr, err := httpx.NewTransport(httpx.Config{
		Timeout:        100 * time.Millisecond,
		RetryJitterMin: time.Millisecond,
		RetryJitterMax: 2 * time.Millisecond,
	})
	require.NoError(t, err)

	rc, err := NewRunContext("alice", []data.SiteDefinition{
		site("found", srv.URL+"/found/{account}"),
		site("missing", srv.URL+"/missing/{account}"),
		site("slow", srv.URL+"/slow/{account}"),
	})
	require.NoError(t, err)

	results := collect(t, NewScanner(tr, nil, Config{Concurrency: 3}), rc)
	require.Len(t, results, 3)

	found := results["found"]
	assert.Equal(t, VerdictFound, found.Verdict)
	require.NotNil(t, found.HTTPStatus)
	assert.Equal(t, 200, *found.HTTPStatus)
	assert.Equal(t, srv.URL+"/found/alice", found.ResolvedURL)

	assert.Equal(t, VerdictNotFound, results["missing"].Verdict)

	slow := results["slow"]
	assert.Equal(t, VerdictError, slow.Verdict)
	assert.Nil(t, slow.HTTPStatus)
	assert.Contains(t, slow.ErrorDetail, string(httpx.KindTimeout))
}

// Two sites on one host must be paced by the host interval.
func TestScanPacesSharedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "profile of bob")
	}))
	defer srv.Close()

	tr, err := httpx.NewTransport(httpx.Config{Limiter: httpx.LimiterConfig{BaseInterval: 500 * time.Millisecond}})
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		starts []time.Time
	)
	rec := senderFunc(func(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
		resp, err := tr.Send(ctx, req)
		if err == nil {
			mu.Lock()
			starts = append(starts, resp.StartedAt)
			mu.Unlock()
		}
		return resp, err
	})

	rc, err := NewRunContext("bob", []data.SiteDefinition{
		site("one", srv.URL+"/one/{account}"),
		site("two", srv.URL+"/two/{account}"),
	})
	require.NoError(t, err)

	results := collect(t, NewScanner(rec, nil, Config{Concurrency: 8}), rc)
	assert.Len(t, results, 2)

	require.Len(t, starts, 2)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	assert.GreaterOrEqual(t, starts[1].Sub(starts[0]), 500*time.Millisecond)
}

func TestScanCancellationStopsNewProbes(t *testing.T) {
	const workers = 4

	var started atomic.Int32
	sender := senderFunc(func(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
		started.Add(1)
		time.Sleep(5 * time.Millisecond)
		return &httpx.Response{Status: 200, Body: []byte("profile of x")}, nil
	})

	sites := make([]data.SiteDefinition, 200)
	for i := range sites {
		sites[i] = site(fmt.Sprintf("s%03d", i), fmt.Sprintf("https://s%03d.example/{account}", i))
	}
	rc, err := NewRunContext("x", sites)
	require.NoError(t, err)

	s := NewScanner(sender, nil, Config{Concurrency: workers})
	results := s.Run(context.Background(), rc)

	received := 0
	var startedAtCancel int32
	for range results {
		received++
		if received == 10 {
			rc.Cancel()
			startedAtCancel = started.Load()
			break
		}
	}
	afterCancel := 0
	for range results {
		afterCancel++
	}

	// Buffered results plus workers already blocked on send.
	assert.LessOrEqual(t, afterCancel, 2*workers)
	assert.LessOrEqual(t, started.Load(), startedAtCancel+workers)
	assert.Less(t, int(started.Load()), len(sites))
}

func TestScanContextCancelMarksRun(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
		time.Sleep(2 * time.Millisecond)
		return &httpx.Response{Status: 404}, nil
	})
	sites := make([]data.SiteDefinition, 100)
	for i := range sites {
		sites[i] = site(fmt.Sprintf("s%03d", i), "https://h.example/{account}")
	}
	rc, err := NewRunContext("x", sites)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	n := 0
	err = NewScanner(sender, nil, Config{Concurrency: 2}).ScanUsername(ctx, rc, func(ProbeResult) { n++ })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, rc.Cancelled())
	assert.Less(t, n, len(sites))
}

func TestInvestigateRecoversPanic(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
		if strings.Contains(req.URL, "boom") {
			panic("kaboom")
		}
		return &httpx.Response{Status: 404}, nil
	})

	rc, err := NewRunContext("x", []data.SiteDefinition{
		site("boom", "https://boom.example/{account}"),
		site("fine", "https://fine.example/{account}"),
	})
	require.NoError(t, err)

	results := collect(t, NewScanner(sender, nil, Config{}), rc)
	require.Len(t, results, 2)
	assert.Equal(t, VerdictError, results["boom"].Verdict)
	assert.Contains(t, results["boom"].ErrorDetail, "kaboom")
	assert.Equal(t, VerdictNotFound, results["fine"].Verdict)
}

func TestInvestigateRegexCheck(t *testing.T) {
	var calls atomic.Int32
	sender := senderFunc(func(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
		calls.Add(1)
		return &httpx.Response{Status: 200, Body: []byte("profile of")}, nil
	})
	s := NewScanner(sender, nil, Config{})

	sd := site("strict", "https://strict.example/{account}")
	sd.RegexCheck = `^[a-z]{3,8}$`

	res := s.Investigate(context.Background(), "run", "Not_Valid!", sd)
	assert.Equal(t, VerdictNotFound, res.Verdict)
	assert.EqualValues(t, 0, calls.Load())

	res = s.Investigate(context.Background(), "run", "alice", sd)
	assert.Equal(t, VerdictFound, res.Verdict)
	assert.EqualValues(t, 1, calls.Load())

	sd.ID = "broken"
	sd.RegexCheck = `(`
	res = s.Investigate(context.Background(), "run", "alice", sd)
	assert.Equal(t, VerdictError, res.Verdict)
	assert.Contains(t, res.ErrorDetail, "invalid regexCheck")
}

type stubEnricher struct{ calls atomic.Int32 }

func (e *stubEnricher) Enrich(ctx context.Context, res ProbeResult, body []byte) ProbeResult {
	e.calls.Add(1)
	res.Enrichment = &Enrichment{CreatedAt: "2020-01-01"}
	return res
}

func TestInvestigateEnrichesPositiveOnly(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
		switch {
		case strings.Contains(req.URL, "hit"):
			return &httpx.Response{Status: 200, Body: []byte("profile of x")}, nil
		case strings.Contains(req.URL, "maybe"):
			return &httpx.Response{Status: 200, Body: []byte("hello")}, nil
		}
		return &httpx.Response{Status: 404}, nil
	})
	enr := &stubEnricher{}
	s := NewScanner(sender, enr, Config{})

	hit := s.Investigate(context.Background(), "run", "x", site("hit", "https://hit.example/{account}"))
	maybe := s.Investigate(context.Background(), "run", "x", site("maybe", "https://maybe.example/{account}"))
	miss := s.Investigate(context.Background(), "run", "x", site("miss", "https://miss.example/{account}"))

	assert.Equal(t, VerdictFound, hit.Verdict)
	assert.NotNil(t, hit.Enrichment)
	assert.Equal(t, VerdictUnsure, maybe.Verdict)
	assert.NotNil(t, maybe.Enrichment)
	assert.Equal(t, VerdictNotFound, miss.Verdict)
	assert.Nil(t, miss.Enrichment)
	assert.EqualValues(t, 2, enr.calls.Load())
}

func TestValidateSites(t *testing.T) {
	sender := senderFunc(func(ctx context.Context, req httpx.Request) (*httpx.Response, error) {
		if strings.HasSuffix(req.URL, "/octocat") {
			return &httpx.Response{Status: 200, Body: []byte("profile of octocat")}, nil
		}
		if strings.Contains(req.URL, "liar.example") {
			return &httpx.Response{Status: 200, Body: []byte("profile of anyone")}, nil
		}
		return &httpx.Response{Status: 404}, nil
	})

	good := site("good", "https://good.example/{account}")
	good.Known = []string{"octocat"}
	liar := site("liar", "https://liar.example/{account}")
	liar.Known = []string{"octocat"}
	unknown := site("unknown", "https://unknown.example/{account}")

	var failed []string
	var mu sync.Mutex
	n, err := NewScanner(sender, nil, Config{}).ValidateSites(context.Background(),
		[]data.SiteDefinition{good, liar, unknown},
		func(f ValidationFailure) {
			mu.Lock()
			failed = append(failed, f.Site)
			mu.Unlock()
		})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"liar", "unknown"}, failed)
}
