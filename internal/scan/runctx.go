package scan

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tdh8316/rhino/internal/data"
)

// Counts is a snapshot of per-verdict totals.
type Counts struct {
	Found    int `json:"found"`
	Unsure   int `json:"unsure"`
	NotFound int `json:"not_found"`
	Error    int `json:"error"`
}

func (c Counts) Total() int { return c.Found + c.Unsure + c.NotFound + c.Error }

// RunContext is the state of one username scan.
type RunContext struct {
	ID        string
	Username  string
	Sites     []data.SiteDefinition
	StartedAt time.Time

	found, unsure, notFound, errored atomic.Int64

	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once
}

// NewRunContext rejects an empty username and wraps an empty site list in data.ErrDataset.
func NewRunContext(username string, sites []data.SiteDefinition) (*RunContext, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("username is empty")
	}
	if len(sites) == 0 {
		return nil, errors.Wrap(data.ErrDataset, "no sites to probe")
	}
	return &RunContext{
		ID:        uuid.NewString(),
		Username:  username,
		Sites:     sites,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}, nil
}

// Cancel sets the cancellation flag. Safe to call more than once.
func (rc *RunContext) Cancel() {
	rc.once.Do(func() {
		rc.cancelled.Store(true)
		close(rc.done)
	})
}

func (rc *RunContext) Cancelled() bool { return rc.cancelled.Load() }

func (rc *RunContext) Done() <-chan struct{} { return rc.done }

// Record bumps the counter for v. Only the result aggregator calls it.
func (rc *RunContext) Record(v Verdict) {
	switch v {
	case VerdictFound:
		rc.found.Add(1)
	case VerdictUnsure:
		rc.unsure.Add(1)
	case VerdictNotFound:
		rc.notFound.Add(1)
	default:
		rc.errored.Add(1)
	}
}

func (rc *RunContext) Counts() Counts {
	return Counts{
		Found:    int(rc.found.Load()),
		Unsure:   int(rc.unsure.Load()),
		NotFound: int(rc.notFound.Load()),
		Error:    int(rc.errored.Load()),
	}
}
