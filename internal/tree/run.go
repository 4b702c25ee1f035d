package tree

import (
	"context"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zjrosen/pestle/internal/cachemanager"
	"github.com/zjrosen/pestle/internal/log"
)

// Status is a node's per-run state. It lives on the run projection only,
// never on the tree.
type Status string

const (
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusErrored Status = "errored"
)

// NodeResult is the projected outcome for one node within one run.
type NodeResult struct {
	Status     Status  `json:"status"`
	Duration   float64 `json:"duration"`
	Message    string  `json:"message,omitempty"`
	TargetFile string  `json:"targetFile,omitempty"`
	TargetLine int     `json:"targetLine,omitempty"`
}

// RunOptions configures one run projection.
type RunOptions struct {
	// Exclude lists nodes whose results are reporting-excluded. Excluded
	// tests still execute; their results are dropped with a warning.
	Exclude []NodeID
	// ReportSkipsWithMessage promotes skips that carry an explanatory
	// message to errored status so the message surfaces. A record's
	// explicit silent field always wins over this policy.
	ReportSkipsWithMessage bool
	// TTL bounds how long projected entries stay live. Zero applies the
	// cache default.
	TTL time.Duration
}

// Run projects result records from one run invocation onto tree nodes.
type Run struct {
	tree        *Tree
	exclude     map[NodeID]struct{}
	reportSkips bool
	ttl         time.Duration
	results     *cachemanager.InMemoryCacheManager[NodeID, NodeResult]
	started     time.Time
}

func NewRun(t *Tree, opts RunOptions) *Run {
	exclude := make(map[NodeID]struct{}, len(opts.Exclude))
	for _, id := range opts.Exclude {
		exclude[id] = struct{}{}
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = cachemanager.DefaultExpiration
	}
	return &Run{
		tree:        t,
		exclude:     exclude,
		reportSkips: opts.ReportSkipsWithMessage,
		ttl:         ttl,
		results:     cachemanager.NewInMemoryCacheManager[NodeID, NodeResult]("run-projection", ttl, cachemanager.DefaultCleanupInterval),
		started:     time.Now(),
	}
}

// Apply projects one result record. Records for containers without errors
// are ignored, excluded identifiers are dropped with a warning, and an
// identifier missing from the tree is a reported, non-fatal inconsistency.
func (r *Run) Apply(ctx context.Context, res RunResult) {
	if res.IsBlock() && res.Error == "" {
		return
	}
	if _, excluded := r.exclude[res.ID]; excluded {
		log.Warn(log.CatRun, "dropping result for excluded test", "id", res.ID, "result", res.Result)
		return
	}
	if _, ok := r.tree.Node(res.ID); !ok {
		log.Warn(log.CatRun, "result for unknown node", "id", res.ID, "result", res.Result)
		return
	}

	r.results.Set(ctx, res.ID, r.project(res), r.ttl)
}

func (r *Run) project(res RunResult) NodeResult {
	switch res.Result {
	case "Running":
		return NodeResult{Status: StatusRunning}
	case "Passed":
		return NodeResult{Status: StatusPassed, Duration: res.Duration}
	case "Failed":
		out := NodeResult{
			Status:     StatusFailed,
			Duration:   res.Duration,
			Message:    res.Message,
			TargetFile: res.TargetFile,
			TargetLine: res.TargetLine,
		}
		if res.Expected != "" && res.Actual != "" {
			out.Message = diffMessage(res.Message, res.Expected, res.Actual)
		} else if out.Message == "" {
			out.Message = res.Error
		}
		return out
	default:
		// Any other terminal state is a skip, silent or reported.
		silent := !(r.reportSkips && res.Message != "")
		if res.Silent != nil {
			silent = *res.Silent
		}
		if silent {
			return NodeResult{Status: StatusSkipped, Duration: res.Duration}
		}
		return NodeResult{Status: StatusErrored, Duration: res.Duration, Message: res.Message}
	}
}

// Result returns the projected outcome for one node.
func (r *Run) Result(ctx context.Context, id NodeID) (NodeResult, bool) {
	return r.results.Get(ctx, id)
}

// Results returns a snapshot of every projected outcome.
func (r *Run) Results() map[NodeID]NodeResult {
	return r.results.Items()
}

// Summary tallies one run's projected outcomes.
type Summary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Skipped  int     `json:"skipped"`
	Errored  int     `json:"errored"`
	Duration float64 `json:"duration"`
}

// Summarize tallies the projection. Nodes still marked running are counted
// in the total only.
func (r *Run) Summarize() Summary {
	var s Summary
	for _, res := range r.results.Items() {
		s.Total++
		s.Duration += res.Duration
		switch res.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusErrored:
			s.Errored++
		}
	}
	return s
}

// diffMessage renders a failed assertion with an inline character diff
// between the expected and actual payloads.
func diffMessage(message, expected, actual string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(expected, actual, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	if message != "" {
		b.WriteString(message)
		b.WriteString("\n")
	}
	b.WriteString("Expected: ")
	b.WriteString(expected)
	b.WriteString("\nActual:   ")
	b.WriteString(actual)
	b.WriteString("\nDiff:     ")
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-")
			b.WriteString(d.Text)
			b.WriteString("-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("[+")
			b.WriteString(d.Text)
			b.WriteString("+]")
		default:
			b.WriteString(d.Text)
		}
	}
	return b.String()
}
