package harness

import "github.com/roach88/objgraph/internal/attr"

// Step outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

// TraceEvent records what one step produced.
type TraceEvent struct {
	Step      string   `json:"step"`
	Seq       int64    `json:"seq"`
	Outcome   string   `json:"outcome"`
	Inserted  []string `json:"inserted,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Deleted   []string `json:"deleted,omitempty"`
	Discarded []string `json:"discarded,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// canonical converts the event into an attribute map so it serializes
// canonically. Empty lists are omitted.
func (e TraceEvent) canonical() attr.Map {
	m := attr.Map{
		"step":    attr.String(e.Step),
		"seq":     attr.Int(e.Seq),
		"outcome": attr.String(e.Outcome),
	}
	for key, ids := range map[string][]string{
		"inserted":  e.Inserted,
		"updated":   e.Updated,
		"deleted":   e.Deleted,
		"discarded": e.Discarded,
	} {
		if len(ids) == 0 {
			continue
		}
		list := make(attr.List, len(ids))
		for i, id := range ids {
			list[i] = attr.String(id)
		}
		m[key] = list
	}
	if e.Error != "" {
		m["error"] = attr.String(e.Error)
	}
	return m
}
