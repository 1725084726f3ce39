// Package filter selects decisions for display.
//
// A filter combines up to four criteria, all of which must match:
//
//   - project: exact project label ("Uncategorized" selects events without one)
//   - search: case-insensitive substring of the endpoint or payload
//   - endpoint: doublestar glob over the endpoint path, e.g. "/api/**"
//   - expr: an expr-lang boolean expression over the decision fields
//
// Expression fields: requestId, endpoint, payload, project, source, phase,
// trigger, attempts, remainingMs, ageMs.
package filter

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"golang.org/x/text/cases"

	"github.com/zyuc/mockbroker/pkg/decision"
)

// ErrInvalidGlob is returned for a malformed endpoint pattern.
var ErrInvalidGlob = errors.New("invalid endpoint pattern")

// Criteria are the raw filter inputs. Empty fields match everything.
type Criteria struct {
	Project  string `json:"project,omitempty"`
	Search   string `json:"search,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Expr     string `json:"expr,omitempty"`
}

// IsZero reports whether no criterion is set.
func (c Criteria) IsZero() bool {
	return c == Criteria{}
}

// Env is the environment seen by filter expressions.
type Env struct {
	RequestID   string `expr:"requestId"`
	Endpoint    string `expr:"endpoint"`
	Payload     string `expr:"payload"`
	Project     string `expr:"project"`
	Source      string `expr:"source"`
	Phase       string `expr:"phase"`
	Trigger     string `expr:"trigger"`
	Attempts    int    `expr:"attempts"`
	RemainingMs int64  `expr:"remainingMs"`
	AgeMs       int64  `expr:"ageMs"`
}

// Filter is a compiled set of criteria. It is safe for concurrent use.
type Filter struct {
	criteria Criteria
	search   string
	program  *vm.Program
	now      func() time.Time
}

var folder = cases.Fold()

// Compile validates c and prepares it for matching.
func Compile(c Criteria) (*Filter, error) {
	c.Project = strings.TrimSpace(c.Project)
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.Expr = strings.TrimSpace(c.Expr)

	f := &Filter{criteria: c, now: time.Now}
	if c.Search != "" {
		f.search = folder.String(c.Search)
	}
	if c.Endpoint != "" && !doublestar.ValidatePattern(c.Endpoint) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGlob, c.Endpoint)
	}
	if c.Expr != "" {
		program, err := expr.Compile(c.Expr, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", c.Expr, err)
		}
		f.program = program
	}
	return f, nil
}

// Criteria returns the normalized criteria.
func (f *Filter) Criteria() Criteria {
	return f.criteria
}

// Match reports whether s satisfies every criterion. Expression errors count
// as a mismatch.
func (f *Filter) Match(s decision.Snapshot) bool {
	if f.criteria.Project != "" && s.Project != f.criteria.Project {
		return false
	}
	if f.search != "" &&
		!strings.Contains(folder.String(s.Endpoint), f.search) &&
		!strings.Contains(folder.String(s.Payload), f.search) {
		return false
	}
	if f.criteria.Endpoint != "" {
		ok, err := doublestar.Match(f.criteria.Endpoint, s.Endpoint)
		if err != nil || !ok {
			return false
		}
	}
	if f.program != nil {
		out, err := expr.Run(f.program, f.env(s))
		if err != nil {
			return false
		}
		if ok, _ := out.(bool); !ok {
			return false
		}
	}
	return true
}

// Apply returns the snapshots that match, preserving order.
func (f *Filter) Apply(in []decision.Snapshot) []decision.Snapshot {
	out := make([]decision.Snapshot, 0, len(in))
	for _, s := range in {
		if f.Match(s) {
			out = append(out, s)
		}
	}
	return out
}

func (f *Filter) env(s decision.Snapshot) Env {
	var age int64
	if !s.ReceivedAt.IsZero() {
		age = f.now().Sub(s.ReceivedAt).Milliseconds()
	}
	return Env{
		RequestID:   s.RequestID,
		Endpoint:    s.Endpoint,
		Payload:     s.Payload,
		Project:     s.Project,
		Source:      s.Source.String(),
		Phase:       s.Phase.String(),
		Trigger:     string(s.Trigger),
		Attempts:    s.Attempts,
		RemainingMs: s.RemainingMs,
		AgeMs:       age,
	}
}

// Projects returns the sorted distinct project labels in list.
func Projects(list []decision.Snapshot) []string {
	out := make([]string, 0)
	for _, s := range list {
		if !slices.Contains(out, s.Project) {
			out = append(out, s.Project)
		}
	}
	slices.Sort(out)
	return out
}
