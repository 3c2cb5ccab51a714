package typeflow

import (
	"go/token"

	"github.com/715d/typeflow/pkg/pointsto"
)

// Report is the outcome of one analysis run.
type Report struct {
	Policy    string           `json:"policy"`
	Roots     []string         `json:"roots"`
	Functions []FunctionReport `json:"functions"`
	// Recursive lists the groups of functions that call each other.
	Recursive [][]string     `json:"recursive,omitempty"`
	CallGraph []EdgeReport   `json:"call_graph,omitempty"`
	Stats     pointsto.Stats `json:"stats"`
}

// EdgeReport is one call-graph edge, merged over contexts and receiver
// types.
type EdgeReport struct {
	Caller   string         `json:"caller"`
	Callee   string         `json:"callee"`
	Position token.Position `json:"position"`
}

// FunctionReport holds the facts computed for one reached function,
// merged over its contexts.
type FunctionReport struct {
	Name     string         `json:"name"`
	Package  string         `json:"package"`
	Position token.Position `json:"position"`
	Contexts int            `json:"contexts"`
	Params   []ValueReport  `json:"params,omitempty"`
	Results  []ValueReport  `json:"results,omitempty"`
	Calls    []CallReport   `json:"calls,omitempty"`
}

// ValueReport is the type state of a parameter or result.
type ValueReport struct {
	Name     string   `json:"name"`
	Static   string   `json:"static"`
	Types    []string `json:"types"`
	Nullable bool     `json:"nullable"`
}

// Empty reports whether no value ever reaches the parameter or result.
func (v ValueReport) Empty() bool { return len(v.Types) == 0 && !v.Nullable }

// CallReport lists the resolved callees of a dynamic call site.
type CallReport struct {
	Position token.Position `json:"position"`
	Call     string         `json:"call"`
	Callees  []string       `json:"callees"`
	// NilReceiver is set when only nil reaches the receiver, so the call
	// always panics.
	NilReceiver bool `json:"nil_receiver,omitempty"`
	// Suppressed holds the reason of a suppression comment on the site.
	Suppressed string `json:"suppressed,omitempty"`
}

// Monomorphic reports whether the site has exactly one callee and can be
// devirtualized.
func (c CallReport) Monomorphic() bool { return len(c.Callees) == 1 }

// Function returns the report of the function called name, or nil.
func (r *Report) Function(name string) *FunctionReport {
	for i := range r.Functions {
		if r.Functions[i].Name == name {
			return &r.Functions[i]
		}
	}
	return nil
}

// NilCalls returns the call sites that always call through nil and carry
// no suppression comment.
func (r *Report) NilCalls() []CallReport {
	var out []CallReport
	for _, f := range r.Functions {
		for _, c := range f.Calls {
			if c.NilReceiver && c.Suppressed == "" {
				out = append(out, c)
			}
		}
	}
	return out
}
