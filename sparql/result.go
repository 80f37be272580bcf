// Package sparql implements the SPARQL side of the pipeline: the result
// data model, the per-task template compiler, and the federated execution
// client.
package sparql

import (
	"encoding/json"
	"fmt"
)

// Result is a SPARQL 1.1 JSON query result: an ordered variable list and an
// ordered list of bindings. Rows are opaque to the executor except for named
// field extraction; row order is whatever the endpoint returned.
type Result struct {
	Head    Head       `json:"head"`
	Results BindingSet `json:"results"`
}

// Head lists the projected variable names in order.
type Head struct {
	Vars []string `json:"vars"`
}

// BindingSet holds the result rows.
type BindingSet struct {
	Bindings []Binding `json:"bindings"`
}

// Binding maps a variable name to its bound term in one row.
type Binding map[string]Term

// Term is one RDF term in a binding.
type Term struct {
	// Type is "uri", "literal", or "bnode".
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

// ParseResult decodes a SPARQL JSON results document.
func ParseResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse sparql results: %w", err)
	}
	return &r, nil
}

// Len returns the number of result rows.
func (r *Result) Len() int {
	return len(r.Results.Bindings)
}

// HasVar reports whether the result projects the named variable.
func (r *Result) HasVar(name string) bool {
	for _, v := range r.Head.Vars {
		if v == name {
			return true
		}
	}
	return false
}

// Values collects every bound value of the named variable across all rows,
// deduplicated, preserving first-seen order. Used by the step executor to
// build placeholder substitutions for downstream steps.
func (r *Result) Values(name string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range r.Results.Bindings {
		term, ok := b[name]
		if !ok || term.Value == "" {
			continue
		}
		if seen[term.Value] {
			continue
		}
		seen[term.Value] = true
		out = append(out, term.Value)
	}
	return out
}
