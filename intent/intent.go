// Package intent defines the classified intent value and the deterministic
// classification and slot-extraction passes that produce it.
package intent

import (
	"sort"

	"github.com/graphmed/bioquery/catalog"
)

// SlotValue holds either a scalar string or an ordered list of strings.
// Exactly one of Scalar and List is set.
type SlotValue struct {
	Scalar string   `json:"scalar,omitempty"`
	List   []string `json:"list,omitempty"`
}

// String makes a scalar slot value.
func String(s string) SlotValue { return SlotValue{Scalar: s} }

// Strings makes a list slot value.
func Strings(vals ...string) SlotValue { return SlotValue{List: vals} }

// IsList reports whether the value is a list.
func (v SlotValue) IsList() bool { return v.List != nil }

// IsZero reports whether the value is unset.
func (v SlotValue) IsZero() bool { return v.Scalar == "" && v.List == nil }

// Values returns the value as a slice: the list itself, or a one-element
// slice wrapping the scalar.
func (v SlotValue) Values() []string {
	if v.List != nil {
		return v.List
	}
	if v.Scalar == "" {
		return nil
	}
	return []string{v.Scalar}
}

// Slots maps slot names to values.
type Slots map[string]SlotValue

// SetIfUnset writes a value only if the slot is not already set.
// First-writer-wins: explicit user values are never clobbered by heuristics.
func (s Slots) SetIfUnset(name string, v SlotValue) bool {
	if existing, ok := s[name]; ok && !existing.IsZero() {
		return false
	}
	if v.IsZero() {
		return false
	}
	s[name] = v
	return true
}

// Clone returns a deep copy.
func (s Slots) Clone() Slots {
	out := make(Slots, len(s))
	for k, v := range s {
		if v.List != nil {
			list := make([]string, len(v.List))
			copy(list, v.List)
			v.List = list
		}
		out[k] = v
	}
	return out
}

// Names returns the set slot names in sorted order.
func (s Slots) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Intent is the classified task plus its resolved parameters for one query
// operation. Intents are treated as immutable once handed to compilation:
// refinement and slot binding produce new values via Clone, never mutation
// of a shared instance.
type Intent struct {
	Task       catalog.TaskKind  `json:"task"`
	Pack       string            `json:"pack"`
	Mode       catalog.GraphMode `json:"mode"`
	Graphs     []string          `json:"graphs"`
	Slots      Slots             `json:"slots"`
	Confidence float64           `json:"confidence"`
	// Notes carries free-text provenance: which rule matched, whether the
	// classifier fell back, whether refinement was degraded.
	Notes []string `json:"notes,omitempty"`
}

// New returns an empty intent for a pack.
func New(pack string) Intent {
	return Intent{Pack: pack, Slots: make(Slots)}
}

// Clone returns a deep copy of the intent.
func (in Intent) Clone() Intent {
	out := in
	out.Slots = in.Slots.Clone()
	out.Graphs = append([]string(nil), in.Graphs...)
	out.Notes = append([]string(nil), in.Notes...)
	return out
}

// WithNote returns a copy carrying an extra provenance note.
func (in Intent) WithNote(note string) Intent {
	out := in.Clone()
	out.Notes = append(out.Notes, note)
	return out
}

// MissingSlots returns the required slots of the task declaration that are
// not bound on this intent.
func (in Intent) MissingSlots(task *catalog.Task) []string {
	var missing []string
	for _, def := range task.Slots {
		if !def.Required {
			continue
		}
		if v, ok := in.Slots[def.Name]; !ok || v.IsZero() {
			missing = append(missing, def.Name)
		}
	}
	return missing
}
