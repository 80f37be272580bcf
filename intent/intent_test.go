package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmed/bioquery/catalog"
)

func TestSlotValueValues(t *testing.T) {
	assert.Equal(t, []string{"x"}, String("x").Values())
	assert.Equal(t, []string{"a", "b"}, Strings("a", "b").Values())
	assert.Nil(t, SlotValue{}.Values())
}

func TestSlotValueIsZero(t *testing.T) {
	assert.True(t, SlotValue{}.IsZero())
	assert.False(t, String("x").IsZero())
	assert.False(t, Strings().IsZero())
}

func TestSetIfUnsetFirstWriterWins(t *testing.T) {
	s := make(Slots)

	require.True(t, s.SetIfUnset("condition", String("asthma")))
	// A later writer never overwrites the earlier binding.
	require.False(t, s.SetIfUnset("condition", String("cancer")))
	assert.Equal(t, "asthma", s["condition"].Scalar)

	// Zero values are not written at all.
	require.False(t, s.SetIfUnset("drug", SlotValue{}))
	_, ok := s["drug"]
	assert.False(t, ok)
}

func TestSlotsCloneIsDeep(t *testing.T) {
	s := Slots{"genes": Strings("TP53", "BRCA1")}
	c := s.Clone()

	c["genes"].List[0] = "MUTATED"
	assert.Equal(t, "TP53", s["genes"].List[0])

	c["extra"] = String("x")
	_, ok := s["extra"]
	assert.False(t, ok)
}

func TestIntentCloneIsDeep(t *testing.T) {
	in := New("expression-atlas")
	in.Task = catalog.TaskExperimentGenes
	in.Graphs = []string{"atlas"}
	in.Slots["experiment_id"] = String("E-GEOD-76")

	c := in.Clone()
	c.Slots["experiment_id"] = String("E-MTAB-1")
	c.Graphs[0] = "ontology"
	c.Notes = append(c.Notes, "changed")

	assert.Equal(t, "E-GEOD-76", in.Slots["experiment_id"].Scalar)
	assert.Equal(t, "atlas", in.Graphs[0])
	assert.Empty(t, in.Notes)
}

func TestMissingSlots(t *testing.T) {
	task := &catalog.Task{
		Kind: catalog.TaskExperimentGenes,
		Slots: []catalog.SlotDef{
			{Name: "experiment_id", Required: true},
			{Name: "direction"},
			{Name: "contrast", Required: true},
		},
	}

	in := New("p")
	assert.Equal(t, []string{"experiment_id", "contrast"}, in.MissingSlots(task))

	in.Slots["experiment_id"] = String("E-GEOD-76")
	assert.Equal(t, []string{"contrast"}, in.MissingSlots(task))

	in.Slots["contrast"] = String("g1_g2")
	assert.Empty(t, in.MissingSlots(task))
}

func TestSlotsNamesSorted(t *testing.T) {
	s := Slots{"z": String("1"), "a": String("2"), "m": String("3")}
	assert.Equal(t, []string{"a", "m", "z"}, s.Names())
}
