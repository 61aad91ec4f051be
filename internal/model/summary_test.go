package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryMerge_KeepsEarlierStages(t *testing.T) {
	var s Summary
	s.Merge(NameCheck{FileName: "12_LibroMayor_202401.xlsx", ClientID: 12, Period: "202401"})
	s.Merge(ParseOutcome{MovementsCreated: 40, Processing: ProcessingSummary{RowsProcessed: 52, OpeningsCreated: 3}})
	s.Merge(DetectionOutcome{Counts: IncidenceCounts{Total: 2, ByType: map[IncidenceType]int{IncidenceMissingClassification: 2}}})

	require.NotNil(t, s.MovementsCreated)
	require.NotNil(t, s.IncidencesCreated)
	assert.Equal(t, 40, *s.MovementsCreated)
	assert.Equal(t, 2, *s.IncidencesCreated)
	assert.Equal(t, 3, s.Processing.OpeningsCreated)
	assert.Equal(t, "202401", s.Validation.Period)
	assert.Equal(t, SummaryVersion, s.Version)
	assert.ElementsMatch(t, []string{
		"version", "validation", "movements_created", "processing", "incidences_created", "incidences",
	}, s.Keys())
}

func TestSummaryKeys_Sorted(t *testing.T) {
	var s Summary
	s.Merge(DetectionOutcome{Counts: IncidenceCounts{Total: 1}})
	s.Merge(FileCheck{SizeBytes: 10})
	s.Merge(ParseOutcome{MovementsCreated: 3})

	for i := 0; i < 10; i++ {
		assert.Equal(t, []string{
			"file", "incidences", "incidences_created", "movements_created", "processing", "version",
		}, s.Keys())
	}
}

func TestSummaryMerge_SameStageOverwritesOnlyItsKeys(t *testing.T) {
	var s Summary
	s.Merge(ParseOutcome{MovementsCreated: 10})
	s.Merge(DetectionOutcome{Counts: IncidenceCounts{Total: 1}})
	s.Merge(ParseOutcome{MovementsCreated: 12})

	assert.Equal(t, 12, *s.MovementsCreated)
	assert.Equal(t, 1, *s.IncidencesCreated)
}

func TestSummaryJSON_PreservesUnknownKeys(t *testing.T) {
	raw := `{"version":1,"movements_created":5,"legacy_counter":{"a":1}}`

	var s Summary
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	s.Merge(DetectionOutcome{Counts: IncidenceCounts{Total: 0, Balanced: true}})

	out, err := json.Marshal(s)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.JSONEq(t, `{"a":1}`, string(m["legacy_counter"]))
	assert.JSONEq(t, `5`, string(m["movements_created"]))
	assert.JSONEq(t, `0`, string(m["incidences_created"]))
}

func TestSummaryClone_IsIndependent(t *testing.T) {
	var s Summary
	s.Merge(ParseOutcome{MovementsCreated: 3})
	c := s.Clone()
	*c.MovementsCreated = 99
	assert.Equal(t, 3, *s.MovementsCreated)
}

func TestStateOrder(t *testing.T) {
	next, ok := StatePending.Next()
	require.True(t, ok)
	assert.Equal(t, StateNameValidated, next)

	_, ok = StateFinalized.Next()
	assert.False(t, ok)
	_, ok = StateError.Next()
	assert.False(t, ok)

	prev, ok := StateFinalized.Previous()
	require.True(t, ok)
	assert.Equal(t, StateIncidencesGenerated, prev)

	assert.True(t, StateParsed.AtLeast(StateFileVerified))
	assert.False(t, StateFileVerified.AtLeast(StateParsed))
	assert.False(t, StateError.AtLeast(StatePending))
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("202402")
	require.NoError(t, err)
	assert.Equal(t, "202402", p.String())
	assert.True(t, p.Contains(p.Start()))
	assert.False(t, p.Contains(p.End()))

	_, err = ParsePeriod("202413")
	assert.Error(t, err)
	_, err = ParsePeriod("2024")
	assert.Error(t, err)
}
