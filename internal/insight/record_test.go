package insight

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupFramework(t *testing.T) {
	tests := []struct {
		name       string
		wantFields []string
		wantErr    bool
	}{
		{name: "faint", wantFields: []string{"funds", "authority", "interest", "need", "timing"}},
		{name: "bant", wantFields: []string{"budget", "authority", "need", "timing"}},
		{name: "spin", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fw, err := LookupFramework(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownFramework)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFields, fw.Fields)
			for _, f := range fw.Fields {
				assert.NotEmpty(t, fw.Descriptions[f], "field %s has no description", f)
			}
		})
	}
}

func TestNewRecordStartsNotIdentified(t *testing.T) {
	fw, err := LookupFramework("faint")
	require.NoError(t, err)

	rec := NewRecord(fw)
	assert.Equal(t, "faint", rec.Framework)
	assert.Len(t, rec.Qualification, 5)
	for field, value := range rec.Qualification {
		assert.Equal(t, NotIdentified, value, "field %s", field)
	}
	assert.NotNil(t, rec.Summary)
	assert.Empty(t, rec.Summary)
}

func TestRecordCloneIsIndependent(t *testing.T) {
	fw, _ := LookupFramework("bant")
	rec := NewRecord(fw)
	rec.Summary = append(rec.Summary, "first")
	rec.Concerns = append(rec.Concerns, Concern{Issue: "price", Strategy: "show ROI"})

	clone := rec.Clone()
	clone.Summary = append(clone.Summary, "second")
	clone.Summary[0] = "changed"
	clone.Qualification["budget"] = "50k"
	clone.Concerns[0].Issue = "other"

	assert.Equal(t, []string{"first"}, rec.Summary)
	assert.Equal(t, NotIdentified, rec.Qualification["budget"])
	assert.Equal(t, "price", rec.Concerns[0].Issue)
}

func TestNormalizeFillsMissingFields(t *testing.T) {
	fw, _ := LookupFramework("faint")
	rec := &Record{Qualification: map[string]string{"funds": "2M"}}

	rec.normalize(fw)

	assert.Equal(t, "2M", rec.Qualification["funds"])
	assert.Equal(t, NotIdentified, rec.Qualification["timing"])
	assert.Equal(t, "faint", rec.Framework)
	assert.NotNil(t, rec.Reminders)
}
