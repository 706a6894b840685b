package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroqc-norm-server/internal/domain"
)

func assessedSubject(id string, rowIndex int) *domain.ProcessedSubject {
	return &domain.ProcessedSubject{
		Subject: domain.SubjectInfo{
			SubjectID: id,
			Session:   "ses-01",
			ScanType:  domain.ScanT1w,
			Age:       domain.Float64(25),
		},
		RawMetrics: &domain.Metrics{
			SNR: domain.Float64(12.5),
			CNR: domain.Float64(3.8),
		},
		Normalized: &domain.NormalizedMetrics{
			Dataset:  "builtin-v1",
			AgeGroup: "young_adult",
			Entries: map[string]domain.NormalizedEntry{
				"snr": {Percentile: 59.87, ZScore: 0.25},
			},
		},
		Assessment: &domain.QualityAssessment{
			Overall:         domain.VerdictPass,
			Composite:       100,
			Confidence:      0.95,
			Flags:           []string{"low_snr", "review"},
			Recommendations: []string{"verify protocol, then rescan"},
		},
		RowIndex: rowIndex,
	}
}

func parseCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return records
}

func TestCSVHeaderColumnOrder(t *testing.T) {
	cols := csvHeader(FullCSV())

	vocab := len(domain.Vocabulary())
	require.Len(t, cols, 5+vocab+2*vocab+5)

	assert.Equal(t, []string{"subject_id", "session", "scan_type", "age", "age_group"}, cols[:5])
	assert.Equal(t, "snr", cols[5], "raw block starts in vocabulary order")
	assert.Equal(t, "percentile_snr", cols[5+vocab], "percentile block follows raw block")
	assert.Equal(t, "z_snr", cols[5+2*vocab], "z block follows percentile block")
	assert.Equal(t, []string{"overall", "composite", "confidence", "flags", "recommendations"}, cols[len(cols)-5:])
}

func TestCSVBlockFilters(t *testing.T) {
	vocab := len(domain.Vocabulary())

	tests := []struct {
		name string
		opts CSVOptions
		want int
	}{
		{name: "identity only", opts: CSVOptions{}, want: 5},
		{name: "raw only", opts: CSVOptions{IncludeRaw: true}, want: 5 + vocab},
		{name: "normalized only", opts: CSVOptions{IncludeNormalized: true}, want: 5 + 2*vocab},
		{name: "assessment only", opts: CSVOptions{IncludeAssessment: true}, want: 10},
		{name: "all blocks", opts: FullCSV(), want: 5 + 3*vocab + 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := CSVBytes([]*domain.ProcessedSubject{assessedSubject("sub-001", 0)}, tt.opts)
			require.NoError(t, err)
			records := parseCSV(t, data)
			require.Len(t, records, 2)
			assert.Len(t, records[0], tt.want)
			assert.Len(t, records[1], tt.want)
		})
	}
}

func TestCSVRowValues(t *testing.T) {
	data, err := CSVBytes([]*domain.ProcessedSubject{assessedSubject("sub-001", 0)}, FullCSV())
	require.NoError(t, err)

	records := parseCSV(t, data)
	require.Len(t, records, 2)
	header, row := records[0], records[1]

	byName := make(map[string]string, len(header))
	for i, col := range header {
		byName[col] = row[i]
	}

	assert.Equal(t, "sub-001", byName["subject_id"])
	assert.Equal(t, "ses-01", byName["session"])
	assert.Equal(t, "T1w", byName["scan_type"])
	assert.Equal(t, "25", byName["age"])
	assert.Equal(t, "young_adult", byName["age_group"])
	assert.Equal(t, "12.5", byName["snr"])
	assert.Equal(t, "3.8", byName["cnr"])
	assert.Equal(t, "", byName["fber"], "absent metric is an empty cell")
	assert.Equal(t, "59.87", byName["percentile_snr"])
	assert.Equal(t, "0.25", byName["z_snr"])
	assert.Equal(t, "", byName["percentile_cnr"], "raw value without a norm stays empty")
	assert.Equal(t, "pass", byName["overall"])
	assert.Equal(t, "100", byName["composite"])
	assert.Equal(t, "0.95", byName["confidence"])
	assert.Equal(t, "low_snr; review", byName["flags"])
	assert.Equal(t, "verify protocol, then rescan", byName["recommendations"])
}

func TestCSVMissingBlocksSerializeEmpty(t *testing.T) {
	bare := &domain.ProcessedSubject{
		Subject:    domain.SubjectInfo{SubjectID: "sub-002", ScanType: domain.ScanT1w},
		RawMetrics: &domain.Metrics{},
	}

	data, err := CSVBytes([]*domain.ProcessedSubject{bare}, FullCSV())
	require.NoError(t, err)

	records := parseCSV(t, data)
	require.Len(t, records, 2)
	row := records[1]

	assert.Equal(t, "sub-002", row[0])
	assert.Equal(t, "", row[1], "no session")
	assert.Equal(t, "", row[3], "no age")
	assert.Equal(t, "", row[4], "no normalization, no group")
	for i, cell := range row[5:] {
		assert.Empty(t, cell, "column %d", i+5)
	}
}

func TestCSVQuotingAndNewlines(t *testing.T) {
	data, err := CSVBytes([]*domain.ProcessedSubject{assessedSubject("sub-001", 0)}, FullCSV())
	require.NoError(t, err)

	text := string(data)
	assert.Contains(t, text, `"verify protocol, then rescan"`, "comma cell is quoted")
	assert.NotContains(t, text, "\r\n")
	assert.True(t, strings.HasSuffix(text, "\n"))
}

func TestCSVDeterministicAndOrdered(t *testing.T) {
	subjects := []*domain.ProcessedSubject{
		assessedSubject("sub-003", 0),
		assessedSubject("sub-001", 1),
		assessedSubject("sub-002", 2),
	}

	first, err := CSVBytes(subjects, FullCSV())
	require.NoError(t, err)
	second, err := CSVBytes(subjects, FullCSV())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second), "identical inputs give identical bytes")

	records := parseCSV(t, first)
	require.Len(t, records, 4)
	assert.Equal(t, "sub-003", records[1][0], "rows stay in batch order")
	assert.Equal(t, "sub-001", records[2][0])
	assert.Equal(t, "sub-002", records[3][0])
}
