package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckSubjectID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr string
	}{
		{"plain token", "sub-001", ""},
		{"underscores and case", "SUBJ_42_b", ""},
		{"max length", strings.Repeat("a", 50), ""},
		{"short digits", "sub-1234", ""},
		{"ssn shaped", "123-45-6789", "ssn"},
		{"ssn embedded", "sub-123-45-6789", "ssn"},
		{"date shaped", "01-02-1990", "date"},
		{"date with slashes", "01/02/1990", "date"},
		{"phone shaped", "555-123-4567", "phone"},
		{"bare ten digit run", "5551234567", "phone"},
		{"email shaped", "jane.doe@example.com", "email"},
		{"too long", strings.Repeat("a", 51), "must match"},
		{"empty", "", "must match"},
		{"illegal characters", "sub 001", "must match"},
		{"path characters", "sub/001", "must match"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckSubjectID(tt.id)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestExtractBIDS(t *testing.T) {
	tests := []struct {
		name        string
		wantSubject string
		wantSession string
	}{
		{"sub-001_ses-02_T1w", "sub-001", "02"},
		{"sub-ABC12", "sub-ABC12", ""},
		{"task-rest_sub-9_bold", "sub-9", ""},
		{"ses-01_sub-02", "sub-02", "01"},
		{"nothing_useful", "", ""},
		{"resub-001", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, session := ExtractBIDS(tt.name)
			assert.Equal(t, tt.wantSubject, subject)
			assert.Equal(t, tt.wantSession, session)
		})
	}
}
