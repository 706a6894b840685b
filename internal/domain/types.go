// Package domain contains the core entities and types of the QC
// normalization pipeline: the metric vocabulary, subject and batch models,
// assessment results, and the error taxonomy.
package domain

// Verdict is the quality judgement for a single metric or a whole scan
// session. Verdicts are advisory; the accompanying confidence value
// communicates how much evidence backs them.
type Verdict string

const (
	VerdictPass      Verdict = "pass"
	VerdictWarning   Verdict = "warning"
	VerdictFail      Verdict = "fail"
	VerdictUncertain Verdict = "uncertain"
)

// IsValid validates that the verdict is a recognized value.
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictPass, VerdictWarning, VerdictFail, VerdictUncertain:
		return true
	default:
		return false
	}
}

// Concrete reports whether the verdict carries an actual judgement.
// Uncertain verdicts are excluded from composite scoring and count against
// confidence.
func (v Verdict) Concrete() bool {
	switch v {
	case VerdictPass, VerdictWarning, VerdictFail:
		return true
	default:
		return false
	}
}

// String returns the string representation of the verdict.
func (v Verdict) String() string {
	return string(v)
}

// Direction indicates which side of a threshold is desirable for a metric.
type Direction string

const (
	HigherBetter Direction = "higher_better"
	LowerBetter  Direction = "lower_better"
)

// IsValid validates that the direction is a recognized value.
func (d Direction) IsValid() bool {
	return d == HigherBetter || d == LowerBetter
}

// String returns the string representation of the direction.
func (d Direction) String() string {
	return string(d)
}

// Sex is the reported sex of a subject.
type Sex string

const (
	SexMale    Sex = "M"
	SexFemale  Sex = "F"
	SexOther   Sex = "O"
	SexUnknown Sex = "U"
)

// IsValid validates that the sex code is a recognized value.
func (s Sex) IsValid() bool {
	switch s {
	case SexMale, SexFemale, SexOther, SexUnknown:
		return true
	default:
		return false
	}
}

// String returns the string representation of the sex code.
func (s Sex) String() string {
	return string(s)
}

// ScanType identifies the acquisition modality of a scan session.
type ScanType string

const (
	ScanT1w   ScanType = "T1w"
	ScanT2w   ScanType = "T2w"
	ScanBOLD  ScanType = "BOLD"
	ScanDWI   ScanType = "DWI"
	ScanFLAIR ScanType = "FLAIR"
)

// IsValid validates that the scan type is a recognized value.
func (t ScanType) IsValid() bool {
	switch t {
	case ScanT1w, ScanT2w, ScanBOLD, ScanDWI, ScanFLAIR:
		return true
	default:
		return false
	}
}

// String returns the string representation of the scan type.
func (t ScanType) String() string {
	return string(t)
}

// BatchStatus is the lifecycle state of a processing batch. Status advances
// monotonically from pending through processing to a terminal state;
// cancelled may interrupt from any non-terminal state. Terminal states are
// immutable.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// IsValid validates that the status is a recognized value.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchProcessing, BatchCompleted, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s BatchStatus) String() string {
	return string(s)
}

// TrendDirection classifies the longitudinal evolution of one metric for
// one subject.
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
	TrendVariable  TrendDirection = "variable"
)

// IsValid validates that the trend direction is a recognized value.
func (d TrendDirection) IsValid() bool {
	switch d {
	case TrendImproving, TrendDeclining, TrendStable, TrendVariable:
		return true
	default:
		return false
	}
}

// String returns the string representation of the trend direction.
func (d TrendDirection) String() string {
	return string(d)
}
