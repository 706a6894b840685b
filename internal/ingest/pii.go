package ingest

import (
	"fmt"
	"regexp"
)

var (
	// Subject identifiers must be opaque research tokens.
	subjectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

	// PII shapes rejected inside a subject identifier. Error messages never
	// echo the matched value; they travel into batch records and events.
	ssnPattern   = regexp.MustCompile(`\d{3}-\d{2}-\d{4}`)
	datePattern  = regexp.MustCompile(`\d{2}[/-]\d{2}[/-]\d{4}`)
	phonePattern = regexp.MustCompile(`\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

	// BIDS filename tokens, e.g. sub-001_ses-02_T1w.
	bidsSubjectPattern = regexp.MustCompile(`(?:^|_)(sub-[A-Za-z0-9]+)`)
	bidsSessionPattern = regexp.MustCompile(`(?:^|_)ses-([A-Za-z0-9]+)`)
)

// piiChecks names each guarded pattern. The SSN shape is checked before the
// phone shape so a 3-2-4 digit group reports as ssn.
var piiChecks = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"ssn", ssnPattern},
	{"date", datePattern},
	{"phone", phonePattern},
	{"email", emailPattern},
}

// CheckSubjectID validates a resolved subject identifier: it must not embed
// a PII-shaped substring and must match the token format.
func CheckSubjectID(id string) error {
	for _, c := range piiChecks {
		if c.pattern.MatchString(id) {
			return fmt.Errorf("subject id matches a personal-information pattern (%s)", c.name)
		}
	}
	if !subjectIDPattern.MatchString(id) {
		return fmt.Errorf("subject id must match %s", subjectIDPattern.String())
	}
	return nil
}

// ExtractBIDS pulls the subject token and session label out of a BIDS-style
// name. The subject keeps its sub- prefix; the session label is returned
// without the ses- prefix. Either result may be empty.
func ExtractBIDS(name string) (subjectID, session string) {
	if m := bidsSubjectPattern.FindStringSubmatch(name); m != nil {
		subjectID = m[1]
	}
	if m := bidsSessionPattern.FindStringSubmatch(name); m != nil {
		session = m[1]
	}
	return subjectID, session
}
